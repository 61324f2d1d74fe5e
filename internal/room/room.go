package room

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strings"
)

const (
	// Length of a generated room identifier
	IDLength = 8

	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var ErrInvalidID = errors.New("invalid room id")

// Generates a fresh room identifier drawn from [A-Z0-9]
func NewID() (string, error) {
	base := big.NewInt(int64(len(alphabet)))

	id := make([]byte, IDLength)
	for i := range id {
		n, err := rand.Int(rand.Reader, base)
		if err != nil {
			return "", err
		}
		id[i] = alphabet[n.Int64()]
	}
	return string(id), nil
}

// Trims and upper-cases a room identifier typed by a user
func Normalize(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// Reports whether id is an already-normalized room identifier
func Valid(id string) bool {
	if len(id) != IDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if !strings.ContainsRune(alphabet, rune(id[i])) {
			return false
		}
	}
	return true
}

// Normalizes id and validates the result
func Parse(id string) (string, error) {
	id = Normalize(id)
	if !Valid(id) {
		return "", ErrInvalidID
	}
	return id, nil
}
