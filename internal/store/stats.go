package store

import (
	"strings"
	"unicode/utf8"
)

// Stats summarizes a document the way the editor footer shows it.
type Stats struct {
	Chars int `json:"chars"`
	Words int `json:"words"`
	Lines int `json:"lines"`
}

// Counts runes, whitespace-separated words and lines
func ComputeStats(content string) Stats {
	return Stats{
		Chars: utf8.RuneCountInString(content),
		Words: len(strings.Fields(content)),
		Lines: strings.Count(content, "\n") + 1,
	}
}
