package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/copypaste/internal/ratelimit"
	"github.com/manpreetbhatti/copypaste/internal/room"
	"github.com/manpreetbhatti/copypaste/internal/store"
)

const (
	maxBodyBytes  = 8 << 20
	newRoomTries  = 5
	defaultLimit  = 20
	maxListLimit  = 100
	statsDateTime = time.RFC3339
)

// Presence reports who is listening on the change feed.
type Presence interface {
	RoomCount() int
	SubscriberCount() int
	ActiveRooms() map[string]int
}

type Config struct {
	// Store should publish every successful write to the feed.
	Store    store.Store
	Presence Presence
	Limiter  *ratelimit.ClientLimiters // optional
	Feed     http.Handler              // served at /ws
	Logger   *zap.Logger
}

type API struct {
	store     store.Store
	inventory store.Inventory
	presence  Presence
	limiter   *ratelimit.ClientLimiters
	feed      http.Handler
	logger    *zap.Logger
	now       func() time.Time
}

func New(cfg Config) *API {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	a := &API{
		store:    cfg.Store,
		presence: cfg.Presence,
		limiter:  cfg.Limiter,
		feed:     cfg.Feed,
		logger:   cfg.Logger,
		now:      time.Now,
	}
	a.inventory = findInventory(cfg.Store)
	return a
}

// findInventory looks through store decorators for a backend that can list rooms.
func findInventory(s store.Store) store.Inventory {
	for s != nil {
		if inv, ok := s.(store.Inventory); ok {
			return inv
		}
		u, ok := s.(interface{ Unwrap() store.Store })
		if !ok {
			return nil
		}
		s = u.Unwrap()
	}
	return nil
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Warn("Error encoding JSON response", zap.Error(err))
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, ErrorResponse{Error: message})
}

// storeError maps a store failure onto an HTTP status.
func (a *API) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		a.errorResponse(w, http.StatusNotFound, "Room not found")
	case errors.Is(err, store.ErrInvalid):
		a.errorResponse(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrRateLimited):
		a.errorResponse(w, http.StatusTooManyRequests, "Rate limit exceeded")
	default:
		a.logger.Error("Store request failed",
			zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		a.errorResponse(w, http.StatusServiceUnavailable, "Store unavailable")
	}
}

func (a *API) roomParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := room.Parse(chi.URLParam(r, "id"))
	if err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid room id")
		return "", false
	}
	return id, true
}

func (a *API) activeUsers(roomID string) int {
	if a.presence == nil {
		return 0
	}
	return a.presence.ActiveRooms()[roomID]
}

func (a *API) roomResponse(doc *store.Document) RoomResponse {
	return RoomResponse{
		RoomID:      doc.RoomID,
		Content:     doc.Content,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
		ActiveUsers: a.activeUsers(doc.RoomID),
		Stats:       store.ComputeStats(doc.Content),
	}
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": a.now().UTC().Format(statsDateTime),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := StatsResponse{Timestamp: a.now().UTC().Format(statsDateTime)}
	if a.presence != nil {
		stats.ActiveRooms = a.presence.RoomCount()
		stats.ActiveSubscribers = a.presence.SubscriberCount()
	}

	if a.inventory != nil {
		usage, err := a.inventory.GetStats(r.Context())
		if err == nil {
			stats.TotalRooms = usage.RoomCount
			stats.ContentBytes = usage.ContentBytes
		} else {
			a.logger.Warn("Failed to read store stats", zap.Error(err))
		}
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

// Creates an empty room under a fresh, unused id
func (a *API) NewRoomHandler(w http.ResponseWriter, r *http.Request) {
	for attempt := 0; attempt < newRoomTries; attempt++ {
		id, err := room.NewID()
		if err != nil {
			a.errorResponse(w, http.StatusInternalServerError, "Failed to generate room id")
			return
		}

		_, err = a.store.FetchRoom(r.Context(), id)
		if err == nil {
			a.logger.Debug("Collision on room id, regenerating", zap.String("room", id))
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			a.storeError(w, r, err)
			return
		}

		doc, err := a.store.CreateRoom(r.Context(), id, "")
		if err != nil {
			a.storeError(w, r, err)
			return
		}

		a.logger.Info("Room created", zap.String("room", id))
		a.jsonResponse(w, http.StatusCreated, a.roomResponse(doc))
		return
	}

	a.errorResponse(w, http.StatusInternalServerError, "Failed to find a free room id")
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	if a.inventory == nil {
		a.errorResponse(w, http.StatusNotImplemented, "Store cannot list rooms")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > maxListLimit {
		limit = defaultLimit
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	docs, err := a.inventory.ListRooms(r.Context(), limit, offset)
	if err != nil {
		a.storeError(w, r, err)
		return
	}

	rooms := make([]RoomResponse, len(docs))
	for i := range docs {
		rooms[i] = a.roomResponse(&docs[i])
	}

	a.jsonResponse(w, http.StatusOK, ListRoomsResponse{
		Rooms:  rooms,
		Limit:  limit,
		Offset: offset,
	})
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := a.roomParam(w, r)
	if !ok {
		return
	}

	doc, err := a.store.FetchRoom(r.Context(), id)
	if err != nil {
		a.storeError(w, r, err)
		return
	}

	a.jsonResponse(w, http.StatusOK, a.roomResponse(doc))
}

// Creates (or, when racing another creator, overwrites) a room
func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	id, err := room.Parse(req.RoomID)
	if err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid room id")
		return
	}

	doc, err := a.store.CreateRoom(r.Context(), id, req.Content)
	if err != nil {
		a.storeError(w, r, err)
		return
	}

	a.jsonResponse(w, http.StatusCreated, a.roomResponse(doc))
}

// Unconditionally overwrites a room's content
func (a *API) WriteContentHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := a.roomParam(w, r)
	if !ok {
		return
	}

	var req WriteContentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ts := a.now().UTC()
	if req.UpdatedAt != nil && !req.UpdatedAt.IsZero() {
		ts = req.UpdatedAt.UTC()
	}

	if err := a.store.WriteContent(r.Context(), id, req.Content, ts); err != nil {
		a.storeError(w, r, err)
		return
	}

	a.logger.Debug("Content written", zap.String("room", id), zap.Int("bytes", len(req.Content)))
	w.WriteHeader(http.StatusNoContent)
}
