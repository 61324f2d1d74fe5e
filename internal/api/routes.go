package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.requestLogger)
	r.Use(corsMiddleware)

	r.Get("/health", a.HealthHandler)
	if a.feed != nil {
		r.Get("/ws", a.feed.ServeHTTP)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", a.StatsHandler)

		r.Route("/rooms", func(r chi.Router) {
			r.Get("/", a.ListRoomsHandler)
			r.Post("/", a.CreateRoomHandler)
			r.Post("/new", a.NewRoomHandler)
			r.Get("/{id}", a.GetRoomHandler)

			r.Group(func(r chi.Router) {
				if a.limiter != nil {
					r.Use(a.limiter.Middleware)
				}
				r.Put("/{id}/content", a.WriteContentHandler)
			})
		})
	})

	return r
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		a.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
