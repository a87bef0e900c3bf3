package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/middleware"
)

// NewRouter builds the chi router serving every httpapi route, with the
// inbound /notify endpoint guarded by a token-bucket rate limiter (spec
// §4.7, "rate limiting per serverId or globally").
func NewRouter(h *Handler, rps float64, burst int) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))

	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	r.Get("/health", h.HandleHealth)
	r.Get("/sessions", h.HandleSessions)
	r.Get("/dlq/stats", h.HandleDLQStats)
	r.Get("/breakers", h.HandleBreakerStats)

	r.With(rateLimit(limiter)).Post("/notify", h.HandleNotify)

	return r
}

// rateLimit rejects requests once the limiter's bucket is exhausted,
// responding 429 rather than blocking.
func rateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				Error(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
