package middleware

import (
	"net/http"

	"github.com/campuslib/ebook-delivery/internal/httputil"
	"github.com/campuslib/ebook-delivery/internal/service"
)

// IPRateLimitMiddleware applies one rate guard action keyed by client IP.
type IPRateLimitMiddleware struct {
	guard  *service.RateGuard
	action service.RateAction
}

func NewIPRateLimitMiddleware(guard *service.RateGuard, action service.RateAction) *IPRateLimitMiddleware {
	return &IPRateLimitMiddleware{guard: guard, action: action}
}

func (m *IPRateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := m.guard.Check(r.Context(), httputil.ClientIP(r), m.action); err != nil {
			httputil.WriteError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
