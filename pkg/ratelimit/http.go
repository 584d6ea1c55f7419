package ratelimit

import (
	"errors"
	"net/http"

	"github.com/diagnosis/labbooking/pkg/audit"
	"github.com/diagnosis/labbooking/pkg/logger"
	"github.com/diagnosis/labbooking/pkg/response"
)

// KeyFunc returns the identifiers a request is counted against. Every key is
// checked; the first rejection wins.
type KeyFunc func(r *http.Request) []string

// ByIP keys requests on the client address.
func ByIP(r *http.Request) []string {
	if ip := audit.ClientIP(r); ip != "" {
		return []string{"ip:" + ip}
	}
	return nil
}

// Middleware enforces class on the keys returned by keys (ByIP when nil).
// A store failure lets the request through; a misconfigured class does not.
func Middleware(l *Limiter, class string, keys KeyFunc) func(http.Handler) http.Handler {
	if keys == nil {
		keys = ByIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, k := range keys(r) {
				err := l.Check(r.Context(), class, k)
				var rlErr *Error
				switch {
				case err == nil:
				case errors.As(err, &rlErr), errors.Is(err, ErrUnknownClass):
					response.WriteErr(w, r, err)
					return
				default:
					logger.WarnContext(r.Context(), "Rate limit store unavailable, allowing request", "class", class, "error", err)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
