// Package requestid propagates a correlation ID from X-Request-ID or mints one.
package requestid

import (
	"net/http"

	"github.com/google/uuid"

	"nfaudit/pkg/requestcontext"
)

// Header is the correlation header read and echoed by the middleware.
const Header = "X-Request-ID"

// Middleware ensures every request carries a request ID.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(Header)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(Header, id)
		ctx := requestcontext.WithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
