package requestid

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"audittrail/pkg/requestcontext"
)

// Header carries the correlation ID between services.
const Header = "X-Request-ID"

const maxLength = 128

// RequestID propagates the caller's X-Request-ID, or generates one, into the
// request context so audit events recorded while serving the request carry it.
// The ID is echoed on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(Header))
		if id == "" || len(id) > maxLength {
			id = uuid.NewString()
		}
		w.Header().Set(Header, id)
		next.ServeHTTP(w, r.WithContext(requestcontext.WithRequestID(r.Context(), id)))
	})
}
