package telemetry

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"

	"github.com/italolelis/rangeload/internal/logctx"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// upstream ids are echoed into logs and headers, so only accept a conservative charset
var validRequestID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// RequestID tags every request with an id, reusing a well-formed X-Request-ID from the
// caller. The id is echoed in the response and attached to the request logger, so
// everything an API call triggers in the queue logs under the same request_id.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if !validRequestID.MatchString(id) {
			id = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, id)

		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		ctx = logctx.WithLogger(ctx, logctx.LoggerFromContext(ctx).With("request_id", id))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the id stored by RequestID, or "" outside a request.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
