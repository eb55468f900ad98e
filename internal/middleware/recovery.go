package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/wudi/edgeway/internal/errors"
	"github.com/wudi/edgeway/internal/logging"
	"go.uber.org/zap"
)

// Recovery turns a panic that escaped the gateway into a 500 response.
// http.ErrAbortHandler is re-raised so the server can drop the connection.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				reqID := RequestIDFromContext(r.Context())
				logging.Error("Panic recovered",
					zap.Any("error", rec),
					zap.String("request_id", reqID),
					zap.ByteString("stack", debug.Stack()),
				)

				gerr := errors.ErrInternal.WithDetails(fmt.Sprintf("panic: %v", rec))
				if reqID != "" {
					gerr = gerr.WithRequestID(reqID)
				}
				gerr.WriteJSON(w)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
