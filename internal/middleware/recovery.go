package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"aicall-gateway/pkg/logging/logging"
)

// Recoverer turns a handler panic into a logged 500.
func Recoverer() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil || rec == http.ErrAbortHandler {
					if rec != nil {
						panic(rec)
					}
					return
				}
				logging.L(r.Context()).Error("panic_recovered",
					zap.Any("error", rec),
					zap.ByteString("stack", debug.Stack()),
				)

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"internal_server_error"}`))
			}()

			next.ServeHTTP(w, r)
		})
	}
}
