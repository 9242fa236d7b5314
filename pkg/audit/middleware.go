package audit

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/controlhub/controlhub/pkg/contextkeys"
)

// skipPaths are high-volume endpoints never worth auditing.
var skipPaths = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// Middleware installs the audit logger on the request context and records
// every mutating request once the handler finishes. Reads are not logged
// here; sensitive reads audit themselves in their handlers.
func Middleware(logger Logger, appLog *slog.Logger) func(http.Handler) http.Handler {
	if appLog == nil {
		appLog = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			ctx := WithLogger(r.Context(), logger)
			ctx = contextkeys.WithRequestStartTime(ctx, start)
			r = r.WithContext(ctx)

			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)

			if !mutating(r.Method) {
				return
			}
			if err := logger.LogHTTPRequest(ctx, r, recorder.status, time.Since(start)); err != nil {
				appLog.Warn("audit write failed",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()))
			}
		})
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
