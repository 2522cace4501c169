package http

import (
	"context"
	"net/http"
	"time"
)

// timeoutContext bounds a request's context to d, mirroring the teacher's
// own health-probe handlers in internal/api/dataplane/handlers.go.
func timeoutContext(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}
