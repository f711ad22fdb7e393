// Package httpmw holds gin middleware shared by the HTTP relay.
package httpmw

import (
	"context"

	"github.com/BoozeLee/conduit/internal/common/logger"
)

func contextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, logger.RequestIDKey, id)
}
