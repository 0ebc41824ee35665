package firmware

import (
	"context"

	"github.com/pkg/errors"
)

// ErrClaimed is returned by a transport when the device is held open by
// another process. Callers surface this with user guidance since it is a
// common support scenario.
var ErrClaimed = errors.New("device claimed by another process")

// Transport performs one framed exchange with a single device. Exactly one
// exchange may be in flight at a time; serialization is the caller's job.
type Transport interface {
	Exchange(ctx context.Context, msg Message) (Message, error)
	Close() error
}
