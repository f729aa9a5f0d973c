package system

import "context"

// Service represents a lifecycle-managed background component. The runtime
// starts registered services after wiring and stops them in reverse order on
// shutdown.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
