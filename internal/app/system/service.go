package system

import "context"

// Service is a long-running relay component with a managed lifecycle. The
// pollers, cron updater, and alert dispatcher implement it so the manager can
// bring them up in registration order and drain them on shutdown.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
