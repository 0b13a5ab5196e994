package domain

import "context"

// Channel is a long-running connection to a chat platform.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}
