package sweeper

import (
	"context"
)

// Sweeper is a long-running background task that performs periodic maintenance
type Sweeper interface {
	// Start runs the main loop until the context is canceled or Stop is called
	Start(ctx context.Context) error

	// Stop requests the main loop to exit and waits for the running cycle
	Stop(ctx context.Context) error

	// Name identifies the sweeper in logs
	Name() string
}
