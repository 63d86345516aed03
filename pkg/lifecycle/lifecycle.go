package lifecycle

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type Lifecycle interface {
	Start(ctx context.Context) error
	Close() error
}

func StartAll(components []Lifecycle, ctx context.Context, logger *zap.Logger, name string) error {
	for _, c := range components {
		logger.Sugar().Infow("Starting component", "group", name, "type", fmt.Sprintf("%T", c))
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s: %w", name, err)
		}
	}
	return nil
}

// StopAll closes components in reverse start order.
func StopAll(components []Lifecycle, logger *zap.Logger, name string) {
	for i := len(components) - 1; i >= 0; i-- {
		c := components[i]
		if err := c.Close(); err != nil {
			logger.Sugar().Warnw(
				"Failed to stop component",
				"group", name,
				"type", fmt.Sprintf("%T", c),
				"error", err,
			)
		}
	}
}
