package audit

import (
	"context"

	"go.uber.org/zap"
)

type bestEffortLogger struct {
	Logger
	log *zap.Logger
}

// BestEffort wraps a sink so that Record failures are logged and swallowed.
// Without it a failing sink fails the vault operation that produced the event.
func BestEffort(logger Logger, log *zap.Logger) Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return &bestEffortLogger{Logger: logger, log: log}
}

func (b *bestEffortLogger) Record(ctx context.Context, event Event) error {
	if err := b.Logger.Record(ctx, event); err != nil {
		b.log.Error("audit sink failed, event dropped",
			zap.String("event_id", event.ID),
			zap.String("action", string(event.Action)),
			zap.String("tenant_id", event.TenantID),
			zap.String("outcome", string(event.Outcome)),
			zap.Error(err),
		)
	}
	return nil
}
