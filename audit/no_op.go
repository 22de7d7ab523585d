package audit

import "context"

// NoOpLogger is a no-op implementation for when auditing is disabled
type NoOpLogger struct{}

func NewNoOpLogger() Logger {
	return new(NoOpLogger)
}

func (n *NoOpLogger) Record(context.Context, Event) error {
	return nil
}

func (n *NoOpLogger) Query(context.Context, QueryOptions) (QueryResult, error) {
	return QueryResult{Events: []Event{}}, nil
}

func (n *NoOpLogger) Close() error {
	return nil
}
