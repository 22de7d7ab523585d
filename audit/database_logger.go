package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"southwinds.dev/tenantvault/internal/sqldb"
)

const dbTimeout = 10 * time.Second

type DatabaseOptions struct {
	Driver string `json:"driver"` // sqlite, postgres, mysql
	DSN    string `json:"dsn"`
}

// eventModel maps an Event onto the audit_events table. Details are stored
// as JSON text so every dialect can hold them.
type eventModel struct {
	bun.BaseModel `bun:"table:audit_events,alias:ae"`

	Seq           int64     `bun:"seq,pk,autoincrement"`
	ID            string    `bun:"id,notnull,unique,type:varchar(36)"`
	RequestID     string    `bun:"request_id,type:varchar(64)"`
	Action        string    `bun:"action,notnull,type:varchar(64)"`
	TenantID      string    `bun:"tenant_id,notnull,type:varchar(128)"`
	IntegrationID *string   `bun:"integration_id,type:varchar(128)"`
	ActorUserID   string    `bun:"actor_user_id,type:varchar(128)"`
	Outcome       string    `bun:"outcome,notnull,type:varchar(16)"`
	Timestamp     time.Time `bun:"occurred_at,notnull"`
	Details       string    `bun:"details,type:text"`
}

// DatabaseLogger writes events to a SQL table through bun. Rows are only
// ever inserted.
type DatabaseLogger struct {
	db    *bun.DB
	owned bool
}

// NewDatabaseLogger opens the configured database and prepares audit_events
func NewDatabaseLogger(config *Config) (*DatabaseLogger, error) {
	var opts DatabaseOptions
	if err := parseOptions(config.Options, &opts); err != nil {
		return nil, fmt.Errorf("invalid database logger options: %w", err)
	}
	if opts.Driver == "" || opts.DSN == "" {
		return nil, fmt.Errorf("driver and dsn are required for database logger")
	}

	db, err := sqldb.Open(opts.Driver, opts.DSN)
	if err != nil {
		return nil, err
	}

	logger, err := NewDatabaseLoggerWithDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.owned = true
	return logger, nil
}

// NewDatabaseLoggerWithDB shares an open database, e.g. the one backing the
// credential store. The caller keeps ownership of db.
func NewDatabaseLoggerWithDB(db *bun.DB) (*DatabaseLogger, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	if _, err := db.NewCreateTable().Model((*eventModel)(nil)).IfNotExists().Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to create audit_events table: %w", err)
	}
	return &DatabaseLogger{db: db}, nil
}

func (d *DatabaseLogger) Record(ctx context.Context, event Event) error {
	event = normalize(event)

	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to serialize audit details: %w", err)
	}

	model := &eventModel{
		ID:            event.ID,
		RequestID:     event.RequestID,
		Action:        string(event.Action),
		TenantID:      event.TenantID,
		IntegrationID: event.IntegrationID,
		ActorUserID:   event.ActorUserID,
		Outcome:       string(event.Outcome),
		Timestamp:     event.Timestamp,
		Details:       string(details),
	}

	if _, err = d.db.NewInsert().Model(model).Exec(ctx); err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

func (d *DatabaseLogger) Query(ctx context.Context, options QueryOptions) (QueryResult, error) {
	total, err := d.db.NewSelect().Model((*eventModel)(nil)).Count(ctx)
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to count audit events: %w", err)
	}

	filtered, err := d.filtered(options).Count(ctx)
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to count audit events: %w", err)
	}

	var models []eventModel
	q := d.filtered(options).Order("occurred_at DESC", "seq DESC").Offset(options.Offset)
	if options.Limit > 0 {
		q = q.Limit(options.Limit)
	}
	if err = q.Scan(ctx, &models); err != nil {
		return QueryResult{}, fmt.Errorf("failed to query audit events: %w", err)
	}

	events := make([]Event, 0, len(models))
	for _, m := range models {
		event := Event{
			ID:            m.ID,
			RequestID:     m.RequestID,
			Action:        Action(m.Action),
			TenantID:      m.TenantID,
			IntegrationID: m.IntegrationID,
			ActorUserID:   m.ActorUserID,
			Outcome:       Outcome(m.Outcome),
			Timestamp:     m.Timestamp.UTC(),
			Details:       map[string]interface{}{},
		}
		if m.Details != "" {
			if err = json.Unmarshal([]byte(m.Details), &event.Details); err != nil {
				return QueryResult{}, fmt.Errorf("failed to parse audit details of %s: %w", m.ID, err)
			}
		}
		events = append(events, event)
	}

	return QueryResult{
		Events:     events,
		TotalCount: total,
		Filtered:   filtered,
		HasMore:    options.Offset+len(events) < filtered,
	}, nil
}

// filtered builds a select over audit_events restricted by options
func (d *DatabaseLogger) filtered(options QueryOptions) *bun.SelectQuery {
	q := d.db.NewSelect().Model((*eventModel)(nil))
	if options.TenantID != "" {
		q = q.Where("tenant_id = ?", options.TenantID)
	}
	if options.IntegrationID != "" {
		q = q.Where("integration_id = ?", options.IntegrationID)
	}
	if options.ActorUserID != "" {
		q = q.Where("actor_user_id = ?", options.ActorUserID)
	}
	if options.RequestID != "" {
		q = q.Where("request_id = ?", options.RequestID)
	}
	if options.Action != "" {
		q = q.Where("action = ?", string(options.Action))
	}
	if options.Outcome != "" {
		q = q.Where("outcome = ?", string(options.Outcome))
	}
	if options.Since != nil {
		q = q.Where("occurred_at >= ?", options.Since.UTC())
	}
	if options.Until != nil {
		q = q.Where("occurred_at <= ?", options.Until.UTC())
	}

	return q
}

func (d *DatabaseLogger) Close() error {
	if !d.owned {
		return nil
	}
	return d.db.Close()
}
