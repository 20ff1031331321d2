package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultListLimit = 20

// Log is an append-only store of events.
type Log interface {
	Append(ctx context.Context, event Event) error
	ListByCompany(ctx context.Context, companyID string, limit int) ([]Event, error)
	ListByAgent(ctx context.Context, agentID string, limit int) ([]Event, error)
}

// MemoryLog keeps events in process memory.
type MemoryLog struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(_ context.Context, event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

func (l *MemoryLog) ListByCompany(_ context.Context, companyID string, limit int) ([]Event, error) {
	return l.newest(limit, func(e Event) bool { return e.CompanyID == companyID }), nil
}

func (l *MemoryLog) ListByAgent(_ context.Context, agentID string, limit int) ([]Event, error) {
	return l.newest(limit, func(e Event) bool { return e.AgentID == agentID }), nil
}

func (l *MemoryLog) newest(limit int, match func(Event) bool) []Event {
	limit = clampLimit(limit)

	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Event, 0, limit)
	for i := len(l.events) - 1; i >= 0 && len(out) < limit; i-- {
		if match(l.events[i]) {
			out = append(out, l.events[i])
		}
	}
	return out
}

// PGLog stores events in the activity_events table.
type PGLog struct {
	pool *pgxpool.Pool
}

func NewPGLog(pool *pgxpool.Pool) *PGLog {
	return &PGLog{pool: pool}
}

func (l *PGLog) Append(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("activity: marshal payload: %w", err)
	}

	const insertSQL = `
INSERT INTO activity_events (id, company_id, agent_id, actor_id, type, description, payload, created_at)
VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8);
`
	if _, err := l.pool.Exec(ctx, insertSQL,
		event.ID, event.CompanyID, event.AgentID, event.ActorID,
		string(event.Type), event.Description, payload, event.CreatedAt,
	); err != nil {
		return fmt.Errorf("activity: insert event: %w", err)
	}
	return nil
}

func (l *PGLog) ListByCompany(ctx context.Context, companyID string, limit int) ([]Event, error) {
	return l.list(ctx, "company_id", companyID, limit)
}

func (l *PGLog) ListByAgent(ctx context.Context, agentID string, limit int) ([]Event, error) {
	return l.list(ctx, "agent_id", agentID, limit)
}

func (l *PGLog) list(ctx context.Context, column, id string, limit int) ([]Event, error) {
	query := `
		SELECT id, COALESCE(company_id, ''), COALESCE(agent_id, ''), COALESCE(actor_id, ''),
		       type, description, payload, created_at
		FROM activity_events
		WHERE ` + column + ` = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2
	`

	rows, err := l.pool.Query(ctx, query, id, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("activity: list by %s: %w", column, err)
	}
	defer rows.Close()

	events := make([]Event, 0, 8)
	for rows.Next() {
		var (
			e       Event
			typ     string
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.CompanyID, &e.AgentID, &e.ActorID, &typ, &e.Description, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("activity: scan event: %w", err)
		}
		e.Type = Type(typ)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("activity: decode payload: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("activity: iterate events: %w", err)
	}
	return events, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > 100 {
		return 100
	}
	return limit
}

var (
	_ Log = (*MemoryLog)(nil)
	_ Log = (*PGLog)(nil)
)
