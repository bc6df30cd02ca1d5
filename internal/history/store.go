package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a call record does not exist.
var ErrNotFound = errors.New("call record not found")

// Call is one finished (or in-progress) call as stored locally.
type Call struct {
	ID           int64      `json:"id"`
	CallID       string     `json:"callId"`
	CallLogID    string     `json:"callLogId,omitempty"`
	PhoneNumber  string     `json:"phoneNumber"`
	CustomerName string     `json:"customerName,omitempty"`
	Direction    string     `json:"direction"`
	StartedAt    time.Time  `json:"startedAt"`
	AnsweredAt   *time.Time `json:"answeredAt,omitempty"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	Duration     int        `json:"durationSeconds"`
	Disposition  string     `json:"disposition,omitempty"`
	HungUpBy     string     `json:"hungUpBy,omitempty"`
	Notes        string     `json:"notes,omitempty"`
}

// ListFilter narrows List results.
type ListFilter struct {
	PhoneNumber string
	Limit       int
	Offset      int
}

// Store persists call records.
type Store interface {
	Create(ctx context.Context, call *Call) error
	Update(ctx context.Context, call *Call) error
	GetByCallID(ctx context.Context, callID string) (*Call, error)
	List(ctx context.Context, filter ListFilter) ([]Call, int, error)
}

type store struct {
	db *DB
}

// NewStore creates a Store backed by the history database.
func NewStore(db *DB) Store {
	return &store{db: db}
}

func (s *store) Create(ctx context.Context, call *Call) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (call_id, call_log_id, phone_number, customer_name,
		 direction, started_at, answered_at, ended_at, duration, disposition,
		 hung_up_by, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.CallID, call.CallLogID, call.PhoneNumber, call.CustomerName,
		call.Direction, call.StartedAt, call.AnsweredAt, call.EndedAt,
		call.Duration, call.Disposition, call.HungUpBy, call.Notes,
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	call.ID = id
	return nil
}

func (s *store) Update(ctx context.Context, call *Call) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE calls SET call_log_id = ?, customer_name = ?, answered_at = ?,
		 ended_at = ?, duration = ?, disposition = ?, hung_up_by = ?, notes = ?
		 WHERE id = ?`,
		call.CallLogID, call.CustomerName, call.AnsweredAt, call.EndedAt,
		call.Duration, call.Disposition, call.HungUpBy, call.Notes, call.ID,
	)
	if err != nil {
		return fmt.Errorf("updating call record: %w", err)
	}
	return nil
}

func (s *store) GetByCallID(ctx context.Context, callID string) (*Call, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT id, call_id, call_log_id, phone_number, customer_name,
		 direction, started_at, answered_at, ended_at, duration, disposition,
		 hung_up_by, notes
		 FROM calls WHERE call_id = ? ORDER BY id DESC LIMIT 1`, callID,
	))
}

func (s *store) List(ctx context.Context, filter ListFilter) ([]Call, int, error) {
	where := "1=1"
	args := []any{}

	if filter.PhoneNumber != "" {
		where += " AND phone_number = ?"
		args = append(args, filter.PhoneNumber)
	}

	var total int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM calls WHERE "+where, args...,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting call records: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, call_id, call_log_id, phone_number, customer_name,
		 direction, started_at, answered_at, ended_at, duration, disposition,
		 hung_up_by, notes
		 FROM calls WHERE `+where+` ORDER BY started_at DESC LIMIT ? OFFSET ?`,
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("listing call records: %w", err)
	}
	defer rows.Close()

	var calls []Call
	for rows.Next() {
		var c Call
		if err := scanCall(rows.Scan, &c); err != nil {
			return nil, 0, fmt.Errorf("scanning call record: %w", err)
		}
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating call records: %w", err)
	}
	return calls, total, nil
}

func (s *store) scanOne(row *sql.Row) (*Call, error) {
	var c Call
	err := scanCall(row.Scan, &c)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call record: %w", err)
	}
	return &c, nil
}

func scanCall(scan func(...any) error, c *Call) error {
	return scan(&c.ID, &c.CallID, &c.CallLogID, &c.PhoneNumber, &c.CustomerName,
		&c.Direction, &c.StartedAt, &c.AnsweredAt, &c.EndedAt, &c.Duration,
		&c.Disposition, &c.HungUpBy, &c.Notes)
}
