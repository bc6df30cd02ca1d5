// Package pgstore implements calllogd.Store using PostgreSQL.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/voicedesk/voicedesk/internal/calllogd"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements calllogd.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL connection and runs pending migrations.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("postgresql store opened")
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs all pending SQL migration files in order.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = $1", version).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}

		slog.Info("applied migration", "version", version)
	}

	return nil
}

// CreateCallLog inserts a new call-log row.
func (s *Store) CreateCallLog(ctx context.Context, log *calllogd.CallLog) error {
	now := time.Now().UTC()
	log.CreatedAt = now
	log.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_logs
		   (id, customer_id, campaign_id, phone_number, direction, status,
		    started_at, ended_at, duration_seconds, hung_up_by, notes,
		    created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		log.ID, log.CustomerID, log.CampaignID, log.PhoneNumber, log.Direction,
		log.Status, log.StartedAt, log.EndedAt, log.DurationSeconds,
		log.HungUpBy, log.Notes, log.CreatedAt, log.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting call log: %w", err)
	}
	return nil
}

// UpdateCallLog applies a partial update to an existing call log.
// Nil fields in upd are left unchanged.
func (s *Store) UpdateCallLog(ctx context.Context, id string, upd calllogd.UpdateRequest) error {
	set := []string{"updated_at = $1"}
	args := []any{time.Now().UTC()}

	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if upd.Status != nil {
		add("status", *upd.Status)
	}
	if upd.EndedAt != nil {
		add("ended_at", *upd.EndedAt)
	}
	if upd.DurationSeconds != nil {
		add("duration_seconds", *upd.DurationSeconds)
	}
	if upd.HungUpBy != nil {
		add("hung_up_by", *upd.HungUpBy)
	}
	if upd.Notes != nil {
		add("notes", *upd.Notes)
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE call_logs SET %s WHERE id = $%d",
		strings.Join(set, ", "), len(args))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating call log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		return calllogd.ErrNotFound
	}
	return nil
}

// GetCallLog returns a single call log by ID.
func (s *Store) GetCallLog(ctx context.Context, id string) (*calllogd.CallLog, error) {
	var log calllogd.CallLog
	err := s.db.QueryRowContext(ctx,
		`SELECT id, customer_id, campaign_id, phone_number, direction, status,
		        started_at, ended_at, duration_seconds, hung_up_by, notes,
		        created_at, updated_at
		 FROM call_logs
		 WHERE id = $1`,
		id,
	).Scan(&log.ID, &log.CustomerID, &log.CampaignID, &log.PhoneNumber,
		&log.Direction, &log.Status, &log.StartedAt, &log.EndedAt,
		&log.DurationSeconds, &log.HungUpBy, &log.Notes,
		&log.CreatedAt, &log.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, calllogd.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying call log: %w", err)
	}
	return &log, nil
}

// SaveRecording stores uploaded recording metadata.
func (s *Store) SaveRecording(ctx context.Context, rec *calllogd.Recording) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recordings
		   (id, call_log_id, customer_id, campaign_id, customer_name,
		    agent_name, phone_number, duration_seconds, file_path,
		    size_bytes, uploaded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.CallLogID, rec.CustomerID, rec.CampaignID,
		rec.CustomerName, rec.AgentName, rec.PhoneNumber,
		rec.DurationSeconds, rec.FilePath, rec.SizeBytes, rec.UploadedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting recording: %w", err)
	}
	return nil
}

// APIKeyHashes returns the encoded hashes of all enabled API keys.
func (s *Store) APIKeyHashes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key_hash FROM api_keys WHERE NOT disabled")
	if err != nil {
		return nil, fmt.Errorf("querying api keys: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scanning api key: %w", err)
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating api keys: %w", err)
	}
	return hashes, nil
}

// CreateAPIKey hashes and stores a new API key under the given name.
// Returns the new key's ID.
func (s *Store) CreateAPIKey(ctx context.Context, name, key string) (string, error) {
	hash, err := calllogd.HashAPIKey(key)
	if err != nil {
		return "", fmt.Errorf("hashing api key: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO api_keys (id, name, key_hash) VALUES ($1, $2, $3)",
		id, name, hash)
	if err != nil {
		return "", fmt.Errorf("inserting api key: %w", err)
	}
	return id, nil
}
