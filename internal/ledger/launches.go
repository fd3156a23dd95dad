package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Launch is one dispatched pipeline run as recorded after launch.
type Launch struct {
	ID         string
	Backend    string
	Pipeline   string
	JobName    string
	Handle     string
	Status     string
	OutputUUID string
	CreatedAt  time.Time
}

type Store struct {
	db DB
}

const (
	createLaunchesTableQuery = `CREATE TABLE IF NOT EXISTS launches (
		launch_id UUID PRIMARY KEY,
		backend TEXT NOT NULL,
		pipeline TEXT NOT NULL,
		job_name TEXT NOT NULL,
		handle TEXT,
		status TEXT NOT NULL,
		output_uuid TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`

	createLaunchesIndexQuery = `CREATE INDEX IF NOT EXISTS launches_pipeline_created_at_idx ON launches (pipeline, created_at DESC)`

	insertLaunchQuery = `INSERT INTO launches (
		launch_id,
		backend,
		pipeline,
		job_name,
		handle,
		status,
		output_uuid,
		created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (launch_id) DO NOTHING`

	listLaunchesQuery = `SELECT launch_id, backend, pipeline, job_name, handle, status, output_uuid, created_at
	 FROM launches
	 ORDER BY created_at DESC, launch_id ASC
	 LIMIT $1`

	listLaunchesByPipelineQuery = `SELECT launch_id, backend, pipeline, job_name, handle, status, output_uuid, created_at
	 FROM launches
	 WHERE pipeline = $1
	 ORDER BY created_at DESC, launch_id ASC
	 LIMIT $2`
)

const DefaultListLimit = 50

func NewStore(db DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("launch store not initialized")
	}
	for _, q := range []string{createLaunchesTableQuery, createLaunchesIndexQuery} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure launches schema: %w", err)
		}
	}
	return nil
}

// RecordLaunch appends a launch. The ID and CreatedAt are filled in when empty.
func (s *Store) RecordLaunch(ctx context.Context, launch Launch) error {
	if s == nil || s.db == nil {
		return errors.New("launch store not initialized")
	}
	launch, err := normalize(launch)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(
		ctx,
		insertLaunchQuery,
		launch.ID,
		launch.Backend,
		launch.Pipeline,
		launch.JobName,
		nullIfEmpty(launch.Handle),
		launch.Status,
		launch.OutputUUID,
		launch.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert launch: %w", err)
	}
	return nil
}

// List returns the newest launches first, optionally for one pipeline.
func (s *Store) List(ctx context.Context, pipeline string, limit int) ([]Launch, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("launch store not initialized")
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	pipeline = strings.TrimSpace(pipeline)

	var rows *sql.Rows
	var err error
	if pipeline == "" {
		rows, err = s.db.QueryContext(ctx, listLaunchesQuery, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, listLaunchesByPipelineQuery, pipeline, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list launches: %w", err)
	}
	defer rows.Close()

	out := make([]Launch, 0)
	for rows.Next() {
		var l Launch
		var handle sql.NullString
		if err := rows.Scan(&l.ID, &l.Backend, &l.Pipeline, &l.JobName, &handle, &l.Status, &l.OutputUUID, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan launch: %w", err)
		}
		l.Handle = strings.TrimSpace(handle.String)
		l.CreatedAt = l.CreatedAt.UTC()
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list launches: %w", err)
	}
	return out, nil
}

func normalize(l Launch) (Launch, error) {
	l.Backend = strings.TrimSpace(l.Backend)
	l.Pipeline = strings.TrimSpace(l.Pipeline)
	l.JobName = strings.TrimSpace(l.JobName)
	l.Status = strings.TrimSpace(l.Status)
	l.OutputUUID = strings.TrimSpace(l.OutputUUID)
	switch {
	case l.Backend == "":
		return Launch{}, errors.New("backend is required")
	case l.Pipeline == "":
		return Launch{}, errors.New("pipeline is required")
	case l.JobName == "":
		return Launch{}, errors.New("job name is required")
	case l.Status == "":
		return Launch{}, errors.New("status is required")
	case l.OutputUUID == "":
		return Launch{}, errors.New("output uuid is required")
	}
	if strings.TrimSpace(l.ID) == "" {
		l.ID = uuid.NewString()
	} else if _, err := uuid.Parse(l.ID); err != nil {
		return Launch{}, fmt.Errorf("launch id: %w", err)
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	l.CreatedAt = l.CreatedAt.UTC()
	return l, nil
}

func nullIfEmpty(v string) sql.NullString {
	v = strings.TrimSpace(v)
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
