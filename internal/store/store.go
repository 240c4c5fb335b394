package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Store manages the PostgreSQL connection for the processing run journal.
type Store struct {
	conn *pgx.Conn
}

// Run is one completed processing job.
type Run struct {
	ID             string
	VideoID        string
	InputPath      string
	OutputPath     string
	BackgroundMode string
	TotalFrames    int
	MaskedFrames   int
	OverlaidFrames int
	ElapsedSeconds float64
	VideoOnly      bool
	CreatedAt      time.Time
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the necessary tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS processing_runs (
			id TEXT PRIMARY KEY,
			video_id TEXT NOT NULL,
			input_path TEXT NOT NULL,
			output_path TEXT NOT NULL,
			background_mode TEXT NOT NULL,
			total_frames INT NOT NULL,
			masked_frames INT NOT NULL,
			overlaid_frames INT NOT NULL,
			elapsed_seconds DOUBLE PRECISION NOT NULL,
			video_only BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS processing_runs_video_id_idx ON processing_runs (video_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// RecordRun journals a completed run and returns its generated ID.
func (s *Store) RecordRun(ctx context.Context, run Run) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	_, err := s.conn.Exec(ctx, `
		INSERT INTO processing_runs
			(id, video_id, input_path, output_path, background_mode,
			 total_frames, masked_frames, overlaid_frames, elapsed_seconds, video_only)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, run.ID, run.VideoID, run.InputPath, run.OutputPath, run.BackgroundMode,
		run.TotalFrames, run.MaskedFrames, run.OverlaidFrames, run.ElapsedSeconds, run.VideoOnly)
	if err != nil {
		return "", err
	}
	return run.ID, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.Query(ctx, `
		SELECT id, video_id, input_path, output_path, background_mode,
		       total_frames, masked_frames, overlaid_frames, elapsed_seconds, video_only, created_at
		FROM processing_runs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.VideoID, &r.InputPath, &r.OutputPath, &r.BackgroundMode,
			&r.TotalFrames, &r.MaskedFrames, &r.OverlaidFrames, &r.ElapsedSeconds, &r.VideoOnly, &r.CreatedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Clear deletes the run history and reports how many rows were removed.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	tag, err := s.conn.Exec(ctx, "DELETE FROM processing_runs")
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
