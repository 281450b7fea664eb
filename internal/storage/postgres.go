// Package storage persists predictions to PostgreSQL.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/Brownie44l1/live-classifier/internal/report"
)

const defaultWriteTimeout = 5 * time.Second

// DB is the subset of pgxpool.Pool the sink needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

var _ DB = (*pgxpool.Pool)(nil)

const schema = `
	CREATE EXTENSION IF NOT EXISTS vector;

	CREATE TABLE IF NOT EXISTS predictions (
		id BIGSERIAL PRIMARY KEY,
		session_id UUID NOT NULL,
		frame_seq BIGINT NOT NULL,
		elapsed_ms DOUBLE PRECISION NOT NULL,
		labels TEXT[] NOT NULL,
		confidences REAL[] NOT NULL,
		scores vector,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS prediction_errors (
		id BIGSERIAL PRIMARY KEY,
		session_id UUID NOT NULL,
		message TEXT NOT NULL,
		fatal BOOLEAN NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_predictions_session ON predictions(session_id, frame_seq);
	CREATE INDEX IF NOT EXISTS idx_prediction_errors_session ON prediction_errors(session_id);
`

// InitSchema creates the tables if they do not exist.
func InitSchema(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}
	return nil
}

type Postgres struct {
	db           DB
	pool         *pgxpool.Pool
	WriteTimeout time.Duration
	// StoreScores keeps the full score vector next to the top-K slots.
	StoreScores bool
}

var _ report.Sink = (*Postgres)(nil)

// Connect opens a pool, verifies it and makes sure the schema exists.
func Connect(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := InitSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	p := NewPostgres(pool)
	p.pool = pool
	return p, nil
}

func NewPostgres(db DB) *Postgres {
	return &Postgres{
		db:           db,
		WriteTimeout: defaultWriteTimeout,
		StoreScores:  true,
	}
}

func (p *Postgres) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func (p *Postgres) writeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.WriteTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.WriteTimeout)
}

func (p *Postgres) Publish(ctx context.Context, r report.Report) {
	if err := p.Insert(ctx, r); err != nil {
		logger.Errorf(ctx, "unable to store the prediction for frame %d: %v", r.FrameSeq, err)
	}
}

func (p *Postgres) PublishError(ctx context.Context, ev report.ErrorEvent) {
	ctx, cancel := p.writeCtx(ctx)
	defer cancel()

	_, err := p.db.Exec(ctx,
		`INSERT INTO prediction_errors (session_id, message, fatal, created_at)
		VALUES ($1, $2, $3, $4)`,
		ev.SessionID.String(), ev.Message(), ev.Fatal, ev.At)
	if err != nil {
		logger.Errorf(ctx, "unable to store the error event: %v", err)
	}
}

// Insert stores the filled top-K slots of r.
func (p *Postgres) Insert(ctx context.Context, r report.Report) error {
	ctx, cancel := p.writeCtx(ctx)
	defer cancel()

	labels := make([]string, 0, len(r.TopK))
	confidences := make([]float32, 0, len(r.TopK))
	for _, e := range r.TopK {
		if !e.Filled() {
			continue
		}
		labels = append(labels, e.Label)
		confidences = append(confidences, e.Confidence)
	}

	var scores *pgvector.Vector
	if p.StoreScores && len(r.Scores) > 0 {
		v := pgvector.NewVector(r.Scores)
		scores = &v
	}

	_, err := p.db.Exec(ctx,
		`INSERT INTO predictions
		(session_id, frame_seq, elapsed_ms, labels, confidences, scores, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.SessionID.String(), int64(r.FrameSeq), r.ElapsedMs(), labels, confidences, scores, r.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to store the prediction: %w", err)
	}
	return nil
}

type Prediction struct {
	SessionID   uuid.UUID `json:"session_id"`
	FrameSeq    uint64    `json:"frame_seq"`
	ElapsedMs   float64   `json:"elapsed_ms"`
	Labels      []string  `json:"labels"`
	Confidences []float32 `json:"confidences"`
	CreatedAt   time.Time `json:"created_at"`
	// Distance is only set by Similar.
	Distance float64 `json:"distance,omitempty"`
}

// Recent returns the latest predictions of a session, newest first.
func (p *Postgres) Recent(ctx context.Context, sessionID uuid.UUID, limit int) ([]Prediction, error) {
	rows, err := p.db.Query(ctx,
		`SELECT session_id::text, frame_seq, elapsed_ms, labels, confidences, created_at, 0::float8
		FROM predictions
		WHERE session_id = $1
		ORDER BY frame_seq DESC
		LIMIT $2`,
		sessionID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query predictions: %w", err)
	}
	return scanPredictions(rows)
}

// Similar finds stored frames whose score vectors are closest to scores.
func (p *Postgres) Similar(ctx context.Context, scores []float32, limit int) ([]Prediction, error) {
	rows, err := p.db.Query(ctx,
		`SELECT session_id::text, frame_seq, elapsed_ms, labels, confidences, created_at,
		scores <-> $1 AS distance
		FROM predictions
		WHERE scores IS NOT NULL AND vector_dims(scores) = vector_dims($1)
		ORDER BY scores <-> $1
		LIMIT $2`,
		pgvector.NewVector(scores), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search similar predictions: %w", err)
	}
	return scanPredictions(rows)
}

func scanPredictions(rows pgx.Rows) ([]Prediction, error) {
	defer rows.Close()

	var result []Prediction
	for rows.Next() {
		var (
			pred      Prediction
			sessionID string
			frameSeq  int64
		)
		if err := rows.Scan(
			&sessionID, &frameSeq, &pred.ElapsedMs,
			&pred.Labels, &pred.Confidences, &pred.CreatedAt, &pred.Distance,
		); err != nil {
			return nil, fmt.Errorf("failed to scan a prediction: %w", err)
		}
		id, err := uuid.Parse(sessionID)
		if err != nil {
			return nil, fmt.Errorf("invalid session id '%s': %w", sessionID, err)
		}
		pred.SessionID = id
		pred.FrameSeq = uint64(frameSeq)
		result = append(result, pred)
	}
	return result, rows.Err()
}
