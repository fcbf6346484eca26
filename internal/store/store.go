package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/andresmejia3/facegate/internal/types"
)

var ErrIdentityNotFound = errors.New("identity not enrolled")

// Store manages the PostgreSQL connection and pgvector operations.
// A pgx.Conn is not safe for concurrent use, so every call is serialized.
type Store struct {
	mu   sync.Mutex
	conn *pgx.Conn
}

// Identity is an enrolled person and the shape of their reference embedding.
type Identity struct {
	ID         int
	Name       string
	Dim        int
	Embedder   string
	Samples    int
	EnrolledAt time.Time
	UpdatedAt  time.Time
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

// initSchema creates the necessary tables and vector extension if they don't exist (Auto-Migration).
// Embeddings are stored without a fixed dimension so engine and pixel
// descriptors can coexist; dim and embedder record each one's shape and origin.
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS identities (
			id SERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			embedding VECTOR NOT NULL,
			dim INT NOT NULL,
			samples INT NOT NULL DEFAULT 1,
			enrolled_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		ALTER TABLE identities ADD COLUMN IF NOT EXISTS embedder TEXT NOT NULL DEFAULT 'engine';
		CREATE TABLE IF NOT EXISTS attendance_records (
			id UUID PRIMARY KEY,
			capture_id UUID NOT NULL UNIQUE,
			identity TEXT NOT NULL,
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			face_verified BOOLEAN NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS attendance_records_identity_idx ON attendance_records (identity, recorded_at DESC);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.Close(ctx)
}

// vecToString formats a float slice into a PostgreSQL vector string format "[1.0,2.0,...]"
func vecToString(vec []float64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(v, 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// parseVector is the inverse of vecToString for embedding::text output.
func parseVector(s string) ([]float64, error) {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	vec := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("parse vector component %d: %w", i, err)
		}
		vec[i] = v
	}
	return vec, nil
}

// EnrollIdentity stores vec, produced by embedder, as the reference embedding
// for name. Re-enrolling an existing name replaces its embedding and resets
// the sample count.
func (s *Store) EnrollIdentity(ctx context.Context, name, embedder string, vec []float64) (int, error) {
	if len(vec) == 0 {
		return 0, fmt.Errorf("empty embedding")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int
	err := s.conn.QueryRow(ctx, `
		INSERT INTO identities (name, embedding, dim, embedder, samples)
		VALUES ($1, $2::vector, $3, $4, 1)
		ON CONFLICT (name) DO UPDATE
		SET embedding = EXCLUDED.embedding, dim = EXCLUDED.dim, embedder = EXCLUDED.embedder, samples = 1, updated_at = NOW()
		RETURNING id
	`, name, vecToString(vec), len(vec), embedder).Scan(&id)
	return id, err
}

// AddSample folds another capture of an enrolled identity into its reference
// embedding as a running mean. The sample must come from the same embedder.
func (s *Store) AddSample(ctx context.Context, name, embedder string, newVec []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// 1. Fetch current state
	var oldVecStr, oldEmbedder string
	var oldCount int
	// FOR UPDATE locks the row so concurrent kiosks cannot interleave updates
	err = tx.QueryRow(ctx, "SELECT embedding::text, embedder, samples FROM identities WHERE name = $1 FOR UPDATE", name).Scan(&oldVecStr, &oldEmbedder, &oldCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrIdentityNotFound, name)
	}
	if err != nil {
		return err
	}

	if oldEmbedder != embedder {
		return fmt.Errorf("sample is a %s embedding, %s is enrolled with %s", embedder, name, oldEmbedder)
	}

	oldVec, err := parseVector(oldVecStr)
	if err != nil {
		return err
	}
	if len(oldVec) != len(newVec) {
		return fmt.Errorf("sample has %d dimensions, %s is enrolled with %d", len(newVec), name, len(oldVec))
	}

	// 2. Weighted Math
	total := float64(oldCount + 1)
	finalVec := make([]float64, len(oldVec))
	for i := range oldVec {
		finalVec[i] = (oldVec[i]*float64(oldCount) + newVec[i]) / total
	}

	_, err = tx.Exec(ctx, "UPDATE identities SET embedding = $1::vector, samples = $2, updated_at = NOW() WHERE name = $3",
		vecToString(finalVec), oldCount+1, name)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ReferenceEmbedding loads the enrolled embedding for name and the embedder
// that produced it.
func (s *Store) ReferenceEmbedding(ctx context.Context, name string) ([]float64, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var vecStr, embedder string
	err := s.conn.QueryRow(ctx, "SELECT embedding::text, embedder FROM identities WHERE name = $1", name).Scan(&vecStr, &embedder)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", fmt.Errorf("%w: %s", ErrIdentityNotFound, name)
	}
	if err != nil {
		return nil, "", err
	}
	vec, err := parseVector(vecStr)
	return vec, embedder, err
}

// FindClosestIdentity searches for the nearest neighbor among identities whose
// embedding has the same embedder and dimension, using cosine distance.
// Returns "" if no identity is within maxDistance.
func (s *Store) FindClosestIdentity(ctx context.Context, vec []float64, embedder string, maxDistance float64) (string, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vecStr := vecToString(vec)
	// <=> is the cosine distance operator in pgvector
	// We order by distance and limit to 1 to find the nearest neighbor
	// The dimension filter is materialized first: comparing vectors of different sizes is an error.
	query := `
		WITH candidates AS MATERIALIZED (
			SELECT name, embedding FROM identities WHERE dim = $2 AND embedder = $3
		)
		SELECT name, embedding <=> $1::vector AS distance
		FROM candidates
		WHERE embedding <=> $1::vector < $4
		ORDER BY distance ASC
		LIMIT 1`

	var name string
	var dist float64
	err := s.conn.QueryRow(ctx, query, vecStr, len(vec), embedder, maxDistance).Scan(&name, &dist)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, nil // No match found
	}
	if err != nil {
		return "", 0, err
	}
	return name, dist, nil
}

func (s *Store) ListIdentities(ctx context.Context) ([]Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx, "SELECT id, name, dim, embedder, samples, enrolled_at, updated_at FROM identities ORDER BY name ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		var i Identity
		if err := rows.Scan(&i.ID, &i.Name, &i.Dim, &i.Embedder, &i.Samples, &i.EnrolledAt, &i.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// MarkAttendance writes one attendance record. It is idempotent on CaptureID:
// repeating a capture is not an error and does not create a second row.
func (s *Store) MarkAttendance(ctx context.Context, req types.AttendanceRequest) error {
	captureID, err := uuid.Parse(req.CaptureID)
	if err != nil {
		return fmt.Errorf("invalid capture id %q: %w", req.CaptureID, err)
	}
	recordID := uuid.New()
	if req.RecordID != "" {
		if recordID, err = uuid.Parse(req.RecordID); err != nil {
			return fmt.Errorf("invalid record id %q: %w", req.RecordID, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.conn.Exec(ctx, `
		INSERT INTO attendance_records (id, capture_id, identity, latitude, longitude, face_verified)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (capture_id) DO NOTHING
	`, recordID, captureID, req.Identity, req.Latitude, req.Longitude, req.FaceVerified)
	return err
}

// ListAttendance returns the newest records first. An empty identity lists everyone.
func (s *Store) ListAttendance(ctx context.Context, identity string, limit int) ([]types.AttendanceRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx, `
		SELECT id, capture_id, identity, latitude, longitude, face_verified, recorded_at
		FROM attendance_records
		WHERE $1::text = '' OR identity = $1::text
		ORDER BY recorded_at DESC
		LIMIT $2
	`, identity, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.AttendanceRecord
	for rows.Next() {
		var r types.AttendanceRecord
		var id, captureID uuid.UUID
		if err := rows.Scan(&id, &captureID, &r.Identity, &r.Latitude, &r.Longitude, &r.FaceVerified, &r.RecordedAt); err != nil {
			return nil, err
		}
		r.ID, r.CaptureID = id.String(), captureID.String()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS attendance_records CASCADE;
		DROP TABLE IF EXISTS identities CASCADE;
	`)
	return err
}
