// Package store persists the build job journal and agent settings in SQLite.
//
// Only job bookkeeping lives here. Segments, transcripts and artifacts are session state.
package store

import (
	"context"
	"database/sql"
	"time"
)

const (
	ConfigKeyDeviceID = "device_id"
	// ConfigKeyAPIToken guards the local HTTP API.
	ConfigKeyAPIToken = "api_token"
	// ConfigKeyAuthToken is the credential for the processing service.
	ConfigKeyAuthToken = "auth_token"
)

type JobRecord struct {
	ID         string    `json:"id"`
	SegmentID  string    `json:"segment_id"`
	BatchID    string    `json:"batch_id,omitempty"`
	Status     string    `json:"status"`
	RangeStart int       `json:"range_start"`
	RangeEnd   int       `json:"range_end"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type BatchRecord struct {
	ID             string    `json:"id"`
	SegmentCount   int       `json:"segment_count"`
	MaxConcurrency int       `json:"max_concurrency"`
	Bundle         bool      `json:"bundle"`
	Status         string    `json:"status"`
	Succeeded      int       `json:"succeeded"`
	Failed         int       `json:"failed"`
	Cancelled      int       `json:"cancelled"`
	BundleRef      string    `json:"bundle_ref,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type Repository interface {
	UpsertJob(ctx context.Context, j *JobRecord) error
	ListJobs(ctx context.Context, limit int) ([]*JobRecord, error)
	UpsertBatch(ctx context.Context, b *BatchRecord) error
	GetBatch(ctx context.Context, id string) (*BatchRecord, error)

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// UpsertJob inserts the job on first sight and afterwards only moves its status, error and
// range forward. CreatedAt is kept from the first write.
func (r *SQLiteRepository) UpsertJob(ctx context.Context, j *JobRecord) error {
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, segment_id, batch_id, status, range_start, range_end, error_kind, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			range_start = excluded.range_start,
			range_end = excluded.range_end,
			error_kind = excluded.error_kind,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, j.ID, j.SegmentID, nullString(j.BatchID), j.Status, j.RangeStart, j.RangeEnd,
		nullString(j.ErrorKind), nullString(j.Error),
		j.CreatedAt.Format(time.RFC3339), j.UpdatedAt.Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) ListJobs(ctx context.Context, limit int) ([]*JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, segment_id, batch_id, status, range_start, range_end, error_kind, error, created_at, updated_at
		FROM jobs ORDER BY created_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*JobRecord
	for rows.Next() {
		var j JobRecord
		var batchID, errKind, errMsg sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(&j.ID, &j.SegmentID, &batchID, &j.Status, &j.RangeStart, &j.RangeEnd,
			&errKind, &errMsg, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		j.BatchID = batchID.String
		j.ErrorKind = errKind.String
		j.Error = errMsg.String
		j.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		j.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

func (r *SQLiteRepository) UpsertBatch(ctx context.Context, b *BatchRecord) error {
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO batches (id, segment_count, max_concurrency, bundle, status, succeeded, failed, cancelled, bundle_ref, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			succeeded = excluded.succeeded,
			failed = excluded.failed,
			cancelled = excluded.cancelled,
			bundle_ref = excluded.bundle_ref,
			updated_at = excluded.updated_at
	`, b.ID, b.SegmentCount, b.MaxConcurrency, boolToInt(b.Bundle), b.Status,
		b.Succeeded, b.Failed, b.Cancelled, nullString(b.BundleRef),
		b.CreatedAt.Format(time.RFC3339), b.UpdatedAt.Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) GetBatch(ctx context.Context, id string) (*BatchRecord, error) {
	var b BatchRecord
	var bundle int
	var bundleRef sql.NullString
	var createdAt, updatedAt string

	err := r.db.QueryRowContext(ctx, `
		SELECT id, segment_count, max_concurrency, bundle, status, succeeded, failed, cancelled, bundle_ref, created_at, updated_at
		FROM batches WHERE id = ?
	`, id).Scan(&b.ID, &b.SegmentCount, &b.MaxConcurrency, &bundle, &b.Status,
		&b.Succeeded, &b.Failed, &b.Cancelled, &bundleRef, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.Bundle = bundle == 1
	b.BundleRef = bundleRef.String
	b.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	b.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &b, nil
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
