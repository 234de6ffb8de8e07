package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/harmonia/maestro/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Jobs ---

const jobColumns = `id, type, status, payload, request_id, worker_id, attempt, progress,
	result, error_message, queue_entry_id, cancel_requested_at, created_at, updated_at, finished_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.Type, &j.Status, &j.Payload, &j.RequestID, &j.WorkerID,
		&j.Attempt, &j.Progress, &j.Result, &j.ErrorMessage, &j.QueueEntryID,
		&j.CancelRequestedAt, &j.CreatedAt, &j.UpdatedAt, &j.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, type, status, payload, request_id, attempt, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.Type, job.Status, job.Payload, job.RequestID, job.Attempt,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) (*models.Job, error) {
	var p jobUpdateParams
	for _, opt := range opts {
		opt(&p)
	}

	sets := []string{"status = $2", "updated_at = NOW()"}
	args := []any{id, status}
	next := 3
	set := func(expr string, v any) {
		sets = append(sets, fmt.Sprintf(expr, next))
		args = append(args, v)
		next++
	}

	if p.WorkerID != nil {
		set("worker_id = $%d", *p.WorkerID)
	}
	if p.ClearWorkerID {
		sets = append(sets, "worker_id = NULL")
	}
	if p.Progress != nil {
		set("progress = $%d", *p.Progress)
	}
	if p.Result != nil {
		set("result = $%d", p.Result)
	}
	if p.ErrorMessage != nil {
		set("error_message = $%d", *p.ErrorMessage)
	}
	if p.Attempt != nil {
		set("attempt = $%d", *p.Attempt)
	}
	if p.QueueEntryID != nil {
		set("queue_entry_id = $%d", *p.QueueEntryID)
	}
	if p.FinishedNow {
		// first terminal transition wins
		sets = append(sets, "finished_at = COALESCE(finished_at, NOW())")
	}
	if p.CancelRequested {
		sets = append(sets, "cancel_requested_at = COALESCE(cancel_requested_at, NOW())")
	}

	where := "id = $1"
	if len(p.ExpectedStatus) > 0 {
		where += fmt.Sprintf(" AND status = ANY($%d)", next)
		args = append(args, p.ExpectedStatus)
	}

	query := "UPDATE jobs SET " + strings.Join(sets, ", ") +
		" WHERE " + where + " RETURNING " + jobColumns

	j, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if checkErr := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); checkErr != nil {
			return nil, fmt.Errorf("update job status: %w", checkErr)
		}
		if exists {
			return nil, ErrStaleStatus
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update job status: %w", err)
	}
	return j, nil
}

// --- Dead letters ---

func (s *PostgresStore) InsertDeadLetter(ctx context.Context, dl *models.DeadLetter) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letters (id, job_id, job_type, request_id, payload, attempt, last_error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		dl.ID, dl.JobID, dl.JobType, dl.RequestID, dl.Payload, dl.Attempt, dl.LastError, dl.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, page, limit int) ([]*models.DeadLetter, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count dead letters: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, job_type, request_id, payload, attempt, last_error, created_at
		 FROM dead_letters ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, (page-1)*limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []*models.DeadLetter
	for rows.Next() {
		var dl models.DeadLetter
		if err := rows.Scan(&dl.ID, &dl.JobID, &dl.JobType, &dl.RequestID, &dl.Payload,
			&dl.Attempt, &dl.LastError, &dl.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan dead letter: %w", err)
		}
		letters = append(letters, &dl)
	}
	return letters, total, rows.Err()
}

func (s *PostgresStore) GetDeadLetter(ctx context.Context, id uuid.UUID) (*models.DeadLetter, error) {
	var dl models.DeadLetter
	err := s.pool.QueryRow(ctx,
		`SELECT id, job_id, job_type, request_id, payload, attempt, last_error, created_at
		 FROM dead_letters WHERE id = $1`, id).
		Scan(&dl.ID, &dl.JobID, &dl.JobType, &dl.RequestID, &dl.Payload,
			&dl.Attempt, &dl.LastError, &dl.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	return &dl, nil
}

// --- Service credentials ---

func (s *PostgresStore) GetCredentialByPrefix(ctx context.Context, prefix string) ([]*models.Credential, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, revoked_at, created_at, updated_at
		 FROM service_credentials WHERE key_prefix = $1 AND revoked_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get credential by prefix: %w", err)
	}
	defer rows.Close()

	var creds []*models.Credential
	for rows.Next() {
		var c models.Credential
		if err := rows.Scan(&c.ID, &c.Name, &c.KeyHash, &c.KeyPrefix, &c.Scopes,
			&c.LastUsedAt, &c.RevokedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		creds = append(creds, &c)
	}
	return creds, rows.Err()
}

func (s *PostgresStore) UpdateCredentialLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE service_credentials SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update credential last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateCredential(ctx context.Context, cred *models.Credential) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO service_credentials (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		cred.ID, cred.Name, cred.KeyHash, cred.KeyPrefix, cred.Scopes, cred.CreatedAt, cred.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCredentials(ctx context.Context) ([]*models.Credential, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, revoked_at, created_at, updated_at
		 FROM service_credentials WHERE revoked_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var creds []*models.Credential
	for rows.Next() {
		var c models.Credential
		if err := rows.Scan(&c.ID, &c.Name, &c.KeyHash, &c.KeyPrefix, &c.Scopes,
			&c.LastUsedAt, &c.RevokedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		creds = append(creds, &c)
	}
	return creds, rows.Err()
}

func (s *PostgresStore) RevokeCredential(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE service_credentials SET revoked_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
