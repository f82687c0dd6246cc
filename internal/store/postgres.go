package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tnsr-ai/gpufleet/pkg/models"
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

type scanner interface {
	Scan(dest ...any) error
}

// --- Users ---

func (s *PostgresStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, tier, created_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.Tier, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (email, tier) VALUES ($1, $2) RETURNING id, created_at`,
		user.Email, user.Tier,
	).Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// --- Content ---

const contentColumns = `id, user_id, job_id, id_related, title, status, content_type, link, thumbnail,
	size_bytes, duration, resolution, fps, hz, tags, created_at, updated_at`

func scanContent(row scanner) (*models.Content, error) {
	var c models.Content
	err := row.Scan(&c.ID, &c.UserID, &c.JobID, &c.IDRelated, &c.Title, &c.Status, &c.ContentType,
		&c.Link, &c.Thumbnail, &c.SizeBytes, &c.Duration, &c.Resolution, &c.FPS, &c.Hz, &c.Tags,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func insertContent(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, c *models.Content) error {
	now := time.Now().UTC()
	if c.Tags == nil {
		c.Tags = []string{}
	}
	return q.QueryRow(ctx,
		`INSERT INTO content (user_id, job_id, id_related, title, status, content_type, link, thumbnail,
		   size_bytes, duration, resolution, fps, hz, tags, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
		 RETURNING id, created_at, updated_at`,
		c.UserID, c.JobID, c.IDRelated, c.Title, c.Status, c.ContentType, c.Link, c.Thumbnail,
		c.SizeBytes, c.Duration, c.Resolution, c.FPS, c.Hz, c.Tags, now,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

func (s *PostgresStore) CreateContent(ctx context.Context, content *models.Content) error {
	if err := insertContent(ctx, s.pool, content); err != nil {
		return fmt.Errorf("create content: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetContent(ctx context.Context, id int64, userID int64) (*models.Content, error) {
	c, err := scanContent(s.pool.QueryRow(ctx,
		`SELECT `+contentColumns+` FROM content WHERE id = $1 AND user_id = $2`, id, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get content: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListJobContent(ctx context.Context, jobID int64) ([]*models.Content, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+contentColumns+` FROM content WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job content: %w", err)
	}
	defer rows.Close()

	var out []*models.Content
	for rows.Next() {
		c, err := scanContent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan content: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkContentIndexing(ctx context.Context, contentID int64, jobID int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE content SET status = 'indexing', updated_at = NOW()
		 WHERE id = $1 AND job_id = $2 AND status = 'processing'`, contentID, jobID)
	if err != nil {
		return fmt.Errorf("mark content indexing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.contentGuardError(ctx, contentID, jobID)
	}
	return nil
}

func (s *PostgresStore) CompleteContent(ctx context.Context, contentID int64, jobID int64, meta models.ContentMetadata) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE content SET status = 'completed', link = $3, thumbnail = $4, size_bytes = $5,
		   duration = $6, resolution = $7, fps = $8, hz = $9, updated_at = NOW()
		 WHERE id = $1 AND job_id = $2 AND status IN ('processing', 'indexing')`,
		contentID, jobID, meta.Link, meta.Thumbnail, meta.SizeBytes, meta.Duration,
		meta.Resolution, meta.FPS, meta.Hz)
	if err != nil {
		return fmt.Errorf("complete content: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.contentGuardError(ctx, contentID, jobID)
	}
	return nil
}

func (s *PostgresStore) contentGuardError(ctx context.Context, contentID int64, jobID int64) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM content WHERE id = $1 AND job_id = $2)`, contentID, jobID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check content: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrInvalidTransition
}

// --- Jobs ---

const jobColumns = `job_id, user_id, content_id, job_type, job_status, job_process, job_tier, task_ref,
	one_time_key, key_valid, config, eta_seconds, price, failure_reason, created_at, updated_at`

func scanJob(row scanner) (*models.Job, error) {
	var j models.Job
	var cfg []byte
	err := row.Scan(&j.ID, &j.UserID, &j.ContentID, &j.Type, &j.Status, &j.Process, &j.Tier, &j.TaskRef,
		&j.OneTimeKey, &j.KeyValid, &cfg, &j.ETASeconds, &j.Price, &j.FailureReason,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cfg, &j.Config); err != nil {
		return nil, fmt.Errorf("decode job config: %w", err)
	}
	return &j, nil
}

func (s *PostgresStore) queryJobs(ctx context.Context, op string, sql string, args ...any) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) CountActiveJobs(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs
		 WHERE user_id = $1 AND job_status NOT IN ('Completed', 'Failed', 'Cancelled')`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}

// CreateJob inserts the job and its output content rows in one transaction.
// Each output is linked to the new job id. With WithActiveLimit the user's row
// is locked first so concurrent registrations for one user are counted one
// after another.
func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job, outputs []*models.Content, opts ...CreateJobOption) error {
	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("encode job config: %w", err)
	}
	maxActive := ApplyCreateJobOptions(opts...)

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if maxActive > 0 {
			if err := checkActiveLimit(ctx, tx, job.UserID, maxActive); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		err := tx.QueryRow(ctx,
			`INSERT INTO jobs (user_id, content_id, job_type, job_status, job_process, job_tier, task_ref,
			   one_time_key, key_valid, config, eta_seconds, price, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
			 RETURNING job_id, created_at, updated_at`,
			job.UserID, job.ContentID, job.Type, job.Status, job.Process, job.Tier, job.TaskRef,
			job.OneTimeKey, job.KeyValid, cfg, job.ETASeconds, job.Price, now,
		).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
		if err != nil {
			return fmt.Errorf("create job: %w", err)
		}

		for _, c := range outputs {
			jobID := job.ID
			c.JobID = &jobID
			if err := insertContent(ctx, tx, c); err != nil {
				return fmt.Errorf("create job content: %w", err)
			}
		}
		return nil
	})
}

func checkActiveLimit(ctx context.Context, tx pgx.Tx, userID int64, maxActive int) error {
	var locked int64
	err := tx.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 FOR NO KEY UPDATE`, userID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock user: %w", err)
	}

	var active int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs
		 WHERE user_id = $1 AND job_status NOT IN ('Completed', 'Failed', 'Cancelled')`, userID,
	).Scan(&active)
	if err != nil {
		return fmt.Errorf("count active jobs: %w", err)
	}
	if active >= maxActive {
		return fmt.Errorf("%w: %d of %d jobs running", ErrActiveLimit, active, maxActive)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) GetUserJob(ctx context.Context, id int64, userID int64) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = $1 AND user_id = $2`, id, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user job: %w", err)
	}
	return j, nil
}

// GetJobWithKey returns the job only while key matches and is still valid.
func (s *PostgresStore) GetJobWithKey(ctx context.Context, id int64, key string) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = $1 AND one_time_key = $2 AND key_valid`, id, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("get job with key: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListActiveJobs(ctx context.Context, userID int64) ([]*models.Job, error) {
	return s.queryJobs(ctx, "list active jobs",
		`SELECT `+jobColumns+` FROM jobs
		 WHERE user_id = $1 AND job_status NOT IN ('Completed', 'Failed', 'Cancelled')
		 ORDER BY created_at DESC`, userID)
}

func (s *PostgresStore) ListPastJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs
		 WHERE user_id = $1 AND job_status IN ('Completed', 'Failed', 'Cancelled')`, filter.UserID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count past jobs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 5
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	jobs, err := s.queryJobs(ctx, "list past jobs",
		`SELECT `+jobColumns+` FROM jobs
		 WHERE user_id = $1 AND job_status IN ('Completed', 'Failed', 'Cancelled')
		 ORDER BY created_at DESC, job_id DESC LIMIT $2 OFFSET $3`, filter.UserID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (s *PostgresStore) SetJobTaskRef(ctx context.Context, id int64, ref string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET task_ref = $2, updated_at = NOW() WHERE job_id = $1`, id, ref)
	if err != nil {
		return fmt.Errorf("set job task ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateJobStatus applies a non-terminal transition. It reports false without
// error when the job's current status has no edge into status, which includes
// every terminal job.
func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id int64, status models.JobStatus, opts ...JobUpdateOption) (bool, error) {
	if status.IsTerminal() {
		return false, fmt.Errorf("%w: %s must be applied with TerminateJob or ResolveJob", ErrInvalidTransition, status)
	}
	sources := jobSources(status)
	if len(sources) == 0 {
		return false, fmt.Errorf("%w: nothing transitions into %s", ErrInvalidTransition, status)
	}

	process, reason := ApplyJobUpdateOptions(status, opts...)

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET job_status = $2, job_process = $3, failure_reason = COALESCE($4, failure_reason),
		   updated_at = NOW()
		 WHERE job_id = $1 AND job_status = ANY($5)`,
		id, status, process, reason, sources)
	if err != nil {
		return false, fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, s.jobExists(ctx, id)
	}
	return true, nil
}

// TerminateJob moves a non-terminal job to Failed or Cancelled, forces every
// unfinished content row to the matching status and invalidates the job key,
// all in one transaction. It reports false when the job was already terminal.
func (s *PostgresStore) TerminateJob(ctx context.Context, id int64, status models.JobStatus, reason string) (bool, error) {
	if status != models.JobStatusFailed && status != models.JobStatusCancelled {
		return false, fmt.Errorf("%w: cannot terminate job as %s", ErrInvalidTransition, status)
	}

	var applied bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var reasonArg *string
		if reason != "" {
			reasonArg = &reason
		}
		tag, err := tx.Exec(ctx,
			`UPDATE jobs SET job_status = $2, job_process = $3, key_valid = FALSE,
			   failure_reason = COALESCE($4, failure_reason), updated_at = NOW()
			 WHERE job_id = $1 AND job_status NOT IN ('Completed', 'Failed', 'Cancelled')`,
			id, status, ProcessFor(status), reasonArg)
		if err != nil {
			return fmt.Errorf("terminate job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		applied = true

		_, err = tx.Exec(ctx,
			`UPDATE content SET status = $2, updated_at = NOW()
			 WHERE job_id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
			id, models.ContentStatusFor(status))
		if err != nil {
			return fmt.Errorf("terminate job content: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if !applied {
		return false, s.jobExists(ctx, id)
	}
	return true, nil
}

// ResolveJob settles a job from its content rows: Completed when every row
// completed, otherwise Failed with unfinished rows forced to failed. The job key
// is invalidated. An already terminal job is returned unchanged with applied=false.
func (s *PostgresStore) ResolveJob(ctx context.Context, id int64) (models.JobStatus, bool, error) {
	return s.resolveJob(ctx, id, nil)
}

// ResolveJobWithKey is ResolveJob for a worker presenting the job's one-time
// key. The key is checked and consumed in the same transaction as the status
// change, so a failed resolve leaves the key usable. A wrong or already used
// key returns ErrInvalidKey and changes nothing.
func (s *PostgresStore) ResolveJobWithKey(ctx context.Context, id int64, key string) (models.JobStatus, bool, error) {
	return s.resolveJob(ctx, id, &key)
}

func (s *PostgresStore) resolveJob(ctx context.Context, id int64, key *string) (models.JobStatus, bool, error) {
	var (
		final   models.JobStatus
		applied bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			current  models.JobStatus
			jobKey   string
			keyValid bool
		)
		err := tx.QueryRow(ctx,
			`SELECT job_status, one_time_key, key_valid FROM jobs WHERE job_id = $1 FOR UPDATE`, id).
			Scan(&current, &jobKey, &keyValid)
		if errors.Is(err, pgx.ErrNoRows) {
			if key != nil {
				return ErrInvalidKey
			}
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock job: %w", err)
		}
		if key != nil && (!keyValid || jobKey != *key) {
			return ErrInvalidKey
		}
		if current.IsTerminal() {
			final = current
			return nil
		}

		rows, err := tx.Query(ctx, `SELECT `+contentColumns+` FROM content WHERE job_id = $1`, id)
		if err != nil {
			return fmt.Errorf("list job content: %w", err)
		}
		var contents []*models.Content
		for rows.Next() {
			c, err := scanContent(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan content: %w", err)
			}
			contents = append(contents, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("list job content: %w", err)
		}

		final = models.AggregateContentStatus(contents)
		if final == models.JobStatusFailed {
			if _, err := tx.Exec(ctx,
				`UPDATE content SET status = 'failed', updated_at = NOW()
				 WHERE job_id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`, id); err != nil {
				return fmt.Errorf("fail job content: %w", err)
			}
		}

		if _, err := tx.Exec(ctx,
			`UPDATE jobs SET job_status = $2, job_process = $3, key_valid = FALSE, updated_at = NOW()
			 WHERE job_id = $1`, id, final, ProcessFor(final)); err != nil {
			return fmt.Errorf("resolve job: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return final, applied, nil
}

func (s *PostgresStore) jobExists(ctx context.Context, id int64) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE job_id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

// --- Machines ---

const machineColumns = `machine_id, instance_id, job_id, user_id, provider, machine_status, listing_id,
	price_per_hr, created_at, updated_at`

func scanMachine(row scanner) (*models.Machine, error) {
	var m models.Machine
	err := row.Scan(&m.ID, &m.InstanceID, &m.JobID, &m.UserID, &m.Provider, &m.Status, &m.ListingID,
		&m.PricePerHr, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) CreateMachine(ctx context.Context, machine *models.Machine) error {
	now := time.Now().UTC()
	err := s.pool.QueryRow(ctx,
		`INSERT INTO machines (instance_id, job_id, user_id, provider, machine_status, listing_id,
		   price_per_hr, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		 RETURNING machine_id, created_at, updated_at`,
		machine.InstanceID, machine.JobID, machine.UserID, machine.Provider, machine.Status,
		machine.ListingID, machine.PricePerHr, now,
	).Scan(&machine.ID, &machine.CreatedAt, &machine.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create machine: %w", err)
	}
	return nil
}

// GetCurrentMachine returns the most recent machine of a job.
func (s *PostgresStore) GetCurrentMachine(ctx context.Context, jobID int64) (*models.Machine, error) {
	m, err := scanMachine(s.pool.QueryRow(ctx,
		`SELECT `+machineColumns+` FROM machines WHERE job_id = $1
		 ORDER BY created_at DESC, machine_id DESC LIMIT 1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get current machine: %w", err)
	}
	return m, nil
}

// UpdateMachineStatus applies status if the machine state graph has an edge from
// the current status. It reports false without error otherwise, so terminal
// machines are never moved.
func (s *PostgresStore) UpdateMachineStatus(ctx context.Context, id int64, status models.MachineStatus) (bool, error) {
	var sources []string
	for _, src := range status.Sources() {
		sources = append(sources, string(src))
	}
	if len(sources) == 0 {
		return false, fmt.Errorf("%w: nothing transitions into %s", ErrInvalidTransition, status)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE machines SET machine_status = $2, updated_at = NOW()
		 WHERE machine_id = $1 AND machine_status = ANY($3)`, id, status, sources)
	if err != nil {
		return false, fmt.Errorf("update machine status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM machines WHERE machine_id = $1)`, id).Scan(&exists); err != nil {
			return false, fmt.Errorf("check machine: %w", err)
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

func (s *PostgresStore) ListActiveMachines(ctx context.Context) ([]*models.Machine, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+machineColumns+` FROM machines
		 WHERE machine_status IN ('LOADING', 'RUNNING') ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list active machines: %w", err)
	}
	defer rows.Close()

	var out []*models.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan machine: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// isDuplicateKeyError checks if the error is a PostgreSQL unique violation (23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
