// Package storetest provides an in-memory store.Store for tests of packages
// that sit above the database.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tnsr-ai/gpufleet/internal/store"
	"github.com/tnsr-ai/gpufleet/pkg/models"
)

// MemStore is a mutex-guarded store.Store. Every status change applies the
// same guards as the Postgres implementation.
type MemStore struct {
	mu sync.Mutex

	users    map[int64]*models.User
	keys     map[uuid.UUID]*models.APIKey
	content  map[int64]*models.Content
	jobs     map[int64]*models.Job
	machines map[int64]*models.Machine
	nextID   int64

	// PingErr is returned by Ping when set.
	PingErr error
	// ResolveErr, when set, fails ResolveJobWithKey before anything changes.
	ResolveErr error
}

// New creates an empty MemStore.
func New() *MemStore {
	return &MemStore{
		users:    make(map[int64]*models.User),
		keys:     make(map[uuid.UUID]*models.APIKey),
		content:  make(map[int64]*models.Content),
		jobs:     make(map[int64]*models.Job),
		machines: make(map[int64]*models.Machine),
	}
}

func (m *MemStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *MemStore) Ping(ctx context.Context) error { return m.PingErr }

// --- Users ---

func (m *MemStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemStore) CreateUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == user.Email {
			return store.ErrDuplicateKey
		}
	}
	user.ID = m.id()
	user.CreatedAt = time.Now().UTC()
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

// --- API Keys ---

func (m *MemStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

func (m *MemStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key.ID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *key
	m.keys[key.ID] = &cp
	return nil
}

// --- Content ---

func (m *MemStore) insertContent(c *models.Content) {
	now := time.Now().UTC()
	c.ID = m.id()
	c.CreatedAt, c.UpdatedAt = now, now
	if c.Tags == nil {
		c.Tags = []string{}
	}
	cp := *c
	m.content[c.ID] = &cp
}

func (m *MemStore) CreateContent(ctx context.Context, content *models.Content) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertContent(content)
	return nil
}

func (m *MemStore) GetContent(ctx context.Context, id int64, userID int64) (*models.Content, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.content[id]
	if !ok || c.UserID != userID {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemStore) jobContent(jobID int64) []*models.Content {
	var out []*models.Content
	for _, c := range m.content {
		if c.JobID != nil && *c.JobID == jobID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemStore) ListJobContent(ctx context.Context, jobID int64) ([]*models.Content, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Content
	for _, c := range m.jobContent(jobID) {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemStore) jobOutput(contentID, jobID int64) (*models.Content, error) {
	c, ok := m.content[contentID]
	if !ok || c.JobID == nil || *c.JobID != jobID {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (m *MemStore) MarkContentIndexing(ctx context.Context, contentID int64, jobID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.jobOutput(contentID, jobID)
	if err != nil {
		return err
	}
	if c.Status != models.ContentStatusProcessing {
		return store.ErrInvalidTransition
	}
	c.Status = models.ContentStatusIndexing
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemStore) CompleteContent(ctx context.Context, contentID int64, jobID int64, meta models.ContentMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.jobOutput(contentID, jobID)
	if err != nil {
		return err
	}
	if c.Status != models.ContentStatusProcessing && c.Status != models.ContentStatusIndexing {
		return store.ErrInvalidTransition
	}
	c.Status = models.ContentStatusCompleted
	c.Link = meta.Link
	c.Thumbnail = meta.Thumbnail
	c.SizeBytes = meta.SizeBytes
	c.Duration = meta.Duration
	c.Resolution = meta.Resolution
	c.FPS = meta.FPS
	c.Hz = meta.Hz
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Jobs ---

func (m *MemStore) CountActiveJobs(ctx context.Context, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.UserID == userID && !j.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

func (m *MemStore) CreateJob(ctx context.Context, job *models.Job, outputs []*models.Content, opts ...store.CreateJobOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if maxActive := store.ApplyCreateJobOptions(opts...); maxActive > 0 {
		active := 0
		for _, j := range m.jobs {
			if j.UserID == job.UserID && !j.Status.IsTerminal() {
				active++
			}
		}
		if active >= maxActive {
			return fmt.Errorf("%w: %d of %d jobs running", store.ErrActiveLimit, active, maxActive)
		}
	}
	now := time.Now().UTC()
	job.ID = m.id()
	job.CreatedAt, job.UpdatedAt = now, now
	cp := *job
	m.jobs[job.ID] = &cp
	for _, c := range outputs {
		jobID := job.ID
		c.JobID = &jobID
		m.insertContent(c)
	}
	return nil
}

func (m *MemStore) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MemStore) GetUserJob(ctx context.Context, id int64, userID int64) (*models.Job, error) {
	j, err := m.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.UserID != userID {
		return nil, store.ErrNotFound
	}
	return j, nil
}

func (m *MemStore) GetJobWithKey(ctx context.Context, id int64, key string) (*models.Job, error) {
	j, err := m.GetJob(ctx, id)
	if err != nil || j.OneTimeKey != key || !j.KeyValid {
		return nil, store.ErrInvalidKey
	}
	return j, nil
}

func (m *MemStore) listJobs(userID int64, terminal bool) []*models.Job {
	var out []*models.Job
	for _, j := range m.jobs {
		if j.UserID == userID && j.Status.IsTerminal() == terminal {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID > out[b].ID })
	return out
}

func (m *MemStore) ListActiveJobs(ctx context.Context, userID int64) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listJobs(userID, false), nil
}

func (m *MemStore) ListPastJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.listJobs(filter.UserID, true)
	limit := filter.Limit
	if limit <= 0 {
		limit = 5
	}
	start := filter.Offset
	if start < 0 {
		start = 0
	}
	if start > len(all) {
		start = len(all)
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], len(all), nil
}

func (m *MemStore) SetJobTaskRef(ctx context.Context, id int64, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.TaskRef = &ref
	return nil
}

func (m *MemStore) UpdateJobStatus(ctx context.Context, id int64, status models.JobStatus, opts ...store.JobUpdateOption) (bool, error) {
	if status.IsTerminal() {
		return false, fmt.Errorf("%w: %s must be applied with TerminateJob or ResolveJob", store.ErrInvalidTransition, status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if !store.CanTransitionJob(j.Status, status) {
		return false, nil
	}
	process, reason := store.ApplyJobUpdateOptions(status, opts...)
	j.Status = status
	j.Process = process
	if reason != nil {
		j.FailureReason = reason
	}
	j.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemStore) TerminateJob(ctx context.Context, id int64, status models.JobStatus, reason string) (bool, error) {
	if status != models.JobStatusFailed && status != models.JobStatusCancelled {
		return false, fmt.Errorf("%w: cannot terminate job as %s", store.ErrInvalidTransition, status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if j.Status.IsTerminal() {
		return false, nil
	}
	j.Status = status
	j.Process = store.ProcessFor(status)
	j.KeyValid = false
	if reason != "" {
		j.FailureReason = &reason
	}
	j.UpdatedAt = time.Now().UTC()
	for _, c := range m.jobContent(id) {
		if !c.Status.IsTerminal() {
			c.Status = models.ContentStatusFor(status)
		}
	}
	return true, nil
}

func (m *MemStore) ResolveJob(ctx context.Context, id int64) (models.JobStatus, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return "", false, store.ErrNotFound
	}
	return m.resolve(j)
}

func (m *MemStore) ResolveJobWithKey(ctx context.Context, id int64, key string) (models.JobStatus, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ResolveErr != nil {
		return "", false, m.ResolveErr
	}
	j, ok := m.jobs[id]
	if !ok || j.OneTimeKey != key || !j.KeyValid {
		return "", false, store.ErrInvalidKey
	}
	return m.resolve(j)
}

func (m *MemStore) resolve(j *models.Job) (models.JobStatus, bool, error) {
	if j.Status.IsTerminal() {
		return j.Status, false, nil
	}
	contents := m.jobContent(j.ID)
	final := models.AggregateContentStatus(contents)
	if final == models.JobStatusFailed {
		for _, c := range contents {
			if !c.Status.IsTerminal() {
				c.Status = models.ContentStatusFailed
			}
		}
	}
	j.Status = final
	j.Process = store.ProcessFor(final)
	j.KeyValid = false
	j.UpdatedAt = time.Now().UTC()
	return final, true, nil
}

// --- Machines ---

func (m *MemStore) CreateMachine(ctx context.Context, machine *models.Machine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	machine.ID = m.id()
	machine.CreatedAt, machine.UpdatedAt = now, now
	cp := *machine
	m.machines[machine.ID] = &cp
	return nil
}

func (m *MemStore) GetCurrentMachine(ctx context.Context, jobID int64) (*models.Machine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.Machine
	for _, mc := range m.machines {
		if mc.JobID == jobID && (latest == nil || mc.ID > latest.ID) {
			latest = mc
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MemStore) UpdateMachineStatus(ctx context.Context, id int64, status models.MachineStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.machines[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if !mc.Status.CanTransition(status) {
		return false, nil
	}
	mc.Status = status
	mc.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemStore) ListActiveMachines(ctx context.Context) ([]*models.Machine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Machine
	for _, mc := range m.machines {
		if !mc.Status.IsTerminal() {
			cp := *mc
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var _ store.Store = (*MemStore)(nil)
