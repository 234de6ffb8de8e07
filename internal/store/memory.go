package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harmonia/maestro/pkg/models"
)

// MemoryStore is an in-memory Store with the same guard semantics as
// PostgresStore. Used by unit tests and local development; not durable.
type MemoryStore struct {
	mu          sync.Mutex
	jobs        map[uuid.UUID]*models.Job
	deadLetters map[uuid.UUID]*models.DeadLetter
	credentials map[uuid.UUID]*models.Credential
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[uuid.UUID]*models.Job),
		deadLetters: make(map[uuid.UUID]*models.DeadLetter),
		credentials: make(map[uuid.UUID]*models.Credential),
	}
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func copyJob(j *models.Job) *models.Job {
	cp := *j
	return &cp
}

func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return ErrDuplicateKey
	}
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

func (s *MemoryStore) UpdateJobStatus(_ context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) (*models.Job, error) {
	var p jobUpdateParams
	for _, opt := range opts {
		opt(&p)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if len(p.ExpectedStatus) > 0 && !slices.Contains(p.ExpectedStatus, j.Status) {
		return nil, ErrStaleStatus
	}

	now := time.Now().UTC()
	j.Status = status
	j.UpdatedAt = now
	if p.WorkerID != nil {
		j.WorkerID = p.WorkerID
	}
	if p.ClearWorkerID {
		j.WorkerID = nil
	}
	if p.Progress != nil {
		j.Progress = p.Progress
	}
	if p.Result != nil {
		j.Result = p.Result
	}
	if p.ErrorMessage != nil {
		j.ErrorMessage = p.ErrorMessage
	}
	if p.Attempt != nil {
		j.Attempt = *p.Attempt
	}
	if p.QueueEntryID != nil {
		j.QueueEntryID = p.QueueEntryID
	}
	if p.FinishedNow && j.FinishedAt == nil {
		j.FinishedAt = &now
	}
	if p.CancelRequested && j.CancelRequestedAt == nil {
		j.CancelRequestedAt = &now
	}
	return copyJob(j), nil
}

func (s *MemoryStore) InsertDeadLetter(_ context.Context, dl *models.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deadLetters[dl.ID]; exists {
		return ErrDuplicateKey
	}
	cp := *dl
	s.deadLetters[dl.ID] = &cp
	return nil
}

func (s *MemoryStore) ListDeadLetters(_ context.Context, page, limit int) ([]*models.DeadLetter, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]*models.DeadLetter, 0, len(s.deadLetters))
	for _, dl := range s.deadLetters {
		cp := *dl
		all = append(all, &cp)
	}
	slices.SortFunc(all, func(a, b *models.DeadLetter) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	total := len(all)
	start := (page - 1) * limit
	if start >= total {
		return nil, total, nil
	}
	end := min(start+limit, total)
	return all[start:end], total, nil
}

func (s *MemoryStore) GetDeadLetter(_ context.Context, id uuid.UUID) (*models.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.deadLetters[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *dl
	return &cp, nil
}

func (s *MemoryStore) GetCredentialByPrefix(_ context.Context, prefix string) ([]*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Credential
	for _, c := range s.credentials {
		if c.KeyPrefix == prefix && c.RevokedAt == nil {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateCredentialLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.credentials[id]; ok {
		now := time.Now().UTC()
		c.LastUsedAt = &now
	}
	return nil
}

func (s *MemoryStore) CreateCredential(_ context.Context, cred *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.credentials[cred.ID]; exists {
		return ErrDuplicateKey
	}
	cp := *cred
	s.credentials[cred.ID] = &cp
	return nil
}

func (s *MemoryStore) ListCredentials(_ context.Context) ([]*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Credential
	for _, c := range s.credentials {
		if c.RevokedAt == nil {
			cp := *c
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *models.Credential) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) RevokeCredential(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok || c.RevokedAt != nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	c.RevokedAt = &now
	return nil
}

var _ Store = (*MemoryStore)(nil)
