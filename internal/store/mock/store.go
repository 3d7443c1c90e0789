// Package mock provides an in-memory store.Store for tests.
package mock

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/driftwatch/internal/store"
	"github.com/kiranshivaraju/driftwatch/pkg/models"
)

// Store keeps every table in maps and mirrors the conditional-update
// semantics of PostgresStore. Err, when set, is returned by every method.
type Store struct {
	mu       sync.Mutex
	keys     []*models.APIKey
	users    map[uuid.UUID]*models.User
	datasets map[uuid.UUID]*models.Dataset
	videos   map[uuid.UUID]*models.Video
	jobs     map[uuid.UUID]*models.InferenceJob
	results  map[uuid.UUID]*models.InferenceResult

	Err error
}

var _ store.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		users:    make(map[uuid.UUID]*models.User),
		datasets: make(map[uuid.UUID]*models.Dataset),
		videos:   make(map[uuid.UUID]*models.Video),
		jobs:     make(map[uuid.UUID]*models.InferenceJob),
		results:  make(map[uuid.UUID]*models.InferenceResult),
	}
}

func (m *Store) Ping(context.Context) error { return m.Err }

func (m *Store) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []*models.APIKey
	for _, k := range m.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *Store) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, k := range m.keys {
		if k.ID == id {
			k.LastUsedAt = &now
		}
	}
	return nil
}

// AddAPIKey registers a key for GetAPIKeyByPrefix.
func (m *Store) AddAPIKey(k *models.APIKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	m.keys = append(m.keys, k)
}

// AddUser inserts u, assigning an id if it has none.
func (m *Store) AddUser(u *models.User) *models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	m.users[u.ID] = u
	return u
}

func (m *Store) GetUser(_ context.Context, id uuid.UUID) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	u, ok := m.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Store) GetCredits(_ context.Context, userID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	u, ok := m.users[userID]
	if !ok {
		return 0, store.ErrNotFound
	}
	return u.Credits, nil
}

func (m *Store) DeductCredits(_ context.Context, userID uuid.UUID, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	u, ok := m.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	if u.Credits < amount {
		return store.ErrInsufficientCredits
	}
	u.Credits -= amount
	return nil
}

func (m *Store) AddCredits(_ context.Context, userID uuid.UUID, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	u, ok := m.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	u.Credits += amount
	return nil
}

// AddDataset inserts d, assigning an id if it has none.
func (m *Store) AddDataset(d *models.Dataset) *models.Dataset {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	m.datasets[d.ID] = d
	return d
}

func (m *Store) GetDataset(_ context.Context, id, userID uuid.UUID) (*models.Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	d, ok := m.datasets[id]
	if !ok || d.UserID != userID {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Store) ListDatasetVideos(_ context.Context, datasetID uuid.UUID, offset, limit int) ([]*models.Video, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var all []*models.Video
	for _, v := range m.videos {
		if v.DatasetID == datasetID {
			cp := *v
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID.String() < all[j].ID.String()
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (m *Store) CreateVideo(_ context.Context, v *models.Video) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	cp := *v
	m.videos[v.ID] = &cp
	return nil
}

func (m *Store) CreateInferenceJob(_ context.Context, j *models.InferenceJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.Status == "" {
		j.Status = models.JobStatusPending
	}
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *Store) GetInferenceJob(_ context.Context, id uuid.UUID) (*models.InferenceJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *Store) TransitionInferenceJob(_ context.Context, id uuid.UUID, from []models.JobStatus, to models.JobStatus, opts ...store.JobUpdateOption) (*models.InferenceJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !slices.Contains(from, j.Status) {
		return nil, &store.StatusConflictError{Current: j.Status}
	}
	j.Status = to
	j.UpdatedAt = nextUpdatedAt(j.UpdatedAt)
	if msg := store.ErrorMessageOf(opts...); msg != nil {
		j.ErrorMessage = msg
	}
	cp := *j
	return &cp, nil
}

func (m *Store) UpdateCarbonFootprint(_ context.Context, id uuid.UUID, footprint int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.CarbonFootprint = footprint
	j.UpdatedAt = nextUpdatedAt(j.UpdatedAt)
	return nil
}

func (m *Store) SumCarbonFootprint(_ context.Context, userID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	var total int64
	for _, j := range m.jobs {
		if j.UserID == userID {
			total += j.CarbonFootprint
		}
	}
	return total, nil
}

func (m *Store) SaveInferenceResult(_ context.Context, r *models.InferenceResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	cp := *r
	m.results[r.JobID] = &cp
	return nil
}

func (m *Store) GetInferenceResult(_ context.Context, jobID uuid.UUID) (*models.InferenceResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	r, ok := m.results[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// Jobs returns a copy of every job row.
func (m *Store) Jobs() []*models.InferenceJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.InferenceJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		cp := *j
		out = append(out, &cp)
	}
	return out
}

// nextUpdatedAt mirrors the Postgres rule that updated_at strictly increases.
func nextUpdatedAt(prev time.Time) time.Time {
	now := time.Now().UTC().Truncate(time.Microsecond)
	if floor := prev.Truncate(time.Microsecond).Add(time.Microsecond); now.Before(floor) {
		return floor
	}
	return now
}
