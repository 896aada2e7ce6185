package runs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrRunNotFound   = errors.New("study run not found")
	ErrGroupNotFound = errors.New("study run group not found")
)

// Ledger records run and group status.
type Ledger interface {
	CreateRun(ctx context.Context, run *RunModel) error
	UpdateRunStatus(ctx context.Context, id uuid.UUID, status string, summary map[string]interface{}, errorMessage string) error
	SetRunTimestamps(ctx context.Context, id uuid.UUID, startedAt, completedAt *time.Time) error
	GetRun(ctx context.Context, id uuid.UUID) (*RunModel, error)
	ListRuns(ctx context.Context, limit int) ([]RunModel, error)
	CreateGroups(ctx context.Context, groups []GroupModel) error
	UpdateGroup(ctx context.Context, runID uuid.UUID, key, status string, result datatypes.JSON, errorMessage string) error
	ListGroups(ctx context.Context, runID uuid.UUID) ([]GroupModel, error)
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&RunModel{}, &GroupModel{})
}

func (r *Repository) CreateRun(ctx context.Context, run *RunModel) error {
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *Repository) UpdateRunStatus(ctx context.Context, id uuid.UUID, status string, summary map[string]interface{}, errorMessage string) error {
	updates := map[string]interface{}{
		"status":        status,
		"error_message": errorMessage,
		"updated_at":    time.Now().UTC(),
	}
	if summary != nil {
		updates["summary"] = datatypes.JSONMap(summary)
	}
	return r.db.WithContext(ctx).Model(&RunModel{}).Where("id = ?", id).Updates(updates).Error
}

func (r *Repository) SetRunTimestamps(ctx context.Context, id uuid.UUID, startedAt, completedAt *time.Time) error {
	updates := map[string]interface{}{"updated_at": time.Now().UTC()}
	if startedAt != nil {
		updates["started_at"] = *startedAt
	}
	if completedAt != nil {
		updates["completed_at"] = *completedAt
	}
	return r.db.WithContext(ctx).Model(&RunModel{}).Where("id = ?", id).Updates(updates).Error
}

func (r *Repository) GetRun(ctx context.Context, id uuid.UUID) (*RunModel, error) {
	var run RunModel
	result := r.db.WithContext(ctx).First(&run, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	return &run, result.Error
}

func (r *Repository) ListRuns(ctx context.Context, limit int) ([]RunModel, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []RunModel
	result := r.db.WithContext(ctx).Order("created_at desc").Limit(limit).Find(&runs)
	return runs, result.Error
}

func (r *Repository) CreateGroups(ctx context.Context, groups []GroupModel) error {
	if len(groups) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&groups).Error
}

func (r *Repository) UpdateGroup(ctx context.Context, runID uuid.UUID, key, status string, result datatypes.JSON, errorMessage string) error {
	updates := map[string]interface{}{
		"status":        status,
		"error_message": errorMessage,
		"updated_at":    time.Now().UTC(),
	}
	if result != nil {
		updates["result"] = result
	}
	return r.db.WithContext(ctx).Model(&GroupModel{}).
		Where("run_id = ? AND group_key = ?", runID, key).
		Updates(updates).Error
}

func (r *Repository) ListGroups(ctx context.Context, runID uuid.UUID) ([]GroupModel, error) {
	var groups []GroupModel
	result := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("group_key").Find(&groups)
	return groups, result.Error
}

// MemoryLedger keeps the ledger in process, for runs without a database.
type MemoryLedger struct {
	mu     sync.Mutex
	runs   map[uuid.UUID]RunModel
	groups map[uuid.UUID][]GroupModel
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		runs:   make(map[uuid.UUID]RunModel),
		groups: make(map[uuid.UUID][]GroupModel),
	}
}

func (m *MemoryLedger) CreateRun(ctx context.Context, run *RunModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = *run
	return nil
}

func (m *MemoryLedger) UpdateRunStatus(ctx context.Context, id uuid.UUID, status string, summary map[string]interface{}, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	run.Status = status
	run.ErrorMessage = errorMessage
	if summary != nil {
		run.Summary = datatypes.JSONMap(summary)
	}
	run.UpdatedAt = time.Now().UTC()
	m.runs[id] = run
	return nil
}

func (m *MemoryLedger) SetRunTimestamps(ctx context.Context, id uuid.UUID, startedAt, completedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if startedAt != nil {
		run.StartedAt = startedAt
	}
	if completedAt != nil {
		run.CompletedAt = completedAt
	}
	m.runs[id] = run
	return nil
}

func (m *MemoryLedger) GetRun(ctx context.Context, id uuid.UUID) (*RunModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return &run, nil
}

func (m *MemoryLedger) ListRuns(ctx context.Context, limit int) ([]RunModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	out := make([]RunModel, 0, len(m.runs))
	for _, run := range m.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryLedger) CreateGroups(ctx context.Context, groups []GroupModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range groups {
		m.groups[g.RunID] = append(m.groups[g.RunID], g)
	}
	return nil
}

func (m *MemoryLedger) UpdateGroup(ctx context.Context, runID uuid.UUID, key, status string, result datatypes.JSON, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	groups := m.groups[runID]
	for i := range groups {
		if groups[i].GroupKey != key {
			continue
		}
		groups[i].Status = status
		groups[i].ErrorMessage = errorMessage
		if result != nil {
			groups[i].Result = result
		}
		groups[i].UpdatedAt = time.Now().UTC()
		return nil
	}
	return ErrGroupNotFound
}

func (m *MemoryLedger) ListGroups(ctx context.Context, runID uuid.UUID) ([]GroupModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]GroupModel(nil), m.groups[runID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].GroupKey < out[j].GroupKey })
	return out, nil
}
