package runs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/eventchain/pkg/chain"
	"gorm.io/datatypes"
)

const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusNoData    = "no_data"
	StatusFailed    = "failed"
)

type RunModel struct {
	ID           uuid.UUID         `gorm:"type:char(36);primaryKey;column:id"`
	Study        string            `gorm:"column:study;index"`
	OutputDir    string            `gorm:"column:output_dir"`
	Config       datatypes.JSON    `gorm:"column:config"`
	Status       string            `gorm:"column:status"`
	Summary      datatypes.JSONMap `gorm:"column:summary"`
	ErrorMessage string            `gorm:"column:error_message"`
	CreatedAt    time.Time         `gorm:"column:created_at"`
	UpdatedAt    time.Time         `gorm:"column:updated_at"`
	StartedAt    *time.Time        `gorm:"column:started_at"`
	CompletedAt  *time.Time        `gorm:"column:completed_at"`
}

func (RunModel) TableName() string {
	return "study_runs"
}

// GroupModel is the status row of one patient group of a run.
type GroupModel struct {
	ID           uint           `gorm:"primaryKey;column:id"`
	RunID        uuid.UUID      `gorm:"type:char(36);column:run_id;uniqueIndex:idx_run_group"`
	GroupKey     string         `gorm:"column:group_key;size:16;uniqueIndex:idx_run_group"`
	Patients     int            `gorm:"column:patients"`
	Status       string         `gorm:"column:status"`
	Result       datatypes.JSON `gorm:"column:result"`
	ErrorMessage string         `gorm:"column:error_message"`
	CreatedAt    time.Time      `gorm:"column:created_at"`
	UpdatedAt    time.Time      `gorm:"column:updated_at"`
}

func (GroupModel) TableName() string {
	return "study_run_groups"
}

// Run is the API view of a run and its groups.
type Run struct {
	ID           uuid.UUID              `json:"id"`
	Study        string                 `json:"study"`
	OutputDir    string                 `json:"output_dir"`
	Status       string                 `json:"status"`
	Summary      map[string]interface{} `json:"summary,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	Groups       []Group                `json:"groups,omitempty"`
}

type Group struct {
	Key          string        `json:"key"`
	Patients     int           `json:"patients"`
	Status       string        `json:"status"`
	Result       *chain.Result `json:"result,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

func toDomain(run *RunModel, groups []GroupModel) Run {
	out := Run{
		ID:           run.ID,
		Study:        run.Study,
		OutputDir:    run.OutputDir,
		Status:       run.Status,
		ErrorMessage: run.ErrorMessage,
		CreatedAt:    run.CreatedAt,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
	}
	if run.Summary != nil {
		out.Summary = map[string]interface{}(run.Summary)
	}
	for _, g := range groups {
		view := Group{Key: g.GroupKey, Patients: g.Patients, Status: g.Status, ErrorMessage: g.ErrorMessage}
		if len(g.Result) > 0 {
			var res chain.Result
			if err := json.Unmarshal(g.Result, &res); err == nil {
				view.Result = &res
			}
		}
		out.Groups = append(out.Groups, view)
	}
	return out
}
