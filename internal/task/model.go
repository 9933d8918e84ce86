package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ScriptHelper2024/scripthelper-backend/internal/document"
)

// Status tracks the lifecycle of a queued generation task.
type Status string

const (
	// StatusPending marks a task waiting for a worker.
	StatusPending Status = "pending"
	// StatusProcessing marks a task claimed by a worker.
	StatusProcessing Status = "processing"
	// StatusCompleted marks a task whose result has been delivered.
	StatusCompleted Status = "completed"
	// StatusError marks a task whose worker reported a failure.
	StatusError Status = "error"
)

// ErrUnknownStatus indicates an unrecognized task status tag.
var ErrUnknownStatus = errors.New("task: unknown status")

// ParseStatus validates a raw status tag.
func ParseStatus(rawInput string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(rawInput))) {
	case StatusPending:
		return StatusPending, nil
	case StatusProcessing:
		return StatusProcessing, nil
	case StatusCompleted:
		return StatusCompleted, nil
	case StatusError:
		return StatusError, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, rawInput)
	}
}

// String returns the status tag.
func (s Status) String() string {
	return string(s)
}

// Metadata keys recorded at enqueue time and read back by the completion
// saga.
const (
	MetaCreatedBy         = "created_by"
	MetaUpdateField       = "update_field"
	MetaSelective         = "selective"
	MetaSpanStart         = "span_start"
	MetaSpanEnd           = "span_end"
	MetaSpanBaseHash      = "span_base_hash"
	MetaNewVersionType    = "new_version_type"
	MetaTitle             = "title"
	MetaModelName         = "model_name"
	MetaMakeScenes        = "make_scenes"
	MetaMakeScriptText    = "make_script_text"
	MetaGeneratedDocument = "generated_document"
)

// GenerationTask is one row of queued work. The orchestration layer owns
// lifecycle transitions; external workers only propose updates.
type GenerationTask struct {
	ID                  string        `gorm:"column:id;primaryKey;size:36;not null"`
	ProjectID           string        `gorm:"column:project_id;size:36;not null;index:idx_tasks_project"`
	TargetKind          document.Kind `gorm:"column:target_kind;size:32;not null"`
	TargetID            string        `gorm:"column:target_id;size:36;not null"`
	Status              Status        `gorm:"column:status;size:16;not null;index:idx_tasks_status"`
	StatusMessage       string        `gorm:"column:status_message;size:512"`
	PromptText          string        `gorm:"column:prompt_text;type:text"`
	ModelParamsJSON     string        `gorm:"column:model_params_json;type:text"`
	MetadataJSON        string        `gorm:"column:metadata_json;type:text"`
	Result              string        `gorm:"column:result;type:text"`
	ErrorMessage        string        `gorm:"column:error_message;type:text"`
	Attempt             int           `gorm:"column:attempt;not null;default:1"`
	PromptTokens        int64         `gorm:"column:prompt_tokens;not null;default:0"`
	CompletionTokens    int64         `gorm:"column:completion_tokens;not null;default:0"`
	ProcessingStartedAt *time.Time    `gorm:"column:processing_started_at"`
	CreatedBy           string        `gorm:"column:created_by;size:190"`
	CreatedAt           time.Time     `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time     `gorm:"column:updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (GenerationTask) TableName() string {
	return "generation_tasks"
}

// Metadata decodes the task's open key/value map. A missing map decodes to an
// empty one.
func (t *GenerationTask) Metadata() (map[string]any, error) {
	if strings.TrimSpace(t.MetadataJSON) == "" {
		return map[string]any{}, nil
	}
	decoded := map[string]any{}
	if err := json.Unmarshal([]byte(t.MetadataJSON), &decoded); err != nil {
		return nil, fmt.Errorf("task: decode metadata: %w", err)
	}
	return decoded, nil
}

// SetMetadata re-encodes the task's metadata map.
func (t *GenerationTask) SetMetadata(metadata map[string]any) error {
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("task: encode metadata: %w", err)
	}
	t.MetadataJSON = string(encoded)
	return nil
}

// CacheTags returns the cache tags invalidated by any mutation of this task.
func (t *GenerationTask) CacheTags() []string {
	return []string{
		"generation_task_id:" + t.ID,
		"generation_task_project_id:" + t.ProjectID,
	}
}
