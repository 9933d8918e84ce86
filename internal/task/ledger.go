package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ScriptHelper2024/scripthelper-backend/internal/document"
	"github.com/ScriptHelper2024/scripthelper-backend/internal/events"
	"github.com/ScriptHelper2024/scripthelper-backend/internal/queue"
)

var (
	// ErrNotFound indicates the referenced task does not exist.
	ErrNotFound = errors.New("task: not found")
	// ErrStaleAttempt indicates a worker callback tagged with an attempt
	// counter older than the task's current one; the update is rejected so a
	// slow worker from before a reset cannot overwrite a fresher result.
	ErrStaleAttempt = errors.New("task: stale attempt")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingProjectID  = errors.New("project identifier is required")
	errMissingTargetKind = errors.New("target kind is required")

	noOpLogger = zap.NewNop()
)

// ServiceError carries an operation-scoped error code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation-scoped error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

const (
	opLedgerNew       = "task.ledger.new"
	opEnqueue         = "task.enqueue"
	opUpdate          = "task.update"
	opReset           = "task.reset"
	opDelete          = "task.delete"
	opGet             = "task.get"
	opListByProject   = "task.list_by_project"
	opRepublishStale  = "task.republish_stale"
	opRecordGenerated = "task.merge_metadata"

	reasonMissingDatabase   = "missing_database"
	reasonMissingIDProvider = "missing_id_provider"
	reasonIDGenerationFailed = "id_generation_failed"
	reasonMetadataInvalid   = "metadata_invalid"
	reasonQueryFailed       = "query_failed"
	reasonCreateFailed      = "create_failed"
	reasonSaveFailed        = "save_failed"
	reasonDeleteFailed      = "delete_failed"
	reasonTaskNotFound      = "task_not_found"
	reasonStaleAttempt      = "stale_attempt"
	reasonDeliveryFailed    = "delivery_failed"

	fieldTaskID    = "task_id"
	fieldProjectID = "project_id"

	queryTaskID = "id = ?"
)

// CompletionHandler reacts to a task reaching completed status. It runs
// synchronously inside the update call so storage failures in the handler
// propagate to the update's caller.
type CompletionHandler interface {
	HandleCompletion(ctx context.Context, task *GenerationTask) error
}

// LedgerConfig describes the dependencies for the task ledger.
type LedgerConfig struct {
	Database   *gorm.DB
	Bus        *events.Bus
	Queue      queue.Publisher
	Clock      func() time.Time
	IDProvider document.IDProvider
	Logger     *zap.Logger
}

// Ledger owns the queued-work records: enqueue, partial update, reset, and
// delete, plus the reconciliation sweep that re-publishes stalled pending
// tasks.
type Ledger struct {
	db         *gorm.DB
	bus        *events.Bus
	queue      queue.Publisher
	clock      func() time.Time
	idProvider document.IDProvider
	logger     *zap.Logger
	completion CompletionHandler
}

// NewLedger validates the configuration and constructs the ledger.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opLedgerNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opLedgerNew, reasonMissingIDProvider, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Ledger{
		db:         cfg.Database,
		bus:        cfg.Bus,
		queue:      cfg.Queue,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// SetCompletionHandler wires the saga invoked when an update lands completed.
// Set once at startup, after both sides are constructed.
func (l *Ledger) SetCompletionHandler(handler CompletionHandler) {
	l.completion = handler
}

// EnqueueRequest describes a new unit of queued work.
type EnqueueRequest struct {
	ProjectID       string
	TargetKind      document.Kind
	TargetID        string
	PromptText      string
	ModelParamsJSON string
	Metadata        map[string]any
	CreatedBy       string
}

// Enqueue persists a pending task, then hands its id to the delivery queue.
// When persistence succeeds but delivery fails the task stays pending in
// storage and the delivery error is surfaced; recovery is the reconciliation
// sweep or a manual reset.
func (l *Ledger) Enqueue(ctx context.Context, req EnqueueRequest) (GenerationTask, error) {
	if strings.TrimSpace(req.ProjectID) == "" {
		return GenerationTask{}, newServiceError(opEnqueue, "missing_project_id", errMissingProjectID)
	}
	if req.TargetKind == "" {
		return GenerationTask{}, newServiceError(opEnqueue, "missing_target_kind", errMissingTargetKind)
	}

	taskID, err := l.idProvider.NewID()
	if err != nil {
		l.logError(opEnqueue, reasonIDGenerationFailed, err)
		return GenerationTask{}, newServiceError(opEnqueue, reasonIDGenerationFailed, err)
	}

	now := l.clock().UTC()
	record := GenerationTask{
		ID:              taskID,
		ProjectID:       req.ProjectID,
		TargetKind:      req.TargetKind,
		TargetID:        req.TargetID,
		Status:          StatusPending,
		PromptText:      req.PromptText,
		ModelParamsJSON: req.ModelParamsJSON,
		Attempt:         1,
		CreatedBy:       req.CreatedBy,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	if req.CreatedBy != "" {
		if _, present := metadata[MetaCreatedBy]; !present {
			metadata[MetaCreatedBy] = req.CreatedBy
		}
	}
	if metaErr := record.SetMetadata(metadata); metaErr != nil {
		l.logError(opEnqueue, reasonMetadataInvalid, metaErr)
		return GenerationTask{}, newServiceError(opEnqueue, reasonMetadataInvalid, metaErr)
	}

	if createErr := l.db.WithContext(ctx).Create(&record).Error; createErr != nil {
		l.logError(opEnqueue, reasonCreateFailed, createErr, zap.String(fieldProjectID, req.ProjectID))
		return GenerationTask{}, newServiceError(opEnqueue, reasonCreateFailed, createErr)
	}

	l.publishTaskEvent(events.TypeTaskUpdated, &record)

	if l.queue != nil {
		if deliveryErr := l.queue.PublishTask(ctx, record.ID); deliveryErr != nil {
			l.logError(opEnqueue, reasonDeliveryFailed, deliveryErr, zap.String(fieldTaskID, record.ID))
			return record, newServiceError(opEnqueue, reasonDeliveryFailed, deliveryErr)
		}
	}
	return record, nil
}

// UpdateRequest is a partial update; only supplied fields change.
type UpdateRequest struct {
	Status           *Status
	StatusMessage    *string
	Result           *string
	ErrorMessage     *string
	PromptTokens     *int64
	CompletionTokens *int64
	Attempt          *int
}

// Update applies a partial update to the task. The first transition to
// processing stamps processing_started_at. Accepted updates publish
// task_updated regardless of status; an update landing completed runs the
// completion handler synchronously, and a handler failure is returned to the
// caller while the task stays completed; Reset is the recovery path for a
// half-applied completion.
func (l *Ledger) Update(ctx context.Context, taskID string, req UpdateRequest) (GenerationTask, error) {
	var record GenerationTask
	transactionError := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryTaskID, taskID).
			Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpdate, reasonTaskNotFound, ErrNotFound)
		}
		if err != nil {
			return newServiceError(opUpdate, reasonQueryFailed, err)
		}

		if req.Attempt != nil && *req.Attempt < record.Attempt {
			return newServiceError(opUpdate, reasonStaleAttempt, ErrStaleAttempt)
		}

		if req.Status != nil {
			record.Status = *req.Status
			if *req.Status == StatusProcessing && record.ProcessingStartedAt == nil {
				startedAt := l.clock().UTC()
				record.ProcessingStartedAt = &startedAt
			}
		}
		if req.StatusMessage != nil {
			record.StatusMessage = *req.StatusMessage
		}
		if req.Result != nil {
			record.Result = *req.Result
		}
		if req.ErrorMessage != nil {
			record.ErrorMessage = *req.ErrorMessage
		}
		if req.PromptTokens != nil {
			record.PromptTokens = *req.PromptTokens
		}
		if req.CompletionTokens != nil {
			record.CompletionTokens = *req.CompletionTokens
		}
		record.UpdatedAt = l.clock().UTC()

		if saveErr := tx.Save(&record).Error; saveErr != nil {
			return newServiceError(opUpdate, reasonSaveFailed, saveErr)
		}
		return nil
	})
	if transactionError != nil {
		if !errors.Is(transactionError, ErrStaleAttempt) {
			l.logError(opUpdate, "update_failed", transactionError, zap.String(fieldTaskID, taskID))
		}
		return GenerationTask{}, transactionError
	}

	l.publishTaskEvent(events.TypeTaskUpdated, &record)

	if req.Status != nil && *req.Status == StatusCompleted && l.completion != nil {
		if sagaErr := l.completion.HandleCompletion(ctx, &record); sagaErr != nil {
			l.logError(opUpdate, "completion_failed", sagaErr, zap.String(fieldTaskID, taskID))
			return record, sagaErr
		}
	}
	return record, nil
}

// Reset clears every derived field, returns the task to pending with a fresh
// attempt counter, and re-publishes it for delivery. It does not create a new
// task.
func (l *Ledger) Reset(ctx context.Context, taskID string) (GenerationTask, error) {
	var record GenerationTask
	transactionError := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryTaskID, taskID).
			Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opReset, reasonTaskNotFound, ErrNotFound)
		}
		if err != nil {
			return newServiceError(opReset, reasonQueryFailed, err)
		}

		record.Status = StatusPending
		record.StatusMessage = ""
		record.Result = ""
		record.ErrorMessage = ""
		record.PromptTokens = 0
		record.CompletionTokens = 0
		record.ProcessingStartedAt = nil
		record.Attempt++
		record.UpdatedAt = l.clock().UTC()

		saveErr := tx.Model(&GenerationTask{}).
			Where(queryTaskID, taskID).
			Updates(map[string]any{
				"status":                StatusPending,
				"status_message":        "",
				"result":                "",
				"error_message":         "",
				"prompt_tokens":         0,
				"completion_tokens":     0,
				"processing_started_at": nil,
				"attempt":               record.Attempt,
				"updated_at":            record.UpdatedAt,
			}).Error
		if saveErr != nil {
			return newServiceError(opReset, reasonSaveFailed, saveErr)
		}
		return nil
	})
	if transactionError != nil {
		l.logError(opReset, "reset_failed", transactionError, zap.String(fieldTaskID, taskID))
		return GenerationTask{}, transactionError
	}

	l.publishTaskEvent(events.TypeTaskReset, &record)

	if l.queue != nil {
		if deliveryErr := l.queue.PublishTask(ctx, record.ID); deliveryErr != nil {
			l.logError(opReset, reasonDeliveryFailed, deliveryErr, zap.String(fieldTaskID, record.ID))
			return record, newServiceError(opReset, reasonDeliveryFailed, deliveryErr)
		}
	}
	return record, nil
}

// Delete hard-deletes the task.
func (l *Ledger) Delete(ctx context.Context, taskID string) error {
	var record GenerationTask
	err := l.db.WithContext(ctx).Where(queryTaskID, taskID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(opDelete, reasonTaskNotFound, ErrNotFound)
	}
	if err != nil {
		l.logError(opDelete, reasonQueryFailed, err, zap.String(fieldTaskID, taskID))
		return newServiceError(opDelete, reasonQueryFailed, err)
	}
	if deleteErr := l.db.WithContext(ctx).Where(queryTaskID, taskID).Delete(&GenerationTask{}).Error; deleteErr != nil {
		l.logError(opDelete, reasonDeleteFailed, deleteErr, zap.String(fieldTaskID, taskID))
		return newServiceError(opDelete, reasonDeleteFailed, deleteErr)
	}
	l.publishTaskEvent(events.TypeTaskDeleted, &record)
	return nil
}

// Get returns a task by id.
func (l *Ledger) Get(ctx context.Context, taskID string) (GenerationTask, error) {
	var record GenerationTask
	err := l.db.WithContext(ctx).Where(queryTaskID, taskID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return GenerationTask{}, newServiceError(opGet, reasonTaskNotFound, ErrNotFound)
	}
	if err != nil {
		l.logError(opGet, reasonQueryFailed, err, zap.String(fieldTaskID, taskID))
		return GenerationTask{}, newServiceError(opGet, reasonQueryFailed, err)
	}
	return record, nil
}

// ListByProject returns a project's tasks, newest first.
func (l *Ledger) ListByProject(ctx context.Context, projectID string) ([]GenerationTask, error) {
	var records []GenerationTask
	err := l.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC").
		Find(&records).Error
	if err != nil {
		l.logError(opListByProject, reasonQueryFailed, err, zap.String(fieldProjectID, projectID))
		return nil, newServiceError(opListByProject, reasonQueryFailed, err)
	}
	return records, nil
}

// RepublishStale re-publishes pending tasks whose last update is older than
// the threshold. This is the operational recovery path for delivery failures.
func (l *Ledger) RepublishStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if l.queue == nil {
		return 0, nil
	}
	cutoff := l.clock().UTC().Add(-olderThan)
	var records []GenerationTask
	err := l.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", StatusPending, cutoff).
		Find(&records).Error
	if err != nil {
		l.logError(opRepublishStale, reasonQueryFailed, err)
		return 0, newServiceError(opRepublishStale, reasonQueryFailed, err)
	}
	republished := 0
	for index := range records {
		if deliveryErr := l.queue.PublishTask(ctx, records[index].ID); deliveryErr != nil {
			l.logError(opRepublishStale, reasonDeliveryFailed, deliveryErr,
				zap.String(fieldTaskID, records[index].ID))
			continue
		}
		republished++
	}
	return republished, nil
}

// MergeMetadata writes the supplied entries into the task's metadata map.
// The saga uses it to record the produced document id for client
// traceability.
func (l *Ledger) MergeMetadata(ctx context.Context, task *GenerationTask, entries map[string]any) error {
	metadata, err := task.Metadata()
	if err != nil {
		return newServiceError(opRecordGenerated, reasonMetadataInvalid, err)
	}
	for key, value := range entries {
		metadata[key] = value
	}
	if setErr := task.SetMetadata(metadata); setErr != nil {
		return newServiceError(opRecordGenerated, reasonMetadataInvalid, setErr)
	}
	saveErr := l.db.WithContext(ctx).Model(&GenerationTask{}).
		Where(queryTaskID, task.ID).
		Update("metadata_json", task.MetadataJSON).Error
	if saveErr != nil {
		l.logError(opRecordGenerated, reasonSaveFailed, saveErr, zap.String(fieldTaskID, task.ID))
		return newServiceError(opRecordGenerated, reasonSaveFailed, saveErr)
	}
	return nil
}

// PublishUpdated re-publishes the task_updated event after the saga mutated
// the document, so subscribers see the final task state together with the
// produced document id.
func (l *Ledger) PublishUpdated(task *GenerationTask) {
	l.publishTaskEvent(events.TypeTaskUpdated, task)
}

func (l *Ledger) publishTaskEvent(eventType string, record *GenerationTask) {
	if l.bus == nil {
		return
	}
	payload := map[string]any{
		"task_id":     record.ID,
		"status":      record.Status.String(),
		"target_kind": record.TargetKind.String(),
		"target_id":   record.TargetID,
		"attempt":     record.Attempt,
	}
	if metadata, err := record.Metadata(); err == nil {
		if generated, ok := metadata[MetaGeneratedDocument]; ok {
			payload["generated_document"] = generated
		}
	}
	l.bus.Publish(events.Event{
		Type:      eventType,
		ProjectID: record.ProjectID,
		Payload:   payload,
		Tags:      record.CacheTags(),
	})
}

func (l *Ledger) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	l.logger.Error("task ledger error", attrs...)
}
