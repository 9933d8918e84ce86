package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ScriptHelper2024/scripthelper-backend/internal/document"
	"github.com/ScriptHelper2024/scripthelper-backend/internal/task"
	"github.com/ScriptHelper2024/scripthelper-backend/internal/users"
)

const (
	opCompletion = "saga.completion"

	reasonMetadataInvalid  = "metadata_invalid"
	reasonResultInvalid    = "result_invalid"
	reasonSpanMissing      = "span_bounds_missing"
	reasonSnapshotMismatch = "snapshot_mismatch"
	reasonDeriveFailed     = "derive_failed"
	reasonRecordFailed     = "record_failed"
	reasonCascadeFailed    = "cascade_failed"
	reasonSceneRebuild     = "scene_rebuild_failed"

	fieldTaskID     = "task_id"
	fieldProjectID  = "project_id"
	fieldTargetID   = "target_id"
	fieldTargetKind = "target_kind"
)

// MetaGeneratedSceneKeys records the chain keys created by a scene rebuild.
const MetaGeneratedSceneKeys = "generated_scene_keys"

// ServiceError captures where a completion failed and why, with the original
// cause preserved for errors.Is checks.
type ServiceError struct {
	operation string
	reason    string
	cause     error
}

func newServiceError(operation string, reason string, cause error) *ServiceError {
	return &ServiceError{operation: operation, reason: reason, cause: cause}
}

func (e *ServiceError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.operation, e.reason, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.operation, e.reason)
}

func (e *ServiceError) Unwrap() error { return e.cause }

// Code returns the machine-readable operation/reason pair.
func (e *ServiceError) Code() string { return e.operation + "." + e.reason }

// SagaConfig carries the saga's collaborators.
type SagaConfig struct {
	Engine *document.Engine
	Ledger *task.Ledger
	Users  *users.Service
	Logger *zap.Logger
}

// Saga turns a completed generation task into durable document state: it
// derives the new version (or rebuilds the project's scenes), records the
// produced version on the task, and enqueues any follow-on generation.
type Saga struct {
	engine *document.Engine
	ledger *task.Ledger
	users  *users.Service
	logger *zap.Logger
}

// NewSaga validates the configuration and returns a Saga ready to be wired as
// the ledger's completion handler.
func NewSaga(cfg SagaConfig) (*Saga, error) {
	if cfg.Engine == nil {
		return nil, errors.New("saga: engine is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("saga: ledger is required")
	}
	if cfg.Users == nil {
		return nil, errors.New("saga: users service is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Saga{
		engine: cfg.Engine,
		ledger: cfg.Ledger,
		users:  cfg.Users,
		logger: logger,
	}, nil
}

// HandleCompletion runs when a task update lands completed. Re-delivered
// completions are absorbed by the generated-document marker; a missing source
// version or a vanished creator downgrades the completion to a logged no-op
// rather than an error, since neither can be repaired by retrying.
func (s *Saga) HandleCompletion(ctx context.Context, record *task.GenerationTask) error {
	metadata, err := record.Metadata()
	if err != nil {
		return newServiceError(opCompletion, reasonMetadataInvalid, err)
	}
	view, err := parseMetadata(metadata)
	if err != nil {
		return newServiceError(opCompletion, reasonMetadataInvalid, err)
	}

	if view.GeneratedDocument != "" {
		s.logger.Info("completion already applied",
			zap.String(fieldTaskID, record.ID),
			zap.String("generated_document", view.GeneratedDocument))
		return nil
	}

	createdBy := view.CreatedBy
	if createdBy == "" {
		createdBy = record.CreatedBy
	}
	exists, err := s.users.Exists(ctx, createdBy)
	if err != nil {
		return newServiceError(opCompletion, reasonRecordFailed, err)
	}
	if !exists {
		s.logger.Warn("completion skipped, creator no longer exists",
			zap.String(fieldTaskID, record.ID),
			zap.String("created_by", createdBy))
		return nil
	}

	if view.MakeScenes {
		if rebuildErr := s.rebuildScenes(ctx, record, createdBy); rebuildErr != nil {
			return rebuildErr
		}
		s.ledger.PublishUpdated(record)
		return nil
	}

	target, err := s.engine.Get(ctx, document.VersionRef{ID: record.TargetID, Kind: record.TargetKind})
	if err != nil {
		if errors.Is(err, document.ErrNotFound) {
			s.logger.Warn("completion skipped, source version is gone",
				zap.String(fieldTaskID, record.ID),
				zap.String(fieldTargetID, record.TargetID))
			return nil
		}
		return newServiceError(opCompletion, reasonDeriveFailed, err)
	}

	// The chain may have moved on since the task was enqueued; the new
	// version is derived from, and spliced against, the current head.
	source, err := s.engine.Get(ctx, document.VersionRef{Kind: target.Kind, LogicalKey: target.LogicalKey})
	if err != nil {
		return newServiceError(opCompletion, reasonDeriveFailed, err)
	}

	newValue := record.Result
	if view.Selective {
		if view.SpanStart == nil || view.SpanEnd == nil {
			return newServiceError(opCompletion, reasonSpanMissing,
				fmt.Errorf("selective update on task %s has no span bounds", record.ID))
		}
		base := source.FieldValue(view.UpdateField)
		spliced, spliceErr := spliceSpan(base, *view.SpanStart, *view.SpanEnd, record.Result, view.SpanBaseHash)
		if spliceErr != nil {
			if errors.Is(spliceErr, ErrSnapshotMismatch) {
				return newServiceError(opCompletion, reasonSnapshotMismatch, spliceErr)
			}
			return newServiceError(opCompletion, reasonResultInvalid, spliceErr)
		}
		newValue = spliced
	}

	var overrides document.Fields
	overrides.Set(view.UpdateField, newValue)
	if view.Title != "" && view.UpdateField != document.FieldTitle {
		title := view.Title
		overrides.Title = &title
	}
	if view.ModelName != "" {
		modelName := view.ModelName
		overrides.ModelName = &modelName
	}

	derived, err := s.engine.Derive(ctx, document.DeriveRequest{
		Source:      document.VersionRef{ID: source.ID},
		VersionType: view.NewVersionType,
		Overrides:   overrides,
		CreatedBy:   createdBy,
	})
	if err != nil {
		s.logError(reasonDeriveFailed, err, record)
		return newServiceError(opCompletion, reasonDeriveFailed, err)
	}

	if recordErr := s.ledger.MergeMetadata(ctx, record, map[string]any{
		task.MetaGeneratedDocument: derived.ID,
	}); recordErr != nil {
		s.logError(reasonRecordFailed, recordErr, record)
		return newServiceError(opCompletion, reasonRecordFailed, recordErr)
	}

	if source.Kind == document.KindBeatSheet && view.MakeScriptText {
		if cascadeErr := s.enqueueScriptGeneration(ctx, source, derived, createdBy); cascadeErr != nil {
			s.logError(reasonCascadeFailed, cascadeErr, record)
			return newServiceError(opCompletion, reasonCascadeFailed, cascadeErr)
		}
	}

	s.ledger.PublishUpdated(record)
	return nil
}

// rebuildScenes replaces the project's scene list with the outlines in the
// task result, a JSON array of [title, seed] pairs. Existing scenes and their
// dependent beat sheets and scripts are deleted first.
func (s *Saga) rebuildScenes(ctx context.Context, record *task.GenerationTask, createdBy string) error {
	var outlines [][]string
	if err := json.Unmarshal([]byte(record.Result), &outlines); err != nil {
		return newServiceError(opCompletion, reasonResultInvalid,
			fmt.Errorf("scene outline payload: %w", err))
	}
	if len(outlines) == 0 {
		return newServiceError(opCompletion, reasonResultInvalid,
			errors.New("scene outline payload is empty"))
	}

	existing, err := s.engine.ListCurrent(ctx, document.KindSceneText, record.ProjectID)
	if err != nil {
		return newServiceError(opCompletion, reasonSceneRebuild, err)
	}
	for _, scene := range existing {
		if deleteErr := s.engine.DeleteEntity(ctx, document.KindSceneText, record.ProjectID, scene.LogicalKey); deleteErr != nil {
			return newServiceError(opCompletion, reasonSceneRebuild, deleteErr)
		}
	}

	sceneKeys := make([]string, 0, len(outlines))
	firstVersionID := ""
	for _, outline := range outlines {
		seed := document.Fields{}
		if len(outline) > 0 {
			title := strings.TrimSpace(outline[0])
			seed.Title = &title
		}
		if len(outline) > 1 {
			seedText := outline[1]
			seed.SeedText = &seedText
		}
		created, initErr := s.engine.Init(ctx, document.InitRequest{
			Kind:      document.KindSceneText,
			ProjectID: record.ProjectID,
			Seed:      seed,
			CreatedBy: createdBy,
		})
		if initErr != nil {
			return newServiceError(opCompletion, reasonSceneRebuild, initErr)
		}
		sceneKeys = append(sceneKeys, created.LogicalKey)
		if firstVersionID == "" {
			firstVersionID = created.ID
		}
	}

	if recordErr := s.ledger.MergeMetadata(ctx, record, map[string]any{
		task.MetaGeneratedDocument: firstVersionID,
		MetaGeneratedSceneKeys:     sceneKeys,
	}); recordErr != nil {
		return newServiceError(opCompletion, reasonRecordFailed, recordErr)
	}
	return nil
}

// enqueueScriptGeneration follows a beat-sheet completion with a script
// generation for the same scene, prompting from the freshly derived beats.
func (s *Saga) enqueueScriptGeneration(ctx context.Context, beatSheet document.Version, derived document.Version, createdBy string) error {
	if beatSheet.ParentKey == nil {
		return errors.New("beat sheet has no scene key")
	}
	sceneKey := *beatSheet.ParentKey

	target, err := s.scriptChainCurrent(ctx, beatSheet.ProjectID, sceneKey)
	if err != nil {
		return err
	}
	if target.ID == "" {
		created, initErr := s.engine.Init(ctx, document.InitRequest{
			Kind:      document.KindScriptText,
			ProjectID: beatSheet.ProjectID,
			ParentKey: sceneKey,
			CreatedBy: createdBy,
		})
		if initErr != nil {
			return initErr
		}
		target = created
	}

	_, err = s.ledger.Enqueue(ctx, task.EnqueueRequest{
		ProjectID:  beatSheet.ProjectID,
		TargetKind: document.KindScriptText,
		TargetID:   target.ID,
		PromptText: derived.Content,
		Metadata: map[string]any{
			task.MetaCreatedBy:      createdBy,
			task.MetaNewVersionType: document.VersionTypeGeneration.String(),
		},
		CreatedBy: createdBy,
	})
	return err
}

// scriptChainCurrent finds the current script version keyed to the scene, or a
// zero Version when the scene has no script chain yet.
func (s *Saga) scriptChainCurrent(ctx context.Context, projectID, sceneKey string) (document.Version, error) {
	scripts, err := s.engine.ListCurrent(ctx, document.KindScriptText, projectID)
	if err != nil {
		return document.Version{}, err
	}
	for _, script := range scripts {
		if script.ParentKey != nil && *script.ParentKey == sceneKey {
			return script, nil
		}
	}
	return document.Version{}, nil
}

func (s *Saga) logError(reason string, err error, record *task.GenerationTask) {
	s.logger.Error("completion failed",
		zap.String("operation", opCompletion),
		zap.String("reason", reason),
		zap.String(fieldTaskID, record.ID),
		zap.String(fieldProjectID, record.ProjectID),
		zap.String(fieldTargetKind, record.TargetKind.String()),
		zap.Error(err))
}
