package document

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ScriptHelper2024/scripthelper-backend/internal/cache"
	"github.com/ScriptHelper2024/scripthelper-backend/internal/events"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingKind       = errors.New("document kind is required")
	errMissingProjectID  = errors.New("project identifier is required")
	errKindNotSequenced  = errors.New("document kind is not sequenced")
	noOpLogger           = zap.NewNop()
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
	opEngineNew    = "document.engine.new"
	opInit         = "document.engine.init"
	opDerive       = "document.engine.derive"
	opRebase       = "document.engine.rebase"
	opLabel        = "document.engine.label"
	opGet          = "document.engine.get"
	opListVersions = "document.engine.list_versions"
	opListCurrent  = "document.engine.list_current"
	opDeleteEntity = "document.engine.delete_entity"
	opReorder      = "document.engine.reorder"

	reasonMissingDatabase   = "missing_database"
	reasonMissingIDProvider = "missing_id_provider"
	reasonMissingKind       = "missing_kind"
	reasonMissingProjectID  = "missing_project_id"
	reasonIDGenerationFailed = "id_generation_failed"
	reasonQueryFailed       = "query_failed"
	reasonCreateFailed      = "create_failed"
	reasonUpdateFailed      = "update_failed"
	reasonDeleteFailed      = "delete_failed"
	reasonSourceNotFound    = "source_not_found"
	reasonTargetNotFound    = "target_not_found"
	reasonVersionConflict   = "version_conflict"
	reasonNotSequenced      = "not_sequenced"

	fieldKind       = "kind"
	fieldProjectID  = "project_id"
	fieldLogicalKey = "logical_key"

	queryLogicalKey        = "logical_key = ?"
	orderVersionNumberAsc  = "version_number ASC"
	orderVersionNumberDesc = "version_number DESC"

	deriveAttempts = 3
)

// IDProvider issues identifiers for new versions and logical keys.
type IDProvider interface {
	NewID() (string, error)
}

// EngineConfig describes the dependencies for the version chain engine.
type EngineConfig struct {
	Database   *gorm.DB
	Bus        *events.Bus
	Cache      *cache.TagCache
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Engine implements the versioned-document chain shared by all six document
// kinds: create, derive, rebase, label, and sequenced entity lifecycle.
type Engine struct {
	db         *gorm.DB
	bus        *events.Bus
	cache      *cache.TagCache
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewEngine validates the configuration and constructs the engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opEngineNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opEngineNew, reasonMissingIDProvider, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Engine{
		db:         cfg.Database,
		bus:        cfg.Bus,
		cache:      cfg.Cache,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// VersionRef addresses a version either by id or by chain coordinates. A zero
// VersionNumber means "current".
type VersionRef struct {
	ID            string
	Kind          Kind
	LogicalKey    string
	VersionNumber int
}

// InitRequest describes the inputs for creating or fetching a base version.
type InitRequest struct {
	Kind          Kind
	ProjectID     string
	LogicalKey    string
	ParentKey     string
	AfterPosition *int
	Seed          Fields
	CreatedBy     string
}

// Init creates the base version for a chain if and only if none exists yet;
// otherwise it returns the existing current version unchanged. An empty
// logical key mints a fresh chain (used when creating scenes, characters, and
// locations).
func (e *Engine) Init(ctx context.Context, req InitRequest) (Version, error) {
	if req.Kind == "" {
		return Version{}, newServiceError(opInit, reasonMissingKind, errMissingKind)
	}
	if strings.TrimSpace(req.ProjectID) == "" {
		return Version{}, newServiceError(opInit, reasonMissingProjectID, errMissingProjectID)
	}

	logicalKey := strings.TrimSpace(req.LogicalKey)
	if logicalKey != "" {
		existing, err := e.currentVersion(ctx, e.db, logicalKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			e.logError(opInit, reasonQueryFailed, err, zap.String(fieldLogicalKey, logicalKey))
			return Version{}, newServiceError(opInit, reasonQueryFailed, err)
		}
	} else {
		minted, err := e.idProvider.NewID()
		if err != nil {
			e.logError(opInit, reasonIDGenerationFailed, err)
			return Version{}, newServiceError(opInit, reasonIDGenerationFailed, err)
		}
		logicalKey = minted
	}

	versionID, err := e.idProvider.NewID()
	if err != nil {
		e.logError(opInit, reasonIDGenerationFailed, err)
		return Version{}, newServiceError(opInit, reasonIDGenerationFailed, err)
	}

	version := Version{
		ID:            versionID,
		Kind:          req.Kind,
		ProjectID:     req.ProjectID,
		LogicalKey:    logicalKey,
		VersionNumber: 1,
		VersionType:   VersionTypeBase,
		CreatedBy:     req.CreatedBy,
		CreatedAt:     e.clock().UTC(),
	}
	if parentKey := strings.TrimSpace(req.ParentKey); parentKey != "" {
		version.ParentKey = &parentKey
	}
	req.Seed.applyTo(&version)

	transactionError := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if req.Kind.Sequenced() {
			position, posErr := insertPosition(tx, req.Kind, req.ProjectID, req.AfterPosition)
			if posErr != nil {
				return newServiceError(opInit, reasonQueryFailed, posErr)
			}
			version.OrderPosition = &position
		}
		if createErr := tx.Create(&version).Error; createErr != nil {
			if isDuplicateKeyError(createErr) {
				// A concurrent init won the race for this chain; fall through
				// to the idempotent read below.
				return createErr
			}
			return newServiceError(opInit, reasonCreateFailed, createErr)
		}
		return nil
	})
	if transactionError != nil {
		if isDuplicateKeyError(transactionError) {
			existing, readErr := e.currentVersion(ctx, e.db, logicalKey)
			if readErr == nil {
				return existing, nil
			}
		}
		e.logError(opInit, reasonCreateFailed, transactionError,
			zap.String(fieldKind, req.Kind.String()),
			zap.String(fieldLogicalKey, logicalKey))
		return Version{}, transactionError
	}

	e.publish(req.Kind.EventType(events.SuffixCreated), req.ProjectID, map[string]any{
		"version_id":  version.ID,
		"logical_key": version.LogicalKey,
	}, e.chainTags(version))
	return version, nil
}

// DeriveRequest describes the inputs for deriving a new version from a source.
type DeriveRequest struct {
	Source      VersionRef
	VersionType VersionType
	Overrides   Fields
	CreatedBy   string
}

// Derive creates version max+1 of the source's chain, copying every content
// field unless an override is supplied. The (logical_key, version_number)
// uniqueness constraint closes the read-max-then-increment race; a conflicting
// concurrent derive is retried against the fresh maximum.
func (e *Engine) Derive(ctx context.Context, req DeriveRequest) (Version, error) {
	versionType := req.VersionType
	if versionType == "" {
		versionType = VersionTypeEdit
	}

	var created Version
	var lastErr error
	for attempt := 0; attempt < deriveAttempts; attempt++ {
		created = Version{}
		lastErr = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			source, resolveErr := e.resolveRef(tx, req.Source)
			if resolveErr != nil {
				if errors.Is(resolveErr, ErrNotFound) {
					return newServiceError(opDerive, reasonSourceNotFound, resolveErr)
				}
				return newServiceError(opDerive, reasonQueryFailed, resolveErr)
			}

			var maxNumber int
			row := tx.Model(&Version{}).
				Select("COALESCE(MAX(version_number), 0)").
				Where(queryLogicalKey, source.LogicalKey).
				Row()
			if scanErr := row.Scan(&maxNumber); scanErr != nil {
				return newServiceError(opDerive, reasonQueryFailed, scanErr)
			}

			versionID, idErr := e.idProvider.NewID()
			if idErr != nil {
				return newServiceError(opDerive, reasonIDGenerationFailed, idErr)
			}

			sourceID := source.ID
			next := Version{
				ID:              versionID,
				Kind:            source.Kind,
				ProjectID:       source.ProjectID,
				LogicalKey:      source.LogicalKey,
				ParentKey:       source.ParentKey,
				VersionNumber:   maxNumber + 1,
				VersionType:     versionType,
				SourceVersionID: &sourceID,
				OrderPosition:   source.OrderPosition,
				Title:           source.Title,
				SeedText:        source.SeedText,
				NotesText:       source.NotesText,
				Content:         source.Content,
				ModelName:       source.ModelName,
				CreatedBy:       req.CreatedBy,
				CreatedAt:       e.clock().UTC(),
			}
			req.Overrides.applyTo(&next)

			if createErr := tx.Create(&next).Error; createErr != nil {
				if isDuplicateKeyError(createErr) {
					return newServiceError(opDerive, reasonVersionConflict, createErr)
				}
				return newServiceError(opDerive, reasonCreateFailed, createErr)
			}
			created = next
			return nil
		})
		if lastErr == nil {
			break
		}
		var svcErr *ServiceError
		if !errors.As(lastErr, &svcErr) || !strings.HasSuffix(svcErr.Code(), reasonVersionConflict) {
			break
		}
	}
	if lastErr != nil {
		e.logError(opDerive, "derive_failed", lastErr,
			zap.String(fieldLogicalKey, req.Source.LogicalKey),
			zap.String("source_id", req.Source.ID))
		return Version{}, lastErr
	}

	e.publish(created.Kind.EventType(events.SuffixNewVersion), created.ProjectID, map[string]any{
		"version_id":     created.ID,
		"logical_key":    created.LogicalKey,
		"version_number": created.VersionNumber,
		"version_type":   created.VersionType.String(),
	}, e.chainTags(created))
	return created, nil
}

// Rebase collapses the target's chain down to the target alone: every sibling
// version is permanently deleted and the target becomes version 1 of type
// base with no source pointer. Destructive and not reversible.
func (e *Engine) Rebase(ctx context.Context, ref VersionRef) error {
	var target Version
	transactionError := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		resolved, resolveErr := e.resolveRef(tx, ref)
		if resolveErr != nil {
			if errors.Is(resolveErr, ErrNotFound) {
				return newServiceError(opRebase, reasonTargetNotFound, resolveErr)
			}
			return newServiceError(opRebase, reasonQueryFailed, resolveErr)
		}
		target = resolved

		deleteErr := tx.
			Where(queryLogicalKey+" AND id <> ?", target.LogicalKey, target.ID).
			Delete(&Version{}).Error
		if deleteErr != nil {
			return newServiceError(opRebase, reasonDeleteFailed, deleteErr)
		}

		updateErr := tx.Model(&Version{}).
			Where("id = ?", target.ID).
			Updates(map[string]any{
				"version_number":    1,
				"version_type":      VersionTypeBase,
				"source_version_id": nil,
			}).Error
		if updateErr != nil {
			return newServiceError(opRebase, reasonUpdateFailed, updateErr)
		}
		return nil
	})
	if transactionError != nil {
		e.logError(opRebase, "rebase_failed", transactionError,
			zap.String(fieldLogicalKey, ref.LogicalKey),
			zap.String("version_id", ref.ID))
		return transactionError
	}

	e.publish(target.Kind.EventType(events.SuffixRebased), target.ProjectID, map[string]any{
		"version_id":  target.ID,
		"logical_key": target.LogicalKey,
	}, e.chainTags(target))
	return nil
}

// Label sets a free-text label on a single version without creating a new
// version.
func (e *Engine) Label(ctx context.Context, ref VersionRef, labelText string) error {
	var target Version
	transactionError := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		resolved, resolveErr := e.resolveRef(tx, ref)
		if resolveErr != nil {
			if errors.Is(resolveErr, ErrNotFound) {
				return newServiceError(opLabel, reasonTargetNotFound, resolveErr)
			}
			return newServiceError(opLabel, reasonQueryFailed, resolveErr)
		}
		target = resolved
		updateErr := tx.Model(&Version{}).
			Where("id = ?", target.ID).
			Update("version_label", labelText).Error
		if updateErr != nil {
			return newServiceError(opLabel, reasonUpdateFailed, updateErr)
		}
		return nil
	})
	if transactionError != nil {
		e.logError(opLabel, "label_failed", transactionError, zap.String("version_id", ref.ID))
		return transactionError
	}

	e.publish(target.Kind.EventType(events.SuffixVersionLabel), target.ProjectID, map[string]any{
		"version_id":  target.ID,
		"logical_key": target.LogicalKey,
		"label":       labelText,
	}, e.chainTags(target))
	return nil
}

// Get resolves a version by reference. Current-version lookups are served
// from the tag cache when one is configured.
func (e *Engine) Get(ctx context.Context, ref VersionRef) (Version, error) {
	currentLookup := ref.ID == "" && ref.VersionNumber == 0 && ref.LogicalKey != ""
	cacheKey := fmt.Sprintf("current_version:%s:%s", ref.Kind, ref.LogicalKey)
	if currentLookup && e.cache != nil {
		var cached Version
		if hit, err := e.cache.Get(ctx, cacheKey, &cached); err == nil && hit {
			return cached, nil
		}
	}

	version, err := e.resolveRef(e.db.WithContext(ctx), ref)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Version{}, newServiceError(opGet, reasonTargetNotFound, err)
		}
		e.logError(opGet, reasonQueryFailed, err, zap.String(fieldLogicalKey, ref.LogicalKey))
		return Version{}, newServiceError(opGet, reasonQueryFailed, err)
	}

	if currentLookup && e.cache != nil {
		if cacheErr := e.cache.Set(ctx, cacheKey, version, e.chainTags(version)); cacheErr != nil {
			e.logger.Warn("current version cache store failed", zap.Error(cacheErr))
		}
	}
	return version, nil
}

// ListVersions returns every version of a chain ordered by version number
// ascending.
func (e *Engine) ListVersions(ctx context.Context, logicalKey string) ([]Version, error) {
	var versions []Version
	err := e.db.WithContext(ctx).
		Where(queryLogicalKey, logicalKey).
		Order(orderVersionNumberAsc).
		Find(&versions).Error
	if err != nil {
		e.logError(opListVersions, reasonQueryFailed, err, zap.String(fieldLogicalKey, logicalKey))
		return nil, newServiceError(opListVersions, reasonQueryFailed, err)
	}
	return versions, nil
}

// ListCurrent returns the current version of every chain of the kind within a
// project, ordered by position (sequenced kinds) then creation time.
func (e *Engine) ListCurrent(ctx context.Context, kind Kind, projectID string) ([]Version, error) {
	var versions []Version
	err := e.db.WithContext(ctx).
		Where(queryProjectKind, projectID, kind).
		Where("version_number = (SELECT MAX(v2.version_number) FROM document_versions v2 WHERE v2.logical_key = document_versions.logical_key)").
		Order("order_position ASC, created_at ASC").
		Find(&versions).Error
	if err != nil {
		e.logError(opListCurrent, reasonQueryFailed, err,
			zap.String(fieldKind, kind.String()),
			zap.String(fieldProjectID, projectID))
		return nil, newServiceError(opListCurrent, reasonQueryFailed, err)
	}
	return versions, nil
}

// DeleteEntity removes a chain and, for scenes, every dependent beat-sheet and
// script chain keyed off it, in one transaction. Remaining siblings of a
// sequenced kind are renumbered densely before the deletion event publishes.
func (e *Engine) DeleteEntity(ctx context.Context, kind Kind, projectID, logicalKey string) error {
	tags := []string{kind.ProjectTag(projectID), kind.LogicalKeyTag(logicalKey)}
	transactionError := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if countErr := tx.Model(&Version{}).Where(queryLogicalKey, logicalKey).Count(&count).Error; countErr != nil {
			return newServiceError(opDeleteEntity, reasonQueryFailed, countErr)
		}
		if count == 0 {
			return newServiceError(opDeleteEntity, reasonTargetNotFound, ErrNotFound)
		}

		if kind == KindSceneText {
			var dependents []Version
			if depErr := tx.Select("kind", "logical_key").
				Where("parent_key = ?", logicalKey).
				Group("kind, logical_key").
				Find(&dependents).Error; depErr != nil {
				return newServiceError(opDeleteEntity, reasonQueryFailed, depErr)
			}
			for _, dependent := range dependents {
				tags = append(tags,
					dependent.Kind.ProjectTag(projectID),
					dependent.Kind.LogicalKeyTag(dependent.LogicalKey))
			}
			if depDeleteErr := tx.Where("parent_key = ?", logicalKey).Delete(&Version{}).Error; depDeleteErr != nil {
				return newServiceError(opDeleteEntity, reasonDeleteFailed, depDeleteErr)
			}
		}

		if deleteErr := tx.Where(queryLogicalKey, logicalKey).Delete(&Version{}).Error; deleteErr != nil {
			return newServiceError(opDeleteEntity, reasonDeleteFailed, deleteErr)
		}
		if kind.Sequenced() {
			if compactErr := compactPositions(tx, kind, projectID); compactErr != nil {
				return newServiceError(opDeleteEntity, reasonUpdateFailed, compactErr)
			}
		}
		return nil
	})
	if transactionError != nil {
		e.logError(opDeleteEntity, "delete_failed", transactionError,
			zap.String(fieldKind, kind.String()),
			zap.String(fieldLogicalKey, logicalKey))
		return transactionError
	}

	e.publish(kind.EventType(events.SuffixDeleted), projectID, map[string]any{
		"logical_key": logicalKey,
	}, tags)
	return nil
}

// Reorder moves a sequenced chain to newPosition, clamped to [1, count],
// shifting only the siblings between the old and new slots. A no-op move
// publishes nothing.
func (e *Engine) Reorder(ctx context.Context, kind Kind, projectID, logicalKey string, newPosition int) error {
	if !kind.Sequenced() {
		return newServiceError(opReorder, reasonNotSequenced, errKindNotSequenced)
	}

	moved := false
	transactionError := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		oldPosition, posErr := chainPosition(tx, kind, projectID, logicalKey)
		if errors.Is(posErr, gorm.ErrRecordNotFound) {
			return newServiceError(opReorder, reasonTargetNotFound, ErrNotFound)
		}
		if posErr != nil {
			return newServiceError(opReorder, reasonQueryFailed, posErr)
		}
		count, countErr := chainCount(tx, kind, projectID)
		if countErr != nil {
			return newServiceError(opReorder, reasonQueryFailed, countErr)
		}
		clamped := clampPosition(newPosition, count)
		if clamped == oldPosition {
			return nil
		}
		if moveErr := moveChain(tx, kind, projectID, logicalKey, oldPosition, clamped); moveErr != nil {
			return newServiceError(opReorder, reasonUpdateFailed, moveErr)
		}
		moved = true
		return nil
	})
	if transactionError != nil {
		e.logError(opReorder, "reorder_failed", transactionError,
			zap.String(fieldKind, kind.String()),
			zap.String(fieldLogicalKey, logicalKey))
		return transactionError
	}
	if !moved {
		return nil
	}

	e.publish(kind.EventType(events.SuffixReordered), projectID, map[string]any{
		"logical_key": logicalKey,
		"position":    newPosition,
	}, []string{kind.ProjectTag(projectID), kind.LogicalKeyTag(logicalKey)})
	return nil
}

func (e *Engine) resolveRef(tx *gorm.DB, ref VersionRef) (Version, error) {
	var version Version
	var err error
	switch {
	case ref.ID != "":
		err = tx.Where("id = ?", ref.ID).Take(&version).Error
	case ref.LogicalKey != "" && ref.VersionNumber > 0:
		err = tx.Where(queryLogicalKey+" AND version_number = ?", ref.LogicalKey, ref.VersionNumber).
			Take(&version).Error
	case ref.LogicalKey != "":
		err = tx.Where(queryLogicalKey, ref.LogicalKey).
			Order(orderVersionNumberDesc).
			Take(&version).Error
	default:
		return Version{}, ErrInvalidReference
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Version{}, ErrNotFound
	}
	if err != nil {
		return Version{}, err
	}
	return version, nil
}

func (e *Engine) currentVersion(ctx context.Context, tx *gorm.DB, logicalKey string) (Version, error) {
	var version Version
	err := tx.WithContext(ctx).
		Where(queryLogicalKey, logicalKey).
		Order(orderVersionNumberDesc).
		Take(&version).Error
	return version, err
}

// chainTags returns the cache tags every mutation of a chain must invalidate:
// the owning project, the chain itself, and the owning scene for dependent
// streams.
func (e *Engine) chainTags(version Version) []string {
	tags := []string{
		version.Kind.ProjectTag(version.ProjectID),
		version.Kind.LogicalKeyTag(version.LogicalKey),
	}
	if version.ParentKey != nil {
		tags = append(tags, KindSceneText.LogicalKeyTag(*version.ParentKey))
	}
	return tags
}

func (e *Engine) publish(eventType, projectID string, payload map[string]any, tags []string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Type:      eventType,
		ProjectID: projectID,
		Payload:   payload,
		Tags:      tags,
	})
}

func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint")
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("document engine error", attrs...)
}
