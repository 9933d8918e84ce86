package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ScriptHelper2024/scripthelper-backend/internal/auth"
	"github.com/ScriptHelper2024/scripthelper-backend/internal/document"
	"github.com/ScriptHelper2024/scripthelper-backend/internal/queue"
	"github.com/ScriptHelper2024/scripthelper-backend/internal/saga"
	"github.com/ScriptHelper2024/scripthelper-backend/internal/task"
	"github.com/ScriptHelper2024/scripthelper-backend/internal/users"
)

const (
	userIDContextKey = "scripthelper_user_id"

	heartbeatInterval = 25 * time.Second
)

var (
	errMissingEngine        = errors.New("document engine dependency required")
	errMissingLedger        = errors.New("task ledger dependency required")
	errMissingUsers         = errors.New("users service dependency required")
	errMissingTokenIssuer   = errors.New("token issuer dependency required")
	errMissingWorkerSecret  = errors.New("worker secret required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Dependencies carries every collaborator the HTTP surface needs. Realtime is
// optional; streaming requests without one receive 503.
type Dependencies struct {
	Engine       *document.Engine
	Ledger       *task.Ledger
	Users        *users.Service
	Tokens       *auth.TokenIssuer
	Realtime     *RealtimeDispatcher
	WorkerSecret string
	Logger       *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Ledger == nil {
		return nil, errMissingLedger
	}
	if deps.Users == nil {
		return nil, errMissingUsers
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenIssuer
	}
	if strings.TrimSpace(deps.WorkerSecret) == "" {
		return nil, errMissingWorkerSecret
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		engine:       deps.Engine,
		ledger:       deps.Ledger,
		users:        deps.Users,
		tokens:       deps.Tokens,
		realtime:     deps.Realtime,
		workerSecret: deps.WorkerSecret,
		logger:       logger,
	}

	router.POST("/auth/session", handler.handleSessionToken)
	router.POST("/auth/worker", handler.handleWorkerToken)

	protected := router.Group("/")
	protected.Use(handler.authorizeUser)
	{
		documents := protected.Group("/projects/:projectID/documents/:kind")
		documents.POST("", handler.handleInitDocument)
		documents.GET("", handler.handleListCurrent)
		documents.GET("/:logicalKey", handler.handleGetDocument)
		documents.GET("/:logicalKey/versions", handler.handleListVersions)
		documents.POST("/:logicalKey/derive", handler.handleDerive)
		documents.POST("/:logicalKey/rebase", handler.handleRebase)
		documents.POST("/:logicalKey/label", handler.handleLabel)
		documents.POST("/:logicalKey/reorder", handler.handleReorder)
		documents.DELETE("/:logicalKey", handler.handleDeleteEntity)

		protected.POST("/projects/:projectID/tasks", handler.handleEnqueueTask)
		protected.GET("/projects/:projectID/tasks", handler.handleListTasks)
		protected.GET("/projects/:projectID/stream", handler.handleProjectStream)
		protected.GET("/tasks/:taskID", handler.handleGetTask)
		protected.POST("/tasks/:taskID/reset", handler.handleResetTask)
		protected.DELETE("/tasks/:taskID", handler.handleDeleteTask)
	}

	// Worker callbacks carry the worker audience, so the update route runs
	// its own authorization.
	router.POST("/tasks/:taskID/update", handler.authorizeTaskUpdate, handler.handleUpdateTask)

	return router, nil
}

type httpHandler struct {
	engine       *document.Engine
	ledger       *task.Ledger
	users        *users.Service
	tokens       *auth.TokenIssuer
	realtime     *RealtimeDispatcher
	workerSecret string
	logger       *zap.Logger
}

type sessionRequestPayload struct {
	ServiceSecret string `json:"service_secret"`
	Provider      string `json:"provider"`
	Subject       string `json:"subject"`
	Email         string `json:"email"`
	DisplayName   string `json:"display_name"`
}

type workerRequestPayload struct {
	ServiceSecret string `json:"service_secret"`
	WorkerID      string `json:"worker_id"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleSessionToken(c *gin.Context) {
	var request sessionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Subject) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if !h.secretMatches(request.ServiceSecret) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	claims := auth.Claims{
		Subject:     request.Subject,
		Email:       request.Email,
		DisplayName: request.DisplayName,
	}
	if provider := strings.TrimSpace(request.Provider); provider != "" {
		claims.UserID = provider + ":" + request.Subject
	}
	userID, err := h.users.ResolveCanonicalUserID(claims)
	if err != nil {
		h.logger.Warn("identity resolution failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	h.issueToken(c, userID, auth.AudienceAPI)
}

func (h *httpHandler) handleWorkerToken(c *gin.Context) {
	var request workerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.WorkerID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if !h.secretMatches(request.ServiceSecret) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	h.issueToken(c, request.WorkerID, auth.AudienceWorker)
}

func (h *httpHandler) issueToken(c *gin.Context, subject, audience string) {
	token, expiresIn, err := h.tokens.IssueToken(subject, audience)
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) secretMatches(candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(h.workerSecret)) == 1
}

type versionPayload struct {
	ID            string  `json:"id"`
	Kind          string  `json:"kind"`
	ProjectID     string  `json:"project_id"`
	LogicalKey    string  `json:"logical_key"`
	ParentKey     *string `json:"parent_key,omitempty"`
	VersionNumber int     `json:"version_number"`
	VersionType   string  `json:"version_type"`
	SourceVersion *string `json:"source_version_id,omitempty"`
	OrderPosition *int    `json:"order_position,omitempty"`
	Title         string  `json:"title"`
	SeedText      string  `json:"seed_text"`
	NotesText     string  `json:"notes_text"`
	Content       string  `json:"content"`
	ContentBytes  int64   `json:"content_bytes"`
	ModelName     string  `json:"model_name"`
	VersionLabel  string  `json:"version_label"`
	CreatedBy     string  `json:"created_by"`
	CreatedAt     int64   `json:"created_at_s"`
}

func toVersionPayload(version document.Version) versionPayload {
	return versionPayload{
		ID:            version.ID,
		Kind:          version.Kind.String(),
		ProjectID:     version.ProjectID,
		LogicalKey:    version.LogicalKey,
		ParentKey:     version.ParentKey,
		VersionNumber: version.VersionNumber,
		VersionType:   version.VersionType.String(),
		SourceVersion: version.SourceVersionID,
		OrderPosition: version.OrderPosition,
		Title:         version.Title,
		SeedText:      version.SeedText,
		NotesText:     version.NotesText,
		Content:       version.Content,
		ContentBytes:  version.ContentBytes,
		ModelName:     version.ModelName,
		VersionLabel:  version.VersionLabel,
		CreatedBy:     version.CreatedBy,
		CreatedAt:     version.CreatedAt.Unix(),
	}
}

type initRequestPayload struct {
	LogicalKey    string  `json:"logical_key"`
	ParentKey     string  `json:"parent_key"`
	AfterPosition *int    `json:"after_position"`
	Title         *string `json:"title"`
	SeedText      *string `json:"seed_text"`
	NotesText     *string `json:"notes_text"`
	Content       *string `json:"content"`
	ModelName     *string `json:"model_name"`
}

func (h *httpHandler) handleInitDocument(c *gin.Context) {
	kind, ok := h.parseKindParam(c)
	if !ok {
		return
	}
	var request initRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	version, err := h.engine.Init(c.Request.Context(), document.InitRequest{
		Kind:          kind,
		ProjectID:     c.Param("projectID"),
		LogicalKey:    request.LogicalKey,
		ParentKey:     request.ParentKey,
		AfterPosition: request.AfterPosition,
		Seed: document.Fields{
			Title:     request.Title,
			SeedText:  request.SeedText,
			NotesText: request.NotesText,
			Content:   request.Content,
			ModelName: request.ModelName,
		},
		CreatedBy: c.GetString(userIDContextKey),
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toVersionPayload(version))
}

func (h *httpHandler) handleListCurrent(c *gin.Context) {
	kind, ok := h.parseKindParam(c)
	if !ok {
		return
	}
	versions, err := h.engine.ListCurrent(c.Request.Context(), kind, c.Param("projectID"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	payload := make([]versionPayload, 0, len(versions))
	for _, version := range versions {
		payload = append(payload, toVersionPayload(version))
	}
	c.JSON(http.StatusOK, gin.H{"documents": payload})
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	kind, ok := h.parseKindParam(c)
	if !ok {
		return
	}
	ref := document.VersionRef{Kind: kind, LogicalKey: c.Param("logicalKey")}
	if raw := c.Query("version"); raw != "" {
		number, err := strconv.Atoi(raw)
		if err != nil || number < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_version_number"})
			return
		}
		ref.VersionNumber = number
	}
	version, err := h.engine.Get(c.Request.Context(), ref)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toVersionPayload(version))
}

func (h *httpHandler) handleListVersions(c *gin.Context) {
	versions, err := h.engine.ListVersions(c.Request.Context(), c.Param("logicalKey"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	payload := make([]versionPayload, 0, len(versions))
	for _, version := range versions {
		payload = append(payload, toVersionPayload(version))
	}
	c.JSON(http.StatusOK, gin.H{"versions": payload})
}

type deriveRequestPayload struct {
	SourceVersion int     `json:"source_version"`
	VersionType   string  `json:"version_type"`
	Title         *string `json:"title"`
	SeedText      *string `json:"seed_text"`
	NotesText     *string `json:"notes_text"`
	Content       *string `json:"content"`
	ModelName     *string `json:"model_name"`
}

func (h *httpHandler) handleDerive(c *gin.Context) {
	kind, ok := h.parseKindParam(c)
	if !ok {
		return
	}
	var request deriveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	versionType := document.VersionType("")
	if raw := strings.TrimSpace(request.VersionType); raw != "" {
		parsed, err := document.ParseVersionType(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_version_type"})
			return
		}
		versionType = parsed
	}

	version, err := h.engine.Derive(c.Request.Context(), document.DeriveRequest{
		Source: document.VersionRef{
			Kind:          kind,
			LogicalKey:    c.Param("logicalKey"),
			VersionNumber: request.SourceVersion,
		},
		VersionType: versionType,
		Overrides: document.Fields{
			Title:     request.Title,
			SeedText:  request.SeedText,
			NotesText: request.NotesText,
			Content:   request.Content,
			ModelName: request.ModelName,
		},
		CreatedBy: c.GetString(userIDContextKey),
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toVersionPayload(version))
}

type rebaseRequestPayload struct {
	Version int `json:"version"`
}

func (h *httpHandler) handleRebase(c *gin.Context) {
	kind, ok := h.parseKindParam(c)
	if !ok {
		return
	}
	var request rebaseRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ref := document.VersionRef{
		Kind:          kind,
		LogicalKey:    c.Param("logicalKey"),
		VersionNumber: request.Version,
	}
	if err := h.engine.Rebase(c.Request.Context(), ref); err != nil {
		h.writeServiceError(c, err)
		return
	}
	version, err := h.engine.Get(c.Request.Context(), document.VersionRef{
		Kind:       kind,
		LogicalKey: c.Param("logicalKey"),
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toVersionPayload(version))
}

type labelRequestPayload struct {
	Version int    `json:"version"`
	Label   string `json:"label"`
}

func (h *httpHandler) handleLabel(c *gin.Context) {
	kind, ok := h.parseKindParam(c)
	if !ok {
		return
	}
	var request labelRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ref := document.VersionRef{
		Kind:          kind,
		LogicalKey:    c.Param("logicalKey"),
		VersionNumber: request.Version,
	}
	if err := h.engine.Label(c.Request.Context(), ref, request.Label); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type reorderRequestPayload struct {
	Position *int `json:"position"`
}

func (h *httpHandler) handleReorder(c *gin.Context) {
	kind, ok := h.parseKindParam(c)
	if !ok {
		return
	}
	var request reorderRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Position == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	err := h.engine.Reorder(c.Request.Context(), kind, c.Param("projectID"), c.Param("logicalKey"), *request.Position)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeleteEntity(c *gin.Context) {
	kind, ok := h.parseKindParam(c)
	if !ok {
		return
	}
	err := h.engine.DeleteEntity(c.Request.Context(), kind, c.Param("projectID"), c.Param("logicalKey"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type taskPayload struct {
	ID                  string         `json:"id"`
	ProjectID           string         `json:"project_id"`
	TargetKind          string         `json:"target_kind"`
	TargetID            string         `json:"target_id"`
	Status              string         `json:"status"`
	StatusMessage       string         `json:"status_message"`
	PromptText          string         `json:"prompt_text"`
	Result              string         `json:"result"`
	ErrorMessage        string         `json:"error_message"`
	Attempt             int            `json:"attempt"`
	PromptTokens        int64          `json:"prompt_tokens"`
	CompletionTokens    int64          `json:"completion_tokens"`
	Metadata            map[string]any `json:"metadata"`
	ProcessingStartedAt *int64         `json:"processing_started_at_s,omitempty"`
	CreatedBy           string         `json:"created_by"`
	CreatedAt           int64          `json:"created_at_s"`
	UpdatedAt           int64          `json:"updated_at_s"`
}

func toTaskPayload(record task.GenerationTask) taskPayload {
	metadata, err := record.Metadata()
	if err != nil {
		metadata = map[string]any{}
	}
	payload := taskPayload{
		ID:               record.ID,
		ProjectID:        record.ProjectID,
		TargetKind:       record.TargetKind.String(),
		TargetID:         record.TargetID,
		Status:           record.Status.String(),
		StatusMessage:    record.StatusMessage,
		PromptText:       record.PromptText,
		Result:           record.Result,
		ErrorMessage:     record.ErrorMessage,
		Attempt:          record.Attempt,
		PromptTokens:     record.PromptTokens,
		CompletionTokens: record.CompletionTokens,
		Metadata:         metadata,
		CreatedBy:        record.CreatedBy,
		CreatedAt:        record.CreatedAt.Unix(),
		UpdatedAt:        record.UpdatedAt.Unix(),
	}
	if record.ProcessingStartedAt != nil {
		startedAt := record.ProcessingStartedAt.Unix()
		payload.ProcessingStartedAt = &startedAt
	}
	return payload
}

type enqueueRequestPayload struct {
	TargetKind  string         `json:"target_kind"`
	TargetID    string         `json:"target_id"`
	PromptText  string         `json:"prompt_text"`
	ModelParams map[string]any `json:"model_params"`
	Metadata    map[string]any `json:"metadata"`
}

func (h *httpHandler) handleEnqueueTask(c *gin.Context) {
	var request enqueueRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	kind, err := document.ParseKind(request.TargetKind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
		return
	}

	modelParamsJSON := ""
	if len(request.ModelParams) > 0 {
		encoded, encodeErr := json.Marshal(request.ModelParams)
		if encodeErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		modelParamsJSON = string(encoded)
	}

	record, err := h.ledger.Enqueue(c.Request.Context(), task.EnqueueRequest{
		ProjectID:       c.Param("projectID"),
		TargetKind:      kind,
		TargetID:        request.TargetID,
		PromptText:      request.PromptText,
		ModelParamsJSON: modelParamsJSON,
		Metadata:        request.Metadata,
		CreatedBy:       c.GetString(userIDContextKey),
	})
	if err != nil {
		if errors.Is(err, queue.ErrDeliveryFailed) {
			c.JSON(http.StatusBadGateway, gin.H{"error": "delivery_failed", "task_id": record.ID})
			return
		}
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, toTaskPayload(record))
}

func (h *httpHandler) handleListTasks(c *gin.Context) {
	records, err := h.ledger.ListByProject(c.Request.Context(), c.Param("projectID"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	payload := make([]taskPayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, toTaskPayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"tasks": payload})
}

func (h *httpHandler) handleGetTask(c *gin.Context) {
	record, err := h.ledger.Get(c.Request.Context(), c.Param("taskID"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTaskPayload(record))
}

type updateTaskRequestPayload struct {
	Status           *string `json:"status"`
	StatusMessage    *string `json:"status_message"`
	Result           *string `json:"result"`
	ErrorMessage     *string `json:"error_message"`
	PromptTokens     *int64  `json:"prompt_tokens"`
	CompletionTokens *int64  `json:"completion_tokens"`
	Attempt          *int    `json:"attempt"`
}

func (h *httpHandler) handleUpdateTask(c *gin.Context) {
	var request updateTaskRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	update := task.UpdateRequest{
		StatusMessage:    request.StatusMessage,
		Result:           request.Result,
		ErrorMessage:     request.ErrorMessage,
		PromptTokens:     request.PromptTokens,
		CompletionTokens: request.CompletionTokens,
		Attempt:          request.Attempt,
	}
	if request.Status != nil {
		status, err := task.ParseStatus(*request.Status)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
			return
		}
		update.Status = &status
	}

	record, err := h.ledger.Update(c.Request.Context(), c.Param("taskID"), update)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTaskPayload(record))
}

func (h *httpHandler) handleResetTask(c *gin.Context) {
	record, err := h.ledger.Reset(c.Request.Context(), c.Param("taskID"))
	if err != nil {
		if errors.Is(err, queue.ErrDeliveryFailed) {
			c.JSON(http.StatusBadGateway, gin.H{"error": "delivery_failed", "task_id": record.ID})
			return
		}
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toTaskPayload(record))
}

func (h *httpHandler) handleDeleteTask(c *gin.Context) {
	if err := h.ledger.Delete(c.Request.Context(), c.Param("taskID")); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleProjectStream(c *gin.Context) {
	if h.realtime == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream_unavailable"})
		return
	}
	projectID := c.Param("projectID")
	ctx := c.Request.Context()
	stream, cancel := h.realtime.Subscribe(ctx, projectID)
	defer cancel()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, gin.H{
				"project_id":  message.ProjectID,
				"payload":     message.Payload,
				"occurred_at": message.Timestamp.UTC(),
			})
			return true
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"time": time.Now().UTC()})
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func (h *httpHandler) parseKindParam(c *gin.Context) (document.Kind, bool) {
	kind, err := document.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
		return "", false
	}
	return kind, true
}

func (h *httpHandler) authorizeUser(c *gin.Context) {
	subject, ok := h.bearerSubject(c, auth.AudienceAPI)
	if !ok {
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

// authorizeTaskUpdate accepts both audiences: external workers post result
// callbacks, operators repair tasks by hand.
func (h *httpHandler) authorizeTaskUpdate(c *gin.Context) {
	token, ok := h.bearerToken(c)
	if !ok {
		return
	}
	subject, err := h.tokens.ValidateToken(token, auth.AudienceWorker)
	if err != nil {
		subject, err = h.tokens.ValidateToken(token, auth.AudienceAPI)
	}
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) bearerSubject(c *gin.Context, audience string) (string, bool) {
	token, ok := h.bearerToken(c)
	if !ok {
		return "", false
	}
	subject, err := h.tokens.ValidateToken(token, audience)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return subject, true
}

func (h *httpHandler) bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return "", false
	}
	return token, true
}

func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, document.ErrNotFound) || errors.Is(err, task.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, document.ErrInvalidReference),
		errors.Is(err, document.ErrUnknownKind),
		errors.Is(err, document.ErrUnknownField),
		errors.Is(err, document.ErrUnknownVersionType),
		errors.Is(err, task.ErrUnknownStatus):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	case errors.Is(err, task.ErrStaleAttempt):
		c.JSON(http.StatusConflict, gin.H{"error": "stale_attempt"})
	case errors.Is(err, saga.ErrSnapshotMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": "snapshot_mismatch"})
	case errors.Is(err, queue.ErrDeliveryFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "delivery_failed"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
