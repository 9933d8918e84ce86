package task

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	sqlite "github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ScriptHelper2024/scripthelper-backend/internal/document"
	"github.com/ScriptHelper2024/scripthelper-backend/internal/events"
	"github.com/ScriptHelper2024/scripthelper-backend/internal/queue"
)

const testChannel = "generation-tasks"

type sequenceIDProvider struct {
	counter int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.counter++
	return fmt.Sprintf("task-%04d", p.counter), nil
}

type failingPublisher struct{}

func (failingPublisher) PublishTask(context.Context, string) error {
	return errors.Join(queue.ErrDeliveryFailed, errors.New("broker offline"))
}

type recordingHandler struct {
	calls []GenerationTask
	err   error
}

func (h *recordingHandler) HandleCompletion(_ context.Context, record *GenerationTask) error {
	h.calls = append(h.calls, *record)
	return h.err
}

type ledgerFixture struct {
	ledger *Ledger
	db     *gorm.DB
	redis  *miniredis.Miniredis
	bus    *events.Bus
	now    *time.Time
}

func newLedgerFixture(t *testing.T, name string) *ledgerFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&GenerationTask{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	redisServer := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: redisServer.Addr()})
	t.Cleanup(func() { client.Close() })

	taskQueue, err := queue.NewRedisQueue(queue.RedisQueueConfig{
		Client:  client,
		Channel: testChannel,
	})
	if err != nil {
		t.Fatalf("failed to build queue: %v", err)
	}

	now := time.Unix(1700000000, 0)
	bus := events.NewBus()
	ledger, err := NewLedger(LedgerConfig{
		Database:   db,
		Bus:        bus,
		Queue:      taskQueue,
		IDProvider: &sequenceIDProvider{},
		Clock: func() time.Time {
			return now
		},
	})
	if err != nil {
		t.Fatalf("failed to build ledger: %v", err)
	}
	return &ledgerFixture{ledger: ledger, db: db, redis: redisServer, bus: bus, now: &now}
}

func mustEnqueue(t *testing.T, fixture *ledgerFixture) GenerationTask {
	t.Helper()
	record, err := fixture.ledger.Enqueue(context.Background(), EnqueueRequest{
		ProjectID:  "project-1",
		TargetKind: document.KindStoryText,
		TargetID:   "version-1",
		PromptText: "write the next draft",
		CreatedBy:  "user-1",
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	return record
}

func TestEnqueuePersistsAndDelivers(t *testing.T) {
	fixture := newLedgerFixture(t, "ledger_enqueue")

	var published []string
	fixture.bus.Subscribe(events.TypeTaskUpdated, func(event events.Event) {
		published = append(published, event.Type)
	})

	record := mustEnqueue(t, fixture)
	if record.Status != StatusPending {
		t.Fatalf("expected pending status, got %q", record.Status)
	}
	if record.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", record.Attempt)
	}
	metadata, err := record.Metadata()
	if err != nil {
		t.Fatalf("metadata decode failed: %v", err)
	}
	if metadata[MetaCreatedBy] != "user-1" {
		t.Fatalf("expected created_by seeded into metadata, got %v", metadata)
	}

	delivered, err := fixture.redis.List(testChannel)
	if err != nil {
		t.Fatalf("failed to read delivery list: %v", err)
	}
	if len(delivered) != 1 || delivered[0] != record.ID {
		t.Fatalf("expected task id on the delivery list, got %v", delivered)
	}
	if len(published) != 1 {
		t.Fatalf("expected one task_updated event, got %d", len(published))
	}
}

func TestEnqueueDeliveryFailureLeavesTaskPending(t *testing.T) {
	fixture := newLedgerFixture(t, "ledger_delivery_failure")
	ledger, err := NewLedger(LedgerConfig{
		Database:   fixture.db,
		Queue:      failingPublisher{},
		IDProvider: &sequenceIDProvider{counter: 100},
	})
	if err != nil {
		t.Fatalf("failed to build ledger: %v", err)
	}

	record, err := ledger.Enqueue(context.Background(), EnqueueRequest{
		ProjectID:  "project-1",
		TargetKind: document.KindStoryText,
		TargetID:   "version-1",
	})
	if err == nil {
		t.Fatalf("expected delivery error")
	}
	if !errors.Is(err, queue.ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	if record.ID == "" {
		t.Fatalf("expected persisted record to be returned alongside the error")
	}

	stored, err := ledger.Get(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Status != StatusPending {
		t.Fatalf("expected task to stay pending, got %q", stored.Status)
	}
}

func TestUpdateStampsProcessingStart(t *testing.T) {
	fixture := newLedgerFixture(t, "ledger_processing")
	record := mustEnqueue(t, fixture)

	processing := StatusProcessing
	updated, err := fixture.ledger.Update(context.Background(), record.ID, UpdateRequest{Status: &processing})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.ProcessingStartedAt == nil {
		t.Fatalf("expected processing start to be stamped")
	}
	firstStamp := *updated.ProcessingStartedAt

	// a second processing update must not move the stamp.
	*fixture.now = fixture.now.Add(time.Minute)
	again, err := fixture.ledger.Update(context.Background(), record.ID, UpdateRequest{Status: &processing})
	if err != nil {
		t.Fatalf("second update failed: %v", err)
	}
	if again.ProcessingStartedAt == nil || !again.ProcessingStartedAt.Equal(firstStamp) {
		t.Fatalf("expected processing start to be stable, got %v", again.ProcessingStartedAt)
	}
}

func TestUpdateRejectsStaleAttempt(t *testing.T) {
	fixture := newLedgerFixture(t, "ledger_stale_attempt")
	record := mustEnqueue(t, fixture)

	if _, err := fixture.ledger.Reset(context.Background(), record.ID); err != nil {
		t.Fatalf("reset failed: %v", err)
	}

	// a callback from the pre-reset worker carries the old attempt.
	completed := StatusCompleted
	result := "late result"
	staleAttempt := 1
	_, err := fixture.ledger.Update(context.Background(), record.ID, UpdateRequest{
		Status:  &completed,
		Result:  &result,
		Attempt: &staleAttempt,
	})
	if !errors.Is(err, ErrStaleAttempt) {
		t.Fatalf("expected ErrStaleAttempt, got %v", err)
	}

	stored, err := fixture.ledger.Get(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Status != StatusPending || stored.Result != "" {
		t.Fatalf("expected rejected update to change nothing, got %+v", stored)
	}

	// the current attempt is accepted.
	freshAttempt := 2
	accepted, err := fixture.ledger.Update(context.Background(), record.ID, UpdateRequest{
		Status:  &completed,
		Result:  &result,
		Attempt: &freshAttempt,
	})
	if err != nil {
		t.Fatalf("fresh update failed: %v", err)
	}
	if accepted.Status != StatusCompleted || accepted.Result != result {
		t.Fatalf("expected fresh attempt to apply, got %+v", accepted)
	}
}

func TestResetClearsDerivedFieldsAndRepublishes(t *testing.T) {
	fixture := newLedgerFixture(t, "ledger_reset")
	record := mustEnqueue(t, fixture)

	processing := StatusProcessing
	result := "partial"
	tokens := int64(42)
	if _, err := fixture.ledger.Update(context.Background(), record.ID, UpdateRequest{
		Status:       &processing,
		Result:       &result,
		PromptTokens: &tokens,
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	resetEvents := 0
	fixture.bus.Subscribe(events.TypeTaskReset, func(events.Event) {
		resetEvents++
	})

	reset, err := fixture.ledger.Reset(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if reset.Status != StatusPending || reset.Result != "" || reset.PromptTokens != 0 || reset.ProcessingStartedAt != nil {
		t.Fatalf("expected derived fields cleared, got %+v", reset)
	}
	if reset.Attempt != 2 {
		t.Fatalf("expected attempt incremented to 2, got %d", reset.Attempt)
	}
	if resetEvents != 1 {
		t.Fatalf("expected one task_reset event, got %d", resetEvents)
	}

	delivered, err := fixture.redis.List(testChannel)
	if err != nil {
		t.Fatalf("failed to read delivery list: %v", err)
	}
	if len(delivered) != 2 {
		t.Fatalf("expected enqueue and reset deliveries, got %v", delivered)
	}
}

func TestCompletedUpdateRunsCompletionHandler(t *testing.T) {
	fixture := newLedgerFixture(t, "ledger_completion")
	handler := &recordingHandler{}
	fixture.ledger.SetCompletionHandler(handler)
	record := mustEnqueue(t, fixture)

	completed := StatusCompleted
	result := "final text"
	if _, err := fixture.ledger.Update(context.Background(), record.ID, UpdateRequest{
		Status: &completed,
		Result: &result,
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if len(handler.calls) != 1 {
		t.Fatalf("expected one completion call, got %d", len(handler.calls))
	}
	if handler.calls[0].Result != result {
		t.Fatalf("expected completion to see the stored result, got %q", handler.calls[0].Result)
	}
}

func TestCompletionHandlerErrorPropagatesButTaskStaysCompleted(t *testing.T) {
	fixture := newLedgerFixture(t, "ledger_completion_error")
	handlerErr := errors.New("derive exploded")
	fixture.ledger.SetCompletionHandler(&recordingHandler{err: handlerErr})
	record := mustEnqueue(t, fixture)

	completed := StatusCompleted
	_, err := fixture.ledger.Update(context.Background(), record.ID, UpdateRequest{Status: &completed})
	if !errors.Is(err, handlerErr) {
		t.Fatalf("expected handler error to propagate, got %v", err)
	}

	stored, err := fixture.ledger.Get(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Status != StatusCompleted {
		t.Fatalf("expected task to stay completed, got %q", stored.Status)
	}
}

func TestRepublishStaleRedeliversOldPendingTasks(t *testing.T) {
	fixture := newLedgerFixture(t, "ledger_republish")
	record := mustEnqueue(t, fixture)
	fixture.redis.FlushAll()

	*fixture.now = fixture.now.Add(30 * time.Minute)
	republished, err := fixture.ledger.RepublishStale(context.Background(), 10*time.Minute)
	if err != nil {
		t.Fatalf("republish failed: %v", err)
	}
	if republished != 1 {
		t.Fatalf("expected one republished task, got %d", republished)
	}

	delivered, err := fixture.redis.List(testChannel)
	if err != nil {
		t.Fatalf("failed to read delivery list: %v", err)
	}
	if len(delivered) != 1 || delivered[0] != record.ID {
		t.Fatalf("expected stale task re-delivered, got %v", delivered)
	}

	// recent tasks are left alone.
	fixture.redis.FlushAll()
	republished, err = fixture.ledger.RepublishStale(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("second republish failed: %v", err)
	}
	if republished != 0 {
		t.Fatalf("expected no recent tasks republished, got %d", republished)
	}
}
