package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/MarcoPoloResearchLab/corates/backend/internal/crdt"
)

func mustService(testContext *testing.T) *Service {
	testContext.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(testContext.Name())
	database, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if err := database.AutoMigrate(Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: database,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0).UTC()
		},
	})
	if err != nil {
		testContext.Fatalf("failed to create service: %v", err)
	}
	return service
}

func mustUpdate(testContext *testing.T, doc *crdt.Doc, key, value string) []byte {
	testContext.Helper()
	update, err := doc.Transact(func() error {
		return doc.Map("meta").Set(key, value)
	})
	if err != nil {
		testContext.Fatalf("transact failed: %v", err)
	}
	return update
}

func rebuild(testContext *testing.T, state State) *crdt.Doc {
	testContext.Helper()
	doc := crdt.NewDoc(0)
	if len(state.Snapshot) > 0 {
		if err := doc.LoadSnapshot(state.Snapshot); err != nil {
			testContext.Fatalf("load snapshot failed: %v", err)
		}
	}
	for _, update := range state.Updates {
		if _, err := doc.ApplyUpdate(update); err != nil {
			testContext.Fatalf("apply update failed: %v", err)
		}
	}
	return doc
}

func TestAppendUpdateDeduplicatesIdenticalPayloads(testContext *testing.T) {
	service := mustService(testContext)
	author := crdt.NewDoc(1)
	update := mustUpdate(testContext, author, "name", "Review")

	first, err := service.AppendUpdate(context.Background(), "project-1", update)
	if err != nil {
		testContext.Fatalf("append failed: %v", err)
	}
	if first.Duplicate {
		testContext.Fatalf("expected first append to be new")
	}
	second, err := service.AppendUpdate(context.Background(), "project-1", update)
	if err != nil {
		testContext.Fatalf("append failed: %v", err)
	}
	if !second.Duplicate || second.UpdateID != first.UpdateID {
		testContext.Fatalf("expected duplicate reusing id %d, got %+v", first.UpdateID, second)
	}

	other, err := service.AppendUpdate(context.Background(), "project-2", update)
	if err != nil {
		testContext.Fatalf("append failed: %v", err)
	}
	if other.Duplicate {
		testContext.Fatalf("expected dedupe to be scoped per project")
	}
}

func TestAppendUpdateRejectsEmptyInput(testContext *testing.T) {
	service := mustService(testContext)
	_, err := service.AppendUpdate(context.Background(), "project-1", nil)
	if !errors.Is(err, ErrAppendFailed) {
		testContext.Fatalf("expected ErrAppendFailed, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "persistence.append_update.empty_update" {
		testContext.Fatalf("unexpected error code: %v", err)
	}
	_, err = service.AppendUpdate(context.Background(), " ", []byte("x"))
	if !errors.Is(err, ErrAppendFailed) {
		testContext.Fatalf("expected ErrAppendFailed for blank project, got %v", err)
	}
}

func TestLoadLatestReplaysTailInOrder(testContext *testing.T) {
	service := mustService(testContext)
	author := crdt.NewDoc(1)
	for _, value := range []string{"first", "second", "third"} {
		if _, err := service.AppendUpdate(context.Background(), "project-1", mustUpdate(testContext, author, "name", value)); err != nil {
			testContext.Fatalf("append failed: %v", err)
		}
	}

	state, err := service.LoadLatest(context.Background(), "project-1")
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if len(state.Updates) != 3 || len(state.Snapshot) != 0 {
		testContext.Fatalf("expected 3 updates and no snapshot, got %d/%d", len(state.Updates), len(state.Snapshot))
	}
	if got := rebuild(testContext, state).Map("meta").GetString("name"); got != "third" {
		testContext.Fatalf("expected replayed name third, got %q", got)
	}

	empty, err := service.LoadLatest(context.Background(), "project-missing")
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if !empty.Empty() {
		testContext.Fatalf("expected empty state for unknown project")
	}
}

type failedStatements struct {
	gormlogger.Interface
	mu     sync.Mutex
	errors []error
}

func (f *failedStatements) LogMode(gormlogger.LogLevel) gormlogger.Interface {
	return f
}

func (f *failedStatements) Trace(_ context.Context, _ time.Time, _ func() (string, int64), err error) {
	if err == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, err)
}

func TestLoadLatestWithoutSnapshotRunsNoFailingQuery(testContext *testing.T) {
	recorder := &failedStatements{Interface: gormlogger.Discard}
	name := strings.NewReplacer("/", "_", " ", "_").Replace(testContext.Name())
	database, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{Logger: recorder})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if err := database.AutoMigrate(Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: database})
	if err != nil {
		testContext.Fatalf("failed to create service: %v", err)
	}
	if _, err := service.AppendUpdate(context.Background(), "project-1", mustUpdate(testContext, crdt.NewDoc(1), "name", "first")); err != nil {
		testContext.Fatalf("append failed: %v", err)
	}

	state, err := service.LoadLatest(context.Background(), "project-1")
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if len(state.Snapshot) != 0 || len(state.Updates) != 1 {
		testContext.Fatalf("expected one update and no snapshot, got %d/%d", len(state.Updates), len(state.Snapshot))
	}
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.errors) != 0 {
		testContext.Fatalf("expected no failing statements, got %v", recorder.errors)
	}
}

func TestCompactFoldsTailIntoSnapshot(testContext *testing.T) {
	service := mustService(testContext)
	author := crdt.NewDoc(1)
	for _, value := range []string{"a", "b"} {
		if _, err := service.AppendUpdate(context.Background(), "project-1", mustUpdate(testContext, author, "name", value)); err != nil {
			testContext.Fatalf("append failed: %v", err)
		}
	}

	result, err := service.Compact(context.Background(), "project-1")
	if err != nil {
		testContext.Fatalf("compact failed: %v", err)
	}
	if result.FoldedUpdates != 2 || result.Epoch != 1 {
		testContext.Fatalf("unexpected compaction result %+v", result)
	}

	if _, err := service.AppendUpdate(context.Background(), "project-1", mustUpdate(testContext, author, "description", "tail")); err != nil {
		testContext.Fatalf("append failed: %v", err)
	}
	state, err := service.LoadLatest(context.Background(), "project-1")
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if len(state.Snapshot) == 0 || len(state.Updates) != 1 {
		testContext.Fatalf("expected snapshot plus one tail update, got %d updates", len(state.Updates))
	}
	doc := rebuild(testContext, state)
	if doc.Map("meta").GetString("name") != "b" || doc.Map("meta").GetString("description") != "tail" {
		testContext.Fatalf("unexpected rebuilt state %v", doc.ToJSON())
	}
	if !doc.StateVector().Covers(author.StateVector()) {
		testContext.Fatalf("expected rebuilt vector to cover author")
	}

	second, err := service.Compact(context.Background(), "project-1")
	if err != nil {
		testContext.Fatalf("second compact failed: %v", err)
	}
	if second.Epoch != 2 {
		testContext.Fatalf("expected epoch 2, got %d", second.Epoch)
	}
}

func TestListCompactionCandidatesAndPurge(testContext *testing.T) {
	service := mustService(testContext)
	author := crdt.NewDoc(1)
	for i := 0; i < 3; i++ {
		if _, err := service.AppendUpdate(context.Background(), "busy", mustUpdate(testContext, author, "n", fmt.Sprint(i))); err != nil {
			testContext.Fatalf("append failed: %v", err)
		}
	}
	if _, err := service.AppendUpdate(context.Background(), "quiet", mustUpdate(testContext, author, "n", "q")); err != nil {
		testContext.Fatalf("append failed: %v", err)
	}

	candidates, err := service.ListCompactionCandidates(context.Background(), 2)
	if err != nil {
		testContext.Fatalf("list candidates failed: %v", err)
	}
	if len(candidates) != 1 || candidates[0] != "busy" {
		testContext.Fatalf("expected only busy project, got %v", candidates)
	}

	if _, err := service.Compact(context.Background(), "busy"); err != nil {
		testContext.Fatalf("compact failed: %v", err)
	}
	if err := service.Purge(context.Background(), "busy"); err != nil {
		testContext.Fatalf("purge failed: %v", err)
	}
	state, err := service.LoadLatest(context.Background(), "busy")
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if !state.Empty() {
		testContext.Fatalf("expected purged project to be empty")
	}
}
