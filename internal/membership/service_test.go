package membership

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/corates/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/project"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/users"
)

type recordingSync struct {
	mu       sync.Mutex
	projects []string
	initial  map[string][]project.Member
	members  []string
	deleted  []string
	failWith error
}

func (r *recordingSync) SyncProject(_ context.Context, projectID string, patch project.MetadataPatch, initialMembers []project.Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := ""
	if patch.Name != nil {
		name = *patch.Name
	}
	r.projects = append(r.projects, projectID+":"+name)
	if initialMembers != nil {
		if r.initial == nil {
			r.initial = make(map[string][]project.Member)
		}
		r.initial[projectID] = initialMembers
	}
	return r.failWith
}

func (r *recordingSync) SyncMember(_ context.Context, projectID string, action project.MemberAction, member project.Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members = append(r.members, fmt.Sprintf("%s:%s:%s:%s", projectID, action, member.UserID, member.Role))
	return r.failWith
}

func (r *recordingSync) DeleteProject(_ context.Context, projectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, projectID)
	return r.failWith
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) NotifyUser(_ context.Context, userID string, event notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, userID+":"+event.Type)
}

func (n *recordingNotifier) NotifyUsers(ctx context.Context, userIDs []string, event notify.Event, excludeUserID string) {
	for _, userID := range userIDs {
		if userID != excludeUserID {
			n.NotifyUser(ctx, userID, event)
		}
	}
}

type staticProfiles map[string]users.Profile

func (p staticProfiles) Profile(_ context.Context, userID string) (users.Profile, error) {
	profile, ok := p[userID]
	if !ok {
		return users.Profile{}, errors.New("unknown user")
	}
	return profile, nil
}

type sequenceIDs struct{ next int }

func (s *sequenceIDs) NewID() (string, error) {
	s.next++
	return fmt.Sprintf("project-%d", s.next), nil
}

type fixture struct {
	service  *Service
	sync     *recordingSync
	notifier *recordingNotifier
	database *gorm.DB
}

func newFixture(testContext *testing.T) fixture {
	testContext.Helper()
	return newFixtureWith(testContext, nil)
}

func newFixtureWith(testContext *testing.T, adjust func(cfg *ServiceConfig)) fixture {
	testContext.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(testContext.Name())
	database, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if err := database.AutoMigrate(Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	syncer := &recordingSync{}
	notifier := &recordingNotifier{}
	cfg := ServiceConfig{
		Database:   database,
		Clock:      func() time.Time { return time.Unix(1700000000, 0) },
		IDProvider: &sequenceIDs{},
		Sync:       syncer,
		Notifier:   notifier,
		Profiles:   staticProfiles{"alice": {UserID: "alice", DisplayName: "Alice"}},
	}
	if adjust != nil {
		adjust(&cfg)
	}
	service, err := NewService(cfg)
	if err != nil {
		testContext.Fatalf("failed to create service: %v", err)
	}
	return fixture{service: service, sync: syncer, notifier: notifier, database: database}
}

func mustProject(testContext *testing.T, f fixture, ownerID string) string {
	testContext.Helper()
	created, err := f.service.CreateProject(context.Background(), ownerID, ProjectInput{Name: "  Exercise review "})
	if err != nil {
		testContext.Fatalf("create project failed: %v", err)
	}
	return created.ID
}

func TestCreateProjectSeedsOwnerIntoDocument(testContext *testing.T) {
	f := newFixture(testContext)
	projectID := mustProject(testContext, f, "alice")
	f.service.Wait()

	role, err := f.service.ProjectRole(context.Background(), projectID, "alice")
	if err != nil || role != project.RoleOwner {
		testContext.Fatalf("expected owner role, got %q (%v)", role, err)
	}
	if len(f.sync.projects) != 1 || f.sync.projects[0] != projectID+":Exercise review" {
		testContext.Fatalf("expected trimmed project sync, got %v", f.sync.projects)
	}
	initial := f.sync.initial[projectID]
	if len(initial) != 1 || initial[0].UserID != "alice" || initial[0].DisplayName != "Alice" || initial[0].JoinedAt != 1700000000000 {
		testContext.Fatalf("unexpected initial members %+v", initial)
	}

	projects, err := f.service.ListProjects(context.Background(), "alice")
	if err != nil || len(projects) != 1 || projects[0].Role != project.RoleOwner {
		testContext.Fatalf("expected one owned project, got %+v (%v)", projects, err)
	}
}

func TestCreateProjectRejectsBlankName(testContext *testing.T) {
	f := newFixture(testContext)
	_, err := f.service.CreateProject(context.Background(), "alice", ProjectInput{Name: "   "})
	if !errors.Is(err, project.ErrValidation) {
		testContext.Fatalf("expected validation error, got %v", err)
	}
}

func TestLastOwnerProtection(testContext *testing.T) {
	f := newFixture(testContext)
	ctx := context.Background()
	projectID := mustProject(testContext, f, "alice")

	if _, err := f.service.UpdateMemberRole(ctx, "alice", projectID, "alice", project.RoleMember); !errors.Is(err, ErrLastOwner) {
		testContext.Fatalf("expected last-owner error on demote, got %v", err)
	}
	if err := f.service.RemoveMember(ctx, "alice", projectID, "alice"); !errors.Is(err, ErrLastOwner) {
		testContext.Fatalf("expected last-owner error on removal, got %v", err)
	}

	if _, err := f.service.AddMember(ctx, "alice", projectID, "bob", project.RoleOwner); err != nil {
		testContext.Fatalf("add second owner failed: %v", err)
	}
	if _, err := f.service.UpdateMemberRole(ctx, "alice", projectID, "alice", project.RoleMember); err != nil {
		testContext.Fatalf("expected demotion to succeed with a second owner, got %v", err)
	}
	role, err := f.service.ProjectRole(ctx, projectID, "alice")
	if err != nil || role != project.RoleMember {
		testContext.Fatalf("expected alice demoted to member, got %q (%v)", role, err)
	}
}

func TestMembershipChangesPropagate(testContext *testing.T) {
	f := newFixture(testContext)
	ctx := context.Background()
	projectID := mustProject(testContext, f, "alice")

	if _, err := f.service.AddMember(ctx, "alice", projectID, "bob", project.RoleMember); err != nil {
		testContext.Fatalf("add failed: %v", err)
	}
	if _, err := f.service.UpdateMemberRole(ctx, "alice", projectID, "bob", project.RoleViewer); err != nil {
		testContext.Fatalf("update failed: %v", err)
	}
	if err := f.service.RemoveMember(ctx, "alice", projectID, "bob"); err != nil {
		testContext.Fatalf("remove failed: %v", err)
	}
	f.service.Wait()

	want := []string{
		projectID + ":add:bob:member",
		projectID + ":update:bob:viewer",
		projectID + ":remove:bob:viewer",
	}
	if fmt.Sprint(f.sync.members) != fmt.Sprint(want) {
		testContext.Fatalf("expected member syncs %v, got %v", want, f.sync.members)
	}
	wantEvents := []string{
		"bob:" + notify.EventMembershipAdded,
		"bob:" + notify.EventMembershipUpdated,
		"bob:" + notify.EventMembershipRemoved,
	}
	if fmt.Sprint(f.notifier.events) != fmt.Sprint(wantEvents) {
		testContext.Fatalf("expected events %v, got %v", wantEvents, f.notifier.events)
	}

	_, err := f.service.ProjectRole(ctx, projectID, "bob")
	if !errors.Is(err, ErrNotMember) || !errors.Is(err, project.ErrAccessDenied) {
		testContext.Fatalf("expected removed member to be denied, got %v", err)
	}
}

func TestSyncFailureDoesNotFailRelationalWrite(testContext *testing.T) {
	f := newFixture(testContext)
	f.sync.failWith = errors.New("bridge down")
	ctx := context.Background()
	projectID := mustProject(testContext, f, "alice")

	if _, err := f.service.AddMember(ctx, "alice", projectID, "bob", project.RoleMember); err != nil {
		testContext.Fatalf("expected add to succeed despite sync failure, got %v", err)
	}
	f.service.Wait()
	if role, err := f.service.ProjectRole(ctx, projectID, "bob"); err != nil || role != project.RoleMember {
		testContext.Fatalf("expected bob committed as member, got %q (%v)", role, err)
	}
}

func TestOnlyOwnersManageMembers(testContext *testing.T) {
	f := newFixture(testContext)
	ctx := context.Background()
	projectID := mustProject(testContext, f, "alice")
	if _, err := f.service.AddMember(ctx, "alice", projectID, "bob", project.RoleMember); err != nil {
		testContext.Fatalf("add failed: %v", err)
	}

	if _, err := f.service.AddMember(ctx, "bob", projectID, "carol", project.RoleMember); !errors.Is(err, ErrInsufficientRole) {
		testContext.Fatalf("expected insufficient role, got %v", err)
	}
	if _, err := f.service.AddMember(ctx, "mallory", projectID, "carol", project.RoleMember); !errors.Is(err, ErrNotMember) {
		testContext.Fatalf("expected not-member, got %v", err)
	}
	if _, err := f.service.AddMember(ctx, "alice", projectID, "bob", project.RoleViewer); !errors.Is(err, ErrAlreadyMember) {
		testContext.Fatalf("expected already-member, got %v", err)
	}
	if _, err := f.service.AddMember(ctx, "alice", projectID, "carol", project.Role("admin")); !errors.Is(err, project.ErrValidation) {
		testContext.Fatalf("expected invalid role, got %v", err)
	}
	if _, err := f.service.AddMember(ctx, "alice", "project-missing", "carol", project.RoleMember); !errors.Is(err, ErrProjectNotFound) {
		testContext.Fatalf("expected project not found, got %v", err)
	}

	if err := f.service.RemoveMember(ctx, "bob", projectID, "bob"); err != nil {
		testContext.Fatalf("expected member to leave on their own, got %v", err)
	}
}

func TestDeleteProjectTearsDownAndNotifiesOthers(testContext *testing.T) {
	f := newFixture(testContext)
	ctx := context.Background()
	projectID := mustProject(testContext, f, "alice")
	for _, userID := range []string{"bob", "carol"} {
		if _, err := f.service.AddMember(ctx, "alice", projectID, userID, project.RoleMember); err != nil {
			testContext.Fatalf("add failed: %v", err)
		}
	}
	f.service.Wait()
	f.notifier.events = nil

	if err := f.service.DeleteProject(ctx, "bob", projectID); !errors.Is(err, ErrInsufficientRole) {
		testContext.Fatalf("expected members to be unable to delete, got %v", err)
	}
	if err := f.service.DeleteProject(ctx, "alice", projectID); err != nil {
		testContext.Fatalf("delete failed: %v", err)
	}
	f.service.Wait()

	if len(f.sync.deleted) != 1 || f.sync.deleted[0] != projectID {
		testContext.Fatalf("expected document teardown, got %v", f.sync.deleted)
	}
	if len(f.notifier.events) != 2 {
		testContext.Fatalf("expected two notifications excluding the actor, got %v", f.notifier.events)
	}
	for _, event := range f.notifier.events {
		if strings.HasPrefix(event, "alice:") || !strings.HasSuffix(event, notify.EventProjectDeleted) {
			testContext.Fatalf("unexpected notification %q", event)
		}
	}
	if projects, _ := f.service.ListProjects(ctx, "bob"); len(projects) != 0 {
		testContext.Fatalf("expected no projects after delete, got %+v", projects)
	}
}

func TestUpdateProjectRenamesAndSyncs(testContext *testing.T) {
	f := newFixture(testContext)
	ctx := context.Background()
	projectID := mustProject(testContext, f, "alice")
	f.service.Wait()

	name := "Renamed"
	updated, err := f.service.UpdateProject(ctx, "alice", projectID, ProjectChanges{Name: &name})
	if err != nil {
		testContext.Fatalf("update failed: %v", err)
	}
	f.service.Wait()
	if updated.Name != "Renamed" {
		testContext.Fatalf("expected renamed project, got %+v", updated)
	}
	if last := f.sync.projects[len(f.sync.projects)-1]; last != projectID+":Renamed" {
		testContext.Fatalf("expected rename sync, got %v", f.sync.projects)
	}
}

func TestOwnerCountLocksOwnerRows(testContext *testing.T) {
	f := newFixture(testContext)
	ctx := context.Background()
	projectID := mustProject(testContext, f, "alice")
	if _, err := f.service.AddMember(ctx, "alice", projectID, "bob", project.RoleOwner); err != nil {
		testContext.Fatalf("add second owner failed: %v", err)
	}

	var lockedOwnerReads atomic.Int32
	err := f.database.Callback().Query().Before("gorm:query").Register("test:owner_lock", func(db *gorm.DB) {
		forClause, ok := db.Statement.Clauses["FOR"]
		if !ok {
			return
		}
		if locking, ok := forClause.Expression.(clause.Locking); ok && locking.Strength == "UPDATE" {
			lockedOwnerReads.Add(1)
		}
	})
	if err != nil {
		testContext.Fatalf("register callback: %v", err)
	}

	if _, err := f.service.UpdateMemberRole(ctx, "alice", projectID, "bob", project.RoleMember); err != nil {
		testContext.Fatalf("demote with a second owner failed: %v", err)
	}
	if lockedOwnerReads.Load() == 0 {
		testContext.Fatalf("expected the owner count to read owner rows for update")
	}
	if _, err := f.service.UpdateMemberRole(ctx, "alice", projectID, "alice", project.RoleMember); !errors.Is(err, ErrLastOwner) {
		testContext.Fatalf("expected last-owner error, got %v", err)
	}
}

type gatedSync struct {
	recordingSync
	gate chan struct{}
}

func (g *gatedSync) SyncProject(ctx context.Context, projectID string, patch project.MetadataPatch, initialMembers []project.Member) error {
	<-g.gate
	return g.recordingSync.SyncProject(ctx, projectID, patch, initialMembers)
}

func TestFullPropagationQueueDoesNotBlockCommits(testContext *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	syncer := &gatedSync{gate: make(chan struct{})}
	f := newFixtureWith(testContext, func(cfg *ServiceConfig) {
		cfg.Sync = syncer
		cfg.Logger = zap.New(core)
		cfg.QueueSize = 1
	})

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 3; i++ {
			if _, err := f.service.CreateProject(context.Background(), "alice", ProjectInput{Name: fmt.Sprintf("Review %d", i)}); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	select {
	case err := <-done:
		if err != nil {
			close(syncer.gate)
			testContext.Fatalf("create project failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		close(syncer.gate)
		testContext.Fatalf("project creation blocked on a full propagation queue")
	}
	close(syncer.gate)
	f.service.Wait()

	projects, err := f.service.ListProjects(context.Background(), "alice")
	if err != nil || len(projects) != 3 {
		testContext.Fatalf("expected three committed projects, got %d (%v)", len(projects), err)
	}
	dropped := logs.FilterMessage("propagation queue full, change not propagated").All()
	if len(dropped) == 0 || dropped[0].Level != zapcore.ErrorLevel {
		testContext.Fatalf("expected a dropped propagation to be logged at error, got %+v", dropped)
	}
	syncer.mu.Lock()
	synced := len(syncer.projects)
	syncer.mu.Unlock()
	if synced+len(dropped) != 3 {
		testContext.Fatalf("expected every change synced or dropped, got %d synced and %d dropped", synced, len(dropped))
	}
}
