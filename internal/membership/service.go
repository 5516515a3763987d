package membership

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/corates/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/project"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/users"
)

var (
	// ErrNotMember marks a user with no role in the project.
	ErrNotMember = fmt.Errorf("%w: not a project member", project.ErrAccessDenied)
	// ErrInsufficientRole marks a member whose role does not allow the action.
	ErrInsufficientRole = fmt.Errorf("%w: insufficient role", project.ErrAccessDenied)
	// ErrLastOwner rejects demoting or removing a project's only owner.
	ErrLastOwner = errors.New("membership: project must keep an owner")
	// ErrProjectNotFound marks an unknown project.
	ErrProjectNotFound = fmt.Errorf("%w: project", project.ErrNotFound)
	// ErrAlreadyMember rejects adding an existing member.
	ErrAlreadyMember = fmt.Errorf("%w: already a member", project.ErrValidation)

	errMissingDatabase = errors.New("database handle is required")
	inputValidate      = validator.New()
)

// ServiceError carries a stable operation.reason code alongside its cause.
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

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "membership.service.new"
	opCreateProject    = "membership.create_project"
	opUpdateProject    = "membership.update_project"
	opDeleteProject    = "membership.delete_project"
	opAddMember        = "membership.add_member"
	opUpdateMemberRole = "membership.update_member_role"
	opRemoveMember     = "membership.remove_member"
	reasonMissingDB    = "missing_database"
	reasonInvalidInput = "invalid_input"
	reasonIDFailed     = "id_generation_failed"
	reasonWriteFailed  = "write_failed"
	fieldProjectID     = "project_id"
	fieldUserID        = "user_id"
	queryProject       = "project_id = ?"
	queryProjectUser   = "project_id = ? AND user_id = ?"
	queryProjectRole   = "project_id = ? AND role = ?"
	sideEffectTimeout  = 30 * time.Second

	propagationQueueSize = 256
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Syncer mirrors relational changes into the live project document.
type Syncer interface {
	SyncProject(ctx context.Context, projectID string, patch project.MetadataPatch, initialMembers []project.Member) error
	SyncMember(ctx context.Context, projectID string, action project.MemberAction, member project.Member) error
	DeleteProject(ctx context.Context, projectID string) error
}

// Notifier pushes events to users' notification sockets.
type Notifier interface {
	NotifyUser(ctx context.Context, userID string, event notify.Event)
	NotifyUsers(ctx context.Context, userIDs []string, event notify.Event, excludeUserID string)
}

// ProfileLookup returns the display profile of a user.
type ProfileLookup interface {
	Profile(ctx context.Context, userID string) (users.Profile, error)
}

// ServiceConfig wires the membership service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider project.IDProvider
	Sync       Syncer
	Notifier   Notifier
	Profiles   ProfileLookup
	Logger     *zap.Logger
	// QueueSize bounds pending background propagations; zero selects the
	// default.
	QueueSize int
}

// Service is the system of record for projects and their members. Every
// change commits relationally first; the live document and user sockets are
// then updated in the background, and their failures never undo the commit.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider project.IDProvider
	syncer     Syncer
	notifier   Notifier
	profiles   ProfileLookup
	logger     *zap.Logger

	queue       chan propagation
	startWorker sync.Once
	background  sync.WaitGroup
}

// NewService validates cfg and builds a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDB, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = project.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = propagationQueueSize
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		syncer:     cfg.Sync,
		notifier:   cfg.Notifier,
		profiles:   cfg.Profiles,
		logger:     logger,
		queue:      make(chan propagation, queueSize),
	}, nil
}

// Wait blocks until every queued propagation has finished.
func (s *Service) Wait() {
	s.background.Wait()
}

// ProjectRole returns userID's role in projectID, reading the relational
// store on every call.
func (s *Service) ProjectRole(ctx context.Context, projectID, userID string) (project.Role, error) {
	return readRole(s.db.WithContext(ctx), projectID, userID)
}

// RoleReader answers role lookups from the relational store. Rooms check
// membership through it.
type RoleReader struct {
	db *gorm.DB
}

// NewRoleReader builds a RoleReader over db.
func NewRoleReader(db *gorm.DB) *RoleReader {
	return &RoleReader{db: db}
}

// ProjectRole returns userID's role in projectID.
func (r *RoleReader) ProjectRole(ctx context.Context, projectID, userID string) (project.Role, error) {
	return readRole(r.db.WithContext(ctx), projectID, userID)
}

func readRole(db *gorm.DB, projectID, userID string) (project.Role, error) {
	var record Member
	err := db.Where(queryProjectUser, projectID, userID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotMember
	}
	if err != nil {
		return "", err
	}
	return project.ParseRole(record.Role)
}

// CreateProject creates a project owned by actorID.
func (s *Service) CreateProject(ctx context.Context, actorID string, input ProjectInput) (ProjectSummary, error) {
	input.Name = strings.TrimSpace(input.Name)
	if err := inputValidate.Struct(input); err != nil || strings.TrimSpace(actorID) == "" {
		return ProjectSummary{}, newServiceError(opCreateProject, reasonInvalidInput, fmt.Errorf("%w: %v", project.ErrValidation, err))
	}
	projectID, err := s.idProvider.NewID()
	if err != nil {
		return ProjectSummary{}, newServiceError(opCreateProject, reasonIDFailed, err)
	}
	now := s.clock().UTC().Unix()
	record := Project{
		ID:               projectID,
		Name:             input.Name,
		Description:      strings.TrimSpace(input.Description),
		OrgID:            strings.TrimSpace(input.OrgID),
		CreatedBy:        actorID,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	owner := Member{ProjectID: projectID, UserID: actorID, Role: string(project.RoleOwner), JoinedAtSeconds: now}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		return tx.Create(&owner).Error
	})
	if err != nil {
		s.logError(opCreateProject, reasonWriteFailed, err, zap.String(fieldProjectID, projectID))
		return ProjectSummary{}, newServiceError(opCreateProject, reasonWriteFailed, err)
	}

	createdAt := now * 1000
	patch := project.MetadataPatch{
		Name:        &record.Name,
		Description: &record.Description,
		OrgID:       &record.OrgID,
		CreatedAt:   &createdAt,
		UpdatedAt:   &createdAt,
	}
	s.propagate(opCreateProject, projectID, func(ctx context.Context) {
		if s.syncer == nil {
			return
		}
		initial := []project.Member{s.documentMember(ctx, owner)}
		if err := s.syncer.SyncProject(ctx, projectID, patch, initial); err != nil {
			s.logger.Warn("project sync failed", zap.String(fieldProjectID, projectID), zap.Error(err))
		}
	})
	return record.summary(project.RoleOwner), nil
}

// UpdateProject renames or re-describes a project. Owners only.
func (s *Service) UpdateProject(ctx context.Context, actorID, projectID string, changes ProjectChanges) (ProjectSummary, error) {
	if err := inputValidate.Struct(changes); err != nil {
		return ProjectSummary{}, newServiceError(opUpdateProject, reasonInvalidInput, fmt.Errorf("%w: %v", project.ErrValidation, err))
	}
	var record Project
	var memberIDs []string
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.requireRole(tx, projectID, actorID, project.RoleOwner); err != nil {
			return err
		}
		if err := tx.Where("id = ?", projectID).Take(&record).Error; err != nil {
			return err
		}
		updates := map[string]any{}
		if changes.Name != nil {
			record.Name = strings.TrimSpace(*changes.Name)
			updates["name"] = record.Name
		}
		if changes.Description != nil {
			record.Description = strings.TrimSpace(*changes.Description)
			updates["description"] = record.Description
		}
		if len(updates) == 0 {
			return nil
		}
		changed = true
		record.UpdatedAtSeconds = s.clock().UTC().Unix()
		updates["updated_at_s"] = record.UpdatedAtSeconds
		if err := tx.Model(&Project{}).Where("id = ?", projectID).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Model(&Member{}).Where(queryProject, projectID).Pluck("user_id", &memberIDs).Error
	})
	if err != nil {
		return ProjectSummary{}, s.wrap(opUpdateProject, projectID, err)
	}
	if !changed {
		return record.summary(project.RoleOwner), nil
	}

	updatedAt := record.UpdatedAtSeconds * 1000
	patch := project.MetadataPatch{UpdatedAt: &updatedAt}
	if changes.Name != nil {
		patch.Name = &record.Name
	}
	if changes.Description != nil {
		patch.Description = &record.Description
	}
	s.propagate(opUpdateProject, projectID, func(ctx context.Context) {
		if s.syncer != nil {
			if err := s.syncer.SyncProject(ctx, projectID, patch, nil); err != nil {
				s.logger.Warn("project sync failed", zap.String(fieldProjectID, projectID), zap.Error(err))
			}
		}
		s.notifyAll(ctx, memberIDs, notify.Event{Type: notify.EventProjectUpdated, ProjectID: projectID, ActorID: actorID}, actorID)
	})
	return record.summary(project.RoleOwner), nil
}

// DeleteProject removes a project and its membership, then disconnects its
// clients and discards its document. Owners only.
func (s *Service) DeleteProject(ctx context.Context, actorID, projectID string) error {
	var memberIDs []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.requireRole(tx, projectID, actorID, project.RoleOwner); err != nil {
			return err
		}
		if err := tx.Model(&Member{}).Where(queryProject, projectID).Pluck("user_id", &memberIDs).Error; err != nil {
			return err
		}
		if err := tx.Where(queryProject, projectID).Delete(&Member{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", projectID).Delete(&Project{}).Error
	})
	if err != nil {
		return s.wrap(opDeleteProject, projectID, err)
	}
	s.propagate(opDeleteProject, projectID, func(ctx context.Context) {
		if s.syncer != nil {
			if err := s.syncer.DeleteProject(ctx, projectID); err != nil {
				s.logger.Warn("project teardown failed", zap.String(fieldProjectID, projectID), zap.Error(err))
			}
		}
		s.notifyAll(ctx, memberIDs, notify.Event{Type: notify.EventProjectDeleted, ProjectID: projectID, ActorID: actorID}, actorID)
	})
	return nil
}

// ListProjects returns every project userID belongs to.
func (s *Service) ListProjects(ctx context.Context, userID string) ([]ProjectSummary, error) {
	var memberships []Member
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&memberships).Error; err != nil {
		return nil, err
	}
	if len(memberships) == 0 {
		return []ProjectSummary{}, nil
	}
	roles := make(map[string]project.Role, len(memberships))
	ids := make([]string, 0, len(memberships))
	for _, membership := range memberships {
		roles[membership.ProjectID] = project.Role(membership.Role)
		ids = append(ids, membership.ProjectID)
	}
	var projects []Project
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Order("updated_at_s DESC").Find(&projects).Error; err != nil {
		return nil, err
	}
	out := make([]ProjectSummary, 0, len(projects))
	for _, record := range projects {
		out = append(out, record.summary(roles[record.ID]))
	}
	return out, nil
}

// ListMembers returns the project's members to any member.
func (s *Service) ListMembers(ctx context.Context, actorID, projectID string) ([]project.Member, error) {
	if _, err := s.ProjectRole(ctx, projectID, actorID); err != nil {
		return nil, err
	}
	var records []Member
	if err := s.db.WithContext(ctx).Where(queryProject, projectID).Order("joined_at_s ASC, user_id ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	out := make([]project.Member, 0, len(records))
	for _, record := range records {
		out = append(out, s.documentMember(ctx, record))
	}
	return out, nil
}

// AddMember grants userID a role in the project. Owners only.
func (s *Service) AddMember(ctx context.Context, actorID, projectID, userID string, role project.Role) (project.Member, error) {
	role, err := project.ParseRole(string(role))
	if err != nil || strings.TrimSpace(userID) == "" {
		return project.Member{}, newServiceError(opAddMember, reasonInvalidInput, fmt.Errorf("%w: member %q role %q", project.ErrValidation, userID, role))
	}
	record := Member{ProjectID: projectID, UserID: strings.TrimSpace(userID), Role: string(role), JoinedAtSeconds: s.clock().UTC().Unix()}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.requireRole(tx, projectID, actorID, project.RoleOwner); err != nil {
			return err
		}
		var count int64
		if err := tx.Model(&Member{}).Where(queryProjectUser, projectID, record.UserID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrAlreadyMember
		}
		return tx.Create(&record).Error
	})
	if err != nil {
		return project.Member{}, s.wrap(opAddMember, projectID, err)
	}
	member := s.documentMember(ctx, record)
	s.propagateMember(opAddMember, projectID, project.MemberAdd, actorID, member, notify.EventMembershipAdded)
	return member, nil
}

// UpdateMemberRole changes a member's role. Owners only; the last owner
// cannot be demoted.
func (s *Service) UpdateMemberRole(ctx context.Context, actorID, projectID, userID string, role project.Role) (project.Member, error) {
	role, err := project.ParseRole(string(role))
	if err != nil {
		return project.Member{}, newServiceError(opUpdateMemberRole, reasonInvalidInput, err)
	}
	var record Member
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.requireRole(tx, projectID, actorID, project.RoleOwner); err != nil {
			return err
		}
		if err := tx.Where(queryProjectUser, projectID, userID).Take(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotMember
			}
			return err
		}
		if record.Role == string(role) {
			return nil
		}
		if record.Role == string(project.RoleOwner) {
			if err := s.requireAnotherOwner(tx, projectID); err != nil {
				return err
			}
		}
		record.Role = string(role)
		return tx.Model(&Member{}).Where(queryProjectUser, projectID, userID).Update("role", record.Role).Error
	})
	if err != nil {
		return project.Member{}, s.wrap(opUpdateMemberRole, projectID, err)
	}
	member := s.documentMember(ctx, record)
	s.propagateMember(opUpdateMemberRole, projectID, project.MemberUpdate, actorID, member, notify.EventMembershipUpdated)
	return member, nil
}

// RemoveMember revokes userID's membership. Owners may remove anyone and any
// member may remove themselves; the last owner cannot be removed.
func (s *Service) RemoveMember(ctx context.Context, actorID, projectID, userID string) error {
	var record Member
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if actorID != userID {
			if err := s.requireRole(tx, projectID, actorID, project.RoleOwner); err != nil {
				return err
			}
		}
		if err := tx.Where(queryProjectUser, projectID, userID).Take(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotMember
			}
			return err
		}
		if record.Role == string(project.RoleOwner) {
			if err := s.requireAnotherOwner(tx, projectID); err != nil {
				return err
			}
		}
		return tx.Where(queryProjectUser, projectID, userID).Delete(&Member{}).Error
	})
	if err != nil {
		return s.wrap(opRemoveMember, projectID, err)
	}
	member := project.Member{UserID: userID, Role: project.Role(record.Role)}
	s.propagateMember(opRemoveMember, projectID, project.MemberRemove, actorID, member, notify.EventMembershipRemoved)
	return nil
}

func (s *Service) requireRole(tx *gorm.DB, projectID, userID string, required project.Role) error {
	var count int64
	if err := tx.Model(&Project{}).Where("id = ?", projectID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrProjectNotFound
	}
	var record Member
	err := tx.Where(queryProjectUser, projectID, userID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotMember
	}
	if err != nil {
		return err
	}
	if record.Role != string(required) {
		return ErrInsufficientRole
	}
	return nil
}

// requireAnotherOwner locks the project's owner rows before counting them,
// so concurrent demotions serialize and cannot both see a second owner.
func (s *Service) requireAnotherOwner(tx *gorm.DB, projectID string) error {
	var owners []Member
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryProjectRole, projectID, string(project.RoleOwner)).
		Find(&owners).Error
	if err != nil {
		return err
	}
	if len(owners) <= 1 {
		return ErrLastOwner
	}
	return nil
}

// documentMember builds the denormalized record mirrored into the document.
func (s *Service) documentMember(ctx context.Context, record Member) project.Member {
	member := project.Member{
		UserID:   record.UserID,
		Role:     project.Role(record.Role),
		JoinedAt: record.JoinedAtSeconds * 1000,
	}
	if s.profiles == nil {
		return member
	}
	profile, err := s.profiles.Profile(ctx, record.UserID)
	if err != nil {
		s.logger.Debug("member profile lookup failed", zap.String(fieldUserID, record.UserID), zap.Error(err))
		return member
	}
	member.DisplayName = profile.DisplayName
	member.Email = profile.Email
	member.AvatarURL = profile.AvatarURL
	return member
}

// propagateMember mirrors a committed membership change into the document
// and tells the affected user, unless they made the change themselves.
func (s *Service) propagateMember(operation, projectID string, action project.MemberAction, actorID string, member project.Member, eventType string) {
	s.propagate(operation, projectID, func(ctx context.Context) {
		if s.syncer != nil {
			if err := s.syncer.SyncMember(ctx, projectID, action, member); err != nil {
				s.logger.Warn("member sync failed",
					zap.String(fieldProjectID, projectID),
					zap.String(fieldUserID, member.UserID),
					zap.Error(err))
			}
		}
		if s.notifier != nil && member.UserID != actorID {
			s.notifier.NotifyUser(ctx, member.UserID, notify.Event{Type: eventType, ProjectID: projectID, ActorID: actorID})
		}
	})
}

type propagation struct {
	operation string
	projectID string
	run       func(ctx context.Context)
}

// propagate queues fn to run in the background with its own deadline.
// Queued work runs one at a time in commit order, so the document sees
// membership changes in the order the relational store applied them. A full
// queue drops the work instead of stalling the request; the relational
// commit stands and rooms re-check roles on every write.
func (s *Service) propagate(operation, projectID string, fn func(ctx context.Context)) {
	s.startWorker.Do(func() { go s.drain() })
	s.background.Add(1)
	select {
	case s.queue <- propagation{operation: operation, projectID: projectID, run: fn}:
		metrics.Propagations.WithLabelValues(metrics.ResultQueued).Inc()
	default:
		s.background.Done()
		metrics.Propagations.WithLabelValues(metrics.ResultDropped).Inc()
		s.logger.Error("propagation queue full, change not propagated",
			zap.String("operation", operation),
			zap.String(fieldProjectID, projectID),
			zap.Int("queue_size", cap(s.queue)))
	}
}

func (s *Service) drain() {
	for task := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		task.run(ctx)
		cancel()
		s.logger.Debug("change propagated", zap.String("operation", task.operation), zap.String(fieldProjectID, task.projectID))
		s.background.Done()
	}
}

func (s *Service) notifyAll(ctx context.Context, userIDs []string, event notify.Event, excludeUserID string) {
	if s.notifier == nil {
		return
	}
	s.notifier.NotifyUsers(ctx, userIDs, event, excludeUserID)
}

// wrap classifies a transaction error, logging only unexpected failures.
func (s *Service) wrap(operation, projectID string, err error) error {
	switch {
	case errors.Is(err, project.ErrAccessDenied),
		errors.Is(err, project.ErrNotFound),
		errors.Is(err, project.ErrValidation),
		errors.Is(err, ErrLastOwner):
		return err
	default:
		s.logError(operation, reasonWriteFailed, err, zap.String(fieldProjectID, projectID))
		return newServiceError(operation, reasonWriteFailed, err)
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("membership service error", attrs...)
}
