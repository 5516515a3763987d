package persistence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/corates/backend/internal/crdt"
)

var (
	// ErrAppendFailed marks an update that could not be made durable. The
	// update must not be acknowledged to its sender.
	ErrAppendFailed = errors.New("persistence: append failed")
	// ErrCompactionFailed marks a compaction that left storage unchanged.
	ErrCompactionFailed = errors.New("persistence: compaction failed")

	errMissingDatabase  = errors.New("database handle is required")
	errMissingProjectID = errors.New("project identifier is required")
	errEmptyUpdate      = errors.New("update payload is empty")
	noOpLogger          = zap.NewNop()
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
	opServiceNew                 = "persistence.service.new"
	opAppendUpdate               = "persistence.append_update"
	opLoadLatest                 = "persistence.load_latest"
	opCompact                    = "persistence.compact"
	opPurge                      = "persistence.purge"
	opListCandidates             = "persistence.list_compaction_candidates"
	fieldProjectID               = "project_id"
	columnUpdateID               = "update_id"
	orderUpdateIDAsc             = columnUpdateID + " ASC"
	queryProjectID               = fieldProjectID + " = ?"
	queryProjectHash             = fieldProjectID + " = ? AND update_hash = ?"
	queryProjectUpToUpdate       = fieldProjectID + " = ? AND " + columnUpdateID + " <= ?"
	queryProjectAfterUpdate      = fieldProjectID + " = ? AND " + columnUpdateID + " > ?"
	reasonMissingDatabase        = "missing_database"
	reasonMissingProjectID       = "missing_project_id"
	reasonEmptyUpdate            = "empty_update"
	reasonUpdateInsertFailed     = "update_insert_failed"
	reasonUpdateLookupFailed     = "update_lookup_failed"
	reasonSnapshotQueryFailed    = "snapshot_query_failed"
	reasonUpdatesQueryFailed     = "updates_query_failed"
	reasonFoldFailed             = "fold_failed"
	reasonSnapshotUpsertFailed   = "snapshot_upsert_failed"
	reasonUpdatesDeleteFailed    = "updates_delete_failed"
	reasonSnapshotDeleteFailed   = "snapshot_delete_failed"
	reasonCandidatesQueryFailed  = "candidates_query_failed"
	reasonInvalidCandidateThresh = "invalid_candidate_threshold"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig wires the persistence service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service stores project documents as a snapshot plus an append-only tail of
// updates. Loading replays the tail over the snapshot; compaction folds the
// tail into a new snapshot.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService validates the configuration and builds a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// AppendOutcome describes one stored update.
type AppendOutcome struct {
	UpdateID  int64
	Duplicate bool
}

// State is everything needed to rebuild a project document.
type State struct {
	Snapshot      []byte
	SnapshotEpoch int64
	Updates       [][]byte
	LastUpdateID  int64
}

// Empty reports whether nothing was ever stored for the project.
func (s State) Empty() bool {
	return len(s.Snapshot) == 0 && len(s.Updates) == 0
}

// CompactionResult describes one compaction pass.
type CompactionResult struct {
	FoldedUpdates int
	LastUpdateID  int64
	Epoch         int64
}

// AppendUpdate durably records an update. Storing the same payload twice is
// a no-op that reports the original id.
func (service *Service) AppendUpdate(ctx context.Context, projectID string, update []byte) (AppendOutcome, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return AppendOutcome{}, newServiceError(opAppendUpdate, reasonMissingProjectID, errors.Join(ErrAppendFailed, errMissingProjectID))
	}
	if len(update) == 0 {
		return AppendOutcome{}, newServiceError(opAppendUpdate, reasonEmptyUpdate, errors.Join(ErrAppendFailed, errEmptyUpdate))
	}

	hash := hashPayload(update)
	model := ProjectUpdate{
		ProjectID:        projectID,
		Payload:          update,
		UpdateHash:       hash,
		AppliedAtSeconds: service.clock().UTC().Unix(),
	}
	result := service.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if result.Error != nil {
		service.logError(opAppendUpdate, reasonUpdateInsertFailed, result.Error, zap.String(fieldProjectID, projectID))
		return AppendOutcome{}, newServiceError(opAppendUpdate, reasonUpdateInsertFailed, errors.Join(ErrAppendFailed, result.Error))
	}
	if result.RowsAffected > 0 {
		return AppendOutcome{UpdateID: model.UpdateID}, nil
	}

	var existing ProjectUpdate
	if err := service.db.WithContext(ctx).Select(columnUpdateID).
		Where(queryProjectHash, projectID, hash).
		Take(&existing).Error; err != nil {
		service.logError(opAppendUpdate, reasonUpdateLookupFailed, err, zap.String(fieldProjectID, projectID))
		return AppendOutcome{}, newServiceError(opAppendUpdate, reasonUpdateLookupFailed, errors.Join(ErrAppendFailed, err))
	}
	return AppendOutcome{UpdateID: existing.UpdateID, Duplicate: true}, nil
}

// LoadLatest returns the latest snapshot and every update stored after it.
func (service *Service) LoadLatest(ctx context.Context, projectID string) (State, error) {
	if strings.TrimSpace(projectID) == "" {
		return State{}, newServiceError(opLoadLatest, reasonMissingProjectID, errMissingProjectID)
	}
	var state State
	err := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		loaded, err := service.loadState(transaction, projectID)
		if err != nil {
			return err
		}
		state = loaded
		return nil
	})
	if err != nil {
		service.logError(opLoadLatest, reasonUpdatesQueryFailed, err, zap.String(fieldProjectID, projectID))
		return State{}, newServiceError(opLoadLatest, reasonUpdatesQueryFailed, err)
	}
	return state, nil
}

func (service *Service) loadState(transaction *gorm.DB, projectID string) (State, error) {
	var state State
	var snapshot ProjectSnapshot
	found := transaction.Where(queryProjectID, projectID).Limit(1).Find(&snapshot)
	if found.Error != nil {
		return State{}, fmt.Errorf("%s: %w", reasonSnapshotQueryFailed, found.Error)
	}
	if found.RowsAffected > 0 {
		state.Snapshot = snapshot.Payload
		state.SnapshotEpoch = snapshot.Epoch
		state.LastUpdateID = snapshot.LastUpdateID
	}

	var updates []ProjectUpdate
	if err := transaction.Where(queryProjectAfterUpdate, projectID, state.LastUpdateID).
		Order(orderUpdateIDAsc).
		Find(&updates).Error; err != nil {
		return State{}, fmt.Errorf("%s: %w", reasonUpdatesQueryFailed, err)
	}
	state.Updates = make([][]byte, 0, len(updates))
	for _, update := range updates {
		state.Updates = append(state.Updates, update.Payload)
		state.LastUpdateID = update.UpdateID
	}
	return state, nil
}

// Compact folds the stored tail into a new snapshot and drops the folded
// updates. Updates appended concurrently stay in the tail.
func (service *Service) Compact(ctx context.Context, projectID string) (CompactionResult, error) {
	if strings.TrimSpace(projectID) == "" {
		return CompactionResult{}, newServiceError(opCompact, reasonMissingProjectID, errMissingProjectID)
	}
	var result CompactionResult
	err := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		state, err := service.loadState(transaction, projectID)
		if err != nil {
			service.logError(opCompact, reasonUpdatesQueryFailed, err, zap.String(fieldProjectID, projectID))
			return newServiceError(opCompact, reasonUpdatesQueryFailed, errors.Join(ErrCompactionFailed, err))
		}
		if len(state.Updates) == 0 {
			result = CompactionResult{LastUpdateID: state.LastUpdateID, Epoch: state.SnapshotEpoch}
			return nil
		}
		folded, err := crdt.Fold(state.Snapshot, state.Updates)
		if err != nil {
			service.logError(opCompact, reasonFoldFailed, err, zap.String(fieldProjectID, projectID))
			return newServiceError(opCompact, reasonFoldFailed, errors.Join(ErrCompactionFailed, err))
		}

		snapshot := ProjectSnapshot{
			ProjectID:        projectID,
			Payload:          folded,
			LastUpdateID:     state.LastUpdateID,
			Epoch:            state.SnapshotEpoch + 1,
			CompactedSeconds: service.clock().UTC().Unix(),
		}
		if err := transaction.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: fieldProjectID}},
			DoUpdates: clause.AssignmentColumns([]string{"payload", "last_update_id", "epoch", "compacted_at_s"}),
		}).Create(&snapshot).Error; err != nil {
			service.logError(opCompact, reasonSnapshotUpsertFailed, err, zap.String(fieldProjectID, projectID))
			return newServiceError(opCompact, reasonSnapshotUpsertFailed, errors.Join(ErrCompactionFailed, err))
		}
		if err := transaction.Where(queryProjectUpToUpdate, projectID, state.LastUpdateID).
			Delete(&ProjectUpdate{}).Error; err != nil {
			service.logError(opCompact, reasonUpdatesDeleteFailed, err, zap.String(fieldProjectID, projectID))
			return newServiceError(opCompact, reasonUpdatesDeleteFailed, errors.Join(ErrCompactionFailed, err))
		}
		result = CompactionResult{
			FoldedUpdates: len(state.Updates),
			LastUpdateID:  state.LastUpdateID,
			Epoch:         snapshot.Epoch,
		}
		return nil
	})
	if err != nil {
		return CompactionResult{}, err
	}
	if result.FoldedUpdates > 0 {
		service.logger.Info("project compacted",
			zap.String(fieldProjectID, projectID),
			zap.Int("folded_updates", result.FoldedUpdates),
			zap.Int64("epoch", result.Epoch))
	}
	return result, nil
}

// Purge removes every stored update and snapshot for a deleted project.
func (service *Service) Purge(ctx context.Context, projectID string) error {
	if strings.TrimSpace(projectID) == "" {
		return newServiceError(opPurge, reasonMissingProjectID, errMissingProjectID)
	}
	return service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Where(queryProjectID, projectID).Delete(&ProjectUpdate{}).Error; err != nil {
			service.logError(opPurge, reasonUpdatesDeleteFailed, err, zap.String(fieldProjectID, projectID))
			return newServiceError(opPurge, reasonUpdatesDeleteFailed, err)
		}
		if err := transaction.Where(queryProjectID, projectID).Delete(&ProjectSnapshot{}).Error; err != nil {
			service.logError(opPurge, reasonSnapshotDeleteFailed, err, zap.String(fieldProjectID, projectID))
			return newServiceError(opPurge, reasonSnapshotDeleteFailed, err)
		}
		return nil
	})
}

// ListCompactionCandidates returns projects whose tail holds at least
// minUpdates updates.
func (service *Service) ListCompactionCandidates(ctx context.Context, minUpdates int) ([]string, error) {
	if minUpdates <= 0 {
		return nil, newServiceError(opListCandidates, reasonInvalidCandidateThresh, fmt.Errorf("threshold %d must be positive", minUpdates))
	}
	var projectIDs []string
	if err := service.db.WithContext(ctx).Model(&ProjectUpdate{}).
		Select(fieldProjectID).
		Group(fieldProjectID).
		Having("COUNT(*) >= ?", minUpdates).
		Order(fieldProjectID).
		Pluck(fieldProjectID, &projectIDs).Error; err != nil {
		service.logError(opListCandidates, reasonCandidatesQueryFailed, err)
		return nil, newServiceError(opListCandidates, reasonCandidatesQueryFailed, err)
	}
	return projectIDs, nil
}

func hashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func (service *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	service.logger.Error("persistence service error", attrs...)
}
