package room

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/corates/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/persistence"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/project"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/syncproto"
)

var (
	// ErrRegistryClosed marks calls made after Close.
	ErrRegistryClosed = errors.New("room: registry closed")

	errMissingStore   = errors.New("store is required")
	errMissingMembers = errors.New("membership checker is required")
)

const (
	defaultIdleTimeout  = 30 * time.Second
	defaultStoreTimeout = 10 * time.Second
)

// Store is the durable state behind rooms.
type Store interface {
	AppendUpdate(ctx context.Context, projectID string, update []byte) (persistence.AppendOutcome, error)
	LoadLatest(ctx context.Context, projectID string) (persistence.State, error)
	Compact(ctx context.Context, projectID string) (persistence.CompactionResult, error)
}

// MembershipChecker resolves a user's current role from the system of
// record. Non-members yield an error wrapping project.ErrAccessDenied.
type MembershipChecker interface {
	ProjectRole(ctx context.Context, projectID, userID string) (project.Role, error)
}

// BlobRemover deletes attachment blobs. Removing a missing blob succeeds.
type BlobRemover interface {
	RemoveObject(ctx context.Context, key string) error
}

// Config wires a Registry.
type Config struct {
	Store               Store
	Members             MembershipChecker
	Gateway             *project.Gateway
	Blobs               BlobRemover
	Logger              *zap.Logger
	IdleTimeout         time.Duration
	StoreTimeout        time.Duration
	CompactAfterUpdates int
}

// Registry keeps at most one live Room per project and routes every
// operation on a project to it, loading the room on demand.
type Registry struct {
	store               Store
	members             MembershipChecker
	gateway             *project.Gateway
	blobs               BlobRemover
	logger              *zap.Logger
	idleTimeout         time.Duration
	storeTimeout        time.Duration
	compactAfterUpdates int

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
}

// NewRegistry validates cfg and builds a Registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Members == nil {
		return nil, errMissingMembers
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gateway := cfg.Gateway
	if gateway == nil {
		gateway = project.NewGateway(project.GatewayConfig{Logger: logger})
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	storeTimeout := cfg.StoreTimeout
	if storeTimeout <= 0 {
		storeTimeout = defaultStoreTimeout
	}
	return &Registry{
		store:               cfg.Store,
		members:             cfg.Members,
		gateway:             gateway,
		blobs:               cfg.Blobs,
		logger:              logger,
		idleTimeout:         idleTimeout,
		storeTimeout:        storeTimeout,
		compactAfterUpdates: cfg.CompactAfterUpdates,
		rooms:               make(map[string]*Room),
	}, nil
}

func (g *Registry) acquire(projectID string) (*Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrRegistryClosed
	}
	if room, ok := g.rooms[projectID]; ok {
		return room, nil
	}
	room := newRoom(projectID, g)
	g.rooms[projectID] = room
	go room.run()
	return room, nil
}

func (g *Registry) lookup(projectID string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.rooms[projectID]
	return room, ok
}

func (g *Registry) forget(projectID string, room *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rooms[projectID] == room {
		delete(g.rooms, projectID)
	}
}

// Active reports how many rooms are running.
func (g *Registry) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// withRoom runs fn on the project's room, waking it if needed. A room that
// shuts down between lookup and call is replaced and the call retried.
func (g *Registry) withRoom(ctx context.Context, projectID string, fn func(room *Room)) error {
	if strings.TrimSpace(projectID) == "" {
		return fmt.Errorf("%w: project id required", project.ErrValidation)
	}
	for {
		room, err := g.acquire(projectID)
		if err != nil {
			return err
		}
		err = room.call(ctx, func() { fn(room) })
		if !errors.Is(err, ErrRoomClosed) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Session is one client's membership in a room.
type Session struct {
	room     *Room
	clientID string
	userID   string
	role     project.Role
}

// Role is the role verified when the session joined.
func (s *Session) Role() project.Role {
	return s.role
}

// Join verifies the user's membership against the system of record and adds
// the client to the project's room. The room greets the client with its
// state vector.
func (g *Registry) Join(ctx context.Context, projectID string, client Client) (*Session, error) {
	if client.ID == "" || client.UserID == "" || client.Conn == nil {
		return nil, fmt.Errorf("%w: incomplete client", project.ErrValidation)
	}
	role, err := g.members.ProjectRole(ctx, projectID, client.UserID)
	if err != nil {
		g.logger.Info("room join denied",
			zap.String(logFieldProjectID, projectID),
			zap.String(logFieldUserID, client.UserID),
			zap.Error(err))
		return nil, err
	}
	var session *Session
	var joinErr error
	err = g.withRoom(ctx, projectID, func(room *Room) {
		joinErr = room.join(client)
		if joinErr == nil {
			session = &Session{room: room, clientID: client.ID, userID: client.UserID, role: role}
		}
	})
	if err != nil {
		return nil, err
	}
	if joinErr != nil {
		return nil, joinErr
	}
	return session, nil
}

// Receive hands one inbound frame to the room. Frames that can change the
// document carry the sender's role as the system of record reports it now,
// looked up before the room is entered. Receive fails only when the room is
// gone, which ends the session.
func (s *Session) Receive(ctx context.Context, frame []byte) error {
	var in inbound
	in.message, in.decodeErr = syncproto.Decode(frame)
	if in.decodeErr == nil && writes(in.message.Type) {
		in.role, in.roleErr = s.currentRole(ctx)
	}
	return s.room.call(ctx, func() { s.room.receive(s.clientID, in) })
}

func (s *Session) currentRole(ctx context.Context) (project.Role, error) {
	registry := s.room.registry
	lookupCtx, cancel := context.WithTimeout(ctx, registry.storeTimeout)
	defer cancel()
	return registry.members.ProjectRole(lookupCtx, s.room.projectID, s.userID)
}

// Leave removes the client from the room.
func (s *Session) Leave(ctx context.Context) {
	err := s.room.call(ctx, func() { s.room.leave(s.clientID) })
	if err != nil && !errors.Is(err, ErrRoomClosed) {
		s.room.logger.Warn("room leave failed", zap.String(logFieldClientID, s.clientID), zap.Error(err))
	}
}

// Mutate runs fn against the project's document and commits the resulting
// update to storage and every connected client.
func (g *Registry) Mutate(ctx context.Context, projectID string, fn func(doc *project.Document) ([]byte, error)) error {
	var mutateErr error
	err := g.withRoom(ctx, projectID, func(room *Room) {
		mutateErr = room.mutate(ctx, sourceCommand, fn)
	})
	if err != nil {
		return err
	}
	return mutateErr
}

// View is a read-only copy of a project document.
type View struct {
	Metadata project.Metadata `json:"metadata"`
	Members  []project.Member `json:"members"`
	Studies  []project.Study  `json:"studies"`
}

// Read returns the current state of the project document.
func (g *Registry) Read(ctx context.Context, projectID string) (View, error) {
	var view View
	var readErr error
	err := g.withRoom(ctx, projectID, func(room *Room) {
		if readErr = room.available(); readErr != nil {
			return
		}
		view = View{
			Metadata: room.doc.Metadata(),
			Members:  room.doc.Members(),
			Studies:  room.doc.Studies(),
		}
	})
	if err != nil {
		return View{}, err
	}
	return view, readErr
}

// SyncProject mirrors relational project metadata and, when given, the
// initial membership into the live document. An evicted room is loaded so
// the change is never dropped.
func (g *Registry) SyncProject(ctx context.Context, projectID string, patch project.MetadataPatch, initialMembers []project.Member) error {
	return g.Mutate(ctx, projectID, func(doc *project.Document) ([]byte, error) {
		update, err := doc.ApplyMetadata(patch)
		if err != nil || initialMembers == nil {
			return update, err
		}
		memberUpdate, err := doc.ReplaceMembers(initialMembers)
		if err != nil {
			return update, err
		}
		return crdt.MergeUpdates(update, memberUpdate)
	})
}

// SyncMember mirrors one membership change. Removing a member also closes
// that user's open connections. Roles are looked up per writing frame, so a
// role change needs no further action here.
func (g *Registry) SyncMember(ctx context.Context, projectID string, action project.MemberAction, member project.Member) error {
	var mutateErr error
	err := g.withRoom(ctx, projectID, func(room *Room) {
		mutateErr = room.mutate(ctx, sourceBridge, func(doc *project.Document) ([]byte, error) {
			return doc.ApplyMember(action, member)
		})
		if mutateErr != nil && room.available() != nil {
			return
		}
		if action == project.MemberRemove {
			room.revoke(member.UserID, "membership revoked")
		}
	})
	if err != nil {
		return err
	}
	return mutateErr
}

// DisconnectAll closes every connection to the project and stops its room
// without flushing. A project with no live room has nothing to disconnect.
func (g *Registry) DisconnectAll(ctx context.Context, projectID, reason string) (int, error) {
	room, ok := g.lookup(projectID)
	if !ok {
		return 0, nil
	}
	var count int
	err := room.call(ctx, func() { count = room.disconnectAll(reason) })
	if errors.Is(err, ErrRoomClosed) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	select {
	case <-room.quit:
	case <-ctx.Done():
		return count, ctx.Err()
	}
	g.logger.Info("room disconnected", zap.String(logFieldProjectID, projectID), zap.Int("connections", count), zap.String("reason", reason))
	return count, nil
}

// Close stops every room, flushing unsaved updates and compacting.
func (g *Registry) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	rooms := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		rooms = append(rooms, room)
	}
	g.mu.Unlock()

	for _, room := range rooms {
		err := room.call(ctx, func() { room.stop = &stopRequest{graceful: true} })
		if err != nil && !errors.Is(err, ErrRoomClosed) {
			return err
		}
		select {
		case <-room.quit:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
