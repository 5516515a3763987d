package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/corates/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/persistence"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/project"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/syncproto"
)

var (
	// ErrRoomUnavailable marks a project whose stored state could not be
	// loaded. The room refuses service until an operator repairs storage.
	ErrRoomUnavailable = errors.New("room: unavailable")
	// ErrRoomClosed marks a call that raced with the room shutting down.
	ErrRoomClosed = errors.New("room: closed")

	nullAwareness = json.RawMessage("null")
)

const (
	sourceClient  = "client"
	sourceCommand = "command"
	sourceBridge  = "bridge"

	logFieldProjectID = "project_id"
	logFieldClientID  = "client_id"
	logFieldUserID    = "user_id"
)

// Conn is the outbound half of one client connection. Send must not block:
// it queues the frame or fails, in which case the room drops the client.
type Conn interface {
	Send(frame []byte) error
	Close(reason string)
}

// Client identifies one connection joining a room.
type Client struct {
	ID     string
	UserID string
	Conn   Conn
}

type peer struct {
	client Client
}

// inbound is one decoded frame plus, for frames that write, the sender's
// role as resolved when the frame arrived.
type inbound struct {
	message   syncproto.Message
	decodeErr error
	role      project.Role
	roleErr   error
}

// writes reports whether frames of type t can change the document.
func writes(t syncproto.Type) bool {
	return t == syncproto.TypeUpdate || t == syncproto.TypeSyncStep2 || t == syncproto.TypeCommand
}

// Room owns one project's live document. All document access happens on the
// room's goroutine; callers hand it work through call.
type Room struct {
	projectID string
	registry  *Registry
	logger    *zap.Logger
	inbox     chan func()
	quit      chan struct{}

	compacting atomic.Bool
	background sync.WaitGroup

	// Owned by the run loop.
	doc             *project.Document
	loaded          bool
	unavailable     error
	peers           map[string]*peer
	unsaved         [][]byte
	sinceCompaction int
	stop            *stopRequest
}

type stopRequest struct {
	graceful bool
}

func newRoom(projectID string, registry *Registry) *Room {
	return &Room{
		projectID: projectID,
		registry:  registry,
		logger:    registry.logger.With(zap.String(logFieldProjectID, projectID)),
		inbox:     make(chan func()),
		quit:      make(chan struct{}),
		peers:     make(map[string]*peer),
	}
}

func (r *Room) run() {
	defer close(r.quit)
	r.load()

	idle := time.NewTimer(r.registry.idleTimeout)
	defer idle.Stop()
	for {
		select {
		case fn := <-r.inbox:
			fn()
		case <-idle.C:
			if len(r.peers) == 0 {
				r.stop = &stopRequest{graceful: true}
			}
		}
		if r.stop != nil {
			r.shutdown(r.stop.graceful)
			return
		}
		if len(r.peers) == 0 {
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(r.registry.idleTimeout)
		}
	}
}

// call runs fn on the room goroutine and waits for it.
func (r *Room) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}
	select {
	case r.inbox <- task:
	case <-r.quit:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-r.quit:
		select {
		case <-done:
			return nil
		default:
			return ErrRoomClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) load() {
	doc := crdt.NewDoc(0)
	ctx, cancel := context.WithTimeout(context.Background(), r.registry.storeTimeout)
	defer cancel()

	state, err := r.registry.store.LoadLatest(ctx, r.projectID)
	if err != nil {
		metrics.PersistenceFailures.WithLabelValues("load").Inc()
		r.unavailable = fmt.Errorf("%w: load failed: %v", ErrRoomUnavailable, err)
		r.logger.Error("room load failed", zap.Error(err))
		return
	}
	if len(state.Snapshot) > 0 {
		if err := doc.LoadSnapshot(state.Snapshot); err != nil {
			r.unavailable = fmt.Errorf("%w: %v", ErrRoomUnavailable, err)
			r.logger.Error("room snapshot corrupt", zap.Error(err), zap.Int64("epoch", state.SnapshotEpoch))
			return
		}
	}
	for index, update := range state.Updates {
		if _, err := doc.ApplyUpdate(update); err != nil {
			r.unavailable = fmt.Errorf("%w: %v", ErrRoomUnavailable, err)
			r.logger.Error("room update log corrupt", zap.Error(err), zap.Int("index", index))
			return
		}
	}
	r.doc = project.NewDocument(doc)
	r.loaded = true
	r.sinceCompaction = len(state.Updates)
	metrics.RoomsActive.Inc()
	r.logger.Debug("room loaded",
		zap.Int("tail_updates", len(state.Updates)),
		zap.Int("pending_ops", doc.PendingCount()))
}

func (r *Room) shutdown(graceful bool) {
	for _, p := range r.peers {
		r.drop(p, "room closed")
	}
	defer r.registry.forget(r.projectID, r)
	r.background.Wait()
	if !r.loaded {
		return
	}
	metrics.RoomsActive.Dec()
	if !graceful {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.registry.storeTimeout)
	defer cancel()
	if err := r.flushUnsaved(ctx); err != nil {
		r.logger.Error("room evicted with unsaved updates", zap.Error(err), zap.Int("unsaved", len(r.unsaved)))
	}
	if r.sinceCompaction > 0 {
		r.compact(ctx)
	}
	r.logger.Debug("room evicted")
}

func (r *Room) available() error {
	if r.unavailable != nil {
		return r.unavailable
	}
	return nil
}

// join registers an already-authorized client and opens the sync exchange
// with the room's state vector.
func (r *Room) join(client Client) error {
	if err := r.available(); err != nil {
		return err
	}
	if _, exists := r.peers[client.ID]; exists {
		return fmt.Errorf("%w: duplicate client id %q", project.ErrValidation, client.ID)
	}
	p := &peer{client: client}
	r.peers[client.ID] = p
	metrics.ConnectionsActive.Inc()
	r.send(p, syncproto.SyncStep1(r.doc.CRDT().StateVector()))
	return nil
}

func (r *Room) leave(clientID string) {
	if _, ok := r.peers[clientID]; !ok {
		return
	}
	delete(r.peers, clientID)
	metrics.ConnectionsActive.Dec()
	r.broadcast(syncproto.Awareness(clientID, nullAwareness), clientID)
}

// send queues message for p. A peer whose queue is full is dropped so it
// reconnects and resyncs; send then reports false.
func (r *Room) send(p *peer, message syncproto.Message) bool {
	frame, err := syncproto.Encode(message)
	if err != nil {
		r.logger.Error("frame encode failed", zap.Error(err), zap.String("type", string(message.Type)))
		return true
	}
	if err := p.client.Conn.Send(frame); err != nil {
		r.logger.Warn("dropping slow client", zap.String(logFieldClientID, p.client.ID), zap.Error(err))
		r.drop(p, "send buffer full")
		return false
	}
	return true
}

func (r *Room) drop(p *peer, reason string) {
	p.client.Conn.Close(reason)
	delete(r.peers, p.client.ID)
	metrics.ConnectionsActive.Dec()
}

// broadcast sends message to every peer except excludeID.
func (r *Room) broadcast(message syncproto.Message, excludeID string) {
	for clientID, p := range r.peers {
		if clientID == excludeID {
			continue
		}
		r.send(p, message)
	}
}

// receive handles one inbound frame from clientID. Protocol failures are
// reported to the client as error frames; the connection stays open.
func (r *Room) receive(clientID string, in inbound) {
	p, ok := r.peers[clientID]
	if !ok {
		return
	}
	if in.decodeErr != nil {
		r.send(p, errorFrame(0, in.decodeErr))
		return
	}
	message := in.message
	if writes(message.Type) && !r.admit(p, message.Seq, in.roleErr) {
		return
	}
	switch message.Type {
	case syncproto.TypeSyncStep1:
		update, err := r.doc.CRDT().EncodeUpdate(message.StateVector)
		if err != nil {
			r.send(p, errorFrame(message.Seq, err))
			return
		}
		r.send(p, syncproto.SyncStep2(update, r.doc.CRDT().StateVector()))
	case syncproto.TypeSyncStep2, syncproto.TypeUpdate:
		r.receiveUpdate(p, message, in.role)
	case syncproto.TypeAwareness:
		r.broadcast(syncproto.Awareness(clientID, message.Awareness), clientID)
	case syncproto.TypeCommand:
		result, err := r.execute(context.Background(), project.Actor{UserID: p.client.UserID, Role: in.role}, *message.Command)
		if err != nil {
			r.send(p, errorFrame(message.Seq, err))
			return
		}
		r.send(p, syncproto.Ack(message.Seq, result))
	default:
	}
}

// admit checks the role lookup made for a writing frame. A sender who is
// no longer a member is disconnected; a failed lookup is reported as a
// retryable error.
func (r *Room) admit(p *peer, seq uint64, roleErr error) bool {
	if roleErr == nil {
		return true
	}
	if errors.Is(roleErr, project.ErrAccessDenied) {
		r.logger.Info("frame from former member refused",
			zap.String(logFieldClientID, p.client.ID),
			zap.String(logFieldUserID, p.client.UserID))
		r.revoke(p.client.UserID, "membership revoked")
		return false
	}
	r.logger.Warn("role lookup failed", zap.String(logFieldUserID, p.client.UserID), zap.Error(roleErr))
	r.send(p, errorFrame(seq, roleErr))
	return false
}

// receiveUpdate merges a raw update from an editor. The update must pass the
// document's client rules before it is persisted; nothing is written or
// relayed otherwise.
func (r *Room) receiveUpdate(p *peer, message syncproto.Message, role project.Role) {
	if !role.CanEdit() {
		if message.Type == syncproto.TypeSyncStep2 {
			return
		}
		r.send(p, errorFrame(message.Seq, fmt.Errorf("%w: role %q cannot edit", project.ErrAccessDenied, role)))
		return
	}
	known, err := r.doc.CRDT().Contains(message.Update)
	if err != nil {
		r.send(p, errorFrame(message.Seq, err))
		return
	}
	if !known {
		if err := r.doc.CheckClientUpdate(message.Update); err != nil {
			r.logger.Info("client update refused",
				zap.String(logFieldClientID, p.client.ID),
				zap.String(logFieldUserID, p.client.UserID),
				zap.Error(err))
			r.send(p, errorFrame(message.Seq, err))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.registry.storeTimeout)
		err := r.persist(ctx, message.Update)
		cancel()
		if err != nil {
			r.send(p, errorFrame(message.Seq, err))
			return
		}
		if _, err := r.doc.CRDT().ApplyUpdate(message.Update); err != nil {
			r.logger.Error("persisted update failed to apply", zap.Error(err))
			r.send(p, errorFrame(message.Seq, err))
			return
		}
		metrics.UpdatesApplied.WithLabelValues(sourceClient).Inc()
		r.broadcast(syncproto.Update(0, message.Update), p.client.ID)
	}
	if message.Seq != 0 {
		r.send(p, syncproto.Ack(message.Seq, nil))
	}
}

// persist appends one update, flushing earlier unsaved updates first so the
// log keeps the order in which the document saw them.
func (r *Room) persist(ctx context.Context, update []byte) error {
	if err := r.flushUnsaved(ctx); err != nil {
		return err
	}
	if _, err := r.registry.store.AppendUpdate(ctx, r.projectID, update); err != nil {
		metrics.PersistenceFailures.WithLabelValues("append").Inc()
		r.logger.Warn("append failed", zap.Error(err))
		return err
	}
	r.afterAppend()
	return nil
}

func (r *Room) flushUnsaved(ctx context.Context) error {
	for len(r.unsaved) > 0 {
		next := r.unsaved[0]
		if _, err := r.registry.store.AppendUpdate(ctx, r.projectID, next); err != nil {
			metrics.PersistenceFailures.WithLabelValues("append").Inc()
			return err
		}
		r.unsaved = r.unsaved[1:]
		r.afterAppend()
		r.broadcast(syncproto.Update(0, next), "")
	}
	return nil
}

func (r *Room) afterAppend() {
	r.sinceCompaction++
	threshold := r.registry.compactAfterUpdates
	if threshold <= 0 || r.sinceCompaction < threshold {
		return
	}
	if !r.compacting.CompareAndSwap(false, true) {
		return
	}
	r.sinceCompaction = 0
	r.background.Add(1)
	go func() {
		defer r.background.Done()
		defer r.compacting.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), r.registry.storeTimeout)
		defer cancel()
		r.compact(ctx)
	}()
}

func (r *Room) compact(ctx context.Context) {
	result, err := r.registry.store.Compact(ctx, r.projectID)
	if err != nil {
		metrics.PersistenceFailures.WithLabelValues("compact").Inc()
		r.logger.Warn("compaction failed", zap.Error(err))
		return
	}
	if result.FoldedUpdates > 0 {
		metrics.Compactions.Inc()
	}
}

// commit makes a server-originated update durable and sends it to every
// peer. The update is already in the document; if the append fails it is
// queued and retried before the next append, and the caller is told it is
// not yet durable.
func (r *Room) commit(ctx context.Context, update []byte, source string) error {
	if len(update) == 0 {
		return nil
	}
	metrics.UpdatesApplied.WithLabelValues(source).Inc()
	if err := r.persist(ctx, update); err != nil {
		r.unsaved = append(r.unsaved, update)
		return err
	}
	r.broadcast(syncproto.Update(0, update), "")
	return nil
}

// mutate runs a document mutation and commits its update.
func (r *Room) mutate(ctx context.Context, source string, fn func(doc *project.Document) ([]byte, error)) error {
	if err := r.available(); err != nil {
		return err
	}
	update, err := fn(r.doc)
	if commitErr := r.commit(ctx, update, source); commitErr != nil {
		return errors.Join(err, commitErr)
	}
	return err
}

// revoke disconnects every connection of userID with an access-denied frame.
func (r *Room) revoke(userID, reason string) {
	for clientID, p := range r.peers {
		if p.client.UserID != userID {
			continue
		}
		if r.send(p, syncproto.AccessDenied(reason)) {
			r.drop(p, reason)
		}
		r.broadcast(syncproto.Awareness(clientID, nullAwareness), clientID)
	}
}

// disconnectAll closes every connection and stops the room without flushing
// or compacting; the caller is discarding or resetting the project.
func (r *Room) disconnectAll(reason string) int {
	count := len(r.peers)
	for _, p := range r.peers {
		if r.send(p, syncproto.AccessDenied(reason)) {
			r.drop(p, reason)
		}
	}
	r.stop = &stopRequest{graceful: false}
	return count
}

func errorFrame(seq uint64, err error) syncproto.Message {
	code, retryable := classify(err)
	return syncproto.Error(seq, code, err.Error(), retryable)
}

// classify maps an error to its wire code and whether the client may retry.
func classify(err error) (string, bool) {
	switch {
	case errors.Is(err, persistence.ErrAppendFailed):
		return "unsaved", true
	case errors.Is(err, ErrRoomUnavailable):
		return "unavailable", false
	case errors.Is(err, project.ErrAccessDenied):
		return "forbidden", false
	case errors.Is(err, project.ErrChecklistFinalized), errors.Is(err, project.ErrIllegalTransition):
		return "conflict", false
	case errors.Is(err, project.ErrNotFound):
		return "not_found", false
	case errors.Is(err, project.ErrValidation):
		return "validation", false
	case errors.Is(err, crdt.ErrMalformedUpdate), errors.Is(err, syncproto.ErrMalformedMessage), errors.Is(err, crdt.ErrInvalidStateVector):
		return "malformed", false
	default:
		return "internal", true
	}
}
