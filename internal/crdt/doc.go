package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
)

const (
	// MaxLamportSkew bounds how far one remote op may advance this replica's
	// Lamport clock.
	MaxLamportSkew uint64 = 1 << 20
	// MaxPendingPerClient bounds the ops buffered for one client, and how far
	// past its integrated clock a client's op may claim to be.
	MaxPendingPerClient = 4096
	// MaxPendingTotal bounds the whole dependency buffer.
	MaxPendingTotal = 16384
)

var (
	// ErrClockExhausted marks a local write refused because the Lamport clock
	// reached MaxLamport.
	ErrClockExhausted = errors.New("crdt: lamport clock exhausted")
	// ErrUpdateOutOfBounds marks a well-formed update that this replica will
	// not accept from an untrusted peer.
	ErrUpdateOutOfBounds = fmt.Errorf("%w: out of bounds", ErrMalformedUpdate)
)

// Doc is one replica of a replicated document. It is not safe for concurrent
// use; a single owner serializes every call.
type Doc struct {
	client     ClientID
	lamport    uint64
	containers map[string]*container
	log        map[ClientID][]Op
	pending    map[ID]Op
	local      []Op
	exhausted  bool
}

type container struct {
	kind    Kind
	parent  string
	field   string
	entries map[string]*mapEntry
	seq     []*element
	byID    map[ID]*element
}

type mapEntry struct {
	stamp stamp
	id    ID
	value json.RawMessage
	kind  Kind
	gone  bool
}

type element struct {
	stamp   stamp
	id      ID
	value   json.RawMessage
	text    string
	kind    Kind
	deleted bool
}

// ApplyResult summarizes one ApplyUpdate call.
type ApplyResult struct {
	Applied    int
	Duplicates int
	Pending    int
}

// Changed reports whether any op was integrated.
func (r ApplyResult) Changed() bool {
	return r.Applied > 0
}

// NewDoc creates an empty replica. A zero client id is replaced by a random one.
func NewDoc(client ClientID) *Doc {
	for client == 0 {
		client = ClientID(rand.Uint64())
	}
	return &Doc{
		client:     client,
		containers: make(map[string]*container),
		log:        make(map[ClientID][]Op),
		pending:    make(map[ID]Op),
	}
}

// ClientID returns this replica's identifier.
func (d *Doc) ClientID() ClientID {
	return d.client
}

// StateVector returns the clocks integrated so far.
func (d *Doc) StateVector() StateVector {
	sv := make(StateVector, len(d.log))
	for client, ops := range d.log {
		sv[client] = uint64(len(ops))
	}
	return sv
}

// PendingCount reports ops buffered while waiting for their dependencies.
func (d *Doc) PendingCount() int {
	return len(d.pending)
}

// ApplyUpdate merges a remote update. Malformed updates are rejected without
// touching state. Already-seen ops are skipped, so reapplying is a no-op; ops
// whose dependencies are missing are buffered until they arrive.
func (d *Doc) ApplyUpdate(raw []byte) (ApplyResult, error) {
	ops, err := DecodeUpdate(raw)
	if err != nil {
		return ApplyResult{}, err
	}
	return d.applyOps(ops), nil
}

// Contains reports whether every op in the update is already integrated or
// buffered, so applying it would change nothing.
func (d *Doc) Contains(raw []byte) (bool, error) {
	ops, err := DecodeUpdate(raw)
	if err != nil {
		return false, err
	}
	for _, op := range ops {
		if d.seen(op.ID) {
			continue
		}
		if _, ok := d.pending[op.ID]; ok {
			continue
		}
		return false, nil
	}
	return true, nil
}

// CheckUpdate decodes an update from an untrusted peer and checks it against
// this replica's clocks without touching state. It returns the ops the
// update would add. Ops may not reuse this replica's client id, jump the
// Lamport clock by more than MaxLamportSkew, or grow the dependency buffer
// past its limits.
func (d *Doc) CheckUpdate(raw []byte) ([]Op, error) {
	ops, err := DecodeUpdate(raw)
	if err != nil {
		return nil, err
	}
	fresh := make([]Op, 0, len(ops))
	incoming := make(map[ClientID]map[uint64]bool)
	for _, op := range ops {
		if d.seen(op.ID) {
			continue
		}
		if _, ok := d.pending[op.ID]; ok {
			continue
		}
		if op.ID.Client == d.client {
			return nil, fmt.Errorf("%w: op %s uses this replica's client id", ErrUpdateOutOfBounds, op.ID)
		}
		if op.Lamport > d.lamport+MaxLamportSkew {
			return nil, fmt.Errorf("%w: op %s stamp %d is ahead of %d", ErrUpdateOutOfBounds, op.ID, op.Lamport, d.lamport)
		}
		if op.ID.Clock > uint64(len(d.log[op.ID.Client]))+MaxPendingPerClient {
			return nil, fmt.Errorf("%w: op %s skips past clock %d", ErrUpdateOutOfBounds, op.ID, len(d.log[op.ID.Client]))
		}
		clocks, ok := incoming[op.ID.Client]
		if !ok {
			clocks = make(map[uint64]bool)
			incoming[op.ID.Client] = clocks
		}
		clocks[op.ID.Clock] = true
		fresh = append(fresh, op)
	}

	buffered := make(map[ClientID]int)
	for id := range d.pending {
		buffered[id.Client]++
	}
	total := len(d.pending)
	for client, clocks := range incoming {
		next := uint64(len(d.log[client])) + 1
		for {
			_, waiting := d.pending[ID{Client: client, Clock: next}]
			if !clocks[next] && !waiting {
				break
			}
			next++
		}
		stalled := 0
		for clock := range clocks {
			if clock >= next {
				stalled++
			}
		}
		drained := 0
		for id := range d.pending {
			if id.Client == client && id.Clock < next {
				drained++
			}
		}
		if buffered[client]-drained+stalled > MaxPendingPerClient {
			return nil, fmt.Errorf("%w: client %d would buffer more than %d ops", ErrUpdateOutOfBounds, client, MaxPendingPerClient)
		}
		total += stalled - drained
	}
	if total > MaxPendingTotal {
		return nil, fmt.Errorf("%w: buffer would exceed %d ops", ErrUpdateOutOfBounds, MaxPendingTotal)
	}
	return fresh, nil
}

// Link reports where the container under key was created: its parent
// container and, for map children, the field holding it. Root containers
// and unknown keys report false.
func (d *Doc) Link(key string) (parent, field string, ok bool) {
	c, found := d.containers[key]
	if !found || c.parent == "" {
		return "", "", false
	}
	return c.parent, c.field, true
}

// MapAt returns a handle to the map container under key.
func (d *Doc) MapAt(key string) (Map, bool) {
	c, ok := d.containers[key]
	if !ok || c.kind != KindMap {
		return Map{}, false
	}
	return Map{doc: d, key: key}, true
}

func (d *Doc) applyOps(ops []Op) ApplyResult {
	result := ApplyResult{}
	for _, op := range ops {
		if d.seen(op.ID) {
			result.Duplicates++
			continue
		}
		if _, ok := d.pending[op.ID]; ok {
			result.Duplicates++
			continue
		}
		d.pending[op.ID] = op
	}
	result.Applied = d.drainPending()
	result.Pending = len(d.pending)
	return result
}

func (d *Doc) drainPending() int {
	applied := 0
	for {
		progressed := false
		ids := make([]ID, 0, len(d.pending))
		for id := range d.pending {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			if ids[i].Client != ids[j].Client {
				return ids[i].Client < ids[j].Client
			}
			return ids[i].Clock < ids[j].Clock
		})
		for _, id := range ids {
			op := d.pending[id]
			if d.seen(id) {
				delete(d.pending, id)
				continue
			}
			if !d.ready(op) {
				continue
			}
			delete(d.pending, id)
			d.integrate(op)
			applied++
			progressed = true
		}
		if !progressed {
			return applied
		}
	}
}

func (d *Doc) seen(id ID) bool {
	return id.Clock <= uint64(len(d.log[id.Client]))
}

func (d *Doc) ready(op Op) bool {
	if op.ID.Clock != uint64(len(d.log[op.ID.Client]))+1 {
		return false
	}
	target, ok := d.containers[op.Parent]
	if !ok {
		if !isRootKey(op.Parent) {
			return false
		}
		return op.Type == OpSet || (op.Type == OpInsert && op.Origin == nil)
	}
	switch op.Type {
	case OpInsert:
		if op.Origin != nil {
			if target.byID == nil {
				return true
			}
			if _, ok := target.byID[*op.Origin]; !ok {
				return false
			}
		}
	case OpDelete:
		if target.byID == nil {
			return true
		}
		if _, ok := target.byID[*op.Target]; !ok {
			return false
		}
	}
	return true
}

// integrate records op in the log and applies its effect. Ops whose effect is
// inconsistent with the container kind are logged but have no effect, so
// every replica still advances its state vector identically.
func (d *Doc) integrate(op Op) {
	d.log[op.ID.Client] = append(d.log[op.ID.Client], op)
	if op.Lamport > d.lamport {
		d.lamport = op.Lamport
	}

	target := d.containers[op.Parent]
	if target == nil {
		target = newContainer(op.ParentKind)
		d.containers[op.Parent] = target
	}

	switch op.Type {
	case OpSet:
		if target.kind != KindMap {
			return
		}
		current, ok := target.entries[op.Key]
		if ok && !op.stamp().after(current.stamp) {
			d.createNested(op)
			return
		}
		target.entries[op.Key] = &mapEntry{
			stamp: op.stamp(),
			id:    op.ID,
			value: op.Value,
			kind:  op.Kind,
			gone:  op.Deleted,
		}
		d.createNested(op)
	case OpInsert:
		if !target.kind.sequence() {
			return
		}
		if target.kind == KindText && op.Text == "" {
			return
		}
		target.insert(&element{
			stamp: op.stamp(),
			id:    op.ID,
			value: op.Value,
			text:  op.Text,
			kind:  op.Kind,
		}, op.Origin)
		d.createNested(op)
	case OpDelete:
		if !target.kind.sequence() {
			return
		}
		if victim, ok := target.byID[*op.Target]; ok {
			victim.deleted = true
		}
	}
}

func (d *Doc) createNested(op Op) {
	if op.Kind == KindNone || op.Deleted {
		return
	}
	key := op.ID.containerKey()
	if _, ok := d.containers[key]; !ok {
		c := newContainer(op.Kind)
		c.parent = op.Parent
		c.field = op.Key
		d.containers[key] = c
	}
}

func newContainer(kind Kind) *container {
	c := &container{kind: kind}
	if kind == KindMap {
		c.entries = make(map[string]*mapEntry)
	} else {
		c.byID = make(map[ID]*element)
	}
	return c
}

// insert places e after origin, skipping siblings that win the stamp order.
// Every descendant of such a sibling carries a larger stamp, so whole
// subtrees are skipped and all replicas arrive at the same position.
func (c *container) insert(e *element, origin *ID) {
	index := 0
	if origin != nil {
		index = c.indexOf(*origin) + 1
	}
	for index < len(c.seq) && c.seq[index].stamp.after(e.stamp) {
		index++
	}
	c.seq = append(c.seq, nil)
	copy(c.seq[index+1:], c.seq[index:])
	c.seq[index] = e
	c.byID[e.id] = e
}

func (c *container) indexOf(id ID) int {
	for i, e := range c.seq {
		if e.id == id {
			return i
		}
	}
	return -1
}

func (c *container) visible() []*element {
	out := make([]*element, 0, len(c.seq))
	for _, e := range c.seq {
		if !e.deleted {
			out = append(out, e)
		}
	}
	return out
}

// Transact runs fn and returns an update holding every op produced by local
// writes during fn. Writes are integrated immediately, so fn observes its own
// changes. Validate before writing: ops produced before fn fails are still
// returned alongside the error and must be propagated by the caller. Writes
// refused because the clock is exhausted surface as ErrClockExhausted.
func (d *Doc) Transact(fn func() error) ([]byte, error) {
	d.local = d.local[:0]
	d.exhausted = false
	fnErr := fn()
	if d.exhausted && !errors.Is(fnErr, ErrClockExhausted) {
		fnErr = errors.Join(fnErr, ErrClockExhausted)
	}
	d.exhausted = false
	ops := append([]Op(nil), d.local...)
	d.local = d.local[:0]
	if len(ops) == 0 {
		return nil, fnErr
	}
	update, err := EncodeOps(ops)
	if err != nil {
		return nil, err
	}
	return update, fnErr
}

// emit stamps and integrates a local op. Once the clock reaches MaxLamport
// it writes nothing and returns ErrClockExhausted.
func (d *Doc) emit(op Op) (Op, error) {
	if d.lamport >= MaxLamport || uint64(len(d.log[d.client])) >= MaxLamport {
		d.exhausted = true
		return Op{}, ErrClockExhausted
	}
	d.lamport++
	op.ID = ID{Client: d.client, Clock: uint64(len(d.log[d.client])) + 1}
	op.Lamport = d.lamport
	d.integrate(op)
	d.local = append(d.local, op)
	return op, nil
}

// EncodeUpdate returns the minimal update carrying every integrated op that
// since has not seen. A nil vector yields the full state as an update.
func (d *Doc) EncodeUpdate(since StateVector) ([]byte, error) {
	clients := make([]ClientID, 0, len(d.log))
	for client := range d.log {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	ops := make([]Op, 0)
	for _, client := range clients {
		from := since.Get(client)
		logged := d.log[client]
		if from >= uint64(len(logged)) {
			continue
		}
		ops = append(ops, logged[from:]...)
	}
	return EncodeOps(ops)
}

// ToJSON materializes every root container into plain values, for
// inspection and convergence checks.
func (d *Doc) ToJSON() map[string]any {
	out := make(map[string]any)
	for key, c := range d.containers {
		if !isRootKey(key) {
			continue
		}
		out[key] = d.materialize(key, c)
	}
	return out
}

func (d *Doc) materialize(key string, c *container) any {
	switch c.kind {
	case KindMap:
		return Map{doc: d, key: key}.ToJSON()
	case KindArray:
		return Array{doc: d, key: key}.ToJSON()
	case KindText:
		return Text{doc: d, key: key}.String()
	default:
		return nil
	}
}
