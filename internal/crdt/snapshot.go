package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/klauspost/compress/zstd"
)

// ErrInvalidSnapshot indicates a snapshot blob that cannot be decoded.
var ErrInvalidSnapshot = errors.New("crdt: invalid snapshot")

const snapshotFormatVersion byte = 1

var (
	snapshotEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	snapshotDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

type snapshotPayload struct {
	Ops     []Op `json:"ops"`
	Pending []Op `json:"pending,omitempty"`
}

// Snapshot serializes the full document state, including buffered ops.
func (d *Doc) Snapshot() ([]byte, error) {
	clients := make([]ClientID, 0, len(d.log))
	for client := range d.log {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	payload := snapshotPayload{Ops: make([]Op, 0)}
	for _, client := range clients {
		payload.Ops = append(payload.Ops, d.log[client]...)
	}
	for _, op := range d.pending {
		payload.Pending = append(payload.Pending, op)
	}
	sort.Slice(payload.Pending, func(i, j int) bool {
		if payload.Pending[i].ID.Client != payload.Pending[j].ID.Client {
			return payload.Pending[i].ID.Client < payload.Pending[j].ID.Client
		}
		return payload.Pending[i].ID.Clock < payload.Pending[j].ID.Clock
	})

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(encoded)/4+1)
	out = append(out, snapshotFormatVersion)
	return snapshotEncoder.EncodeAll(encoded, out), nil
}

// LoadSnapshot merges a snapshot into the document. Loading into an empty
// document reproduces the snapshotted state exactly.
func (d *Doc) LoadSnapshot(blob []byte) error {
	payload, err := decodeSnapshot(blob)
	if err != nil {
		return err
	}
	ops := append(payload.Ops, payload.Pending...)
	d.applyOps(ops)
	return nil
}

func decodeSnapshot(blob []byte) (snapshotPayload, error) {
	if len(blob) < 2 {
		return snapshotPayload{}, fmt.Errorf("%w: too short", ErrInvalidSnapshot)
	}
	if blob[0] != snapshotFormatVersion {
		return snapshotPayload{}, fmt.Errorf("%w: unsupported version %d", ErrInvalidSnapshot, blob[0])
	}
	raw, err := snapshotDecoder.DecodeAll(blob[1:], nil)
	if err != nil {
		return snapshotPayload{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	var payload snapshotPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return snapshotPayload{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	for _, op := range payload.Ops {
		if err := op.validate(); err != nil {
			return snapshotPayload{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
		}
	}
	for _, op := range payload.Pending {
		if err := op.validate(); err != nil {
			return snapshotPayload{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
		}
	}
	return payload, nil
}

// Fold rebuilds state from a snapshot (may be nil) plus updates and returns
// the resulting snapshot. Used by compaction.
func Fold(snapshot []byte, updates [][]byte) ([]byte, error) {
	doc := NewDoc(0)
	if len(snapshot) > 0 {
		if err := doc.LoadSnapshot(snapshot); err != nil {
			return nil, err
		}
	}
	for _, update := range updates {
		if _, err := doc.ApplyUpdate(update); err != nil {
			return nil, err
		}
	}
	return doc.Snapshot()
}
