package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedUpdate indicates that an update payload failed structural validation.
var ErrMalformedUpdate = errors.New("crdt: malformed update")

const updateFormatVersion = 1

// MaxLamport caps Lamport stamps and per-client clocks. Ops stamped above it
// are malformed; local writes fail once the clock reaches it.
const MaxLamport uint64 = 1 << 53

// Kind enumerates container types.
type Kind uint8

const (
	// KindNone marks a plain value.
	KindNone Kind = iota
	// KindMap is a last-writer-wins map keyed by string.
	KindMap
	// KindArray is an ordered sequence of values or containers.
	KindArray
	// KindText is an ordered sequence of characters.
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindMap:
		return "map"
	case KindArray:
		return "array"
	case KindText:
		return "text"
	default:
		return "value"
	}
}

func (k Kind) sequence() bool {
	return k == KindArray || k == KindText
}

// OpType enumerates the three primitive mutations.
type OpType string

const (
	// OpSet assigns a map key.
	OpSet OpType = "set"
	// OpInsert inserts one element into a sequence after its origin.
	OpInsert OpType = "ins"
	// OpDelete tombstones one sequence element.
	OpDelete OpType = "del"
)

// Op is the unit of replication. A nested container created by an op is addressed by the op's ID.
type Op struct {
	ID         ID              `json:"id"`
	Lamport    uint64          `json:"l"`
	Type       OpType          `json:"t"`
	Parent     string          `json:"p"`
	ParentKind Kind            `json:"pk"`
	Key        string          `json:"key,omitempty"`
	Origin     *ID             `json:"o,omitempty"`
	Target     *ID             `json:"x,omitempty"`
	Value      json.RawMessage `json:"v,omitempty"`
	Text       string          `json:"s,omitempty"`
	Kind       Kind            `json:"n,omitempty"`
	Deleted    bool            `json:"d,omitempty"`
}

// Creates returns the key of the nested container op creates, if any.
func (op Op) Creates() (string, bool) {
	if op.Kind == KindNone || op.Deleted || op.Type == OpDelete {
		return "", false
	}
	return op.ID.containerKey(), true
}

func (op Op) stamp() stamp {
	return stamp{lamport: op.Lamport, client: op.ID.Client}
}

func (op Op) validate() error {
	if op.ID.Client == 0 || op.ID.Clock == 0 {
		return fmt.Errorf("%w: op id %s", ErrMalformedUpdate, op.ID)
	}
	if op.Lamport == 0 {
		return fmt.Errorf("%w: op %s has zero lamport", ErrMalformedUpdate, op.ID)
	}
	if op.Lamport > MaxLamport || op.ID.Clock > MaxLamport {
		return fmt.Errorf("%w: op %s stamp %d exceeds %d", ErrMalformedUpdate, op.ID, op.Lamport, MaxLamport)
	}
	if strings.TrimSpace(op.Parent) == "" {
		return fmt.Errorf("%w: op %s has no parent", ErrMalformedUpdate, op.ID)
	}
	if op.Kind > KindText || op.ParentKind > KindText {
		return fmt.Errorf("%w: op %s has unknown kind", ErrMalformedUpdate, op.ID)
	}
	switch op.Type {
	case OpSet:
		if op.Key == "" {
			return fmt.Errorf("%w: set %s without key", ErrMalformedUpdate, op.ID)
		}
		if op.ParentKind != KindMap {
			return fmt.Errorf("%w: set %s on %s", ErrMalformedUpdate, op.ID, op.ParentKind)
		}
	case OpInsert:
		if !op.ParentKind.sequence() {
			return fmt.Errorf("%w: insert %s on %s", ErrMalformedUpdate, op.ID, op.ParentKind)
		}
		if op.ParentKind == KindText && (op.Kind != KindNone || len([]rune(op.Text)) != 1) {
			return fmt.Errorf("%w: text insert %s must carry one character", ErrMalformedUpdate, op.ID)
		}
	case OpDelete:
		if op.Target == nil || op.Target.Client == 0 || op.Target.Clock == 0 {
			return fmt.Errorf("%w: delete %s without target", ErrMalformedUpdate, op.ID)
		}
		if !op.ParentKind.sequence() {
			return fmt.Errorf("%w: delete %s on %s", ErrMalformedUpdate, op.ID, op.ParentKind)
		}
	default:
		return fmt.Errorf("%w: unknown op type %q", ErrMalformedUpdate, op.Type)
	}
	if len(op.Value) > 0 && !json.Valid(op.Value) {
		return fmt.Errorf("%w: op %s carries invalid json", ErrMalformedUpdate, op.ID)
	}
	if isRootKey(op.Parent) {
		return nil
	}
	if !strings.HasPrefix(op.Parent, "#") {
		return fmt.Errorf("%w: op %s parent %q", ErrMalformedUpdate, op.ID, op.Parent)
	}
	return nil
}

func isRootKey(key string) bool {
	return key != "" && !strings.HasPrefix(key, "#")
}

type updatePayload struct {
	Version int  `json:"v"`
	Ops     []Op `json:"ops"`
}

// EncodeOps serializes a batch of ops into an update.
func EncodeOps(ops []Op) ([]byte, error) {
	if ops == nil {
		ops = []Op{}
	}
	return json.Marshal(updatePayload{Version: updateFormatVersion, Ops: ops})
}

// DecodeUpdate parses and validates an update. Any invalid op rejects the whole update.
func DecodeUpdate(raw []byte) ([]Op, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedUpdate)
	}
	var payload updatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if payload.Version != updateFormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedUpdate, payload.Version)
	}
	for _, op := range payload.Ops {
		if err := op.validate(); err != nil {
			return nil, err
		}
	}
	return payload.Ops, nil
}

// IsEmptyUpdate reports whether an encoded update carries no ops.
func IsEmptyUpdate(raw []byte) bool {
	ops, err := DecodeUpdate(raw)
	return err == nil && len(ops) == 0
}

// MergeUpdates concatenates updates into one. Empty inputs are skipped and a
// result with no ops is nil.
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	var merged []Op
	for _, raw := range updates {
		if len(raw) == 0 {
			continue
		}
		ops, err := DecodeUpdate(raw)
		if err != nil {
			return nil, err
		}
		merged = append(merged, ops...)
	}
	if len(merged) == 0 {
		return nil, nil
	}
	return EncodeOps(merged)
}
