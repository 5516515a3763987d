package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidStateVector indicates that an encoded state vector could not be decoded.
var ErrInvalidStateVector = errors.New("crdt: invalid state vector")

// ClientID identifies one replica. Zero is reserved.
type ClientID uint64

// ID identifies an operation: the issuing replica and its per-replica clock.
type ID struct {
	Client ClientID `json:"c"`
	Clock  uint64   `json:"k"`
}

// IsZero reports whether the identifier is unset.
func (id ID) IsZero() bool {
	return id.Client == 0 && id.Clock == 0
}

func (id ID) containerKey() string {
	return "#" + strconv.FormatUint(uint64(id.Client), 10) + "." + strconv.FormatUint(id.Clock, 10)
}

// String renders the identifier as client.clock.
func (id ID) String() string {
	return strconv.FormatUint(uint64(id.Client), 10) + "." + strconv.FormatUint(id.Clock, 10)
}

// stamp is the total order used for every last-writer-wins decision:
// higher lamport wins, equal lamport falls back to the higher client id.
type stamp struct {
	lamport uint64
	client  ClientID
}

func (s stamp) after(other stamp) bool {
	if s.lamport != other.lamport {
		return s.lamport > other.lamport
	}
	return s.client > other.client
}

// StateVector maps each replica to the highest contiguous clock integrated from it.
type StateVector map[ClientID]uint64

// Get returns the clock recorded for the client, zero when unseen.
func (sv StateVector) Get(client ClientID) uint64 {
	if sv == nil {
		return 0
	}
	return sv[client]
}

// Clone returns an independent copy.
func (sv StateVector) Clone() StateVector {
	clone := make(StateVector, len(sv))
	for client, clock := range sv {
		clone[client] = clock
	}
	return clone
}

// Covers reports whether sv has seen everything other has seen.
func (sv StateVector) Covers(other StateVector) bool {
	for client, clock := range other {
		if sv.Get(client) < clock {
			return false
		}
	}
	return true
}

// String renders the vector deterministically, for logs.
func (sv StateVector) String() string {
	clients := make([]ClientID, 0, len(sv))
	for client := range sv {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	parts := make([]string, 0, len(clients))
	for _, client := range clients {
		parts = append(parts, fmt.Sprintf("%d:%d", client, sv[client]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// EncodeStateVector serializes the vector for the wire.
func EncodeStateVector(sv StateVector) ([]byte, error) {
	if sv == nil {
		sv = StateVector{}
	}
	return json.Marshal(sv)
}

// DecodeStateVector parses a vector produced by EncodeStateVector. Empty input is the empty vector.
func DecodeStateVector(raw []byte) (StateVector, error) {
	if len(raw) == 0 {
		return StateVector{}, nil
	}
	sv := StateVector{}
	if err := json.Unmarshal(raw, &sv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStateVector, err)
	}
	for client := range sv {
		if client == 0 {
			return nil, fmt.Errorf("%w: zero client id", ErrInvalidStateVector)
		}
	}
	return sv, nil
}
