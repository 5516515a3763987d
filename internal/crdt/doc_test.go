package crdt

import (
	"encoding/json"
	"math"
	"math/rand/v2"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTransact(t *testing.T, doc *Doc, fn func()) []byte {
	t.Helper()
	update, err := doc.Transact(func() error {
		fn()
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, update)
	return update
}

func mustApply(t *testing.T, doc *Doc, update []byte) ApplyResult {
	t.Helper()
	result, err := doc.ApplyUpdate(update)
	require.NoError(t, err)
	return result
}

func TestConcurrentMapWritesCommute(t *testing.T) {
	base := NewDoc(1)
	seed := mustTransact(t, base, func() {
		require.NoError(t, base.Map("answers").Set("q0", "seed"))
	})

	left := NewDoc(2)
	right := NewDoc(3)
	mustApply(t, left, seed)
	mustApply(t, right, seed)

	u1 := mustTransact(t, left, func() {
		require.NoError(t, left.Map("answers").Set("q1", "yes"))
		require.NoError(t, left.Map("answers").Set("shared", "left"))
	})
	u2 := mustTransact(t, right, func() {
		require.NoError(t, right.Map("answers").Set("q2", "no"))
		require.NoError(t, right.Map("answers").Set("shared", "right"))
	})

	first := NewDoc(10)
	mustApply(t, first, seed)
	mustApply(t, first, u1)
	mustApply(t, first, u2)

	second := NewDoc(11)
	mustApply(t, second, seed)
	mustApply(t, second, u2)
	mustApply(t, second, u1)

	assert.Equal(t, first.ToJSON(), second.ToJSON())
	answers := first.Map("answers")
	assert.Equal(t, "yes", answers.GetString("q1"))
	assert.Equal(t, "no", answers.GetString("q2"))
	// equal lamport stamps fall back to the higher client id
	assert.Equal(t, "right", answers.GetString("shared"))
}

func TestApplyUpdateIsIdempotent(t *testing.T) {
	author := NewDoc(1)
	update := mustTransact(t, author, func() {
		require.NoError(t, author.Array("studies").Push("a"))
		require.NoError(t, author.Text("note").Insert(0, "hello"))
	})

	replica := NewDoc(2)
	first := mustApply(t, replica, update)
	assert.Equal(t, 6, first.Applied)
	before := replica.ToJSON()

	second := mustApply(t, replica, update)
	assert.Equal(t, 0, second.Applied)
	assert.Equal(t, 6, second.Duplicates)
	assert.Equal(t, before, replica.ToJSON())
	assert.Equal(t, author.StateVector(), replica.StateVector())
}

func TestOutOfOrderUpdatesAreBufferedUntilDependenciesArrive(t *testing.T) {
	author := NewDoc(1)
	first := mustTransact(t, author, func() {
		require.NoError(t, author.Text("note").Insert(0, "ab"))
	})
	second := mustTransact(t, author, func() {
		require.NoError(t, author.Text("note").Insert(2, "cd"))
	})

	replica := NewDoc(2)
	result := mustApply(t, replica, second)
	assert.Equal(t, 0, result.Applied)
	assert.Equal(t, 2, result.Pending)
	assert.Equal(t, "", replica.Text("note").String())

	result = mustApply(t, replica, first)
	assert.Equal(t, 4, result.Applied)
	assert.Equal(t, 0, replica.PendingCount())
	assert.Equal(t, "abcd", replica.Text("note").String())
}

func TestConcurrentTextEditsInterleaveWithoutLoss(t *testing.T) {
	origin := NewDoc(1)
	seed := mustTransact(t, origin, func() {
		require.NoError(t, origin.Text("note").Insert(0, "risk"))
	})

	alice := NewDoc(2)
	bob := NewDoc(3)
	mustApply(t, alice, seed)
	mustApply(t, bob, seed)

	fromAlice := mustTransact(t, alice, func() {
		require.NoError(t, alice.Text("note").Insert(0, "low "))
	})
	fromBob := mustTransact(t, bob, func() {
		require.NoError(t, bob.Text("note").Insert(4, " of bias"))
	})

	mustApply(t, alice, fromBob)
	mustApply(t, bob, fromAlice)

	assert.Equal(t, "low risk of bias", alice.Text("note").String())
	assert.Equal(t, alice.Text("note").String(), bob.Text("note").String())
}

func TestConcurrentInsertsAtSamePositionConverge(t *testing.T) {
	alice := NewDoc(2)
	bob := NewDoc(3)

	fromAlice := mustTransact(t, alice, func() {
		require.NoError(t, alice.Text("note").Insert(0, "AAA"))
	})
	fromBob := mustTransact(t, bob, func() {
		require.NoError(t, bob.Text("note").Insert(0, "BBB"))
	})
	mustApply(t, alice, fromBob)
	mustApply(t, bob, fromAlice)

	merged := alice.Text("note").String()
	assert.Equal(t, merged, bob.Text("note").String())
	assert.Contains(t, []string{"AAABBB", "BBBAAA"}, merged)
}

func TestReplicasConvergeUnderAnyDeliveryOrder(t *testing.T) {
	const replicas = 4
	docs := make([]*Doc, replicas)
	for i := range docs {
		docs[i] = NewDoc(ClientID(i + 1))
	}

	var updates [][]byte
	for round := 0; round < 3; round++ {
		for i, doc := range docs {
			doc := doc
			index := i
			update := mustTransact(t, doc, func() {
				require.NoError(t, doc.Map("meta").Set("round", round*10+index))
				require.NoError(t, doc.Array("log").Push(index))
				text := doc.Text("note")
				require.NoError(t, text.Insert(text.Len(), "x"))
				if text.Len() > 2 {
					require.NoError(t, text.Delete(0, 1))
				}
			})
			updates = append(updates, update)
		}
	}

	rng := rand.New(rand.NewPCG(7, 11))
	var expected map[string]any
	for trial := 0; trial < 6; trial++ {
		order := rng.Perm(len(updates))
		replica := NewDoc(ClientID(100 + trial))
		for _, index := range order {
			mustApply(t, replica, updates[index])
		}
		require.Equal(t, 0, replica.PendingCount())
		state := replica.ToJSON()
		if expected == nil {
			expected = state
			continue
		}
		assert.Equal(t, expected, state, "trial %d diverged", trial)
	}
}

func TestEncodeUpdateSinceVectorReturnsOnlyMissingOps(t *testing.T) {
	server := NewDoc(1)
	client := NewDoc(2)

	initial := mustTransact(t, server, func() {
		require.NoError(t, server.Map("answers").Set("q1", "yes"))
	})
	mustApply(t, client, initial)
	seen := client.StateVector()

	mustTransact(t, server, func() {
		require.NoError(t, server.Map("answers").Set("q2", "no"))
	})
	mustTransact(t, server, func() {
		require.NoError(t, server.Map("answers").Set("q3", "unclear"))
	})

	diff, err := server.EncodeUpdate(seen)
	require.NoError(t, err)
	ops, err := DecodeUpdate(diff)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "q2", ops[0].Key)
	assert.Equal(t, "q3", ops[1].Key)

	mustApply(t, client, diff)
	assert.Equal(t, server.ToJSON(), client.ToJSON())

	empty, err := server.EncodeUpdate(client.StateVector())
	require.NoError(t, err)
	assert.True(t, IsEmptyUpdate(empty))
}

func TestMalformedUpdateIsRejectedWithoutSideEffects(t *testing.T) {
	doc := NewDoc(1)
	_, err := doc.ApplyUpdate([]byte(`{"v":1,"ops":[{"id":{"c":0,"k":1},"l":1,"t":"set","p":"meta","pk":1,"key":"a"}]}`))
	require.ErrorIs(t, err, ErrMalformedUpdate)

	_, err = doc.ApplyUpdate([]byte("not json"))
	require.ErrorIs(t, err, ErrMalformedUpdate)

	_, err = doc.ApplyUpdate([]byte(`{"v":1,"ops":[{"id":{"c":5,"k":1},"l":1,"t":"ins","p":"note","pk":3,"s":"ab"}]}`))
	require.ErrorIs(t, err, ErrMalformedUpdate)

	assert.Empty(t, doc.StateVector())
	assert.Empty(t, doc.ToJSON())
}

func TestDeletedMapKeyStaysDeletedAfterReplay(t *testing.T) {
	doc := NewDoc(1)
	first := mustTransact(t, doc, func() {
		require.NoError(t, doc.Map("members").Set("u1", "owner"))
	})
	second := mustTransact(t, doc, func() {
		doc.Map("members").Delete("u1")
	})

	replica := NewDoc(2)
	mustApply(t, replica, second)
	mustApply(t, replica, first)
	assert.False(t, replica.Map("members").Has("u1"))
}

func TestSnapshotRoundTripPreservesStateAndVector(t *testing.T) {
	doc := NewDoc(1)
	mustTransact(t, doc, func() {
		study := doc.Array("studies").PushMap()
		require.NoError(t, study.Set("name", "Trial A"))
		study.SetText("notes", "draft")
	})

	blob, err := doc.Snapshot()
	require.NoError(t, err)

	restored := NewDoc(9)
	require.NoError(t, restored.LoadSnapshot(blob))
	assert.Equal(t, doc.ToJSON(), restored.ToJSON())
	assert.Equal(t, doc.StateVector(), restored.StateVector())

	_, err = Fold(blob, nil)
	require.NoError(t, err)
	require.ErrorIs(t, restored.LoadSnapshot([]byte{9, 1, 2}), ErrInvalidSnapshot)
}

func TestFoldMatchesIncrementalApplication(t *testing.T) {
	doc := NewDoc(1)
	u1 := mustTransact(t, doc, func() {
		require.NoError(t, doc.Map("meta").Set("name", "Project"))
	})
	snapshot, err := doc.Snapshot()
	require.NoError(t, err)
	u2 := mustTransact(t, doc, func() {
		require.NoError(t, doc.Map("meta").Set("name", "Renamed"))
	})

	folded, err := Fold(snapshot, [][]byte{u1, u2})
	require.NoError(t, err)
	replica := NewDoc(2)
	require.NoError(t, replica.LoadSnapshot(folded))
	assert.Equal(t, "Renamed", replica.Map("meta").GetString("name"))
}

func stampedSet(id ID, lamport uint64, key, value string) Op {
	return Op{
		ID:         id,
		Lamport:    lamport,
		Type:       OpSet,
		Parent:     "meta",
		ParentKind: KindMap,
		Key:        key,
		Value:      json.RawMessage(strconv.Quote(value)),
	}
}

func stampedUpdate(t *testing.T, ops ...Op) []byte {
	t.Helper()
	update, err := EncodeOps(ops)
	require.NoError(t, err)
	return update
}

func TestStampsNearOverflowAreRejected(t *testing.T) {
	doc := NewDoc(1)
	for _, lamport := range []uint64{math.MaxUint64, MaxLamport + 1} {
		_, err := doc.ApplyUpdate(stampedUpdate(t, stampedSet(ID{Client: 7, Clock: 1}, lamport, "name", "hijacked")))
		require.ErrorIs(t, err, ErrMalformedUpdate)
	}
	_, err := doc.ApplyUpdate(stampedUpdate(t, stampedSet(ID{Client: 7, Clock: math.MaxUint64}, 1, "name", "hijacked")))
	require.ErrorIs(t, err, ErrMalformedUpdate)
	assert.Empty(t, doc.StateVector())
}

func TestExhaustedClockFailsLocalWritesInsteadOfWrapping(t *testing.T) {
	doc := NewDoc(1)
	mustApply(t, doc, stampedUpdate(t, stampedSet(ID{Client: 7, Clock: 1}, MaxLamport, "name", "remote")))

	update, err := doc.Transact(func() error {
		return doc.Map("meta").Set("name", "local")
	})
	require.ErrorIs(t, err, ErrClockExhausted)
	assert.Empty(t, update)
	assert.Equal(t, "remote", doc.Map("meta").GetString("name"))
	assert.Zero(t, doc.StateVector().Get(1))

	_, err = doc.Transact(func() error {
		doc.Map("meta").SetMap("nested")
		return nil
	})
	require.ErrorIs(t, err, ErrClockExhausted)
	assert.False(t, doc.Map("meta").Has("nested"))
}

func TestCheckUpdateBoundsClockJumps(t *testing.T) {
	doc := NewDoc(1)
	mustTransact(t, doc, func() {
		require.NoError(t, doc.Map("meta").Set("name", "Project"))
	})

	_, err := doc.CheckUpdate(stampedUpdate(t, stampedSet(ID{Client: 7, Clock: 1}, 2+MaxLamportSkew, "name", "forever")))
	require.ErrorIs(t, err, ErrUpdateOutOfBounds)
	require.ErrorIs(t, err, ErrMalformedUpdate)

	ops, err := doc.CheckUpdate(stampedUpdate(t, stampedSet(ID{Client: 7, Clock: 1}, 1+MaxLamportSkew, "name", "later")))
	require.NoError(t, err)
	assert.Len(t, ops, 1)

	_, err = doc.CheckUpdate(stampedUpdate(t, stampedSet(ID{Client: 1, Clock: 2}, 2, "name", "forged")))
	require.ErrorIs(t, err, ErrUpdateOutOfBounds)

	_, err = doc.CheckUpdate(stampedUpdate(t, stampedSet(ID{Client: 7, Clock: MaxPendingPerClient + 1}, 2, "name", "far")))
	require.ErrorIs(t, err, ErrUpdateOutOfBounds)

	assert.Equal(t, "Project", doc.Map("meta").GetString("name"))
	assert.Zero(t, doc.PendingCount())
}

func TestCheckUpdateBoundsDependencyBuffer(t *testing.T) {
	doc := NewDoc(1)
	stalled := func(client ClientID, count int) []byte {
		ops := make([]Op, 0, count)
		for clock := uint64(2); clock < uint64(count)+2; clock++ {
			ops = append(ops, stampedSet(ID{Client: client, Clock: clock}, 1, "k", "v"))
		}
		return stampedUpdate(t, ops...)
	}
	for client := ClientID(10); client < 14; client++ {
		update := stalled(client, MaxPendingPerClient-1)
		_, err := doc.CheckUpdate(update)
		require.NoError(t, err)
		mustApply(t, doc, update)
	}
	require.Equal(t, 4*(MaxPendingPerClient-1), doc.PendingCount())

	_, err := doc.CheckUpdate(stalled(14, MaxPendingTotal-doc.PendingCount()+1))
	require.ErrorIs(t, err, ErrUpdateOutOfBounds)

	// the missing first op releases a client's whole backlog
	_, err = doc.CheckUpdate(stampedUpdate(t, stampedSet(ID{Client: 10, Clock: 1}, 1, "k", "v")))
	require.NoError(t, err)
	ready := stampedUpdate(t, stampedSet(ID{Client: 14, Clock: 1}, 1, "k", "v"))
	ops, err := doc.CheckUpdate(ready)
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}
