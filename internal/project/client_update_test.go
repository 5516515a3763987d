package project

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarcoPoloResearchLab/corates/backend/internal/crdt"
)

func editorReplica(t *testing.T, server *Document, client crdt.ClientID) *Document {
	t.Helper()
	replica := NewDocument(crdt.NewDoc(client))
	replicate(t, server, replica)
	return replica
}

func TestClientUpdatesMayCreateStudiesButNotChecklists(t *testing.T) {
	gateway := newTestGateway("a")
	server := newProjectDoc(t, 1)

	editor := editorReplica(t, server, 2)
	studyID, update, err := gateway.CreateStudy(editor, member, "Trial A")
	require.NoError(t, err)
	require.NoError(t, server.CheckClientUpdate(update))
	_, err = server.CRDT().ApplyUpdate(update)
	require.NoError(t, err)

	editor = editorReplica(t, server, 3)
	_, update, err = gateway.CreateChecklist(editor, member, studyID, "ROB2", "")
	require.NoError(t, err)
	require.ErrorIs(t, server.CheckClientUpdate(update), ErrValidation)
}

func TestClientUpdatesCannotReplaceFinalizedChecklists(t *testing.T) {
	gateway := newTestGateway("a")
	server := newProjectDoc(t, 1)
	studyID, checklistID := mustStudyWithChecklist(t, gateway, server, "ROBINS_I")
	answerAll(t, gateway, server, studyID, checklistID, "ROBINS_I")
	finalized := StatusFinalized
	_, err := gateway.UpdateChecklist(server, owner, studyID, checklistID, ChecklistPatch{Status: &finalized})
	require.NoError(t, err)

	editor := editorReplica(t, server, 2)
	study, _, ok := editor.findStudy(studyID)
	require.True(t, ok)
	wipe, err := editor.CRDT().Transact(func() error {
		study.SetMap(fieldChecklists)
		return nil
	})
	require.NoError(t, err)
	require.ErrorIs(t, server.CheckClientUpdate(wipe), ErrChecklistFinalized)

	editor = editorReplica(t, server, 3)
	study, _, _ = editor.findStudy(studyID)
	checklists, ok := childMap(study, fieldChecklists)
	require.True(t, ok)
	remove, err := editor.CRDT().Transact(func() error {
		checklists.Delete(checklistID)
		return nil
	})
	require.NoError(t, err)
	require.ErrorIs(t, server.CheckClientUpdate(remove), ErrChecklistFinalized)

	editor = editorReplica(t, server, 4)
	note, err := gateway.GetQuestionNote(editor, member, studyID, checklistID, "d1")
	require.NoError(t, err)
	edit, err := editor.CRDT().Transact(func() error { return note.Insert(0, "late") })
	require.NoError(t, err)
	require.ErrorIs(t, server.CheckClientUpdate(edit), ErrChecklistFinalized)

	rename, err := gateway.RenameStudy(editor, member, studyID, "Trial B")
	require.NoError(t, err)
	assert.NoError(t, server.CheckClientUpdate(rename))
}

func TestClientUpdatesAreBoundedByTheReplica(t *testing.T) {
	server := newProjectDoc(t, 1)
	forged, err := crdt.EncodeOps([]crdt.Op{{
		ID:         crdt.ID{Client: 9, Clock: 1},
		Lamport:    crdt.MaxLamport,
		Type:       crdt.OpSet,
		Parent:     "studies",
		ParentKind: crdt.KindMap,
		Key:        "x",
		Value:      []byte(`1`),
	}})
	require.NoError(t, err)
	require.ErrorIs(t, server.CheckClientUpdate(forged), crdt.ErrUpdateOutOfBounds)
}
