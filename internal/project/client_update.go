package project

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/corates/backend/internal/crdt"
)

const maxContainerDepth = 16

// checklistFieldsFromCommands are written only by the gateway; a client
// update that sets them would skip the schema or the status machine.
var checklistFieldsFromCommands = map[string]bool{
	fieldID:                true,
	fieldType:              true,
	fieldReviewersRequired: true,
	fieldStatusLog:         true,
}

type containerLink struct {
	parent string
	field  string
}

// pathStep is one container on the way from a root down to an op's parent.
// field is the map key holding the container, "" for roots and array
// elements.
type pathStep struct {
	key   string
	field string
}

// CheckClientUpdate decides whether an editor's raw update may be merged.
// The replica bounds its clocks first. Beyond that, the meta and members
// roots and every checklist's identity, type and status log are written
// through commands only, a finalized checklist accepts nothing, and answers
// must fit the checklist's schema. Study content and question notes pass.
func (d *Document) CheckClientUpdate(raw []byte) error {
	ops, err := d.doc.CheckUpdate(raw)
	if err != nil {
		return err
	}
	created := make(map[string]containerLink)
	for _, op := range ops {
		if key, ok := op.Creates(); ok {
			created[key] = containerLink{parent: op.Parent, field: op.Key}
		}
	}
	for _, op := range ops {
		if err := d.checkClientOp(op, created); err != nil {
			return err
		}
	}
	return nil
}

func (d *Document) checkClientOp(op crdt.Op, created map[string]containerLink) error {
	steps, ok := d.containerPath(op.Parent, created)
	if !ok {
		return fmt.Errorf("%w: op %s targets an unknown container", ErrValidation, op.ID)
	}
	switch steps[0].key {
	case rootStudies:
	case rootMeta, rootMembers:
		return fmt.Errorf("%w: %s is written through commands only", ErrValidation, steps[0].key)
	default:
		return fmt.Errorf("%w: unknown root %q", ErrValidation, steps[0].key)
	}

	// studies > study > checklists > checklist > answers|notes|statusLog > note
	switch {
	case len(steps) == 2:
		return d.checkStudyOp(op, steps[1])
	case len(steps) == 3 && steps[2].field == fieldChecklists:
		return d.checkChecklistsOp(op, steps[2])
	case len(steps) >= 4 && steps[2].field == fieldChecklists:
		return d.checkChecklistOp(op, steps[3:])
	}
	return nil
}

// containerPath walks from key up to its root and returns the steps root
// first. Containers created earlier in the same update resolve through
// created.
func (d *Document) containerPath(key string, created map[string]containerLink) ([]pathStep, bool) {
	steps := make([]pathStep, 0, 6)
	for depth := 0; depth < maxContainerDepth; depth++ {
		parent, field, ok := d.doc.Link(key)
		if !ok {
			link, isNew := created[key]
			if !isNew {
				if len(key) == 0 || key[0] == '#' {
					return nil, false
				}
				steps = append(steps, pathStep{key: key})
				for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
					steps[i], steps[j] = steps[j], steps[i]
				}
				return steps, true
			}
			parent, field = link.parent, link.field
		}
		steps = append(steps, pathStep{key: key, field: field})
		key = parent
	}
	return nil, false
}

// checkStudyOp guards replacing a study's checklist map wholesale.
func (d *Document) checkStudyOp(op crdt.Op, study pathStep) error {
	if op.Key != fieldChecklists {
		return nil
	}
	studyMap, ok := d.doc.MapAt(study.key)
	if !ok {
		return nil
	}
	checklists, ok := childMap(studyMap, fieldChecklists)
	if !ok {
		return nil
	}
	for _, checklistID := range checklists.Keys() {
		if checklist, ok := childMap(checklists, checklistID); ok && checklistStatus(checklist) == StatusFinalized {
			return fmt.Errorf("%w: checklist %q", ErrChecklistFinalized, checklistID)
		}
	}
	return nil
}

// checkChecklistsOp guards replacing or removing one checklist.
func (d *Document) checkChecklistsOp(op crdt.Op, checklists pathStep) error {
	checklistsMap, ok := d.doc.MapAt(checklists.key)
	if !ok {
		return nil
	}
	if checklist, ok := childMap(checklistsMap, op.Key); ok && checklistStatus(checklist) == StatusFinalized {
		return fmt.Errorf("%w: checklist %q", ErrChecklistFinalized, op.Key)
	}
	return nil
}

// checkChecklistOp guards ops on a checklist or anything below it. steps
// starts at the checklist.
func (d *Document) checkChecklistOp(op crdt.Op, steps []pathStep) error {
	checklist, exists := d.doc.MapAt(steps[0].key)
	if exists && checklistStatus(checklist) == StatusFinalized {
		return fmt.Errorf("%w: checklist %q", ErrChecklistFinalized, steps[0].field)
	}
	if len(steps) == 1 {
		if checklistFieldsFromCommands[op.Key] {
			return fmt.Errorf("%w: checklist field %q is written through commands only", ErrValidation, op.Key)
		}
		return nil
	}
	switch steps[1].field {
	case fieldStatusLog:
		return fmt.Errorf("%w: checklist status changes through commands only", ErrValidation)
	case fieldAnswers:
		if len(steps) > 2 {
			return fmt.Errorf("%w: answers hold plain values", ErrInvalidAnswer)
		}
		if op.Type != crdt.OpSet || op.Deleted {
			return nil
		}
		if !exists {
			return fmt.Errorf("%w: checklist %q", ErrNotFound, steps[0].field)
		}
		schema, err := ParseChecklistType(checklist.GetString(fieldType))
		if err != nil {
			return err
		}
		if op.Kind != crdt.KindNone {
			return fmt.Errorf("%w: %s expects one of %v", ErrInvalidAnswer, op.Key, schema.Options)
		}
		return schema.ValidateAnswer(op.Key, op.Value)
	}
	return nil
}
