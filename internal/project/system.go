package project

import (
	"fmt"
)

// ApplyMetadata writes the fields of a relational project change into the
// document. Only fields that differ are written.
func (d *Document) ApplyMetadata(patch MetadataPatch) ([]byte, error) {
	meta := d.meta()
	changes := make(map[string]any)
	if patch.Name != nil && meta.GetString(fieldName) != *patch.Name {
		changes[fieldName] = *patch.Name
	}
	if patch.Description != nil && meta.GetString(fieldDescription) != *patch.Description {
		changes[fieldDescription] = *patch.Description
	}
	if patch.OrgID != nil && meta.GetString(fieldOrgID) != *patch.OrgID {
		changes[fieldOrgID] = *patch.OrgID
	}
	if patch.CreatedAt != nil && getInt(meta, fieldCreatedAt) != *patch.CreatedAt {
		changes[fieldCreatedAt] = *patch.CreatedAt
	}
	if patch.UpdatedAt != nil && getInt(meta, fieldUpdatedAt) != *patch.UpdatedAt {
		changes[fieldUpdatedAt] = *patch.UpdatedAt
	}
	if len(changes) == 0 {
		return nil, nil
	}
	return d.doc.Transact(func() error {
		for key, value := range changes {
			if err := meta.Set(key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

// ApplyMember mirrors one membership change from the relational store.
// Removing an absent member and re-adding an identical record write nothing.
func (d *Document) ApplyMember(action MemberAction, member Member) ([]byte, error) {
	action, err := ParseMemberAction(string(action))
	if err != nil {
		return nil, err
	}
	if action == MemberRemove {
		if member.UserID == "" {
			return nil, fmt.Errorf("%w: member user id required", ErrValidation)
		}
		return d.doc.Transact(func() error {
			d.members().Delete(member.UserID)
			return nil
		})
	}
	if err := payloadValidate.Struct(member); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if existing, ok := d.Member(member.UserID); ok {
		if existing == member {
			return nil, nil
		}
		if action == MemberUpdate && member.JoinedAt == 0 {
			member.JoinedAt = existing.JoinedAt
		}
	}
	return d.doc.Transact(func() error {
		return d.members().Set(member.UserID, member)
	})
}

// ReplaceMembers mirrors a full membership list, removing anyone not in it.
func (d *Document) ReplaceMembers(members []Member) ([]byte, error) {
	wanted := make(map[string]Member, len(members))
	for _, member := range members {
		if err := payloadValidate.Struct(member); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		wanted[member.UserID] = member
	}
	current := make(map[string]Member)
	for _, member := range d.Members() {
		current[member.UserID] = member
	}
	return d.doc.Transact(func() error {
		for userID := range current {
			if _, keep := wanted[userID]; !keep {
				d.members().Delete(userID)
			}
		}
		for _, member := range sortedMembers(members) {
			if existing, ok := current[member.UserID]; ok && existing == member {
				continue
			}
			if err := d.members().Set(member.UserID, member); err != nil {
				return err
			}
		}
		return nil
	})
}
