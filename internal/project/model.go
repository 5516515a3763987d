package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks requests rejected before reaching the document.
	ErrValidation = errors.New("project: validation failed")
	// ErrAccessDenied marks requests from actors without the required role.
	ErrAccessDenied = errors.New("project: access denied")
	// ErrNotFound marks references to studies, checklists or PDFs that do not exist.
	ErrNotFound = errors.New("project: not found")
	// ErrChecklistFinalized marks writes against a finalized checklist.
	ErrChecklistFinalized = errors.New("project: checklist finalized")
	// ErrIllegalTransition marks status changes the state machine does not allow.
	ErrIllegalTransition = errors.New("project: illegal status transition")

	// Validation failures; each wraps ErrValidation.
	ErrUnknownQuestion      = fmt.Errorf("%w: unknown question key", ErrValidation)
	ErrInvalidAnswer        = fmt.Errorf("%w: invalid answer", ErrValidation)
	ErrInvalidTag           = fmt.Errorf("%w: invalid pdf tag", ErrValidation)
	ErrInvalidRole          = fmt.Errorf("%w: invalid role", ErrValidation)
	ErrInvalidChecklistType = fmt.Errorf("%w: invalid checklist type", ErrValidation)
	ErrInvalidName          = fmt.Errorf("%w: invalid name", ErrValidation)
	ErrIncompleteChecklist  = fmt.Errorf("%w: checklist has unanswered questions", ErrIllegalTransition)
)

const maxNameLength = 255

// Role is a project membership role.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

// ParseRole validates a raw role string.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleOwner:
		return RoleOwner, nil
	case RoleMember:
		return RoleMember, nil
	case RoleViewer:
		return RoleViewer, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
	}
}

// CanEdit reports whether the role may mutate collaborative state.
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleMember
}

// Actor is an authenticated user whose role was verified against the relational store.
type Actor struct {
	UserID string
	Role   Role
}

// Status is a checklist lifecycle state.
type Status string

const (
	StatusDraft                  Status = "DRAFT"
	StatusAwaitingReconciliation Status = "AWAITING_RECONCILIATION"
	StatusFinalized              Status = "FINALIZED"
)

func (s Status) rank() int {
	switch s {
	case StatusDraft:
		return 0
	case StatusAwaitingReconciliation:
		return 1
	case StatusFinalized:
		return 2
	default:
		return -1
	}
}

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if status.rank() < 0 {
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, raw)
	}
	return status, nil
}

// Tag classifies a PDF attachment within its study.
type Tag string

const (
	TagPrimary   Tag = "primary"
	TagProtocol  Tag = "protocol"
	TagSecondary Tag = "secondary"
)

// ParseTag validates a raw tag; empty means secondary.
func ParseTag(raw string) (Tag, error) {
	switch Tag(strings.ToLower(strings.TrimSpace(raw))) {
	case TagPrimary:
		return TagPrimary, nil
	case TagProtocol:
		return TagProtocol, nil
	case TagSecondary, "":
		return TagSecondary, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTag, raw)
	}
}

// PdfMeta is the attachment record stored in the document. Binary content lives in blob storage under Key.
type PdfMeta struct {
	ID         string `json:"id" validate:"required,max=190"`
	Key        string `json:"key" validate:"required,max=1024"`
	FileName   string `json:"fileName" validate:"required,max=255"`
	Size       int64  `json:"size" validate:"gte=0"`
	UploadedBy string `json:"uploadedBy" validate:"required,max=190"`
	UploadedAt int64  `json:"uploadedAt" validate:"gte=0"`
	Tag        Tag    `json:"tag"`
}

// Member is the denormalized membership record mirrored from the relational store.
type Member struct {
	UserID      string `json:"userId" validate:"required,max=190"`
	Role        Role   `json:"role" validate:"required,oneof=owner member viewer"`
	JoinedAt    int64  `json:"joinedAt"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Metadata is the project header.
type Metadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	OrgID       string `json:"orgId"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// MetadataPatch carries the fields a relational command changed. Nil fields are left untouched.
type MetadataPatch struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	OrgID       *string `json:"orgId,omitempty"`
	CreatedAt   *int64  `json:"createdAt,omitempty"`
	UpdatedAt   *int64  `json:"updatedAt,omitempty"`
}

// MemberAction enumerates membership changes pushed by the relational layer.
type MemberAction string

const (
	MemberAdd    MemberAction = "add"
	MemberUpdate MemberAction = "update"
	MemberRemove MemberAction = "remove"
)

// ParseMemberAction validates a raw member action.
func ParseMemberAction(raw string) (MemberAction, error) {
	switch MemberAction(strings.ToLower(strings.TrimSpace(raw))) {
	case MemberAdd:
		return MemberAdd, nil
	case MemberUpdate:
		return MemberUpdate, nil
	case MemberRemove:
		return MemberRemove, nil
	default:
		return "", fmt.Errorf("%w: unknown member action %q", ErrValidation, raw)
	}
}

// Study is a read view of one study.
type Study struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	CreatedAt  int64       `json:"createdAt"`
	PDFs       []PdfMeta   `json:"pdfs"`
	Checklists []Checklist `json:"checklists"`
}

// Checklist is a read view of one checklist.
type Checklist struct {
	ID                string                     `json:"id"`
	Type              ChecklistType              `json:"type"`
	Status            Status                     `json:"status"`
	AssignedTo        string                     `json:"assignedTo,omitempty"`
	ReviewersRequired int                        `json:"reviewersRequired"`
	Answers           map[string]json.RawMessage `json:"answers"`
	Notes             map[string]string          `json:"notes"`
	CreatedAt         int64                      `json:"createdAt"`
	UpdatedAt         int64                      `json:"updatedAt"`
}
