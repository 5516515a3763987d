package syncproto

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Command is a typed mutation request. Args are decoded per Name.
type Command struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Command names accepted over the socket.
const (
	CommandCreateStudy           = "createStudy"
	CommandRenameStudy           = "renameStudy"
	CommandDeleteStudy           = "deleteStudy"
	CommandCreateChecklist       = "createChecklist"
	CommandUpdateChecklistAnswer = "updateChecklistAnswer"
	CommandUpdateChecklist       = "updateChecklist"
	CommandSetPdfTag             = "setPdfTag"
	CommandRemovePdfFromStudy    = "removePdfFromStudy"
)

var argsValidate = validator.New()

// CreateStudyArgs names a new study.
type CreateStudyArgs struct {
	Name string `json:"name" validate:"required,max=255"`
}

// RenameStudyArgs renames a study.
type RenameStudyArgs struct {
	StudyID string `json:"studyId" validate:"required"`
	Name    string `json:"name" validate:"required,max=255"`
}

// StudyArgs addresses a study.
type StudyArgs struct {
	StudyID string `json:"studyId" validate:"required"`
}

// CreateChecklistArgs adds a checklist to a study.
type CreateChecklistArgs struct {
	StudyID    string `json:"studyId" validate:"required"`
	Type       string `json:"type" validate:"required"`
	AssignedTo string `json:"assignedTo"`
}

// UpdateChecklistAnswerArgs writes one answer.
type UpdateChecklistAnswerArgs struct {
	StudyID     string          `json:"studyId" validate:"required"`
	ChecklistID string          `json:"checklistId" validate:"required"`
	QuestionKey string          `json:"questionKey" validate:"required"`
	Value       json.RawMessage `json:"value" validate:"required"`
}

// UpdateChecklistArgs patches a checklist's status or assignee.
type UpdateChecklistArgs struct {
	StudyID     string  `json:"studyId" validate:"required"`
	ChecklistID string  `json:"checklistId" validate:"required"`
	Status      *string `json:"status,omitempty"`
	AssignedTo  *string `json:"assignedTo,omitempty"`
}

// PdfArgs addresses a PDF, optionally with a new tag.
type PdfArgs struct {
	StudyID string `json:"studyId" validate:"required"`
	PdfID   string `json:"pdfId" validate:"required"`
	Tag     string `json:"tag,omitempty" validate:"omitempty,oneof=primary protocol secondary"`
}

// DecodeArgs unmarshals and validates a command's args into dst.
func (c Command) DecodeArgs(dst any) error {
	args := c.Args
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, dst); err != nil {
		return fmt.Errorf("%w: %s args: %v", ErrMalformedMessage, c.Name, err)
	}
	if err := argsValidate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %s args: %v", ErrMalformedMessage, c.Name, err)
	}
	return nil
}
