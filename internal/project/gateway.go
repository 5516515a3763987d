package project

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/corates/backend/internal/crdt"
)

const (
	opCreateStudy           = "project.create_study"
	opRenameStudy           = "project.rename_study"
	opDeleteStudy           = "project.delete_study"
	opCreateChecklist       = "project.create_checklist"
	opUpdateChecklistAnswer = "project.update_checklist_answer"
	opUpdateChecklist       = "project.update_checklist"
	opAddPdfToStudy         = "project.add_pdf_to_study"
	opSetPdfTag             = "project.set_pdf_tag"
	opRemovePdfFromStudy    = "project.remove_pdf_from_study"
	opGetQuestionNote       = "project.get_question_note"
	logFieldStudyID         = "study_id"
	logFieldChecklistID     = "checklist_id"
	logFieldUserID          = "user_id"
)

var payloadValidate = validator.New()

// GatewayConfig wires the gateway's collaborators.
type GatewayConfig struct {
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Gateway turns typed, validated commands into document mutations. Every
// check runs before the first write, so a rejected command leaves the
// document untouched and returns no update. The caller owns the document and
// serializes access to it.
type Gateway struct {
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewGateway constructs a Gateway, defaulting the clock, id provider and logger.
func NewGateway(cfg GatewayConfig) *Gateway {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{clock: clock, idProvider: idProvider, logger: logger}
}

// ChecklistPatch carries a status transition and assignment change. Nil
// fields are left untouched.
type ChecklistPatch struct {
	Status     *Status `json:"status,omitempty"`
	AssignedTo *string `json:"assignedTo,omitempty"`
}

func (g *Gateway) now() int64 {
	return g.clock().UTC().UnixMilli()
}

func (g *Gateway) reject(operation string, actor Actor, err error, fields ...zap.Field) error {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String(logFieldUserID, actor.UserID),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	g.logger.Info("mutation rejected", attrs...)
	return err
}

func requireEditor(actor Actor) error {
	if strings.TrimSpace(actor.UserID) == "" {
		return fmt.Errorf("%w: anonymous actor", ErrAccessDenied)
	}
	if !actor.Role.CanEdit() {
		return fmt.Errorf("%w: role %q cannot edit", ErrAccessDenied, actor.Role)
	}
	return nil
}

func requireReader(actor Actor) error {
	if strings.TrimSpace(actor.UserID) == "" {
		return fmt.Errorf("%w: anonymous actor", ErrAccessDenied)
	}
	if _, err := ParseRole(string(actor.Role)); err != nil {
		return fmt.Errorf("%w: no role", ErrAccessDenied)
	}
	return nil
}

func normalizeName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" || len(name) > maxNameLength {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, raw)
	}
	return name, nil
}

// CreateStudy appends a new study and returns its id with the update.
func (g *Gateway) CreateStudy(doc *Document, actor Actor, name string) (string, []byte, error) {
	if err := requireEditor(actor); err != nil {
		return "", nil, g.reject(opCreateStudy, actor, err)
	}
	name, err := normalizeName(name)
	if err != nil {
		return "", nil, g.reject(opCreateStudy, actor, err)
	}
	studyID, err := g.idProvider.NewID()
	if err != nil {
		return "", nil, fmt.Errorf("%s: id generation failed: %w", opCreateStudy, err)
	}
	createdAt := g.now()
	update, err := doc.doc.Transact(func() error {
		study := doc.studies().PushMap()
		if err := study.Set(fieldID, studyID); err != nil {
			return err
		}
		if err := study.Set(fieldName, name); err != nil {
			return err
		}
		if err := study.Set(fieldCreatedAt, createdAt); err != nil {
			return err
		}
		study.SetArray(fieldPDFs)
		study.SetMap(fieldChecklists)
		return nil
	})
	return studyID, update, err
}

// RenameStudy changes a study's display name.
func (g *Gateway) RenameStudy(doc *Document, actor Actor, studyID, name string) ([]byte, error) {
	if err := requireEditor(actor); err != nil {
		return nil, g.reject(opRenameStudy, actor, err)
	}
	name, err := normalizeName(name)
	if err != nil {
		return nil, g.reject(opRenameStudy, actor, err)
	}
	study, _, ok := doc.findStudy(studyID)
	if !ok {
		return nil, g.reject(opRenameStudy, actor, fmt.Errorf("%w: study %q", ErrNotFound, studyID))
	}
	if study.GetString(fieldName) == name {
		return nil, nil
	}
	return doc.doc.Transact(func() error {
		return study.Set(fieldName, name)
	})
}

// DeleteStudy removes a study with its checklists and returns the attachment
// records whose blobs should be cleaned up.
func (g *Gateway) DeleteStudy(doc *Document, actor Actor, studyID string) ([]PdfMeta, []byte, error) {
	if err := requireEditor(actor); err != nil {
		return nil, nil, g.reject(opDeleteStudy, actor, err)
	}
	study, index, ok := doc.findStudy(studyID)
	if !ok {
		return nil, nil, g.reject(opDeleteStudy, actor, fmt.Errorf("%w: study %q", ErrNotFound, studyID))
	}
	removed := readStudy(study).PDFs
	update, err := doc.doc.Transact(func() error {
		return doc.studies().Delete(index)
	})
	return removed, update, err
}

// CreateChecklist adds a checklist of the given type to a study. Every
// question's note is created up front so concurrent editors share one text.
func (g *Gateway) CreateChecklist(doc *Document, actor Actor, studyID, checklistType, assignedTo string) (string, []byte, error) {
	if err := requireEditor(actor); err != nil {
		return "", nil, g.reject(opCreateChecklist, actor, err)
	}
	schema, err := ParseChecklistType(checklistType)
	if err != nil {
		return "", nil, g.reject(opCreateChecklist, actor, err)
	}
	study, _, ok := doc.findStudy(studyID)
	if !ok {
		return "", nil, g.reject(opCreateChecklist, actor, fmt.Errorf("%w: study %q", ErrNotFound, studyID))
	}
	assignedTo = strings.TrimSpace(assignedTo)
	if assignedTo != "" {
		if _, isMember := doc.Member(assignedTo); !isMember {
			return "", nil, g.reject(opCreateChecklist, actor, fmt.Errorf("%w: assignee %q is not a member", ErrValidation, assignedTo))
		}
	}
	checklistID, err := g.idProvider.NewID()
	if err != nil {
		return "", nil, fmt.Errorf("%s: id generation failed: %w", opCreateChecklist, err)
	}
	createdAt := g.now()

	update, err := doc.doc.Transact(func() error {
		checklists, ok := childMap(study, fieldChecklists)
		if !ok {
			checklists = study.SetMap(fieldChecklists)
		}
		checklist := checklists.SetMap(checklistID)
		fields := map[string]any{
			fieldID:                checklistID,
			fieldType:              string(schema.Type),
			fieldReviewersRequired: schema.ReviewersRequired,
			fieldCreatedAt:         createdAt,
			fieldUpdatedAt:         createdAt,
		}
		if assignedTo != "" {
			fields[fieldAssignedTo] = assignedTo
		}
		for key, value := range fields {
			if err := checklist.Set(key, value); err != nil {
				return err
			}
		}
		statusLog := checklist.SetMap(fieldStatusLog)
		if err := statusLog.Set(string(StatusDraft), statusEntry{At: createdAt, By: actor.UserID}); err != nil {
			return err
		}
		checklist.SetMap(fieldAnswers)
		notes := checklist.SetMap(fieldNotes)
		for _, question := range schema.Questions {
			notes.SetText(question, "")
		}
		return nil
	})
	return checklistID, update, err
}

type statusEntry struct {
	At int64  `json:"at"`
	By string `json:"by"`
}

type checklistRef struct {
	study     crdt.Map
	checklist crdt.Map
	schema    Schema
	status    Status
}

func (d *Document) resolveChecklist(studyID, checklistID string) (checklistRef, error) {
	study, _, ok := d.findStudy(studyID)
	if !ok {
		return checklistRef{}, fmt.Errorf("%w: study %q", ErrNotFound, studyID)
	}
	checklist, ok := findChecklist(study, checklistID)
	if !ok {
		return checklistRef{}, fmt.Errorf("%w: checklist %q", ErrNotFound, checklistID)
	}
	schema, err := ParseChecklistType(checklist.GetString(fieldType))
	if err != nil {
		return checklistRef{}, err
	}
	return checklistRef{study: study, checklist: checklist, schema: schema, status: checklistStatus(checklist)}, nil
}

// UpdateChecklistAnswer writes one answer. A JSON null clears it. Finalized
// checklists and question keys outside the checklist's type are rejected
// without touching the document.
func (g *Gateway) UpdateChecklistAnswer(doc *Document, actor Actor, studyID, checklistID, questionKey string, value json.RawMessage) ([]byte, error) {
	fields := []zap.Field{zap.String(logFieldStudyID, studyID), zap.String(logFieldChecklistID, checklistID)}
	if err := requireEditor(actor); err != nil {
		return nil, g.reject(opUpdateChecklistAnswer, actor, err, fields...)
	}
	ref, err := doc.resolveChecklist(studyID, checklistID)
	if err != nil {
		return nil, g.reject(opUpdateChecklistAnswer, actor, err, fields...)
	}
	if ref.status == StatusFinalized {
		return nil, g.reject(opUpdateChecklistAnswer, actor, ErrChecklistFinalized, fields...)
	}
	if err := ref.schema.ValidateAnswer(questionKey, value); err != nil {
		return nil, g.reject(opUpdateChecklistAnswer, actor, err, fields...)
	}
	updatedAt := g.now()
	return doc.doc.Transact(func() error {
		answers, ok := childMap(ref.checklist, fieldAnswers)
		if !ok {
			answers = ref.checklist.SetMap(fieldAnswers)
		}
		if string(value) == "null" {
			answers.Delete(questionKey)
		} else if err := answers.Set(questionKey, value); err != nil {
			return err
		}
		return ref.checklist.Set(fieldUpdatedAt, updatedAt)
	})
}

// UpdateChecklist applies a status transition and assignment change. Status
// moves only forward; DRAFT may jump to FINALIZED only when a single reviewer
// is required, and leaving DRAFT requires every question answered.
func (g *Gateway) UpdateChecklist(doc *Document, actor Actor, studyID, checklistID string, patch ChecklistPatch) ([]byte, error) {
	fields := []zap.Field{zap.String(logFieldStudyID, studyID), zap.String(logFieldChecklistID, checklistID)}
	if err := requireEditor(actor); err != nil {
		return nil, g.reject(opUpdateChecklist, actor, err, fields...)
	}
	ref, err := doc.resolveChecklist(studyID, checklistID)
	if err != nil {
		return nil, g.reject(opUpdateChecklist, actor, err, fields...)
	}
	if ref.status == StatusFinalized {
		return nil, g.reject(opUpdateChecklist, actor, ErrChecklistFinalized, fields...)
	}

	var target Status
	if patch.Status != nil {
		target, err = ParseStatus(string(*patch.Status))
		if err != nil {
			return nil, g.reject(opUpdateChecklist, actor, err, fields...)
		}
		if err := checkTransition(ref, target); err != nil {
			return nil, g.reject(opUpdateChecklist, actor, err, fields...)
		}
	}
	var assignee string
	changeAssignee := false
	if patch.AssignedTo != nil {
		assignee = strings.TrimSpace(*patch.AssignedTo)
		if assignee != "" {
			if _, isMember := doc.Member(assignee); !isMember {
				return nil, g.reject(opUpdateChecklist, actor, fmt.Errorf("%w: assignee %q is not a member", ErrValidation, assignee), fields...)
			}
		}
		changeAssignee = assignee != ref.checklist.GetString(fieldAssignedTo)
	}
	moveStatus := target != "" && target != ref.status
	if !moveStatus && !changeAssignee {
		return nil, nil
	}

	updatedAt := g.now()
	return doc.doc.Transact(func() error {
		if moveStatus {
			statusLog, ok := childMap(ref.checklist, fieldStatusLog)
			if !ok {
				statusLog = ref.checklist.SetMap(fieldStatusLog)
			}
			if err := statusLog.Set(string(target), statusEntry{At: updatedAt, By: actor.UserID}); err != nil {
				return err
			}
		}
		if changeAssignee {
			if assignee == "" {
				ref.checklist.Delete(fieldAssignedTo)
			} else if err := ref.checklist.Set(fieldAssignedTo, assignee); err != nil {
				return err
			}
		}
		return ref.checklist.Set(fieldUpdatedAt, updatedAt)
	})
}

func checkTransition(ref checklistRef, target Status) error {
	if target == ref.status {
		return nil
	}
	if target.rank() < ref.status.rank() {
		return fmt.Errorf("%w: %s to %s", ErrIllegalTransition, ref.status, target)
	}
	reviewers := int(getInt(ref.checklist, fieldReviewersRequired))
	if reviewers <= 0 {
		reviewers = ref.schema.ReviewersRequired
	}
	switch {
	case ref.status == StatusDraft && target == StatusAwaitingReconciliation && reviewers < 2:
		return fmt.Errorf("%w: single-reviewer checklists finalize directly", ErrIllegalTransition)
	case ref.status == StatusDraft && target == StatusFinalized && reviewers > 1:
		return fmt.Errorf("%w: %d reviewers required before finalizing", ErrIllegalTransition, reviewers)
	}
	if !ref.schema.Complete(checklistAnswers(ref.checklist)) {
		return ErrIncompleteChecklist
	}
	return nil
}

// AddPdfToStudy records an uploaded attachment. Assigning primary or protocol
// takes the tag away from whichever PDF held it.
func (g *Gateway) AddPdfToStudy(doc *Document, actor Actor, studyID string, meta PdfMeta, tag Tag) ([]byte, error) {
	fields := []zap.Field{zap.String(logFieldStudyID, studyID)}
	if err := requireEditor(actor); err != nil {
		return nil, g.reject(opAddPdfToStudy, actor, err, fields...)
	}
	tag, err := ParseTag(string(tag))
	if err != nil {
		return nil, g.reject(opAddPdfToStudy, actor, err, fields...)
	}
	if meta.UploadedBy == "" {
		meta.UploadedBy = actor.UserID
	}
	if meta.UploadedAt == 0 {
		meta.UploadedAt = g.now()
	}
	if err := payloadValidate.Struct(meta); err != nil {
		return nil, g.reject(opAddPdfToStudy, actor, fmt.Errorf("%w: %v", ErrValidation, err), fields...)
	}
	study, _, ok := doc.findStudy(studyID)
	if !ok {
		return nil, g.reject(opAddPdfToStudy, actor, fmt.Errorf("%w: study %q", ErrNotFound, studyID), fields...)
	}
	if _, _, exists := findPdf(study, meta.ID); exists {
		return nil, g.reject(opAddPdfToStudy, actor, fmt.Errorf("%w: pdf %q already attached", ErrValidation, meta.ID), fields...)
	}

	return doc.doc.Transact(func() error {
		pdfs, ok := childArray(study, fieldPDFs)
		if !ok {
			pdfs = study.SetArray(fieldPDFs)
		}
		pdf := pdfs.PushMap()
		values := map[string]any{
			fieldID:         meta.ID,
			fieldKey:        meta.Key,
			fieldFileName:   meta.FileName,
			fieldSize:       meta.Size,
			fieldUploadedBy: meta.UploadedBy,
			fieldUploadedAt: meta.UploadedAt,
		}
		for key, value := range values {
			if err := pdf.Set(key, value); err != nil {
				return err
			}
		}
		return assignTag(study, meta.ID, tag)
	})
}

// SetPdfTag retags an attached PDF.
func (g *Gateway) SetPdfTag(doc *Document, actor Actor, studyID, pdfID string, tag Tag) ([]byte, error) {
	fields := []zap.Field{zap.String(logFieldStudyID, studyID)}
	if err := requireEditor(actor); err != nil {
		return nil, g.reject(opSetPdfTag, actor, err, fields...)
	}
	tag, err := ParseTag(string(tag))
	if err != nil {
		return nil, g.reject(opSetPdfTag, actor, err, fields...)
	}
	study, _, ok := doc.findStudy(studyID)
	if !ok {
		return nil, g.reject(opSetPdfTag, actor, fmt.Errorf("%w: study %q", ErrNotFound, studyID), fields...)
	}
	if _, _, exists := findPdf(study, pdfID); !exists {
		return nil, g.reject(opSetPdfTag, actor, fmt.Errorf("%w: pdf %q", ErrNotFound, pdfID), fields...)
	}
	if pdfTag(study, pdfID) == tag {
		return nil, nil
	}
	return doc.doc.Transact(func() error {
		return assignTag(study, pdfID, tag)
	})
}

// assignTag points the tag's slot at pdfID and clears any other slot that
// still names it. Secondary is the absence of both slots.
func assignTag(study crdt.Map, pdfID string, tag Tag) error {
	switch tag {
	case TagPrimary:
		if study.GetString(fieldProtocolPdf) == pdfID {
			study.Delete(fieldProtocolPdf)
		}
		return study.Set(fieldPrimaryPdf, pdfID)
	case TagProtocol:
		if study.GetString(fieldPrimaryPdf) == pdfID {
			study.Delete(fieldPrimaryPdf)
		}
		return study.Set(fieldProtocolPdf, pdfID)
	default:
		clearTags(study, pdfID)
		return nil
	}
}

func clearTags(study crdt.Map, pdfID string) {
	if study.GetString(fieldPrimaryPdf) == pdfID {
		study.Delete(fieldPrimaryPdf)
	}
	if study.GetString(fieldProtocolPdf) == pdfID {
		study.Delete(fieldProtocolPdf)
	}
}

// RemovePdfFromStudy drops an attachment record and returns it so the caller
// can clean up the blob.
func (g *Gateway) RemovePdfFromStudy(doc *Document, actor Actor, studyID, pdfID string) (PdfMeta, []byte, error) {
	fields := []zap.Field{zap.String(logFieldStudyID, studyID)}
	if err := requireEditor(actor); err != nil {
		return PdfMeta{}, nil, g.reject(opRemovePdfFromStudy, actor, err, fields...)
	}
	study, _, ok := doc.findStudy(studyID)
	if !ok {
		return PdfMeta{}, nil, g.reject(opRemovePdfFromStudy, actor, fmt.Errorf("%w: study %q", ErrNotFound, studyID), fields...)
	}
	pdf, index, exists := findPdf(study, pdfID)
	if !exists {
		return PdfMeta{}, nil, g.reject(opRemovePdfFromStudy, actor, fmt.Errorf("%w: pdf %q", ErrNotFound, pdfID), fields...)
	}
	removed := readPdf(study, pdf)
	update, err := doc.doc.Transact(func() error {
		pdfs, _ := childArray(study, fieldPDFs)
		if err := pdfs.Delete(index); err != nil {
			return err
		}
		clearTags(study, pdfID)
		return nil
	})
	return removed, update, err
}

// GetQuestionNote returns the shared text for a question's note. Edits made
// through the handle are collaborative and must be wrapped in a transaction
// by the document owner.
func (g *Gateway) GetQuestionNote(doc *Document, actor Actor, studyID, checklistID, questionKey string) (crdt.Text, error) {
	if err := requireReader(actor); err != nil {
		return crdt.Text{}, g.reject(opGetQuestionNote, actor, err)
	}
	ref, err := doc.resolveChecklist(studyID, checklistID)
	if err != nil {
		return crdt.Text{}, g.reject(opGetQuestionNote, actor, err)
	}
	if !ref.schema.HasQuestion(questionKey) {
		return crdt.Text{}, g.reject(opGetQuestionNote, actor, fmt.Errorf("%w: %q", ErrUnknownQuestion, questionKey))
	}
	notes, ok := childMap(ref.checklist, fieldNotes)
	if !ok {
		return crdt.Text{}, fmt.Errorf("%w: notes for checklist %q", ErrNotFound, checklistID)
	}
	value, ok := notes.Get(questionKey)
	if !ok {
		return crdt.Text{}, fmt.Errorf("%w: note %q", ErrNotFound, questionKey)
	}
	text, ok := value.Text()
	if !ok {
		return crdt.Text{}, fmt.Errorf("%w: note %q is not text", ErrNotFound, questionKey)
	}
	return text, nil
}
