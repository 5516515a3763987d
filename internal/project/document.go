package project

import (
	"encoding/json"
	"sort"

	"github.com/MarcoPoloResearchLab/corates/backend/internal/crdt"
)

const (
	rootMeta    = "meta"
	rootMembers = "members"
	rootStudies = "studies"

	fieldID                = "id"
	fieldName              = "name"
	fieldDescription       = "description"
	fieldOrgID             = "orgId"
	fieldCreatedAt         = "createdAt"
	fieldUpdatedAt         = "updatedAt"
	fieldPDFs              = "pdfs"
	fieldChecklists        = "checklists"
	fieldPrimaryPdf        = "primaryPdfId"
	fieldProtocolPdf       = "protocolPdfId"
	fieldType              = "type"
	fieldAssignedTo        = "assignedTo"
	fieldReviewersRequired = "reviewersRequired"
	fieldStatusLog         = "statusLog"
	fieldAnswers           = "answers"
	fieldNotes             = "notes"
	fieldKey               = "key"
	fieldFileName          = "fileName"
	fieldSize              = "size"
	fieldUploadedBy        = "uploadedBy"
	fieldUploadedAt        = "uploadedAt"
)

// Document lays the project model out over a replicated document: a meta map,
// a members map keyed by user id and an ordered array of studies.
type Document struct {
	doc *crdt.Doc
}

// NewDocument wraps a replica. The replica remains owned by the caller.
func NewDocument(doc *crdt.Doc) *Document {
	return &Document{doc: doc}
}

// CRDT exposes the underlying replica.
func (d *Document) CRDT() *crdt.Doc {
	return d.doc
}

func (d *Document) meta() crdt.Map {
	return d.doc.Map(rootMeta)
}

func (d *Document) members() crdt.Map {
	return d.doc.Map(rootMembers)
}

func (d *Document) studies() crdt.Array {
	return d.doc.Array(rootStudies)
}

// Metadata returns the project header.
func (d *Document) Metadata() Metadata {
	meta := d.meta()
	return Metadata{
		Name:        meta.GetString(fieldName),
		Description: meta.GetString(fieldDescription),
		OrgID:       meta.GetString(fieldOrgID),
		CreatedAt:   getInt(meta, fieldCreatedAt),
		UpdatedAt:   getInt(meta, fieldUpdatedAt),
	}
}

// Members returns the cached membership, ordered by user id.
func (d *Document) Members() []Member {
	members := d.members()
	out := make([]Member, 0, members.Len())
	for _, userID := range members.Keys() {
		if member, ok := d.Member(userID); ok {
			out = append(out, member)
		}
	}
	return out
}

// Member returns the cached record for userID.
func (d *Document) Member(userID string) (Member, bool) {
	value, ok := d.members().Get(userID)
	if !ok {
		return Member{}, false
	}
	var member Member
	if err := value.Decode(&member); err != nil {
		return Member{}, false
	}
	return member, true
}

// Studies returns every study in document order.
func (d *Document) Studies() []Study {
	values := d.studies().Values()
	out := make([]Study, 0, len(values))
	for _, value := range values {
		study, ok := value.Map()
		if !ok {
			continue
		}
		out = append(out, readStudy(study))
	}
	return out
}

// Study returns one study by id.
func (d *Document) Study(studyID string) (Study, bool) {
	study, _, ok := d.findStudy(studyID)
	if !ok {
		return Study{}, false
	}
	return readStudy(study), true
}

func (d *Document) findStudy(studyID string) (crdt.Map, int, bool) {
	for index, value := range d.studies().Values() {
		study, ok := value.Map()
		if !ok {
			continue
		}
		if study.GetString(fieldID) == studyID {
			return study, index, true
		}
	}
	return crdt.Map{}, -1, false
}

func findChecklist(study crdt.Map, checklistID string) (crdt.Map, bool) {
	checklists, ok := childMap(study, fieldChecklists)
	if !ok {
		return crdt.Map{}, false
	}
	return childMap(checklists, checklistID)
}

func findPdf(study crdt.Map, pdfID string) (crdt.Map, int, bool) {
	pdfs, ok := childArray(study, fieldPDFs)
	if !ok {
		return crdt.Map{}, -1, false
	}
	for index, value := range pdfs.Values() {
		pdf, ok := value.Map()
		if ok && pdf.GetString(fieldID) == pdfID {
			return pdf, index, true
		}
	}
	return crdt.Map{}, -1, false
}

func childMap(parent crdt.Map, key string) (crdt.Map, bool) {
	value, ok := parent.Get(key)
	if !ok {
		return crdt.Map{}, false
	}
	return value.Map()
}

func childArray(parent crdt.Map, key string) (crdt.Array, bool) {
	value, ok := parent.Get(key)
	if !ok {
		return crdt.Array{}, false
	}
	return value.Array()
}

func getInt(m crdt.Map, key string) int64 {
	value, ok := m.Get(key)
	if !ok {
		return 0
	}
	var out int64
	if err := value.Decode(&out); err != nil {
		return 0
	}
	return out
}

func readStudy(study crdt.Map) Study {
	out := Study{
		ID:         study.GetString(fieldID),
		Name:       study.GetString(fieldName),
		CreatedAt:  getInt(study, fieldCreatedAt),
		PDFs:       []PdfMeta{},
		Checklists: []Checklist{},
	}
	if pdfs, ok := childArray(study, fieldPDFs); ok {
		for _, value := range pdfs.Values() {
			pdf, ok := value.Map()
			if !ok {
				continue
			}
			out.PDFs = append(out.PDFs, readPdf(study, pdf))
		}
	}
	if checklists, ok := childMap(study, fieldChecklists); ok {
		for _, checklistID := range checklists.Keys() {
			checklist, ok := childMap(checklists, checklistID)
			if !ok {
				continue
			}
			out.Checklists = append(out.Checklists, readChecklist(checklist))
		}
	}
	return out
}

// pdfTag derives a PDF's tag from the study-level slots. The slots are
// single registers, so at most one PDF can hold each exclusive tag no matter
// how concurrent assignments merge. Primary wins if both slots name one PDF.
func pdfTag(study crdt.Map, pdfID string) Tag {
	if study.GetString(fieldPrimaryPdf) == pdfID {
		return TagPrimary
	}
	if study.GetString(fieldProtocolPdf) == pdfID {
		return TagProtocol
	}
	return TagSecondary
}

func readPdf(study, pdf crdt.Map) PdfMeta {
	id := pdf.GetString(fieldID)
	return PdfMeta{
		ID:         id,
		Key:        pdf.GetString(fieldKey),
		FileName:   pdf.GetString(fieldFileName),
		Size:       getInt(pdf, fieldSize),
		UploadedBy: pdf.GetString(fieldUploadedBy),
		UploadedAt: getInt(pdf, fieldUploadedAt),
		Tag:        pdfTag(study, id),
	}
}

// checklistStatus is the highest state ever reached. The status log only
// grows, so merges can never move a checklist backward.
func checklistStatus(checklist crdt.Map) Status {
	status := StatusDraft
	statusLog, ok := childMap(checklist, fieldStatusLog)
	if !ok {
		return status
	}
	for _, key := range statusLog.Keys() {
		candidate := Status(key)
		if candidate.rank() > status.rank() {
			status = candidate
		}
	}
	return status
}

func checklistAnswers(checklist crdt.Map) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	answers, ok := childMap(checklist, fieldAnswers)
	if !ok {
		return out
	}
	for _, key := range answers.Keys() {
		value, ok := answers.Get(key)
		if !ok || value.Kind() != crdt.KindNone {
			continue
		}
		out[key] = append(json.RawMessage(nil), value.Raw()...)
	}
	return out
}

func readChecklist(checklist crdt.Map) Checklist {
	out := Checklist{
		ID:                checklist.GetString(fieldID),
		Type:              ChecklistType(checklist.GetString(fieldType)),
		Status:            checklistStatus(checklist),
		AssignedTo:        checklist.GetString(fieldAssignedTo),
		ReviewersRequired: int(getInt(checklist, fieldReviewersRequired)),
		Answers:           checklistAnswers(checklist),
		Notes:             make(map[string]string),
		CreatedAt:         getInt(checklist, fieldCreatedAt),
		UpdatedAt:         getInt(checklist, fieldUpdatedAt),
	}
	if notes, ok := childMap(checklist, fieldNotes); ok {
		for _, key := range notes.Keys() {
			value, _ := notes.Get(key)
			if text, ok := value.Text(); ok && text.Len() > 0 {
				out.Notes[key] = text.String()
			}
		}
	}
	return out
}

// sortedMembers returns a copy of members ordered by user id.
func sortedMembers(members []Member) []Member {
	out := append([]Member(nil), members...)
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
