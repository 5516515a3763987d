package room

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/corates/backend/internal/project"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/syncproto"
)

type studyResult struct {
	StudyID string `json:"studyId"`
}

type checklistResult struct {
	ChecklistID string `json:"checklistId"`
}

type pdfResult struct {
	PdfID string `json:"pdfId"`
}

// execute runs one typed command against the document and commits its
// update. The returned result is sent back in the ack.
func (r *Room) execute(ctx context.Context, actor project.Actor, cmd syncproto.Command) (json.RawMessage, error) {
	if err := r.available(); err != nil {
		return nil, err
	}
	gateway := r.registry.gateway
	doc := r.doc

	var result any
	var update []byte
	var removed []project.PdfMeta
	var err error

	switch cmd.Name {
	case syncproto.CommandCreateStudy:
		var args syncproto.CreateStudyArgs
		if err := cmd.DecodeArgs(&args); err != nil {
			return nil, err
		}
		var studyID string
		studyID, update, err = gateway.CreateStudy(doc, actor, args.Name)
		result = studyResult{StudyID: studyID}
	case syncproto.CommandRenameStudy:
		var args syncproto.RenameStudyArgs
		if err := cmd.DecodeArgs(&args); err != nil {
			return nil, err
		}
		update, err = gateway.RenameStudy(doc, actor, args.StudyID, args.Name)
	case syncproto.CommandDeleteStudy:
		var args syncproto.StudyArgs
		if err := cmd.DecodeArgs(&args); err != nil {
			return nil, err
		}
		removed, update, err = gateway.DeleteStudy(doc, actor, args.StudyID)
	case syncproto.CommandCreateChecklist:
		var args syncproto.CreateChecklistArgs
		if err := cmd.DecodeArgs(&args); err != nil {
			return nil, err
		}
		var checklistID string
		checklistID, update, err = gateway.CreateChecklist(doc, actor, args.StudyID, args.Type, args.AssignedTo)
		result = checklistResult{ChecklistID: checklistID}
	case syncproto.CommandUpdateChecklistAnswer:
		var args syncproto.UpdateChecklistAnswerArgs
		if err := cmd.DecodeArgs(&args); err != nil {
			return nil, err
		}
		update, err = gateway.UpdateChecklistAnswer(doc, actor, args.StudyID, args.ChecklistID, args.QuestionKey, args.Value)
	case syncproto.CommandUpdateChecklist:
		var args syncproto.UpdateChecklistArgs
		if err := cmd.DecodeArgs(&args); err != nil {
			return nil, err
		}
		patch := project.ChecklistPatch{AssignedTo: args.AssignedTo}
		if args.Status != nil {
			status, parseErr := project.ParseStatus(*args.Status)
			if parseErr != nil {
				return nil, parseErr
			}
			patch.Status = &status
		}
		update, err = gateway.UpdateChecklist(doc, actor, args.StudyID, args.ChecklistID, patch)
	case syncproto.CommandSetPdfTag:
		var args syncproto.PdfArgs
		if err := cmd.DecodeArgs(&args); err != nil {
			return nil, err
		}
		tag, parseErr := project.ParseTag(args.Tag)
		if parseErr != nil {
			return nil, parseErr
		}
		update, err = gateway.SetPdfTag(doc, actor, args.StudyID, args.PdfID, tag)
	case syncproto.CommandRemovePdfFromStudy:
		var args syncproto.PdfArgs
		if err := cmd.DecodeArgs(&args); err != nil {
			return nil, err
		}
		var meta project.PdfMeta
		meta, update, err = gateway.RemovePdfFromStudy(doc, actor, args.StudyID, args.PdfID)
		if err == nil {
			removed = []project.PdfMeta{meta}
		}
	default:
		return nil, fmt.Errorf("%w: unknown command %q", syncproto.ErrMalformedMessage, cmd.Name)
	}

	commitCtx, cancel := context.WithTimeout(ctx, r.registry.storeTimeout)
	defer cancel()
	if commitErr := r.commit(commitCtx, update, sourceCommand); commitErr != nil {
		r.removeBlobs(removed)
		if err != nil {
			return nil, err
		}
		return nil, commitErr
	}
	if err != nil {
		return nil, err
	}
	r.removeBlobs(removed)
	if result == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return encoded, nil
}

// removeBlobs deletes attachment blobs in the background. Failures leave an
// orphaned blob and are only logged.
func (r *Room) removeBlobs(pdfs []project.PdfMeta) {
	blobs := r.registry.blobs
	if blobs == nil || len(pdfs) == 0 {
		return
	}
	timeout := r.registry.storeTimeout
	logger := r.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		for _, pdf := range pdfs {
			if err := blobs.RemoveObject(ctx, pdf.Key); err != nil {
				logger.Warn("attachment cleanup failed", zap.String("pdf_id", pdf.ID), zap.String("key", pdf.Key), zap.Error(err))
			}
		}
	}()
}

// resolveActor loads the caller's current role from the system of record.
func (g *Registry) resolveActor(ctx context.Context, projectID, userID string) (project.Actor, error) {
	role, err := g.members.ProjectRole(ctx, projectID, userID)
	if err != nil {
		return project.Actor{}, err
	}
	return project.Actor{UserID: userID, Role: role}, nil
}

// Execute runs a command on behalf of userID outside a socket session.
func (g *Registry) Execute(ctx context.Context, projectID, userID string, cmd syncproto.Command) (json.RawMessage, error) {
	actor, err := g.resolveActor(ctx, projectID, userID)
	if err != nil {
		return nil, err
	}
	var result json.RawMessage
	var execErr error
	err = g.withRoom(ctx, projectID, func(room *Room) {
		result, execErr = room.execute(ctx, actor, cmd)
	})
	if err != nil {
		return nil, err
	}
	return result, execErr
}

// AddPdf records an uploaded attachment in a study. The blob must already be
// stored under meta.Key.
func (g *Registry) AddPdf(ctx context.Context, projectID, userID, studyID string, meta project.PdfMeta, tag project.Tag) (json.RawMessage, error) {
	actor, err := g.resolveActor(ctx, projectID, userID)
	if err != nil {
		return nil, err
	}
	err = g.Mutate(ctx, projectID, func(doc *project.Document) ([]byte, error) {
		return g.gateway.AddPdfToStudy(doc, actor, studyID, meta, tag)
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(pdfResult{PdfID: meta.ID})
}

// QuestionNote returns the current text of a question's note.
func (g *Registry) QuestionNote(ctx context.Context, projectID, userID, studyID, checklistID, questionKey string) (string, error) {
	actor, err := g.resolveActor(ctx, projectID, userID)
	if err != nil {
		return "", err
	}
	var note string
	var noteErr error
	err = g.withRoom(ctx, projectID, func(room *Room) {
		if noteErr = room.available(); noteErr != nil {
			return
		}
		text, lookupErr := g.gateway.GetQuestionNote(room.doc, actor, studyID, checklistID, questionKey)
		if lookupErr != nil {
			noteErr = lookupErr
			return
		}
		note = text.String()
	})
	if err != nil {
		return "", err
	}
	return note, noteErr
}
