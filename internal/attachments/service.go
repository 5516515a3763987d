package attachments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/corates/backend/internal/project"
)

const (
	contentTypePDF        = "application/pdf"
	defaultMaxUploadBytes = 50 << 20
	uploadAttempts        = 3
	uploadInitialBackoff  = 100 * time.Millisecond
)

var (
	// ErrUploadFailed marks an upload the blob store did not accept. The
	// attachment is not recorded.
	ErrUploadFailed = errors.New("attachments: upload failed")
	// ErrNotPDF rejects uploads that do not start with a PDF header.
	ErrNotPDF = fmt.Errorf("%w: file is not a pdf", project.ErrValidation)
	// ErrTooLarge rejects uploads over the size limit.
	ErrTooLarge = fmt.Errorf("%w: file too large", project.ErrValidation)
	// ErrInvalidFileName rejects names that cannot form a storage key.
	ErrInvalidFileName = fmt.Errorf("%w: invalid file name", project.ErrValidation)

	pdfMagic = []byte("%PDF-")
)

// ServiceConfig wires the attachment service.
type ServiceConfig struct {
	Store          ObjectStore
	IDProvider     project.IDProvider
	Clock          func() time.Time
	Logger         *zap.Logger
	MaxUploadBytes int64
}

// Service stores attachment bytes and produces the metadata recorded in the
// project document.
type Service struct {
	store          ObjectStore
	idProvider     project.IDProvider
	clock          func() time.Time
	logger         *zap.Logger
	maxUploadBytes int64
}

// NewService validates cfg and builds a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("attachments: object store required")
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = project.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	return &Service{
		store:          cfg.Store,
		idProvider:     idProvider,
		clock:          clock,
		logger:         logger,
		maxUploadBytes: maxUploadBytes,
	}, nil
}

// ObjectKey is the storage key of a study attachment.
func ObjectKey(projectID, studyID, fileName string) string {
	return fmt.Sprintf("projects/%s/studies/%s/%s", projectID, studyID, fileName)
}

func cleanFileName(raw string) (string, error) {
	name := strings.TrimSpace(path.Base(strings.ReplaceAll(raw, "\\", "/")))
	if name == "" || name == "." || name == "/" || name == ".." || len(name) > 255 {
		return "", fmt.Errorf("%w: %q", ErrInvalidFileName, raw)
	}
	return name, nil
}

// Upload stores a PDF and returns the metadata to record. Nothing is
// recorded by Upload itself; the caller adds the metadata to the document
// only after Upload succeeds.
func (s *Service) Upload(ctx context.Context, projectID, studyID, fileName string, body io.Reader, uploadedBy string) (project.PdfMeta, error) {
	if strings.TrimSpace(projectID) == "" || strings.TrimSpace(studyID) == "" {
		return project.PdfMeta{}, fmt.Errorf("%w: project and study required", project.ErrValidation)
	}
	name, err := cleanFileName(fileName)
	if err != nil {
		return project.PdfMeta{}, err
	}
	data, err := io.ReadAll(io.LimitReader(body, s.maxUploadBytes+1))
	if err != nil {
		return project.PdfMeta{}, fmt.Errorf("%w: read body: %v", ErrUploadFailed, err)
	}
	if int64(len(data)) > s.maxUploadBytes {
		return project.PdfMeta{}, ErrTooLarge
	}
	if !bytes.HasPrefix(data, pdfMagic) {
		return project.PdfMeta{}, ErrNotPDF
	}
	pdfID, err := s.idProvider.NewID()
	if err != nil {
		return project.PdfMeta{}, err
	}

	key := ObjectKey(projectID, studyID, name)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = uploadInitialBackoff
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.store.PutObject(ctx, key, bytes.NewReader(data), int64(len(data)), contentTypePDF)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uploadAttempts))
	if err != nil {
		s.logger.Warn("attachment upload failed", zap.String("key", key), zap.Error(err))
		return project.PdfMeta{}, errors.Join(ErrUploadFailed, err)
	}
	return project.PdfMeta{
		ID:         pdfID,
		Key:        key,
		FileName:   name,
		Size:       int64(len(data)),
		UploadedBy: uploadedBy,
		UploadedAt: s.clock().UTC().UnixMilli(),
	}, nil
}

// Open streams a stored attachment.
func (s *Service) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	return s.store.GetObject(ctx, key)
}

// RemoveObject deletes a stored attachment. A missing object is not an error.
func (s *Service) RemoveObject(ctx context.Context, key string) error {
	if err := s.store.RemoveObject(ctx, key); err != nil && !errors.Is(err, ErrObjectNotFound) {
		return err
	}
	return nil
}
