package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/corates/backend/internal/attachments"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/membership"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/project"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/room"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/syncproto"
)

const (
	userIDContextKey  = "corates_user_id"
	paramProjectID    = "projectId"
	paramUserID       = "userId"
	paramStudyID      = "studyId"
	paramChecklistID  = "checklistId"
	paramQuestionKey  = "questionKey"
	paramFileName     = "fileName"
	formFieldFile     = "file"
	formFieldTag      = "tag"
	maxMultipartBytes = 64 << 20
)

var (
	errMissingSessions = errors.New("session validator dependency required")
	errMissingUsers    = errors.New("user resolver dependency required")
	errMissingProjects = errors.New("project service dependency required")
	errMissingRooms    = errors.New("room service dependency required")
	errMissingHub      = errors.New("notification hub dependency required")
)

// SessionValidator authenticates a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserResolver maps session claims to the canonical user id.
type UserResolver interface {
	ResolveCanonicalUserID(claims auth.SessionClaims) (string, error)
}

// ProjectService is the relational system of record for projects.
type ProjectService interface {
	ProjectRole(ctx context.Context, projectID, userID string) (project.Role, error)
	CreateProject(ctx context.Context, actorID string, input membership.ProjectInput) (membership.ProjectSummary, error)
	UpdateProject(ctx context.Context, actorID, projectID string, changes membership.ProjectChanges) (membership.ProjectSummary, error)
	DeleteProject(ctx context.Context, actorID, projectID string) error
	ListProjects(ctx context.Context, userID string) ([]membership.ProjectSummary, error)
	ListMembers(ctx context.Context, actorID, projectID string) ([]project.Member, error)
	AddMember(ctx context.Context, actorID, projectID, userID string, role project.Role) (project.Member, error)
	UpdateMemberRole(ctx context.Context, actorID, projectID, userID string, role project.Role) (project.Member, error)
	RemoveMember(ctx context.Context, actorID, projectID, userID string) error
}

// RoomService reaches the live project documents.
type RoomService interface {
	Join(ctx context.Context, projectID string, client room.Client) (*room.Session, error)
	Read(ctx context.Context, projectID string) (room.View, error)
	Execute(ctx context.Context, projectID, userID string, cmd syncproto.Command) (json.RawMessage, error)
	AddPdf(ctx context.Context, projectID, userID, studyID string, meta project.PdfMeta, tag project.Tag) (json.RawMessage, error)
	QuestionNote(ctx context.Context, projectID, userID, studyID, checklistID, questionKey string) (string, error)
}

// AttachmentService stores PDF bytes.
type AttachmentService interface {
	Upload(ctx context.Context, projectID, studyID, fileName string, body io.Reader, uploadedBy string) (project.PdfMeta, error)
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
	RemoveObject(ctx context.Context, key string) error
}

// NotificationHub streams per-user events.
type NotificationHub interface {
	Subscribe(ctx context.Context, userID string) (<-chan notify.Event, func())
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Sessions          SessionValidator
	Users             UserResolver
	Projects          ProjectService
	Rooms             RoomService
	Attachments       AttachmentService
	Notifications     NotificationHub
	Logger            *zap.Logger
	AllowedOrigins    []string
	MessagesPerSecond float64
	MessageBurst      int
}

// NewHTTPHandler builds the gin router serving the REST and WebSocket API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Users == nil {
		return nil, errMissingUsers
	}
	if deps.Projects == nil {
		return nil, errMissingProjects
	}
	if deps.Rooms == nil {
		return nil, errMissingRooms
	}
	if deps.Notifications == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	handler := &httpHandler{
		sessions:      deps.Sessions,
		users:         deps.Users,
		projects:      deps.Projects,
		rooms:         deps.Rooms,
		attachments:   deps.Attachments,
		notifications: deps.Notifications,
		logger:        logger,
		sockets:       newSocketSettings(deps.AllowedOrigins, deps.MessagesPerSecond, deps.MessageBurst),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.GET("/users/ws", handler.handleUserSocket)

	protected.GET("/projects", handler.handleListProjects)
	protected.POST("/projects", handler.handleCreateProject)
	protected.GET("/projects/:projectId", handler.handleGetProject)
	protected.PATCH("/projects/:projectId", handler.handleUpdateProject)
	protected.DELETE("/projects/:projectId", handler.handleDeleteProject)
	protected.GET("/projects/:projectId/ws", handler.handleProjectSocket)
	protected.POST("/projects/:projectId/commands", handler.handleCommand)

	protected.GET("/projects/:projectId/members", handler.handleListMembers)
	protected.POST("/projects/:projectId/members", handler.handleAddMember)
	protected.PATCH("/projects/:projectId/members/:userId", handler.handleUpdateMember)
	protected.DELETE("/projects/:projectId/members/:userId", handler.handleRemoveMember)

	protected.GET("/projects/:projectId/studies/:studyId/checklists/:checklistId/notes/:questionKey", handler.handleQuestionNote)
	if deps.Attachments != nil {
		protected.POST("/projects/:projectId/studies/:studyId/pdfs", handler.handleUploadPdf)
		protected.GET("/projects/:projectId/studies/:studyId/pdfs/:fileName", handler.handleDownloadPdf)
	}

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-TAuth-Tenant"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

type httpHandler struct {
	sessions      SessionValidator
	users         UserResolver
	projects      ProjectService
	rooms         RoomService
	attachments   AttachmentService
	notifications NotificationHub
	logger        *zap.Logger
	sockets       socketSettings
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.users.ResolveCanonicalUserID(claims)
	if err != nil {
		h.logger.Warn("user resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *httpHandler) handleListProjects(c *gin.Context) {
	projects, err := h.projects.ListProjects(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.writeError(c, "list projects failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (h *httpHandler) handleCreateProject(c *gin.Context) {
	var input membership.ProjectInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	summary, err := h.projects.CreateProject(c.Request.Context(), c.GetString(userIDContextKey), input)
	if err != nil {
		h.writeError(c, "create project failed", err)
		return
	}
	c.JSON(http.StatusCreated, summary)
}

func (h *httpHandler) handleGetProject(c *gin.Context) {
	projectID := c.Param(paramProjectID)
	if _, err := h.projects.ProjectRole(c.Request.Context(), projectID, c.GetString(userIDContextKey)); err != nil {
		h.writeError(c, "project read denied", err)
		return
	}
	view, err := h.rooms.Read(c.Request.Context(), projectID)
	if err != nil {
		h.writeError(c, "project read failed", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleUpdateProject(c *gin.Context) {
	var changes membership.ProjectChanges
	if err := c.ShouldBindJSON(&changes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	summary, err := h.projects.UpdateProject(c.Request.Context(), c.GetString(userIDContextKey), c.Param(paramProjectID), changes)
	if err != nil {
		h.writeError(c, "update project failed", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *httpHandler) handleDeleteProject(c *gin.Context) {
	if err := h.projects.DeleteProject(c.Request.Context(), c.GetString(userIDContextKey), c.Param(paramProjectID)); err != nil {
		h.writeError(c, "delete project failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleCommand(c *gin.Context) {
	var command syncproto.Command
	if err := c.ShouldBindJSON(&command); err != nil || strings.TrimSpace(command.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.rooms.Execute(c.Request.Context(), c.Param(paramProjectID), c.GetString(userIDContextKey), command)
	if err != nil {
		h.writeError(c, "command failed", err, zap.String("command", command.Name))
		return
	}
	if len(result) == 0 {
		c.Status(http.StatusNoContent)
		return
	}
	c.Data(http.StatusOK, "application/json", result)
}

type memberRequestPayload struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

func (h *httpHandler) handleListMembers(c *gin.Context) {
	members, err := h.projects.ListMembers(c.Request.Context(), c.GetString(userIDContextKey), c.Param(paramProjectID))
	if err != nil {
		h.writeError(c, "list members failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

func (h *httpHandler) handleAddMember(c *gin.Context) {
	var request memberRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	role, err := project.ParseRole(request.Role)
	if err != nil {
		h.writeError(c, "add member rejected", err)
		return
	}
	member, err := h.projects.AddMember(c.Request.Context(), c.GetString(userIDContextKey), c.Param(paramProjectID), request.UserID, role)
	if err != nil {
		h.writeError(c, "add member failed", err)
		return
	}
	c.JSON(http.StatusCreated, member)
}

func (h *httpHandler) handleUpdateMember(c *gin.Context) {
	var request memberRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	role, err := project.ParseRole(request.Role)
	if err != nil {
		h.writeError(c, "update member rejected", err)
		return
	}
	member, err := h.projects.UpdateMemberRole(c.Request.Context(), c.GetString(userIDContextKey), c.Param(paramProjectID), c.Param(paramUserID), role)
	if err != nil {
		h.writeError(c, "update member failed", err)
		return
	}
	c.JSON(http.StatusOK, member)
}

func (h *httpHandler) handleRemoveMember(c *gin.Context) {
	err := h.projects.RemoveMember(c.Request.Context(), c.GetString(userIDContextKey), c.Param(paramProjectID), c.Param(paramUserID))
	if err != nil {
		h.writeError(c, "remove member failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleQuestionNote(c *gin.Context) {
	note, err := h.rooms.QuestionNote(
		c.Request.Context(),
		c.Param(paramProjectID),
		c.GetString(userIDContextKey),
		c.Param(paramStudyID),
		c.Param(paramChecklistID),
		c.Param(paramQuestionKey),
	)
	if err != nil {
		h.writeError(c, "question note failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"note": note})
}

// handleUploadPdf stores the blob first and records it in the document only
// after the upload succeeded.
func (h *httpHandler) handleUploadPdf(c *gin.Context) {
	ctx := c.Request.Context()
	projectID := c.Param(paramProjectID)
	studyID := c.Param(paramStudyID)
	userID := c.GetString(userIDContextKey)

	role, err := h.projects.ProjectRole(ctx, projectID, userID)
	if err != nil {
		h.writeError(c, "pdf upload denied", err)
		return
	}
	if !role.CanEdit() {
		h.writeError(c, "pdf upload denied", project.ErrAccessDenied)
		return
	}
	tag, err := project.ParseTag(c.PostForm(formFieldTag))
	if err != nil {
		h.writeError(c, "pdf upload rejected", err)
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxMultipartBytes)
	fileHeader, err := c.FormFile(formFieldFile)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	defer file.Close()

	meta, err := h.attachments.Upload(ctx, projectID, studyID, fileHeader.Filename, file, userID)
	if err != nil {
		h.writeError(c, "pdf upload failed", err)
		return
	}
	if _, err := h.rooms.AddPdf(ctx, projectID, userID, studyID, meta, tag); err != nil {
		if removeErr := h.attachments.RemoveObject(context.WithoutCancel(ctx), meta.Key); removeErr != nil {
			h.logger.Warn("orphaned attachment cleanup failed", zap.String("key", meta.Key), zap.Error(removeErr))
		}
		h.writeError(c, "pdf record failed", err)
		return
	}
	meta.Tag = tag
	c.JSON(http.StatusCreated, meta)
}

func (h *httpHandler) handleDownloadPdf(c *gin.Context) {
	ctx := c.Request.Context()
	projectID := c.Param(paramProjectID)
	if _, err := h.projects.ProjectRole(ctx, projectID, c.GetString(userIDContextKey)); err != nil {
		h.writeError(c, "pdf download denied", err)
		return
	}
	key := attachments.ObjectKey(projectID, c.Param(paramStudyID), c.Param(paramFileName))
	reader, size, err := h.attachments.Open(ctx, key)
	if err != nil {
		h.writeError(c, "pdf download failed", err)
		return
	}
	defer reader.Close()
	c.DataFromReader(http.StatusOK, size, "application/pdf", reader, nil)
}
