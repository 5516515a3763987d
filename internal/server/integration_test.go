package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/corates/backend/internal/attachments"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/bridge"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/database"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/membership"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/persistence"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/room"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/server"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/syncproto"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/users"
)

const (
	sessionSigningSecret = "integration-secret"
	sessionCookieName    = "app_session"
	jsonContentType      = "application/json"
	frameTimeout         = 5 * time.Second
)

type testStack struct {
	server   *httptest.Server
	projects *membership.Service
	hub      *notify.Hub
	issuer   *auth.TokenIssuer
}

func newTestStack(testContext *testing.T) *testStack {
	testContext.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	dsn := "file:" + strings.ReplaceAll(testContext.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := database.Open(database.DriverSQLite, dsn, logger)
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	store, err := persistence.NewService(persistence.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build persistence: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build users: %v", err)
	}
	attachmentService, err := attachments.NewService(attachments.ServiceConfig{Store: attachments.NewMemoryStore(), Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build attachments: %v", err)
	}
	registry, err := room.NewRegistry(room.Config{
		Store:   store,
		Members: membership.NewRoleReader(db),
		Blobs:   attachmentService,
		Logger:  logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build registry: %v", err)
	}
	syncBridge, err := bridge.New(bridge.Config{Target: registry, Store: store, Logger: logger, InitialBackoff: time.Millisecond})
	if err != nil {
		testContext.Fatalf("failed to build bridge: %v", err)
	}
	hub := notify.NewHub(notify.Config{Logger: logger})
	projectService, err := membership.NewService(membership.ServiceConfig{
		Database: db,
		Sync:     syncBridge,
		Notifier: hub,
		Profiles: userService,
		Logger:   logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build membership: %v", err)
	}
	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(sessionSigningSecret),
		CookieName:    sessionCookieName,
	})
	if err != nil {
		testContext.Fatalf("failed to build session validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(sessionSigningSecret)})
	if err != nil {
		testContext.Fatalf("failed to build token issuer: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:      sessionValidator,
		Users:         userService,
		Projects:      projectService,
		Rooms:         registry,
		Attachments:   attachmentService,
		Notifications: hub,
		Logger:        logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	testContext.Cleanup(func() {
		testServer.Close()
		projectService.Wait()
		ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
		defer cancel()
		_ = registry.Close(ctx)
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return &testStack{server: testServer, projects: projectService, hub: hub, issuer: issuer}
}

func (s *testStack) cookie(testContext *testing.T, userID string) *http.Cookie {
	testContext.Helper()
	token, _, err := s.issuer.Issue(auth.SessionIdentity{UserID: userID, DisplayName: userID})
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}
	return &http.Cookie{Name: sessionCookieName, Value: token}
}

func (s *testStack) do(testContext *testing.T, userID, method, path, contentType string, body io.Reader) *http.Response {
	testContext.Helper()
	request, err := http.NewRequest(method, s.server.URL+path, body)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.AddCookie(s.cookie(testContext, userID))
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("%s %s failed: %v", method, path, err)
	}
	testContext.Cleanup(func() { response.Body.Close() })
	return response
}

func (s *testStack) dial(testContext *testing.T, userID, path string) *websocket.Conn {
	testContext.Helper()
	header := http.Header{}
	header.Set("Cookie", s.cookie(testContext, userID).String())
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + path
	conn, response, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if response != nil {
			status = response.StatusCode
		}
		testContext.Fatalf("dial %s failed (status %d): %v", path, status, err)
	}
	testContext.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(testContext *testing.T, conn *websocket.Conn) syncproto.Message {
	testContext.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(frameTimeout))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		testContext.Fatalf("failed to read frame: %v", err)
	}
	message, err := syncproto.Decode(frame)
	if err != nil {
		testContext.Fatalf("failed to decode frame %s: %v", frame, err)
	}
	return message
}

func readUntil(testContext *testing.T, conn *websocket.Conn, messageType syncproto.Type) syncproto.Message {
	testContext.Helper()
	for {
		message := readMessage(testContext, conn)
		if message.Type == messageType {
			return message
		}
		if message.Type == syncproto.TypeError {
			testContext.Fatalf("unexpected error frame: %+v", message.Error)
		}
	}
}

func createProject(testContext *testing.T, stack *testStack, ownerID, name string) membership.ProjectSummary {
	testContext.Helper()
	body, _ := json.Marshal(membership.ProjectInput{Name: name})
	response := stack.do(testContext, ownerID, http.MethodPost, "/projects", jsonContentType, bytes.NewReader(body))
	if response.StatusCode != http.StatusCreated {
		testContext.Fatalf("unexpected create status: %d", response.StatusCode)
	}
	var summary membership.ProjectSummary
	if err := json.NewDecoder(response.Body).Decode(&summary); err != nil {
		testContext.Fatalf("failed to decode project: %v", err)
	}
	return summary
}

func TestProjectSocketCommandFlow(testContext *testing.T) {
	stack := newTestStack(testContext)
	summary := createProject(testContext, stack, "alice", "Sleep trials")
	if summary.ID == "" || summary.Role != "owner" {
		testContext.Fatalf("unexpected summary %+v", summary)
	}

	conn := stack.dial(testContext, "alice", "/projects/"+summary.ID+"/ws")
	if first := readMessage(testContext, conn); first.Type != syncproto.TypeSyncStep1 {
		testContext.Fatalf("expected sync-step-1 on join, got %s", first.Type)
	}

	args, _ := json.Marshal(syncproto.CreateStudyArgs{Name: "Trial A"})
	frame, err := syncproto.Encode(syncproto.Message{
		Type:    syncproto.TypeCommand,
		Seq:     1,
		Command: &syncproto.Command{Name: syncproto.CommandCreateStudy, Args: args},
	})
	if err != nil {
		testContext.Fatalf("failed to encode command: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		testContext.Fatalf("failed to send command: %v", err)
	}
	ack := readUntil(testContext, conn, syncproto.TypeAck)
	if ack.Seq != 1 {
		testContext.Fatalf("expected ack for seq 1, got %d", ack.Seq)
	}
	var result struct {
		StudyID string `json:"studyId"`
	}
	if err := json.Unmarshal(ack.Result, &result); err != nil || result.StudyID == "" {
		testContext.Fatalf("expected study id in ack, got %s", ack.Result)
	}

	stack.projects.Wait()
	response := stack.do(testContext, "alice", http.MethodGet, "/projects/"+summary.ID, "", nil)
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected read status: %d", response.StatusCode)
	}
	var view room.View
	if err := json.NewDecoder(response.Body).Decode(&view); err != nil {
		testContext.Fatalf("failed to decode view: %v", err)
	}
	if view.Metadata.Name != "Sleep trials" {
		testContext.Fatalf("expected mirrored metadata, got %+v", view.Metadata)
	}
	if len(view.Studies) != 1 || view.Studies[0].ID != result.StudyID || view.Studies[0].Name != "Trial A" {
		testContext.Fatalf("expected created study in view, got %+v", view.Studies)
	}
	if len(view.Members) != 1 || view.Members[0].UserID != "alice" {
		testContext.Fatalf("expected owner in document members, got %+v", view.Members)
	}
}

func TestProjectSocketRejectsNonMember(testContext *testing.T) {
	stack := newTestStack(testContext)
	summary := createProject(testContext, stack, "alice", "Private review")

	conn := stack.dial(testContext, "mallory", "/projects/"+summary.ID+"/ws")
	message := readMessage(testContext, conn)
	if message.Type != syncproto.TypeAccessDenied {
		testContext.Fatalf("expected access-denied frame, got %s", message.Type)
	}
	_ = conn.SetReadDeadline(time.Now().Add(frameTimeout))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, 4403) {
		testContext.Fatalf("expected close code 4403, got %v", err)
	}

	response := stack.do(testContext, "mallory", http.MethodGet, "/projects/"+summary.ID, "", nil)
	if response.StatusCode != http.StatusForbidden {
		testContext.Fatalf("expected forbidden read, got %d", response.StatusCode)
	}
}

func TestMembershipChangeNotifiesUserSocket(testContext *testing.T) {
	stack := newTestStack(testContext)
	summary := createProject(testContext, stack, "alice", "Shared review")

	userSocket := stack.dial(testContext, "bob", "/users/ws")
	deadline := time.Now().Add(frameTimeout)
	for stack.hub.Connected("bob") == 0 {
		if time.Now().After(deadline) {
			testContext.Fatalf("user socket never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	body := []byte(`{"userId":"bob","role":"member"}`)
	response := stack.do(testContext, "alice", http.MethodPost, "/projects/"+summary.ID+"/members", jsonContentType, bytes.NewReader(body))
	if response.StatusCode != http.StatusCreated {
		testContext.Fatalf("unexpected add member status: %d", response.StatusCode)
	}

	_ = userSocket.SetReadDeadline(time.Now().Add(frameTimeout))
	var event notify.Event
	if err := userSocket.ReadJSON(&event); err != nil {
		testContext.Fatalf("failed to read notification: %v", err)
	}
	if event.Type != notify.EventMembershipAdded || event.ProjectID != summary.ID || event.ActorID != "alice" {
		testContext.Fatalf("unexpected notification %+v", event)
	}

	duplicate := stack.do(testContext, "alice", http.MethodPost, "/projects/"+summary.ID+"/members", jsonContentType, bytes.NewReader(body))
	if duplicate.StatusCode != http.StatusConflict {
		testContext.Fatalf("expected conflict for duplicate member, got %d", duplicate.StatusCode)
	}
}

func TestPdfUploadAndDownload(testContext *testing.T) {
	stack := newTestStack(testContext)
	summary := createProject(testContext, stack, "alice", "Attachments")

	args, _ := json.Marshal(syncproto.CreateStudyArgs{Name: "Trial B"})
	commandBody, _ := json.Marshal(syncproto.Command{Name: syncproto.CommandCreateStudy, Args: args})
	response := stack.do(testContext, "alice", http.MethodPost, "/projects/"+summary.ID+"/commands", jsonContentType, bytes.NewReader(commandBody))
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected command status: %d", response.StatusCode)
	}
	var result struct {
		StudyID string `json:"studyId"`
	}
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil || result.StudyID == "" {
		testContext.Fatalf("expected study id, got %v", err)
	}

	content := []byte("%PDF-1.4 trial protocol")
	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	_ = writer.WriteField("tag", "protocol")
	part, err := writer.CreateFormFile("file", "protocol.pdf")
	if err != nil {
		testContext.Fatalf("failed to build form: %v", err)
	}
	_, _ = part.Write(content)
	_ = writer.Close()

	pdfPath := "/projects/" + summary.ID + "/studies/" + result.StudyID + "/pdfs"
	upload := stack.do(testContext, "alice", http.MethodPost, pdfPath, writer.FormDataContentType(), &form)
	if upload.StatusCode != http.StatusCreated {
		testContext.Fatalf("unexpected upload status: %d", upload.StatusCode)
	}

	download := stack.do(testContext, "alice", http.MethodGet, pdfPath+"/protocol.pdf", "", nil)
	if download.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected download status: %d", download.StatusCode)
	}
	data, _ := io.ReadAll(download.Body)
	if !bytes.Equal(data, content) {
		testContext.Fatalf("downloaded bytes differ: %q", data)
	}

	view := stack.do(testContext, "alice", http.MethodGet, "/projects/"+summary.ID, "", nil)
	var decoded room.View
	if err := json.NewDecoder(view.Body).Decode(&decoded); err != nil {
		testContext.Fatalf("failed to decode view: %v", err)
	}
	if len(decoded.Studies) != 1 || len(decoded.Studies[0].PDFs) != 1 || decoded.Studies[0].PDFs[0].Tag != "protocol" {
		testContext.Fatalf("expected recorded pdf, got %+v", decoded.Studies)
	}

	missing := stack.do(testContext, "alice", http.MethodGet, pdfPath+"/absent.pdf", "", nil)
	if missing.StatusCode != http.StatusNotFound {
		testContext.Fatalf("expected missing pdf 404, got %d", missing.StatusCode)
	}
}
