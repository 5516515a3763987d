package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/MarcoPoloResearchLab/corates/backend/internal/project"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/room"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/syncproto"
)

const (
	socketSendBuffer     = 256
	socketWriteTimeout   = 10 * time.Second
	socketPongTimeout    = 60 * time.Second
	socketPingInterval   = 25 * time.Second
	socketReadLimit      = 4 << 20
	socketCallTimeout    = 15 * time.Second
	closeCodeAccess      = 4403
	closeCodeUnavailable = 4503

	defaultMessagesPerSecond = 50
	defaultMessageBurst      = 100
)

var (
	errSocketClosed   = errors.New("server: socket closed")
	errSendBufferFull = errors.New("server: send buffer full")
)

type socketSettings struct {
	upgrader          websocket.Upgrader
	messagesPerSecond float64
	burst             int
}

func newSocketSettings(allowedOrigins []string, messagesPerSecond float64, burst int) socketSettings {
	if messagesPerSecond <= 0 {
		messagesPerSecond = defaultMessagesPerSecond
	}
	if burst <= 0 {
		burst = defaultMessageBurst
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}
	return socketSettings{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				parsed, err := url.Parse(origin)
				if err != nil {
					return false
				}
				_, ok := allowed[parsed.Scheme+"://"+parsed.Host]
				return ok
			},
		},
		messagesPerSecond: messagesPerSecond,
		burst:             burst,
	}
}

// socketConn adapts a websocket to room.Conn. Frames are queued and written
// by a single writer goroutine; a full queue fails the send.
type socketConn struct {
	ws       *websocket.Conn
	outbound chan []byte
	done     chan struct{}
	finished chan struct{}

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
}

func newSocketConn(ws *websocket.Conn) *socketConn {
	conn := &socketConn{
		ws:       ws,
		outbound: make(chan []byte, socketSendBuffer),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go conn.writeLoop()
	return conn
}

// Send queues one frame.
func (s *socketConn) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSocketClosed
	}
	select {
	case s.outbound <- frame:
		return nil
	default:
		return errSendBufferFull
	}
}

// Close flushes queued frames and closes the socket with reason.
func (s *socketConn) Close(reason string) {
	s.closeWith(websocket.CloseNormalClosure, reason)
}

func (s *socketConn) closeWith(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.closeCode = code
	s.closeReason = reason
	close(s.done)
}

// Wait blocks until the writer has closed the socket.
func (s *socketConn) Wait() {
	<-s.finished
}

func (s *socketConn) writeLoop() {
	defer close(s.finished)
	defer s.ws.Close()

	ticker := time.NewTicker(socketPingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-s.outbound:
			if err := s.write(frame); err != nil {
				s.closeWith(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(socketWriteTimeout)
			if err := s.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.closeWith(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		case <-s.done:
			s.drain()
			s.mu.Lock()
			code, reason := s.closeCode, s.closeReason
			s.mu.Unlock()
			if code != websocket.CloseAbnormalClosure {
				message := websocket.FormatCloseMessage(code, truncateReason(reason))
				_ = s.ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(socketWriteTimeout))
			}
			return
		}
	}
}

func (s *socketConn) drain() {
	for {
		select {
		case frame := <-s.outbound:
			if err := s.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *socketConn) write(frame []byte) error {
	if err := s.ws.SetWriteDeadline(time.Now().Add(socketWriteTimeout)); err != nil {
		return err
	}
	return s.ws.WriteMessage(websocket.TextMessage, frame)
}

// Close reasons travel in a control frame, which caps the payload at 125 bytes.
func truncateReason(reason string) string {
	if len(reason) > 120 {
		return reason[:120]
	}
	return reason
}

func (h *httpHandler) upgrade(c *gin.Context) (*websocket.Conn, bool) {
	ws, err := h.sockets.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", zap.String("path", c.FullPath()), zap.Error(err))
		return nil, false
	}
	ws.SetReadLimit(socketReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(socketPongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(socketPongTimeout))
	})
	return ws, true
}

// handleProjectSocket joins the caller to the project's room and pumps frames
// between the socket and the room until either side ends the session.
func (h *httpHandler) handleProjectSocket(c *gin.Context) {
	projectID := c.Param(paramProjectID)
	userID := c.GetString(userIDContextKey)

	ws, ok := h.upgrade(c)
	if !ok {
		return
	}
	conn := newSocketConn(ws)
	clientID := uuid.NewString()
	logger := h.logger.With(zap.String("project_id", projectID), zap.String("user_id", userID), zap.String("client_id", clientID))

	joinCtx, cancelJoin := context.WithTimeout(c.Request.Context(), socketCallTimeout)
	session, err := h.rooms.Join(joinCtx, projectID, room.Client{ID: clientID, UserID: userID, Conn: conn})
	cancelJoin()
	if err != nil {
		logger.Info("project socket rejected", zap.Error(err))
		rejectSocket(conn, err)
		conn.Wait()
		return
	}

	logger.Debug("project socket joined", zap.String("role", string(session.Role())))

	limiter := rate.NewLimiter(rate.Limit(h.sockets.messagesPerSecond), h.sockets.burst)
	ctx := c.Request.Context()
	for {
		messageType, frame, err := ws.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		if !limiter.Allow() {
			if encoded, encodeErr := syncproto.Encode(syncproto.Error(0, "rate_limited", "too many messages", true)); encodeErr == nil {
				_ = conn.Send(encoded)
			}
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, socketCallTimeout)
		err = session.Receive(callCtx, frame)
		cancel()
		if err != nil {
			logger.Info("project socket session ended", zap.Error(err))
			break
		}
	}

	leaveCtx, cancelLeave := context.WithTimeout(context.WithoutCancel(ctx), socketCallTimeout)
	session.Leave(leaveCtx)
	cancelLeave()
	conn.Close("")
	conn.Wait()
}

func rejectSocket(conn *socketConn, err error) {
	var message syncproto.Message
	code := closeCodeUnavailable
	switch {
	case errors.Is(err, project.ErrAccessDenied):
		message = syncproto.AccessDenied("not a project member")
		code = closeCodeAccess
	default:
		status, name := statusFor(err)
		message = syncproto.Error(0, name, http.StatusText(status), status >= http.StatusInternalServerError)
	}
	if encoded, encodeErr := syncproto.Encode(message); encodeErr == nil {
		_ = conn.Send(encoded)
	}
	conn.closeWith(code, message.Reason)
}

// handleUserSocket streams the caller's notification events.
func (h *httpHandler) handleUserSocket(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	ws, ok := h.upgrade(c)
	if !ok {
		return
	}
	conn := newSocketConn(ws)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	stream, unsubscribe := h.notifications.Subscribe(ctx, userID)
	defer unsubscribe()

	// Inbound frames are ignored; reading surfaces pongs and the peer closing.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close("")
			conn.Wait()
			return
		case <-conn.finished:
			return
		case event, open := <-stream:
			if !open {
				conn.Close("")
				conn.Wait()
				return
			}
			encoded, err := json.Marshal(event)
			if err != nil {
				h.logger.Warn("notification encode failed", zap.Error(err))
				continue
			}
			if err := conn.Send(encoded); err != nil {
				h.logger.Info("notification socket dropped", zap.String("user_id", userID), zap.Error(err))
				conn.closeWith(websocket.CloseTryAgainLater, "send buffer full")
				conn.Wait()
				return
			}
		}
	}
}
