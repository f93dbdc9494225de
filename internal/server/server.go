// Package server is the local control socket. It accepts a single websocket
// client at a time and turns its JSON messages into commands.
package server

import (
	"context"
	"net/http"
	"strings"

	"adastrip-controller/internal/core"
	"adastrip-controller/internal/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	gcerrors "github.com/gruntwork-io/go-commons/errors"
	"github.com/sirupsen/logrus"
)

// Server manages the HTTP and WebSocket services.
type Server struct {
	Hub        *Hub
	dispatcher core.Dispatcher
	state      *core.State
	eventBus   *core.EventBus
	httpServer *http.Server
	log        *logrus.Entry

	// ctx bounds commands dispatched on behalf of the client.
	ctx    context.Context
	cancel context.CancelFunc

	allowedOrigins []string
	upgrader       websocket.Upgrader
}

// NewServer creates a new server instance listening on port.
func NewServer(dispatcher core.Dispatcher, state *core.State, eb *core.EventBus, port string, allowedOrigins []string) *Server {
	log := logger.For("server")
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		Hub:            NewHub(log),
		dispatcher:     dispatcher,
		state:          state,
		eventBus:       eb,
		log:            log,
		ctx:            ctx,
		cancel:         cancel,
		allowedOrigins: allowedOrigins,
	}

	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(s.allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range s.allowedOrigins {
				if strings.EqualFold(origin, allowed) {
					return true
				}
			}
			s.log.WithField("origin", origin).Warn("WebSocket connection blocked: origin not in allowed list")
			return false
		},
	}

	s.httpServer = &http.Server{Addr: ":" + port, Handler: s.Handler()}

	return s
}

// Handler returns the HTTP routes of the socket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// ListenAndServe forwards state events to the client and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	if len(s.allowedOrigins) == 0 {
		s.log.Warn("WebSocket CheckOrigin is disabled")
	}
	go s.forwardEvents()
	s.log.WithField("addr", s.httpServer.Addr).Info("WebSocket server is running")
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the listener, the event forwarder and the active client.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	if c := s.Hub.Active(); c != nil {
		c.conn.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

// forwardEvents pushes bus events to the client until the server stops.
func (s *Server) forwardEvents() {
	defer gcerrors.Recover(func(cause error) {
		s.log.WithError(cause).Error("Event forwarder panicked")
	})

	sub := s.eventBus.Subscribe(core.StateChangedEvent, core.DeviceConnectedEvent, core.PatternChangedEvent)
	defer sub.Close()

	for {
		select {
		case <-s.ctx.Done():
			return
		case event := <-sub.C:
			switch event.Type {
			case core.StateChangedEvent:
				s.Hub.Broadcast(NewMessage(MsgState, event.State))
			case core.DeviceConnectedEvent:
				s.Hub.Broadcast(NewMessage(MsgDeviceStatus, map[string]interface{}{"connected": event.Connected}))
			case core.PatternChangedEvent:
				s.Hub.Broadcast(NewMessage(MsgPatternStatus, map[string]interface{}{"running": event.Pattern}))
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("WebSocket upgrade error")
		return
	}
	defer conn.Close()

	client := &Client{ID: uuid.NewString(), conn: conn}
	log := s.log.WithField("session", client.ID)

	if !s.Hub.Claim(client) {
		log.Warn("Another WebSocket client tried to connect. Connection refused")
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "another client is connected"))
		return
	}
	defer s.Hub.Release(client)

	_ = client.Send(NewMessage(MsgWelcome, WelcomePayload{
		Session:   client.ID,
		State:     s.state.App(),
		Connected: s.state.IsConnected(),
		Pattern:   s.state.RunningPattern(),
	}))

	for {
		_, msgBytes, err := conn.ReadMessage()
		if err != nil {
			break
		}
		s.handleMessage(client, log, msgBytes)
	}
}

func (s *Server) handleMessage(client *Client, log *logrus.Entry, raw []byte) {
	cmd, err := core.ParseCommand(raw)
	if err != nil {
		log.WithError(err).Warn("Malformed command")
		_ = client.Send(NewMessage(MsgError, ErrorPayload{Error: err.Error()}))
		return
	}

	res := s.dispatcher.Dispatch(s.ctx, cmd)
	if !res.OK {
		msg := "command failed"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		log.WithField("type", cmd.Type).Warn(msg)
		_ = client.Send(NewMessage(MsgError, ErrorPayload{Error: msg}))
		return
	}
	_ = client.Send(NewMessage(MsgResult, ResultPayload{Command: string(cmd.Type), OK: true, Value: res.Value}))
}
