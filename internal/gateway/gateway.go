// Package gateway exposes the runtime over HTTP: a synchronous chat
// endpoint, a WebSocket stream of cycle events, and a health probe.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/basket/hearth/internal/bus"
	"github.com/basket/hearth/internal/engine"
	"github.com/basket/hearth/internal/store"
)

// TurnRunner processes an ordinary message through the plan/act loop.
type TurnRunner interface {
	ProcessTurn(ctx context.Context, in engine.TurnInput) string
}

// TaskRunner processes a message through the stricter task protocol.
type TaskRunner interface {
	ProcessTask(ctx context.Context, in engine.TurnInput) string
}

// Config wires the server's collaborators.
type Config struct {
	Store *store.Store
	Turns TurnRunner
	Tasks TaskRunner
	Bus   *bus.Bus

	// AuthToken, when set, is required as a bearer token on every endpoint
	// except /healthz. Empty disables auth (loopback deployments).
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WebSocket
	// connections. Empty means same-origin only.
	AllowOrigins []string

	Logger *slog.Logger
}

// Server is the HTTP gateway.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/v1/chat", s.handleChat)
	mux.HandleFunc("/v1/chat/stream", s.handleChatStream)
	return mux
}

// authorize checks the bearer token. A query parameter fallback exists for
// WebSocket clients that cannot set headers.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	candidate := ""
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		candidate = strings.TrimPrefix(auth, "Bearer ")
	} else {
		candidate = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.cfg.Store.Ping(r.Context()) == nil
	jobCount := 0
	if n, err := s.cfg.Store.CountJobs(r.Context()); err == nil {
		jobCount = n
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"healthy":   dbOK,
		"db_ok":     dbOK,
		"job_count": jobCount,
	})
}

// chatRequest is the inbound message shape, shared by the sync and stream
// endpoints.
type chatRequest struct {
	OwnerID  string `json:"owner_id"`
	Message  string `json:"message"`
	TaskPath bool   `json:"task_path,omitempty"`
	TurnID   string `json:"turn_id,omitempty"`
}

type chatResponse struct {
	TurnID string `json:"turn_id"`
	Reply  string `json:"reply"`
}

func (req *chatRequest) validate() string {
	if strings.TrimSpace(req.OwnerID) == "" {
		return "owner_id is required"
	}
	if strings.TrimSpace(req.Message) == "" {
		return "message is required"
	}
	return ""
}

// handleChat implements POST /v1/chat: run one full cycle, reply with the
// single final message.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if msg := req.validate(); msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}
	if req.TurnID == "" {
		req.TurnID = uuid.NewString()
	}

	reply := s.process(r.Context(), req)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(chatResponse{TurnID: req.TurnID, Reply: reply})
}

func (s *Server) process(ctx context.Context, req chatRequest) string {
	in := engine.TurnInput{TurnID: req.TurnID, OwnerID: req.OwnerID, Text: req.Message}
	if req.TaskPath {
		return s.cfg.Tasks.ProcessTask(ctx, in)
	}
	return s.cfg.Turns.ProcessTurn(ctx, in)
}

// streamEvent is one WebSocket frame sent to a streaming client. Pending is
// set on the done frame when the cycle paused to ask the owner something,
// so a client can render the open question distinctly from a completion.
type streamEvent struct {
	Type    string `json:"type"` // status, tool_start, tool_done, done
	Phase   string `json:"phase,omitempty"`
	Tool    string `json:"tool,omitempty"`
	OK      bool   `json:"ok,omitempty"`
	Message string `json:"message,omitempty"`
	Pending string `json:"pending,omitempty"`
}

// handleChatStream implements GET /v1/chat/stream: the client upgrades,
// sends one chatRequest frame, and receives cycle events in publish order
// until the done frame.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "streaming not available: event bus not configured", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Debug("stream: accept failed", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	ctx := r.Context()
	var req chatRequest
	if err := wsjson.Read(ctx, conn, &req); err != nil {
		_ = conn.Close(websocket.StatusInvalidFramePayloadData, "invalid request frame")
		return
	}
	if msg := req.validate(); msg != "" {
		_ = conn.Close(websocket.StatusInvalidFramePayloadData, msg)
		return
	}
	if req.TurnID == "" {
		req.TurnID = uuid.NewString()
	}

	// Subscribe before processing starts so no event can be missed.
	sub := s.cfg.Bus.Subscribe("turn.")
	defer s.cfg.Bus.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.process(ctx, req)
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("stream: client disconnected", "turn_id", req.TurnID)
			<-done
			return
		case event, ok := <-sub.Ch():
			if !ok {
				<-done
				return
			}
			payload, ok := event.Payload.(bus.TurnEvent)
			if !ok || payload.TurnID != req.TurnID {
				continue
			}
			frame := streamEvent{
				Type:    strings.TrimPrefix(event.Topic, "turn."),
				Phase:   payload.Phase,
				Tool:    payload.Tool,
				OK:      payload.OK,
				Message: payload.Message,
				Pending: payload.Pending,
			}
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				s.logger.Debug("stream: write failed", "turn_id", req.TurnID, "error", err)
				<-done
				return
			}
			if event.Topic == bus.TopicTurnDone {
				<-done
				return
			}
		}
	}
}
