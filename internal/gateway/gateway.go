// Package gateway exposes the read-only task-status streaming surface
// mentioned in the CLI section of the spec ("the CLI, TUI, and any
// visualization layer... are consumers of the same read APIs"): a
// WebSocket endpoint that answers point queries against the queue/store
// read path and pushes bus events as they happen. It mutates nothing.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/basket/swarmqueue/internal/bus"
	"github.com/basket/swarmqueue/internal/mcp"
	"github.com/basket/swarmqueue/internal/persistence"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// JSON-RPC-ish error codes, mirrored from the teacher's ACP gateway.
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603
)

// Config bundles the read-only dependencies a gateway connection needs.
type Config struct {
	Store        *persistence.Store
	Bus          *bus.Bus
	MCP          *mcp.Manager
	AllowOrigins []string
	Logger       *slog.Logger
}

// Server is the HTTP/WebSocket front for the read-only streaming surface.
type Server struct {
	cfg Config
	mux *http.ServeMux
	log *slog.Logger
}

// New builds a Server; call Handler() to obtain an http.Handler to serve.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{cfg: cfg, mux: http.NewServeMux(), log: cfg.Logger}
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/ws", s.handleWS)
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type request struct {
	ID     int             `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type response struct {
	ID     int             `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Event  string          `json:"event,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.cfg.AllowOrigins) > 0 {
		opts.OriginPatterns = s.cfg.AllowOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.log.Warn("gateway: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	sub := s.cfg.Bus.Subscribe("task.")
	defer s.cfg.Bus.Unsubscribe(sub)

	done := make(chan struct{})
	go s.pump(ctx, conn, sub, done)

	for {
		var req request
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			close(done)
			return
		}
		resp := s.dispatch(ctx, req)
		if err := wsjson.Write(ctx, conn, resp); err != nil {
			close(done)
			return
		}
	}
}

// pump forwards bus events to the client as unsolicited "event" frames
// until the connection's read loop signals done.
func (s *Server) pump(ctx context.Context, conn *websocket.Conn, sub *bus.Subscription, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			payload, err := json.Marshal(ev.Payload)
			if err != nil {
				continue
			}
			frame := response{Event: ev.Topic, Result: payload}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_ = wsjson.Write(writeCtx, conn, frame)
			cancel()
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req request) response {
	switch req.Method {
	case "task.list":
		var params struct {
			Status []string `json:"status"`
			Limit  int      `json:"limit"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return errResponse(req.ID, ErrCodeInvalidRequest, err.Error())
			}
		}
		statuses := make([]persistence.TaskStatus, 0, len(params.Status))
		for _, st := range params.Status {
			statuses = append(statuses, persistence.TaskStatus(strings.ToUpper(st)))
		}
		tasks, err := s.cfg.Store.ListTasks(ctx, statuses, params.Limit)
		if err != nil {
			return errResponse(req.ID, ErrCodeInternal, friendly(err))
		}
		out, err := json.Marshal(tasks)
		if err != nil {
			return errResponse(req.ID, ErrCodeInternal, err.Error())
		}
		return response{ID: req.ID, Result: out}
	case "task.show":
		var params struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errResponse(req.ID, ErrCodeInvalidRequest, err.Error())
		}
		id, err := uuid.Parse(params.ID)
		if err != nil {
			return errResponse(req.ID, ErrCodeInvalidRequest, err.Error())
		}
		task, err := s.cfg.Store.GetTask(ctx, id)
		if err != nil {
			return errResponse(req.ID, ErrCodeInternal, friendly(err))
		}
		out, _ := json.Marshal(task)
		return response{ID: req.ID, Result: out}
	case "mcp.status":
		if s.cfg.MCP == nil {
			return errResponse(req.ID, ErrCodeInternal, "mcp manager unavailable")
		}
		names := s.cfg.MCP.ServerNames()
		statuses := make(map[string]string, len(names))
		for _, n := range names {
			st, _ := s.cfg.MCP.Status(n)
			statuses[n] = string(st)
		}
		out, _ := json.Marshal(statuses)
		return response{ID: req.ID, Result: out}
	default:
		return errResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
}

func errResponse(id int, code int, msg string) response {
	return response{ID: id, Error: &rpcError{Code: code, Message: msg}}
}

// friendly mirrors the CLI boundary's stack-trace-free translation so the
// gateway never leaks internal error detail to a remote client either.
func friendly(err error) string {
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return "Database is locked or busy, try again"
	}
	return msg
}
