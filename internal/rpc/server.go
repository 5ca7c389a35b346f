// Package rpc serves the websocket control API. Every message is
// authenticated independently against the user table and routed by
// its action path (e.g. ["rule", "add"]) to a handler. Mutating rule
// and settings handlers invoke app-supplied hooks so the scheduling
// registry stays in step with storage.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sasd/internal/security"
	"sasd/internal/storage"
	"sasd/pkg/logx"
)

// Hooks let the app react to mutations before/after they hit storage.
// Nil hooks are skipped.
type Hooks struct {
	// RuleChanged runs after a rule was added or altered in storage;
	// id is the persisted rule id. The app re-fetches the rule and
	// replaces its scheduling task.
	RuleChanged func(ctx context.Context, id int64) error
	// RuleRemoving runs before a rule is deleted from storage, so no
	// orphaned task can outlive its row.
	RuleRemoving func(ctx context.Context, id int64)
	// TimezoneChanged runs after the timezone setting was persisted.
	TimezoneChanged func(ctx context.Context, name string) error
	// SenderChanged runs after the api-key or telephone setting was
	// persisted.
	SenderChanged func(ctx context.Context) error
}

// Config controls the RPC server.
type Config struct {
	Addr string
}

type handlerFunc func(ctx context.Context, user storage.User, params json.RawMessage) (response, error)

type Server struct {
	cfg   Config
	store storage.Store
	sec   *security.Security
	hooks Hooks
	log   logx.Logger

	routes map[string]map[string]handlerFunc

	ln       net.Listener
	httpSrv  *http.Server
	upgrader websocket.Upgrader
}

func NewServer(cfg Config, store storage.Store, sec *security.Security, hooks Hooks, log logx.Logger) *Server {
	s := &Server{
		cfg:   cfg,
		store: store,
		sec:   sec,
		hooks: hooks,
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The control panel may be served from anywhere; auth is
			// per-message, not origin-based.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.routes = s.buildRoutes()
	return s
}

// Start begins serving and returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.httpSrv = &http.Server{
		Handler:     mux,
		ReadTimeout: 0, // websocket connections are long-lived
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("rpc server stopped", logx.Err(err))
		}
	}()
	s.log.Info("control api listening", logx.String("addr", s.cfg.Addr))
	return nil
}

// Addr is the bound listen address; useful when cfg.Addr used port 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) {
	if s.httpSrv == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(sctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", logx.String("remote", r.RemoteAddr), logx.Err(err))
		return
	}
	defer conn.Close()

	log := s.log.With(
		logx.String("conn", uuid.NewString()),
		logx.String("remote", r.RemoteAddr))
	log.Debug("client connected")

	ctx := r.Context()
	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("client read failed", logx.Err(err))
			} else {
				log.Debug("client disconnected")
			}
			return
		}

		resp := s.dispatch(ctx, req, log)
		if req.ID != nil {
			resp["id"] = req.ID
		}
		if err := conn.WriteJSON(resp); err != nil {
			log.Warn("client write failed", logx.Err(err))
			return
		}
	}
}

var (
	errUnknownAction = errors.New("unknown action")
	errUnauthorized  = errors.New("unauthorized")
)

func (s *Server) dispatch(ctx context.Context, req request, log logx.Logger) response {
	user, err := s.sec.Login(ctx, req.Username, req.Password)
	if err != nil {
		log.Warn("login rejected", logx.String("user", req.Username))
		return failure(errUnauthorized)
	}

	if len(req.Action) != 2 {
		return failure(errUnknownAction)
	}
	group, ok := s.routes[req.Action[0]]
	if !ok {
		return failure(errUnknownAction)
	}
	h, ok := group[req.Action[1]]
	if !ok {
		return failure(errUnknownAction)
	}

	params := req.Parameters
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	resp, err := h(ctx, user, params)
	if err != nil {
		log.Warn("request failed",
			logx.String("action", req.Action[0]+"/"+req.Action[1]),
			logx.String("user", req.Username),
			logx.Err(err))
		return failure(err)
	}
	log.Debug("request served",
		logx.String("action", req.Action[0]+"/"+req.Action[1]),
		logx.String("user", req.Username))
	return resp
}
