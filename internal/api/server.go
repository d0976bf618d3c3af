// Package api is the local control surface the UI shell drives: JSON
// endpoints for call actions and a WebSocket stream of call events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/media"
)

var log = logging.Logger("api")

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The UI shell is served from its own origin on loopback.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Calls is the negotiator surface the API drives.
type Calls interface {
	StartOutgoingCall(ctx context.Context, req call.CallRequest, onRemote func(*media.RemoteStream)) error
	AnswerIncomingCall(ctx context.Context, callerHandle string, kind media.Kind, onRemote func(*media.RemoteStream)) error
	Decline() error
	EndCall()
	ToggleMute() bool
	ToggleVideo() bool
	Info() (call.SessionInfo, bool)
	LastFailure() *call.Failure
	History() []call.Transition
	Subscribe() (<-chan call.Event, func())
}

// Identity acquires the local peer handle ahead of a call.
type Identity interface {
	AcquireHandle(ctx context.Context) (string, error)
}

type Server struct {
	calls    Calls
	ident    Identity
	onRemote func(*media.RemoteStream)
	logs     *LogBuffer
}

// New returns a server. onRemote receives the remote media of every call
// started or answered through the API.
func New(calls Calls, ident Identity, onRemote func(*media.RemoteStream)) *Server {
	return &Server{calls: calls, ident: ident, onRemote: onRemote}
}

// AttachLogs exposes b on /api/logs and /api/logs/stream.
func (s *Server) AttachLogs(b *LogBuffer) { s.logs = b }

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/peer/acquire", s.acquire)
		if s.logs != nil {
			r.Get("/logs", s.logs.serveJSON)
			r.Get("/logs/stream", s.logs.serveStream)
		}

		r.Route("/call", func(r chi.Router) {
			r.Post("/start", handlePost(s.start))
			r.Post("/answer", handlePost(s.answer))
			r.Post("/decline", s.decline)
			r.Post("/end", s.end)
			r.Post("/toggle-audio", s.toggleAudio)
			r.Post("/toggle-video", s.toggleVideo)
			r.Get("/state", s.state)
			r.Get("/history", s.history)
			r.Get("/events", s.events)
		})
	})
	return r
}

// Serve runs the API on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()
	log.Infof("control API on http://%s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) acquire(w http.ResponseWriter, r *http.Request) {
	h, err := s.ident.AcquireHandle(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"handle": h})
}

type startRequest struct {
	UserID string     `json:"user_id"`
	Handle string     `json:"handle"`
	Kind   media.Kind `json:"kind"`
}

func (s *Server) start(w http.ResponseWriter, r *http.Request, req startRequest) {
	if req.UserID == "" {
		http.Error(w, "missing user_id", http.StatusBadRequest)
		return
	}
	if req.Kind != "" && req.Kind != media.Audio && req.Kind != media.Video {
		http.Error(w, "kind must be audio or video", http.StatusBadRequest)
		return
	}
	err := s.calls.StartOutgoingCall(r.Context(), call.CallRequest{
		TargetUserID: req.UserID,
		TargetHandle: req.Handle,
		Kind:         req.Kind,
	}, s.onRemote)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, s.stateSnapshot())
}

type answerRequest struct {
	CallerHandle string     `json:"caller_handle"`
	Kind         media.Kind `json:"kind"`
}

func (s *Server) answer(w http.ResponseWriter, r *http.Request, req answerRequest) {
	if err := s.calls.AnswerIncomingCall(r.Context(), req.CallerHandle, req.Kind, s.onRemote); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, s.stateSnapshot())
}

func (s *Server) decline(w http.ResponseWriter, r *http.Request) {
	if err := s.calls.Decline(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "declined"})
}

func (s *Server) end(w http.ResponseWriter, r *http.Request) {
	s.calls.EndCall()
	writeJSON(w, map[string]string{"status": "ended"})
}

func (s *Server) toggleAudio(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]bool{"muted": s.calls.ToggleMute()})
}

func (s *Server) toggleVideo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]bool{"disabled": s.calls.ToggleVideo()})
}

type stateResponse struct {
	Session *call.SessionInfo `json:"session,omitempty"`
	State   call.State        `json:"state"`
	Reason  call.Reason       `json:"reason,omitempty"`
	Error   string            `json:"error,omitempty"`
}

func (s *Server) stateSnapshot() stateResponse {
	info, ok := s.calls.Info()
	resp := stateResponse{State: info.State}
	if ok {
		resp.Session = &info
	}
	if info.State == call.Failed {
		if f := s.calls.LastFailure(); f != nil {
			resp.Reason, resp.Error = f.Reason, f.Error()
		}
	}
	return resp
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.stateSnapshot())
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.calls.History())
}

// events streams negotiator events to one WebSocket client, starting with
// a snapshot of the current state.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("events: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	evs, cancel := s.calls.Subscribe()
	defer cancel()

	snap := s.stateSnapshot()
	if err := conn.WriteJSON(map[string]any{"type": "snapshot", "state": snap.State, "session": snap.Session}); err != nil {
		return
	}

	gone := watchClose(conn)

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-evs:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debugf("events: write: %v", err)
				return
			}
		}
	}
}

// watchClose reads and discards client frames; the channel closes when the
// client goes away.
func watchClose(conn *websocket.Conn) <-chan struct{} {
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return gone
}

// handlePost decodes a JSON body (an empty body decodes to the zero value)
// and passes it to fn.
func handlePost[T any](fn func(w http.ResponseWriter, r *http.Request, req T)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req T
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
		fn(w, r, req)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("write response: %v", err)
	}
}

// writeError maps call errors to status codes. Failures carry their reason
// so the UI can explain them.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := map[string]string{"error": err.Error()}

	var f *call.Failure
	switch {
	case errors.Is(err, call.ErrBusy), errors.Is(err, call.ErrEnded):
		status = http.StatusConflict
	case errors.Is(err, call.ErrNoIncomingCall):
		status = http.StatusNotFound
	case errors.As(err, &f):
		status = http.StatusBadGateway
		body["reason"] = string(f.Reason)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
