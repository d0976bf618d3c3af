package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/media"
)

type fakeCalls struct {
	mu       sync.Mutex
	started  []call.CallRequest
	answered []string
	ended    int
	startErr error
	failure  *call.Failure
	state    call.State
	events   chan call.Event
}

func newFakeCalls() *fakeCalls {
	return &fakeCalls{events: make(chan call.Event, 4)}
}

func (f *fakeCalls) StartOutgoingCall(_ context.Context, req call.CallRequest, _ func(*media.RemoteStream)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, req)
	f.state = call.Negotiating
	return nil
}

func (f *fakeCalls) AnswerIncomingCall(_ context.Context, h string, _ media.Kind, _ func(*media.RemoteStream)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, h)
	return nil
}

func (f *fakeCalls) Decline() error { return call.ErrNoIncomingCall }

func (f *fakeCalls) EndCall() {
	f.mu.Lock()
	f.ended++
	f.mu.Unlock()
}

func (f *fakeCalls) ToggleMute() bool  { return true }
func (f *fakeCalls) ToggleVideo() bool { return false }

func (f *fakeCalls) Info() (call.SessionInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == call.Idle || f.state == call.Failed {
		return call.SessionInfo{State: f.state}, false
	}
	return call.SessionInfo{ID: "s1", State: f.state, PeerUserID: "bob"}, true
}

func (f *fakeCalls) LastFailure() *call.Failure { return f.failure }

func (f *fakeCalls) History() []call.Transition {
	return []call.Transition{{From: call.Idle, To: call.Dialing}}
}

func (f *fakeCalls) Subscribe() (<-chan call.Event, func()) {
	return f.events, func() {}
}

type fakeIdentity struct{ err error }

func (i fakeIdentity) AcquireHandle(context.Context) (string, error) {
	return "gc-alice-1", i.err
}

func post(t *testing.T, srv *httptest.Server, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestStartCall(t *testing.T) {
	calls := newFakeCalls()
	srv := httptest.NewServer(New(calls, fakeIdentity{}, nil).Router())
	defer srv.Close()

	resp, out := post(t, srv, "/api/call/start", `{"user_id":"bob","kind":"video"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if out["state"] != "negotiating" {
		t.Errorf("state = %v", out["state"])
	}
	if len(calls.started) != 1 || calls.started[0].TargetUserID != "bob" || calls.started[0].Kind != media.Video {
		t.Errorf("started = %+v", calls.started)
	}
}

func TestStartCallValidation(t *testing.T) {
	srv := httptest.NewServer(New(newFakeCalls(), fakeIdentity{}, nil).Router())
	defer srv.Close()

	tests := []struct {
		name string
		body string
	}{
		{"missing user", `{}`},
		{"bad kind", `{"user_id":"bob","kind":"hologram"}`},
		{"bad json", `{"user_id":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := post(t, srv, "/api/call/start", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		reason string
	}{
		{"busy", call.ErrBusy, http.StatusConflict, ""},
		{"failure", &call.Failure{Reason: call.ReasonLookupFailed, Err: call.ErrLookupFailed}, http.StatusBadGateway, "lookup-failed"},
		{"other", errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := newFakeCalls()
			calls.startErr = tt.err
			srv := httptest.NewServer(New(calls, fakeIdentity{}, nil).Router())
			defer srv.Close()

			resp, out := post(t, srv, "/api/call/start", `{"user_id":"bob"}`)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if tt.reason != "" && out["reason"] != tt.reason {
				t.Errorf("reason = %v", out["reason"])
			}
		})
	}
}

func TestCallActions(t *testing.T) {
	calls := newFakeCalls()
	srv := httptest.NewServer(New(calls, fakeIdentity{}, nil).Router())
	defer srv.Close()

	if resp, _ := post(t, srv, "/api/call/answer", `{"caller_handle":"gc-bob-1"}`); resp.StatusCode != http.StatusOK {
		t.Errorf("answer status = %d", resp.StatusCode)
	}
	if len(calls.answered) != 1 || calls.answered[0] != "gc-bob-1" {
		t.Errorf("answered = %v", calls.answered)
	}
	if resp, _ := post(t, srv, "/api/call/decline", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("decline without ring status = %d", resp.StatusCode)
	}
	if _, out := post(t, srv, "/api/call/toggle-audio", ""); out["muted"] != true {
		t.Errorf("toggle-audio = %v", out)
	}
	if _, out := post(t, srv, "/api/call/toggle-video", ""); out["disabled"] != false {
		t.Errorf("toggle-video = %v", out)
	}
	post(t, srv, "/api/call/end", "")
	post(t, srv, "/api/call/end", "")
	if calls.ended != 2 {
		t.Errorf("ended = %d", calls.ended)
	}
	if _, out := post(t, srv, "/api/peer/acquire", ""); out["handle"] != "gc-alice-1" {
		t.Errorf("acquire = %v", out)
	}
}

func TestStateReportsFailure(t *testing.T) {
	calls := newFakeCalls()
	calls.state = call.Failed
	calls.failure = &call.Failure{Reason: call.ReasonCallbackFailed, Err: call.ErrCallbackFailed}
	srv := httptest.NewServer(New(calls, fakeIdentity{}, nil).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/call/state")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out stateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Reason != call.ReasonCallbackFailed || out.Session != nil {
		t.Errorf("state = %+v", out)
	}
}

func TestEventsWebSocket(t *testing.T) {
	calls := newFakeCalls()
	srv := httptest.NewServer(New(calls, fakeIdentity{}, nil).Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/call/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var snap map[string]any
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatal(err)
	}
	if snap["type"] != "snapshot" || snap["state"] != "idle" {
		t.Fatalf("snapshot = %v", snap)
	}

	calls.events <- call.Event{
		Type:  call.EventRing,
		State: call.AwaitingMedia,
		Ring:  &call.Ring{CallerID: "bob", CallerHandle: "gc-bob-1", Kind: media.Audio},
	}
	var ev map[string]any
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	ring, _ := ev["ring"].(map[string]any)
	if ev["type"] != "ring" || ring["caller_id"] != "bob" {
		t.Errorf("event = %v", ev)
	}
}

func TestLogs(t *testing.T) {
	buf := NewLogBuffer(2)
	buf.Write([]byte("one\ntwo\n"))
	buf.Write([]byte("thr"))
	buf.Write([]byte("ee\n\n"))

	s := New(newFakeCalls(), fakeIdentity{}, nil)
	s.AttachLogs(buf)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/logs")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var entries []LogEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Msg != "two" || entries[1].Msg != "three" {
		t.Errorf("entries = %+v", entries)
	}
}
