package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wafleet/internal/dispatch"
	"wafleet/internal/eventbus"
	"wafleet/internal/identity"
	rtsup "wafleet/internal/runtime/supervisor"
	"wafleet/internal/session"
)

type fakeSessions struct {
	mu     sync.Mutex
	locked map[string]bool
}

func (f *fakeSessions) List() []session.Info {
	return []session.Info{{SessionID: "s1", ShortID: "ab12c", Phone: "2348031234567", State: session.StateOpen}}
}

func (f *fakeSessions) Logout(_ context.Context, short string) (int, error) {
	if short != "ab12c" {
		return 0, identity.ErrUnknownShortID
	}
	return 2, nil
}

func (f *fakeSessions) SetLocked(_ context.Context, short string, locked bool) error {
	if short != "ab12c" {
		return identity.ErrUnknownShortID
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked[short] = locked
	return nil
}

type fakeBroadcaster struct {
	runs chan dispatch.Run
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, run dispatch.Run) (dispatch.Report, error) {
	f.runs <- run
	return dispatch.Report{RunID: run.ID, Total: len(run.Targets)}, nil
}

type memDest struct{ addrs []string }

func (m *memDest) ListAll(context.Context) ([]string, error) { return m.addrs, nil }
func (m *memDest) RemoveMany(context.Context, []string) (int, error) { return 0, nil }
func (m *memDest) Count(context.Context) (int, error) { return len(m.addrs), nil }
func (m *memDest) AddMany(_ context.Context, a []string) (int, error) { return len(a), nil }

type fixture struct {
	srv  *httptest.Server
	ss   *fakeSessions
	bc   *fakeBroadcaster
	dest *memDest
	bus  eventbus.Bus
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	return newFixtureWith(t, Config{Token: token})
}

func newFixtureWith(t *testing.T, cfg Config) *fixture {
	t.Helper()
	rt := rtsup.New(context.Background())
	f := &fixture{
		ss:   &fakeSessions{locked: map[string]bool{}},
		bc:   &fakeBroadcaster{runs: make(chan dispatch.Run, 1)},
		dest: &memDest{addrs: []string{"08031234567", "08051112222"}},
		bus:  eventbus.New(),
	}
	s := New(cfg, Deps{
		Sessions:     f.ss,
		Broadcaster:  f.bc,
		Destinations: f.dest,
		Bus:          f.bus,
		Runtime:      rt,
	})
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		f.srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = rt.Stop(ctx)
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body, token string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestAuth(t *testing.T) {
	f := newFixture(t, "s3cret")

	resp, _ := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/normalize?q=08031234567", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/normalize?q=08031234567", "", "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/normalize?q=08031234567&token=s3cret", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/metrics", "", "s3cret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPprofMountedOnlyWhenEnabled(t *testing.T) {
	f := newFixture(t, "")
	resp, _ := f.do(t, http.MethodGet, "/debug/pprof/", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	f = newFixtureWith(t, Config{Token: "s3cret", Pprof: true})
	resp, _ = f.do(t, http.MethodGet, "/debug/pprof/goroutine?debug=1", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/debug/pprof/goroutine?debug=1", "", "s3cret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/debug/pprof/", "", "s3cret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSessionsEndpoints(t *testing.T) {
	f := newFixture(t, "")

	resp, err := http.Get(f.srv.URL + "/api/sessions")
	require.NoError(t, err)
	var list []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list, 1)
	assert.Equal(t, "ab12c", list[0]["short_id"])
	assert.Equal(t, "open", list[0]["state"])

	resp, _ = f.do(t, http.MethodPost, "/api/sessions/AB12C/lock", `{"locked":true}`, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, f.ss.locked["ab12c"])

	resp, _ = f.do(t, http.MethodPost, "/api/sessions/ab12c/lock", `{}`, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/sessions/zz999/lock", `{"locked":false}`, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/sessions/ab12c/logout", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["companions_removed"])

	resp, _ = f.do(t, http.MethodPost, "/api/sessions/bad!/logout", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBroadcastIsAsync(t *testing.T) {
	f := newFixture(t, "")

	resp, body := f.do(t, http.MethodPost, "/api/broadcast", `{"text":"hi"}`, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.EqualValues(t, 2, body["total"])

	select {
	case run := <-f.bc.runs:
		assert.Equal(t, body["run_id"], run.ID)
		assert.Equal(t, f.dest.addrs, run.Targets)
		assert.Equal(t, "hi", run.Payload.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast never ran")
	}

	resp, _ = f.do(t, http.MethodPost, "/api/broadcast", `{"text":"hi","targets":["0801"]}`, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	run := <-f.bc.runs
	assert.Equal(t, []string{"0801"}, run.Targets)

	resp, _ = f.do(t, http.MethodPost, "/api/broadcast", `{"text":"  "}`, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNormalize(t *testing.T) {
	f := newFixture(t, "")

	_, body := f.do(t, http.MethodGet, "/api/normalize?q=%2B44%207911%20123456", "", "")
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, "447911123456", body["international"])
	assert.Equal(t, "44", body["code"])

	_, body = f.do(t, http.MethodGet, "/api/normalize?q=hello", "", "")
	assert.Equal(t, false, body["valid"])

	resp, _ := f.do(t, http.MethodGet, "/api/normalize", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, "tok")

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/events?token=tok"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	// The handler subscribes after the upgrade; publish until a frame lands.
	got := make(chan eventbus.Event, 1)
	go func() {
		var ev eventbus.Event
		if err := ws.ReadJSON(&ev); err == nil {
			got <- ev
		}
	}()
	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case ev := <-got:
			assert.Equal(t, eventbus.SessionOpen, ev.Type)
			return
		case <-tick.C:
			eventbus.Emit(f.bus, eventbus.SessionOpen, map[string]string{"short_id": "ab12c"})
		case <-deadline:
			t.Fatal("no event frame")
		}
	}
}
