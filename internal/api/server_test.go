package api

import (
	"bufio"
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/swiftshield-sync/internal/auth"
	"github.com/Martian-dev/swiftshield-sync/internal/events"
	"github.com/Martian-dev/swiftshield-sync/internal/store"
	"github.com/Martian-dev/swiftshield-sync/internal/sync"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeMonitor struct {
	active   bool
	starts   int
	stops    int
	triggers int
}

func (m *fakeMonitor) Start(context.Context) bool {
	m.starts++
	if m.active {
		return false
	}
	m.active = true
	return true
}

func (m *fakeMonitor) Stop() {
	m.stops++
	m.active = false
}

func (m *fakeMonitor) TriggerNow() bool {
	if !m.active {
		return false
	}
	m.triggers++
	return true
}

func (m *fakeMonitor) Status() sync.Status {
	if m.active {
		return sync.Status{State: "scheduled"}
	}
	return sync.Status{State: "idle"}
}

type fakeLinker struct {
	linked      *auth.Credential
	invalidated int

	monitor         *fakeMonitor
	linkedWhileLive bool
}

func (l *fakeLinker) Link(_ context.Context, cred *auth.Credential) error {
	if l.monitor != nil && l.monitor.active {
		l.linkedWhileLive = true
	}
	l.linked = cred
	return nil
}

func (l *fakeLinker) Invalidate(context.Context) error {
	l.invalidated++
	l.linked = nil
	return nil
}

func (l *fakeLinker) LoadCredential(context.Context) (*auth.Credential, error) {
	return l.linked, nil
}

func (l *fakeLinker) LoadCursor(context.Context) (*big.Int, error) {
	return big.NewInt(4242), nil
}

type fakeForgetter struct{ n int }

func (f *fakeForgetter) Forget() { f.n++ }

type fakeLog struct{ lastName string }

func (f *fakeLog) ListEvents(_ context.Context, name string, _ int) ([]store.StoredEvent, error) {
	f.lastName = name
	return []store.StoredEvent{{ID: 1, EventID: "e1", Name: events.NewThreatDetected, Payload: json.RawMessage(`{"detectionId":"x1"}`)}}, nil
}

type fixture struct {
	monitor *fakeMonitor
	linker  *fakeLinker
	tokens  *fakeForgetter
	bus     *events.Bus
	log     *fakeLog
	router  *gin.Engine
}

func newFixture(v Verifier) *fixture {
	monitor := &fakeMonitor{}
	f := &fixture{
		monitor: monitor,
		linker:  &fakeLinker{monitor: monitor},
		tokens:  &fakeForgetter{},
		bus:     events.NewBus(zerolog.Nop()),
		log:     &fakeLog{},
	}
	srv := NewServer(context.Background(), Deps{
		Monitor:  f.monitor,
		Linker:   f.linker,
		Tokens:   f.tokens,
		Bus:      f.bus,
		EventLog: f.log,
		Breaker:  func() string { return "closed" },
		Verifier: v,
		Log:      zerolog.Nop(),
	})
	f.router = srv.Router()
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestMonitoringLifecycle(t *testing.T) {
	f := newFixture(nil)

	w := f.do(http.MethodPost, "/monitoring/sync", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodPost, "/monitoring/start", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"started":true,"state":"scheduled"}`, w.Body.String())

	w = f.do(http.MethodPost, "/monitoring/start", "")
	assert.JSONEq(t, `{"started":false,"state":"scheduled"}`, w.Body.String())

	w = f.do(http.MethodPost, "/monitoring/sync", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, f.monitor.triggers)

	w = f.do(http.MethodGet, "/monitoring/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"scan_breaker":"closed"`)
	assert.Contains(t, w.Body.String(), `"linked":false`)
	assert.Contains(t, w.Body.String(), `"cursor":"4242"`)

	w = f.do(http.MethodPost, "/monitoring/stop", "")
	assert.JSONEq(t, `{"state":"idle"}`, w.Body.String())
}

func TestLinkStartsMonitoring(t *testing.T) {
	f := newFixture(nil)

	w := f.do(http.MethodPost, "/gmail/link", `{"access_token":"a"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "refresh token is required")

	w = f.do(http.MethodPost, "/gmail/link", `{"access_token":"a","refresh_token":"r","expiry_timestamp_ms":123}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"linked":true,"started":true}`, w.Body.String())
	assert.Equal(t, &auth.Credential{AccessToken: "a", RefreshToken: "r", ExpiryMillis: 123}, f.linker.linked)
	assert.Equal(t, 1, f.tokens.n)

	w = f.do(http.MethodPost, "/gmail/unlink", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.linker.invalidated)
	assert.Equal(t, 2, f.monitor.stops, "link and unlink both stop the running cycle")
	assert.Equal(t, 2, f.tokens.n)
}

func TestRelinkStopsRunningCycleFirst(t *testing.T) {
	f := newFixture(nil)
	f.monitor.active = true

	w := f.do(http.MethodPost, "/gmail/link", `{"access_token":"a2","refresh_token":"r2","expiry_timestamp_ms":123}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, f.linker.linkedWhileLive)
	assert.Equal(t, 1, f.monitor.stops)
	assert.JSONEq(t, `{"linked":true,"started":true}`, w.Body.String())
	assert.Equal(t, "r2", f.linker.linked.RefreshToken)
}

func TestTriggerThreatPassthrough(t *testing.T) {
	f := newFixture(nil)
	ch, cancel := f.bus.Subscribe(1)
	defer cancel()

	w := f.do(http.MethodPost, "/events/threat", `{"detectionId":"dbg","sender":"x@y.z"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	evt := <-ch
	assert.Equal(t, events.NewThreatDetected, evt.Name)
	assert.Equal(t, "dbg", evt.Payload.(map[string]any)["detectionId"])

	w = f.do(http.MethodPost, "/events/threat", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHistory(t *testing.T) {
	f := newFixture(nil)

	w := f.do(http.MethodGet, "/events/history?type=onNewThreatDetected&limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, events.NewThreatDetected, f.log.lastName)
	assert.Contains(t, w.Body.String(), `"detectionId":"x1"`)

	w = f.do(http.MethodGet, "/events/history?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStreamRelaysEvents(t *testing.T) {
	f := newFixture(nil)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events/stream", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Eventually(t, func() bool { return f.bus.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	f.bus.Emit(events.GmailLinkExpired, events.LinkExpired{Message: "re-link"})

	scanner := bufio.NewScanner(resp.Body)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" && len(lines) > 0 {
			break
		}
		lines = append(lines, line)
	}
	require.NotEmpty(t, lines)
	assert.Equal(t, "event:"+events.GmailLinkExpired, lines[0])
	assert.Contains(t, strings.Join(lines, "\n"), `"message":"re-link"`)
}

func TestAuthMiddleware(t *testing.T) {
	f := newFixture(NewHMACVerifier("secret"))

	w := f.do(http.MethodGet, "/monitoring/status", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/monitoring/status", nil)
	req.Header.Set("Authorization", "Bearer "+signHS256(t, "secret", "user-1", time.Hour))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
