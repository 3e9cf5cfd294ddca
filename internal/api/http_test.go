package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pinme/tacho-gateway/internal/config"
	"github.com/pinme/tacho-gateway/internal/core"
	"github.com/pinme/tacho-gateway/internal/core/cardtest"
	"github.com/pinme/tacho-gateway/internal/gateway"
	"github.com/pinme/tacho-gateway/internal/lease"
	"github.com/pinme/tacho-gateway/internal/logging"
	"github.com/pinme/tacho-gateway/internal/registry"
	"github.com/pinme/tacho-gateway/internal/relay"
)

const (
	testReader  = "Reader-A"
	testICC     = "QWxpY2U="
	testCompany = 42
)

type testEnv struct {
	srv  *Server
	mux  http.Handler
	card *cardtest.Card
	tr   *cardtest.Transport
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	card := cardtest.NewTachoCard([]byte("Alice"))
	card.Respond("00a4020c02", []byte{0x90, 0x00})
	tr := cardtest.New().Insert(testReader, card)

	reg := registry.New()
	leases := lease.NewManager(5*time.Minute, nil)
	monitor := gateway.NewMonitor(gateway.MonitorConfig{
		Transport: tr,
		Registry:  reg,
		Leases:    leases,
	})
	if _, err := monitor.Scan(context.Background()); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	reg.UpdateCompanies(map[int][]string{testCompany: {testICC}})

	gw := gateway.New(gateway.Options{Transport: tr, Registry: reg, Leases: leases})
	srv := NewServer(Options{Gateway: gw, Monitor: monitor})
	return &testEnv{srv: srv, mux: srv.Handler(), card: card, tr: tr}
}

func (e *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, r)
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, req)
	return w
}

func sendRequest(deviceID int, cmd, seq string) gateway.SendAPDURequest {
	return gateway.SendAPDURequest{
		Device: gateway.Device{
			ID:         deviceID,
			Attributes: gateway.DeviceAttributes{ClientID: testCompany},
		},
		APDU:               cmd,
		APDUSequenceNumber: seq,
	}
}

func TestHandleVersion(t *testing.T) {
	origVersion := Version
	origBuildTime := BuildTime
	origGitCommit := GitCommit

	Version = "1.2.3-test"
	BuildTime = "2024-01-15T10:30:00Z"
	GitCommit = "abc1234"

	defer func() {
		Version = origVersion
		BuildTime = origBuildTime
		GitCommit = origGitCommit
	}()

	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	w := httptest.NewRecorder()

	handleVersion(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["version"] != "1.2.3-test" {
		t.Errorf("expected version '1.2.3-test', got '%s'", result["version"])
	}
	if result["gitCommit"] != "abc1234" {
		t.Errorf("expected gitCommit 'abc1234', got '%s'", result["gitCommit"])
	}
}

func TestHandleVersion_MethodNotAllowed(t *testing.T) {
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/version", nil)
			w := httptest.NewRecorder()

			handleVersion(w, req)

			if w.Code != http.StatusMethodNotAllowed {
				t.Errorf("expected status %d for %s, got %d", http.StatusMethodNotAllowed, method, w.Code)
			}
		})
	}
}

func TestRootLiveness(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/", nil)
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Errorf("GET / = %d %q, want 200 ok", w.Code, w.Body.String())
	}

	if w := env.do(t, http.MethodGet, "/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("GET /nope = %d, want 404", w.Code)
	}
}

func TestSendAPDU(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/", sendRequest(7, "00A4020C02", "0000"))
	if w.Code != http.StatusOK {
		t.Fatalf("device 7: status %d, body %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "9000" {
		t.Errorf("device 7: body = %q, want 9000", w.Body.String())
	}

	w = env.do(t, http.MethodPost, "/", sendRequest(8, "00A4020C02", "0000"))
	if w.Code != http.StatusConflict {
		t.Errorf("device 8 while device 7 holds the card: status %d, want 409", w.Code)
	}
}

func TestSendAPDUQueryCommand(t *testing.T) {
	env := newTestEnv(t)

	req := sendRequest(7, "", "")
	w := env.do(t, http.MethodPost, "/?apdu=00A4020C02", req)
	if w.Code != http.StatusOK || w.Body.String() != "9000" {
		t.Errorf("status %d body %q, want 200 9000", w.Code, w.Body.String())
	}
}

func TestSendAPDUStatusCodes(t *testing.T) {
	tests := []struct {
		name  string
		setup func(env *testEnv)
		body  any
		want  int
	}{
		{
			name: "invalid json",
			body: "{",
			want: http.StatusBadRequest,
		},
		{
			name: "short apdu",
			body: sendRequest(7, "00A4", "0"),
			want: http.StatusBadRequest,
		},
		{
			name: "unknown company",
			body: gateway.SendAPDURequest{
				Device: gateway.Device{ID: 7, Attributes: gateway.DeviceAttributes{ClientID: 1}},
				APDU:   "00A4020C02",
			},
			want: http.StatusNotFound,
		},
		{
			name: "card failure",
			setup: func(env *testEnv) {
				env.card.FailTransmit(errors.New("card removed"))
			},
			body: sendRequest(7, "00A4020C02", "0"),
			want: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.setup != nil {
				tt.setup(env)
			}
			w := env.do(t, http.MethodPost, "/", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
			var body map[string]string
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil || body["error"] == "" {
				t.Errorf("error responses carry a JSON error field, got %v", err)
			}
		})
	}
}

func TestRelease(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodPost, "/", sendRequest(7, "00A4020C02", "0"))
	w := env.do(t, http.MethodPost, "/release", gateway.Device{
		ID:         7,
		Attributes: gateway.DeviceAttributes{ClientID: testCompany},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("POST /release = %d %s", w.Code, w.Body.String())
	}

	if w := env.do(t, http.MethodPost, "/", sendRequest(8, "00A4020C02", "0")); w.Code != http.StatusOK {
		t.Errorf("device 8 after release: status %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/release", nil); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /release = %d, want 405", w.Code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/lock?icc="+testICC, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("lock: %d %s", w.Code, w.Body.String())
	}
	id := w.Body.String()

	if w := env.do(t, http.MethodGet, "/lock?icc="+testICC, nil); w.Code != http.StatusConflict {
		t.Errorf("second lock: status %d, want 409", w.Code)
	}

	w = env.do(t, http.MethodGet, "/getatr?sessionid="+id, nil)
	if w.Code != http.StatusOK || w.Body.String() != strings.ToUpper(fmt.Sprintf("%x", cardtest.DefaultATR)) {
		t.Errorf("getatr: %d %q", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/apdu?sessionid="+id+"&apdu=00B0000019", nil)
	if w.Code != http.StatusOK || w.Body.String() != "416C6963659000" {
		t.Errorf("apdu: %d %q", w.Code, w.Body.String())
	}

	if w := env.do(t, http.MethodGet, "/unlock?sessionid="+id, nil); w.Code != http.StatusOK {
		t.Errorf("unlock: %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/getatr?sessionid="+id, nil); w.Code != http.StatusNotFound {
		t.Errorf("getatr after unlock: %d, want 404", w.Code)
	}
}

func TestSessionEndpointsRequireParams(t *testing.T) {
	env := newTestEnv(t)

	for _, target := range []string{"/lock", "/getatr", "/apdu?sessionid=x", "/unlock"} {
		if w := env.do(t, http.MethodGet, target, nil); w.Code != http.StatusBadRequest {
			t.Errorf("GET %s = %d, want 400", target, w.Code)
		}
	}
}

func TestReaderDiagnostics(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/readers", nil)
	var readers []core.ReaderInfo
	if err := json.NewDecoder(w.Body).Decode(&readers); err != nil {
		t.Fatalf("decode /readers: %v", err)
	}
	want := []core.ReaderInfo{{Name: testReader, HasCard: true, ICC: testICC}}
	if diff := cmp.Diff(want, readers); diff != "" {
		t.Errorf("/readers mismatch (-want +got):\n%s", diff)
	}

	w = env.do(t, http.MethodGet, "/readernames", nil)
	var names []string
	json.NewDecoder(w.Body).Decode(&names)
	if diff := cmp.Diff([]string{testReader}, names); diff != "" {
		t.Errorf("/readernames mismatch (-want +got):\n%s", diff)
	}

	w = env.do(t, http.MethodGet, "/icc", nil)
	var iccs map[string]string
	json.NewDecoder(w.Body).Decode(&iccs)
	if iccs[testICC] != testReader {
		t.Errorf("/icc = %v", iccs)
	}

	w = env.do(t, http.MethodGet, "/icc?readerName="+testReader, nil)
	if w.Body.String() != testICC {
		t.Errorf("/icc?readerName = %q", w.Body.String())
	}
	if w := env.do(t, http.MethodGet, "/icc?readerName=Other", nil); w.Code != http.StatusNotFound {
		t.Errorf("/icc for unknown reader = %d, want 404", w.Code)
	}
}

func TestReset(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/reset", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("/reset = %d %s", w.Code, w.Body.String())
	}
	if env.card.Resets() != 1 {
		t.Errorf("card resets = %d, want 1", env.card.Resets())
	}

	if w := env.do(t, http.MethodGet, "/reset?readerName=Missing", nil); w.Code != http.StatusBadGateway {
		t.Errorf("/reset for unknown reader = %d, want 502", w.Code)
	}

	// A card in use by a device is left alone.
	if w := env.do(t, http.MethodPost, "/", sendRequest(7, "00A4020C02", "0000")); w.Code != http.StatusOK {
		t.Fatalf("POST / = %d %s", w.Code, w.Body.String())
	}
	resets := env.card.Resets()
	if w := env.do(t, http.MethodGet, "/reset?readerName="+testReader, nil); w.Code != http.StatusConflict {
		t.Errorf("/reset for leased card = %d, want 409", w.Code)
	}
	w = env.do(t, http.MethodGet, "/reset", nil)
	var body struct {
		Reset   []string `json:"reset"`
		Skipped []string `json:"skipped"`
	}
	json.NewDecoder(w.Body).Decode(&body)
	if w.Code != http.StatusOK || len(body.Reset) != 0 || len(body.Skipped) != 1 {
		t.Errorf("/reset sweep = %d %+v, want the leased reader skipped", w.Code, body)
	}
	if env.card.Resets() != resets {
		t.Errorf("card resets = %d, want %d", env.card.Resets(), resets)
	}
}

func TestScanNow(t *testing.T) {
	env := newTestEnv(t)
	env.tr.Insert("Reader-B", cardtest.NewTachoCard([]byte("Bob")))

	w := env.do(t, http.MethodGet, "/test", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("/test = %d", w.Code)
	}
	var readers []core.ReaderInfo
	json.NewDecoder(w.Body).Decode(&readers)
	if len(readers) != 2 {
		t.Errorf("/test should rescan and see both readers, got %+v", readers)
	}

	env.tr.FailList(errors.New("no service"))
	if w := env.do(t, http.MethodGet, "/test", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("/test with failing scan = %d, want 503", w.Code)
	}
}

func TestLocks(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/lock?icc="+testICC, nil)

	w := env.do(t, http.MethodGet, "/v1/locks", nil)
	var body struct {
		Locks    []lease.Lease   `json:"locks"`
		Sessions []lease.Session `json:"sessions"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Locks) != 1 || body.Locks[0].ICC != testICC || body.Locks[0].Owner.Kind() != "session" {
		t.Errorf("locks = %+v", body.Locks)
	}
	if len(body.Sessions) != 1 {
		t.Errorf("sessions = %+v", body.Sessions)
	}

	if w := env.do(t, http.MethodDelete, "/v1/locks?icc="+testICC, nil); w.Code != http.StatusOK {
		t.Fatalf("DELETE /v1/locks = %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/lock?icc="+testICC, nil); w.Code != http.StatusOK {
		t.Errorf("lock after force release = %d", w.Code)
	}
}

type fakeRelays []relay.Status

func (f fakeRelays) Active() []relay.Status { return f }

func TestRelaysAndHealth(t *testing.T) {
	env := newTestEnv(t)
	env.srv.relays = fakeRelays{{Reader: testReader, ICC: testICC, State: relay.StateStreaming}}

	w := env.do(t, http.MethodGet, "/v1/relays", nil)
	if !strings.Contains(w.Body.String(), `"state":"streaming"`) {
		t.Errorf("/v1/relays = %s", w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/v1/health", nil)
	var health map[string]any
	json.NewDecoder(w.Body).Decode(&health)
	if health["status"] != "ok" || health["relays"] != float64(1) {
		t.Errorf("/v1/health = %v", health)
	}
}

func TestHandleLogs(t *testing.T) {
	logging.Init(100, logging.LevelDebug)
	logging.Get().SetStderr(false)
	logging.Info(logging.CatCard, "first", nil)
	logging.Error(logging.CatRelay, "second", nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/logs?level=error", nil)
	w := httptest.NewRecorder()
	handleLogs(w, req)

	var body struct {
		Entries []struct {
			Message string `json:"message"`
		} `json:"entries"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Entries) != 1 || body.Entries[0].Message != "second" {
		t.Errorf("entries = %+v", body.Entries)
	}

	w = httptest.NewRecorder()
	handleLogs(w, httptest.NewRequest(http.MethodDelete, "/v1/logs", nil))
	if w.Code != http.StatusOK || len(logging.Get().GetEntries(10, nil, nil)) != 0 {
		t.Error("DELETE /v1/logs should clear the buffer")
	}
}

func TestHandleSettings(t *testing.T) {
	if _, err := config.LoadFile(filepath.Join(t.TempDir(), "config.json")); err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/settings", strings.NewReader(`{"relayEnabled":false}`))
	w := httptest.NewRecorder()
	handleSettings(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /v1/settings = %d %s", w.Code, w.Body.String())
	}
	if config.Get().IsRelayEnabled() {
		t.Error("relayEnabled should be persisted as false")
	}

	w = httptest.NewRecorder()
	handleSettings(w, httptest.NewRequest(http.MethodPost, "/v1/settings", strings.NewReader("{")))
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid body = %d, want 400", w.Code)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	logging.SetCrashLogDir(t.TempDir())
	defer logging.SetCrashLogDir("")

	h := corsMiddleware(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/readers", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["crashFile"] == "" {
		t.Error("response should name the crash file")
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodOptions, "/lock", nil)
	if w.Code != http.StatusOK || w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("preflight = %d %v", w.Code, w.Header())
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", gateway.ErrBadRequest), http.StatusBadRequest},
		{fmt.Errorf("x: %w", gateway.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", gateway.ErrConflict), http.StatusConflict},
		{&gateway.TransportError{Op: "transmit", Err: errors.New("gone")}, http.StatusBadGateway},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

type fakeService struct {
	installed bool
	err       error
}

func (f *fakeService) Install() error {
	if f.err != nil {
		return f.err
	}
	f.installed = true
	return nil
}

func (f *fakeService) Uninstall() error {
	f.installed = false
	return nil
}

func (f *fakeService) IsInstalled() bool { return f.installed }

func (f *fakeService) Status() (string, error) { return "test", nil }

func TestAutostart(t *testing.T) {
	env := newTestEnv(t)
	svc := &fakeService{}
	env.srv.svc = svc

	if w := env.do(t, http.MethodPost, "/v1/autostart", nil); w.Code != http.StatusOK || !svc.installed {
		t.Errorf("POST /v1/autostart = %d, installed %v", w.Code, svc.installed)
	}
	if w := env.do(t, http.MethodDelete, "/v1/autostart", nil); w.Code != http.StatusOK || svc.installed {
		t.Errorf("DELETE /v1/autostart = %d, installed %v", w.Code, svc.installed)
	}

	svc.err = errors.New("permission denied")
	if w := env.do(t, http.MethodPost, "/v1/autostart", nil); w.Code != http.StatusInternalServerError {
		t.Errorf("failed install = %d, want 500", w.Code)
	}

	env.srv.svc = nil
	if w := env.do(t, http.MethodGet, "/v1/autostart", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("no service = %d, want 503", w.Code)
	}
}

func TestShutdown(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(t, http.MethodPost, "/v1/shutdown", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("shutdown without handler = %d, want 503", w.Code)
	}

	called := make(chan struct{})
	env.srv.shutdown = func() { close(called) }
	if w := env.do(t, http.MethodPost, "/v1/shutdown", nil); w.Code != http.StatusOK {
		t.Fatalf("shutdown = %d", w.Code)
	}
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Error("shutdown handler not called")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "tacho_gateway_readers_present") {
		t.Errorf("/metrics = %d, missing gateway series", w.Code)
	}
}
