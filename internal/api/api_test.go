// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	gorillaws "github.com/gorilla/websocket"

	"github.com/tomtom215/canopy/internal/adapter"
	"github.com/tomtom215/canopy/internal/admission"
	"github.com/tomtom215/canopy/internal/alerting"
	"github.com/tomtom215/canopy/internal/changefeed"
	"github.com/tomtom215/canopy/internal/config"
	"github.com/tomtom215/canopy/internal/dispatch"
	"github.com/tomtom215/canopy/internal/idempotency"
	"github.com/tomtom215/canopy/internal/ingest"
	"github.com/tomtom215/canopy/internal/logging"
	"github.com/tomtom215/canopy/internal/models"
	"github.com/tomtom215/canopy/internal/normalize"
	"github.com/tomtom215/canopy/internal/registry"
	"github.com/tomtom215/canopy/internal/store"
	"github.com/tomtom215/canopy/internal/websocket"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: io.Discard})
}

const dashboardOrigin = "http://dashboard.test"

type testEnv struct {
	server    *httptest.Server
	handler   *Handler
	store     *store.BadgerStore
	registry  *registry.Registry
	fanout    *changefeed.Worker
	instances *alerting.MemoryInstanceStore
}

// newTestEnv wires the real ingest path, change feed and WebSocket fanout
// behind the router. processor replaces the orchestrator when non-nil.
func newTestEnv(t *testing.T, processor Processor) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bs, err := store.OpenBadger(store.BadgerConfig{InMemory: true, PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	t.Cleanup(func() { _ = bs.Close() })

	if processor == nil {
		processor = ingest.New(
			admission.NewController(config.AdmissionConfig{Enabled: false}),
			idempotency.NewService(idempotency.NewMemoryStore(1024), 24*time.Hour),
			normalize.NewService(bs, config.NormalizationConfig{
				AutoCreateStreams: true,
				SkewTolerance:     time.Minute,
				MaxAge:            24 * time.Hour,
			}),
			bs,
		)
	}

	reg := registry.New(8)
	hub := websocket.NewHub(reg, config.WebSocketConfig{SendBuffer: 16})
	go func() { _ = hub.Serve(ctx) }()

	fanout := changefeed.NewWorker("fanout", bs, dispatch.New(reg, hub), config.ChangeFeedConfig{PollInterval: 10 * time.Millisecond})
	if err := fanout.Open(ctx); err != nil {
		t.Fatal(err)
	}
	go func() { _ = fanout.Serve(ctx) }()

	instances := alerting.NewMemoryInstanceStore()
	h := NewHandler(Dependencies{
		Processor:      processor,
		HTTPAdapter:    adapter.NewHTTPAdapter(100),
		Simulation:     adapter.NewSimulationAdapter(100),
		SimulationTick: 10 * time.Second,
		Sessions:       bs,
		Alerts:         alerting.NewEvaluator(nil, bs, instances),
		Subscriptions:  reg,
		Hub:            hub,
		Store:          bs,
		MaxBodyBytes:   64 << 10,
		AllowedOrigins: []string{dashboardOrigin},
	})
	cfg := DefaultChiMiddlewareConfig()
	cfg.RateLimitDisabled = true
	srv := httptest.NewServer(NewRouter(h, NewChiMiddleware(cfg)).SetupChi())
	t.Cleanup(srv.Close)

	return &testEnv{server: srv, handler: h, store: bs, registry: reg, fanout: fanout, instances: instances}
}

type envelope struct {
	Status string           `json:"status"`
	Data   json.RawMessage  `json:"data"`
	Error  *models.APIError `json:"error"`
}

func (e *testEnv) do(t *testing.T, method, path string, body string, header http.Header) (*http.Response, envelope) {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var env envelope
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return resp, env
}

func batchJSON(key string, readings ...string) string {
	return fmt.Sprintf(`{"equipmentId":"gw-7","protocol":"http","idempotencyKey":%q,"readings":[%s]}`,
		key, strings.Join(readings, ","))
}

func readingJSON(streamKey string, at time.Time, value string, unit string) string {
	return fmt.Sprintf(`{"streamKey":%q,"timestamp":%q,"value":%s,"unit":%q}`,
		streamKey, at.UTC().Format(time.RFC3339Nano), value, unit)
}

func decodeResult(t *testing.T, env envelope) models.BatchResult {
	t.Helper()
	var res models.BatchResult
	if err := json.Unmarshal(env.Data, &res); err != nil {
		t.Fatal(err)
	}
	return res
}

func TestIngestMixedBatchAndReplay(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)
	now := time.Now().Add(-time.Minute)
	body := batchJSON("batch-1",
		readingJSON("temperature", now, "21.5", "°C"),
		readingJSON("humidity", now, `"NaN"`, "%"),
	)

	resp, env := e.do(t, http.MethodPost, "/sites/greenhouse-a/ingest", body, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, error %+v", resp.StatusCode, env.Error)
	}
	res := decodeResult(t, env)
	if res.Accepted != 1 || res.Rejected != 1 {
		t.Fatalf("result = %+v", res)
	}
	if r := res.Readings[1]; r.Status != models.OutcomeRejected || r.Reason != models.ReasonInvalidValue {
		t.Errorf("NaN reading = %+v", r)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}

	// The audit API shows the rejected reading.
	resp, env = e.do(t, http.MethodGet, "/sites/greenhouse-a/sessions/"+res.SessionID, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session status = %d", resp.StatusCode)
	}
	var detail SessionDetail
	if err := json.Unmarshal(env.Data, &detail); err != nil {
		t.Fatal(err)
	}
	if detail.Session.State != models.SessionClosed || len(detail.Errors) != 1 || detail.Errors[0].Reason != models.ReasonInvalidValue {
		t.Errorf("session detail = %+v, errors %+v", detail.Session, detail.Errors)
	}

	// Other sites cannot read it.
	if resp, _ := e.do(t, http.MethodGet, "/sites/other/sessions/"+res.SessionID, "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("cross-site session status = %d", resp.StatusCode)
	}

	// Replay.
	resp, env = e.do(t, http.MethodPost, "/sites/greenhouse-a/ingest", body, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("replay status = %d", resp.StatusCode)
	}
	replay := decodeResult(t, env)
	if replay.Duplicates != 2 || replay.Accepted != 0 {
		t.Errorf("replay = %+v", replay)
	}
	if n, _ := e.store.CountReadings(context.Background(), res.Readings[0].StreamID); n != 1 {
		t.Errorf("row count = %d, want 1", n)
	}
}

func TestIngestHeaderKey(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)
	body := `{"equipmentId":"gw-7","readings":[` + readingJSON("co2", time.Now().Add(-time.Minute), "800", "ppm") + `]}`
	h := http.Header{IdempotencyKeyHeader: {"hdr-1"}}

	_, first := e.do(t, http.MethodPost, "/sites/s1/ingest", body, h)
	_, second := e.do(t, http.MethodPost, "/sites/s1/ingest", body, h)
	if a, b := decodeResult(t, first), decodeResult(t, second); a.Accepted != 1 || b.Duplicates != 1 {
		t.Errorf("first %+v second %+v", a, b)
	}
}

func TestIngestBadPayloads(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"not json", `{"equipmentId":`, http.StatusBadRequest, adapter.CodeMalformed},
		{"no equipment", `{"readings":[]}`, http.StatusBadRequest, adapter.CodeValidation},
		{"empty batch", `{"equipmentId":"gw-7","readings":[]}`, http.StatusBadRequest, adapter.CodeEmptyBatch},
		{"bad protocol", `{"equipmentId":"gw-7","protocol":"carrier-pigeon","readings":[]}`, http.StatusBadRequest, adapter.CodeValidation},
		{"too large body", `{"equipmentId":"` + strings.Repeat("x", 70<<10) + `"}`, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, env := e.do(t, http.MethodPost, "/sites/s1/ingest", tt.body, nil)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if env.Error == nil || env.Error.Code != tt.code {
				t.Errorf("error = %+v, want code %s", env.Error, tt.code)
			}
		})
	}
}

type stubProcessor struct{ err error }

func (s stubProcessor) Process(context.Context, *models.IngestBatch) (*models.BatchResult, error) {
	return nil, s.err
}

func TestIngestErrorMapping(t *testing.T) {
	t.Parallel()
	body := batchJSON("k", readingJSON("co2", time.Now(), "800", "ppm"))

	tests := []struct {
		name       string
		err        error
		status     int
		retryAfter string
	}{
		{"rate limited", &admission.RateLimitedError{Limiter: admission.TokenBucketName, RetryAfter: 1500 * time.Millisecond}, http.StatusTooManyRequests, "2"},
		{"sub-second retry rounds up", &admission.RateLimitedError{Limiter: admission.SlidingWindowName, RetryAfter: time.Millisecond}, http.StatusTooManyRequests, "1"},
		{"invalid batch", fmt.Errorf("%w: no readings", ingest.ErrInvalidBatch), http.StatusBadRequest, ""},
		{"store failure", &ingest.StageError{Stage: ingest.StateNormalized, SessionID: "s", Err: errors.New("disk full")}, http.StatusServiceUnavailable, "5"},
		{"shutting down", fmt.Errorf("admit: %w", admission.ErrClosed), http.StatusServiceUnavailable, "5"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newTestEnv(t, stubProcessor{err: tt.err})
			resp, env := e.do(t, http.MethodPost, "/sites/s1/ingest", body, nil)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if got := resp.Header.Get("Retry-After"); got != tt.retryAfter {
				t.Errorf("Retry-After = %q, want %q", got, tt.retryAfter)
			}
			if env.Status != "error" || env.Error == nil {
				t.Errorf("envelope = %+v", env)
			}
		})
	}
}

func TestSimulateReplayIsDuplicate(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)
	at := time.Now().Add(-time.Minute).UTC()
	tick := fmt.Sprintf(`{"simulatorId":"sim-1","equipmentId":"rig-1","generatedAt":%q,"readings":[%s]}`,
		at.Format(time.RFC3339Nano), readingJSON("ppfd", at, "450", "µmol/m²/s"))

	_, first := e.do(t, http.MethodPost, "/sites/sim/simulate", tick, nil)
	_, second := e.do(t, http.MethodPost, "/sites/sim/simulate", tick, nil)
	a, b := decodeResult(t, first), decodeResult(t, second)
	if a.Accepted != 1 || b.Duplicates != 1 {
		t.Errorf("first %+v second %+v", a, b)
	}
}

func TestAlertsListAndAcknowledge(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()
	for _, inst := range []*models.AlertInstance{
		{ID: "a-open", RuleID: "r1", StreamID: "x", SiteID: "s1", State: models.AlertOpen, OpenedAt: now},
		{ID: "a-closed", RuleID: "r1", StreamID: "y", SiteID: "s1", State: models.AlertClosed, OpenedAt: now.Add(-time.Hour), ClosedAt: &now},
	} {
		if err := e.instances.Create(ctx, inst); err != nil {
			t.Fatal(err)
		}
	}

	_, env := e.do(t, http.MethodGet, "/sites/s1/alerts?state=open", "", nil)
	var list []models.AlertInstance
	if err := json.Unmarshal(env.Data, &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "a-open" {
		t.Errorf("open alerts = %+v", list)
	}

	if resp, _ := e.do(t, http.MethodGet, "/sites/s1/alerts?state=bogus", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bogus state status = %d", resp.StatusCode)
	}

	resp, env := e.do(t, http.MethodPost, "/alerts/a-open/ack", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ack status = %d", resp.StatusCode)
	}
	var acked models.AlertInstance
	_ = json.Unmarshal(env.Data, &acked)
	if acked.State != models.AlertAcknowledged || acked.AcknowledgedAt == nil {
		t.Errorf("acked = %+v", acked)
	}

	if resp, _ := e.do(t, http.MethodPost, "/alerts/a-closed/ack", "", nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("ack closed status = %d", resp.StatusCode)
	}
	if resp, _ := e.do(t, http.MethodPost, "/alerts/missing/ack", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("ack missing status = %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	if resp, _ := e.do(t, http.MethodGet, "/health/live", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("live = %d", resp.StatusCode)
	}
	if resp, _ := e.do(t, http.MethodGet, "/health/ready", "", nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("ready before startup = %d", resp.StatusCode)
	}
	e.handler.SetReady(true)
	if resp, _ := e.do(t, http.MethodGet, "/health/ready", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("ready after startup = %d", resp.StatusCode)
	}

	_ = e.store.Close()
	resp, env := e.do(t, http.MethodGet, "/health/ready", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("ready with closed store = %d", resp.StatusCode)
	}
	var hs models.HealthStatus
	_ = json.Unmarshal(env.Data, &hs)
	if hs.Components["store"] == "ok" {
		t.Errorf("components = %v", hs.Components)
	}

	e.do(t, http.MethodGet, "/subscriptions/snapshot", "", nil)
	resp, err := http.Get(e.server.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(raw, []byte("canopy_http_requests_total")) {
		t.Error("metrics endpoint does not expose request counter")
	}
}

func dialDashboard(t *testing.T, e *testEnv, origin string) (*gorillaws.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
	conn, resp, err := gorillaws.DefaultDialer.Dial(url, http.Header{"Origin": {origin}})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

type wsFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readWS(conn *gorillaws.Conn, wait time.Duration) (wsFrame, error) {
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	var f wsFrame
	_, data, err := conn.ReadMessage()
	if err != nil {
		return f, err
	}
	return f, json.Unmarshal(data, &f)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// A subscribed dashboard gets exactly one event for a new reading; a
// client subscribed elsewhere gets nothing.
func TestRealtimeFanoutToSubscribersOnly(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)
	start := time.Now().Add(-2 * time.Minute)

	_, env := e.do(t, http.MethodPost, "/sites/gh/ingest", batchJSON("seed", readingJSON("temperature", start, "20", "°C")), nil)
	streamX := decodeResult(t, env).Readings[0].StreamID
	deadline := time.Now().Add(5 * time.Second)
	for e.fanout.Handled() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	subscriber, _, err := dialDashboard(t, e, dashboardOrigin)
	if err != nil {
		t.Fatal(err)
	}
	bystander, _, err := dialDashboard(t, e, dashboardOrigin)
	if err != nil {
		t.Fatal(err)
	}
	if err := subscriber.WriteJSON(websocket.ClientMessage{Type: websocket.MessageTypeSubscribe, StreamID: streamX}); err != nil {
		t.Fatal(err)
	}
	if err := bystander.WriteJSON(websocket.ClientMessage{Type: websocket.MessageTypeSubscribe, StreamID: "stream-y"}); err != nil {
		t.Fatal(err)
	}
	for _, c := range []*gorillaws.Conn{subscriber, bystander} {
		if f, err := readWS(c, 2*time.Second); err != nil || f.Type != websocket.MessageTypeSubscribed {
			t.Fatalf("subscribe ack = %+v, %v", f, err)
		}
	}

	_, env = e.do(t, http.MethodPost, "/sites/gh/ingest", batchJSON("next", readingJSON("temperature", start.Add(time.Minute), "23.25", "°C")), nil)
	if res := decodeResult(t, env); res.Accepted != 1 {
		t.Fatalf("second ingest = %+v", res)
	}

	f, err := readWS(subscriber, 5*time.Second)
	if err != nil {
		t.Fatalf("subscriber read: %v", err)
	}
	if f.Type != websocket.MessageTypeReading {
		t.Fatalf("frame type = %s", f.Type)
	}
	var ev models.ReadingEvent
	if err := json.Unmarshal(f.Data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.StreamID != streamX || ev.Value != 23.25 || ev.Unit != "°C" {
		t.Errorf("event = %+v", ev)
	}

	if _, err := readWS(subscriber, 300*time.Millisecond); !isTimeout(err) {
		t.Errorf("subscriber got a second frame: %v", err)
	}
	if _, err := readWS(bystander, 300*time.Millisecond); !isTimeout(err) {
		t.Errorf("bystander received a frame: %v", err)
	}

	_, env = e.do(t, http.MethodGet, "/subscriptions/snapshot", "", nil)
	var snap models.TelemetrySubscriptionSnapshot
	_ = json.Unmarshal(env.Data, &snap)
	if snap.TotalConnections != 2 || snap.Streams[streamX] != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestWebSocketOriginCheck(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	for _, origin := range []string{"", "http://evil.test"} {
		_, resp, err := dialDashboard(t, e, origin)
		if err == nil {
			t.Errorf("origin %q: upgrade succeeded", origin)
			continue
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Errorf("origin %q: response %v", origin, resp)
		}
	}
}

func TestUnknownRoute(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)
	resp, env := e.do(t, http.MethodGet, "/nope", "", nil)
	if resp.StatusCode != http.StatusNotFound || env.Error == nil || env.Error.Code != ErrCodeNotFound {
		t.Errorf("status %d envelope %+v", resp.StatusCode, env)
	}
	if resp, _ := e.do(t, http.MethodGet, "/sites/s1/ingest", "", nil); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET ingest = %d", resp.StatusCode)
	}
}
