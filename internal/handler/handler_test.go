package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DifinityDigital/ElevenLabs-Calling/internal/bridge"
	"github.com/DifinityDigital/ElevenLabs-Calling/internal/config"
	"github.com/DifinityDigital/ElevenLabs-Calling/internal/domain"
	"github.com/DifinityDigital/ElevenLabs-Calling/internal/services/call"
	"github.com/DifinityDigital/ElevenLabs-Calling/internal/store"
	"github.com/DifinityDigital/ElevenLabs-Calling/pkg/twilio"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTwilio struct {
	mu       sync.Mutex
	requests []twilio.CallRequest
	sid      string
	err      error
}

func (f *fakeTwilio) CreateCall(ctx context.Context, req twilio.CallRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.sid, f.err
}

type failingFactory struct{}

func (failingFactory) StartSession(ctx context.Context, cfg *domain.CallConfig, out bridge.AgentOutput) (bridge.AgentSession, error) {
	return nil, errors.New("agent unavailable")
}

type testServer struct {
	cfg    *config.CallBridgeConfig
	store  *store.MemoryStore
	twilio *fakeTwilio
	router *mux.Router
}

func newTestServer(t *testing.T, mutate func(cfg *config.CallBridgeConfig)) *testServer {
	t.Helper()

	cfg := &config.CallBridgeConfig{
		WebhookHost:     "calls.example.com",
		TwilioAuthToken: "twilio-token",
		DefaultAgentID:  "default-agent",
		ConfigMaxAge:    config.DefaultConfigMaxAge,
		StoreType:       config.StoreTypeMemory,
		EnableCORS:      true,
	}
	if mutate != nil {
		mutate(cfg)
	}

	s := store.NewMemoryStore(cfg.ConfigMaxAge)
	tw := &fakeTwilio{sid: "CA100"}
	svc := call.NewCallService(cfg, s, tw, nil)
	b := bridge.NewBridge(svc, failingFactory{}, bridge.WithSessionEndTimeout(time.Second))
	svc.SetCleanupNotifier(b)

	router := mux.NewRouter()
	NewHandlerManager(cfg, svc, b).SetupAllRoutes(router)

	return &testServer{cfg: cfg, store: s, twilio: tw, router: router}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func formRequest(path string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

// twilioSignature computes X-Twilio-Signature for a form post
func twilioSignature(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	payload := fullURL
	for _, k := range keys {
		payload += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestOutboundCall_RegistersConfig(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(jsonRequest(http.MethodPost, "/twilio/outbound_call",
		`{"to":"+15551234","agent_id":"agent-a","dynamic_variables":{"name":"Ada"}}`))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "CA100", body["call_sid"])

	cfg, ok, err := ts.store.Get(context.Background(), "CA100")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "agent-a", cfg.AgentID)
	assert.Equal(t, "+15551234", cfg.ToNumber)
	assert.Equal(t, "Ada", cfg.DynamicVariables["name"])

	require.Len(t, ts.twilio.requests, 1)
	assert.Equal(t, "https://calls.example.com/twilio/outbound_call_twiml", ts.twilio.requests[0].URL)
	assert.Equal(t, "https://calls.example.com/twilio/call-status", ts.twilio.requests[0].StatusCallback)
}

func TestOutboundCall_UnprefixedAlias(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(jsonRequest(http.MethodPost, "/outbound_call", `{"to":"+15551234","agent_id":"agent-a"}`))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestOutboundCall_MissingParameters(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, body := range []string{`{"to":"+15551234"}`, `{"agent_id":"agent-a"}`, `{}`} {
		rec := ts.do(jsonRequest(http.MethodPost, "/twilio/outbound_call", body))
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Equal(t, "Missing 'to' or 'agent_id'", decodeBody(t, rec)["error"])
	}
	assert.Empty(t, ts.twilio.requests)
}

func TestOutboundCall_InvalidJSON(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(jsonRequest(http.MethodPost, "/twilio/outbound_call", `{"to":`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec), "error")
}

func TestOutboundCall_ProviderError(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.twilio.err = &domain.ProviderError{Provider: "twilio", Code: 21211, Status: 400, Err: errors.New("invalid 'To' number")}

	rec := ts.do(jsonRequest(http.MethodPost, "/twilio/outbound_call", `{"to":"bogus","agent_id":"agent-a"}`))

	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "invalid 'To' number")

	all, err := ts.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestOutboundCall_RequiresAPIKeyWhenConfigured(t *testing.T) {
	const secret = "jwt-secret"
	ts := newTestServer(t, func(cfg *config.CallBridgeConfig) { cfg.SecretKey = secret })
	body := `{"to":"+15551234","agent_id":"agent-a"}`

	rec := ts.do(jsonRequest(http.MethodPost, "/twilio/outbound_call", body))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := jsonRequest(http.MethodPost, "/twilio/outbound_call", body)
	req.Header.Set("X-API-Key", "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, ts.do(req).Code)

	wrong, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "crm"}).SignedString([]byte("other"))
	require.NoError(t, err)
	req = jsonRequest(http.MethodPost, "/twilio/outbound_call", body)
	req.Header.Set("X-API-Key", wrong)
	assert.Equal(t, http.StatusUnauthorized, ts.do(req).Code)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "crm"}).SignedString([]byte(secret))
	require.NoError(t, err)
	req = jsonRequest(http.MethodPost, "/twilio/outbound_call", body)
	req.Header.Set("X-API-Key", token)
	assert.Equal(t, http.StatusOK, ts.do(req).Code)
}

func TestOutboundTwiML_StreamsWithParameters(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(formRequest("/twilio/outbound_call_twiml", url.Values{
		"CallSid": {"CA100"},
		"From":    {"+15550000"},
		"To":      {"+15551234"},
	}))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/xml", rec.Header().Get("Content-Type"))
	doc := rec.Body.String()
	assert.Contains(t, doc, "<Connect>")
	assert.Contains(t, doc, `url="wss://calls.example.com/media-stream"`)
	assert.Contains(t, doc, `name="callSid"`)
	assert.Contains(t, doc, `value="CA100"`)
	assert.Contains(t, doc, `value="+15551234"`)
}

func TestOutboundTwiML_AcceptsJSON(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(jsonRequest(http.MethodPost, "/outbound_call_twiml", `{"call_sid":"CA7","to":"+1555"}`))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `value="CA7"`)
}

func TestOutboundTwiML_UnparseableBodyStillConnects(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(jsonRequest(http.MethodPost, "/twilio/outbound_call_twiml", `not json`))

	require.Equal(t, http.StatusOK, rec.Code)
	doc := rec.Body.String()
	assert.Contains(t, doc, `url="wss://calls.example.com/media-stream"`)
	assert.NotContains(t, doc, "<Parameter")
}

func TestConversationConfig_ResolutionOrder(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	require.NoError(t, ts.store.Put(ctx, &domain.CallConfig{
		CallSID:          "CA1",
		AgentID:          "agent-a",
		ToNumber:         "+15551234",
		DynamicVariables: map[string]interface{}{"name": "Ada"},
	}))

	tests := []struct {
		name      string
		body      string
		wantAgent string
	}{
		{"exact sid", `{"call_sid":"CA1"}`, "agent-a"},
		{"sid alias", `{"CallSid":"CA1"}`, "agent-a"},
		{"destination fallback", `{"callSid":"CA-unknown","called_number":"+15551234"}`, "agent-a"},
		{"default", `{"call_sid":"CA-unknown","to":"+19999"}`, "default-agent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(jsonRequest(http.MethodPost, "/elevenlabs/conversation-config", tt.body))
			require.Equal(t, http.StatusOK, rec.Code)

			body := decodeBody(t, rec)
			assert.Equal(t, "conversation_initiation_client_data", body["type"])
			assert.Equal(t, tt.wantAgent, body["agent_id"])
			assert.NotNil(t, body["dynamic_variables"])
		})
	}
}

func TestConversationConfig_InvalidJSONReturnsDefault(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(jsonRequest(http.MethodPost, "/conversation-config", `{{{`))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "default-agent", body["agent_id"])
	assert.Equal(t, map[string]interface{}{}, body["dynamic_variables"])
}

func TestCallStatus_DropsConfigOfUnansweredCall(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	require.NoError(t, ts.store.Put(ctx, &domain.CallConfig{CallSID: "CA1", AgentID: "a", ToNumber: "+1"}))
	require.NoError(t, ts.store.Put(ctx, &domain.CallConfig{CallSID: "CA2", AgentID: "a", ToNumber: "+2"}))

	rec := ts.do(formRequest("/twilio/call-status", url.Values{"CallSid": {"CA1"}, "CallStatus": {"no-answer"}}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])

	rec = ts.do(formRequest("/twilio/call-status", url.Values{"CallSid": {"CA2"}, "CallStatus": {"ringing"}}))
	require.Equal(t, http.StatusOK, rec.Code)

	_, ok, err := ts.store.Get(ctx, "CA1")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = ts.store.Get(ctx, "CA2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCallStatus_MissingSIDStillOK(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(formRequest("/twilio/call-status", url.Values{"CallStatus": {"completed"}}))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTwilioSignature(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.CallBridgeConfig) { cfg.TwilioValidateRequest = true })
	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"busy"}}

	rec := ts.do(formRequest("/twilio/call-status", form))
	assert.Equal(t, http.StatusForbidden, rec.Code, "status callback rejects unsigned requests")

	req := formRequest("/twilio/call-status", form)
	req.Header.Set("X-Twilio-Signature", twilioSignature("twilio-token", "https://calls.example.com/twilio/call-status", form))
	assert.Equal(t, http.StatusOK, ts.do(req).Code)

	rec = ts.do(formRequest("/twilio/outbound_call_twiml", url.Values{"CallSid": {"CA1"}}))
	assert.Equal(t, http.StatusOK, rec.Code, "connect webhook only logs invalid signatures")
}

func TestHealthRoutes(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Twilio-ElevenLabs Outbound Call Server", decodeBody(t, rec)["message"])

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(0), body["active_sessions"])
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/twilio/outbound_call", nil)
	rec := ts.do(req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMediaStream_UnknownCallClosesWithServerError(t *testing.T) {
	ts := newTestServer(t, nil)
	srv := httptest.NewServer(ts.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/media-stream", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"event":     "start",
		"streamSid": "MZ1",
		"start": map[string]interface{}{
			"streamSid": "MZ1",
			"callSid":   "CA-unknown",
		},
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)
}

func TestOutboundCall_QueueFullReturns429(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.CallBridgeConfig) {
		cfg.TwilioCallsPerSecond = 1
		cfg.TwilioQueueTimeout = 10 * time.Millisecond
	})
	body := `{"to":"+15551234","agent_id":"agent-a"}`

	require.Equal(t, http.StatusOK, ts.do(jsonRequest(http.MethodPost, "/twilio/outbound_call", body)).Code)

	rec := ts.do(jsonRequest(http.MethodPost, "/twilio/outbound_call", body))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "rate limited")
	assert.Len(t, ts.twilio.requests, 1)
}

func TestOutboundCall_BurstAnsweredBeforeWriteTimeout(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.CallBridgeConfig) {
		cfg.TwilioCallsPerSecond = 1
		cfg.TwilioQueueTimeout = 500 * time.Millisecond
	})
	srv := httptest.NewUnstartedServer(ts.router)
	srv.Config.WriteTimeout = time.Second
	srv.Start()
	defer srv.Close()

	const requests = 3
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses []int
		failures []error
	)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := srv.Client().Post(srv.URL+"/twilio/outbound_call", "application/json",
				strings.NewReader(`{"to":"+15551234","agent_id":"agent-a"}`))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			defer resp.Body.Close()
			var body map[string]interface{}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				failures = append(failures, err)
				return
			}
			statuses = append(statuses, resp.StatusCode)
		}()
	}
	wg.Wait()

	require.Empty(t, failures, "every request gets a response")
	require.Len(t, statuses, requests)

	placed := 0
	for _, status := range statuses {
		if status == http.StatusOK {
			placed++
			continue
		}
		assert.Equal(t, http.StatusTooManyRequests, status)
	}
	ts.twilio.mu.Lock()
	defer ts.twilio.mu.Unlock()
	assert.Equal(t, len(ts.twilio.requests), placed, "every placed call is reported to its caller")
}

func TestOutboundTwiML_ReadsQueryOnGet(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/twilio/outbound_call_twiml?CallSid=CA9&To=%2B15551234", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	doc := rec.Body.String()
	assert.Contains(t, doc, `value="CA9"`)
	assert.Contains(t, doc, `value="+15551234"`)
}

func TestOutboundTwiML_ParsesJSONWithoutJSONContentType(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, contentType := range []string{"", "text/plain"} {
		req := httptest.NewRequest(http.MethodPost, "/twilio/outbound_call_twiml", strings.NewReader(`{"CallSid":"CA8","To":"+1555"}`))
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		rec := ts.do(req)

		require.Equal(t, http.StatusOK, rec.Code, contentType)
		assert.Contains(t, rec.Body.String(), `value="CA8"`, contentType)
	}
}
