// Package e2e provides end-to-end test infrastructure for the relay: a full
// HTTP+WebSocket server on a real port, a signing HTTP client for the
// admission endpoints, and frame-collecting WebSocket clients.
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/canvaslink/relay/pkg/api"
	"github.com/canvaslink/relay/pkg/bridge"
	"github.com/canvaslink/relay/pkg/config"
	"github.com/canvaslink/relay/pkg/protocol"
	"github.com/canvaslink/relay/pkg/signing"
	"github.com/canvaslink/relay/pkg/store"
)

// TestApp boots a complete relay instance for e2e testing: in-memory store,
// real signature verification, real WebSocket bridging.
type TestApp struct {
	Config   *config.Config
	Store    *store.MemoryStore
	Registry *bridge.Registry
	Server   *api.Server

	BaseURL string // e.g. "http://127.0.0.1:54321"
	WSURL   string // e.g. "ws://127.0.0.1:54321"
	Secret  []byte

	t *testing.T
}

type testAppConfig struct {
	bridgeOpts bridge.Options
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithBridgeOptions overrides the bridge timers (shortened grace, heartbeat).
func WithBridgeOptions(opts bridge.Options) TestAppOption {
	return func(c *testAppConfig) { c.bridgeOpts = opts }
}

// NewTestApp builds and starts a relay on an ephemeral port. Everything is
// torn down via t.Cleanup.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	cfg := &testAppConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	secret := []byte("e2e-relay-secret")
	appCfg := &config.Config{
		Secret:         string(secret),
		AllowedOrigins: []string{"*"},
		DomainID:       "e2e",
		StoreBackend:   config.StoreMemory,
	}

	st := store.NewMemoryStore()
	verifier := signing.NewVerifier(secret)
	registry := bridge.NewRegistry(st, verifier, cfg.bridgeOpts)
	server := api.NewServer(appCfg, registry, st, verifier)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		registry.Shutdown()
		ts.Close()
		_ = st.Close()
	})

	return &TestApp{
		Config:   appCfg,
		Store:    st,
		Registry: registry,
		Server:   server,
		BaseURL:  ts.URL,
		WSURL:    "ws" + ts.URL[len("http"):],
		Secret:   secret,
		t:        t,
	}
}

var nonceCounter atomic.Int64

// NextNonce returns a process-unique nonce.
func NextNonce() string {
	return fmt.Sprintf("e2e-nonce-%d", nonceCounter.Add(1))
}

// SignedPost issues a signed POST to an admission endpoint and returns the
// response with its body read.
func (app *TestApp) SignedPost(path string, body any) (*http.Response, []byte) {
	app.t.Helper()

	data, err := json.Marshal(body)
	require.NoError(app.t, err)

	req, err := http.NewRequest(http.MethodPost, app.BaseURL+path, bytes.NewReader(data))
	require.NoError(app.t, err)

	iat := time.Now().Unix()
	nonce := NextNonce()
	req.Header.Set(signing.HeaderIAT, strconv.FormatInt(iat, 10))
	req.Header.Set(signing.HeaderNonce, nonce)
	req.Header.Set(signing.HeaderSig,
		signing.Sign(app.Secret, opForPath(path), path, signing.PayloadHash(data), iat, nonce))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(app.t, err)
	respBody, err := io.ReadAll(resp.Body)
	require.NoError(app.t, err)
	_ = resp.Body.Close()
	return resp, respBody
}

// opForPath maps an admission path to its signed operation name.
func opForPath(path string) string {
	if strings.HasSuffix(path, "/register-pc") {
		return signing.OpRegisterPC
	}
	return signing.OpPendingSID
}

// RegisterPC registers a pcid for an event and asserts success.
func (app *TestApp) RegisterPC(eventID, pcid string) {
	app.t.Helper()
	resp, body := app.SignedPost("/e/"+eventID+"/register-pc", protocol.RegisterPCRequest{PCID: pcid})
	require.Equal(app.t, http.StatusOK, resp.StatusCode, string(body))
}

// CreatePendingSID pre-registers a SID for a pcid and asserts success.
func (app *TestApp) CreatePendingSID(eventID, pcid, sid string, ttl int) {
	app.t.Helper()
	resp, body := app.SignedPost("/e/"+eventID+"/pending-sid",
		protocol.PendingSIDRequest{PCID: pcid, SID: sid, TTL: ttl})
	require.Equal(app.t, http.StatusOK, resp.StatusCode, string(body))
}

// SIDStatus queries GET /e/{event}/sid-status and returns the connected flag.
func (app *TestApp) SIDStatus(eventID, sid string) bool {
	app.t.Helper()
	resp, err := http.Get(app.BaseURL + "/e/" + eventID + "/sid-status?sid=" + sid)
	require.NoError(app.t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(app.t, http.StatusOK, resp.StatusCode)

	var status protocol.SIDStatusResponse
	require.NoError(app.t, json.NewDecoder(resp.Body).Decode(&status))
	return status.Connected
}

// WSAuthFrame builds a correctly signed pc-auth frame for an event.
func (app *TestApp) WSAuthFrame(eventID, pcid string) protocol.Frame {
	path := "/e/" + eventID + "/ws"
	iat := time.Now().Unix()
	nonce := NextNonce()
	return protocol.Frame{
		V:           protocol.Version,
		Type:        protocol.TypePCAuth,
		PCID:        pcid,
		Path:        path,
		IAT:         iat,
		Nonce:       nonce,
		PayloadHash: signing.EmptyPayloadHash,
		Sig:         signing.Sign(app.Secret, signing.OpWSAuth, path, signing.EmptyPayloadHash, iat, nonce),
	}
}

// ConnectPC dials the event WebSocket and completes pc-auth.
func (app *TestApp) ConnectPC(eventID, pcid string) *WSClient {
	app.t.Helper()
	c := WSConnect(app.t, app.WSURL+"/e/"+eventID+"/ws")
	c.Send(app.WSAuthFrame(eventID, pcid))
	ack := c.WaitForType(protocol.TypePCAck, 5*time.Second)
	require.NotNil(app.t, ack, "pc-ack not received")
	return c
}

// ConnectMobile dials the event WebSocket and joins with a SID.
func (app *TestApp) ConnectMobile(eventID, sid string) *WSClient {
	app.t.Helper()
	c := WSConnect(app.t, app.WSURL+"/e/"+eventID+"/ws")
	c.Send(protocol.Frame{V: protocol.Version, Type: protocol.TypeJoin, SID: sid})
	ack := c.WaitForType(protocol.TypeAck, 5*time.Second)
	require.NotNil(app.t, ack, "join ack not received")
	require.True(app.t, ack.OK)
	return c
}
