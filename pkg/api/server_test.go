package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canvaslink/relay/pkg/bridge"
	"github.com/canvaslink/relay/pkg/config"
	"github.com/canvaslink/relay/pkg/protocol"
	"github.com/canvaslink/relay/pkg/signing"
	"github.com/canvaslink/relay/pkg/store"
)

const testSecret = "test-secret"

var nonceSeq atomic.Int64

func nextNonce() string {
	return fmt.Sprintf("n-%d", nonceSeq.Add(1))
}

func setupTestServer(t *testing.T) (*Server, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.Config{
		Secret:         testSecret,
		AllowedOrigins: []string{"*"},
		StoreBackend:   config.StoreMemory,
	}
	verifier := signing.NewVerifier([]byte(testSecret))
	registry := bridge.NewRegistry(st, verifier, bridge.Options{})
	t.Cleanup(registry.Shutdown)

	return NewServer(cfg, registry, st, verifier), st
}

// signedRequest builds a request carrying valid admission signature headers.
func signedRequest(t *testing.T, method, path, op string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	iat := time.Now().Unix()
	nonce := nextNonce()
	req.Header.Set(signing.HeaderIAT, strconv.FormatInt(iat, 10))
	req.Header.Set(signing.HeaderNonce, nonce)
	req.Header.Set(signing.HeaderSig,
		signing.Sign([]byte(testSecret), op, path, signing.PayloadHash(body), iat, nonce))
	return req
}

func doRequest(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp protocol.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.OK)
	return resp.Error.Code
}

func registerPC(t *testing.T, s *Server, eventID, pcid string) {
	t.Helper()
	body := []byte(`{"pcid":"` + pcid + `"}`)
	rec := doRequest(s, signedRequest(t, http.MethodPost,
		"/e/"+eventID+"/register-pc", signing.OpRegisterPC, body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestRegisterPC(t *testing.T) {
	t.Run("success and idempotent", func(t *testing.T) {
		s, _ := setupTestServer(t)
		registerPC(t, s, "demo", "pc1")
		registerPC(t, s, "demo", "pc1")
	})

	t.Run("missing signature headers", func(t *testing.T) {
		s, _ := setupTestServer(t)
		req := httptest.NewRequest(http.MethodPost, "/e/demo/register-pc",
			bytes.NewReader([]byte(`{"pcid":"pc1"}`)))
		rec := doRequest(s, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, protocol.CodeMissingHeaders, decodeError(t, rec))
	})

	t.Run("tampered body fails payload hash binding", func(t *testing.T) {
		s, _ := setupTestServer(t)
		req := signedRequest(t, http.MethodPost, "/e/demo/register-pc",
			signing.OpRegisterPC, []byte(`{"pcid":"pc1"}`))
		req.Body = http.NoBody
		req.ContentLength = 0
		rec := doRequest(s, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, protocol.CodeBadSignature, decodeError(t, rec))
	})

	t.Run("nonce replay", func(t *testing.T) {
		s, _ := setupTestServer(t)
		body := []byte(`{"pcid":"pc1"}`)
		path := "/e/demo/register-pc"
		iat := time.Now().Unix()
		nonce := nextNonce()
		sig := signing.Sign([]byte(testSecret), signing.OpRegisterPC, path,
			signing.PayloadHash(body), iat, nonce)

		for i, wantStatus := range []int{http.StatusOK, http.StatusUnauthorized} {
			req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
			req.Header.Set(signing.HeaderIAT, strconv.FormatInt(iat, 10))
			req.Header.Set(signing.HeaderNonce, nonce)
			req.Header.Set(signing.HeaderSig, sig)
			rec := doRequest(s, req)
			require.Equal(t, wantStatus, rec.Code, "attempt %d", i)
			if wantStatus != http.StatusOK {
				assert.Equal(t, protocol.CodeNonceReplay, decodeError(t, rec))
			}
		}
	})

	t.Run("clock skew returns server time", func(t *testing.T) {
		s, _ := setupTestServer(t)
		body := []byte(`{"pcid":"pc1"}`)
		path := "/e/demo/register-pc"
		iat := time.Now().Unix() - 300
		nonce := nextNonce()
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
		req.Header.Set(signing.HeaderIAT, strconv.FormatInt(iat, 10))
		req.Header.Set(signing.HeaderNonce, nonce)
		req.Header.Set(signing.HeaderSig,
			signing.Sign([]byte(testSecret), signing.OpRegisterPC, path, signing.PayloadHash(body), iat, nonce))
		rec := doRequest(s, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, protocol.CodeClockSkew, decodeError(t, rec))

		serverTime, err := strconv.ParseInt(rec.Header().Get("X-Server-Time"), 10, 64)
		require.NoError(t, err)
		assert.InDelta(t, time.Now().Unix(), serverTime, 5)
	})

	t.Run("bad event id", func(t *testing.T) {
		s, _ := setupTestServer(t)
		rec := doRequest(s, signedRequest(t, http.MethodPost,
			"/e/NOPE/register-pc", signing.OpRegisterPC, []byte(`{"pcid":"pc1"}`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, protocol.CodeBadField, decodeError(t, rec))
	})

	t.Run("bad pcid grammar", func(t *testing.T) {
		s, _ := setupTestServer(t)
		rec := doRequest(s, signedRequest(t, http.MethodPost,
			"/e/demo/register-pc", signing.OpRegisterPC, []byte(`{"pcid":"PC One"}`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, protocol.CodeBadField, decodeError(t, rec))
	})

	t.Run("bad json body", func(t *testing.T) {
		s, _ := setupTestServer(t)
		rec := doRequest(s, signedRequest(t, http.MethodPost,
			"/e/demo/register-pc", signing.OpRegisterPC, []byte(`{nope`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, protocol.CodeBadJSON, decodeError(t, rec))
	})

	t.Run("oversized body", func(t *testing.T) {
		s, _ := setupTestServer(t)
		big := bytes.Repeat([]byte("a"), maxAdmissionBody+1)
		rec := doRequest(s, signedRequest(t, http.MethodPost,
			"/e/demo/register-pc", signing.OpRegisterPC, big))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, protocol.CodeOverloaded, decodeError(t, rec))
		assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	})
}

func TestPendingSID(t *testing.T) {
	pendingBody := func(pcid, sid string, ttl int) []byte {
		b, _ := json.Marshal(protocol.PendingSIDRequest{PCID: pcid, SID: sid, TTL: ttl})
		return b
	}

	t.Run("success", func(t *testing.T) {
		s, st := setupTestServer(t)
		registerPC(t, s, "demo", "pc1")

		rec := doRequest(s, signedRequest(t, http.MethodPost,
			"/e/demo/pending-sid", signing.OpPendingSID, pendingBody("pc1", "ABCDEFGHIJ", 60)))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		entry, err := st.GetPendingSID(context.Background(), "demo", "ABCDEFGHIJ")
		require.NoError(t, err)
		assert.Equal(t, "pc1", entry.PCID)
		assert.False(t, entry.Claimed)
	})

	t.Run("unregistered pc", func(t *testing.T) {
		s, _ := setupTestServer(t)
		rec := doRequest(s, signedRequest(t, http.MethodPost,
			"/e/demo/pending-sid", signing.OpPendingSID, pendingBody("ghost", "ABCDEFGHIJ", 60)))
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, protocol.CodePCNotRegistered, decodeError(t, rec))
	})

	t.Run("duplicate sid", func(t *testing.T) {
		s, _ := setupTestServer(t)
		registerPC(t, s, "demo", "pc1")

		body := pendingBody("pc1", "ABCDEFGHIJ", 60)
		rec := doRequest(s, signedRequest(t, http.MethodPost,
			"/e/demo/pending-sid", signing.OpPendingSID, body))
		require.Equal(t, http.StatusOK, rec.Code)

		rec = doRequest(s, signedRequest(t, http.MethodPost,
			"/e/demo/pending-sid", signing.OpPendingSID, body))
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, protocol.CodeSIDExists, decodeError(t, rec))
	})

	t.Run("ttl clamped to max", func(t *testing.T) {
		s, st := setupTestServer(t)
		registerPC(t, s, "demo", "pc1")

		rec := doRequest(s, signedRequest(t, http.MethodPost,
			"/e/demo/pending-sid", signing.OpPendingSID, pendingBody("pc1", "ABCDEFGHIJ", 100000)))
		require.Equal(t, http.StatusOK, rec.Code)

		entry, err := st.GetPendingSID(context.Background(), "demo", "ABCDEFGHIJ")
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().Add(maxSIDTTL*time.Second), entry.ExpiresAt, 2*time.Second)
	})

	t.Run("ttl clamped to min", func(t *testing.T) {
		s, st := setupTestServer(t)
		registerPC(t, s, "demo", "pc1")

		rec := doRequest(s, signedRequest(t, http.MethodPost,
			"/e/demo/pending-sid", signing.OpPendingSID, pendingBody("pc1", "KKKKKKKKKK", 10)))
		require.Equal(t, http.StatusOK, rec.Code)

		entry, err := st.GetPendingSID(context.Background(), "demo", "KKKKKKKKKK")
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().Add(minSIDTTL*time.Second), entry.ExpiresAt, 2*time.Second)
	})

	t.Run("bad sid grammar", func(t *testing.T) {
		s, _ := setupTestServer(t)
		registerPC(t, s, "demo", "pc1")
		rec := doRequest(s, signedRequest(t, http.MethodPost,
			"/e/demo/pending-sid", signing.OpPendingSID, pendingBody("pc1", "too-short", 60)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, protocol.CodeBadField, decodeError(t, rec))
	})
}

func TestSIDStatus(t *testing.T) {
	t.Run("unknown sid reads not connected", func(t *testing.T) {
		s, _ := setupTestServer(t)
		rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/e/demo/sid-status?sid=ABCDEFGHIJ", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp protocol.SIDStatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.OK)
		assert.False(t, resp.Connected)
	})

	t.Run("claimed sid reads connected", func(t *testing.T) {
		s, st := setupTestServer(t)
		ctx := context.Background()
		require.NoError(t, st.CreatePendingSID(ctx, "demo", "ABCDEFGHIJ", "pc1", time.Minute))
		require.NoError(t, st.ClaimSID(ctx, "demo", "ABCDEFGHIJ"))

		rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/e/demo/sid-status?sid=ABCDEFGHIJ", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp protocol.SIDStatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Connected)
	})
}

func TestHealthz(t *testing.T) {
	s, _ := setupTestServer(t)
	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, protocol.Version, resp.Version)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := setupTestServer(t)
	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestAppPage(t *testing.T) {
	s, _ := setupTestServer(t)
	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/app", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "<html")
}

func TestWSSubprotocolNegotiation(t *testing.T) {
	dial := func(t *testing.T, url string, subprotocols []string) *websocket.Conn {
		t.Helper()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
			Subprotocols: subprotocols,
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
		return conn
	}

	s, _ := setupTestServer(t)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	wsURL := "ws" + ts.URL[len("http"):] + "/e/demo/ws"

	t.Run("v1 preferred when advertised among others", func(t *testing.T) {
		conn := dial(t, wsURL, []string{"legacy", protocol.Subprotocol, "v2"})
		assert.Equal(t, protocol.Subprotocol, conn.Subprotocol())
	})

	t.Run("first advertised echoed when v1 absent", func(t *testing.T) {
		conn := dial(t, wsURL, []string{"alpha", "beta"})
		assert.Equal(t, "alpha", conn.Subprotocol())
	})

	t.Run("none negotiated when none advertised", func(t *testing.T) {
		conn := dial(t, wsURL, nil)
		assert.Empty(t, conn.Subprotocol())
	})
}

func TestCORS(t *testing.T) {
	t.Run("preflight", func(t *testing.T) {
		s, _ := setupTestServer(t)
		req := httptest.NewRequest(http.MethodOptions, "/e/demo/register-pc", nil)
		req.Header.Set("Origin", "https://controller.example.com")
		req.Header.Set("Access-Control-Request-Method", "POST")
		rec := doRequest(s, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), signing.HeaderSig)
	})

	t.Run("restricted origins echo only allowed", func(t *testing.T) {
		st := store.NewMemoryStore()
		t.Cleanup(func() { _ = st.Close() })
		cfg := &config.Config{
			Secret:         testSecret,
			AllowedOrigins: []string{"https://ok.example.com"},
			StoreBackend:   config.StoreMemory,
		}
		verifier := signing.NewVerifier([]byte(testSecret))
		registry := bridge.NewRegistry(st, verifier, bridge.Options{})
		t.Cleanup(registry.Shutdown)
		s := NewServer(cfg, registry, st, verifier)

		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("Origin", "https://ok.example.com")
		rec := doRequest(s, req)
		assert.Equal(t, "https://ok.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

		req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec = doRequest(s, req)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}
