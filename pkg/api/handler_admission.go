package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/canvaslink/relay/pkg/protocol"
	"github.com/canvaslink/relay/pkg/signing"
	"github.com/canvaslink/relay/pkg/store"
)

// maxAdmissionBody caps signed request bodies. Anything larger is treated as
// backpressure rather than parsed.
const maxAdmissionBody = 64 * 1024

// SID TTL clamp bounds, seconds.
const (
	minSIDTTL = 30
	maxSIDTTL = 120
)

// readSignedBody reads and verifies a signed admission request. Returns the
// body bytes, or writes the error response and returns ok=false.
func (s *Server) readSignedBody(c *echo.Context, op, eventID string) ([]byte, bool) {
	r := c.Request()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAdmissionBody+1))
	if err != nil {
		_ = writeError(c, protocol.CodeOverloaded)
		return nil, false
	}
	if len(body) > maxAdmissionBody {
		_ = writeError(c, protocol.CodeOverloaded)
		return nil, false
	}

	iatStr := r.Header.Get(signing.HeaderIAT)
	nonce := r.Header.Get(signing.HeaderNonce)
	sig := r.Header.Get(signing.HeaderSig)
	if iatStr == "" || nonce == "" || sig == "" {
		_ = writeError(c, protocol.CodeMissingHeaders)
		return nil, false
	}
	iat, err := strconv.ParseInt(iatStr, 10, 64)
	if err != nil {
		_ = writeError(c, protocol.CodeBadField)
		return nil, false
	}

	verr := s.verifier.Verify(r.Context(), s.store, eventID, signing.Input{
		Op:          op,
		Path:        r.URL.Path,
		PayloadHash: signing.PayloadHash(body),
		IAT:         iat,
		Nonce:       nonce,
		Sig:         sig,
	})
	if verr != nil {
		slog.Info("Signed request rejected",
			"op", op, "event_id", eventID, "code", verr.Code)
		_ = writeSigningError(c, verr)
		return nil, false
	}
	return body, true
}

// eventParam validates the :event path parameter against the event grammar.
func eventParam(c *echo.Context) (string, bool) {
	eventID := c.Param("event")
	if !protocol.ValidEventID(eventID) {
		_ = writeError(c, protocol.CodeBadField)
		return "", false
	}
	return eventID, true
}

// registerPCHandler handles POST /e/{event}/register-pc. Idempotent: adding
// an already-registered pcid succeeds again.
func (s *Server) registerPCHandler(c *echo.Context) error {
	eventID, ok := eventParam(c)
	if !ok {
		return nil
	}
	body, ok := s.readSignedBody(c, signing.OpRegisterPC, eventID)
	if !ok {
		return nil
	}

	var req protocol.RegisterPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return writeError(c, protocol.CodeBadJSON)
	}
	if !protocol.ValidPCID(req.PCID) {
		return writeError(c, protocol.CodeBadField)
	}

	if err := s.store.RegisterPC(c.Request().Context(), eventID, req.PCID); err != nil {
		slog.Error("Failed to register pc", "event_id", eventID, "pcid", req.PCID, "error", err)
		return writeError(c, protocol.CodeOverloaded)
	}

	slog.Info("PC registered", "event_id", eventID, "pcid", req.PCID)
	return c.JSON(http.StatusOK, protocol.OKResponse{OK: true})
}

// pendingSIDHandler handles POST /e/{event}/pending-sid. The pcid must be
// registered first; the SID must not already be pending; the TTL is clamped
// to [30,120] seconds.
func (s *Server) pendingSIDHandler(c *echo.Context) error {
	eventID, ok := eventParam(c)
	if !ok {
		return nil
	}
	body, ok := s.readSignedBody(c, signing.OpPendingSID, eventID)
	if !ok {
		return nil
	}

	var req protocol.PendingSIDRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return writeError(c, protocol.CodeBadJSON)
	}
	if !protocol.ValidPCID(req.PCID) || !protocol.ValidSID(req.SID) {
		return writeError(c, protocol.CodeBadField)
	}

	ttl := req.TTL
	if ttl < minSIDTTL {
		ttl = minSIDTTL
	}
	if ttl > maxSIDTTL {
		ttl = maxSIDTTL
	}

	ctx := c.Request().Context()
	registered, err := s.store.PCRegistered(ctx, eventID, req.PCID)
	if err != nil {
		slog.Error("Failed to check pc registration", "event_id", eventID, "pcid", req.PCID, "error", err)
		return writeError(c, protocol.CodeOverloaded)
	}
	if !registered {
		return writeError(c, protocol.CodePCNotRegistered)
	}

	err = s.store.CreatePendingSID(ctx, eventID, req.SID, req.PCID, time.Duration(ttl)*time.Second)
	if errors.Is(err, store.ErrSIDExists) {
		return writeError(c, protocol.CodeSIDExists)
	}
	if err != nil {
		slog.Error("Failed to create pending sid", "event_id", eventID, "sid", req.SID, "error", err)
		return writeError(c, protocol.CodeOverloaded)
	}

	slog.Info("SID pre-registered", "event_id", eventID, "sid", req.SID, "pcid", req.PCID, "ttl_s", ttl)
	return c.JSON(http.StatusOK, protocol.OKResponse{OK: true})
}

// sidStatusHandler handles GET /e/{event}/sid-status?sid=…. Unsigned; absent
// or expired SIDs read as not connected.
func (s *Server) sidStatusHandler(c *echo.Context) error {
	eventID, ok := eventParam(c)
	if !ok {
		return nil
	}

	resp := protocol.SIDStatusResponse{OK: true}
	sid := c.QueryParam("sid")
	if protocol.ValidSID(sid) {
		entry, err := s.store.GetPendingSID(c.Request().Context(), eventID, sid)
		if err == nil {
			resp.Connected = entry.Claimed
		} else if !errors.Is(err, store.ErrNotFound) {
			slog.Error("Failed to query sid status", "event_id", eventID, "sid", sid, "error", err)
			return writeError(c, protocol.CodeOverloaded)
		}
	}
	return c.JSON(http.StatusOK, resp)
}
