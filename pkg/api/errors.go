package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/canvaslink/relay/pkg/metrics"
	"github.com/canvaslink/relay/pkg/protocol"
	"github.com/canvaslink/relay/pkg/signing"
)

// statusForCode maps a wire code to its HTTP status.
func statusForCode(code string) int {
	switch code {
	case protocol.CodeMissingHeaders, protocol.CodeBadField, protocol.CodeBadSID, protocol.CodeBadJSON:
		return http.StatusBadRequest
	case protocol.CodeClockSkew, protocol.CodeNonceReplay, protocol.CodeBadSignature,
		protocol.CodeBadPayloadHash, protocol.CodeAuthFailed:
		return http.StatusUnauthorized
	case protocol.CodePCNotRegistered:
		return http.StatusForbidden
	case protocol.CodeSIDExists:
		return http.StatusConflict
	case protocol.CodeRateLimited:
		return http.StatusTooManyRequests
	case protocol.CodeOverloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError sends the error envelope for a wire code. Backpressure statuses
// carry a Retry-After hint.
func writeError(c *echo.Context, code string) error {
	status := statusForCode(code)
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		c.Response().Header().Set("Retry-After", "1")
	}
	return c.JSON(status, protocol.NewErrorResponse(code))
}

// writeSigningError sends the envelope for a failed signature verification,
// including X-Server-Time on clock skew so the caller can resync.
func writeSigningError(c *echo.Context, verr *signing.Error) error {
	metrics.AdmissionRejects.WithLabelValues(verr.Code).Inc()
	if verr.Code == protocol.CodeClockSkew {
		c.Response().Header().Set("X-Server-Time", strconv.FormatInt(verr.ServerTime, 10))
	}
	return writeError(c, verr.Code)
}
