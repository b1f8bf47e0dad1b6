package protocol

// Wire error codes shared by the HTTP admission surface and the WebSocket
// session. HTTP responses carry them inside the error envelope; WebSocket
// responses carry them in error / pc-err frames.
const (
	CodeMissingHeaders  = "E_MISSING_HEADERS"
	CodeBadField        = "E_BAD_FIELD"
	CodeBadSID          = "E_BAD_SID"
	CodeBadJSON         = "E_BAD_JSON"
	CodeBadVersion      = "E_BAD_VERSION"
	CodeClockSkew       = "E_CLOCK_SKEW"
	CodeNonceReplay     = "E_NONCE_REPLAY"
	CodeBadSignature    = "E_BAD_SIGNATURE"
	CodeBadPayloadHash  = "E_BAD_PAYLOAD_HASH"
	CodeSIDExists       = "E_SID_EXISTS"
	CodePCNotRegistered = "E_PC_NOT_REGISTERED"
	CodeRateLimited     = "E_RATE_LIMITED"
	CodeOverloaded      = "E_OVERLOADED"
	CodeAuthFailed      = "E_AUTH_FAILED"
)
