// Package protocol defines the JSON wire surface of the relay: the frame
// vocabulary spoken over WebSockets, the HTTP request/response envelopes of
// the admission endpoints, and the error codes shared by both.
package protocol

import "encoding/json"

// Version is the protocol version carried as the first field of every frame.
const Version = 1

// Frame types. PC/mobile direction is a property of the session role, not of
// the type itself (e.g. cmd appears mobile→relay and relay→PC).
const (
	TypePCAuth  = "pc-auth"
	TypePCAck   = "pc-ack"
	TypePCErr   = "pc-err"
	TypeJoin    = "join"
	TypeAck     = "ack"
	TypeError   = "error"
	TypeCmd     = "cmd"
	TypeEvt     = "evt"
	TypeReq     = "req"
	TypeHB      = "hb"
	TypeHBAck   = "hb-ack"
)

// Synthetic evt names emitted by the relay itself (never by a PC).
const (
	EvtPCOnline  = "pc-online"
	EvtPCOffline = "pc-offline"
	EvtPCTimeout = "pc-timeout"
)

// ReqPreview is the one-shot preview request sent to a PC when a mobile joins.
const ReqPreview = "preview"

// Subprotocol is the preferred WebSocket subprotocol.
const Subprotocol = "v1"

// Frame is the superset of all WebSocket frame shapes. Fields are optional
// per type; marshalling drops the ones left at their zero value, so a pc-ack
// serializes as {"v":1,"type":"pc-ack"} and nothing more.
type Frame struct {
	V    int    `json:"v"`
	Type string `json:"type"`

	// error / pc-err
	Code       string `json:"code,omitempty"`
	ServerTime int64  `json:"serverTime,omitempty"`

	// ack
	OK bool `json:"ok,omitempty"`

	// pc-auth
	PCID        string `json:"pcid,omitempty"`
	Path        string `json:"path,omitempty"`
	IAT         int64  `json:"iat,omitempty"`
	Nonce       string `json:"nonce,omitempty"`
	Sig         string `json:"sig,omitempty"`
	PayloadHash string `json:"payloadHash,omitempty"`

	// join / cmd / evt / req
	SID     string          `json:"sid,omitempty"`
	ImageID string          `json:"imageId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Cmd     string          `json:"cmd,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Evt     string          `json:"evt,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Req     string          `json:"req,omitempty"`

	// hb / hb-ack
	T int64 `json:"t,omitempty"`

	// debug echo of an unrecognized frame
	Echo json.RawMessage `json:"echo,omitempty"`
}

// ErrorFrame builds an error frame for mobile-facing protocol failures.
func ErrorFrame(code string) Frame {
	return Frame{V: Version, Type: TypeError, Code: code}
}

// PCErrFrame builds a pc-err frame. serverTime is only set for clock skew.
func PCErrFrame(code string, serverTime int64) Frame {
	return Frame{V: Version, Type: TypePCErr, Code: code, ServerTime: serverTime}
}

// RegisterPCRequest is the body of POST /e/{event}/register-pc.
type RegisterPCRequest struct {
	PCID string `json:"pcid"`
}

// PendingSIDRequest is the body of POST /e/{event}/pending-sid.
type PendingSIDRequest struct {
	PCID string `json:"pcid"`
	SID  string `json:"sid"`
	TTL  int    `json:"ttl"`
}

// OKResponse is the success envelope of the admission endpoints.
type OKResponse struct {
	OK bool `json:"ok"`
}

// SIDStatusResponse is the body of GET /e/{event}/sid-status.
type SIDStatusResponse struct {
	OK        bool `json:"ok"`
	Connected bool `json:"connected"`
}

// ErrorBody carries a wire code inside the error envelope.
type ErrorBody struct {
	Code string `json:"code"`
}

// ErrorResponse is the error envelope: {ok:false, error:{code}}.
type ErrorResponse struct {
	OK    bool      `json:"ok"`
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds the error envelope for a wire code.
func NewErrorResponse(code string) ErrorResponse {
	return ErrorResponse{OK: false, Error: ErrorBody{Code: code}}
}
