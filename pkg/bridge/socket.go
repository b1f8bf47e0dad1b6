package bridge

import (
	"context"
	"time"

	"github.com/coder/websocket"
)

// Socket roles. A socket is roleNone between accept and its pc-auth / join.
const (
	roleNone   = ""
	rolePC     = "pc"
	roleMobile = "mobile"
)

// socket is one accepted WebSocket plus its per-connection metadata. The
// metadata fields are guarded by the owning Event's mutex; conn writes are
// serialized by coder/websocket itself.
type socket struct {
	id     string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	role     string
	pcid     string
	sid      string
	imageID  string
	lastSeen time.Time
	closed   bool
}

func roleLabel(role string) string {
	if role == roleNone {
		return "pending"
	}
	return role
}
