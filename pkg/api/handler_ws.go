package api

import (
	"net/http"
	"strings"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/canvaslink/relay/pkg/protocol"
)

// wsHandler upgrades GET /e/{event}/ws and hands the socket to the event's
// bridging core. No authentication happens at upgrade time; the PC
// authenticates in-band with pc-auth and mobiles attach with join.
func (s *Server) wsHandler(c *echo.Context) error {
	eventID, ok := eventParam(c)
	if !ok {
		return nil
	}

	opts := &websocket.AcceptOptions{
		Subprotocols: negotiateSubprotocol(c.Request()),
	}
	if s.cfg.AllowAllOrigins() {
		opts.InsecureSkipVerify = true
	} else {
		opts.OriginPatterns = s.cfg.AllowedOrigins
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), opts)
	if err != nil {
		return err
	}

	// HandleSocket blocks until the WebSocket closes.
	s.registry.Get(eventID).HandleSocket(c.Request().Context(), conn)
	return nil
}

// negotiateSubprotocol picks the subprotocol to offer back: v1 when the
// client advertises it, else the first advertised protocol, else none.
func negotiateSubprotocol(r *http.Request) []string {
	var advertised []string
	for _, h := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(h, ",") {
			if p = strings.TrimSpace(p); p != "" {
				advertised = append(advertised, p)
			}
		}
	}
	if len(advertised) == 0 {
		return nil
	}
	for _, p := range advertised {
		if p == protocol.Subprotocol {
			return []string{p}
		}
	}
	return []string{advertised[0]}
}
