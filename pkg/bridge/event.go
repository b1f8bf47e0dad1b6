// Package bridge implements the per-event bridging core: it owns the PC and
// mobile sockets of one event, routes cmd/evt frames between them, and runs
// the heartbeat and offline-grace timers.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/canvaslink/relay/pkg/metrics"
	"github.com/canvaslink/relay/pkg/protocol"
	"github.com/canvaslink/relay/pkg/signing"
	"github.com/canvaslink/relay/pkg/store"
)

// Options tunes the event timers. Zero values fall back to the protocol
// defaults; tests shorten them.
type Options struct {
	HeartbeatInterval time.Duration
	OfflineGrace      time.Duration
	WriteTimeout      time.Duration
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 25 * time.Second
	}
	if o.OfflineGrace == 0 {
		o.OfflineGrace = 45 * time.Second
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

// Event is the bridging state machine for one event identifier. It
// exclusively owns its socket maps and timers; all mutation happens under mu,
// and sends are dispatched after unlocking so a slow peer cannot stall the
// event.
type Event struct {
	id     string
	wsPath string

	store    store.Store
	verifier *signing.Verifier
	opts     Options

	mu           sync.Mutex
	pcBySocket   map[string]*socket            // pcid → live PC socket, newest wins
	mobilesBySid map[string]map[*socket]struct{}
	sockets      map[*socket]struct{}
	graceTimers  map[string]*time.Timer // pcid → offline grace timer
	hbCancel     context.CancelFunc     // nil while no socket is tracked
}

func newEvent(id string, st store.Store, verifier *signing.Verifier, opts Options) *Event {
	return &Event{
		id:           id,
		wsPath:       "/e/" + id + "/ws",
		store:        st,
		verifier:     verifier,
		opts:         opts.withDefaults(),
		pcBySocket:   make(map[string]*socket),
		mobilesBySid: make(map[string]map[*socket]struct{}),
		sockets:      make(map[*socket]struct{}),
		graceTimers:  make(map[string]*time.Timer),
	}
}

// ID returns the event identifier.
func (e *Event) ID() string { return e.id }

// HandleSocket owns an accepted WebSocket until it closes: it registers the
// socket, runs the read loop, and cleans up on exit. Called by the HTTP
// upgrade handler; blocks for the connection lifetime.
func (e *Event) HandleSocket(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	s := &socket{
		id:     uuid.New().String(),
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}

	e.register(s)
	defer e.cleanupSocket(s)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		e.dispatch(ctx, s, data)
	}
}

// dispatch parses one frame and routes it to the appropriate handler.
func (e *Event) dispatch(ctx context.Context, s *socket, data []byte) {
	var f protocol.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		e.send(s, protocol.ErrorFrame(protocol.CodeBadJSON))
		return
	}
	if f.V != protocol.Version {
		e.send(s, protocol.ErrorFrame(protocol.CodeBadVersion))
		return
	}

	e.mu.Lock()
	s.lastSeen = time.Now()
	e.mu.Unlock()

	switch f.Type {
	case protocol.TypePCAuth:
		e.handlePCAuth(ctx, s, f)
	case protocol.TypeJoin:
		e.handleJoin(ctx, s, f)
	case protocol.TypeCmd:
		e.handleCmd(s, f, data)
	case protocol.TypeEvt:
		e.handleEvt(s, f, data)
	case protocol.TypeHBAck:
		// lastSeen already updated above
	default:
		e.echo(s, data)
	}
}

// handlePCAuth authenticates a socket as the event's PC for a pcid. On
// success the socket replaces any prior PC socket for that pcid; the old
// socket is left to clean itself up when it closes.
func (e *Event) handlePCAuth(ctx context.Context, s *socket, f protocol.Frame) {
	if !protocol.ValidPCID(f.PCID) {
		e.send(s, protocol.PCErrFrame(protocol.CodeBadField, 0))
		return
	}

	path := f.Path
	if path == "" {
		path = e.wsPath
	}

	verr := e.verifier.Verify(ctx, e.store, e.id, signing.Input{
		Op:                  signing.OpWSAuth,
		Path:                path,
		PayloadHash:         f.PayloadHash,
		IAT:                 f.IAT,
		Nonce:               f.Nonce,
		Sig:                 f.Sig,
		RequireEmptyPayload: true,
	})
	if verr != nil {
		metrics.AdmissionRejects.WithLabelValues(verr.Code).Inc()
		slog.Info("PC auth rejected", "event_id", e.id, "pcid", f.PCID, "code", verr.Code)
		e.send(s, protocol.PCErrFrame(verr.Code, verr.ServerTime))
		return
	}

	e.mu.Lock()
	e.detachLocked(s)
	metrics.ActiveSockets.WithLabelValues(roleLabel(s.role)).Dec()
	s.role = rolePC
	s.pcid = f.PCID
	s.lastSeen = time.Now()
	metrics.ActiveSockets.WithLabelValues(rolePC).Inc()
	e.pcBySocket[f.PCID] = s
	if t, ok := e.graceTimers[f.PCID]; ok {
		t.Stop()
		delete(e.graceTimers, f.PCID)
	}
	targets := e.mobilesForPCLocked(f.PCID)
	e.mu.Unlock()

	slog.Info("PC authenticated", "event_id", e.id, "pcid", f.PCID, "socket_id", s.id)
	e.send(s, protocol.Frame{V: protocol.Version, Type: protocol.TypePCAck})

	online := protocol.Frame{V: protocol.Version, Type: protocol.TypeEvt, Evt: protocol.EvtPCOnline}
	for _, m := range targets {
		e.send(m, online)
	}
}

// handleJoin attaches a socket as a mobile controller for a pending SID.
func (e *Event) handleJoin(ctx context.Context, s *socket, f protocol.Frame) {
	if !protocol.ValidSID(f.SID) {
		e.send(s, protocol.ErrorFrame(protocol.CodeBadSID))
		return
	}

	entry, err := e.store.GetPendingSID(ctx, e.id, f.SID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("Pending SID lookup failed", "event_id", e.id, "sid", f.SID, "error", err)
		}
		e.send(s, protocol.ErrorFrame(protocol.CodeBadSID))
		return
	}
	if entry.PCID == "" {
		e.send(s, protocol.ErrorFrame(protocol.CodeBadSID))
		return
	}

	e.mu.Lock()
	e.detachLocked(s)
	metrics.ActiveSockets.WithLabelValues(roleLabel(s.role)).Dec()
	s.role = roleMobile
	s.pcid = entry.PCID
	s.sid = f.SID
	s.imageID = f.ImageID
	s.lastSeen = time.Now()
	metrics.ActiveSockets.WithLabelValues(roleMobile).Inc()
	set, ok := e.mobilesBySid[f.SID]
	if !ok {
		set = make(map[*socket]struct{})
		e.mobilesBySid[f.SID] = set
	}
	set[s] = struct{}{}
	pc := e.pcBySocket[entry.PCID]
	e.mu.Unlock()

	// Informational only; joins on an already-claimed SID stay allowed
	// until the entry expires.
	if err := e.store.ClaimSID(ctx, e.id, f.SID); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("Failed to mark SID claimed", "event_id", e.id, "sid", f.SID, "error", err)
	}

	slog.Info("Mobile joined", "event_id", e.id, "sid", f.SID, "pcid", entry.PCID, "socket_id", s.id)
	e.send(s, protocol.Frame{V: protocol.Version, Type: protocol.TypeAck, OK: true})

	if pc != nil {
		e.send(pc, protocol.Frame{
			V:       protocol.Version,
			Type:    protocol.TypeReq,
			Req:     protocol.ReqPreview,
			SID:     f.SID,
			ImageID: f.ImageID,
		})
	}
}

// handleCmd forwards a mobile command to its PC. If the PC socket is absent
// the frame is dropped; the mobile already learnt of the loss via pc-offline.
func (e *Event) handleCmd(s *socket, f protocol.Frame, raw []byte) {
	e.mu.Lock()
	if s.role != roleMobile {
		e.mu.Unlock()
		e.echo(s, raw)
		return
	}
	pc := e.pcBySocket[s.pcid]
	sid := s.sid
	e.mu.Unlock()

	if pc == nil {
		return
	}

	payload := f.Payload
	if payload == nil {
		// Legacy flat shape {cmd, args}.
		legacy, err := json.Marshal(struct {
			Cmd  string          `json:"cmd"`
			Args json.RawMessage `json:"args,omitempty"`
		}{f.Cmd, f.Args})
		if err != nil {
			return
		}
		payload = legacy
	}

	metrics.ForwardedFrames.WithLabelValues(metrics.DirectionCmd).Inc()
	e.send(pc, protocol.Frame{
		V:       protocol.Version,
		Type:    protocol.TypeCmd,
		SID:     sid,
		Payload: payload,
	})
}

// handleEvt fans a PC event out to every mobile bound to its sid.
func (e *Event) handleEvt(s *socket, f protocol.Frame, raw []byte) {
	e.mu.Lock()
	if s.role != rolePC {
		e.mu.Unlock()
		e.echo(s, raw)
		return
	}
	targets := e.mobileSetLocked(f.SID)
	e.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	out := protocol.Frame{
		V:    protocol.Version,
		Type: protocol.TypeEvt,
		SID:  f.SID,
		Evt:  f.Evt,
		Data: f.Data,
	}
	metrics.ForwardedFrames.WithLabelValues(metrics.DirectionEvt).Inc()
	for _, m := range targets {
		e.send(m, out)
	}
}

// echo returns an unrecognized frame to its sender. Debug affordance only.
func (e *Event) echo(s *socket, raw []byte) {
	e.send(s, protocol.Frame{V: protocol.Version, Type: protocol.TypeEvt, Echo: raw})
}

// register adds the socket to the tracked set and lazily starts the
// heartbeat ticker on the first accept.
func (e *Event) register(s *socket) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sockets[s] = struct{}{}
	metrics.ActiveSockets.WithLabelValues(roleLabel(s.role)).Inc()
	if e.hbCancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		e.hbCancel = cancel
		go e.heartbeatLoop(ctx)
	}
}

// cleanupSocket removes a socket from all indexes. Idempotent — it may be
// reached from the read loop's defer, a failed send, or a grace timeout.
// When the closing socket still owns its pcid, mobiles are told pc-offline
// and the grace timer starts.
func (e *Event) cleanupSocket(s *socket) {
	e.mu.Lock()
	if s.closed {
		e.mu.Unlock()
		return
	}
	s.closed = true

	var offlineTargets []*socket
	switch s.role {
	case roleMobile:
		if set, ok := e.mobilesBySid[s.sid]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(e.mobilesBySid, s.sid)
			}
		}
	case rolePC:
		if e.pcBySocket[s.pcid] == s {
			delete(e.pcBySocket, s.pcid)
			offlineTargets = e.mobilesForPCLocked(s.pcid)
			e.startGraceTimerLocked(s.pcid)
		}
	}

	delete(e.sockets, s)
	metrics.ActiveSockets.WithLabelValues(roleLabel(s.role)).Dec()
	if len(e.sockets) == 0 && e.hbCancel != nil {
		e.hbCancel()
		e.hbCancel = nil
	}
	e.mu.Unlock()

	s.cancel()
	_ = s.conn.Close(websocket.StatusNormalClosure, "")

	if len(offlineTargets) > 0 {
		slog.Info("PC disconnected, grace period started",
			"event_id", e.id, "pcid", s.pcid, "mobiles", len(offlineTargets))
		offline := protocol.Frame{V: protocol.Version, Type: protocol.TypeEvt, Evt: protocol.EvtPCOffline}
		for _, m := range offlineTargets {
			e.send(m, offline)
		}
	}
}

// startGraceTimerLocked arms (or re-arms) the offline grace timer for pcid.
// Caller holds e.mu.
func (e *Event) startGraceTimerLocked(pcid string) {
	if t, ok := e.graceTimers[pcid]; ok {
		t.Stop()
	}
	e.graceTimers[pcid] = time.AfterFunc(e.opts.OfflineGrace, func() {
		e.graceExpired(pcid)
	})
}

// graceExpired fires when a PC stayed away for the whole grace period: every
// mobile still bound to the pcid gets pc-timeout and is closed with 1012.
func (e *Event) graceExpired(pcid string) {
	e.mu.Lock()
	delete(e.graceTimers, pcid)
	if _, ok := e.pcBySocket[pcid]; ok {
		// PC re-bound before the timer could be stopped.
		e.mu.Unlock()
		return
	}
	targets := e.mobilesForPCLocked(pcid)
	e.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	metrics.GraceTimeouts.Inc()
	slog.Info("PC offline grace expired", "event_id", e.id, "pcid", pcid, "mobiles", len(targets))

	timeout := protocol.Frame{V: protocol.Version, Type: protocol.TypeEvt, Evt: protocol.EvtPCTimeout}
	for _, m := range targets {
		e.send(m, timeout)
		_ = m.conn.Close(websocket.StatusServiceRestart, "pc-offline-timeout")
		e.cleanupSocket(m)
	}
}

// heartbeatLoop sends hb frames to every tracked socket until cancelled.
// Send failures clean up the offending socket; the loop is cancelled by
// cleanupSocket when the tracked set empties.
func (e *Event) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(e.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			targets := make([]*socket, 0, len(e.sockets))
			for s := range e.sockets {
				targets = append(targets, s)
			}
			e.mu.Unlock()

			hb := protocol.Frame{V: protocol.Version, Type: protocol.TypeHB, T: time.Now().UnixMilli()}
			for _, s := range targets {
				e.send(s, hb)
			}
		}
	}
}

// mobilesForPCLocked returns every mobile socket bound to pcid. Caller holds e.mu.
func (e *Event) mobilesForPCLocked(pcid string) []*socket {
	var out []*socket
	for _, set := range e.mobilesBySid {
		for m := range set {
			if m.pcid == pcid {
				out = append(out, m)
			}
		}
	}
	return out
}

// mobileSetLocked returns a snapshot of the fan-out set for sid. Caller holds e.mu.
func (e *Event) mobileSetLocked(sid string) []*socket {
	set, ok := e.mobilesBySid[sid]
	if !ok {
		return nil
	}
	out := make([]*socket, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	return out
}

// detachLocked removes the socket from any role-specific index before a role
// change. Caller holds e.mu.
func (e *Event) detachLocked(s *socket) {
	switch s.role {
	case roleMobile:
		if set, ok := e.mobilesBySid[s.sid]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(e.mobilesBySid, s.sid)
			}
		}
	case rolePC:
		if e.pcBySocket[s.pcid] == s {
			delete(e.pcBySocket, s.pcid)
		}
	}
}

// send marshals and writes one frame with the configured write timeout. A
// failed send is a soft disconnect: the socket is cleaned up.
func (e *Event) send(s *socket, f protocol.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		slog.Error("Failed to marshal frame", "event_id", e.id, "type", f.Type, "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(s.ctx, e.opts.WriteTimeout)
	defer cancel()
	if err := s.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Warn("Failed to send frame, dropping socket",
			"event_id", e.id, "socket_id", s.id, "type", f.Type, "error", err)
		e.cleanupSocket(s)
	}
}

// shutdown force-closes every socket and stops all timers. Used on process
// shutdown only.
func (e *Event) shutdown() {
	e.mu.Lock()
	targets := make([]*socket, 0, len(e.sockets))
	for s := range e.sockets {
		targets = append(targets, s)
	}
	for pcid, t := range e.graceTimers {
		t.Stop()
		delete(e.graceTimers, pcid)
	}
	e.mu.Unlock()

	for _, s := range targets {
		_ = s.conn.Close(websocket.StatusGoingAway, "relay shutting down")
		e.cleanupSocket(s)
	}
}
