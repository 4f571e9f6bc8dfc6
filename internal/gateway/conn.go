package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mudvault/mesh/pkg/protocol"
)

// connState is one step of the connection lifecycle. Transitions are
// monotonic; a connection never moves backwards.
type connState int32

const (
	stateConnecting connState = iota
	stateAuthenticating
	stateLive
	stateDraining
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticating:
		return "authenticating"
	case stateLive:
		return "live"
	case stateDraining:
		return "draining"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// Drain reasons logged when a connection leaves the live state early.
const (
	reasonHeartbeatTimeout = "heartbeat_timeout"
	reasonSlowConsumer     = "slow_consumer"
	reasonDisplaced        = "displaced"
	reasonReadError        = "read_error"
	reasonWriteError       = "write_error"
	reasonProtocol         = "protocol_error"
	reasonShutdown         = "shutdown"
)

// Consecutive forced queue evictions before a peer is treated as a slow
// consumer and drained.
const slowConsumerStrikes = 3

const (
	writeTimeout   = 10 * time.Second
	authFailGrace  = 500 * time.Millisecond
	closeFrameWait = time.Second
)

// Conn is one peer connection. A single goroutine reads, a single
// goroutine writes through the bounded queue, and a timer goroutine
// heartbeats; everything else reaches the peer by enqueueing only.
type Conn struct {
	ID string

	gw *Gateway
	ws *websocket.Conn

	// wsMu serializes websocket writes between the write pump and the
	// close frame.
	wsMu sync.Mutex

	remoteAddr  string
	connectedAt time.Time

	state int32

	// log gains the mud field at bind time, so it shares the identity
	// lock with mud.
	mu     sync.RWMutex
	log    zerolog.Logger
	mud    string
	joined map[string]protocol.Endpoint

	lastSeen int64
	lastPing int64
	lastPong int64
	inbound  int64
	outbound int64

	malformed     int
	malformedFrom time.Time

	forcedDrops int32

	queue *sendQueue

	ctx    context.Context
	cancel context.CancelFunc

	drainOnce sync.Once
	closeOnce sync.Once
}

func newConn(gw *Gateway, ws *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(gw.ctx)
	id := uuid.New().String()

	now := time.Now().UTC()
	return &Conn{
		ID:          id,
		gw:          gw,
		ws:          ws,
		log:         gw.log.With().Str("conn", id).Str("remote", ws.RemoteAddr().String()).Logger(),
		remoteAddr:  ws.RemoteAddr().String(),
		connectedAt: now,
		joined:      make(map[string]protocol.Endpoint),
		lastSeen:    now.UnixNano(),
		lastPong:    now.UnixNano(),
		queue:       newSendQueue(gw.cfg.SendQueueSize),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// run starts the connection's pumps and blocks until the read side ends.
func (c *Conn) run() {
	go c.writePump()
	go c.heartbeat()
	go c.authWatchdog()

	c.readPump()
}

// State reports the current lifecycle state.
func (c *Conn) State() connState {
	return connState(atomic.LoadInt32(&c.state))
}

// advance moves to a later state, refusing to go backwards. Reports
// whether the transition happened.
func (c *Conn) advance(to connState) bool {
	for {
		cur := atomic.LoadInt32(&c.state)
		if cur >= int32(to) {
			return false
		}
		if atomic.CompareAndSwapInt32(&c.state, cur, int32(to)) {
			return true
		}
	}
}

// Mud returns the authenticated MUD name, empty before auth.
func (c *Conn) Mud() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mud
}

// Authenticated reports whether the connection carries a MUD identity
// and still accepts traffic.
func (c *Conn) Authenticated() bool {
	return c.State() == stateLive && c.Mud() != ""
}

// bindMud records the authenticated identity and moves the connection
// live. The heartbeat clock restarts so a slow auth cannot look like a
// missed pong.
func (c *Conn) bindMud(mud string) {
	c.mu.Lock()
	c.mud = mud
	c.log = c.log.With().Str("mud", mud).Logger()
	c.mu.Unlock()

	atomic.StoreInt64(&c.lastPong, time.Now().UTC().UnixNano())
	c.advance(stateLive)
}

// logger snapshots the connection logger. Pump goroutines read it while
// bindMud rewrites it with the mud field.
func (c *Conn) logger() zerolog.Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.log
}

// Send enqueues an envelope for the peer. Reports false when the queue
// refused it. Repeated forced evictions escalate to draining the peer
// as a slow consumer.
func (c *Conn) Send(msg *protocol.Message) bool {
	if c.State() >= stateDraining && msg.Type != protocol.MessageTypeError {
		return false
	}

	accepted, evicted := c.queue.push(msg, false)
	c.noteQueuePressure(accepted, evicted)
	if accepted {
		c.gw.metrics.MessagesOut.WithLabelValues(string(msg.Type)).Inc()
	}
	return accepted
}

// sendRetried is the one-shot lower-priority re-enqueue for envelopes
// carrying metadata.retry.
func (c *Conn) sendRetried(msg *protocol.Message) bool {
	accepted, evicted := c.queue.push(msg, true)
	c.noteQueuePressure(accepted, evicted)
	return accepted
}

func (c *Conn) noteQueuePressure(accepted, evicted bool) {
	if !accepted || evicted {
		c.gw.metrics.QueueDrops.Inc()
	}

	if evicted || !accepted {
		if atomic.AddInt32(&c.forcedDrops, 1) >= slowConsumerStrikes {
			c.startDrain(reasonSlowConsumer)
		}
		return
	}
	atomic.StoreInt32(&c.forcedDrops, 0)
}

// sendError enqueues an error envelope addressed to the peer.
func (c *Conn) sendError(code protocol.ErrorCode, details map[string]interface{}) {
	to := protocol.Endpoint{Mud: c.Mud()}
	if to.Mud == "" {
		to.Mud = "unknown"
	}

	msg, err := protocol.NewError(protocol.GatewayEndpoint(), to, code, details)
	if err != nil {
		return
	}
	msg.Metadata.Priority = 8

	c.gw.metrics.Errors.WithLabelValues(code.Label()).Inc()
	c.queue.push(msg, false)
}

// sendWireError maps a decode/validation failure onto the wire.
func (c *Conn) sendWireError(err error) {
	code := protocol.WireCode(err)
	var details map[string]interface{}
	if we, ok := err.(*protocol.WireError); ok {
		details = we.Details
	}
	c.sendError(code, details)
}

// readPump is the single reader. It frames, decodes, validates and
// rate-checks every inbound message before handing it to the router.
func (c *Conn) readPump() {
	defer c.closeNow()

	interval := c.gw.cfg.HeartbeatInterval()
	c.ws.SetReadLimit(protocol.MaxFrameBytes * 2)
	_ = c.ws.SetReadDeadline(time.Now().Add(3 * interval))

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.State() < stateDraining && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log := c.logger()
				log.Debug().Err(err).Msg("Error reading from peer websocket")
			}
			return
		}

		atomic.StoreInt64(&c.lastSeen, time.Now().UTC().UnixNano())
		_ = c.ws.SetReadDeadline(time.Now().Add(3 * interval))

		// Draining stops accepting new inbound; late frames are
		// discarded while the outbound queue flushes.
		if c.State() >= stateDraining {
			continue
		}
		c.advance(stateAuthenticating)

		msg, err := protocol.Decode(data)
		if err != nil {
			c.sendWireError(err)
			if c.noteMalformed() {
				c.sendError(protocol.ErrCodeProtocolError, map[string]interface{}{
					"reason": "too many malformed frames",
				})
				c.startDrain(reasonProtocol)
				return
			}
			continue
		}

		atomic.AddInt64(&c.inbound, 1)
		c.gw.metrics.MessagesIn.WithLabelValues(string(msg.Type)).Inc()

		if c.rateLimited(msg) {
			continue
		}

		c.gw.router.Dispatch(c.ctx, msg, c)
	}
}

// rateLimited runs the composed limiter for routed traffic. Control
// types are exempt so a throttled peer can still authenticate and
// answer pings.
func (c *Conn) rateLimited(msg *protocol.Message) bool {
	switch msg.Type {
	case protocol.MessageTypeAuth, protocol.MessageTypePing, protocol.MessageTypePong:
		return false
	}
	if !c.Authenticated() {
		// Unauthenticated traffic is refused by the router anyway.
		return false
	}

	decision := c.gw.limiter.Allow(c.Mud(), msg.From.User)
	if decision.OK {
		return false
	}

	c.gw.metrics.RateLimited.Inc()
	retryAfter := int(decision.RetryAfter.Seconds())
	if retryAfter < 0 {
		retryAfter = 0
	}
	c.sendError(protocol.ErrCodeRateLimited, map[string]interface{}{
		"retryAfter": retryAfter,
		"scope":      decision.Scope,
	})
	return true
}

// noteMalformed counts invalid frames inside a one minute window and
// reports whether the connection crossed the close threshold.
func (c *Conn) noteMalformed() bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Sub(c.malformedFrom) > time.Minute {
		c.malformed = 0
		c.malformedFrom = now
	}
	c.malformed++
	return c.malformed > malformedFrameLimit
}

// writePump is the single writer. It drains the priority queue until
// the connection context ends, then lets closeNow tear the socket down.
func (c *Conn) writePump() {
	for {
		item, err := c.queue.pop(c.ctx)
		if err != nil {
			if err == errQueueClosed && c.State() == stateDraining {
				// Queue flushed; finish the drain.
				c.closeNow()
			}
			return
		}

		data, err := protocol.Encode(item.msg)
		if err != nil {
			log := c.logger()
			log.Warn().Err(err).Str("type", string(item.msg.Type)).Msg("Failed to encode outbound envelope")
			continue
		}

		c.wsMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		err = c.ws.WriteMessage(websocket.TextMessage, data)
		c.wsMu.Unlock()
		if err != nil {
			if c.State() < stateDraining {
				log := c.logger()
				log.Debug().Err(err).Msg("Error writing to peer websocket")
			}
			c.closeNow()
			return
		}

		atomic.AddInt64(&c.outbound, 1)
	}
}

// heartbeat pings the peer every interval and drains it when the last
// pong falls more than two intervals behind.
func (c *Conn) heartbeat() {
	interval := c.gw.cfg.HeartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		if c.State() != stateLive {
			continue
		}

		last := time.Unix(0, atomic.LoadInt64(&c.lastPong))
		if time.Now().UTC().Sub(last) > 2*interval {
			log := c.logger()
			log.Warn().Time("last_pong", last).Msg("Peer missed heartbeat acks, draining")
			c.gw.metrics.HeartbeatTimeouts.Inc()
			c.startDrain(reasonHeartbeatTimeout)
			return
		}

		ping, err := protocol.NewPing(protocol.GatewayEndpoint(), protocol.Endpoint{Mud: c.Mud()})
		if err != nil {
			continue
		}
		// Heartbeats outrank ordinary traffic so backpressure cannot
		// starve liveness.
		ping.Metadata.Priority = 9

		atomic.StoreInt64(&c.lastPing, time.Now().UTC().UnixNano())
		c.queue.push(ping, false)
	}
}

// noteHeartbeatAck records a pong from the peer, echoing the timestamp
// of the ping it answers.
func (c *Conn) noteHeartbeatAck(echo int64) {
	atomic.StoreInt64(&c.lastPong, time.Now().UTC().UnixNano())

	if echo > 0 {
		sent := time.UnixMilli(echo)
		latency := time.Since(sent)
		if latency > 0 && latency < time.Minute {
			c.gw.metrics.PongLatency.Observe(latency.Seconds())
		}
	}
}

// authWatchdog closes connections that fail to authenticate inside the
// deadline.
func (c *Conn) authWatchdog() {
	timer := time.NewTimer(c.gw.cfg.AuthDeadline())
	defer timer.Stop()

	select {
	case <-c.ctx.Done():
	case <-timer.C:
		if c.State() < stateLive {
			log := c.logger()
			log.Info().Msg("Authentication deadline passed, closing")
			c.sendError(protocol.ErrCodeAuthFailed, map[string]interface{}{
				"reason": "authentication timed out",
			})
			time.AfterFunc(authFailGrace, c.closeNow)
		}
	}
}

// trackJoin remembers a channel membership created over this
// connection so it can be reaped on close.
func (c *Conn) trackJoin(channel string, who protocol.Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined[channel+"/"+who.Mud+":"+who.User] = who
}

// forgetJoin drops a reaped or explicitly left membership.
func (c *Conn) forgetJoin(channel string, who protocol.Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.joined, channel+"/"+who.Mud+":"+who.User)
}

// memberships snapshots the channel joins tagged to this connection.
func (c *Conn) memberships() map[string]protocol.Endpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]protocol.Endpoint, len(c.joined))
	for k, v := range c.joined {
		out[k] = v
	}
	return out
}

// startDrain stops inbound processing and flushes the outbound queue
// with a deadline before closing.
func (c *Conn) startDrain(reason string) {
	if !c.advance(stateDraining) {
		return
	}

	c.drainOnce.Do(func() {
		log := c.logger()
		log.Info().Str("reason", reason).Msg("Draining connection")
		c.queue.close()

		deadline := c.gw.cfg.DrainTimeout()
		time.AfterFunc(deadline, c.closeNow)
	})
}

// closeNow force-closes the connection and deregisters it. Safe to call
// from any goroutine, any number of times.
func (c *Conn) closeNow() {
	c.closeOnce.Do(func() {
		c.advance(stateClosed)
		c.queue.close()

		c.wsMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(closeFrameWait))
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.wsMu.Unlock()
		_ = c.ws.Close()

		c.cancel()
		c.gw.onConnClosed(c)
	})
}
