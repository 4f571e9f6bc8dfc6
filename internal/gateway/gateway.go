// Package gateway is the mesh gateway itself: the accept loop, the
// per-connection lifecycle, the router and the cross-gateway plumbing
// that lets several instances share one mesh through the store.
package gateway

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/xerrors"

	"github.com/mudvault/mesh/internal/auth"
	"github.com/mudvault/mesh/internal/channels"
	"github.com/mudvault/mesh/internal/presence"
	"github.com/mudvault/mesh/internal/ratelimit"
	"github.com/mudvault/mesh/internal/store"
	"github.com/mudvault/mesh/pkg/protocol"
)

// routeFrame wraps an envelope crossing gateways over pub/sub. Origin
// carries the publishing gateway's id so instances skip their own
// broadcast frames.
type routeFrame struct {
	Origin   string `msgpack:"o"`
	Envelope []byte `msgpack:"e"`
}

// Gateway wires every component together and owns the accept loop.
type Gateway struct {
	cfg Config
	log zerolog.Logger

	// id names this instance in gossip and route frames.
	id string

	store    *store.Store
	auth     *auth.Service
	limiter  *ratelimit.Limiter
	presence *presence.Registry
	channels *channels.Service
	router   *Router
	metrics  *Metrics
	producer *Producer

	upgrader websocket.Upgrader

	mu     sync.RWMutex
	conns  map[string]*Conn
	routes map[string]*Conn

	sub *redis.PubSub

	httpServer *http.Server

	ctx      context.Context
	cancel   context.CancelFunc
	draining bool
	wg       sync.WaitGroup
}

// New connects to the shared store and builds a gateway.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Gateway, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}

	st, err := store.New(ctx, cfg.Redis, logger)
	if err != nil {
		return nil, xerrors.Errorf("connect store: %w", err)
	}

	return NewWithStore(ctx, cfg, st, logger)
}

// NewWithStore builds a gateway over an existing store. Tests use it
// with miniredis-backed stores.
func NewWithStore(ctx context.Context, cfg Config, st *store.Store, logger zerolog.Logger) (*Gateway, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}

	id := cfg.GatewayID
	if id == "" {
		id = uuid.New().String()
	}

	log := logger.With().Str("component", "gateway").Str("gateway", id).Logger()

	authSvc, err := auth.NewService(st, cfg.AuthOptions(), logger)
	if err != nil {
		return nil, err
	}

	gctx, cancel := context.WithCancel(ctx)

	gw := &Gateway{
		cfg:      cfg,
		log:      log,
		id:       id,
		store:    st,
		auth:     authSvc,
		limiter:  ratelimit.NewLimiter(cfg.Limits, logger),
		presence: presence.NewRegistry(st, id, logger),
		channels: channels.NewService(st, id, cfg.Channels, logger),
		metrics:  NewMetrics(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns:  make(map[string]*Conn),
		routes: make(map[string]*Conn),
		ctx:    gctx,
		cancel: cancel,
	}
	gw.router = newRouter(gw)

	if cfg.Stream.Enabled {
		gw.producer, err = NewProducer(cfg.Stream.Address, cfg.Stream.ClusterID,
			cfg.Stream.ClientID, cfg.Stream.Channel, logger)
		if err != nil {
			cancel()
			return nil, xerrors.Errorf("connect stream: %w", err)
		}
	}

	return gw, nil
}

// Auth exposes the auth service for registration tooling and tests.
func (gw *Gateway) Auth() *auth.Service { return gw.auth }

// Store exposes the shared-state adapter.
func (gw *Gateway) Store() *store.Store { return gw.store }

// ID returns this instance's gossip identity.
func (gw *Gateway) ID() string { return gw.id }

// Open starts the background consumers: the store health watcher, the
// pub/sub subscriber and the admin outbound drainer. The HTTP surface
// is started separately by Run or mounted via Handler.
func (gw *Gateway) Open() {
	gw.store.StartWatcher(gw.ctx)
	gw.store.OnRecover(gw.presence.Reconcile)

	// One subscription carries gossip, the broadcast route and every
	// per-MUD route added as peers authenticate. The client library
	// keeps it on its own connection, away from command traffic.
	gw.sub = gw.store.Subscribe(gw.ctx, gw.store.EventsChannel(), gw.store.RouteChannel(protocol.BroadcastMud))

	gw.wg.Add(2)
	go gw.consumeSub()
	go gw.drainOutbound()

	gw.log.Info().Msg("Gateway open")
}

// Handler returns the HTTP surface: the WebSocket endpoint, metrics and
// the health probe.
func (gw *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.serveWS)
	mux.Handle("/metrics", gw.metrics.Handler())
	mux.HandleFunc("/healthz", gw.serveHealth)
	return mux
}

// Run opens the gateway, serves until the context ends, then shuts
// down gracefully.
func (gw *Gateway) Run(ctx context.Context) error {
	gw.Open()

	gw.httpServer = &http.Server{
		Addr:    gw.cfg.Listen,
		Handler: gw.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		gw.log.Info().Str("listen", gw.cfg.Listen).Msg("Gateway listening")
		var err error
		if gw.cfg.TLSCert != "" && gw.cfg.TLSKey != "" {
			err = gw.httpServer.ListenAndServeTLS(gw.cfg.TLSCert, gw.cfg.TLSKey)
		} else {
			err = gw.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		gw.Shutdown()
		return err
	case <-ctx.Done():
		gw.Shutdown()
		return nil
	}
}

func (gw *Gateway) serveHealth(w http.ResponseWriter, r *http.Request) {
	if err := gw.store.Ping(r.Context()); err != nil {
		http.Error(w, "store unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// serveWS upgrades one peer and runs its connection until it closes.
func (gw *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	gw.mu.RLock()
	draining := gw.draining
	gw.mu.RUnlock()
	if draining {
		http.Error(w, "gateway shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := gw.upgrader.Upgrade(w, r, nil)
	if err != nil {
		gw.log.Debug().Err(err).Msg("Failed websocket upgrade")
		return
	}

	conn := newConn(gw, ws)

	gw.mu.Lock()
	gw.conns[conn.ID] = conn
	gw.mu.Unlock()
	gw.metrics.Connections.Inc()

	log := conn.logger()
	log.Debug().Msg("Connection accepted")
	conn.run()
}

// registerRoute publishes a freshly authenticated MUD to the mesh: the
// local routing table, the shared roster, its route channel and the
// gossip stream.
func (gw *Gateway) registerRoute(ctx context.Context, c *Conn) {
	mud := c.Mud()

	gw.mu.Lock()
	gw.routes[mud] = c
	gw.mu.Unlock()

	if err := gw.store.SAdd(ctx, gw.store.KeyConnectedMuds(), mud); err != nil {
		gw.metrics.StoreFailures.Inc()
	}

	info := protocol.MudInfo{
		Name:        mud,
		Host:        c.remoteAddr,
		ConnectedAt: c.connectedAt.Format(time.RFC3339),
		Version:     protocol.Version,
	}
	if doc, err := json.Marshal(info); err == nil {
		_ = gw.store.Set(ctx, gw.store.KeyMudInfo(mud), string(doc), 0)
	}

	if gw.sub != nil {
		if err := gw.sub.Subscribe(ctx, gw.store.RouteChannel(mud)); err != nil {
			gw.log.Warn().Err(err).Str("mud", mud).Msg("Failed to subscribe route channel")
		}
	}

	_ = gw.store.PublishEvent(ctx, store.Event{
		Type:   store.EventMudConnect,
		Origin: gw.id,
		Mud:    mud,
	})

	gw.producer.Lifecycle(StreamConnect, mud)
}

// onConnClosed deregisters a closing connection: routes, roster,
// presence and the channel memberships tagged to it.
func (gw *Gateway) onConnClosed(c *Conn) {
	gw.mu.Lock()
	delete(gw.conns, c.ID)
	gw.mu.Unlock()
	gw.metrics.Connections.Dec()

	log := c.logger()

	mud := c.Mud()
	if mud == "" {
		log.Debug().Msg("Connection closed")
		return
	}

	// A displaced connection must not tear down its successor's state.
	if !gw.auth.Sessions().Release(mud, c.ID) {
		log.Debug().Msg("Displaced connection closed")
		return
	}

	gw.mu.Lock()
	if gw.routes[mud] == c {
		delete(gw.routes, mud)
	}
	gw.mu.Unlock()

	// The connection context died with the connection; cleanup gets
	// its own deadline.
	ctx, cancel := context.WithTimeout(gw.ctx, 5*time.Second)
	defer cancel()

	if err := gw.store.SRem(ctx, gw.store.KeyConnectedMuds(), mud); err != nil {
		gw.metrics.StoreFailures.Inc()
	}
	_ = gw.store.Del(ctx, gw.store.KeyMudInfo(mud))

	if gw.sub != nil {
		_ = gw.sub.Unsubscribe(ctx, gw.store.RouteChannel(mud))
	}

	if n := gw.presence.OfflineAll(ctx, mud); n > 0 {
		log.Info().Int("users", n).Msg("Marked users offline")
	}

	for key, who := range c.memberships() {
		channel, _, ok := strings.Cut(key, "/")
		if !ok {
			continue
		}
		_, _ = gw.channels.Leave(ctx, channel, who)
	}

	_ = gw.store.PublishEvent(ctx, store.Event{
		Type:   store.EventMudDisconnect,
		Origin: gw.id,
		Mud:    mud,
	})

	gw.producer.Lifecycle(StreamDisconnect, mud)

	log.Info().Msg("Connection closed")
}

// route looks up the local connection for a MUD.
func (gw *Gateway) route(mud string) *Conn {
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	return gw.routes[mud]
}

// connByID looks up any connection by id.
func (gw *Gateway) connByID(id string) *Conn {
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	return gw.conns[id]
}

// liveConns snapshots every authenticated connection.
func (gw *Gateway) liveConns() []*Conn {
	gw.mu.RLock()
	defer gw.mu.RUnlock()

	out := make([]*Conn, 0, len(gw.routes))
	for _, c := range gw.routes {
		if c.State() == stateLive {
			out = append(out, c)
		}
	}
	return out
}

// forwardRemote publishes a unicast envelope onto the destination MUD's
// route channel for its home gateway to deliver.
func (gw *Gateway) forwardRemote(ctx context.Context, msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	frame, err := msgpack.Marshal(routeFrame{Origin: gw.id, Envelope: data})
	if err != nil {
		return err
	}

	return gw.store.Publish(ctx, gw.store.RouteChannel(msg.To.Mud), frame)
}

// forwardBroadcast gossips a broadcast envelope to sibling gateways.
func (gw *Gateway) forwardBroadcast(ctx context.Context, msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	frame, err := msgpack.Marshal(routeFrame{Origin: gw.id, Envelope: data})
	if err != nil {
		return err
	}

	return gw.store.Publish(ctx, gw.store.RouteChannel(protocol.BroadcastMud), frame)
}

// consumeSub dispatches pub/sub deliveries: gossip on the events
// channel, envelopes on route channels.
func (gw *Gateway) consumeSub() {
	defer gw.wg.Done()

	ch := gw.sub.Channel()
	events := gw.store.EventsChannel()

	for {
		select {
		case <-gw.ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			if m.Channel == events {
				gw.handleGossip([]byte(m.Payload))
				continue
			}
			gw.handleRouteFrame([]byte(m.Payload))
		}
	}
}

// handleGossip folds a sibling gateway's cache-invalidation event into
// the local mirrors.
func (gw *Gateway) handleGossip(data []byte) {
	e, err := store.DecodeEvent(data)
	if err != nil {
		gw.log.Warn().Err(err).Msg("Malformed gossip frame")
		return
	}
	if e.Origin == gw.id {
		return
	}

	switch e.Type {
	case store.EventPresence:
		rec, err := presence.DecodeRecord(e.Data)
		if err == nil {
			gw.presence.ApplyRemote(rec)
		}
	case store.EventChannelJoin:
		gw.channels.ApplyRemoteJoin(e.Channel, protocol.Endpoint{Mud: e.Mud, User: e.User})
	case store.EventChannelLeave:
		gw.channels.ApplyRemoteLeave(e.Channel, protocol.Endpoint{Mud: e.Mud, User: e.User})
	case store.EventMudConnect, store.EventMudDisconnect:
		// Roster lives in the store; nothing cached locally.
	}
}

// handleRouteFrame delivers an envelope forwarded by a sibling gateway
// to its locally homed destination.
func (gw *Gateway) handleRouteFrame(data []byte) {
	var frame routeFrame
	if err := msgpack.Unmarshal(data, &frame); err != nil {
		gw.log.Warn().Err(err).Msg("Malformed route frame")
		return
	}
	if frame.Origin == gw.id {
		return
	}

	msg, err := protocol.Decode(frame.Envelope)
	if err != nil {
		gw.log.Warn().Err(err).Msg("Malformed envelope in route frame")
		return
	}
	if msg.Expired(time.Now().UTC()) {
		gw.metrics.Expired.Inc()
		return
	}

	if msg.To.IsBroadcast() {
		for _, dst := range gw.liveConns() {
			gw.router.deliverLocal(msg, dst, nil)
		}
		return
	}

	if dst := gw.route(msg.To.Mud); dst != nil {
		gw.router.deliverLocal(msg, dst, nil)
	}
}

// drainOutbound delivers admin-injected envelopes from the shared
// outbound list as if the gateway itself had sent them.
func (gw *Gateway) drainOutbound() {
	defer gw.wg.Done()

	for {
		select {
		case <-gw.ctx.Done():
			return
		default:
		}

		raw, err := gw.store.BRPop(gw.ctx, time.Second, gw.store.KeyOutbound())
		if err != nil {
			if gw.ctx.Err() != nil {
				return
			}
			continue
		}

		msg, err := protocol.Decode([]byte(raw))
		if err != nil {
			gw.log.Warn().Err(err).Msg("Malformed admin-injected envelope")
			continue
		}

		if msg.To.IsBroadcast() {
			for _, dst := range gw.liveConns() {
				gw.router.deliverLocal(msg, dst, nil)
			}
			continue
		}
		if dst := gw.route(msg.To.Mud); dst != nil {
			gw.router.deliverLocal(msg, dst, nil)
		}
	}
}

// mudDirectory builds the mudlist response from the shared roster and
// the per-MUD metadata documents.
func (gw *Gateway) mudDirectory(ctx context.Context) []protocol.MudInfo {
	names, err := gw.store.SMembers(ctx, gw.store.KeyConnectedMuds())
	if err != nil {
		gw.metrics.StoreFailures.Inc()
		names = gw.auth.Sessions().Muds()
	}
	sort.Strings(names)

	muds := make([]protocol.MudInfo, 0, len(names))
	for _, name := range names {
		info := protocol.MudInfo{Name: name}
		if doc, err := gw.store.Get(ctx, gw.store.KeyMudInfo(name)); err == nil {
			_ = json.Unmarshal([]byte(doc), &info)
		}
		info.Users = gw.presence.OnlineCount(name)
		muds = append(muds, info)
	}
	return muds
}

// produceMessage mirrors a routed envelope onto the firehose.
func (gw *Gateway) produceMessage(msg *protocol.Message) {
	gw.producer.Message(msg)
}

// Shutdown drains every connection with a deadline, then releases the
// store, the subscriber and the producer.
func (gw *Gateway) Shutdown() {
	gw.mu.Lock()
	if gw.draining {
		gw.mu.Unlock()
		return
	}
	gw.draining = true
	conns := make([]*Conn, 0, len(gw.conns))
	for _, c := range gw.conns {
		conns = append(conns, c)
	}
	gw.mu.Unlock()

	gw.log.Info().Int("connections", len(conns)).Msg("Shutting down")

	if gw.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), gw.cfg.ShutdownTimeout())
		_ = gw.httpServer.Shutdown(ctx)
		cancel()
	}

	// Peers get a drain notice before the close frame so their logs
	// show why the link went away.
	for _, c := range conns {
		c.sendError(protocol.ErrCodeProtocolError, map[string]interface{}{
			"reason": "gateway shutting down",
		})
		c.startDrain(reasonShutdown)
	}

	deadline := time.Now().Add(gw.cfg.ShutdownTimeout())
	for time.Now().Before(deadline) {
		gw.mu.RLock()
		remaining := len(gw.conns)
		gw.mu.RUnlock()
		if remaining == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	for _, c := range conns {
		c.closeNow()
	}

	gw.cancel()
	if gw.sub != nil {
		_ = gw.sub.Close()
	}
	gw.wg.Wait()

	gw.limiter.Stop()
	gw.producer.Close()
	if err := gw.store.Close(); err != nil {
		gw.log.Warn().Err(err).Msg("Error closing store")
	}

	gw.log.Info().Msg("Gateway stopped")
}
