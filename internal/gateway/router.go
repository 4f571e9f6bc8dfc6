package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mudvault/mesh/internal/auth"
	"github.com/mudvault/mesh/internal/channels"
	"github.com/mudvault/mesh/pkg/protocol"
)

// queryTimeout bounds who/finger request-response round trips. A silent
// target yields an empty response to the requester, not an error.
const queryTimeout = 5 * time.Second

// Router dispatches validated envelopes to zero or more connections.
type Router struct {
	gw  *Gateway
	log zerolog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func newRouter(gw *Gateway) *Router {
	return &Router{
		gw:      gw,
		log:     gw.log.With().Str("component", "router").Logger(),
		pending: make(map[string]*time.Timer),
	}
}

// Dispatch is the single entry point for inbound envelopes. Panics in
// handler code kill only the offending connection, never the process.
func (r *Router) Dispatch(ctx context.Context, msg *protocol.Message, src *Conn) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Str("type", string(msg.Type)).Msg("Recovered panic in dispatch, closing connection")
			src.closeNow()
		}
	}()

	now := time.Now().UTC()
	if msg.Expired(now) {
		r.gw.metrics.Expired.Inc()
		r.log.Debug().Str("type", string(msg.Type)).Str("id", msg.ID).Msg("Dropping expired envelope")
		return
	}

	// Control types every connection may use, authenticated or not.
	switch msg.Type {
	case protocol.MessageTypeAuth:
		r.handleAuth(ctx, msg, src)
		return
	case protocol.MessageTypePing:
		r.answerPing(msg, src)
		return
	case protocol.MessageTypePong:
		if p, ok := msg.Decoded.(*protocol.PingPayload); ok {
			src.noteHeartbeatAck(p.Timestamp)
		}
		return
	}

	if !src.Authenticated() {
		src.sendError(protocol.ErrCodeUnauthorized, map[string]interface{}{
			"reason": "authenticate first",
		})
		return
	}

	// Origin integrity: the authenticated identity always wins over
	// whatever the peer claimed.
	msg.From.Mud = src.Mud()

	switch msg.Type {
	case protocol.MessageTypeTell, protocol.MessageTypeEmoteTo, protocol.MessageTypeEmote:
		r.route(ctx, msg, src)
	case protocol.MessageTypeChannel:
		r.handleChannel(ctx, msg, src)
	case protocol.MessageTypeWho, protocol.MessageTypeFinger:
		r.handleQuery(ctx, msg, src)
	case protocol.MessageTypeLocate:
		r.handleLocate(ctx, msg, src)
	case protocol.MessageTypePresence:
		r.handlePresence(ctx, msg, src)
	case protocol.MessageTypeMudlist:
		r.handleMudlist(ctx, msg, src)
	case protocol.MessageTypeChannels:
		r.handleChannelList(ctx, msg, src)
	case protocol.MessageTypeError:
		r.handleError(ctx, msg, src)
	}
}

// answerPing replies on the gateway's behalf; liveness never involves
// the far peer.
func (r *Router) answerPing(msg *protocol.Message, src *Conn) {
	p, ok := msg.Decoded.(*protocol.PingPayload)
	if !ok {
		return
	}

	to := msg.From
	if src.Mud() != "" {
		to.Mud = src.Mud()
	}

	pong, err := protocol.NewPong(protocol.GatewayEndpoint(), to, p.Timestamp)
	if err != nil {
		return
	}
	pong.Metadata.Priority = 9
	src.queue.push(pong, false)
}

// handleAuth runs the authentication flow for a connecting MUD.
func (r *Router) handleAuth(ctx context.Context, msg *protocol.Message, src *Conn) {
	p, ok := msg.Decoded.(*protocol.AuthPayload)
	if !ok {
		src.sendError(protocol.ErrCodeInvalidMessage, nil)
		return
	}

	if src.Authenticated() {
		r.ackAuth(src)
		return
	}

	if err := r.gw.auth.Authenticate(ctx, p.MudName, p.Token); err != nil {
		r.log.Info().Str("mud", p.MudName).Err(err).Msg("Authentication failed")
		src.sendError(protocol.ErrCodeAuthFailed, map[string]interface{}{
			"reason": "invalid credentials",
		})
		time.AfterFunc(authFailGrace, src.closeNow)
		return
	}

	displaced, err := r.gw.auth.Sessions().Bind(p.MudName, src.ID)
	if err != nil {
		if errors.Is(err, auth.ErrDuplicateSession) {
			src.sendError(protocol.ErrCodeAuthFailed, map[string]interface{}{
				"reason": "mud already connected",
			})
			time.AfterFunc(authFailGrace, src.closeNow)
			return
		}
		src.sendError(protocol.ErrCodeInternalError, nil)
		return
	}

	if displaced != "" {
		if old := r.gw.connByID(displaced); old != nil {
			old.startDrain(reasonDisplaced)
		}
	}

	src.bindMud(p.MudName)
	r.gw.registerRoute(ctx, src)
	r.ackAuth(src)

	r.log.Info().Str("mud", p.MudName).Str("conn", src.ID).Msg("MUD authenticated")
}

// ackAuth confirms a successful authentication explicitly rather than
// leaving the peer to assume success on a timer.
func (r *Router) ackAuth(src *Conn) {
	mud := src.Mud()
	ack, err := protocol.NewMessage(protocol.MessageTypeAuth,
		protocol.GatewayEndpoint(),
		protocol.Endpoint{Mud: mud},
		&protocol.AuthResultPayload{Authenticated: true, MudName: mud})
	if err != nil {
		return
	}
	ack.Metadata.Priority = 9
	src.queue.push(ack, false)
}

// route delivers a unicast envelope: locally when the destination MUD is
// homed here, via the shared store's route channel when it lives on a
// sibling gateway.
func (r *Router) route(ctx context.Context, msg *protocol.Message, src *Conn) {
	if msg.To.IsBroadcast() {
		r.broadcast(ctx, msg, src)
		return
	}

	if dst := r.gw.route(msg.To.Mud); dst != nil {
		r.deliverLocal(msg, dst, src)
		return
	}

	known, err := r.gw.store.SIsMember(ctx, r.gw.store.KeyConnectedMuds(), msg.To.Mud)
	if err == nil && known {
		if err := r.gw.forwardRemote(ctx, msg); err == nil {
			return
		}
	}

	src.sendError(protocol.ErrCodeMudNotFound, map[string]interface{}{
		"mud": msg.To.Mud,
	})
}

// deliverLocal enqueues an envelope for a local connection, honoring the
// at-most-once retry contract.
func (r *Router) deliverLocal(msg *protocol.Message, dst *Conn, src *Conn) {
	if dst.Send(msg) {
		r.produce(msg)
		return
	}

	if msg.Metadata.Retry {
		retry := *msg
		if retry.Metadata.Priority > 1 {
			retry.Metadata.Priority--
		}
		retry.Metadata.Retry = false
		if dst.sendRetried(&retry) {
			r.produce(msg)
			return
		}
	}

	if msg.Metadata.Priority >= 7 && src != nil {
		src.sendError(protocol.ErrCodeInternalError, map[string]interface{}{
			"reason": "destination queue full",
			"mud":    dst.Mud(),
		})
	}
}

// broadcast fans an envelope out to every live local connection except
// the source, then gossips it to sibling gateways.
func (r *Router) broadcast(ctx context.Context, msg *protocol.Message, src *Conn) {
	for _, dst := range r.gw.liveConns() {
		if src != nil && dst.ID == src.ID {
			continue
		}
		r.deliverLocal(msg, dst, nil)
	}
	_ = r.gw.forwardBroadcast(ctx, msg)
}

// handleChannel serves join, leave, message and list actions.
func (r *Router) handleChannel(ctx context.Context, msg *protocol.Message, src *Conn) {
	p, ok := msg.Decoded.(*protocol.ChannelPayload)
	if !ok {
		src.sendError(protocol.ErrCodeInvalidMessage, nil)
		return
	}

	from := msg.From
	from.Mud = src.Mud()

	switch p.Action {
	case protocol.ChannelActionJoin:
		if _, err := r.gw.channels.Join(ctx, p.Channel, from); err != nil {
			r.sendServiceError(src, err)
			return
		}
		src.trackJoin(p.Channel, from)
		r.notifyChannel(ctx, p.Channel, from, p.Action, "")

	case protocol.ChannelActionLeave:
		left, err := r.gw.channels.Leave(ctx, p.Channel, from)
		if err != nil {
			r.sendServiceError(src, err)
			return
		}
		src.forgetJoin(p.Channel, from)
		// Idempotent: only a real departure notifies members.
		if left {
			r.notifyChannel(ctx, p.Channel, from, p.Action, "")
		}

	case protocol.ChannelActionMessage:
		members, err := r.gw.channels.Post(ctx, p.Channel, from, p.Message, channels.KindMessage)
		if err != nil {
			r.sendServiceError(src, err)
			return
		}
		r.fanOut(ctx, msg, memberMuds(members))
		r.produce(msg)

	case protocol.ChannelActionList:
		r.handleChannelList(ctx, msg, src)
	}
}

// notifyChannel tells every member MUD about a membership change.
func (r *Router) notifyChannel(ctx context.Context, channel string, who protocol.Endpoint, action protocol.ChannelAction, text string) {
	members, err := r.gw.channels.Members(ctx, channel)
	if err != nil {
		return
	}

	note, err := protocol.NewMessage(protocol.MessageTypeChannel, who,
		protocol.Endpoint{Mud: protocol.BroadcastMud, Channel: channel},
		&protocol.ChannelPayload{Channel: channel, Action: action, Message: text})
	if err != nil {
		return
	}

	r.fanOut(ctx, note, memberMuds(members))
}

// fanOut delivers one envelope to each named MUD, splitting local and
// cross-gateway destinations.
func (r *Router) fanOut(ctx context.Context, msg *protocol.Message, muds []string) {
	for _, mud := range muds {
		copied := *msg
		copied.To = protocol.Endpoint{Mud: mud, Channel: msg.To.Channel}

		if dst := r.gw.route(mud); dst != nil {
			r.deliverLocal(&copied, dst, nil)
			continue
		}
		_ = r.gw.forwardRemote(ctx, &copied)
	}
}

// handleQuery forwards who/finger requests to the target MUD and relays
// responses back; the gateway never answers for a peer's roster.
func (r *Router) handleQuery(ctx context.Context, msg *protocol.Message, src *Conn) {
	request := false
	switch p := msg.Decoded.(type) {
	case *protocol.WhoPayload:
		request = p.Request
	case *protocol.FingerPayload:
		request = p.Request
	}

	if request {
		// Broadcast queries collect answers from every MUD; no single
		// silent target means no synthesized empty response.
		if !msg.To.IsBroadcast() {
			r.registerQuery(msg, src)
		}
	} else {
		r.resolveQuery(msg)
	}

	r.route(ctx, msg, src)
}

// registerQuery arms the empty-response timer for a forwarded request.
func (r *Router) registerQuery(msg *protocol.Message, src *Conn) {
	key := queryKey(msg.Type, msg.To.Mud, msg.From.Mud)
	msgType := msg.Type
	requester := msg.From
	target := msg.To.Mud
	user := ""
	if p, ok := msg.Decoded.(*protocol.FingerPayload); ok {
		user = p.User
	}

	r.mu.Lock()
	if old, ok := r.pending[key]; ok {
		old.Stop()
	}
	r.pending[key] = time.AfterFunc(queryTimeout, func() {
		r.mu.Lock()
		delete(r.pending, key)
		r.mu.Unlock()

		r.sendEmptyQueryResponse(msgType, target, requester, user)
	})
	r.mu.Unlock()
}

// resolveQuery cancels the pending timer matched by a real response.
func (r *Router) resolveQuery(msg *protocol.Message) {
	key := queryKey(msg.Type, msg.From.Mud, msg.To.Mud)

	r.mu.Lock()
	if timer, ok := r.pending[key]; ok {
		timer.Stop()
		delete(r.pending, key)
	}
	r.mu.Unlock()
}

func queryKey(t protocol.MessageType, target, requester string) string {
	return string(t) + "|" + target + "|" + requester
}

// sendEmptyQueryResponse answers a timed-out who/finger request with an
// empty result on the silent target's behalf.
func (r *Router) sendEmptyQueryResponse(t protocol.MessageType, target string, requester protocol.Endpoint, user string) {
	dst := r.gw.route(requester.Mud)
	if dst == nil {
		return
	}

	var payload protocol.Payload
	switch t {
	case protocol.MessageTypeWho:
		payload = &protocol.WhoPayload{Users: []protocol.UserInfo{}}
	case protocol.MessageTypeFinger:
		payload = &protocol.FingerPayload{User: user, Info: &protocol.UserInfo{Username: user}}
	default:
		return
	}

	resp, err := protocol.NewMessage(t, protocol.Endpoint{Mud: target}, requester, payload)
	if err != nil {
		return
	}
	dst.Send(resp)
}

// handleLocate answers locate requests from the presence index; the
// gateway holds the mesh-wide view, so no peer is consulted.
func (r *Router) handleLocate(ctx context.Context, msg *protocol.Message, src *Conn) {
	p, ok := msg.Decoded.(*protocol.LocatePayload)
	if !ok {
		src.sendError(protocol.ErrCodeInvalidMessage, nil)
		return
	}

	if !p.Request {
		r.route(ctx, msg, src)
		return
	}

	locations := r.gw.presence.Locate(ctx, p.User)
	resp, err := protocol.NewMessage(protocol.MessageTypeLocate,
		protocol.GatewayEndpoint(), msg.From,
		&protocol.LocatePayload{User: p.User, Locations: locations})
	if err != nil {
		return
	}
	src.Send(resp)
}

// handlePresence updates the registry and gossips the change; presence
// envelopes are never delivered to peers.
func (r *Router) handlePresence(ctx context.Context, msg *protocol.Message, src *Conn) {
	p, ok := msg.Decoded.(*protocol.PresencePayload)
	if !ok {
		src.sendError(protocol.ErrCodeInvalidMessage, nil)
		return
	}

	if err := r.gw.presence.Update(ctx, msg.From, p); err != nil {
		r.log.Warn().Err(err).Str("mud", msg.From.Mud).Str("user", msg.From.User).Msg("Failed to apply presence update")
	}
}

// handleMudlist answers the connected-MUD directory query.
func (r *Router) handleMudlist(ctx context.Context, msg *protocol.Message, src *Conn) {
	if p, ok := msg.Decoded.(*protocol.MudlistPayload); ok && !p.Request {
		r.route(ctx, msg, src)
		return
	}

	muds := r.gw.mudDirectory(ctx)
	resp, err := protocol.NewMessage(protocol.MessageTypeMudlist,
		protocol.GatewayEndpoint(), msg.From,
		&protocol.MudlistPayload{Muds: muds})
	if err != nil {
		return
	}
	src.Send(resp)
}

// handleChannelList answers the channel directory query.
func (r *Router) handleChannelList(ctx context.Context, msg *protocol.Message, src *Conn) {
	if p, ok := msg.Decoded.(*protocol.ChannelListPayload); ok && !p.Request {
		r.route(ctx, msg, src)
		return
	}

	infos, err := r.gw.channels.List(ctx)
	if err != nil {
		src.sendError(protocol.ErrCodeInternalError, nil)
		return
	}

	resp, err := protocol.NewMessage(protocol.MessageTypeChannels,
		protocol.GatewayEndpoint(), msg.From,
		&protocol.ChannelListPayload{Channels: infos})
	if err != nil {
		return
	}
	src.Send(resp)
}

// handleError logs peer-reported errors and relays them only when a
// reachable peer is addressed.
func (r *Router) handleError(ctx context.Context, msg *protocol.Message, src *Conn) {
	if p, ok := msg.Decoded.(*protocol.ErrorPayload); ok {
		r.log.Info().Str("mud", msg.From.Mud).Int("code", int(p.Code)).Str("message", p.Message).Msg("Peer reported error")
	}

	if dst := r.gw.route(msg.To.Mud); dst != nil {
		dst.Send(msg)
	}
}

// sendServiceError maps service failures onto wire errors, hiding
// internal details behind INTERNAL_ERROR.
func (r *Router) sendServiceError(src *Conn, err error) {
	var we *protocol.WireError
	if errors.As(err, &we) {
		src.sendError(we.Code, we.Details)
		return
	}
	r.gw.metrics.StoreFailures.Inc()
	src.sendError(protocol.ErrCodeInternalError, nil)
}

// produce mirrors a routed envelope onto the event stream when the
// producer is enabled.
func (r *Router) produce(msg *protocol.Message) {
	r.gw.produceMessage(msg)
}

func memberMuds(members []protocol.Endpoint) []string {
	seen := make(map[string]bool)
	var muds []string
	for _, m := range members {
		if !seen[m.Mud] {
			seen[m.Mud] = true
			muds = append(muds, m.Mud)
		}
	}
	return muds
}
