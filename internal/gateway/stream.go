package gateway

import (
	"github.com/nats-io/nats.go"
	"github.com/nats-io/stan.go"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/mudvault/mesh/pkg/protocol"
)

// Stream event types mirrored onto the firehose.
const (
	StreamMessage    = "message"
	StreamConnect    = "connect"
	StreamDisconnect = "disconnect"
)

// StreamEvent is one firehose frame: a routed envelope or a lifecycle
// change, msgpack-encoded for consumers.
type StreamEvent struct {
	Type       string `msgpack:"t"`
	Identifier string `msgpack:"i"`
	Data       []byte `msgpack:"d,omitempty"`
}

// Producer mirrors gateway activity onto a NATS Streaming channel.
// Publishing is best effort and never blocks routing; a full buffer
// drops the event with a warning.
type Producer struct {
	log zerolog.Logger

	natsClient *nats.Conn
	stanClient stan.Conn
	channel    string

	events chan StreamEvent
	done   chan struct{}
}

// NewProducer connects to NATS Streaming and starts the publish loop.
func NewProducer(address, clusterID, clientID, channel string, logger zerolog.Logger) (p *Producer, err error) {
	p = &Producer{
		log:     logger.With().Str("component", "stream").Logger(),
		channel: channel,
		events:  make(chan StreamEvent, 512),
		done:    make(chan struct{}),
	}

	p.natsClient, err = nats.Connect(address)
	if err != nil {
		return nil, err
	}

	p.stanClient, err = stan.Connect(clusterID, clientID, stan.NatsConn(p.natsClient))
	if err != nil {
		p.natsClient.Close()
		return nil, err
	}

	go p.forward()

	return p, nil
}

// Message queues a routed envelope for the firehose. Safe on a nil
// producer so the disabled path costs nothing.
func (p *Producer) Message(msg *protocol.Message) {
	if p == nil {
		return
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	p.offer(StreamEvent{Type: StreamMessage, Identifier: string(msg.Type), Data: data})
}

// Lifecycle queues a connect/disconnect event for a MUD.
func (p *Producer) Lifecycle(event, mud string) {
	if p == nil {
		return
	}
	p.offer(StreamEvent{Type: event, Identifier: mud})
}

func (p *Producer) offer(e StreamEvent) {
	select {
	case p.events <- e:
	default:
		p.log.Warn().Str("type", e.Type).Msg("Stream buffer full, dropping event")
	}
}

// forward publishes queued events until Close.
func (p *Producer) forward() {
	var ep []byte
	var err error

	for {
		select {
		case <-p.done:
			return
		case e := <-p.events:
			ep, err = msgpack.Marshal(e)
			if err != nil {
				p.log.Warn().Err(err).Msg("failed to marshal stream event")
				continue
			}
			if err = p.stanClient.Publish(p.channel, ep); err != nil {
				p.log.Warn().Err(err).Msg("failed to publish stream event")
			}
		}
	}
}

// Close stops the publish loop and releases the connections.
func (p *Producer) Close() {
	if p == nil {
		return
	}

	close(p.done)
	if err := p.stanClient.Close(); err != nil {
		p.log.Warn().Err(err).Msg("Error closing stream connection")
	}
	p.natsClient.Close()
}
