package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arvell/drops-agent/internal/auth"
	"github.com/arvell/drops-agent/internal/backoff"
	"github.com/arvell/drops-agent/internal/constants"
	"github.com/arvell/drops-agent/internal/logger"
	"github.com/arvell/drops-agent/internal/model"
)

// MessageHandler processes decoded PubSub messages routed from the pool.
type MessageHandler interface {
	HandlePubSubMessage(ctx context.Context, msg *model.Message)
}

// Pool manages multiple PubSub WebSocket connections, distributing topics
// across them and routing incoming messages to a handler.
type Pool struct {
	mu sync.Mutex

	conns   []*Connection
	auth    auth.Provider
	log     *logger.Logger
	handler MessageHandler
	dial    func(ctx context.Context, index int) (*Connection, error)

	// set by Run; connections dialed afterwards attach to this group.
	runCtx context.Context
	g      *errgroup.Group

	merged chan *model.Message

	maxTopics int
	maxConns  int
}

// NewPool creates a new PubSub connection pool.
func NewPool(a auth.Provider, log *logger.Logger, handler MessageHandler) *Pool {
	p := &Pool{
		conns:     make([]*Connection, 0, constants.MaxPubSubConns),
		auth:      a,
		log:       log,
		handler:   handler,
		merged:    make(chan *model.Message, 256),
		maxTopics: constants.MaxTopicsPerConn,
		maxConns:  constants.MaxPubSubConns,
	}
	p.dial = func(ctx context.Context, index int) (*Connection, error) {
		return NewConnection(ctx, index, a, log)
	}
	return p
}

// Subscribe distributes topics across connections, creating new connections
// as needed. Each connection holds up to MaxTopicsPerConn topics.
func (p *Pool) Subscribe(ctx context.Context, topics []model.Topic) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, topic := range topics {
		if topic.TargetID == "" {
			p.log.Warn("Skipping subscription for topic with empty target",
				"topic", topic.Kind.String())
			continue
		}

		if err := p.subscribeSingle(ctx, topic); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe removes topics from their respective connections.
func (p *Pool) Unsubscribe(topics []model.Topic) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, topic := range topics {
		found := false
		for _, conn := range p.conns {
			for _, ct := range conn.Topics() {
				if ct == topic {
					if err := conn.Unsubscribe([]model.Topic{topic}); err != nil {
						p.log.Error("Failed to unsubscribe topic",
							"topic", topic.String(), "error", err)
					}
					found = true
					break
				}
			}
			if found {
				break
			}
		}

		if !found {
			p.log.Warn("Topic not found in any connection", "topic", topic.String())
		}
	}
	return nil
}

// UnsubscribeChannel removes all channel-scoped topics for a channel ID.
// It collects topics under lock, then calls Unsubscribe (which handles its
// own locking).
func (p *Pool) UnsubscribeChannel(channelID string) error {
	p.mu.Lock()
	var topicsToRemove []model.Topic
	for _, conn := range p.conns {
		for _, topic := range conn.Topics() {
			if !topic.Kind.UserScoped() && topic.TargetID == channelID {
				topicsToRemove = append(topicsToRemove, topic)
			}
		}
	}
	p.mu.Unlock()

	if len(topicsToRemove) == 0 {
		p.log.Warn("No topics found for channel", "channel_id", channelID)
		return nil
	}

	p.log.Debug("Unsubscribing from channel topics",
		"channel_id", channelID, "count", len(topicsToRemove))

	return p.Unsubscribe(topicsToRemove)
}

// Run starts all connections and routes messages to the handler.
// It blocks until the context is cancelled or a fatal error occurs.
// Dead connections are automatically reconnected with exponential backoff.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.routeMessages(ctx)
	})

	g.Go(func() error {
		return p.healthMonitor(ctx)
	})

	p.mu.Lock()
	p.runCtx = ctx
	p.g = g
	for _, conn := range p.conns {
		conn := conn
		p.startForwarder(ctx, conn)
		g.Go(func() error {
			return p.runConnection(ctx, conn)
		})
	}
	p.mu.Unlock()

	return g.Wait()
}

// Close gracefully closes all connections in the pool.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, conn := range p.conns {
		conn.Close()
	}
	p.log.Info("PubSub pool closed", "connections", len(p.conns))
}

// ConnectionCount returns the number of active connections.
func (p *Pool) ConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// TotalTopicCount returns the total number of subscribed topics across all
// connections.
func (p *Pool) TotalTopicCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := 0
	for _, conn := range p.conns {
		total += conn.TopicCount()
	}
	return total
}

// subscribeSingle subscribes a single topic to an available connection,
// dialing a new one when every existing connection is full.
func (p *Pool) subscribeSingle(ctx context.Context, topic model.Topic) error {
	for _, conn := range p.conns {
		if conn.HasCapacity() {
			return conn.Subscribe([]model.Topic{topic})
		}
	}

	if len(p.conns) >= p.maxConns {
		return fmt.Errorf("maximum number of PubSub connections (%d) reached", p.maxConns)
	}

	conn, err := p.dial(ctx, len(p.conns))
	if err != nil {
		return fmt.Errorf("creating new PubSub connection: %w", err)
	}

	p.conns = append(p.conns, conn)
	p.log.Info("Created new PubSub connection",
		"conn", conn.index, "total_connections", len(p.conns))

	// Connections dialed while the pool is already running must be
	// serviced immediately; Run only starts the ones present at startup.
	if p.runCtx != nil && p.runCtx.Err() == nil {
		runCtx := p.runCtx
		p.startForwarder(runCtx, conn)
		p.g.Go(func() error {
			return p.runConnection(runCtx, conn)
		})
	}

	return conn.Subscribe([]model.Topic{topic})
}

func (p *Pool) runConnection(ctx context.Context, conn *Connection) error {
	bo := backoff.New(time.Second, 60*time.Second)

	for {
		err := conn.Run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := bo.Duration()
		p.log.Warn("PubSub connection lost, reconnecting",
			"conn", conn.index, "error", err, "backoff", delay.Round(time.Second))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		newConn, err := p.reconnect(ctx, conn)
		if err != nil {
			p.log.Error("Reconnection failed", "conn", conn.index, "error", err)
			continue
		}

		conn = newConn
		bo.Reset()
		p.log.Info("PubSub connection re-established", "conn", conn.index)
	}
}

// reconnect dials a replacement connection carrying over the topic set of
// the dead one.
func (p *Pool) reconnect(ctx context.Context, conn *Connection) (*Connection, error) {
	topics := conn.Topics()

	newConn, err := p.dial(ctx, conn.index)
	if err != nil {
		return nil, fmt.Errorf("dialing PubSub for reconnection: %w", err)
	}

	p.mu.Lock()
	for i, c := range p.conns {
		if c == conn {
			p.conns[i] = newConn
			break
		}
	}
	p.startForwarder(ctx, newConn)
	p.mu.Unlock()

	// Retire the dead connection so its forwarder drains out instead of
	// parking on a channel nothing writes to anymore.
	conn.Close()

	if err := newConn.Subscribe(topics); err != nil {
		return nil, fmt.Errorf("re-subscribing topics after reconnection: %w", err)
	}

	return newConn, nil
}

// startForwarder launches a goroutine that reads from a connection's
// messages channel and forwards them to the pool's merged fan-in channel.
func (p *Pool) startForwarder(ctx context.Context, conn *Connection) {
	go func() {
		for {
			select {
			case msg, ok := <-conn.Messages():
				if !ok {
					return
				}
				select {
				case p.merged <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (p *Pool) routeMessages(ctx context.Context) error {
	for {
		select {
		case msg, ok := <-p.merged:
			if !ok {
				return nil
			}
			if p.handler != nil {
				p.handler.HandlePubSubMessage(ctx, msg)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Pool) healthMonitor(ctx context.Context) error {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.mu.Lock()
			for _, conn := range p.conns {
				if !conn.IsConnected() {
					p.log.Warn("Connection is not connected",
						"conn", conn.index, "topics", conn.TopicCount())
				}
			}
			p.mu.Unlock()
		}
	}
}
