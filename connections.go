package main

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// localConn is a connection resident on this node.
type localConn interface {
	Deliver(event string, data interface{}) error
	Kill(reason string)
	Detach()
}

// ConnRegistry maps connection ids to the connections attached to this node.
type ConnRegistry struct {
	mu    sync.RWMutex
	conns map[string]localConn
}

func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{conns: make(map[string]localConn)}
}

func (r *ConnRegistry) Register(id string, c localConn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[id] = c
}

func (r *ConnRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.conns, id)
}

func (r *ConnRegistry) Get(id string) localConn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.conns[id]
}

func (r *ConnRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}

// Emitter delivers a single event to a single connection, wherever that
// connection lives. Delivery is best-effort: an unknown connection id is not
// an error, the event is dropped.
type Emitter interface {
	Emit(ctx context.Context, connectionID string, event string, data interface{}) error

	// ForceClose tears down a connection. With detach set, the connection's
	// session binding is cleared first so its disconnect handler will not
	// clean up state now owned by someone else.
	ForceClose(ctx context.Context, connectionID string, detach bool, reason string) error
}

type LocalEmitter struct {
	Conns *ConnRegistry
}

func (e *LocalEmitter) Emit(ctx context.Context, connectionID string, event string, data interface{}) error {
	c := e.Conns.Get(connectionID)

	if c == nil {
		return nil
	}

	return c.Deliver(event, data)
}

func (e *LocalEmitter) ForceClose(ctx context.Context, connectionID string, detach bool, reason string) error {
	c := e.Conns.Get(connectionID)

	if c == nil {
		return nil
	}

	if detach {
		c.Detach()
	}

	c.Kill(reason)

	return nil
}

const eventsChannel = "whisper:events"

const envelopeKindEmit = "emit"
const envelopeKindClose = "close"

// envelope is the cross-node fan-out frame. Every node subscribes to one
// channel and delivers envelopes addressed to connections it hosts.
type envelope struct {
	ConnectionID string      `json:"connectionId"`
	Kind         string      `json:"kind"`
	Event        string      `json:"event,omitempty"`
	Data         interface{} `json:"data,omitempty"`
	Detach       bool        `json:"detach,omitempty"`
	Reason       string      `json:"reason,omitempty"`
}

// RedisEmitter delivers to connections on this node directly and publishes
// an envelope for everything else.
type RedisEmitter struct {
	Conns *ConnRegistry
	Redis Redis
}

func (e *RedisEmitter) publish(ctx context.Context, env envelope) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RedisEmitter.publish")
	defer span.Finish()

	encoded, err := json.Marshal(env)

	if err != nil {
		ext.LogError(span, err)
		return err
	}

	if err := e.Redis.Publish(ctx, eventsChannel, encoded).Err(); err != nil {
		ext.LogError(span, err)
		return errors.Wrap(ErrBackendGone, "fanout publish")
	}

	return nil
}

func (e *RedisEmitter) Emit(ctx context.Context, connectionID string, event string, data interface{}) error {
	if c := e.Conns.Get(connectionID); c != nil {
		return c.Deliver(event, data)
	}

	return e.publish(ctx, envelope{
		ConnectionID: connectionID,
		Kind:         envelopeKindEmit,
		Event:        event,
		Data:         data,
	})
}

func (e *RedisEmitter) ForceClose(ctx context.Context, connectionID string, detach bool, reason string) error {
	if c := e.Conns.Get(connectionID); c != nil {
		if detach {
			c.Detach()
		}
		c.Kill(reason)
		return nil
	}

	return e.publish(ctx, envelope{
		ConnectionID: connectionID,
		Kind:         envelopeKindClose,
		Detach:       detach,
		Reason:       reason,
	})
}

// EventSubscriber drains the fan-out channel and applies envelopes addressed
// to connections hosted on this node. Envelopes for connections that have
// gone away are dropped.
type EventSubscriber struct {
	Conns *ConnRegistry
	Redis Redis
	Log   zerolog.Logger
}

func (s *EventSubscriber) Run(ctx context.Context) {
	pubsub := s.Redis.Subscribe(ctx, eventsChannel)

	defer func() {
		_ = pubsub.Close()
	}()

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				s.Log.Error().Msg("fanout subscription channel closed")
				return
			}

			var env envelope

			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				s.Log.Error().Err(err).Msg("bad fanout envelope")
				continue
			}

			c := s.Conns.Get(env.ConnectionID)

			if c == nil {
				continue
			}

			switch env.Kind {
			case envelopeKindEmit:
				_ = c.Deliver(env.Event, env.Data)
			case envelopeKindClose:
				if env.Detach {
					c.Detach()
				}
				c.Kill(env.Reason)
			}
		}
	}
}
