// Package fanout multicasts decoded telemetry batches to independent
// subscribers on top of a watermill in-process pub/sub.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"

	"yqhp/hmi-sync/internal/wire"
	"yqhp/hmi-sync/pkg/types"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("fanout closed")

const defaultTopic = "hmi.updates"

// Option configures a Fanout.
type Option func(*Fanout)

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) Option {
	return func(f *Fanout) {
		if n >= 0 {
			f.buffer = n
		}
	}
}

// WithTopic sets the internal pub/sub topic name.
func WithTopic(topic string) Option {
	return func(f *Fanout) {
		f.topic = topic
	}
}

// Fanout delivers every published batch to every current subscriber, in
// publish order. Publish blocks until each subscriber has taken the batch,
// so a stalled consumer applies backpressure to the publisher.
type Fanout struct {
	pubsub *gochannel.GoChannel
	topic  string
	buffer int
	log    *zap.Logger
	closed atomic.Bool
}

// New creates a fanout.
func New(log *zap.Logger, opts ...Option) *Fanout {
	if log == nil {
		log = zap.NewNop()
	}
	f := &Fanout{
		topic:  defaultTopic,
		buffer: 16,
		log:    log,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.pubsub = gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            int64(f.buffer),
		BlockPublishUntilSubscriberAck: true,
	}, NewZapAdapter(log))
	return f
}

// Publish multicasts one raw wire batch.
func (f *Fanout) Publish(raw []byte) error {
	if f.closed.Load() {
		return ErrClosed
	}
	msg := message.NewMessage(watermill.NewUUID(), raw)
	if err := f.pubsub.Publish(f.topic, msg); err != nil {
		if f.closed.Load() {
			return ErrClosed
		}
		return fmt.Errorf("publish batch: %w", err)
	}
	return nil
}

// PublishBatch encodes and multicasts a batch.
func (f *Fanout) PublishBatch(batch types.WsMessage) error {
	raw, err := wire.Encode(batch)
	if err != nil {
		return err
	}
	return f.Publish(raw)
}

// Subscribe registers a consumer that receives every batch published after
// the call. Cancel ctx to unsubscribe; the channel is closed on unsubscribe
// and on Close.
func (f *Fanout) Subscribe(ctx context.Context) (<-chan types.WsMessage, error) {
	if f.closed.Load() {
		return nil, ErrClosed
	}
	in, err := f.pubsub.Subscribe(ctx, f.topic)
	if err != nil {
		if f.closed.Load() {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan types.WsMessage, f.buffer)
	go f.forward(ctx, in, out)
	return out, nil
}

func (f *Fanout) forward(ctx context.Context, in <-chan *message.Message, out chan<- types.WsMessage) {
	defer close(out)
	for msg := range in {
		batch, err := wire.DecodeBatch(msg.Payload)
		if err != nil {
			// never published by the transport, which validates first
			f.log.Warn("fanout: dropping undecodable batch", zap.String("uuid", msg.UUID), zap.Error(err))
			msg.Ack()
			continue
		}
		select {
		case out <- batch:
			msg.Ack()
		case <-ctx.Done():
			msg.Nack()
			return
		}
	}
}

// Close completes the stream for every subscriber. Safe to call more than once.
func (f *Fanout) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	return f.pubsub.Close()
}
