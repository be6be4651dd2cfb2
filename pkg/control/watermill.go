package control

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// SubscriberFactory returns the subscriber used for one subscription. When owned is true
// the subscriber is closed together with the subscription.
type SubscriberFactory func(ctx context.Context, topic string) (sub message.Subscriber, owned bool, err error)

// WatermillChannel adapts a Watermill publisher/subscriber pair to Channel.
type WatermillChannel struct {
	pub    message.Publisher
	newSub SubscriberFactory
	close  func() error
}

var _ Channel = &WatermillChannel{}

func NewWatermillChannel(pub message.Publisher, newSub SubscriberFactory, closeFn func() error) (*WatermillChannel, error) {
	if pub == nil {
		return nil, errors.New("watermill control channel: publisher is nil")
	}
	if newSub == nil {
		return nil, errors.New("watermill control channel: subscriber factory is nil")
	}
	return &WatermillChannel{pub: pub, newSub: newSub, close: closeFn}, nil
}

// NewGoChannel is the in-process transport used when Redis is disabled.
func NewGoChannel(logger watermill.LoggerAdapter) *WatermillChannel {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	gc := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
	return &WatermillChannel{
		pub: gc,
		newSub: func(context.Context, string) (message.Subscriber, bool, error) {
			return gc, false, nil
		},
		close: gc.Close,
	}
}

func (c *WatermillChannel) Publish(ctx context.Context, topic string, payload []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if ctx != nil {
		msg.SetContext(ctx)
	}
	if err := c.pub.Publish(topic, msg); err != nil {
		return errors.Wrap(err, "watermill control channel: publish")
	}
	return nil
}

func (c *WatermillChannel) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	sub, owned, err := c.newSub(ctx, topic)
	if err != nil {
		return nil, errors.Wrap(err, "watermill control channel: build subscriber")
	}
	subCtx, cancel := context.WithCancel(ctx)
	msgs, err := sub.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		if owned {
			_ = sub.Close()
		}
		return nil, errors.Wrap(err, "watermill control channel: subscribe")
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer cancel()
		if owned {
			defer func() {
				if err := sub.Close(); err != nil {
					log.Debug().Err(err).Str("component", "control").Str("topic", topic).Msg("subscriber close failed")
				}
			}()
		}
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				payload := append([]byte(nil), msg.Payload...)
				msg.Ack()
				select {
				case out <- payload:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *WatermillChannel) Close() error {
	if c == nil || c.close == nil {
		return nil
	}
	return c.close()
}
