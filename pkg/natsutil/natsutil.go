// Package natsutil provides typed NATS publish/subscribe helpers with
// OpenTelemetry trace propagation.
package natsutil

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// Publisher is the publishing half of *nats.Conn.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// Subscriber is the subscribing half of *nats.Conn.
type Subscriber interface {
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// natsHeaderCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// NewMsg encodes v as JSON and injects the trace context from ctx into the
// message headers.
func NewMsg[T any](ctx context.Context, subject string, v T) (*nats.Msg, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("natsutil: marshal %s: %w", subject, err)
	}
	msg := &nats.Msg{Subject: subject, Data: data}
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	return msg, nil
}

// Publish serializes v as JSON and publishes it to subject.
func Publish[T any](ctx context.Context, p Publisher, subject string, v T) error {
	msg, err := NewMsg(ctx, subject, v)
	if err != nil {
		return err
	}
	if err := p.PublishMsg(msg); err != nil {
		return fmt.Errorf("natsutil: publish %s: %w", subject, err)
	}
	return nil
}

// Ack is the reply sent to request-style messages.
type Ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Handler consumes one decoded message.
type Handler[T any] func(ctx context.Context, v T) error

// Subscribe registers a handler for JSON messages of type T. The trace
// context is extracted from the headers. Decode and handler errors go to
// onErr; messages with a reply subject are answered with an Ack.
func Subscribe[T any](s Subscriber, subject string, h Handler[T], onErr func(subject string, err error)) (*nats.Subscription, error) {
	sub, err := s.Subscribe(subject, MsgHandler(h, onErr))
	if err != nil {
		return nil, fmt.Errorf("natsutil: subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// MsgHandler adapts h to a nats.MsgHandler.
func MsgHandler[T any](h Handler[T], onErr func(subject string, err error)) nats.MsgHandler {
	return func(msg *nats.Msg) {
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*natsHeaderCarrier)(msg))

		var v T
		err := json.Unmarshal(msg.Data, &v)
		if err != nil {
			err = fmt.Errorf("natsutil: decode %s: %w", msg.Subject, err)
		} else {
			err = h(ctx, v)
		}
		if err != nil && onErr != nil {
			onErr(msg.Subject, err)
		}

		if msg.Reply == "" {
			return
		}
		ack := Ack{OK: err == nil}
		if err != nil {
			ack.Error = err.Error()
		}
		data, _ := json.Marshal(ack)
		if rerr := msg.Respond(data); rerr != nil && onErr != nil {
			onErr(msg.Subject, fmt.Errorf("natsutil: respond: %w", rerr))
		}
	}
}
