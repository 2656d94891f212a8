// Package natsutil publishes and consumes JSON messages over NATS, carrying
// OpenTelemetry trace context in message headers.
package natsutil

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// headers adapts nats.Msg headers to propagation.TextMapCarrier.
type headers nats.Msg

func (h *headers) Get(key string) string {
	if h.Header == nil {
		return ""
	}
	return h.Header.Get(key)
}

func (h *headers) Set(key, val string) {
	if h.Header == nil {
		h.Header = make(nats.Header)
	}
	h.Header.Set(key, val)
}

func (h *headers) Keys() []string {
	keys := make([]string, 0, len(h.Header))
	for k := range h.Header {
		keys = append(keys, k)
	}
	return keys
}

// Publish encodes v as JSON and publishes it on subject with the trace
// context from ctx.
func Publish[T any](ctx context.Context, nc *nats.Conn, subject string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("natsutil: encode %s: %w", subject, err)
	}
	msg := &nats.Msg{Subject: subject, Data: data}
	otel.GetTextMapPropagator().Inject(ctx, (*headers)(msg))
	return nc.PublishMsg(msg)
}

// Request publishes req on subject and decodes the single reply as Resp. It
// waits until ctx ends; with no subscriber on subject it fails fast with
// nats.ErrNoResponders.
func Request[Req, Resp any](ctx context.Context, nc *nats.Conn, subject string, req Req) (Resp, error) {
	var zero Resp
	data, err := json.Marshal(req)
	if err != nil {
		return zero, fmt.Errorf("natsutil: encode %s: %w", subject, err)
	}
	msg := &nats.Msg{Subject: subject, Data: data}
	otel.GetTextMapPropagator().Inject(ctx, (*headers)(msg))
	reply, err := nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return zero, err
	}
	var resp Resp
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		return zero, fmt.Errorf("natsutil: decode reply on %s: %w", subject, err)
	}
	return resp, nil
}

// QueueServe answers requests on subject within a queue group. The value
// handler returns is sent to the message's reply inbox; messages published
// without one are handled and not answered.
func QueueServe[Req, Resp any](nc *nats.Conn, subject, queue string, handler func(context.Context, Req) Resp) (*nats.Subscription, error) {
	return nc.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		var req Req
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			slog.Warn("natsutil: dropping malformed request", "subject", subject, "error", err)
			return
		}
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*headers)(msg))
		resp := handler(ctx, req)
		if msg.Reply == "" {
			return
		}
		data, err := json.Marshal(resp)
		if err != nil {
			slog.Error("natsutil: encode reply", "subject", subject, "error", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			slog.Error("natsutil: send reply", "subject", subject, "error", err)
		}
	})
}
