package index

import (
	"context"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/taskrecall/recall/pkg/natsutil"
)

// WorkerQueue is the queue group shared by reindex workers, so a request is
// handled by exactly one of them.
const WorkerQueue = "rag-reindex"

// StartWorker joins WorkerQueue on RequestSubject and runs the pipeline for
// every request. The outcome is sent back to the requester and also published
// on CompletedSubject, success or not.
func StartWorker(nc *nats.Conn, p *Pipeline) (*nats.Subscription, error) {
	log := p.logger
	return natsutil.QueueServe(nc, RequestSubject, WorkerQueue, func(ctx context.Context, req Request) Completed {
		start := time.Now()
		res, err := p.Run(ctx, req.Limit)

		evt := Completed{Indexed: res.Indexed, DurationMs: time.Since(start).Milliseconds()}
		if err != nil {
			evt.Error = err.Error()
			log.Error("index: reindex request failed", "limit", req.Limit, "error", err)
		} else {
			log.Info("index: reindex request done", "limit", req.Limit, "indexed", res.Indexed)
		}
		if err := natsutil.Publish(ctx, nc, CompletedSubject, evt); err != nil {
			log.Error("index: completion publish failed", "error", err)
		}
		return evt
	})
}

// RequestReindex asks a running worker to reindex up to limit records and
// waits for that worker's reply or for ctx to end. It fails with
// nats.ErrNoResponders when no worker is listening.
func RequestReindex(ctx context.Context, nc *nats.Conn, limit int, logger *slog.Logger) (Completed, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("index: requesting reindex", "subject", RequestSubject, "limit", limit)
	return natsutil.Request[Request, Completed](ctx, nc, RequestSubject, Request{Limit: limit})
}
