// Command reindex rebuilds the vector index from source records. By default
// it runs once and exits. With -worker it serves reindex requests from NATS
// until interrupted; with -request it asks a running worker to reindex and
// waits for the outcome.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/taskrecall/recall/engine/app"
	"github.com/taskrecall/recall/engine/domain"
	"github.com/taskrecall/recall/engine/index"
	"github.com/taskrecall/recall/pkg/config"
)

type options struct {
	limit   int
	reset   bool
	worker  bool
	request bool
	timeout time.Duration
}

func (o options) validate() error {
	switch {
	case o.worker && o.request:
		return errors.New("-worker and -request cannot be combined")
	case o.request && o.reset:
		return errors.New("-reset is not supported with -request")
	case o.limit < 0:
		return errors.New("-limit must be >= 0")
	}
	return nil
}

func main() {
	var o options
	flag.IntVar(&o.limit, "limit", 0, "reindex at most this many recent records (0 = all)")
	flag.BoolVar(&o.reset, "reset", false, "delete the collection before reindexing")
	flag.BoolVar(&o.worker, "worker", false, "serve reindex requests from NATS")
	flag.BoolVar(&o.request, "request", false, "ask a running worker to reindex via NATS")
	flag.DurationVar(&o.timeout, "timeout", 5*time.Minute, "how long -request waits for completion")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(log)

	if err := o.validate(); err != nil {
		log.Error("invalid flags", "error", err)
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, o, log); err != nil {
		log.Error("reindex failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, o options, log *slog.Logger) error {
	if o.request {
		nc, err := connect(cfg)
		if err != nil {
			return err
		}
		defer nc.Close()
		return request(ctx, nc, o.limit, o.timeout, log)
	}

	comps, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer comps.Close()

	if o.reset {
		if err := comps.Store.DeleteCollection(ctx); err != nil {
			if st, _ := domain.UpstreamStatus(err); st != http.StatusNotFound {
				return err
			}
		}
		log.Info("collection reset", "collection", comps.Store.Collection())
	}
	if err := comps.Store.EnsureCollection(ctx); err != nil {
		return err
	}

	if o.worker {
		nc, err := connect(cfg)
		if err != nil {
			return err
		}
		defer nc.Close()
		return serve(ctx, nc, comps.Index, log)
	}

	start := time.Now()
	res, err := comps.Index.Run(ctx, o.limit)
	if err != nil {
		return err
	}
	log.Info("reindex complete", "indexed", res.Indexed, "duration", time.Since(start))
	return nil
}

func connect(cfg *config.Config) (*nats.Conn, error) {
	if cfg.NATSURL == "" {
		return nil, errors.New("NATS_URL is not set")
	}
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("recall-reindex"))
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.NATSURL, err)
	}
	return nc, nil
}

// serve runs the reindex worker until ctx ends.
func serve(ctx context.Context, nc *nats.Conn, p *index.Pipeline, log *slog.Logger) error {
	sub, err := index.StartWorker(nc, p)
	if err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	log.Info("reindex worker listening", "subject", index.RequestSubject, "queue", index.WorkerQueue)
	<-ctx.Done()
	log.Info("shutting down")
	return sub.Drain()
}

// request asks a worker to reindex and reports its outcome.
func request(ctx context.Context, nc *nats.Conn, limit int, timeout time.Duration, log *slog.Logger) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	evt, err := index.RequestReindex(ctx, nc, limit, log)
	if errors.Is(err, nats.ErrNoResponders) {
		return fmt.Errorf("no reindex worker is listening on %s: %w", index.RequestSubject, err)
	}
	if err != nil {
		return fmt.Errorf("waiting for worker: %w", err)
	}
	if evt.Error != "" {
		return fmt.Errorf("worker: %s", evt.Error)
	}
	log.Info("reindex complete", "indexed", evt.Indexed, "duration_ms", evt.DurationMs)
	return nil
}
