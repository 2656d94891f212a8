// Command ask answers questions about indexed records from the terminal.
// Questions come from the arguments, or one per line on stdin when there
// are none. With -search it prints the closest records without generating
// an answer.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/taskrecall/recall/engine/app"
	"github.com/taskrecall/recall/engine/domain"
	"github.com/taskrecall/recall/engine/rag"
	"github.com/taskrecall/recall/pkg/config"
)

type asker interface {
	Search(ctx context.Context, query string, limit int) ([]domain.Match, error)
	Ask(ctx context.Context, question string, limit int) (*rag.AskResult, error)
}

type session struct {
	svc        asker
	limit      int
	searchOnly bool
	asJSON     bool
	out        io.Writer
}

func main() {
	var s session
	flag.IntVar(&s.limit, "limit", domain.DefaultLimit, "number of records to retrieve")
	flag.BoolVar(&s.searchOnly, "search", false, "print matches only, no generated answer")
	flag.BoolVar(&s.asJSON, "json", false, "print raw JSON responses")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comps, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("build engine", "error", err)
		os.Exit(1)
	}
	defer comps.Close()

	s.svc = comps.RAG
	s.out = os.Stdout

	if q := strings.Join(flag.Args(), " "); q != "" {
		err = s.handle(ctx, q)
	} else {
		err = s.repl(ctx, os.Stdin)
	}
	if err != nil {
		logger.Error("ask failed", "error", err)
		os.Exit(1)
	}
}

// repl answers one question per non-blank input line until EOF. A failed
// question is reported and the loop continues.
func (s *session) repl(ctx context.Context, in io.Reader) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := s.handle(ctx, line); err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
	}
	return sc.Err()
}

func (s *session) handle(ctx context.Context, q string) error {
	if s.searchOnly {
		matches, err := s.svc.Search(ctx, q, s.limit)
		if err != nil {
			return err
		}
		if s.asJSON {
			return s.writeJSON(map[string]any{"matches": matches})
		}
		s.printMatches(matches)
		return nil
	}

	res, err := s.svc.Ask(ctx, q, s.limit)
	if err != nil {
		return err
	}
	if s.asJSON {
		return s.writeJSON(res)
	}
	fmt.Fprintln(s.out, res.Answer)
	fmt.Fprintln(s.out)
	s.printMatches(res.Sources)
	fmt.Fprintf(s.out, "model=%s tokens=%d cost=$%.6f\n\n", res.Usage.Model, res.Usage.TotalTokens, res.Usage.CostUSD)
	return nil
}

func (s *session) printMatches(matches []domain.Match) {
	if len(matches) == 0 {
		fmt.Fprintln(s.out, "no matches")
		return
	}
	for i, m := range matches {
		fmt.Fprintf(s.out, "[%d] %.3f %s (%s)\n", i+1, m.Score, m.Title(), m.ID)
	}
}

func (s *session) writeJSON(v any) error {
	enc := json.NewEncoder(s.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
