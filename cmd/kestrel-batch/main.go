// Batch tool for scoring a CSV table of transactions offline.
//
// Usage:
//
//	kestrel-batch -in transactions.csv -out decisions.csv
//
// This tool:
//  1. Reads a CSV table with one transaction per row
//  2. Evaluates every row with the configured risk engine
//  3. Writes the input columns plus decision, risk_score and reasons
//  4. Prints a decision summary to stderr
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/batch"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/evaluator"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func main() {
	inPath := flag.String("in", "-", "input CSV file (- for stdin)")
	outPath := flag.String("out", "-", "output CSV file (- for stdout)")
	configPath := flag.String("config", "kestrel.yaml", "path to the YAML configuration file")
	workers := flag.Int("workers", 0, "concurrent evaluations (0 uses the configured value)")
	strict := flag.Bool("strict", false, "fail on the first invalid row")
	save := flag.Bool("save", false, "record every evaluation in the configured audit log")
	flag.Parse()

	if err := run(*inPath, *outPath, *configPath, *workers, *strict, *save); err != nil {
		fmt.Fprintf(os.Stderr, "kestrel-batch: %v\n", err)
		os.Exit(1)
	}
}

func run(inPath, outPath, configPath string, workers int, strict, save bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Logs go to stderr so stdout stays a clean CSV stream.
	slog.SetDefault(config.NewLogger(cfg.Logging, os.Stderr))

	eval, err := evaluator.New(cfg.Engine)
	if err != nil {
		return err
	}

	var repo domain.Repository
	if save {
		repo, err = repository.New(cfg.Repository)
		if err != nil {
			return fmt.Errorf("audit log: %w", err)
		}
		if repo != nil {
			defer repo.Close()
		}
	}

	if workers <= 0 {
		workers = cfg.Batch.Workers
	}
	runner := batch.NewRunner(pipeline.New(eval, nil, repo),
		batch.WithWorkers(workers),
		batch.WithStrict(strict || cfg.Batch.Strict),
	)

	in, closeIn, err := openInput(inPath)
	if err != nil {
		return err
	}
	defer closeIn()

	out, closeOut, err := openOutput(outPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	start := time.Now()
	summary, err := runner.Run(ctx, in, out)
	if cerr := closeOut(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	printSummary(summary, eval.Version(), time.Since(start))
	return nil
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "-" || path == "" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return f, func() { f.Close() }, nil
}

func openOutput(path string) (io.Writer, func() error, error) {
	if path == "-" || path == "" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output: %w", err)
	}
	return f, f.Close, nil
}

func printSummary(s *batch.Summary, configVersion string, elapsed time.Duration) {
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "╔══════════════════════════════════════════╗")
	fmt.Fprintln(os.Stderr, "║            KESTREL BATCH RESULTS         ║")
	fmt.Fprintln(os.Stderr, "╚══════════════════════════════════════════╝")
	fmt.Fprintf(os.Stderr, "  Config:     %s\n", configVersion)
	fmt.Fprintf(os.Stderr, "  Rows:       %d\n", s.Rows)
	fmt.Fprintf(os.Stderr, "  Accepted:   %d\n", s.Accepted)
	fmt.Fprintf(os.Stderr, "  In review:  %d\n", s.InReview)
	fmt.Fprintf(os.Stderr, "  Rejected:   %d\n", s.Rejected)
	fmt.Fprintf(os.Stderr, "  Invalid:    %d\n", s.Invalid)
	fmt.Fprintf(os.Stderr, "  Elapsed:    %s\n", elapsed.Round(time.Millisecond))
	fmt.Fprintln(os.Stderr)
}
