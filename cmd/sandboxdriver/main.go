// Package main is the sandboxdriver binary: the detached process spawned by
// the LocalHost backend to run one user's persistent code-execution
// environment.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arborworks/agentloop/internal/sandbox/driver"
)

func main() {
	dataDir := flag.String("data-dir", "", "root directory for this process's request/response files")
	requestFile := flag.String("request-file", "", "path to the append-only REQ file (defaults to <data-dir>/stdin.txt)")
	responseDir := flag.String("response-dir", "", "directory RES/<command_id> files are written under (defaults to data-dir)")
	pollInterval := flag.Duration("poll-interval", 100*time.Millisecond, "tail-poll interval on an empty request file")
	idleDeadline := flag.Duration("idle-deadline", 0, "exit once this long has passed since the last command (0 disables)")
	overallDeadline := flag.Duration("overall-deadline", 0, "exit this long after start regardless of activity (0 disables)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	d := driver.New(driver.Config{
		DataDir:         *dataDir,
		RequestFile:     *requestFile,
		ResponseDir:     *responseDir,
		PollInterval:    *pollInterval,
		IdleDeadline:    *idleDeadline,
		OverallDeadline: *overallDeadline,
	}, logger)

	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("sandboxdriver: run failed", "error", err)
		os.Exit(1)
	}
}
