// Package main runs one sync pass in the foreground: a full population, an incremental delta,
// a gap-fill, a resume of an interrupted run, or a detector backfill over stored entities.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/registry-scanner/internal/app"
	"github.com/registry-scanner/internal/config"
	"github.com/registry-scanner/internal/logging"
	"github.com/registry-scanner/internal/models"
)

func main() {
	var (
		mode          = flag.String("mode", "incremental", "Run mode: full, incremental, gapfill, resume, detect")
		jurisdictions = flag.String("jurisdictions", "", "Comma-separated jurisdiction codes (default: all configured)")
		from          = flag.String("from", "", "Registration date lower bound, YYYY-MM-DD (full only)")
		to            = flag.String("to", "", "Registration date upper bound, YYYY-MM-DD (full only)")
		since         = flag.String("since", "", "Modified-since bound, RFC 3339 or YYYY-MM-DD (incremental only)")
		runID         = flag.String("run", "", "Run ID to resume (resume only)")
		timeout       = flag.Duration("timeout", 0, "Abort the run after this long (0 = no limit)")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithFields(map[string]interface{}{
		"component": "backfill",
		"mode":      *mode,
	})
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}
	ctx = logging.WithLogger(ctx, logger)

	a, err := app.Initialize(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize")
	}

	result, err := run(ctx, a, *mode, options{
		jurisdictions: splitCodes(*jurisdictions),
		from:          *from,
		to:            *to,
		since:         *since,
		runID:         *runID,
	})
	a.Close()

	if result != nil {
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
	}
	if err != nil {
		logger.WithError(err).Error("Backfill failed")
		os.Exit(1)
	}
}

type options struct {
	jurisdictions []string
	from, to      string
	since         string
	runID         string
}

func run(ctx context.Context, a *app.App, mode string, opts options) (interface{}, error) {
	orch := a.Orchestrator

	switch mode {
	case "full":
		domain := models.Domain{Jurisdictions: opts.jurisdictions}
		var err error
		if domain.From, err = parseDate(opts.from); err != nil {
			return nil, fmt.Errorf("invalid -from: %w", err)
		}
		if domain.To, err = parseDate(opts.to); err != nil {
			return nil, fmt.Errorf("invalid -to: %w", err)
		}
		return orch.RunFullPopulation(ctx, domain)

	case "incremental":
		var sincePtr *time.Time
		if opts.since != "" {
			t, err := parseDate(opts.since)
			if err != nil {
				return nil, fmt.Errorf("invalid -since: %w", err)
			}
			sincePtr = &t
		}
		return orch.RunIncrementalDelta(ctx, sincePtr, opts.jurisdictions...)

	case "gapfill":
		return orch.RunGapFill(ctx, nil)

	case "resume":
		if opts.runID == "" {
			return nil, fmt.Errorf("-run is required for resume")
		}
		return orch.ResumeRun(ctx, opts.runID)

	case "detect":
		return a.Detector.Backfill(ctx)

	default:
		return nil, fmt.Errorf("unknown mode: %s", mode)
	}
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateOnly, s)
}

func splitCodes(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToUpper(part))
		}
	}
	return out
}
