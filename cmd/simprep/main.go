package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ensimu-ai/simprep"
	"github.com/ensimu-ai/simprep/channel"
	"github.com/ensimu-ai/simprep/steps"
	"github.com/ensimu-ai/simprep/store"
	"github.com/ensimu-ai/simprep/wire"
	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	var err error
	switch command {
	case "run":
		err = runCommand(args)
	case "resume":
		err = resumeCommand(args)
	case "respond":
		err = respondCommand(args)
	case "status":
		err = statusCommand(args)
	case "serve":
		err = serveCommand(args)
	default:
		color.Red("Unknown command: %s", command)
		usage()
		os.Exit(1)
	}
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `simprep - durable CAE preprocessing workflows

Usage: %s <command> [options]

Commands:
  run       Start a new workflow and run it to completion or pause
  resume    Resume a workflow that is paused for review
  respond   Submit a reviewer decision for a pending checkpoint
  status    Show the latest state of a workflow thread
  serve     Run the websocket server with live progress updates

Store configuration (environment):
  SIMPREP_STORE          memory | sqlite | postgres (default: sqlite)
  SIMPREP_SQLITE_PATH    sqlite database path (default: simprep.db)
  SIMPREP_DATABASE_URL   postgres connection string

`, os.Args[0])
}

func runCommand(args []string) error {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	project := flags.String("project", "", "Project ID (required)")
	pipelineFile := flags.String("pipeline", "", "Path to a YAML pipeline definition (optional)")
	logsDir := flags.String("logs", "", "Directory to store step audit logs (optional)")
	verbose := flags.Bool("verbose", false, "Enable verbose logging")
	var inputFlags stringSlice
	flags.Var(&inputFlags, "input", "Payload entry in format key=value (can be used multiple times)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *project == "" {
		return fmt.Errorf("-project is required")
	}

	payload, err := parseInputs(inputFlags)
	if err != nil {
		return err
	}

	ctx := context.Background()
	engine, st, err := buildEngine(ctx, *pipelineFile, *logsDir, *verbose, nil)
	if err != nil {
		return err
	}
	defer closeStore(st)

	color.Green("Starting workflow for project %s...", *project)
	threadID, err := engine.Start(ctx, *project, payload)
	if threadID != "" {
		color.Cyan("Thread: %s", threadID)
	}
	if err != nil {
		return err
	}
	return showStatus(ctx, engine, threadID)
}

func resumeCommand(args []string) error {
	flags := flag.NewFlagSet("resume", flag.ExitOnError)
	pipelineFile := flags.String("pipeline", "", "Path to a YAML pipeline definition (optional)")
	verbose := flags.Bool("verbose", false, "Enable verbose logging")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: resume <thread-id>")
	}
	threadID := flags.Arg(0)

	ctx := context.Background()
	engine, st, err := buildEngine(ctx, *pipelineFile, "", *verbose, nil)
	if err != nil {
		return err
	}
	defer closeStore(st)

	if err := engine.Resume(ctx, threadID); err != nil {
		return err
	}
	return showStatus(ctx, engine, threadID)
}

func respondCommand(args []string) error {
	flags := flag.NewFlagSet("respond", flag.ExitOnError)
	approve := flags.Bool("approve", false, "Approve the checkpoint")
	reject := flags.Bool("reject", false, "Reject the checkpoint")
	feedback := flags.String("feedback", "", "Reviewer feedback")
	pipelineFile := flags.String("pipeline", "", "Path to a YAML pipeline definition (optional)")
	verbose := flags.Bool("verbose", false, "Enable verbose logging")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: respond [-approve|-reject] <checkpoint-id>")
	}
	if *approve == *reject {
		return fmt.Errorf("exactly one of -approve or -reject is required")
	}
	checkpointID := flags.Arg(0)

	ctx := context.Background()
	engine, st, err := buildEngine(ctx, *pipelineFile, "", *verbose, nil)
	if err != nil {
		return err
	}
	defer closeStore(st)

	threadID, err := engine.HITL().Respond(ctx, checkpointID, *approve, *feedback)
	if err != nil {
		return err
	}
	color.Green("Response recorded for %s", checkpointID)
	return showStatus(ctx, engine, threadID)
}

func statusCommand(args []string) error {
	flags := flag.NewFlagSet("status", flag.ExitOnError)
	asJSON := flags.Bool("json", false, "Output status as JSON")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: status <thread-id>")
	}
	threadID := flags.Arg(0)

	ctx := context.Background()
	engine, st, err := buildEngine(ctx, "", "", false, nil)
	if err != nil {
		return err
	}
	defer closeStore(st)

	if *asJSON {
		summary, err := engine.Status(ctx, threadID)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	return showStatus(ctx, engine, threadID)
}

func serveCommand(args []string) error {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := flags.String("addr", ":8080", "Listen address")
	pipelineFile := flags.String("pipeline", "", "Path to a YAML pipeline definition (optional)")
	logsDir := flags.String("logs", "", "Directory to store step audit logs (optional)")
	expiryInterval := flags.Duration("expiry-interval", time.Minute, "How often to sweep timed-out checkpoints")
	if err := flags.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	logger := simprep.NewLogger()

	hub := channel.NewHub(channel.HubOptions{Logger: logger})
	engine, st, err := buildEngine(ctx, *pipelineFile, *logsDir, true, hub)
	if err != nil {
		return err
	}
	defer closeStore(st)

	hub.Handle(wire.TypeHITLResponseSubmitted, func(ctx context.Context, ch *channel.Channel, msg *wire.Message) {
		response, err := simprep.ParseHITLResponse(msg.Data)
		if err != nil {
			ch.Send(wire.Encode(wire.TypeError, map[string]any{
				"error":        "Message validation failed",
				"details":      err.Error(),
				"message_type": wire.TypeHITLResponseSubmitted,
			}))
			return
		}
		if _, err := engine.HITL().Respond(ctx, response.CheckpointID, response.Approved, response.Feedback); err != nil {
			ch.Send(wire.Encode(wire.TypeError, map[string]any{
				"error":        err.Error(),
				"message_type": wire.TypeHITLResponseSubmitted,
			}))
		}
	})

	// Background sweep for review checkpoints nobody answered.
	go func() {
		ticker := time.NewTicker(*expiryInterval)
		defer ticker.Stop()
		for range ticker.C {
			if n, err := engine.HITL().ExpireOverdue(ctx); err != nil {
				logger.Error("expiry sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("expired review checkpoints", "count", n)
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/ws", channel.NewServer(hub, logger))
	mux.Handle("/metrics", promhttp.Handler())

	color.Green("Listening on %s", *addr)
	return http.ListenAndServe(*addr, mux)
}

// buildEngine wires the engine from the environment store config. The
// hub, when provided, receives live workflow events.
func buildEngine(ctx context.Context, pipelineFile, logsDir string, verbose bool, hub *channel.Hub) (*simprep.Engine, store.Store, error) {
	st, err := simprep.ConfigFromEnv().Open(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to open checkpoint store: %w", err)
	}

	pipeline := simprep.DefaultPipeline()
	if pipelineFile != "" {
		pipeline, err = simprep.LoadPipelineFile(pipelineFile)
		if err != nil {
			closeStore(st)
			return nil, nil, err
		}
	}

	registry := simprep.NewRegistry()
	for _, executor := range steps.All() {
		if err := registry.Register(executor); err != nil {
			closeStore(st)
			return nil, nil, err
		}
	}

	var stepLogger simprep.StepLogger
	if logsDir != "" {
		stepLogger = simprep.NewFileStepLogger(logsDir)
	} else {
		stepLogger = simprep.NewNullStepLogger()
	}

	logger := simprep.NewLogger()
	if !verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	var callbacks simprep.Callbacks
	var metrics *simprep.Metrics
	var hitl *simprep.HITLManager
	if hub != nil {
		callbacks = simprep.NewBroadcaster(hub)
		metrics = simprep.NewMetrics(prometheus.DefaultRegisterer)
		hitl, err = simprep.NewHITLManager(simprep.HITLOptions{
			Store:     st,
			Logger:    logger,
			Metrics:   metrics,
			Publisher: hub,
		})
		if err != nil {
			closeStore(st)
			return nil, nil, err
		}
	}

	engine, err := simprep.NewEngine(simprep.Options{
		Pipeline:   pipeline,
		Registry:   registry,
		Store:      st,
		HITL:       hitl,
		Logger:     logger,
		StepLogger: stepLogger,
		Callbacks:  callbacks,
		Metrics:    metrics,
	})
	if err != nil {
		closeStore(st)
		return nil, nil, err
	}
	return engine, st, nil
}

func showStatus(ctx context.Context, engine *simprep.Engine, threadID string) error {
	summary, err := engine.Status(ctx, threadID)
	if err != nil {
		return err
	}
	color.Cyan("Thread:   %s", summary.ThreadID)
	color.Cyan("Workflow: %s", summary.WorkflowID)
	switch summary.Status {
	case simprep.StatusCompleted:
		color.Green("Status:   %s", summary.Status)
	case simprep.StatusFailed:
		color.Red("Status:   %s", summary.Status)
	case simprep.StatusPausedForReview:
		color.Yellow("Status:   %s (current step: %s)", summary.Status, summary.CurrentStep)
	default:
		color.White("Status:   %s (current step: %s)", summary.Status, summary.CurrentStep)
	}
	color.White("Progress: %d%%", summary.ProgressPercent)
	if summary.Status == simprep.StatusPausedForReview {
		if pending, err := engine.HITL().Pending(ctx, threadID); err == nil {
			color.Yellow("Pending:  %s (%s)", pending.CheckpointID, pending.CheckpointType)
			for _, recommendation := range pending.Recommendations {
				color.Yellow("  - %s", recommendation)
			}
		}
	}
	if len(summary.CompletedSteps) > 0 {
		color.White("Completed: %s", strings.Join(summary.CompletedSteps, ", "))
	}
	if summary.ErrorCount > 0 {
		color.Red("Errors:   %d", summary.ErrorCount)
	}
	if summary.WarningCount > 0 {
		color.Yellow("Warnings: %d", summary.WarningCount)
	}
	return nil
}

func closeStore(st store.Store) {
	if closer, ok := st.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			log.Printf("error closing store: %v", err)
		}
	}
}

func parseInputs(inputs stringSlice) (map[string]any, error) {
	payload := map[string]any{}
	for _, input := range inputs {
		parts := strings.SplitN(input, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid input format %q, use key=value", input)
		}
		key, value := parts[0], parts[1]

		// Try to parse as JSON, fallback to string
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		payload[key] = parsed
	}
	return payload, nil
}

// Custom flag type for handling multiple input values
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}
