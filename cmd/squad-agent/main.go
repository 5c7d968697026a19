// Command squad-agent is the in-sandbox agent runtime. The control plane
// launches one process per agent run:
//
//	squad-agent --agentId <uuid> --agentType <director|specialist> \
//	    [--specialization <researcher|writer|analyst|general>] [--parentId <uuid>]
//
// The task body arrives through the AGENT_TASK environment variable, never
// on the command line. Exits 0 on success, 1 on any fatal error.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/squadlite/squadlite/internal/common/config"
	"github.com/squadlite/squadlite/internal/common/logger"
	"github.com/squadlite/squadlite/internal/common/tracing"
	"github.com/squadlite/squadlite/internal/coordination"
	"github.com/squadlite/squadlite/internal/llm"
	"github.com/squadlite/squadlite/internal/runtime"
	storemongo "github.com/squadlite/squadlite/internal/store/mongo"
)

const heartbeatInterval = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var (
		agentID        = flag.String("agentId", "", "agent record id")
		agentType      = flag.String("agentType", "", "director or specialist")
		specialization = flag.String("specialization", "", "specialist role")
		parentID       = flag.String("parentId", "", "parent director id")
	)
	flag.Parse()

	if *agentID == "" || *agentType == "" {
		fmt.Fprintln(os.Stderr, "squad-agent: --agentId and --agentType are required")
		return 1
	}
	if *agentType != "director" && *agentType != "specialist" {
		fmt.Fprintf(os.Stderr, "squad-agent: unknown agent type %q\n", *agentType)
		return 1
	}
	task := os.Getenv("AGENT_TASK")
	if task == "" {
		fmt.Fprintln(os.Stderr, "squad-agent: AGENT_TASK is required")
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "squad-agent: failed to load configuration: %v\n", err)
		return 1
	}

	// Logs go to stderr; stdout is reserved for the sentinel protocol.
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "squad-agent: failed to initialize logger: %v\n", err)
		return 1
	}
	defer log.Sync()
	defer tracing.Shutdown(context.Background())
	log = log.WithAgentID(*agentID)
	log.Info("Agent runtime starting",
		zap.String("type", *agentType),
		zap.String("specialization", *specialization),
		zap.String("parent_id", *parentID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mongoStore, err := storemongo.Connect(ctx, cfg.Mongo, log)
	if err != nil {
		log.Error("Failed to connect to MongoDB", zap.Error(err))
		return 1
	}
	defer mongoStore.Close(context.Background())

	svc := coordination.NewService(mongoStore, log)

	provider, err := llm.NewAnthropicProvider(cfg.LLM, log)
	if err != nil {
		log.Error("Failed to create LLM provider", zap.Error(err))
		return 1
	}

	go heartbeatLoop(ctx, svc, *agentID, log)

	runner := runtime.NewRunner(svc, provider, cfg, os.Stdout, log)
	if err := runner.Run(ctx, *agentID, task); err != nil {
		log.Error("Agent run failed", zap.Error(err))
		return 1
	}
	return 0
}

func heartbeatLoop(ctx context.Context, svc *coordination.Service, agentID string, log *logger.Logger) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := svc.Heartbeat(ctx, agentID); err != nil {
				log.Warn("Heartbeat failed", zap.Error(err))
			}
		}
	}
}
