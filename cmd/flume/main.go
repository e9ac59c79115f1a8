package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/flumeworks/flume/common/checkpoint"
	"github.com/flumeworks/flume/common/config"
	"github.com/flumeworks/flume/common/db"
	"github.com/flumeworks/flume/common/executor"
	"github.com/flumeworks/flume/common/graph"
	"github.com/flumeworks/flume/common/httpguard"
	"github.com/flumeworks/flume/common/logger"
	"github.com/flumeworks/flume/common/models"
	"github.com/flumeworks/flume/common/recovery"
	"github.com/flumeworks/flume/common/sandbox"
	"github.com/flumeworks/flume/common/scheduler"
	"github.com/flumeworks/flume/common/store"
)

// Exit codes. Scripts branch on these, so they are part of the CLI's
// contract.
const (
	exitOK         = 0
	exitValidation = 1
	exitExecution  = 2
	exitRecovery   = 3
)

const usageText = `flume - run workflow documents locally

Usage:
  flume run <file> [-input k=v] [-input @file.json]
  flume validate <file>
  flume resume <executionId>

Commands:
  run       Execute a workflow document and wait for it to settle.
  validate  Check a workflow document without running it.
  resume    Recover an interrupted execution from its last checkpoint
            (requires DATABASE_URL).

Exit codes:
  0  success
  1  validation failure
  2  execution failure
  3  recovery failure

Runs are kept in memory unless DATABASE_URL is set; node outputs are
externalized to Redis when REDIS_HOST is set.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(exitValidation)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(cmdRun(os.Args[2:]))
	case "validate":
		os.Exit(cmdValidate(os.Args[2:]))
	case "resume":
		os.Exit(cmdResume(os.Args[2:]))
	case "help", "-h", "--help":
		fmt.Print(usageText)
		os.Exit(exitOK)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(exitValidation)
	}
}

// inputFlags collects repeated -input arguments.
type inputFlags []string

func (f *inputFlags) String() string { return strings.Join(*f, ",") }

func (f *inputFlags) Set(v string) error {
	*f = append(*f, v)
	return nil
}

func cmdValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: flume validate <file>")
		return exitValidation
	}

	document, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read %s: %v\n", fs.Arg(0), err)
		return exitValidation
	}

	wf, err := graph.Parse(document)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		return exitValidation
	}

	g, err := graph.Build(wf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		return exitValidation
	}

	fmt.Printf("valid: %s (%d nodes, %d edges)\n", wf.ID, g.NodeCount(), len(wf.Edges))
	return exitOK
}

func cmdRun(args []string) int {
	var inputs inputFlags
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fs.Var(&inputs, "input", "input value as k=v, or @file.json for a whole object (repeatable)")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: flume run <file> [-input k=v] [-input @file.json]")
		return exitValidation
	}

	document, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read %s: %v\n", fs.Arg(0), err)
		return exitValidation
	}

	wf, err := graph.Parse(document)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		return exitValidation
	}

	input, err := buildInput(inputs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid input: %v\n", err)
		return exitValidation
	}

	ctx := context.Background()
	env, err := setupEnv(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup failed: %v\n", err)
		return exitExecution
	}
	defer env.close()

	exec, err := env.engine.Run(ctx, wf, input, scheduler.RunOpts{
		TriggerMeta: map[string]any{"triggerType": "manual", "source": "cli"},
	})
	if err != nil {
		if models.KindOf(err) == models.ErrValidation {
			fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
			return exitValidation
		}
		fmt.Fprintf(os.Stderr, "execution failed to start: %v\n", err)
		return exitExecution
	}

	return report(exec, env.durable)
}

func cmdResume(args []string) int {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: flume resume <executionId>")
		return exitRecovery
	}
	executionID := fs.Arg(0)

	if os.Getenv("DATABASE_URL") == "" {
		fmt.Fprintln(os.Stderr, "resume needs the checkpoint store: set DATABASE_URL")
		return exitRecovery
	}

	ctx := context.Background()
	env, err := setupEnv(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup failed: %v\n", err)
		return exitRecovery
	}
	defer env.close()

	planner := recovery.NewPlanner(env.store, env.cas, env.log)
	plan, err := planner.Plan(ctx, executionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "recovery failed: %v\n", err)
		return exitRecovery
	}

	fmt.Printf("recovering %s: %d/%d nodes completed, ready %v\n",
		executionID, len(plan.Checkpoint.Completed), len(plan.Workflow.Nodes), plan.Ready)

	exec, err := planner.Resume(ctx, env.engine, plan)
	if err != nil {
		fmt.Fprintf(os.Stderr, "recovery failed: %v\n", err)
		return exitRecovery
	}

	if err := env.engine.AwaitQuiescence(ctx, exec.ID); err != nil {
		fmt.Fprintf(os.Stderr, "recovery interrupted: %v\n", err)
		return exitRecovery
	}

	return report(exec, env.durable)
}

// runEnv holds the store, CAS, and engine assembled for one CLI command.
type runEnv struct {
	store   store.Store
	cas     store.CAS
	engine  *scheduler.Engine
	log     *logger.Logger
	durable bool
	close   func()
}

// setupEnv assembles an in-process engine. DATABASE_URL switches the
// store to Postgres and REDIS_HOST switches the CAS to Redis; with
// neither set everything stays in memory.
func setupEnv(ctx context.Context) (*runEnv, error) {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "warn"
	}
	log := logger.New(level, os.Getenv("LOG_FORMAT"))

	cfg, err := config.Load("flume")
	if err != nil {
		return nil, err
	}

	env := &runEnv{log: log, close: func() {}}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		database, err := db.NewFromURL(ctx, url, log)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		pg := store.NewPostgresStore(database, log)
		if err := pg.Migrate(ctx); err != nil {
			database.Close()
			return nil, fmt.Errorf("migrate execution store: %w", err)
		}
		env.store = pg
		env.durable = true
		env.close = database.Close
	} else {
		env.store = store.NewMemoryStore()
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		env.cas = store.NewRedisCAS(client, log)
	} else {
		env.cas = store.NewMemoryCAS()
	}

	writer := checkpoint.NewStoreWriter(env.store, env.cas, cfg.Engine.InlineThreshold, log)

	// CLI runs execute the operator's own documents against their own
	// network, so private addresses stay reachable.
	registry := executor.NewRegistry(executor.RegistryOpts{
		Defaults: executor.Defaults{
			NodeTimeout:   cfg.Engine.DefaultNodeTimeout,
			ScriptTimeout: cfg.Engine.ScriptTimeout,
			WaitTimeout:   cfg.Engine.WaitTimeout,
			MaxStatements: int64(cfg.Engine.ScriptMaxStatements),
		},
		Guard:  httpguard.NewURLValidator(httpguard.Opts{AllowPrivate: true}),
		Logger: log,
	})

	pool := sandbox.NewPool(sandbox.PoolOpts{
		Size:           cfg.Engine.ScriptPoolSize,
		HardCap:        cfg.Engine.ScriptPoolHardCap,
		DefaultTimeout: cfg.Engine.ScriptTimeout,
		Logger:         log,
	})

	env.engine = scheduler.New(scheduler.Opts{
		Registry: registry,
		Writer:   writer,
		Sandbox:  pool,
		Config:   cfg.Engine,
		Logger:   log,
	})
	return env, nil
}

// report prints the settled execution and maps its status to an exit
// code. Suspended runs print their open tickets; they are not failures.
func report(exec *models.Execution, durable bool) int {
	results := exec.Results.Snapshot()

	summary := map[string]any{
		"executionId": exec.ID,
		"workflowId":  exec.WorkflowID,
		"status":      exec.Status,
		"nodes":       results,
	}
	if exec.ErrorMessage != "" {
		summary["error"] = exec.ErrorMessage
	}
	encoded, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to render result: %v\n", err)
		return exitExecution
	}
	fmt.Println(string(encoded))

	switch exec.Status {
	case models.ExecutionCompleted:
		return exitOK
	case models.ExecutionWaiting:
		for _, res := range results {
			if res.Status == models.NodeWaiting {
				ticket, _ := res.Output["waitTicket"].(string)
				fmt.Fprintf(os.Stderr, "suspended: node %s is waiting on ticket %s\n", res.NodeID, ticket)
			}
		}
		if !durable {
			fmt.Fprintln(os.Stderr, "note: in-memory run; the suspension is lost when this process exits")
		}
		return exitOK
	default:
		return exitExecution
	}
}

// buildInput folds -input arguments into the execution input. Values
// that parse as JSON keep their type; everything else stays a string.
func buildInput(values inputFlags) (map[string]any, error) {
	input := map[string]any{}
	for _, raw := range values {
		if strings.HasPrefix(raw, "@") {
			data, err := os.ReadFile(raw[1:])
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", raw[1:], err)
			}
			loaded := map[string]any{}
			if err := json.Unmarshal(data, &loaded); err != nil {
				return nil, fmt.Errorf("%s must hold a JSON object: %w", raw[1:], err)
			}
			for k, v := range loaded {
				input[k] = v
			}
			continue
		}

		key, value, found := strings.Cut(raw, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("%q is not k=v or @file.json", raw)
		}
		var typed any
		if err := json.Unmarshal([]byte(value), &typed); err == nil {
			input[key] = typed
		} else {
			input[key] = value
		}
	}
	return input, nil
}
