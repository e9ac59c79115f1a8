package container

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flumeworks/flume/common/bootstrap"
	"github.com/flumeworks/flume/common/checkpoint"
	"github.com/flumeworks/flume/common/cron"
	"github.com/flumeworks/flume/common/executor"
	"github.com/flumeworks/flume/common/graph"
	"github.com/flumeworks/flume/common/httpguard"
	"github.com/flumeworks/flume/common/ratelimit"
	"github.com/flumeworks/flume/common/recovery"
	"github.com/flumeworks/flume/common/repository"
	"github.com/flumeworks/flume/common/sandbox"
	"github.com/flumeworks/flume/common/scheduler"
	"github.com/flumeworks/flume/common/store"
	"github.com/flumeworks/flume/common/validation"
)

// TopicLaunchRequests is the queue topic carrying accepted launch
// requests from the API layer to the engine consumer.
const TopicLaunchRequests = "launch_requests"

// LaunchRequest is the envelope published for every accepted launch.
// The API responds 202 once the request is queued; the consumer hands
// it to the engine, which makes the execution durable.
type LaunchRequest struct {
	ExecutionID string                 `json:"executionId"`
	TenantID    string                 `json:"tenantId"`
	Workflow    json.RawMessage        `json:"workflow"`
	Input       map[string]interface{} `json:"input,omitempty"`
	TriggerMeta map[string]interface{} `json:"triggerMeta,omitempty"`
}

// Container holds all initialized engine components (singleton pattern)
type Container struct {
	Components *bootstrap.Components

	// Persistence
	Store   store.Store
	CAS     store.CAS
	Catalog repository.WorkflowCatalog

	// Engine
	Writer  checkpoint.Writer
	Sandbox *sandbox.Pool
	Engine  *scheduler.Engine
	Sweeper *scheduler.WaitSweeper
	Cron    *cron.Dispatcher
	Planner *recovery.Planner

	// API support
	Limiter   *ratelimit.RateLimiter
	Validator *validation.PayloadValidator

	workflowRepo *repository.WorkflowRepository
}

// NewContainer initializes all engine components once (bottom-up:
// dependencies first). flumed requires Postgres and Redis; bootstrap
// fails before this point when either is unreachable.
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	log := components.Logger

	// Persistence layer
	st := store.NewPostgresStore(components.DB, log)
	cas := store.NewRedisCAS(components.Redis.GetUnderlying(), log)
	workflowRepo := repository.NewWorkflowRepository(components.DB)

	// Checkpoint writer externalizes node outputs above the inline
	// threshold into the CAS
	writer := checkpoint.NewStoreWriter(st, cas, cfg.Engine.InlineThreshold, log)

	// Executor registry with the outbound HTTP guard
	guard := httpguard.NewURLValidator(httpguard.Opts{
		AllowPrivate: cfg.Engine.HTTPAllowPrivate,
	})
	registry := executor.NewRegistry(executor.RegistryOpts{
		Defaults: executor.Defaults{
			NodeTimeout:   cfg.Engine.DefaultNodeTimeout,
			ScriptTimeout: cfg.Engine.ScriptTimeout,
			WaitTimeout:   cfg.Engine.WaitTimeout,
			MaxStatements: int64(cfg.Engine.ScriptMaxStatements),
		},
		Guard:  guard,
		Logger: log,
	})

	// Script sandbox pool
	pool := sandbox.NewPool(sandbox.PoolOpts{
		Size:           cfg.Engine.ScriptPoolSize,
		HardCap:        cfg.Engine.ScriptPoolHardCap,
		DefaultTimeout: cfg.Engine.ScriptTimeout,
		Logger:         log,
	})

	// Engine with Redis-backed resume idempotency
	marker := scheduler.NewRedisTicketMarker(components.Redis.GetUnderlying())
	engine := scheduler.New(scheduler.Opts{
		Registry: registry,
		Writer:   writer,
		Sandbox:  pool,
		Config:   cfg.Engine,
		Logger:   log,
		Marker:   marker,
	})

	sweeper := scheduler.NewWaitSweeper(engine, cfg.Engine.WaitSweepInterval, log)
	dispatcher := cron.NewDispatcher(engine, log)
	planner := recovery.NewPlanner(st, cas, log)

	return &Container{
		Components:   components,
		Store:        st,
		CAS:          cas,
		Catalog:      workflowRepo,
		Writer:       writer,
		Sandbox:      pool,
		Engine:       engine,
		Sweeper:      sweeper,
		Cron:         dispatcher,
		Planner:      planner,
		Limiter:      ratelimit.NewRateLimiter(components.Redis.GetUnderlying(), log),
		Validator:    validation.NewPayloadValidator(),
		workflowRepo: workflowRepo,
	}, nil
}

// Start runs migrations, recovers interrupted executions, re-registers
// scheduled workflows from the catalog, subscribes the launch consumer,
// and starts the background loops.
func (c *Container) Start(ctx context.Context) error {
	log := c.Components.Logger

	if pg, ok := c.Store.(*store.PostgresStore); ok {
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate execution store: %w", err)
		}
	}
	if err := c.workflowRepo.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate workflow catalog: %w", err)
	}

	// Resume executions interrupted by the previous shutdown or crash
	// before accepting new traffic.
	if recovered := c.Planner.RecoverAll(ctx, c.Engine); recovered > 0 {
		log.Info("recovered interrupted executions", "count", recovered)
	}

	// Scheduled workflows survive restarts through the catalog.
	workflows, err := c.Catalog.List(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list registered workflows: %w", err)
	}
	scheduled := 0
	for _, wf := range workflows {
		ok, err := c.Cron.Register(wf)
		if err != nil {
			log.Error("failed to re-register workflow schedule",
				"workflow_id", wf.ID,
				"error", err)
			continue
		}
		if ok {
			scheduled++
		}
	}
	if scheduled > 0 {
		log.Info("re-registered workflow schedules", "count", scheduled)
	}

	if err := c.Components.Queue.Subscribe(ctx, TopicLaunchRequests, c.handleLaunchRequest); err != nil {
		return fmt.Errorf("failed to subscribe to launch requests: %w", err)
	}

	c.Cron.Start()
	c.Sweeper.Start()

	log.Info("container started",
		"workflows", len(workflows),
		"schedules", scheduled)
	return nil
}

// Stop halts the background loops and drains the engine. Called after
// the HTTP listener has stopped accepting requests.
func (c *Container) Stop(ctx context.Context) {
	log := c.Components.Logger

	c.Cron.Stop()
	c.Sweeper.Stop()

	if err := c.Engine.Shutdown(ctx); err != nil {
		log.Warn("engine shutdown incomplete", "error", err)
	}
	log.Info("container stopped")
}

// handleLaunchRequest consumes one queued launch and hands it to the
// engine. Errors are returned to the queue layer, which logs them; the
// message is not redelivered.
func (c *Container) handleLaunchRequest(ctx context.Context, key string, value []byte) error {
	var req LaunchRequest
	if err := json.Unmarshal(value, &req); err != nil {
		return fmt.Errorf("failed to decode launch request %s: %w", key, err)
	}

	wf, err := graph.Parse(req.Workflow)
	if err != nil {
		return fmt.Errorf("launch request %s carries an invalid workflow: %w", req.ExecutionID, err)
	}

	_, err = c.Engine.Launch(ctx, wf, req.Input, scheduler.RunOpts{
		ExecutionID: req.ExecutionID,
		TenantID:    req.TenantID,
		TriggerMeta: req.TriggerMeta,
	})
	if err != nil {
		return fmt.Errorf("failed to launch execution %s: %w", req.ExecutionID, err)
	}

	c.Components.Logger.Info("execution launched",
		"execution_id", req.ExecutionID,
		"workflow_id", wf.ID,
		"tenant", req.TenantID)
	return nil
}
