package lane

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/sartap/keel/internal/observability"
	"github.com/sartap/keel/internal/tracing"
	"github.com/sartap/keel/pkg/runner"
	"github.com/sartap/keel/pkg/store"
)

// GlobalLane serializes tasks across all conversation keys.
const GlobalLane = "global"

// sessionLanePrefix keeps per-key lanes in their own namespace. Without
// it a conversation key equal to the GlobalLane sentinel would share the
// global chain.
const sessionLanePrefix = "session:"

func laneFor(sessionKey string, useGlobal bool) string {
	if useGlobal {
		return GlobalLane
	}
	return sessionLanePrefix + sessionKey
}

// DefaultPollInterval is the queue-row polling cadence for WaitForRun.
const DefaultPollInterval = 50 * time.Millisecond

// Executor is the unit of work the scheduler serializes.
type Executor interface {
	Execute(ctx context.Context, params runner.RunParams) runner.Result
}

// Ticket is the immediate response to an accepted run.
type Ticket struct {
	RunID      string    `json:"run_id"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// EnqueueOptions tunes placement of a run. Priority is accepted but does
// not reorder within a lane.
type EnqueueOptions struct {
	Priority      int
	UseGlobalLane bool
}

type task struct {
	runID      string
	sessionID  int64
	params     runner.RunParams
	ctx        context.Context
	enqueuedAt time.Time
}

// laneState is one conversation key's chain. The entry is dropped once
// the chain settles so memory does not grow with idle keys.
type laneState struct {
	queue   []*task
	running bool
}

// Config wires the scheduler.
type Config struct {
	Store        *store.Store
	Executor     Executor
	Logger       zerolog.Logger
	PollInterval time.Duration
}

// Scheduler serializes runs per conversation key and mirrors every state
// transition to the durable queue row.
type Scheduler struct {
	store        *store.Store
	executor     Executor
	logger       zerolog.Logger
	pollInterval time.Duration

	mu    sync.Mutex
	lanes map[string]*laneState

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a lane scheduler.
func New(cfg Config) (*Scheduler, error) {
	observability.EnsureRegistered()

	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:        cfg.Store,
		executor:     cfg.Executor,
		logger:       cfg.Logger.With().Str("component", "lane").Logger(),
		pollInterval: cfg.PollInterval,
		lanes:        make(map[string]*laneState),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Enqueue accepts a run and returns immediately. The run executes only
// after every earlier run on the same lane has settled. The error return
// covers acceptance itself; execution failures land in the queue row.
func (s *Scheduler) Enqueue(ctx context.Context, params runner.RunParams, opts EnqueueOptions) (*Ticket, error) {
	if params.SessionKey == "" {
		return nil, fmt.Errorf("session key is required")
	}
	if params.RunID == "" {
		params.RunID = uuid.NewString()
	}

	laneName := laneFor(params.SessionKey, opts.UseGlobalLane)

	ctx, span := tracing.StartSpan(
		ctx,
		"keel.lane",
		"lane.enqueue",
		attribute.String("lane", laneName),
		attribute.String("run_id", params.RunID),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, s.logger)

	sess, err := s.store.GetOrCreateSession(ctx, params.AgentID, params.SessionKey, store.SessionTypeInteractive)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to resolve session: %w", err)
	}

	acceptedAt := time.Now().UTC()
	if _, err := s.store.CreateRun(ctx, store.Run{
		RunID:        params.RunID,
		SessionID:    sess.ID,
		InputMessage: params.Prompt,
		Metadata: map[string]interface{}{
			"lane":     laneName,
			"priority": opts.Priority,
		},
		CreatedAt: acceptedAt,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to create queue row: %w", err)
	}

	// The scheduler owns the task's lifetime; the caller's context only
	// covers acceptance. A caller dropping its stream must not stop the
	// underlying run.
	t := &task{
		runID:      params.RunID,
		sessionID:  sess.ID,
		params:     params,
		ctx:        s.ctx,
		enqueuedAt: acceptedAt,
	}

	s.mu.Lock()
	ls, ok := s.lanes[laneName]
	if !ok {
		ls = &laneState{}
		s.lanes[laneName] = ls
	}
	ls.queue = append(ls.queue, t)
	queueSize := len(ls.queue)
	s.mu.Unlock()

	observability.RecordLaneEnqueue(laneName, queueSize)
	logger.Debug().
		Str("lane", laneName).
		Str("run_id", params.RunID).
		Int("queue_size", queueSize).
		Msg("Run enqueued")

	go s.processLane(laneName)

	return &Ticket{RunID: params.RunID, AcceptedAt: acceptedAt}, nil
}

// processLane starts the next task when the lane is idle.
func (s *Scheduler) processLane(laneName string) {
	s.mu.Lock()
	ls, ok := s.lanes[laneName]
	if !ok || ls.running || len(ls.queue) == 0 {
		// Drop settled lanes.
		if ok && !ls.running && len(ls.queue) == 0 {
			delete(s.lanes, laneName)
		}
		s.mu.Unlock()
		return
	}

	t := ls.queue[0]
	ls.queue = ls.queue[1:]
	ls.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.executeTask(laneName, t)
}

// executeTask runs one task, mirroring queued -> running -> terminal to
// the durable row.
func (s *Scheduler) executeTask(laneName string, t *task) {
	defer s.wg.Done()

	ctx := tracing.NewRunContext(t.ctx, t.runID, t.params.SessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"keel.lane",
		"lane.execute",
		attribute.String("lane", laneName),
		attribute.String("run_id", t.runID),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, s.logger)
	wait := time.Since(t.enqueuedAt)

	if err := s.store.MarkRunRunning(ctx, t.runID); err != nil {
		logger.Error().Err(err).Str("run_id", t.runID).Msg("Failed to mark run running")
	}

	start := time.Now()
	result := s.executor.Execute(ctx, t.params)
	elapsed := time.Since(start)

	status := result.Status
	if status != store.RunStatusCompleted && status != store.RunStatusError {
		status = store.RunStatusError
	}

	if err := s.store.CompleteRun(ctx, t.runID, store.RunCompletion{
		Status:          status,
		OutputMessage:   result.Response,
		ErrorMessage:    result.ErrorMessage,
		TokensUsed:      result.Usage.Total(),
		ExecutionTimeMs: elapsed.Milliseconds(),
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Str("run_id", t.runID).Msg("Failed to complete queue row")
	}

	s.mu.Lock()
	ls, ok := s.lanes[laneName]
	var queueSize int
	if ok {
		ls.running = false
		queueSize = len(ls.queue)
	}
	s.mu.Unlock()

	observability.RecordLaneCompletion(laneName, status, wait, queueSize)
	logger.Debug().
		Str("lane", laneName).
		Str("run_id", t.runID).
		Str("status", status).
		Dur("elapsed", elapsed).
		Msg("Run settled")

	s.processLane(laneName)
}

// WaitForRun polls the durable queue row until the run reaches a terminal
// status or the timeout passes. The timeout produces a synthetic result;
// the underlying run keeps executing either way.
func (s *Scheduler) WaitForRun(ctx context.Context, runID string, timeout time.Duration) (*store.Run, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}

		switch run.Status {
		case store.RunStatusCompleted, store.RunStatusError, store.RunStatusTimeout:
			return run, nil
		}

		if time.Now().After(deadline) {
			now := time.Now().UTC()
			return &store.Run{
				RunID:        runID,
				SessionID:    run.SessionID,
				Status:       store.RunStatusTimeout,
				InputMessage: run.InputMessage,
				ErrorMessage: fmt.Sprintf("wait timed out after %s", timeout),
				CompletedAt:  &now,
				CreatedAt:    run.CreatedAt,
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// QueueSize returns the number of queued tasks for a lane.
func (s *Scheduler) QueueSize(laneName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	ls, ok := s.lanes[laneName]
	if !ok {
		return 0
	}
	return len(ls.queue)
}

// Stats returns queued and running counts per active lane.
func (s *Scheduler) Stats() map[string]map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make(map[string]map[string]int, len(s.lanes))
	for name, ls := range s.lanes {
		running := 0
		if ls.running {
			running = 1
		}
		stats[name] = map[string]int{
			"queued":  len(ls.queue),
			"running": running,
		}
	}
	return stats
}

// Close stops accepting work and waits for in-flight tasks to settle.
func (s *Scheduler) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}
