package simprep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ensimu-ai/simprep/script"
	"github.com/ensimu-ai/simprep/store"
	"go.jetify.com/typeid"
)

const (
	// DefaultMaxIterations bounds how many times a single step may run
	// within one workflow, including revision loops.
	DefaultMaxIterations = 3

	// DefaultHITLTimeout is how long a review checkpoint waits for a
	// response before the timeout policy applies.
	DefaultHITLTimeout = 60 * time.Minute
)

// NewWorkflowID returns a new prefixed UUID for workflow run identification
func NewWorkflowID() string {
	id, err := typeid.WithPrefix("wf")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Options configures a new Engine.
type Options struct {
	Pipeline       *Pipeline
	Registry       *Registry
	Store          store.Store
	HITL           *HITLManager
	Logger         *slog.Logger
	StepLogger     StepLogger
	Callbacks      Callbacks
	Metrics        *Metrics
	ScriptCompiler script.Compiler
	Now            func() time.Time
}

// Engine drives workflow threads through a pipeline with durable
// checkpointing. Every state transition is persisted before the engine
// moves on, so a crashed or paused run resumes from its last
// checkpoint with no lost work.
//
// The engine itself is safe for concurrent use across threads, but a
// single thread must only be driven by one goroutine at a time.
type Engine struct {
	pipeline   *Pipeline
	registry   *Registry
	store      store.Store
	hitl       *HITLManager
	logger     *slog.Logger
	stepLog    StepLogger
	callbacks  Callbacks
	metrics    *Metrics
	compiler   script.Compiler
	now        func() time.Time
	conditions map[string]script.Script
}

// NewEngine creates an engine over a durable checkpoint store. The
// store is required: running without one would silently discard
// checkpoint durability, so construction fails instead.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Pipeline == nil {
		opts.Pipeline = DefaultPipeline()
	}
	if opts.Logger == nil {
		opts.Logger = NewLogger()
	}
	if opts.StepLogger == nil {
		opts.StepLogger = NewNullStepLogger()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = NewBaseCallbacks()
	}
	if opts.ScriptCompiler == nil {
		opts.ScriptCompiler = script.NewRisorScriptingEngine(script.DefaultGlobals())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HITL == nil {
		hitl, err := NewHITLManager(HITLOptions{
			Store:   opts.Store,
			Logger:  opts.Logger,
			Metrics: opts.Metrics,
			Now:     opts.Now,
		})
		if err != nil {
			return nil, err
		}
		opts.HITL = hitl
	}

	e := &Engine{
		pipeline:   opts.Pipeline,
		registry:   opts.Registry,
		store:      opts.Store,
		hitl:       opts.HITL,
		logger:     opts.Logger,
		stepLog:    opts.StepLogger,
		callbacks:  opts.Callbacks,
		metrics:    opts.Metrics,
		compiler:   opts.ScriptCompiler,
		now:        opts.Now,
		conditions: map[string]script.Script{},
	}

	// Fail fast on unregistered steps and bad conditions rather than
	// mid-run.
	for _, step := range e.pipeline.Steps() {
		if _, err := e.registry.Resolve(step.Name); err != nil {
			return nil, err
		}
		if step.When != "" {
			compiled, err := e.compiler.Compile(context.Background(), step.When)
			if err != nil {
				return nil, fmt.Errorf("invalid condition on step %q: %w", step.Name, err)
			}
			e.conditions[step.Name] = compiled
		}
	}

	e.hitl.SetResumeHook(e.Resume)
	return e, nil
}

// HITL returns the engine's review checkpoint manager.
func (e *Engine) HITL() *HITLManager {
	return e.hitl
}

// Start begins a new workflow thread for a project and runs it until
// it completes, pauses for review, or fails. The thread ID is returned
// even when the run ends in failure, so callers can inspect its
// checkpoints.
func (e *Engine) Start(ctx context.Context, projectID string, payload map[string]any) (string, error) {
	now := e.now().UTC()
	thread := &Thread{
		ThreadID:      NewThreadID(),
		WorkflowID:    NewWorkflowID(),
		ProjectID:     projectID,
		PipelineName:  e.pipeline.Name(),
		CurrentStep:   e.pipeline.First(),
		Status:        StatusRunning,
		Payload:       copyMap(payload),
		MaxIterations: e.pipeline.MaxIterations(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := saveThread(ctx, e.store, thread); err != nil {
		return "", err
	}
	e.metrics.CheckpointSaved()
	e.logger.Info("workflow started",
		"thread_id", thread.ThreadID,
		"workflow_id", thread.WorkflowID,
		"project_id", projectID,
		"pipeline", thread.PipelineName)
	e.emitStatus(ctx, thread)

	return thread.ThreadID, e.run(ctx, thread)
}

// Resume continues a thread that is paused for review. The current
// step re-runs with the reviewer's response available in the payload
// under "hitl_response".
func (e *Engine) Resume(ctx context.Context, threadID string) error {
	thread, err := loadThread(ctx, e.store, threadID)
	if err != nil {
		return err
	}
	if thread.Status.Terminal() {
		return fmt.Errorf("%w: thread %q is %s", ErrWorkflowTerminal, threadID, thread.Status)
	}
	if thread.Status != StatusPausedForReview {
		return fmt.Errorf("%w: thread %q is %s", ErrInvalidResumeState, threadID, thread.Status)
	}

	thread.Status = StatusRunning
	thread.UpdatedAt = e.now().UTC()
	e.logger.Info("workflow resumed", "thread_id", threadID, "step", thread.CurrentStep)
	e.emitStatus(ctx, thread)

	return e.run(ctx, thread)
}

// Cancel forces a non-terminal thread into the failed state.
func (e *Engine) Cancel(ctx context.Context, threadID, reason string) error {
	thread, err := loadThread(ctx, e.store, threadID)
	if err != nil {
		return err
	}
	if thread.Status.Terminal() {
		return fmt.Errorf("%w: thread %q is %s", ErrWorkflowTerminal, threadID, thread.Status)
	}
	e.logger.Info("workflow canceled", "thread_id", threadID, "reason", reason)
	return e.fail(ctx, thread, thread.CurrentStep, fmt.Sprintf("canceled: %s", reason))
}

// Status returns a read-only summary of the thread's latest checkpoint.
func (e *Engine) Status(ctx context.Context, threadID string) (*Summary, error) {
	thread, err := loadThread(ctx, e.store, threadID)
	if err != nil {
		return nil, err
	}
	return thread.Summarize(), nil
}

// StepHistory returns the audit log of step executions for a thread.
func (e *Engine) StepHistory(ctx context.Context, threadID string) ([]*StepLogEntry, error) {
	return e.stepLog.GetStepHistory(ctx, threadID)
}

// run drives the thread until a terminal state or a review pause. A
// non-nil return indicates an infrastructure or configuration failure;
// ordinary step failures end the workflow but return nil.
func (e *Engine) run(ctx context.Context, thread *Thread) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := thread.CurrentStep

		if thread.Occurrences(name) >= thread.MaxIterations || thread.IterationCount >= thread.MaxIterations {
			failErr := fmt.Errorf("%w: step %q, limit %d", ErrIterationLimitExceeded, name, thread.MaxIterations)
			if err := e.fail(ctx, thread, name, failErr.Error()); err != nil {
				return err
			}
			return failErr
		}

		spec, ok := e.pipeline.Step(name)
		if !ok {
			failErr := fmt.Errorf("pipeline %q has no step %q", e.pipeline.Name(), name)
			if err := e.fail(ctx, thread, name, failErr.Error()); err != nil {
				return err
			}
			return failErr
		}

		if compiled, hasCondition := e.conditions[name]; hasCondition {
			truthy, err := e.evalCondition(ctx, compiled, thread)
			if err != nil {
				failErr := fmt.Errorf("condition on step %q failed: %w", name, err)
				if ferr := e.fail(ctx, thread, name, failErr.Error()); ferr != nil {
					return ferr
				}
				return failErr
			}
			if !truthy {
				if err := e.skipStep(ctx, thread, spec); err != nil {
					return err
				}
				if thread.Status == StatusCompleted {
					return nil
				}
				continue
			}
		}

		executor, err := e.registry.Resolve(name)
		if err != nil {
			if ferr := e.fail(ctx, thread, name, err.Error()); ferr != nil {
				return ferr
			}
			return err
		}

		stepCtx := WithCompiler(WithThread(WithLogger(ctx, e.logger), thread), e.compiler)
		start := e.now()
		outcome, err := executor.Execute(stepCtx, copyMap(thread.Payload))
		duration := e.now().Sub(start)

		e.logStep(ctx, thread, name, outcome, err, start, duration)

		if err != nil {
			outcome = StepFailure{Reason: err.Error()}
		}

		switch o := outcome.(type) {
		case StepResult:
			done, err := e.advance(ctx, thread, o, name, duration)
			if err != nil {
				return err
			}
			if done {
				return nil
			}

		case NeedsReview:
			return e.pause(ctx, thread, o, name, duration)

		case StepFailure:
			e.metrics.ObserveStep(name, "failed", duration)
			return e.fail(ctx, thread, name, o.Reason)

		default:
			failErr := fmt.Errorf("step %q returned unexpected outcome type %T", name, outcome)
			if ferr := e.fail(ctx, thread, name, failErr.Error()); ferr != nil {
				return ferr
			}
			return failErr
		}
	}
}

// advance applies a StepResult, persists the transition, and reports
// whether the workflow reached completion.
func (e *Engine) advance(ctx context.Context, thread *Thread, result StepResult, name string, duration time.Duration) (bool, error) {
	// The reviewer response is consumed by the step that re-ran.
	delete(thread.Payload, "hitl_response")
	for k, v := range result.PayloadPatch {
		thread.Payload[k] = v
	}
	thread.CompletedSteps = append(thread.CompletedSteps, name)
	thread.ProgressPercent = e.progress(thread)

	next := result.NextStep
	if next == "" {
		next = e.pipeline.After(name)
	}
	thread.CurrentStep = next
	if next == "" {
		thread.Status = StatusCompleted
		thread.ProgressPercent = 100
	}
	thread.UpdatedAt = e.now().UTC()

	if _, err := saveThread(ctx, e.store, thread); err != nil {
		return false, err
	}
	e.metrics.CheckpointSaved()
	e.metrics.ObserveStep(name, "advanced", duration)

	e.logger.Info("step complete",
		"thread_id", thread.ThreadID,
		"step", name,
		"next_step", next,
		"progress", thread.ProgressPercent)
	e.callbacks.OnStepComplete(ctx, &StepCompleteEvent{
		ThreadID:   thread.ThreadID,
		WorkflowID: thread.WorkflowID,
		ProjectID:  thread.ProjectID,
		StepName:   name,
		NextStep:   next,
		Result:     copyMap(result.PayloadPatch),
		Duration:   duration,
		Timestamp:  thread.UpdatedAt,
	})
	e.emitStatus(ctx, thread)

	if thread.Status == StatusCompleted {
		e.metrics.WorkflowFinished(StatusCompleted)
		e.logger.Info("workflow completed", "thread_id", thread.ThreadID)
		return true, nil
	}
	return false, nil
}

// pause persists the paused thread, then opens the review checkpoint.
// Ordering matters: the paused checkpoint must be durable before the
// review record exists, so a crash between the two leaves a resumable
// thread rather than a dangling review.
func (e *Engine) pause(ctx context.Context, thread *Thread, review NeedsReview, name string, duration time.Duration) error {
	thread.Status = StatusPausedForReview
	thread.UpdatedAt = e.now().UTC()
	if _, err := saveThread(ctx, e.store, thread); err != nil {
		return err
	}
	e.metrics.CheckpointSaved()

	record, err := e.hitl.Create(ctx, thread, review)
	if err != nil {
		if ferr := e.fail(ctx, thread, name, fmt.Sprintf("unable to open review checkpoint: %s", err)); ferr != nil {
			return ferr
		}
		return err
	}
	e.metrics.ObserveStep(name, "paused", duration)

	e.logger.Info("workflow paused for review",
		"thread_id", thread.ThreadID,
		"step", name,
		"checkpoint_id", record.CheckpointID,
		"checkpoint_type", record.CheckpointType)
	e.callbacks.OnCheckpointCreated(ctx, &CheckpointCreatedEvent{
		ThreadID:        thread.ThreadID,
		WorkflowID:      thread.WorkflowID,
		ProjectID:       thread.ProjectID,
		CheckpointID:    record.CheckpointID,
		CheckpointType:  record.CheckpointType,
		StepName:        name,
		Data:            record.Data,
		Recommendations: record.Recommendations,
		TimeoutAt:       record.TimeoutAt,
		Timestamp:       thread.UpdatedAt,
	})
	e.emitStatus(ctx, thread)
	return nil
}

// skipStep records a step whose condition evaluated false. Skipped
// steps count as completed so progress still reaches 100.
func (e *Engine) skipStep(ctx context.Context, thread *Thread, spec *StepSpec) error {
	now := e.now().UTC()
	thread.CompletedSteps = append(thread.CompletedSteps, spec.Name)
	thread.Warnings = append(thread.Warnings, ThreadEvent{
		Step:      spec.Name,
		Message:   "skipped: condition not met",
		Timestamp: now,
	})
	thread.ProgressPercent = e.progress(thread)
	thread.CurrentStep = e.pipeline.After(spec.Name)
	if thread.CurrentStep == "" {
		thread.Status = StatusCompleted
		thread.ProgressPercent = 100
	}
	thread.UpdatedAt = now

	if _, err := saveThread(ctx, e.store, thread); err != nil {
		return err
	}
	e.metrics.CheckpointSaved()
	e.metrics.ObserveStep(spec.Name, "skipped", 0)
	e.logger.Info("step skipped", "thread_id", thread.ThreadID, "step", spec.Name)
	e.emitStatus(ctx, thread)
	if thread.Status == StatusCompleted {
		e.metrics.WorkflowFinished(StatusCompleted)
	}
	return nil
}

// fail moves the thread to the failed state with an error event and
// persists the terminal checkpoint.
func (e *Engine) fail(ctx context.Context, thread *Thread, step, message string) error {
	now := e.now().UTC()
	thread.Status = StatusFailed
	thread.Errors = append(thread.Errors, ThreadEvent{
		Step:      step,
		Message:   message,
		Timestamp: now,
	})
	thread.UpdatedAt = now

	if _, err := saveThread(ctx, e.store, thread); err != nil {
		return err
	}
	e.metrics.CheckpointSaved()
	e.metrics.WorkflowFinished(StatusFailed)

	e.logger.Error("workflow failed",
		"thread_id", thread.ThreadID,
		"step", step,
		"error", message)
	e.callbacks.OnWorkflowError(ctx, &WorkflowErrorEvent{
		ThreadID:   thread.ThreadID,
		WorkflowID: thread.WorkflowID,
		ProjectID:  thread.ProjectID,
		StepName:   step,
		Message:    message,
		Fatal:      true,
		Timestamp:  now,
	})
	e.emitStatus(ctx, thread)
	return nil
}

func (e *Engine) emitStatus(ctx context.Context, thread *Thread) {
	e.callbacks.OnStatusChange(ctx, &StatusChangeEvent{
		ThreadID:        thread.ThreadID,
		WorkflowID:      thread.WorkflowID,
		ProjectID:       thread.ProjectID,
		Status:          thread.Status,
		CurrentStep:     thread.CurrentStep,
		CompletedSteps:  append([]string(nil), thread.CompletedSteps...),
		ProgressPercent: thread.ProgressPercent,
		Timestamp:       thread.UpdatedAt,
	})
}

func (e *Engine) evalCondition(ctx context.Context, compiled script.Script, thread *Thread) (bool, error) {
	value, err := compiled.Evaluate(ctx, map[string]any{"payload": copyMap(thread.Payload)})
	if err != nil {
		return false, err
	}
	return value.IsTruthy(), nil
}

// progress is the fraction of distinct pipeline steps completed.
func (e *Engine) progress(thread *Thread) int {
	distinct := map[string]struct{}{}
	for _, s := range thread.CompletedSteps {
		distinct[s] = struct{}{}
	}
	percent := len(distinct) * 100 / e.pipeline.Total()
	if percent > 100 {
		percent = 100
	}
	return percent
}

func (e *Engine) logStep(ctx context.Context, thread *Thread, name string, outcome Outcome, stepErr error, start time.Time, duration time.Duration) {
	entry := &StepLogEntry{
		ID:        NewStepLogID(),
		ThreadID:  thread.ThreadID,
		StepName:  name,
		Outcome:   outcomeLabel(outcome, stepErr),
		Payload:   copyMap(thread.Payload),
		StartTime: start.UTC(),
		Duration:  duration.Seconds(),
	}
	if stepErr != nil {
		entry.Error = stepErr.Error()
	}
	if err := e.stepLog.LogStep(ctx, entry); err != nil {
		e.logger.Warn("unable to write step log entry", "thread_id", thread.ThreadID, "error", err)
	}
}

// NewStepLogID returns a new prefixed UUID for step log entries
func NewStepLogID() string {
	id, err := typeid.WithPrefix("steplog")
	if err != nil {
		panic(err)
	}
	return id.String()
}

func outcomeLabel(outcome Outcome, err error) string {
	if err != nil {
		return "error"
	}
	switch outcome.(type) {
	case StepResult:
		return "advanced"
	case NeedsReview:
		return "paused"
	case StepFailure:
		return "failed"
	default:
		return "unknown"
	}
}

// loadThread reads and decodes the latest checkpoint for a thread.
func loadThread(ctx context.Context, cs store.CheckpointStore, threadID string) (*Thread, error) {
	checkpoint, err := cs.LoadLatest(ctx, threadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %q", ErrThreadNotFound, threadID)
		}
		return nil, fmt.Errorf("unable to load thread %q: %w", threadID, err)
	}
	var thread Thread
	if err := json.Unmarshal(checkpoint.State, &thread); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint for thread %q: %w", threadID, err)
	}
	if thread.Payload == nil {
		thread.Payload = map[string]any{}
	}
	return &thread, nil
}

// saveThread serializes the thread and appends a new checkpoint.
func saveThread(ctx context.Context, cs store.CheckpointStore, thread *Thread) (int, error) {
	state, err := json.Marshal(thread)
	if err != nil {
		return 0, fmt.Errorf("unable to serialize thread %q: %w", thread.ThreadID, err)
	}
	seq, err := cs.Save(ctx, thread.ThreadID, state)
	if err != nil {
		return 0, fmt.Errorf("unable to persist checkpoint for thread %q: %w", thread.ThreadID, err)
	}
	return seq, nil
}
