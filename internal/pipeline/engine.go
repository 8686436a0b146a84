package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	tracerName          = "github.com/temirov/llm-pipelines/internal/pipeline"
	inputStageName      = "input"
	defaultStageTimeout = 45 * time.Second
)

type RunOptions struct {
	// StageAttempts bounds re-execution of a stage after a retryable
	// collaborator failure. Each attempt re-runs the whole stage.
	StageAttempts int
	StageTimeout  time.Duration
	// Parallel runs adjacent stages whose dependencies are already committed
	// at the same time. Outputs are committed in declaration order either way.
	Parallel bool
}

// Runner is the pipeline orchestrator. It holds no state across runs.
type Runner struct {
	Options  RunOptions
	Logger   *zap.Logger
	Tracer   trace.Tracer
	NewRunID func() string
}

type stageRun struct {
	spec     StageSpec
	result   Result
	attempts int
	duration time.Duration
}

// Run executes definition against input once, front to back. The returned
// error is reserved for invalid definitions; stage failures are reported in
// the Outcome.
func (r Runner) Run(ctx context.Context, definition Definition, input any) (Outcome, error) {
	if err := definition.Validate(); err != nil {
		return Outcome{}, fmt.Errorf("validate definition: %w", err)
	}

	runID := r.runID()
	logger := r.logger().With(zap.String("pipeline", definition.Name), zap.String("run_id", runID))
	ctx, runSpan := r.tracer().Start(ctx, "pipeline."+definition.Name, trace.WithAttributes(
		attribute.String("pipeline.name", definition.Name),
		attribute.String("pipeline.run_id", runID),
	))
	defer runSpan.End()

	started := time.Now()
	runContext := NewContext(input)
	runContext.runID = runID
	recorder := &callRecorder{}
	outcome := Outcome{RunID: runID, Pipeline: definition.Name, Context: runContext}

	finalize := func(status Status) Outcome {
		outcome.Status = status
		outcome.Elapsed = time.Since(started)
		outcome.Calls = recorder.snapshot()
		runSpan.SetAttributes(attribute.String("pipeline.status", string(status)))
		if status == StatusAborted {
			runSpan.SetStatus(codes.Error, outcome.Reason)
			logger.Warn("pipeline: run aborted",
				zap.String("stage", outcome.AbortedAt),
				zap.String("reason", outcome.Reason),
				zap.Error(outcome.Err),
				zap.Duration("elapsed", outcome.Elapsed),
			)
		} else {
			logger.Info("pipeline: run finished",
				zap.String("status", string(status)),
				zap.Int("warnings", len(runContext.warnings)),
				zap.Duration("elapsed", outcome.Elapsed),
			)
		}
		return outcome
	}

	if definition.CheckInput != nil {
		if inputErr := definition.CheckInput(input); inputErr != nil {
			outcome.AbortedAt = inputStageName
			outcome.Reason = Classify(inputErr)
			outcome.Err = inputErr
			return finalize(StatusAborted), nil
		}
	}

	pending := definition.Stages
	for len(pending) > 0 {
		if ctx.Err() != nil {
			outcome.AbortedAt = pending[0].Stage.Name()
			outcome.Err = fmt.Errorf("%w: %w", ErrRunCancelled, context.Cause(ctx))
			outcome.Reason = Classify(outcome.Err)
			return finalize(StatusAborted), nil
		}

		wave := r.nextWave(pending, runContext)
		runs := r.executeWave(ctx, wave, runContext, recorder, logger)
		for _, run := range runs {
			stageName := run.spec.Stage.Name()
			report := StageReport{
				Stage:    stageName,
				Policy:   run.spec.Policy,
				Result:   run.result.Kind.String(),
				Attempts: run.attempts,
				Duration: run.duration,
			}
			switch run.result.Kind {
			case KindSuccess:
				if err := runContext.commit(stageName, run.result.Payload); err != nil {
					return Outcome{}, err
				}
			case KindPartial:
				if err := runContext.commit(stageName, run.result.Payload); err != nil {
					return Outcome{}, err
				}
				for _, message := range run.result.Warnings {
					runContext.warn(Warning{Stage: stageName, Kind: WarningPartial, Message: message})
				}
			default:
				report.Error = run.result.Err.Error()
				if run.spec.Policy == PolicyFatal {
					outcome.Stages = append(outcome.Stages, report)
					outcome.AbortedAt = stageName
					outcome.Reason = Classify(run.result.Err)
					outcome.Err = run.result.Err
					return finalize(StatusAborted), nil
				}
				report.Result = "skipped"
				if err := runContext.commit(stageName, defaultPayload(run.spec.Stage)); err != nil {
					return Outcome{}, err
				}
				runContext.warn(Warning{
					Stage:   stageName,
					Kind:    WarningDegraded,
					Reason:  Classify(run.result.Err),
					Message: run.result.Err.Error(),
				})
			}
			outcome.Stages = append(outcome.Stages, report)
		}
		pending = pending[len(wave):]
	}

	if ctx.Err() != nil {
		outcome.AbortedAt = definition.Stages[len(definition.Stages)-1].Stage.Name()
		outcome.Err = fmt.Errorf("%w: %w", ErrRunCancelled, context.Cause(ctx))
		outcome.Reason = Classify(outcome.Err)
		return finalize(StatusAborted), nil
	}
	if len(runContext.warnings) > 0 {
		return finalize(StatusCompletedWithWarnings), nil
	}
	return finalize(StatusCompleted), nil
}

// nextWave returns the stages to run next. Sequential runs take one stage;
// parallel runs take the longest prefix whose dependencies are all committed.
// A wave ends at its first fatal stage so nothing declared after it starts
// before it has committed.
func (r Runner) nextWave(pending []StageSpec, runContext *Context) []StageSpec {
	if !r.Options.Parallel {
		return pending[:1]
	}
	size := 0
	for _, spec := range pending {
		ready := true
		for _, dependency := range spec.Stage.DependsOn() {
			if _, ok := runContext.Output(dependency); !ok {
				ready = false
				break
			}
		}
		if !ready {
			break
		}
		size++
		if spec.Policy == PolicyFatal {
			break
		}
	}
	return pending[:max(size, 1)]
}

func (r Runner) executeWave(ctx context.Context, wave []StageSpec, runContext *Context, recorder *callRecorder, logger *zap.Logger) []stageRun {
	runs := make([]stageRun, len(wave))
	if len(wave) == 1 {
		runs[0] = r.executeStage(ctx, wave[0], newInputs(runContext, wave[0].Stage, recorder), logger)
		return runs
	}
	var group errgroup.Group
	for index, spec := range wave {
		inputs := newInputs(runContext, spec.Stage, recorder)
		group.Go(func() error {
			runs[index] = r.executeStage(ctx, spec, inputs, logger)
			return nil
		})
	}
	_ = group.Wait()
	return runs
}

func (r Runner) executeStage(ctx context.Context, spec StageSpec, inputs Inputs, logger *zap.Logger) stageRun {
	stageName := spec.Stage.Name()
	stageLogger := logger.With(zap.String("stage", stageName), zap.String("policy", string(spec.Policy)))
	stageCtx, span := r.tracer().Start(ctx, "stage."+stageName, trace.WithAttributes(
		attribute.String("stage.name", stageName),
		attribute.String("stage.policy", string(spec.Policy)),
	))
	defer span.End()

	maxAttempts := spec.attempts(r.Options.StageAttempts)
	timeout := spec.timeout(r.stageTimeout())
	started := time.Now()
	stageLogger.Debug("pipeline: stage started", zap.Int("max_attempts", maxAttempts), zap.Duration("timeout", timeout))

	var result Result
	attempt := 1
	for ; ; attempt++ {
		// The attempt ignores caller cancellation so in-flight collaborator
		// calls finish or time out instead of being cut mid-write.
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(stageCtx), timeout)
		result = invoke(attemptCtx, spec.Stage, inputs)
		cancel()
		if result.Kind != KindFailure || attempt >= maxAttempts || !retryable(result.Err) || ctx.Err() != nil {
			break
		}
		stageLogger.Warn("pipeline: retrying stage", zap.Int("attempt", attempt), zap.Error(result.Err))
	}

	run := stageRun{spec: spec, result: result, attempts: attempt, duration: time.Since(started)}
	span.SetAttributes(attribute.String("stage.result", result.Kind.String()), attribute.Int("stage.attempts", attempt))
	if result.Kind == KindFailure {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, Classify(result.Err))
		stageLogger.Warn("pipeline: stage failed",
			zap.String("reason", Classify(result.Err)),
			zap.Int("attempts", attempt),
			zap.Duration("duration", run.duration),
			zap.Error(result.Err),
		)
		return run
	}
	stageLogger.Info("pipeline: stage completed",
		zap.String("result", result.Kind.String()),
		zap.Int("attempts", attempt),
		zap.Duration("duration", run.duration),
	)
	return run
}

func invoke(ctx context.Context, stage Stage, inputs Inputs) (result Result) {
	defer func() {
		if recovered := recover(); recovered != nil {
			result = Failed(fmt.Errorf("%w: panic in %s: %v", ErrFatalStage, stage.Name(), recovered))
		}
	}()
	result = stage.Execute(ctx, inputs)
	if result.Kind == KindFailure && result.Err == nil {
		result.Err = fmt.Errorf("%w: %s failed without an error", ErrFatalStage, stage.Name())
	}
	return result
}

func defaultPayload(stage Stage) any {
	if defaulter, ok := stage.(Defaulter); ok {
		return defaulter.Default()
	}
	return nil
}

func (r Runner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func (r Runner) tracer() trace.Tracer {
	if r.Tracer == nil {
		return otel.Tracer(tracerName)
	}
	return r.Tracer
}

func (r Runner) stageTimeout() time.Duration {
	if r.Options.StageTimeout > 0 {
		return r.Options.StageTimeout
	}
	return defaultStageTimeout
}

func (r Runner) runID() string {
	if r.NewRunID != nil {
		return r.NewRunID()
	}
	return uuid.NewString()
}
