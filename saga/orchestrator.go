package saga

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/draftea/resilience-system/models"
)

// Log is the saga persistence hook. Both callbacks run synchronously before
// the orchestrator advances, so a crash-recovery log can reconstruct the
// compensation stack from its records.
type Log interface {
	OnStepCommitted(ctx context.Context, sagaID models.ID, stepName string, sc *Context) error
	OnCompensated(ctx context.Context, sagaID models.ID, stepName string) error
}

// NopLog discards saga progress records
type NopLog struct{}

func (NopLog) OnStepCommitted(context.Context, models.ID, string, *Context) error { return nil }
func (NopLog) OnCompensated(context.Context, models.ID, string) error             { return nil }

// Observer receives saga status transitions as discrete events
type Observer interface {
	SagaStatusChanged(sagaID models.ID, name string, from, to Status)
}

// NopObserver discards saga status transitions
type NopObserver struct{}

func (NopObserver) SagaStatusChanged(models.ID, string, Status, Status) {}

// Orchestrator executes saga definitions: steps run in order, and when one
// fails the committed prefix is compensated in reverse. An Execution is
// mutated only by the invocation that created it, so the orchestrator itself
// holds no locks.
type Orchestrator struct {
	log      Log
	observer Observer
	logger   *zap.Logger
	timeout  time.Duration
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLog sets the persistence hook called on every step transition
func WithLog(log Log) Option {
	return func(o *Orchestrator) {
		o.log = log
	}
}

// WithObserver sets the status transition observer
func WithObserver(observer Observer) Option {
	return func(o *Orchestrator) {
		o.observer = observer
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithTimeout sets a per-saga deadline propagated to every step invocation
func WithTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		o.timeout = timeout
	}
}

// NewOrchestrator creates a saga orchestrator
func NewOrchestrator(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		log:      NopLog{},
		observer: NopObserver{},
		logger:   zap.NewNop(),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Execute runs the definition to a definite outcome and returns the final
// Execution. Failures never escape as errors: a step failure triggers
// compensation and is reported through the Execution's status and error
// fields so callers can inspect partial-failure detail.
func (o *Orchestrator) Execute(ctx context.Context, def *Definition, initial map[string]interface{}) *Execution {
	exec := newExecution(def, initial)

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	o.logger.Info("saga started",
		zap.String("saga", exec.Name),
		zap.String("saga_id", exec.SagaID.String()),
	)

	for _, step := range exec.steps {
		result, err := o.runAction(ctx, step, exec.Context)
		if err != nil {
			exec.FailedStep = step.Name
			exec.StepErr = err
			o.logger.Warn("saga step failed",
				zap.String("saga_id", exec.SagaID.String()),
				zap.String("step", step.Name),
				zap.Error(err),
			)
			o.compensate(ctx, exec)
			exec.FinishedAt = time.Now()
			return exec
		}

		exec.Context.Set(step.Name, result)
		exec.CommittedSteps = append(exec.CommittedSteps, step.Name)

		// The log write must land before advancing, otherwise a crash here
		// would lose a committed step. A failed write is a step failure: the
		// step itself already committed, so it joins the compensation stack.
		if err := o.log.OnStepCommitted(ctx, exec.SagaID, step.Name, exec.Context); err != nil {
			exec.FailedStep = step.Name
			exec.StepErr = errors.Wrap(err, "saga log write failed")
			o.compensate(ctx, exec)
			exec.FinishedAt = time.Now()
			return exec
		}
	}

	o.transition(exec, StatusCompleted)
	exec.FinishedAt = time.Now()

	o.logger.Info("saga completed",
		zap.String("saga_id", exec.SagaID.String()),
		zap.Strings("committed_steps", exec.CommittedSteps),
	)

	return exec
}

// compensate unwinds the committed prefix in reverse order. A failing
// compensation is recorded and the unwind continues with the remaining steps;
// any recorded failure forces the final status to StatusFailed.
func (o *Orchestrator) compensate(ctx context.Context, exec *Execution) {
	o.transition(exec, StatusCompensating)

	for i := len(exec.CommittedSteps) - 1; i >= 0; i-- {
		name := exec.CommittedSteps[i]

		step, ok := exec.step(name)
		if !ok || step.Compensation == nil {
			// Nothing to undo for this step.
			exec.CommittedSteps = append(exec.CommittedSteps[:i], exec.CommittedSteps[i+1:]...)
			continue
		}

		if err := o.runCompensation(ctx, step, exec.Context); err != nil {
			exec.CompensationErrors = append(exec.CompensationErrors, CompensationError{
				Step: name,
				Err:  err,
			})
			o.logger.Error("saga compensation failed",
				zap.String("saga_id", exec.SagaID.String()),
				zap.String("step", name),
				zap.Error(err),
			)
			continue
		}

		// Compensated steps leave the stack; what remains needs manual
		// intervention when the unwind finishes with errors.
		exec.CommittedSteps = append(exec.CommittedSteps[:i], exec.CommittedSteps[i+1:]...)

		if err := o.log.OnCompensated(ctx, exec.SagaID, name); err != nil {
			exec.CompensationErrors = append(exec.CompensationErrors, CompensationError{
				Step: name,
				Err:  errors.Wrap(err, "saga log write failed"),
			})
		}
	}

	if len(exec.CompensationErrors) > 0 {
		o.transition(exec, StatusFailed)
		return
	}

	o.transition(exec, StatusCompensated)
}

// runAction invokes a step's action, converting panics into step failures so
// the saga always reaches a definite completion.
func (o *Orchestrator) runAction(ctx context.Context, step Step, sc *Context) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("step %q panicked: %v", step.Name, r)
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return step.Action(ctx, sc)
}

func (o *Orchestrator) runCompensation(ctx context.Context, step Step, sc *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("compensation %q panicked: %v", step.Name, r)
		}
	}()

	return step.Compensation(ctx, sc)
}

func (o *Orchestrator) transition(exec *Execution, to Status) {
	from := exec.Status
	if from == to {
		return
	}
	exec.Status = to
	o.observer.SagaStatusChanged(exec.SagaID, exec.Name, from, to)
}
