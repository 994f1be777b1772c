package saga

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftea/resilience-system/models"
)

var errStepFailed = errors.New("step failed")

// journal records the order of actions, compensations and log writes across a
// saga run.
type journal struct {
	mux     sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mux.Lock()
	defer j.mux.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) Entries() []string {
	j.mux.Lock()
	defer j.mux.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) step(name string, result interface{}, err error) Step {
	return Step{
		Name: name,
		Action: func(ctx context.Context, sc *Context) (interface{}, error) {
			j.add("action:" + name)
			return result, err
		},
		Compensation: func(ctx context.Context, sc *Context) error {
			j.add("compensate:" + name)
			return nil
		},
	}
}

type journalLog struct {
	journal *journal
	fail    map[string]error
}

func (l *journalLog) OnStepCommitted(ctx context.Context, sagaID models.ID, stepName string, sc *Context) error {
	l.journal.add("log:" + stepName)
	if err, ok := l.fail[stepName]; ok {
		return err
	}
	return nil
}

func (l *journalLog) OnCompensated(ctx context.Context, sagaID models.ID, stepName string) error {
	l.journal.add("log-compensated:" + stepName)
	return nil
}

type statusRecorder struct {
	mux         sync.Mutex
	transitions []string
}

func (r *statusRecorder) SagaStatusChanged(sagaID models.ID, name string, from, to Status) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.transitions = append(r.transitions, string(from)+"->"+string(to))
}

func (r *statusRecorder) Transitions() []string {
	r.mux.Lock()
	defer r.mux.Unlock()
	return append([]string(nil), r.transitions...)
}

func TestOrchestrator_AllStepsSucceed(t *testing.T) {
	j := &journal{}
	recorder := &statusRecorder{}
	orchestrator := NewOrchestrator(WithObserver(recorder))

	def, err := NewDefinition("place-order",
		j.step("reserve", "reservation-1", nil),
		j.step("charge", "payment-1", nil),
		j.step("ship", "shipment-1", nil),
	)
	require.NoError(t, err)

	exec := orchestrator.Execute(context.Background(), def, map[string]interface{}{
		"order_id": "order-1",
	})

	assert.Equal(t, StatusCompleted, exec.Status)
	assert.True(t, exec.Succeeded())
	assert.Equal(t, []string{"reserve", "charge", "ship"}, exec.CommittedSteps)
	assert.Empty(t, exec.CompensationErrors)
	assert.NotEmpty(t, exec.SagaID.String())
	assert.False(t, exec.FinishedAt.IsZero())

	// Action results are merged into the shared context under the step name.
	charge, ok := exec.Context.GetString("charge")
	require.True(t, ok)
	assert.Equal(t, "payment-1", charge)

	orderID, ok := exec.Context.GetString("order_id")
	require.True(t, ok)
	assert.Equal(t, "order-1", orderID)

	assert.Equal(t, []string{"action:reserve", "action:charge", "action:ship"}, j.Entries())
	assert.Equal(t, []string{"running->completed"}, recorder.Transitions())
}

func TestOrchestrator_StepFailureCompensatesReverse(t *testing.T) {
	j := &journal{}
	recorder := &statusRecorder{}
	orchestrator := NewOrchestrator(WithObserver(recorder))

	neverRan := false
	def, err := NewDefinition("place-order",
		j.step("reserve", "reservation-1", nil),
		j.step("charge", "payment-1", nil),
		Step{
			Name: "ship",
			Action: func(ctx context.Context, sc *Context) (interface{}, error) {
				j.add("action:ship")
				return nil, errStepFailed
			},
		},
		Step{
			Name: "notify",
			Action: func(ctx context.Context, sc *Context) (interface{}, error) {
				neverRan = true
				return nil, nil
			},
		},
	)
	require.NoError(t, err)

	exec := orchestrator.Execute(context.Background(), def, nil)

	assert.Equal(t, StatusCompensated, exec.Status)
	assert.Equal(t, "ship", exec.FailedStep)
	assert.ErrorIs(t, exec.StepErr, errStepFailed)
	assert.False(t, neverRan, "steps after the failed one must not run")

	// Compensation runs in reverse commit order and pops every step.
	assert.Equal(t, []string{
		"action:reserve",
		"action:charge",
		"action:ship",
		"compensate:charge",
		"compensate:reserve",
	}, j.Entries())
	assert.Empty(t, exec.CommittedSteps)
	assert.Empty(t, exec.CompensationErrors)

	assert.Equal(t, []string{
		"running->compensating",
		"compensating->compensated",
	}, recorder.Transitions())
}

func TestOrchestrator_FirstStepFailureNeedsNoCompensation(t *testing.T) {
	j := &journal{}
	orchestrator := NewOrchestrator()

	def, err := NewDefinition("place-order",
		Step{
			Name: "reserve",
			Action: func(ctx context.Context, sc *Context) (interface{}, error) {
				return nil, errStepFailed
			},
			Compensation: func(ctx context.Context, sc *Context) error {
				j.add("compensate:reserve")
				return nil
			},
		},
	)
	require.NoError(t, err)

	exec := orchestrator.Execute(context.Background(), def, nil)

	assert.Equal(t, StatusCompensated, exec.Status)
	assert.Empty(t, exec.CommittedSteps)
	assert.Empty(t, j.Entries(), "a step that never committed must not be compensated")
}

func TestOrchestrator_CompensationFailureContinuesUnwind(t *testing.T) {
	j := &journal{}
	recorder := &statusRecorder{}
	orchestrator := NewOrchestrator(WithObserver(recorder))

	errRefundFailed := errors.New("refund failed")
	def, err := NewDefinition("place-order",
		j.step("reserve", nil, nil),
		Step{
			Name: "charge",
			Action: func(ctx context.Context, sc *Context) (interface{}, error) {
				j.add("action:charge")
				return nil, nil
			},
			Compensation: func(ctx context.Context, sc *Context) error {
				j.add("compensate:charge")
				return errRefundFailed
			},
		},
		Step{
			Name: "ship",
			Action: func(ctx context.Context, sc *Context) (interface{}, error) {
				return nil, errStepFailed
			},
		},
	)
	require.NoError(t, err)

	exec := orchestrator.Execute(context.Background(), def, nil)

	// The failed compensation is recorded and the unwind keeps going.
	assert.Equal(t, StatusFailed, exec.Status)
	require.Len(t, exec.CompensationErrors, 1)
	assert.Equal(t, "charge", exec.CompensationErrors[0].Step)
	assert.ErrorIs(t, exec.CompensationErrors[0].Err, errRefundFailed)

	assert.Contains(t, j.Entries(), "compensate:reserve")

	// The step whose compensation failed stays on the stack for operators.
	assert.Equal(t, []string{"charge"}, exec.CommittedSteps)

	assert.Equal(t, []string{
		"running->compensating",
		"compensating->failed",
	}, recorder.Transitions())
}

func TestOrchestrator_SingleCommittedCompensationFailure(t *testing.T) {
	errReleaseFailed := errors.New("release failed")
	orchestrator := NewOrchestrator()

	def, err := NewDefinition("place-order",
		Step{
			Name: "reserve",
			Action: func(ctx context.Context, sc *Context) (interface{}, error) {
				return nil, nil
			},
			Compensation: func(ctx context.Context, sc *Context) error {
				return errReleaseFailed
			},
		},
		Step{
			Name: "charge",
			Action: func(ctx context.Context, sc *Context) (interface{}, error) {
				return nil, errStepFailed
			},
		},
	)
	require.NoError(t, err)

	exec := orchestrator.Execute(context.Background(), def, nil)

	assert.Equal(t, StatusFailed, exec.Status)
	assert.Equal(t, []string{"reserve"}, exec.CommittedSteps)
	require.Len(t, exec.CompensationErrors, 1)
	assert.Equal(t, "reserve", exec.CompensationErrors[0].Step)
	assert.ErrorIs(t, exec.CompensationErrors[0].Err, errReleaseFailed)
}

func TestOrchestrator_LogWritesLandBeforeAdvancing(t *testing.T) {
	j := &journal{}
	orchestrator := NewOrchestrator(WithLog(&journalLog{journal: j}))

	def, err := NewDefinition("place-order",
		j.step("reserve", nil, nil),
		j.step("charge", nil, nil),
	)
	require.NoError(t, err)

	exec := orchestrator.Execute(context.Background(), def, nil)
	require.Equal(t, StatusCompleted, exec.Status)

	assert.Equal(t, []string{
		"action:reserve",
		"log:reserve",
		"action:charge",
		"log:charge",
	}, j.Entries())
}

func TestOrchestrator_LogFailureTriggersCompensation(t *testing.T) {
	j := &journal{}
	errLogDown := errors.New("log unavailable")
	orchestrator := NewOrchestrator(WithLog(&journalLog{
		journal: j,
		fail:    map[string]error{"charge": errLogDown},
	}))

	def, err := NewDefinition("place-order",
		j.step("reserve", nil, nil),
		j.step("charge", nil, nil),
		j.step("ship", nil, nil),
	)
	require.NoError(t, err)

	exec := orchestrator.Execute(context.Background(), def, nil)

	assert.Equal(t, StatusCompensated, exec.Status)
	assert.Equal(t, "charge", exec.FailedStep)
	assert.ErrorIs(t, exec.StepErr, errLogDown)

	// The step itself committed before the log write failed, so it is
	// compensated along with the earlier prefix.
	entries := j.Entries()
	assert.Contains(t, entries, "compensate:charge")
	assert.Contains(t, entries, "compensate:reserve")
	assert.NotContains(t, entries, "action:ship")
}

func TestOrchestrator_StepWithoutCompensationIsSkipped(t *testing.T) {
	j := &journal{}
	orchestrator := NewOrchestrator()

	def, err := NewDefinition("place-order",
		Step{
			Name: "audit",
			Action: func(ctx context.Context, sc *Context) (interface{}, error) {
				return nil, nil
			},
		},
		j.step("charge", nil, nil),
		Step{
			Name: "ship",
			Action: func(ctx context.Context, sc *Context) (interface{}, error) {
				return nil, errStepFailed
			},
		},
	)
	require.NoError(t, err)

	exec := orchestrator.Execute(context.Background(), def, nil)

	assert.Equal(t, StatusCompensated, exec.Status)
	assert.Empty(t, exec.CommittedSteps)
	assert.Equal(t, []string{"action:charge", "compensate:charge"}, j.Entries())
}

func TestOrchestrator_ActionPanicIsAStepFailure(t *testing.T) {
	j := &journal{}
	orchestrator := NewOrchestrator()

	def, err := NewDefinition("place-order",
		j.step("reserve", nil, nil),
		Step{
			Name: "charge",
			Action: func(ctx context.Context, sc *Context) (interface{}, error) {
				panic("gateway crashed")
			},
		},
	)
	require.NoError(t, err)

	exec := orchestrator.Execute(context.Background(), def, nil)

	assert.Equal(t, StatusCompensated, exec.Status)
	assert.Equal(t, "charge", exec.FailedStep)
	assert.ErrorContains(t, exec.StepErr, "panicked")
	assert.Contains(t, j.Entries(), "compensate:reserve")
}

func TestOrchestrator_TimeoutStopsForwardProgress(t *testing.T) {
	j := &journal{}
	orchestrator := NewOrchestrator(WithTimeout(20 * time.Millisecond))

	def, err := NewDefinition("place-order",
		j.step("reserve", nil, nil),
		Step{
			Name: "charge",
			Action: func(ctx context.Context, sc *Context) (interface{}, error) {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(time.Second):
					return nil, nil
				}
			},
		},
	)
	require.NoError(t, err)

	exec := orchestrator.Execute(context.Background(), def, nil)

	assert.Equal(t, StatusCompensated, exec.Status)
	assert.Equal(t, "charge", exec.FailedStep)
	assert.ErrorIs(t, exec.StepErr, context.DeadlineExceeded)

	// Compensation still ran even though the saga deadline had passed.
	assert.Contains(t, j.Entries(), "compensate:reserve")
}

func TestOrchestrator_CompensationsAreIdempotent(t *testing.T) {
	released := 0
	compensation := func(ctx context.Context, sc *Context) error {
		if _, ok := sc.Get("released"); ok {
			return nil
		}
		sc.Set("released", true)
		released++
		return nil
	}

	orchestrator := NewOrchestrator()
	def, err := NewDefinition("place-order",
		Step{
			Name: "reserve",
			Action: func(ctx context.Context, sc *Context) (interface{}, error) {
				return nil, nil
			},
			Compensation: compensation,
		},
		Step{
			Name: "charge",
			Action: func(ctx context.Context, sc *Context) (interface{}, error) {
				return nil, errStepFailed
			},
		},
	)
	require.NoError(t, err)

	exec := orchestrator.Execute(context.Background(), def, nil)
	require.Equal(t, StatusCompensated, exec.Status)

	// Replaying the compensation, as a crash-recovery pass would, changes
	// nothing.
	require.NoError(t, compensation(context.Background(), exec.Context))
	assert.Equal(t, 1, released)
}

func TestNewDefinition_Validation(t *testing.T) {
	noop := func(ctx context.Context, sc *Context) (interface{}, error) { return nil, nil }

	tests := []struct {
		name    string
		saga    string
		steps   []Step
		wantErr string
	}{
		{
			name:    "missing saga name",
			saga:    "",
			steps:   []Step{{Name: "a", Action: noop}},
			wantErr: "saga name is required",
		},
		{
			name:    "no steps",
			saga:    "empty",
			wantErr: "at least one step",
		},
		{
			name:    "missing step name",
			saga:    "order",
			steps:   []Step{{Action: noop}},
			wantErr: "step name is required",
		},
		{
			name:    "missing action",
			saga:    "order",
			steps:   []Step{{Name: "a"}},
			wantErr: "has no action",
		},
		{
			name:    "duplicate step name",
			saga:    "order",
			steps:   []Step{{Name: "a", Action: noop}, {Name: "a", Action: noop}},
			wantErr: "duplicate step name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDefinition(tt.saga, tt.steps...)
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
