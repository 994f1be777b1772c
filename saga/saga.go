package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/draftea/resilience-system/models"
)

// Status represents the current status of a saga execution
type Status string

const (
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
	StatusFailed       Status = "failed"
)

// Action performs a step's forward work. The returned value is merged into
// the shared Context under the step's name. Actions must honor ctx deadlines.
type Action func(ctx context.Context, sc *Context) (interface{}, error)

// Compensation semantically undoes a previously committed step. Compensations
// must be idempotent: the orchestrator does not guarantee exactly-once
// execution across process restarts.
type Compensation func(ctx context.Context, sc *Context) error

// Step pairs a named action with its compensating action
type Step struct {
	Name         string
	Action       Action
	Compensation Compensation
}

// Definition is an ordered sequence of steps forming one saga
type Definition struct {
	Name  string
	Steps []Step
}

// NewDefinition validates and creates a saga definition
func NewDefinition(name string, steps ...Step) (*Definition, error) {
	if name == "" {
		return nil, errors.New("saga name is required")
	}
	if len(steps) == 0 {
		return nil, errors.New("saga requires at least one step")
	}

	seen := make(map[string]struct{}, len(steps))
	for _, step := range steps {
		if step.Name == "" {
			return nil, errors.New("step name is required")
		}
		if step.Action == nil {
			return nil, errors.Errorf("step %q has no action", step.Name)
		}
		if _, ok := seen[step.Name]; ok {
			return nil, errors.Errorf("duplicate step name %q", step.Name)
		}
		seen[step.Name] = struct{}{}
	}

	return &Definition{Name: name, Steps: steps}, nil
}

// Context is the shared mutable state of one saga run, mapping step names to
// their action results. It is owned exclusively by the orchestrator
// invocation that created it, so access is not synchronized.
type Context struct {
	values map[string]interface{}
}

// NewContext creates a saga context seeded with initial values
func NewContext(initial map[string]interface{}) *Context {
	values := make(map[string]interface{}, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &Context{values: values}
}

// Get returns the value stored under key
func (c *Context) Get(key string) (interface{}, bool) {
	v, ok := c.values[key]
	return v, ok
}

// GetString returns the value under key as a string
func (c *Context) GetString(key string) (string, bool) {
	v, ok := c.values[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Set stores a value under key
func (c *Context) Set(key string, value interface{}) {
	c.values[key] = value
}

// Values returns a copy of the context contents
func (c *Context) Values() map[string]interface{} {
	copied := make(map[string]interface{}, len(c.values))
	for k, v := range c.values {
		copied[k] = v
	}
	return copied
}

// CompensationError records a compensation that failed during unwinding
type CompensationError struct {
	Step string
	Err  error
}

func (e CompensationError) Error() string {
	return fmt.Sprintf("compensation for step %q failed: %v", e.Step, e.Err)
}

func (e CompensationError) Unwrap() error {
	return e.Err
}

// Execution is the state of one saga run. It is mutated only by the
// orchestrator call that created it and returned to the caller for
// inspection; it is never thrown.
type Execution struct {
	SagaID  models.ID
	Name    string
	Status  Status
	Context *Context

	// CommittedSteps is the compensation stack: names of steps whose action
	// succeeded, in commit order. Successful compensation pops its step.
	CommittedSteps []string

	// FailedStep and StepErr describe the failure that stopped forward
	// execution, if any.
	FailedStep string
	StepErr    error

	// CompensationErrors holds failures recorded while unwinding. Non-empty
	// errors force the final status to StatusFailed: the system could not
	// self-heal and needs operator attention.
	CompensationErrors []CompensationError

	StartedAt  time.Time
	FinishedAt time.Time

	steps []Step
}

func newExecution(def *Definition, initial map[string]interface{}) *Execution {
	steps := make([]Step, len(def.Steps))
	copy(steps, def.Steps)

	return &Execution{
		SagaID:    models.GenerateUUID(),
		Name:      def.Name,
		Status:    StatusRunning,
		Context:   NewContext(initial),
		StartedAt: time.Now(),
		steps:     steps,
	}
}

// step returns the step definition by name
func (e *Execution) step(name string) (Step, bool) {
	for _, s := range e.steps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

// Succeeded reports whether every step committed and none were compensated
func (e *Execution) Succeeded() bool {
	return e.Status == StatusCompleted
}
