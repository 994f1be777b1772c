package infrastructure

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/draftea/resilience-system/models"
	"github.com/draftea/resilience-system/saga"
)

var _ saga.Log = (*PostgresSagaLog)(nil)

// PostgresSagaLog records saga progress in PostgreSQL. The orchestrator calls
// it synchronously on every step transition, so after a crash the committed
// rows reconstruct the compensation stack of any partially finished saga.
//
// Schema:
//
//	CREATE TABLE saga_step_log (
//	    id             BIGSERIAL PRIMARY KEY,
//	    saga_id        UUID NOT NULL,
//	    step_name      TEXT NOT NULL,
//	    status         TEXT NOT NULL,
//	    context        JSONB,
//	    recorded_at    TIMESTAMPTZ NOT NULL,
//	    compensated_at TIMESTAMPTZ,
//	    UNIQUE (saga_id, step_name)
//	);
type PostgresSagaLog struct {
	db *sqlx.DB
}

// NewPostgresSagaLog creates a Postgres-backed saga log
func NewPostgresSagaLog(db *sqlx.DB) *PostgresSagaLog {
	return &PostgresSagaLog{db: db}
}

type sagaStepRow struct {
	SagaID        string     `db:"saga_id"`
	StepName      string     `db:"step_name"`
	Status        string     `db:"status"`
	Context       []byte     `db:"context"`
	RecordedAt    time.Time  `db:"recorded_at"`
	CompensatedAt *time.Time `db:"compensated_at"`
}

// OnStepCommitted records a committed step together with the context snapshot
// that parameterizes its compensation.
func (l *PostgresSagaLog) OnStepCommitted(ctx context.Context, sagaID models.ID, stepName string, sc *saga.Context) error {
	snapshot, err := json.Marshal(sc.Values())
	if err != nil {
		return errors.Wrap(err, "failed to marshal saga context")
	}

	row := &sagaStepRow{
		SagaID:     sagaID.String(),
		StepName:   stepName,
		Status:     "committed",
		Context:    snapshot,
		RecordedAt: time.Now(),
	}

	query := `
		INSERT INTO saga_step_log (saga_id, step_name, status, context, recorded_at)
		VALUES (:saga_id, :step_name, :status, :context, :recorded_at)
		ON CONFLICT (saga_id, step_name) DO UPDATE
		SET status = EXCLUDED.status, context = EXCLUDED.context, recorded_at = EXCLUDED.recorded_at`

	if _, err := l.db.NamedExecContext(ctx, query, row); err != nil {
		return errors.Wrap(err, "failed to record committed step")
	}

	return nil
}

// OnCompensated marks a previously committed step as compensated
func (l *PostgresSagaLog) OnCompensated(ctx context.Context, sagaID models.ID, stepName string) error {
	query := `
		UPDATE saga_step_log
		SET status = 'compensated', compensated_at = $1
		WHERE saga_id = $2 AND step_name = $3`

	res, err := l.db.ExecContext(ctx, query, time.Now(), sagaID.String(), stepName)
	if err != nil {
		return errors.Wrap(err, "failed to record compensation")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check compensation record")
	}
	if affected == 0 {
		return errors.Errorf("no committed record for saga %s step %q", sagaID, stepName)
	}

	return nil
}

// CommittedSteps returns the names of steps still awaiting compensation for a
// saga, in commit order. Used by crash recovery to rebuild the compensation
// stack.
func (l *PostgresSagaLog) CommittedSteps(ctx context.Context, sagaID models.ID) ([]string, error) {
	query := `
		SELECT step_name FROM saga_step_log
		WHERE saga_id = $1 AND status = 'committed'
		ORDER BY id ASC`

	var steps []string
	if err := l.db.SelectContext(ctx, &steps, query, sagaID.String()); err != nil {
		return nil, errors.Wrap(err, "failed to load committed steps")
	}

	return steps, nil
}
