package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/conduct"
	"github.com/xraph/conduct/execution"
	"github.com/xraph/conduct/id"
)

// CreateSteps persists a batch of step records with version 1 and indexes
// them under their execution.
func (s *Store) CreateSteps(ctx context.Context, steps []*execution.Step) error {
	if len(steps) == 0 {
		return nil
	}

	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, step := range steps {
			cp := *step
			if cp.Version == 0 {
				cp.Version = 1
			}

			key := stepKey(cp.ID.String())
			payload, err := marshal(key, &cp)
			if err != nil {
				return err
			}
			pipe.Set(ctx, key, payload, 0)
			pipe.SAdd(ctx, stepIndexKey(cp.ExecutionID.String()), cp.ID.String())
			indexAwaiting(ctx, pipe, &cp)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("conduct/redis: create steps: %w", err)
	}
	return nil
}

// GetStep retrieves a step by record ID.
func (s *Store) GetStep(ctx context.Context, stepID id.StepID) (*execution.Step, error) {
	var step execution.Step
	if err := getJSON(ctx, s.client, stepKey(stepID.String()), &step, conduct.ErrStepNotFound); err != nil {
		return nil, err
	}
	return &step, nil
}

// UpdateStep applies a version-checked update inside a WATCH transaction
// and keeps the awaiting/timeout indexes in sync with the step's state.
func (s *Store) UpdateStep(ctx context.Context, step *execution.Step, expectedVersion int64) (*execution.Step, error) {
	key := stepKey(step.ID.String())

	var updated *execution.Step
	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		var stored execution.Step
		if err := getJSON(ctx, tx, key, &stored, conduct.ErrStepNotFound); err != nil {
			return err
		}
		if stored.Version != expectedVersion {
			return execution.NewConflict("step", step.ID, expectedVersion, stored.Version)
		}

		cp := *step
		cp.CreatedAt = stored.CreatedAt
		cp.UpdatedAt = time.Now().UTC()
		cp.Version = expectedVersion + 1

		payload, err := marshal(key, &cp)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			deindexAwaiting(ctx, pipe, &stored)
			indexAwaiting(ctx, pipe, &cp)
			return nil
		})
		if err != nil {
			return err
		}
		updated = &cp
		return nil
	}, key)

	if errors.Is(err, goredis.TxFailedErr) {
		cur, gerr := s.GetStep(ctx, step.ID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, execution.NewConflict("step", step.ID, expectedVersion, cur.Version)
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListSteps returns an execution's steps ordered by sequence.
func (s *Store) ListSteps(ctx context.Context, execID id.ExecutionID) ([]*execution.Step, error) {
	ids, err := s.client.SMembers(ctx, stepIndexKey(execID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("conduct/redis: list steps: %w", err)
	}

	steps := make([]*execution.Step, 0, len(ids))
	for _, rawID := range ids {
		var step execution.Step
		err := getJSON(ctx, s.client, stepKey(rawID), &step, conduct.ErrStepNotFound)
		if errors.Is(err, conduct.ErrStepNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		steps = append(steps, &step)
	}

	sort.Slice(steps, func(i, k int) bool {
		if steps[i].Sequence != steps[k].Sequence {
			return steps[i].Sequence < steps[k].Sequence
		}
		return steps[i].StepID < steps[k].StepID
	})
	return steps, nil
}

// FindAwaitingStep routes a correlation id to its awaiting step via the
// awaiting index hash.
func (s *Store) FindAwaitingStep(ctx context.Context, externalWorkflowID string) (*execution.Step, error) {
	if externalWorkflowID == "" {
		return nil, conduct.ErrStepNotFound
	}

	rawID, err := s.client.HGet(ctx, awaitingIndexKey, externalWorkflowID).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, conduct.ErrStepNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conduct/redis: find awaiting step: %w", err)
	}

	stepID, err := id.ParseStepID(rawID)
	if err != nil {
		return nil, fmt.Errorf("conduct/redis: awaiting index entry %q: %w", rawID, err)
	}
	step, err := s.GetStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	// The index can lag the record by one losing transaction; trust the
	// record.
	if !step.AwaitingEvent || step.Status != execution.StatusRunning ||
		step.ExternalWorkflowID != externalWorkflowID {
		return nil, conduct.ErrStepNotFound
	}
	return step, nil
}

// ListTimedOutSteps returns awaiting steps whose deadline lies strictly
// before now, via the timeout index.
func (s *Store) ListTimedOutSteps(ctx context.Context, now time.Time) ([]*execution.Step, error) {
	ids, err := s.client.ZRangeByScore(ctx, timeoutIndexKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: exclusiveMax(deadlineScore(now)),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("conduct/redis: list timed out steps: %w", err)
	}

	expired := make([]*execution.Step, 0, len(ids))
	for _, rawID := range ids {
		stepID, parseErr := id.ParseStepID(rawID)
		if parseErr != nil {
			continue
		}
		step, getErr := s.GetStep(ctx, stepID)
		if errors.Is(getErr, conduct.ErrStepNotFound) {
			continue
		}
		if getErr != nil {
			return nil, getErr
		}
		if !step.AwaitingEvent || step.Status != execution.StatusRunning {
			continue
		}
		if step.TimeoutAt == nil || !step.TimeoutAt.Before(now) {
			continue
		}
		expired = append(expired, step)
	}

	sort.Slice(expired, func(i, k int) bool {
		return expired[i].TimeoutAt.Before(*expired[k].TimeoutAt)
	})
	return expired, nil
}

// indexAwaiting registers a step in the awaiting and timeout indexes when
// it is suspended on an event.
func indexAwaiting(ctx context.Context, pipe goredis.Pipeliner, step *execution.Step) {
	if !step.AwaitingEvent || step.Status != execution.StatusRunning ||
		step.ExternalWorkflowID == "" {
		return
	}
	pipe.HSet(ctx, awaitingIndexKey, step.ExternalWorkflowID, step.ID.String())
	if step.TimeoutAt != nil {
		pipe.ZAdd(ctx, timeoutIndexKey, goredis.Z{
			Score:  deadlineScore(*step.TimeoutAt),
			Member: step.ID.String(),
		})
	}
}

// deindexAwaiting removes a step's previous awaiting/timeout index
// entries.
func deindexAwaiting(ctx context.Context, pipe goredis.Pipeliner, step *execution.Step) {
	if !step.AwaitingEvent {
		return
	}
	if step.ExternalWorkflowID != "" {
		pipe.HDel(ctx, awaitingIndexKey, step.ExternalWorkflowID)
	}
	pipe.ZRem(ctx, timeoutIndexKey, step.ID.String())
}
