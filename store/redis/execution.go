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

// CreateExecution persists a new execution with version 1.
func (s *Store) CreateExecution(ctx context.Context, exec *execution.Execution) error {
	cp := *exec
	if cp.Version == 0 {
		cp.Version = 1
	}

	key := executionKey(cp.ID.String())
	payload, err := marshal(key, &cp)
	if err != nil {
		return err
	}

	created, err := s.client.SetNX(ctx, key, payload, 0).Result()
	if err != nil {
		return fmt.Errorf("conduct/redis: create execution: %w", err)
	}
	if !created {
		return conduct.ErrExecutionExists
	}
	if err := s.client.SAdd(ctx, executionIDsKey, cp.ID.String()).Err(); err != nil {
		return fmt.Errorf("conduct/redis: index execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *Store) GetExecution(ctx context.Context, execID id.ExecutionID) (*execution.Execution, error) {
	var exec execution.Execution
	if err := getJSON(ctx, s.client, executionKey(execID.String()), &exec, conduct.ErrExecutionNotFound); err != nil {
		return nil, err
	}
	return &exec, nil
}

// UpdateExecution applies a version-checked update inside a WATCH
// transaction.
func (s *Store) UpdateExecution(ctx context.Context, exec *execution.Execution, expectedVersion int64) (*execution.Execution, error) {
	key := executionKey(exec.ID.String())

	var updated *execution.Execution
	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		var stored execution.Execution
		if err := getJSON(ctx, tx, key, &stored, conduct.ErrExecutionNotFound); err != nil {
			return err
		}
		if stored.Version != expectedVersion {
			return execution.NewConflict("execution", exec.ID, expectedVersion, stored.Version)
		}

		cp := *exec
		cp.CreatedAt = stored.CreatedAt
		cp.UpdatedAt = time.Now().UTC()
		cp.Version = expectedVersion + 1

		payload, err := marshal(key, &cp)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		if err != nil {
			return err
		}
		updated = &cp
		return nil
	}, key)

	if errors.Is(err, goredis.TxFailedErr) {
		cur, gerr := s.GetExecution(ctx, exec.ID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, execution.NewConflict("execution", exec.ID, expectedVersion, cur.Version)
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListExecutions returns executions matching the filter, newest first.
func (s *Store) ListExecutions(ctx context.Context, opts execution.ListOpts) ([]*execution.Execution, error) {
	ids, err := s.client.SMembers(ctx, executionIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conduct/redis: list executions: %w", err)
	}

	matches := make([]*execution.Execution, 0, len(ids))
	for _, rawID := range ids {
		var exec execution.Execution
		err := getJSON(ctx, s.client, executionKey(rawID), &exec, conduct.ErrExecutionNotFound)
		if errors.Is(err, conduct.ErrExecutionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if opts.Status != "" && exec.Status != opts.Status {
			continue
		}
		matches = append(matches, &exec)
	}

	sort.Slice(matches, func(i, k int) bool {
		if !matches[i].StartedAt.Equal(matches[k].StartedAt) {
			return matches[i].StartedAt.After(matches[k].StartedAt)
		}
		return matches[i].ID.String() < matches[k].ID.String()
	})
	return paginate(matches, opts.Offset, opts.Limit), nil
}
