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
	"github.com/xraph/conduct/pipeline"
)

// CreateDefinition persists a new definition with version 1.
func (s *Store) CreateDefinition(ctx context.Context, def *pipeline.Definition) error {
	cp := *def
	if cp.Version == 0 {
		cp.Version = 1
	}
	if cp.Status == "" {
		cp.Status = pipeline.StatusActive
	}

	key := definitionKey(cp.ID.String())
	payload, err := marshal(key, &cp)
	if err != nil {
		return err
	}

	created, err := s.client.SetNX(ctx, key, payload, 0).Result()
	if err != nil {
		return fmt.Errorf("conduct/redis: create definition: %w", err)
	}
	if !created {
		return conduct.ErrDefinitionExists
	}
	if err := s.client.SAdd(ctx, definitionIDsKey, cp.ID.String()).Err(); err != nil {
		return fmt.Errorf("conduct/redis: index definition: %w", err)
	}
	return nil
}

// GetDefinition retrieves a definition by ID.
func (s *Store) GetDefinition(ctx context.Context, defID id.DefinitionID) (*pipeline.Definition, error) {
	var def pipeline.Definition
	if err := getJSON(ctx, s.client, definitionKey(defID.String()), &def, conduct.ErrDefinitionNotFound); err != nil {
		return nil, err
	}
	return &def, nil
}

// UpdateDefinition applies a version-checked update inside a WATCH
// transaction.
func (s *Store) UpdateDefinition(ctx context.Context, def *pipeline.Definition, expectedVersion int64) (*pipeline.Definition, error) {
	key := definitionKey(def.ID.String())

	var updated *pipeline.Definition
	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		var stored pipeline.Definition
		if err := getJSON(ctx, tx, key, &stored, conduct.ErrDefinitionNotFound); err != nil {
			return err
		}
		if stored.Version != expectedVersion {
			return execution.NewConflict("definition", def.ID, expectedVersion, stored.Version)
		}

		cp := *def
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
		return nil, s.definitionConflict(ctx, def.ID, expectedVersion)
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteDefinition soft-deletes under the version guard.
func (s *Store) DeleteDefinition(ctx context.Context, defID id.DefinitionID, expectedVersion int64) error {
	def, err := s.GetDefinition(ctx, defID)
	if err != nil {
		return err
	}
	def.Status = pipeline.StatusDeleted
	_, err = s.UpdateDefinition(ctx, def, expectedVersion)
	return err
}

// ListDefinitions returns definitions matching the filter, newest first.
func (s *Store) ListDefinitions(ctx context.Context, opts pipeline.ListOpts) ([]*pipeline.Definition, error) {
	ids, err := s.client.SMembers(ctx, definitionIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conduct/redis: list definitions: %w", err)
	}

	status := opts.Status
	if status == "" {
		status = pipeline.StatusActive
	}

	matches := make([]*pipeline.Definition, 0, len(ids))
	for _, rawID := range ids {
		var def pipeline.Definition
		err := getJSON(ctx, s.client, definitionKey(rawID), &def, conduct.ErrDefinitionNotFound)
		if errors.Is(err, conduct.ErrDefinitionNotFound) {
			continue // index entry for a key that expired or was removed
		}
		if err != nil {
			return nil, err
		}
		if def.Status != status {
			continue
		}
		if opts.OwnerID != "" && def.OwnerID != opts.OwnerID {
			continue
		}
		matches = append(matches, &def)
	}

	sort.Slice(matches, func(i, k int) bool {
		if !matches[i].CreatedAt.Equal(matches[k].CreatedAt) {
			return matches[i].CreatedAt.After(matches[k].CreatedAt)
		}
		return matches[i].ID.String() < matches[k].ID.String()
	})
	return paginate(matches, opts.Offset, opts.Limit), nil
}

// definitionConflict builds the conflict error after a lost WATCH race.
func (s *Store) definitionConflict(ctx context.Context, defID id.DefinitionID, expected int64) error {
	cur, err := s.GetDefinition(ctx, defID)
	if err != nil {
		return err
	}
	return execution.NewConflict("definition", defID, expected, cur.Version)
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
