package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/newtron-network/metalnet/pkg/model"
	"github.com/newtron-network/metalnet/pkg/util"
)

func getAction(ctx context.Context, c redis.Cmdable, id string) (*model.Action, error) {
	vals, err := hgetAll(ctx, c, Key(TableAction, id))
	if err != nil {
		return nil, err
	}
	if vals == nil {
		return nil, util.NewNotFoundError("networking action", id)
	}
	return parseAction(id, vals), nil
}

// Action returns a networking action by correlation id. DONE actions are
// garbage-collected after their retention and then report not found.
func (s *Store) Action(ctx context.Context, id string) (*model.Action, error) {
	return getAction(ctx, s.client, id)
}

// Action reads a networking action inside the transaction
func (t *Tx) Action(id string) (*model.Action, error) {
	return getAction(t.ctx, t.rtx, id)
}

// Actions lists every action still stored, ordered by sequence.
func (s *Store) Actions(ctx context.Context) ([]*model.Action, error) {
	keys, err := scanKeys(ctx, s.client, Key(TableAction, "*"), 100)
	if err != nil {
		return nil, err
	}
	result := make([]*model.Action, 0, len(keys))
	for _, key := range keys {
		a, err := getAction(ctx, s.client, strings.TrimPrefix(key, TableAction+"|"))
		if err != nil {
			if util.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	return result, nil
}

// PendingActions lists the journal in application order.
func (s *Store) PendingActions(ctx context.Context) ([]*model.Action, error) {
	ids, err := s.client.ZRange(ctx, JournalKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading journal: %w", err)
	}
	result := make([]*model.Action, 0, len(ids))
	for _, id := range ids {
		a, err := getAction(ctx, s.client, id)
		if err != nil {
			if util.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		result = append(result, a)
	}
	return result, nil
}

// PendingCount returns the journal depth.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, JournalKey).Result()
}

// NextSeq reserves the next journal sequence number. Gaps left by retried
// transactions are harmless; only the order matters.
func (t *Tx) NextSeq() (int64, error) {
	return t.rtx.Incr(t.ctx, JournalSeqKey).Result()
}

// PutAction queues a new PENDING action: the action row, its journal entry
// and the nic's back-reference are written together.
func (t *Tx) PutAction(a *model.Action) {
	ctx := t.ctx
	fields := actionFields(a)
	t.queue(func(p redis.Pipeliner) {
		p.HSet(ctx, Key(TableAction, a.ID), hsetArgs(fields)...)
		p.ZAdd(ctx, JournalKey, &redis.Z{Score: float64(a.Seq), Member: a.ID})
		p.HSet(ctx, Key(TableNic, a.Node, a.Nic), fieldCurrentAction, a.ID)
	})
}

// DeleteAction queues removal of a superseded action.
func (t *Tx) DeleteAction(id string) {
	ctx := t.ctx
	t.queue(func(p redis.Pipeliner) {
		p.Del(ctx, Key(TableAction, id))
		p.ZRem(ctx, JournalKey, id)
	})
}

// OldestPending returns the action at the head of the journal, or nil when
// the journal is empty. Journal entries whose row has vanished are pruned.
func (s *Store) OldestPending(ctx context.Context) (*model.Action, error) {
	for {
		ids, err := s.client.ZRange(ctx, JournalKey, 0, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("reading journal: %w", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		a, err := getAction(ctx, s.client, ids[0])
		if util.IsNotFound(err) {
			util.WithAction(ids[0], "", "").Warn("Pruning journal entry with no action row")
			if err := s.client.ZRem(ctx, JournalKey, ids[0]).Err(); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return a, nil
	}
}

// Outcome is the worker's verdict on one action.
type Outcome int

const (
	// OutcomeDone records success and updates attachments.
	OutcomeDone Outcome = iota
	// OutcomeError records a driver failure; attachments are untouched.
	OutcomeError
	// OutcomeDrop deletes an action that can never be applied.
	OutcomeDrop
)

// FinishAction commits the worker's result for one action in a single
// MULTI/EXEC: attachment update, status transition, journal removal and
// the nic back-reference. doneRetention bounds how long a DONE row stays
// queryable.
func (s *Store) FinishAction(ctx context.Context, a *model.Action, outcome Outcome, cause error, doneRetention time.Duration) error {
	actionKey := Key(TableAction, a.ID)
	nicKey := Key(TableNic, a.Node, a.Nic)
	attachKey := Key(TableAttach, a.Node, a.Nic)

	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, JournalKey, a.ID)
		switch outcome {
		case OutcomeDone:
			switch a.Type {
			case model.ActionRevertPort:
				p.Del(ctx, attachKey)
			case model.ActionModifyPort:
				if a.NewNetwork == "" {
					p.HDel(ctx, attachKey, a.Channel)
				} else {
					p.HSet(ctx, attachKey, a.Channel, a.NewNetwork)
				}
			}
			p.HSet(ctx, actionKey, fieldStatus, string(model.StatusDone))
			p.Expire(ctx, actionKey, doneRetention)
			clearCurrentAction(ctx, p, nicKey)
		case OutcomeError:
			msg := ""
			if cause != nil {
				msg = cause.Error()
			}
			p.HSet(ctx, actionKey, fieldStatus, string(model.StatusError), fieldError, msg)
		case OutcomeDrop:
			p.Del(ctx, actionKey)
			clearCurrentAction(ctx, p, nicKey)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("finishing action %s: %w", a.ID, err)
	}
	switch outcome {
	case OutcomeDone:
		a.Status = model.StatusDone
	case OutcomeError:
		a.Status = model.StatusError
		if cause != nil {
			a.Error = cause.Error()
		}
	}
	return nil
}

// clearCurrentAction unsets the nic's back-reference. A nic has at most one
// PENDING action and enqueue refuses to replace it, so while the worker
// holds a PENDING action the back-reference always points at it.
func clearCurrentAction(ctx context.Context, p redis.Pipeliner, nicKey string) {
	p.HDel(ctx, nicKey, fieldCurrentAction)
}
