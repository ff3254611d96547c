package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/cadence/internal/hybrid"
)

// maxInFlight bounds concurrent mutations during a reconcile.
const maxInFlight = 4

// Record is anything stored in a data API model.
type Record interface {
	RecordID() string
}

// Collection is a typed view over one model.
type Collection[T Record] struct {
	client *Client
	model  string
}

func NewCollection[T Record](c *Client, model string) *Collection[T] {
	return &Collection[T]{client: c, model: model}
}

func (c *Collection[T]) Model() string { return c.model }

// List returns every record the owner holds in the model.
func (c *Collection[T]) List(ctx context.Context) ([]T, error) {
	raw, err := c.client.list(ctx, c.model)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	for _, r := range raw {
		var v T
		if err := json.Unmarshal(r, &v); err != nil {
			return nil, fmt.Errorf("decoding %s record: %w", c.model, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Put upserts v under its RecordID.
func (c *Collection[T]) Put(ctx context.Context, v T) error {
	return c.client.put(ctx, c.model, v.RecordID(), v)
}

// Delete removes id. A record that is already gone is not an error.
func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	return c.client.delete(ctx, c.model, id)
}

// Reconcile makes the remote model match local: records missing locally are
// deleted, new or changed records are upserted.
func (c *Collection[T]) Reconcile(ctx context.Context, local []T) error {
	current, err := c.List(ctx)
	if err != nil {
		return err
	}

	existing := make(map[string][]byte, len(current))
	for _, v := range current {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding %s record: %w", c.model, err)
		}
		existing[v.RecordID()] = b
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInFlight)

	keep := make(map[string]bool, len(local))
	for _, v := range local {
		id := v.RecordID()
		keep[id] = true

		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding %s record: %w", c.model, err)
		}
		if prev, ok := existing[id]; ok && bytes.Equal(prev, b) {
			continue
		}
		g.Go(func() error { return c.Put(gctx, v) })
	}
	for id := range existing {
		if keep[id] {
			continue
		}
		g.Go(func() error { return c.Delete(gctx, id) })
	}
	return g.Wait()
}

// ListRemote adapts a collection to a slot holding the full list.
func ListRemote[T Record](c *Collection[T]) hybrid.Remote[[]T] {
	return hybrid.Remote[[]T]{
		Load: func(ctx context.Context) ([]T, bool, error) {
			items, err := c.List(ctx)
			if err != nil {
				return nil, false, err
			}
			return items, true, nil
		},
		Save: func(ctx context.Context, items []T) ([]T, error) {
			if err := c.Reconcile(ctx, items); err != nil {
				return nil, err
			}
			return items, nil
		},
	}
}

// SingleRemote adapts a collection holding at most one record per owner.
func SingleRemote[T Record](c *Collection[T]) hybrid.Remote[T] {
	return hybrid.Remote[T]{
		Load: func(ctx context.Context) (T, bool, error) {
			var zero T
			items, err := c.List(ctx)
			if err != nil {
				return zero, false, err
			}
			if len(items) == 0 {
				return zero, false, nil
			}
			return items[0], true, nil
		},
		Save: func(ctx context.Context, v T) (T, error) {
			if err := c.Put(ctx, v); err != nil {
				var zero T
				return zero, err
			}
			return v, nil
		},
	}
}
