// Package batch implements the partial-batch-item-failure model shared by every
// pipeline stage: a handler receives a batch and reports the ids of the items that
// failed; every other item is acknowledged.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrPredecessorFailed fails an item whose earlier same-key sibling failed in the same batch.
var ErrPredecessorFailed = errors.New("earlier item with the same key failed")

// Item is one unit of a batch.
type Item struct {
	ID   string // identifier reported back on failure
	Key  string // ordering key; items sharing a key are processed in order
	Body []byte
}

// Outcome lists the failed item ids in batch order. Items not listed succeeded.
type Outcome struct {
	Failed []string
	Errors map[string]error
}

// Fail records a failed item.
func (o *Outcome) Fail(id string, err error) {
	if o.Errors == nil {
		o.Errors = make(map[string]error)
	}
	if _, dup := o.Errors[id]; dup {
		return
	}
	o.Failed = append(o.Failed, id)
	o.Errors[id] = err
}

// IsFailed reports whether id is in the failed set.
func (o Outcome) IsFailed(id string) bool {
	_, ok := o.Errors[id]
	return ok
}

// Handler processes a batch.
type Handler interface {
	HandleBatch(ctx context.Context, items []Item) Outcome
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, items []Item) Outcome

func (f HandlerFunc) HandleBatch(ctx context.Context, items []Item) Outcome {
	return f(ctx, items)
}

// Each runs fn on every item sequentially; a failing item never stops its siblings.
func Each(ctx context.Context, items []Item, fn func(ctx context.Context, it Item) error) Outcome {
	var out Outcome
	for _, it := range items {
		if err := safeCall(ctx, it, fn); err != nil {
			out.Fail(it.ID, err)
		}
	}
	return out
}

// RunOrdered processes items grouped by Key. Items of one key run sequentially in
// batch order on a single goroutine; distinct keys run in parallel, at most
// concurrency at a time. After an item fails, the remaining items of its key are
// failed with ErrPredecessorFailed without running.
func RunOrdered(ctx context.Context, items []Item, concurrency int, fn func(ctx context.Context, it Item) error) Outcome {
	if concurrency <= 0 {
		concurrency = 1
	}

	index := make(map[string]int, len(items))
	var keys []string
	groups := make(map[string][]Item)
	for i, it := range items {
		index[it.ID] = i
		if _, ok := groups[it.Key]; !ok {
			keys = append(keys, it.Key)
		}
		groups[it.Key] = append(groups[it.Key], it)
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	failed := make(map[string]error)
	workers := make(chan struct{}, concurrency)
	for _, key := range keys {
		group := groups[key]
		wg.Add(1)
		workers <- struct{}{} // acquire worker slot
		go func() {
			defer wg.Done()
			defer func() { <-workers }()

			var broken bool
			for _, it := range group {
				var err error
				if broken {
					err = ErrPredecessorFailed
				} else if err = safeCall(ctx, it, fn); err != nil {
					broken = true
				}
				if err != nil {
					mu.Lock()
					failed[it.ID] = err
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	ids := make([]string, 0, len(failed))
	for id := range failed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return index[ids[i]] < index[ids[j]] })

	var out Outcome
	for _, id := range ids {
		out.Fail(id, failed[id])
	}
	return out
}

// safeCall keeps a panicking item inside the batch boundary.
func safeCall(ctx context.Context, it Item, fn func(ctx context.Context, it Item) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("item %s panicked: %v", it.ID, r)
		}
	}()
	return fn(ctx, it)
}

// Observer receives per-batch statistics from a stage.
type Observer interface {
	ObserveBatch(stage string, size, failed int, elapsed time.Duration)
}
