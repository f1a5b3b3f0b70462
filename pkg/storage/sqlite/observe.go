package sqlite

import (
	"context"
	"sync"

	"github.com/obe711/realm-inspector-go/pkg/adapter"
	"github.com/obe711/realm-inspector-go/pkg/wire"
)

// Observations are fed from the write path: every mutation captures the
// matching result set per observer before the write, recomputes it after,
// and publishes the diff onto the observer's context. Writes that bypass
// this store are invisible to its observations.

// obsContext is a dedicated delivery goroutine; all events for observations
// registered through it fire serially on that goroutine.
type obsContext struct {
	store *Store

	mu     sync.Mutex
	tasks  chan func()
	closed bool
	done   chan struct{}
}

// NewObservationContext implements adapter.Adapter.
func (s *Store) NewObservationContext() (adapter.ObservationContext, error) {
	c := &obsContext{
		store: s,
		tasks: make(chan func(), 64),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		for task := range c.tasks {
			task()
		}
	}()
	return c, nil
}

func (c *obsContext) post(task func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.tasks <- task
}

// Close stops the delivery goroutine. Pending events still drain.
func (c *obsContext) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.tasks)
	c.mu.Unlock()
	<-c.done
}

// Observe implements adapter.ObservationContext. The Initial event fires
// asynchronously on the context with the current result set.
func (c *obsContext) Observe(typeName, filter string, sink adapter.Sink) (adapter.Observation, error) {
	ctx := context.Background()
	schema, err := c.store.requireSchema(ctx, typeName)
	if err != nil {
		return nil, err
	}
	pred, err := parseFilter(filter)
	if err != nil {
		return nil, err
	}

	s := c.store
	s.obsMu.Lock()
	s.nextObsID++
	o := &observer{
		id:         s.nextObsID,
		store:      s,
		ctx:        c,
		collection: typeName,
		schema:     schema,
		pred:       pred,
		sink:       sink,
	}
	s.observers[o.id] = o
	s.obsMu.Unlock()

	docs, err := s.loadCollection(ctx, typeName)
	if err == nil {
		initial := filterRows(docs, pred)
		c.post(func() {
			if o.active() {
				sink(adapter.ChangeEvent{Kind: adapter.ChangeInitial, Results: s.serializeRows(ctx, schema, initial)})
			}
		})
	}
	return o, nil
}

type observer struct {
	id         int64
	store      *Store
	ctx        *obsContext
	collection string
	schema     *adapter.SchemaInfo
	pred       predicate
	sink       adapter.Sink

	mu        sync.Mutex
	cancelled bool
}

func (o *observer) active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.cancelled
}

// Cancel implements adapter.Observation; idempotent.
func (o *observer) Cancel() {
	o.mu.Lock()
	if o.cancelled {
		o.mu.Unlock()
		return
	}
	o.cancelled = true
	o.mu.Unlock()

	o.store.obsMu.Lock()
	delete(o.store.observers, o.id)
	o.store.obsMu.Unlock()
}

func (s *Store) observersFor(collection string) []*observer {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	var out []*observer
	for _, o := range s.observers {
		if o.collection == collection {
			out = append(out, o)
		}
	}
	return out
}

// baseline is the per-observer filtered result set before a mutation.
type baseline struct {
	observers []*observer
	rows      map[int64][]docRow
}

// captureBaseline snapshots the pre-mutation result sets for every observer
// of the collection. Nil when nothing observes it.
func (s *Store) captureBaseline(ctx context.Context, collection string) *baseline {
	observers := s.observersFor(collection)
	if len(observers) == 0 {
		return nil
	}
	docs, err := s.loadCollection(ctx, collection)
	if err != nil {
		return nil
	}
	b := &baseline{observers: observers, rows: make(map[int64][]docRow, len(observers))}
	for _, o := range observers {
		b.rows[o.id] = filterRows(docs, o.pred)
	}
	return b
}

// publishChanges diffs the post-mutation state against the baseline and
// posts one update event per observer whose result set changed.
func (s *Store) publishChanges(ctx context.Context, collection string, schema *adapter.SchemaInfo, pre *baseline) {
	if pre == nil {
		return
	}
	docs, err := s.loadCollection(ctx, collection)
	if err != nil {
		return
	}
	for _, o := range pre.observers {
		post := filterRows(docs, o.pred)
		ins, del, mod := diffRows(pre.rows[o.id], post)
		if len(ins) == 0 && len(del) == 0 && len(mod) == 0 {
			continue
		}
		obs := o
		ev := adapter.ChangeEvent{
			Kind:          adapter.ChangeUpdate,
			Results:       s.serializeRows(ctx, schema, post),
			Insertions:    ins,
			Deletions:     del,
			Modifications: mod,
		}
		obs.ctx.post(func() {
			if obs.active() {
				obs.sink(ev)
			}
		})
	}
}

func filterRows(docs []docRow, pred predicate) []docRow {
	if pred == nil {
		out := make([]docRow, len(docs))
		copy(out, docs)
		return out
	}
	var out []docRow
	for _, doc := range docs {
		if pred.matches(doc.body) {
			out = append(out, doc)
		}
	}
	return out
}

// diffRows compares two ordered result sets by primary key. Insertion and
// modification indices reference the post set; deletion indices reference
// the pre set.
func diffRows(pre, post []docRow) (insertions, deletions, modifications []int) {
	preByPK := make(map[string]docRow, len(pre))
	for _, doc := range pre {
		preByPK[doc.pk] = doc
	}
	postPKs := make(map[string]struct{}, len(post))
	for _, doc := range post {
		postPKs[doc.pk] = struct{}{}
	}
	for i, doc := range post {
		old, ok := preByPK[doc.pk]
		switch {
		case !ok:
			insertions = append(insertions, i)
		case old.raw != doc.raw:
			modifications = append(modifications, i)
		}
	}
	for i, doc := range pre {
		if _, ok := postPKs[doc.pk]; !ok {
			deletions = append(deletions, i)
		}
	}
	return insertions, deletions, modifications
}

func (s *Store) serializeRows(ctx context.Context, schema *adapter.SchemaInfo, docs []docRow) []wire.Value {
	out := make([]wire.Value, 0, len(docs))
	for _, doc := range docs {
		out = append(out, s.serializeDoc(ctx, schema, doc.body, 0))
	}
	return out
}
