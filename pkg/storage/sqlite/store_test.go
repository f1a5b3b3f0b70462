package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/obe711/realm-inspector-go/pkg/adapter"
	"github.com/obe711/realm-inspector-go/pkg/wire"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	store, err := Open(filepath.Join(t.TempDir(), "inspector.db"), Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := store.DefineCollection(ctx, adapter.SchemaInfo{
		Name:       "User",
		PrimaryKey: "id",
		Properties: []adapter.PropertyInfo{
			{Name: "id", Type: adapter.PropString, IsPrimaryKey: true},
			{Name: "name", Type: adapter.PropString},
			{Name: "age", Type: adapter.PropInt, IsOptional: true},
		},
	}); err != nil {
		t.Fatalf("define collection: %v", err)
	}
	return store
}

func createUser(t *testing.T, store *Store, id, name string, age int64) {
	t.Helper()
	_, err := store.Create(context.Background(), "User", map[string]wire.Value{
		"id":   wire.String(id),
		"name": wire.String(name),
		"age":  wire.Int(age),
	})
	if err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func TestStoreCRUD(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	createUser(t, store, "u1", "Ada", 36)

	t.Run("get returns the document", func(t *testing.T) {
		doc, found, err := store.Get(ctx, "User", wire.String("u1"))
		if err != nil || !found {
			t.Fatalf("get: %v, found=%v", err, found)
		}
		if name, _ := doc.Get("name"); !name.Equal(wire.String("Ada")) {
			t.Fatalf("name = %v", name)
		}
	})

	t.Run("duplicate create is rejected", func(t *testing.T) {
		_, err := store.Create(ctx, "User", map[string]wire.Value{"id": wire.String("u1")})
		var ae *adapter.Error
		if !errors.As(err, &ae) || ae.Kind != adapter.AlreadyExists {
			t.Fatalf("err = %v, want AlreadyExists", err)
		}
	})

	t.Run("update merges changes", func(t *testing.T) {
		doc, err := store.Update(ctx, "User", wire.String("u1"), map[string]wire.Value{
			"age": wire.Int(37),
		})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if age, _ := doc.Get("age"); !age.Equal(wire.Int(37)) {
			t.Fatalf("age = %v", age)
		}
		if name, _ := doc.Get("name"); !name.Equal(wire.String("Ada")) {
			t.Fatalf("name lost on merge: %v", name)
		}
	})

	t.Run("update of unknown property fails", func(t *testing.T) {
		_, err := store.Update(ctx, "User", wire.String("u1"), map[string]wire.Value{
			"nickname": wire.String("al"),
		})
		var ae *adapter.Error
		if !errors.As(err, &ae) || ae.Kind != adapter.PropertyNotFound {
			t.Fatalf("err = %v, want PropertyNotFound", err)
		}
	})

	t.Run("primary key is immutable", func(t *testing.T) {
		_, err := store.Update(ctx, "User", wire.String("u1"), map[string]wire.Value{
			"id": wire.String("u2"),
		})
		var ae *adapter.Error
		if !errors.As(err, &ae) || ae.Kind != adapter.WriteFailed {
			t.Fatalf("err = %v, want WriteFailed", err)
		}
	})

	t.Run("delete removes and reports missing", func(t *testing.T) {
		deleted, err := store.Delete(ctx, "User", wire.String("u1"))
		if err != nil || !deleted {
			t.Fatalf("delete: %v, deleted=%v", err, deleted)
		}
		_, err = store.Delete(ctx, "User", wire.String("u1"))
		var ae *adapter.Error
		if !errors.As(err, &ae) || ae.Kind != adapter.NotFound {
			t.Fatalf("err = %v, want NotFound", err)
		}
	})

	t.Run("count of unknown type is rejected", func(t *testing.T) {
		_, err := store.Count(ctx, "Ghost", "")
		var ae *adapter.Error
		if !errors.As(err, &ae) || ae.Kind != adapter.UnknownType {
			t.Fatalf("err = %v, want UnknownType", err)
		}
	})
}

func TestStoreQuery(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	for i := 0; i < 10; i++ {
		createUser(t, store, fmtID(i), "User", int64(20+i))
	}

	t.Run("filter and pagination", func(t *testing.T) {
		result, err := store.Query(ctx, adapter.QueryParams{
			TypeName:  "User",
			Filter:    "age >= 25",
			Ascending: true,
			Limit:     3,
			Skip:      0,
		})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if result.TotalCount != 5 {
			t.Fatalf("totalCount = %d", result.TotalCount)
		}
		if len(result.Documents) != 3 || !result.HasMore {
			t.Fatalf("page = %d docs, hasMore = %v", len(result.Documents), result.HasMore)
		}
	})

	t.Run("sort descending", func(t *testing.T) {
		result, err := store.Query(ctx, adapter.QueryParams{
			TypeName:    "User",
			SortKeyPath: "age",
			Ascending:   false,
			Limit:       1,
		})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if age, _ := result.Documents[0].Get("age"); !age.Equal(wire.Int(29)) {
			t.Fatalf("first age = %v", age)
		}
	})

	t.Run("skip beyond total", func(t *testing.T) {
		result, err := store.Query(ctx, adapter.QueryParams{
			TypeName: "User", Ascending: true, Limit: 10, Skip: 100,
		})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(result.Documents) != 0 || result.HasMore {
			t.Fatalf("docs = %d, hasMore = %v", len(result.Documents), result.HasMore)
		}
	})

	t.Run("invalid predicate", func(t *testing.T) {
		_, err := store.Query(ctx, adapter.QueryParams{TypeName: "User", Filter: "age >>> 3"})
		var ae *adapter.Error
		if !errors.As(err, &ae) || ae.Kind != adapter.InvalidPredicate {
			t.Fatalf("err = %v, want InvalidPredicate", err)
		}
	})
}

func fmtID(i int) string {
	return string(rune('a'+i)) + "-user"
}

func TestStoreInfoAndPurge(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createUser(t, store, "u1", "Ada", 36)
	createUser(t, store, "u2", "Grace", 45)

	info, err := store.Info(ctx)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.ObjectCount != 2 || info.IsInMemory {
		t.Fatalf("info = %+v", info)
	}
	if info.FileSize == nil {
		t.Fatal("file-backed store should report a size")
	}

	result, err := store.DeleteAll(ctx)
	if err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if result.TotalDeleted != 2 || result.CollectionsCleared != 1 {
		t.Fatalf("purge = %+v", result)
	}

	// Purging an already-empty database reports zero deletions.
	result, err = store.DeleteAll(ctx)
	if err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if result.TotalDeleted != 0 {
		t.Fatalf("totalDeleted = %d", result.TotalDeleted)
	}
}

type eventCollector struct {
	t  *testing.T
	ch chan adapter.ChangeEvent
}

func collectEvents(t *testing.T) *eventCollector {
	t.Helper()
	return &eventCollector{t: t, ch: make(chan adapter.ChangeEvent, 16)}
}

func (c *eventCollector) sink(ev adapter.ChangeEvent) { c.ch <- ev }

func (c *eventCollector) wait(n int) []adapter.ChangeEvent {
	c.t.Helper()
	var events []adapter.ChangeEvent
	deadline := time.After(2 * time.Second)
	for len(events) < n {
		select {
		case ev := <-c.ch:
			events = append(events, ev)
		case <-deadline:
			c.t.Fatalf("got %d events, want %d", len(events), n)
		}
	}
	return events
}

func (c *eventCollector) expectNone(wait time.Duration) {
	c.t.Helper()
	select {
	case ev := <-c.ch:
		c.t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(wait):
	}
}

func TestStoreObservation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createUser(t, store, "u1", "Ada", 36)

	obsCtx, err := store.NewObservationContext()
	if err != nil {
		t.Fatalf("new observation context: %v", err)
	}
	defer obsCtx.Close()

	events := collectEvents(t)
	obs, err := obsCtx.Observe("User", "", events.sink)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}

	initial := events.wait(1)[0]
	if initial.Kind != adapter.ChangeInitial || len(initial.Results) != 1 {
		t.Fatalf("initial = %+v", initial)
	}

	t.Run("insert", func(t *testing.T) {
		createUser(t, store, "u2", "Grace", 45)
		ev := events.wait(1)[0]
		if ev.Kind != adapter.ChangeUpdate {
			t.Fatalf("kind = %v", ev.Kind)
		}
		if len(ev.Insertions) != 1 || len(ev.Deletions) != 0 || len(ev.Modifications) != 0 {
			t.Fatalf("event = %+v", ev)
		}
		inserted := ev.Results[ev.Insertions[0]]
		if name, _ := inserted.Get("name"); !name.Equal(wire.String("Grace")) {
			t.Fatalf("inserted = %v", inserted)
		}
	})

	t.Run("modify", func(t *testing.T) {
		if _, err := store.Update(ctx, "User", wire.String("u1"), map[string]wire.Value{"age": wire.Int(37)}); err != nil {
			t.Fatalf("update: %v", err)
		}
		ev := events.wait(1)[0]
		if len(ev.Modifications) != 1 || len(ev.Insertions) != 0 {
			t.Fatalf("event = %+v", ev)
		}
	})

	t.Run("delete reports pre-delete index", func(t *testing.T) {
		// Rows order by pk: u1 at 0, u2 at 1.
		if _, err := store.Delete(ctx, "User", wire.String("u1")); err != nil {
			t.Fatalf("delete: %v", err)
		}
		ev := events.wait(1)[0]
		if len(ev.Deletions) != 1 || ev.Deletions[0] != 0 {
			t.Fatalf("deletions = %v", ev.Deletions)
		}
		if len(ev.Results) != 1 {
			t.Fatalf("results = %d", len(ev.Results))
		}
	})

	t.Run("cancel stops delivery", func(t *testing.T) {
		obs.Cancel()
		createUser(t, store, "u3", "Edsger", 50)
		events.expectNone(100 * time.Millisecond)
	})
}

func TestStoreFilteredObservation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	obsCtx, err := store.NewObservationContext()
	if err != nil {
		t.Fatalf("new observation context: %v", err)
	}
	defer obsCtx.Close()

	events := collectEvents(t)
	if _, err := obsCtx.Observe("User", "age >= 40", events.sink); err != nil {
		t.Fatalf("observe: %v", err)
	}
	events.wait(1) // initial, empty

	// A document outside the filter never produces an update event; one
	// inside does.
	createUser(t, store, "u1", "Ada", 36)
	createUser(t, store, "u2", "Grace", 45)
	ev := events.wait(1)[0]
	if len(ev.Insertions) != 1 {
		t.Fatalf("event = %+v", ev)
	}
	doc := ev.Results[ev.Insertions[0]]
	if name, _ := doc.Get("name"); !name.Equal(wire.String("Grace")) {
		t.Fatalf("inserted = %v", doc)
	}

	// An update moving a document into the filter window shows up as an
	// insertion of that document.
	if _, err := store.Update(ctx, "User", wire.String("u1"), map[string]wire.Value{"age": wire.Int(41)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	ev = events.wait(1)[0]
	if len(ev.Insertions) != 1 || len(ev.Modifications) != 0 {
		t.Fatalf("event = %+v", ev)
	}

	t.Run("invalid filter is rejected at registration", func(t *testing.T) {
		_, err := obsCtx.Observe("User", "age ~~ 2", func(adapter.ChangeEvent) {})
		var ae *adapter.Error
		if !errors.As(err, &ae) || ae.Kind != adapter.InvalidPredicate {
			t.Fatalf("err = %v, want InvalidPredicate", err)
		}
	})
}

func TestStoreGeneratesPrimaryKey(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	doc, err := store.Create(ctx, "User", map[string]wire.Value{"name": wire.String("NoKey")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id, ok := doc.Get("id")
	if !ok || id.IsNull() {
		t.Fatal("store should assign a generated primary key")
	}
}
