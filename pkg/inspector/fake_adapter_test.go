package inspector

import (
	"context"
	"fmt"
	"sync"

	"github.com/obe711/realm-inspector-go/pkg/adapter"
	"github.com/obe711/realm-inspector-go/pkg/wire"
)

// fakeAdapter is an in-memory backend for protocol tests. Documents are
// stored per type in insertion order; observations deliver synchronously
// from emit.
type fakeAdapter struct {
	mu      sync.Mutex
	schemas []adapter.SchemaInfo
	docs    map[string][]wire.Value

	getCalls []fakeGetCall

	nextObs int
	obs     map[int]*fakeObservation
}

type fakeGetCall struct {
	typeName string
	key      wire.Value
}

type fakeObservation struct {
	id       int
	typeName string
	sink     adapter.Sink
	fake     *fakeAdapter
}

func (o *fakeObservation) Cancel() {
	o.fake.mu.Lock()
	defer o.fake.mu.Unlock()
	delete(o.fake.obs, o.id)
}

type fakeObsContext struct {
	fake   *fakeAdapter
	closed bool
}

func (c *fakeObsContext) Observe(typeName, filter string, sink adapter.Sink) (adapter.Observation, error) {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()
	found := false
	for _, s := range c.fake.schemas {
		if s.Name == typeName {
			found = true
		}
	}
	if !found {
		return nil, adapter.ErrUnknownType(typeName)
	}
	c.fake.nextObs++
	o := &fakeObservation{id: c.fake.nextObs, typeName: typeName, sink: sink, fake: c.fake}
	c.fake.obs[o.id] = o
	return o, nil
}

func (c *fakeObsContext) Close() { c.closed = true }

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		docs: make(map[string][]wire.Value),
		obs:  make(map[int]*fakeObservation),
	}
}

func (f *fakeAdapter) addSchema(schema adapter.SchemaInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schemas = append(f.schemas, schema)
}

func (f *fakeAdapter) addDocs(typeName string, docs ...wire.Value) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[typeName] = append(f.docs[typeName], docs...)
}

// emit pushes a change event to every observation on typeName.
func (f *fakeAdapter) emit(typeName string, ev adapter.ChangeEvent) {
	f.mu.Lock()
	sinks := make([]adapter.Sink, 0, len(f.obs))
	for _, o := range f.obs {
		if o.typeName == typeName {
			sinks = append(sinks, o.sink)
		}
	}
	f.mu.Unlock()
	for _, sink := range sinks {
		sink(ev)
	}
}

func (f *fakeAdapter) observationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.obs)
}

func (f *fakeAdapter) Info(ctx context.Context) (adapter.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, docs := range f.docs {
		count += int64(len(docs))
	}
	return adapter.Info{Path: "fake://db", SchemaVersion: 3, ObjectCount: count, IsInMemory: true}, nil
}

func (f *fakeAdapter) ListSchemas(ctx context.Context) ([]adapter.SchemaInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]adapter.SchemaInfo(nil), f.schemas...), nil
}

func (f *fakeAdapter) GetSchema(ctx context.Context, typeName string) (*adapter.SchemaInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.schemas {
		if f.schemas[i].Name == typeName {
			s := f.schemas[i]
			return &s, nil
		}
	}
	return nil, nil
}

func (f *fakeAdapter) requireSchema(typeName string) error {
	for i := range f.schemas {
		if f.schemas[i].Name == typeName {
			return nil
		}
	}
	return adapter.ErrUnknownType(typeName)
}

func (f *fakeAdapter) Count(ctx context.Context, typeName, filter string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.requireSchema(typeName); err != nil {
		return 0, err
	}
	return int64(len(f.docs[typeName])), nil
}

func (f *fakeAdapter) Query(ctx context.Context, params adapter.QueryParams) (adapter.QueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.requireSchema(params.TypeName); err != nil {
		return adapter.QueryResult{}, err
	}
	all := f.docs[params.TypeName]
	total := int64(len(all))
	start := params.Skip
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := start + params.Limit
	if end > total {
		end = total
	}
	page := append([]wire.Value(nil), all[start:end]...)
	return adapter.QueryResult{
		Documents:  page,
		TotalCount: total,
		Skip:       params.Skip,
		Limit:      params.Limit,
		HasMore:    start+int64(len(page)) < total,
	}, nil
}

func (f *fakeAdapter) Get(ctx context.Context, typeName string, primaryKey wire.Value) (wire.Value, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.requireSchema(typeName); err != nil {
		return wire.Value{}, false, err
	}
	f.getCalls = append(f.getCalls, fakeGetCall{typeName: typeName, key: primaryKey})
	for _, doc := range f.docs[typeName] {
		if id, ok := doc.Get("id"); ok && id.Equal(primaryKey) {
			return doc, true, nil
		}
	}
	return wire.Value{}, false, nil
}

func (f *fakeAdapter) Create(ctx context.Context, typeName string, data map[string]wire.Value) (wire.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.requireSchema(typeName); err != nil {
		return wire.Value{}, err
	}
	doc := wire.Object(data)
	f.docs[typeName] = append(f.docs[typeName], doc)
	return doc, nil
}

func (f *fakeAdapter) Update(ctx context.Context, typeName string, primaryKey wire.Value, changes map[string]wire.Value) (wire.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.requireSchema(typeName); err != nil {
		return wire.Value{}, err
	}
	for i, doc := range f.docs[typeName] {
		id, _ := doc.Get("id")
		if !id.Equal(primaryKey) {
			continue
		}
		fields, _ := doc.AsMap()
		merged := make(map[string]wire.Value, len(fields)+len(changes))
		for k, v := range fields {
			merged[k] = v
		}
		for k, v := range changes {
			merged[k] = v
		}
		updated := wire.Object(merged)
		f.docs[typeName][i] = updated
		return updated, nil
	}
	return wire.Value{}, adapter.Errf(adapter.NotFound, "Object not found in '%s'", typeName)
}

func (f *fakeAdapter) Delete(ctx context.Context, typeName string, primaryKey wire.Value) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.requireSchema(typeName); err != nil {
		return false, err
	}
	for i, doc := range f.docs[typeName] {
		if id, ok := doc.Get("id"); ok && id.Equal(primaryKey) {
			f.docs[typeName] = append(f.docs[typeName][:i], f.docs[typeName][i+1:]...)
			return true, nil
		}
	}
	return false, adapter.Errf(adapter.NotFound, "Object not found in '%s'", typeName)
}

func (f *fakeAdapter) DeleteAllIn(ctx context.Context, typeName string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.requireSchema(typeName); err != nil {
		return 0, err
	}
	count := int64(len(f.docs[typeName]))
	f.docs[typeName] = nil
	return count, nil
}

func (f *fakeAdapter) DeleteAll(ctx context.Context) (adapter.PurgeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := adapter.PurgeResult{}
	for _, schema := range f.schemas {
		result.CollectionsCleared++
		result.TotalDeleted += int64(len(f.docs[schema.Name]))
		result.Collections = append(result.Collections, schema.Name)
		f.docs[schema.Name] = nil
	}
	return result, nil
}

func (f *fakeAdapter) NewObservationContext() (adapter.ObservationContext, error) {
	return &fakeObsContext{fake: f}, nil
}

func userDocs(n int) []wire.Value {
	docs := make([]wire.Value, 0, n)
	for i := 0; i < n; i++ {
		docs = append(docs, wire.Object(map[string]wire.Value{
			"id":   wire.String(fmt.Sprintf("u%03d", i)),
			"name": wire.String(fmt.Sprintf("User %d", i)),
		}))
	}
	return docs
}

func userSchema() adapter.SchemaInfo {
	return adapter.SchemaInfo{
		Name:       "User",
		PrimaryKey: "id",
		Properties: []adapter.PropertyInfo{
			{Name: "id", Type: adapter.PropString, IsPrimaryKey: true},
			{Name: "name", Type: adapter.PropString},
		},
	}
}
