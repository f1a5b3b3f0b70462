// Package adapter defines the narrow contract the inspector server requires
// of an underlying embedded database: schema introspection, paginated
// queries, reads and writes by primary key, purges, and live observation.
// Any implementation satisfying Adapter is a valid backend.
package adapter

import (
	"context"

	"github.com/obe711/realm-inspector-go/pkg/wire"
)

// Info describes the open database.
type Info struct {
	Path          string
	SchemaVersion uint64
	ObjectCount   int64
	// FileSize is nil when the backend has no on-disk representation.
	FileSize      *int64
	IsInMemory    bool
	IsSyncEnabled bool
}

// Property type tags, human readable. Link and linking-objects tags carry
// the target class in angle brackets, e.g. "Link<User>".
const (
	PropInt        = "Int"
	PropBool       = "Bool"
	PropFloat      = "Float"
	PropDouble     = "Double"
	PropString     = "String"
	PropData       = "Data"
	PropDate       = "Date"
	PropObjectID   = "ObjectId"
	PropDecimal128 = "Decimal128"
	PropAny        = "AnyRealmValue"
	PropUnknown    = "Unknown"
)

// PropertyInfo describes one schema property.
type PropertyInfo struct {
	Name            string `json:"name"`
	Type            string `json:"type"`
	IsOptional      bool   `json:"isOptional"`
	IsPrimaryKey    bool   `json:"isPrimaryKey"`
	IsIndexed       bool   `json:"isIndexed"`
	ObjectClassName string `json:"objectClassName,omitempty"`
}

// SchemaInfo describes one object type.
type SchemaInfo struct {
	Name       string         `json:"name"`
	PrimaryKey string         `json:"primaryKey,omitempty"`
	Properties []PropertyInfo `json:"properties"`
	IsEmbedded bool           `json:"isEmbedded"`
}

// Property returns the named property, or nil.
func (s *SchemaInfo) Property(name string) *PropertyInfo {
	for i := range s.Properties {
		if s.Properties[i].Name == name {
			return &s.Properties[i]
		}
	}
	return nil
}

// QueryParams selects a page of documents. Defaults are applied by the
// dispatcher, not the adapter.
type QueryParams struct {
	TypeName    string
	Filter      string
	SortKeyPath string
	Ascending   bool
	Limit       int64
	Skip        int64
}

// QueryResult is one page plus the paging bookkeeping.
type QueryResult struct {
	Documents  []wire.Value
	TotalCount int64
	Skip       int64
	Limit      int64
	HasMore    bool
}

// PurgeResult summarizes a whole-database purge.
type PurgeResult struct {
	CollectionsCleared int64
	TotalDeleted       int64
	Collections        []string
}

// ChangeEventKind tags a ChangeEvent.
type ChangeEventKind int

const (
	// ChangeInitial delivers the result set once at registration.
	ChangeInitial ChangeEventKind = iota
	// ChangeUpdate delivers a diff against the previous result set.
	ChangeUpdate
	// ChangeError reports an observation failure.
	ChangeError
)

// ChangeEvent is one observation callback. For ChangeUpdate, the index
// slices reference positions in Results after the update, except Deletions
// which index the pre-update result set.
type ChangeEvent struct {
	Kind          ChangeEventKind
	Results       []wire.Value
	Deletions     []int
	Insertions    []int
	Modifications []int
	Err           error
}

// Sink consumes change events for one observation.
type Sink func(ChangeEvent)

// Observation is a live registration; Cancel stops delivery. Cancel is
// idempotent.
type Observation interface {
	Cancel()
}

// ObservationContext is an adapter-owned execution context suitable for
// long-lived observation. All events registered through one context are
// delivered serially on that context, honoring the thread-affinity rule
// embedded object databases impose. The context must stay alive until every
// observation created through it has been cancelled.
type ObservationContext interface {
	Observe(typeName, filter string, sink Sink) (Observation, error)
	Close()
}

// Adapter is the complete backend contract.
type Adapter interface {
	Info(ctx context.Context) (Info, error)
	ListSchemas(ctx context.Context) ([]SchemaInfo, error)
	// GetSchema returns nil when the type is unknown.
	GetSchema(ctx context.Context, typeName string) (*SchemaInfo, error)
	Count(ctx context.Context, typeName, filter string) (int64, error)
	Query(ctx context.Context, params QueryParams) (QueryResult, error)
	// Get reports found=false when no document has the given key.
	Get(ctx context.Context, typeName string, primaryKey wire.Value) (doc wire.Value, found bool, err error)
	Create(ctx context.Context, typeName string, data map[string]wire.Value) (wire.Value, error)
	Update(ctx context.Context, typeName string, primaryKey wire.Value, changes map[string]wire.Value) (wire.Value, error)
	Delete(ctx context.Context, typeName string, primaryKey wire.Value) (bool, error)
	DeleteAllIn(ctx context.Context, typeName string) (int64, error)
	DeleteAll(ctx context.Context) (PurgeResult, error)
	// NewObservationContext acquires a fresh context for long-lived
	// observation. The caller owns it and must Close it after cancelling
	// its observations.
	NewObservationContext() (ObservationContext, error)
}
