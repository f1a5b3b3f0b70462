package inspector

import (
	"context"
	"fmt"
	"time"

	"github.com/obe711/realm-inspector-go/pkg/adapter"
	"github.com/obe711/realm-inspector-go/pkg/logging"
	"github.com/obe711/realm-inspector-go/pkg/wire"
)

const (
	defaultQueryLimit = 50
)

// Dispatcher decodes a request, validates parameters, invokes the adapter
// and serializes a response. All adapter calls run on the single run loop
// passed in, honoring the backend's thread-affinity rule.
type Dispatcher struct {
	adapter adapter.Adapter
	loop    *runLoop
	logger  *logging.Logger
	// onMutation, when set, observes successful mutating operations
	// (audit trail hook).
	onMutation func(op wire.RequestKind, typeName string)
}

// NewDispatcher constructs a dispatcher bound to one adapter run loop.
func NewDispatcher(a adapter.Adapter, loop *runLoop, logger *logging.Logger) *Dispatcher {
	return &Dispatcher{adapter: a, loop: loop, logger: logger}
}

// Dispatch computes a response for req and invokes reply exactly once.
// reply fires on the adapter run loop; replies into a dead client are
// harmless no-ops.
func (d *Dispatcher) Dispatch(req *wire.Request, reply func(*wire.Response)) {
	ok := d.loop.Do(func() {
		reply(d.handle(context.Background(), req))
	})
	if !ok {
		d.logger.Debugf("dispatch after shutdown: dropping %s request %s", req.Type, req.ID)
	}
}

func (d *Dispatcher) handle(ctx context.Context, req *wire.Request) *wire.Response {
	data, err := d.invoke(ctx, req)
	if err != nil {
		return failureResponse(req.ID, err)
	}
	return successResponse(req.ID, data)
}

func (d *Dispatcher) invoke(ctx context.Context, req *wire.Request) (wire.Value, error) {
	switch req.Type {
	case wire.RequestPing:
		return wire.Object(map[string]wire.Value{
			"pong":      wire.Bool(true),
			"timestamp": wire.Int(time.Now().UnixMilli()),
		}), nil
	case wire.RequestGetRealmInfo:
		return d.handleInfo(ctx)
	case wire.RequestListSchemas:
		return d.handleListSchemas(ctx)
	case wire.RequestGetSchema:
		return d.handleGetSchema(ctx, req)
	case wire.RequestQueryDocuments:
		return d.handleQuery(ctx, req)
	case wire.RequestGetDocument:
		return d.handleGetDocument(ctx, req)
	case wire.RequestCountDocuments:
		return d.handleCount(ctx, req)
	case wire.RequestCreateDocument:
		return d.handleCreate(ctx, req)
	case wire.RequestUpdateDocument:
		return d.handleUpdate(ctx, req)
	case wire.RequestDeleteDocument:
		return d.handleDelete(ctx, req)
	case wire.RequestDeleteAllInCollection:
		return d.handleDeleteAllIn(ctx, req)
	case wire.RequestDeleteAllInDatabase:
		return d.handleDeleteAll(ctx)
	default:
		// subscribe/unsubscribe are routed to the subscription manager by
		// the server; anything else cannot survive decoding.
		return wire.Value{}, fmt.Errorf("unsupported operation '%s'", req.Type)
	}
}

func (d *Dispatcher) handleInfo(ctx context.Context) (wire.Value, error) {
	info, err := d.adapter.Info(ctx)
	if err != nil {
		return wire.Value{}, err
	}
	fields := map[string]wire.Value{
		"path":          wire.String(info.Path),
		"schemaVersion": wire.Int(int64(info.SchemaVersion)),
		"objectCount":   wire.Int(info.ObjectCount),
		"isInMemory":    wire.Bool(info.IsInMemory),
		"isSyncEnabled": wire.Bool(info.IsSyncEnabled),
	}
	if info.FileSize != nil {
		fields["fileSize"] = wire.Int(*info.FileSize)
	}
	return wire.Object(fields), nil
}

func (d *Dispatcher) handleListSchemas(ctx context.Context) (wire.Value, error) {
	schemas, err := d.adapter.ListSchemas(ctx)
	if err != nil {
		return wire.Value{}, err
	}
	items := make([]wire.Value, 0, len(schemas))
	for _, schema := range schemas {
		count, err := d.adapter.Count(ctx, schema.Name, "")
		if err != nil {
			return wire.Value{}, err
		}
		items = append(items, wire.Object(map[string]wire.Value{
			"name":          wire.String(schema.Name),
			"primaryKey":    optionalString(schema.PrimaryKey),
			"propertyCount": wire.Int(int64(len(schema.Properties))),
			"isEmbedded":    wire.Bool(schema.IsEmbedded),
			"objectCount":   wire.Int(count),
		}))
	}
	return wire.List(items), nil
}

func (d *Dispatcher) handleGetSchema(ctx context.Context, req *wire.Request) (wire.Value, error) {
	typeName, err := stringParam(req, "typeName")
	if err != nil {
		return wire.Value{}, err
	}
	schema, err := d.adapter.GetSchema(ctx, typeName)
	if err != nil {
		return wire.Value{}, err
	}
	if schema == nil {
		return wire.Value{}, fmt.Errorf("Schema '%s' not found", typeName)
	}
	return schemaValue(schema), nil
}

func schemaValue(schema *adapter.SchemaInfo) wire.Value {
	props := make([]wire.Value, 0, len(schema.Properties))
	for _, p := range schema.Properties {
		fields := map[string]wire.Value{
			"name":         wire.String(p.Name),
			"type":         wire.String(p.Type),
			"isOptional":   wire.Bool(p.IsOptional),
			"isPrimaryKey": wire.Bool(p.IsPrimaryKey),
			"isIndexed":    wire.Bool(p.IsIndexed),
		}
		if p.ObjectClassName != "" {
			fields["objectClassName"] = wire.String(p.ObjectClassName)
		}
		props = append(props, wire.Object(fields))
	}
	return wire.Object(map[string]wire.Value{
		"name":       wire.String(schema.Name),
		"primaryKey": optionalString(schema.PrimaryKey),
		"isEmbedded": wire.Bool(schema.IsEmbedded),
		"properties": wire.List(props),
	})
}

func (d *Dispatcher) handleQuery(ctx context.Context, req *wire.Request) (wire.Value, error) {
	typeName, err := stringParam(req, "typeName")
	if err != nil {
		return wire.Value{}, err
	}
	params := adapter.QueryParams{
		TypeName:  typeName,
		Ascending: true,
		Limit:     defaultQueryLimit,
	}
	if filter, ok, err := optStringParam(req, "filter"); err != nil {
		return wire.Value{}, err
	} else if ok {
		params.Filter = filter
	}
	if sort, ok, err := optStringParam(req, "sortKeyPath"); err != nil {
		return wire.Value{}, err
	} else if ok {
		params.SortKeyPath = sort
	}
	if asc, ok, err := optBoolParam(req, "ascending"); err != nil {
		return wire.Value{}, err
	} else if ok {
		params.Ascending = asc
	}
	if limit, ok, err := optIntParam(req, "limit"); err != nil {
		return wire.Value{}, err
	} else if ok {
		params.Limit = limit
	}
	if skip, ok, err := optIntParam(req, "skip"); err != nil {
		return wire.Value{}, err
	} else if ok {
		params.Skip = skip
	}
	result, err := d.adapter.Query(ctx, params)
	if err != nil {
		return wire.Value{}, err
	}
	return wire.Object(map[string]wire.Value{
		"documents":  wire.List(result.Documents),
		"totalCount": wire.Int(result.TotalCount),
		"skip":       wire.Int(result.Skip),
		"limit":      wire.Int(result.Limit),
		"hasMore":    wire.Bool(result.HasMore),
	}), nil
}

func (d *Dispatcher) handleGetDocument(ctx context.Context, req *wire.Request) (wire.Value, error) {
	typeName, err := stringParam(req, "typeName")
	if err != nil {
		return wire.Value{}, err
	}
	pk, err := primaryKeyParam(req)
	if err != nil {
		return wire.Value{}, err
	}
	doc, found, err := d.adapter.Get(ctx, typeName, pk)
	if err != nil {
		return wire.Value{}, err
	}
	if !found {
		return wire.Null(), nil
	}
	return doc, nil
}

func (d *Dispatcher) handleCount(ctx context.Context, req *wire.Request) (wire.Value, error) {
	typeName, err := stringParam(req, "typeName")
	if err != nil {
		return wire.Value{}, err
	}
	filter, _, err := optStringParam(req, "filter")
	if err != nil {
		return wire.Value{}, err
	}
	count, err := d.adapter.Count(ctx, typeName, filter)
	if err != nil {
		return wire.Value{}, err
	}
	return wire.Object(map[string]wire.Value{"count": wire.Int(count)}), nil
}

func (d *Dispatcher) handleCreate(ctx context.Context, req *wire.Request) (wire.Value, error) {
	typeName, err := stringParam(req, "typeName")
	if err != nil {
		return wire.Value{}, err
	}
	data, err := objectParam(req, "data")
	if err != nil {
		return wire.Value{}, err
	}
	doc, err := d.adapter.Create(ctx, typeName, data)
	if err != nil {
		return wire.Value{}, err
	}
	d.notifyMutation(wire.RequestCreateDocument, typeName)
	return doc, nil
}

func (d *Dispatcher) handleUpdate(ctx context.Context, req *wire.Request) (wire.Value, error) {
	typeName, err := stringParam(req, "typeName")
	if err != nil {
		return wire.Value{}, err
	}
	pk, err := primaryKeyParam(req)
	if err != nil {
		return wire.Value{}, err
	}
	// The changed fields travel under "changes", with "data" accepted as a
	// legacy alias.
	changes, chErr := objectParam(req, "changes")
	if chErr != nil {
		var dataErr error
		changes, dataErr = objectParam(req, "data")
		if dataErr != nil {
			return wire.Value{}, chErr
		}
	}
	doc, err := d.adapter.Update(ctx, typeName, pk, changes)
	if err != nil {
		return wire.Value{}, err
	}
	d.notifyMutation(wire.RequestUpdateDocument, typeName)
	return doc, nil
}

func (d *Dispatcher) handleDelete(ctx context.Context, req *wire.Request) (wire.Value, error) {
	typeName, err := stringParam(req, "typeName")
	if err != nil {
		return wire.Value{}, err
	}
	pk, err := primaryKeyParam(req)
	if err != nil {
		return wire.Value{}, err
	}
	deleted, err := d.adapter.Delete(ctx, typeName, pk)
	if err != nil {
		return wire.Value{}, err
	}
	d.notifyMutation(wire.RequestDeleteDocument, typeName)
	return wire.Object(map[string]wire.Value{"deleted": wire.Bool(deleted)}), nil
}

func (d *Dispatcher) handleDeleteAllIn(ctx context.Context, req *wire.Request) (wire.Value, error) {
	typeName, err := stringParam(req, "typeName")
	if err != nil {
		return wire.Value{}, err
	}
	count, err := d.adapter.DeleteAllIn(ctx, typeName)
	if err != nil {
		return wire.Value{}, err
	}
	d.notifyMutation(wire.RequestDeleteAllInCollection, typeName)
	return wire.Object(map[string]wire.Value{"deletedCount": wire.Int(count)}), nil
}

func (d *Dispatcher) handleDeleteAll(ctx context.Context) (wire.Value, error) {
	result, err := d.adapter.DeleteAll(ctx)
	if err != nil {
		return wire.Value{}, err
	}
	collections := make([]wire.Value, 0, len(result.Collections))
	for _, name := range result.Collections {
		collections = append(collections, wire.String(name))
	}
	d.notifyMutation(wire.RequestDeleteAllInDatabase, "")
	return wire.Object(map[string]wire.Value{
		"collectionsCleared": wire.Int(result.CollectionsCleared),
		"totalDeleted":       wire.Int(result.TotalDeleted),
		"collections":        wire.List(collections),
	}), nil
}

func (d *Dispatcher) notifyMutation(op wire.RequestKind, typeName string) {
	if d.onMutation != nil {
		d.onMutation(op, typeName)
	}
}

// Parameter helpers. Missing required parameters and wrong-typed parameters
// surface as protocol errors on the response.

func stringParam(req *wire.Request, name string) (string, error) {
	v, ok := req.Param(name)
	if !ok {
		return "", fmt.Errorf("Missing required parameter '%s'", name)
	}
	s, ok := v.AsString()
	if !ok {
		return "", fmt.Errorf("Invalid parameter '%s': expected string", name)
	}
	return s, nil
}

func optStringParam(req *wire.Request, name string) (string, bool, error) {
	v, ok := req.Param(name)
	if !ok || v.IsNull() {
		return "", false, nil
	}
	s, ok := v.AsString()
	if !ok {
		return "", false, fmt.Errorf("Invalid parameter '%s': expected string", name)
	}
	return s, true, nil
}

func optBoolParam(req *wire.Request, name string) (bool, bool, error) {
	v, ok := req.Param(name)
	if !ok || v.IsNull() {
		return false, false, nil
	}
	b, ok := v.AsBool()
	if !ok {
		return false, false, fmt.Errorf("Invalid parameter '%s': expected bool", name)
	}
	return b, true, nil
}

func optIntParam(req *wire.Request, name string) (int64, bool, error) {
	v, ok := req.Param(name)
	if !ok || v.IsNull() {
		return 0, false, nil
	}
	if i, ok := v.AsInt64(); ok {
		return i, true, nil
	}
	if f, ok := v.AsFloat64(); ok {
		return int64(f), true, nil
	}
	return 0, false, fmt.Errorf("Invalid parameter '%s': expected number", name)
}

func objectParam(req *wire.Request, name string) (map[string]wire.Value, error) {
	v, ok := req.Param(name)
	if !ok {
		return nil, fmt.Errorf("Missing required parameter '%s'", name)
	}
	m, ok := v.AsMap()
	if !ok {
		return nil, fmt.Errorf("Invalid parameter '%s': expected object", name)
	}
	return m, nil
}

// primaryKeyParam unwraps structured wire forms (ObjectId, Decimal128, and
// friends) to their inner scalar before the key reaches the adapter. Bare
// scalars pass through unchanged.
func primaryKeyParam(req *wire.Request) (wire.Value, error) {
	v, ok := req.Param("primaryKey")
	if !ok {
		return wire.Value{}, fmt.Errorf("Missing required parameter 'primaryKey'")
	}
	return unwrapPrimaryKey(v), nil
}

func unwrapPrimaryKey(v wire.Value) wire.Value {
	switch v.Kind() {
	case wire.KindObjectID:
		s, _ := v.AsObjectID()
		return wire.String(s)
	case wire.KindUUID:
		s, _ := v.AsUUID()
		return wire.String(s)
	case wire.KindDecimal128:
		s, _ := v.AsDecimal128()
		return wire.String(s)
	case wire.KindObject:
		// An unrecognized typed wrapper still unwraps to its value field.
		if _, ok := v.Get("_type"); ok {
			if inner, ok := v.Get("value"); ok {
				return unwrapPrimaryKey(inner)
			}
		}
		return v
	default:
		return v
	}
}

func successResponse(id string, data wire.Value) *wire.Response {
	return &wire.Response{
		ID:        id,
		Success:   true,
		Data:      &data,
		Timestamp: wire.Timestamp(time.Now()),
	}
}

func failureResponse(id string, err error) *wire.Response {
	msg := err.Error()
	return &wire.Response{
		ID:        id,
		Success:   false,
		Error:     &msg,
		Timestamp: wire.Timestamp(time.Now()),
	}
}

func optionalString(s string) wire.Value {
	if s == "" {
		return wire.Null()
	}
	return wire.String(s)
}
