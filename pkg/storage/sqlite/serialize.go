package sqlite

import (
	"context"
	"strings"

	"github.com/obe711/realm-inspector-go/pkg/adapter"
	"github.com/obe711/realm-inspector-go/pkg/wire"
)

// Document serialization resolves the object graph up to the configured
// depth. A Link<T> property stores the target's primary key; within the
// depth bound the target document is embedded in full, beyond it a
// Reference marker is emitted. LinkingObjects<T> properties are computed
// backlinks, truncated at the configured list bound.

func linkTarget(propType string) (string, bool) {
	if strings.HasPrefix(propType, "Link<") && strings.HasSuffix(propType, ">") {
		return propType[len("Link<") : len(propType)-1], true
	}
	return "", false
}

func linkingObjectsTarget(propType string) (string, bool) {
	if strings.HasPrefix(propType, "LinkingObjects<") && strings.HasSuffix(propType, ">") {
		return propType[len("LinkingObjects<") : len(propType)-1], true
	}
	return "", false
}

func (s *Store) serializeDoc(ctx context.Context, schema *adapter.SchemaInfo, body map[string]wire.Value, depth int) wire.Value {
	out := make(map[string]wire.Value, len(body))
	for k, v := range body {
		out[k] = v
	}
	for _, prop := range schema.Properties {
		if target, ok := linkTarget(prop.Type); ok {
			if v, present := out[prop.Name]; present && !v.IsNull() {
				out[prop.Name] = s.serializeLink(ctx, target, v, depth)
			}
			continue
		}
		if target, ok := linkingObjectsTarget(prop.Type); ok {
			out[prop.Name] = s.serializeBacklinks(ctx, schema, target, body, depth)
		}
	}
	return wire.Object(out)
}

func (s *Store) serializeLink(ctx context.Context, targetType string, key wire.Value, depth int) wire.Value {
	if depth+1 >= s.opts.MaxDepth {
		return wire.Reference(targetType, key)
	}
	targetSchema, err := s.GetSchema(ctx, targetType)
	if err != nil || targetSchema == nil {
		return wire.Reference(targetType, key)
	}
	rowKey, err := keyString(key)
	if err != nil {
		return wire.Reference(targetType, key)
	}
	docs, err := s.loadCollection(ctx, targetType)
	if err != nil {
		return wire.Reference(targetType, key)
	}
	for _, doc := range docs {
		if doc.pk == rowKey {
			return s.serializeDoc(ctx, targetSchema, doc.body, depth+1)
		}
	}
	return wire.Reference(targetType, key)
}

// serializeBacklinks finds documents in targetType whose link property
// points at this document's primary key.
func (s *Store) serializeBacklinks(ctx context.Context, schema *adapter.SchemaInfo, targetType string, body map[string]wire.Value, depth int) wire.Value {
	empty := wire.LinkingObjects(0, nil, false)
	if schema.PrimaryKey == "" {
		return empty
	}
	selfKey, ok := body[schema.PrimaryKey]
	if !ok {
		return empty
	}
	selfRow, err := keyString(selfKey)
	if err != nil {
		return empty
	}
	targetSchema, err := s.GetSchema(ctx, targetType)
	if err != nil || targetSchema == nil {
		return empty
	}
	// The origin property is the target's link back to this type.
	origin := ""
	for _, p := range targetSchema.Properties {
		if t, ok := linkTarget(p.Type); ok && t == schema.Name {
			origin = p.Name
			break
		}
	}
	if origin == "" {
		return empty
	}
	docs, err := s.loadCollection(ctx, targetType)
	if err != nil {
		return empty
	}
	var items []wire.Value
	var count int64
	truncated := false
	for _, doc := range docs {
		link, ok := doc.body[origin]
		if !ok {
			continue
		}
		linkRow, err := keyString(link)
		if err != nil || linkRow != selfRow {
			continue
		}
		count++
		if len(items) >= s.opts.MaxListItems {
			truncated = true
			continue
		}
		if depth+1 >= s.opts.MaxDepth {
			items = append(items, wire.Reference(targetType, wire.String(doc.pk)))
		} else {
			items = append(items, s.serializeDoc(ctx, targetSchema, doc.body, depth+1))
		}
	}
	return wire.LinkingObjects(count, items, truncated)
}
