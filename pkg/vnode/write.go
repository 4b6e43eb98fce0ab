package vnode

import (
	"fmt"
	"sort"

	"github.com/galestore/gale/pkg/metrics"
	"github.com/galestore/gale/pkg/types"
)

// defaultEncodings picks the on-disk encoding of a newly inferred
// field column.
var defaultEncodings = map[types.FieldType]types.Encoding{
	types.FieldTypeFloat:    types.EncodingGorilla,
	types.FieldTypeInteger:  types.EncodingDelta,
	types.FieldTypeUnsigned: types.EncodingDelta,
	types.FieldTypeBoolean:  types.EncodingDefault,
	types.FieldTypeString:   types.EncodingSnappy,
}

// write parses points, resolves series ids and schemas, and lands the
// resulting write group in the active memtable under ctx.Index.
func (v *VnodeStore) write(ctx *types.ApplyContext, req *types.WriteRequest) (int, error) {
	if len(req.Tables) == 0 {
		return 0, fmt.Errorf("%w: write carries no tables", types.ErrInvalidPointTable)
	}
	// During WAL replay the schema registry is already durable, so
	// schema mutations are not re-attempted.
	strict := ctx.ApplyType == types.ApplyTypeWal

	groups := map[types.SeriesID]*types.RowGroup{}
	for _, table := range req.Tables {
		if table.Table == "" || len(table.Points) == 0 {
			return 0, fmt.Errorf("%w: empty table block", types.ErrInvalidPointTable)
		}
		schema, err := v.tableSchemaForWrite(&table, strict)
		if err != nil {
			return 0, err
		}
		fieldIDs := make([]types.ColumnID, 0, len(schema.Columns))
		fieldPos := map[string]int{}
		for _, col := range schema.FieldColumns() {
			fieldPos[col.Name] = len(fieldIDs)
			fieldIDs = append(fieldIDs, col.ID)
		}

		for _, point := range table.Points {
			ts := req.Precision.ToNanos(point.Timestamp)
			key := types.NewSeriesKey(table.Table, point.Tags)
			sid, _, err := v.idx.GetOrCreateSeriesID(key)
			if err != nil {
				return 0, err
			}

			fields := make([]*types.FieldValue, len(fieldIDs))
			for name, value := range point.Fields {
				pos, ok := fieldPos[name]
				if !ok {
					return 0, fmt.Errorf("%w: %s.%s", types.ErrFieldNotFound, table.Table, name)
				}
				val := value
				fields[pos] = &val
			}

			group, ok := groups[sid]
			if !ok {
				group = &types.RowGroup{
					SchemaVersion: schema.Version,
					FieldIDs:      fieldIDs,
					Range:         types.EmptyTimeRange(),
				}
				groups[sid] = group
			}
			group.Range.MergeTS(ts)
			group.Rows = append(group.Rows, types.RowData{TS: ts, Fields: fields})
		}
	}

	points := v.fam.PutRows(ctx.Index, groups)
	metrics.PointsWrittenTotal.Add(float64(points))

	// Opportunistic: freeze and flush when the buffer is over bound.
	_ = v.Flush(false, false, true)
	return points, nil
}

// tableSchemaForWrite loads the table schema, creating or extending it
// from the write's shape unless strict forbids mutations.
func (v *VnodeStore) tableSchemaForWrite(table *types.TablePoints, strict bool) (*types.TableSchema, error) {
	schema, err := v.idx.GetTableSchema(table.Table)
	if err != nil {
		return nil, err
	}
	changed := false
	if schema == nil {
		if strict {
			return nil, fmt.Errorf("%w: %s", types.ErrTableNotFound, table.Table)
		}
		schema = types.NewTableSchema(table.Table)
		changed = true
	}

	// Collect tag keys and field types across the batch, sorted for
	// deterministic column ids on every replica.
	tagKeys := map[string]struct{}{}
	fieldTypes := map[string]types.FieldType{}
	for _, p := range table.Points {
		for k := range p.Tags {
			tagKeys[k] = struct{}{}
		}
		for name, value := range p.Fields {
			ft := value.Type()
			if ft == "" {
				continue
			}
			if existing, ok := fieldTypes[name]; ok && existing != ft {
				return nil, fmt.Errorf("%w: field %s.%s written as %s and %s",
					types.ErrColumnTypeMismatch, table.Table, name, existing, ft)
			}
			fieldTypes[name] = ft
		}
	}

	for _, k := range sortedKeys(tagKeys) {
		if _, ok := schema.Column(k); !ok {
			if strict {
				return nil, fmt.Errorf("%w: %s.%s", types.ErrFieldNotFound, table.Table, k)
			}
			schema.AddColumn(k, types.ColumnKindTag, "", "")
			changed = true
		}
	}
	for _, name := range sortedFieldNames(fieldTypes) {
		ft := fieldTypes[name]
		col, ok := schema.Column(name)
		if !ok {
			if strict {
				return nil, fmt.Errorf("%w: %s.%s", types.ErrFieldNotFound, table.Table, name)
			}
			schema.AddColumn(name, types.ColumnKindField, ft, defaultEncodings[ft])
			changed = true
			continue
		}
		if !col.IsField() || col.Type != ft {
			return nil, fmt.Errorf("%w: column %s.%s is %s %s, written as %s",
				types.ErrColumnTypeMismatch, table.Table, name, col.Kind, col.Type, ft)
		}
	}

	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if changed && !strict {
		if err := v.idx.PutTableSchema(schema); err != nil {
			return nil, err
		}
	}
	return schema, nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedFieldNames(m map[string]types.FieldType) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
