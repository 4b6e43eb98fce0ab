package vnode

import (
	"fmt"

	"github.com/galestore/gale/pkg/types"
)

// dropTable removes a table: memtable rows scrubbed, all-time
// tombstones across every column, series deleted from the index, and
// finally the schema itself.
func (v *VnodeStore) dropTable(ctx *types.ApplyContext, table string) error {
	schema, err := v.idx.GetTableSchema(table)
	if err != nil {
		return err
	}
	if schema == nil {
		// Already gone; replay and repeated drops are no-ops.
		return nil
	}
	columnIDs := schema.ColumnIDs()
	seriesIDs, err := v.idx.GetSeriesIDList(table, nil)
	if err != nil {
		return err
	}
	v.logger.Info().Str("table", table).Int("series", len(seriesIDs)).
		Int("columns", len(columnIDs)).Msg("dropping table")

	v.fam.DeleteSeries(seriesIDs, types.TimeRangeAll())
	if err := v.fam.AddTombstone(seriesIDs, columnIDs, types.TimeRangeAll()); err != nil {
		return err
	}
	for _, sid := range seriesIDs {
		if err := v.idx.DelSeriesInfo(sid); err != nil {
			return err
		}
	}
	return v.idx.DeleteTableSchema(table)
}

// dropColumn resolves the column id, overlays tombstones for it across
// all series of the table, and bumps the schema.
func (v *VnodeStore) dropColumn(ctx *types.ApplyContext, table, column string) error {
	schema, err := v.idx.GetTableSchema(table)
	if err != nil {
		return err
	}
	if schema == nil {
		return fmt.Errorf("%w: %s", types.ErrTableNotFound, table)
	}
	col, ok := schema.Column(column)
	if !ok {
		return fmt.Errorf("%w: %s.%s", types.ErrFieldNotFound, table, column)
	}
	if !col.IsField() {
		return fmt.Errorf("%w: %s.%s is a %s column", types.ErrInvalidParam, table, column, col.Kind)
	}

	seriesIDs, err := v.idx.GetSeriesIDList(table, nil)
	if err != nil {
		return err
	}
	v.fam.DropColumns(seriesIDs, []types.ColumnID{col.ID})
	if err := v.fam.AddTombstone(seriesIDs, []types.ColumnID{col.ID}, types.TimeRangeAll()); err != nil {
		return err
	}

	if _, err := schema.DropColumn(column); err != nil {
		return err
	}
	return v.idx.PutTableSchema(schema)
}

// updateTagsValue rewrites the series keys matched by the command.
// Conflict checking is strict on live apply and skipped on WAL replay:
// anything that already passed a leader apply must succeed again.
func (v *VnodeStore) updateTagsValue(ctx *types.ApplyContext, req *types.UpdateTagsRequest) error {
	checkConflict := ctx.ApplyType != types.ApplyTypeWal
	oldKeys, newKeys, ids, err := v.idx.PrepareUpdateTagsValue(req.NewTags, req.MatchedSeries, checkConflict)
	if err != nil {
		return err
	}
	if req.DryRun {
		return nil
	}
	if err := v.idx.UpdateSeriesKey(oldKeys, newKeys, ids, false); err != nil {
		v.logger.Error().Err(err).Str("index", v.idx.Path()).Msg("update tags value failed")
		return err
	}
	return nil
}

// deleteFromTable resolves the predicate's series via the tag domains
// and overlays tombstones per time range, scrubbing memtables too.
func (v *VnodeStore) deleteFromTable(ctx *types.ApplyContext, req *types.DeleteFromTableRequest) error {
	schema, err := v.idx.GetTableSchema(req.Table)
	if err != nil {
		return err
	}
	if schema == nil {
		return nil
	}
	seriesIDs, err := v.idx.GetSeriesIDsByDomains(schema, req.Predicate.Tags)
	if err != nil {
		return err
	}
	columnIDs := schema.ColumnIDs()
	for _, rng := range req.Predicate.Ranges() {
		v.fam.DeleteSeries(seriesIDs, rng)
		if err := v.fam.AddTombstone(seriesIDs, columnIDs, rng); err != nil {
			return err
		}
	}
	return nil
}
