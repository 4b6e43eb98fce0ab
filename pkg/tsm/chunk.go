package tsm

import (
	"sort"

	"github.com/galestore/gale/pkg/types"
)

// ColumnGroupID numbers the column groups of one chunk.
type ColumnGroupID = uint64

// ColumnGroup is the set of pages for one series covering one
// contiguous time range; the logical unit a reader decodes. Pages are
// written contiguously, time column first.
type ColumnGroup struct {
	ID        ColumnGroupID   `json:"id"`
	TimeRange types.TimeRange `json:"time_range"`
	Pages     []PageSpec      `json:"pages"`
}

// RawSize returns the contiguous on-disk footprint of the group's pages.
func (g *ColumnGroup) RawSize() uint64 {
	var size uint64
	for _, p := range g.Pages {
		size += p.Size
	}
	return size
}

// RawOffset returns the file offset of the group's first page.
func (g *ColumnGroup) RawOffset() uint64 {
	if len(g.Pages) == 0 {
		return 0
	}
	return g.Pages[0].Offset
}

// Chunk is all column groups of one series within one file.
type Chunk struct {
	Table     string                         `json:"table"`
	SeriesID  types.SeriesID                 `json:"series_id"`
	SeriesKey types.SeriesKey                `json:"series_key"`
	Groups    map[ColumnGroupID]*ColumnGroup `json:"groups"`
}

// NewChunk starts an empty chunk for one series.
func NewChunk(table string, sid types.SeriesID, key types.SeriesKey) *Chunk {
	return &Chunk{Table: table, SeriesID: sid, SeriesKey: key, Groups: map[ColumnGroupID]*ColumnGroup{}}
}

// NextColumnGroupID returns the id the next pushed group will take.
func (c *Chunk) NextColumnGroupID() ColumnGroupID {
	return ColumnGroupID(len(c.Groups))
}

// Push adds a finished column group.
func (c *Chunk) Push(group *ColumnGroup) {
	c.Groups[group.ID] = group
}

// GroupIDs returns the chunk's column group ids in ascending order.
func (c *Chunk) GroupIDs() []ColumnGroupID {
	ids := make([]ColumnGroupID, 0, len(c.Groups))
	for id := range c.Groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// TimeRange unions the ranges of all column groups.
func (c *Chunk) TimeRange() types.TimeRange {
	rng := types.EmptyTimeRange()
	for _, g := range c.Groups {
		rng.Merge(g.TimeRange)
	}
	return rng
}

// ChunkSpec locates one serialized chunk inside the file.
type ChunkSpec struct {
	SeriesID  types.SeriesID  `json:"series_id"`
	Offset    uint64          `json:"offset"`
	Size      uint64          `json:"size"`
	TimeRange types.TimeRange `json:"time_range"`
}

// ChunkGroup is all chunks of one table.
type ChunkGroup struct {
	Table  string      `json:"table"`
	Chunks []ChunkSpec `json:"chunks"`
}

// TimeRange unions the ranges of the group's chunks.
func (g *ChunkGroup) TimeRange() types.TimeRange {
	rng := types.EmptyTimeRange()
	for _, c := range g.Chunks {
		rng.Merge(c.TimeRange)
	}
	return rng
}

// ChunkGroupSpec locates one serialized chunk group and embeds the
// table schema readers decode against.
type ChunkGroupSpec struct {
	TableSchema *types.TableSchema `json:"table_schema"`
	Offset      uint64             `json:"offset"`
	Size        uint64             `json:"size"`
	TimeRange   types.TimeRange    `json:"time_range"`
}

// ChunkGroupMeta indexes every table's chunk group.
type ChunkGroupMeta struct {
	Groups []ChunkGroupSpec `json:"groups"`
}

// TimeRange unions the ranges of all chunk groups.
func (m *ChunkGroupMeta) TimeRange() types.TimeRange {
	rng := types.EmptyTimeRange()
	for _, g := range m.Groups {
		rng.Merge(g.TimeRange)
	}
	return rng
}
