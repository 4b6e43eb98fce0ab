package tsm

import (
	"errors"
	"fmt"
	"os"
	"sync"

	bloomfilter "github.com/holiman/bloomfilter/v2"

	"github.com/galestore/gale/pkg/tombstone"
	"github.com/galestore/gale/pkg/types"
)

// Reader opens a finished TSM file: footer first, then the chunk group
// meta, then only the chunks a query touches.
type Reader struct {
	path   string
	file   *os.File
	size   int64
	footer *Footer
	meta   *ChunkGroupMeta
	bloom  *bloomfilter.Filter

	mu     sync.Mutex
	chunks map[types.SeriesID]*Chunk
}

// OpenReader validates the footer and loads the chunk group meta.
func OpenReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tsm file %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat tsm file %s: %w", path, err)
	}
	footer, err := readFooter(file, info.Size())
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("tsm file %s: %w", path, err)
	}
	meta := &ChunkGroupMeta{}
	if err := readLenPrefixedAt(file, footer.MetaOffset, meta); err != nil {
		file.Close()
		return nil, fmt.Errorf("tsm file %s: %w", path, err)
	}
	bloom := &bloomfilter.Filter{}
	if err := bloom.UnmarshalBinary(footer.Bloom); err != nil {
		file.Close()
		return nil, fmt.Errorf("tsm file %s: decode series bloom: %w", path, err)
	}
	return &Reader{
		path:   path,
		file:   file,
		size:   info.Size(),
		footer: footer,
		meta:   meta,
		bloom:  bloom,
		chunks: map[types.SeriesID]*Chunk{},
	}, nil
}

// Close releases the file handle.
func (r *Reader) Close() error { return r.file.Close() }

// Path returns the file path.
func (r *Reader) Path() string { return r.path }

// TimeRange returns the file's global range from the footer.
func (r *Reader) TimeRange() types.TimeRange { return r.footer.TimeRange }

// VnodeID returns the owning vnode recorded in the footer.
func (r *Reader) VnodeID() types.VnodeID { return r.footer.VnodeID }

// Meta exposes the chunk group meta, including embedded table schemas.
func (r *Reader) Meta() *ChunkGroupMeta { return r.meta }

// BloomContains probes the series bloom filter. It never returns a
// false negative for series present in the file.
func (r *Reader) BloomContains(sid types.SeriesID) bool {
	return BloomContainsSID(r.bloom, sid)
}

// Schema returns the embedded schema of a table, or nil.
func (r *Reader) Schema(table string) *types.TableSchema {
	for _, g := range r.meta.Groups {
		if g.TableSchema != nil && g.TableSchema.Name == table {
			return g.TableSchema
		}
	}
	return nil
}

// Chunk loads (and caches) the chunk of one series.
func (r *Reader) Chunk(sid types.SeriesID) (*Chunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.chunks[sid]; ok {
		return c, nil
	}
	if !r.BloomContains(sid) {
		return nil, fmt.Errorf("%w: series %d not in %s", types.ErrSeriesNotFound, sid, r.path)
	}
	for _, groupSpec := range r.meta.Groups {
		group := &ChunkGroup{}
		if err := readLenPrefixedAt(r.file, groupSpec.Offset, group); err != nil {
			return nil, err
		}
		for _, spec := range group.Chunks {
			if spec.SeriesID != sid {
				continue
			}
			chunk := &Chunk{}
			if err := readLenPrefixedAt(r.file, spec.Offset, chunk); err != nil {
				return nil, err
			}
			r.chunks[sid] = chunk
			return chunk, nil
		}
	}
	return nil, fmt.Errorf("%w: series %d not in %s", types.ErrSeriesNotFound, sid, r.path)
}

// ChunkGroups loads every table's chunk group, keyed by table name.
func (r *Reader) ChunkGroups() (map[string]*ChunkGroup, error) {
	out := make(map[string]*ChunkGroup, len(r.meta.Groups))
	for _, spec := range r.meta.Groups {
		group := &ChunkGroup{}
		if err := readLenPrefixedAt(r.file, spec.Offset, group); err != nil {
			return nil, err
		}
		out[group.Table] = group
	}
	return out, nil
}

// GroupPages is one column group's page metadata, the unit of the
// statistics result.
type GroupPages struct {
	GroupID ColumnGroupID
	Pages   []PageSpec
}

// Statistics returns, per requested series, the column groups whose
// range overlaps rng. Bloom-negative and range-disjoint series are
// pruned without touching chunk bytes.
func (r *Reader) Statistics(sids []types.SeriesID, rng types.TimeRange) (map[types.SeriesID][]GroupPages, error) {
	out := map[types.SeriesID][]GroupPages{}
	if !r.footer.TimeRange.Overlaps(rng) {
		return out, nil
	}
	for _, sid := range sids {
		if !r.BloomContains(sid) {
			continue
		}
		chunk, err := r.Chunk(sid)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		for _, gid := range chunk.GroupIDs() {
			group := chunk.Groups[gid]
			if !group.TimeRange.Overlaps(rng) {
				continue
			}
			out[sid] = append(out[sid], GroupPages{GroupID: gid, Pages: group.Pages})
		}
	}
	return out, nil
}

// ReadSeriesPages reads and CRC-verifies every page of a column group.
func (r *Reader) ReadSeriesPages(sid types.SeriesID, cgID ColumnGroupID) ([]Page, error) {
	chunk, err := r.Chunk(sid)
	if err != nil {
		return nil, err
	}
	group, ok := chunk.Groups[cgID]
	if !ok {
		return nil, fmt.Errorf("column group %d of series %d not in %s", cgID, sid, r.path)
	}
	pages := make([]Page, 0, len(group.Pages))
	for _, spec := range group.Pages {
		buf := make([]byte, spec.Size)
		if _, err := r.file.ReadAt(buf, int64(spec.Offset)); err != nil {
			return nil, fmt.Errorf("read page at %d in %s: %w", spec.Offset, r.path, err)
		}
		page := Page{Bytes: buf, Meta: spec.Meta}
		if err := page.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", r.path, err)
		}
		pages = append(pages, page)
	}
	return pages, nil
}

// ReadDatablockRaw returns the contiguous page bytes of a column
// group without decoding, the zero-copy compaction path.
func (r *Reader) ReadDatablockRaw(sid types.SeriesID, cgID ColumnGroupID) ([]byte, error) {
	chunk, err := r.Chunk(sid)
	if err != nil {
		return nil, err
	}
	group, ok := chunk.Groups[cgID]
	if !ok {
		return nil, fmt.Errorf("column group %d of series %d not in %s", cgID, sid, r.path)
	}
	buf := make([]byte, group.RawSize())
	if _, err := r.file.ReadAt(buf, int64(group.RawOffset())); err != nil {
		return nil, fmt.Errorf("read raw column group at %d in %s: %w", group.RawOffset(), r.path, err)
	}
	return buf, nil
}

// ReadRecordBatch decodes a column group into a batch, restricted to
// columnIDs (nil means all fields) and with the file's tombstone
// overlay applied: field overlaps null cells, time overlaps drop rows.
func (r *Reader) ReadRecordBatch(sid types.SeriesID, cgID ColumnGroupID, columnIDs []types.ColumnID, ts *tombstone.Tombstone) (*types.RecordBatch, error) {
	pages, err := r.ReadSeriesPages(sid, cgID)
	if err != nil {
		return nil, err
	}
	return DecodePages(sid, pages, columnIDs, ts)
}

// DecodePages turns the pages of one column group into a batch. The
// first page must be the time column.
func DecodePages(sid types.SeriesID, pages []Page, columnIDs []types.ColumnID, ts *tombstone.Tombstone) (*types.RecordBatch, error) {
	if len(pages) == 0 {
		return &types.RecordBatch{SeriesID: sid}, nil
	}
	var timePage *Page
	fieldPages := make([]*Page, 0, len(pages)-1)
	for i := range pages {
		if pages[i].Meta.Column.IsTime() {
			timePage = &pages[i]
			continue
		}
		if columnIDs != nil && !containsColumn(columnIDs, pages[i].Meta.Column.ID) {
			continue
		}
		fieldPages = append(fieldPages, &pages[i])
	}
	if timePage == nil {
		return nil, fmt.Errorf("column group of series %d has no time page", sid)
	}

	timeVals, err := timePage.decodeValues()
	if err != nil {
		return nil, err
	}
	rows := len(timeVals)
	timestamps := make([]int64, rows)
	for i, v := range timeVals {
		if v == nil {
			return nil, fmt.Errorf("series %d: null timestamp at row %d", sid, i)
		}
		timestamps[i] = *v.Integer
	}

	batch := &types.RecordBatch{SeriesID: sid}
	cells := make([][]*types.FieldValue, len(fieldPages))
	for i, page := range fieldPages {
		vals, err := page.decodeValues()
		if err != nil {
			return nil, err
		}
		if len(vals) != rows {
			return nil, fmt.Errorf("series %d: column %s has %d rows, time has %d",
				sid, page.Meta.Column.Name, len(vals), rows)
		}
		// Null out field cells the overlay removes.
		if ts != nil {
			for _, rng := range ts.GetOverlappedTimeRanges(sid, page.Meta.Column.ID, types.TimeRangeAll()) {
				for ri, t := range timestamps {
					if rng.Contains(t) {
						vals[ri] = nil
					}
				}
			}
		}
		cells[i] = vals
		batch.Columns = append(batch.Columns, page.Meta.Column)
	}

	// Rows whose time column is tombstoned are filtered entirely.
	keep := make([]bool, rows)
	for i := range keep {
		keep[i] = true
	}
	if ts != nil {
		timeID := timePage.Meta.Column.ID
		for _, rng := range ts.GetOverlappedTimeRanges(sid, timeID, types.TimeRangeAll()) {
			for ri, t := range timestamps {
				if rng.Contains(t) {
					keep[ri] = false
				}
			}
		}
	}

	batch.Values = make([][]*types.FieldValue, len(fieldPages))
	for ri := 0; ri < rows; ri++ {
		if !keep[ri] {
			continue
		}
		batch.Time = append(batch.Time, timestamps[ri])
		for ci := range fieldPages {
			batch.Values[ci] = append(batch.Values[ci], cells[ci][ri])
		}
	}
	return batch, nil
}

func containsColumn(ids []types.ColumnID, id types.ColumnID) bool {
	for _, c := range ids {
		if c == id {
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	return errors.Is(err, types.ErrSeriesNotFound)
}
