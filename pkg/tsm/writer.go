package tsm

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	bloomfilter "github.com/holiman/bloomfilter/v2"

	"github.com/galestore/gale/pkg/types"
)

// Writer state machine: Initialised -> Started -> Finished.
type writerState int

const (
	stateInitialised writerState = iota
	stateStarted
	stateFinished
)

const writerBufferSize = 16 * 1024 * 1024

// bloomHashes is the hash count of the per-file series bloom filter.
const bloomHashes = 4

// MakeTSMPath names a level file: <dir>/tsm-<file_id>.
func MakeTSMPath(dir string, fileID uint64) string {
	return filepath.Join(dir, fmt.Sprintf("tsm-%06d", fileID))
}

// MakeDeltaPath names a delta file: <dir>/delta-<file_id>.
func MakeDeltaPath(dir string, fileID uint64) string {
	return filepath.Join(dir, fmt.Sprintf("delta-%06d", fileID))
}

// MakeTombstonePath names the tombstone overlay of a data file.
func MakeTombstonePath(dir string, fileID uint64) string {
	return filepath.Join(dir, fmt.Sprintf("tombstone-%06d", fileID))
}

// Writer produces one immutable TSM (or delta) file. It is write-once:
// after Finish no further data is accepted.
type Writer struct {
	fileID  uint64
	vnodeID types.VnodeID
	path    string
	isDelta bool

	file *os.File
	buf  *bufio.Writer
	size uint64

	maxSize uint64
	rng     types.TimeRange
	state   writerState

	bloom        *bloomfilter.Filter
	tableSchemas map[string]*types.TableSchema
	pageSpecs    map[string]map[types.SeriesID]*Chunk
}

// NewWriter creates the output file. bloomBits sizes the series bloom
// filter; maxSize of 0 disables the size cap.
func NewWriter(path string, fileID uint64, vnodeID types.VnodeID, maxSize, bloomBits uint64) (*Writer, error) {
	if bloomBits < 512 {
		bloomBits = 512
	}
	bloom, err := bloomfilter.New(bloomBits, bloomHashes)
	if err != nil {
		return nil, fmt.Errorf("create series bloom filter: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create tsm file %s: %w", path, err)
	}
	return &Writer{
		fileID:       fileID,
		vnodeID:      vnodeID,
		path:         path,
		isDelta:      strings.HasPrefix(filepath.Base(path), "delta-"),
		file:         file,
		buf:          bufio.NewWriterSize(file, writerBufferSize),
		maxSize:      maxSize,
		rng:          types.EmptyTimeRange(),
		bloom:        bloom,
		tableSchemas: map[string]*types.TableSchema{},
		pageSpecs:    map[string]map[types.SeriesID]*Chunk{},
	}, nil
}

func (w *Writer) FileID() uint64             { return w.fileID }
func (w *Writer) Path() string               { return w.path }
func (w *Writer) Size() uint64               { return w.size }
func (w *Writer) IsDelta() bool              { return w.isDelta }
func (w *Writer) TimeRange() types.TimeRange { return w.rng }
func (w *Writer) IsFinished() bool           { return w.state == stateFinished }

// Full reports whether the size cap has been reached.
func (w *Writer) Full() bool {
	return w.maxSize > 0 && w.size > w.maxSize
}

func (w *Writer) writeHeader() error {
	var magic [4]byte
	binary.LittleEndian.PutUint32(magic[:], Magic)
	if _, err := w.buf.Write(magic[:]); err != nil {
		return fmt.Errorf("write tsm header: %w", err)
	}
	w.size += 4
	w.state = stateStarted
	return nil
}

func (w *Writer) chunkFor(schema *types.TableSchema, sid types.SeriesID, key types.SeriesKey) *Chunk {
	w.tableSchemas[schema.Name] = schema
	chunks, ok := w.pageSpecs[schema.Name]
	if !ok {
		chunks = map[types.SeriesID]*Chunk{}
		w.pageSpecs[schema.Name] = chunks
	}
	chunk, ok := chunks[sid]
	if !ok {
		chunk = NewChunk(schema.Name, sid, key)
		chunks[sid] = chunk
	}
	return chunk
}

// WriteDatablock serializes a block's columns as pages and accumulates
// the per-series chunk.
func (w *Writer) WriteDatablock(sid types.SeriesID, key types.SeriesKey, block *DataBlock) error {
	if w.state == stateFinished {
		return types.ErrWriterFinished
	}
	rng, err := block.TimeRange()
	if err != nil {
		return err
	}
	pages, err := block.ToPages()
	if err != nil {
		return err
	}
	return w.WritePages(block.Schema, sid, key, pages, rng)
}

// WritePages appends already-encoded pages as one column group.
func (w *Writer) WritePages(schema *types.TableSchema, sid types.SeriesID, key types.SeriesKey, pages []Page, rng types.TimeRange) error {
	if w.state == stateFinished {
		return types.ErrWriterFinished
	}
	if w.state == stateInitialised {
		if err := w.writeHeader(); err != nil {
			return err
		}
	}
	chunk := w.chunkFor(schema, sid, key)
	group := &ColumnGroup{ID: chunk.NextColumnGroupID(), TimeRange: rng}
	for _, page := range pages {
		offset := w.size
		if _, err := w.buf.Write(page.Bytes); err != nil {
			return fmt.Errorf("write page: %w", err)
		}
		w.size += uint64(len(page.Bytes))
		group.Pages = append(group.Pages, PageSpec{
			Offset: offset,
			Size:   uint64(len(page.Bytes)),
			Meta:   page.Meta,
		})
	}
	chunk.Push(group)
	w.rng.Merge(rng)
	return nil
}

// WriteRaw copies a column group byte-for-byte from another file, the
// compaction fast path. meta is the source chunk; raw the contiguous
// page bytes of the chosen group.
func (w *Writer) WriteRaw(schema *types.TableSchema, meta *Chunk, cgID ColumnGroupID, raw []byte) error {
	if w.state == stateFinished {
		return types.ErrWriterFinished
	}
	if w.state == stateInitialised {
		if err := w.writeHeader(); err != nil {
			return err
		}
	}
	source, ok := meta.Groups[cgID]
	if !ok {
		return fmt.Errorf("column group %d not found in source chunk of series %d", cgID, meta.SeriesID)
	}

	chunk := w.chunkFor(schema, meta.SeriesID, meta.SeriesKey)
	group := &ColumnGroup{ID: chunk.NextColumnGroupID(), TimeRange: source.TimeRange}
	offset := w.size
	if _, err := w.buf.Write(raw); err != nil {
		return fmt.Errorf("write raw column group: %w", err)
	}
	w.size += uint64(len(raw))
	for _, spec := range source.Pages {
		group.Pages = append(group.Pages, PageSpec{Offset: offset, Size: spec.Size, Meta: spec.Meta})
		offset += spec.Size
	}
	chunk.Push(group)
	w.rng.Merge(source.TimeRange)
	return nil
}

// Finish emits chunks, chunk groups, meta and footer, then syncs.
func (w *Writer) Finish() error {
	if w.state == stateFinished {
		return types.ErrWriterFinished
	}
	if w.state == stateInitialised {
		if err := w.writeHeader(); err != nil {
			return err
		}
	}

	tables := make([]string, 0, len(w.pageSpecs))
	for table := range w.pageSpecs {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	// Chunks, then one chunk group per table.
	chunkSpecs := map[string][]ChunkSpec{}
	for _, table := range tables {
		chunks := w.pageSpecs[table]
		sids := make([]types.SeriesID, 0, len(chunks))
		for sid := range chunks {
			sids = append(sids, sid)
		}
		sort.Slice(sids, func(i, j int) bool { return sids[i] < sids[j] })
		for _, sid := range sids {
			chunk := chunks[sid]
			body, err := json.Marshal(chunk)
			if err != nil {
				return fmt.Errorf("serialize chunk of series %d: %w", sid, err)
			}
			offset := w.size
			n, err := writeLenPrefixed(w.buf, body)
			if err != nil {
				return fmt.Errorf("write chunk of series %d: %w", sid, err)
			}
			w.size += uint64(n)
			chunkSpecs[table] = append(chunkSpecs[table], ChunkSpec{
				SeriesID:  sid,
				Offset:    offset,
				Size:      uint64(n),
				TimeRange: chunk.TimeRange(),
			})
			w.addBloom(sid)
		}
	}

	meta := &ChunkGroupMeta{}
	for _, table := range tables {
		group := &ChunkGroup{Table: table, Chunks: chunkSpecs[table]}
		body, err := json.Marshal(group)
		if err != nil {
			return fmt.Errorf("serialize chunk group of %s: %w", table, err)
		}
		offset := w.size
		n, err := writeLenPrefixed(w.buf, body)
		if err != nil {
			return fmt.Errorf("write chunk group of %s: %w", table, err)
		}
		w.size += uint64(n)
		meta.Groups = append(meta.Groups, ChunkGroupSpec{
			TableSchema: w.tableSchemas[table],
			Offset:      offset,
			Size:        uint64(n),
			TimeRange:   group.TimeRange(),
		})
	}

	metaBody, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("serialize chunk group meta: %w", err)
	}
	metaOffset := w.size
	n, err := writeLenPrefixed(w.buf, metaBody)
	if err != nil {
		return fmt.Errorf("write chunk group meta: %w", err)
	}
	w.size += uint64(n)

	bloomBytes, err := w.bloom.MarshalBinary()
	if err != nil {
		return fmt.Errorf("serialize series bloom filter: %w", err)
	}
	footer := &Footer{
		Version:    TsmVersionV1,
		VnodeID:    w.vnodeID,
		TimeRange:  w.rng,
		Bloom:      bloomBytes,
		MetaOffset: metaOffset,
		MetaSize:   uint64(n),
	}
	footerBytes, err := footer.serialize()
	if err != nil {
		return err
	}
	if _, err := w.buf.Write(footerBytes); err != nil {
		return fmt.Errorf("write footer: %w", err)
	}
	w.size += uint64(len(footerBytes))

	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush tsm file %s: %w", w.path, err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync tsm file %s: %w", w.path, err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close tsm file %s: %w", w.path, err)
	}
	w.state = stateFinished
	return nil
}

// Abort discards the partial file; recovery treats orphans the same way.
func (w *Writer) Abort() error {
	if w.state == stateFinished {
		return nil
	}
	w.state = stateFinished
	w.file.Close()
	return os.Remove(w.path)
}

func (w *Writer) addBloom(sid types.SeriesID) {
	d := xxhash.New()
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(sid))
	_, _ = d.Write(b[:])
	w.bloom.Add(d)
}

// BloomContainsSID is the shared membership probe for series blooms.
func BloomContainsSID(f *bloomfilter.Filter, sid types.SeriesID) bool {
	d := xxhash.New()
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(sid))
	_, _ = d.Write(b[:])
	return f.Contains(d)
}
