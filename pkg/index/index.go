package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/galestore/gale/pkg/types"
)

var (
	// Bucket names
	bucketSeries  = []byte("series")  // series key -> series id
	bucketIDs     = []byte("ids")     // series id -> series key
	bucketTags    = []byte("tags")    // table|tag key|tag value|id -> nil
	bucketSchemas = []byte("schemas") // table -> schema JSON
)

// Index is the persistent bidirectional map between series keys and
// dense series ids, plus the tag inverted index used for predicate
// resolution. One Index lives under each vnode directory; writes are
// serialized by the apply loop, reads use bbolt's consistent views.
type Index struct {
	db   *bolt.DB
	path string
}

// Open opens (or creates) the index database under dir.
func Open(dir string) (*Index, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, "index.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open index database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSeries, bucketIDs, bucketTags, bucketSchemas} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Index{db: db, path: path}, nil
}

// Close closes the database.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Path returns the database file path.
func (idx *Index) Path() string { return idx.path }

// GetOrCreateSeriesID resolves a series key, allocating the next dense
// id and writing both forward and inverted entries when absent. The
// allocation and both writes commit in one transaction.
func (idx *Index) GetOrCreateSeriesID(key types.SeriesKey) (types.SeriesID, bool, error) {
	encoded := key.Encode()
	var sid types.SeriesID
	created := false
	err := idx.db.Update(func(tx *bolt.Tx) error {
		series := tx.Bucket(bucketSeries)
		if v := series.Get(encoded); v != nil {
			sid = decodeID(v)
			return nil
		}
		seq, err := series.NextSequence()
		if err != nil {
			return fmt.Errorf("allocate series id: %w", err)
		}
		sid = types.SeriesID(seq)
		created = true
		return putSeriesLocked(tx, key, encoded, sid)
	})
	if err != nil {
		return 0, false, err
	}
	return sid, created, nil
}

// GetSeriesID resolves an existing series key.
func (idx *Index) GetSeriesID(key types.SeriesKey) (types.SeriesID, error) {
	var sid types.SeriesID
	err := idx.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSeries).Get(key.Encode())
		if v == nil {
			return fmt.Errorf("%w: %s", types.ErrSeriesNotFound, key)
		}
		sid = decodeID(v)
		return nil
	})
	return sid, err
}

// GetSeriesKey resolves an id back to its key.
func (idx *Index) GetSeriesKey(sid types.SeriesID) (types.SeriesKey, error) {
	var key types.SeriesKey
	err := idx.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketIDs).Get(encodeID(sid))
		if v == nil {
			return fmt.Errorf("%w: id %d", types.ErrSeriesNotFound, sid)
		}
		k, err := types.DecodeSeriesKey(v)
		if err != nil {
			return err
		}
		key = k
		return nil
	})
	return key, err
}

// GetSeriesIDList returns the sorted ids of a table's series matching
// every tag filter. With no filters it returns all series of the table.
func (idx *Index) GetSeriesIDList(table string, filters []types.Tag) ([]types.SeriesID, error) {
	var out []types.SeriesID
	err := idx.db.View(func(tx *bolt.Tx) error {
		if len(filters) == 0 {
			ids, err := tableSeriesLocked(tx, table)
			if err != nil {
				return err
			}
			out = ids
			return nil
		}
		var result map[types.SeriesID]struct{}
		for _, f := range filters {
			ids := tagValueSeriesLocked(tx, table, f.Key, f.Value)
			if result == nil {
				result = ids
				continue
			}
			for sid := range result {
				if _, ok := ids[sid]; !ok {
					delete(result, sid)
				}
			}
			if len(result) == 0 {
				break
			}
		}
		out = sortedIDs(result)
		return nil
	})
	return out, err
}

// GetSeriesIDsByDomains resolves a planner-level predicate: every tag
// domain must match the series' tag value (an absent tag matches as
// the empty string).
func (idx *Index) GetSeriesIDsByDomains(schema *types.TableSchema, domains map[string]types.Domain) ([]types.SeriesID, error) {
	candidates, err := idx.GetSeriesIDList(schema.Name, nil)
	if err != nil {
		return nil, err
	}
	if len(domains) == 0 {
		return candidates, nil
	}
	var out []types.SeriesID
	for _, sid := range candidates {
		key, err := idx.GetSeriesKey(sid)
		if err != nil {
			return nil, err
		}
		match := true
		for tagKey, domain := range domains {
			value, _ := key.Tag(tagKey)
			if !domain.Match(value) {
				match = false
				break
			}
		}
		if match {
			out = append(out, sid)
		}
	}
	return out, nil
}

// DelSeriesInfo removes the forward and inverted entries of one id.
// The id itself is never reused.
func (idx *Index) DelSeriesInfo(sid types.SeriesID) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		return delSeriesLocked(tx, sid)
	})
}

// PrepareUpdateTagsValue computes, without mutating, the
// (old keys, new keys, ids) triple for a tag-value update so callers
// can dry-run. With checkConflict set it fails when any rewritten key
// already belongs to a different series.
func (idx *Index) PrepareUpdateTagsValue(newTags []types.Tag, matched []types.SeriesKey, checkConflict bool) (oldKeys, newKeys []types.SeriesKey, ids []types.SeriesID, err error) {
	err = idx.db.View(func(tx *bolt.Tx) error {
		series := tx.Bucket(bucketSeries)
		for _, key := range matched {
			v := series.Get(key.Encode())
			if v == nil {
				// A matched series may only live on other vnodes.
				continue
			}
			sid := decodeID(v)
			newKey := key.WithTags(newTags)
			if bytes.Equal(newKey.Encode(), key.Encode()) {
				continue
			}
			if checkConflict {
				if existing := series.Get(newKey.Encode()); existing != nil && decodeID(existing) != sid {
					return fmt.Errorf("%w: %s already maps to series %d",
						types.ErrConflictSeries, newKey, decodeID(existing))
				}
			}
			oldKeys = append(oldKeys, key)
			newKeys = append(newKeys, newKey)
			ids = append(ids, sid)
		}
		return nil
	})
	return oldKeys, newKeys, ids, err
}

// UpdateSeriesKey atomically rewrites forward and inverted entries for
// the given series: either every id is updated or none. Conflict
// validation runs inside the same transaction when requested.
func (idx *Index) UpdateSeriesKey(oldKeys, newKeys []types.SeriesKey, ids []types.SeriesID, checkConflict bool) error {
	if len(oldKeys) != len(newKeys) || len(oldKeys) != len(ids) {
		return fmt.Errorf("%w: update_series_key argument lengths differ", types.ErrInvalidParam)
	}
	return idx.db.Update(func(tx *bolt.Tx) error {
		series := tx.Bucket(bucketSeries)
		if checkConflict {
			for i, nk := range newKeys {
				if v := series.Get(nk.Encode()); v != nil && decodeID(v) != ids[i] {
					return fmt.Errorf("%w: %s already maps to series %d",
						types.ErrConflictSeries, nk, decodeID(v))
				}
			}
		}
		for i := range ids {
			if err := delSeriesEntriesLocked(tx, oldKeys[i], ids[i]); err != nil {
				return err
			}
			if err := putSeriesLocked(tx, newKeys[i], newKeys[i].Encode(), ids[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func putSeriesLocked(tx *bolt.Tx, key types.SeriesKey, encoded []byte, sid types.SeriesID) error {
	if err := tx.Bucket(bucketSeries).Put(encoded, encodeID(sid)); err != nil {
		return fmt.Errorf("put forward entry: %w", err)
	}
	if err := tx.Bucket(bucketIDs).Put(encodeID(sid), encoded); err != nil {
		return fmt.Errorf("put reverse entry: %w", err)
	}
	tags := tx.Bucket(bucketTags)
	for _, t := range key.Tags {
		if err := tags.Put(tagEntryKey(key.Table, t.Key, t.Value, sid), nil); err != nil {
			return fmt.Errorf("put inverted entry: %w", err)
		}
	}
	return nil
}

func delSeriesLocked(tx *bolt.Tx, sid types.SeriesID) error {
	encoded := tx.Bucket(bucketIDs).Get(encodeID(sid))
	if encoded == nil {
		return nil
	}
	key, err := types.DecodeSeriesKey(encoded)
	if err != nil {
		return err
	}
	return delSeriesEntriesLocked(tx, key, sid)
}

func delSeriesEntriesLocked(tx *bolt.Tx, key types.SeriesKey, sid types.SeriesID) error {
	if err := tx.Bucket(bucketSeries).Delete(key.Encode()); err != nil {
		return err
	}
	if err := tx.Bucket(bucketIDs).Delete(encodeID(sid)); err != nil {
		return err
	}
	tags := tx.Bucket(bucketTags)
	for _, t := range key.Tags {
		if err := tags.Delete(tagEntryKey(key.Table, t.Key, t.Value, sid)); err != nil {
			return err
		}
	}
	return nil
}

func tableSeriesLocked(tx *bolt.Tx, table string) ([]types.SeriesID, error) {
	var out []types.SeriesID
	c := tx.Bucket(bucketSeries).Cursor()
	prefix := []byte(table)
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		// "cpu" must not match "cpu2": the table name ends at the
		// first tag separator or at end of key.
		if len(k) != len(prefix) && k[len(prefix)] != ',' {
			continue
		}
		out = append(out, decodeID(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func tagValueSeriesLocked(tx *bolt.Tx, table, tagKey, tagValue string) map[types.SeriesID]struct{} {
	out := make(map[types.SeriesID]struct{})
	c := tx.Bucket(bucketTags).Cursor()
	prefix := tagEntryPrefix(table, tagKey, tagValue)
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		if len(k) == len(prefix)+4 {
			out[decodeID(k[len(prefix):])] = struct{}{}
		}
	}
	return out
}

func tagEntryPrefix(table, tagKey, tagValue string) []byte {
	var b bytes.Buffer
	b.WriteString(table)
	b.WriteByte(0)
	b.WriteString(tagKey)
	b.WriteByte(0)
	b.WriteString(tagValue)
	b.WriteByte(0)
	return b.Bytes()
}

func tagEntryKey(table, tagKey, tagValue string, sid types.SeriesID) []byte {
	return append(tagEntryPrefix(table, tagKey, tagValue), encodeID(sid)...)
}

func encodeID(sid types.SeriesID) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(sid))
	return b[:]
}

func decodeID(v []byte) types.SeriesID {
	return types.SeriesID(binary.BigEndian.Uint32(v))
}

func sortedIDs(set map[types.SeriesID]struct{}) []types.SeriesID {
	out := make([]types.SeriesID, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
