package index

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/galestore/gale/pkg/types"
)

// The vnode-local schema registry lives beside the series index so a
// schema mutation and its index effects commit against the same store.

// GetTableSchema returns the stored schema of a table, or nil.
func (idx *Index) GetTableSchema(table string) (*types.TableSchema, error) {
	var schema *types.TableSchema
	err := idx.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSchemas).Get([]byte(table))
		if v == nil {
			return nil
		}
		s := &types.TableSchema{}
		if err := json.Unmarshal(v, s); err != nil {
			return fmt.Errorf("decode schema of %s: %w", table, err)
		}
		schema = s
		return nil
	})
	return schema, err
}

// PutTableSchema stores (or replaces) a table schema.
func (idx *Index) PutTableSchema(schema *types.TableSchema) error {
	data, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("encode schema of %s: %w", schema.Name, err)
	}
	return idx.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchemas).Put([]byte(schema.Name), data)
	})
}

// DeleteTableSchema removes a table schema.
func (idx *Index) DeleteTableSchema(table string) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchemas).Delete([]byte(table))
	})
}

// Tables lists all tables with a stored schema.
func (idx *Index) Tables() ([]string, error) {
	var out []string
	err := idx.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchemas).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}

// InsertSeriesWithID installs a series under a fixed id, used when
// rebuilding the index from TSM footers after a snapshot install. The
// id allocator is advanced past the inserted id so it is never reused.
func (idx *Index) InsertSeriesWithID(key types.SeriesKey, sid types.SeriesID) error {
	encoded := key.Encode()
	return idx.db.Update(func(tx *bolt.Tx) error {
		series := tx.Bucket(bucketSeries)
		if series.Sequence() < uint64(sid) {
			if err := series.SetSequence(uint64(sid)); err != nil {
				return fmt.Errorf("advance series id allocator: %w", err)
			}
		}
		return putSeriesLocked(tx, key, encoded, sid)
	})
}
