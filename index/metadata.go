package index

import (
	"github.com/tidwall/buntdb"
)

// LookupMetadata returns the value stored under key on resourceInternalID.
func (idx *Index) LookupMetadata(resourceInternalID, key string) (string, bool, error) {
	var row MetadataRow
	var found bool
	err := idx.db.View(func(tx *buntdb.Tx) error {
		var e error
		found, e = getJSON(tx, metaKey(resourceInternalID, key), &row)
		return e
	})
	return row.Value, found, err
}

// ListMetadata returns every internally-generated key/value pair attached
// to resourceInternalID.
func (idx *Index) ListMetadata(resourceInternalID string) (map[string]string, error) {
	out := map[string]string{}
	err := idx.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(metaPrefix(resourceInternalID)+"*", func(_, v string) bool {
			var row MetadataRow
			if e := json.UnmarshalFromString(v, &row); e == nil {
				out[row.Key] = row.Value
			}
			return true
		})
	})
	return out, err
}

// OverwriteMetadata sets key to value unconditionally, bumping its revision.
func (idx *Index) OverwriteMetadata(resourceInternalID, key, value string) (revision int, err error) {
	err = idx.db.Update(func(tx *buntdb.Tx) error {
		var row MetadataRow
		if _, e := getJSON(tx, metaKey(resourceInternalID, key), &row); e != nil {
			return e
		}
		row.Key, row.Value, row.Revision = key, value, row.Revision+1
		revision = row.Revision
		return setJSON(tx, metaKey(resourceInternalID, key), row)
	})
	return revision, err
}

// DeleteMetadata removes key from resourceInternalID, if present.
func (idx *Index) DeleteMetadata(resourceInternalID, key string) error {
	return idx.db.Update(func(tx *buntdb.Tx) error {
		_, e := tx.Delete(metaKey(resourceInternalID, key))
		if e != nil && e != buntdb.ErrNotFound {
			return e
		}
		return nil
	})
}
