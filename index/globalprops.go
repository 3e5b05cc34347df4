package index

import (
	"strconv"

	"github.com/tidwall/buntdb"
)

// GlobalPropertyGet reads a free-form server property (spec §4.3
// GlobalProperty bag: database schema version, server GUID, and similar
// singleton facts that don't belong to any resource).
func (idx *Index) GlobalPropertyGet(key string) (string, bool, error) {
	var val string
	var found bool
	err := idx.db.View(func(tx *buntdb.Tx) error {
		v, e := tx.Get(globalPropKey(key))
		if e == buntdb.ErrNotFound {
			return nil
		}
		if e != nil {
			return e
		}
		val, found = v, true
		return nil
	})
	return val, found, err
}

func (idx *Index) GlobalPropertySet(key, value string) error {
	return idx.db.Update(func(tx *buntdb.Tx) error {
		_, _, e := tx.Set(globalPropKey(key), value, nil)
		return e
	})
}

// IncrementGlobalSequence atomically bumps and returns the named counter,
// a sequence number that stays monotonic across restarts but, unlike the
// change log, is not itself an event.
func (idx *Index) IncrementGlobalSequence(key string) (int64, error) {
	var next int64
	err := idx.db.Update(func(tx *buntdb.Tx) error {
		cur := int64(0)
		v, e := tx.Get(globalPropKey("seq:" + key))
		if e == nil {
			n, perr := strconv.ParseInt(v, 10, 64)
			if perr == nil {
				cur = n
			}
		} else if e != buntdb.ErrNotFound {
			return e
		}
		next = cur + 1
		_, _, e = tx.Set(globalPropKey("seq:"+key), strconv.FormatInt(next, 10), nil)
		return e
	})
	return next, err
}
