package index

import (
	"strings"

	"github.com/tidwall/buntdb"
)

// Changes returns up to limit change-log entries with Seq > since, in
// ascending order, plus the last seq examined and whether the result
// reached the true end of the log (done=true means no further entries
// exist beyond what was returned).
func (idx *Index) Changes(since int64, limit int) (events []ChangeEvent, lastSeq int64, done bool, err error) {
	if limit <= 0 {
		limit = 100
	}
	lastSeq = since
	err = idx.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendGreaterOrEqual("", changeKey(since+1), func(k, v string) bool {
			if !strings.HasPrefix(k, prefixChange) {
				return false
			}
			var ev ChangeEvent
			if e := json.UnmarshalFromString(v, &ev); e != nil {
				return true
			}
			if len(events) >= limit {
				return false
			}
			events = append(events, ev)
			lastSeq = ev.Seq
			return true
		})
	})
	if err != nil {
		return nil, since, false, err
	}
	idx.seqMu.Lock()
	tip := idx.lastSeq
	idx.seqMu.Unlock()
	done = lastSeq >= tip
	return events, lastSeq, done, nil
}

// LastChange returns the sequence number of the most recent change-log entry.
func (idx *Index) LastChange() int64 {
	idx.seqMu.Lock()
	defer idx.seqMu.Unlock()
	return idx.lastSeq
}
