package index

import (
	"time"

	"github.com/tidwall/buntdb"

	"github.com/dcmstore/dcmstore/dcmtag"
)

// CheckStability scans every non-Instance resource whose LastChildUpdate is
// older than idleFor and marks it Stable, emitting exactly one Stable*
// event per resource transition (spec §4.3: "a Study/Series/Patient
// becomes Stable once no new child has been ingested for idleFor, and the
// transition fires at most once until touched again"). Intended to be
// called periodically from a housekeeping goroutine, the same pattern the
// teacher's own background GC/prefetch threads use.
func (idx *Index) CheckStability(idleFor time.Duration) ([]ChangeEvent, error) {
	var events []ChangeEvent
	now := time.Now().UTC()

	err := idx.db.Update(func(tx *buntdb.Tx) error {
		var keys []string
		if e := tx.AscendKeys(prefixResource+"*", func(k, _ string) bool {
			keys = append(keys, k)
			return true
		}); e != nil {
			return e
		}

		for _, k := range keys {
			var row ResourceRow
			found, e := getJSON(tx, k, &row)
			if e != nil {
				return e
			}
			if !found || row.Level == dcmtag.Instance || row.Stable {
				continue
			}
			if now.Sub(row.LastChildUpdate) < idleFor {
				continue
			}
			row.Stable = true
			if e := setJSON(tx, k, row); e != nil {
				return e
			}

			var ct ChangeType
			switch row.Level {
			case dcmtag.Patient:
				ct = ChangeStablePatient
			case dcmtag.Study:
				ct = ChangeStableStudy
			case dcmtag.Series:
				ct = ChangeStableSeries
			}
			ev, e := idx.appendChangeLocked(tx, ct, row.Level, row.PublicID)
			if e != nil {
				return e
			}
			events = append(events, ev)
		}
		return nil
	})
	return events, err
}
