package index

import (
	"strings"

	"github.com/tidwall/buntdb"

	"github.com/dcmstore/dcmstore/dcmtag"
)

// Constraint is one exact-match main-tag constraint the query planner has
// determined is indexable (spec §4.8: constraints on main DICOM tags are
// resolved through the index; everything else is a residual filter applied
// by the planner after fetching candidate rows).
type Constraint struct {
	Tag   string
	Value string
}

// LookupByMainTag returns every internal id at level whose stored value for
// tag equals value, via the mainidx prefix scan — the indexed-column
// lookup the rest of the main-tag schema exists to support.
func (idx *Index) LookupByMainTag(level dcmtag.Level, tag, value string) ([]string, error) {
	var out []string
	err := idx.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(mainIdxPrefix(level, tag, value)+"*", func(k, _ string) bool {
			parts := strings.Split(k, ":")
			out = append(out, parts[len(parts)-1])
			return true
		})
	})
	return out, err
}

// Candidates resolves a set of indexable constraints for level down to the
// intersection of matching internal ids. An empty constraint set returns
// every resource at level (full scan). Order is unspecified; the caller
// sorts or paginates.
func (idx *Index) Candidates(level dcmtag.Level, constraints []Constraint) ([]string, error) {
	if len(constraints) == 0 {
		return idx.AllAtLevel(level)
	}

	sets := make([]map[string]bool, 0, len(constraints))
	for _, c := range constraints {
		ids, err := idx.LookupByMainTag(level, c.Tag, c.Value)
		if err != nil {
			return nil, err
		}
		set := make(map[string]bool, len(ids))
		for _, id := range ids {
			set[id] = true
		}
		sets = append(sets, set)
	}

	// Intersect starting from the smallest set, for fewer membership checks.
	smallest := 0
	for i, s := range sets {
		if len(s) < len(sets[smallest]) {
			smallest = i
		}
	}
	var out []string
	for id := range sets[smallest] {
		inAll := true
		for i, s := range sets {
			if i == smallest {
				continue
			}
			if !s[id] {
				inAll = false
				break
			}
		}
		if inAll {
			out = append(out, id)
		}
	}
	return out, nil
}

// AllAtLevel scans the resource table for every row at level. Used for
// empty-constraint queries and as the residual-filter fallback when a
// requested tag is not part of the indexed main-tag schema.
func (idx *Index) AllAtLevel(level dcmtag.Level) ([]string, error) {
	var out []string
	err := idx.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefixResource+"*", func(_, v string) bool {
			var row ResourceRow
			if e := json.UnmarshalFromString(v, &row); e == nil && row.Level == level {
				out = append(out, row.InternalID)
			}
			return true
		})
	})
	return out, err
}

// GetResourceRow fetches the full row for internalID, for residual
// filtering and response building by the query planner.
func (idx *Index) GetResourceRow(internalID string) (ResourceRow, bool, error) {
	var row ResourceRow
	var found bool
	err := idx.db.View(func(tx *buntdb.Tx) error {
		var e error
		found, e = getJSON(tx, resourceKey(internalID), &row)
		return e
	})
	return row, found, err
}
