package index

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/dcmstore/dcmstore/cmn"
	"github.com/dcmstore/dcmstore/dcmtag"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Index is the hierarchical metadata database. All exported methods are
// safe for concurrent use: buntdb serializes writers internally, readers
// run against a consistent snapshot.
type Index struct {
	db *buntdb.DB

	// seqMu serializes change-log sequence allocation across the process;
	// buntdb already serializes Update transactions, but keeping the
	// counter in Go avoids re-parsing it inside every transaction.
	seqMu  sync.Mutex
	lastSeq int64
}

// Open opens (or creates) the metadata database at path. Use ":memory:" for
// a transient, in-process-only database (tests, ephemeral nodes).
func Open(path string) (*Index, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, cmn.WrapError(cmn.Database, err, "open index at %s", path)
	}
	idx := &Index{db: db}
	if err := idx.loadLastSeq(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) Close() error { return idx.db.Close() }

func (idx *Index) loadLastSeq() error {
	return idx.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(keyLastChangeSeq)
		if errors.Is(err, buntdb.ErrNotFound) {
			idx.lastSeq = 0
			return nil
		}
		if err != nil {
			return err
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		idx.lastSeq = n
		return nil
	})
}

// Key-space layout. buntdb is a flat ordered string KV; every "table" in
// the spec is simulated by a distinct key prefix, with AscendKeys glob
// scans standing in for indexed column lookups.
const (
	prefixResource  = "resource:"  // resource:<internalID> -> ResourceRow JSON
	prefixPublicID  = "pubid:"     // pubid:<publicID> -> internalID
	prefixChild     = "children:"  // children:<parentID>:<childID> -> ""
	prefixAttach    = "attach:"    // attach:<instanceID>:<uuid> -> AttachmentRow JSON
	prefixMeta      = "meta:"      // meta:<internalID>:<key> -> MetadataRow JSON
	prefixChange    = "change:"    // change:<zero-padded seq> -> ChangeEvent JSON
	prefixGlobalProp = "globalprop:" // globalprop:<key> -> value
	prefixMainIdx   = "mainidx:"   // mainidx:<level>:<tag>:<value>:<internalID> -> ""
	keyLastChangeSeq = "sys:lastchangeseq"
)

func resourceKey(id string) string { return prefixResource + id }
func publicIDKey(pub string) string { return prefixPublicID + pub }
func childKey(parent, child string) string { return prefixChild + parent + ":" + child }
func childPrefix(parent string) string { return prefixChild + parent + ":" }
func attachKey(instance, uuid string) string { return prefixAttach + instance + ":" + uuid }
func attachPrefix(instance string) string { return prefixAttach + instance + ":" }
func metaKey(id, key string) string { return prefixMeta + id + ":" + key }
func metaPrefix(id string) string { return prefixMeta + id + ":" }
func changeKey(seq int64) string { return fmt.Sprintf("%s%020d", prefixChange, seq) }
func globalPropKey(key string) string { return prefixGlobalProp + key }
func mainIdxKey(level dcmtag.Level, tag, value, id string) string {
	return fmt.Sprintf("%s%d:%s:%s:%s", prefixMainIdx, level, tag, sanitizeIndexValue(value), id)
}
func mainIdxPrefix(level dcmtag.Level, tag, value string) string {
	return fmt.Sprintf("%s%d:%s:%s:", prefixMainIdx, level, tag, sanitizeIndexValue(value))
}

// sanitizeIndexValue prevents a DICOM tag value containing ':' from
// corrupting key-segment boundaries.
func sanitizeIndexValue(v string) string {
	return strings.ReplaceAll(v, ":", "_")
}

func getJSON(tx *buntdb.Tx, key string, v interface{}) (bool, error) {
	s, err := tx.Get(key)
	if errors.Is(err, buntdb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.UnmarshalFromString(s, v)
}

func setJSON(tx *buntdb.Tx, key string, v interface{}) error {
	s, err := json.MarshalToString(v)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(key, s, nil)
	return err
}

// LookupResource resolves a public (content-addressed, hex) identifier to
// its internal key and level. Returns cmn.UnknownResource when absent.
func (idx *Index) LookupResource(publicID string) (internalID string, level dcmtag.Level, err error) {
	err = idx.db.View(func(tx *buntdb.Tx) error {
		v, e := tx.Get(publicIDKey(publicID))
		if errors.Is(e, buntdb.ErrNotFound) {
			return cmn.NewError(cmn.UnknownResource, "unknown resource "+publicID)
		}
		if e != nil {
			return e
		}
		internalID = v
		var row ResourceRow
		if _, e := getJSON(tx, resourceKey(internalID), &row); e != nil {
			return e
		}
		level = row.Level
		return nil
	})
	return internalID, level, err
}

// LookupParent returns the internal id of internalID's parent resource, or
// ok=false at the Patient level (which has no parent).
func (idx *Index) LookupParent(internalID string) (parentInternalID string, ok bool, err error) {
	err = idx.db.View(func(tx *buntdb.Tx) error {
		var row ResourceRow
		found, e := getJSON(tx, resourceKey(internalID), &row)
		if e != nil {
			return e
		}
		if !found {
			return cmn.NewError(cmn.UnknownResource, "unknown resource "+internalID)
		}
		parentInternalID = row.ParentInternalID
		ok = parentInternalID != ""
		return nil
	})
	return parentInternalID, ok, err
}

// GetChildren returns the internal ids of internalID's direct children.
func (idx *Index) GetChildren(internalID string) ([]string, error) {
	var out []string
	err := idx.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(childPrefix(internalID)+"*", func(k, _ string) bool {
			out = append(out, strings.TrimPrefix(k, childPrefix(internalID)))
			return true
		})
	})
	return out, err
}

// GetChildInstances returns the transitive closure of Instance-level
// descendants under internalID (itself included if it is already an
// Instance).
func (idx *Index) GetChildInstances(internalID string) ([]string, error) {
	var out []string
	var walk func(id string) error
	walk = func(id string) error {
		var row ResourceRow
		found := false
		err := idx.db.View(func(tx *buntdb.Tx) error {
			var e error
			found, e = getJSON(tx, resourceKey(id), &row)
			return e
		})
		if err != nil {
			return err
		}
		if !found {
			return cmn.NewError(cmn.UnknownResource, "unknown resource "+id)
		}
		if row.Level == dcmtag.Instance {
			out = append(out, id)
			return nil
		}
		children, err := idx.GetChildren(id)
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(internalID); err != nil {
		return nil, err
	}
	return out, nil
}

// GetMainDicomTags returns the fixed main-tag schema values recorded for
// publicID's level.
func (idx *Index) GetMainDicomTags(publicID string) (map[string]string, dcmtag.Level, error) {
	var tags map[string]string
	var level dcmtag.Level
	err := idx.db.View(func(tx *buntdb.Tx) error {
		internalID, e := tx.Get(publicIDKey(publicID))
		if errors.Is(e, buntdb.ErrNotFound) {
			return cmn.NewError(cmn.UnknownResource, "unknown resource "+publicID)
		}
		if e != nil {
			return e
		}
		var row ResourceRow
		if _, e := getJSON(tx, resourceKey(internalID), &row); e != nil {
			return e
		}
		tags = row.MainTags
		level = row.Level
		return nil
	})
	return tags, level, err
}

// AppendJobEvent appends a JobSubmitted/JobSuccess/JobFailure entry to the
// change log (spec §4.9): the Job Engine has no resource to key the event
// by, so publicID is the job id and Level is left at its zero value.
func (idx *Index) AppendJobEvent(ct ChangeType, jobID string) (ChangeEvent, error) {
	var ev ChangeEvent
	err := idx.db.Update(func(tx *buntdb.Tx) error {
		var e error
		ev, e = idx.appendChangeLocked(tx, ct, dcmtag.Patient, jobID)
		return e
	})
	return ev, err
}

// Delete removes internalID and, recursively, every descendant, collecting
// every attachment row so the caller can reclaim Storage Area space and
// every ChangeEvent to publish afterwards.
func (idx *Index) Delete(internalID string) (removedAttachments []AttachmentRow, events []ChangeEvent, err error) {
	err = idx.db.Update(func(tx *buntdb.Tx) error {
		var row ResourceRow
		found, e := getJSON(tx, resourceKey(internalID), &row)
		if e != nil {
			return e
		}
		if !found {
			return cmn.NewError(cmn.UnknownResource, "unknown resource "+internalID)
		}

		var deleteRec func(id string) error
		deleteRec = func(id string) error {
			var r ResourceRow
			f, e := getJSON(tx, resourceKey(id), &r)
			if e != nil {
				return e
			}
			if !f {
				return nil
			}
			var childIDs []string
			if e := tx.AscendKeys(childPrefix(id)+"*", func(k, _ string) bool {
				childIDs = append(childIDs, strings.TrimPrefix(k, childPrefix(id)))
				return true
			}); e != nil {
				return e
			}
			for _, c := range childIDs {
				if e := deleteRec(c); e != nil {
					return e
				}
				if _, e := tx.Delete(childKey(id, c)); e != nil && !errors.Is(e, buntdb.ErrNotFound) {
					return e
				}
			}
			if r.Level == dcmtag.Instance {
				var attUUIDs []string
				if e := tx.AscendKeys(attachPrefix(id)+"*", func(k, v string) bool {
					var a AttachmentRow
					if e := json.UnmarshalFromString(v, &a); e == nil {
						removedAttachments = append(removedAttachments, a)
					}
					attUUIDs = append(attUUIDs, k)
					return true
				}); e != nil {
					return e
				}
				for _, k := range attUUIDs {
					if _, e := tx.Delete(k); e != nil {
						return e
					}
				}
			}
			var metaKeys []string
			if e := tx.AscendKeys(metaPrefix(id)+"*", func(k, _ string) bool {
				metaKeys = append(metaKeys, k)
				return true
			}); e != nil {
				return e
			}
			for _, k := range metaKeys {
				if _, e := tx.Delete(k); e != nil {
					return e
				}
			}
			for tag, val := range r.MainTags {
				if _, e := tx.Delete(mainIdxKey(r.Level, tag, val, id)); e != nil && !errors.Is(e, buntdb.ErrNotFound) {
					return e
				}
			}
			if _, e := tx.Delete(publicIDKey(r.PublicID)); e != nil && !errors.Is(e, buntdb.ErrNotFound) {
				return e
			}
			if _, e := tx.Delete(resourceKey(id)); e != nil {
				return e
			}
			ev, e := idx.appendChangeLocked(tx, ChangeDeleted, r.Level, r.PublicID)
			if e != nil {
				return e
			}
			events = append(events, ev)
			return nil
		}

		if row.ParentInternalID != "" {
			if _, e := tx.Delete(childKey(row.ParentInternalID, internalID)); e != nil && !errors.Is(e, buntdb.ErrNotFound) {
				return e
			}
		}
		return deleteRec(internalID)
	})
	return removedAttachments, events, err
}

// appendChangeLocked appends one entry to the change log. Must be called
// from within an active Update transaction; idx.seqMu additionally
// serializes Go-side counter increments across concurrent Update calls
// (buntdb itself already serializes the transactions, this just protects
// idx.lastSeq).
func (idx *Index) appendChangeLocked(tx *buntdb.Tx, ct ChangeType, level dcmtag.Level, publicID string) (ChangeEvent, error) {
	idx.seqMu.Lock()
	idx.lastSeq++
	seq := idx.lastSeq
	idx.seqMu.Unlock()

	ev := ChangeEvent{Seq: seq, ChangeType: ct, Level: level, PublicID: publicID, Date: time.Now().UTC()}
	if err := setJSON(tx, changeKey(seq), ev); err != nil {
		return ev, err
	}
	if _, _, err := tx.Set(keyLastChangeSeq, strconv.FormatInt(seq, 10), nil); err != nil {
		return ev, err
	}
	return ev, nil
}
