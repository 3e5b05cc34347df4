package index

import (
	"github.com/tidwall/buntdb"

	"github.com/dcmstore/dcmstore/cmn"
)

// AddAttachment stores a new (non-primary-DICOM) attachment on a resource,
// or replaces one under compare-and-swap: the caller-supplied
// expectedRevision must match the stored row's Revision, otherwise
// cmn.Database (conflict) is returned and nothing is written. Pass
// expectedRevision -1 to require that no attachment with this uuid exists
// yet.
func (idx *Index) AddAttachment(resourceInternalID string, att AttachmentRow, expectedRevision int) (newRevision int, err error) {
	err = idx.db.Update(func(tx *buntdb.Tx) error {
		var existing AttachmentRow
		found, e := getJSON(tx, attachKey(resourceInternalID, att.UUID), &existing)
		if e != nil {
			return e
		}
		if expectedRevision == -1 {
			if found {
				return cmn.NewError(cmn.Database, "attachment already exists")
			}
		} else if !found || existing.Revision != expectedRevision {
			return cmn.NewError(cmn.Database, "attachment revision conflict")
		}
		att.InstanceInternalID = resourceInternalID
		att.Revision = expectedRevision + 1
		newRevision = att.Revision
		return setJSON(tx, attachKey(resourceInternalID, att.UUID), att)
	})
	return newRevision, err
}

// GetAttachment returns the attachment row for uuid on resourceInternalID.
func (idx *Index) GetAttachment(resourceInternalID, uuid string) (AttachmentRow, error) {
	var a AttachmentRow
	err := idx.db.View(func(tx *buntdb.Tx) error {
		found, e := getJSON(tx, attachKey(resourceInternalID, uuid), &a)
		if e != nil {
			return e
		}
		if !found {
			return cmn.NewError(cmn.InexistentFile, "unknown attachment")
		}
		return nil
	})
	return a, err
}

// ListAttachments returns every attachment row stored against resourceInternalID.
func (idx *Index) ListAttachments(resourceInternalID string) ([]AttachmentRow, error) {
	var out []AttachmentRow
	err := idx.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(attachPrefix(resourceInternalID)+"*", func(_, v string) bool {
			var a AttachmentRow
			if e := json.UnmarshalFromString(v, &a); e == nil {
				out = append(out, a)
			}
			return true
		})
	})
	return out, err
}

// RemoveAttachment deletes one attachment row, returning it so the caller
// can reclaim its Storage Area blob.
func (idx *Index) RemoveAttachment(resourceInternalID, uuid string) (AttachmentRow, error) {
	var a AttachmentRow
	err := idx.db.Update(func(tx *buntdb.Tx) error {
		found, e := getJSON(tx, attachKey(resourceInternalID, uuid), &a)
		if e != nil {
			return e
		}
		if !found {
			return cmn.NewError(cmn.InexistentFile, "unknown attachment")
		}
		_, e = tx.Delete(attachKey(resourceInternalID, uuid))
		return e
	})
	return a, err
}
