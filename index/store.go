package index

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/buntdb"

	"github.com/dcmstore/dcmstore/dcmtag"
)

// Store creates or updates the Patient/Study/Series/Instance chain for one
// ingested instance in a single transaction (spec §4.3 Store, §4.4 step 8).
// If the instance already exists and Overwrite is false, the attachment in
// in.Attachment is discarded by the caller and StatusAlreadyStored is
// returned without modifying anything. If Overwrite is true the existing
// instance's attachment rows are replaced and returned in
// StoreResult.RemovedAttachments so the ingestion pipeline can free the old
// blobs from the Storage Area after the transaction commits.
func (idx *Index) Store(in StoreInput) (StoreResult, error) {
	var res StoreResult

	patientPub := dcmtag.ResourceID(dcmtag.Patient, in.Identifiers)
	studyPub := dcmtag.ResourceID(dcmtag.Study, in.Identifiers)
	seriesPub := dcmtag.ResourceID(dcmtag.Series, in.Identifiers)
	instancePub := dcmtag.ResourceID(dcmtag.Instance, in.Identifiers)

	err := idx.db.Update(func(tx *buntdb.Tx) error {
		now := time.Now().UTC()

		instanceInternal, existed, err := idx.findOrCreate(tx, dcmtag.Instance, instancePub, "", in.MainTags[dcmtag.Instance], now, &res)
		if err != nil {
			return err
		}

		if existed && !in.Overwrite {
			res.Status = StatusAlreadyStored
			res.InstanceID = instancePub
			return idx.fillParents(tx, instanceInternal, &res)
		}

		seriesInternal, _, err := idx.findOrCreate(tx, dcmtag.Series, seriesPub, "", in.MainTags[dcmtag.Series], now, &res)
		if err != nil {
			return err
		}
		studyInternal, _, err := idx.findOrCreate(tx, dcmtag.Study, studyPub, "", in.MainTags[dcmtag.Study], now, &res)
		if err != nil {
			return err
		}
		patientInternal, _, err := idx.findOrCreate(tx, dcmtag.Patient, patientPub, "", in.MainTags[dcmtag.Patient], now, &res)
		if err != nil {
			return err
		}

		if err := idx.reparent(tx, seriesInternal, studyInternal); err != nil {
			return err
		}
		if err := idx.reparent(tx, studyInternal, patientInternal); err != nil {
			return err
		}
		if err := idx.reparent(tx, instanceInternal, seriesInternal); err != nil {
			return err
		}

		if existed {
			// Overwrite: drop the old attachment(s), record for cleanup.
			var oldUUIDs []string
			if err := tx.AscendKeys(attachPrefix(instanceInternal)+"*", func(k, v string) bool {
				var a AttachmentRow
				if e := json.UnmarshalFromString(v, &a); e == nil {
					res.RemovedAttachments = append(res.RemovedAttachments, a)
				}
				oldUUIDs = append(oldUUIDs, k)
				return true
			}); err != nil {
				return err
			}
			for _, k := range oldUUIDs {
				if _, err := tx.Delete(k); err != nil {
					return err
				}
			}
		}

		att := in.Attachment
		att.InstanceInternalID = instanceInternal
		if err := setJSON(tx, attachKey(instanceInternal, att.UUID), att); err != nil {
			return err
		}
		for k, v := range in.Metadata {
			if err := setJSON(tx, metaKey(instanceInternal, k), MetadataRow{Key: k, Value: v, Revision: 0}); err != nil {
				return err
			}
		}

		if err := idx.touchAncestorsLocked(tx, seriesInternal, now); err != nil {
			return err
		}

		ct := ChangeNewInstance
		if existed {
			ct = ChangeUpdatedAttachment
		}
		ev, err := idx.appendChangeLocked(tx, ct, dcmtag.Instance, instancePub)
		if err != nil {
			return err
		}
		res.Events = append(res.Events, ev)

		res.Status = StatusSuccess
		res.InstanceID = instancePub
		res.ParentPatient = patientPub
		res.ParentStudy = studyPub
		res.ParentSeries = seriesPub
		return nil
	})
	return res, err
}

// findOrCreate looks up publicID's row; if absent it creates a new row
// (parent wired up later by reparent) and appends the appropriate "New*"
// change event. Returns the internal id and whether the row pre-existed.
func (idx *Index) findOrCreate(tx *buntdb.Tx, level dcmtag.Level, publicID, parentInternal string, mainTags map[string]string, now time.Time, res *StoreResult) (internalID string, existed bool, err error) {
	v, err := tx.Get(publicIDKey(publicID))
	if err == nil {
		return v, true, nil
	}
	if !errors.Is(err, buntdb.ErrNotFound) {
		return "", false, err
	}

	internalID = uuid.NewString()
	row := ResourceRow{
		InternalID:       internalID,
		PublicID:         publicID,
		Level:            level,
		ParentInternalID: parentInternal,
		MainTags:         mainTags,
		SchemaSignature:  dcmtag.SchemaSignature(level),
		Stable:           false,
		LastChildUpdate:  now,
		CreatedAt:        now,
	}
	if err := setJSON(tx, resourceKey(internalID), row); err != nil {
		return "", false, err
	}
	if _, _, err := tx.Set(publicIDKey(publicID), internalID, nil); err != nil {
		return "", false, err
	}
	for tag, val := range mainTags {
		if _, _, err := tx.Set(mainIdxKey(level, tag, val, internalID), "", nil); err != nil {
			return "", false, err
		}
	}

	var ct ChangeType
	switch level {
	case dcmtag.Patient:
		ct = ChangeNewPatient
	case dcmtag.Study:
		ct = ChangeNewStudy
	case dcmtag.Series:
		ct = ChangeNewSeries
	case dcmtag.Instance:
		ct = ChangeNewInstance
	}
	if ct != "" && level != dcmtag.Instance {
		// NewInstance is emitted once, after the attachment is attached, by
		// the caller; the other three levels are announced immediately since
		// their "child added" event is exactly this creation.
		ev, err := idx.appendChangeLocked(tx, ct, level, publicID)
		if err != nil {
			return "", false, err
		}
		res.Events = append(res.Events, ev)
	}
	return internalID, false, nil
}

// reparent links child under parent in the children table, tolerating
// already-linked children (idempotent, since findOrCreate may be called
// again for a resource whose parent is unchanged).
func (idx *Index) reparent(tx *buntdb.Tx, childInternal, parentInternal string) error {
	var row ResourceRow
	if _, err := getJSON(tx, resourceKey(childInternal), &row); err != nil {
		return err
	}
	if row.ParentInternalID == parentInternal {
		_, _, err := tx.Set(childKey(parentInternal, childInternal), "", nil)
		return err
	}
	if row.ParentInternalID != "" {
		if _, err := tx.Delete(childKey(row.ParentInternalID, childInternal)); err != nil && !errors.Is(err, buntdb.ErrNotFound) {
			return err
		}
	}
	row.ParentInternalID = parentInternal
	if err := setJSON(tx, resourceKey(childInternal), row); err != nil {
		return err
	}
	_, _, err := tx.Set(childKey(parentInternal, childInternal), "", nil)
	return err
}

// touchAncestorsLocked marks every ancestor of seriesInternal (series,
// study, patient) as having just received a new child, clearing Stable so
// the housekeeping pass re-arms the idle timer (spec §4.3 stability).
func (idx *Index) touchAncestorsLocked(tx *buntdb.Tx, seriesInternal string, now time.Time) error {
	id := seriesInternal
	for id != "" {
		var row ResourceRow
		found, err := getJSON(tx, resourceKey(id), &row)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		row.LastChildUpdate = now
		row.Stable = false
		if err := setJSON(tx, resourceKey(id), row); err != nil {
			return err
		}
		id = row.ParentInternalID
	}
	return nil
}

// fillParents populates res.ParentPatient/Study/Series from an existing
// instance's ancestry, used for the AlreadyStored response.
func (idx *Index) fillParents(tx *buntdb.Tx, instanceInternal string, res *StoreResult) error {
	var inst ResourceRow
	if _, err := getJSON(tx, resourceKey(instanceInternal), &inst); err != nil {
		return err
	}
	var series, study, patient ResourceRow
	if _, err := getJSON(tx, resourceKey(inst.ParentInternalID), &series); err != nil {
		return err
	}
	if _, err := getJSON(tx, resourceKey(series.ParentInternalID), &study); err != nil {
		return err
	}
	if _, err := getJSON(tx, resourceKey(study.ParentInternalID), &patient); err != nil {
		return err
	}
	res.ParentSeries = series.PublicID
	res.ParentStudy = study.PublicID
	res.ParentPatient = patient.PublicID
	return nil
}
