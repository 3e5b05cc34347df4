package modify

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/dcmstore/dcmstore/cache"
	"github.com/dcmstore/dcmstore/cmn"
	"github.com/dcmstore/dcmstore/dcmtag"
	"github.com/dcmstore/dcmstore/index"
	"github.com/dcmstore/dcmstore/ingest"
	"github.com/dcmstore/dcmstore/jobs"
	"github.com/dcmstore/dcmstore/storage"
)

// JobType is the Job Engine type tag this package registers under (spec
// §4.5 Factory / RegisterType).
const JobType = "Modification"

// jobState is Job's persisted, replay-deterministic state.
type jobState struct {
	ResourceIDs   []string
	Program       Program
	Anonymize     bool
	Transcode     string
	InstanceInternalIDs []string
	OriginalPublicIDs   []string
	NextInstance  int
	ModifiedCount int
}

// Job runs a modification Program over every instance under a set of
// resources: a per-instance pass (load, apply, re-ingest) followed by a
// cleanup pass that removes the originals unless Program.KeepSource is
// set. Grounded on original_source's ResourceModificationJob, generalized
// from its DicomModification single-pass apply into the store's
// step-at-a-time Job Engine model.
type Job struct {
	idx      *index.Index
	area     storage.Area
	cache    *cache.Cache
	pipeline *ingest.Pipeline
	cfgMgr   *cmn.Manager

	state    jobState
	remapper *UIDRemapper
}

// NewFactory returns a jobs.Factory for Job, closed over the dependencies
// every instance needs: the Index to resolve/delete resources, the
// Storage Area and parsed-DICOM Cache to load original attachments from
// (spec §4.7 "Execution": "loads each via the parsed-DICOM cache"), and
// the Ingestion Pipeline every modified instance is re-committed through
// (so it goes through the same filters, change publication, and metrics
// as any other ingest).
func NewFactory(idx *index.Index, area storage.Area, c *cache.Cache, pipeline *ingest.Pipeline, cfgMgr *cmn.Manager) jobs.Factory {
	return func(raw json.RawMessage) (jobs.Job, error) {
		var st jobState
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, cmn.WrapError(cmn.BadFileFormat, err, "unmarshal modification job state")
		}
		return &Job{idx: idx, area: area, cache: c, pipeline: pipeline, cfgMgr: cfgMgr, state: st, remapper: NewUIDRemapper()}, nil
	}
}

// Start resolves state.ResourceIDs to their full instance set, validates
// the program's index-independent sanity rules, and enforces the
// index-dependent Patient-level-rewrite restriction (spec §4.7): a
// Program that replaces PatientID may not apply to a resource whose
// Patient ancestor has more than one Study, since a partial rewrite of
// only some of a patient's studies would leave the patient record split
// across two identities.
func (j *Job) Start() error {
	cfg := j.cfgMgr.Get()
	if err := j.state.Program.Validate(cfg.OverwriteInstances); err != nil {
		return err
	}

	rewritesPatient := j.state.Program.replacesOrKeeps(dcmtag.TagPatientID) && !j.state.Program.isKept(dcmtag.TagPatientID)

	var instanceIDs, originalPublicIDs []string
	seen := map[string]bool{}
	checkedPatients := map[string]bool{}
	for _, publicID := range j.state.ResourceIDs {
		internalID, level, err := j.idx.LookupResource(publicID)
		if err != nil {
			return err
		}
		if rewritesPatient {
			patientInternal, err := j.resolvePatientAncestor(internalID, level)
			if err != nil {
				return err
			}
			if !checkedPatients[patientInternal] {
				checkedPatients[patientInternal] = true
				children, err := j.idx.GetChildren(patientInternal)
				if err != nil {
					return err
				}
				if len(children) > 1 {
					return cmn.NewError(cmn.ParameterOutOfRange,
						"PatientID replacement refused: target patient has more than one study")
				}
			}
		}
		instances, err := j.idx.GetChildInstances(internalID)
		if err != nil {
			return err
		}
		for _, instInternal := range instances {
			if seen[instInternal] {
				continue
			}
			seen[instInternal] = true
			row, ok, err := j.idx.GetResourceRow(instInternal)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			instanceIDs = append(instanceIDs, instInternal)
			originalPublicIDs = append(originalPublicIDs, row.PublicID)
		}
	}
	j.state.InstanceInternalIDs = instanceIDs
	j.state.OriginalPublicIDs = originalPublicIDs
	return nil
}

// resolvePatientAncestor walks up from internalID (at level) to its
// Patient-level ancestor, returning internalID itself if it is already a
// Patient row.
func (j *Job) resolvePatientAncestor(internalID string, level dcmtag.Level) (string, error) {
	for level != dcmtag.Patient {
		parent, ok, err := j.idx.LookupParent(internalID)
		if err != nil {
			return "", err
		}
		if !ok {
			return internalID, nil
		}
		row, found, err := j.idx.GetResourceRow(parent)
		if err != nil {
			return "", err
		}
		if !found {
			return internalID, nil
		}
		internalID, level = parent, row.Level
	}
	return internalID, nil
}

// Step applies the program to one instance per call (spec §4.5 "one unit
// of work per Step"), then performs the cleanup pass once every instance
// has been re-ingested.
func (j *Job) Step() (jobs.StepResult, error) {
	if j.state.NextInstance >= len(j.state.InstanceInternalIDs) {
		return j.finish()
	}

	internalID := j.state.InstanceInternalIDs[j.state.NextInstance]
	originalPublicID := j.state.OriginalPublicIDs[j.state.NextInstance]

	attachments, err := j.idx.ListAttachments(internalID)
	if err != nil {
		return jobs.StepFailure, err
	}
	var att index.AttachmentRow
	found := false
	for _, a := range attachments {
		if storage.ContentType(a.ContentType) == storage.ContentDicom {
			att = a
			found = true
			break
		}
	}
	if !found {
		return jobs.StepFailure, cmn.NewError(cmn.InexistentFile, "instance %s has no Dicom attachment", originalPublicID)
	}

	handle, err := j.cache.Acquire(att.UUID, func() (*dcmtag.ParsedFile, int64, error) {
		data, err := j.area.Read(att.UUID, att.CustomData)
		if err != nil {
			return nil, 0, err
		}
		pf, err := dcmtag.ParseFile(bytes.NewReader(data))
		if err != nil {
			return nil, 0, err
		}
		return pf, int64(len(data)), nil
	})
	if err != nil {
		return jobs.StepFailure, err
	}
	pf := handle.Dataset()
	modified := ApplyToInstance(pf, &j.state.Program, j.remapper)
	handle.Release()

	var buf bytes.Buffer
	if err := dcmtag.WriteFile(&buf, modified); err != nil {
		return jobs.StepFailure, err
	}

	cfg := j.cfgMgr.Get()
	results, err := j.pipeline.IngestAll(context.Background(), buf.Bytes(), ingest.OriginJob, ingest.Options{
		Overwrite: cfg.OverwriteInstances,
	})
	if err != nil {
		return jobs.StepFailure, err
	}
	if len(results) == 1 && results[0].Store.InstanceID != "" {
		key := index.MetaModifiedFrom
		if j.state.Anonymize {
			key = index.MetaAnonymizedFrom
		}
		if _, err := j.idx.OverwriteMetadata(results[0].Store.InstanceID, key, originalPublicID); err != nil {
			return jobs.StepFailure, err
		}
	}

	j.state.NextInstance++
	j.state.ModifiedCount++
	return jobs.StepContinue, nil
}

// finish runs the cleanup pass: when Program.KeepSource is false, every
// original instance is deleted from the index (and its attachments from
// the Storage Area) now that every instance has a re-ingested replacement
// committed (spec §4.7 "Execution").
func (j *Job) finish() (jobs.StepResult, error) {
	if !j.state.Program.KeepSource {
		for _, internalID := range j.state.InstanceInternalIDs {
			removed, _, err := j.idx.Delete(internalID)
			if err != nil {
				return jobs.StepFailure, err
			}
			for _, a := range removed {
				if err := j.area.Remove(a.UUID, a.CustomData); err != nil {
					return jobs.StepFailure, err
				}
			}
		}
	}
	return jobs.StepSuccess, nil
}

func (j *Job) Stop(reason string) {}

func (j *Job) Reset() error {
	j.state.NextInstance = 0
	j.state.ModifiedCount = 0
	j.remapper = NewUIDRemapper()
	return nil
}

func (j *Job) Progress() float64 {
	if len(j.state.InstanceInternalIDs) == 0 {
		return 0
	}
	return float64(j.state.NextInstance) / float64(len(j.state.InstanceInternalIDs))
}

func (j *Job) PublicContent() map[string]interface{} {
	return map[string]interface{}{
		"InstanceCount": len(j.state.InstanceInternalIDs),
		"ModifiedCount": j.state.ModifiedCount,
		"Anonymize":     j.state.Anonymize,
	}
}

func (j *Job) JobType() string { return JobType }

func (j *Job) Serialize() (json.RawMessage, error) { return json.Marshal(j.state) }
