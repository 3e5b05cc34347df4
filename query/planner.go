package query

import (
	"bytes"
	"encoding/json"

	"github.com/dcmstore/dcmstore/cmn"
	"github.com/dcmstore/dcmstore/dcmtag"
	"github.com/dcmstore/dcmstore/index"
	"github.com/dcmstore/dcmstore/storage"
)

// StorageAccessPolicy governs when the planner is allowed to open an
// attachment off disk while answering a query (spec §4.8
// "Storage-access policy").
type StorageAccessPolicy string

const (
	DatabaseOnly          StorageAccessPolicy = "DatabaseOnly"
	DiskOnLookupAndAnswer StorageAccessPolicy = "DiskOnLookupAndAnswer"
	DiskOnAnswer          StorageAccessPolicy = "DiskOnAnswer"
)

// Match is one resource the planner accepted, carrying whatever tag set
// the policy allowed it to gather: always MainTags, plus any residual
// tags opened from disk.
type Match struct {
	Row  index.ResourceRow
	Tags map[string]string
}

// Planner evaluates a DatabaseLookup against the Index (spec §4.8),
// splitting constraints into an indexed fast path and a residual,
// disk-backed slow path. Grounded on original_source's
// OrthancFindRequestHandler, generalized from its fixed C-FIND visitor
// loop into an explicit, policy-driven plan.
type Planner struct {
	idx    *index.Index
	area   storage.Area
	cfgMgr *cmn.Manager
}

func New(idx *index.Index, area storage.Area, cfgMgr *cmn.Manager) *Planner {
	return &Planner{idx: idx, area: area, cfgMgr: cfgMgr}
}

func (p *Planner) policy() StorageAccessPolicy {
	policy := StorageAccessPolicy(p.cfgMgr.Get().StorageAccessOnFind)
	if policy == "" {
		return DiskOnLookupAndAnswer
	}
	return policy
}

// Find runs the full plan (spec §4.8 steps 1-6): split constraints, fetch
// capped candidates, evaluate residual and ModalitiesInStudy constraints
// per candidate, then page the surviving matches through since/limit and
// hand each to visit. complete is false when more than limit candidates
// matched the indexed constraints (the candidate set is capped at limit+1,
// spec §4.8 step 3) before residual filtering ever ran, meaning the true
// match count could be larger than what was actually evaluated.
func (p *Planner) Find(level dcmtag.Level, lookup DatabaseLookup, since, limit int, visit func(Match) error) (complete bool, err error) {
	policy := p.policy()

	var mainConstraints []index.Constraint
	var residual []Constraint
	var modalities *Constraint
	for _, c := range lookup.Constraints {
		if level == dcmtag.Study && c.Tag == ModalitiesInStudy {
			cc := c
			modalities = &cc
			continue
		}
		if c.Operator == OpEqual && c.CaseSensitive {
			mainConstraints = append(mainConstraints, index.Constraint{Tag: c.Tag, Value: c.Value})
			continue
		}
		residual = append(residual, c)
	}

	candidateIDs, err := p.idx.Candidates(level, mainConstraints)
	if err != nil {
		return false, err
	}

	truncated := false
	if limit > 0 && len(candidateIDs) > limit {
		if len(candidateIDs) > limit+1 {
			candidateIDs = candidateIDs[:limit+1]
		}
		truncated = true
	}

	// DatabaseOnly and DiskOnAnswer both filter using only what's already
	// in the database (spec §4.8: DatabaseOnly "drops" non-main
	// constraints; DiskOnAnswer "filter[s] in DB only"), so residual
	// constraints only narrow the candidate set under
	// DiskOnLookupAndAnswer.
	filterOnDisk := len(residual) > 0 && policy == DiskOnLookupAndAnswer

	var matched []Match
	for _, internalID := range candidateIDs {
		row, ok, err := p.idx.GetResourceRow(internalID)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}

		tags := row.MainTags
		if filterOnDisk {
			full, ferr := p.loadFullTags(internalID)
			if ferr == nil {
				tags = full
			}
		}
		if policy == DiskOnLookupAndAnswer {
			if !evaluateAll(residual, tags) {
				continue
			}
		}

		if modalities != nil {
			present, merr := p.modalitiesInStudy(internalID)
			if merr != nil {
				return false, merr
			}
			if !matchesAny(*modalities, present) {
				continue
			}
		}

		matched = append(matched, Match{Row: row, Tags: tags})
	}

	complete = !truncated
	return complete, p.paginate(matched, since, limit, policy, visit)
}

func evaluateAll(constraints []Constraint, tags map[string]string) bool {
	for _, c := range constraints {
		if !c.matches(tags[c.Tag]) {
			return false
		}
	}
	return true
}

func matchesAny(c Constraint, values []string) bool {
	for _, v := range values {
		if c.matches(v) {
			return true
		}
	}
	return false
}

// modalitiesInStudy computes the synthetic ModalitiesInStudy value for a
// Study-level resource by scanning the Modality main tag of each child
// Series (spec §4.8 step 2) — always answerable from the index alone,
// since Modality is itself a Series-level main tag.
func (p *Planner) modalitiesInStudy(studyInternalID string) ([]string, error) {
	children, err := p.idx.GetChildren(studyInternalID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, seriesInternal := range children {
		row, ok, err := p.idx.GetResourceRow(seriesInternal)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		modality := row.MainTags[dcmtag.TagModality.String()]
		if modality != "" && !seen[modality] {
			seen[modality] = true
			out = append(out, modality)
		}
	}
	return out, nil
}

// paginate applies since/limit over matched (spec §4.8 step 6) and hands
// each surviving match to visit, opening the full tag set first if the
// policy deferred that to answer time (DiskOnAnswer) and the caller
// didn't already get it during filtering.
func (p *Planner) paginate(matched []Match, since, limit int, policy StorageAccessPolicy, visit func(Match) error) error {
	if since < 0 {
		since = 0
	}
	if since >= len(matched) {
		return nil
	}
	page := matched[since:]
	if limit > 0 && len(page) > limit {
		page = page[:limit]
	}
	for _, m := range page {
		if policy == DiskOnAnswer {
			if full, err := p.loadFullTags(m.Row.InternalID); err == nil {
				m.Tags = full
			}
		}
		if err := visit(m); err != nil {
			return err
		}
	}
	return nil
}

// loadFullTags returns every tag found in a resource's DICOM attachment:
// decoded directly from a ContentDicomAsJSON attachment when present
// (the legacy path, spec §4.8 step 4), otherwise parsed from whichever
// DICOM attachment the resource carries (ContentDicom or
// ContentDicomUntilPixelData — the latter is sufficient since no
// constraint this planner evaluates can reference PixelData). A Patient,
// Study or Series carries no attachment of its own, so its tags are read
// from its first child instance.
func (p *Planner) loadFullTags(internalID string) (map[string]string, error) {
	attachments, err := p.idx.ListAttachments(internalID)
	if err != nil {
		return nil, err
	}
	if len(attachments) == 0 {
		instances, err := p.idx.GetChildInstances(internalID)
		if err != nil {
			return nil, err
		}
		if len(instances) > 0 {
			if attachments, err = p.idx.ListAttachments(instances[0]); err != nil {
				return nil, err
			}
		}
	}

	for _, a := range attachments {
		if storage.ContentType(a.ContentType) == storage.ContentDicomAsJSON {
			data, err := p.area.Read(a.UUID, a.CustomData)
			if err != nil {
				continue
			}
			var tags map[string]string
			if json.Unmarshal(data, &tags) == nil {
				return tags, nil
			}
		}
	}

	for _, a := range attachments {
		ct := storage.ContentType(a.ContentType)
		if ct != storage.ContentDicom && ct != storage.ContentDicomUntilPixelData {
			continue
		}
		data, err := p.area.Read(a.UUID, a.CustomData)
		if err != nil {
			continue
		}
		pf, err := dcmtag.ParseFile(bytes.NewReader(data))
		if err != nil {
			continue
		}
		return datasetToTags(pf.Dataset), nil
	}

	return nil, cmn.NewError(cmn.InexistentFile, "no DICOM attachment for residual tag lookup")
}

func datasetToTags(ds *dcmtag.Dataset) map[string]string {
	out := make(map[string]string, len(ds.Elements))
	for _, e := range ds.Elements {
		out[e.Tag.String()] = ds.GetString(e.Tag)
	}
	return out
}
