// REST handler functions for the selected core endpoints of spec §6. The
// HTTP server itself is out of scope (spec §1); these are plain
// http.HandlerFunc-shaped methods any router can mount, grounded on the
// teacher's target.go handlers (httpobjget/httpobjput/httpbckdelete):
// parse the request, call into the owning component, write a JSON body
// or an error through a single writeErr helper that maps an ErrorKind to
// a status code.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/klauspost/compress/gzip"
	jsoniter "github.com/json-iterator/go"

	"github.com/dcmstore/dcmstore/archive"
	"github.com/dcmstore/dcmstore/cmn"
	"github.com/dcmstore/dcmstore/dcmtag"
	"github.com/dcmstore/dcmstore/ingest"
	"github.com/dcmstore/dcmstore/jobs"
	"github.com/dcmstore/dcmstore/modify"
	"github.com/dcmstore/dcmstore/query"
	"github.com/dcmstore/dcmstore/storage"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = jsonAPI.NewEncoder(w).Encode(v)
}

// writeErr maps an ErrorKind to the small status-code set spec §7 "User-
// visible failures" defines, plus 501 for NotImplemented; everything else
// falls through to 500.
func writeErr(w http.ResponseWriter, err error) {
	kind := cmn.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case cmn.BadFileFormat, cmn.ParameterOutOfRange, cmn.CreateDicomBadJson, cmn.CreateDicomBadTag, cmn.CreateDicomNoPayload:
		status = http.StatusBadRequest
	case cmn.UnknownResource, cmn.InexistentFile, cmn.InexistentTag:
		status = http.StatusNotFound
	case cmn.Database:
		status = http.StatusConflict
	case cmn.NotImplemented:
		status = http.StatusNotImplemented
	}
	writeJSON(w, status, map[string]string{"ErrorKind": string(kind), "Message": err.Error()})
}

// levelFromPath maps the plural path segment spec §6 uses
// ("patients|studies|series|instances") onto a dcmtag.Level.
func levelFromPath(segment string) (dcmtag.Level, bool) {
	switch segment {
	case "patients":
		return dcmtag.Patient, true
	case "studies":
		return dcmtag.Study, true
	case "series":
		return dcmtag.Series, true
	case "instances":
		return dcmtag.Instance, true
	}
	return 0, false
}

// pathID splits a trailing "/{level}/{id}[/...]" off r.URL.Path, returning
// the level, the id, and whatever remainder followed it.
func pathID(r *http.Request) (level dcmtag.Level, id string, rest string, ok bool) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 {
		return 0, "", "", false
	}
	level, ok = levelFromPath(parts[0])
	if !ok {
		return 0, "", "", false
	}
	id = parts[1]
	if len(parts) > 2 {
		rest = strings.Join(parts[2:], "/")
	}
	return level, id, rest, true
}

// HandleIngest serves POST /instances (spec §6): the body is a raw DICOM
// or a ZIP of DICOMs, optionally gzip-compressed.
func (n *Node) HandleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			writeErr(w, cmn.WrapError(cmn.BadFileFormat, err, "open gzip body"))
			return
		}
		defer gz.Close()
		body = gz
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		writeErr(w, cmn.WrapError(cmn.BadFileFormat, err, "read request body"))
		return
	}
	results, err := n.pipeline.IngestAll(r.Context(), raw, ingest.OriginHTTP, ingest.Options{Overwrite: n.cfgMgr.Get().OverwriteInstances})
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(results))
	for _, res := range results {
		item := map[string]interface{}{"Status": string(res.Store.Status)}
		if res.FilteredOut {
			item["Status"] = "FilteredOut"
		}
		if res.Store.InstanceID != "" {
			item["ID"] = res.Store.InstanceID
			item["ParentPatient"] = res.Store.ParentPatient
			item["ParentStudy"] = res.Store.ParentStudy
			item["ParentSeries"] = res.Store.ParentSeries
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleResource serves GET|DELETE /{level}/{id} (spec §6): tree lookup
// or cascade delete.
func (n *Node) HandleResource(w http.ResponseWriter, r *http.Request) {
	_, publicID, _, ok := pathID(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	internalID, level, err := n.idx.LookupResource(publicID)
	if err != nil {
		writeErr(w, err)
		return
	}
	switch r.Method {
	case http.MethodGet:
		row, found, err := n.idx.GetResourceRow(internalID)
		if err != nil {
			writeErr(w, err)
			return
		}
		if !found {
			writeErr(w, cmn.NewError(cmn.UnknownResource, "unknown resource %s", publicID))
			return
		}
		children, err := n.idx.GetChildren(internalID)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ID":       row.PublicID,
			"Level":    level.String(),
			"MainTags": row.MainTags,
			"Children": children,
			"Stable":   row.Stable,
		})
	case http.MethodDelete:
		removed, _, err := n.idx.Delete(internalID)
		if err != nil {
			writeErr(w, err)
			return
		}
		for _, a := range removed {
			if err := n.area.Remove(a.UUID, a.CustomData); err != nil {
				glog.Errorf("dcmstored: remove attachment %s after delete: %v", a.UUID, err)
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"Status": "Deleted"})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleInstanceFile serves GET /instances/{id}/file (spec §6): the raw
// DICOM attachment.
func (n *Node) HandleInstanceFile(w http.ResponseWriter, r *http.Request) {
	level, publicID, rest, ok := pathID(r)
	if !ok || level != dcmtag.Instance || rest != "file" || r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	internalID, _, err := n.idx.LookupResource(publicID)
	if err != nil {
		writeErr(w, err)
		return
	}
	attachments, err := n.idx.ListAttachments(internalID)
	if err != nil {
		writeErr(w, err)
		return
	}
	for _, a := range attachments {
		if storage.ContentType(a.ContentType) != storage.ContentDicom {
			continue
		}
		data, err := n.area.Read(a.UUID, a.CustomData)
		if err != nil {
			writeErr(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/dicom")
		_, _ = w.Write(data)
		return
	}
	writeErr(w, cmn.NewError(cmn.InexistentFile, "instance %s has no Dicom attachment", publicID))
}

// modifyRequest is the body shape of POST /{level}/{id}/modify|anonymize
// and the bulk-* variants (spec §6). The keyword dictionary is
// deliberately small: it covers the identity and descriptive tags a
// modification or anonymization request plausibly targets, the same
// subset dcmtag's own well-known-tag table carries.
type modifyRequest struct {
	Resources      []string          `json:"Resources"`
	Level          string            `json:"Level"`
	Replace        map[string]string `json:"Replace"`
	Remove         []string          `json:"Remove"`
	Keep           []string          `json:"Keep"`
	KeepSource     bool              `json:"KeepSource"`
	Priority       int               `json:"Priority"`
	Synchronous    bool              `json:"Synchronous"`
	Force          bool              `json:"Force"`
	DicomVersion   string            `json:"DicomVersion"`
	PrivateCreator string            `json:"PrivateCreator"`
}

var modifyKeywords = map[string]dcmtag.Tag{
	"PatientName":           dcmtag.TagPatientName,
	"PatientID":             dcmtag.TagPatientID,
	"PatientBirthDate":      dcmtag.TagPatientBirth,
	"PatientSex":            dcmtag.TagPatientSex,
	"StudyInstanceUID":      dcmtag.TagStudyInstanceUID,
	"SeriesInstanceUID":     dcmtag.TagSeriesInstanceUID,
	"SOPInstanceUID":        dcmtag.TagSOPInstanceUID,
	"SOPClassUID":           dcmtag.TagSOPClassUID,
	"StudyID":               dcmtag.TagStudyID,
	"StudyDate":             dcmtag.TagStudyDate,
	"StudyTime":             dcmtag.TagStudyTime,
	"StudyDescription":      dcmtag.TagStudyDescription,
	"SeriesDescription":     dcmtag.TagSeriesDescription,
	"SeriesNumber":          dcmtag.TagSeriesNumber,
	"InstanceNumber":        dcmtag.TagInstanceNumber,
	"Modality":              dcmtag.TagModality,
	"AccessionNumber":       dcmtag.TagAccessionNumber,
	"ReferringPhysicianName": dcmtag.TagReferringPhysician,
}

func buildProgram(req modifyRequest, anonymize bool) (*modify.Program, error) {
	var prog *modify.Program
	if anonymize {
		version := modify.Preset(req.DicomVersion)
		if version == "" {
			version = modify.Preset2021b
		}
		prog = modify.NewPreset(version, false)
		prog.PrivateCreator = req.PrivateCreator
	} else {
		prog = &modify.Program{}
	}
	prog.KeepSource = req.KeepSource
	prog.AllowManualIdentifiers = req.Force

	for keyword, value := range req.Replace {
		tag, ok := modifyKeywords[keyword]
		if !ok {
			return nil, cmn.NewError(cmn.InexistentTag, "unknown modification keyword %q", keyword)
		}
		prog.Replacements = append(prog.Replacements, modify.Replacement{Target: modify.TagTarget(tag), Value: value})
	}
	for _, keyword := range req.Remove {
		tag, ok := modifyKeywords[keyword]
		if !ok {
			return nil, cmn.NewError(cmn.InexistentTag, "unknown modification keyword %q", keyword)
		}
		prog.Removals = append(prog.Removals, modify.TagTarget(tag))
	}
	for _, keyword := range req.Keep {
		tag, ok := modifyKeywords[keyword]
		if !ok {
			return nil, cmn.NewError(cmn.InexistentTag, "unknown modification keyword %q", keyword)
		}
		prog.Keeps = append(prog.Keeps, modify.TagTarget(tag))
	}
	return prog, nil
}

// HandleModify serves POST /{level}/{id}/modify and .../anonymize (spec
// §6), submitting a modify.JobType job for the single named resource.
func (n *Node) HandleModify(anonymize bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, publicID, _, ok := pathID(r)
		if !ok || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req modifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			writeErr(w, cmn.WrapError(cmn.BadFileFormat, err, "decode request body"))
			return
		}
		n.submitModify(w, req, []string{publicID}, anonymize)
	}
}

// HandleBulkModify serves POST /tools/bulk-modify|bulk-anonymize (spec
// §6): the target set comes from the body's Resources field instead of
// the URL.
func (n *Node) HandleBulkModify(anonymize bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req modifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, cmn.WrapError(cmn.BadFileFormat, err, "decode request body"))
			return
		}
		n.submitModify(w, req, req.Resources, anonymize)
	}
}

func (n *Node) submitModify(w http.ResponseWriter, req modifyRequest, resources []string, anonymize bool) {
	prog, err := buildProgram(req, anonymize)
	if err != nil {
		writeErr(w, err)
		return
	}
	st, err := jsonAPI.Marshal(map[string]interface{}{
		"ResourceIDs": resources,
		"Program":     prog,
		"Anonymize":   anonymize,
	})
	if err != nil {
		writeErr(w, cmn.WrapError(cmn.InternalError, err, "marshal job state"))
		return
	}
	n.respondJob(w, modify.JobType, req.Priority, st, req.Synchronous)
}

// HandleArchive serves GET|POST /{level}/{id}/archive|media (spec §6).
func (n *Node) HandleArchive(media bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, publicID, _, ok := pathID(r)
		if !ok {
			http.NotFound(w, r)
			return
		}
		var req archiveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			writeErr(w, cmn.WrapError(cmn.BadFileFormat, err, "decode request body"))
			return
		}
		n.submitArchive(w, req, []string{publicID}, media)
	}
}

// HandleBulkArchive serves POST /tools/create-archive|create-media|
// create-media-extended (spec §6).
func (n *Node) HandleBulkArchive(media bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req archiveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, cmn.WrapError(cmn.BadFileFormat, err, "decode request body"))
			return
		}
		n.submitArchive(w, req, req.Resources, media)
	}
}

type archiveRequest struct {
	Resources     []string `json:"Resources"`
	Transcode     string   `json:"Transcode"`
	Priority      int      `json:"Priority"`
	Synchronous   bool     `json:"Synchronous"`
	Filename      string   `json:"Filename"`
	LoaderThreads int      `json:"LoaderThreads"`
}

func (n *Node) submitArchive(w http.ResponseWriter, req archiveRequest, resources []string, media bool) {
	loaderThreads := req.LoaderThreads
	if loaderThreads <= 0 {
		loaderThreads = n.cfgMgr.Get().ZipLoaderThreads
	}
	st, err := jsonAPI.Marshal(map[string]interface{}{
		"ResourceIDs":   resources,
		"Media":         media,
		"Transcode":     req.Transcode,
		"LoaderThreads": loaderThreads,
		"Filename":      req.Filename,
	})
	if err != nil {
		writeErr(w, cmn.WrapError(cmn.InternalError, err, "marshal job state"))
		return
	}
	n.respondJob(w, archive.JobType, req.Priority, st, req.Synchronous)
}

// respondJob submits a job and either returns its id immediately or, when
// synchronous, polls Status until the job leaves Running (spec §6
// "Synchronous|Asynchronous"): the engine has no separate synchronous
// execution path, so synchronous mode is a thin wait-for-terminal loop
// over the same asynchronous machinery.
func (n *Node) respondJob(w http.ResponseWriter, jobType string, priority int, state []byte, synchronous bool) {
	id, err := n.engine.Submit(jobType, priority, state)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !synchronous {
		writeJSON(w, http.StatusOK, map[string]string{"ID": id})
		return
	}
	for {
		rec, ok := n.engine.Status(id)
		if !ok {
			writeErr(w, cmn.NewError(cmn.UnknownResource, "job %s vanished while waiting", id))
			return
		}
		if rec.Status != jobs.Running && rec.Status != jobs.Pending {
			writeJSON(w, http.StatusOK, rec.PublicContent())
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// HandleJobStatus serves GET /jobs/{id} (spec §4.5 "answer a status
// poll").
func (n *Node) HandleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/jobs/")
	id = strings.TrimSuffix(id, "/output")
	if id == "" || r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	if strings.HasSuffix(r.URL.Path, "/output") {
		data, mime, filename, err := n.engine.Output(id, r.URL.Query().Get("key"))
		if err != nil {
			writeErr(w, err)
			return
		}
		w.Header().Set("Content-Type", mime)
		if filename != "" {
			w.Header().Set("Content-Disposition", "attachment; filename=\""+filename+"\"")
		}
		_, _ = w.Write(data)
		return
	}
	rec, ok := n.engine.Status(id)
	if !ok {
		writeErr(w, cmn.NewError(cmn.UnknownResource, "unknown job %s", id))
		return
	}
	writeJSON(w, http.StatusOK, rec.PublicContent())
}

// HandleChanges serves GET|DELETE /changes (spec §6): GET pages through
// the change log. DELETE does not reset the log; it is answered with a
// NotImplemented error.
func (n *Node) HandleChanges(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = n.cfgMgr.Get().LimitFindResults
		}
		events, last, done, err := n.idx.Changes(since, limit)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"Changes": events, "Last": last, "Done": done})
	case http.MethodDelete:
		writeErr(w, cmn.NewError(cmn.NotImplemented, "change log reset is not supported: the log is append-only by design"))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleFind answers a C-FIND-shaped REST query via the Query Planner
// (spec §4.8). newMux does not mount it, and no DICOM find handler exists
// in this repository.
func (n *Node) HandleFind(level dcmtag.Level) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Query []query.Constraint
			Since int
			Limit int
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, cmn.WrapError(cmn.BadFileFormat, err, "decode find request"))
			return
		}
		limit := req.Limit
		if limit <= 0 {
			limit = n.cfgMgr.Get().LimitFindResults
		}
		var out []map[string]interface{}
		complete, err := n.planner.Find(level, query.DatabaseLookup{Constraints: req.Query}, req.Since, limit, func(m query.Match) error {
			out = append(out, map[string]interface{}{"ID": m.Row.PublicID, "MainTags": m.Tags})
			return nil
		})
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"Answers": out, "Complete": complete})
	}
}

// HandleMetrics serves the Metrics Registry's Prometheus exposition text
// (spec §4.10), mirroring the teacher's own /metrics surface.
func (n *Node) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	text, err := n.reg.ExportText()
	if err != nil {
		writeErr(w, cmn.WrapError(cmn.InternalError, err, "export metrics"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = io.WriteString(w, text)
}

// HandleShutdown serves POST /tools/shutdown (spec §6): it cancels the
// context Node.Run was started with, which is the only thing that
// triggers the process's clean-exit path.
func (n *Node) HandleShutdown(cancel func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"Status": "ShuttingDown"})
		cancel()
	}
}
