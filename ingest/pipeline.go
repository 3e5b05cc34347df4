// Package ingest implements the Ingestion Pipeline (spec §4.4, component
// C4): the ten-step sequence that turns a raw buffer from any origin
// (HTTP, DIMSE C-STORE, peer, plugin, or an internal job) into committed
// Index rows and Storage Area blobs, publishing change events and
// listener notifications along the way. Grounded on the teacher's request
// pipeline shape (a fixed ordered sequence of short-circuiting stages,
// each able to reject before committing anything), generalized from HTTP
// object PUT to DICOM ingest semantics.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"strconv"
	"sync/atomic"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/dcmstore/dcmstore/cache"
	"github.com/dcmstore/dcmstore/changebus"
	"github.com/dcmstore/dcmstore/cmn"
	"github.com/dcmstore/dcmstore/cmn/cos"
	"github.com/dcmstore/dcmstore/dcmtag"
	"github.com/dcmstore/dcmstore/index"
	"github.com/dcmstore/dcmstore/metrics"
	"github.com/dcmstore/dcmstore/storage"
)

// Origin records where an ingested buffer came from (spec §4.4), surfaced
// as ingest metadata and usable by filters/hooks.
type Origin string

const (
	OriginHTTP   Origin = "HTTP"
	OriginDimse  Origin = "Dimse"
	OriginPeer   Origin = "Peer"
	OriginPlugin Origin = "Plugin"
	OriginJob    Origin = "Job"
)

// Action is what a ReceiveHook decides for a buffer (spec §4.4 step 1).
type Action int

const (
	ActionKeepAsIs Action = iota
	ActionDiscard
	ActionModify
)

// ReceiveHook is the plugin receive hook (spec §4.4 step 1).
type ReceiveHook interface {
	OnReceive(raw []byte, origin Origin) (Action, []byte, error)
}

// Filter is the boolean user filter of spec §4.4 step 4.
type Filter interface {
	Accept(instanceMainTags map[string]string) bool
}

// CStoreFilter chooses the DIMSE status code returned to a C-STORE peer,
// independent of the boolean Filter (spec §4.4 step 4).
type CStoreFilter interface {
	Status(instanceMainTags map[string]string) uint16
}

// Listener receives the post-commit SignalStoredInstance notification
// (spec §4.4 step 10). A listener's error is logged, never rolled back.
type Listener interface {
	SignalStoredInstance(instanceMainTags map[string]string)
}

// Options are the per-call knobs the HTTP/DIMSE boundary supplies that
// aren't derivable from the buffer itself.
type Options struct {
	Overwrite bool
}

// Result is the per-instance outcome of one ingest call; IngestAll returns
// one Result per DICOM member found in the input (more than one for a ZIP
// payload, per spec §4.4 step 2).
type Result struct {
	Store       index.StoreResult
	FilteredOut bool
	Discarded   bool
	DimseStatus uint16
}

// Pipeline wires the Storage Area, Index, Change Bus, Metrics Registry and
// large-object throttle together to implement the ten ingest steps.
type Pipeline struct {
	cfgMgr     *cmn.Manager
	area       storage.Area
	idx        *index.Index
	bus        *changebus.Bus
	metrics    *metrics.Registry
	throttle   *cache.LargeObjectThrottle
	transcoder Transcoder

	receiveHooks []ReceiveHook
	filter       Filter
	cstoreFilter CStoreFilter
	listeners    []Listener

	instancesTotal int64
}

func New(cfgMgr *cmn.Manager, area storage.Area, idx *index.Index, bus *changebus.Bus, reg *metrics.Registry, throttle *cache.LargeObjectThrottle) *Pipeline {
	return &Pipeline{
		cfgMgr:     cfgMgr,
		area:       area,
		idx:        idx,
		bus:        bus,
		metrics:    reg,
		throttle:   throttle,
		transcoder: IdentityTranscoder{},
	}
}

func (p *Pipeline) SetTranscoder(t Transcoder)            { p.transcoder = t }
func (p *Pipeline) SetFilter(f Filter)                    { p.filter = f }
func (p *Pipeline) SetCStoreFilter(f CStoreFilter)         { p.cstoreFilter = f }
func (p *Pipeline) AddReceiveHook(h ReceiveHook)           { p.receiveHooks = append(p.receiveHooks, h) }
func (p *Pipeline) AddListener(l Listener)                 { p.listeners = append(p.listeners, l) }

// IngestAll runs the full pipeline over raw, expanding a ZIP payload into
// its members (spec §4.4 step 2) and running each member back through step
// 1 onward. A single non-ZIP, non-discarded buffer yields exactly one
// Result.
func (p *Pipeline) IngestAll(ctx context.Context, raw []byte, origin Origin, opts Options) ([]Result, error) {
	for _, h := range p.receiveHooks {
		action, newRaw, err := h.OnReceive(raw, origin)
		if err != nil {
			return nil, cmn.WrapError(cmn.Plugin, err, "receive hook")
		}
		switch action {
		case ActionDiscard:
			return []Result{{Discarded: true}}, nil
		case ActionModify:
			raw = newRaw
		}
	}

	if isZip(raw) {
		return p.ingestZipMembers(ctx, raw, origin, opts)
	}

	r, err := p.ingestSingle(ctx, raw, origin, opts)
	if err != nil {
		return nil, err
	}
	return []Result{r}, nil
}

func isZip(raw []byte) bool {
	return len(raw) >= 4 && raw[0] == 'P' && raw[1] == 'K' && (raw[2] == 0x03 || raw[2] == 0x05 || raw[2] == 0x07)
}

func (p *Pipeline) ingestZipMembers(ctx context.Context, raw []byte, origin Origin, opts Options) ([]Result, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, cmn.WrapError(cmn.BadFileFormat, err, "open zip payload")
	}
	var all []Result
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, cmn.WrapError(cmn.BadFileFormat, err, "open zip member %s", f.Name)
		}
		member, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, cmn.WrapError(cmn.BadFileFormat, err, "read zip member %s", f.Name)
		}
		sub, err := p.IngestAll(ctx, member, origin, opts) // re-enter step 1
		if err != nil {
			return nil, cmn.WrapError(cmn.BadFileFormat, err, "ingest zip member %s", f.Name)
		}
		all = append(all, sub...)
	}
	return all, nil
}

func (p *Pipeline) ingestSingle(ctx context.Context, raw []byte, origin Origin, opts Options) (Result, error) {
	cfg := p.cfgMgr.Get()

	pf, err := dcmtag.ParseFile(bytes.NewReader(raw))
	if err != nil {
		return Result{}, err
	}

	mainTags := extractAllLevels(pf.Dataset)

	if p.filter != nil && !p.filter.Accept(mainTags[dcmtag.Instance]) {
		return Result{FilteredOut: true}, nil
	}

	var dimseStatus uint16
	if p.cstoreFilter != nil {
		dimseStatus = p.cstoreFilter.Status(mainTags[dcmtag.Instance])
	}

	if cfg.IngestTranscoding {
		target := cfg.DicomScuPreferredTransferSyntax
		if target != "" && target != pf.Meta.TransferSyntaxUID && !dcmtag.IsVideo(pf.Meta.TransferSyntaxUID) {
			if newPF, terr := p.transcoder.Transcode(pf, target); terr == nil {
				var buf bytes.Buffer
				if werr := dcmtag.WriteFile(&buf, newPF); werr == nil {
					if reparsed, perr := dcmtag.ParseFile(bytes.NewReader(buf.Bytes())); perr == nil {
						pf = reparsed
						raw = buf.Bytes()
						mainTags = extractAllLevels(pf.Dataset)
					}
				}
			}
			// transcode failure (or re-encode failure) is non-fatal: continue
			// ingesting the original bytes (spec §4.4 step 5).
		}
	}

	ids := dcmtag.ExtractIdentifiers(pf.Dataset)

	size := int64(len(raw))
	release, err := p.throttle.Guard(ctx, size)
	if err != nil {
		return Result{}, cmn.WrapError(cmn.InternalError, err, "large-object throttle")
	}
	defer release()

	tagsForLayout := flattenTags(mainTags)
	blobUUID := uuid.NewString()
	customData, err := p.area.Create(blobUUID, raw, storage.ContentDicom, false, tagsForLayout)
	if err != nil {
		return Result{}, err
	}

	md5sum, err := cos.MD5(bytes.NewReader(raw))
	if err != nil {
		p.area.Remove(blobUUID, customData)
		return Result{}, cmn.WrapError(cmn.InternalError, err, "compute attachment MD5")
	}

	var truncatedUUID, truncatedCustom string
	needsTruncated := (!p.area.HasReadRange() || cfg.StorageCompression != "") && pf.PixelDataOffset >= 0 && pf.PixelDataOffset <= size
	if needsTruncated {
		truncatedUUID = uuid.NewString()
		truncatedCustom, err = p.area.Create(truncatedUUID, raw[:pf.PixelDataOffset], storage.ContentDicomUntilPixelData, false, tagsForLayout)
		if err != nil {
			p.area.Remove(blobUUID, customData)
			return Result{}, err
		}
	}

	metadata := map[string]string{
		index.MetaSOPClassUID:       pf.Meta.MediaStorageSOPClassUID,
		index.MetaTransferSyntaxUID: pf.Meta.TransferSyntaxUID,
		index.MetaOrigin:            string(origin),
	}
	if pf.PixelDataOffset >= 0 {
		metadata[index.MetaPixelDataOffset] = strconv.FormatInt(pf.PixelDataOffset, 10)
	}

	in := index.StoreInput{
		Identifiers: ids,
		MainTags:    mainTags,
		Metadata:    metadata,
		Attachment: index.AttachmentRow{
			UUID:             blobUUID,
			ContentType:      int(storage.ContentDicom),
			SizeUncompressed: size,
			SizeStored:       size,
			Compression:      cfg.StorageCompression,
			MD5:              md5sum,
			CustomData:       customData,
		},
		Overwrite: opts.Overwrite,
	}

	storeResult, err := p.idx.Store(in)
	if err != nil {
		p.area.Remove(blobUUID, customData)
		if truncatedUUID != "" {
			p.area.Remove(truncatedUUID, truncatedCustom)
		}
		return Result{}, err
	}

	if storeResult.Status == index.StatusAlreadyStored {
		// nothing was committed for this attachment; the blob we just wrote
		// is an orphan (spec §4.4 step 8 rollback applies equally to the
		// already-stored, non-overwrite case).
		p.area.Remove(blobUUID, customData)
		if truncatedUUID != "" {
			p.area.Remove(truncatedUUID, truncatedCustom)
		}
		return Result{Store: storeResult, DimseStatus: dimseStatus}, nil
	}

	for _, old := range storeResult.RemovedAttachments {
		if err := p.area.Remove(old.UUID, old.CustomData); err != nil {
			glog.Warningf("ingest: remove superseded attachment %s: %v", old.UUID, err)
		}
	}

	for _, ev := range storeResult.Events {
		p.bus.Publish(ev)
	}

	n := atomic.AddInt64(&p.instancesTotal, 1)
	if p.metrics != nil {
		p.metrics.Set("ingest_instances_total", float64(n), metrics.Directly)
		p.metrics.Set("ingest_last_instance_bytes", float64(size), metrics.MaxOver1m)
	}

	for _, l := range p.listeners {
		p.notifyListener(l, mainTags[dcmtag.Instance])
	}

	return Result{Store: storeResult, DimseStatus: dimseStatus}, nil
}

// notifyListener isolates a listener panic (spec §4.4 step 10: "logged but
// do not roll back the ingestion").
func (p *Pipeline) notifyListener(l Listener, instanceTags map[string]string) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("ingest: SignalStoredInstance listener panicked: %v", r)
		}
	}()
	l.SignalStoredInstance(instanceTags)
}

func extractAllLevels(ds *dcmtag.Dataset) map[dcmtag.Level]map[string]string {
	return map[dcmtag.Level]map[string]string{
		dcmtag.Patient:  dcmtag.ExtractMainTags(ds, dcmtag.Patient),
		dcmtag.Study:    dcmtag.ExtractMainTags(ds, dcmtag.Study),
		dcmtag.Series:   dcmtag.ExtractMainTags(ds, dcmtag.Series),
		dcmtag.Instance: dcmtag.ExtractMainTags(ds, dcmtag.Instance),
	}
}

func flattenTags(byLevel map[dcmtag.Level]map[string]string) map[string]string {
	out := map[string]string{}
	for _, m := range byLevel {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
