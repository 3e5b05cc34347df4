// Command dcmstored wires the store's components together behind a
// process lifecycle, the same top-level shape the teacher's own node
// binaries use (cmd/aisnodeprofile/main.go: parse flags, build the node,
// run until signaled, flush state on the way out). The HTTP server and
// DICOM network library are out of scope (spec §1); this package owns
// construction, background goroutines, and REST handler functions only.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"path/filepath"
	"time"

	"github.com/golang/glog"

	"github.com/dcmstore/dcmstore/archive"
	"github.com/dcmstore/dcmstore/cache"
	"github.com/dcmstore/dcmstore/changebus"
	"github.com/dcmstore/dcmstore/cmn"
	"github.com/dcmstore/dcmstore/index"
	"github.com/dcmstore/dcmstore/ingest"
	"github.com/dcmstore/dcmstore/jobs"
	"github.com/dcmstore/dcmstore/metrics"
	"github.com/dcmstore/dcmstore/modify"
	"github.com/dcmstore/dcmstore/query"
	"github.com/dcmstore/dcmstore/storage"
)

// Node owns every long-lived component (spec §2 System Overview) and the
// REST handler functions in handlers.go. It has no HTTP server of its own
// — a caller mounts the handler functions on whatever mux it likes.
type Node struct {
	cfgMgr     *cmn.Manager
	area       storage.Area
	parsed     *cache.Cache
	throttle   *cache.LargeObjectThrottle
	idx        *index.Index
	bus        *changebus.Bus
	reg        *metrics.Registry
	engine     *jobs.Engine
	pipeline   *ingest.Pipeline
	planner    *query.Planner
	mediaStore *archive.MediaArchiveStore
}

// NewNode constructs every component from cfg and wires them exactly the
// way the teacher's ais.Run assembles a target: storage before index
// before the components that read through them, the Job
// Engine's factories registered before Restore is called against
// persisted state.
func NewNode(cfg *cmn.Config) (*Node, error) {
	cfgMgr := cmn.NewManager(cfg)

	layout := storage.DefaultLayout{}
	area, err := storage.NewFilesystemArea(cfg.StorageDirectory, storage.ParseCompressionKind(cfg.StorageCompression), layout)
	if err != nil {
		return nil, cmn.WrapError(cmn.InternalError, err, "open storage area %s", cfg.StorageDirectory)
	}

	idx, err := index.Open(filepath.Join(cfg.StorageDirectory, "index.db"))
	if err != nil {
		return nil, err
	}

	bus := changebus.New(cfg.ChangeBusQueueSize)
	reg := metrics.New()
	throttle := cache.NewLargeObjectThrottle(1, cfg.LargeObjectThreshold)
	parsed := cache.New(cfg.ParsedCacheBytes)

	pipeline := ingest.New(cfgMgr, area, idx, bus, reg, throttle)

	engine := jobs.NewEngine(idx, cfg.ConcurrentJobs, cfg.CompletedJobsRingSize)
	mediaStore := archive.NewMediaArchiveStore(30 * time.Minute)
	engine.RegisterType(archive.JobType, archive.NewFactory(idx, area, mediaStore, ingest.IdentityTranscoder{}))
	engine.RegisterType(modify.JobType, modify.NewFactory(idx, area, parsed, pipeline, cfgMgr))
	engine.AddObserver(jobChangeBusObserver{idx: idx, bus: bus})

	planner := query.New(idx, area, cfgMgr)

	n := &Node{
		cfgMgr:     cfgMgr,
		area:       area,
		parsed:     parsed,
		throttle:   throttle,
		idx:        idx,
		bus:        bus,
		reg:        reg,
		engine:     engine,
		pipeline:   pipeline,
		planner:    planner,
		mediaStore: mediaStore,
	}

	if cfg.SaveJobs {
		if err := engine.Restore(); err != nil {
			glog.Errorf("dcmstored: restore job registry: %v", err)
		}
	}
	return n, nil
}

// jobChangeBusObserver bridges the Job Engine's lifecycle notifications
// onto the Change Bus (spec §4.9 lists JobSubmitted/JobSuccess/JobFailure
// among the published change types), mirroring the same
// listener-of-listener pattern changebus.Bus itself uses to isolate each
// hook from the others' failures.
type jobChangeBusObserver struct {
	idx *index.Index
	bus *changebus.Bus
}

func (o jobChangeBusObserver) SignalJobSubmitted(id string) { o.publish(index.ChangeJobSubmitted, id) }
func (o jobChangeBusObserver) SignalJobSuccess(id string)    { o.publish(index.ChangeJobSuccess, id) }
func (o jobChangeBusObserver) SignalJobFailure(id string, _ cmn.ErrorKind) {
	o.publish(index.ChangeJobFailure, id)
}

func (o jobChangeBusObserver) publish(ct index.ChangeType, jobID string) {
	ev, err := o.idx.AppendJobEvent(ct, jobID)
	if err != nil {
		glog.Errorf("dcmstored: append job event %s for %s: %v", ct, jobID, err)
		return
	}
	o.bus.Publish(ev)
}

// Run blocks running the Job Engine's worker pool and a periodic
// stability sweep (spec §4.3: Study/Series/Patient become Stable once
// idle for StableAge) until ctx is canceled.
func (n *Node) Run(ctx context.Context) error {
	stop := make(chan struct{})
	go n.stabilityLoop(ctx, stop)
	err := n.engine.Run(ctx)
	close(stop)
	return err
}

func (n *Node) stabilityLoop(ctx context.Context, stop <-chan struct{}) {
	cfg := n.cfgMgr.Get()
	idleFor := cfg.StableAge.D()
	if idleFor <= 0 {
		idleFor = 60 * time.Second
	}
	ticker := time.NewTicker(idleFor / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			events, err := n.idx.CheckStability(idleFor)
			if err != nil {
				glog.Errorf("dcmstored: stability sweep: %v", err)
				continue
			}
			for _, ev := range events {
				n.bus.Publish(ev)
			}
			if swept := n.mediaStore.Sweep(); swept > 0 {
				glog.Infof("dcmstored: swept %d expired media outputs", swept)
			}
		}
	}
}

func (n *Node) Close() error {
	return n.idx.Close()
}
