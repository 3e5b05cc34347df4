package archive

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dcmstore/dcmstore/cmn"
	"github.com/dcmstore/dcmstore/index"
	"github.com/dcmstore/dcmstore/ingest"
	"github.com/dcmstore/dcmstore/jobs"
	"github.com/dcmstore/dcmstore/storage"
)

// JobType is the Job Engine type tag this package registers under
// (spec §4.5 Factory / RegisterType).
const JobType = "Archive"

// jobState is Job's persisted, replay-deterministic state (spec §4.5
// "Serialize/reconstruct-from-state must round-trip everything Step needs
// to resume correctly").
type jobState struct {
	ResourceIDs   []string
	Media         bool
	Transcode     string
	LoaderThreads int
	NextCommand   int
	OutputID      string
	Filename      string
}

// Job is the asynchronous-temp-file mode of the Archive/Media Builder
// (spec §4.6), one command executed per Step call. Grounded on
// original_source's ArchiveJob (Start/Step/Stop/GetOutput lifecycle).
type Job struct {
	idx    *index.Index
	area   storage.Area
	store  *MediaArchiveStore
	transc ingest.Transcoder

	state jobState
	plan  *Plan

	file    *os.File
	builder *Builder
}

// NewFactory returns a jobs.Factory for Job, closed over the dependencies
// every instance needs (the Index to plan against, the Storage Area to
// read attachments from, and the MediaArchiveStore completed output is
// registered into).
func NewFactory(idx *index.Index, area storage.Area, store *MediaArchiveStore, transc ingest.Transcoder) jobs.Factory {
	return func(raw json.RawMessage) (jobs.Job, error) {
		var st jobState
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, cmn.WrapError(cmn.BadFileFormat, err, "unmarshal archive job state")
		}
		return &Job{idx: idx, area: area, store: store, transc: transc, state: st}, nil
	}
}

func (j *Job) Start() error {
	plan, err := BuildPlan(j.idx, j.state.ResourceIDs, j.state.Media)
	if err != nil {
		return err
	}
	if j.state.Media {
		plan.Commands = append(plan.Commands, Command{Kind: WriteDicomDir})
	}
	j.plan = plan

	f, err := os.CreateTemp("", "dcmstore-archive-*.zip")
	if err != nil {
		return cmn.WrapError(cmn.FileStorageCannotWrite, err, "create archive temp file")
	}
	j.file = f

	j.builder = NewBuilder(j.area, f, j.state.Media, j.state.LoaderThreads)
	if j.state.Transcode != "" {
		j.builder.SetTranscode(j.state.Transcode, j.transc)
	}
	j.builder.StartLoaderPool(context.Background(), plan)
	return nil
}

// Step executes the next planned command (spec §4.6 "Execution").
func (j *Job) Step() (jobs.StepResult, error) {
	if j.state.NextCommand >= len(j.plan.Commands) {
		return j.finish()
	}
	if err := j.builder.Execute(context.Background(), j.plan, j.state.NextCommand); err != nil {
		return jobs.StepFailure, err
	}
	j.state.NextCommand++
	return jobs.StepContinue, nil
}

func (j *Job) finish() (jobs.StepResult, error) {
	j.builder.StopLoaderPool()
	if err := j.builder.Close(); err != nil {
		return jobs.StepFailure, err
	}
	if err := j.file.Close(); err != nil {
		return jobs.StepFailure, err
	}
	id := j.store.Register(j.file.Name())
	j.state.OutputID = id
	j.state.Filename = "archive.zip"
	if j.state.Media {
		j.state.Filename = "media.zip"
	}
	return jobs.StepSuccess, nil
}

func (j *Job) Stop(reason string) {
	if j.builder != nil {
		j.builder.StopLoaderPool()
		j.builder.Close()
	}
	if j.file != nil {
		j.file.Close()
		os.Remove(j.file.Name())
	}
}

func (j *Job) Reset() error {
	j.state.NextCommand = 0
	j.state.OutputID = ""
	j.plan = nil
	j.builder = nil
	j.file = nil
	return nil
}

func (j *Job) Progress() float64 {
	if j.plan == nil || len(j.plan.Commands) == 0 {
		return 0
	}
	return float64(j.state.NextCommand) / float64(len(j.plan.Commands))
}

func (j *Job) PublicContent() map[string]interface{} {
	out := map[string]interface{}{
		"InstanceCount": 0,
		"Media":         j.state.Media,
	}
	if j.plan != nil {
		out["InstanceCount"] = j.plan.InstanceCount
		out["Zip64"] = j.plan.NeedsZip64()
	}
	if j.state.OutputID != "" {
		out["ID"] = j.state.OutputID
	}
	return out
}

func (j *Job) JobType() string { return JobType }

func (j *Job) Serialize() (json.RawMessage, error) { return json.Marshal(j.state) }

// GetOutput implements jobs.OutputProvider: the completed ZIP is served
// from the MediaArchiveStore by the OutputID stamped into state on
// success.
func (j *Job) GetOutput(key string) ([]byte, string, string, error) {
	path, ok := j.store.Lookup(j.state.OutputID)
	if !ok {
		return nil, "", "", cmn.NewError(cmn.InexistentFile, "archive output %s expired or unknown", j.state.OutputID)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", "", cmn.WrapError(cmn.InexistentFile, err, "read archive output")
	}
	return data, "application/zip", j.state.Filename, nil
}

// MediaArchiveStore is the short-lived, random-id-keyed registry of
// completed archive temp files (spec §4.6 "served later via a REST
// endpoint"). Entries older than TTL are reclaimed by Sweep, which
// cmd/dcmstored runs periodically from its stability-sweep loop.
type MediaArchiveStore struct {
	mu      sync.Mutex
	entries map[string]mediaEntry
	ttl     time.Duration
}

type mediaEntry struct {
	path      string
	createdAt time.Time
}

func NewMediaArchiveStore(ttl time.Duration) *MediaArchiveStore {
	return &MediaArchiveStore{entries: map[string]mediaEntry{}, ttl: ttl}
}

func (s *MediaArchiveStore) Register(path string) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.entries[id] = mediaEntry{path: path, createdAt: time.Now()}
	s.mu.Unlock()
	return id
}

func (s *MediaArchiveStore) Lookup(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e.path, ok
}

// Sweep removes and deletes-from-disk every entry older than the store's
// TTL, returning how many were reclaimed.
func (s *MediaArchiveStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	now := time.Now()
	for id, e := range s.entries {
		if now.Sub(e.createdAt) > s.ttl {
			os.Remove(e.path)
			delete(s.entries, id)
			n++
		}
	}
	return n
}
