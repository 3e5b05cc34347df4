package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/dcmstore/dcmstore/cmn"
	"github.com/dcmstore/dcmstore/dcmtag"
	"github.com/dcmstore/dcmstore/ingest"
	"github.com/dcmstore/dcmstore/storage"
)

// loadedInstance is what the loader pool hands back to the ZIP writer:
// the raw attachment bytes (already transcoded, if requested) or an error.
type loadedInstance struct {
	data []byte
	err  error
}

// indexedCommand pairs a WriteInstance command with its position in the
// plan, so the loader pool's out-of-order completions can be routed back
// to the in-order ZIP writer.
type indexedCommand struct {
	idx int
	cmd Command
}

// Builder executes a Plan's commands against a live *zip.Writer, one
// command per Execute call so it composes with the Job Engine's
// cooperative Step model (spec §4.6 "Execution"). An optional loader
// thread pool prefetches instance blobs ahead of the writer, bounded by a
// semaphore of weight 3*loaderThreads (spec §4.6 "Loader threads"),
// grounded on original_source's ArchiveJob (ThreadedInstanceLoader vs.
// SynchronousInstanceLoader) and Semaphore.cpp, the same counting
// semaphore shared with the large-object throttle (cache.LargeObjectThrottle).
type Builder struct {
	area       storage.Area
	transcoder ingest.Transcoder
	target     string // transfer syntax UID to transcode to, "" = no transcode

	zw       *zip.Writer
	dirStack []string
	dicomDir *DicomDirWriter

	loaderThreads int
	loaderSem     *semaphore.Weighted
	loaderOnce    sync.Once
	loaderIn      chan *indexedCommand
	loaderOut     map[int]chan loadedInstance
	loaderWG      sync.WaitGroup
}

func NewBuilder(area storage.Area, w io.Writer, media bool, loaderThreads int) *Builder {
	b := &Builder{
		area:          area,
		transcoder:    ingest.IdentityTranscoder{},
		zw:            zip.NewWriter(w),
		loaderThreads: loaderThreads,
	}
	if media {
		b.dicomDir = NewDicomDirWriter()
	}
	if loaderThreads > 0 {
		b.loaderSem = semaphore.NewWeighted(int64(3 * loaderThreads))
	}
	return b
}

func (b *Builder) SetTranscode(transferSyntaxUID string, t ingest.Transcoder) {
	b.target = transferSyntaxUID
	if t != nil {
		b.transcoder = t
	}
}

// StartLoaderPool launches loaderThreads worker goroutines prefetching
// every WriteInstance command in plan ahead of the writer. A no-op if
// Builder was built with loaderThreads <= 0. Must be called once, before
// the first Execute call for a WriteInstance command.
func (b *Builder) StartLoaderPool(ctx context.Context, plan *Plan) {
	if b.loaderThreads <= 0 {
		return
	}
	b.loaderOnce.Do(func() {
		b.loaderIn = make(chan *indexedCommand)
		b.loaderOut = make(map[int]chan loadedInstance)
		for i, c := range plan.Commands {
			if c.Kind == WriteInstance {
				b.loaderOut[i] = make(chan loadedInstance, 1)
			}
		}
		for i := 0; i < b.loaderThreads; i++ {
			b.loaderWG.Add(1)
			go b.loaderWorker(ctx)
		}
		go func() {
			for i, c := range plan.Commands {
				if c.Kind != WriteInstance {
					continue
				}
				select {
				case b.loaderIn <- &indexedCommand{idx: i, cmd: c}:
				case <-ctx.Done():
					return
				}
			}
		}()
	})
}

func (b *Builder) loaderWorker(ctx context.Context) {
	defer b.loaderWG.Done()
	for task := range b.loaderIn {
		if task == nil {
			return // sentinel: teardown drain (spec §4.6)
		}
		if err := b.loaderSem.Acquire(ctx, 1); err != nil {
			b.loaderOut[task.idx] <- loadedInstance{err: err}
			continue
		}
		data, err := b.area.Read(task.cmd.AttachmentUUID, task.cmd.CustomData)
		if err == nil && b.target != "" {
			if t, ok := b.tryTranscode(data); ok {
				data = t
			}
		}
		b.loaderSem.Release(1)
		b.loaderOut[task.idx] <- loadedInstance{data: data, err: err}
	}
}

// StopLoaderPool drains the pool by enqueuing one sentinel per worker
// thread (spec §4.6), then waits for every worker to exit. Safe to call
// even if StartLoaderPool was never called (loaderIn is nil).
func (b *Builder) StopLoaderPool() {
	if b.loaderIn == nil {
		return
	}
	for i := 0; i < b.loaderThreads; i++ {
		b.loaderIn <- nil
	}
	b.loaderWG.Wait()
}

// Execute runs plan.Commands[idx], one command per call — the unit of
// work a single Job.Step performs (spec §4.6 "Execution").
func (b *Builder) Execute(ctx context.Context, plan *Plan, idx int) error {
	cmd := plan.Commands[idx]
	switch cmd.Kind {
	case OpenDirectory:
		b.dirStack = append(b.dirStack, cmd.DirName)
		return nil
	case CloseDirectory:
		if len(b.dirStack) > 0 {
			b.dirStack = b.dirStack[:len(b.dirStack)-1]
		}
		return nil
	case WriteInstance:
		return b.writeInstance(ctx, idx, cmd)
	case WriteDicomDir:
		return b.writeDicomDir()
	}
	return cmn.NewError(cmn.InternalError, "unknown archive command kind %d", cmd.Kind)
}

func (b *Builder) currentPath(filename string) string {
	path := ""
	for _, d := range b.dirStack {
		path += d + "/"
	}
	return path + filename
}

func (b *Builder) writeInstance(ctx context.Context, idx int, cmd Command) error {
	data, err := b.loadInstance(ctx, idx, cmd)
	if err != nil {
		return err
	}

	relPath := b.currentPath(cmd.Filename)
	fw, err := b.zw.Create(relPath)
	if err != nil {
		return cmn.WrapError(cmn.InternalError, err, "create zip entry %s", relPath)
	}
	if _, err := fw.Write(data); err != nil {
		return cmn.WrapError(cmn.InternalError, err, "write zip entry %s", relPath)
	}

	if b.dicomDir != nil {
		b.dicomDir.Register(cmd.MainTags, relPath)
	}
	return nil
}

// loadInstance returns cmd's attachment bytes, preferring the loader
// pool's prefetched result (if the pool is running) over a synchronous
// read.
func (b *Builder) loadInstance(ctx context.Context, idx int, cmd Command) ([]byte, error) {
	if ch, ok := b.loaderOut[idx]; ok {
		res := <-ch
		return res.data, res.err
	}

	data, err := b.area.Read(cmd.AttachmentUUID, cmd.CustomData)
	if err != nil {
		return nil, err
	}
	if b.target != "" {
		if t, ok := b.tryTranscode(data); ok {
			data = t
		}
		// transcode failure is non-fatal (spec §4.6): keep the original bytes.
	}
	return data, nil
}

// tryTranscode parses data, attempts a transcode to b.target, and
// re-serializes on success. Any failure along the way (parse, transcode,
// re-encode) returns ok=false so the caller keeps the original bytes.
func (b *Builder) tryTranscode(data []byte) (out []byte, ok bool) {
	pf, err := dcmtag.ParseFile(bytes.NewReader(data))
	if err != nil {
		return nil, false
	}
	newPF, err := b.transcoder.Transcode(pf, b.target)
	if err != nil {
		return nil, false
	}
	var buf bytes.Buffer
	if err := dcmtag.WriteFile(&buf, newPF); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

func (b *Builder) writeDicomDir() error {
	if b.dicomDir == nil {
		return nil
	}
	fw, err := b.zw.Create("DICOMDIR")
	if err != nil {
		return cmn.WrapError(cmn.InternalError, err, "create DICOMDIR entry")
	}
	_, err = fw.Write(b.dicomDir.Render())
	return err
}

// Close finalizes the ZIP central directory. Must be called exactly once,
// after the last Execute call (including WriteDicomDir for media mode).
func (b *Builder) Close() error {
	return b.zw.Close()
}
