package archive

import (
	"context"
	"io"

	"github.com/dcmstore/dcmstore/cmn"
	"github.com/dcmstore/dcmstore/index"
	"github.com/dcmstore/dcmstore/ingest"
	"github.com/dcmstore/dcmstore/storage"
)

// Stream is the synchronous-streaming output mode (spec §4.6): the whole
// plan is executed in one call, writing ZIP bytes directly into w as each
// entry completes. Unlike the asynchronous Job, this never touches disk —
// w is expected to be an HTTP response writer (or any io.Writer backed by
// a bounded pipe), so a client disconnect surfaces as a write error on w
// and ctx cancellation (wired by the caller to the request context) aborts
// the loader pool and in-flight reads the same way Job.Stop does.
func Stream(ctx context.Context, idx *index.Index, area storage.Area, resourcePublicIDs []string, media bool, transcodeUID string, transc ingest.Transcoder, loaderThreads int, w io.Writer) error {
	plan, err := BuildPlan(idx, resourcePublicIDs, media)
	if err != nil {
		return err
	}
	if media {
		plan.Commands = append(plan.Commands, Command{Kind: WriteDicomDir})
	}

	b := NewBuilder(area, w, media, loaderThreads)
	if transcodeUID != "" {
		b.SetTranscode(transcodeUID, transc)
	}
	b.StartLoaderPool(ctx, plan)
	defer b.StopLoaderPool()

	for i := range plan.Commands {
		select {
		case <-ctx.Done():
			return cmn.WrapError(cmn.InternalError, ctx.Err(), "archive stream aborted")
		default:
		}
		if err := b.Execute(ctx, plan, i); err != nil {
			return err
		}
	}
	return b.Close()
}
