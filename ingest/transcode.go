package ingest

import "github.com/dcmstore/dcmstore/dcmtag"

// Transcoder converts a parsed DICOM object from its current transfer
// syntax to target, preserving the SOP Instance UID (spec §4.4 step 5).
// Pixel codecs are out of this store's scope (see dcmtag package doc), so
// this is a pluggable seam: a real deployment wires in a codec library,
// the pipeline itself only needs the interface.
type Transcoder interface {
	Transcode(pf *dcmtag.ParsedFile, target string) (*dcmtag.ParsedFile, error)
}

// IdentityTranscoder refuses every transcode request, used when no codec
// library is configured. The pipeline treats its error as non-fatal per
// spec §4.4 step 5 ("optional") and continues with the original bytes.
type IdentityTranscoder struct{}

func (IdentityTranscoder) Transcode(pf *dcmtag.ParsedFile, target string) (*dcmtag.ParsedFile, error) {
	return nil, errNoCodec
}

var errNoCodec = transcodeError("no pixel codec configured for this transfer syntax")

type transcodeError string

func (e transcodeError) Error() string { return string(e) }
