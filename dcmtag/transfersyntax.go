package dcmtag

// Transfer syntax UIDs the pipeline and archive builder reason about
// directly; codec-specific (JPEG family) transcoding is delegated to a
// pluggable Transcoder (see ingest/transcode.go) since pixel codecs are
// explicitly peripheral to this system's scope.
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	ExplicitVRBigEndian    = "1.2.840.10008.1.2.2"

	JPEGBaseline1        = "1.2.840.10008.1.2.4.50"
	JPEGExtended24       = "1.2.840.10008.1.2.4.51"
	JPEGLosslessNonHier  = "1.2.840.10008.1.2.4.70"
	JPEGLSLossless       = "1.2.840.10008.1.2.4.80"
	JPEG2000LosslessOnly = "1.2.840.10008.1.2.4.90"
	JPEG2000             = "1.2.840.10008.1.2.4.91"
	RLELossless          = "1.2.840.10008.1.2.5"

	MPEG2MainProfile = "1.2.840.10008.1.2.4.100"
	MPEG4AVCH264      = "1.2.840.10008.1.2.4.102"
)

// IsCompressed reports whether a transfer syntax implies pixel data is
// stored in a compressed encapsulated form.
func IsCompressed(ts string) bool {
	switch ts {
	case ImplicitVRLittleEndian, ExplicitVRLittleEndian, ExplicitVRBigEndian, "":
		return false
	default:
		return true
	}
}

// IsVideo reports whether a transfer syntax carries a moving-image codec;
// spec §4.4 step 5 excludes video from ingest transcoding.
func IsVideo(ts string) bool {
	return ts == MPEG2MainProfile || ts == MPEG4AVCH264
}
