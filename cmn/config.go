package cmn

import (
	"sync/atomic"
	"time"

	"github.com/dcmstore/dcmstore/cmn/jsp"
)

// Config is the process-wide configuration object, loaded once at startup
// from a JSON document and passed by reference to every component that
// needs it (spec §9: no package-level singleton). Components that need to
// observe live edits hold a *Config obtained through Manager.Get(), which
// always returns the latest atomically-swapped snapshot.
type Config struct {
	StorageDirectory   string `json:"StorageDirectory"`
	StorageCompression string `json:"StorageCompression"` // "", "zlib", "lz4"
	SaveJobs           bool   `json:"SaveJobs"`
	ConcurrentJobs     int    `json:"ConcurrentJobs"`

	IngestTranscoding               bool   `json:"IngestTranscoding"`
	DicomScuPreferredTransferSyntax string `json:"DicomScuPreferredTransferSyntax"`

	SynchronousZipStream bool `json:"SynchronousZipStream"`
	ZipLoaderThreads     int  `json:"ZipLoaderThreads"`

	LimitFindResults   int    `json:"LimitFindResults"`
	LimitFindInstances int    `json:"LimitFindInstances"`
	StorageAccessOnFind string `json:"StorageAccessOnFind"` // DatabaseOnly | DiskOnLookupAndAnswer | DiskOnAnswer

	BuiltinDecoderTranscoderOrder []string `json:"BuiltinDecoderTranscoderOrder"`

	DeidentifyLogs            bool   `json:"DeidentifyLogs"`
	DeidentifyLogsDicomVersion string `json:"DeidentifyLogsDicomVersion"`

	UnknownSopClassAccepted bool `json:"UnknownSopClassAccepted"`

	// OverwriteInstances relaxes ingest's default reject-on-duplicate
	// behavior; a modification job that keeps all three UIDs requires this
	// to be true (spec §4.7 sanity rules), since its re-ingested instance
	// would otherwise collide with the original.
	OverwriteInstances bool `json:"OverwriteInstances"`

	DicomAssociationTimeout DurationJSON `json:"DicomAssociationTimeout"`
	StableAge                DurationJSON `json:"StableAge"`

	// Job engine tuning, not a spec key directly but required to drive it.
	CompletedJobsRingSize int `json:"CompletedJobsRingSize"`

	// Large-object throttle threshold in bytes (~50MB default per spec §4.2).
	LargeObjectThreshold int64 `json:"LargeObjectThreshold"`

	// Parsed-DICOM cache budget in bytes.
	ParsedCacheBytes int64 `json:"ParsedCacheBytes"`

	ChangeBusQueueSize int `json:"ChangeBusQueueSize"`
}

// DurationJSON marshals as a human string ("10s") but is held internally as
// a time.Duration; mirrors the config ergonomics the teacher applies to its
// own JSON-tagged Config (strings in, typed values out).
type DurationJSON time.Duration

func (d DurationJSON) D() time.Duration { return time.Duration(d) }

func (d DurationJSON) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

func (d *DurationJSON) UnmarshalJSON(b []byte) error {
	s := string(b)
	s = s[1 : len(s)-1] // strip quotes
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = DurationJSON(parsed)
	return nil
}

// Default returns the built-in defaults applied before a config file is
// overlaid on top, mirroring every spec-listed key in §6.
func Default() *Config {
	return &Config{
		StorageDirectory:                "./dcmstore-data",
		StorageCompression:              "",
		SaveJobs:                        true,
		ConcurrentJobs:                  2,
		IngestTranscoding:               false,
		DicomScuPreferredTransferSyntax: "",
		SynchronousZipStream:            true,
		ZipLoaderThreads:                0,
		LimitFindResults:                0,
		LimitFindInstances:              0,
		StorageAccessOnFind:             "DiskOnLookupAndAnswer",
		BuiltinDecoderTranscoderOrder:   []string{"builtin"},
		DeidentifyLogs:                  false,
		DeidentifyLogsDicomVersion:      "2021b",
		UnknownSopClassAccepted:         false,
		OverwriteInstances:              false,
		DicomAssociationTimeout:         DurationJSON(10 * time.Second),
		StableAge:                       DurationJSON(60 * time.Second),
		CompletedJobsRingSize:           1000,
		LargeObjectThreshold:            50 << 20,
		ParsedCacheBytes:                256 << 20,
		ChangeBusQueueSize:              10000,
	}
}

// Load reads a JSON config document from path, overlaying it on Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if err := jsp.Load(path, cfg); err != nil {
		return nil, WrapError(InternalError, err, "load config %s", path)
	}
	return cfg, nil
}

// Manager holds the single live *Config behind an atomic pointer so that a
// config reload never races a reader mid-read; readers always see either
// the old or the new snapshot in full, never a partial mix.
type Manager struct {
	cur atomic.Pointer[Config]
}

func NewManager(cfg *Config) *Manager {
	m := &Manager{}
	m.cur.Store(cfg)
	return m
}

func (m *Manager) Get() *Config { return m.cur.Load() }

func (m *Manager) Set(cfg *Config) { m.cur.Store(cfg) }
