// Package storage implements the content-addressed blob store (spec §4.1,
// component C1): write-once attachments keyed by UUID, with pluggable
// on-disk layout, optional whole-area compression, and range reads.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package storage

import (
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/golang/glog"
	"github.com/karrick/godirwalk"

	"github.com/dcmstore/dcmstore/cmn"
	"github.com/dcmstore/dcmstore/cmn/cos"
)

// ContentType enumerates the kinds of attachment an Instance (or, for
// DICOM, any resource) may carry, per spec §3.
type ContentType int

const (
	ContentDicom ContentType = iota
	ContentDicomUntilPixelData
	ContentDicomAsJSON
	ContentUserDefined
)

func (c ContentType) String() string {
	switch c {
	case ContentDicom:
		return "Dicom"
	case ContentDicomUntilPixelData:
		return "DicomUntilPixelData"
	case ContentDicomAsJSON:
		return "DicomAsJson"
	default:
		return "UserDefined"
	}
}

// CompressionKind is the whole-area compression mode selected by
// Config.StorageCompression.
type CompressionKind int

const (
	CompressionNone CompressionKind = iota
	CompressionZlib
	CompressionLZ4
)

func ParseCompressionKind(s string) CompressionKind {
	switch s {
	case "zlib":
		return CompressionZlib
	case "lz4":
		return CompressionLZ4
	default:
		return CompressionNone
	}
}

// Area is the Storage Area interface (spec §4.1). All paths are derived
// from a UUID plus an optional layout hint ("custom-data") previously
// returned by Create, so a Read never has to re-derive the path from DICOM
// tags.
type Area interface {
	Create(uuid string, data []byte, ctype ContentType, fsync bool, tags map[string]string) (customData string, err error)
	Read(uuid, customData string) ([]byte, error)
	ReadRange(uuid, customData string, start, end int64) ([]byte, error)
	Remove(uuid, customData string) error
	HasReadRange() bool
	GetCapacity() (uint64, error)
	GetAvailableSpace() (uint64, error)
	ListAllFiles() ([]string, error)
}

// FilesystemArea is the default, reference Storage Area backed by a local
// directory tree (spec §4.1 "Default filesystem layout").
type FilesystemArea struct {
	root        string
	compression CompressionKind
	layout      Layout
	writes      int64 // monotonic counter, exposed for metrics wiring
}

func NewFilesystemArea(root string, compression CompressionKind, layout Layout) (*FilesystemArea, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		if pe, ok := err.(*os.PathError); ok && !os.IsExist(err) {
			_ = pe
			return nil, cmn.WrapError(cmn.DirectoryOverFile, err, "storage root %s", root)
		}
		return nil, cmn.WrapError(cmn.FileStorageCannotWrite, err, "create storage root %s", root)
	}
	if layout == nil {
		layout = DefaultLayout{}
	}
	return &FilesystemArea{root: root, compression: compression, layout: layout}, nil
}

func (a *FilesystemArea) resolvePath(uuid, customData string) string {
	if customData != "" {
		return filepath.Join(a.root, customData)
	}
	return filepath.Join(a.root, DefaultLayout{}.relPath(uuid))
}

// Create persists data under uuid, choosing a path via the configured
// layout (falling back to the default fan-out layout when the advanced
// layout refuses the derived path or it exceeds the configured maximum
// length). Pre-existing uuid content is a hard error: callers are required
// to guarantee novelty (spec §4.1).
func (a *FilesystemArea) Create(uuid string, data []byte, ctype ContentType, fsync bool, tags map[string]string) (string, error) {
	rel, usedAdvanced := a.layout.DerivePath(uuid, ctype, tags)
	full := filepath.Join(a.root, rel)

	if _, err := os.Stat(full); err == nil {
		return "", cmn.NewError(cmn.CannotStoreInstance, "uuid %s already stored", uuid)
	}

	payload, err := compress(data, a.compression)
	if err != nil {
		return "", cmn.WrapError(cmn.InternalError, err, "compress attachment %s", uuid)
	}

	f, err := cos.CreateFile(full)
	if err != nil {
		return "", cmn.WrapError(cmn.FileStorageCannotWrite, err, "create %s", full)
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		os.Remove(full)
		return "", cmn.WrapError(cmn.FileStorageCannotWrite, err, "write %s", full)
	}
	if fsync {
		if err := f.Sync(); err != nil {
			f.Close()
			return "", cmn.WrapError(cmn.FileStorageCannotWrite, err, "fsync %s", full)
		}
	}
	if err := f.Close(); err != nil {
		return "", cmn.WrapError(cmn.FileStorageCannotWrite, err, "close %s", full)
	}
	atomic.AddInt64(&a.writes, 1)

	if !usedAdvanced {
		return "", nil // default layout: Read can re-derive the path from uuid alone
	}
	return rel, nil
}

func (a *FilesystemArea) Read(uuid, customData string) ([]byte, error) {
	full := a.resolvePath(uuid, customData)
	raw, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cmn.WrapError(cmn.InexistentFile, err, "uuid %s", uuid)
		}
		return nil, cmn.WrapError(cmn.FileStorageCannotWrite, err, "read %s", full)
	}
	return decompress(raw, a.compression)
}

// ReadRange reads [start,end) of the uncompressed payload. Native range
// reads are only available when compression is off (HasReadRange reports
// this); when compression is on, this still works but reads and decodes
// the whole object first.
func (a *FilesystemArea) ReadRange(uuid, customData string, start, end int64) ([]byte, error) {
	if a.compression == CompressionNone {
		full := a.resolvePath(uuid, customData)
		f, err := os.Open(full)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, cmn.WrapError(cmn.InexistentFile, err, "uuid %s", uuid)
			}
			return nil, cmn.WrapError(cmn.FileStorageCannotWrite, err, "open %s", full)
		}
		defer f.Close()
		if end < start {
			return nil, cmn.NewError(cmn.ParameterOutOfRange, "end %d before start %d", end, start)
		}
		buf := make([]byte, end-start)
		n, err := f.ReadAt(buf, start)
		if err != nil && err != io.EOF {
			return nil, cmn.WrapError(cmn.FileStorageCannotWrite, err, "readat %s", full)
		}
		if int64(n) < end-start {
			return nil, cmn.NewError(cmn.ParameterOutOfRange, "range [%d,%d) out of bounds (%d read)", start, end, n)
		}
		return buf, nil
	}
	whole, err := a.Read(uuid, customData)
	if err != nil {
		return nil, err
	}
	if end > int64(len(whole)) || start < 0 || end < start {
		return nil, cmn.NewError(cmn.ParameterOutOfRange, "range [%d,%d) out of bounds (%d)", start, end, len(whole))
	}
	return whole[start:end], nil
}

func (a *FilesystemArea) HasReadRange() bool { return a.compression == CompressionNone }

// Remove is idempotent; it also best-effort removes now-empty parent
// directories, mirroring FilesystemStorage.cpp.
func (a *FilesystemArea) Remove(uuid, customData string) error {
	full := a.resolvePath(uuid, customData)
	if err := cos.RemoveFile(full); err != nil {
		glog.Warningf("remove %s: %v (ignored, deletion is idempotent)", full, err)
	}
	dir := filepath.Dir(full)
	for dir != a.root && dir != "." && dir != "/" {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			break
		}
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

// ListAllFiles enumerates every uuid present under root, used by integrity
// repair. godirwalk is used for the same reason the teacher uses it for its
// LRU/rebalance mountpath scans: fast, low-allocation recursive walks.
func (a *FilesystemArea) ListAllFiles() ([]string, error) {
	var out []string
	err := godirwalk.Walk(a.root, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(a.root, path)
			if err != nil {
				return err
			}
			base := filepath.Base(rel) // advanced-layout files carry a .dcm/.bin suffix
			out = append(out, base[:len(base)-len(filepath.Ext(base))])
			return nil
		},
		Unsorted: true,
	})
	if err != nil {
		return nil, cmn.WrapError(cmn.InternalError, err, "walk %s", a.root)
	}
	return out, nil
}
