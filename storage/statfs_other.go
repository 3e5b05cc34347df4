//go:build !linux

package storage

// GetCapacity and GetAvailableSpace report zero on platforms without a
// statfs-equivalent wired in; the reference deployment target is linux
// (mirrors the teacher's ios/fsutils_darwin.go split: a degraded, non-fatal
// stub off the primary platform).
func (a *FilesystemArea) GetCapacity() (uint64, error)       { return 0, nil }
func (a *FilesystemArea) GetAvailableSpace() (uint64, error) { return 0, nil }
