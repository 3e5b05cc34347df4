//go:build linux

package storage

import (
	"syscall"

	"github.com/dcmstore/dcmstore/cmn"
)

func (a *FilesystemArea) GetCapacity() (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(a.root, &stat); err != nil {
		return 0, cmn.WrapError(cmn.InternalError, err, "statfs %s", a.root)
	}
	return stat.Blocks * uint64(stat.Bsize), nil
}

func (a *FilesystemArea) GetAvailableSpace() (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(a.root, &stat); err != nil {
		return 0, cmn.WrapError(cmn.InternalError, err, "statfs %s", a.root)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
