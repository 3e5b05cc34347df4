// Package jsp (JSON persistence) saves and loads arbitrary JSON-encodable
// structures atomically: write to a sibling temp file, fsync, rename over
// the target, so a crash mid-write never leaves a half-written record on
// disk. cmn.Load reads the configuration file through Load.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package jsp

import (
	"os"

	"github.com/golang/glog"
	jsoniter "github.com/json-iterator/go"

	"github.com/dcmstore/dcmstore/cmn/cos"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Save encodes v as JSON and atomically replaces filepath with it.
func Save(filepath string, v interface{}) (err error) {
	tmp := filepath + ".tmp." + cos.GenTie()
	var file *os.File
	file, err = cos.CreateFile(tmp)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rmErr := cos.RemoveFile(tmp); rmErr != nil {
				glog.Errorf("nested (%v): failed to remove %s: %v", err, tmp, rmErr)
			}
		}
	}()

	enc := json.NewEncoder(file)
	if err = enc.Encode(v); err != nil {
		glog.Errorf("failed to encode %s: %v", filepath, err)
		file.Close()
		return err
	}
	if err = cos.FlushClose(file); err != nil {
		glog.Errorf("failed to flush and close %s: %v", tmp, err)
		return err
	}
	return os.Rename(tmp, filepath)
}

// Load decodes filepath's JSON content into v. Returns os.ErrNotExist
// (wrapped) when the file is missing; callers treat that as "no prior
// state", not a fault.
func Load(filepath string, v interface{}) error {
	f, err := os.Open(filepath)
	if err != nil {
		return err
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	return dec.Decode(v)
}

// Bytes serializes v to a JSON byte slice, the format used for in-band
// payloads (job Serialize, GlobalProperty values) that never touch a file
// directly.
func Bytes(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func FromBytes(b []byte, v interface{}) error {
	return json.Unmarshal(b, v)
}
