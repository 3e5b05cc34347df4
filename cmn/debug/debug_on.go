//go:build debug

// Package debug provides compile-time-gated assertions, on in debug builds
// and compiled out (almost) entirely otherwise.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package debug

import (
	"fmt"
	"os"

	"github.com/golang/glog"
)

const enabled = true

func Assert(cond bool, a ...interface{}) {
	if !cond {
		panicf(a...)
	}
}

func Assertf(cond bool, f string, a ...interface{}) {
	if !cond {
		panicf(fmt.Sprintf(f, a...))
	}
}

func AssertNoErr(err error) {
	if err != nil {
		panicf(err)
	}
}

func AssertMsg(cond bool, msg string) {
	if !cond {
		panicf(msg)
	}
}

func Func(f func()) { f() }

func panicf(a ...interface{}) {
	msg := "assertion failed"
	if len(a) > 0 {
		msg = fmt.Sprint(a...)
	}
	glog.Errorf("[DEBUG] %s", msg)
	glog.Flush()
	if os.Getenv("DCMSTORE_DEBUG_NOPANIC") != "" {
		return
	}
	panic(msg)
}
