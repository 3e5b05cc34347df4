//go:build !debug

// Package debug provides compile-time-gated assertions, on in debug builds
// and compiled out (almost) entirely otherwise.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package debug

const enabled = false

func Assert(bool, ...interface{})       {}
func Assertf(bool, string, ...interface{}) {}
func AssertNoErr(error)                 {}
func AssertMsg(bool, string)            {}
func Func(f func())                     {}
