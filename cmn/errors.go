// Package cmn provides the shared error taxonomy, configuration object, and
// other small types used across every package in the store.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind is the fixed fault taxonomy from which every store-level error is
// drawn (see spec §7). HTTP and DIMSE boundaries map a Kind to their own
// status codes; nothing below the boundary ever needs to know about either.
type ErrorKind string

const (
	BadFileFormat       ErrorKind = "BadFileFormat"
	CorruptedFile       ErrorKind = "CorruptedFile"
	InexistentTag       ErrorKind = "InexistentTag"
	InexistentFile      ErrorKind = "InexistentFile"
	NullPointer         ErrorKind = "NullPointer"
	ParameterOutOfRange ErrorKind = "ParameterOutOfRange"
	BadSequenceOfCalls  ErrorKind = "BadSequenceOfCalls"
	CannotStoreInstance ErrorKind = "CannotStoreInstance"
	FileStorageCannotWrite ErrorKind = "FileStorageCannotWrite"
	DirectoryOverFile   ErrorKind = "DirectoryOverFile"
	Database            ErrorKind = "Database"
	NotEnoughMemory      ErrorKind = "NotEnoughMemory"
	NotImplemented       ErrorKind = "NotImplemented"
	UnknownResource      ErrorKind = "UnknownResource"
	InternalError        ErrorKind = "InternalError"
	CreateDicomNoPayload ErrorKind = "CreateDicomNoPayload"
	CreateDicomBadJson   ErrorKind = "CreateDicomBadJson"
	CreateDicomBadTag    ErrorKind = "CreateDicomBadTag"
	CreateDicomParentIsInstance ErrorKind = "CreateDicomParentIsInstance"
	Plugin               ErrorKind = "Plugin"
	NetworkProtocol       ErrorKind = "NetworkProtocol"
	DiscontinuedAbi       ErrorKind = "DiscontinuedAbi"
	AlreadyExistingTag    ErrorKind = "AlreadyExistingTag"
)

// Error is the concrete error type carried through the system; it preserves
// a Kind alongside a causal chain (via github.com/pkg/errors) so %+v prints
// a stack trace in development builds without leaking one across the
// HTTP/DICOM boundary.
type Error struct {
	Kind ErrorKind
	msg  string
	err  error
}

func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

func WrapError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), err: errors.WithStack(err)}
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// KindOf extracts the ErrorKind from err, defaulting to InternalError when
// err does not carry one (e.g. a raw I/O error that was never classified).
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return InternalError
}

func Is(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
