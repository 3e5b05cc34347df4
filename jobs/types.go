// Package jobs implements the Job Engine (spec §4.5, component C5): a
// priority queue, a worker pool that steps jobs to completion, a
// completed-jobs ring buffer, and a persistence protocol that survives
// restart. Grounded on the teacher's xaction registry (xaction/xreg),
// which runs a fixed worker pool draining a priority-ish queue of
// long-lived background operations and exposes the same
// Start/observe/abort lifecycle, generalized here to spec's cooperative
// step-at-a-time model and restart persistence.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package jobs

import (
	"encoding/json"
	"time"

	"github.com/dcmstore/dcmstore/cmn"
)

// Status is a job's lifecycle state (spec §3 Lifecycles, §4.5).
type Status string

const (
	Pending  Status = "Pending"
	Running  Status = "Running"
	Success  Status = "Success"
	Failure  Status = "Failure"
	Paused   Status = "Paused"
	Canceled Status = "Canceled"
)

// StepResult is what a single Job.Step call reports back to the worker
// loop (spec §4.5).
type StepResult int

const (
	StepContinue StepResult = iota
	StepSuccess
	StepFailure
)

// Job is the capability set every job type implements (spec §4.5). State
// must be deterministic on replay: Serialize/reconstruct-from-state must
// round-trip everything Step needs to resume correctly.
type Job interface {
	Start() error
	Step() (StepResult, error)
	Stop(reason string)
	Reset() error
	Progress() float64
	PublicContent() map[string]interface{}
	JobType() string
	Serialize() (json.RawMessage, error)
}

// OutputProvider is an optional capability: jobs that produce a downloadable
// artifact (archive/media output) implement it.
type OutputProvider interface {
	GetOutput(key string) (data []byte, mime string, filename string, err error)
}

// Factory reconstructs a Job of a known type from its last-serialized
// state, used both to build a freshly submitted job (state == initial
// parameters) and to resume one after restart (state == Serialize output).
type Factory func(state json.RawMessage) (Job, error)

// Observer is notified of job lifecycle transitions (spec §4.5). The only
// implementation in this repository is cmd/dcmstored's change-bus
// observer; no script or plugin hook implements it.
type Observer interface {
	SignalJobSubmitted(id string)
	SignalJobSuccess(id string)
	SignalJobFailure(id string, kind cmn.ErrorKind)
}

// Record is the durable, restart-surviving view of one job: everything the
// registry needs to persist and to answer a status poll, independent of
// whether the live Job value still exists in this process.
type Record struct {
	ID          string          `json:"ID"`
	Type        string          `json:"Type"`
	Priority    int             `json:"Priority"`
	Status      Status          `json:"Status"`
	Progress    float64         `json:"Progress"`
	SubmittedAt time.Time       `json:"SubmittedAt"`
	StartedAt   time.Time       `json:"StartedAt,omitempty"`
	FinishedAt  time.Time       `json:"FinishedAt,omitempty"`
	ErrorKind   cmn.ErrorKind   `json:"ErrorKind,omitempty"`
	ErrorMsg    string          `json:"ErrorMsg,omitempty"`
	State       json.RawMessage `json:"State"`
	seq         int64           // submission order, for FIFO tie-break within a priority

	job Job // live handle; nil for a record only known from persisted state
}

// PublicContent renders the REST-visible status object for a job (spec §6
// GET /jobs/{id}).
func (r *Record) PublicContent() map[string]interface{} {
	out := map[string]interface{}{
		"ID":       r.ID,
		"Type":     r.Type,
		"Priority": r.Priority,
		"Status":   string(r.Status),
		"Progress": r.Progress,
	}
	if r.ErrorKind != "" {
		out["ErrorKind"] = string(r.ErrorKind)
		out["ErrorMsg"] = r.ErrorMsg
	}
	if r.job != nil {
		for k, v := range r.job.PublicContent() {
			out[k] = v
		}
	}
	return out
}
