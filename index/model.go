// Package index implements the transactional, hierarchical metadata
// database (spec §4.3, component C3): Patient->Study->Series->Instance
// rows, main-tag columns, the attachments and metadata tables, and the
// append-only change log. It is built on github.com/tidwall/buntdb, an
// embedded, ACID, single-writer/many-reader ordered key-value store — the
// same embedded-DB role buntdb plays in the teacher's own local metadata
// paths, generalized here into the spec's full relational surface via
// prefix-scanned secondary indexes.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package index

import (
	"time"

	"github.com/dcmstore/dcmstore/dcmtag"
)

// ChangeType enumerates the event kinds appended to the change log (spec §4.3).
type ChangeType string

const (
	ChangeNewPatient        ChangeType = "NewPatient"
	ChangeNewStudy          ChangeType = "NewStudy"
	ChangeNewSeries         ChangeType = "NewSeries"
	ChangeNewInstance       ChangeType = "NewInstance"
	ChangeStablePatient     ChangeType = "StablePatient"
	ChangeStableStudy       ChangeType = "StableStudy"
	ChangeStableSeries      ChangeType = "StableSeries"
	ChangeDeleted           ChangeType = "Deleted"
	ChangeUpdatedAttachment ChangeType = "UpdatedAttachment"
	ChangeUpdatedMetadata   ChangeType = "UpdatedMetadata"
	ChangeJobSubmitted      ChangeType = "JobSubmitted"
	ChangeJobSuccess        ChangeType = "JobSuccess"
	ChangeJobFailure        ChangeType = "JobFailure"
)

// ChangeEvent is one entry of the append-only, monotonically numbered
// change log (spec §4.3, §8 invariant 4).
type ChangeEvent struct {
	Seq        int64      `json:"Seq"`
	ChangeType ChangeType `json:"ChangeType"`
	Level      dcmtag.Level `json:"Level"`
	PublicID   string     `json:"PublicID"`
	Date       time.Time  `json:"Date"`
}

// ResourceRow is a Patient/Study/Series/Instance record.
type ResourceRow struct {
	InternalID      string            `json:"InternalID"`
	PublicID        string            `json:"PublicID"`
	Level           dcmtag.Level      `json:"Level"`
	ParentInternalID string           `json:"ParentInternalID,omitempty"`
	MainTags        map[string]string `json:"MainTags"`
	SchemaSignature string            `json:"SchemaSignature"`
	Stable          bool              `json:"Stable"`
	LastChildUpdate time.Time         `json:"LastChildUpdate"`
	CreatedAt       time.Time         `json:"CreatedAt"`
}

// AttachmentRow is one attachment of an Instance (spec §3).
type AttachmentRow struct {
	UUID               string `json:"UUID"`
	InstanceInternalID string `json:"InstanceInternalID"`
	ContentType        int    `json:"ContentType"`
	SizeUncompressed   int64  `json:"SizeUncompressed"`
	SizeStored         int64  `json:"SizeStored"`
	Compression        string `json:"Compression"`
	MD5                string `json:"MD5,omitempty"`
	Revision           int    `json:"Revision"`
	CustomData         string `json:"CustomData,omitempty"`
}

// MetadataRow is a single internally-generated key/value pair attached to a
// resource, with a revision counter for optimistic concurrency.
type MetadataRow struct {
	Key      string `json:"Key"`
	Value    string `json:"Value"`
	Revision int    `json:"Revision"`
}

// Well-known metadata keys used by the ingestion pipeline and job engines.
const (
	MetaLastUpdate       = "LastUpdate"
	MetaAnonymizedFrom   = "AnonymizedFrom"
	MetaModifiedFrom     = "ModifiedFrom"
	MetaPixelDataOffset  = "PixelDataOffset"
	MetaSOPClassUID      = "SOPClassUID"
	MetaTransferSyntaxUID = "TransferSyntaxUID"
	MetaRemoteAET        = "RemoteAET"
	MetaOrigin           = "Origin"
)

// StoreInput is what the ingestion pipeline hands to Store: everything
// needed to create or update the four resource levels and the mandatory
// DICOM attachment in one transaction.
type StoreInput struct {
	Identifiers dcmtag.ResourceIdentifiers
	MainTags    map[dcmtag.Level]map[string]string
	Metadata    map[string]string
	Attachment  AttachmentRow
	Overwrite   bool
}

// StoreStatus mirrors the REST-visible per-instance status (spec §6).
type StoreStatus string

const (
	StatusSuccess      StoreStatus = "Success"
	StatusAlreadyStored StoreStatus = "AlreadyStored"
)

type StoreResult struct {
	Status        StoreStatus
	InstanceID    string
	ParentPatient string
	ParentStudy   string
	ParentSeries  string
	Events        []ChangeEvent
	// RemovedAttachments holds the rows of attachments that an overwrite
	// superseded; the caller (ingestion pipeline) deletes them from the
	// Storage Area after the transaction commits.
	RemovedAttachments []AttachmentRow
}
