// Package archive implements the Archive / Media Builder (spec §4.6,
// component C6): a pre-planned ordered command vector executed one
// command per job Step, producing a ZIP (optionally with a DICOMDIR for
// media mode). Grounded on original_source's ArchiveJob.h/.cpp, which
// walks the requested resources once to build an ordered command list
// before any bytes are written, then runs one command per job step.
package archive

import (
	"fmt"

	"github.com/dcmstore/dcmstore/dcmtag"
	"github.com/dcmstore/dcmstore/index"
	"github.com/dcmstore/dcmstore/storage"
)

// CommandKind enumerates the pre-plan command vector (spec §4.6).
type CommandKind int

const (
	OpenDirectory CommandKind = iota
	CloseDirectory
	WriteInstance
	WriteDicomDir // synthetic final step, media mode only
)

// Command is one step of the pre-planned archive build.
type Command struct {
	Kind CommandKind

	// OpenDirectory
	DirName string

	// WriteInstance
	InstanceInternalID string
	AttachmentUUID      string
	CustomData          string
	Filename            string
	SizeHint            int64
	MainTags            map[string]string // for DICOMDIR record construction
}

// Plan is the ordered command vector plus the totals needed to decide
// ZIP-vs-ZIP64 (spec §4.6).
type Plan struct {
	Commands         []Command
	InstanceCount    int
	UncompressedSize int64
	Media            bool
}

// zip64SizeThreshold mirrors the spec's "≈2 GB minus margin" rule; kept as a
// named constant rather than a literal so the margin is visible.
const zip64SizeThreshold = (1 << 31) - (64 << 20) // 2GiB - 64MiB margin
const zip64CountThreshold = 65535 - 10

// NeedsZip64 reports whether the accumulated plan must use ZIP64 extensions.
func (p *Plan) NeedsZip64() bool {
	return p.UncompressedSize > zip64SizeThreshold || p.InstanceCount > zip64CountThreshold
}

// BuildPlan walks resourcePublicIDs against idx, emitting one
// OpenDirectory/CloseDirectory pair per resource boundary at each
// hierarchy level above Instance, and one WriteInstance per leaf
// instance. Directory names are "<PatientID> <PatientName>" style (spec
// §4.6); filenames follow "XX######.dcm" (media mode: "IMnnn") under each
// series directory.
func BuildPlan(idx *index.Index, resourcePublicIDs []string, media bool) (*Plan, error) {
	p := &Plan{Media: media}
	seen := map[string]bool{} // internalID already emitted as WriteInstance, avoids duplicates across overlapping resource selections

	for _, pub := range resourcePublicIDs {
		internalID, level, err := idx.LookupResource(pub)
		if err != nil {
			return nil, err
		}
		if err := p.walk(idx, internalID, level, seen); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Plan) walk(idx *index.Index, internalID string, level dcmtag.Level, seen map[string]bool) error {
	row, found, err := idx.GetResourceRow(internalID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	if level == dcmtag.Instance {
		return p.emitInstance(idx, internalID, row, seen)
	}

	dirName := directoryName(level, row.MainTags)
	p.Commands = append(p.Commands, Command{Kind: OpenDirectory, DirName: dirName})

	children, err := idx.GetChildren(internalID)
	if err != nil {
		return err
	}
	childLevel := level + 1
	for _, c := range children {
		if err := p.walk(idx, c, childLevel, seen); err != nil {
			return err
		}
	}

	p.Commands = append(p.Commands, Command{Kind: CloseDirectory})
	return nil
}

func (p *Plan) emitInstance(idx *index.Index, internalID string, row index.ResourceRow, seen map[string]bool) error {
	if seen[internalID] {
		return nil
	}
	seen[internalID] = true

	attachments, err := idx.ListAttachments(internalID)
	if err != nil {
		return err
	}
	var primary *index.AttachmentRow
	for i := range attachments {
		if storage.ContentType(attachments[i].ContentType) == storage.ContentDicom {
			primary = &attachments[i]
			break
		}
	}
	if primary == nil {
		return nil // no primary DICOM attachment (shouldn't happen for a committed instance, skip defensively)
	}

	instanceIndex := len(p.Commands) // cheap monotonic counter for the numeric part of the filename
	filename := instanceFilename(row.MainTags, instanceIndex, p.Media)

	p.Commands = append(p.Commands, Command{
		Kind:                WriteInstance,
		InstanceInternalID:  internalID,
		AttachmentUUID:      primary.UUID,
		CustomData:          primary.CustomData,
		Filename:            filename,
		SizeHint:            primary.SizeUncompressed,
		MainTags:            row.MainTags,
	})
	p.InstanceCount++
	p.UncompressedSize += primary.SizeUncompressed
	return nil
}

func directoryName(level dcmtag.Level, tags map[string]string) string {
	switch level {
	case dcmtag.Patient:
		return fmt.Sprintf("%s %s", tags[dcmtag.TagPatientID.String()], tags[dcmtag.TagPatientName.String()])
	case dcmtag.Study:
		if d := tags[dcmtag.TagStudyDate.String()]; d != "" {
			return fmt.Sprintf("%s %s", d, tags[dcmtag.TagStudyDescription.String()])
		}
		return tags[dcmtag.TagStudyInstanceUID.String()]
	case dcmtag.Series:
		return fmt.Sprintf("%s %s", tags[dcmtag.TagModality.String()], tags[dcmtag.TagSeriesDescription.String()])
	default:
		return ""
	}
}

// instanceFilename follows "XX######.dcm" where XX is a two-letter
// modality prefix, or "IMnnn" (no extension) in media mode, per spec §4.6.
func instanceFilename(tags map[string]string, idx int, media bool) string {
	if media {
		return fmt.Sprintf("IM%03d", idx)
	}
	prefix := modalityPrefix(tags[dcmtag.TagModality.String()])
	return fmt.Sprintf("%s%06d.dcm", prefix, idx)
}

func modalityPrefix(modality string) string {
	if len(modality) >= 2 {
		return modality[:2]
	}
	if len(modality) == 1 {
		return modality + "X"
	}
	return "XX"
}
