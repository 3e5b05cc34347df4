package dcmtag

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/dcmstore/dcmstore/cmn"
)

// WriteFile re-serializes pf as a DICOM Part 10 stream: 128-byte preamble,
// "DICM" magic, an explicit-VR-little-endian file meta group synthesized
// from pf.Meta, then the main dataset encoded per pf.Meta.TransferSyntaxUID.
//
// Only the three file meta elements ParsedFile actually retains
// (MediaStorageSOPClassUID/Instance, TransferSyntaxUID) are re-emitted —
// any other group-0002 elements present in the original stream are not
// preserved. This is a deliberate simplification: nothing in this store
// re-examines file meta beyond those three fields, and the instances this
// writer produces (modification/anonymization output, ingest-time
// transcode output) are themselves re-parsed by ParseFile, which needs
// nothing more.
func WriteFile(w io.Writer, pf *ParsedFile) error {
	var preamble [dicomPreambleLen]byte
	if _, err := w.Write(preamble[:]); err != nil {
		return cmn.WrapError(cmn.InternalError, err, "write DICOM preamble")
	}
	if _, err := io.WriteString(w, dicomMagic); err != nil {
		return cmn.WrapError(cmn.InternalError, err, "write DICOM magic")
	}

	var metaBody bytes.Buffer
	for _, e := range metaElements(pf.Meta) {
		if err := writeExplicitElement(&metaBody, e, false); err != nil {
			return cmn.WrapError(cmn.InternalError, err, "encode file meta element %s", e.Tag)
		}
	}

	groupLen := Element{
		Tag:   TagFileMetaGroupLength,
		VR:    VR_UL,
		Value: uint32LE(uint32(metaBody.Len())),
	}
	if err := writeExplicitElement(w, groupLen, false); err != nil {
		return cmn.WrapError(cmn.InternalError, err, "encode file meta group length")
	}
	if _, err := w.Write(metaBody.Bytes()); err != nil {
		return cmn.WrapError(cmn.InternalError, err, "write file meta group")
	}

	implicit := pf.Meta.TransferSyntaxUID == ImplicitVRLittleEndian || pf.Meta.TransferSyntaxUID == ""
	bigEndian := pf.Meta.TransferSyntaxUID == ExplicitVRBigEndian
	for _, e := range pf.Dataset.Elements {
		var err error
		if implicit {
			err = writeImplicitElement(w, e)
		} else {
			err = writeExplicitElement(w, e, bigEndian)
		}
		if err != nil {
			return cmn.WrapError(cmn.InternalError, err, "encode dataset element %s", e.Tag)
		}
	}
	return nil
}

func metaElements(m FileMeta) []Element {
	str := func(s string) []byte {
		b := []byte(s)
		if len(b)%2 == 1 {
			b = append(b, 0)
		}
		return b
	}
	return []Element{
		{Tag: TagMediaStorageSOPClass, VR: VR_UI, Value: str(m.MediaStorageSOPClassUID)},
		{Tag: TagMediaStorageSOPInst, VR: VR_UI, Value: str(m.MediaStorageSOPInstanceUID)},
		{Tag: TagTransferSyntaxUID, VR: VR_UI, Value: str(m.TransferSyntaxUID)},
	}
}

func uint32LE(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func writeExplicitElement(w io.Writer, e Element, bigEndian bool) error {
	bo := writeByteOrder(bigEndian)
	var hdr [8]byte
	bo.PutUint16(hdr[0:2], e.Tag.Group)
	bo.PutUint16(hdr[2:4], e.Tag.Element)
	copy(hdr[4:6], e.VR)
	if e.VR.IsLongForm() {
		bo.PutUint16(hdr[6:8], 0) // reserved
		if _, err := w.Write(hdr[:]); err != nil {
			return err
		}
		var lenBuf [4]byte
		bo.PutUint32(lenBuf[:], uint32(len(e.Value)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return err
		}
	} else {
		bo.PutUint16(hdr[6:8], uint16(len(e.Value)))
		if _, err := w.Write(hdr[:]); err != nil {
			return err
		}
	}
	_, err := w.Write(e.Value)
	return err
}

func writeImplicitElement(w io.Writer, e Element) error {
	var hdr [8]byte
	binary.LittleEndian.PutUint16(hdr[0:2], e.Tag.Group)
	binary.LittleEndian.PutUint16(hdr[2:4], e.Tag.Element)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(e.Value)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(e.Value)
	return err
}

type writeByteOrderIface interface {
	PutUint16([]byte, uint16)
	PutUint32([]byte, uint32)
}

func writeByteOrder(bigEndian bool) writeByteOrderIface {
	if bigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
