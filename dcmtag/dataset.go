package dcmtag

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"strings"

	"github.com/dcmstore/dcmstore/cmn"
)

// Element is one parsed dataset entry. Value holds the raw, un-decoded
// bytes (trailing NUL/space padding intact) so a round-trip re-encode is
// byte-identical; string accessors trim padding on read.
type Element struct {
	Tag        Tag
	VR         VR
	Value      []byte
	ValueStart int64 // byte offset of Value within the stream that was parsed, -1 if unknown
}

// Dataset is an ordered collection of elements, preserving on-disk order so
// re-encoding (modification engine) is a stable, minimal diff against the
// original bytes.
type Dataset struct {
	Elements []Element
	index    map[Tag]int
}

func newDataset() *Dataset { return &Dataset{index: map[Tag]int{}} }

func (d *Dataset) add(e Element) {
	if d.index == nil {
		d.index = map[Tag]int{}
	}
	if i, ok := d.index[e.Tag]; ok {
		d.Elements[i] = e
		return
	}
	d.index[e.Tag] = len(d.Elements)
	d.Elements = append(d.Elements, e)
}

func (d *Dataset) Get(t Tag) (Element, bool) {
	if d.index == nil {
		return Element{}, false
	}
	i, ok := d.index[t]
	if !ok {
		return Element{}, false
	}
	return d.Elements[i], true
}

func (d *Dataset) GetString(t Tag) string {
	e, ok := d.Get(t)
	if !ok {
		return ""
	}
	return strings.TrimRight(string(e.Value), " \x00")
}

func (d *Dataset) Set(t Tag, vr VR, value []byte) {
	d.add(Element{Tag: t, VR: vr, Value: value, ValueStart: -1})
}

func (d *Dataset) SetString(t Tag, vr VR, value string) {
	b := []byte(value)
	if len(b)%2 == 1 {
		b = append(b, ' ')
	}
	d.Set(t, vr, b)
}

func (d *Dataset) Remove(t Tag) {
	if d.index == nil {
		return
	}
	i, ok := d.index[t]
	if !ok {
		return
	}
	d.Elements = append(d.Elements[:i], d.Elements[i+1:]...)
	delete(d.index, t)
	for tag, idx := range d.index {
		if idx > i {
			d.index[tag] = idx - 1
		}
	}
}

// Clone returns a deep copy, used by the modification engine so mutation of
// one instance never aliases another's backing arrays.
func (d *Dataset) Clone() *Dataset {
	nd := newDataset()
	for _, e := range d.Elements {
		cp := make([]byte, len(e.Value))
		copy(cp, e.Value)
		nd.add(Element{Tag: e.Tag, VR: e.VR, Value: cp, ValueStart: e.ValueStart})
	}
	return nd
}

const (
	dicomPreambleLen = 128
	dicomMagic       = "DICM"
)

// FileMeta holds the group-0002 header that precedes the main dataset.
type FileMeta struct {
	MediaStorageSOPClassUID    string
	MediaStorageSOPInstanceUID string
	TransferSyntaxUID          string
}

// ParsedFile is the result of fully parsing a DICOM stream: the file meta
// header plus the main dataset, and the byte offset at which PixelData's
// value begins (or -1 if absent), computed relative to the start of the
// stream including the 128-byte preamble.
type ParsedFile struct {
	Meta          FileMeta
	Dataset       *Dataset
	PixelDataOffset int64
}

// ParseFile parses r as a DICOM Part 10 stream: 128-byte preamble + "DICM",
// explicit-VR-little-endian file meta group, then the main dataset encoded
// per the transfer syntax named in the meta group.
func ParseFile(r io.Reader) (*ParsedFile, error) {
	br := bufio.NewReader(r)
	preamble := make([]byte, dicomPreambleLen+4)
	if _, err := io.ReadFull(br, preamble); err != nil {
		return nil, cmn.WrapError(cmn.BadFileFormat, err, "short read of DICOM preamble")
	}
	if string(preamble[dicomPreambleLen:]) != dicomMagic {
		return nil, cmn.NewError(cmn.BadFileFormat, "missing DICM magic")
	}

	var pos int64 = int64(len(preamble))
	meta := newDataset()
	metaLenElem, consumed, err := readExplicitElement(br)
	if err != nil {
		return nil, cmn.WrapError(cmn.BadFileFormat, err, "reading file meta group length")
	}
	pos += int64(consumed)
	if metaLenElem.Tag != TagFileMetaGroupLength {
		return nil, cmn.NewError(cmn.BadFileFormat, "expected file meta group length tag")
	}
	groupLen := int64(binary.LittleEndian.Uint32(pad4(metaLenElem.Value)))

	limited := io.LimitReader(br, groupLen)
	lbr := bufio.NewReader(limited)
	for {
		e, n, err := readExplicitElementAt(lbr, pos)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, cmn.WrapError(cmn.BadFileFormat, err, "reading file meta element")
		}
		meta.add(e)
		pos += int64(n)
		if n == 0 {
			break
		}
	}

	fm := FileMeta{
		MediaStorageSOPClassUID:    meta.GetString(TagMediaStorageSOPClass),
		MediaStorageSOPInstanceUID: meta.GetString(TagMediaStorageSOPInst),
		TransferSyntaxUID:          meta.GetString(TagTransferSyntaxUID),
	}

	ds := newDataset()
	pixelOffset := int64(-1)
	implicit := fm.TransferSyntaxUID == ImplicitVRLittleEndian || fm.TransferSyntaxUID == ""
	bigEndian := fm.TransferSyntaxUID == ExplicitVRBigEndian

	for {
		var (
			e   Element
			n   int
			err error
		)
		if implicit {
			e, n, err = readImplicitElementAt(br, pos)
		} else {
			e, n, err = readExplicitElementAtEndian(br, pos, bigEndian)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, cmn.WrapError(cmn.BadFileFormat, err, "reading dataset element at offset %d", pos)
		}
		if n == 0 {
			break
		}
		if e.Tag == TagPixelData && pixelOffset < 0 {
			pixelOffset = e.ValueStart
		}
		ds.add(e)
		pos += int64(n)
	}

	return &ParsedFile{Meta: fm, Dataset: ds, PixelDataOffset: pixelOffset}, nil
}

func pad4(b []byte) []byte {
	if len(b) >= 4 {
		return b[:4]
	}
	out := make([]byte, 4)
	copy(out, b)
	return out
}

// readExplicitElement reads one explicit-VR-LE element without tracking a
// running byte offset (used for the very first file-meta element, whose
// offset is of no interest to callers).
func readExplicitElement(r *bufio.Reader) (Element, int, error) {
	e, n, err := readExplicitElementAt(r, 0)
	return e, n, err
}

func readExplicitElementAt(r *bufio.Reader, base int64) (Element, int, error) {
	return readExplicitElementAtEndian(r, base, false)
}

func readExplicitElementAtEndian(r *bufio.Reader, base int64, bigEndian bool) (Element, int, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return Element{}, 0, err
	}
	bo := byteOrder(bigEndian)
	group := bo.Uint16(hdr[0:2])
	elem := bo.Uint16(hdr[2:4])
	vr := VR(hdr[4:6])
	consumed := 8
	var length uint32
	var extra [4]byte
	if vr.IsLongForm() {
		if _, err := io.ReadFull(r, extra[:]); err != nil {
			return Element{}, 0, err
		}
		length = bo.Uint32(extra[:])
		consumed += 4
	} else {
		length = uint32(bo.Uint16(hdr[6:8]))
	}
	tag := Tag{Group: group, Element: elem}

	if vr == VR_SQ || (vr == VR_UN && isKnownSequence(tag)) {
		// Sequences are consumed as opaque, re-encodable byte blobs: we do
		// not need per-item access for the subset of modification rules
		// this store implements (tag/path removal and replacement operate
		// on the raw bytes of a sequence the same way a full structural
		// walk would for the cases spec.md actually requires).
		value, n, err := readSequencePayload(r, length, bigEndian)
		if err != nil {
			return Element{}, 0, err
		}
		consumed += n
		return Element{Tag: tag, VR: vr, Value: value, ValueStart: base + int64(consumed-len(value))}, consumed, nil
	}

	value := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, value); err != nil {
			return Element{}, 0, err
		}
	}
	consumed += int(length)
	return Element{Tag: tag, VR: vr, Value: value, ValueStart: base + int64(consumed-len(value))}, consumed, nil
}

// readImplicitElementAt reads one implicit-VR-LE element; VR is looked up
// from the static dictionary (falling back to UN for unknown tags).
func readImplicitElementAt(r *bufio.Reader, base int64) (Element, int, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return Element{}, 0, err
	}
	group := binary.LittleEndian.Uint16(hdr[0:2])
	elem := binary.LittleEndian.Uint16(hdr[2:4])
	length := binary.LittleEndian.Uint32(hdr[4:8])
	tag := Tag{Group: group, Element: elem}
	vr := vrDictionary[tag]
	if vr == "" {
		vr = VR_UN
	}
	consumed := 8
	if vr == VR_SQ {
		value, n, err := readSequencePayload(r, length, false)
		if err != nil {
			return Element{}, 0, err
		}
		consumed += n
		return Element{Tag: tag, VR: vr, Value: value, ValueStart: base + int64(consumed-len(value))}, consumed, nil
	}
	value := make([]byte, length)
	if length > 0 && length != 0xFFFFFFFF {
		if _, err := io.ReadFull(r, value); err != nil {
			return Element{}, 0, err
		}
	}
	consumed += int(length)
	return Element{Tag: tag, VR: vr, Value: value, ValueStart: base + int64(consumed-len(value))}, consumed, nil
}

const undefinedLength = 0xFFFFFFFF

// readSequencePayload reads a sequence's raw bytes verbatim, including
// nested item/delimiter tags, whether the length is explicit or undefined
// (terminated by a Sequence Delimitation Item).
func readSequencePayload(r *bufio.Reader, length uint32, bigEndian bool) ([]byte, int, error) {
	bo := byteOrder(bigEndian)
	if length != undefinedLength {
		buf := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, 0, err
			}
		}
		return buf, int(length), nil
	}
	var out bytes.Buffer
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, 0, err
		}
		out.Write(hdr[:])
		group := bo.Uint16(hdr[0:2])
		elem := bo.Uint16(hdr[2:4])
		itemLen := bo.Uint32(hdr[4:8])
		if group == 0xFFFE && elem == 0xE0DD { // sequence delimitation item
			return out.Bytes(), out.Len(), nil
		}
		if itemLen == undefinedLength {
			// nested undefined-length item: scan for its own delimiter
			nested, _, err := readSequencePayload(r, undefinedLength, bigEndian)
			if err != nil {
				return nil, 0, err
			}
			out.Write(nested)
			continue
		}
		item := make([]byte, itemLen)
		if itemLen > 0 {
			if _, err := io.ReadFull(r, item); err != nil {
				return nil, 0, err
			}
		}
		out.Write(item)
	}
}

func isKnownSequence(Tag) bool { return false }

type byteOrderIface interface {
	Uint16([]byte) uint16
	Uint32([]byte) uint32
}

func byteOrder(bigEndian bool) byteOrderIface {
	if bigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
