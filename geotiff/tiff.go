package geotiff

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// maxTagBytes bounds the size of a single tag value read from a file.
const maxTagBytes = 1 << 28

// head is the decoded TIFF file header.
type head struct {
	byteOrder binary.ByteOrder
	isBigTIFF bool
	ifdOffset uint64
}

// tagData holds the decoded values of one tag. Only the slice matching fType is set.
type tagData struct {
	fType      fieldType
	count      uint64
	byteData   []uint8
	asciiData  string
	shortData  []uint16
	longData   []uint32
	floatData  []float32
	doubleData []float64
	uint64Data []uint64
}

// Tags maps tag identifiers to their values.
type Tags map[Tag]tagData

// readFullAt reads exactly len(p) bytes at off.
func readFullAt(r io.ReaderAt, p []byte, off int64) error {
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// readHeader decodes byte order, flavour and first IFD offset.
func readHeader(r io.ReaderAt) (head, error) {
	var h head
	buf := make([]byte, 16)
	n, err := r.ReadAt(buf, 0)
	if n < 8 {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return h, fmt.Errorf("failed to read header: %w", err)
	}

	switch binary.BigEndian.Uint16(buf[0:2]) {
	case littleEndian:
		h.byteOrder = binary.LittleEndian
	case bigEndian:
		h.byteOrder = binary.BigEndian
	default:
		return h, errors.New("invalid byte order")
	}

	switch id := h.byteOrder.Uint16(buf[2:4]); id {
	case tiffIdentifier:
		h.ifdOffset = uint64(h.byteOrder.Uint32(buf[4:8]))
	case bigTiffIdentifier:
		if n < 16 {
			return h, errors.New("truncated BigTIFF header")
		}
		if h.byteOrder.Uint16(buf[4:6]) != bigTiffBytesize {
			return h, errors.New("invalid BigTIFF bytesize")
		}
		h.isBigTIFF = true
		h.ifdOffset = h.byteOrder.Uint64(buf[8:16])
	default:
		return h, fmt.Errorf("invalid tiff identifier: %d", id)
	}
	if h.ifdOffset == 0 {
		return h, errors.New("file contains no IFDs")
	}
	return h, nil
}

// readTags decodes the first IFD, which holds the full resolution image. Overview
// IFDs that follow it are ignored.
func readTags(r io.ReaderAt, logger *slog.Logger) (Tags, head, error) {
	h, err := readHeader(r)
	if err != nil {
		return nil, h, err
	}

	countLen, entryLen, inlineLen := 2, 12, uint64(4)
	if h.isBigTIFF {
		countLen, entryLen, inlineLen = 8, 20, 8
	}
	countBuf := make([]byte, countLen)
	if err := readFullAt(r, countBuf, int64(h.ifdOffset)); err != nil {
		return nil, h, fmt.Errorf("failed to read IFD entry count: %w", err)
	}
	var numEntries uint64
	if h.isBigTIFF {
		numEntries = h.byteOrder.Uint64(countBuf)
	} else {
		numEntries = uint64(h.byteOrder.Uint16(countBuf))
	}
	if numEntries > 4096 {
		return nil, h, fmt.Errorf("implausible IFD entry count %d", numEntries)
	}
	block := make([]byte, int(numEntries)*entryLen)
	if err := readFullAt(r, block, int64(h.ifdOffset)+int64(countLen)); err != nil {
		return nil, h, fmt.Errorf("failed to read IFD block: %w", err)
	}

	tags := make(Tags, numEntries)
	for k := 0; k < int(numEntries); k++ {
		e := block[k*entryLen : (k+1)*entryLen]
		tag := Tag(h.byteOrder.Uint16(e[0:2]))
		ft := fieldType(h.byteOrder.Uint16(e[2:4]))

		var count uint64
		var field []byte
		if h.isBigTIFF {
			count, field = h.byteOrder.Uint64(e[4:12]), e[12:20]
		} else {
			count, field = uint64(h.byteOrder.Uint32(e[4:8])), e[8:12]
		}
		size := uint64(ft.bytes())
		if size == 0 {
			logger.Warn("skipping tag with unrecognized field type", "tag", tag, "type", uint16(ft))
			continue
		}
		total := size * count
		if total > maxTagBytes {
			return nil, h, fmt.Errorf("tag %s holds %d bytes", tag, total)
		}

		var raw []byte
		if total <= inlineLen {
			raw = field[:total]
		} else {
			var off uint64
			if h.isBigTIFF {
				off = h.byteOrder.Uint64(field)
			} else {
				off = uint64(h.byteOrder.Uint32(field))
			}
			raw = make([]byte, total)
			if err := readFullAt(r, raw, int64(off)); err != nil {
				return nil, h, fmt.Errorf("failed to read value of tag %s: %w", tag, err)
			}
		}

		td, err := decodeTag(ft, count, raw, h.byteOrder)
		if err != nil {
			logger.Debug("skipping tag", "tag", tag, "type", ft, "error", err)
			continue
		}
		tags[tag] = td
	}
	return tags, h, nil
}

func decodeTag(ft fieldType, count uint64, raw []byte, order binary.ByteOrder) (tagData, error) {
	t := tagData{fType: ft, count: count}
	var dst any
	switch ft {
	case BYTE, UNDEFINED:
		t.byteData = append([]byte(nil), raw...)
		return t, nil
	case ASCII:
		t.asciiData = string(bytes.TrimRight(raw, "\x00"))
		return t, nil
	case SHORT:
		t.shortData = make([]uint16, count)
		dst = t.shortData
	case LONG:
		t.longData = make([]uint32, count)
		dst = t.longData
	case FLOAT:
		t.floatData = make([]float32, count)
		dst = t.floatData
	case DOUBLE:
		t.doubleData = make([]float64, count)
		dst = t.doubleData
	case LONG8, IFD8:
		t.uint64Data = make([]uint64, count)
		dst = t.uint64Data
	default:
		return t, fmt.Errorf("unsupported field type %s", ft)
	}
	if err := binary.Read(bytes.NewReader(raw), order, dst); err != nil {
		return t, err
	}
	return t, nil
}

// uint returns the first value of an integer tag.
func (tags Tags) uint(tag Tag) (uint64, bool) {
	t, ok := tags[tag]
	if !ok {
		return 0, false
	}
	switch {
	case t.fType == SHORT && len(t.shortData) > 0:
		return uint64(t.shortData[0]), true
	case t.fType == LONG && len(t.longData) > 0:
		return uint64(t.longData[0]), true
	case (t.fType == LONG8 || t.fType == IFD8) && len(t.uint64Data) > 0:
		return t.uint64Data[0], true
	}
	return 0, false
}

// uints returns all values of an integer tag widened to 64 bits.
func (tags Tags) uints(tag Tag) ([]uint64, bool) {
	t, ok := tags[tag]
	if !ok {
		return nil, false
	}
	switch t.fType {
	case LONG8, IFD8:
		return t.uint64Data, true
	case LONG:
		res := make([]uint64, len(t.longData))
		for i, v := range t.longData {
			res[i] = uint64(v)
		}
		return res, true
	case SHORT:
		res := make([]uint64, len(t.shortData))
		for i, v := range t.shortData {
			res[i] = uint64(v)
		}
		return res, true
	}
	return nil, false
}

// ascii returns the value of an ASCII tag.
func (tags Tags) ascii(tag Tag) (string, bool) {
	t, ok := tags[tag]
	if !ok || t.fType != ASCII {
		return "", false
	}
	return t.asciiData, true
}
