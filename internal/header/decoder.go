package header

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
)

// SignatureOffset and Signature locate the magic marker of a Part 10 file.
const (
	SignatureOffset = 128
	Signature       = "DICM"
)

// HasSignature reports whether b carries the Part 10 marker.
func HasSignature(b []byte) bool {
	if len(b) < SignatureOffset+len(Signature) {
		return false
	}
	return string(b[SignatureOffset:SignatureOffset+len(Signature)]) == Signature
}

// Decoder turns raw record bytes into a tag table.
type Decoder interface {
	Decode(b []byte) (TagTable, error)
}

// DicomDecoder decodes Part 10 files, skipping pixel data.
type DicomDecoder struct{}

// NewDicomDecoder creates a new decoder backed by suyashkumar/dicom
func NewDicomDecoder() *DicomDecoder {
	return &DicomDecoder{}
}

// Decode parses the header of b
func (d *DicomDecoder) Decode(b []byte) (table TagTable, err error) {
	// the parser can panic on truncated input
	defer func() {
		if r := recover(); r != nil {
			table, err = nil, fmt.Errorf("failed to parse dicom: %v", r)
		}
	}()

	ds, err := dicom.Parse(bytes.NewReader(b), int64(len(b)), nil, dicom.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("failed to parse dicom: %w", err)
	}

	table = make(TagTable, len(ds.Elements))
	for _, elem := range ds.Elements {
		if elem == nil || elem.Value == nil {
			continue
		}
		switch elem.Value.ValueType() {
		case dicom.Strings:
			if vals, ok := elem.Value.GetValue().([]string); ok {
				table[elem.Tag] = strings.Join(vals, `\`)
			}
		case dicom.Ints:
			if vals, ok := elem.Value.GetValue().([]int); ok {
				parts := make([]string, len(vals))
				for i, v := range vals {
					parts[i] = strconv.Itoa(v)
				}
				table[elem.Tag] = strings.Join(parts, `\`)
			}
		}
	}
	return table, nil
}
