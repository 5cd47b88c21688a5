// Package headertest provides a fixture record encoding and a matching
// decoder for tests that exercise the indexing pipeline without real
// Part 10 files.
package headertest

import (
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/otcheredev/ris-dicom-indexer/internal/header"
)

// explicitVRLittleEndian is the transfer syntax Part10 writes.
const explicitVRLittleEndian = "1.2.840.10008.1.2.1"

// Record builds fixture field values.
type Record map[header.Field]string

// Encode returns a preamble, the DICM marker and r as JSON.
func Encode(r Record) []byte {
	body, err := json.Marshal(r)
	if err != nil {
		panic(err)
	}
	out := make([]byte, header.SignatureOffset, header.SignatureOffset+len(header.Signature)+len(body))
	out = append(out, header.Signature...)
	return append(out, body...)
}

// Decoder decodes bytes produced by Encode.
type Decoder struct{}

// Decode implements header.Decoder.
func (Decoder) Decode(b []byte) (header.TagTable, error) {
	if !header.HasSignature(b) {
		return nil, fmt.Errorf("not a fixture record")
	}
	var r Record
	if err := json.Unmarshal(b[header.SignatureOffset+len(header.Signature):], &r); err != nil {
		return nil, fmt.Errorf("failed to decode fixture: %w", err)
	}
	table := make(header.TagTable, len(r))
	for f, v := range r {
		if tg, ok := header.FieldTags[f]; ok {
			table[tg] = v
		}
	}
	return table, nil
}

// Instance is a shorthand for a complete fixture record.
func Instance(patientID, studyUID, seriesUID, sopUID string, instanceNumber int) Record {
	return Record{
		header.FieldPatientID:      patientID,
		header.FieldPatientName:    "Name^" + patientID,
		header.FieldStudyUID:       studyUID,
		header.FieldSeriesUID:      seriesUID,
		header.FieldSOPUID:         sopUID,
		header.FieldInstanceNumber: fmt.Sprintf("%d", instanceNumber),
	}
}

// Part10 encodes r as a real Part 10 file readable by header.DicomDecoder.
func Part10(r Record) ([]byte, error) {
	var elems []*dicom.Element
	add := func(t tag.Tag, v string) error {
		e, err := dicom.NewElement(t, []string{v})
		if err != nil {
			return fmt.Errorf("failed to build element %v: %w", t, err)
		}
		elems = append(elems, e)
		return nil
	}

	sop := cmp.Or(r[header.FieldSOPUID], "1.2.3.4")
	meta := []struct {
		tag   tag.Tag
		value string
	}{
		{tag.MediaStorageSOPClassUID, "1.2.840.10008.5.1.4.1.1.7"},
		{tag.MediaStorageSOPInstanceUID, sop},
		{tag.TransferSyntaxUID, explicitVRLittleEndian},
	}
	for _, m := range meta {
		if err := add(m.tag, m.value); err != nil {
			return nil, err
		}
	}
	for f, v := range r {
		tg, ok := header.FieldTags[f]
		if !ok {
			continue
		}
		if err := add(tg, v); err != nil {
			return nil, err
		}
	}
	slices.SortFunc(elems, func(a, b *dicom.Element) int {
		return cmp.Or(cmp.Compare(a.Tag.Group, b.Tag.Group), cmp.Compare(a.Tag.Element, b.Tag.Element))
	})

	var buf bytes.Buffer
	if err := dicom.Write(&buf, dicom.Dataset{Elements: elems}); err != nil {
		return nil, fmt.Errorf("failed to write dataset: %w", err)
	}
	return buf.Bytes(), nil
}
