package header

import (
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// TagTable is a decoded header: tag -> textual value.
type TagTable map[tag.Tag]string

// Field names the semantic fields extracted from a tag table.
type Field string

const (
	FieldPatientID      Field = "patientId"
	FieldPatientName    Field = "patientName"
	FieldStudyUID       Field = "studyUID"
	FieldSeriesUID      Field = "seriesUID"
	FieldSOPUID         Field = "sopUID"
	FieldInstanceNumber Field = "instNum"
	FieldStudyDate      Field = "studyDate"
	FieldStudyDesc      Field = "studyDesc"
	FieldSeriesDesc     Field = "seriesDesc"
	FieldNumberOfFrames Field = "numberOfFrames"
)

// FieldTags maps every extracted field to its tag.
var FieldTags = map[Field]tag.Tag{
	FieldPatientID:      tag.PatientID,
	FieldPatientName:    tag.PatientName,
	FieldStudyUID:       tag.StudyInstanceUID,
	FieldSeriesUID:      tag.SeriesInstanceUID,
	FieldSOPUID:         tag.SOPInstanceUID,
	FieldInstanceNumber: tag.InstanceNumber,
	FieldStudyDate:      tag.StudyDate,
	FieldStudyDesc:      tag.StudyDescription,
	FieldSeriesDesc:     tag.SeriesDescription,
	FieldNumberOfFrames: tag.NumberOfFrames,
}

// String returns the trimmed value of f, or def when absent or blank.
// It never panics, even on a nil table.
func String(t TagTable, f Field, def string) string {
	tg, ok := FieldTags[f]
	if !ok || t == nil {
		return def
	}
	v, ok := t[tg]
	if !ok {
		return def
	}
	v = strings.TrimRight(strings.TrimSpace(v), "\x00")
	if v == "" {
		return def
	}
	return v
}

// Int returns the integer value of f, or def when absent or unparseable.
// Multi-valued entries use the first value; decimal strings are truncated.
func Int(t TagTable, f Field, def int) int {
	v := String(t, f, "")
	if v == "" {
		return def
	}
	if i := strings.IndexByte(v, '\\'); i >= 0 {
		v = strings.TrimSpace(v[:i])
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	if fl, err := strconv.ParseFloat(v, 64); err == nil {
		return int(fl)
	}
	return def
}
