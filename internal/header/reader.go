package header

import (
	"context"
	"fmt"
	"time"

	"github.com/otcheredev/ris-dicom-indexer/internal/models"
)

// Fetcher retrieves the bytes stored at a location.
type Fetcher interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
}

// ReadError reports a record that could not be fetched or decoded.
// Callers skip the location.
type ReadError struct {
	Location string
	Err      error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s: %v", e.Location, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// ErrNoSignature is returned when RequireSignature is set and the marker is missing.
var ErrNoSignature = fmt.Errorf("missing DICM signature")

// Reader extracts MetadataRecords from record locations.
type Reader struct {
	fetcher Fetcher
	decoder Decoder

	// Timeout bounds a single fetch; zero means no per-item timeout.
	Timeout time.Duration
	// RequireSignature rejects files without the DICM marker before decoding.
	RequireSignature bool
}

// NewReader creates a new header reader
func NewReader(fetcher Fetcher, decoder Decoder) *Reader {
	if decoder == nil {
		decoder = NewDicomDecoder()
	}
	return &Reader{
		fetcher: fetcher,
		decoder: decoder,
	}
}

// Read fetches and decodes location. Any failure is returned as *ReadError.
func (r *Reader) Read(ctx context.Context, location string) (*models.MetadataRecord, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	b, err := r.fetcher.Fetch(ctx, location)
	if err != nil {
		return nil, &ReadError{Location: location, Err: err}
	}
	if r.RequireSignature && !HasSignature(b) {
		return nil, &ReadError{Location: location, Err: ErrNoSignature}
	}

	table, err := r.decoder.Decode(b)
	if err != nil {
		return nil, &ReadError{Location: location, Err: err}
	}

	return Extract(location, table), nil
}

// Extract builds a record from a decoded table. Each field falls back to its
// zero value independently.
func Extract(location string, t TagTable) *models.MetadataRecord {
	return &models.MetadataRecord{
		Location:       location,
		PatientID:      String(t, FieldPatientID, ""),
		PatientName:    String(t, FieldPatientName, ""),
		StudyUID:       String(t, FieldStudyUID, ""),
		SeriesUID:      String(t, FieldSeriesUID, ""),
		SOPUID:         String(t, FieldSOPUID, ""),
		InstanceNumber: Int(t, FieldInstanceNumber, 0),
		StudyDate:      String(t, FieldStudyDate, ""),
		StudyDesc:      String(t, FieldStudyDesc, ""),
		SeriesDesc:     String(t, FieldSeriesDesc, ""),
		NumberOfFrames: Int(t, FieldNumberOfFrames, 0),
	}
}
