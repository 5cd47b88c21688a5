// Package catalog holds the Patient → Study → Series → Instance hierarchy.
//
// Series are indexed globally by SeriesInstanceUID in addition to their
// nesting under a study: two studies that carry the same series UID share a
// single series node, and FindSeries/FindSop search that global index.
package catalog

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/otcheredev/ris-dicom-indexer/internal/models"
)

// Catalog is safe for concurrent use. Readers receive copies; the tree is
// only mutated through Insert, AddPatientSummary and ReplacePatientStudies.
type Catalog struct {
	mu        sync.RWMutex
	base      string
	createdAt time.Time
	patients  map[string]*models.Patient
	studies   map[string]*models.Study
	series    map[string]*models.Series
	sops      map[string]*models.Instance
	version   uint64

	subMu       sync.Mutex
	subscribers map[int]chan uint64
	nextSub     int
}

// New creates an empty catalog for base
func New(base string) *Catalog {
	return &Catalog{
		base:        base,
		createdAt:   time.Now(),
		patients:    make(map[string]*models.Patient),
		studies:     make(map[string]*models.Study),
		series:      make(map[string]*models.Series),
		sops:        make(map[string]*models.Instance),
		subscribers: make(map[int]chan uint64),
	}
}

// Base returns the scope identifier
func (c *Catalog) Base() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.base
}

// CreatedAt returns the catalog creation time
func (c *Catalog) CreatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.createdAt
}

// Version increases by one on every structural change.
func (c *Catalog) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Insert adds a record to the tree, creating missing nodes. It returns false
// when the record lacks a required UID or its SOP is already present in the
// series; neither case is an error.
func (c *Catalog) Insert(rec *models.MetadataRecord) bool {
	if !rec.Valid() {
		return false
	}

	c.mu.Lock()
	changed := c.insertLocked(rec)
	var v uint64
	if changed {
		c.version++
		v = c.version
	}
	c.mu.Unlock()

	if changed {
		c.notify(v)
	}
	return changed
}

func (c *Catalog) insertLocked(rec *models.MetadataRecord) bool {
	patient, ok := c.patients[rec.PatientID]
	if !ok {
		patient = &models.Patient{
			PatientID:   rec.PatientID,
			PatientName: rec.PatientName,
			Studies:     make(map[string]*models.Study),
			Loaded:      true,
		}
		c.patients[rec.PatientID] = patient
	}

	study, ok := patient.Studies[rec.StudyUID]
	if !ok {
		study = &models.Study{
			StudyUID:  rec.StudyUID,
			StudyDate: rec.StudyDate,
			StudyDesc: rec.StudyDesc,
			Series:    make(map[string]*models.Series),
		}
		patient.Studies[rec.StudyUID] = study
		if _, exists := c.studies[rec.StudyUID]; !exists {
			c.studies[rec.StudyUID] = study
		}
	}

	series, ok := study.Series[rec.SeriesUID]
	if !ok {
		// Same UID under another study: share the node.
		series, ok = c.series[rec.SeriesUID]
		if !ok {
			series = &models.Series{
				SeriesUID:  rec.SeriesUID,
				SeriesDesc: rec.SeriesDesc,
			}
			c.series[rec.SeriesUID] = series
		}
		study.Series[rec.SeriesUID] = series
	}

	for _, inst := range series.Instances {
		if inst.SOPUID == rec.SOPUID {
			return false
		}
	}

	inst := &models.Instance{
		URL:            rec.Location,
		SOPUID:         rec.SOPUID,
		InstanceNumber: rec.InstanceNumber,
		NumberOfFrames: rec.NumberOfFrames,
	}
	series.Instances = append(series.Instances, inst)
	if _, exists := c.sops[rec.SOPUID]; !exists {
		c.sops[rec.SOPUID] = inst
	}

	sortInstances(series)
	flagSameInstanceNumber(series)
	return true
}

// sortInstances orders by InstanceNumber; ties keep insertion order.
func sortInstances(s *models.Series) {
	slices.SortStableFunc(s.Instances, func(a, b *models.Instance) int {
		return cmp.Compare(a.InstanceNumber, b.InstanceNumber)
	})
}

// flagSameInstanceNumber marks every instance of s when any two share an
// InstanceNumber.
func flagSameInstanceNumber(s *models.Series) bool {
	dup := false
	for i := 1; i < len(s.Instances); i++ {
		if s.Instances[i].InstanceNumber == s.Instances[i-1].InstanceNumber {
			dup = true
			break
		}
	}
	for _, inst := range s.Instances {
		inst.HaveSameInstanceNumber = dup
	}
	return dup
}

// Len returns the number of patients.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.patients)
}

// InstanceCount returns the number of distinct SOP instances.
func (c *Catalog) InstanceCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sops)
}
