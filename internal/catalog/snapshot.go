package catalog

import (
	"sort"
	"time"

	"github.com/otcheredev/ris-dicom-indexer/internal/models"
)

// Snapshot returns a deep copy of the tree in its serializable form.
func (c *Catalog) Snapshot() *models.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := &models.Snapshot{
		CreatedAt: c.createdAt.UnixMilli(),
		Base:      c.base,
		Patients:  make(map[string]*models.Patient, len(c.patients)),
	}
	for id, p := range c.patients {
		snap.Patients[id] = clonePatient(p)
	}
	return snap
}

// FromSnapshot restores a catalog from a snapshot. Patients with study
// detail are considered loaded; instances are re-sorted and flagged.
func FromSnapshot(snap *models.Snapshot) *Catalog {
	c := New(snap.Base)
	if snap.CreatedAt > 0 {
		c.createdAt = time.UnixMilli(snap.CreatedAt)
	}
	for id, p := range snap.Patients {
		if p == nil {
			continue
		}
		cp := clonePatient(p)
		if cp.PatientID == "" {
			cp.PatientID = id
		}
		if cp.Studies == nil {
			cp.Studies = make(map[string]*models.Study)
		}
		cp.Loaded = p.Loaded || len(cp.Studies) > 0
		c.patients[id] = cp
	}
	c.reindexLocked()
	return c
}

// Manifest returns the patient summaries, sorted by patient ID.
func (c *Catalog) Manifest() *models.Manifest {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m := &models.Manifest{
		Base:      c.base,
		CreatedAt: c.createdAt.UnixMilli(),
		Patients:  make([]models.PatientSummary, 0, len(c.patients)),
	}
	for _, id := range sortedKeys(c.patients) {
		p := c.patients[id]
		m.Patients = append(m.Patients, models.PatientSummary{
			PatientID:   p.PatientID,
			PatientName: p.PatientName,
		})
	}
	return m
}

// Shard returns the full detail of one patient.
func (c *Catalog) Shard(patientID string) (*models.Shard, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.patients[patientID]
	if !ok {
		return nil, false
	}
	cp := clonePatient(p)
	return &models.Shard{
		Base:        c.base,
		PatientID:   cp.PatientID,
		PatientName: cp.PatientName,
		Studies:     cp.Studies,
	}, true
}

// FromManifest creates a partial catalog: every patient is known by summary
// only and is not loaded.
func FromManifest(m *models.Manifest, fallbackBase string) *Catalog {
	base := m.Base
	if base == "" {
		base = fallbackBase
	}
	c := New(base)
	if m.CreatedAt > 0 {
		c.createdAt = time.UnixMilli(m.CreatedAt)
	}
	for _, s := range m.Patients {
		c.patients[s.PatientID] = &models.Patient{
			PatientID:   s.PatientID,
			PatientName: s.PatientName,
			Studies:     make(map[string]*models.Study),
		}
	}
	return c
}

// PatientLoaded reports whether full study detail is present for a patient.
func (c *Catalog) PatientLoaded(patientID string) (loaded, found bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.patients[patientID]
	if !ok {
		return false, false
	}
	return p.Loaded, true
}

// ReplacePatientStudies swaps in full study detail for a patient and marks
// it loaded. Sibling patients are untouched. Returns false if the patient
// is unknown.
func (c *Catalog) ReplacePatientStudies(patientID string, studies map[string]*models.Study) bool {
	c.mu.Lock()
	p, ok := c.patients[patientID]
	if !ok {
		c.mu.Unlock()
		return false
	}

	replaced := make(map[string]*models.Study, len(studies))
	for k, st := range studies {
		if st == nil {
			continue
		}
		replaced[k] = cloneStudy(st)
	}
	p.Studies = replaced
	p.Loaded = true
	c.reindexLocked()
	c.version++
	v := c.version
	c.mu.Unlock()

	c.notify(v)
	return true
}

// reindexLocked rebuilds the global study, series and SOP indexes from the
// patient tree, sharing series nodes that repeat a UID.
func (c *Catalog) reindexLocked() {
	c.studies = make(map[string]*models.Study)
	c.series = make(map[string]*models.Series)
	c.sops = make(map[string]*models.Instance)

	for _, pid := range sortedKeys(c.patients) {
		p := c.patients[pid]
		for _, stUID := range sortedKeys(p.Studies) {
			st := p.Studies[stUID]
			if st == nil {
				delete(p.Studies, stUID)
				continue
			}
			if st.Series == nil {
				st.Series = make(map[string]*models.Series)
			}
			if _, ok := c.studies[stUID]; !ok {
				c.studies[stUID] = st
			}
			for _, seUID := range sortedKeys(st.Series) {
				se := st.Series[seUID]
				if se == nil {
					delete(st.Series, seUID)
					continue
				}
				if existing, ok := c.series[seUID]; ok && existing != se {
					mergeSeries(existing, se)
					st.Series[seUID] = existing
					continue
				}
				c.series[seUID] = se
				sortInstances(se)
				flagSameInstanceNumber(se)
			}
		}
	}

	for _, se := range c.series {
		for _, inst := range se.Instances {
			if inst == nil {
				continue
			}
			if _, ok := c.sops[inst.SOPUID]; !ok {
				c.sops[inst.SOPUID] = inst
			}
		}
	}
}

func mergeSeries(dst, src *models.Series) {
	present := make(map[string]struct{}, len(dst.Instances))
	for _, inst := range dst.Instances {
		present[inst.SOPUID] = struct{}{}
	}
	for _, inst := range src.Instances {
		if inst == nil {
			continue
		}
		if _, ok := present[inst.SOPUID]; ok {
			continue
		}
		present[inst.SOPUID] = struct{}{}
		dst.Instances = append(dst.Instances, inst)
	}
	sortInstances(dst)
	flagSameInstanceNumber(dst)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
