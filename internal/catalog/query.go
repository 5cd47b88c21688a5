package catalog

import (
	"sort"

	"github.com/otcheredev/ris-dicom-indexer/internal/models"
)

// FindPatient returns a copy of the patient, or false when absent.
func (c *Catalog) FindPatient(patientID string) (*models.Patient, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.patients[patientID]
	if !ok {
		return nil, false
	}
	return clonePatient(p), true
}

// FindStudy returns a copy of the first study with uid, or false.
func (c *Catalog) FindStudy(uid string) (*models.Study, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.studies[uid]
	if !ok {
		return nil, false
	}
	return cloneStudy(s), true
}

// FindSeries searches every study for the series with uid.
func (c *Catalog) FindSeries(uid string) (*models.Series, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.series[uid]
	if !ok {
		return nil, false
	}
	return cloneSeries(s), true
}

// FindSop searches every series for the instance with uid.
func (c *Catalog) FindSop(uid string) (*models.Instance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	inst, ok := c.sops[uid]
	if !ok {
		return nil, false
	}
	cp := *inst
	return &cp, true
}

// HasSameInstanceNumber reports whether the series with uid contains two
// instances sharing an InstanceNumber.
func (c *Catalog) HasSameInstanceNumber(seriesUID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.series[seriesUID]
	if !ok || len(s.Instances) == 0 {
		return false
	}
	return s.Instances[0].HaveSameInstanceNumber
}

// Counts derives study, series and instance counts for a patient.
func (c *Catalog) Counts(patientID string) (models.Counts, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.patients[patientID]
	if !ok {
		return models.Counts{}, false
	}
	return PatientCounts(p), true
}

// PatientCounts computes counts over a patient subtree.
func PatientCounts(p *models.Patient) models.Counts {
	counts := models.Counts{Studies: len(p.Studies)}
	for _, st := range p.Studies {
		sc := StudyCounts(st)
		counts.Series += sc.Series
		counts.Instances += sc.Instances
	}
	return counts
}

// StudyCounts computes series and instance counts for a study.
func StudyCounts(st *models.Study) models.Counts {
	counts := models.Counts{Series: len(st.Series)}
	for _, se := range st.Series {
		counts.Instances += len(se.Instances)
	}
	return counts
}

// PatientIDs returns the patient keys in sorted order.
func (c *Catalog) PatientIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.patients))
	for id := range c.patients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func clonePatient(p *models.Patient) *models.Patient {
	cp := *p
	cp.Studies = make(map[string]*models.Study, len(p.Studies))
	for k, st := range p.Studies {
		if st == nil {
			continue
		}
		cp.Studies[k] = cloneStudy(st)
	}
	return &cp
}

func cloneStudy(s *models.Study) *models.Study {
	cp := *s
	cp.Series = make(map[string]*models.Series, len(s.Series))
	for k, se := range s.Series {
		if se == nil {
			continue
		}
		cp.Series[k] = cloneSeries(se)
	}
	return &cp
}

// cloneSeries copies s, dropping nil instances.
func cloneSeries(s *models.Series) *models.Series {
	cp := *s
	cp.Instances = make([]*models.Instance, 0, len(s.Instances))
	for _, inst := range s.Instances {
		if inst == nil {
			continue
		}
		ic := *inst
		cp.Instances = append(cp.Instances, &ic)
	}
	return &cp
}
