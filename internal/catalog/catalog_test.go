package catalog

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcheredev/ris-dicom-indexer/internal/models"
)

func record(patientID, studyUID, seriesUID, sopUID string, n int) *models.MetadataRecord {
	return &models.MetadataRecord{
		Location:       "/dicoms/" + sopUID + ".dcm",
		PatientID:      patientID,
		PatientName:    "Name^" + patientID,
		StudyUID:       studyUID,
		SeriesUID:      seriesUID,
		SOPUID:         sopUID,
		InstanceNumber: n,
		NumberOfFrames: 1,
	}
}

func instanceNumbers(s *models.Series) []int {
	out := make([]int, 0, len(s.Instances))
	for _, inst := range s.Instances {
		out = append(out, inst.InstanceNumber)
	}
	return out
}

func TestInsertSortsByInstanceNumber(t *testing.T) {
	c := New("/dicoms/")
	require.True(t, c.Insert(record("P1", "st1", "se1", "sop3", 3)))
	require.True(t, c.Insert(record("P1", "st1", "se1", "sop1", 1)))
	require.True(t, c.Insert(record("P1", "st1", "se1", "sop2", 2)))

	se, ok := c.FindSeries("se1")
	require.True(t, ok)
	assert.Equal(t, []int{1, 2, 3}, instanceNumbers(se))
	assert.False(t, c.HasSameInstanceNumber("se1"))

	counts, ok := c.Counts("P1")
	require.True(t, ok)
	assert.Equal(t, models.Counts{Studies: 1, Series: 1, Instances: 3}, counts)
}

func TestInsertDeduplicatesSOP(t *testing.T) {
	c := New("/dicoms/")
	require.True(t, c.Insert(record("P1", "st1", "se1", "sop1", 1)))
	v := c.Version()

	assert.False(t, c.Insert(record("P1", "st1", "se1", "sop1", 1)))
	assert.Equal(t, v, c.Version())
	assert.Equal(t, 1, c.InstanceCount())
}

func TestInsertRejectsMissingUIDs(t *testing.T) {
	c := New("/dicoms/")
	assert.False(t, c.Insert(record("P1", "", "se1", "sop1", 1)))
	assert.False(t, c.Insert(record("P1", "st1", "", "sop1", 1)))
	assert.False(t, c.Insert(record("P1", "st1", "se1", "", 1)))
	assert.False(t, c.Insert(nil))
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, uint64(0), c.Version())
}

func TestSameInstanceNumberFlag(t *testing.T) {
	c := New("/dicoms/")
	c.Insert(record("P1", "st1", "se1", "a", 1))
	c.Insert(record("P1", "st1", "se1", "b", 1))
	c.Insert(record("P1", "st1", "se1", "c", 5))

	se, ok := c.FindSeries("se1")
	require.True(t, ok)
	assert.Equal(t, []int{1, 1, 5}, instanceNumbers(se))
	for _, inst := range se.Instances {
		assert.True(t, inst.HaveSameInstanceNumber, inst.SOPUID)
	}
	assert.True(t, c.HasSameInstanceNumber("se1"))
	// Ties keep insertion order.
	assert.Equal(t, "a", se.Instances[0].SOPUID)
	assert.Equal(t, "b", se.Instances[1].SOPUID)
}

func TestFindOnEmptyCatalog(t *testing.T) {
	c := New("/dicoms/")

	_, ok := c.FindPatient("P1")
	assert.False(t, ok)
	_, ok = c.FindStudy("st1")
	assert.False(t, ok)
	_, ok = c.FindSeries("se1")
	assert.False(t, ok)
	_, ok = c.FindSop("sop1")
	assert.False(t, ok)
	_, ok = c.Counts("P1")
	assert.False(t, ok)
	assert.False(t, c.HasSameInstanceNumber("se1"))
	assert.Empty(t, c.PatientIDs())
}

func TestFindReturnsCopies(t *testing.T) {
	c := New("/dicoms/")
	c.Insert(record("P1", "st1", "se1", "sop1", 1))

	p, ok := c.FindPatient("P1")
	require.True(t, ok)
	delete(p.Studies, "st1")

	st, ok := c.FindStudy("st1")
	require.True(t, ok)
	assert.Len(t, st.Series, 1)

	inst, ok := c.FindSop("sop1")
	require.True(t, ok)
	assert.Equal(t, "/dicoms/sop1.dcm", inst.URL)
}

func TestSeriesSharedAcrossStudies(t *testing.T) {
	c := New("/dicoms/")
	c.Insert(record("P1", "st1", "seriesA", "s1", 1))
	c.Insert(record("P1", "st1", "seriesA", "s2", 2))
	c.Insert(record("P2", "st2", "seriesA", "s3", 2))

	se, ok := c.FindSeries("seriesA")
	require.True(t, ok)
	assert.Len(t, se.Instances, 3)
	assert.True(t, c.HasSameInstanceNumber("seriesA"))

	p2, ok := c.FindPatient("P2")
	require.True(t, ok)
	assert.Len(t, p2.Studies["st2"].Series["seriesA"].Instances, 3)
}

func TestSnapshotRoundTrip(t *testing.T) {
	c := New("/dicoms/")
	c.Insert(record("P1", "st1", "se1", "sop2", 2))
	c.Insert(record("P1", "st1", "se1", "sop1", 1))
	c.Insert(record("P2", "st2", "se2", "sop3", 7))
	c.Insert(record("P2", "st2", "se2", "sop4", 7))

	data, err := json.Marshal(c.Snapshot())
	require.NoError(t, err)

	var snap models.Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, "/dicoms/", snap.Base)
	assert.Equal(t, c.CreatedAt().UnixMilli(), snap.CreatedAt)

	restored := FromSnapshot(&snap)
	assert.Equal(t, []string{"P1", "P2"}, restored.PatientIDs())
	assert.Equal(t, 4, restored.InstanceCount())

	se, ok := restored.FindSeries("se1")
	require.True(t, ok)
	assert.Equal(t, []int{1, 2}, instanceNumbers(se))
	assert.True(t, restored.HasSameInstanceNumber("se2"))

	loaded, found := restored.PatientLoaded("P1")
	assert.True(t, found)
	assert.True(t, loaded)
}

func TestFromSnapshotSortsUnorderedInstances(t *testing.T) {
	snap := &models.Snapshot{
		Base: "/dicoms/",
		Patients: map[string]*models.Patient{
			"P1": {
				PatientID: "P1",
				Studies: map[string]*models.Study{
					"st1": {StudyUID: "st1", Series: map[string]*models.Series{
						"se1": {SeriesUID: "se1", Instances: []*models.Instance{
							{SOPUID: "b", InstanceNumber: 9},
							{SOPUID: "a", InstanceNumber: 4},
						}},
					}},
				},
			},
		},
	}

	c := FromSnapshot(snap)
	se, ok := c.FindSeries("se1")
	require.True(t, ok)
	assert.Equal(t, []int{4, 9}, instanceNumbers(se))

	_, ok = c.FindSop("b")
	assert.True(t, ok)
}

func TestFromSnapshotSkipsNullEntries(t *testing.T) {
	doc := `{"base":"/dicoms/","patients":{
		"P0":null,
		"P1":{"patientId":"P1","studies":{"S0":null}},
		"P2":{"patientId":"P2","studies":{"S2":{"studyUID":"S2","series":{
			"R0":null,
			"R2":{"seriesUID":"R2","instances":[null,{"sopUID":"I2","instNum":3},null]}
		}}}}
	}}`
	var snap models.Snapshot
	require.NoError(t, json.Unmarshal([]byte(doc), &snap))

	c := FromSnapshot(&snap)
	assert.Equal(t, 2, c.Len())

	p1, ok := c.FindPatient("P1")
	require.True(t, ok)
	assert.Empty(t, p1.Studies)

	_, ok = c.FindSeries("R0")
	assert.False(t, ok)
	se, ok := c.FindSeries("R2")
	require.True(t, ok)
	assert.Equal(t, []int{3}, instanceNumbers(se))
	assert.False(t, c.HasSameInstanceNumber("R2"))

	counts, ok := c.Counts("P2")
	require.True(t, ok)
	assert.Equal(t, models.Counts{Studies: 1, Series: 1, Instances: 1}, counts)

	restored := FromSnapshot(c.Snapshot())
	_, ok = restored.FindSop("I2")
	assert.True(t, ok)
}

func TestReplacePatientStudiesSkipsNullEntries(t *testing.T) {
	c := FromManifest(&models.Manifest{Patients: []models.PatientSummary{{PatientID: "P1"}}}, "/dicoms/")

	var shard models.Shard
	require.NoError(t, json.Unmarshal([]byte(`{"patientId":"P1","studies":{
		"S0":null,
		"S1":{"studyUID":"S1","series":{"R0":null,"R1":{"seriesUID":"R1","instances":[null,{"sopUID":"I1","instNum":1}]}}}
	}}`), &shard))

	require.True(t, c.ReplacePatientStudies("P1", shard.Studies))
	p, ok := c.FindPatient("P1")
	require.True(t, ok)
	assert.True(t, p.Loaded)
	assert.Len(t, p.Studies, 1)
	_, ok = c.FindSop("I1")
	assert.True(t, ok)
}

func TestSortHandlesExtremeInstanceNumbers(t *testing.T) {
	c := New("/dicoms/")
	c.Insert(record("P1", "st1", "se1", "max", math.MaxInt))
	c.Insert(record("P1", "st1", "se1", "min", math.MinInt))
	c.Insert(record("P1", "st1", "se1", "zero", 0))

	se, ok := c.FindSeries("se1")
	require.True(t, ok)
	assert.Equal(t, []int{math.MinInt, 0, math.MaxInt}, instanceNumbers(se))
}

func TestManifestAndShard(t *testing.T) {
	c := New("/dicoms/")
	c.Insert(record("P2", "st2", "se2", "sop2", 1))
	c.Insert(record("P1", "st1", "se1", "sop1", 1))

	m := c.Manifest()
	require.Len(t, m.Patients, 2)
	assert.Equal(t, "P1", m.Patients[0].PatientID)
	assert.Equal(t, "Name^P1", m.Patients[0].PatientName)

	shard, ok := c.Shard("P2")
	require.True(t, ok)
	assert.Equal(t, "P2", shard.PatientID)
	assert.Contains(t, shard.Studies, "st2")

	_, ok = c.Shard("P9")
	assert.False(t, ok)
}

func TestFromManifestThenReplaceStudies(t *testing.T) {
	m := &models.Manifest{
		Patients: []models.PatientSummary{
			{PatientID: "P1", PatientName: "One"},
			{PatientID: "P2", PatientName: "Two"},
		},
	}
	c := FromManifest(m, "/dicoms/")
	assert.Equal(t, "/dicoms/", c.Base())
	assert.Equal(t, 2, c.Len())

	loaded, found := c.PatientLoaded("P1")
	assert.True(t, found)
	assert.False(t, loaded)

	full := New("/dicoms/")
	full.Insert(record("P1", "st1", "se1", "sop1", 1))
	shard, ok := full.Shard("P1")
	require.True(t, ok)

	assert.True(t, c.ReplacePatientStudies("P1", shard.Studies))
	assert.False(t, c.ReplacePatientStudies("P9", shard.Studies))

	loaded, _ = c.PatientLoaded("P1")
	assert.True(t, loaded)
	loaded, _ = c.PatientLoaded("P2")
	assert.False(t, loaded)

	_, ok = c.FindSop("sop1")
	assert.True(t, ok)

	p2, ok := c.FindPatient("P2")
	require.True(t, ok)
	assert.Equal(t, "Two", p2.PatientName)
}

func TestWatchReceivesLatestVersion(t *testing.T) {
	c := New("/dicoms/")
	ch, cancel := c.Watch()

	c.Insert(record("P1", "st1", "se1", "sop1", 1))
	c.Insert(record("P1", "st1", "se1", "sop2", 2))

	v := <-ch
	assert.Equal(t, uint64(2), v)
	assert.Equal(t, c.Version(), v)

	cancel()
	_, open := <-ch
	assert.False(t, open)

	// Cancelling twice is harmless.
	cancel()
	c.Insert(record("P1", "st1", "se1", "sop3", 3))
}

func TestSplitFrames(t *testing.T) {
	c := New("/dicoms/")
	c.Insert(record("P1", "st1", "se1", "a", 1))
	cine := record("P1", "st1", "se1", "b", 2)
	cine.NumberOfFrames = 30
	c.Insert(cine)

	se, ok := c.FindSeries("se1")
	require.True(t, ok)
	static, multi := se.SplitFrames()
	require.Len(t, static, 1)
	require.Len(t, multi, 1)
	assert.Equal(t, "b", multi[0].SOPUID)
}
