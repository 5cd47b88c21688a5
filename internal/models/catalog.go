package models

// MetadataRecord is the header summary extracted from a single record file.
type MetadataRecord struct {
	Location       string `json:"url"`
	PatientID      string `json:"patientId"`
	PatientName    string `json:"patientName"`
	StudyUID       string `json:"studyUID"`
	SeriesUID      string `json:"seriesUID"`
	SOPUID         string `json:"sopUID"`
	InstanceNumber int    `json:"instNum"`
	StudyDate      string `json:"studyDate"`
	StudyDesc      string `json:"studyDesc"`
	SeriesDesc     string `json:"seriesDesc"`
	NumberOfFrames int    `json:"numberOfFrames"`
}

// Valid reports whether the record carries the three UIDs required for insertion.
func (m *MetadataRecord) Valid() bool {
	return m != nil && m.StudyUID != "" && m.SeriesUID != "" && m.SOPUID != ""
}

// Snapshot is the full serialized catalog.
type Snapshot struct {
	CreatedAt int64               `json:"createdAt"` // epoch milliseconds
	Base      string              `json:"base"`
	Patients  map[string]*Patient `json:"patients"`
}

// Patient groups studies by StudyInstanceUID.
type Patient struct {
	PatientID   string            `json:"patientId"`
	PatientName string            `json:"patientName"`
	Studies     map[string]*Study `json:"studies"`
	// Loaded is false when only the manifest summary is known.
	Loaded bool `json:"_loaded,omitempty"`
}

// Study groups series by SeriesInstanceUID.
type Study struct {
	StudyUID  string             `json:"studyUID"`
	StudyDate string             `json:"studyDate"`
	StudyDesc string             `json:"studyDesc"`
	Series    map[string]*Series `json:"series"`
}

// Series holds instances ordered by InstanceNumber.
type Series struct {
	SeriesUID  string      `json:"seriesUID"`
	SeriesDesc string      `json:"seriesDesc"`
	Instances  []*Instance `json:"instances"`
}

// Instance is a single image object.
type Instance struct {
	URL            string `json:"url"`
	SOPUID         string `json:"sopUID"`
	InstanceNumber int    `json:"instNum"`
	NumberOfFrames int    `json:"numberOfFrames"`

	// HaveSameInstanceNumber is set on every instance of a series in which
	// two or more instances share an InstanceNumber.
	HaveSameInstanceNumber bool `json:"-"`
}

// IsCine reports whether the instance is multi-frame.
func (i *Instance) IsCine() bool {
	return i.NumberOfFrames > 1
}

// SplitFrames separates single-frame instances from multi-frame ones,
// preserving order.
func (s *Series) SplitFrames() (static, cine []*Instance) {
	for _, inst := range s.Instances {
		if inst.IsCine() {
			cine = append(cine, inst)
		} else {
			static = append(static, inst)
		}
	}
	return static, cine
}

// Manifest is the patient-summary-only index used for fast initial load.
type Manifest struct {
	Base      string           `json:"base"`
	CreatedAt int64            `json:"createdAt"`
	Patients  []PatientSummary `json:"patients"`
}

// PatientSummary is one manifest entry.
type PatientSummary struct {
	PatientID   string `json:"patientId"`
	PatientName string `json:"patientName"`
}

// Shard carries the full study detail for a single patient.
type Shard struct {
	Base        string            `json:"base"`
	PatientID   string            `json:"patientId"`
	PatientName string            `json:"patientName"`
	Studies     map[string]*Study `json:"studies"`
}

// Counts summarizes the size of a subtree.
type Counts struct {
	Studies   int `json:"studies"`
	Series    int `json:"series"`
	Instances int `json:"instances"`
}

// Listing is the result of listing a directory location.
type Listing struct {
	Dirs  []string `json:"dirs"`
	Files []string `json:"files"`
}
