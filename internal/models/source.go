package models

// SourceType identifies the transport used to reach record files.
type SourceType string

const (
	SourceTypeHTTP       SourceType = "http"
	SourceTypeFilesystem SourceType = "filesystem"
)

// SourceConfig describes where the records of one base scope live.
type SourceConfig struct {
	Type SourceType `json:"type"`
	// Base is the scope prefix: a path prefix such as /dicoms/ for HTTP
	// sources, or the root directory for filesystem sources.
	Base string `json:"base"`
	// Endpoint is the origin for HTTP sources, e.g. http://localhost:8080.
	Endpoint string `json:"endpoint,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"-"`
	APIKey   string `json:"-"`
}

// IndexStatus describes what a client knows about the index of a base.
type IndexStatus string

const (
	IndexStatusNone     IndexStatus = "none"
	IndexStatusFailed   IndexStatus = "failed"
	IndexStatusEmpty    IndexStatus = "empty"
	IndexStatusReady    IndexStatus = "ready"
	IndexStatusPartial  IndexStatus = "partial"
	IndexStatusBuilding IndexStatus = "building"
)

// StatusReport is the user-visible index state for a base.
type StatusReport struct {
	Base      string      `json:"base"`
	Status    IndexStatus `json:"status"`
	Message   string      `json:"message"`
	Patients  int         `json:"patients"`
	CreatedAt int64       `json:"createdAt,omitempty"`
	Version   uint64      `json:"version"`
}
