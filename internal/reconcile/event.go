package reconcile

import (
	"github.com/filegrove/filegrove/internal/catalog"
)

// RequestType is the mutation a change event requests.
type RequestType string

const (
	RequestInsert RequestType = "INSERT"
	RequestUpdate RequestType = "UPDATE"
	RequestDelete RequestType = "DELETE"
)

// TargetImages is the downstream processing target for image jobs.
const TargetImages = "IMAGES"

// WalkerJob identifies the walker instance that produced an event.
type WalkerJob struct {
	WalkerInstanceToken string `json:"walkerInstanceToken"`
}

// ChangeEvent is one ingress change report from a walker. Each ref
// carries either an identifier (existing record) or attribute data for
// a record to be created.
type ChangeEvent struct {
	FileStore   *catalog.FileStore `json:"fileStore"`
	FilePath    *catalog.FilePath  `json:"filePath"`
	FileItem    *catalog.FileItem  `json:"fileItem"`
	RequestType RequestType        `json:"fileStoreRequestType"`
	WalkerJob   WalkerJob          `json:"walkerJob"`
}

// ProcessingConfig selects the downstream processing target.
type ProcessingConfig struct {
	Target string `json:"target"`
}

// ProcessingJob is the egress message emitted for each successfully
// reconciled insert or update.
type ProcessingJob struct {
	RequestType RequestType       `json:"fileStoreRequestType"`
	Config      ProcessingConfig  `json:"config"`
	FileItem    *catalog.FileItem `json:"fileItem"`
}
