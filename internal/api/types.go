package api

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// QueueEntry describes a queue entry in a transport-friendly format.
type QueueEntry struct {
	ID          int64  `json:"id"`
	DatasetID   string `json:"datasetId"`
	Status      string `json:"status"`
	Position    int64  `json:"position"`
	Rank        int    `json:"rank,omitempty"`
	Attempts    int    `json:"attempts"`
	LastError   string `json:"lastError,omitempty"`
	ClaimedBy   string `json:"claimedBy,omitempty"`
	ClaimedAt   string `json:"claimedAt,omitempty"`
	AvailableAt string `json:"availableAt,omitempty"`
	CreatedAt   string `json:"createdAt,omitempty"`
	UpdatedAt   string `json:"updatedAt,omitempty"`
}

// Dataset describes an uploaded raster.
type Dataset struct {
	ID         string `json:"id"`
	OwnerID    string `json:"ownerId"`
	Filename   string `json:"filename"`
	RawPath    string `json:"rawPath"`
	Kind       string `json:"kind"`
	UploadedAt string `json:"uploadedAt,omitempty"`
}

// Artifact describes one archived derived file.
type Artifact struct {
	ID          int64          `json:"id"`
	EntryID     int64          `json:"entryId"`
	Kind        string         `json:"kind"`
	StoragePath string         `json:"storagePath"`
	SizeBytes   int64          `json:"sizeBytes"`
	Width       int            `json:"width,omitempty"`
	Height      int            `json:"height,omitempty"`
	Checksum    string         `json:"checksum,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	CreatedAt   string         `json:"createdAt,omitempty"`
}

// LogEntry is one persisted stage transition or failure.
type LogEntry struct {
	Stage     string `json:"stage,omitempty"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`
	CreatedAt string `json:"createdAt"`
}

// EntryDetail bundles an entry with everything recorded about it.
type EntryDetail struct {
	Entry     QueueEntry `json:"entry"`
	Dataset   *Dataset   `json:"dataset,omitempty"`
	Artifacts []Artifact `json:"artifacts"`
	Logs      []LogEntry `json:"logs"`
}

// WorkflowStatus summarizes workflow execution state.
type WorkflowStatus struct {
	Running     bool           `json:"running"`
	WorkerID    string         `json:"workerId"`
	Halted      string         `json:"halted,omitempty"`
	QueueStats  map[string]int `json:"queueStats"`
	InFlight    []int64        `json:"inFlight"`
	LastError   string         `json:"lastError,omitempty"`
	LastEntry   *QueueEntry    `json:"lastEntry,omitempty"`
	StageHealth []StageHealth  `json:"stageHealth"`
}

// StageHealth mirrors readiness reporting for workflow stages.
type StageHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// DependencyStatus captures availability of an external dependency.
type DependencyStatus struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description"`
	Optional    bool   `json:"optional"`
	Available   bool   `json:"available"`
	Detail      string `json:"detail,omitempty"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running      bool               `json:"running"`
	PID          int                `json:"pid"`
	StoreDSN     string             `json:"store"`
	LockFilePath string             `json:"lockFilePath"`
	Workflow     WorkflowStatus     `json:"workflow"`
	Dependencies []DependencyStatus `json:"dependencies"`
}

// QueueListResponse wraps a collection of queue entries.
type QueueListResponse struct {
	Entries []QueueEntry `json:"entries"`
}

// QueueStatsResponse provides a normalized queue stats payload.
type QueueStatsResponse struct {
	Counts map[string]int `json:"counts"`
}
