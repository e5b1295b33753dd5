package protocol

// HandshakeHeader opens a session. ConnectionID references a pending
// descriptor staged through the HTTP layer; credentials never appear here.
type HandshakeHeader struct {
	SessionID    string `json:"sessionId,omitempty"`
	ConnectionID string `json:"connectionId"`
	Cols         int    `json:"cols,omitempty"`
	Rows         int    `json:"rows,omitempty"`
}

// ConnectedHeader acknowledges a successful handshake.
type ConnectedHeader struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message,omitempty"`
}

// HeartbeatHeader is echoed by the server; RequestID correlates the probe
// with its reply for latency sampling.
type HeartbeatHeader struct {
	SessionID string `json:"sessionId,omitempty"`
	RequestID string `json:"requestId"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// LatencyHeader reports one latency sample split into its components:
// remote is the SSH keepalive round trip to the target host, local the
// websocket heartbeat round trip to the client, total their sum. All values
// are milliseconds.
type LatencyHeader struct {
	SessionID     string `json:"sessionId"`
	RemoteLatency int64  `json:"remoteLatency"`
	LocalLatency  int64  `json:"localLatency"`
	TotalLatency  int64  `json:"totalLatency"`
}

// SessionHeader is the minimal header of shell-family frames.
type SessionHeader struct {
	SessionID string `json:"sessionId"`
}

// ResizeHeader applies new PTY dimensions.
type ResizeHeader struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// SFTPHeader covers every SFTP request; handlers read the fields their
// operation defines and ignore the rest.
type SFTPHeader struct {
	SessionID   string `json:"sessionId"`
	OperationID string `json:"operationId"`

	Path        string `json:"path,omitempty"`
	OldPath     string `json:"oldPath,omitempty"`
	NewPath     string `json:"newPath,omitempty"`
	Permissions string `json:"permissions,omitempty"`
	IsDirectory bool   `json:"isDirectory,omitempty"`

	// Folder download archive format: empty or "tar.gz" prefers the remote
	// tar path, "zip" goes straight to the ZIP walk.
	Format string `json:"format,omitempty"`

	// Upload
	Filename    string `json:"filename,omitempty"`
	RemotePath  string `json:"remotePath,omitempty"`
	FileSize    int64  `json:"fileSize,omitempty"`
	ChunkIndex  int    `json:"chunkIndex,omitempty"`
	TotalChunks int    `json:"totalChunks,omitempty"`
	Checksum    string `json:"checksum,omitempty"`
}

// SuccessHeader is the terminal success frame of an operation. Data carries
// the operation-specific body (listing entries, upload stats).
type SuccessHeader struct {
	SessionID   string      `json:"sessionId"`
	OperationID string      `json:"operationId,omitempty"`
	Message     string      `json:"message,omitempty"`
	Data        interface{} `json:"data,omitempty"`
}

// ProgressHeader reports transfer progress as a 0..100 percentage.
type ProgressHeader struct {
	SessionID        string  `json:"sessionId"`
	OperationID      string  `json:"operationId"`
	Progress         float64 `json:"progress"`
	BytesTransferred int64   `json:"bytesTransferred"`
	TotalBytes       int64   `json:"totalBytes"`
}

// FileDataHeader accompanies the full file bytes of a completed download.
type FileDataHeader struct {
	SessionID        string  `json:"sessionId"`
	OperationID      string  `json:"operationId"`
	Filename         string  `json:"filename"`
	MimeType         string  `json:"mimeType"`
	Size             int64   `json:"size"`
	Checksum         string  `json:"checksum"`
	DownloadDuration float64 `json:"downloadDuration"`
	TransferSpeed    float64 `json:"transferSpeed"`
}

// FolderDataHeader accompanies a completed folder archive.
type FolderDataHeader struct {
	SessionID    string   `json:"sessionId"`
	OperationID  string   `json:"operationId"`
	Filename     string   `json:"filename"`
	MimeType     string   `json:"mimeType"`
	Size         int64    `json:"size"`
	Checksum     string   `json:"checksum"`
	FileCount    int      `json:"fileCount"`
	SkippedFiles []string    `json:"skippedFiles"`
	ErrorFiles   []string    `json:"errorFiles"`
	Summary      interface{} `json:"summary,omitempty"`
}

// FolderSummary is the Summary body of a ZIP-fallback folder download.
type FolderSummary struct {
	TotalFiles    int `json:"totalFiles"`
	IncludedFiles int `json:"includedFiles"`
	SkippedCount  int `json:"skippedCount"`
	ErrorCount    int `json:"errorCount"`
}

// ListEntry is one row of a directory listing.
type ListEntry struct {
	Name  string `json:"name"`
	Type  string `json:"type"` // file | dir | symlink | other
	Size  int64  `json:"size"`
	Mtime int64  `json:"mtime"`
	Mode  uint32 `json:"mode"`
}

// UploadResult is the Data body of a completed upload.
type UploadResult struct {
	Filename       string  `json:"filename"`
	RemotePath     string  `json:"remotePath"`
	TotalSize      int64   `json:"totalSize"`
	Checksum       string  `json:"checksum"`
	UploadDuration float64 `json:"uploadDuration"`
	TransferSpeed  float64 `json:"transferSpeed"`
}
