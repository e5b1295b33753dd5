package event

const (
	SessionOpened       = "session.opened"
	SessionConnected    = "session.connected"
	SessionReconnecting = "session.reconnecting"
	SessionClosed       = "session.closed"
	SessionErrored      = "session.errored"
	TransferStarted     = "transfer.started"
	TransferFinished    = "transfer.finished"
	TransferCancelled   = "transfer.cancelled"
	LatencySampled      = "session.latency"
)

// SessionOpenedEvent fires when a websocket stream passes admission and a
// session ID is allocated.
type SessionOpenedEvent struct {
	SessionID   string `json:"sessionId"`
	PrincipalID string `json:"principalId"`
	Host        string `json:"host"`
}

func (e SessionOpenedEvent) EventName() string { return SessionOpened }

// SessionConnectedEvent fires when the SSH transport reaches Connected,
// including after a successful reconnect.
type SessionConnectedEvent struct {
	SessionID string `json:"sessionId"`
	Attempt   int    `json:"attempt"`
}

func (e SessionConnectedEvent) EventName() string { return SessionConnected }

// SessionReconnectingEvent fires on each reconnect attempt after a transport
// drop.
type SessionReconnectingEvent struct {
	SessionID string `json:"sessionId"`
	Attempt   int    `json:"attempt"`
	MaxRetry  int    `json:"maxRetry"`
}

func (e SessionReconnectingEvent) EventName() string { return SessionReconnecting }

// SessionClosedEvent fires on orderly teardown.
type SessionClosedEvent struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

func (e SessionClosedEvent) EventName() string { return SessionClosed }

// SessionErroredEvent fires when a session ends in the Errored state.
type SessionErroredEvent struct {
	SessionID string `json:"sessionId"`
	ErrorCode string `json:"errorCode"`
}

func (e SessionErroredEvent) EventName() string { return SessionErrored }

// TransferStartedEvent fires when an SFTP operation registers a transfer.
type TransferStartedEvent struct {
	SessionID   string `json:"sessionId"`
	OperationID string `json:"operationId"`
	Kind        string `json:"kind"` // upload | fileDownload | folderDownload
	TotalBytes  int64  `json:"totalBytes"`
}

func (e TransferStartedEvent) EventName() string { return TransferStarted }

// TransferFinishedEvent fires on the terminal frame of a transfer.
type TransferFinishedEvent struct {
	SessionID   string `json:"sessionId"`
	OperationID string `json:"operationId"`
	Kind        string `json:"kind"`
	Bytes       int64  `json:"bytes"`
	DurationMs  int64  `json:"durationMs"`
	ErrorCode   string `json:"errorCode,omitempty"`
}

func (e TransferFinishedEvent) EventName() string { return TransferFinished }

// TransferCancelledEvent fires when a cancel request tears a transfer down.
type TransferCancelledEvent struct {
	SessionID   string `json:"sessionId"`
	OperationID string `json:"operationId"`
}

func (e TransferCancelledEvent) EventName() string { return TransferCancelled }

// LatencySampledEvent carries one heartbeat round-trip measurement.
type LatencySampledEvent struct {
	SessionID string `json:"sessionId"`
	LatencyMs int64  `json:"latencyMs"`
}

func (e LatencySampledEvent) EventName() string { return LatencySampled }
