package protocol

// Stable error codes carried by ERROR frames. The client switches on these;
// never rename an existing code.
const (
	// Auth
	ErrInvalidCredentials = "INVALID_CREDENTIALS"
	ErrMFARequired        = "MFA_REQUIRED"
	ErrMFAInvalid         = "MFA_INVALID"
	ErrAccountDisabled    = "ACCOUNT_DISABLED"
	ErrTokenInvalid       = "TOKEN_INVALID"
	ErrTokenRemoteLogout  = "TOKEN_REMOTE_LOGOUT"

	// Protocol
	ErrBadMagic           = "BAD_MAGIC"
	ErrBadVersion         = "BAD_VERSION"
	ErrBadFrame           = "BAD_FRAME"
	ErrInvalidMessageType = "INVALID_MESSAGE_TYPE"
	ErrInvalidSessionID   = "INVALID_SESSION_ID"
	ErrSessionNotFound    = "SESSION_NOT_FOUND"

	// SSH transport
	ErrConnectTimeout    = "CONNECT_TIMEOUT"
	ErrConnectRefused    = "CONNECT_REFUSED"
	ErrHostUnreachable   = "HOST_UNREACHABLE"
	ErrAuthFailed        = "AUTH_FAILED"
	ErrChannelOpenFailed = "CHANNEL_OPEN_FAILED"
	ErrClientSlow        = "CLIENT_SLOW"

	// SFTP
	ErrFileStat           = "FILE_STAT_ERROR"
	ErrInvalidFileType    = "INVALID_FILE_TYPE"
	ErrInvalidFolderType  = "INVALID_FOLDER_TYPE"
	ErrUpload             = "UPLOAD_ERROR"
	ErrDownload           = "DOWNLOAD_ERROR"
	ErrChecksumMismatch   = "CHECKSUM_MISMATCH"
	ErrFolderTooLarge     = "FOLDER_TOO_LARGE"
	ErrZipProcessing      = "ZIP_PROCESSING_ERROR"
	ErrZipCompression     = "ZIP_COMPRESSION_ERROR"
	ErrDataProcessing     = "DATA_PROCESSING_ERROR"
	ErrOperationCancelled = "OPERATION_CANCELLED"
	ErrCancel             = "CANCEL_ERROR"
	ErrMessageProcessing  = "MESSAGE_PROCESSING_ERROR"

	// Catch-all for supervised handler panics.
	ErrOperationFailed = "OPERATION_FAILED"
)

// ErrorHeader is the JSON header of an ERROR frame.
type ErrorHeader struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
	SessionID    string `json:"sessionId,omitempty"`
	OperationID  string `json:"operationId,omitempty"`
}
