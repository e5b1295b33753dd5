// Package protocol implements the binary envelope exchanged between the
// browser client and the gateway. One envelope per websocket binary frame:
//
//	+-------------------+---------+---------+----------------+---------------+---------+
//	| magic (4B) "ESSH" | ver(1B) | type(1B)| hdrLen(4B, BE) | header (JSON) | payload |
//	+-------------------+---------+---------+----------------+---------------+---------+
//
// The codec never splits or coalesces frames.
package protocol

// Magic is the 4-byte frame prefix, "ESSH" in ASCII.
const Magic uint32 = 0x45535348

// Version is the current wire version.
const Version byte = 0x02

// MsgType is the one-byte frame type.
type MsgType byte

// Control family.
const (
	MsgHandshake  MsgType = 0x00
	MsgHeartbeat  MsgType = 0x01
	MsgError      MsgType = 0x02
	MsgDisconnect MsgType = 0x07
)

// Shell family.
const (
	MsgSSHData    MsgType = 0x10
	MsgSSHResize  MsgType = 0x11
	MsgSSHCommand MsgType = 0x12
	MsgSSHDataAck MsgType = 0x87
)

// SFTP request family.
const (
	MsgSFTPInit           MsgType = 0x20
	MsgSFTPList           MsgType = 0x21
	MsgSFTPUpload         MsgType = 0x22
	MsgSFTPDownload       MsgType = 0x23
	MsgSFTPMkdir          MsgType = 0x24
	MsgSFTPDelete         MsgType = 0x25
	MsgSFTPRename         MsgType = 0x26
	MsgSFTPChmod          MsgType = 0x27
	MsgSFTPDownloadFolder MsgType = 0x28
	MsgSFTPClose          MsgType = 0x29
	MsgSFTPCancel         MsgType = 0x2A
)

// Response family. The 0x80-based numbering is authoritative; earlier client
// builds that used 0x82-based aliases must be migrated before cutover.
const (
	MsgSuccess        MsgType = 0x80
	MsgProgress       MsgType = 0x81
	MsgSFTPFileData   MsgType = 0x83
	MsgSFTPFolderData MsgType = 0x84
	MsgConnected      MsgType = 0x85
	MsgNetworkLatency MsgType = 0x86
)

// IsSFTPRequest reports whether t belongs to the SFTP request family.
func (t MsgType) IsSFTPRequest() bool {
	return t >= MsgSFTPInit && t <= MsgSFTPCancel
}

func (t MsgType) String() string {
	switch t {
	case MsgHandshake:
		return "HANDSHAKE"
	case MsgHeartbeat:
		return "HEARTBEAT"
	case MsgError:
		return "ERROR"
	case MsgDisconnect:
		return "DISCONNECT"
	case MsgSSHData:
		return "SSH_DATA"
	case MsgSSHResize:
		return "SSH_RESIZE"
	case MsgSSHCommand:
		return "SSH_COMMAND"
	case MsgSSHDataAck:
		return "SSH_DATA_ACK"
	case MsgSFTPInit:
		return "SFTP_INIT"
	case MsgSFTPList:
		return "SFTP_LIST"
	case MsgSFTPUpload:
		return "SFTP_UPLOAD"
	case MsgSFTPDownload:
		return "SFTP_DOWNLOAD"
	case MsgSFTPMkdir:
		return "SFTP_MKDIR"
	case MsgSFTPDelete:
		return "SFTP_DELETE"
	case MsgSFTPRename:
		return "SFTP_RENAME"
	case MsgSFTPChmod:
		return "SFTP_CHMOD"
	case MsgSFTPDownloadFolder:
		return "SFTP_DOWNLOAD_FOLDER"
	case MsgSFTPClose:
		return "SFTP_CLOSE"
	case MsgSFTPCancel:
		return "SFTP_CANCEL"
	case MsgSuccess:
		return "SUCCESS"
	case MsgProgress:
		return "PROGRESS"
	case MsgSFTPFileData:
		return "SFTP_FILE_DATA"
	case MsgSFTPFolderData:
		return "SFTP_FOLDER_DATA"
	case MsgConnected:
		return "CONNECTED"
	case MsgNetworkLatency:
		return "NETWORK_LATENCY"
	default:
		return "UNKNOWN"
	}
}
