package protocol

import (
	"encoding/binary"
	"encoding/json"

	"github.com/pkg/errors"
)

// headerOffset is the byte offset of the JSON header: magic(4) + ver(1) +
// type(1) + hdrLen(4).
const headerOffset = 10

// Decode failure sentinels. Decode never partially consumes input.
var (
	ErrFrameBadMagic   = errors.New("frame: bad magic")
	ErrFrameBadVersion = errors.New("frame: unsupported version")
	ErrFrameShort      = errors.New("frame: truncated")
	ErrFrameBadHeader  = errors.New("frame: malformed JSON header")
)

// Frame is a decoded envelope. Header is kept raw so each handler unmarshals
// into its own header type; Payload aliases the input buffer.
type Frame struct {
	Type    MsgType
	Header  json.RawMessage
	Payload []byte
}

// DecodeHeader unmarshals the frame header into v.
func (f *Frame) DecodeHeader(v interface{}) error {
	if len(f.Header) == 0 {
		return errors.New("frame: empty header")
	}
	return errors.Wrap(json.Unmarshal(f.Header, v), "frame: decode header")
}

// Encode builds one wire frame. header may be nil (encoded as {}), payload
// may be nil.
func Encode(t MsgType, header interface{}, payload []byte) ([]byte, error) {
	var hdr []byte
	if header == nil {
		hdr = []byte("{}")
	} else {
		var err error
		hdr, err = json.Marshal(header)
		if err != nil {
			return nil, errors.Wrap(err, "frame: encode header")
		}
	}

	buf := make([]byte, headerOffset+len(hdr)+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	buf[4] = Version
	buf[5] = byte(t)
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(hdr)))
	copy(buf[headerOffset:], hdr)
	copy(buf[headerOffset+len(hdr):], payload)
	return buf, nil
}

// Decode parses one wire frame.
func Decode(data []byte) (*Frame, error) {
	if len(data) < headerOffset {
		return nil, ErrFrameShort
	}
	if binary.BigEndian.Uint32(data[0:4]) != Magic {
		return nil, ErrFrameBadMagic
	}
	if data[4] != Version {
		return nil, ErrFrameBadVersion
	}
	hdrLen := int(binary.BigEndian.Uint32(data[6:10]))
	if len(data) < headerOffset+hdrLen {
		return nil, ErrFrameShort
	}
	hdr := data[headerOffset : headerOffset+hdrLen]
	if !json.Valid(hdr) {
		return nil, ErrFrameBadHeader
	}
	return &Frame{
		Type:    MsgType(data[5]),
		Header:  json.RawMessage(hdr),
		Payload: data[headerOffset+hdrLen:],
	}, nil
}

// MustEncode is Encode for headers the caller controls end to end; a marshal
// failure there is a programming error.
func MustEncode(t MsgType, header interface{}, payload []byte) []byte {
	buf, err := Encode(t, header, payload)
	if err != nil {
		panic(err)
	}
	return buf
}
