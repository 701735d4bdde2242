package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	version byte = 1

	// frame header: magic(4) | ver(1) | op(1) | flags(1) | status(u16 be) |
	// seq(u64 be) | conn(u64 be) | plen(u32 be)
	headerLen = 4 + 1 + 1 + 1 + 2 + 8 + 8 + 4

	// maxPayload bounds a single frame; rows larger than this must go
	// through the shared-memory path.
	maxPayload = 1 << 30
)

var (
	ErrCorrupt = errors.New("rowcache: corrupt frame")
	magic4     = [...]byte{'R', 'O', 'W', 'C'}
)

// Op identifies the RPC verb a frame carries.
type Op byte

const (
	OpCreateCache Op = iota + 1
	OpPurgeCache
	OpDestroyCache
	OpGetStat
	OpCacheSchema
	OpFetchSchema
	OpBuildPhaseDone
	OpCacheRow
	OpBatchFetch
	OpFreeBlock

	opMax
)

func (o Op) Valid() bool { return o >= OpCreateCache && o < opMax }

func (o Op) String() string {
	switch o {
	case OpCreateCache:
		return "CreateCache"
	case OpPurgeCache:
		return "PurgeCache"
	case OpDestroyCache:
		return "DestroyCache"
	case OpGetStat:
		return "GetStat"
	case OpCacheSchema:
		return "CacheSchema"
	case OpFetchSchema:
		return "FetchSchema"
	case OpBuildPhaseDone:
		return "BuildPhaseDone"
	case OpCacheRow:
		return "CacheRow"
	case OpBatchFetch:
		return "BatchFetch"
	case OpFreeBlock:
		return "FreeBlock"
	default:
		return fmt.Sprintf("Op(%d)", byte(o))
	}
}

// Frame flags.
const (
	// FlagSharedBlock marks a response whose row data lives in the shared
	// memory segment; the payload then carries a block reference, not rows.
	FlagSharedBlock byte = 1 << 0
	// FlagLocalBypass marks a request from a client attached to the server's
	// shared memory segment. The server may answer with FlagSharedBlock.
	FlagLocalBypass byte = 1 << 1
)

// Response status codes. Zero is success. StatusDuplicateKey is a control
// signal, not a failure: the cache already exists (or is already built) and
// the response still carries a structured body. Every other non-zero status
// carries a UTF-8 message as the payload.
const (
	StatusOK           uint16 = 0
	StatusUnexpected   uint16 = 1
	StatusDuplicateKey uint16 = 2
	StatusNullArgument uint16 = 3
	StatusOutOfRange   uint16 = 4
	StatusOutOfMemory  uint16 = 5
)

// Cache service states reported by GetStat.
const (
	StateNone       uint8 = 0
	StateBuildPhase uint8 = 1
	StateFetchPhase uint8 = 2
)

// Frame is the request/response envelope. Requests leave Status zero; Seq is
// stamped by the transport and echoed by the server. Conn is the server
// connection id (zero before creation).
type Frame struct {
	Op      Op
	Flags   byte
	Status  uint16
	Seq     uint64
	Conn    uint64
	Payload []byte
}

// Encode returns the framed bytes of f.
func Encode(f Frame) []byte {
	var buf bytes.Buffer
	buf.Grow(headerLen + len(f.Payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(byte(f.Op))
	buf.WriteByte(f.Flags)

	var u2 [2]byte
	var u4 [4]byte
	var u8 [8]byte

	binary.BigEndian.PutUint16(u2[:], f.Status)
	buf.Write(u2[:])

	binary.BigEndian.PutUint64(u8[:], f.Seq)
	buf.Write(u8[:])

	binary.BigEndian.PutUint64(u8[:], f.Conn)
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(f.Payload)))
	buf.Write(u4[:])

	buf.Write(f.Payload)
	return buf.Bytes()
}

// Decode parses a complete frame from b. Trailing bytes are rejected.
func Decode(b []byte) (Frame, error) {
	if len(b) < headerLen || !bytes.Equal(b[:4], magic4[:]) || b[4] != version {
		return Frame{}, ErrCorrupt
	}
	f := Frame{
		Op:     Op(b[5]),
		Flags:  b[6],
		Status: binary.BigEndian.Uint16(b[7:9]),
		Seq:    binary.BigEndian.Uint64(b[9:17]),
		Conn:   binary.BigEndian.Uint64(b[17:25]),
	}
	if !f.Op.Valid() {
		return Frame{}, ErrCorrupt
	}
	plen := int(binary.BigEndian.Uint32(b[25:29]))
	if plen > maxPayload || plen != len(b)-headerLen {
		return Frame{}, ErrCorrupt
	}
	if plen > 0 {
		f.Payload = b[headerLen : headerLen+plen]
	}
	return f, nil
}

// WriteFrame writes one framed message to w.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > maxPayload {
		return fmt.Errorf("rowcache: payload too large: %d", len(f.Payload))
	}
	_, err := w.Write(Encode(f))
	return err
}

// ReadFrame reads one framed message from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	if !bytes.Equal(hdr[:4], magic4[:]) || hdr[4] != version || !Op(hdr[5]).Valid() {
		return Frame{}, ErrCorrupt
	}
	plen := binary.BigEndian.Uint32(hdr[25:29])
	if plen > maxPayload {
		return Frame{}, ErrCorrupt
	}
	f := Frame{
		Op:     Op(hdr[5]),
		Flags:  hdr[6],
		Status: binary.BigEndian.Uint16(hdr[7:9]),
		Seq:    binary.BigEndian.Uint64(hdr[9:17]),
		Conn:   binary.BigEndian.Uint64(hdr[17:25]),
	}
	if plen > 0 {
		f.Payload = make([]byte, plen)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, err
		}
	}
	return f, nil
}

// ConnID packs a session id and tree crc into the 64-bit server connection
// id. Every client sharing (session, crc) lands on the same id.
func ConnID(sessionID, crc uint32) uint64 {
	return uint64(sessionID)<<32 | uint64(crc)
}
