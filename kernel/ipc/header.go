package ipc

import (
	"encoding/binary"

	"continuum/kernel/config"
)

// header is the fixed-size framing prefix written ahead of every message's
// payload in a conduit's ring: sender id, payload length, timestamp and
// flags. Its encoded size is config.HeaderSize.
type header struct {
	SenderID  uint64
	Size      uint32
	Timestamp int64
	Flags     uint32
}

func (h header) encode() []byte {
	buf := make([]byte, config.HeaderSize)
	binary.BigEndian.PutUint64(buf[0:8], h.SenderID)
	binary.BigEndian.PutUint32(buf[8:12], h.Size)
	binary.BigEndian.PutUint64(buf[12:20], uint64(h.Timestamp))
	binary.BigEndian.PutUint32(buf[20:24], h.Flags)
	return buf
}

func decodeHeader(buf []byte) header {
	return header{
		SenderID:  binary.BigEndian.Uint64(buf[0:8]),
		Size:      binary.BigEndian.Uint32(buf[8:12]),
		Timestamp: int64(binary.BigEndian.Uint64(buf[12:20])),
		Flags:     binary.BigEndian.Uint32(buf[20:24]),
	}
}
