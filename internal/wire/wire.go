// Package wire implements the client-to-server framing shared by the
// tend loop, the info protocol, and command execution.
package wire

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
)

// Message types carried in the top 16 bits of the 8-byte header, alongside
// the protocol version.
const (
	TypeAsMsg      = 1 // as-msg: a record/batch/scan/query command
	TypeInfo       = 2 // info: name/value request-response
	TypeCompressed = 4 // payload is a compressed envelope
)

// Protocol versions, paired with the type above.
const (
	VersionMessage = 6
	VersionInfo    = 2
)

// HeaderSize is the fixed 8-byte header every framed message starts with.
const HeaderSize = 8

// sizeMask extracts the low 48 bits of the header (payload length).
const sizeMask = 0x0000FFFFFFFFFFFF

// Header is the decoded form of the 8-byte size field: version, type, and
// payload length.
type Header struct {
	Version uint8
	Type    uint8
	Length  uint64
}

// EncodeHeader packs version, type, and length into an 8-byte frame header.
func EncodeHeader(version, typ uint8, length uint64) []byte {
	buf := make([]byte, HeaderSize)
	word := (uint64(version) << 56) | (uint64(typ) << 48) | (length & sizeMask)
	binary.BigEndian.PutUint64(buf, word)
	return buf
}

// DecodeHeader unpacks an 8-byte frame header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header: %d bytes", len(buf))
	}
	word := binary.BigEndian.Uint64(buf)
	return Header{
		Version: uint8(word >> 56),
		Type:    uint8((word >> 48) & 0xFF),
		Length:  word & sizeMask,
	}, nil
}

// Frame wraps a payload with its header, ready to write to a connection.
func Frame(version, typ uint8, payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	copy(out, EncodeHeader(version, typ, uint64(len(payload))))
	copy(out[HeaderSize:], payload)
	return out
}

// CompressedEnvelope wraps compressed bytes with the 8-byte original-length
// prefix the protocol expects ahead of the compressed body.
func CompressedEnvelope(originalLength uint64, compressed []byte) []byte {
	out := make([]byte, 8+len(compressed))
	binary.BigEndian.PutUint64(out[:8], originalLength)
	copy(out[8:], compressed)
	return out
}

// DecodeCompressedEnvelope splits a compressed payload into its declared
// original length and the compressed body.
func DecodeCompressedEnvelope(payload []byte) (originalLength uint64, body []byte, err error) {
	if len(payload) < 8 {
		return 0, nil, fmt.Errorf("wire: short compressed envelope: %d bytes", len(payload))
	}
	return binary.BigEndian.Uint64(payload[:8]), payload[8:], nil
}

// Inflate decodes a compressed envelope and decompresses its body,
// verifying the declared original length.
func Inflate(payload []byte) ([]byte, error) {
	originalLength, body, err := DecodeCompressedEnvelope(payload)
	if err != nil {
		return nil, err
	}
	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("wire: opening compressed body: %w", err)
	}
	defer zr.Close()
	var out bytes.Buffer
	out.Grow(int(originalLength))
	if _, err := io.Copy(&out, zr); err != nil {
		return nil, fmt.Errorf("wire: decompressing: %w", err)
	}
	if uint64(out.Len()) != originalLength {
		return nil, fmt.Errorf("wire: decompressed length %d, declared %d", out.Len(), originalLength)
	}
	return out.Bytes(), nil
}

// Deflate compresses payload and wraps it in a compressed envelope.
func Deflate(payload []byte) []byte {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	zw.Write(payload)
	zw.Close()
	return CompressedEnvelope(uint64(len(payload)), buf.Bytes())
}

// RecordHeaderSize is the fixed per-record header size for multi-record
// responses (scan/batch/query).
const RecordHeaderSize = 22

// Info3Last marks the final record group in a multi-record response.
const Info3Last = 0x01

// RecordHeader is the decoded per-record header for multi-record responses.
type RecordHeader struct {
	Info3      byte
	ResultCode byte
	Generation uint32
	Expiration uint32
	BatchIndex uint32
	FieldCount uint16
	OpCount    uint16
}

// DecodeRecordHeader parses a 22-byte per-record header.
func DecodeRecordHeader(buf []byte) (RecordHeader, error) {
	if len(buf) < RecordHeaderSize {
		return RecordHeader{}, fmt.Errorf("wire: short record header: %d bytes", len(buf))
	}
	return RecordHeader{
		Info3:      buf[3],
		ResultCode: buf[5],
		Generation: binary.BigEndian.Uint32(buf[6:10]),
		Expiration: binary.BigEndian.Uint32(buf[10:14]),
		BatchIndex: binary.BigEndian.Uint32(buf[14:18]),
		FieldCount: binary.BigEndian.Uint16(buf[18:20]),
		OpCount:    binary.BigEndian.Uint16(buf[20:22]),
	}, nil
}

// IsLastGroup reports whether this record header terminates its group.
func (h RecordHeader) IsLastGroup() bool {
	return h.Info3&Info3Last != 0
}
