// Package tlsio is the TLS layer: a pipeline stage pairing a crypto/tls
// backed engine with handshake-phase send buffering, plus a self-signed
// identity helper for tests and tools. Record payloads stay opaque; only
// the 5-byte header is ever inspected.
package tlsio

import (
	"fmt"
	"io"

	"github.com/lithdew/bytesutil"
)

// RecordType is the content type octet of a TLS record.
type RecordType uint8

const (
	RecordChangeCipherSpec RecordType = 20
	RecordAlert            RecordType = 21
	RecordHandshake        RecordType = 22
	RecordApplicationData  RecordType = 23
)

func (t RecordType) String() string {
	switch t {
	case RecordChangeCipherSpec:
		return "change_cipher_spec"
	case RecordAlert:
		return "alert"
	case RecordHandshake:
		return "handshake"
	case RecordApplicationData:
		return "application_data"
	default:
		return fmt.Sprintf("record(%d)", uint8(t))
	}
}

// RecordHeaderLen is the wire size of a record header.
const RecordHeaderLen = 5

// MaxRecordPayload is the largest length a well-formed record may declare:
// 2^14 bytes of plaintext plus up to 2048 bytes of expansion.
const MaxRecordPayload = 16384 + 2048

// RecordHeader is the prefix of every TLS record.
type RecordHeader struct {
	Type    RecordType
	Version uint16
	Length  uint16
}

func (h RecordHeader) AppendTo(dst []byte) []byte {
	dst = append(dst, byte(h.Type))
	dst = bytesutil.AppendUint16BE(dst, h.Version)
	dst = bytesutil.AppendUint16BE(dst, h.Length)
	return dst
}

func UnmarshalRecordHeader(buf []byte) (RecordHeader, error) {
	var header RecordHeader
	if len(buf) < RecordHeaderLen {
		return header, io.ErrUnexpectedEOF
	}
	header.Type, buf = RecordType(buf[0]), buf[1:]
	header.Version, buf = bytesutil.Uint16BE(buf[:2]), buf[2:]
	header.Length = bytesutil.Uint16BE(buf[:2])
	return header, nil
}

// Validate rejects prefixes that cannot open a TLS exchange. Every legacy
// record version in the wild carries major 0x03.
func (h RecordHeader) Validate() error {
	switch h.Type {
	case RecordChangeCipherSpec, RecordAlert, RecordHandshake, RecordApplicationData:
	default:
		return fmt.Errorf("bad record type %d", uint8(h.Type))
	}
	if h.Version>>8 != 0x03 {
		return fmt.Errorf("bad record version %#04x", h.Version)
	}
	if h.Length == 0 || h.Length > MaxRecordPayload {
		return fmt.Errorf("bad record length %d", h.Length)
	}
	return nil
}

func (h RecordHeader) String() string {
	return fmt.Sprintf("%s v%#04x len=%d", h.Type, h.Version, h.Length)
}
