// Package pdu implements the on-wire framing of the transfer protocol.
// Every datagram carries exactly one PDU: a 7 byte header (sequence,
// checksum, flag) followed by a flag-specific body. All multibyte
// integers are network byte order.
package pdu

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/lucasreed/gorcopy/internal/checksum"
)

// Flag values are wire-visible and fixed.
const (
	FlagRR            uint8 = 5
	FlagSREJ          uint8 = 6
	FlagFilename      uint8 = 8
	FlagFilenameOK    uint8 = 9
	FlagEOF           uint8 = 10
	FlagData          uint8 = 16
	FlagDataResent    uint8 = 17
	FlagDataTimeout   uint8 = 18
	FlagFileOKAck     uint8 = 36
	FlagFilenameNotOK uint8 = 37
	FlagEOFAck        uint8 = 38 // reserved
)

const (
	// HeaderLen is sequence (4) + checksum (2) + flag (1).
	HeaderLen = 7
	// SubHeaderLen is the window/buffer-size prefix on DATA, FILENAME
	// and EOF bodies: window (1) + buffer size (2).
	SubHeaderLen = 3
	// DataOffset is where a DATA payload starts.
	DataOffset = HeaderLen + SubHeaderLen

	// AckLen is the fixed size of FILENAME-OK, FILE-OK-ACK and
	// FILENAME-NOT-OK PDUs: header plus one pad byte.
	AckLen = HeaderLen + 1
	// ControlLen is the fixed size of RR and SREJ PDUs: header plus
	// the 4 byte subject sequence.
	ControlLen = HeaderLen + 4

	// MaxPayload is the largest negotiable buffer size.
	MaxPayload = 1400
	// MaxPDU bounds any well-formed datagram.
	MaxPDU = DataOffset + MaxPayload

	// MaxFilename bounds the filename carried in a FILENAME PDU.
	MaxFilename = 100
)

var ErrMalformed = errors.New("malformed pdu")

// Packet is a decoded PDU.
type Packet struct {
	Seq        uint32
	Flag       uint8
	Window     uint8  // DATA, FILENAME, EOF
	BufferSize uint16 // DATA, FILENAME, EOF
	AckSeq     uint32 // RR: next expected, SREJ: missing sequence
	Payload    []byte // DATA: file bytes, FILENAME: name bytes
}

func FlagName(flag uint8) string {
	switch flag {
	case FlagRR:
		return "RR"
	case FlagSREJ:
		return "SREJ"
	case FlagFilename:
		return "FNAME"
	case FlagFilenameOK:
		return "FNAME-OK"
	case FlagEOF:
		return "EOF"
	case FlagData:
		return "DATA"
	case FlagDataResent:
		return "DATA-RESENT"
	case FlagDataTimeout:
		return "DATA-TIMEOUT-RESEND"
	case FlagFileOKAck:
		return "FILE-OK-ACK"
	case FlagFilenameNotOK:
		return "FNAME-NOT-OK"
	case FlagEOFAck:
		return "EOF-ACK"
	}
	return "UNKNOWN"
}

// String renders the packet for tracing.
func (p *Packet) String() string {
	switch p.Flag {
	case FlagRR, FlagSREJ:
		return fmt.Sprintf("%s seq=%d ack=%d", FlagName(p.Flag), p.Seq, p.AckSeq)
	case FlagData, FlagDataResent, FlagDataTimeout:
		return fmt.Sprintf("%s seq=%d win=%d buf=%d len=%d", FlagName(p.Flag), p.Seq, p.Window, p.BufferSize, len(p.Payload))
	case FlagFilename:
		return fmt.Sprintf("%s seq=%d win=%d buf=%d name=%q", FlagName(p.Flag), p.Seq, p.Window, p.BufferSize, string(p.Payload))
	case FlagEOF:
		return fmt.Sprintf("%s seq=%d win=%d buf=%d", FlagName(p.Flag), p.Seq, p.Window, p.BufferSize)
	}
	return fmt.Sprintf("%s seq=%d", FlagName(p.Flag), p.Seq)
}

// putHeader lays out sequence and flag, leaving the checksum zeroed.
func putHeader(b []byte, seq uint32, flag uint8) {
	binary.BigEndian.PutUint32(b[0:4], seq)
	b[4] = 0
	b[5] = 0
	b[6] = flag
}

// seal computes the checksum over the whole PDU and stores it in
// network order.
func seal(b []byte) {
	ck := checksum.Sum(b)
	binary.BigEndian.PutUint16(b[4:6], ck)
}

// EncodeData builds a DATA (or resend-flavoured DATA), FILENAME or EOF
// PDU: header, the window/buffer sub-header, then the payload. For EOF
// the payload is empty, for FILENAME it is the name bytes.
func EncodeData(seq uint32, flag uint8, window uint8, bufferSize uint16, payload []byte) []byte {
	b := make([]byte, DataOffset+len(payload))
	putHeader(b, seq, flag)
	b[HeaderLen] = window
	binary.BigEndian.PutUint16(b[HeaderLen+1:], bufferSize)
	copy(b[DataOffset:], payload)
	seal(b)
	return b
}

// EncodeControl builds an RR or SREJ PDU carrying the subject sequence.
func EncodeControl(seq uint32, flag uint8, subjectSeq uint32) []byte {
	b := make([]byte, ControlLen)
	putHeader(b, seq, flag)
	binary.BigEndian.PutUint32(b[HeaderLen:], subjectSeq)
	seal(b)
	return b
}

// EncodeAck builds a FILENAME-OK, FILE-OK-ACK or FILENAME-NOT-OK PDU.
// The body is a single pad byte.
func EncodeAck(seq uint32, flag uint8) []byte {
	b := make([]byte, AckLen)
	putHeader(b, seq, flag)
	seal(b)
	return b
}

// Verify reports whether b carries an intact checksum. A PDU that
// fails this test is silently dropped by both endpoints.
func Verify(b []byte) bool {
	if len(b) < HeaderLen {
		return false
	}
	return checksum.Verify(b)
}

// Decode parses b into a Packet. The checksum is not re-verified here;
// callers gate on Verify first. Payload aliases b.
func Decode(b []byte) (*Packet, error) {
	if len(b) < HeaderLen {
		return nil, ErrMalformed
	}
	p := &Packet{
		Seq:  binary.BigEndian.Uint32(b[0:4]),
		Flag: b[6],
	}
	switch p.Flag {
	case FlagRR, FlagSREJ:
		if len(b) < ControlLen {
			return nil, ErrMalformed
		}
		p.AckSeq = binary.BigEndian.Uint32(b[HeaderLen:])
	case FlagFilenameOK, FlagFileOKAck, FlagFilenameNotOK, FlagEOFAck:
		if len(b) < AckLen {
			return nil, ErrMalformed
		}
	case FlagData, FlagDataResent, FlagDataTimeout, FlagFilename, FlagEOF:
		if len(b) < DataOffset {
			return nil, ErrMalformed
		}
		p.Window = b[HeaderLen]
		p.BufferSize = binary.BigEndian.Uint16(b[HeaderLen+1:])
		p.Payload = b[DataOffset:]
	default:
		return nil, ErrMalformed
	}
	return p, nil
}
