package pdu

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDataLayout(t *testing.T) {
	payload := []byte("hello world")
	b := EncodeData(42, FlagData, 4, 1000, payload)
	assert.Equal(t, DataOffset+len(payload), len(b))
	assert.EqualValues(t, 42, binary.BigEndian.Uint32(b[0:4]))
	assert.EqualValues(t, FlagData, b[6])
	assert.EqualValues(t, 4, b[7])
	assert.EqualValues(t, 1000, binary.BigEndian.Uint16(b[8:10]))
	assert.True(t, bytes.Equal(payload, b[DataOffset:]))
	assert.True(t, Verify(b))
}

func TestEncodeControlLengths(t *testing.T) {
	rr := EncodeControl(3, FlagRR, 7)
	srej := EncodeControl(4, FlagSREJ, 2)
	assert.Equal(t, ControlLen, len(rr))
	assert.Equal(t, ControlLen, len(srej))
	assert.Equal(t, AckLen, len(EncodeAck(0, FlagFileOKAck)))
}

func TestDecodeRoundTrip(t *testing.T) {
	b := EncodeData(7, FlagData, 10, 1400, []byte{1, 2, 3})
	assert.True(t, Verify(b))
	p, err := Decode(b)
	assert.Nil(t, err)
	assert.EqualValues(t, 7, p.Seq)
	assert.Equal(t, FlagData, p.Flag)
	assert.EqualValues(t, 10, p.Window)
	assert.EqualValues(t, 1400, p.BufferSize)
	assert.Equal(t, []byte{1, 2, 3}, p.Payload)

	c := EncodeControl(9, FlagSREJ, 5)
	assert.True(t, Verify(c))
	pc, err := Decode(c)
	assert.Nil(t, err)
	assert.Equal(t, FlagSREJ, pc.Flag)
	assert.EqualValues(t, 5, pc.AckSeq)

	a := EncodeAck(1, FlagFilenameNotOK)
	assert.True(t, Verify(a))
	pa, err := Decode(a)
	assert.Nil(t, err)
	assert.Equal(t, FlagFilenameNotOK, pa.Flag)
}

func TestDecodeFilename(t *testing.T) {
	b := EncodeData(0, FlagFilename, 4, 1000, []byte("data.bin"))
	p, err := Decode(b)
	assert.Nil(t, err)
	assert.Equal(t, "data.bin", string(p.Payload))
	assert.EqualValues(t, 4, p.Window)
	assert.EqualValues(t, 1000, p.BufferSize)
}

func TestDecodeEOFNoPayload(t *testing.T) {
	b := EncodeData(12, FlagEOF, 4, 1000, nil)
	assert.Equal(t, DataOffset, len(b))
	p, err := Decode(b)
	assert.Nil(t, err)
	assert.Equal(t, FlagEOF, p.Flag)
	assert.Empty(t, p.Payload)
}

func TestVerifyBitFlip(t *testing.T) {
	b := EncodeData(3, FlagData, 4, 1000, []byte("payload under test"))
	for i := range b {
		b[i] ^= 0x04
		assert.False(t, Verify(b), "flip at byte %d", i)
		b[i] ^= 0x04
	}
	assert.True(t, Verify(b))
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.Equal(t, ErrMalformed, err)

	// Truncated RR body.
	short := EncodeControl(0, FlagRR, 1)[:HeaderLen+2]
	_, err = Decode(short)
	assert.Equal(t, ErrMalformed, err)

	// Unknown flag.
	b := EncodeAck(0, FlagFileOKAck)
	b[6] = 200
	_, err = Decode(b)
	assert.Equal(t, ErrMalformed, err)
}

func TestVerifyTooShort(t *testing.T) {
	assert.False(t, Verify([]byte{0, 0, 0}))
}

func TestPacketString(t *testing.T) {
	p, _ := Decode(EncodeControl(2, FlagRR, 9))
	assert.Contains(t, p.String(), "RR")
	assert.Contains(t, p.String(), "ack=9")
}
