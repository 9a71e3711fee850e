package window

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func fill(w *SenderWindow, n int) {
	for i := 0; i < n; i++ {
		w.Record(w.Current(), 16, []byte{byte(i)})
	}
}

func TestSenderWindowOpenClose(t *testing.T) {
	w := NewSenderWindow(4)
	assert.True(t, w.IsOpen())
	fill(w, 4)
	assert.False(t, w.IsOpen())
	assert.EqualValues(t, 0, w.Lower())
	assert.EqualValues(t, 4, w.Current())
	assert.EqualValues(t, 4, w.Upper())

	w.OnRR(2)
	assert.True(t, w.IsOpen())
	assert.EqualValues(t, 2, w.Lower())
	assert.EqualValues(t, 6, w.Upper())
}

func TestSenderWindowInvariants(t *testing.T) {
	w := NewSenderWindow(3)
	for round := 0; round < 5; round++ {
		fill(w, 3)
		assert.True(t, w.Lower() <= w.Current())
		assert.True(t, w.Current() <= w.Upper())
		assert.Equal(t, w.Lower()+3, w.Upper())
		for seq := w.Lower(); seq < w.Current(); seq++ {
			s := w.Get(seq)
			assert.NotNil(t, s)
			assert.Equal(t, seq, s.Seq)
		}
		w.OnRR(w.Current())
	}
}

func TestSenderWindowRRIdempotent(t *testing.T) {
	w := NewSenderWindow(4)
	fill(w, 4)
	w.OnRR(3)
	lower, upper := w.Lower(), w.Upper()
	w.OnRR(3)
	assert.Equal(t, lower, w.Lower())
	assert.Equal(t, upper, w.Upper())
	// A late RR below lower is a no-op too.
	w.OnRR(1)
	assert.Equal(t, lower, w.Lower())
}

func TestSenderWindowGetAfterRR(t *testing.T) {
	w := NewSenderWindow(4)
	fill(w, 4)
	w.OnRR(2)
	// SREJ crossed with an RR that already advanced past the sequence.
	assert.Nil(t, w.Get(0))
	assert.Nil(t, w.Get(1))
	assert.NotNil(t, w.Get(2))
	assert.NotNil(t, w.Get(3))
}

func TestSenderWindowOldest(t *testing.T) {
	w := NewSenderWindow(4)
	fill(w, 3)
	s := w.Oldest()
	assert.NotNil(t, s)
	assert.EqualValues(t, 0, s.Seq)
	w.OnRR(2)
	s = w.Oldest()
	assert.NotNil(t, s)
	assert.EqualValues(t, 2, s.Seq)
}

func TestSenderWindowStopAndWait(t *testing.T) {
	// windowSize = 1 degenerates to stop-and-wait.
	w := NewSenderWindow(1)
	assert.True(t, w.IsOpen())
	w.Record(0, 16, []byte("a"))
	assert.False(t, w.IsOpen())
	w.OnRR(1)
	assert.True(t, w.IsOpen())
	assert.False(t, w.InFlight())
	w.Record(1, 16, []byte("b"))
	assert.True(t, w.InFlight())
}

func TestSenderWindowRRBeyondCurrentClamped(t *testing.T) {
	w := NewSenderWindow(4)
	fill(w, 2)
	// An RR for a sequence never sent must not open a hole.
	w.OnRR(10)
	assert.EqualValues(t, 2, w.Lower())
	assert.EqualValues(t, 2, w.Current())
	assert.False(t, w.InFlight())
}

func TestSenderWindowPayloadCopied(t *testing.T) {
	w := NewSenderWindow(2)
	buf := []byte{1, 2, 3}
	w.Record(0, 16, buf)
	buf[0] = 99
	assert.Equal(t, []byte{1, 2, 3}, w.Get(0).Payload)
}
