package errnet

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func pair(t *testing.T) (*Conn, *net.UDPConn, *net.UDPAddr) {
	t.Helper()
	rx, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	assert.Nil(t, err)
	tx, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	assert.Nil(t, err)
	t.Cleanup(func() { rx.Close(); tx.Close() })
	return Wrap(tx, Profile{}), rx, rx.LocalAddr().(*net.UDPAddr)
}

func TestPassThrough(t *testing.T) {
	c, rx, addr := pair(t)
	n, err := c.WriteToUDP([]byte("payload"), addr)
	assert.Nil(t, err)
	assert.Equal(t, 7, n)
	buf := make([]byte, 64)
	rx.SetReadDeadline(time.Now().Add(time.Second))
	m, _, err := rx.ReadFromUDP(buf)
	assert.Nil(t, err)
	assert.Equal(t, "payload", string(buf[:m]))
}

func TestFilterDrop(t *testing.T) {
	c, rx, addr := pair(t)
	c.SetFilter(func(b []byte) Fate { return Drop })
	n, err := c.WriteToUDP([]byte("gone"), addr)
	assert.Nil(t, err)
	assert.Equal(t, 4, n)
	buf := make([]byte, 16)
	rx.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = rx.ReadFromUDP(buf)
	assert.NotNil(t, err)
}

func TestFilterFlip(t *testing.T) {
	c, rx, addr := pair(t)
	c.SetFilter(func(b []byte) Fate { return Flip })
	sent := []byte{0x00, 0x00, 0x00, 0x00}
	_, err := c.WriteToUDP(sent, addr)
	assert.Nil(t, err)
	buf := make([]byte, 16)
	rx.SetReadDeadline(time.Now().Add(time.Second))
	m, _, err := rx.ReadFromUDP(buf)
	assert.Nil(t, err)
	assert.Equal(t, 4, m)
	assert.NotEqual(t, sent, buf[:m])
	// Caller's buffer is untouched.
	assert.Equal(t, []byte{0, 0, 0, 0}, sent)
}

func TestRandomDropRate(t *testing.T) {
	c, rx, addr := pair(t)
	c.profile = Profile{Rate: 0.5, Drop: true}
	for i := 0; i < 200; i++ {
		_, err := c.WriteToUDP([]byte{byte(i)}, addr)
		assert.Nil(t, err)
	}
	received := 0
	buf := make([]byte, 16)
	for {
		rx.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		if _, _, err := rx.ReadFromUDP(buf); err != nil {
			break
		}
		received++
	}
	assert.Greater(t, received, 50)
	assert.Less(t, received, 150)
}

func TestReadTimeout(t *testing.T) {
	c, _, _ := pair(t)
	start := time.Now()
	_, _, err := c.ReadTimeout(make([]byte, 16), 50*time.Millisecond)
	assert.Equal(t, ErrTimeout, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}
