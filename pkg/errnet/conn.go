// Package errnet wraps a UDP socket with a configurable adversarial
// channel: outgoing datagrams may be dropped or bit-flipped at a given
// rate. The transfer core only depends on its effect; with a zero rate
// the wrapper is transparent.
package errnet

import (
	"errors"
	"math/rand"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrTimeout is returned by ReadTimeout when no datagram arrives
// within the wait budget.
var ErrTimeout = errors.New("timed out waiting for datagram")

// Fate is the channel's decision for one outgoing datagram.
type Fate int

const (
	Pass Fate = iota
	Drop
	Flip
)

// Filter lets tests force the fate of specific datagrams. It runs
// before the random channel; returning Pass defers to it.
type Filter func(b []byte) Fate

// Profile configures the injected channel errors.
type Profile struct {
	Rate   float64 // probability a datagram is corrupted, 0 <= Rate < 1
	Drop   bool    // dropping enabled
	Flip   bool    // bit-flipping enabled
	Debug  bool    // log every injected error
	Reseed bool    // reseed from the clock instead of the fixed seed
	Filter Filter  // deterministic fate override, nil for none
}

// Conn is a UDP socket behind the error channel. Reads pass through
// untouched; writes run the gauntlet.
type Conn struct {
	*net.UDPConn
	profile Profile
	rng     *rand.Rand
	filter  Filter
}

// fixedSeed keeps repeated runs comparable unless Reseed is set.
const fixedSeed = 0x5265

func Wrap(conn *net.UDPConn, profile Profile) *Conn {
	seed := int64(fixedSeed)
	if profile.Reseed {
		seed = time.Now().UnixNano()
	}
	return &Conn{
		UDPConn: conn,
		profile: profile,
		filter:  profile.Filter,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// SetFilter installs a deterministic fate override, used by tests to
// drop or flip chosen packets.
func (c *Conn) SetFilter(f Filter) { c.filter = f }

func (c *Conn) fate(b []byte) Fate {
	if c.filter != nil {
		if f := c.filter(b); f != Pass {
			return f
		}
	}
	if c.profile.Rate <= 0 || c.rng.Float64() >= c.profile.Rate {
		return Pass
	}
	switch {
	case c.profile.Drop && c.profile.Flip:
		if c.rng.Intn(2) == 0 {
			return Drop
		}
		return Flip
	case c.profile.Drop:
		return Drop
	case c.profile.Flip:
		return Flip
	}
	return Pass
}

// WriteToUDP sends b to addr through the error channel. A dropped
// datagram still reports full length: the caller must not be able to
// tell, just as a real lossy network would not say.
func (c *Conn) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	switch c.fate(b) {
	case Drop:
		if c.profile.Debug {
			log.Debugf("[ERRNET] dropped datagram len=%d", len(b))
		}
		return len(b), nil
	case Flip:
		corrupted := make([]byte, len(b))
		copy(corrupted, b)
		bit := c.rng.Intn(len(corrupted) * 8)
		corrupted[bit/8] ^= 1 << (bit % 8)
		if c.profile.Debug {
			log.Debugf("[ERRNET] flipped bit %d of datagram len=%d", bit, len(b))
		}
		return c.UDPConn.WriteToUDP(corrupted, addr)
	}
	return c.UDPConn.WriteToUDP(b, addr)
}

// ReadTimeout waits up to d for one datagram. On expiry it returns
// ErrTimeout; other read errors pass through.
func (c *Conn) ReadTimeout(b []byte, d time.Duration) (int, *net.UDPAddr, error) {
	if err := c.SetReadDeadline(time.Now().Add(d)); err != nil {
		return 0, nil, err
	}
	n, addr, err := c.ReadFromUDP(b)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return 0, nil, ErrTimeout
		}
		return 0, nil, err
	}
	return n, addr, nil
}
