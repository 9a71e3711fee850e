// Package config validates the command line arguments of the two
// binaries and loads the optional ini tuning profile that adjusts the
// channel harness and protocol timing.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"gopkg.in/ini.v1"

	"github.com/lucasreed/gorcopy/pkg/errnet"
	"github.com/lucasreed/gorcopy/pkg/pdu"
)

const (
	MinBufferSize = 400
	MaxBufferSize = 1400
	MinWindowSize = 1
	MaxWindowSize = 255
)

var (
	ErrUsage = errors.New("wrong number of arguments")
)

// Tuning carries the protocol timers and the error channel profile.
// The defaults are the protocol's fixed values; a profile file can
// shorten them for tests or harden them for bad links.
type Tuning struct {
	AckTimeout  time.Duration // per-attempt wait in bootstrap and window-full states
	IdleTimeout time.Duration // receiver idle and buffered-wait budget
	MaxAttempts int           // attempts before declaring the peer unreachable
	Channel     errnet.Profile
}

func DefaultTuning() Tuning {
	return Tuning{
		AckTimeout:  1000 * time.Millisecond,
		IdleTimeout: 10 * time.Second,
		MaxAttempts: 10,
		// Injection is armed but inert until a nonzero rate is set.
		Channel: errnet.Profile{Drop: true, Flip: true},
	}
}

// LoadTuning reads a tuning profile:
//
//	[channel]
//	drop = true
//	flip = true
//	debug = false
//	reseed = false
//
//	[timing]
//	ack-timeout-ms = 1000
//	idle-timeout-ms = 10000
//	max-attempts = 10
//
// Missing keys keep their defaults. The channel rate itself stays a
// positional CLI argument.
func LoadTuning(path string) (Tuning, error) {
	t := DefaultTuning()
	f, err := ini.Load(path)
	if err != nil {
		return t, fmt.Errorf("could not load tuning profile %v : %w", path, err)
	}
	if sec, err := f.GetSection("channel"); err == nil {
		t.Channel.Drop = sec.Key("drop").MustBool(t.Channel.Drop)
		t.Channel.Flip = sec.Key("flip").MustBool(t.Channel.Flip)
		t.Channel.Debug = sec.Key("debug").MustBool(t.Channel.Debug)
		t.Channel.Reseed = sec.Key("reseed").MustBool(t.Channel.Reseed)
	}
	if sec, err := f.GetSection("timing"); err == nil {
		t.AckTimeout = time.Duration(sec.Key("ack-timeout-ms").MustInt(int(t.AckTimeout.Milliseconds()))) * time.Millisecond
		t.IdleTimeout = time.Duration(sec.Key("idle-timeout-ms").MustInt(int(t.IdleTimeout.Milliseconds()))) * time.Millisecond
		t.MaxAttempts = sec.Key("max-attempts").MustInt(t.MaxAttempts)
	}
	return t, nil
}

// Client holds the validated client invocation.
type Client struct {
	FromFile   string
	ToFile     string
	WindowSize uint8
	BufferSize uint16
	ErrorRate  float64
	RemoteHost string
	RemotePort int
	Tuning     Tuning
}

// Server holds the validated server invocation.
type Server struct {
	ErrorRate float64
	Port      int // 0 means OS-assigned
	Tuning    Tuning
}

func parseErrorRate(s string) (float64, error) {
	rate, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("error rate %q is not a number", s)
	}
	if rate < 0 || rate >= 1 {
		return 0, fmt.Errorf("error rate must satisfy 0 <= rate < 1, got %v", rate)
	}
	return rate, nil
}

func parseFilename(role, s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("%s filename is empty", role)
	}
	if len(s) > pdu.MaxFilename {
		return "", fmt.Errorf("%s filename exceeds %d characters", role, pdu.MaxFilename)
	}
	return s, nil
}

// ParseClientArgs validates the positional client arguments:
// from-filename to-filename window-size buffer-size error-rate
// remote-host remote-port.
func ParseClientArgs(args []string) (*Client, error) {
	if len(args) != 7 {
		return nil, ErrUsage
	}
	c := &Client{Tuning: DefaultTuning()}
	var err error
	if c.FromFile, err = parseFilename("source", args[0]); err != nil {
		return nil, err
	}
	if c.ToFile, err = parseFilename("destination", args[1]); err != nil {
		return nil, err
	}
	window, err := strconv.Atoi(args[2])
	if err != nil || window < MinWindowSize || window > MaxWindowSize {
		// The filename PDU carries the window size in one byte.
		return nil, fmt.Errorf("window size must be %d..%d, got %q", MinWindowSize, MaxWindowSize, args[2])
	}
	c.WindowSize = uint8(window)
	buffer, err := strconv.Atoi(args[3])
	if err != nil || buffer < MinBufferSize || buffer > MaxBufferSize {
		return nil, fmt.Errorf("buffer size must be %d..%d, got %q", MinBufferSize, MaxBufferSize, args[3])
	}
	c.BufferSize = uint16(buffer)
	if c.ErrorRate, err = parseErrorRate(args[4]); err != nil {
		return nil, err
	}
	c.RemoteHost = args[5]
	c.RemotePort, err = strconv.Atoi(args[6])
	if err != nil || c.RemotePort < 1 || c.RemotePort > 65535 {
		return nil, fmt.Errorf("remote port must be 1..65535, got %q", args[6])
	}
	c.Tuning.Channel.Rate = c.ErrorRate
	return c, nil
}

// ParseServerArgs validates the positional server arguments:
// error-rate [port].
func ParseServerArgs(args []string) (*Server, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, ErrUsage
	}
	s := &Server{Tuning: DefaultTuning()}
	var err error
	if s.ErrorRate, err = parseErrorRate(args[0]); err != nil {
		return nil, err
	}
	if len(args) == 2 {
		s.Port, err = strconv.Atoi(args[1])
		if err != nil || s.Port < 0 || s.Port > 65535 {
			return nil, fmt.Errorf("port must be 0..65535, got %q", args[1])
		}
	}
	s.Tuning.Channel.Rate = s.ErrorRate
	return s, nil
}
