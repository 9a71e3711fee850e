package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"

	"github.com/lucasreed/gorcopy/pkg/config"
	"github.com/lucasreed/gorcopy/pkg/errnet"
	"github.com/lucasreed/gorcopy/pkg/metrics"
	"github.com/lucasreed/gorcopy/pkg/pdu"
	"github.com/lucasreed/gorcopy/pkg/window"
)

// drainPoll is the budget for the non-blocking control drain between
// data sends.
const drainPoll = time.Millisecond

// Server owns the listener socket. Every checksum-passing FNAME
// request with a nonzero window, an in-policy buffer size and a
// filename of 1..MaxFilename bytes spawns one session goroutine with
// its own ephemeral socket,
// file handle, and window; sessions share no state and are reaped by
// the WaitGroup when they return.
type Server struct {
	cfg  *config.Server
	conn *errnet.Conn
	wg   sync.WaitGroup
}

func NewServer(cfg *config.Server) *Server {
	return &Server{cfg: cfg}
}

// Listen binds the listener to the configured port (0 lets the OS
// choose).
func (s *Server) Listen() error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv6zero, Port: s.cfg.Port})
	if err != nil {
		return fmt.Errorf("could not bind listener on port %v : %w", s.cfg.Port, err)
	}
	s.conn = errnet.Wrap(conn, s.cfg.Tuning.Channel)
	log.Infof("[SERVER] listening on port %d", s.Port())
	return nil
}

// Port returns the bound listener port.
func (s *Server) Port() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// Serve accepts filename requests until the context is cancelled,
// then waits for running sessions to finish.
func (s *Server) Serve(ctx context.Context) error {
	if s.conn == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	defer s.wg.Wait()
	defer s.conn.Close()

	rx := make([]byte, pdu.MaxPDU)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		n, addr, err := s.conn.ReadTimeout(rx, time.Second)
		if err == errnet.ErrTimeout {
			continue
		}
		if err != nil {
			return err
		}
		if !pdu.Verify(rx[:n]) {
			metrics.ChecksumDrops.Inc()
			log.Debugf("[SERVER][RX] checksum failed, dropping %d bytes from %v", n, addr)
			continue
		}
		p, err := pdu.Decode(rx[:n])
		if err != nil || p.Flag != pdu.FlagFilename {
			continue
		}
		metrics.PacketsReceived.WithLabelValues(pdu.FlagName(p.Flag)).Inc()
		if p.Window < 1 || len(p.Payload) == 0 || len(p.Payload) > pdu.MaxFilename ||
			p.BufferSize < config.MinBufferSize || p.BufferSize > config.MaxBufferSize {
			log.Warnf("[SERVER][RX] rejecting request from %v : win=%d buf=%d namelen=%d",
				addr, p.Window, p.BufferSize, len(p.Payload))
			continue
		}
		t := &transfer{
			id:         xid.New().String(),
			tuning:     s.cfg.Tuning,
			client:     addr,
			filename:   string(p.Payload),
			windowSize: p.Window,
			bufferSize: p.BufferSize,
			rx:         make([]byte, pdu.MaxPDU),
		}
		log.Infof("[SERVER][%s] request from %v : %q win=%d buf=%d", t.id, addr, t.filename, t.windowSize, t.bufferSize)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			t.run()
		}()
	}
}

type transferState int

const (
	tsFileOpen transferState = iota
	tsWaitOnAck
	tsSendData
	tsDone
)

// transfer is one server-side session: it streams a single file to a
// single client from its own ephemeral port.
type transfer struct {
	id         string
	tuning     config.Tuning
	client     *net.UDPAddr
	filename   string
	windowSize uint8
	bufferSize uint16

	conn    *errnet.Conn
	file    *os.File
	win     *window.SenderWindow
	rx      []byte
	readBuf []byte
	ackSeq  uint32

	eofFile      bool
	timeouts     int // consecutive timeouts with lower unmoved
	timeoutLower uint32
	err          error
}

func (t *transfer) run() {
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	state := tsFileOpen
	for state != tsDone {
		switch state {
		case tsFileOpen:
			state = t.fileOpen()
		case tsWaitOnAck:
			state = t.waitOnAck()
		case tsSendData:
			state = t.sendData()
		}
	}
	if t.file != nil {
		t.file.Close()
	}
	if t.conn != nil {
		t.conn.Close()
	}
	if t.err != nil {
		metrics.TransfersFailed.Inc()
		log.Errorf("[SERVER][%s] session ended : %v", t.id, t.err)
		return
	}
	metrics.TransfersCompleted.Inc()
	log.Infof("[SERVER][%s] session done", t.id)
}

// recv waits up to d for one checksum-passing PDU from the session's
// client.
func (t *transfer) recv(d time.Duration) (*pdu.Packet, error) {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, errnet.ErrTimeout
		}
		n, addr, err := t.conn.ReadTimeout(t.rx, remaining)
		if err != nil {
			return nil, err
		}
		if !sameEndpoint(addr, t.client) {
			continue
		}
		if !pdu.Verify(t.rx[:n]) {
			metrics.ChecksumDrops.Inc()
			log.Debugf("[SERVER][RX][%s] checksum failed, dropping %d bytes", t.id, n)
			continue
		}
		p, err := pdu.Decode(t.rx[:n])
		if err != nil {
			log.Debugf("[SERVER][RX][%s] malformed pdu, dropping %d bytes", t.id, n)
			continue
		}
		metrics.PacketsReceived.WithLabelValues(pdu.FlagName(p.Flag)).Inc()
		log.Debugf("[SERVER][RX][%s] %v", t.id, p)
		return p, nil
	}
}

func (t *transfer) nextAck() uint32 {
	t.ackSeq++
	return t.ackSeq
}

// fileOpen binds the session socket and opens the requested file,
// answering FNAME-OK or FNAME-NOT-OK from the new port.
func (t *transfer) fileOpen() transferState {
	conn, err := listenUDP(t.tuning.Channel)
	if err != nil {
		t.err = err
		return tsDone
	}
	t.conn = conn
	file, err := os.Open(t.filename)
	if err != nil {
		log.Warnf("[SERVER][%s] could not open %q : %v", t.id, t.filename, err)
		if err := send(t.conn, pdu.EncodeAck(t.nextAck(), pdu.FlagFilenameNotOK), t.client); err != nil {
			t.err = err
			return tsDone
		}
		// Linger so the negative ack has a chance to be seen before
		// the port disappears.
		time.Sleep(t.tuning.IdleTimeout)
		t.err = fmt.Errorf("requested file %q not available", t.filename)
		return tsDone
	}
	t.file = file
	t.win = window.NewSenderWindow(t.windowSize)
	t.readBuf = make([]byte, t.bufferSize)
	if err := send(t.conn, pdu.EncodeAck(t.nextAck(), pdu.FlagFilenameOK), t.client); err != nil {
		t.err = err
		return tsDone
	}
	log.Debugf("[SERVER][TX][%s] FNAME-OK | port=%d", t.id, t.conn.LocalAddr().(*net.UDPAddr).Port)
	return tsWaitOnAck
}

// waitOnAck blocks for the client's FILE-OK-ACK, repeating FNAME-OK on
// every quiet interval.
func (t *transfer) waitOnAck() transferState {
	for attempt := 0; attempt < t.tuning.MaxAttempts; attempt++ {
		p, err := t.recv(t.tuning.AckTimeout)
		if err == errnet.ErrTimeout {
			if err := send(t.conn, pdu.EncodeAck(t.nextAck(), pdu.FlagFilenameOK), t.client); err != nil {
				t.err = err
				return tsDone
			}
			continue
		}
		if err != nil {
			t.err = err
			return tsDone
		}
		if p.Flag == pdu.FlagFileOKAck {
			return tsSendData
		}
	}
	t.err = fmt.Errorf("%w: no FILE-OK-ACK after %d attempts", ErrPeerUnreachable, t.tuning.MaxAttempts)
	return tsDone
}

// sendData runs the transmission loop: fill the window while it is
// open, then block for control traffic; after the file is exhausted,
// drain outstanding packets and run the EOF handshake.
func (t *transfer) sendData() transferState {
	for {
		for t.win.IsOpen() && !t.eofFile {
			t.sendNextData()
			if t.err != nil {
				return tsDone
			}
			// RRs free slots eagerly while the window is filling.
			t.drainControls()
			if t.err != nil {
				return tsDone
			}
		}
		if t.eofFile && !t.win.InFlight() {
			break
		}
		if !t.waitForControl() {
			return tsDone
		}
	}
	return t.eofHandshake()
}

// sendNextData reads one chunk and emits it as DATA with the next
// window sequence.
func (t *transfer) sendNextData() {
	n, err := io.ReadFull(t.file, t.readBuf)
	if n > 0 {
		seq := t.win.Current()
		b := pdu.EncodeData(seq, pdu.FlagData, t.windowSize, t.bufferSize, t.readBuf[:n])
		if serr := send(t.conn, b, t.client); serr != nil {
			t.err = serr
			return
		}
		t.win.Record(seq, pdu.FlagData, t.readBuf[:n])
		log.Debugf("[SERVER][TX][%s] DATA | seq=%d len=%d", t.id, seq, n)
	}
	switch err {
	case nil:
	case io.EOF, io.ErrUnexpectedEOF:
		t.eofFile = true
		log.Debugf("[SERVER][%s] source exhausted at seq=%d", t.id, t.win.Current())
	default:
		t.err = fmt.Errorf("could not read %v : %w", t.filename, err)
	}
}

// drainControls consumes whatever control datagrams are already
// queued without blocking the send loop.
func (t *transfer) drainControls() {
	for {
		p, err := t.recv(drainPoll)
		if err == errnet.ErrTimeout {
			return
		}
		if err != nil {
			t.err = err
			return
		}
		t.applyControl(p)
	}
}

// applyControl handles one RR or SREJ. RRs slide the window; SREJs
// trigger a reactive resend if the slot still holds the sequence.
func (t *transfer) applyControl(p *pdu.Packet) {
	switch p.Flag {
	case pdu.FlagRR:
		before := t.win.Lower()
		t.win.OnRR(p.AckSeq)
		if t.win.Lower() != before {
			t.timeouts = 0
			t.timeoutLower = t.win.Lower()
		}
		log.Debugf("[SERVER][%s] RR | %v", t.id, t.win.Dump())
	case pdu.FlagSREJ:
		s := t.win.Get(p.AckSeq)
		if s == nil {
			// SREJ crossed with an RR that already advanced past it.
			log.Debugf("[SERVER][%s] stale SREJ for seq=%d", t.id, p.AckSeq)
			return
		}
		b := pdu.EncodeData(s.Seq, pdu.FlagDataResent, t.windowSize, t.bufferSize, s.Payload)
		if err := send(t.conn, b, t.client); err != nil {
			t.err = err
			return
		}
		metrics.Retransmits.WithLabelValues("srej").Inc()
		log.Debugf("[SERVER][TX][%s] DATA-RESENT | seq=%d", t.id, s.Seq)
	case pdu.FlagFileOKAck:
		// Duplicate bootstrap ack, harmless.
	}
}

// waitForControl blocks up to the ack budget for an RR or SREJ. On a
// quiet interval the oldest un-ACKed packet goes out again; too many
// quiet intervals without forward progress abort the session.
func (t *transfer) waitForControl() bool {
	p, err := t.recv(t.tuning.AckTimeout)
	if err == errnet.ErrTimeout {
		oldest := t.win.Oldest()
		if oldest == nil {
			return true
		}
		if t.timeoutLower == t.win.Lower() {
			t.timeouts++
		} else {
			t.timeoutLower = t.win.Lower()
			t.timeouts = 1
		}
		if t.timeouts >= t.tuning.MaxAttempts {
			t.err = fmt.Errorf("%w: %d timeouts at seq=%d", ErrPeerUnreachable, t.timeouts, t.win.Lower())
			return false
		}
		b := pdu.EncodeData(oldest.Seq, pdu.FlagDataTimeout, t.windowSize, t.bufferSize, oldest.Payload)
		if err := send(t.conn, b, t.client); err != nil {
			t.err = err
			return false
		}
		metrics.Retransmits.WithLabelValues("timeout").Inc()
		log.Debugf("[SERVER][TX][%s] DATA-TIMEOUT-RESEND | seq=%d", t.id, oldest.Seq)
		return true
	}
	if err != nil {
		t.err = err
		return false
	}
	t.applyControl(p)
	return t.err == nil
}

// eofHandshake announces the end of the stream and waits for an RR
// past the EOF sequence, tearing down regardless after the attempt
// budget.
func (t *transfer) eofHandshake() transferState {
	eofSeq := t.win.Current()
	for attempt := 0; attempt < t.tuning.MaxAttempts; attempt++ {
		b := pdu.EncodeData(eofSeq, pdu.FlagEOF, t.windowSize, t.bufferSize, nil)
		if err := send(t.conn, b, t.client); err != nil {
			t.err = err
			return tsDone
		}
		log.Debugf("[SERVER][TX][%s] EOF | seq=%d attempt=%d", t.id, eofSeq, attempt+1)
		deadline := time.Now().Add(t.tuning.AckTimeout)
		for {
			p, err := t.recv(time.Until(deadline))
			if err == errnet.ErrTimeout {
				break
			}
			if err != nil {
				t.err = err
				return tsDone
			}
			if p.Flag == pdu.FlagRR && p.AckSeq > eofSeq {
				log.Debugf("[SERVER][%s] EOF acknowledged", t.id)
				return tsDone
			}
			t.applyControl(p)
			if t.err != nil {
				return tsDone
			}
		}
	}
	log.Warnf("[SERVER][%s] EOF never acknowledged, tearing down", t.id)
	return tsDone
}
