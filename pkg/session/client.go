package session

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"

	"github.com/lucasreed/gorcopy/pkg/config"
	"github.com/lucasreed/gorcopy/pkg/errnet"
	"github.com/lucasreed/gorcopy/pkg/metrics"
	"github.com/lucasreed/gorcopy/pkg/pdu"
	"github.com/lucasreed/gorcopy/pkg/window"
)

type clientState int

const (
	stateSendFilename clientState = iota
	stateWaitForData
	stateProcessData
	stateInOrder
	stateBuffer
	stateFlush
	stateDone
)

// Client requests one remote file and reassembles it into the
// destination file. Each Client runs a single session.
type Client struct {
	cfg    *config.Client
	id     string
	conn   *errnet.Conn
	server *net.UDPAddr // the server's listener address
	peer   *net.UDPAddr // the session child's address, locked at FNAME-OK
	from   *net.UDPAddr // source of the last accepted datagram
	buf    *window.ReceiverBuffer
	out    *os.File
	rx     []byte
	pkt    *pdu.Packet

	ackSeq    uint32 // monotonic sequence for outgoing control PDUs
	attempts  int
	eofSeen   bool
	eofSeq    uint32
	srejArmed bool
	srejFor   uint32
	err       error
}

func NewClient(cfg *config.Client) *Client {
	return &Client{
		cfg: cfg,
		id:  xid.New().String(),
		buf: window.NewReceiverBuffer(cfg.WindowSize),
		rx:  make([]byte, pdu.MaxPDU),
	}
}

// Run drives the session to completion and returns nil on a finished
// transfer, or one of the fatal errors of the protocol.
func (c *Client) Run() error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(c.cfg.RemoteHost, strconv.Itoa(c.cfg.RemotePort)))
	if err != nil {
		return fmt.Errorf("could not resolve %v:%v : %w", c.cfg.RemoteHost, c.cfg.RemotePort, err)
	}
	c.server = addr

	state := stateSendFilename
	for state != stateDone {
		switch state {
		case stateSendFilename:
			state = c.sendFilename()
		case stateWaitForData:
			state = c.waitForData()
		case stateProcessData:
			state = c.processData()
		case stateInOrder:
			state = c.inOrder()
		case stateBuffer:
			state = c.bufferWait()
		case stateFlush:
			state = c.flush()
		}
	}
	c.cleanup()
	if c.err != nil {
		log.Errorf("[CLIENT][%s] transfer failed : %v", c.id, c.err)
	}
	return c.err
}

func (c *Client) cleanup() {
	if c.out != nil {
		c.out.Close()
		c.out = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// recv waits up to d for one checksum-passing PDU from the session
// peer. Corrupted and malformed datagrams are dropped in place, as are
// datagrams from unrelated endpoints.
func (c *Client) recv(d time.Duration) (*pdu.Packet, error) {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, errnet.ErrTimeout
		}
		n, addr, err := c.conn.ReadTimeout(c.rx, remaining)
		if err != nil {
			return nil, err
		}
		if c.peer != nil {
			if !sameEndpoint(addr, c.peer) {
				continue
			}
		} else if !addr.IP.Equal(c.server.IP) && !c.server.IP.IsUnspecified() {
			// Before lock-on any port of the remote host may answer,
			// but not other hosts.
			continue
		}
		if !pdu.Verify(c.rx[:n]) {
			metrics.ChecksumDrops.Inc()
			log.Debugf("[CLIENT][RX][%s] checksum failed, dropping %d bytes", c.id, n)
			continue
		}
		p, err := pdu.Decode(c.rx[:n])
		if err != nil {
			log.Debugf("[CLIENT][RX][%s] malformed pdu, dropping %d bytes", c.id, n)
			continue
		}
		c.from = addr
		metrics.PacketsReceived.WithLabelValues(pdu.FlagName(p.Flag)).Inc()
		log.Debugf("[CLIENT][RX][%s] %v", c.id, p)
		return p, nil
	}
}

func (c *Client) nextAck() uint32 {
	c.ackSeq++
	return c.ackSeq
}

func (c *Client) sendRR() {
	c.sendRRFor(c.buf.NextSeqNum())
}

func (c *Client) sendRRFor(next uint32) {
	b := pdu.EncodeControl(c.nextAck(), pdu.FlagRR, next)
	if err := send(c.conn, b, c.peer); err != nil {
		log.Warnf("[CLIENT][TX][%s] RR send failed : %v", c.id, err)
	}
	log.Debugf("[CLIENT][TX][%s] RR | next=%d", c.id, next)
}

// armSREJ emits SREJ(nextSeqNum) once per observed gap boundary. The
// arm is released when nextSeqNum advances.
func (c *Client) armSREJ() {
	next := c.buf.NextSeqNum()
	if c.srejArmed && c.srejFor == next {
		return
	}
	c.srejArmed = true
	c.srejFor = next
	b := pdu.EncodeControl(c.nextAck(), pdu.FlagSREJ, next)
	if err := send(c.conn, b, c.peer); err != nil {
		log.Warnf("[CLIENT][TX][%s] SREJ send failed : %v", c.id, err)
	}
	log.Debugf("[CLIENT][TX][%s] SREJ | missing=%d", c.id, next)
}

// writeInOrder appends the in-order payload to the output file and
// advances the buffer past it.
func (c *Client) writeInOrder(seq uint32, payload []byte) bool {
	if _, err := c.out.Write(payload); err != nil {
		c.err = fmt.Errorf("could not write to %v : %w", c.cfg.ToFile, err)
		return false
	}
	c.buf.Deliver(seq)
	c.srejArmed = false
	log.Debugf("[CLIENT][%s] delivered seq=%d len=%d next=%d", c.id, seq, len(payload), c.buf.NextSeqNum())
	return true
}

// sendFilename transmits the FNAME request and waits for the verdict.
// Every unanswered attempt closes the socket and opens a fresh
// ephemeral port.
func (c *Client) sendFilename() clientState {
	if c.attempts >= c.cfg.Tuning.MaxAttempts {
		c.err = fmt.Errorf("%w: no reply to %d filename requests", ErrPeerUnreachable, c.attempts)
		return stateDone
	}
	if c.conn == nil {
		conn, err := listenUDP(c.cfg.Tuning.Channel)
		if err != nil {
			c.err = err
			return stateDone
		}
		c.conn = conn
	}
	c.attempts++
	fname := pdu.EncodeData(0, pdu.FlagFilename, c.cfg.WindowSize, c.cfg.BufferSize, []byte(c.cfg.FromFile))
	if err := send(c.conn, fname, c.server); err != nil {
		c.err = err
		return stateDone
	}
	log.Debugf("[CLIENT][TX][%s] FNAME | attempt=%d name=%q win=%d buf=%d",
		c.id, c.attempts, c.cfg.FromFile, c.cfg.WindowSize, c.cfg.BufferSize)

	deadline := time.Now().Add(c.cfg.Tuning.AckTimeout)
	for {
		p, err := c.recv(time.Until(deadline))
		if err == errnet.ErrTimeout {
			c.conn.Close()
			c.conn = nil
			return stateSendFilename
		}
		if err != nil {
			c.err = err
			return stateDone
		}
		switch p.Flag {
		case pdu.FlagFilenameNotOK:
			c.err = ErrFileNotFound
			return stateDone
		case pdu.FlagFilenameOK:
			// All session traffic now uses the child's port.
			c.peer = c.from
			if c.out != nil {
				c.out.Close()
			}
			out, err := os.Create(c.cfg.ToFile)
			if err != nil {
				c.err = fmt.Errorf("could not open destination file %v : %w", c.cfg.ToFile, err)
				return stateDone
			}
			c.out = out
			if err := send(c.conn, pdu.EncodeAck(c.nextAck(), pdu.FlagFileOKAck), c.peer); err != nil {
				c.err = err
				return stateDone
			}
			log.Debugf("[CLIENT][TX][%s] FILE-OK-ACK | peer=%v", c.id, c.peer)
			return stateWaitForData
		}
		// Anything else is stale traffic; keep waiting out the attempt.
	}
}

// waitForData waits for the first DATA of the session. Silence sends
// the bootstrap back to the filename exchange on a fresh socket.
func (c *Client) waitForData() clientState {
	p, err := c.recv(c.cfg.Tuning.AckTimeout)
	if err == errnet.ErrTimeout {
		c.conn.Close()
		c.conn = nil
		c.peer = nil
		return stateSendFilename
	}
	if err != nil {
		c.err = err
		return stateDone
	}
	if p.Flag == pdu.FlagFilenameOK {
		// Our FILE-OK-ACK was lost; answer the repeat.
		if err := send(c.conn, pdu.EncodeAck(c.nextAck(), pdu.FlagFileOKAck), c.peer); err != nil {
			c.err = err
			return stateDone
		}
		return stateWaitForData
	}
	c.pkt = p
	return stateProcessData
}

// processData routes the first received packet into the reassembly
// pipeline.
func (c *Client) processData() clientState {
	p := c.pkt
	switch p.Flag {
	case pdu.FlagEOF:
		return c.handleEOF(p)
	case pdu.FlagData, pdu.FlagDataResent, pdu.FlagDataTimeout:
	default:
		return stateWaitForData
	}
	switch c.buf.Accept(p.Seq, p.Flag, p.Payload) {
	case window.InOrder:
		if !c.writeInOrder(p.Seq, p.Payload) {
			return stateDone
		}
		c.sendRR()
		return stateInOrder
	case window.Buffered:
		c.armSREJ()
		return stateBuffer
	default:
		c.sendRR()
		return stateInOrder
	}
}

// inOrder is the steady state: data arrives in sequence and every
// delivery is acknowledged. Ten quiet seconds mean the transfer is
// over.
func (c *Client) inOrder() clientState {
	p, err := c.recv(c.cfg.Tuning.IdleTimeout)
	if err == errnet.ErrTimeout {
		log.Debugf("[CLIENT][%s] idle for %v, transfer complete", c.id, c.cfg.Tuning.IdleTimeout)
		return stateDone
	}
	if err != nil {
		c.err = err
		return stateDone
	}
	switch p.Flag {
	case pdu.FlagEOF:
		return c.handleEOF(p)
	case pdu.FlagData, pdu.FlagDataResent, pdu.FlagDataTimeout:
		switch c.buf.Accept(p.Seq, p.Flag, p.Payload) {
		case window.InOrder:
			if !c.writeInOrder(p.Seq, p.Payload) {
				return stateDone
			}
			c.sendRR()
		case window.Buffered:
			c.armSREJ()
			return stateBuffer
		default:
			c.sendRR()
		}
	}
	return stateInOrder
}

// bufferWait runs while a gap is open: future packets are cached, the
// arrival of the missing sequence moves to FLUSH.
func (c *Client) bufferWait() clientState {
	p, err := c.recv(c.cfg.Tuning.IdleTimeout)
	if err == errnet.ErrTimeout {
		log.Warnf("[CLIENT][%s] gave up waiting on seq=%d after %v", c.id, c.buf.NextSeqNum(), c.cfg.Tuning.IdleTimeout)
		return stateDone
	}
	if err != nil {
		c.err = err
		return stateDone
	}
	switch p.Flag {
	case pdu.FlagEOF:
		return c.handleEOF(p)
	case pdu.FlagData, pdu.FlagDataResent, pdu.FlagDataTimeout:
		switch c.buf.Accept(p.Seq, p.Flag, p.Payload) {
		case window.InOrder:
			if !c.writeInOrder(p.Seq, p.Payload) {
				return stateDone
			}
			return stateFlush
		case window.Buffered:
			c.armSREJ()
		default:
			c.sendRR()
		}
	}
	return stateBuffer
}

// flush drains every contiguous buffered packet, acknowledges the new
// nextSeqNum, and decides where the pipeline goes next.
func (c *Client) flush() clientState {
	for s := c.buf.Ready(); s != nil; s = c.buf.Ready() {
		if !c.writeInOrder(s.Seq, s.Payload) {
			return stateDone
		}
	}
	c.sendRR()
	log.Debugf("[CLIENT][%s] flushed, %v", c.id, c.buf.Dump())
	if c.eofSeen && c.buf.NextSeqNum() == c.eofSeq && !c.buf.Gap() {
		return c.finishEOF()
	}
	if c.buf.Gap() {
		c.armSREJ()
		return stateBuffer
	}
	return stateInOrder
}

// handleEOF notes the end marker. It is honored once everything below
// it has been delivered; otherwise the gap machinery keeps running.
func (c *Client) handleEOF(p *pdu.Packet) clientState {
	c.eofSeen = true
	c.eofSeq = p.Seq
	if c.buf.NextSeqNum() == p.Seq && !c.buf.Gap() {
		return c.finishEOF()
	}
	log.Debugf("[CLIENT][RX][%s] EOF seq=%d ahead of next=%d, still reassembling", c.id, p.Seq, c.buf.NextSeqNum())
	c.armSREJ()
	return stateBuffer
}

func (c *Client) finishEOF() clientState {
	c.sendRRFor(c.eofSeq + 1)
	log.Infof("[CLIENT][%s] transfer of %q complete, %d data packets", c.id, c.cfg.FromFile, c.eofSeq)
	return stateDone
}
