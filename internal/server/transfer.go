package server

import (
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"tftpd-server/internal/access"
	"tftpd-server/internal/proto"
)

type transferState int

const (
	stateInitialized transferState = iota
	stateConnected
	stateAwaitingOackAck
	stateTransferring
	stateCompleted
	stateErrored
	stateClosed
)

func (s transferState) terminal() bool {
	return s == stateCompleted || s == stateErrored || s == stateClosed
}

func (s transferState) String() string {
	switch s {
	case stateInitialized:
		return "initialized"
	case stateConnected:
		return "connected"
	case stateAwaitingOackAck:
		return "awaiting-oack-ack"
	case stateTransferring:
		return "transferring"
	case stateCompleted:
		return "completed"
	case stateErrored:
		return "errored"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// inflightBlock is one unacknowledged DATA block in the send window.
type inflightBlock struct {
	payload  []byte
	isFinal  bool
	lastSent time.Time
	retries  int
}

// transfer drives one RRQ or WRQ from acceptance to termination. All fields
// are owned by the transfer's goroutine; the dispatcher communicates only
// through the packets and stop channels.
type transfer struct {
	srv   *Server
	peer  netip.AddrPort
	send  func([]byte) error
	clock func() time.Time

	dir      access.Direction
	filename string
	absPath  string
	mode     proto.Mode

	// Negotiated parameters. Defaults come from the configuration; options on
	// the request clamp them per RFC 2347/2348/2349/7440.
	blockSize  int
	windowSize int
	timeout    time.Duration
	maxRetries int

	state transferState

	file *os.File
	src  io.Reader
	dst  io.Writer
	naw  *proto.NetasciiWriter

	bytesTransferred uint64
	// fileSize is the actual file size on RRQ (for the tsize echo) and the
	// client-advertised tsize on WRQ (0 if none).
	fileSize      uint64
	currentBlock  uint16
	expectedBlock uint16

	// RRQ send window.
	nextBlockToSend uint16
	window          map[uint16]*inflightBlock
	finalSent       bool
	finalBlock      uint16
	awaitingOackAck bool

	// WRQ ACK bookkeeping.
	lastAckBlock uint16
	ackRetries   int
	lastAckTime  time.Time
	// created is set once this WRQ has opened its target for writing.
	created bool

	start        time.Time
	lastActivity time.Time

	packets chan proto.Packet
	stop    chan struct{}
	done    chan struct{}
}

func newTransfer(s *Server, peer netip.AddrPort, dir access.Direction, dec access.Decision) *transfer {
	now := time.Now()
	perf := s.cfg.Performance
	return &transfer{
		srv:   s,
		peer:  peer,
		send:  func(b []byte) error { return s.sendTo(b, peer) },
		clock: time.Now,

		dir:      dir,
		filename: dec.RelPath,
		absPath:  dec.AbsPath,

		blockSize:  perf.BlockSize,
		windowSize: perf.WindowSize,
		timeout:    time.Duration(perf.Timeout) * time.Second,
		maxRetries: perf.MaxRetries,

		state:           stateInitialized,
		nextBlockToSend: 1,
		expectedBlock:   1,
		window:          make(map[uint16]*inflightBlock),

		start:        now,
		lastActivity: now,
		lastAckTime:  now,

		packets: make(chan proto.Packet, 64),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// tickInterval is fixed at half the minimum negotiable timeout, which keeps
// the per-block retry contract (fire within timeout, check at least twice per
// interval) for every negotiated value.
const tickInterval = 500 * time.Millisecond

func (t *transfer) run() {
	defer close(t.done)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case p := <-t.packets:
			t.handlePacket(p)
		case now := <-ticker.C:
			t.tick(now)
		case <-t.stop:
			t.shutdown()
			return
		}
		if t.state.terminal() {
			return
		}
	}
}

// handlePacket processes one datagram routed to this transfer. It is also the
// entry point for the initial RRQ/WRQ.
func (t *transfer) handlePacket(p proto.Packet) {
	t.lastActivity = t.clock()
	switch p := p.(type) {
	case proto.Rrq:
		t.acceptRead(p)
	case proto.Wrq:
		t.acceptWrite(p)
	case proto.Data:
		t.handleData(p)
	case proto.Ack:
		t.handleAck(p)
	case proto.Error:
		t.handlePeerError(p)
	default:
		t.fail(proto.ErrIllegalOp, "unexpected packet")
	}
}

func (t *transfer) acceptRead(p proto.Rrq) {
	if t.state != stateInitialized {
		t.fail(proto.ErrIllegalOp, "duplicate request")
		return
	}
	t.state = stateConnected
	t.mode = p.Mode

	f, err := os.Open(t.absPath)
	if err != nil {
		if os.IsNotExist(err) {
			t.fail(proto.ErrFileNotFound, "File not found")
		} else {
			t.fail(proto.ErrAccessViolation, "Access denied")
		}
		return
	}
	st, err := f.Stat()
	if err != nil || st.IsDir() {
		f.Close()
		t.fail(proto.ErrFileNotFound, "File not found")
		return
	}
	t.file = f
	t.fileSize = uint64(st.Size())
	if t.mode.Translates() {
		t.src = proto.NewNetasciiReader(f)
	} else {
		t.src = f
	}

	sentOack := t.negotiate(p.Options, true)
	if t.state.terminal() {
		return
	}
	if sentOack {
		t.state = stateAwaitingOackAck
		t.awaitingOackAck = true
		return
	}
	t.state = stateTransferring
	t.fillWindow()
}

func (t *transfer) acceptWrite(p proto.Wrq) {
	if t.state != stateInitialized {
		t.fail(proto.ErrIllegalOp, "duplicate request")
		return
	}
	t.state = stateConnected
	t.mode = p.Mode

	maxSize := t.srv.checker.MaxFileSize()
	if p.Options.HasTransferSize && maxSize > 0 && p.Options.TransferSize > maxSize {
		t.fail(proto.ErrDiskFull, "File too large")
		return
	}

	if err := os.MkdirAll(filepath.Dir(t.absPath), 0o755); err != nil {
		t.fail(proto.ErrAccessViolation, "Access denied")
		return
	}
	// O_EXCL keeps overwrite protection atomic: the exists check in the policy
	// layer and the create race against concurrent writers otherwise.
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if t.srv.cfg.Security.OverwriteProtection {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(t.absPath, flags, 0o644)
	if err != nil {
		if os.IsExist(err) {
			t.fail(proto.ErrFileExists, "File exists")
		} else {
			t.fail(proto.ErrAccessViolation, "Access denied")
		}
		return
	}
	t.file = f
	t.created = true
	if t.mode.Translates() {
		t.naw = proto.NewNetasciiWriter(f)
		t.dst = t.naw
	} else {
		t.dst = f
	}

	t.negotiate(p.Options, false)
	if t.state.terminal() {
		return
	}

	t.currentBlock = 0
	t.expectedBlock = 1
	t.state = stateTransferring
	if !t.sendAck(0) {
		return
	}
}

// negotiate applies request options, clamping each to min(client, server
// ceiling) within its protocol range, and emits an OACK when any option was
// present. Returns whether an OACK was sent.
func (t *transfer) negotiate(opts proto.Options, isRead bool) bool {
	if !opts.Any() {
		return false
	}
	perf := t.srv.cfg.Performance
	var resp proto.Options

	if opts.HasBlockSize {
		bs := int(opts.BlockSize)
		if bs > perf.BlockSize {
			bs = perf.BlockSize
		}
		t.blockSize = bs
		resp.HasBlockSize = true
		resp.BlockSize = uint16(bs)
	}
	if opts.HasTimeout {
		secs := int(opts.Timeout)
		if secs > perf.Timeout {
			secs = perf.Timeout
		}
		t.timeout = time.Duration(secs) * time.Second
		resp.HasTimeout = true
		resp.Timeout = uint8(secs)
	}
	if opts.HasWindowSize {
		ws := int(opts.WindowSize)
		if ws > perf.WindowSize {
			ws = perf.WindowSize
		}
		t.windowSize = ws
		resp.HasWindowSize = true
		resp.WindowSize = uint16(ws)
	}
	if opts.HasTransferSize {
		resp.HasTransferSize = true
		if isRead {
			resp.TransferSize = t.fileSize
		} else {
			t.fileSize = opts.TransferSize
			resp.TransferSize = opts.TransferSize
		}
	}

	return t.sendPacket(proto.Oack{Options: resp})
}

func (t *transfer) handleData(p proto.Data) {
	if t.dir != access.DirWrite {
		t.fail(proto.ErrIllegalOp, "unexpected DATA")
		return
	}
	if t.state != stateTransferring {
		return
	}
	if len(p.Payload) > t.blockSize {
		t.fail(proto.ErrIllegalOp, "oversized DATA block")
		return
	}

	switch {
	case p.Block == t.currentBlock:
		// Our ACK was lost; acknowledge again without re-writing bytes.
		t.srv.logf(levelDebug, "%s: duplicate DATA block %d", t.peer, p.Block)
		t.sendPacket(proto.Ack{Block: p.Block})
		return
	case p.Block != t.expectedBlock:
		t.srv.logf(levelWarning, "%s: out-of-order DATA block %d, expected %d", t.peer, p.Block, t.expectedBlock)
		t.sendPacket(proto.Ack{Block: t.currentBlock})
		return
	}

	n := uint64(len(p.Payload))
	maxSize := t.srv.checker.MaxFileSize()
	if maxSize > 0 && t.bytesTransferred+n > maxSize {
		t.fail(proto.ErrDiskFull, "File too large")
		return
	}
	if t.fileSize > 0 && t.bytesTransferred+n > t.fileSize {
		t.fail(proto.ErrDiskFull, "Transfer exceeds advertised size")
		return
	}

	if len(p.Payload) > 0 {
		if _, err := t.dst.Write(p.Payload); err != nil {
			t.fail(proto.ErrDiskFull, "Write failed")
			return
		}
	}

	t.bytesTransferred += n
	t.currentBlock = p.Block
	t.expectedBlock = p.Block + 1
	if !t.sendAck(p.Block) {
		return
	}

	if len(p.Payload) < t.blockSize {
		if t.naw != nil {
			t.naw.Flush()
		}
		t.complete()
	}
}

func (t *transfer) handleAck(p proto.Ack) {
	if t.dir != access.DirRead {
		t.fail(proto.ErrIllegalOp, "unexpected ACK")
		return
	}

	if t.awaitingOackAck {
		if p.Block == 0 {
			t.awaitingOackAck = false
			t.state = stateTransferring
			t.fillWindow()
		}
		return
	}
	if t.state != stateTransferring {
		return
	}

	if _, ok := t.window[p.Block]; !ok {
		t.srv.logf(levelDebug, "%s: duplicate ACK for block %d", t.peer, p.Block)
		return
	}

	// Cumulative interpretation (RFC 7440): the ACK covers every earlier
	// still-outstanding block in the window.
	for b := range t.window {
		if uint16(p.Block-b) < uint16(t.windowSize) {
			delete(t.window, b)
		}
	}
	t.lastAckBlock = p.Block
	t.currentBlock = p.Block

	if t.finalSent && len(t.window) == 0 {
		t.complete()
		return
	}
	t.fillWindow()
}

// fillWindow keeps up to windowSize blocks outstanding, reading from the
// (possibly translating) source stream. Blocks are emitted in strictly
// ascending order; a short block is the final one, and an exact-multiple file
// terminates with an extra zero-byte DATA.
func (t *transfer) fillWindow() {
	now := t.clock()
	buf := make([]byte, t.blockSize)
	for len(t.window) < t.windowSize && !t.finalSent {
		n, err := io.ReadFull(t.src, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			t.fail(proto.ErrUndefined, "Read failed")
			return
		}

		block := t.nextBlockToSend
		payload := make([]byte, n)
		copy(payload, buf[:n])
		isFinal := n < t.blockSize

		if !t.sendPacket(proto.Data{Block: block, Payload: payload}) {
			return
		}
		t.window[block] = &inflightBlock{
			payload:  payload,
			isFinal:  isFinal,
			lastSent: now,
		}
		t.bytesTransferred += uint64(n)
		if isFinal {
			t.finalSent = true
			t.finalBlock = block
		}
		t.nextBlockToSend = block + 1
	}
}

// tick drives retransmission and the idle timeout. Called at least twice per
// negotiated timeout interval.
func (t *transfer) tick(now time.Time) {
	if t.state != stateTransferring && t.state != stateAwaitingOackAck {
		return
	}

	if now.Sub(t.lastActivity) > t.timeout*time.Duration(t.maxRetries+1) {
		t.srv.logf(levelWarning, "%s: idle timeout for %q", t.peer, t.filename)
		t.failTimeout()
		return
	}

	if t.dir == access.DirRead {
		for block, fb := range t.window {
			if now.Sub(fb.lastSent) < t.timeout {
				continue
			}
			if fb.retries >= t.maxRetries {
				t.srv.logf(levelError, "%s: retry limit reached for block %d of %q", t.peer, block, t.filename)
				t.failTimeout()
				return
			}
			if !t.sendPacket(proto.Data{Block: block, Payload: fb.payload}) {
				return
			}
			fb.retries++
			fb.lastSent = now
		}
		return
	}

	// WRQ: re-emit the last ACK when the client stalls.
	if t.state == stateTransferring && now.Sub(t.lastAckTime) >= t.timeout {
		if t.ackRetries >= t.maxRetries {
			t.srv.logf(levelError, "%s: client stalled writing %q", t.peer, t.filename)
			t.failTimeout()
			return
		}
		t.ackRetries++
		t.srv.logf(levelWarning, "%s: re-sending ACK %d for %q", t.peer, t.lastAckBlock, t.filename)
		t.sendPacket(proto.Ack{Block: t.lastAckBlock})
		t.lastAckTime = now
	}
}

func (t *transfer) handlePeerError(p proto.Error) {
	t.srv.logf(levelWarning, "%s: peer error %d (%s) for %q", t.peer, p.Code, p.Message, t.filename)
	t.state = stateErrored
	t.closeFiles()
	t.removePartial()
	t.finish(false)
}

// sendAck emits ACK(n) and tracks it for WRQ retransmission.
func (t *transfer) sendAck(block uint16) bool {
	if !t.sendPacket(proto.Ack{Block: block}) {
		return false
	}
	t.lastAckBlock = block
	t.ackRetries = 0
	t.lastAckTime = t.clock()
	return true
}

// sendPacket serializes and transmits. A send failure is an I/O error that
// tears the transfer down locally without a wire ERROR.
func (t *transfer) sendPacket(p proto.Packet) bool {
	if err := t.send(proto.Encode(p)); err != nil {
		t.srv.logf(levelError, "%s: send failed: %v", t.peer, err)
		t.state = stateErrored
		t.closeFiles()
		t.removePartial()
		t.finish(false)
		return false
	}
	return true
}

// fail emits one ERROR datagram and terminates the transfer.
func (t *transfer) fail(code proto.ErrorCode, msg string) {
	t.srv.logf(levelError, "%s: %s (%s) for %q", t.peer, msg, code, t.filename)
	t.send(proto.Encode(proto.Error{Code: code, Message: msg}))
	t.state = stateErrored
	t.closeFiles()
	t.removePartial()
	t.finish(false)
}

// failTimeout is fail with the timeout bookkeeping. Timeouts map to the
// undefined wire code with a "timeout" message.
func (t *transfer) failTimeout() {
	t.srv.metrics.RecordTimeout()
	t.fail(proto.ErrUndefined, "timeout")
}

func (t *transfer) complete() {
	t.state = stateCompleted
	t.closeFiles()
	t.finish(true)
}

// shutdown handles a dispatcher-initiated close: no ERROR datagram, files
// closed before the record is released.
func (t *transfer) shutdown() {
	if t.state.terminal() {
		return
	}
	t.state = stateClosed
	t.closeFiles()
	t.removePartial()
	t.finish(false)
}

func (t *transfer) closeFiles() {
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
}

// removePartial deletes an incomplete upload target. A file this transfer
// never opened for writing is left alone.
func (t *transfer) removePartial() {
	if t.dir == access.DirWrite && t.created && t.state != stateCompleted && t.absPath != "" {
		os.Remove(t.absPath)
	}
}

// finish reports the outcome once: metrics, event ring, process log.
func (t *transfer) finish(success bool) {
	durMs := t.clock().Sub(t.start).Milliseconds()
	t.srv.metrics.RecordTransfer(t.bytesTransferred, success, durMs)
	if t.state == stateErrored {
		t.srv.metrics.RecordError()
	}

	detail := fmt.Sprintf("%d bytes in %d ms", t.bytesTransferred, durMs)
	level := levelInfo
	if !success {
		level = levelWarning
		detail += " (" + t.state.String() + ")"
	}
	t.srv.events.add(Event{
		Peer:     t.peer.String(),
		Op:       t.dir.String(),
		Filename: t.filename,
		Detail:   detail,
		Level:    levelName(level),
	})
	t.srv.logf(level, "%s: %s %q finished: %s", t.peer, t.dir, t.filename, detail)
}
