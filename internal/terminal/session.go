package terminal

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/gluk-w/workshop-gateway/internal/metrics"
	log "github.com/sirupsen/logrus"
)

// nudgeDelay is how long a same-size resize keeps the extra row before
// restoring the requested geometry.
const nudgeDelay = 30 * time.Millisecond

// ErrForbidden is returned when a HELLO carries the wrong token.
var ErrForbidden = errors.New("terminal token rejected")

// Conn is a client socket as seen by a session. Send must not block: it
// queues the frame and reports false if the socket is closed or cannot
// accept more data. Close must not block either.
type Conn interface {
	Send(frame []byte) bool
	Open() bool
	Close()
}

// SessionOptions configures every session created by a Registry.
type SessionOptions struct {
	// Token is the gateway identity token clients present in HELLO.
	Token       string
	Launcher    Launcher
	BufferLimit int
	// Cols and Rows are the geometry new processes are spawned with.
	Cols    uint16
	Rows    uint16
	Metrics *metrics.Metrics
}

// Session is one logical terminal: at most one running process, its output
// buffer and the client sockets viewing it. All state is guarded by mu,
// including the process read loop callbacks, so sequence numbers and
// buffer eviction are strictly ordered.
//
// States:
//
//	empty   --HELLO-->  running  (process spawned)
//	running --exit-->   empty    (clients closed, buffer and seq reset)
type Session struct {
	key  string
	id   string
	opts SessionOptions

	mu     sync.Mutex
	conns  map[Conn]struct{}
	proc   Process
	gen    uint64
	seq    int64
	buffer *OutputBuffer
	nudge  *time.Timer
}

func newSession(key, id string, opts SessionOptions) *Session {
	if opts.Cols == 0 {
		opts.Cols = DefaultCols
	}
	if opts.Rows == 0 {
		opts.Rows = DefaultRows
	}
	return &Session{
		key:    key,
		id:     id,
		opts:   opts,
		conns:  make(map[Conn]struct{}),
		buffer: NewOutputBuffer(opts.BufferLimit),
	}
}

// ID returns the client-visible session id.
func (s *Session) ID() string { return s.id }

// Handle applies one inbound packet from c.
func (s *Session) Handle(c Conn, p Packet) error {
	switch p.Type {
	case PacketHello:
		args, err := p.Hello()
		if err != nil {
			return err
		}
		return s.hello(c, args)
	case PacketData:
		var args InputArgs
		if err := p.DecodeArgs(&args); err != nil {
			return err
		}
		return s.input(args.Data)
	case PacketResize:
		var args ResizeArgs
		if err := p.DecodeArgs(&args); err != nil {
			return err
		}
		s.mu.Lock()
		s.resizeLocked(args.Cols, args.Rows)
		s.mu.Unlock()
		return nil
	default:
		// PING is a keepalive. EXIT and ERROR only flow to clients.
		return nil
	}
}

func (s *Session) hello(c Conn, args HelloArgs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if subtle.ConstantTimeCompare([]byte(args.Token), []byte(s.opts.Token)) != 1 {
		s.sendLocked(c, PacketError, ErrorArgs{Reason: ReasonForbidden})
		return ErrForbidden
	}

	if s.proc == nil {
		if err := s.spawnLocked(); err != nil {
			return err
		}
	}

	// Earlier viewers are told someone else took over, but stay attached.
	hijacked, err := EncodePacket(PacketError, s.id, ErrorArgs{Reason: ReasonHijacked})
	if err != nil {
		return err
	}
	sent := 0
	for other := range s.conns {
		if other != c && other.Open() && other.Send(hijacked) {
			sent++
		}
	}
	s.opts.Metrics.PacketSent(PacketError.String(), sent)

	if _, ok := s.conns[c]; !ok {
		s.conns[c] = struct{}{}
		s.opts.Metrics.ClientsChanged(1)
	}

	data, last, ok := s.buffer.Since(args.Seq)
	if !ok {
		last = args.Seq
	}
	s.sendLocked(c, PacketData, OutputArgs{Data: string(data), Seq: last})

	s.resizeLocked(args.Cols, args.Rows)
	return nil
}

func (s *Session) spawnLocked() error {
	s.gen++
	events := &sessionEvents{session: s, gen: s.gen}
	proc, err := s.opts.Launcher(s.opts.Cols, s.opts.Rows, events)
	if err != nil {
		s.opts.Metrics.ProcessSpawnFailed()
		return fmt.Errorf("spawn terminal %s: %w", s.key, err)
	}
	s.proc = proc
	s.seq = 0
	s.buffer.Reset()
	s.opts.Metrics.ProcessStarted()
	log.Printf("[terminal] session %s: process started (%dx%d)", s.key, s.opts.Cols, s.opts.Rows)
	return nil
}

// input forwards client keystrokes. The write happens outside the lock so a
// process that stops reading its input cannot stall its own output loop.
func (s *Session) input(data string) error {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil || data == "" {
		return nil
	}
	if _, err := proc.Write([]byte(data)); err != nil {
		// The process exited between the lookup and the write.
		if errors.Is(err, os.ErrClosed) {
			log.Debugf("[terminal] session %s: input dropped, terminal closed", s.key)
			return nil
		}
		return fmt.Errorf("write to terminal %s: %w", s.key, err)
	}
	return nil
}

// resizeLocked applies a geometry change. Programs ignore a resize to the
// current size, so an unchanged size is sent as rows+1 (rows-1 at the
// uint16 limit) and restored after nudgeDelay to force a redraw.
func (s *Session) resizeLocked(cols, rows uint16) {
	if s.proc == nil || cols == 0 || rows == 0 {
		return
	}
	s.stopNudgeLocked()

	curCols, curRows := s.proc.Size()
	if cols != curCols || rows != curRows {
		if err := s.proc.Resize(cols, rows); err != nil {
			log.Warnf("[terminal] session %s: resize %dx%d: %v", s.key, cols, rows, err)
		}
		return
	}

	nudgeRows := rows + 1
	if rows == math.MaxUint16 {
		nudgeRows = rows - 1
	}
	if err := s.proc.Resize(cols, nudgeRows); err != nil {
		log.Warnf("[terminal] session %s: resize %dx%d: %v", s.key, cols, nudgeRows, err)
		return
	}
	proc := s.proc
	var t *time.Timer
	t = time.AfterFunc(nudgeDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.nudge != t || s.proc != proc {
			return
		}
		s.nudge = nil
		if err := proc.Resize(cols, rows); err != nil {
			log.Warnf("[terminal] session %s: resize %dx%d: %v", s.key, cols, rows, err)
		}
	})
	s.nudge = t
}

func (s *Session) stopNudgeLocked() {
	if s.nudge != nil {
		s.nudge.Stop()
		s.nudge = nil
	}
}

// Broadcast sends one packet to every open attached socket.
func (s *Session) Broadcast(t PacketType, args any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastLocked(t, args)
}

func (s *Session) broadcastLocked(t PacketType, args any) {
	frame, err := EncodePacket(t, s.id, args)
	if err != nil {
		log.Errorf("[terminal] session %s: encode %s: %v", s.key, t, err)
		return
	}
	sent := 0
	for c := range s.conns {
		if c.Open() && c.Send(frame) {
			sent++
		}
	}
	s.opts.Metrics.PacketSent(t.String(), sent)
}

func (s *Session) sendLocked(c Conn, t PacketType, args any) {
	frame, err := EncodePacket(t, s.id, args)
	if err != nil {
		log.Errorf("[terminal] session %s: encode %s: %v", s.key, t, err)
		return
	}
	if c.Open() && c.Send(frame) {
		s.opts.Metrics.PacketSent(t.String(), 1)
	}
}

// Detach removes c from the session. It is safe to call for sockets that
// were never attached.
func (s *Session) Detach(c Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[c]; ok {
		delete(s.conns, c)
		s.opts.Metrics.ClientsChanged(-1)
	}
}

// CloseAll closes every attached socket. The process keeps running.
func (s *Session) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeConnsLocked()
}

func (s *Session) closeConnsLocked() {
	for c := range s.conns {
		c.Close()
	}
	s.opts.Metrics.ClientsChanged(-len(s.conns))
	s.conns = make(map[Conn]struct{})
}

func (s *Session) output(gen uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.proc == nil {
		return
	}
	s.seq++
	s.buffer.Append(s.seq, data)
	s.broadcastLocked(PacketData, OutputArgs{Data: string(data), Seq: s.seq})
}

func (s *Session) exit(gen uint64, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.proc == nil {
		return
	}
	log.Printf("[terminal] session %s: process exited with code %d", s.key, code)
	s.broadcastLocked(PacketExit, nil)
	s.closeConnsLocked()
	s.stopNudgeLocked()
	s.proc = nil
	s.seq = 0
	s.buffer.Reset()
	s.opts.Metrics.ProcessExited()
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID       string `json:"id"`
	Key      string `json:"key"`
	Running  bool   `json:"running"`
	Clients  int    `json:"clients"`
	Seq      int64  `json:"seq"`
	Buffered int    `json:"buffered"`
	Cols     uint16 `json:"cols,omitempty"`
	Rows     uint16 `json:"rows,omitempty"`
}

// Info returns a snapshot of the session state.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{
		ID:       s.id,
		Key:      s.key,
		Running:  s.proc != nil,
		Clients:  len(s.conns),
		Seq:      s.seq,
		Buffered: s.buffer.Size(),
	}
	if s.proc != nil {
		info.Cols, info.Rows = s.proc.Size()
	}
	return info
}

// sessionEvents binds process callbacks to the spawn that produced them so
// a late callback from a replaced process is ignored.
type sessionEvents struct {
	session *Session
	gen     uint64
}

func (e *sessionEvents) Output(data []byte) { e.session.output(e.gen, data) }
func (e *sessionEvents) Exit(code int)      { e.session.exit(e.gen, code) }
