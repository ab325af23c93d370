// Package agent implements AgentSession: the per-VM multiplexer that
// correlates host requests with the guest agent's asynchronous
// replies over whichever transport is live. It owns a cmd_id→waiter
// map for exec and a session_id→SessionState map for interactive
// sessions, directly grounded on the channelDemuxer pending-map and
// short-lock-then-wait pattern used for the VMM control channel.
package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hacke-rc/bandsox/internal/bsxerr"
	"github.com/hacke-rc/bandsox/internal/serial"
	"github.com/hacke-rc/bandsox/internal/vsock"
)

// SessionState tracks one interactive session's output listeners and
// exit status. Output is not buffered: each chunk goes only to the
// listeners registered via Subscribe at the time it is dispatched, and
// a listener whose channel is full misses it.
type SessionState struct {
	mu        sync.Mutex
	exited    bool
	exitCode  int
	done      chan struct{}
	listeners []chan OutputEvent
}

// OutputEvent is one session_output notification.
type OutputEvent struct {
	Stream string // "stdout" or "stderr"
	Data   []byte
}

func newSessionState() *SessionState {
	return &SessionState{done: make(chan struct{})}
}

func (s *SessionState) publish(ev OutputEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listeners {
		select {
		case l <- ev:
		default:
		}
	}
}

func (s *SessionState) subscribe() chan OutputEvent {
	ch := make(chan OutputEvent, 64)
	s.mu.Lock()
	s.listeners = append(s.listeners, ch)
	s.mu.Unlock()
	return ch
}

func (s *SessionState) unsubscribe(ch chan OutputEvent) {
	s.mu.Lock()
	for i, l := range s.listeners {
		if l == ch {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

func (s *SessionState) setExit(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited {
		return
	}
	s.exited = true
	s.exitCode = code
	close(s.done)
}

// GuestUploadHandler is invoked when the guest autonomously pushes a
// file to the host (the wire protocol's guest-initiated "upload").
// Implementations write the content wherever they see fit (an
// artifact inbox, typically). Returning an error replies "error" to
// the guest.
type GuestUploadHandler func(path string, data []byte) error

// GuestDownloadHandler is invoked when the guest requests a file the
// host holds (the wire protocol's guest-initiated "download"). It
// should return the file's bytes.
type GuestDownloadHandler func(path string) ([]byte, error)

// Options configures a new AgentSession.
type Options struct {
	RegistrationGrace time.Duration // how long to wait for "register" before giving up on vsock
	OnActivity        func()        // called on every observed guest message, for idle-timer reset
	OnGuestUpload      GuestUploadHandler
	OnGuestDownload    GuestDownloadHandler
}

// AgentSession is the per-VM multiplexer described in package docs.
// It is safe for concurrent use: each public operation takes the
// short mu lock only long enough to register a waiter or look one up,
// then blocks on that waiter's channel — never while holding mu.
type AgentSession struct {
	opts Options

	mu       sync.Mutex
	pending  map[string]chan json.RawMessage
	sessions map[string]*SessionState

	regOnce    sync.Once
	regCh      chan struct{}
	registered int32 // atomic bool

	execChan Transport // host-initiated persistent channel, nil until connected
	serial   *serial.Bridge

	closed  int32
	counter uint64
}

// New returns an AgentSession with no transport attached yet.
// VmController wires AttachExecChannel/AttachSerial once the guest
// registers or the registration grace period expires.
func New(opts Options) *AgentSession {
	if opts.RegistrationGrace <= 0 {
		opts.RegistrationGrace = 5 * time.Second
	}
	return &AgentSession{
		opts:     opts,
		pending:  make(map[string]chan json.RawMessage),
		sessions: make(map[string]*SessionState),
		regCh:    make(chan struct{}),
	}
}

// nextID returns a locally-unique correlation id for outbound requests.
func (s *AgentSession) nextID() string {
	n := atomic.AddUint64(&s.counter, 1)
	return fmt.Sprintf("h%d", n)
}

// WaitRegistered blocks until the guest's "register" message arrives
// or the registration grace period elapses, whichever is first.
// Returns false on timeout, in which case the caller should fall back
// to SerialBridge.
func (s *AgentSession) WaitRegistered(ctx context.Context) bool {
	select {
	case <-s.regCh:
		return true
	case <-time.After(s.opts.RegistrationGrace):
		return false
	case <-ctx.Done():
		return false
	}
}

// Registered reports whether the guest has registered over vsock.
func (s *AgentSession) Registered() bool {
	return atomic.LoadInt32(&s.registered) == 1
}

// AttachExecChannel installs the host-initiated channel used to
// dispatch exec/session_*/upload/download, and starts its receive
// loop. Called once, right after the guest's "register" arrives on
// the guest-initiated control port.
func (s *AgentSession) AttachExecChannel(t Transport) {
	s.mu.Lock()
	s.execChan = t
	s.mu.Unlock()
	go s.execChanLoop(t)
}

// execChanLoop reads messages from the host-initiated channel:
// exec_result is routed by cmd_id to Exec, session_output/session_exit
// to the session's state, and every other reply (ready, success,
// error, complete) by id to the waiter registered by UploadFile or
// DownloadFile.
func (s *AgentSession) execChanLoop(t Transport) {
	for {
		hdr, err := t.ReadHeader()
		if err != nil {
			if atomic.LoadInt32(&s.closed) == 1 {
				return
			}
			log.Printf("agent: exec channel recv: %v", err)
			s.mu.Lock()
			if s.execChan == t {
				s.execChan = nil
			}
			s.mu.Unlock()
			return
		}
		if s.opts.OnActivity != nil {
			s.opts.OnActivity()
		}
		var env envelope
		json.Unmarshal(hdr, &env)
		switch env.Type {
		case "exec_result":
			s.routeWaiter(hdr)
		case "session_output":
			s.handleSessionOutput(hdr)
		case "session_exit":
			s.handleSessionExit(hdr)
		default:
			s.routeByID(hdr)
		}
	}
}

// routeByID delivers a reply addressed by its top-level id to the
// goroutine blocked on it. The waiter stays registered, since a
// transfer receives more than one reply under the same id (ready, then
// success or error); the waiter removes it when it returns.
func (s *AgentSession) routeByID(hdr json.RawMessage) {
	var env envelope
	if err := json.Unmarshal(hdr, &env); err != nil || env.ID == "" {
		return
	}
	s.mu.Lock()
	ch, ok := s.pending[env.ID]
	s.mu.Unlock()
	if ok {
		ch <- hdr
	}
}

// AttachSerial installs the serial fallback bridge and starts its
// dispatch loop. VmController calls it at boot or restore when
// registration never arrives within the grace period or the exec
// channel cannot be dialed; nothing attaches it after a later vsock
// drop.
func (s *AgentSession) AttachSerial(b *serial.Bridge) {
	s.mu.Lock()
	s.serial = b
	s.mu.Unlock()
	go s.serialLoop(b)
}

func (s *AgentSession) serialLoop(b *serial.Bridge) {
	for {
		raw, err := b.Recv()
		if err != nil {
			if atomic.LoadInt32(&s.closed) == 1 {
				return
			}
			log.Printf("agent: serial recv: %v", err)
			return
		}
		s.dispatch(newSerialConn(b), raw)
	}
}

// Close tears down pending waiters and attached transports.
func (s *AgentSession) Close() {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return
	}
	s.mu.Lock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	exec := s.execChan
	ser := s.serial
	s.mu.Unlock()
	if exec != nil {
		exec.Close()
	}
	if ser != nil {
		ser.Close()
	}
}

// HandleVsockConn is the vsock.HandlerFunc for the guest-initiated
// control port: it reads exactly one header (chunk-bearing types read
// their own BODY frames before returning) and dispatches it.
func (s *AgentSession) HandleVsockConn(c *vsock.Conn) {
	hdr, err := c.ReadHeader()
	if err != nil {
		return
	}
	s.dispatch(c, hdr)
}

func (s *AgentSession) dispatch(t Transport, hdr json.RawMessage) {
	if s.opts.OnActivity != nil {
		s.opts.OnActivity()
	}
	var env envelope
	if err := json.Unmarshal(hdr, &env); err != nil {
		return
	}
	switch env.Type {
	case "register":
		s.handleRegister(hdr)
	case "ping":
		t.WriteHeader(pingMsg{ID: env.ID, Type: "pong"})
	case "exec_result":
		s.routeWaiter(hdr)
	case "session_output":
		s.handleSessionOutput(hdr)
	case "session_exit":
		s.handleSessionExit(hdr)
	case "upload":
		s.handleGuestUpload(t, hdr)
	case "download":
		s.handleGuestDownload(t, hdr)
	case "ready", "success", "error", "complete":
		s.routeByID(hdr)
	default:
		t.WriteHeader(resultMsg{ID: env.ID, Type: "error", Code: "unsupported"})
	}
}

func (s *AgentSession) handleRegister(hdr json.RawMessage) {
	var msg registerMsg
	if err := json.Unmarshal(hdr, &msg); err != nil {
		return
	}
	log.Printf("agent: guest registered version=%s capabilities=%v", msg.AgentVersion, msg.Capabilities)
	if atomic.CompareAndSwapInt32(&s.registered, 0, 1) {
		close(s.regCh)
	}
}

// routeWaiter delivers an exec_result, addressed by its cmd_id, to the
// goroutine blocked on it in Exec.
func (s *AgentSession) routeWaiter(hdr json.RawMessage) {
	var env struct {
		CmdID string `json:"cmd_id"`
	}
	json.Unmarshal(hdr, &env)
	if env.CmdID == "" {
		return
	}
	s.mu.Lock()
	ch, ok := s.pending[env.CmdID]
	if ok {
		delete(s.pending, env.CmdID)
	}
	s.mu.Unlock()
	if ok {
		ch <- hdr
	} else {
		log.Printf("agent: no pending exec for cmd_id=%s", env.CmdID)
	}
}

func (s *AgentSession) handleSessionOutput(hdr json.RawMessage) {
	var msg sessionOutputMsg
	if err := json.Unmarshal(hdr, &msg); err != nil {
		return
	}
	st := s.getSession(msg.SessionID)
	if st == nil {
		return
	}
	data, err := base64.StdEncoding.DecodeString(msg.DataB64)
	if err != nil {
		return
	}
	st.publish(OutputEvent{Stream: msg.Stream, Data: data})
}

func (s *AgentSession) handleSessionExit(hdr json.RawMessage) {
	var msg sessionExitMsg
	if err := json.Unmarshal(hdr, &msg); err != nil {
		return
	}
	st := s.getSession(msg.SessionID)
	if st == nil {
		return
	}
	st.setExit(msg.ExitCode)
}

func (s *AgentSession) getSession(id string) *SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *AgentSession) registerSession(id string) *SessionState {
	st := newSessionState()
	s.mu.Lock()
	s.sessions[id] = st
	s.mu.Unlock()
	return st
}

// WaitSessionExit blocks until sessionID's session_exit arrives (or ctx
// is cancelled) and returns its exit code.
func (s *AgentSession) WaitSessionExit(ctx context.Context, sessionID string) (int, error) {
	st := s.getSession(sessionID)
	if st == nil {
		return -1, bsxerr.Errf(bsxerr.NotFound, "unknown session %q", sessionID)
	}
	select {
	case <-st.done:
		st.mu.Lock()
		code := st.exitCode
		st.mu.Unlock()
		return code, nil
	case <-ctx.Done():
		return -1, bsxerr.New(bsxerr.Timeout, "wait for session exit cancelled")
	}
}

// Subscribe returns a channel of this session's output events, for
// callers (e.g. an interactive terminal bridge) that want to stream
// session_output as it arrives. Call Unsubscribe when done.
func (s *AgentSession) Subscribe(sessionID string) chan OutputEvent {
	st := s.getSession(sessionID)
	if st == nil {
		return nil
	}
	return st.subscribe()
}

// Unsubscribe stops delivery to a channel returned by Subscribe.
func (s *AgentSession) Unsubscribe(sessionID string, ch chan OutputEvent) {
	st := s.getSession(sessionID)
	if st != nil {
		st.unsubscribe(ch)
	}
}

// forgetSession drops a finished session's state. Exec calls this when
// it returns, whether with a result or on timeout; sessions started via
// StartSession are not removed, even after their session_exit.
func (s *AgentSession) forgetSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// activeTransport returns the best live transport for a host-initiated
// request: vsock's exec channel if registered, else serial.
func (s *AgentSession) activeTransport() (Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execChan != nil {
		return s.execChan, nil
	}
	if s.serial != nil {
		return newSerialConn(s.serial), nil
	}
	return nil, bsxerr.New(bsxerr.AgentDisconnected, "no transport attached")
}
