package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"time"

	"github.com/hacke-rc/bandsox/internal/bsxerr"
)

// Exec runs argv on the guest and waits for its exec_result. stdoutCB,
// if non-nil, receives each session_output chunk as it arrives (exec
// is modeled as an implicit session so output can stream before the
// final result). On timeout the session is killed and Timeout is
// returned; if the guest is unreachable, AgentDisconnected is
// returned.
func (s *AgentSession) Exec(ctx context.Context, argv, env []string, cwd string, timeout time.Duration, stdoutCB func(stream string, data []byte)) (exitCode int, err error) {
	t, err := s.activeTransport()
	if err != nil {
		return -1, err
	}

	cmdID := s.nextID()
	respCh := make(chan json.RawMessage, 1)
	s.mu.Lock()
	s.pending[cmdID] = respCh
	s.mu.Unlock()

	st := s.registerSession(cmdID)
	defer s.forgetSession(cmdID)
	var sub chan OutputEvent
	if stdoutCB != nil {
		sub = st.subscribe()
		defer st.unsubscribe(sub)
	}

	msg := execMsg{
		ID:        s.nextID(),
		Type:      "exec",
		CmdID:     cmdID,
		Argv:      argv,
		Env:       env,
		Cwd:       cwd,
		TimeoutMs: timeout.Milliseconds(),
	}
	if err := t.WriteHeader(msg); err != nil {
		s.mu.Lock()
		delete(s.pending, cmdID)
		s.mu.Unlock()
		return -1, bsxerr.Wrap(bsxerr.AgentDisconnected, err, "send exec")
	}

	drainSub := func() {
		if sub == nil {
			return
		}
		for {
			select {
			case ev := <-sub:
				stdoutCB(ev.Stream, ev.Data)
			default:
				return
			}
		}
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case ev := <-sub:
			stdoutCB(ev.Stream, ev.Data)
		case raw, ok := <-respCh:
			if !ok {
				return -1, bsxerr.New(bsxerr.AgentDisconnected, "agent session closed while waiting for exec_result")
			}
			var result execResultMsg
			if err := json.Unmarshal(raw, &result); err != nil {
				return -1, bsxerr.Wrap(bsxerr.Internal, err, "parse exec_result")
			}
			return result.ExitCode, nil
		case <-ctx.Done():
			s.mu.Lock()
			delete(s.pending, cmdID)
			s.mu.Unlock()
			drainSub()
			s.Kill(cmdID)
			return -1, bsxerr.New(bsxerr.Timeout, "exec timed out")
		case <-deadline.C:
			s.mu.Lock()
			delete(s.pending, cmdID)
			s.mu.Unlock()
			drainSub()
			s.Kill(cmdID)
			return -1, bsxerr.New(bsxerr.Timeout, "exec timed out")
		}
	}
}

// StartSession starts an interactive session and returns its id as soon
// as the session_start request has been written; it does not wait for
// an acknowledgement from the guest.
func (s *AgentSession) StartSession(ctx context.Context, argv []string, pty bool) (sessionID string, err error) {
	t, err := s.activeTransport()
	if err != nil {
		return "", err
	}
	sessionID = s.nextID()
	s.registerSession(sessionID)

	msg := sessionStartMsg{
		ID:        s.nextID(),
		Type:      "session_start",
		SessionID: sessionID,
		Argv:      argv,
		Pty:       pty,
	}
	if err := t.WriteHeader(msg); err != nil {
		return "", bsxerr.Wrap(bsxerr.AgentDisconnected, err, "send session_start")
	}
	return sessionID, nil
}

// SendInput, Signal, Resize, and Kill are fire-and-forget: a transport
// write failure is logged, never returned to the caller, matching the
// per-operation contract for these verbs.

func (s *AgentSession) SendInput(sessionID string, data []byte) error {
	t, err := s.activeTransport()
	if err != nil {
		s.logFireAndForget("send_input", sessionID, err)
		return nil
	}
	err = t.WriteHeader(sessionInputMsg{
		ID:        s.nextID(),
		Type:      "session_input",
		SessionID: sessionID,
		DataB64:   base64.StdEncoding.EncodeToString(data),
	})
	s.logFireAndForget("send_input", sessionID, err)
	return nil
}

func (s *AgentSession) Signal(sessionID string, signum int) error {
	t, err := s.activeTransport()
	if err != nil {
		s.logFireAndForget("signal", sessionID, err)
		return nil
	}
	err = t.WriteHeader(sessionSignalMsg{ID: s.nextID(), Type: "session_signal", SessionID: sessionID, Signum: signum})
	s.logFireAndForget("signal", sessionID, err)
	return nil
}

func (s *AgentSession) Resize(sessionID string, cols, rows int) error {
	t, err := s.activeTransport()
	if err != nil {
		s.logFireAndForget("resize", sessionID, err)
		return nil
	}
	err = t.WriteHeader(sessionResizeMsg{ID: s.nextID(), Type: "session_resize", SessionID: sessionID, Cols: cols, Rows: rows})
	s.logFireAndForget("resize", sessionID, err)
	return nil
}

func (s *AgentSession) Kill(sessionID string) error {
	t, err := s.activeTransport()
	if err != nil {
		s.logFireAndForget("kill", sessionID, err)
		return nil
	}
	err = t.WriteHeader(sessionKillMsg{ID: s.nextID(), Type: "session_kill", SessionID: sessionID})
	s.logFireAndForget("kill", sessionID, err)
	return nil
}

func (s *AgentSession) logFireAndForget(op, sessionID string, err error) {
	if err != nil {
		log.Printf("agent: %s on session %s: %v", op, sessionID, err)
	}
}
