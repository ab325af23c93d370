package vsock

import (
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hacke-rc/bandsox/internal/bsxerr"
)

const (
	defaultWorkers    = 64
	defaultMaxQueue   = 256
	defaultIdleClose  = 60 * time.Second
)

// HandlerFunc processes one accepted connection end to end (it owns the
// whole request-response, or multi-frame streaming, exchange).
type HandlerFunc func(conn *Conn)

// Listener is one bound UDS listener for a single vsock port, dispatching
// accepted connections to a bounded worker pool with backpressure:
// default 64 workers, and once the queue exceeds 256 pending
// connections the oldest idle one is closed to make room.
type Listener struct {
	path        string
	handler     HandlerFunc
	idleTimeout time.Duration

	ln       net.Listener
	sem      chan struct{}
	closeCh  chan struct{}
	closeOne sync.Once
	wg       sync.WaitGroup

	mu    sync.Mutex
	queue []*Conn
}

// BoundPath returns the UDS path this listener is (or will be) bound at,
// i.e. "{uds_path}_{port}".
func BoundPath(udsPath string, port uint16) string {
	return fmt.Sprintf("%s_%d", udsPath, port)
}

// NewListener returns a Listener bound at BoundPath(udsPath, port) once
// Start is called.
func NewListener(udsPath string, port uint16, handler HandlerFunc) *Listener {
	return &Listener{
		path:        BoundPath(udsPath, port),
		handler:     handler,
		idleTimeout: defaultIdleClose,
		sem:         make(chan struct{}, defaultWorkers),
		closeCh:     make(chan struct{}),
	}
}

// Start removes any stale socket file and binds the listener, then runs
// its accept loop in a new goroutine.
func (l *Listener) Start() error {
	os.Remove(l.path)
	ln, err := net.Listen("unix", l.path)
	if err != nil {
		return bsxerr.Wrap(bsxerr.IoError, err, fmt.Sprintf("bind vsock listener at %s", l.path))
	}
	l.ln = ln
	go l.acceptLoop()
	return nil
}

func (l *Listener) acceptLoop() {
	for {
		c, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.closeCh:
				return
			default:
				log.Printf("vsock: accept on %s: %v", l.path, err)
				return
			}
		}
		vc := newConn(c, l.idleTimeout)
		l.enqueue(vc)
	}
}

func (l *Listener) enqueue(vc *Conn) {
	l.mu.Lock()
	l.queue = append(l.queue, vc)
	var dropped *Conn
	if len(l.queue) > defaultMaxQueue {
		dropped = l.queue[0]
		l.queue = l.queue[1:]
	}
	l.mu.Unlock()

	if dropped != nil {
		log.Printf("vsock: backpressure on %s, dropping oldest queued connection", l.path)
		dropped.Close()
	}

	l.wg.Add(1)
	go l.worker(vc)
}

func (l *Listener) worker(vc *Conn) {
	defer l.wg.Done()
	select {
	case l.sem <- struct{}{}:
		defer func() { <-l.sem }()
	case <-l.closeCh:
		vc.Close()
		return
	}

	l.mu.Lock()
	stillQueued := false
	for i, q := range l.queue {
		if q == vc {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			stillQueued = true
			break
		}
	}
	l.mu.Unlock()
	if !stillQueued {
		// Was dropped for backpressure while waiting for a worker slot.
		return
	}

	defer vc.Close()
	l.handler(vc)
}

// Stop closes the listener and its socket file, unblocking any in-flight
// Accept. It does not wait for in-flight handlers — callers that need a
// barrier should call Wait after Stop.
func (l *Listener) Stop() error {
	var err error
	l.closeOne.Do(func() {
		close(l.closeCh)
		if l.ln != nil {
			err = l.ln.Close()
		}
		os.Remove(l.path)
	})
	return err
}

// Wait blocks until every dispatched handler has returned.
func (l *Listener) Wait() { l.wg.Wait() }
