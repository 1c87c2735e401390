//go:build !linux

package ws

import (
	"bufio"
	"io"
	"net"
	"sync"
)

// poller is the goroutine-per-connection fallback for platforms without
// epoll. A watcher goroutine peeks one byte through a buffered reader and
// reports the connection ready; the server then reads frames from that same
// reader and calls Resume when done, after which the watcher peeks again.
type poller struct {
	mu      sync.Mutex
	watches map[net.Conn]*watch
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

type watch struct {
	br     *bufio.Reader
	resume chan struct{}
	gone   chan struct{}
}

func newPoller() (*poller, error) {
	return &poller{
		watches: make(map[net.Conn]*watch),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts watching conn.
func (p *poller) Add(conn net.Conn) error {
	w := &watch{
		br:     bufio.NewReader(conn),
		resume: make(chan struct{}, 1),
		gone:   make(chan struct{}),
	}
	p.mu.Lock()
	p.watches[conn] = w
	p.mu.Unlock()

	go p.monitor(conn, w)
	return nil
}

func (p *poller) monitor(conn net.Conn, w *watch) {
	for {
		// Errors are reported as readiness too so the server's read path
		// observes the closed connection.
		_, err := w.br.Peek(1)

		select {
		case p.readyCh <- conn:
		case <-w.gone:
			return
		case <-p.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-w.resume:
		case <-w.gone:
			return
		case <-p.done:
			return
		}
	}
}

// Remove stops watching conn.
func (p *poller) Remove(conn net.Conn) error {
	p.mu.Lock()
	w, ok := p.watches[conn]
	delete(p.watches, conn)
	p.mu.Unlock()
	if ok {
		close(w.gone)
	}
	return nil
}

// Wait blocks until at least one connection is ready and returns every
// connection ready at that moment.
func (p *poller) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-p.readyCh:
	case <-p.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-p.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Reader returns the buffered reader holding the peeked byte, or conn
// itself if it is not watched.
func (p *poller) Reader(conn net.Conn) io.Reader {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.watches[conn]; ok {
		return w.br
	}
	return conn
}

// Resume lets the watcher look for the next frame.
func (p *poller) Resume(conn net.Conn) {
	p.mu.Lock()
	w, ok := p.watches[conn]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.resume <- struct{}{}:
	default:
	}
}

// Close stops every watcher.
func (p *poller) Close() error {
	p.once.Do(func() { close(p.done) })
	p.mu.Lock()
	p.watches = make(map[net.Conn]*watch)
	p.mu.Unlock()
	return nil
}
