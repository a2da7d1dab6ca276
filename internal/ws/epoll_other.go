//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll is the portable fallback: every connection is always offered to the
// read loop, and is offered again only after the worker that handled it
// calls Resume. The worker's read deadline bounds each attempt.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]chan struct{}
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts offering conn to Wait.
func (e *Epoll) Add(conn net.Conn) error {
	resume := make(chan struct{}, 1)
	e.mu.Lock()
	e.conns[conn] = resume
	e.mu.Unlock()

	go func() {
		for {
			select {
			case e.readyCh <- conn:
			case <-e.done:
				return
			}
			select {
			case _, ok := <-resume:
				if !ok {
					return
				}
			case <-e.done:
				return
			}
		}
	}()
	return nil
}

// Remove stops offering conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	resume, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		close(resume)
	}
	return nil
}

// Resume lets conn be offered again.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if resume, ok := e.conns[conn]; ok {
		select {
		case resume <- struct{}{}:
		default:
		}
	}
}

// Wait returns every connection currently offered, blocking for the first.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops the poller.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

func isEINTR(error) bool { return false }

func socketFD(net.Conn) int { return -1 }
