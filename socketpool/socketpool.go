// Package socketpool implements the bounded set of persistent TCP
// connections to the target cache server (component C2). Connections are
// created lazily up to capacity and reused across tasks; a socket reported
// broken is closed and replaced with a fresh connection on the next
// checkout, matching the Dial-on-demand + reuse pattern blocking pools in
// the retrieval pack apply to any scarce, slow-to-create resource.
package socketpool

import (
	"errors"
	"net"
	"sync"
	"time"
)

// ErrClosed is returned by Checkout once the pool has been closed.
var ErrClosed = errors.New("socketpool: closed")

// Dialer creates a new connection to the target. NewTCP uses
// net.DialTimeout; tests substitute a dialer bound to a loopback listener.
type Dialer func() (net.Conn, error)

// Pool is a bounded set of persistent connections to a single target
// address. The zero value is not usable; construct with New.
type Pool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	dial     Dialer
	capacity int
	live     int // connections dialed or being dialed and not yet closed (idle or checked out)
	idle     []net.Conn
	closed   bool
}

// New constructs a pool with the given capacity (equal to num_threads per
// the design) that dials new connections via dial.
func New(capacity int, dial Dialer) (*Pool, error) {
	if capacity < 1 {
		return nil, errors.New("socketpool: capacity must be at least 1")
	}
	if dial == nil {
		return nil, errors.New("socketpool: dialer is required")
	}
	p := &Pool{
		dial:     dial,
		capacity: capacity,
		idle:     make([]net.Conn, 0, capacity),
	}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

// NewTCP is a convenience constructor dialing addr over TCP with a dial
// timeout, the common case for talking to a Memcached instance.
func NewTCP(capacity int, addr string, dialTimeout time.Duration) (*Pool, error) {
	return New(capacity, func() (net.Conn, error) {
		return net.DialTimeout("tcp", addr, dialTimeout)
	})
}

// Checkout returns an idle connection if one exists, dials a new one if the
// pool has not reached capacity, or blocks until a connection is released.
// Checkout never times out; shutdown closes sockets out-of-band to unblock
// pending reads, per the concurrency model.
func (p *Pool) Checkout() (net.Conn, error) {
	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		if n := len(p.idle); n > 0 {
			conn := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			return conn, nil
		}
		if p.live < p.capacity {
			p.live++
			p.mu.Unlock()
			conn, err := p.dial()
			if err != nil {
				p.mu.Lock()
				p.live--
				p.cond.Signal()
				p.mu.Unlock()
				return nil, err
			}
			return conn, nil
		}
		p.cond.Wait()
	}
}

// Release returns a healthy connection to the idle set for reuse.
func (p *Pool) Release(conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = conn.Close()
		p.live--
		p.cond.Signal()
		return
	}
	p.idle = append(p.idle, conn)
	p.cond.Signal()
}

// ReleaseBroken closes conn instead of returning it to the idle set. A
// socket is broken on any send/recv error, a short read at EOF before a
// protocol terminator, or a parser-reported framing violation. The next
// Checkout dials a fresh replacement.
func (p *Pool) ReleaseBroken(conn net.Conn) {
	_ = conn.Close()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.live--
	p.cond.Signal()
}

// Close closes every idle connection and prevents further checkouts. It
// does not forcibly close connections currently checked out by a task;
// callers close those directly to unblock a pending read (per the
// concurrency model's out-of-band cancellation).
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, conn := range p.idle {
		_ = conn.Close()
	}
	p.idle = nil
	p.cond.Broadcast()
}

// Idle returns the number of connections currently idle in the pool, used
// by tests verifying P4 (socket hygiene).
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Live returns the number of connections currently dialed (idle or checked
// out), used by tests to verify the pool never exceeds capacity.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}
