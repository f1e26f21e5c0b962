package amq

import (
	"io"
	"sync"
)

// resources holds the broker handles of one Instance. Handles are adopted in
// creation order and released at most once. A handle adopted after release
// is closed immediately.
type resources struct {
	sink *errorSink
	role Role

	mu       sync.Mutex
	released bool
	conn     Connection
	session  Session
	dst      Destination
	channel  io.Closer
}

func (r *resources) adoptConn(c Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		_ = c.Close()
		return false
	}
	r.conn = c
	return true
}

func (r *resources) adoptSession(s Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		_ = s.Close()
		return false
	}
	r.session = s
	return true
}

func (r *resources) adoptDestination(d Destination) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return false
	}
	r.dst = d
	return true
}

func (r *resources) adoptChannel(c io.Closer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		_ = c.Close()
		return false
	}
	r.channel = c
	return true
}

func (r *resources) currentSession() Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// release disconnects first, then drops the destination, channel and
// session. Failures are recorded and never returned.
func (r *resources) release() {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	conn, ch, sess := r.conn, r.channel, r.session
	r.conn, r.dst, r.channel, r.session = nil, nil, nil, nil
	r.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			r.sink.record(newError(KindTransport, r.role, "close connection", err))
		}
	}
	if ch != nil {
		if err := ch.Close(); err != nil {
			r.sink.record(newError(KindTransport, r.role, "close "+r.role.String(), err))
		}
	}
	if sess != nil {
		if err := sess.Close(); err != nil {
			r.sink.record(newError(KindTransport, r.role, "close session", err))
		}
	}
}
