//go:build linux

package power

import (
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/login1"
)

// Logind takes "sleep" block inhibitors from systemd-logind over the system bus.
type Logind struct {
	mu   sync.Mutex
	conn *login1.Conn
}

func NewLogind() *Logind { return &Logind{} }

func (l *Logind) Inhibit(why string) (func() error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		conn, err := login1.New()
		if err != nil {
			return nil, fmt.Errorf("connect logind: %w", err)
		}
		l.conn = conn
	}
	fd, err := l.conn.Inhibit("sleep", "macrosched", why, "block")
	if err != nil {
		return nil, fmt.Errorf("logind inhibit: %w", err)
	}
	return fd.Close, nil
}

// Close drops the bus connection.
func (l *Logind) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
}
