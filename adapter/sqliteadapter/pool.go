package sqliteadapter

import (
	"sync"

	sqlite3 "github.com/gwenn/gosqlite"

	"lab.nexedi.com/kirr/go123/xerr"
)

// connPool is a simple stack-based pool of sqlite3.Conn, adapted from the
// teacher's neo/storage/sqlite connection pool.
type connPool struct {
	factory func() (*sqlite3.Conn, error) // nil once closed

	mu    sync.Mutex
	connv []*sqlite3.Conn
}

func newConnPool(factory func() (*sqlite3.Conn, error)) *connPool {
	return &connPool{factory: factory}
}

func (p *connPool) Close() error {
	p.mu.Lock()
	connv := p.connv
	p.connv = nil
	p.factory = nil
	p.mu.Unlock()

	var errv xerr.Errorv
	for _, conn := range connv {
		errv.Appendif(conn.Close())
	}
	return errv.Err()
}

var errClosedPool = &poolClosedError{}

type poolClosedError struct{}

func (*poolClosedError) Error() string { return "sqliteadapter: pool: getConn on closed pool" }

func (p *connPool) getConn() (*sqlite3.Conn, error) {
	p.mu.Lock()
	factory := p.factory
	if factory == nil {
		p.mu.Unlock()
		return nil, errClosedPool
	}

	if l := len(p.connv); l > 0 {
		l--
		conn := p.connv[l]
		p.connv[l] = nil
		p.connv = p.connv[:l]
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	return factory()
}

func (p *connPool) putConn(conn *sqlite3.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.factory == nil {
		conn.Close()
		return
	}
	p.connv = append(p.connv, conn)
}
