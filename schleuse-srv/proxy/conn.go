package proxy

import "net"

// prefixConn replays bytes that were read from conn before it changed hands.
type prefixConn struct {
	net.Conn
	prefix []byte
}

func newPrefixConn(conn net.Conn, prefix []byte) net.Conn {
	if len(prefix) == 0 {
		return conn
	}
	return &prefixConn{Conn: conn, prefix: append([]byte(nil), prefix...)}
}

func (c *prefixConn) Read(b []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(b, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(b)
}
