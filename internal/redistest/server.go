// Package redistest runs a small in-process Redis server for tests. It speaks
// just enough of the protocol for the list, expiry and pub/sub commands the
// Redis transport and node use.
package redistest

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tidwall/redcon"
)

// pollInterval is how often a blocked BLPOP rechecks its lists.
const pollInterval = 5 * time.Millisecond

// Server is an in-memory Redis server.
type Server struct {
	ln net.Listener
	ps redcon.PubSub

	mu    sync.Mutex
	lists map[string][]string
	ttls  map[string]time.Time
	conns map[redcon.Conn]struct{}
}

// Start starts a server on a random local port and stops it when the test
// ends.
func Start(t testing.TB) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	s := &Server{
		ln:    ln,
		lists: make(map[string][]string),
		ttls:  make(map[string]time.Time),
		conns: make(map[redcon.Conn]struct{}),
	}
	go redcon.Serve(ln, s.handle, s.accept, s.closed)

	t.Cleanup(s.Close)
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Client returns a go-redis client connected to the server and closed when
// the test ends.
func (s *Server) Client(t testing.TB) *redis.Client {
	t.Helper()
	c := redis.NewClient(&redis.Options{
		Addr:             s.Addr(),
		Protocol:         2,
		DisableIndentity: true,
	})
	t.Cleanup(func() { c.Close() })
	return c
}

// List returns a copy of the list stored at key.
func (s *Server) List(key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	return append([]string(nil), s.lists[key]...)
}

// TTL returns the expiry set on key, or zero.
func (s *Server) TTL(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := s.ttls[key]
	if !ok {
		return 0
	}
	return time.Until(deadline)
}

// Close stops the listener and drops every connection.
func (s *Server) Close() {
	s.ln.Close()

	s.mu.Lock()
	conns := make([]redcon.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) accept(conn redcon.Conn) bool {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	return true
}

func (s *Server) closed(conn redcon.Conn, _ error) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handle(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) == 0 {
		conn.WriteError("ERR empty command")
		return
	}

	args := make([]string, 0, len(cmd.Args)-1)
	for _, a := range cmd.Args[1:] {
		args = append(args, string(a))
	}

	switch strings.ToLower(string(cmd.Args[0])) {
	case "ping":
		conn.WriteString("PONG")
	case "client", "select":
		conn.WriteString("OK")
	case "rpush":
		if len(args) < 2 {
			conn.WriteError("ERR wrong number of arguments for 'rpush' command")
			return
		}
		conn.WriteInt(s.rpush(args[0], args[1:]))
	case "lpop":
		if len(args) < 1 {
			conn.WriteError("ERR wrong number of arguments for 'lpop' command")
			return
		}
		v, ok := s.lpop([]string{args[0]})
		if !ok {
			conn.WriteNull()
			return
		}
		conn.WriteBulkString(v[1])
	case "blpop":
		if len(args) < 2 {
			conn.WriteError("ERR wrong number of arguments for 'blpop' command")
			return
		}
		s.blpop(conn, args[:len(args)-1], args[len(args)-1])
	case "expire":
		if len(args) < 2 {
			conn.WriteError("ERR wrong number of arguments for 'expire' command")
			return
		}
		seconds, err := strconv.Atoi(args[1])
		if err != nil {
			conn.WriteError("ERR value is not an integer or out of range")
			return
		}
		conn.WriteInt(s.expire(args[0], time.Duration(seconds)*time.Second))
	case "del":
		conn.WriteInt(s.del(args))
	case "publish":
		if len(args) != 2 {
			conn.WriteError("ERR wrong number of arguments for 'publish' command")
			return
		}
		conn.WriteInt(s.ps.Publish(args[0], args[1]))
	case "subscribe":
		for _, ch := range args {
			s.ps.Subscribe(conn, ch)
		}
	default:
		conn.WriteError("ERR unknown command '" + string(cmd.Args[0]) + "'")
	}
}

func (s *Server) rpush(key string, values []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	s.lists[key] = append(s.lists[key], values...)
	return len(s.lists[key])
}

func (s *Server) lpop(keys []string) ([2]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		s.expireLocked(key)
		list := s.lists[key]
		if len(list) == 0 {
			continue
		}
		v := list[0]
		if len(list) == 1 {
			delete(s.lists, key)
			delete(s.ttls, key)
		} else {
			s.lists[key] = list[1:]
		}
		return [2]string{key, v}, true
	}
	return [2]string{}, false
}

// blpop blocks the connection's goroutine until a value arrives or the
// timeout passes. A zero timeout blocks until the server closes.
func (s *Server) blpop(conn redcon.Conn, keys []string, timeout string) {
	secs, err := strconv.ParseFloat(timeout, 64)
	if err != nil || secs < 0 {
		conn.WriteError("ERR timeout is not a float or out of range")
		return
	}
	var deadline time.Time
	if secs > 0 {
		deadline = time.Now().Add(time.Duration(secs * float64(time.Second)))
	}

	for {
		if v, ok := s.lpop(keys); ok {
			conn.WriteArray(2)
			conn.WriteBulkString(v[0])
			conn.WriteBulkString(v[1])
			return
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			conn.WriteRaw([]byte("*-1\r\n"))
			return
		}
		if !s.open(conn) {
			return
		}
		time.Sleep(pollInterval)
	}
}

func (s *Server) open(conn redcon.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[conn]
	return ok
}

func (s *Server) expire(key string, d time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	if _, ok := s.lists[key]; !ok {
		return 0
	}
	s.ttls[key] = time.Now().Add(d)
	return 1
}

func (s *Server) del(keys []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, key := range keys {
		if _, ok := s.lists[key]; ok {
			delete(s.lists, key)
			delete(s.ttls, key)
			n++
		}
	}
	return n
}

func (s *Server) expireLocked(key string) {
	if deadline, ok := s.ttls[key]; ok && time.Now().After(deadline) {
		delete(s.lists, key)
		delete(s.ttls, key)
	}
}
