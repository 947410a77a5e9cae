package wire

import (
	"errors"
	"io"
	"net"

	kvdberrors "github.com/pkg/errors"
)

// Store is the subset of the engine's facade the server needs. It is
// defined here rather than imported from the engine package so this
// package stays a thin, engine-agnostic adapter.
type Store interface {
	Get(key []byte) ([]byte, bool, error)
	Set(key, value []byte) error
	Remove(key []byte) (bool, error)
}

// Server accepts connections and serves requests against a Store, one
// goroutine per connection, each connection handling requests strictly
// one at a time.
type Server struct {
	ln    net.Listener
	store Store
}

// Listen binds addr and returns a Server ready to Serve.
func Listen(addr string, store Store) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, kvdberrors.Wrapf(err, "listening on %s", addr)
	}
	return &Server{ln: ln, store: store}, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handle(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.ln.Close()
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	for {
		req, err := ReadRequest(conn)
		if err != nil {
			return
		}
		resp := s.dispatch(req)
		if err := WriteResponse(conn, resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req *Request) *Response {
	switch req.Op {
	case OpGet:
		value, ok, err := s.store.Get(req.Key)
		if err != nil {
			return errResponse(err)
		}
		if !ok {
			return &Response{Status: StatusNotFound}
		}
		return &Response{Status: StatusOK, Value: value}
	case OpSet:
		if err := s.store.Set(req.Key, req.Value); err != nil {
			return errResponse(err)
		}
		return &Response{Status: StatusOK}
	case OpRemove:
		existed, err := s.store.Remove(req.Key)
		if err != nil {
			return errResponse(err)
		}
		if !existed {
			return &Response{Status: StatusNotFound}
		}
		return &Response{Status: StatusOK}
	default:
		return &Response{Status: StatusError, Message: "unknown opcode"}
	}
}

func errResponse(err error) *Response {
	return &Response{Status: StatusError, Message: err.Error()}
}

var _ io.Closer = (*Server)(nil)
