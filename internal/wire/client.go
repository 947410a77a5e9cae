package wire

import (
	"net"

	"github.com/pkg/errors"
)

// Client is a single connection to a Server, used by the CLI and by
// tests. It is not safe for concurrent use by multiple goroutines.
type Client struct {
	conn net.Conn
}

// Dial connects to a Server listening at addr.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", addr)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) roundTrip(req *Request) (*Response, error) {
	if err := WriteRequest(c.conn, req); err != nil {
		return nil, err
	}
	return ReadResponse(c.conn)
}

// Get fetches key. The second return value reports whether it was found.
func (c *Client) Get(key []byte) ([]byte, bool, error) {
	resp, err := c.roundTrip(&Request{Op: OpGet, Key: key})
	if err != nil {
		return nil, false, err
	}
	switch resp.Status {
	case StatusOK:
		return resp.Value, true, nil
	case StatusNotFound:
		return nil, false, nil
	default:
		return nil, false, errors.New(resp.Message)
	}
}

// Set writes key/value.
func (c *Client) Set(key, value []byte) error {
	resp, err := c.roundTrip(&Request{Op: OpSet, Key: key, Value: value})
	if err != nil {
		return err
	}
	if resp.Status == StatusError {
		return errors.New(resp.Message)
	}
	return nil
}

// Remove deletes key, reporting whether it existed beforehand.
func (c *Client) Remove(key []byte) (bool, error) {
	resp, err := c.roundTrip(&Request{Op: OpRemove, Key: key})
	if err != nil {
		return false, err
	}
	switch resp.Status {
	case StatusOK:
		return true, nil
	case StatusNotFound:
		return false, nil
	default:
		return false, errors.New(resp.Message)
	}
}
