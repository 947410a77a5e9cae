// Package wire implements the binary request/response framing the
// server and CLI speak over a plain TCP connection. It knows nothing
// about the storage engine itself; it only encodes and decodes frames.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Opcode identifies the operation a Request carries out.
type Opcode uint8

const (
	OpGet Opcode = iota + 1
	OpSet
	OpRemove
)

// Status identifies the outcome a Response reports.
type Status uint8

const (
	StatusOK Status = iota
	StatusNotFound
	StatusError
)

const maxFrameLen = 256 << 20

// Request is one client call: opcode plus a key and, for Set, a value.
// Get and Remove requests carry a zero-length value.
type Request struct {
	Op    Opcode
	Key   []byte
	Value []byte
}

// Response is the server's reply to a Request. Value is populated only
// for a successful Get; Message carries a human-readable error for
// StatusError.
type Response struct {
	Status  Status
	Value   []byte
	Message string
}

// WriteRequest encodes req as `u8 opcode | u32 key_len | u32 value_len |
// key | value` and writes it to w.
func WriteRequest(w io.Writer, req *Request) error {
	if len(req.Key) > maxFrameLen || len(req.Value) > maxFrameLen {
		return errors.New("wire: frame exceeds maximum length")
	}
	header := make([]byte, 9)
	header[0] = byte(req.Op)
	binary.LittleEndian.PutUint32(header[1:5], uint32(len(req.Key)))
	binary.LittleEndian.PutUint32(header[5:9], uint32(len(req.Value)))
	if _, err := w.Write(header); err != nil {
		return errors.Wrap(err, "writing request header")
	}
	if _, err := w.Write(req.Key); err != nil {
		return errors.Wrap(err, "writing request key")
	}
	if len(req.Value) > 0 {
		if _, err := w.Write(req.Value); err != nil {
			return errors.Wrap(err, "writing request value")
		}
	}
	return nil
}

// ReadRequest decodes a Request previously written by WriteRequest.
func ReadRequest(r io.Reader) (*Request, error) {
	header := make([]byte, 9)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	op := Opcode(header[0])
	keyLen := binary.LittleEndian.Uint32(header[1:5])
	valueLen := binary.LittleEndian.Uint32(header[5:9])
	if keyLen > maxFrameLen || valueLen > maxFrameLen {
		return nil, errors.New("wire: frame exceeds maximum length")
	}

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, errors.Wrap(err, "reading request key")
	}
	var value []byte
	if valueLen > 0 {
		value = make([]byte, valueLen)
		if _, err := io.ReadFull(r, value); err != nil {
			return nil, errors.Wrap(err, "reading request value")
		}
	}
	return &Request{Op: op, Key: key, Value: value}, nil
}

// WriteResponse encodes resp as `u8 status | u32 value_len | value` and
// writes it to w. For StatusError, Message is carried in place of Value.
func WriteResponse(w io.Writer, resp *Response) error {
	payload := resp.Value
	if resp.Status == StatusError {
		payload = []byte(resp.Message)
	}
	if len(payload) > maxFrameLen {
		return errors.New("wire: frame exceeds maximum length")
	}
	header := make([]byte, 5)
	header[0] = byte(resp.Status)
	binary.LittleEndian.PutUint32(header[1:5], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return errors.Wrap(err, "writing response header")
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return errors.Wrap(err, "writing response payload")
		}
	}
	return nil
}

// ReadResponse decodes a Response previously written by WriteResponse.
func ReadResponse(r io.Reader) (*Response, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	status := Status(header[0])
	payloadLen := binary.LittleEndian.Uint32(header[1:5])
	if payloadLen > maxFrameLen {
		return nil, errors.New("wire: frame exceeds maximum length")
	}
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, errors.Wrap(err, "reading response payload")
		}
	}
	resp := &Response{Status: status}
	if status == StatusError {
		resp.Message = string(payload)
	} else {
		resp.Value = payload
	}
	return resp, nil
}
