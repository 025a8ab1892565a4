// Package wire implements the minimal framed request/reply protocol spoken
// between a peer prober and a peer: a fixed 16-byte little-endian header
// followed by a BSON document payload.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"go.mongodb.org/mongo-driver/bson"
)

const (
	// HeaderSize is the fixed size of a frame header in bytes.
	HeaderSize = 16

	// MaxFrameSize bounds the total length a peer will accept for a single
	// frame, so a corrupt header cannot force a huge allocation.
	MaxFrameSize = 16 * 1024 * 1024
)

// OpCode identifies the operation carried by a frame.
type OpCode int32

const (
	OpReply OpCode = 1    // reply to a query
	OpQuery OpCode = 2004 // query-style request
)

func (op OpCode) String() string {
	switch op {
	case OpReply:
		return "OP_REPLY"
	case OpQuery:
		return "OP_QUERY"
	default:
		return fmt.Sprintf("OP_UNKNOWN(%d)", int32(op))
	}
}

// Header is the fixed preamble of every frame. Length counts the whole
// frame, header included.
type Header struct {
	Length     int32
	RequestID  int32
	ResponseTo int32
	OpCode     OpCode
}

// ParseHeader decodes a 16-byte frame header.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header: %d bytes", len(b))
	}
	le := binary.LittleEndian
	h := Header{
		Length:     int32(le.Uint32(b[0:4])),
		RequestID:  int32(le.Uint32(b[4:8])),
		ResponseTo: int32(le.Uint32(b[8:12])),
		OpCode:     OpCode(le.Uint32(b[12:16])),
	}
	if h.Length < HeaderSize {
		return Header{}, fmt.Errorf("wire: invalid frame length %d", h.Length)
	}
	if h.Length > MaxFrameSize {
		return Header{}, fmt.Errorf("wire: frame length %d exceeds limit", h.Length)
	}
	return h, nil
}

func (h Header) appendTo(dst []byte) []byte {
	le := binary.LittleEndian
	dst = le.AppendUint32(dst, uint32(h.Length))
	dst = le.AppendUint32(dst, uint32(h.RequestID))
	dst = le.AppendUint32(dst, uint32(h.ResponseTo))
	dst = le.AppendUint32(dst, uint32(h.OpCode))
	return dst
}

// Query is the decoded payload of an OpQuery frame.
type Query struct {
	Flags      int32
	Collection string
	Skip       int32
	Doc        bson.Raw // primary document
	Selector   bson.Raw // optional field selector, nil if absent
}

// MarshalQuery builds a complete OpQuery frame for the given document.
func MarshalQuery(requestID int32, collection string, doc any) ([]byte, error) {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal query document: %w", err)
	}

	le := binary.LittleEndian
	body := make([]byte, 0, 4+len(collection)+1+4+len(raw))
	body = le.AppendUint32(body, 0) // flags
	body = append(body, collection...)
	body = append(body, 0)
	body = le.AppendUint32(body, 0) // skip
	body = append(body, raw...)

	h := Header{
		Length:    int32(HeaderSize + len(body)),
		RequestID: requestID,
		OpCode:    OpQuery,
	}
	return append(h.appendTo(make([]byte, 0, h.Length)), body...), nil
}

// ParseQuery decodes an OpQuery payload (the bytes after the header).
func ParseQuery(payload []byte) (*Query, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("wire: query payload too short: %d bytes", len(payload))
	}
	le := binary.LittleEndian
	q := &Query{Flags: int32(le.Uint32(payload[0:4]))}

	rest := payload[4:]
	i := bytes.IndexByte(rest, 0)
	if i < 0 {
		return nil, fmt.Errorf("wire: unterminated collection name")
	}
	q.Collection = string(rest[:i])
	rest = rest[i+1:]

	if len(rest) < 4 {
		return nil, fmt.Errorf("wire: query payload truncated after collection name")
	}
	q.Skip = int32(le.Uint32(rest[0:4]))
	rest = rest[4:]

	doc, rest, err := readDocument(rest)
	if err != nil {
		return nil, err
	}
	q.Doc = doc

	// Second document, if present, is an optional field selector.
	if len(rest) > 0 {
		sel, rest, err := readDocument(rest)
		if err != nil {
			return nil, err
		}
		if len(rest) > 0 {
			return nil, fmt.Errorf("wire: %d trailing bytes after query documents", len(rest))
		}
		q.Selector = sel
	}
	return q, nil
}

// Reply is the decoded payload of an OpReply frame.
type Reply struct {
	Flags          int32
	CursorID       int64
	StartingFrom   int32
	NumberReturned int32
	Doc            bson.Raw
}

// MarshalReply builds a complete OpReply frame answering requestID with a
// single document.
func MarshalReply(replyID, responseTo int32, doc any) ([]byte, error) {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal reply document: %w", err)
	}

	le := binary.LittleEndian
	body := make([]byte, 0, 20+len(raw))
	body = le.AppendUint32(body, 0) // flags
	body = le.AppendUint64(body, 0) // cursor id
	body = le.AppendUint32(body, 0) // starting from
	body = le.AppendUint32(body, 1) // number returned
	body = append(body, raw...)

	h := Header{
		Length:     int32(HeaderSize + len(body)),
		RequestID:  replyID,
		ResponseTo: responseTo,
		OpCode:     OpReply,
	}
	return append(h.appendTo(make([]byte, 0, h.Length)), body...), nil
}

// ParseReply decodes an OpReply payload (the bytes after the header).
func ParseReply(payload []byte) (*Reply, error) {
	if len(payload) < 20 {
		return nil, fmt.Errorf("wire: reply payload too short: %d bytes", len(payload))
	}
	le := binary.LittleEndian
	r := &Reply{
		Flags:          int32(le.Uint32(payload[0:4])),
		CursorID:       int64(le.Uint64(payload[4:12])),
		StartingFrom:   int32(le.Uint32(payload[12:16])),
		NumberReturned: int32(le.Uint32(payload[16:20])),
	}
	doc, rest, err := readDocument(payload[20:])
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("wire: %d trailing bytes after reply document", len(rest))
	}
	r.Doc = doc
	return r, nil
}

// ReadFrame reads one complete frame: header first, then exactly
// length-16 payload bytes.
func ReadFrame(r io.Reader) (Header, []byte, error) {
	var hb [HeaderSize]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		return Header{}, nil, err
	}
	h, err := ParseHeader(hb[:])
	if err != nil {
		return Header{}, nil, err
	}
	payload := make([]byte, h.Length-HeaderSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Header{}, nil, fmt.Errorf("wire: read frame payload: %w", err)
	}
	return h, payload, nil
}

// readDocument slices one BSON document off the front of b and validates it.
func readDocument(b []byte) (bson.Raw, []byte, error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("wire: truncated document: %d bytes", len(b))
	}
	n := int(int32(binary.LittleEndian.Uint32(b[0:4])))
	if n < 5 || n > len(b) {
		return nil, nil, fmt.Errorf("wire: invalid document length %d (have %d bytes)", n, len(b))
	}
	doc := bson.Raw(b[:n])
	if err := doc.Validate(); err != nil {
		return nil, nil, fmt.Errorf("wire: invalid document: %w", err)
	}
	return doc, b[n:], nil
}
