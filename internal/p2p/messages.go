package p2p

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ccoin/shieldpool/internal/pool"
	"github.com/ccoin/shieldpool/pkg/types"
)

// Message types
const (
	MsgTypeTransaction uint8 = 0x01
	MsgTypeRequest     uint8 = 0x02
	MsgTypeVote        uint8 = 0x03
	MsgTypeGetLedger   uint8 = 0x10
	MsgTypeChangeset   uint8 = 0x11
	MsgTypeLedgerEnd   uint8 = 0x12
)

// Message errors
var (
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrMessageTooLarge    = errors.New("message too large")
	ErrMalformedMessage   = errors.New("malformed message")
)

// MaxMessageSize is the maximum size of a network message
const MaxMessageSize = 4 * 1024 * 1024 // 4 MB

// maxCommittee bounds the committee list of a request message
const maxCommittee = 1024

// Message represents a network message
type Message struct {
	Type    uint8
	Payload []byte
}

// Encode serializes a message for network transmission
func (m *Message) Encode(w io.Writer) error {
	if len(m.Payload) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	hdr := make([]byte, 5)
	hdr[0] = m.Type
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(m.Payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(m.Payload)
	return err
}

// Decode deserializes a message from network data
func (m *Message) Decode(r io.Reader) error {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return err
	}
	payloadLen := binary.BigEndian.Uint32(hdr[1:])
	if payloadLen > MaxMessageSize {
		return ErrMessageTooLarge
	}

	m.Type = hdr[0]
	m.Payload = make([]byte, payloadLen)
	_, err := io.ReadFull(r, m.Payload)
	return err
}

// RequestMessage carries a consensus request together with the committee
// chosen for it, so receivers know whether they should vote.
type RequestMessage struct {
	Request   *types.ConsensusRequest
	Committee []string
}

// EncodeRequest serializes a request message
func EncodeRequest(msg *RequestMessage) ([]byte, error) {
	req, err := msg.Request.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 8+len(req)+16*len(msg.Committee))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Committee)))
	for _, id := range msg.Committee {
		if len(id) > 255 {
			return nil, fmt.Errorf("%w: validator id of %d bytes", ErrMalformedMessage, len(id))
		}
		buf = append(buf, byte(len(id)))
		buf = append(buf, id...)
	}
	return append(buf, req...), nil
}

// DecodeRequest deserializes a request message
func DecodeRequest(data []byte) (*RequestMessage, error) {
	if len(data) < 2 {
		return nil, ErrMalformedMessage
	}
	n := int(binary.BigEndian.Uint16(data))
	if n > maxCommittee {
		return nil, fmt.Errorf("%w: committee of %d", ErrMalformedMessage, n)
	}
	off := 2
	msg := &RequestMessage{Committee: make([]string, n)}
	for i := range msg.Committee {
		if off >= len(data) {
			return nil, ErrMalformedMessage
		}
		l := int(data[off])
		off++
		if off+l > len(data) {
			return nil, ErrMalformedMessage
		}
		msg.Committee[i] = string(data[off : off+l])
		off += l
	}
	msg.Request = new(types.ConsensusRequest)
	if err := msg.Request.UnmarshalBinary(data[off:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return msg, nil
}

// EncodeGetLedger asks a peer for every changeset from seq onwards
func EncodeGetLedger(from uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, from)
}

// DecodeGetLedger returns the first sequence number requested
func DecodeGetLedger(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, ErrMalformedMessage
	}
	return binary.BigEndian.Uint64(data), nil
}

// decodeChangeset unpacks a MsgTypeChangeset payload
func decodeChangeset(data []byte) (*pool.Changeset, error) {
	cs := new(pool.Changeset)
	if err := cs.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return cs, nil
}
