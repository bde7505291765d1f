package protocol

import (
	"encoding/binary"
	"fmt"
)

// DecodeState is a step of the reassembly state machine.
type DecodeState uint8

const (
	StateReadHasPayloadFlag DecodeState = iota
	StateReadInfoLength
	StateReadPayloadLength
	StateReadInfoBytes
	StateReadPayloadBytes
)

// String returns the state name.
func (s DecodeState) String() string {
	switch s {
	case StateReadHasPayloadFlag:
		return "ReadHasPayloadFlag"
	case StateReadInfoLength:
		return "ReadInfoLength"
	case StateReadPayloadLength:
		return "ReadPayloadLength"
	case StateReadInfoBytes:
		return "ReadInfoBytes"
	case StateReadPayloadBytes:
		return "ReadPayloadBytes"
	default:
		return "Unknown"
	}
}

// Decoder reassembles messages from an arbitrarily chunked byte stream.
//
// Feed may be given zero, one or many complete messages in one chunk, or a
// fragment of a header or body; the decoder resumes at exactly the byte it
// stopped at. A Decoder is not safe for concurrent use; each connection owns
// one.
type Decoder struct {
	limits Limits
	state  DecodeState

	lenBuf [LengthSize]byte
	lenN   int

	hasPayload bool
	infoLen    uint32
	payloadLen uint32

	info    []byte
	payload []byte

	// read counts bytes consumed in the current body state.
	read uint32

	// discard is set when a declared length exceeds the limits. The body
	// bytes are still consumed so the stream stays aligned.
	discard    bool
	discardErr error

	completed uint64
	dropped   uint64
}

// NewDecoder creates a decoder. Zero limit fields take their defaults.
func NewDecoder(limits Limits) *Decoder {
	return &Decoder{limits: limits.withDefaults()}
}

// State returns the current state.
func (d *Decoder) State() DecodeState {
	return d.state
}

// Stats returns the number of completed and dropped messages.
func (d *Decoder) Stats() (completed, dropped uint64) {
	return d.completed, d.dropped
}

// Reset discards any partially read message.
func (d *Decoder) Reset() {
	limits := d.limits
	completed, dropped := d.completed, d.dropped
	*d = Decoder{limits: limits, completed: completed, dropped: dropped}
}

// Feed consumes chunk and returns every message completed by it. Errors are
// ProtocolErrors for dropped messages; they never stop decoding.
func (d *Decoder) Feed(chunk []byte) ([]Message, []error) {
	var msgs []Message
	var errs []error

	emit := func() {
		msg, err := d.complete()
		if err != nil {
			errs = append(errs, err)
			return
		}
		msgs = append(msgs, msg)
	}

	for len(chunk) > 0 {
		switch d.state {
		case StateReadHasPayloadFlag:
			flag := chunk[0]
			chunk = chunk[1:]
			if flag > 1 {
				errs = append(errs, Protocolf("decode", "invalid hasPayload flag 0x%02x", flag))
			}
			d.hasPayload = flag != 0
			d.lenN = 0
			d.state = StateReadInfoLength

		case StateReadInfoLength, StateReadPayloadLength:
			n := copy(d.lenBuf[d.lenN:], chunk)
			d.lenN += n
			chunk = chunk[n:]
			if d.lenN < LengthSize {
				continue
			}
			v := binary.LittleEndian.Uint32(d.lenBuf[:])
			d.lenN = 0
			if d.state == StateReadInfoLength {
				d.infoLen = v
				if d.hasPayload {
					d.state = StateReadPayloadLength
					continue
				}
			} else {
				d.payloadLen = v
			}
			if d.beginBody() {
				emit()
			}

		case StateReadInfoBytes:
			n := d.take(chunk, d.infoLen, &d.info)
			chunk = chunk[n:]
			if d.read < d.infoLen {
				continue
			}
			if d.beginPayload() {
				emit()
			}

		case StateReadPayloadBytes:
			n := d.take(chunk, d.payloadLen, &d.payload)
			chunk = chunk[n:]
			if d.read < d.payloadLen {
				continue
			}
			emit()
		}
	}

	return msgs, errs
}

// beginBody enters ReadInfoBytes once the header is complete. It returns true
// when the message is already complete (empty info and no payload bytes).
func (d *Decoder) beginBody() bool {
	if d.infoLen > d.limits.MaxInfoBytes {
		d.discard = true
		d.discardErr = fmt.Errorf("%w: %d bytes", ErrInfoTooLarge, d.infoLen)
	}
	if d.hasPayload && d.payloadLen > d.limits.MaxPayloadBytes {
		d.discard = true
		if d.discardErr == nil {
			d.discardErr = fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, d.payloadLen)
		}
	}
	d.read = 0
	if !d.discard && d.infoLen > 0 {
		d.info = make([]byte, 0, d.infoLen)
	}
	d.state = StateReadInfoBytes
	if d.infoLen > 0 {
		return false
	}
	return d.beginPayload()
}

// beginPayload enters ReadPayloadBytes after the info bytes. It returns true
// when the message is complete.
func (d *Decoder) beginPayload() bool {
	if !d.hasPayload {
		return true
	}
	d.read = 0
	if !d.discard {
		d.payload = make([]byte, 0, min(d.payloadLen, payloadGrowChunk))
	}
	d.state = StateReadPayloadBytes
	return d.payloadLen == 0
}

// take consumes up to want-read bytes of chunk into dst.
func (d *Decoder) take(chunk []byte, want uint32, dst *[]byte) int {
	remaining := want - d.read
	n := len(chunk)
	if uint64(n) > uint64(remaining) {
		n = int(remaining)
	}
	if !d.discard {
		*dst = append(*dst, chunk[:n]...)
	}
	d.read += uint32(n)
	return n
}

// complete finishes the current message and resets for the next one.
func (d *Decoder) complete() (Message, error) {
	defer d.resetMessage()

	if d.discard {
		d.dropped++
		return Message{}, NewProtocolError("decode", d.discardErr.Error(), d.discardErr)
	}

	info := NewInfo()
	if err := info.UnmarshalJSON(d.info); err != nil {
		d.dropped++
		return Message{}, NewProtocolError("decode", "invalid info JSON", err)
	}

	msg := Message{Info: info}
	if d.hasPayload {
		msg.Payload = d.payload
		if msg.Payload == nil {
			msg.Payload = []byte{}
		}
	}
	d.completed++
	return msg, nil
}

func (d *Decoder) resetMessage() {
	d.state = StateReadHasPayloadFlag
	d.lenN = 0
	d.hasPayload = false
	d.infoLen = 0
	d.payloadLen = 0
	d.info = nil
	d.payload = nil
	d.read = 0
	d.discard = false
	d.discardErr = nil
}
