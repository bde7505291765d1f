package protocol

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
)

// Frame constants.
const (
	// FlagSize is the size of the hasPayload flag.
	FlagSize = 1

	// LengthSize is the size of each length field.
	LengthSize = 4

	// HeaderSizeNoPayload is the header size of a message without payload.
	HeaderSizeNoPayload = FlagSize + LengthSize

	// HeaderSizeWithPayload is the header size of a message with payload.
	HeaderSizeWithPayload = FlagSize + 2*LengthSize
)

// Frame errors.
var (
	ErrInfoTooLarge    = errors.New("protocol: info too large")
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
)

// Encode serializes a message into its wire form.
//
//	[hasPayload:1][infoLength:4][payloadLength:4, if hasPayload][info][payload]
func Encode(m Message) ([]byte, error) {
	if !m.Valid() {
		return nil, ErrInvalidMessage
	}
	info, err := m.Info.MarshalJSON()
	if err != nil {
		return nil, err
	}
	if uint64(len(info)) > math.MaxUint32 {
		return nil, ErrInfoTooLarge
	}
	if uint64(len(m.Payload)) > math.MaxUint32 {
		return nil, ErrPayloadTooLarge
	}

	size := HeaderSizeNoPayload + len(info)
	if m.HasPayload() {
		size = HeaderSizeWithPayload + len(info) + len(m.Payload)
	}

	buf := make([]byte, 0, size)
	if m.HasPayload() {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(info)))
	if m.HasPayload() {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Payload)))
	}
	buf = append(buf, info...)
	if m.HasPayload() {
		buf = append(buf, m.Payload...)
	}
	return buf, nil
}

// WriteMessage encodes a message and writes it with a single Write call.
func WriteMessage(w io.Writer, m Message) (int, error) {
	data, err := Encode(m)
	if err != nil {
		return 0, err
	}
	return w.Write(data)
}

// EncodedSize returns the number of bytes Encode will produce, or -1 when the
// message cannot be encoded.
func EncodedSize(m Message) int {
	if !m.Valid() {
		return -1
	}
	info, err := m.Info.MarshalJSON()
	if err != nil {
		return -1
	}
	if m.HasPayload() {
		return HeaderSizeWithPayload + len(info) + len(m.Payload)
	}
	return HeaderSizeNoPayload + len(info)
}
