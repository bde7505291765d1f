package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestEncodeLayout(t *testing.T) {
	tests := []struct {
		name       string
		msg        Message
		wantFlag   byte
		wantHeader int
	}{
		{
			name:       "no_payload",
			msg:        NewMessage(TypeAuthentication).Set(KeyPassword, "secret"),
			wantFlag:   0,
			wantHeader: HeaderSizeNoPayload,
		},
		{
			name:       "empty_payload",
			msg:        NewMessage(TypeData).WithPayload(nil),
			wantFlag:   1,
			wantHeader: HeaderSizeWithPayload,
		},
		{
			name:       "with_payload",
			msg:        NewMessage(TypeData).WithPayload([]byte{0x00, 0xFF, 0x10}),
			wantFlag:   1,
			wantHeader: HeaderSizeWithPayload,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Encode(tc.msg)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if data[0] != tc.wantFlag {
				t.Errorf("flag = %d, want %d", data[0], tc.wantFlag)
			}
			info, _ := tc.msg.Info.MarshalJSON()
			infoLen := binary.LittleEndian.Uint32(data[1:5])
			if int(infoLen) != len(info) {
				t.Errorf("infoLength = %d, want %d", infoLen, len(info))
			}
			if tc.msg.HasPayload() {
				payloadLen := binary.LittleEndian.Uint32(data[5:9])
				if int(payloadLen) != len(tc.msg.Payload) {
					t.Errorf("payloadLength = %d, want %d", payloadLen, len(tc.msg.Payload))
				}
			}
			if !bytes.Equal(data[tc.wantHeader:tc.wantHeader+len(info)], info) {
				t.Errorf("info bytes = %q, want %q", data[tc.wantHeader:tc.wantHeader+len(info)], info)
			}
			if got := EncodedSize(tc.msg); got != len(data) {
				t.Errorf("EncodedSize() = %d, want %d", got, len(data))
			}
		})
	}
}

func TestEncodeInvalid(t *testing.T) {
	if _, err := Encode(Message{}); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("Encode(Message{}) error = %v, want %v", err, ErrInvalidMessage)
	}
	if got := EncodedSize(Message{}); got != -1 {
		t.Errorf("EncodedSize(Message{}) = %d, want -1", got)
	}

	bad := NewMessage(TypeData).Set("Bad", make(chan int))
	if _, err := Encode(bad); err == nil {
		t.Error("Encode() with unmarshalable value should fail")
	}
}

func TestRoundTrip(t *testing.T) {
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	tests := []struct {
		name string
		msg  Message
	}{
		{"no_payload", NewMessage(TypeModuleList)},
		{"empty_payload", NewMessage(TypeData).WithPayload([]byte{})},
		{"binary_payload", NewMessage(TypeData).Set(KeyDataID, "ct-1").WithPayload(payload)},
		{"nested_info", NewMessage(TypeModule).
			Set(KeyModuleID, "viewer").
			Set(KeyVisualsInfo, []map[string]any{{"ID": "v1", "Type": "Image"}}).
			Set(KeyValue, 1.5)},
		{"unicode", NewMessage(TypeAuthentication).Set(KeyMessage, "grüße <ok> & ✓")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Encode(tc.msg)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}

			dec := NewDecoder(DefaultLimits())
			msgs, errs := dec.Feed(data)
			if len(errs) != 0 {
				t.Fatalf("Feed() errors = %v", errs)
			}
			if len(msgs) != 1 {
				t.Fatalf("Feed() returned %d messages, want 1", len(msgs))
			}
			if !msgs[0].Equal(tc.msg) {
				t.Errorf("decoded = %v, want %v", msgs[0].Info, tc.msg.Info)
			}
			if msgs[0].HasPayload() != tc.msg.HasPayload() {
				t.Errorf("HasPayload() = %v, want %v", msgs[0].HasPayload(), tc.msg.HasPayload())
			}

			again, err := Encode(msgs[0])
			if err != nil {
				t.Fatalf("re-Encode() error = %v", err)
			}
			if !bytes.Equal(again, data) {
				t.Error("re-encoded bytes differ from original")
			}
		})
	}
}

func TestWriteMessage(t *testing.T) {
	var buf bytes.Buffer
	msg := NewMessage(TypeData).WithPayload([]byte("abc"))

	n, err := WriteMessage(&buf, msg)
	if err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if n != buf.Len() || n != EncodedSize(msg) {
		t.Errorf("WriteMessage() = %d, buffer %d, want %d", n, buf.Len(), EncodedSize(msg))
	}
}
