// Package protocol implements the fisync wire protocol.
//
// Every message exchanged between the server and a Framework Interface (FI)
// client is a JSON info object with an optional raw binary payload. The info
// object is the schema: binary payloads carry no self-describing header and
// are interpreted through fields such as PointBytes or Dimensions.
//
// # Wire Format
//
// All integers are little-endian:
//
//	┌────────────┬──────────────┬──────────────────┬─────────────┬──────────────┐
//	│ hasPayload │ infoLength   │ payloadLength    │ info        │ payload      │
//	│ (1 byte)   │ (4 bytes)    │ (4 bytes, only   │ (UTF-8 JSON)│ (raw bytes)  │
//	│            │              │ if hasPayload)   │             │              │
//	└────────────┴──────────────┴──────────────────┴─────────────┴──────────────┘
//
// The header is variable in size: a message without payload has a 5 byte
// header, a message with payload a 9 byte header.
//
// # Reassembly
//
// TCP delivers arbitrary chunks, so decoding is a streaming state machine
// (see Decoder) rather than a single call:
//
//	ReadHasPayloadFlag → ReadInfoLength → [ReadPayloadLength] →
//	ReadInfoBytes → [ReadPayloadBytes] → Complete
//
// Framing is defined by the length fields only. A message whose info JSON
// fails to parse is dropped, but the stream stays aligned and the following
// messages decode normally.
//
// # Envelopes
//
// envelope.go lists the info keys shared by client and server:
//
//   - Authentication: ResponseStatus, MessageType, ClientID, Message, Password
//   - Module synchronization: ModuleID, RequestID, VisualsInfo, ModuleInteractions
//   - Data fetch: DataType, DataID, SliceIndex, SliceOrientation, SeriesIndex,
//     Dimensions, Spacing, DataFormat, Cacheable
//
// # Usage Example
//
//	msg := protocol.NewMessage(protocol.TypeData).
//	    Set(protocol.KeyDataID, "ct-1").
//	    Set(protocol.KeySliceIndex, 5)
//	data, err := protocol.Encode(msg)
//
//	dec := protocol.NewDecoder(protocol.DefaultLimits())
//	msgs, errs := dec.Feed(data)
package protocol
