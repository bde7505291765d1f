package coalesce

import (
	"github.com/fisync/fisync/pkg/protocol"
)

// Batch is one outbound module update: visual entries, interaction entries
// and one payload shared by all entries.
type Batch struct {
	ModuleID     string
	Snapshot     bool
	Sequence     uint64
	Visuals      []*protocol.Info
	Interactions []*protocol.Info
	payload      []byte
}

// NewBatch creates an empty batch for a module.
func NewBatch(moduleID string, snapshot bool) *Batch {
	return &Batch{ModuleID: moduleID, Snapshot: snapshot}
}

// AppendPayload appends b to the shared payload and returns its offset.
func (b *Batch) AppendPayload(p []byte) int {
	offset := len(b.payload)
	b.payload = append(b.payload, p...)
	return offset
}

// Payload returns the shared payload.
func (b *Batch) Payload() []byte {
	return b.payload
}

// AddVisual appends a VisualsInfo entry.
func (b *Batch) AddVisual(e *protocol.Info) {
	b.Visuals = append(b.Visuals, e)
}

// AddInteraction appends a ModuleInteractions entry.
func (b *Batch) AddInteraction(e *protocol.Info) {
	b.Interactions = append(b.Interactions, e)
}

// Len returns the number of entries.
func (b *Batch) Len() int {
	return len(b.Visuals) + len(b.Interactions)
}

// Message encodes the batch as a Module message. The payload is attached
// only when an entry references it.
func (b *Batch) Message() protocol.Message {
	msg := protocol.NewMessage(protocol.TypeModule).
		Set(protocol.KeyResponseStatus, protocol.StatusSuccess).
		Set(protocol.KeyModuleID, b.ModuleID).
		Set(protocol.KeySnapshot, b.Snapshot).
		Set(protocol.KeySequence, b.Sequence)
	msg.Info.SetRaw(protocol.KeyVisualsInfo, protocol.MarshalEntries(b.Visuals))
	msg.Info.SetRaw(protocol.KeyModuleInteractions, protocol.MarshalEntries(b.Interactions))
	if len(b.payload) > 0 {
		msg = msg.WithPayload(b.payload)
	}
	return msg
}

// ParseBatch decodes a Module batch message.
func ParseBatch(msg protocol.Message) (*Batch, error) {
	const op = "parse batch"
	if msg.Type() != protocol.TypeModule {
		return nil, protocol.Validationf(op, "message type %q is not %q", msg.Type(), protocol.TypeModule)
	}
	if !msg.Info.Has(protocol.KeyVisualsInfo) && !msg.Info.Has(protocol.KeyModuleInteractions) {
		return nil, protocol.Validationf(op, "message carries no entries")
	}

	b := &Batch{
		ModuleID: msg.Info.String(protocol.KeyModuleID),
		payload:  msg.Payload,
	}
	b.Snapshot, _ = msg.Info.Bool(protocol.KeySnapshot)
	if seq, ok := msg.Info.Int(protocol.KeySequence); ok && seq > 0 {
		b.Sequence = uint64(seq)
	}

	var err error
	if b.Visuals, err = msg.Info.DecodeEntries(protocol.KeyVisualsInfo); err != nil {
		return nil, protocol.NewProtocolError(op, "invalid VisualsInfo", err)
	}
	if b.Interactions, err = msg.Info.DecodeEntries(protocol.KeyModuleInteractions); err != nil {
		return nil, protocol.NewProtocolError(op, "invalid ModuleInteractions", err)
	}
	return b, nil
}
