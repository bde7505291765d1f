package scene

import "fmt"

// EventKind tags a ChangeEvent.
type EventKind uint8

const (
	VisualAdded EventKind = iota + 1
	VisualRemoved
	VisualTransformed
	VisualPropertiesChanged
	VisualDataChanged
	PartAdded
	PartRemoved
	PartTransformed
	PartPropertiesChanged
	InteractionAdded
	InteractionRemoved
	InteractionValueChanged
	InteractionConstraintChanged
	InteractionTriggered
)

var eventNames = map[EventKind]string{
	VisualAdded:                  "VisualAdded",
	VisualRemoved:                "VisualRemoved",
	VisualTransformed:            "VisualTransformed",
	VisualPropertiesChanged:      "VisualPropertiesChanged",
	VisualDataChanged:            "VisualDataChanged",
	PartAdded:                    "PartAdded",
	PartRemoved:                  "PartRemoved",
	PartTransformed:              "PartTransformed",
	PartPropertiesChanged:        "PartPropertiesChanged",
	InteractionAdded:             "InteractionAdded",
	InteractionRemoved:           "InteractionRemoved",
	InteractionValueChanged:      "InteractionValueChanged",
	InteractionConstraintChanged: "InteractionConstraintChanged",
	InteractionTriggered:         "InteractionTriggered",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", k)
}

// ChangeEvent describes one mutation of a Scene. Which IDs are set depends
// on Kind: visual and part events carry VisualID (and PartID), interaction
// events carry InteractionID.
type ChangeEvent struct {
	Kind          EventKind
	VisualID      string
	PartID        string
	InteractionID string
	Value         Value // InteractionValueChanged and InteractionTriggered
}

// Listener receives change events. It is called synchronously after the
// scene lock has been released.
type Listener func(ChangeEvent)
