package coalesce

import "fmt"

// Scope tags which kind of item a Key refers to.
type Scope uint8

const (
	ScopeObject Scope = iota + 1
	ScopeInteraction
	ScopePart
)

func (s Scope) String() string {
	switch s {
	case ScopeObject:
		return "object"
	case ScopeInteraction:
		return "interaction"
	case ScopePart:
		return "part"
	default:
		return fmt.Sprintf("Scope(%d)", s)
	}
}

// ObjectKind is the update kind of a visual.
type ObjectKind uint8

const (
	ObjectFull ObjectKind = iota + 1
	ObjectTransform
	ObjectProperties
	ObjectData
)

// InteractionKind is the update kind of an interaction.
type InteractionKind uint8

const (
	InteractionFull InteractionKind = iota + 1
	InteractionValue
)

// PartKind is the update kind of an assembly part.
type PartKind uint8

const (
	PartFull PartKind = iota + 1
	PartTransform
	PartProperties
)

// Key identifies one pending update. Keys are comparable; two updates with
// equal keys merge into one pending entry.
type Key struct {
	Scope  Scope
	ID     string
	PartID string
	Kind   uint8
}

// ObjectKey returns the key of a visual update.
func ObjectKey(visualID string, kind ObjectKind) Key {
	return Key{Scope: ScopeObject, ID: visualID, Kind: uint8(kind)}
}

// InteractionKey returns the key of an interaction update.
func InteractionKey(interactionID string, kind InteractionKind) Key {
	return Key{Scope: ScopeInteraction, ID: interactionID, Kind: uint8(kind)}
}

// PartKey returns the key of an assembly part update.
func PartKey(visualID, partID string, kind PartKind) Key {
	return Key{Scope: ScopePart, ID: visualID, PartID: partID, Kind: uint8(kind)}
}

// ObjectKind returns the kind of an object key.
func (k Key) ObjectKind() ObjectKind { return ObjectKind(k.Kind) }

// InteractionKind returns the kind of an interaction key.
func (k Key) InteractionKind() InteractionKind { return InteractionKind(k.Kind) }

// PartKind returns the kind of a part key.
func (k Key) PartKind() PartKind { return PartKind(k.Kind) }

// Item returns the item the key refers to, independent of update kind.
func (k Key) Item() Item {
	return Item{Scope: k.Scope, ID: k.ID, PartID: k.PartID}
}

func (k Key) String() string {
	if k.Scope == ScopePart {
		return fmt.Sprintf("part:%s/%s#%d", k.ID, k.PartID, k.Kind)
	}
	return fmt.Sprintf("%s:%s#%d", k.Scope, k.ID, k.Kind)
}

// Item is a visual, interaction or part as seen by subscribers.
type Item struct {
	Scope  Scope
	ID     string
	PartID string
}

// VisualItem returns the item of a visual.
func VisualItem(id string) Item { return Item{Scope: ScopeObject, ID: id} }

// InteractionItem returns the item of an interaction.
func InteractionItem(id string) Item { return Item{Scope: ScopeInteraction, ID: id} }

// PartItem returns the item of an assembly part.
func PartItem(visualID, partID string) Item {
	return Item{Scope: ScopePart, ID: visualID, PartID: partID}
}
