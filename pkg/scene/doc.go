// Package scene is the server-side object model that modules synchronize.
//
// A Scene stores visuals (Image, Surface, Text, Assembly) and interactions
// (controls whose value is one of the closed set Trigger, Bool, Int, Float,
// String, Select). Every mutation emits a ChangeEvent to registered
// listeners; the module layer turns those events into pending updates.
//
// Entries are encoded with EncodeVisual and EncodeInteraction. A client-side
// Scene can be kept as a mirror by feeding it the same entries through
// ApplyVisualEntry and ApplyInteractionEntry.
package scene
