// Package demo builds the example viewer module served by "fisync serve
// --demo".
package demo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fisync/fisync/pkg/dataset"
	"github.com/fisync/fisync/pkg/module"
	"github.com/fisync/fisync/pkg/scene"
	"github.com/fisync/fisync/pkg/volume"
)

// ModuleID is the ID of the demo module.
const ModuleID = "viewer"

// Interaction and visual IDs of the demo scene.
const (
	DatasetSelect     = "dataset"
	OrientationSelect = "orientation"
	SliceIndex        = "slice"
	OpacityValue      = "opacity"
	ShowLabel         = "show-label"
	Reset             = "reset"

	ImageVisual = "image"
	LabelVisual = "label"
)

var orientations = []string{
	volume.Transverse.String(),
	volume.Sagittal.String(),
	volume.Coronal.String(),
}

// Viewer is a slice viewer over the datasets of a catalog. Its interactions
// pick the dataset, orientation and slice; a label echoes the selection.
type Viewer struct {
	catalog *dataset.Catalog
	ids     []string
	scene   *scene.Scene
	logger  *slog.Logger
}

// NewViewer builds the viewer scene for the given dataset IDs, which must
// already be loadable from catalog.
func NewViewer(catalog *dataset.Catalog, ids []string, logger *slog.Logger) (*Viewer, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("demo: no datasets")
	}
	if logger == nil {
		logger = slog.Default()
	}
	v := &Viewer{
		catalog: catalog,
		ids:     append([]string(nil), ids...),
		scene:   scene.New(),
		logger:  logger.With("component", "demo"),
	}
	first, err := v.dataset(0)
	if err != nil {
		return nil, err
	}

	sc := v.scene
	for _, err := range []error{
		sc.AddVisual(scene.NewImage(ImageVisual, "Image", first.Type(), first.ID())),
		sc.AddVisual(scene.NewText(LabelVisual, "Label", "")),
		sc.AddInteraction(scene.NewSelect(DatasetSelect, "Dataset", 0, v.ids...)),
		sc.AddInteraction(scene.NewSelect(OrientationSelect, "Orientation", 0, orientations...)),
		sc.AddInteraction(scene.NewInt(SliceIndex, "Slice", 0, 0, 0)),
		sc.AddInteraction(scene.NewFloat(OpacityValue, "Opacity", 1, 0, 1, 0.05)),
		sc.AddInteraction(scene.NewBool(ShowLabel, "Show label", true)),
		sc.AddInteraction(scene.NewTrigger(Reset, "Reset")),
	} {
		if err != nil {
			return nil, err
		}
	}
	if err := v.fitSlice(); err != nil {
		return nil, err
	}
	v.refreshLabel()
	sc.OnChange(v.onChange)
	return v, nil
}

// Scene returns the viewer scene.
func (v *Viewer) Scene() *scene.Scene { return v.scene }

// Module wraps the viewer scene in a module.
func (v *Viewer) Module(opts ...module.Option) *module.Module {
	return module.New(ModuleID, "Slice viewer", append([]module.Option{module.WithScene(v.scene)}, opts...)...)
}

func (v *Viewer) onChange(ev scene.ChangeEvent) {
	var err error
	switch ev.Kind {
	case scene.InteractionValueChanged:
		switch ev.InteractionID {
		case DatasetSelect:
			err = v.selectDataset()
		case OrientationSelect:
			err = v.fitSlice()
		case OpacityValue, ShowLabel:
			err = v.applyAppearance()
		}
		if ev.InteractionID != OpacityValue {
			v.refreshLabel()
		}
	case scene.InteractionTriggered:
		if ev.InteractionID == Reset {
			err = v.reset()
		}
	}
	if err != nil {
		v.logger.Warn("demo update failed", "interaction_id", ev.InteractionID, "error", err)
	}
}

func (v *Viewer) dataset(i int) (*dataset.Dataset, error) {
	if i < 0 || i >= len(v.ids) {
		return nil, fmt.Errorf("demo: dataset %d out of range", i)
	}
	ds, err := v.catalog.Get(context.Background(), v.ids[i])
	if err != nil {
		return nil, fmt.Errorf("demo: %w", err)
	}
	return ds, nil
}

func (v *Viewer) selectInt(id string) int {
	i, _ := v.scene.Interaction(id)
	switch x := i.Value.(type) {
	case scene.Select:
		return int(x)
	case scene.Int:
		return int(x)
	}
	return 0
}

func (v *Viewer) current() (*dataset.Dataset, volume.Orientation, error) {
	ds, err := v.dataset(v.selectInt(DatasetSelect))
	if err != nil {
		return nil, 0, err
	}
	o, _ := volume.ParseOrientation(orientations[v.selectInt(OrientationSelect)])
	return ds, o, nil
}

func (v *Viewer) selectDataset() error {
	ds, _, err := v.current()
	if err != nil {
		return err
	}
	if err := v.scene.SetImage(ImageVisual, scene.ImageRef{DataType: ds.Type(), DataID: ds.ID()}); err != nil {
		return err
	}
	return v.fitSlice()
}

// fitSlice bounds the slice interaction to the selected plane and centers it.
func (v *Viewer) fitSlice() error {
	ds, o, err := v.current()
	if err != nil {
		return err
	}
	n := ds.Meta().Dimensions[o.Axis()]
	if err := v.scene.SetValue(SliceIndex, scene.Int(0)); err != nil {
		return err
	}
	if err := v.scene.SetConstraint(SliceIndex, scene.Range(0, float64(n-1), 1)); err != nil {
		return err
	}
	return v.scene.SetValue(SliceIndex, scene.Int(n/2))
}

func (v *Viewer) applyAppearance() error {
	img, ok := v.scene.Visual(ImageVisual)
	if !ok {
		return nil
	}
	a := img.Appearance
	if i, ok := v.scene.Interaction(OpacityValue); ok {
		if f, ok := i.Value.(scene.Float); ok {
			a.Opacity = float64(f)
		}
	}
	if err := v.scene.SetAppearance(ImageVisual, a); err != nil {
		return err
	}

	label, ok := v.scene.Visual(LabelVisual)
	if !ok {
		return nil
	}
	la := label.Appearance
	if i, ok := v.scene.Interaction(ShowLabel); ok {
		if b, ok := i.Value.(scene.Bool); ok {
			la.Visible = bool(b)
		}
	}
	return v.scene.SetAppearance(LabelVisual, la)
}

func (v *Viewer) reset() error {
	for _, id := range []string{DatasetSelect, OrientationSelect} {
		if err := v.scene.SetValue(id, scene.Select(0)); err != nil {
			return err
		}
	}
	if err := v.scene.SetValue(OpacityValue, scene.Float(1)); err != nil {
		return err
	}
	return v.scene.SetValue(ShowLabel, scene.Bool(true))
}

func (v *Viewer) refreshLabel() {
	ds, o, err := v.current()
	if err != nil {
		return
	}
	var b strings.Builder
	d := ds.Meta().Dimensions
	fmt.Fprintf(&b, "%s %dx%dx%d | %s slice %d", ds.ID(), d[0], d[1], d[2], o, v.selectInt(SliceIndex))
	if err := v.scene.SetText(LabelVisual, b.String()); err != nil {
		v.logger.Debug("label update failed", "error", err)
	}
}
