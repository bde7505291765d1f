package dataset

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fisync/fisync/pkg/volume"
)

// Stored datasets are a manifest plus one raw file holding every series
// back to back as little-endian float32.
const rawExt = ".raw"

// manifestExts are tried in order.
var manifestExts = []string{".yaml", ".yml", ".json"}

// ParseManifest decodes a YAML or JSON manifest. ext selects the decoder.
func ParseManifest(data []byte, ext string) (Manifest, error) {
	var m Manifest
	switch strings.ToLower(ext) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&m); err != nil {
			return Manifest{}, fmt.Errorf("dataset: parse manifest: %w", err)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil {
			return Manifest{}, fmt.Errorf("dataset: parse manifest: %w", err)
		}
	default:
		return Manifest{}, fmt.Errorf("dataset: unknown manifest extension %q", ext)
	}
	return m, nil
}

// Decode builds a dataset from a manifest and its raw data.
func Decode(m Manifest, raw []byte) (*Dataset, error) {
	if err := m.normalize(); err != nil {
		return nil, err
	}
	want := 4 * m.voxels() * m.Series
	if len(raw) != want {
		return nil, fmt.Errorf("dataset %q: raw data is %d bytes, want %d", m.ID, len(raw), want)
	}
	values, err := volume.DecodeFloats(raw)
	if err != nil {
		return nil, err
	}
	n := m.voxels()
	series := make([][]float32, m.Series)
	for i := range series {
		series[i] = values[i*n : (i+1)*n : (i+1)*n]
	}
	return New(m, series...)
}

// Encode returns the raw data of d, the inverse of Decode.
func Encode(d *Dataset) []byte {
	var out []byte
	for _, s := range d.series {
		out = append(out, volume.EncodeFloats(s)...)
	}
	return out
}

// validID rejects IDs that could escape a directory or prefix.
func validID(id string) bool {
	return id != "" && id != "." && id != ".." &&
		!strings.ContainsAny(id, `/\`) && !strings.Contains(id, "..")
}

// objectGetter fetches one object, returning ErrNotFound for missing keys.
type objectGetter func(ctx context.Context, key string) ([]byte, error)

// loadObjects loads id through get from <prefix>/<id>.{yaml,yml,json} and
// <prefix>/<id>.raw.
func loadObjects(ctx context.Context, get objectGetter, prefix, id string) (*Dataset, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	base := path.Join(prefix, id)
	var (
		m     Manifest
		found bool
	)
	for _, ext := range manifestExts {
		data, err := get(ctx, base+ext)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if m, err = ParseManifest(data, ext); err != nil {
			return nil, err
		}
		found = true
		break
	}
	if !found {
		return nil, ErrNotFound
	}
	if m.ID == "" {
		m.ID = id
	}
	raw, err := get(ctx, base+rawExt)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("dataset %q: manifest without %s data", id, rawExt)
	}
	if err != nil {
		return nil, err
	}
	return Decode(m, raw)
}

func marshalYAML(m Manifest) ([]byte, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("dataset: encode manifest: %w", err)
	}
	return data, nil
}
