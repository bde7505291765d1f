// Package volume caches slice-addressable 3D datasets on the client.
//
// A dataset is fetched one slice at a time. Cache.EnsureSlice returns a
// Future that resolves once the addressed slice is present; concurrent
// callers for the same missing slice share one fetch. Cache.OnSliceArrived
// writes a data response into the dataset's PartialVolume and resolves the
// waiting future.
//
// Volumes are stored x-fastest (i = x + y*dx + z*dx*dy). Slices travel
// normalized to [0,1] as little-endian float32 and are scaled to
// [0,DisplayMax] on arrival.
package volume
