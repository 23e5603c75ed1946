// Package pipeline implements AdaptiveStream: a bounded producer/consumer
// segment pipeline exposing a byte-level Read/Seek surface over a
// tree.Representation, grounded on the teacher's worker-pool engine
// (3052-maya engine.go/download_engine.go) but re-architected per the
// design notes into a single download worker plus a bounded ring, with a
// broadcast channel standing in for the original's condition variables.
package pipeline

import "41.neocities.org/stream/tree"

// MaxSegmentBuffers bounds how far the worker may download ahead of the
// reader.
const MaxSegmentBuffers = 10

type slotState int

const (
	slotEmpty slotState = iota
	slotDownloading
	slotReady
	slotFailed
)

// segmentSlot is the pipeline's SegmentBuffer: payload bytes plus the
// Segment metadata and rep.Segments index they were fetched for.
type segmentSlot struct {
	state      slotState
	segIndex   int // index into rep.Segments
	seg        tree.Segment
	data       []byte
	err        error
}
