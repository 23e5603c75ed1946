package pipeline

import (
	"context"
	"sync"

	"41.neocities.org/stream/tree"
)

// Observer receives notifications when the pipeline crosses a segment or
// switches Representation, matching SPEC_FULL's reader surface.
type Observer interface {
	OnSegmentChanged(s *AdaptiveStream)
	OnStreamChange(s *AdaptiveStream)
}

// AdaptiveStream is the per-stream (one per active AdaptationSet) producer/
// consumer pipeline: a single worker downloads ahead into a bounded ring,
// and Read/Seek/SeekTime present the result as one contiguous byte stream.
type AdaptiveStream struct {
	t        *tree.Tree
	rep      *tree.Representation
	fetcher  tree.Fetcher
	observer Observer

	mu     sync.Mutex
	notify chan struct{}

	ring           [MaxSegmentBuffers]segmentSlot
	readerSeg      int // index into rep.Segments the reader is consuming
	readerOffset   int // byte offset within ring[readerSeg%Max].data
	nextToDownload int // index into rep.Segments the worker should fetch next
	consumedBytes  int64 // bytes delivered to the reader from prior segments
	bandwidthBps   int64 // most recent measured download throughput

	// syncedSegment is the last rep.CurrentSegment value this stream itself
	// wrote (in ensureSegmentLocked). The worker compares rep.CurrentSegment
	// against it on each pass to detect a live refresh's PrepareRepresentation
	// (tree.go's isUpdate branch) moving the cursor out from under it, which
	// happens whenever a window shift replaces rep.Segments with a slice
	// indexed from a new start_number.
	syncedSegment int

	initData      []byte // current Representation's init segment, fetched once
	initOffset    int
	initDelivered bool
	initPending   bool // true while the worker is still fetching/re-fetching it

	waitingForSegment bool
	stopped           bool
	terminalErr       error

	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a stream over rep and starts its download worker.
// startIndex is the first segment to read (live: end-of-window minus a
// conservative offset; VOD: 0 or a resume point), matching start_stream's
// contract.
func New(ctx context.Context, t *tree.Tree, rep *tree.Representation, fetcher tree.Fetcher, observer Observer, startIndex int) *AdaptiveStream {
	t.RLock()
	needsInit := rep.HasFlag(tree.FlagInitialization)
	t.RUnlock()

	s := &AdaptiveStream{
		t:              t,
		rep:            rep,
		fetcher:        fetcher,
		observer:       observer,
		notify:         make(chan struct{}),
		readerSeg:      startIndex,
		nextToDownload: startIndex,
		syncedSegment:  startIndex,
		initPending:    needsInit,
		done:           make(chan struct{}),
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx = runCtx
	s.cancel = cancel
	go s.worker(runCtx)
	return s
}

func (s *AdaptiveStream) broadcast() {
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *AdaptiveStream) waitChan() <-chan struct{} {
	return s.notify
}

// Stop cancels the worker and waits for it to exit. No partial payload is
// ever delivered to the reader after Stop returns.
func (s *AdaptiveStream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.broadcast()
	s.mu.Unlock()
	s.cancel()
	<-s.done
}

// Clear discards all buffered slots and resets the ring to readerSeg,
// forcing the worker to re-fetch from the current position -- used after a
// Representation switch (bitrate change) or a seek that invalidates the
// ring's contents.
func (s *AdaptiveStream) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.ring {
		s.ring[i] = segmentSlot{}
	}
	s.nextToDownload = s.readerSeg
	s.broadcast()
}

// WaitingForSegment reports whether the reader is currently stalled on the
// live edge (transient) as opposed to hitting a terminal error.
func (s *AdaptiveStream) WaitingForSegment() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitingForSegment
}

// Tell returns the reader's current absolute byte position within the
// active Representation's logical elementary stream.
func (s *AdaptiveStream) Tell() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumedBytes + int64(s.readerOffset)
}

// BandwidthEstimate returns the most recently measured segment download
// throughput in bits per second. The engine only measures it; deciding
// whether to switch Representation on the strength of it is the policy
// layer's job, not this one's.
func (s *AdaptiveStream) BandwidthEstimate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bandwidthBps
}
