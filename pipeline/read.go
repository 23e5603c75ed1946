package pipeline

import (
	"context"
	"fmt"

	"41.neocities.org/stream/tree"
)

// Read copies bytes from the current slot into buf, transparently crossing
// segment boundaries. An empty buf returns 0 and a nil error at once.
// Returns 0 and a nil error at end-of-stream, and 0 with the error once a
// segment download has failed. On a live stream Read blocks at the live edge
// (WaitingForSegment reports true meanwhile) until the worker delivers the
// next segment or ctx is done.
func (s *AdaptiveStream) Read(ctx context.Context, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	for {
		s.mu.Lock()
		for s.initPending {
			ch := s.waitChan()
			s.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return 0, ctx.Err()
			}
			s.mu.Lock()
		}
		if len(s.initData) > 0 && !s.initDelivered {
			n := copy(buf, s.initData[s.initOffset:])
			s.initOffset += n
			if s.initOffset >= len(s.initData) {
				s.initDelivered = true
			}
			s.mu.Unlock()
			return n, nil
		}
		if !s.initDelivered {
			s.initDelivered = true // no init segment for this Representation
		}

		slot := &s.ring[s.readerSeg%MaxSegmentBuffers]
		if slot.segIndex != s.readerSeg || slot.state == slotEmpty || slot.state == slotDownloading {
			if s.terminalErr != nil && s.nextToDownload <= s.readerSeg {
				err := s.terminalErr
				s.mu.Unlock()
				return 0, err
			}
			ch := s.waitChan()
			s.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		if slot.state == slotFailed {
			err := slot.err
			s.mu.Unlock()
			return 0, err
		}

		if s.readerOffset >= len(slot.data) {
			// current segment exhausted; rotate the ring and advance.
			s.consumedBytes += int64(len(slot.data))
			s.readerSeg++
			s.readerOffset = 0
			s.broadcast() // wakes the worker: ring has a free slot.
			s.mu.Unlock()
			if !s.ensureSegmentLocked(ctx) {
				return 0, nil
			}
			continue
		}

		n := copy(buf, slot.data[s.readerOffset:])
		s.readerOffset += n
		s.mu.Unlock()
		return n, nil
	}
}

// ensureSegmentLocked advances the Representation's current_segment cursor
// under the tree lock and notifies the observer, returning false at a
// terminal end-of-stream.
func (s *AdaptiveStream) ensureSegmentLocked(ctx context.Context) bool {
	s.t.Lock()
	total := len(s.rep.Segments)
	s.t.Unlock()

	s.mu.Lock()
	done := !s.t.HasTimeshiftBuffer && s.readerSeg >= total && s.terminalErr == nil && s.nextToDownload >= total
	s.mu.Unlock()
	if done {
		return false
	}

	s.t.Lock()
	if s.readerSeg < len(s.rep.Segments) {
		s.rep.CurrentSegment = s.readerSeg
	}
	s.t.Unlock()

	s.mu.Lock()
	s.syncedSegment = s.readerSeg
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.OnSegmentChanged(s)
	}
	return true
}

// EnsureSegment advances to the next segment if the current one is
// exhausted. Exposed separately from Read for callers that only need to
// probe availability (e.g. before a seek).
func (s *AdaptiveStream) EnsureSegment(ctx context.Context) bool {
	s.mu.Lock()
	slot := &s.ring[s.readerSeg%MaxSegmentBuffers]
	if slot.segIndex == s.readerSeg && slot.state == slotReady && s.readerOffset >= len(slot.data) {
		s.consumedBytes += int64(len(slot.data))
		s.readerSeg++
		s.readerOffset = 0
		s.broadcast()
	}
	s.mu.Unlock()
	return s.ensureSegmentLocked(ctx)
}

// Seek repositions within the current segment only; cross-segment seeking
// goes through SeekTime.
func (s *AdaptiveStream) Seek(pos int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := &s.ring[s.readerSeg%MaxSegmentBuffers]
	if slot.segIndex != s.readerSeg || slot.state != slotReady {
		return fmt.Errorf("pipeline: seek: current segment not ready")
	}
	rel := pos - s.consumedBytes
	if rel < 0 || rel > int64(len(slot.data)) {
		return fmt.Errorf("pipeline: seek: position %d outside current segment", pos)
	}
	s.readerOffset = int(rel)
	return nil
}

// SeekTime locates the segment whose [start_pts, next.start_pts) window
// contains targetSeconds and repositions the reader there. needsReset is
// true whenever the located segment differs from the one the reader was on,
// so the demuxer must be flushed. preceding=true prefers the earlier
// candidate at an exact boundary.
func (s *AdaptiveStream) SeekTime(targetSeconds float64, preceding bool) (needsReset bool, err error) {
	s.t.RLock()
	segs := s.rep.Segments
	timescale := int64(1_000_000)
	if len(segs) > 0 {
		timescale = timescaleOf(s.t, s.rep)
	}
	targetPTS := int64(targetSeconds * float64(timescale))

	idx := -1
	for i, seg := range segs {
		var nextPTS int64 = 1<<63 - 1
		if i+1 < len(segs) {
			nextPTS = segs[i+1].StartPTS
		}
		if targetPTS >= seg.StartPTS && targetPTS < nextPTS {
			idx = i
			break
		}
		if preceding && targetPTS == nextPTS {
			idx = i
			break
		}
	}
	s.t.RUnlock()

	if idx < 0 {
		return false, fmt.Errorf("pipeline: seek_time: %f outside representation's window", targetSeconds)
	}

	s.mu.Lock()
	changed := idx != s.readerSeg
	s.readerSeg = idx
	s.readerOffset = 0
	s.consumedBytes = 0
	if idx > s.nextToDownload {
		s.nextToDownload = idx
	}
	s.broadcast()
	s.mu.Unlock()

	return changed, nil
}

func timescaleOf(t *tree.Tree, rep *tree.Representation) int64 {
	t.RLock()
	defer t.RUnlock()
	for _, p := range t.Periods {
		for _, a := range p.AdaptationSets {
			for _, r := range a.Representations {
				if r == rep {
					return a.Timescale
				}
			}
		}
	}
	return 1_000_000
}
