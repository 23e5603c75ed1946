package pipeline

import "41.neocities.org/stream/tree"

// GetMaxTimeMs returns the Representation's (and by extension the Tree's)
// total known duration in milliseconds, derived from overall_seconds.
func (s *AdaptiveStream) GetMaxTimeMs() int64 {
	s.t.RLock()
	defer s.t.RUnlock()
	return int64(s.t.OverallSeconds * 1000)
}

// GetCurrentPTSOffset returns the start_pts of the segment currently being
// read, in the Representation's timescale.
func (s *AdaptiveStream) GetCurrentPTSOffset() int64 {
	s.t.RLock()
	defer s.t.RUnlock()
	return s.currentPTSOffsetLocked()
}

// currentPTSOffsetLocked is GetCurrentPTSOffset's body, callable by other
// methods that already hold s.t's RLock -- sync.RWMutex is not
// re-entrant, so calling GetCurrentPTSOffset itself from under an existing
// RLock can deadlock against a pending writer (RefreshLoop's Lock).
func (s *AdaptiveStream) currentPTSOffsetLocked() int64 {
	s.mu.Lock()
	seg := s.readerSeg
	s.mu.Unlock()
	if seg < 0 || seg >= len(s.rep.Segments) {
		return 0
	}
	return s.rep.Segments[seg].StartPTS
}

// GetAbsolutePTSOffset adds the durations of every Period preceding the
// reader's current one to GetCurrentPTSOffset, yielding a presentation-wide
// timestamp rather than one scoped to a single Period.
func (s *AdaptiveStream) GetAbsolutePTSOffset() int64 {
	s.t.RLock()
	defer s.t.RUnlock()
	var offset int64
	for _, p := range s.t.Periods {
		for _, a := range p.AdaptationSets {
			for _, r := range a.Representations {
				if r == s.rep {
					return offset + s.currentPTSOffsetLocked()
				}
			}
		}
		offset += p.Duration
	}
	return offset
}

// GetType returns the AdaptationType of the Representation this stream is
// bound to.
func (s *AdaptiveStream) GetType() tree.AdaptationType {
	s.t.RLock()
	defer s.t.RUnlock()
	for _, p := range s.t.Periods {
		for _, a := range p.AdaptationSets {
			for _, r := range a.Representations {
				if r == s.rep {
					return a.Type
				}
			}
		}
	}
	return tree.Video
}

// SwitchRepresentation changes the active Representation (an ABR policy
// decision made above this engine) and clears the ring so the worker
// re-fetches from the equivalent position in the new Representation. The
// new Representation's own init segment is re-fetched and re-delivered
// before its first media segment, same as a fresh stream.
func (s *AdaptiveStream) SwitchRepresentation(newRep *tree.Representation) {
	s.t.RLock()
	needsInit := newRep.HasFlag(tree.FlagInitialization)
	s.t.RUnlock()

	s.mu.Lock()
	s.rep = newRep
	s.initData = nil
	s.initOffset = 0
	s.initDelivered = false
	s.initPending = needsInit
	s.syncedSegment = s.readerSeg
	s.mu.Unlock()
	s.Clear()
	if needsInit {
		go s.fetchInitSegment(s.runCtx)
	}
	if s.observer != nil {
		s.observer.OnStreamChange(s)
	}
}
