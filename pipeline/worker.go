package pipeline

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"41.neocities.org/stream/drm"
	"41.neocities.org/stream/internal/dash"
	"41.neocities.org/stream/tree"
)

// worker is the single download thread per pipeline. It fills slots ahead
// of the reader up to MaxSegmentBuffers, resolving placeholders and byte
// ranges, downloading, and running the decryption hook (Tree.OnDataArrived)
// once over each segment's complete body after its download finishes; the
// body is not decrypted chunk by chunk while bytes are still arriving.
func (s *AdaptiveStream) worker(ctx context.Context) {
	defer close(s.done)
	s.fetchInitSegment(ctx)
	for {
		s.resyncFromRefresh()

		s.mu.Lock()
		for !s.stopped && s.nextToDownload-s.readerSeg >= MaxSegmentBuffers {
			ch := s.waitChan()
			s.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return
			}
			s.mu.Lock()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}
		segIdx := s.nextToDownload
		s.mu.Unlock()

		s.t.Lock()
		total := len(s.rep.Segments)
		var seg tree.Segment
		haveSeg := segIdx < total
		if haveSeg {
			seg = s.rep.Segments[segIdx]
			s.rep.ClearFlag(tree.FlagWaitForSegment)
		}
		s.t.Unlock()

		if !haveSeg {
			if !s.t.HasTimeshiftBuffer {
				s.markTerminal(nil) // clean VOD end-of-stream
				return
			}
			s.t.Lock()
			s.rep.SetFlag(tree.FlagWaitForSegment)
			s.t.Unlock()

			s.mu.Lock()
			s.waitingForSegment = true
			ch := s.waitChan()
			s.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return
			}
			continue
		}

		fetchStart := time.Now()
		data, err := s.fetchSegment(ctx, segIdx, seg)
		if err == nil && len(data) > 0 {
			if elapsed := time.Since(fetchStart); elapsed > 0 {
				bps := int64(float64(len(data)*8) / elapsed.Seconds())
				s.mu.Lock()
				s.bandwidthBps = bps
				s.mu.Unlock()
				log.Printf("pipeline: segment %d: %d bytes in %s (%d bps)", segIdx, len(data), elapsed.Truncate(time.Millisecond), bps)
			}
		}

		s.mu.Lock()
		slot := &s.ring[segIdx%MaxSegmentBuffers]
		*slot = segmentSlot{segIndex: segIdx, seg: seg, data: data, err: err}
		if err != nil {
			slot.state = slotFailed
			s.terminalErr = err
		} else {
			slot.state = slotReady
		}
		s.nextToDownload++
		s.waitingForSegment = false
		s.broadcast()
		s.mu.Unlock()

		if err != nil {
			return
		}
	}
}

// resyncFromRefresh re-reads rep.CurrentSegment under the tree lock and, if
// it has moved independently of this stream's own forward progress, adopts
// it as the reader's new position. PrepareRepresentation's isUpdate branch
// (tree.go) recomputes CurrentSegment from the absolute sequence number
// whenever a live refresh swaps in a Segments slice reindexed from a new
// start_number -- without this, readerSeg/nextToDownload stay pointed at the
// pre-refresh index into the new slice and the reader silently serves the
// wrong absolute segment.
func (s *AdaptiveStream) resyncFromRefresh() {
	s.t.RLock()
	cur := s.rep.CurrentSegment
	s.t.RUnlock()
	if cur < 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur == s.syncedSegment {
		return
	}
	s.syncedSegment = cur
	s.readerSeg = cur
	s.readerOffset = 0
	s.consumedBytes = 0
	for i := range s.ring {
		s.ring[i] = segmentSlot{}
	}
	s.nextToDownload = cur
	s.broadcast()
}

func (s *AdaptiveStream) fetchSegment(ctx context.Context, segIdx int, seg tree.Segment) ([]byte, error) {
	url := seg.URL
	if url == "" {
		if s.rep.SegmentTemplateInfo != nil {
			tmpl := s.rep.SegmentTemplateInfo
			number := s.rep.StartNumber + int64(segIdx)
			timeVal := seg.StartPTS
			url = dash.SubstitutePlaceholders(tmpl.Media, number, timeVal)
		} else {
			url = s.rep.URL
		}
	}

	headers := http.Header{}
	if seg.RangeBegin != tree.NoValue && seg.RangeEnd != tree.NoValue {
		headers.Set("Range", fmt.Sprintf("bytes=%d-%d", seg.RangeBegin, seg.RangeEnd))
	}

	_, body, err := s.fetcher.Download(ctx, url, headers)
	if err != nil {
		return nil, fmt.Errorf("pipeline: download segment %d: %w", segIdx, err)
	}

	if seg.PsshSetIndex > 0 {
		if period := ownerPeriodOf(s.t, s.rep); period != nil {
			iv := make([]byte, 16)
			var err error
			body, err = s.t.OnDataArrived(ctx, period, seg.PsshSetIndex, iv, uint32(s.rep.StartNumber+int64(segIdx)), body, 0)
			if err != nil {
				return nil, fmt.Errorf("pipeline: decrypt segment %d: %w", segIdx, err)
			}
		}
	}
	return body, nil
}

func ownerPeriodOf(t *tree.Tree, rep *tree.Representation) *tree.Period {
	t.RLock()
	defer t.RUnlock()
	for _, p := range t.Periods {
		for _, a := range p.AdaptationSets {
			for _, r := range a.Representations {
				if r == rep {
					return p
				}
			}
		}
	}
	return nil
}

// fetchInitSegment downloads the active Representation's init segment (if
// it has one) and inspects it for PSSH/KID metadata via drm.InspectInitSegment
// before making it available to Read, mirroring the original's "commit init
// segment" step at the end of prepareRepresentation (pssh.go
// media_file.initialization). Safe to call from New's worker and again from
// SwitchRepresentation after a Representation change.
func (s *AdaptiveStream) fetchInitSegment(ctx context.Context) {
	s.mu.Lock()
	pending := s.initPending
	s.mu.Unlock()
	if !pending {
		return
	}

	s.t.RLock()
	rep := s.rep
	hasInit := rep.HasFlag(tree.FlagInitialization) && rep.Initialization != nil
	var seg tree.Segment
	if hasInit {
		seg = *rep.Initialization
	}
	s.t.RUnlock()

	var data []byte
	if hasInit {
		var err error
		data, err = s.fetchSegment(ctx, -1, seg)
		if err != nil {
			log.Printf("pipeline: fetch init segment: %v", err)
			data = nil
		} else if info, err := drm.InspectInitSegment(data); err == nil {
			s.backfillKID(info)
		}
	}

	s.mu.Lock()
	s.initData = data
	s.initPending = false
	s.broadcast()
	s.mu.Unlock()
}

// backfillKID fills in a PsshSet's DefaultKID from the init segment's tenc
// box when the manifest itself never supplied one -- some HLS SAMPLE-AES-CTR
// playlists reference a key URI without an explicit KID attribute.
func (s *AdaptiveStream) backfillKID(info *drm.InitSegmentInfo) {
	if len(info.DefaultKID) == 0 {
		return
	}
	period := ownerPeriodOf(s.t, s.rep)
	if period == nil {
		return
	}
	s.t.Lock()
	defer s.t.Unlock()
	idx := s.rep.PsshSetIndex
	if idx > 0 && idx < len(period.PsshSets) && period.PsshSets[idx].DefaultKID == "" {
		period.PsshSets[idx].DefaultKID = string(info.DefaultKID)
	}
}

func (s *AdaptiveStream) markTerminal(err error) {
	s.mu.Lock()
	s.terminalErr = err
	s.broadcast()
	s.mu.Unlock()
}
