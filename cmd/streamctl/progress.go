package main

import (
	"log"
	"time"

	"41.neocities.org/stream/pipeline"
)

// progress logs a rolling ETA as segments are consumed, grounded on the
// teacher's progress.go (there driving a batch re-encode job; here driving
// a VOD stream to stdout). It implements pipeline.Observer so the engine
// can drive it directly rather than the caller polling Tell.
type progress struct {
	total     int
	processed int
	start     time.Time
	lastLog   time.Time
}

func newProgress(total int) *progress {
	now := time.Now()
	return &progress{total: total, start: now, lastLog: now}
}

func (p *progress) OnSegmentChanged(s *pipeline.AdaptiveStream) {
	p.processed++
	now := time.Now()
	if now.Sub(p.lastLog) > time.Second {
		left := p.total - p.processed
		elapsed := now.Sub(p.start)
		var eta time.Duration
		if p.processed > 0 {
			avgPerSeg := elapsed / time.Duration(p.processed)
			eta = avgPerSeg * time.Duration(left)
		}
		log.Printf("streamctl: segment %d/%d | ETA %s", p.processed, p.total, eta.Truncate(time.Second))
		p.lastLog = now
	}
}

func (p *progress) OnStreamChange(s *pipeline.AdaptiveStream) {}
