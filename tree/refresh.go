package tree

import (
	"context"
	"log"
)

// StartUpdateThread launches the background RefreshLoop for live manifests.
// No-op if the Tree has no timeshift buffer (VOD).
func (t *Tree) StartUpdateThread(ctx context.Context) {
	if !t.HasTimeshiftBuffer {
		return
	}
	if t.cancelRefresh != nil {
		return // already running
	}
	refreshCtx, cancel := context.WithCancel(ctx)
	t.cancelRefresh = cancel
	t.refreshDone = make(chan struct{})
	go t.refreshLoop(refreshCtx)
}

// StopUpdateThread cancels the RefreshLoop and waits for it to exit.
func (t *Tree) StopUpdateThread() {
	if t.cancelRefresh == nil {
		return
	}
	t.cancelRefresh()
	<-t.refreshDone
	t.cancelRefresh = nil
}

func (t *Tree) refreshLoop(ctx context.Context) {
	defer close(t.refreshDone)
	for {
		clock := t.clockOrDefault()
		select {
		case <-ctx.Done():
			return
		case <-clock.After(t.refreshIntervalMS()):
		}
		if err := t.RefreshUpdateThread(ctx); err != nil {
			log.Printf("stream: refresh tick failed: %v", err)
		}
	}
}

func (t *Tree) clockOrDefault() Clock {
	t.RLock()
	c := t.clock
	t.RUnlock()
	if c == nil {
		return realClock{}
	}
	return c
}

func (t *Tree) refreshIntervalMS() int64 {
	t.RLock()
	ms := t.UpdateIntervalMS
	t.RUnlock()
	if ms <= 0 {
		ms = 6000
	}
	return ms
}

// RefreshUpdateThread walks every Enabled Representation and re-prepares it.
// Errors on individual representations are logged and swallowed -- only
// ManifestErrors during the initial Open are surfaced to the caller, per the
// engine's error-handling design.
func (t *Tree) RefreshUpdateThread(ctx context.Context) error {
	t.RLock()
	var enabled []*Representation
	for _, p := range t.Periods {
		for _, a := range p.AdaptationSets {
			for _, r := range a.Representations {
				if r.HasFlag(FlagEnabled) {
					enabled = append(enabled, r)
				}
			}
		}
	}
	t.RUnlock()

	for _, rep := range enabled {
		if err := t.PrepareRepresentation(ctx, rep, true); err != nil {
			log.Printf("stream: refresh of representation %s failed: %v", rep.ID, err)
		}
	}
	return nil
}
