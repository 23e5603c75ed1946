package tree

import (
	"context"
	"fmt"
	"net/http"
)

// Open fetches url via fetcher, records the effective URL on redirect,
// computes base_url/base_domain and hands the body to parser.ParseMaster.
// Mirrors the teacher's Config.download_initialization / Filters.Filter
// entrypoints (3052-maya dash.go, api.go), generalised to any Parser.
func Open(ctx context.Context, fetcher Fetcher, parser Parser, manifestURL, updateParameter string) (*Tree, error) {
	t := &Tree{
		fetcher:         fetcher,
		parser:          parser,
		SourceURL:       manifestURL,
		UpdateParameter: updateParameter,
	}
	t.BaseURL, t.BaseDomain = SplitBaseURL(manifestURL)

	effective, body, err := fetcher.Download(ctx, manifestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	if effective != "" && effective != manifestURL {
		t.EffectiveURL, _ = SplitBaseURL(effective)
	}

	if err := parser.ParseMaster(ctx, t, body); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return t, nil
}

// PrepareRepresentation ensures rep's media playlist/segment list is loaded.
// On isUpdate it preserves the reader's current segment position across the
// refresh (the RefreshLoop is the only normal caller with isUpdate=true).
func (t *Tree) PrepareRepresentation(ctx context.Context, rep *Representation, isUpdate bool) error {
	if rep.HasFlag(FlagDownloaded) && !isUpdate {
		return nil
	}

	var prevSeqNum int64 = -1
	if isUpdate {
		t.RLock()
		if rep.CurrentSegment >= 0 && rep.CurrentSegment < len(rep.Segments) {
			prevSeqNum = rep.StartNumber + int64(rep.CurrentSegment)
		}
		t.RUnlock()
	}

	if err := t.parser.PrepareRepresentation(ctx, t, rep, isUpdate); err != nil {
		return err
	}

	if isUpdate && prevSeqNum >= 0 {
		t.Lock()
		if prevSeqNum < rep.StartNumber {
			rep.CurrentSegment = 0
		} else if idx := int(prevSeqNum - rep.StartNumber); idx < len(rep.Segments) {
			rep.CurrentSegment = idx
		} else {
			rep.CurrentSegment = len(rep.Segments) - 1
		}
		if rep.CurrentSegment >= 0 && rep.CurrentSegment+1 < len(rep.Segments) {
			rep.ClearFlag(FlagWaitForSegment)
		}
		t.Unlock()
	}
	return nil
}

// FetcherDownload resolves ref against the Tree's base URLs and manifest
// parameter, then downloads it through the injected Fetcher. Parsers use
// this instead of holding their own HTTP collaborator.
func (t *Tree) FetcherDownload(ctx context.Context, ref string) (effectiveURL string, body []byte, err error) {
	resolved := t.ResolveDownloadURL(ref)
	return t.fetcher.Download(ctx, resolved, t.ManifestHeaders)
}

// FetcherDownloadRange is FetcherDownload with an additional byte-range
// header merged in, used by DASH's SegmentBase@indexRange sidx fetch, which
// needs a ranged request against the same media URL the segments themselves
// are served from rather than a plain manifest download.
func (t *Tree) FetcherDownloadRange(ctx context.Context, ref, rangeHeader string) (effectiveURL string, body []byte, err error) {
	resolved := t.ResolveDownloadURL(ref)
	headers := t.ManifestHeaders.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	headers.Set("Range", rangeHeader)
	return t.fetcher.Download(ctx, resolved, headers)
}

// InsertPsshSet de-duplicates pssh/defaultKID/iv into period's PSSH table
// and returns its index. Index 0 is always the reserved "clear" entry.
func (t *Tree) InsertPsshSet(period *Period, pssh, defaultKID string, iv []byte) int {
	for i := 1; i < len(period.PsshSets); i++ {
		existing := period.PsshSets[i]
		if existing.Pssh == pssh {
			return i
		}
	}
	period.PsshSets = append(period.PsshSets, PsshSet{Pssh: pssh, DefaultKID: defaultKID, IV: iv})
	return len(period.PsshSets) - 1
}

// FindResolvedKey looks for another PSSH set in the same period holding the
// same blob with an already-resolved key, to avoid a redundant key-server
// round trip (original_source/HLSTree.cpp's OnDataArrived cross-reference).
func (period *Period) FindResolvedKey(pssh string) ([]byte, bool) {
	for i := 1; i < len(period.PsshSets); i++ {
		if period.PsshSets[i].Pssh == pssh && len(period.PsshSets[i].Key) > 0 {
			return period.PsshSets[i].Key, true
		}
	}
	return nil, false
}

// NewPeriod appends and returns a freshly initialised Period.
func (t *Tree) NewPeriod() *Period {
	p := newPeriod()
	t.Periods = append(t.Periods, p)
	return p
}

// RecordPosition caches rep's (period, adaptation set, representation) index
// triple the first time a discontinuity needs to resolve it, mirroring
// HLSTree.cpp's one-time scan-and-cache strategy.
func (t *Tree) RecordPosition(rep *Representation) {
	if rep.posKnown {
		return
	}
	for pi, p := range t.Periods {
		for ai, a := range p.AdaptationSets {
			for ri, r := range a.Representations {
				if r == rep {
					rep.periodPos, rep.adpPos, rep.repPos = pi, ai, ri
					rep.posKnown = true
					return
				}
			}
		}
	}
}

// ResolveInPeriod returns the Representation at rep's cached position triple,
// but in the given period index -- used to follow a Representation across a
// Period rollover caused by a discontinuity.
func (t *Tree) ResolveInPeriod(rep *Representation, periodIdx int) *Representation {
	if !rep.posKnown || periodIdx >= len(t.Periods) {
		return nil
	}
	p := t.Periods[periodIdx]
	if rep.adpPos >= len(p.AdaptationSets) {
		return nil
	}
	a := p.AdaptationSets[rep.adpPos]
	if rep.repPos >= len(a.Representations) {
		return nil
	}
	return a.Representations[rep.repPos]
}
