package hls

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"41.neocities.org/stream/tree"
)

// PrepareRepresentation implements tree.Parser. It fetches rep's media
// playlist from rep.SourceURL (doing nothing when SourceURL is empty) and
// runs the segment-construction protocol of §4.2.
func (Parser) PrepareRepresentation(ctx context.Context, t *tree.Tree, rep *tree.Representation, isUpdate bool) error {
	if rep.SourceURL == "" {
		return nil
	}
	_, body, err := t.FetcherDownload(ctx, rep.SourceURL)
	if err != nil {
		return fmt.Errorf("hls: fetch media playlist: %w", err)
	}
	return parseMediaPlaylist(t, rep, body)
}

type mediaParseState struct {
	pts              int64
	rangeBegin       int64
	rangeEnd         int64
	pendingKnown     bool
	newSegments      []tree.Segment
	newStartNumber   int64
	hasStartNumber   bool
	currentPsshIdx   int
	hasInit          bool
	initURL          string
	period           *tree.Period
	rep              *tree.Representation
	discontinuities  int

	// adpType/language/mimeType are the owning AdaptationSet's identity,
	// captured once up front so crossDiscontinuity's fallback branch can
	// materialise a same-typed AdaptationSet in a Period that doesn't yet
	// have one for this Representation, instead of defaulting to Video.
	adpType  tree.AdaptationType
	language string
	mimeType string
}

func parseMediaPlaylist(t *tree.Tree, rep *tree.Representation, data []byte) error {
	lines := splitLines(data)
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "#EXTM3U" {
		return fmt.Errorf("hls: missing #EXTM3U header in media playlist")
	}

	t.RecordPosition(rep)
	t.HasTimeshiftBuffer = true // downgraded to false below on VOD/ENDLIST.

	st := &mediaParseState{
		rangeBegin: tree.NoValue,
		rangeEnd:   tree.NoValue,
		period:     ownerPeriod(t, rep),
		rep:        rep,
	}
	if adp := ownerAdaptationSet(t, rep); adp != nil {
		st.adpType = adp.Type
		st.language = adp.Language
		st.mimeType = adp.MimeType
	}
	timescale := st.period.Timescale

	for _, raw := range lines[1:] {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "#EXTINF:"):
			val := strings.TrimPrefix(line, "#EXTINF:")
			val = strings.SplitN(val, ",", 2)[0]
			dur, _ := strconv.ParseFloat(val, 64)
			st.newSegments = append(st.newSegments, tree.Segment{StartPTS: tree.NoValue, RangeBegin: tree.NoValue, RangeEnd: tree.NoValue})
			seg := &st.newSegments[len(st.newSegments)-1]
			seg.StartPTS = st.pts
			st.pts += int64(dur*float64(timescale) + 0.999999) // ceil
			st.pendingKnown = true

		case strings.HasPrefix(line, "#EXT-X-BYTERANGE:"):
			val := strings.TrimPrefix(line, "#EXT-X-BYTERANGE:")
			parts := strings.SplitN(val, "@", 2)
			length, _ := strconv.ParseInt(parts[0], 10, 64)
			var offset int64
			if len(parts) == 2 {
				offset, _ = strconv.ParseInt(parts[1], 10, 64)
			} else {
				offset = st.rangeEnd + 1
			}
			st.rangeBegin = offset
			st.rangeEnd = offset + length - 1
			if len(st.newSegments) > 0 {
				seg := &st.newSegments[len(st.newSegments)-1]
				seg.RangeBegin, seg.RangeEnd = st.rangeBegin, st.rangeEnd
			}

		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			n, _ := strconv.ParseInt(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"), 10, 64)
			st.newStartNumber = n
			st.hasStartNumber = true

		case strings.HasPrefix(line, "#EXT-X-PLAYLIST-TYPE:VOD"):
			t.HasTimeshiftBuffer = false

		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			secs, _ := strconv.ParseInt(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"), 10, 64)
			ms := secs * 1500
			if t.UpdateIntervalMS == 0 || ms < t.UpdateIntervalMS {
				t.UpdateIntervalMS = ms
			}

		case strings.HasPrefix(line, "#EXT-X-DISCONTINUITY-SEQUENCE"):
			// recognised but its value is not used; st.discontinuities
			// counts the #EXT-X-DISCONTINUITY tags of this playlist only.

		case strings.HasPrefix(line, "#EXT-X-DISCONTINUITY"):
			if err := crossDiscontinuity(t, st); err != nil {
				return err
			}

		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			if err := applyMediaKey(t, st, line); err != nil {
				return err
			}

		case strings.HasPrefix(line, "#EXT-X-MAP:"):
			_, attrs := tagValue(line)
			if uri, ok := attrs["URI"]; ok {
				st.initURL = resolveRef(t, uri)
				st.hasInit = true
				st.rep.ContainerType = tree.MP4
			}

		case strings.HasPrefix(line, "#EXT-X-ENDLIST"):
			t.HasTimeshiftBuffer = false

		case strings.HasPrefix(line, "#"):
			// unrecognised tag, ignored.

		default:
			commitURLLine(t, st, line)
		}
	}

	finishRepresentation(t, st)
	recomputeOverallSeconds(t)
	return nil
}

func ownerPeriod(t *tree.Tree, rep *tree.Representation) *tree.Period {
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
	if len(t.Periods) > 0 {
		return t.Periods[0]
	}
	return nil
}

// ownerAdaptationSet finds the AdaptationSet rep currently belongs to, used
// to carry its Type/Language/MimeType across a Period rollover rather than
// assuming Video.
func ownerAdaptationSet(t *tree.Tree, rep *tree.Representation) *tree.AdaptationSet {
	t.RLock()
	defer t.RUnlock()
	for _, p := range t.Periods {
		for _, a := range p.AdaptationSets {
			for _, r := range a.Representations {
				if r == rep {
					return a
				}
			}
		}
	}
	return nil
}

func commitURLLine(t *tree.Tree, st *mediaParseState, line string) {
	if !st.pendingKnown || len(st.newSegments) == 0 {
		return
	}
	seg := &st.newSegments[len(st.newSegments)-1]
	if st.rep.ContainerType == tree.NoType {
		st.rep.ContainerType = containerFromExtension(line)
	}

	if st.rangeBegin != tree.NoValue {
		st.rep.URL = resolveRef(t, line)
		seg.RangeBegin, seg.RangeEnd = st.rangeBegin, st.rangeEnd
	} else {
		seg.URL = resolveRef(t, line)
		st.rep.SetFlag(tree.FlagUrlSegments)
	}
	seg.PsshSetIndex = st.currentPsshIdx
	st.pendingKnown = false
}

func containerFromExtension(urlLine string) tree.ContainerType {
	path := urlLine
	if idx := strings.Index(path, "?"); idx >= 0 {
		path = path[:idx]
	}
	ext := ""
	if idx := strings.LastIndex(path, "."); idx >= 0 {
		ext = strings.ToLower(path[idx:])
	}
	switch ext {
	case ".mp4", ".m4s", ".m4a", ".m4v":
		return tree.MP4
	case ".aac":
		return tree.ADTS
	case ".ts", "":
		return tree.TS
	default:
		return tree.TS
	}
}

func applyMediaKey(t *tree.Tree, st *mediaParseState, line string) error {
	_, attrs := tagValue(line)
	method := attrs["METHOD"]
	if method == "NONE" {
		st.currentPsshIdx = 0
		return nil
	}
	if method != "AES-128" && method != "SAMPLE-AES-CTR" {
		return fmt.Errorf("hls: unsupported key method %q", method)
	}
	if st.rep.PsshSetIndex != 0 {
		// Only the first key line per representation/period applies.
		st.currentPsshIdx = st.rep.PsshSetIndex
		return nil
	}

	keyFormat := attrs["KEYFORMAT"]
	if strings.Contains(keyFormat, widevineURN) {
		keyIDHex := strings.TrimPrefix(attrs["KEYID"], "0x")
		kid, err := hex.DecodeString(keyIDHex)
		if err != nil {
			return fmt.Errorf("hls: bad KEYID: %w", err)
		}
		idx := t.InsertPsshSet(st.period, attrs["URI"], string(kid), nil)
		st.period.EncryptionState = tree.Supported
		st.currentPsshIdx = idx
		st.rep.PsshSetIndex = idx
		return nil
	}

	uri := resolveRef(t, attrs["URI"])
	var iv []byte
	if ivHex, ok := attrs["IV"]; ok {
		ivHex = strings.TrimPrefix(ivHex, "0x")
		iv, _ = hex.DecodeString(ivHex)
	}
	idx := t.InsertPsshSet(st.period, uri, "", iv)
	st.currentPsshIdx = idx
	st.rep.PsshSetIndex = idx
	return nil
}

// crossDiscontinuity closes the current Period's segment list and advances
// to the next Period, mirroring HLSTree.cpp's DISCONTINUITY handling but
// simplified: Periods are created lazily, one per Representation's own
// PrepareRepresentation call, rather than via a shared master re-parse (see
// DESIGN.md for the reasoning -- this resolves the Open Question about
// re-entrant master re-parsing by avoiding the re-entrancy altogether).
func crossDiscontinuity(t *tree.Tree, st *mediaParseState) error {
	t.Lock()
	finalizeRepresentation(t, st.period, st.rep, st)
	st.discontinuities++

	nextIdx := periodIndex(t, st.period) + st.discontinuities
	var nextPeriod *tree.Period
	if nextIdx < len(t.Periods) {
		nextPeriod = t.Periods[nextIdx]
	} else {
		nextPeriod = t.NewPeriod()
	}
	newRep := t.ResolveInPeriod(st.rep, periodIndex(t, nextPeriod))
	if newRep == nil {
		newRep = &tree.Representation{
			ID:            st.rep.ID,
			Codecs:        st.rep.Codecs,
			Bandwidth:     st.rep.Bandwidth,
			ContainerType: st.rep.ContainerType,
			CurrentSegment: -1,
		}
		adp := &tree.AdaptationSet{Type: st.adpType, Language: st.language, MimeType: st.mimeType}
		adp.Representations = append(adp.Representations, newRep)
		nextPeriod.AdaptationSets = append(nextPeriod.AdaptationSets, adp)
		t.RecordPosition(newRep)
	}
	t.Unlock()

	st.period = nextPeriod
	st.rep = newRep
	st.newSegments = nil
	st.pts = 0
	st.rangeBegin, st.rangeEnd = tree.NoValue, tree.NoValue
	st.pendingKnown = false
	return nil
}

func periodIndex(t *tree.Tree, p *tree.Period) int {
	for i, candidate := range t.Periods {
		if candidate == p {
			return i
		}
	}
	return -1
}

func finishRepresentation(t *tree.Tree, st *mediaParseState) {
	t.Lock()
	defer t.Unlock()
	finalizeRepresentation(t, st.period, st.rep, st)
}

// finalizeRepresentation commits st's accumulated segments/init/start-number
// onto rep and sets the flags that make it usable by PrepareRepresentation's
// FlagDownloaded gate and by the pipeline (FlagEnabled, CurrentSegment).
// Shared by finishRepresentation (the last period in the playlist) and
// crossDiscontinuity (every period before it) -- a discontinuity leaves the
// outgoing Representation exactly as finished as the playlist's last one.
func finalizeRepresentation(t *tree.Tree, period *tree.Period, rep *tree.Representation, st *mediaParseState) {
	if len(st.newSegments) == 0 {
		rep.SourceURL = ""
	} else {
		rep.Segments = st.newSegments
	}
	if st.pts > period.Duration {
		period.Duration = st.pts
	}
	if st.hasStartNumber {
		rep.StartNumber = st.newStartNumber
	}
	if st.hasInit {
		rep.Initialization = &tree.Segment{URL: st.initURL, RangeBegin: tree.NoValue, RangeEnd: tree.NoValue}
		rep.SetFlag(tree.FlagInitialization)
	} else if rep.ContainerType == tree.MP4 && len(rep.Segments) > 0 && rep.Segments[0].RangeBegin > 0 {
		rep.Initialization = &tree.Segment{RangeBegin: 0, RangeEnd: rep.Segments[0].RangeBegin - 1}
		rep.SetFlag(tree.FlagInitialization)
	}
	if !t.HasTimeshiftBuffer {
		rep.SetFlag(tree.FlagDownloaded)
	}
	rep.SetFlag(tree.FlagEnabled)
	if rep.CurrentSegment < 0 && len(rep.Segments) > 0 {
		rep.CurrentSegment = 0
	}
}

func recomputeOverallSeconds(t *tree.Tree) {
	t.RLock()
	defer t.RUnlock()
	var total float64
	for _, p := range t.Periods {
		if p.Timescale > 0 {
			total += float64(p.Duration) / float64(p.Timescale)
		}
	}
	t.OverallSeconds = total
}
