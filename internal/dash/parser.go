package dash

import (
	"context"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"41.neocities.org/sofia/file"
	"41.neocities.org/stream/tree"
)

const widevineSystemID = "edef8ba9-79d6-4ace-a3c8-27dcd51d21ed"

// Parser implements tree.Parser for DASH MPDs.
type Parser struct{}

// Open fetches and parses a DASH MPD.
func Open(ctx context.Context, fetcher tree.Fetcher, manifestURL, updateParameter string) (*tree.Tree, error) {
	return tree.Open(ctx, fetcher, Parser{}, manifestURL, updateParameter)
}

// ParseMaster implements tree.Parser.
func (Parser) ParseMaster(ctx context.Context, t *tree.Tree, data []byte) error {
	var mpd mpdXML
	if err := xml.Unmarshal(data, &mpd); err != nil {
		return fmt.Errorf("dash: unmarshal MPD: %w", err)
	}

	t.HasTimeshiftBuffer = mpd.Type == "dynamic"
	if mpd.MinimumUpdatePeriod != "" {
		if secs, err := parseISODuration(mpd.MinimumUpdatePeriod); err == nil {
			t.UpdateIntervalMS = int64(secs * 1000)
		}
	}

	mpdBase := t.BaseURL
	if mpd.BaseURL != "" {
		mpdBase = resolveRef(t, mpd.BaseURL)
	}

	if len(mpd.Periods) == 0 {
		return fmt.Errorf("dash: no periods in manifest")
	}

	for _, px := range mpd.Periods {
		period := t.NewPeriod()
		period.BaseURL = mpdBase
		if px.BaseURL != "" {
			period.BaseURL = resolveAgainst(mpdBase, t.BaseDomain, px.BaseURL)
		}
		if px.Duration != "" {
			if secs, err := parseISODuration(px.Duration); err == nil {
				period.Duration = int64(secs * float64(period.Timescale))
			}
		}

		for _, ax := range px.AdaptationSets {
			adp := &tree.AdaptationSet{MimeType: ax.MimeType, Language: ax.Lang, Timescale: period.Timescale}
			adp.Type = classifyAdaptationSet(ax)

			for _, rx := range ax.Representations {
				rep := toRepresentation(t, period, period.BaseURL, rx, ax.SegmentTemplate)
				if err := applyContentProtection(t, period, rep, rx.ContentProtection); err != nil {
					return err
				}
				rep.SetFlag(tree.FlagEnabled)
				adp.Representations = append(adp.Representations, rep)
			}
			period.AdaptationSets = append(period.AdaptationSets, adp)
		}
	}
	return nil
}

func classifyAdaptationSet(ax adaptationSetXML) tree.AdaptationType {
	switch {
	case strings.HasPrefix(ax.MimeType, "audio") || ax.ContentType == "audio":
		return tree.Audio
	case strings.HasPrefix(ax.MimeType, "text") || ax.ContentType == "text":
		return tree.Subtitle
	default:
		return tree.Video
	}
}

func toRepresentation(t *tree.Tree, period *tree.Period, periodBase string, rx representationXML, adpTemplate *segmentTemplateXML) *tree.Representation {
	rep := &tree.Representation{
		ID:              rx.ID,
		Codecs:          rx.Codecs,
		Bandwidth:       rx.Bandwidth,
		Width:           rx.Width,
		Height:          rx.Height,
		ContainerType:   tree.MP4,
		CurrentSegment:  -1,
		IndexRangeBegin: tree.NoValue,
		IndexRangeEnd:   tree.NoValue,
	}
	if rx.AudioChannels.Value != "" {
		if n, err := strconv.Atoi(rx.AudioChannels.Value); err == nil {
			rep.ChannelCount = n
		}
	}

	base := periodBase
	if rx.BaseURL != "" {
		base = resolveAgainst(periodBase, t.BaseDomain, rx.BaseURL)
	}

	tmpl := rx.SegmentTemplate
	if tmpl == nil {
		tmpl = adpTemplate
	}
	switch {
	case tmpl != nil:
		rep.SegmentTemplateInfo = &tree.SegmentTemplate{
			Media:              resolveAgainst(base, t.BaseDomain, tmpl.Media),
			Initialization:     resolveAgainst(base, t.BaseDomain, tmpl.Initialization),
			StartNumber:        firstNonZero(tmpl.StartNumber, 1),
			Timescale:          firstNonZero(tmpl.Timescale, 1),
			Duration:           tmpl.Duration,
			PresentationOffset: tmpl.PresentationTimeOffset,
		}
		rep.StartNumber = rep.SegmentTemplateInfo.StartNumber
		rep.Segments = segmentsFromTemplate(rep.SegmentTemplateInfo, tmpl.SegmentTimeline, period)
		if rep.SegmentTemplateInfo.Initialization != "" {
			rep.Initialization = &tree.Segment{URL: rep.SegmentTemplateInfo.Initialization, RangeBegin: tree.NoValue, RangeEnd: tree.NoValue}
			rep.SetFlag(tree.FlagInitialization)
		}
	case rx.SegmentList != nil:
		rep.Segments = segmentsFromList(base, t, rx.SegmentList)
		rep.SetFlag(tree.FlagUrlSegments)
		if rx.SegmentList.Initialization != nil {
			rep.Initialization = &tree.Segment{URL: resolveAgainst(base, t.BaseDomain, rx.SegmentList.Initialization.SourceURL), RangeBegin: tree.NoValue, RangeEnd: tree.NoValue}
			rep.SetFlag(tree.FlagInitialization)
		}
	case rx.SegmentBase != nil:
		rep.URL = base
		if rx.SegmentBase.Initialization != nil {
			begin, end := parseByteRange(rx.SegmentBase.Initialization.Range)
			rep.Initialization = &tree.Segment{URL: base, RangeBegin: begin, RangeEnd: end}
			rep.SetFlag(tree.FlagInitialization)
		}
		// The sidx-driven segment list itself is filled in by
		// prepareSegmentBase, called from PrepareRepresentation the first
		// time this Representation is used -- it needs a byte-range fetch
		// of IndexRange that has no business happening during ParseMaster.
		rep.IndexRangeBegin, rep.IndexRangeEnd = parseByteRange(rx.SegmentBase.IndexRange)
	default:
		rep.URL = base
	}

	pendingSidx := rep.IndexRangeBegin != tree.NoValue && len(rep.Segments) == 0
	if rep.SegmentTemplateInfo == nil && len(rep.Segments) > 0 {
		rep.SetFlag(tree.FlagDownloaded)
	}
	if !t.HasTimeshiftBuffer && !pendingSidx {
		rep.SetFlag(tree.FlagDownloaded)
	}
	return rep
}

func segmentsFromTemplate(tmpl *tree.SegmentTemplate, timeline *segmentTimelineXML, period *tree.Period) []tree.Segment {
	if timeline != nil {
		var segs []tree.Segment
		var t0 int64
		for _, s := range timeline.S {
			if s.T != 0 {
				t0 = s.T
			}
			repeat := s.R
			if repeat < 0 {
				repeat = 0
			}
			for i := int64(0); i <= repeat; i++ {
				segs = append(segs, tree.Segment{StartPTS: t0, RangeBegin: tree.NoValue, RangeEnd: tree.NoValue, PsshSetIndex: 0})
				t0 += s.D
			}
		}
		return segs
	}
	if tmpl.Duration <= 0 || period == nil || period.Duration <= 0 {
		return nil
	}
	periodSeconds := float64(period.Duration) / float64(period.Timescale)
	segDurSeconds := float64(tmpl.Duration) / float64(tmpl.Timescale)
	count := int64(periodSeconds/segDurSeconds + 0.999999)
	segs := make([]tree.Segment, 0, count)
	var pts int64
	for i := int64(0); i < count; i++ {
		segs = append(segs, tree.Segment{StartPTS: pts, RangeBegin: tree.NoValue, RangeEnd: tree.NoValue})
		pts += tmpl.Duration
	}
	return segs
}

func segmentsFromList(base string, t *tree.Tree, list *segmentListXML) []tree.Segment {
	segs := make([]tree.Segment, 0, len(list.SegmentURLs))
	for _, su := range list.SegmentURLs {
		begin, end := parseByteRange(su.MediaRange)
		segs = append(segs, tree.Segment{
			URL:        resolveAgainst(base, t.BaseDomain, su.Media),
			RangeBegin: begin,
			RangeEnd:   end,
			StartPTS:   tree.NoValue,
		})
	}
	return segs
}

func parseByteRange(r string) (begin, end int64) {
	if r == "" {
		return tree.NoValue, tree.NoValue
	}
	parts := strings.SplitN(r, "-", 2)
	if len(parts) != 2 {
		return tree.NoValue, tree.NoValue
	}
	b, _ := strconv.ParseInt(parts[0], 10, 64)
	e, _ := strconv.ParseInt(parts[1], 10, 64)
	return b, e
}

func applyContentProtection(t *tree.Tree, period *tree.Period, rep *tree.Representation, cps []contentProtectionXML) error {
	for _, cp := range cps {
		if !strings.Contains(strings.ToLower(cp.SchemeIDURI), widevineSystemID) {
			continue
		}
		kid := strings.ReplaceAll(cp.Cenc_Default_KID, "-", "")
		idx := t.InsertPsshSet(period, cp.Pssh, kid, nil)
		rep.PsshSetIndex = idx
		period.EncryptionState = tree.Encrypted
	}
	return nil
}

func firstNonZero(v, fallback int64) int64 {
	if v == 0 {
		return fallback
	}
	return v
}

func resolveRef(t *tree.Tree, ref string) string {
	return tree.ResolveURL(t.BaseURL, t.BaseDomain, ref)
}

func resolveAgainst(base, domain, ref string) string {
	return tree.ResolveURL(base, domain, ref)
}

// PrepareRepresentation implements tree.Parser. DASH representations built
// from SegmentTemplate/SegmentList are fully materialised during
// ParseMaster; a live refresh re-fetches the MPD and re-runs ParseMaster
// rather than patching a single Representation (DASH has no per-playlist
// refresh the way HLS media playlists do -- the whole MPD is versioned).
// SegmentBase representations are the exception: their segment list depends
// on a sidx box that has to be fetched over the network, so it is deferred
// to here rather than done during ParseMaster.
func (Parser) PrepareRepresentation(ctx context.Context, t *tree.Tree, rep *tree.Representation, isUpdate bool) error {
	if isUpdate {
		if !t.HasTimeshiftBuffer {
			return nil
		}
		_, body, err := t.FetcherDownload(ctx, t.SourceURL)
		if err != nil {
			return fmt.Errorf("dash: refetch MPD: %w", err)
		}
		t.Lock()
		t.Periods = nil
		t.Unlock()
		return (Parser{}).ParseMaster(ctx, t, body)
	}
	return prepareSegmentBase(ctx, t, rep)
}

// prepareSegmentBase fetches the indexRange bytes of a SegmentBase
// Representation, parses the sidx box they contain, and expands it into
// rep.Segments as consecutive byte ranges into the same media URL -- grounded
// on the teacher's segment_base/get_media_requests (3052-maya's
// SegmentBase.go, dash_helpers.go), generalised from an immediate
// per-reference download loop into a materialised Segment list the pipeline
// can read from like any other Representation.
func prepareSegmentBase(ctx context.Context, t *tree.Tree, rep *tree.Representation) error {
	if rep.IndexRangeBegin == tree.NoValue || len(rep.Segments) > 0 {
		return nil
	}

	rangeHeader := fmt.Sprintf("bytes=%d-%d", rep.IndexRangeBegin, rep.IndexRangeEnd)
	_, data, err := t.FetcherDownloadRange(ctx, rep.URL, rangeHeader)
	if err != nil {
		return fmt.Errorf("dash: fetch sidx: %w", err)
	}

	var box file.File
	if err := box.Read(data); err != nil {
		return fmt.Errorf("dash: parse sidx: %w", err)
	}
	if box.Sidx == nil {
		return fmt.Errorf("dash: indexRange data has no sidx box")
	}

	sizes := make([]uint64, len(box.Sidx.Reference))
	for i, ref := range box.Sidx.Reference {
		sizes[i] = uint64(ref.Size())
	}
	segs := sidxSegments(sizes, rep.IndexRangeEnd, rep.PsshSetIndex)

	t.Lock()
	rep.Segments = segs
	rep.SetFlag(tree.FlagDownloaded)
	t.Unlock()
	return nil
}

// sidxSegments turns a sidx box's reference sizes into consecutive byte
// ranges starting right after indexRangeEnd, the anchor point ISO/IEC
// 14496-12's sidx box defines when the sidx itself is the last thing in the
// byte range it was fetched with (true for DASH's SegmentBase@indexRange,
// which always points at exactly the sidx box).
func sidxSegments(referenceSizes []uint64, indexRangeEnd int64, psshIdx int) []tree.Segment {
	segs := make([]tree.Segment, 0, len(referenceSizes))
	begin := indexRangeEnd + 1
	for _, size := range referenceSizes {
		end := begin + int64(size) - 1
		segs = append(segs, tree.Segment{
			RangeBegin:   begin,
			RangeEnd:     end,
			StartPTS:     tree.NoValue,
			PsshSetIndex: psshIdx,
		})
		begin = end + 1
	}
	return segs
}

// parseISODuration parses the subset of ISO 8601 durations MPDs use
// ("PT1M30.5S", "PT4S", "PT0H0M6S").
func parseISODuration(s string) (float64, error) {
	s = strings.TrimPrefix(s, "P")
	s = strings.TrimPrefix(s, "T")
	var hours, minutes float64
	var seconds float64
	rest := s
	if idx := strings.IndexByte(rest, 'H'); idx >= 0 {
		hours, _ = strconv.ParseFloat(rest[:idx], 64)
		rest = rest[idx+1:]
	}
	if idx := strings.IndexByte(rest, 'M'); idx >= 0 {
		minutes, _ = strconv.ParseFloat(rest[:idx], 64)
		rest = rest[idx+1:]
	}
	if idx := strings.IndexByte(rest, 'S'); idx >= 0 {
		seconds, _ = strconv.ParseFloat(rest[:idx], 64)
	}
	return hours*3600 + minutes*60 + seconds, nil
}
