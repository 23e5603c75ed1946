package hls

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"41.neocities.org/stream/tree"
)

type memFetcher map[string]string

func (m memFetcher) Download(ctx context.Context, url string, headers http.Header) (string, []byte, error) {
	return "", []byte(m[url]), nil
}

const masterOneVariant = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=1000000
media.m3u8
`

func TestVODWithAES128(t *testing.T) {
	media := `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXT-X-PLAYLIST-TYPE:VOD
#EXT-X-KEY:METHOD=AES-128,URI="key.bin",IV=0x00000000000000000000000000000001
#EXTINF:6.0,
seg1.ts
#EXTINF:6.0,
seg2.ts
#EXTINF:6.0,
seg3.ts
#EXT-X-ENDLIST
`
	fetcher := memFetcher{
		"https://cdn.example.com/stream/master.m3u8": masterOneVariant,
		"https://cdn.example.com/stream/media.m3u8":  media,
	}
	ctx := context.Background()
	tr, err := Open(ctx, fetcher, "https://cdn.example.com/stream/master.m3u8", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var rep *tree.Representation
	for _, p := range tr.Periods {
		for _, a := range p.AdaptationSets {
			if a.Type != tree.Video {
				continue
			}
			for _, r := range a.Representations {
				rep = r
			}
		}
	}
	if rep == nil {
		t.Fatal("no video representation found")
	}
	if err := tr.PrepareRepresentation(ctx, rep, false); err != nil {
		t.Fatalf("PrepareRepresentation: %v", err)
	}

	if tr.HasTimeshiftBuffer {
		t.Errorf("VOD playlist should not have a timeshift buffer")
	}
	if len(rep.Segments) != 3 {
		t.Fatalf("got %d segments, want 3", len(rep.Segments))
	}
	want := []int64{0, 6_000_000, 12_000_000}
	psshIdx := rep.Segments[0].PsshSetIndex
	if psshIdx == 0 {
		t.Fatalf("expected segments to be bound to a non-clear PSSH set")
	}
	for i, seg := range rep.Segments {
		if seg.StartPTS != want[i] {
			t.Errorf("segment %d start_pts = %d, want %d", i, seg.StartPTS, want[i])
		}
		if seg.PsshSetIndex != psshIdx {
			t.Errorf("segment %d pssh index = %d, want %d (single shared key)", i, seg.PsshSetIndex, psshIdx)
		}
	}
}

func TestLiveRefreshPreservesPosition(t *testing.T) {
	initial := `#EXTM3U
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:100
#EXTINF:4.0,
s100.ts
#EXTINF:4.0,
s101.ts
#EXTINF:4.0,
s102.ts
#EXTINF:4.0,
s103.ts
#EXTINF:4.0,
s104.ts
`
	fetcher := memFetcher{
		"https://cdn.example.com/live/master.m3u8": masterOneVariant,
		"https://cdn.example.com/live/media.m3u8":  initial,
	}
	ctx := context.Background()
	tr, err := Open(ctx, fetcher, "https://cdn.example.com/live/master.m3u8", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var rep *tree.Representation
	for _, p := range tr.Periods {
		for _, a := range p.AdaptationSets {
			if a.Type == tree.Video {
				for _, r := range a.Representations {
					rep = r
				}
			}
		}
	}
	if err := tr.PrepareRepresentation(ctx, rep, false); err != nil {
		t.Fatalf("PrepareRepresentation: %v", err)
	}
	if !tr.HasTimeshiftBuffer {
		t.Fatalf("live playlist without ENDLIST must have a timeshift buffer")
	}
	if tr.UpdateIntervalMS > 6000 {
		t.Errorf("update_interval_ms = %d, want <= 6000", tr.UpdateIntervalMS)
	}

	rep.CurrentSegment = 3 // reader sitting at absolute sequence 103

	refreshed := `#EXTM3U
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:102
#EXTINF:4.0,
s102.ts
#EXTINF:4.0,
s103.ts
#EXTINF:4.0,
s104.ts
#EXTINF:4.0,
s105.ts
#EXTINF:4.0,
s106.ts
`
	fetcher["https://cdn.example.com/live/media.m3u8"] = refreshed

	if err := tr.PrepareRepresentation(ctx, rep, true); err != nil {
		t.Fatalf("refresh PrepareRepresentation: %v", err)
	}
	if rep.CurrentSegment != 1 {
		t.Errorf("after refresh, current_segment = %d, want 1 (absolute seq 103)", rep.CurrentSegment)
	}
}

func TestDiscontinuityCrossesPeriod(t *testing.T) {
	media := `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXT-X-PLAYLIST-TYPE:VOD
#EXTINF:6.0,
a1.ts
#EXTINF:6.0,
a2.ts
#EXT-X-DISCONTINUITY
#EXTINF:5.0,
b1.ts
#EXTINF:5.0,
b2.ts
#EXT-X-ENDLIST
`
	fetcher := memFetcher{
		"https://cdn.example.com/disc/master.m3u8": masterOneVariant,
		"https://cdn.example.com/disc/media.m3u8":  media,
	}
	ctx := context.Background()
	tr, err := Open(ctx, fetcher, "https://cdn.example.com/disc/master.m3u8", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var rep *tree.Representation
	for _, p := range tr.Periods {
		for _, a := range p.AdaptationSets {
			if a.Type == tree.Video {
				for _, r := range a.Representations {
					rep = r
				}
			}
		}
	}
	if err := tr.PrepareRepresentation(ctx, rep, false); err != nil {
		t.Fatalf("PrepareRepresentation: %v", err)
	}

	if len(tr.Periods) != 2 {
		t.Fatalf("got %d periods, want 2", len(tr.Periods))
	}
	if tr.OverallSeconds <= 0 {
		t.Errorf("overall_seconds should be positive, got %v", tr.OverallSeconds)
	}
	wantSeconds := (12_000_000.0 + 10_000_000.0) / 1_000_000.0
	if tr.OverallSeconds != wantSeconds {
		t.Errorf("overall_seconds = %v, want %v", tr.OverallSeconds, wantSeconds)
	}
}

func TestDiscontinuityFinalizesOutgoingRepresentation(t *testing.T) {
	media := `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXT-X-PLAYLIST-TYPE:VOD
#EXT-X-MAP:URI="init1.mp4"
#EXTINF:6.0,
a1.m4s
#EXT-X-DISCONTINUITY
#EXT-X-MAP:URI="init2.mp4"
#EXTINF:6.0,
b1.m4s
#EXT-X-ENDLIST
`
	fetcher := memFetcher{
		"https://cdn.example.com/fin/master.m3u8": masterOneVariant,
		"https://cdn.example.com/fin/media.m3u8":  media,
	}
	ctx := context.Background()
	tr, err := Open(ctx, fetcher, "https://cdn.example.com/fin/master.m3u8", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var rep *tree.Representation
	for _, p := range tr.Periods {
		for _, a := range p.AdaptationSets {
			if a.Type == tree.Video {
				for _, r := range a.Representations {
					rep = r
				}
			}
		}
	}
	if err := tr.PrepareRepresentation(ctx, rep, false); err != nil {
		t.Fatalf("PrepareRepresentation: %v", err)
	}
	if len(tr.Periods) != 2 {
		t.Fatalf("got %d periods, want 2", len(tr.Periods))
	}

	outgoing := tr.Periods[0].AdaptationSets[0].Representations[0]
	if !outgoing.HasFlag(tree.FlagEnabled) {
		t.Errorf("outgoing representation should be FlagEnabled after its period closes")
	}
	if !outgoing.HasFlag(tree.FlagDownloaded) {
		t.Errorf("outgoing VOD representation should be FlagDownloaded once finalized")
	}
	if outgoing.CurrentSegment != 0 {
		t.Errorf("outgoing representation CurrentSegment = %d, want 0", outgoing.CurrentSegment)
	}
	if !outgoing.HasFlag(tree.FlagInitialization) || outgoing.Initialization == nil {
		t.Fatalf("outgoing representation should carry its EXT-X-MAP init segment")
	}
	if !strings.HasSuffix(outgoing.Initialization.URL, "init1.mp4") {
		t.Errorf("outgoing representation init URL = %q, want suffix init1.mp4", outgoing.Initialization.URL)
	}

	incoming := tr.Periods[1].AdaptationSets[0].Representations[0]
	if !incoming.HasFlag(tree.FlagEnabled) || !incoming.HasFlag(tree.FlagDownloaded) {
		t.Errorf("incoming representation should also be finalized")
	}
	if incoming.CurrentSegment != 0 {
		t.Errorf("incoming representation CurrentSegment = %d, want 0", incoming.CurrentSegment)
	}
}

func TestAudioDiscontinuityFallbackKeepsAudioType(t *testing.T) {
	master := `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=1000000,AUDIO="aud"
video.m3u8
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",NAME="en",URI="audio.m3u8"
`
	video := `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXT-X-PLAYLIST-TYPE:VOD
#EXTINF:6.0,
v1.ts
#EXT-X-DISCONTINUITY
#EXTINF:6.0,
v2.ts
#EXT-X-ENDLIST
`
	audio := `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXT-X-PLAYLIST-TYPE:VOD
#EXTINF:6.0,
a1.aac
#EXT-X-DISCONTINUITY
#EXTINF:6.0,
a2.aac
#EXT-X-ENDLIST
`
	fetcher := memFetcher{
		"https://cdn.example.com/mixed/master.m3u8": master,
		"https://cdn.example.com/mixed/video.m3u8":  video,
		"https://cdn.example.com/mixed/audio.m3u8":  audio,
	}
	ctx := context.Background()
	tr, err := Open(ctx, fetcher, "https://cdn.example.com/mixed/master.m3u8", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var videoRep, audioRep *tree.Representation
	for _, a := range tr.Periods[0].AdaptationSets {
		for _, r := range a.Representations {
			switch a.Type {
			case tree.Video:
				videoRep = r
			case tree.Audio:
				audioRep = r
			}
		}
	}
	if videoRep == nil || audioRep == nil {
		t.Fatalf("expected both a video and an audio representation in the master")
	}

	// Video's own discontinuity crossing materialises Period 1 with only a
	// Video AdaptationSet. Audio's own crossing then has to extend that same
	// Period with its own AdaptationSet -- it must not be mislabeled Video.
	if err := tr.PrepareRepresentation(ctx, videoRep, false); err != nil {
		t.Fatalf("video PrepareRepresentation: %v", err)
	}
	if err := tr.PrepareRepresentation(ctx, audioRep, false); err != nil {
		t.Fatalf("audio PrepareRepresentation: %v", err)
	}

	if len(tr.Periods) != 2 {
		t.Fatalf("got %d periods, want 2", len(tr.Periods))
	}
	var sawAudio bool
	for _, a := range tr.Periods[1].AdaptationSets {
		if a.Type == tree.Audio {
			sawAudio = true
		}
	}
	if !sawAudio {
		t.Errorf("period 1 has no Audio AdaptationSet after audio's own discontinuity crossing")
	}
}

func TestWidevinePsshDeduplication(t *testing.T) {
	media := `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXT-X-PLAYLIST-TYPE:VOD
#EXT-X-KEY:METHOD=SAMPLE-AES-CTR,KEYFORMAT="urn:uuid:edef8ba9-79d6-4ace-a3c8-27dcd51d21ed",KEYID=0x0102030405060708090a0b0c0d0e0f10,URI="data:text/plain;base64,AAAA"
#EXTINF:6.0,
seg1.ts
#EXT-X-ENDLIST
`
	fetcher := memFetcher{
		"https://cdn.example.com/wv/master.m3u8": masterOneVariant,
		"https://cdn.example.com/wv/media.m3u8":  media,
	}
	ctx := context.Background()
	tr, err := Open(ctx, fetcher, "https://cdn.example.com/wv/master.m3u8", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var rep *tree.Representation
	for _, p := range tr.Periods {
		for _, a := range p.AdaptationSets {
			if a.Type == tree.Video {
				for _, r := range a.Representations {
					rep = r
				}
			}
		}
	}
	if err := tr.PrepareRepresentation(ctx, rep, false); err != nil {
		t.Fatalf("PrepareRepresentation: %v", err)
	}

	period := tr.Periods[0]
	nonClear := 0
	var kidLen int
	for i, set := range period.PsshSets {
		if i == 0 {
			continue
		}
		nonClear++
		kidLen = len(set.DefaultKID)
	}
	if nonClear != 1 {
		t.Errorf("got %d non-clear PSSH sets, want 1", nonClear)
	}
	if kidLen != 16 {
		t.Errorf("default_kid length = %d, want 16", kidLen)
	}
}
