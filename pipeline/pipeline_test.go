package pipeline

import (
	"bytes"
	"context"
	"net/http"
	"testing"

	"41.neocities.org/stream/tree"
)

type memFetcher map[string][]byte

func (m memFetcher) Download(ctx context.Context, url string, headers http.Header) (string, []byte, error) {
	body, ok := m[url]
	if !ok {
		return "", nil, context.DeadlineExceeded
	}
	return "", body, nil
}

func newVODTree(segURLs []string) (*tree.Tree, *tree.Representation) {
	tr := &tree.Tree{}
	period := tr.NewPeriod()
	adp := &tree.AdaptationSet{Type: tree.Video, Timescale: 1_000_000}
	rep := &tree.Representation{ID: "v0", ContainerType: tree.TS, CurrentSegment: 0}
	for i, u := range segURLs {
		rep.Segments = append(rep.Segments, tree.Segment{URL: u, StartPTS: int64(i) * 1_000_000})
	}
	adp.Representations = append(adp.Representations, rep)
	period.AdaptationSets = append(period.AdaptationSets, adp)
	tr.HasTimeshiftBuffer = false
	return tr, rep
}

func TestReadConcatenatesSegmentsByteExact(t *testing.T) {
	want := []byte("AAAA")
	want = append(want, []byte("BBBBBB")...)
	want = append(want, []byte("CCC")...)

	fetcher := memFetcher{
		"s0.ts": []byte("AAAA"),
		"s1.ts": []byte("BBBBBB"),
		"s2.ts": []byte("CCC"),
	}
	tr, rep := newVODTree([]string{"s0.ts", "s1.ts", "s2.ts"})

	ctx := context.Background()
	s := New(ctx, tr, rep, fetcher, nil, 0)
	defer s.Stop()

	var got []byte
	buf := make([]byte, 3) // deliberately smaller than any single segment
	for {
		n, err := s.Read(ctx, buf)
		if n > 0 {
			got = append(got, buf[:n]...)
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if n == 0 {
			break
		}
	}

	if !bytes.Equal(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
	if s.Tell() != int64(len(want)) {
		t.Errorf("Tell() = %d, want %d", s.Tell(), len(want))
	}
}

func TestWorkerStaysWithinBufferBound(t *testing.T) {
	const segCount = MaxSegmentBuffers * 3
	urls := make([]string, segCount)
	fetcher := memFetcher{}
	for i := range urls {
		urls[i] = "s" + string(rune('a'+i%26)) + string(rune('0'+i/26)) + ".ts"
		fetcher[urls[i]] = []byte{byte(i)}
	}
	tr, rep := newVODTree(urls)

	ctx := context.Background()
	s := New(ctx, tr, rep, fetcher, nil, 0)
	defer s.Stop()

	buf := make([]byte, 1)
	var total int
	for {
		n, err := s.Read(ctx, buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if n == 0 {
			break
		}
		total += n
		s.mu.Lock()
		ahead := s.nextToDownload - s.readerSeg
		s.mu.Unlock()
		if ahead > MaxSegmentBuffers {
			t.Fatalf("worker is %d segments ahead of the reader, bound is %d", ahead, MaxSegmentBuffers)
		}
	}
	if total != segCount {
		t.Errorf("read %d bytes, want %d", total, segCount)
	}
}

func TestInitSegmentDeliveredBeforeFirstSegment(t *testing.T) {
	fetcher := memFetcher{
		"init.mp4": []byte("INITBYTES"),
		"s0.ts":    []byte("AAAA"),
		"s1.ts":    []byte("BBBB"),
	}
	tr, rep := newVODTree([]string{"s0.ts", "s1.ts"})
	rep.Initialization = &tree.Segment{URL: "init.mp4"}
	rep.SetFlag(tree.FlagInitialization)

	ctx := context.Background()
	s := New(ctx, tr, rep, fetcher, nil, 0)
	defer s.Stop()

	var got []byte
	buf := make([]byte, 2)
	for {
		n, err := s.Read(ctx, buf)
		if n > 0 {
			got = append(got, buf[:n]...)
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if n == 0 {
			break
		}
	}

	want := append([]byte("INITBYTES"), []byte("AAAABBBB")...)
	if !bytes.Equal(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRefreshResyncsReaderPosition(t *testing.T) {
	fetcher := memFetcher{
		"s100": []byte("AAAA"),
		"s101": []byte("BBBB"),
		"s102": []byte("CCCC"),
	}
	tr := &tree.Tree{}
	tr.HasTimeshiftBuffer = true
	period := tr.NewPeriod()
	adp := &tree.AdaptationSet{Type: tree.Video, Timescale: 1_000_000}
	rep := &tree.Representation{ID: "v0", ContainerType: tree.TS, StartNumber: 100, CurrentSegment: 1}
	rep.Segments = []tree.Segment{
		{URL: "s100", StartPTS: 0},
		{URL: "s101", StartPTS: 1_000_000},
		{URL: "s102", StartPTS: 2_000_000},
	}
	adp.Representations = append(adp.Representations, rep)
	period.AdaptationSets = append(period.AdaptationSets, adp)

	ctx := context.Background()
	s := New(ctx, tr, rep, fetcher, nil, 1) // reader starts at absolute sequence 101
	defer s.Stop()

	buf := make([]byte, 2)
	n, err := s.Read(ctx, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("BB")) {
		t.Fatalf("got %q, want partial read of s101", buf[:n])
	}

	// Simulate a live refresh (tree.PrepareRepresentation's isUpdate branch)
	// shifting the window so absolute sequence 101 is now at index 0 of a
	// brand new Segments slice.
	fetcher["s101v2"] = []byte("XXXX")
	fetcher["s102v2"] = []byte("YYYY")
	fetcher["s103v2"] = []byte("ZZZZ")
	tr.Lock()
	rep.StartNumber = 101
	rep.Segments = []tree.Segment{
		{URL: "s101v2", StartPTS: 1_000_000},
		{URL: "s102v2", StartPTS: 2_000_000},
		{URL: "s103v2", StartPTS: 3_000_000},
	}
	rep.CurrentSegment = 0
	tr.Unlock()
	s.resyncFromRefresh()

	want := []byte("XXXXYYYYZZZZ")
	var got []byte
	readBuf := make([]byte, 4)
	for len(got) < len(want) {
		n, err := s.Read(ctx, readBuf)
		if err != nil {
			t.Fatalf("Read after refresh: %v", err)
		}
		got = append(got, readBuf[:n]...)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("after refresh resync, got %q, want %q", got, want)
	}
}

func TestSeekTimeLocatesSegment(t *testing.T) {
	fetcher := memFetcher{
		"s0.ts": []byte("AAAA"),
		"s1.ts": []byte("BBBB"),
		"s2.ts": []byte("CCCC"),
	}
	tr, rep := newVODTree([]string{"s0.ts", "s1.ts", "s2.ts"})

	ctx := context.Background()
	s := New(ctx, tr, rep, fetcher, nil, 0)
	defer s.Stop()

	changed, err := s.SeekTime(2.0, false)
	if err != nil {
		t.Fatalf("SeekTime: %v", err)
	}
	if !changed {
		t.Errorf("expected SeekTime to 2.0s to move off segment 0")
	}

	buf := make([]byte, 4)
	n, err := s.Read(ctx, buf)
	if err != nil {
		t.Fatalf("Read after seek: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("CCCC")) {
		t.Errorf("after SeekTime(2.0), read %q, want %q", buf[:n], "CCCC")
	}
}
