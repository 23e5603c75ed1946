package hls

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"41.neocities.org/stream/tree"
)

const widevineURN = "urn:uuid:edef8ba9-79d6-4ace-a3c8-27dcd51d21ed"

// Parser implements tree.Parser for HLS manifests.
type Parser struct{}

// Open fetches and parses an HLS master (or bare media) playlist.
func Open(ctx context.Context, fetcher tree.Fetcher, manifestURL, updateParameter string) (*tree.Tree, error) {
	return tree.Open(ctx, fetcher, Parser{}, manifestURL, updateParameter)
}

type extGroupEntry struct {
	adp *tree.AdaptationSet
}

// ParseMaster implements tree.Parser.
func (Parser) ParseMaster(ctx context.Context, t *tree.Tree, data []byte) error {
	lines := splitLines(data)
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "#EXTM3U" {
		return fmt.Errorf("hls: missing #EXTM3U header")
	}

	period := t.NewPeriod()

	extGroups := make(map[string]*extGroupEntry)
	var videoAdp *tree.AdaptationSet
	var pendingRep *tree.Representation
	var pendingCodecs string
	var sawStreamInf bool
	var sawExtinf bool
	var needsDummyAudio bool
	sessionKeyLine := ""

	for _, raw := range lines[1:] {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-MEDIA:"):
			_, attrs := tagValue(line)
			if attrs["TYPE"] != "AUDIO" && attrs["TYPE"] != "SUBTITLES" {
				continue
			}
			if attrs["TYPE"] == "SUBTITLES" {
				// Subtitle media groups are not turned into
				// AdaptationSets; text tracks are left to the host.
				continue
			}
			group := attrs["GROUP-ID"]
			entry, ok := extGroups[group]
			if !ok {
				entry = &extGroupEntry{adp: &tree.AdaptationSet{Type: tree.Audio, Language: attrs["LANGUAGE"], Name: attrs["NAME"]}}
				extGroups[group] = entry
				period.AdaptationSets = append(period.AdaptationSets, entry.adp)
			}
			rep := &tree.Representation{ID: attrs["NAME"], CurrentSegment: -1}
			if uri, ok := attrs["URI"]; ok && uri != "" {
				rep.SourceURL = resolveRef(t, uri)
			} else {
				rep.SetFlag(tree.FlagIncludedStream)
				period.IncludedTypes[tree.Audio] = true
			}
			if ch, ok := attrs["CHANNELS"]; ok {
				if n, err := strconv.Atoi(strings.Split(ch, "/")[0]); err == nil {
					rep.ChannelCount = n
				}
			}
			entry.adp.Representations = append(entry.adp.Representations, rep)

		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			sawStreamInf = true
			_, attrs := tagValue(line)
			if videoAdp == nil {
				videoAdp = &tree.AdaptationSet{Type: tree.Video}
				period.AdaptationSets = append(period.AdaptationSets, videoAdp)
			}
			bw, ok := attrs["BANDWIDTH"]
			if !ok {
				pendingRep = nil
				continue
			}
			bandwidth, _ := strconv.Atoi(bw)
			rep := &tree.Representation{Bandwidth: bandwidth, CurrentSegment: -1}
			pendingCodecs = attrs["CODECS"]
			rep.Codecs = videoCodec(pendingCodecs)
			if res, ok := attrs["RESOLUTION"]; ok {
				if w, h, ok := parseResolution(res); ok {
					rep.Width, rep.Height = w, h
				}
			}
			if group, ok := attrs["AUDIO"]; ok {
				if entry, found := extGroups[group]; found {
					audioCodecFamily := audioCodec(pendingCodecs)
					for _, ar := range entry.adp.Representations {
						ar.Codecs = audioCodecFamily
					}
				}
			} else {
				period.IncludedTypes[tree.Audio] = true
				needsDummyAudio = true
			}
			videoAdp.Representations = append(videoAdp.Representations, rep)
			pendingRep = rep

		case strings.HasPrefix(line, "#EXT-X-I-FRAME-STREAM-INF:"):
			_, attrs := tagValue(line)
			if videoAdp == nil {
				videoAdp = &tree.AdaptationSet{Type: tree.Video}
				period.AdaptationSets = append(period.AdaptationSets, videoAdp)
			}
			bw, _ := strconv.Atoi(attrs["BANDWIDTH"])
			rep := &tree.Representation{Bandwidth: bw, CurrentSegment: -1}
			rep.SetFlag(tree.FlagTrickPlay)
			if uri, ok := attrs["URI"]; ok {
				rep.SourceURL = resolveRef(t, uri)
			}
			videoAdp.Representations = append(videoAdp.Representations, rep)

		case strings.HasPrefix(line, "#EXT-X-SESSION-KEY:"):
			sessionKeyLine = line

		case strings.HasPrefix(line, "#EXTINF:"):
			sawExtinf = true

		case strings.HasPrefix(line, "#"):
			// unrecognised tag, ignored.

		default:
			// bare URL line, only meaningful right after EXT-X-STREAM-INF.
			if pendingRep != nil {
				url := resolveRef(t, line)
				if duplicateSourceURL(videoAdp, url, pendingRep) {
					removeLastRepresentation(videoAdp)
				} else {
					pendingRep.SourceURL = url
				}
				pendingRep = nil
			}
		}
	}

	if sessionKeyLine != "" {
		if err := applySessionKey(t, period, sessionKeyLine); err != nil {
			return err
		}
	}

	if needsDummyAudio && !hasAudioAdaptationSet(period) {
		dummy := &tree.AdaptationSet{Type: tree.Audio}
		rep := &tree.Representation{CurrentSegment: -1}
		rep.SetFlag(tree.FlagIncludedStream)
		dummy.Representations = append(dummy.Representations, rep)
		period.AdaptationSets = append(period.AdaptationSets, dummy)
	}

	if !sawStreamInf && sawExtinf {
		// This manifest IS a media playlist: synthesise a single
		// Video AdaptationSet/Representation and parse it directly.
		videoAdp = &tree.AdaptationSet{Type: tree.Video}
		rep := &tree.Representation{SourceURL: t.SourceURL, CurrentSegment: -1}
		videoAdp.Representations = append(videoAdp.Representations, rep)
		period.AdaptationSets = append(period.AdaptationSets, videoAdp)
		return parseMediaPlaylist(t, rep, data)
	}

	return nil
}

func hasAudioAdaptationSet(p *tree.Period) bool {
	for _, a := range p.AdaptationSets {
		if a.Type == tree.Audio {
			return true
		}
	}
	return false
}

func duplicateSourceURL(adp *tree.AdaptationSet, url string, exclude *tree.Representation) bool {
	if adp == nil {
		return false
	}
	for _, r := range adp.Representations {
		if r != exclude && r.SourceURL == url {
			return true
		}
	}
	return false
}

func removeLastRepresentation(adp *tree.AdaptationSet) {
	if adp == nil || len(adp.Representations) == 0 {
		return
	}
	adp.Representations = adp.Representations[:len(adp.Representations)-1]
}

func applySessionKey(t *tree.Tree, period *tree.Period, line string) error {
	_, attrs := tagValue(line)
	method := attrs["METHOD"]
	if method == "NONE" {
		return nil
	}
	if method != "AES-128" && method != "SAMPLE-AES-CTR" {
		return fmt.Errorf("hls: unsupported session key method %q", method)
	}
	keyFormat := attrs["KEYFORMAT"]
	if strings.Contains(keyFormat, widevineURN) {
		keyIDHex := attrs["KEYID"]
		keyIDHex = strings.TrimPrefix(keyIDHex, "0x")
		kid, err := hex.DecodeString(keyIDHex)
		if err != nil {
			return fmt.Errorf("hls: bad session key KEYID: %w", err)
		}
		uri := attrs["URI"]
		const dataPrefix = "data:text/plain;base64,"
		if strings.HasPrefix(uri, dataPrefix) {
			uri = uri[len(dataPrefix):]
		}
		t.InsertPsshSet(period, uri, string(kid), nil)
		period.EncryptionState = tree.Supported
		return nil
	}
	return nil
}

func parseResolution(s string) (int, int, bool) {
	parts := strings.SplitN(s, "x", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(parts[0])
	h, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return w, h, true
}

func resolveRef(t *tree.Tree, ref string) string {
	return tree.ResolveURL(t.BaseURL, t.BaseDomain, ref)
}

func splitLines(data []byte) []string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}
