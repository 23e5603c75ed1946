package hls

import "strings"

// videoCodec resolves the video codec family from a CODECS attribute value,
// grounded on original_source/src/parser/HLSTree.cpp's getVideoCodec.
func videoCodec(codecs string) string {
	switch {
	case codecs == "":
		return "h264"
	case strings.Contains(codecs, "avc1."):
		return "h264"
	case strings.Contains(codecs, "hvc1."):
		return "hvc1"
	case strings.Contains(codecs, "hev1."):
		return "hev1"
	default:
		return ""
	}
}

// audioCodec resolves the audio codec family from a CODECS attribute value.
func audioCodec(codecs string) string {
	switch {
	case strings.Contains(codecs, "ec-3"):
		return "ec-3"
	case strings.Contains(codecs, "ac-3"):
		return "ac-3"
	default:
		return "aac"
	}
}
