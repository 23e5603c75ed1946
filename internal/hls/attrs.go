// Package hls implements a line-oriented M3U8 parser that builds and
// refreshes a tree.Tree, mirroring the protocol in RFC 8216 §4.2 as
// narrowed by this engine's supported tag set.
package hls

import "strings"

// tagValue splits an M3U8 tag line ("#EXT-X-FOO:A=1,B=\"x,y\"") into its name
// and its key=value attribute map, honouring commas inside quoted values.
// Grounded on original_source/src/parser/HLSTree.cpp's parseLine.
func tagValue(line string) (name string, attrs map[string]string) {
	colon := strings.Index(line, ":")
	if colon < 0 {
		return line, nil
	}
	name = line[:colon]
	attrs = parseAttrs(line[colon+1:])
	return name, attrs
}

func parseAttrs(s string) map[string]string {
	attrs := make(map[string]string)
	var key strings.Builder
	var val strings.Builder
	inValue := false
	inQuotes := false
	flush := func() {
		k := strings.TrimSpace(key.String())
		if k != "" {
			v := val.String()
			v = strings.Trim(v, "\"")
			attrs[k] = v
		}
		key.Reset()
		val.Reset()
		inValue = false
	}
	for _, c := range s {
		switch {
		case c == '"':
			inQuotes = !inQuotes
			if inValue {
				val.WriteRune(c)
			} else {
				key.WriteRune(c)
			}
		case c == '=' && !inValue && !inQuotes:
			inValue = true
		case c == ',' && !inQuotes:
			flush()
		default:
			if inValue {
				val.WriteRune(c)
			} else {
				key.WriteRune(c)
			}
		}
	}
	flush()
	return attrs
}
