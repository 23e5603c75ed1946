// Package dash implements a minimal ISO/IEC 23009-1 MPD parser that builds
// the same tree.Tree data model as internal/hls, per this engine's "DASH —
// same data model" symmetry requirement.
package dash

import "encoding/xml"

type mpdXML struct {
	XMLName                xml.Name    `xml:"MPD"`
	AvailabilityStartTime  string      `xml:"availabilityStartTime,attr"`
	PublishTime            string      `xml:"publishTime,attr"`
	Type                   string      `xml:"type,attr"`
	MinimumUpdatePeriod    string      `xml:"minimumUpdatePeriod,attr"`
	BaseURL                string      `xml:"BaseURL"`
	Periods                []periodXML `xml:"Period"`
}

type periodXML struct {
	ID              string              `xml:"id,attr"`
	Duration        string              `xml:"duration,attr"`
	BaseURL         string              `xml:"BaseURL"`
	AdaptationSets  []adaptationSetXML  `xml:"AdaptationSet"`
}

type adaptationSetXML struct {
	MimeType        string             `xml:"mimeType,attr"`
	ContentType     string             `xml:"contentType,attr"`
	Lang            string             `xml:"lang,attr"`
	SegmentTemplate *segmentTemplateXML `xml:"SegmentTemplate"`
	Representations []representationXML `xml:"Representation"`
}

type representationXML struct {
	ID              string              `xml:"id,attr"`
	Bandwidth       int                 `xml:"bandwidth,attr"`
	Codecs          string              `xml:"codecs,attr"`
	Width           int                 `xml:"width,attr"`
	Height          int                 `xml:"height,attr"`
	AudioChannels   contentComponentXML `xml:"AudioChannelConfiguration"`
	BaseURL         string              `xml:"BaseURL"`
	SegmentTemplate *segmentTemplateXML `xml:"SegmentTemplate"`
	SegmentBase     *segmentBaseXML     `xml:"SegmentBase"`
	SegmentList     *segmentListXML     `xml:"SegmentList"`
	ContentProtection []contentProtectionXML `xml:"ContentProtection"`
}

type contentComponentXML struct {
	Value string `xml:"value,attr"`
}

type contentProtectionXML struct {
	SchemeIDURI string `xml:"schemeIdUri,attr"`
	Cenc_Default_KID string `xml:"cenc:default_KID,attr"`
	Pssh        string `xml:"pssh"`
}

type segmentTemplateXML struct {
	Media                 string             `xml:"media,attr"`
	Initialization        string             `xml:"initialization,attr"`
	StartNumber           int64              `xml:"startNumber,attr"`
	Timescale             int64              `xml:"timescale,attr"`
	Duration              int64              `xml:"duration,attr"`
	PresentationTimeOffset int64             `xml:"presentationTimeOffset,attr"`
	SegmentTimeline       *segmentTimelineXML `xml:"SegmentTimeline"`
}

type segmentTimelineXML struct {
	S []segmentTimelineEntryXML `xml:"S"`
}

type segmentTimelineEntryXML struct {
	T int64 `xml:"t,attr"`
	D int64 `xml:"d,attr"`
	R int64 `xml:"r,attr"`
}

type segmentBaseXML struct {
	IndexRange     string               `xml:"indexRange,attr"`
	Timescale      int64                `xml:"timescale,attr"`
	Initialization *urlXML              `xml:"Initialization"`
}

type urlXML struct {
	SourceURL string `xml:"sourceURL,attr"`
	Range     string `xml:"range,attr"`
}

type segmentListXML struct {
	Duration       int64            `xml:"duration,attr"`
	Timescale      int64            `xml:"timescale,attr"`
	Initialization *urlXML          `xml:"Initialization"`
	SegmentURLs    []segmentURLXML  `xml:"SegmentURL"`
}

type segmentURLXML struct {
	Media      string `xml:"media,attr"`
	MediaRange string `xml:"mediaRange,attr"`
}
