package drm

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"41.neocities.org/sofia/file"
)

// InitSegmentInfo is the DRM-relevant metadata pulled out of an fMP4 init
// segment's moov box, grounded on 3052-maya's pssh.go media_file.initialization.
type InitSegmentInfo struct {
	Timescale int64
	DefaultKID []byte
	WidevinePssh []byte
}

const widevineSystemIDHex = "edef8ba979d64acea3c827dcd51d21ed"

// InspectInitSegment parses moov-level PSSH/KID metadata from an init
// segment's raw bytes. Used by the pipeline right after the worker downloads
// a Representation's Initialization segment, before any media segment is
// decrypted.
func InspectInitSegment(data []byte) (*InitSegmentInfo, error) {
	var f file.File
	if err := f.Read(data); err != nil {
		return nil, fmt.Errorf("drm: parse init segment: %w", err)
	}
	moov := f.Moov
	if moov == nil {
		return nil, fmt.Errorf("drm: init segment has no moov box")
	}

	info := &InitSegmentInfo{}
	info.Timescale = int64(moov.Trak.Mdia.Mdhd.Timescale)
	if vs := moov.Trak.Mdia.Minf.Stbl.Stsd.VisualSample; vs != nil {
		info.DefaultKID = vs.Sinf.Schi.Tenc.DefaultKid[:]
	} else if as := moov.Trak.Mdia.Minf.Stbl.Stsd.AudioSample; as != nil {
		info.DefaultKID = as.Sinf.Schi.Tenc.DefaultKid[:]
	}

	wvID, err := hex.DecodeString(widevineSystemIDHex)
	if err != nil {
		return nil, fmt.Errorf("drm: decode widevine system id: %w", err)
	}
	for _, box := range moov.Pssh {
		if !bytes.Equal(box.SystemId[:], wvID) {
			continue
		}
		// TODO(drm): the real 41.neocities.org/widevine@v1.6.4 API has no
		// Unmarshal for an existing PSSH box's Data, only Pssh.Marshal for
		// building a new request -- extracting a fallback DefaultKID from
		// this PSSH when no tenc box is present is not expressible against
		// this library version.
		info.WidevinePssh = box.Data
		break
	}
	return info, nil
}
