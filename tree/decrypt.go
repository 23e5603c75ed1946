package tree

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// keyResolution is the state machine replacing the original's "goto RETRY"
// key-renewal loop (see §9 of the design notes): at most one renewal attempt
// per resolution.
type keyResolution struct {
	attempts int
	renewed  bool
}

// ResolveDefaultKID resolves a PsshSet's content key. Widevine/PlayReady
// decrypters (anything implementing KeyFetcher) resolve it via a CDM/license
// exchange keyed on DefaultKID; plain AES-128 falls back to an HTTP GET of
// the key URI (with license-key query/header injection), retrying once via
// RenewLicense on failure. On permanent failure KeyFailed is set so later
// calls zero-fill instead of re-attempting the round trip.
func (t *Tree) ResolveDefaultKID(ctx context.Context, period *Period, psshIdx int) error {
	if psshIdx <= 0 || psshIdx >= len(period.PsshSets) {
		return nil
	}
	set := &period.PsshSets[psshIdx]
	if len(set.Key) > 0 || set.KeyFailed {
		return nil
	}
	if key, ok := period.FindResolvedKey(set.Pssh); ok {
		set.Key = key
		return nil
	}
	if t.decrypter == nil {
		set.KeyFailed = true
		return fmt.Errorf("stream: no decrypter configured for encrypted period")
	}

	if kf, ok := t.decrypter.(KeyFetcher); ok {
		key, err := kf.FetchKey([]byte(set.DefaultKID))
		if err != nil {
			set.KeyFailed = true
			return fmt.Errorf("stream: key resolution failed permanently: %w", err)
		}
		set.Key = key
		return nil
	}

	res := keyResolution{}
	uri := set.Pssh
	for {
		query, headerStr, _, _, renewalToken := t.decrypter.GetLicenseKey()
		reqURL := uri
		if query != "" && !strings.Contains(reqURL, "?") {
			reqURL += query
		}
		headers := http.Header{}
		for _, kv := range strings.Split(headerStr, "&") {
			if kv == "" {
				continue
			}
			parts := strings.SplitN(kv, "=", 2)
			if len(parts) == 2 {
				headers.Set(parts[0], parts[1])
			}
		}

		_, body, err := t.fetcher.Download(ctx, reqURL, headers)
		if err == nil {
			set.Key = body
			return nil
		}

		if res.attempts == 0 && renewalToken != "" {
			ok, renewErr := t.decrypter.RenewLicense(renewalToken)
			res.attempts++
			res.renewed = ok
			if ok && renewErr == nil {
				continue
			}
		}
		set.KeyFailed = true
		return fmt.Errorf("stream: key resolution failed permanently: %w", err)
	}
}

// OnDataArrived is the decryption hook invoked by the pipeline worker as
// each chunk of a segment is written into its buffer. When the segment
// carries a non-clear PSSH index, it resolves the key (if needed), zero-fills
// on permanent failure, and otherwise decrypts in place, chaining the IV
// across chunks.
func (t *Tree) OnDataArrived(ctx context.Context, period *Period, psshIdx int, iv []byte, segNum uint32, dst []byte, dstOffset int) ([]byte, error) {
	if psshIdx <= 0 {
		return dst, nil
	}

	if err := t.ResolveDefaultKID(ctx, period, psshIdx); err != nil {
		// Permanent failure already recorded via KeyFailed; fall through to
		// the zero-fill branch below rather than surfacing the error upward.
	}
	set := period.PsshSets[psshIdx]

	if set.KeyFailed || len(set.Key) == 0 {
		for i := range dst[dstOffset:] {
			dst[dstOffset+i] = 0
		}
		return dst, nil
	}

	if dstOffset == 0 {
		switch {
		case len(set.IV) > 0:
			padded := make([]byte, 16)
			copy(padded, set.IV)
			copy(iv, padded)
		default:
			t.decrypter.IVFromSequence(iv, segNum)
		}
	}

	chunk := dst[dstOffset:]
	var lastCipherBlock []byte
	if len(chunk) >= 16 {
		lastCipherBlock = append([]byte(nil), chunk[len(chunk)-16:]...)
	}
	if err := t.decrypter.Decrypt(set.Key, iv, chunk, chunk); err != nil {
		return nil, fmt.Errorf("stream: decrypt chunk: %w", err)
	}
	if lastCipherBlock != nil {
		copy(iv, lastCipherBlock)
	}
	return dst, nil
}
