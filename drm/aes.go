// Package drm provides concrete tree.DecrypterPort implementations: AES-128
// CBC (the HLS EXT-X-KEY default) and Widevine CTR, grounded on the
// teacher's segment.go/drm.go key-fetch flows and wired to
// 41.neocities.org/widevine and 41.neocities.org/playReady for the license
// protocol and 41.neocities.org/sofia for MP4-box-level key material.
package drm

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"fmt"
)

// AES128Decrypter implements tree.DecrypterPort for HLS's plain AES-128 CBC
// key scheme: the key is resolved over HTTP by the engine, IV is carried
// per-PsshSet or derived from the segment sequence number.
type AES128Decrypter struct {
	LicenseQuery    string
	LicenseHeaders  string
	RenewalEndpoint func(token string) (bool, error)
}

func (d *AES128Decrypter) GetLicenseKey() (query, headers, reserved1, reserved2, renewalToken string) {
	return d.LicenseQuery, d.LicenseHeaders, "", "", ""
}

func (d *AES128Decrypter) ConvertIV(hexStr string) ([]byte, error) {
	hexStr = trimHexPrefix(hexStr)
	iv, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("drm: bad IV %q: %w", hexStr, err)
	}
	if len(iv) < 16 {
		padded := make([]byte, 16)
		copy(padded[16-len(iv):], iv)
		iv = padded
	}
	return iv, nil
}

// IVFromSequence derives a 16-byte IV from the segment sequence number when
// no explicit IV is supplied, matching the big-endian-sequence-number
// convention most HLS encoders use.
func (d *AES128Decrypter) IVFromSequence(iv []byte, segNum uint32) {
	for i := range iv {
		iv[i] = 0
	}
	if len(iv) >= 4 {
		iv[len(iv)-4] = byte(segNum >> 24)
		iv[len(iv)-3] = byte(segNum >> 16)
		iv[len(iv)-2] = byte(segNum >> 8)
		iv[len(iv)-1] = byte(segNum)
	}
}

func (d *AES128Decrypter) RenewLicense(token string) (bool, error) {
	if d.RenewalEndpoint == nil {
		return false, nil
	}
	return d.RenewalEndpoint(token)
}

func (d *AES128Decrypter) Decrypt(key, iv, src, dst []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("drm: aes.NewCipher: %w", err)
	}
	if len(src)%aes.BlockSize != 0 {
		return fmt.Errorf("drm: ciphertext length %d not a multiple of block size", len(src))
	}
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(dst, src)
	return nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
