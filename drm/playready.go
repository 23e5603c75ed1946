package drm

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"41.neocities.org/playReady"
)

// PlayReadyDecrypter implements tree.DecrypterPort for PlayReady content.
// Included for parity with the teacher's stack even though this engine's
// scope ends at decrypt-with-a-known-key; license negotiation is an
// external collaborator. Grounded on 3052-maya's drm.go playReadyKey.
type PlayReadyDecrypter struct {
	CertificateChain []byte
	EncryptSignKey   *big.Int
	Send             LicenseClient
}

func (d *PlayReadyDecrypter) FetchKey(keyID []byte) ([]byte, error) {
	if d.Send == nil {
		return nil, errors.New("drm: PlayReadyDecrypter.Send is not set")
	}
	var chain playReady.Chain
	if err := chain.Decode(d.CertificateChain); err != nil {
		return nil, fmt.Errorf("drm: decode certificate chain: %w", err)
	}
	playReady.UuidOrGuid(keyID)
	body, err := chain.RequestBody(keyID, d.EncryptSignKey)
	if err != nil {
		return nil, fmt.Errorf("drm: build license request: %w", err)
	}
	respData, err := d.Send(body)
	if err != nil {
		return nil, fmt.Errorf("drm: license exchange: %w", err)
	}
	var license playReady.License
	coord, err := license.Decrypt(respData, d.EncryptSignKey)
	if err != nil {
		return nil, fmt.Errorf("drm: decrypt license: %w", err)
	}
	if !bytes.Equal(license.ContentKey.KeyId[:], keyID) {
		return nil, errors.New("drm: key ID mismatch in PlayReady license")
	}
	return coord.Key(), nil
}

func (d *PlayReadyDecrypter) GetLicenseKey() (query, headers, reserved1, reserved2, renewalToken string) {
	return "", "", "", "", ""
}

func (d *PlayReadyDecrypter) ConvertIV(hexStr string) ([]byte, error) {
	return nil, errors.New("drm: PlayReady IV is derived from the sample, not the manifest")
}

func (d *PlayReadyDecrypter) IVFromSequence(iv []byte, segNum uint32) {
	for i := range iv {
		iv[i] = 0
	}
}

func (d *PlayReadyDecrypter) RenewLicense(token string) (bool, error) { return false, nil }

func (d *PlayReadyDecrypter) Decrypt(key, iv, src, dst []byte) error {
	return aesCTR(key, iv, src, dst) // PlayReady content is also AES-CTR.
}
