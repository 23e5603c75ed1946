package drm

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"testing"
)

func TestAES128DecrypterRoundTrip(t *testing.T) {
	key := make([]byte, 16)
	iv := make([]byte, 16)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	if _, err := rand.Read(iv); err != nil {
		t.Fatal(err)
	}

	plaintext := []byte("0123456789abcdef0123456789abcdef") // 32 bytes
	plaintext = plaintext[:32]                               // exactly two AES blocks

	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, append([]byte{}, iv...)).CryptBlocks(ciphertext, plaintext)

	d := &AES128Decrypter{}
	dst := make([]byte, len(ciphertext))
	if err := d.Decrypt(key, append([]byte{}, iv...), ciphertext, dst); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(dst, plaintext) {
		t.Errorf("decrypted %q, want %q", dst, plaintext)
	}
}

func TestAES128DecrypterConvertIVPadsToSixteenBytes(t *testing.T) {
	d := &AES128Decrypter{}
	iv, err := d.ConvertIV("0x01")
	if err != nil {
		t.Fatalf("ConvertIV: %v", err)
	}
	if len(iv) != 16 {
		t.Fatalf("got %d bytes, want 16", len(iv))
	}
	want := make([]byte, 16)
	want[15] = 1
	if !bytes.Equal(iv, want) {
		t.Errorf("ConvertIV(0x01) = %x, want %x", iv, want)
	}
}

func TestAES128DecrypterIVFromSequence(t *testing.T) {
	d := &AES128Decrypter{}
	iv := make([]byte, 16)
	d.IVFromSequence(iv, 0x01020304)
	want := make([]byte, 16)
	want[12], want[13], want[14], want[15] = 0x01, 0x02, 0x03, 0x04
	if !bytes.Equal(iv, want) {
		t.Errorf("IVFromSequence = %x, want %x", iv, want)
	}
}

func TestWidevineDecrypterCTRRoundTrip(t *testing.T) {
	key := make([]byte, 16)
	iv := make([]byte, 16)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	if _, err := rand.Read(iv); err != nil {
		t.Fatal(err)
	}
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, append([]byte{}, iv...)).XORKeyStream(ciphertext, plaintext)

	d := &WidevineDecrypter{}
	dst := make([]byte, len(ciphertext))
	if err := d.Decrypt(key, append([]byte{}, iv...), ciphertext, dst); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(dst, plaintext) {
		t.Errorf("decrypted %q, want %q", dst, plaintext)
	}
}

func TestWidevineDecrypterRejectsInvalidPrivateKey(t *testing.T) {
	d := &WidevineDecrypter{
		ClientID:  []byte("client"),
		ContentID: []byte("content"),
		Send: func(req []byte) ([]byte, error) {
			t.Fatal("Send should not be reached when PrivateKey fails to parse")
			return nil, nil
		},
	}
	if _, err := d.FetchKey([]byte("0123456789abcdef")); err == nil {
		t.Error("expected an error with an unset/invalid private key")
	}
}
