package codec

import (
	"bytes"
	"testing"
)

func testMasterKey() []byte {
	key := make([]byte, chachaKeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

// chachaKeySize avoids importing chacha20poly1305 twice in tests purely
// for its KeySize constant.
const chachaKeySize = 32

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Params{
		{Hash: SHA256, Compression: CompressionNone, Encryption: EncryptionNone},
		{Hash: BLAKE3, Compression: CompressionLZ4, Encryption: EncryptionNone},
		{Hash: BLAKE2b256, Compression: CompressionNone, Encryption: EncryptionXChaCha20Poly1305},
		{Hash: SHA3_256, Compression: CompressionLZ4, Encryption: EncryptionXChaCha20Poly1305},
	}
	plaintext := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 200)

	for _, params := range cases {
		p := NewPipeline(params, testMasterKey())
		digest, frame, err := p.Encode(plaintext)
		if err != nil {
			t.Fatalf("%+v: Encode: %v", params, err)
		}
		got, err := p.Decode(frame, digest)
		if err != nil {
			t.Fatalf("%+v: Decode: %v", params, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("%+v: round trip mismatch", params)
		}
	}
}

func TestEncodeDeterministicDigest(t *testing.T) {
	params := Params{Hash: BLAKE3, Compression: CompressionLZ4, Encryption: EncryptionXChaCha20Poly1305}
	p := NewPipeline(params, testMasterKey())
	plaintext := []byte("same bytes every time")

	d1, _, err := p.Encode(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	d2, _, err := p.Encode(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Fatalf("digest not deterministic: %x vs %x", d1, d2)
	}
}

func TestEncodeEncryptedFramesHaveRandomNonces(t *testing.T) {
	params := Params{Hash: SHA256, Compression: CompressionNone, Encryption: EncryptionXChaCha20Poly1305}
	p := NewPipeline(params, testMasterKey())
	plaintext := []byte("identical plaintext")

	_, frame1, err := p.Encode(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	_, frame2, err := p.Encode(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(frame1, frame2) {
		t.Fatal("two encodes of identical plaintext produced identical frames (nonce reuse)")
	}
}

func TestDecodeDetectsTamperedFrame(t *testing.T) {
	params := Params{Hash: SHA256, Compression: CompressionNone, Encryption: EncryptionXChaCha20Poly1305}
	p := NewPipeline(params, testMasterKey())
	digest, frame, err := p.Encode([]byte("authentic payload"))
	if err != nil {
		t.Fatal(err)
	}
	tampered := append([]byte{}, frame...)
	tampered[len(tampered)-1] ^= 0xFF

	if _, err := p.Decode(tampered, digest); err == nil {
		t.Fatal("expected error decoding tampered frame")
	}
}

func TestDecodeDetectsWrongDigest(t *testing.T) {
	params := Params{Hash: SHA256, Compression: CompressionNone, Encryption: EncryptionNone}
	p := NewPipeline(params, nil)
	_, frame, err := p.Encode([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	var wrongDigest Digest
	wrongDigest[0] = 0xFF

	_, err = p.Decode(frame, wrongDigest)
	if err != ErrDigestMismatch {
		t.Fatalf("expected ErrDigestMismatch, got %v", err)
	}
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	p := NewPipeline(Params{Hash: SHA256}, nil)
	if _, err := p.Decode([]byte{1, 2}, Digest{}); err != ErrFrameTooShort {
		t.Fatalf("expected ErrFrameTooShort, got %v", err)
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	p := NewPipeline(Params{Hash: SHA256}, nil)
	frame := []byte{99, 0, 0, 0, 0, 'x'}
	if _, err := p.Decode(frame, Digest{}); err != ErrUnsupportedVersion {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestEncodeEmptyPlaintext(t *testing.T) {
	p := NewPipeline(Params{Hash: BLAKE3, Compression: CompressionLZ4, Encryption: EncryptionXChaCha20Poly1305}, testMasterKey())
	digest, frame, err := p.Encode(nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := p.Decode(frame, digest)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty plaintext back, got %d bytes", len(got))
	}
}
