// Package cryptosvc implements the two cryptographic primitives the
// controller needs: constant-time HMAC-SHA256 verification and AES-CBC
// chunk decryption with an explicit IV (spec.md §4.3).
package cryptosvc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"hash"

	drmerrors "github.com/ectf-audio/drm-controller/internal/errors"
)

// SignatureSize is the HMAC-SHA256 tag size.
const SignatureSize = sha256.Size

// AESBlockSize is the AES block size used for the CBC chunk cipher.
const AESBlockSize = aes.BlockSize

// HMACVerifier wraps an HMAC-SHA256 computation. Verify resets the
// underlying hash, so a reused Verifier cannot accidentally chain data
// across invocations, per spec.md §4.3.
type HMACVerifier struct {
	h hash.Hash
}

// NewHMACVerifier creates a verifier keyed with key (either the
// metadata-HMAC or chunk-HMAC secret).
func NewHMACVerifier(key []byte) *HMACVerifier {
	return &HMACVerifier{h: hmac.New(sha256.New, key)}
}

// Write feeds more data spans into the tag computation. Call it once per
// contiguous span to verify (e.g. metadata, then IV, then ciphertext).
func (v *HMACVerifier) Write(p []byte) {
	v.h.Write(p)
}

// Verify finalizes the tag and compares it against expected in constant
// time, then resets the internal hash state.
func (v *HMACVerifier) Verify(expected []byte) error {
	defer v.h.Reset()

	if len(expected) != SignatureSize {
		return drmerrors.New(drmerrors.HmacMismatch, "expected tag has wrong length")
	}

	sum := v.h.Sum(nil)
	if !hmac.Equal(sum, expected) {
		return drmerrors.New(drmerrors.HmacMismatch, "tag mismatch")
	}
	return nil
}

// VerifyHMAC is a single-shot convenience wrapper around HMACVerifier for
// callers that already have the full data span in one slice.
func VerifyHMAC(key, data, expected []byte) error {
	v := NewHMACVerifier(key)
	v.Write(data)
	return v.Verify(expected)
}

// DecryptChunkCBC decrypts one AES-CBC chunk into out. ciphertext must be
// a multiple of AESBlockSize; iv must be exactly AESBlockSize bytes; out
// must be at least len(ciphertext) bytes. No padding is stripped here —
// PKCS#7 unpadding is the caller's responsibility and applies only to the
// terminal chunk (spec.md §4.5).
func DecryptChunkCBC(ciphertext, iv, key []byte, out []byte) error {
	if len(ciphertext)%AESBlockSize != 0 || len(ciphertext) == 0 {
		return drmerrors.New(drmerrors.DecryptFailed, "ciphertext is not a non-zero multiple of the AES block size")
	}
	if len(iv) != AESBlockSize {
		return drmerrors.New(drmerrors.DecryptFailed, "IV must be exactly one AES block")
	}
	if len(out) < len(ciphertext) {
		return drmerrors.New(drmerrors.DecryptFailed, "output buffer too small")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return drmerrors.Wrap(drmerrors.DecryptFailed, "failed to construct AES cipher", err)
	}

	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out[:len(ciphertext)], ciphertext)
	return nil
}

// UnpadPKCS7 validates and strips PKCS#7 padding from the terminal
// plaintext chunk. The final byte p (1..16) must equal the number of
// padding bytes, and every one of those trailing bytes must equal p; any
// other value aborts with BadPadding (spec.md §4.5).
func UnpadPKCS7(plaintext []byte) ([]byte, error) {
	n := len(plaintext)
	if n == 0 || n%AESBlockSize != 0 {
		return nil, drmerrors.New(drmerrors.BadPadding, "plaintext is not a non-zero multiple of the AES block size")
	}

	p := int(plaintext[n-1])
	if p < 1 || p > AESBlockSize || p > n {
		return nil, drmerrors.New(drmerrors.BadPadding, "invalid padding length byte")
	}
	for i := n - p; i < n; i++ {
		if plaintext[i] != byte(p) {
			return nil, drmerrors.New(drmerrors.BadPadding, "padding bytes do not match padding length")
		}
	}
	return plaintext[:n-p], nil
}
