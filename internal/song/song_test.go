package song

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ectf-audio/drm-controller/internal/cryptosvc"
	drmerrors "github.com/ectf-audio/drm-controller/internal/errors"
)

func stdHMAC(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func TestGenerateAndParseMetadataRoundTrip(t *testing.T) {
	md, err := GenerateMetadata(3, []byte{0, 1}, []byte{5, 6, 7}, 8, 8)
	require.NoError(t, err)
	require.Equal(t, 10, md.MDSize) // round_up_even(4+2+3) = round_up_even(9) = 10

	buf := md.Encode()
	parsed, err := ParseMetadata(buf, 8, 8)
	require.NoError(t, err)
	require.Equal(t, byte(3), parsed.OwnerID)
	require.Equal(t, 2, parsed.NumRegions)
	require.Equal(t, 3, parsed.NumUsers)
	require.Equal(t, []byte{0, 1}, parsed.RIDs)
	require.Equal(t, []byte{5, 6, 7}, parsed.UIDs)
}

func TestGenerateMetadataRejectsOversizedTables(t *testing.T) {
	_, err := GenerateMetadata(0, make([]byte, 9), nil, 8, 8)
	require.Error(t, err, "expected error for num_regions > MAX_REGIONS")

	_, err = GenerateMetadata(0, nil, make([]byte, 9), 8, 8)
	require.Error(t, err, "expected error for num_users > MAX_USERS")
}

func TestParseMetadataRejectsInconsistentSize(t *testing.T) {
	buf := []byte{99, 0, 1, 1, 0, 0}
	_, err := ParseMetadata(buf, 8, 8)
	require.Error(t, err, "expected error for md_size inconsistent with region/user counts")
}

// buildContainer assembles a full song container: metadata, IV, whole-object
// HMAC, per-chunk HMAC table, and AES-CBC ciphertext, with IV chaining across
// chunks (chunk 0 uses the stored IV, chunk i>0 chains off the previous
// chunk's last ciphertext block). Tags are computed independently via the
// standard library so the test doesn't validate the package against itself.
func buildContainer(t *testing.T, md Metadata, aesKey, mdKey, chunkKey []byte, plaintext []byte, chunkSize int) (raw []byte, l Layout) {
	t.Helper()

	mdBuf := md.Encode()
	iv := make([]byte, cryptosvc.AESBlockSize)
	if _, err := rand.Read(iv); err != nil {
		t.Fatal(err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		t.Fatal(err)
	}

	var ciphertext []byte
	var chunks [][]byte
	curIV := iv
	for off := 0; off < len(plaintext); off += chunkSize {
		end := off + chunkSize
		if end > len(plaintext) {
			end = len(plaintext)
		}
		plain := plaintext[off:end]
		ct := make([]byte, len(plain))
		cipher.NewCBCEncrypter(block, curIV).CryptBlocks(ct, plain)
		chunks = append(chunks, ct)
		ciphertext = append(ciphertext, ct...)
		curIV = ct[len(ct)-cryptosvc.AESBlockSize:]
	}

	wavSize := uint32(len(mdBuf) + cryptosvc.AESBlockSize + cryptosvc.SignatureSize + len(ciphertext))
	layout, err := ComputeLayout(wavSize, len(mdBuf), chunkSize)
	if err != nil {
		t.Fatal(err)
	}

	raw = make([]byte, layout.CiphertextOffset+layout.CiphertextLen)
	copy(raw, mdBuf)
	copy(raw[layout.IVOffset:], iv)

	for i, ct := range chunks {
		off := layout.TableOffset + i*cryptosvc.SignatureSize
		copy(raw[off:], stdHMAC(chunkKey, ct))
	}
	copy(raw[layout.CiphertextOffset:], ciphertext)

	wholeSpan := append([]byte(nil), raw[:layout.MDSize+cryptosvc.AESBlockSize]...)
	wholeSpan = append(wholeSpan, ciphertext...)
	copy(raw[layout.WholeHMACOffset:], stdHMAC(mdKey, wholeSpan))

	return raw, layout
}

func TestComputeLayoutAndVerifyRoundTrip(t *testing.T) {
	md, err := GenerateMetadata(1, []byte{0}, []byte{1, 2}, 8, 8)
	require.NoError(t, err)

	aesKey := make([]byte, 32)
	mdKey := make([]byte, 32)
	chunkKey := make([]byte, 32)
	for i := range aesKey {
		aesKey[i] = byte(i)
		mdKey[i] = byte(i + 1)
		chunkKey[i] = byte(i + 2)
	}

	plaintext := make([]byte, 48) // already block-aligned; PKCS7 padding is playback's concern
	for i := range plaintext {
		plaintext[i] = byte(i)
	}

	raw, layout := buildContainer(t, md, aesKey, mdKey, chunkKey, plaintext, 16)
	require.Equal(t, 3, layout.NChunks, "expected 3 chunks for 48 bytes / 16")

	v := NewVerifier(mdKey, chunkKey)
	require.NoError(t, v.VerifyWholeObject(raw, layout))
	for i := 0; i < layout.NChunks; i++ {
		require.NoErrorf(t, v.VerifyChunk(raw, layout, i), "chunk %d verify failed", i)
	}

	iv, err := layout.IV(raw)
	require.NoError(t, err)
	require.Len(t, iv, cryptosvc.AESBlockSize)
}

func TestVerifyWholeObjectDetectsTamper(t *testing.T) {
	md, err := GenerateMetadata(1, nil, nil, 8, 8)
	require.NoError(t, err)
	aesKey := bytes.Repeat([]byte{0xAA}, 32)
	mdKey := bytes.Repeat([]byte{0xBB}, 32)
	chunkKey := bytes.Repeat([]byte{0xCC}, 32)

	raw, layout := buildContainer(t, md, aesKey, mdKey, chunkKey, make([]byte, 16), 16)
	raw[layout.CiphertextOffset] ^= 0x01

	v := NewVerifier(mdKey, chunkKey)
	err = v.VerifyWholeObject(raw, layout)
	require.Error(t, err)
	require.True(t, drmerrors.Is(err, drmerrors.HmacMismatch))
}

func TestVerifyChunkDetectsTableTamper(t *testing.T) {
	md, err := GenerateMetadata(1, nil, nil, 8, 8)
	require.NoError(t, err)
	aesKey := bytes.Repeat([]byte{0x11}, 32)
	mdKey := bytes.Repeat([]byte{0x22}, 32)
	chunkKey := bytes.Repeat([]byte{0x33}, 32)

	raw, layout := buildContainer(t, md, aesKey, mdKey, chunkKey, make([]byte, 32), 16)
	raw[layout.TableOffset] ^= 0x01

	v := NewVerifier(mdKey, chunkKey)
	err = v.VerifyChunk(raw, layout, 0)
	require.Error(t, err)
	require.True(t, drmerrors.Is(err, drmerrors.HmacMismatch))
}

func TestComputeLayoutRejectsUndersizedWavSize(t *testing.T) {
	_, err := ComputeLayout(4, 10, 16)
	require.Error(t, err, "expected error for wav_size smaller than header overhead")
}
