// Package song decodes and lays out the on-disk song container described
// in spec.md §3: a fixed metadata header, an IV, a whole-object HMAC, a
// per-chunk HMAC table, and the AES-CBC ciphertext itself, all packed into
// one contiguous shared-memory buffer.
package song

import (
	"github.com/ectf-audio/drm-controller/internal/cryptosvc"
	drmerrors "github.com/ectf-audio/drm-controller/internal/errors"
)

// fixedHeaderSize is the byte length of the metadata header before the
// variable-length rid/uid lists: md_size, owner_id, num_regions, num_users.
const fixedHeaderSize = 4

// Metadata is the controller-owned song metadata snapshot (spec.md's
// "Song metadata snapshot"): valid from load until the next command
// overwrites it.
type Metadata struct {
	MDSize     int
	OwnerID    byte
	NumRegions int
	NumUsers   int
	RIDs       []byte
	UIDs       []byte
}

// roundUpEven rounds n up to the nearest even number.
func roundUpEven(n int) int {
	if n%2 != 0 {
		return n + 1
	}
	return n
}

// GenerateMetadata builds a fresh Metadata for owner with the given region
// and user ID lists, computing md_size per spec.md §8:
// md_size = round_up_even(4 + num_regions + num_users).
func GenerateMetadata(owner byte, rids, uids []byte, maxRegions, maxUsers int) (Metadata, error) {
	if len(rids) > maxRegions {
		return Metadata{}, drmerrors.New(drmerrors.MalformedMetadata, "num_regions exceeds MAX_REGIONS")
	}
	if len(uids) > maxUsers {
		return Metadata{}, drmerrors.New(drmerrors.MalformedMetadata, "num_users exceeds MAX_USERS")
	}
	return Metadata{
		MDSize:     roundUpEven(fixedHeaderSize + len(rids) + len(uids)),
		OwnerID:    owner,
		NumRegions: len(rids),
		NumUsers:   len(uids),
		RIDs:       append([]byte(nil), rids...),
		UIDs:       append([]byte(nil), uids...),
	}, nil
}

// Encode serializes md into its on-disk form: md_size | owner_id |
// num_regions | num_users | rids... | uids..., zero-padded to MDSize.
func (md Metadata) Encode() []byte {
	buf := make([]byte, md.MDSize)
	buf[0] = byte(md.MDSize)
	buf[1] = md.OwnerID
	buf[2] = byte(md.NumRegions)
	buf[3] = byte(md.NumUsers)
	copy(buf[fixedHeaderSize:], md.RIDs)
	copy(buf[fixedHeaderSize+md.NumRegions:], md.UIDs)
	return buf
}

// ParseMetadata decodes a metadata header from the front of buf, bounding
// the rid/uid copies by maxRegions/maxUsers and rejecting malformed sizes
// (spec.md: "load_song_md ... bounding copies by MAX_REGIONS/MAX_USERS and
// rejecting malformed sizes").
func ParseMetadata(buf []byte, maxRegions, maxUsers int) (Metadata, error) {
	if len(buf) < fixedHeaderSize {
		return Metadata{}, drmerrors.New(drmerrors.MalformedMetadata, "buffer too short for metadata header")
	}

	mdSize := int(buf[0])
	numRegions := int(buf[2])
	numUsers := int(buf[3])

	if numRegions > maxRegions || numUsers > maxUsers {
		return Metadata{}, drmerrors.New(drmerrors.MalformedMetadata, "num_regions/num_users exceeds table bound")
	}
	if mdSize != roundUpEven(fixedHeaderSize+numRegions+numUsers) {
		return Metadata{}, drmerrors.New(drmerrors.MalformedMetadata, "md_size inconsistent with num_regions/num_users")
	}
	if len(buf) < mdSize {
		return Metadata{}, drmerrors.New(drmerrors.MalformedMetadata, "buffer shorter than declared md_size")
	}

	rids := append([]byte(nil), buf[fixedHeaderSize:fixedHeaderSize+numRegions]...)
	uids := append([]byte(nil), buf[fixedHeaderSize+numRegions:fixedHeaderSize+numRegions+numUsers]...)

	return Metadata{
		MDSize:     mdSize,
		OwnerID:    buf[1],
		NumRegions: numRegions,
		NumUsers:   numUsers,
		RIDs:       rids,
		UIDs:       uids,
	}, nil
}

// Layout is the computed byte-offset map of one song container, derived
// from its metadata and the wav_size field the host reports.
//
// lenAudio is derived from wav_size exactly the way the reference firmware
// derives it — independent of the per-chunk HMAC table's size, which this
// implementation adds to the container. That keeps the circular dependency
// (table size needs nchunks; nchunks needs lenAudio) from ever forming:
// wav_size continues to mean "metadata + iv + whole-object HMAC + audio
// ciphertext", and FileSize folds the table size in on top of it, so both
// size fields still shift by the same amount on every metadata rewrite
// (spec.md §8's "file_size and wav_size both grow by exactly shift").
type Layout struct {
	MDSize            int
	IVOffset          int
	WholeHMACOffset   int
	TableOffset       int
	TableSize         int
	CiphertextOffset  int
	CiphertextLen     int
	NChunks           int
	ChunkSize         int
}

// ComputeLayout derives a Layout from a song's wav_size, its already-parsed
// metadata size, and the build-time CHUNK_SZ constant.
func ComputeLayout(wavSize uint32, mdSize int, chunkSize int) (Layout, error) {
	overhead := mdSize + cryptosvc.AESBlockSize + cryptosvc.SignatureSize
	if int(wavSize) < overhead {
		return Layout{}, drmerrors.New(drmerrors.MalformedMetadata, "wav_size too small to hold metadata, IV and whole-object HMAC")
	}

	lenAudio := int(wavSize) - overhead
	nchunks := 0
	if lenAudio > 0 {
		nchunks = (lenAudio + chunkSize - 1) / chunkSize
	}
	tableSize := nchunks * cryptosvc.SignatureSize

	return Layout{
		MDSize:           mdSize,
		IVOffset:         mdSize,
		WholeHMACOffset:  mdSize + cryptosvc.AESBlockSize,
		TableOffset:      mdSize + cryptosvc.AESBlockSize + cryptosvc.SignatureSize,
		TableSize:        tableSize,
		CiphertextOffset: mdSize + cryptosvc.AESBlockSize + cryptosvc.SignatureSize + tableSize,
		CiphertextLen:    lenAudio,
		NChunks:          nchunks,
		ChunkSize:        chunkSize,
	}, nil
}

// FileSize computes the expected file_size for a container of this layout:
// wav_size plus the per-chunk HMAC table that sits alongside it on disk but
// outside the wav_size accounting.
func (l Layout) FileSize(wavSize uint32) uint32 {
	return wavSize + uint32(l.TableSize)
}

// IV returns the stored initial IV for chunk 0.
func (l Layout) IV(raw []byte) ([]byte, error) {
	if len(raw) < l.IVOffset+cryptosvc.AESBlockSize {
		return nil, drmerrors.New(drmerrors.MalformedMetadata, "buffer too short for IV")
	}
	return raw[l.IVOffset : l.IVOffset+cryptosvc.AESBlockSize], nil
}

// WholeObjectTag returns the stored whole-object HMAC tag.
func (l Layout) WholeObjectTag(raw []byte) ([]byte, error) {
	if len(raw) < l.WholeHMACOffset+cryptosvc.SignatureSize {
		return nil, drmerrors.New(drmerrors.MalformedMetadata, "buffer too short for whole-object HMAC")
	}
	return raw[l.WholeHMACOffset : l.WholeHMACOffset+cryptosvc.SignatureSize], nil
}

// ChunkTag returns the stored tag for chunk i out of the per-chunk table.
func (l Layout) ChunkTag(raw []byte, i int) ([]byte, error) {
	if i < 0 || i >= l.NChunks {
		return nil, drmerrors.New(drmerrors.MalformedMetadata, "chunk index out of range")
	}
	off := l.TableOffset + i*cryptosvc.SignatureSize
	if len(raw) < off+cryptosvc.SignatureSize {
		return nil, drmerrors.New(drmerrors.MalformedMetadata, "buffer too short for chunk HMAC table")
	}
	return raw[off : off+cryptosvc.SignatureSize], nil
}

// Chunk returns the ciphertext span for chunk i (0-indexed), sized
// ChunkSize except possibly the last, which may be shorter.
func (l Layout) Chunk(raw []byte, i int) ([]byte, error) {
	if i < 0 || i >= l.NChunks {
		return nil, drmerrors.New(drmerrors.MalformedMetadata, "chunk index out of range")
	}
	start := l.CiphertextOffset + i*l.ChunkSize
	end := start + l.ChunkSize
	if i == l.NChunks-1 {
		end = l.CiphertextOffset + l.CiphertextLen
	}
	if len(raw) < end {
		return nil, drmerrors.New(drmerrors.MalformedMetadata, "buffer too short for declared chunk span")
	}
	return raw[start:end], nil
}

// Verifier checks the whole-object and per-chunk HMAC tags of a song
// container against the two keys provisioned for it (spec.md's resolution
// of the commented-out verifyHmac call sites: "verify the whole-object tag
// under the metadata-HMAC key over [md || iv || ciphertext], and verify
// each chunk's tag from a per-chunk HMAC table under the chunk-HMAC key").
type Verifier struct {
	mdKey    []byte
	chunkKey []byte
}

// NewVerifier builds a Verifier keyed with the metadata-HMAC and
// chunk-HMAC secrets.
func NewVerifier(mdKey, chunkKey []byte) *Verifier {
	return &Verifier{mdKey: mdKey, chunkKey: chunkKey}
}

// VerifyWholeObject checks the tag covering [metadata || iv || ciphertext].
// The per-chunk HMAC table is deliberately excluded from this span: it is
// itself protected chunk-by-chunk, and the original firmware's wav_size
// accounting (which this tag's coverage mirrors) never included it either.
func (v *Verifier) VerifyWholeObject(raw []byte, l Layout) error {
	tag, err := l.WholeObjectTag(raw)
	if err != nil {
		return err
	}
	if len(raw) < l.MDSize+cryptosvc.AESBlockSize {
		return drmerrors.New(drmerrors.MalformedMetadata, "buffer too short for metadata+IV span")
	}
	if len(raw) < l.CiphertextOffset+l.CiphertextLen {
		return drmerrors.New(drmerrors.MalformedMetadata, "buffer too short for declared ciphertext")
	}

	verifier := cryptosvc.NewHMACVerifier(v.mdKey)
	verifier.Write(raw[:l.MDSize+cryptosvc.AESBlockSize])
	verifier.Write(raw[l.CiphertextOffset : l.CiphertextOffset+l.CiphertextLen])
	return verifier.Verify(tag)
}

// VerifyChunk checks chunk i's ciphertext span against its table entry.
func (v *Verifier) VerifyChunk(raw []byte, l Layout, i int) error {
	tag, err := l.ChunkTag(raw, i)
	if err != nil {
		return err
	}
	chunk, err := l.Chunk(raw, i)
	if err != nil {
		return err
	}
	return cryptosvc.VerifyHMAC(v.chunkKey, chunk, tag)
}
