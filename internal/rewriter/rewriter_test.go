package rewriter

import (
	"bytes"
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/ectf-audio/drm-controller/internal/channel"
	drmerrors "github.com/ectf-audio/drm-controller/internal/errors"
	"github.com/ectf-audio/drm-controller/internal/secrets"
	"github.com/ectf-audio/drm-controller/internal/session"
	"github.com/ectf-audio/drm-controller/internal/song"
)

func testTable(t *testing.T) *secrets.Table {
	t.Helper()

	key := func(b byte) string {
		buf := make([]byte, 32)
		for i := range buf {
			buf[i] = b
		}
		return base64.StdEncoding.EncodeToString(buf)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.yaml")
	contents := `
aes_key: "` + key(1) + `"
hmac_md_key: "` + key(2) + `"
hmac_chunk_key: "` + key(3) + `"
users:
  - {id: 0, name: "alice", pin: "1234"}
  - {id: 1, name: "bob", pin: "5678"}
  - {id: 2, name: "carol", pin: "9999"}
provisioned_uids: [0, 1, 2]
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	tbl, err := secrets.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	return tbl
}

// buildRawSong lays out a minimal container: just the metadata block
// followed by a wav payload of payloadLen arbitrary bytes. Rewriter tests
// only exercise the metadata/payload boundary, not the crypto span.
func buildRawSong(md song.Metadata, payloadLen int) channel.Song {
	mdBuf := md.Encode()
	raw := make([]byte, len(mdBuf)+payloadLen)
	copy(raw, mdBuf)
	for i := 0; i < payloadLen; i++ {
		raw[len(mdBuf)+i] = byte(i)
	}
	return channel.Song{
		FileSize: uint32(len(raw)),
		WavSize:  uint32(len(mdBuf) + payloadLen),
		Raw:      raw,
	}
}

func loggedInAs(t *testing.T, table *secrets.Table, username, pin string) *session.Session {
	t.Helper()
	s := session.New(table, 0)
	if err := s.Login(context.Background(), username, pin); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestShareGrantsNewUserAndShiftsPayload(t *testing.T) {
	table := testTable(t)
	sess := loggedInAs(t, table, "alice", "1234")

	md, err := song.GenerateMetadata(0, []byte{0}, []byte{0}, 8, 8)
	if err != nil {
		t.Fatal(err)
	}
	sng := buildRawSong(md, 64)
	payload := append([]byte(nil), sng.Raw[md.MDSize:]...)

	newSng, err := Share(sess, table, md, sng, "bob", 8, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	newMD, err := song.ParseMetadata(newSng.Raw, 8, 8)
	if err != nil {
		t.Fatal(err)
	}
	if newMD.NumUsers != 2 {
		t.Fatalf("expected 2 users after share, got %d", newMD.NumUsers)
	}
	if !bytes.Contains(newMD.UIDs, []byte{1}) {
		t.Fatalf("expected bob's uid in the new user table, got %v", newMD.UIDs)
	}

	shift := newMD.MDSize - md.MDSize
	if newSng.FileSize != sng.FileSize+uint32(shift) || newSng.WavSize != sng.WavSize+uint32(shift) {
		t.Fatalf("expected file_size/wav_size to grow by %d, got file_size=%d wav_size=%d", shift, newSng.FileSize, newSng.WavSize)
	}
	if !bytes.Equal(newSng.Raw[newMD.MDSize:], payload) {
		t.Fatal("expected wav payload to survive the shift unchanged")
	}
}

func TestShareIsIdempotentForExistingUser(t *testing.T) {
	table := testTable(t)
	sess := loggedInAs(t, table, "alice", "1234")

	md, err := song.GenerateMetadata(0, nil, []byte{0, 1}, 8, 8)
	if err != nil {
		t.Fatal(err)
	}
	sng := buildRawSong(md, 32)

	newSng, err := Share(sess, table, md, sng, "bob", 8, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if newSng.WavSize != sng.WavSize || newSng.FileSize != sng.FileSize {
		t.Fatal("expected a no-op share to leave sizes unchanged")
	}
	if !bytes.Equal(newSng.Raw, sng.Raw) {
		t.Fatal("expected a no-op share to leave raw bytes unchanged")
	}
}

func TestShareFailsWhenNotLoggedIn(t *testing.T) {
	table := testTable(t)
	sess := session.New(table, 0)

	md, err := song.GenerateMetadata(0, nil, []byte{0}, 8, 8)
	if err != nil {
		t.Fatal(err)
	}
	sng := buildRawSong(md, 16)

	newSng, err := Share(sess, table, md, sng, "bob", 8, 8)
	if !drmerrors.Is(err, drmerrors.NotLoggedIn) {
		t.Fatalf("expected NotLoggedIn, got %v", err)
	}
	if newSng.WavSize != 0 {
		t.Fatalf("expected wav_size zeroed on denial, got %d", newSng.WavSize)
	}
	if newSng.FileSize != sng.FileSize {
		t.Fatal("expected file_size untouched on denial")
	}
}

func TestShareFailsWhenNotOwner(t *testing.T) {
	table := testTable(t)
	sess := loggedInAs(t, table, "bob", "5678")

	md, err := song.GenerateMetadata(0, nil, []byte{0}, 8, 8)
	if err != nil {
		t.Fatal(err)
	}
	sng := buildRawSong(md, 16)

	newSng, err := Share(sess, table, md, sng, "carol", 8, 8)
	if !drmerrors.Is(err, drmerrors.NotOwner) {
		t.Fatalf("expected NotOwner, got %v", err)
	}
	if newSng.WavSize != 0 {
		t.Fatal("expected wav_size zeroed on denial")
	}
}

func TestShareFailsForUnknownTarget(t *testing.T) {
	table := testTable(t)
	sess := loggedInAs(t, table, "alice", "1234")

	md, err := song.GenerateMetadata(0, nil, []byte{0}, 8, 8)
	if err != nil {
		t.Fatal(err)
	}
	sng := buildRawSong(md, 16)

	newSng, err := Share(sess, table, md, sng, "nobody", 8, 8)
	if !drmerrors.Is(err, drmerrors.UnknownUser) {
		t.Fatalf("expected UnknownUser, got %v", err)
	}
	if newSng.WavSize != 0 {
		t.Fatal("expected wav_size zeroed on denial")
	}
}

func TestShareFailsWhenUserTableFull(t *testing.T) {
	table := testTable(t)
	sess := loggedInAs(t, table, "alice", "1234")

	md, err := song.GenerateMetadata(0, nil, []byte{0, 1}, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	sng := buildRawSong(md, 16)

	newSng, err := Share(sess, table, md, sng, "carol", 2, 2)
	if !drmerrors.Is(err, drmerrors.UserTableFull) {
		t.Fatalf("expected UserTableFull, got %v", err)
	}
	if newSng.WavSize != 0 {
		t.Fatal("expected wav_size zeroed on denial")
	}
}

func TestDigitalOutStripsMetadata(t *testing.T) {
	md, err := song.GenerateMetadata(0, []byte{0, 1}, []byte{0}, 8, 8)
	if err != nil {
		t.Fatal(err)
	}
	sng := buildRawSong(md, 100)
	payload := append([]byte(nil), sng.Raw[md.MDSize:]...)

	out, err := DigitalOut(false, md, sng, 9999)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.WavSize != 100 || out.FileSize != 100 {
		t.Fatalf("expected bare payload of 100 bytes, got wav_size=%d file_size=%d", out.WavSize, out.FileSize)
	}
	if !bytes.Equal(out.Raw, payload) {
		t.Fatal("expected raw to contain exactly the wav payload")
	}
}

func TestDigitalOutTruncatesLockedSongToPreview(t *testing.T) {
	md, err := song.GenerateMetadata(0, nil, nil, 8, 8)
	if err != nil {
		t.Fatal(err)
	}
	sng := buildRawSong(md, 200)

	out, err := DigitalOut(true, md, sng, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// wav_size is truncated to the preview size first, then md_size is
	// stripped from it.
	want := uint32(50 - md.MDSize)
	if out.WavSize != want || out.FileSize != want {
		t.Fatalf("expected preview truncation to %d bytes, got wav_size=%d file_size=%d", want, out.WavSize, out.FileSize)
	}
}

func TestDigitalOutLeavesUnlockedSongUntouchedBeyondMetadataStrip(t *testing.T) {
	md, err := song.GenerateMetadata(0, nil, nil, 8, 8)
	if err != nil {
		t.Fatal(err)
	}
	sng := buildRawSong(md, 200)

	out, err := DigitalOut(false, md, sng, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.WavSize != 200 {
		t.Fatalf("expected unlocked song to play in full, got wav_size=%d", out.WavSize)
	}
}
