// Package playback implements the streaming decryption pipeline
// (spec.md §4.5): walk a song's chunks in order, verify and decrypt each
// into a scratch buffer, and push the plaintext through the double-
// buffered DMA handoff into the hardware FIFO, honoring pause/stop/
// restart preemption at each loop iteration.
package playback

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/ectf-audio/drm-controller/internal/channel"
	"github.com/ectf-audio/drm-controller/internal/cryptosvc"
	drmerrors "github.com/ectf-audio/drm-controller/internal/errors"
	"github.com/ectf-audio/drm-controller/internal/hwsim"
	"github.com/ectf-audio/drm-controller/internal/metrics"
	"github.com/ectf-audio/drm-controller/internal/song"
)

var logger = logrus.WithField("component", "playback")

// dmaWatermark is the FIFO_CAP-32 headroom threshold spec.md §4.5 requires
// before starting the next DMA burst.
const dmaWatermark = 32

// State is the playback sub-state the pipeline itself tracks; STOPPED and
// the transient WORKING state belong to the dispatcher's state machine
// (spec.md §4.7), not this package.
type State int

const (
	Stopped State = iota
	Playing
	Paused
)

// Result reports how a Play call ended.
type Result struct {
	BytesEmitted int
	FinalState   State
}

// Pipeline drives one playback session against a shared Controller
// (DMA/FIFO/LED/interrupt) and a song Verifier keyed for this song.
type Pipeline struct {
	hw        *hwsim.Controller
	verifier  *song.Verifier
	aesKey    []byte
	chunkSize int
}

// New creates a Pipeline bound to hw, verifying with verifier and
// decrypting with aesKey, chunking at chunkSize (CHUNK_SZ).
func New(hw *hwsim.Controller, verifier *song.Verifier, aesKey []byte, chunkSize int) *Pipeline {
	return &Pipeline{hw: hw, verifier: verifier, aesKey: aesKey, chunkSize: chunkSize}
}

// Play streams raw's audio chunks per layout, honoring the locked/preview
// truncation rule (spec.md §4.5 "Preview policy") and command preemption
// via ch. It returns once playback reaches the end of its playable range,
// is stopped, or a cryptographic verification/decryption failure aborts
// it (spec.md §7's "HMAC gatekeeping": zero further bytes on any failure).
//
// Per-chunk HMAC tags cover a chunk's full on-disk span regardless of the
// locked preview cutoff — the cutoff only trims how much of the final
// played chunk's plaintext reaches the FIFO, never what gets verified and
// decrypted. This differs from the original firmware's literal mid-chunk
// truncation of the HMAC/decrypt call itself, which only worked because
// verifyHmac's tag argument was never actually wired up there; once a
// real per-chunk tag table exists, verifying a truncated span against a
// tag computed over the whole chunk would reject every preview unless
// PREVIEW_SZ happened to be chunk-aligned.
func (p *Pipeline) Play(ctx context.Context, ch *channel.Channel, raw []byte, layout song.Layout, isPreviewLocked bool, previewSize int) (Result, error) {
	if err := p.verifier.VerifyWholeObject(raw, layout); err != nil {
		logger.WithError(err).Warn("whole-object verification failed; aborting playback")
		metrics.HMACVerificationFailuresTotal.WithLabelValues("whole_object").Inc()
		return Result{FinalState: Stopped}, err
	}

	playLen := layout.CiphertextLen
	lockedLabel := "false"
	if isPreviewLocked && playLen > previewSize {
		playLen = previewSize
		lockedLabel = "true"
		logger.WithField("preview_bytes", previewSize).Info("song locked; playing preview only")
	}

	state := Playing
	p.hw.LED.Set(hwsim.Green)

	emitted := 0
	chunkIndex := 0
	firstChunk := true
	var prevCipher []byte

	for emitted < playLen && chunkIndex < layout.NChunks {
		if err := ctx.Err(); err != nil {
			return Result{BytesEmitted: emitted, FinalState: Stopped}, err
		}

		if p.hw.Interrupt.PollAndClear() {
			var stop bool
			state, stop, emitted, chunkIndex, firstChunk = p.handlePreemption(ctx, ch, state, playLen, emitted, chunkIndex, firstChunk)
			if stop {
				return Result{BytesEmitted: emitted, FinalState: Stopped}, nil
			}
		}
		ciphertext, err := layout.Chunk(raw, chunkIndex)
		if err != nil {
			return Result{BytesEmitted: emitted, FinalState: Stopped}, err
		}

		var iv []byte
		if firstChunk {
			iv, err = layout.IV(raw)
			firstChunk = false
		} else {
			iv = prevCipher[len(prevCipher)-cryptosvc.AESBlockSize:]
		}
		if err != nil {
			return Result{BytesEmitted: emitted, FinalState: Stopped}, err
		}

		if err := p.verifier.VerifyChunk(raw, layout, chunkIndex); err != nil {
			logger.WithError(err).WithField("chunk", chunkIndex).Warn("chunk verification failed; aborting playback")
			metrics.HMACVerificationFailuresTotal.WithLabelValues("chunk").Inc()
			return Result{BytesEmitted: emitted, FinalState: Stopped}, err
		}

		plain := make([]byte, len(ciphertext))
		if err := cryptosvc.DecryptChunkCBC(ciphertext, iv, p.aesKey, plain); err != nil {
			logger.WithError(err).WithField("chunk", chunkIndex).Warn("chunk decryption failed; aborting playback")
			return Result{BytesEmitted: emitted, FinalState: Stopped}, err
		}
		prevCipher = ciphertext

		if chunkIndex == layout.NChunks-1 {
			unpadded, err := cryptosvc.UnpadPKCS7(plain)
			if err != nil {
				logger.WithError(err).Warn("terminal chunk padding invalid; aborting playback")
				return Result{BytesEmitted: emitted, FinalState: Stopped}, err
			}
			plain = unpadded
		}

		remaining := playLen - emitted
		if remaining < len(plain) {
			plain = plain[:remaining]
		}

		if err := p.pushChunk(ctx, plain); err != nil {
			return Result{BytesEmitted: emitted, FinalState: Stopped}, err
		}
		emitted += len(plain)
		chunkIndex++
	}

	metrics.PlaybackBytesEmittedTotal.WithLabelValues(lockedLabel).Add(float64(emitted))
	return Result{BytesEmitted: emitted, FinalState: Stopped}, nil
}

// handlePreemption applies one posted command against the playback state
// machine (spec.md §4.5's "Command preemption during playback"). It
// blocks on repeated interrupts while paused, the same busy-wait the
// original firmware does while PAUSED.
func (p *Pipeline) handlePreemption(ctx context.Context, ch *channel.Channel, state State, playLen, emitted, chunkIndex int, firstChunk bool) (newState State, stop bool, newEmitted, newChunkIndex int, newFirstChunk bool) {
	newEmitted, newChunkIndex, newFirstChunk = emitted, chunkIndex, firstChunk
	newState = state

	for {
		cmd := ch.ReadCmd()
		switch cmd {
		case channel.CmdPause:
			newState = Paused
			p.hw.LED.Set(hwsim.Blue)
		case channel.CmdPlay:
			newState = Playing
			p.hw.LED.Set(hwsim.Green)
			return newState, false, newEmitted, newChunkIndex, newFirstChunk
		case channel.CmdStop:
			return Stopped, true, newEmitted, newChunkIndex, newFirstChunk
		case channel.CmdRestart:
			newState = Playing
			newEmitted = 0
			newChunkIndex = 0
			newFirstChunk = true
			p.hw.LED.Set(hwsim.Green)
			return newState, false, newEmitted, newChunkIndex, newFirstChunk
		default:
			return newState, false, newEmitted, newChunkIndex, newFirstChunk
		}

		if newState != Paused {
			return newState, false, newEmitted, newChunkIndex, newFirstChunk
		}
		// PAUSED: busy-wait for the next interrupt, same as the original.
		for !p.hw.Interrupt.PollAndClear() {
			if err := ctx.Err(); err != nil {
				return Stopped, true, newEmitted, newChunkIndex, newFirstChunk
			}
		}
	}
}

// pushChunk drives one decrypted chunk through the double-buffered DMA
// handoff, waiting for (a) the DMA engine to be idle and (b) the FIFO
// fill level to clear the FIFO_CAP-32 watermark before each burst, and
// looping until the whole chunk has been pushed (spec.md §4.5).
func (p *Pipeline) pushChunk(ctx context.Context, plain []byte) error {
	for len(plain) > 0 {
		if err := ctx.Err(); err != nil {
			return drmerrors.Wrap(drmerrors.DmaError, "playback canceled mid-chunk", err)
		}
		if p.hw.DMA.Busy() || p.hw.FIFO.FillLevel() >= p.hw.FIFO.Capacity()-dmaWatermark {
			continue
		}

		burst := p.hw.FIFO.Free()
		if burst > len(plain) {
			burst = len(plain)
		}
		if burst == 0 {
			continue
		}
		if err := p.hw.DMA.PushToDevice(ctx, plain[:burst]); err != nil {
			return err
		}
		plain = plain[burst:]
	}
	return nil
}
