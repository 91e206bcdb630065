// Package rewriter implements the two in-place song metadata rewrites
// (spec.md §4.6): share(), which grants another provisioned user access
// to a song, and digital_out(), which strips DRM metadata (and, if
// locked, truncates to preview) for handoff to an unprotected output.
package rewriter

import (
	"github.com/sirupsen/logrus"

	"github.com/ectf-audio/drm-controller/internal/channel"
	drmerrors "github.com/ectf-audio/drm-controller/internal/errors"
	"github.com/ectf-audio/drm-controller/internal/metrics"
	"github.com/ectf-audio/drm-controller/internal/secrets"
	"github.com/ectf-audio/drm-controller/internal/session"
	"github.com/ectf-audio/drm-controller/internal/song"
)

var logger = logrus.WithField("component", "rewriter")

// Share grants targetUsername access to the song described by md/sng, if
// sess is logged in as md's owner, targetUsername resolves to a
// provisioned user, and the song's user table isn't already full.
//
// On any precondition failure, the returned Song has WavSize zeroed — the
// out-of-band error channel the host is expected to poll (spec.md §4.6,
// §7) — and the FileSize/Raw untouched. The error return is for local
// logging only; nothing about it reaches the (untrusted) host beyond the
// zeroed wav_size.
//
// If targetUsername is already among md's shared users, Share is a
// documented no-op success: no metadata rewrite, WavSize unchanged (see
// DESIGN.md's "Share idempotence" decision).
//
// Share does not recompute the whole-object HMAC: after a successful
// rewrite, the stored tag no longer matches the new metadata, so the
// rewritten song fails whole-object verification.
func Share(sess *session.Session, table *secrets.Table, md song.Metadata, sng channel.Song, targetUsername string, maxRegions, maxUsers int) (channel.Song, error) {
	if !sess.LoggedIn() {
		metrics.ShareOperationsTotal.WithLabelValues("not_logged_in").Inc()
		return denied(sng), drmerrors.New(drmerrors.NotLoggedIn, "share requires an active login")
	}
	if sess.UID() != md.OwnerID {
		metrics.ShareOperationsTotal.WithLabelValues("not_owner").Inc()
		return denied(sng), drmerrors.New(drmerrors.NotOwner, "only the song's owner may share it")
	}

	targetUID, ok := table.UserIDByName(targetUsername, true)
	if !ok {
		metrics.ShareOperationsTotal.WithLabelValues("unknown_user").Inc()
		return denied(sng), drmerrors.New(drmerrors.UnknownUser, "share target does not resolve to a provisioned user")
	}

	for _, uid := range md.UIDs {
		if uid == targetUID {
			logger.WithField("target", targetUsername).Info("share is a no-op: target already has access")
			metrics.ShareOperationsTotal.WithLabelValues("no_op").Inc()
			return sng, nil
		}
	}

	if md.NumUsers >= maxUsers {
		metrics.ShareOperationsTotal.WithLabelValues("table_full").Inc()
		return denied(sng), drmerrors.New(drmerrors.UserTableFull, "song's user table is full")
	}

	newUIDs := append(append([]byte(nil), md.UIDs...), targetUID)
	newMD, err := song.GenerateMetadata(md.OwnerID, md.RIDs, newUIDs, maxRegions, maxUsers)
	if err != nil {
		metrics.ShareOperationsTotal.WithLabelValues("malformed_metadata").Inc()
		return denied(sng), err
	}

	shift := newMD.MDSize - md.MDSize
	raw, err := shiftPayload(sng.Raw, md.MDSize, newMD, shift)
	if err != nil {
		metrics.ShareOperationsTotal.WithLabelValues("malformed_metadata").Inc()
		return denied(sng), err
	}

	logger.WithFields(logrus.Fields{"target": targetUsername, "uid": targetUID, "shift": shift}).Info("song shared")
	metrics.ShareOperationsTotal.WithLabelValues("success").Inc()
	return channel.Song{
		FileSize: sng.FileSize + uint32(shift),
		WavSize:  sng.WavSize + uint32(shift),
		Raw:      raw,
	}, nil
}

// denied returns sng with WavSize zeroed, leaving FileSize and Raw
// untouched, per spec.md §4.6's precondition-failure signal.
func denied(sng channel.Song) channel.Song {
	return channel.Song{FileSize: sng.FileSize, WavSize: 0, Raw: sng.Raw}
}

// shiftPayload grows raw by shift bytes (when regenerating metadata grows
// it) and moves the WAV payload up to sit after the new metadata block,
// using Go's overlap-safe copy (equivalent to memmove regardless of
// overlap direction) the same way the original firmware's memmove does.
func shiftPayload(raw []byte, oldMDSize int, newMD song.Metadata, shift int) ([]byte, error) {
	if len(raw) < oldMDSize {
		return nil, drmerrors.New(drmerrors.MalformedMetadata, "raw buffer shorter than declared metadata size")
	}
	payloadLen := len(raw) - oldMDSize

	grown := raw
	if shift > 0 {
		grown = append(raw, make([]byte, shift)...)
	}

	copy(grown[newMD.MDSize:newMD.MDSize+payloadLen], grown[oldMDSize:oldMDSize+payloadLen])
	copy(grown[:newMD.MDSize], newMD.Encode())
	return grown, nil
}

// DigitalOut strips the metadata block from sng so only the bare WAV
// payload remains, truncating to preview first if locked (spec.md
// §4.6). Unlike Share, it has no precondition-failure path.
func DigitalOut(isLocked bool, md song.Metadata, sng channel.Song, previewSize uint32) (channel.Song, error) {
	fileSize, wavSize := sng.FileSize, sng.WavSize
	if isLocked && wavSize > previewSize {
		fileSize -= wavSize - previewSize
		wavSize = previewSize
		logger.WithField("preview_bytes", previewSize).Info("digital_out truncating locked song to preview")
	}

	if wavSize < uint32(md.MDSize) || fileSize < uint32(md.MDSize) {
		return sng, drmerrors.New(drmerrors.MalformedMetadata, "wav_size/file_size smaller than metadata size")
	}

	newFileSize := fileSize - uint32(md.MDSize)
	newWavSize := wavSize - uint32(md.MDSize)

	if uint32(len(sng.Raw)) < uint32(md.MDSize)+newWavSize {
		return sng, drmerrors.New(drmerrors.MalformedMetadata, "raw buffer too short for declared payload")
	}

	raw := sng.Raw
	copy(raw[:newWavSize], raw[md.MDSize:uint32(md.MDSize)+newWavSize])
	raw = raw[:newWavSize]

	return channel.Song{FileSize: newFileSize, WavSize: newWavSize, Raw: raw}, nil
}
