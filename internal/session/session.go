// Package session holds the controller's single login slot and the
// constant-time, fixed-delay login check (spec.md §4.1).
package session

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/sirupsen/logrus"

	drmerrors "github.com/ectf-audio/drm-controller/internal/errors"
	"github.com/ectf-audio/drm-controller/internal/metrics"
	"github.com/ectf-audio/drm-controller/internal/secrets"
)

var logger = logrus.WithField("component", "session")

// Session is the controller's single login slot, created at boot and
// mutated only by Login/Logout. It is not safe for concurrent use — the
// dispatcher's single-threaded command loop is its only caller.
//
// spec.md §3 describes the session as holding "three decoded key buffers"
// alongside its login state. This implementation copies those three keys
// out of the secrets table rather than aliasing the table's slices
// directly, so the session owns buffers it can zero independently of the
// long-lived secrets table (internal/secrets.Load decodes once at boot and
// never mutates afterward) — but the copies are the same bytes the table
// decoded, unmodified, since the controller must verify and decrypt songs
// against the keys the provisioning tool actually baked in.
type Session struct {
	loggedIn bool
	uid      byte
	username string

	aesKey       []byte
	hmacMDKey    []byte
	hmacChunkKey []byte

	table         *secrets.Table
	penaltyPeriod time.Duration
}

// New creates a logged-out session backed by table, with the fixed login
// failure penalty set to penalty (spec.md requires it be >= 5s). The three
// key buffers are copied immediately so the session is fully initialized
// at boot, before the first login, and owns buffers independent of table.
func New(table *secrets.Table, penalty time.Duration) *Session {
	return &Session{
		table:         table,
		penaltyPeriod: penalty,
		aesKey:        copyKey(table.AESKey),
		hmacMDKey:     copyKey(table.HMACMDKey),
		hmacChunkKey:  copyKey(table.HMACChunkKey),
	}
}

// copyKey returns an independent copy of a provisioned key buffer, so the
// session's copy can be zeroed on shutdown without touching the long-lived
// secrets table.
func copyKey(key []byte) []byte {
	return append([]byte(nil), key...)
}

// AESKey returns the session's copy of the AES key for chunk decryption.
func (s *Session) AESKey() []byte { return s.aesKey }

// HMACMDKey returns the session's copy of the metadata-HMAC key.
func (s *Session) HMACMDKey() []byte { return s.hmacMDKey }

// HMACChunkKey returns the session's copy of the chunk-HMAC key.
func (s *Session) HMACChunkKey() []byte { return s.hmacChunkKey }

// Zero wipes the session's key buffers. Call on controller
// shutdown; a zeroed session must not be used afterward.
func (s *Session) Zero() {
	for _, buf := range [][]byte{s.aesKey, s.hmacMDKey, s.hmacChunkKey} {
		for i := range buf {
			buf[i] = 0
		}
	}
}

// LoggedIn reports whether a user is currently logged in.
func (s *Session) LoggedIn() bool {
	return s.loggedIn
}

// UID returns the logged-in user's uid. Only valid when LoggedIn() is true.
func (s *Session) UID() byte {
	return s.uid
}

// Username returns the logged-in user's username, or "" when logged out.
func (s *Session) Username() string {
	return s.username
}

// Login attempts to authenticate attemptUsername/attemptPIN.
//
// Fails immediately (no state change, no delay) if already logged in.
// Otherwise it always runs the fixed penalty delay on a failure path —
// including an unrecognized username — so no observable timing
// distinguishes "unknown user" from "known user, wrong PIN" (spec.md
// §4.1, §9 "Login timing side-channel"). The PIN comparison itself is
// constant-time via crypto/subtle, so it doesn't leak the position of
// the first mismatched byte either.
func (s *Session) Login(ctx context.Context, attemptUsername, attemptPIN string) error {
	if s.loggedIn {
		metrics.LoginAttemptsTotal.WithLabelValues("already_logged_in").Inc()
		return drmerrors.New(drmerrors.AlreadyLoggedIn, "a user is already logged in")
	}

	user, found := s.table.FindProvisionedUserByName(attemptUsername)
	match := found && constantTimeEqual(user.PIN, attemptPIN)

	if !match {
		s.penalize(ctx)
		if !found {
			logger.WithField("username", attemptUsername).Warn("login failed: unknown user")
			metrics.LoginAttemptsTotal.WithLabelValues("unknown_user").Inc()
			return drmerrors.New(drmerrors.UnknownUser, "unknown username")
		}
		logger.WithField("username", attemptUsername).Warn("login failed: bad PIN")
		metrics.LoginAttemptsTotal.WithLabelValues("bad_pin").Inc()
		return drmerrors.New(drmerrors.BadPin, "incorrect PIN")
	}

	s.loggedIn = true
	s.uid = user.ID
	s.username = user.Name
	logger.WithFields(logrus.Fields{"username": s.username, "uid": s.uid}).Info("login succeeded")
	metrics.LoginAttemptsTotal.WithLabelValues("success").Inc()
	return nil
}

// Logout clears the session. Idempotent: logging out while already logged
// out is a no-op success.
func (s *Session) Logout() {
	s.loggedIn = false
	s.uid = 0
	s.username = ""
}

// penalize sleeps for the fixed login failure penalty, honoring
// cancellation only in the sense that a canceled context still returns
// (the controller is shutting down); a live context just blocks for the
// full interval, since spec.md §4.8 states the penalty is not cancellable
// in the normal course of operation.
func (s *Session) penalize(ctx context.Context) {
	timer := time.NewTimer(s.penaltyPeriod)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// constantTimeEqual compares two PINs without leaking the length or
// position of a mismatch through branch timing. Differing lengths are
// padded to the same comparison width before subtle.ConstantTimeCompare
// so the comparison cost never depends on the stored PIN's length either.
func constantTimeEqual(a, b string) bool {
	width := len(a)
	if len(b) > width {
		width = len(b)
	}
	ab := make([]byte, width)
	bb := make([]byte, width)
	copy(ab, a)
	copy(bb, b)
	return subtle.ConstantTimeCompare(ab, bb) == 1 && len(a) == len(b)
}
