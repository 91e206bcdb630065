// Package dispatcher implements the controller's single-threaded command
// loop (spec.md §4.7): wait for the interrupt, read the posted command
// once, dispatch it to a handler, publish login status, and settle back
// to the resting STOPPED state.
package dispatcher

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ectf-audio/drm-controller/internal/authz"
	"github.com/ectf-audio/drm-controller/internal/channel"
	"github.com/ectf-audio/drm-controller/internal/hwsim"
	"github.com/ectf-audio/drm-controller/internal/metrics"
	"github.com/ectf-audio/drm-controller/internal/playback"
	"github.com/ectf-audio/drm-controller/internal/rewriter"
	"github.com/ectf-audio/drm-controller/internal/secrets"
	"github.com/ectf-audio/drm-controller/internal/session"
	"github.com/ectf-audio/drm-controller/internal/song"
)

var logger = logrus.WithField("component", "dispatcher")

// commandSettleDelay stands in for the original firmware's usleep(500)
// after every dispatched command, giving the host a window to observe
// the WORKING state before the controller returns to STOPPED.
const commandSettleDelay = 500 * time.Microsecond

// idlePollInterval is how often Run checks the interrupt line while idle.
// Real hardware blocks on the interrupt directly (spec.md §4.8's "idle
// wait for an interrupt" suspension point); this simulation polls instead
// to avoid pegging a CPU core.
const idlePollInterval = time.Millisecond

// Dispatcher is the controller's command loop, bound to one session, one
// secrets table, and one hardware controller for its whole lifetime.
type Dispatcher struct {
	sess  *session.Session
	table *secrets.Table
	hw    *hwsim.Controller

	chunkSize   int
	previewSize int
	maxRegions  int
	maxUsers    int

	md song.Metadata

	// instanceID distinguishes this controller's Run loop start/stop log
	// lines from any other Dispatcher running concurrently in the same
	// process (table tests spin up several), since nothing else in the log
	// line identifies the boot. Per-command handler log lines do not carry it.
	instanceID string
}

// InstanceID returns the dispatcher's per-boot identifier, attached to the
// log lines Run writes when the loop starts and stops.
func (d *Dispatcher) InstanceID() string { return d.instanceID }

// Config is the subset of playback tuning the dispatcher needs.
type Config struct {
	ChunkSize   int
	PreviewSize int
	MaxRegions  int
	MaxUsers    int
}

// New creates a Dispatcher bound to sess/table/hw, tuned by cfg.
func New(sess *session.Session, table *secrets.Table, hw *hwsim.Controller, cfg Config) *Dispatcher {
	return &Dispatcher{
		sess:        sess,
		table:       table,
		hw:          hw,
		chunkSize:   cfg.ChunkSize,
		previewSize: cfg.PreviewSize,
		maxRegions:  cfg.MaxRegions,
		maxUsers:    cfg.MaxUsers,
		instanceID:  uuid.NewString(),
	}
}

// Run drives the command loop until ctx is canceled. Rest state is
// STOPPED (LED red); when the interrupt flag is observed set, it's
// cleared, the LED goes to WORKING (yellow), the posted command is read
// once and dispatched, login status is republished, the loop settles for
// commandSettleDelay, and the LED returns to STOPPED.
func (d *Dispatcher) Run(ctx context.Context, ch *channel.Channel) error {
	runLog := logger.WithField("instance_id", d.instanceID)
	runLog.Info("dispatcher starting")
	d.hw.LED.Set(hwsim.Red)
	for {
		if err := ctx.Err(); err != nil {
			runLog.WithError(err).Info("dispatcher stopping")
			return err
		}
		if !d.hw.Interrupt.PollAndClear() {
			time.Sleep(idlePollInterval)
			continue
		}

		d.hw.LED.Set(hwsim.Yellow)
		cmd := ch.ReadCmd()

		start := time.Now()
		d.dispatch(ctx, ch, cmd)
		metrics.CommandDispatchDuration.WithLabelValues(cmd.String()).Observe(time.Since(start).Seconds())

		ch.PublishLoginStatus(d.sess.Username(), d.sess.LoggedIn())
		time.Sleep(commandSettleDelay)
		d.hw.LED.Set(hwsim.Red)
	}
}

// dispatch routes a single posted command to its handler. Unknown
// commands (including PAUSE/STOP/RESTART, which only have meaning to an
// in-flight playback.Pipeline) are ignored at this level, per spec.md
// §4.7.
func (d *Dispatcher) dispatch(ctx context.Context, ch *channel.Channel, cmd channel.Cmd) {
	switch cmd {
	case channel.CmdLogin:
		d.handleLogin(ctx, ch)
	case channel.CmdLogout:
		d.handleLogout(ch)
	case channel.CmdQueryPlayer:
		d.handleQueryPlayer(ch)
	case channel.CmdQuerySong:
		d.handleQuerySong(ch)
	case channel.CmdShare:
		d.handleShare(ch)
	case channel.CmdPlay:
		d.handlePlay(ctx, ch)
	case channel.CmdDigitalOut:
		d.handleDigitalOut(ch)
	default:
		logger.WithField("cmd", cmd.String()).Debug("ignoring unhandled command")
	}
}

func (d *Dispatcher) handleLogin(ctx context.Context, ch *channel.Channel) {
	username, pin := ch.TakeLoginAttempt()
	if err := d.sess.Login(ctx, username, pin); err != nil {
		logger.WithError(err).Debug("login command failed")
	}
}

func (d *Dispatcher) handleLogout(ch *channel.Channel) {
	d.sess.Logout()
	ch.ClearLoginStaging()
}

// handleQueryPlayer writes the player's own provisioned region/user
// tables into the query sub-channel (spec.md §4.6).
func (d *Dispatcher) handleQueryPlayer(ch *channel.Channel) {
	rids := d.table.ProvisionedRegionIDs()
	uids := d.table.ProvisionedUserIDs()

	regionNames := make([]string, len(rids))
	for i, rid := range rids {
		regionNames[i] = d.resolveRegionName(rid)
	}
	userNames := make([]string, len(uids))
	for i, uid := range uids {
		userNames[i] = d.resolveUserName(uid)
	}

	ch.WriteQuery(channel.Query{
		NumRegions:  uint32(len(rids)),
		NumUsers:    uint32(len(uids)),
		RegionNames: regionNames,
		UserNames:   userNames,
	})
}

// handleQuerySong loads the current song's metadata, then writes its
// owner, region names, and user names into the query sub-channel,
// resolving names against the full (not just provisioned) tables and
// falling back to the unknown-entry placeholders on a miss (spec.md
// §4.6).
func (d *Dispatcher) handleQuerySong(ch *channel.Channel) {
	if err := d.loadSongMetadata(ch); err != nil {
		logger.WithError(err).Warn("query_song: failed to load song metadata")
		return
	}

	regionNames := make([]string, len(d.md.RIDs))
	for i, rid := range d.md.RIDs {
		regionNames[i] = d.resolveRegionName(rid)
	}
	userNames := make([]string, len(d.md.UIDs))
	for i, uid := range d.md.UIDs {
		userNames[i] = d.resolveUserName(uid)
	}

	ch.WriteQuery(channel.Query{
		NumRegions:  uint32(d.md.NumRegions),
		NumUsers:    uint32(d.md.NumUsers),
		Owner:       d.resolveUserName(d.md.OwnerID),
		RegionNames: regionNames,
		UserNames:   userNames,
	})
}

func (d *Dispatcher) handleShare(ch *channel.Channel) {
	if err := d.loadSongMetadata(ch); err != nil {
		logger.WithError(err).Warn("share: failed to load song metadata")
		sng := ch.Song()
		ch.UpdateSong(channel.Song{FileSize: sng.FileSize, WavSize: 0, Raw: sng.Raw})
		return
	}

	target := ch.ShareTarget()
	newSng, err := rewriter.Share(d.sess, d.table, d.md, ch.Song(), target, d.maxRegions, d.maxUsers)
	if err != nil {
		logger.WithError(err).WithField("target", target).Warn("share denied")
	}
	ch.UpdateSong(newSng)

	if md, perr := song.ParseMetadata(newSng.Raw, d.maxRegions, d.maxUsers); perr == nil {
		d.md = md
	}
}

func (d *Dispatcher) handlePlay(ctx context.Context, ch *channel.Channel) {
	if err := d.loadSongMetadata(ch); err != nil {
		logger.WithError(err).Warn("play: failed to load song metadata")
		return
	}

	sng := ch.Song()
	layout, err := song.ComputeLayout(sng.WavSize, d.md.MDSize, d.chunkSize)
	if err != nil {
		logger.WithError(err).Warn("play: failed to compute song layout")
		return
	}

	locked := d.isLocked()
	verifier := song.NewVerifier(d.sess.HMACMDKey(), d.sess.HMACChunkKey())
	pipeline := playback.New(d.hw, verifier, d.sess.AESKey(), d.chunkSize)

	result, err := pipeline.Play(ctx, ch, sng.Raw, layout, locked, d.previewSize)
	if err != nil {
		logger.WithError(err).Warn("playback aborted")
	}
	logger.WithField("bytes_emitted", result.BytesEmitted).Info("playback finished")
}

func (d *Dispatcher) handleDigitalOut(ch *channel.Channel) {
	if err := d.loadSongMetadata(ch); err != nil {
		logger.WithError(err).Warn("digital_out: failed to load song metadata")
		return
	}

	out, err := rewriter.DigitalOut(d.isLocked(), d.md, ch.Song(), uint32(d.previewSize))
	if err != nil {
		logger.WithError(err).Warn("digital_out failed")
		return
	}
	ch.UpdateSong(out)
}

// isLocked evaluates spec.md §4.2's authorization rule against the
// currently loaded song metadata and this controller's own provisioned
// regions (the player's region table).
func (d *Dispatcher) isLocked() bool {
	return authz.IsLocked(
		authz.Session{LoggedIn: d.sess.LoggedIn(), UID: d.sess.UID()},
		authz.Snapshot{OwnerID: d.md.OwnerID, UIDs: d.md.UIDs, RIDs: d.md.RIDs},
		d.table.ProvisionedRegionIDs(),
	)
}

// loadSongMetadata parses the metadata block out of the currently staged
// song into the controller-owned snapshot (spec.md's load_song_md),
// bounding the copy by MAX_REGIONS/MAX_USERS.
func (d *Dispatcher) loadSongMetadata(ch *channel.Channel) error {
	md, err := song.ParseMetadata(ch.Song().Raw, d.maxRegions, d.maxUsers)
	if err != nil {
		return err
	}
	d.md = md
	return nil
}

func (d *Dispatcher) resolveRegionName(rid byte) string {
	if name, ok := d.table.RegionName(rid); ok {
		return name
	}
	return "<unknown region>"
}

func (d *Dispatcher) resolveUserName(uid byte) string {
	if name, ok := d.table.UserName(uid); ok {
		return name
	}
	return "<unknown user>"
}
