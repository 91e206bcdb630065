// Package hwsim models the hardware collaborators the controller is
// wired to but does not own the bring-up of (spec.md §1, §6 Non-goals):
// the AXI DMA engine, the hardware audio FIFO, the RGB LED, and the
// controller-level interrupt line. Production firmware talks to real
// registers; this package gives the rest of the module fakes with the
// same shape to drive and test against.
package hwsim

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"

	drmerrors "github.com/ectf-audio/drm-controller/internal/errors"
)

var logger = logrus.WithField("component", "hwsim")

// Color is one of the four LED states the firmware's set_stopped/
// set_working/set_playing/set_paused macros drive.
type Color int

const (
	Red Color = iota
	Yellow
	Green
	Blue
)

func (c Color) String() string {
	switch c {
	case Red:
		return "RED"
	case Yellow:
		return "YELLOW"
	case Green:
		return "GREEN"
	case Blue:
		return "BLUE"
	default:
		return "UNKNOWN"
	}
}

// LED is the RGB status indicator. STOPPED/WORKING/PLAYING/PAUSED map to
// RED/YELLOW/GREEN/BLUE respectively (spec.md §4.5).
type LED interface {
	Set(c Color)
}

// FakeLED just logs transitions and remembers the last color set, enough
// for tests to assert on and for a developer running the CLI to see state
// changes without real hardware.
type FakeLED struct {
	last atomic.Int32
}

// NewFakeLED creates a FakeLED initialized to Red (STOPPED).
func NewFakeLED() *FakeLED {
	l := &FakeLED{}
	l.last.Store(int32(Red))
	return l
}

func (l *FakeLED) Set(c Color) {
	l.last.Store(int32(c))
	logger.WithField("led", c.String()).Debug("led state changed")
}

// Last returns the most recently set color.
func (l *FakeLED) Last() Color {
	return Color(l.last.Load())
}

// FIFO is the bounded hardware audio FIFO the DMA engine drains into and
// playback pushes through, backed by github.com/smallnest/ringbuffer so
// the FIFO_CAP-32 watermark rule (spec.md §4.5) runs against a real
// bounded ring buffer instead of a hand-rolled counter.
type FIFO struct {
	rb       *ringbuffer.RingBuffer
	capacity int
}

// NewFIFO creates a FIFO with the given capacity in bytes (FIFO_CAP).
func NewFIFO(capacity int) *FIFO {
	return &FIFO{rb: ringbuffer.New(capacity), capacity: capacity}
}

// Push writes p into the FIFO, as much as currently fits; it never blocks.
// Callers are expected to check FillLevel against the FIFO_CAP-32
// watermark before calling, per spec.md's double-buffering rule.
func (f *FIFO) Push(p []byte) (int, error) {
	n, err := f.rb.Write(p)
	if err != nil && err != ringbuffer.ErrIsFull {
		return n, drmerrors.Wrap(drmerrors.DmaError, "fifo push failed", err)
	}
	return n, nil
}

// Drain consumes up to max bytes from the FIFO, simulating the audio
// output device pulling samples out. Returns the bytes actually drained.
func (f *FIFO) Drain(max int) []byte {
	buf := make([]byte, max)
	n, _ := f.rb.Read(buf)
	return buf[:n]
}

// FillLevel returns the number of bytes currently buffered.
func (f *FIFO) FillLevel() int {
	return f.rb.Length()
}

// Capacity returns FIFO_CAP.
func (f *FIFO) Capacity() int {
	return f.capacity
}

// Free returns the number of bytes of headroom currently available.
func (f *FIFO) Free() int {
	return f.rb.Free()
}

// codecDrainBurst and codecDrainInterval tune the simulated audio codec's
// consumption rate: small, frequent drains so the FIFO_CAP-32 watermark
// wait (spec.md §4.5) clears promptly without the codec ever outpacing a
// real DAC by an unrealistic margin.
const (
	codecDrainBurst    = 4096
	codecDrainInterval = time.Millisecond
)

// Codec models the external audio output device that drains the hardware
// FIFO on its own clock, standing in for the DAC/audio codec the real
// board's DMA engine feeds. Without something pulling bytes back out,
// FIFO.FillLevel never drops once the ring fills and pushChunk's
// watermark wait blocks forever (spec.md §5: "DMA waits are bounded by
// the FIFO draining" — that only holds if somebody is actually draining
// it).
type Codec struct {
	fifo *FIFO
}

// NewCodec creates a Codec that drains fifo.
func NewCodec(fifo *FIFO) *Codec {
	return &Codec{fifo: fifo}
}

// Run drains the FIFO in bursts until ctx is canceled. Intended to run in
// its own goroutine for the lifetime of the controller.
func (c *Codec) Run(ctx context.Context) {
	ticker := time.NewTicker(codecDrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.fifo.Drain(codecDrainBurst)
		}
	}
}

// DMAEngine is the AXI DMA engine abstraction: a busy bit and a
// TO_DEVICE channel that pushes bytes into the FIFO.
type DMAEngine interface {
	// Busy reports whether a previous transfer is still in flight.
	Busy() bool
	// PushToDevice starts (or simulates, synchronously) a transfer of p
	// into the FIFO-backed device channel.
	PushToDevice(ctx context.Context, p []byte) error
}

// FakeDMA simulates the AXI DMA engine: transfers complete synchronously
// against a FIFO, so Busy() is always false between calls. It exists so
// internal/playback can be exercised and tested without real hardware.
type FakeDMA struct {
	fifo *FIFO
}

// NewFakeDMA creates a FakeDMA that pushes into fifo.
func NewFakeDMA(fifo *FIFO) *FakeDMA {
	return &FakeDMA{fifo: fifo}
}

func (d *FakeDMA) Busy() bool {
	return false
}

func (d *FakeDMA) PushToDevice(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return drmerrors.Wrap(drmerrors.DmaError, "transfer canceled", err)
	}
	if _, err := d.fifo.Push(p); err != nil {
		return err
	}
	return nil
}

// InterruptLine models the controller-level interrupt: the ISR releases
// it, the dispatcher's poll loop acquires it. Go's atomic.Bool already
// gives sequentially consistent Store/Load, which is at least as strong
// as the release/acquire pairing spec.md §9 calls for replacing the
// original's bare volatile flag with.
type InterruptLine struct {
	flag atomic.Bool
}

// Raise sets the interrupt flag (ISR side).
func (l *InterruptLine) Raise() {
	l.flag.Store(true)
}

// PollAndClear reports whether the flag was set, clearing it atomically
// if so (the dispatcher's "the flag is cleared" step, spec.md §4.7).
func (l *InterruptLine) PollAndClear() bool {
	return l.flag.CompareAndSwap(true, false)
}

// Controller composes the hardware collaborators this implementation
// owns as plain struct fields rather than the original firmware's global
// mutable singletons (sAxiDma, InterruptController, c, s, led) — spec.md
// §9's "Global mutable singletons" redesign flag.
type Controller struct {
	DMA       DMAEngine
	FIFO      *FIFO
	LED       LED
	Interrupt *InterruptLine
	Codec     *Codec

	initialized bool
}

// NewController wires a Controller around a fresh FIFO/DMA/LED/interrupt
// set, sized to fifoCapacity (FIFO_CAP). The codec is constructed here but
// not started; Init starts it against the boot context.
func NewController(fifoCapacity int) *Controller {
	fifo := NewFIFO(fifoCapacity)
	return &Controller{
		DMA:       NewFakeDMA(fifo),
		FIFO:      fifo,
		LED:       NewFakeLED(),
		Interrupt: &InterruptLine{},
		Codec:     NewCodec(fifo),
	}
}

// Init runs the boot-time hardware/crypto bring-up gate, standing in for
// the original firmware's wolfCrypt_Init()/initCryptoKeys() sequence that
// runs before the main loop and halts the controller on failure (spec.md
// §7: "initialization failures are fatal"). It also starts the simulated
// audio codec's drain goroutine against ctx, so it runs for the
// controller's whole lifetime and stops when ctx is canceled at shutdown.
func (c *Controller) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return drmerrors.Wrap(drmerrors.InitFailed, "boot canceled before hardware init completed", err)
	}
	c.initialized = true
	c.LED.Set(Red)
	go c.Codec.Run(ctx)
	logger.Info("hardware/crypto bring-up complete")
	return nil
}

// Initialized reports whether Init has completed successfully.
func (c *Controller) Initialized() bool {
	return c.initialized
}
