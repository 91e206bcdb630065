package hwsim

import (
	"bytes"
	"context"
	"testing"
)

func TestFIFOPushAndDrain(t *testing.T) {
	f := NewFIFO(64)
	n, err := f.Push([]byte("hello"))
	if err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 bytes pushed, got %d", n)
	}
	if f.FillLevel() != 5 {
		t.Fatalf("expected fill level 5, got %d", f.FillLevel())
	}

	out := f.Drain(5)
	if !bytes.Equal(out, []byte("hello")) {
		t.Fatalf("expected drained bytes to match, got %q", out)
	}
	if f.FillLevel() != 0 {
		t.Fatalf("expected fifo empty after drain, got fill %d", f.FillLevel())
	}
}

func TestFIFORespectsCapacity(t *testing.T) {
	f := NewFIFO(8)
	n, _ := f.Push([]byte("0123456789"))
	if n > 8 {
		t.Fatalf("expected push to be bounded by capacity 8, wrote %d", n)
	}
	if f.FillLevel() > f.Capacity() {
		t.Fatalf("fill level %d exceeds capacity %d", f.FillLevel(), f.Capacity())
	}
}

func TestFakeDMAPushesIntoFIFO(t *testing.T) {
	fifo := NewFIFO(32)
	dma := NewFakeDMA(fifo)

	if dma.Busy() {
		t.Fatal("expected fake DMA to never report busy between calls")
	}
	if err := dma.PushToDevice(context.Background(), []byte("chunk")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fifo.FillLevel() != 5 {
		t.Fatalf("expected fifo to have received 5 bytes, got %d", fifo.FillLevel())
	}
}

func TestFakeDMARejectsCanceledContext(t *testing.T) {
	fifo := NewFIFO(32)
	dma := NewFakeDMA(fifo)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := dma.PushToDevice(ctx, []byte("x")); err == nil {
		t.Fatal("expected error for already-canceled context")
	}
}

func TestInterruptLinePollAndClear(t *testing.T) {
	var line InterruptLine
	if line.PollAndClear() {
		t.Fatal("expected no interrupt pending initially")
	}
	line.Raise()
	if !line.PollAndClear() {
		t.Fatal("expected interrupt to be observed after Raise")
	}
	if line.PollAndClear() {
		t.Fatal("expected interrupt flag to be cleared by the first PollAndClear")
	}
}

func TestFakeLEDTracksLastColor(t *testing.T) {
	led := NewFakeLED()
	if led.Last() != Red {
		t.Fatalf("expected initial color Red, got %v", led.Last())
	}
	led.Set(Green)
	if led.Last() != Green {
		t.Fatalf("expected Green after Set, got %v", led.Last())
	}
}

func TestControllerInit(t *testing.T) {
	c := NewController(1024)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel() // stop the codec's drain goroutine once the test ends

	if c.Initialized() {
		t.Fatal("expected controller to start uninitialized")
	}
	if err := c.Init(ctx); err != nil {
		t.Fatalf("unexpected init error: %v", err)
	}
	if !c.Initialized() {
		t.Fatal("expected controller to be initialized after Init")
	}
	if led, ok := c.LED.(*FakeLED); ok && led.Last() != Red {
		t.Fatalf("expected LED to be Red (STOPPED) after init, got %v", led.Last())
	}
}

func TestControllerInitFailsOnCanceledContext(t *testing.T) {
	c := NewController(1024)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Init(ctx); err == nil {
		t.Fatal("expected init to fail on an already-canceled context")
	}
	if c.Initialized() {
		t.Fatal("expected controller to remain uninitialized after a failed init")
	}
}
