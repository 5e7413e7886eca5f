package capture_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/zhouzirui/speakup/backend/internal/service/capture"
	"github.com/zhouzirui/speakup/backend/internal/service/capture/capturetest"
)

func TestParseMode(t *testing.T) {
	cases := map[string]capture.Mode{
		"":           capture.ModeContinuous,
		"continuous": capture.ModeContinuous,
		"Discrete":   capture.ModeDiscrete,
	}
	for in, want := range cases {
		got, err := capture.ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := capture.ParseMode("push-to-talk"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestStartCaptureFailsFastWhileOpen(t *testing.T) {
	device := capturetest.NewDevice()
	adapter := capture.NewAdapter(device, capture.Options{})
	ctx := context.Background()

	h, err := adapter.StartCapture(ctx, capture.ModeDiscrete)
	if err != nil {
		t.Fatalf("StartCapture err: %v", err)
	}

	if _, err := adapter.StartCapture(ctx, capture.ModeDiscrete); !errors.Is(err, capture.ErrAlreadyCapturing) {
		t.Fatalf("expected ErrAlreadyCapturing, got %v", err)
	}
	if device.OpenCount() != 1 {
		t.Fatalf("expected device opened once, got %d", device.OpenCount())
	}

	adapter.CancelCapture(h)
	if adapter.Active() {
		t.Fatal("expected adapter to be released after cancel")
	}
	if _, err := adapter.StartCapture(ctx, capture.ModeDiscrete); err != nil {
		t.Fatalf("StartCapture after cancel err: %v", err)
	}
}

func TestDeviceOpenedLazily(t *testing.T) {
	device := capturetest.NewDevice()
	capture.NewAdapter(device, capture.Options{})
	if device.OpenCount() != 0 {
		t.Fatal("device must not be opened before the first capture")
	}
}

func TestStartCaptureUnavailable(t *testing.T) {
	device := capturetest.NewDevice()
	device.SetOpenError(fmt.Errorf("permission denied: %w", capture.ErrCaptureUnavailable))
	adapter := capture.NewAdapter(device, capture.Options{})

	_, err := adapter.StartCapture(context.Background(), capture.ModeContinuous)
	if !errors.Is(err, capture.ErrCaptureUnavailable) {
		t.Fatalf("expected ErrCaptureUnavailable, got %v", err)
	}
	if adapter.Active() {
		t.Fatal("failed open must not hold the device")
	}
}

func TestStopCaptureDiscreteReturnsAudioAndReleases(t *testing.T) {
	device := capturetest.NewDevice()
	adapter := capture.NewAdapter(device, capture.Options{})
	ctx := context.Background()

	h, err := adapter.StartCapture(ctx, capture.ModeDiscrete)
	if err != nil {
		t.Fatalf("StartCapture err: %v", err)
	}
	stream := <-device.Opened()
	stream.SetResult(capture.Result{Audio: []byte("webm"), Format: "webm"}, nil)

	res, err := adapter.StopCapture(ctx, h)
	if err != nil {
		t.Fatalf("StopCapture err: %v", err)
	}
	if string(res.Audio) != "webm" || res.Format != "webm" {
		t.Fatalf("unexpected result %+v", res)
	}
	if !stream.Released() || adapter.Active() {
		t.Fatal("expected device released after stop")
	}

	select {
	case <-h.Done():
	default:
		t.Fatal("expected handle done after stop")
	}

	if _, err := adapter.StopCapture(ctx, h); !errors.Is(err, capture.ErrInactiveHandle) {
		t.Fatalf("expected ErrInactiveHandle on second stop, got %v", err)
	}
}

func TestStopCaptureReleasesOnFinishError(t *testing.T) {
	device := capturetest.NewDevice()
	adapter := capture.NewAdapter(device, capture.Options{})
	ctx := context.Background()

	h, _ := adapter.StartCapture(ctx, capture.ModeDiscrete)
	stream := <-device.Opened()
	stream.SetResult(capture.Result{}, errors.New("encoder crashed"))

	if _, err := adapter.StopCapture(ctx, h); err == nil {
		t.Fatal("expected finish error")
	}
	if adapter.Active() {
		t.Fatal("expected device released after failed stop")
	}
}

func TestContinuousSilenceEndsCapture(t *testing.T) {
	device := capturetest.NewDevice()
	adapter := capture.NewAdapter(device, capture.Options{SilenceTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	h, err := adapter.StartCapture(ctx, capture.ModeContinuous)
	if err != nil {
		t.Fatalf("StartCapture err: %v", err)
	}
	stream := <-device.Opened()

	stream.Emit("I would")
	stream.Emit("I would like a coffee")

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("expected silence gate to end the capture")
	}

	res, err := adapter.StopCapture(ctx, h)
	if err != nil {
		t.Fatalf("StopCapture err: %v", err)
	}
	if res.Text != "I would like a coffee" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if h.Err() != nil {
		t.Fatalf("silence must not be an error, got %v", h.Err())
	}
}

func TestContinuousNoTimerWithoutSpeech(t *testing.T) {
	device := capturetest.NewDevice()
	adapter := capture.NewAdapter(device, capture.Options{SilenceTimeout: 10 * time.Millisecond})

	h, _ := adapter.StartCapture(context.Background(), capture.ModeContinuous)
	stream := <-device.Opened()
	stream.Emit("   ")

	select {
	case <-h.Done():
		t.Fatal("silence gate must not start before any speech")
	case <-time.After(60 * time.Millisecond):
	}
	adapter.CancelCapture(h)
}

func TestContinuousPartialsAndFinal(t *testing.T) {
	device := capturetest.NewDevice()
	adapter := capture.NewAdapter(device, capture.Options{SilenceTimeout: time.Hour})

	h, _ := adapter.StartCapture(context.Background(), capture.ModeContinuous)
	stream := <-device.Opened()

	stream.Emit("hel")
	select {
	case got := <-h.Partials():
		if got != "hel" {
			t.Fatalf("unexpected partial %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected partial")
	}

	stream.EmitFinal("hello there")
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("expected final result to end capture")
	}

	res, err := adapter.StopCapture(context.Background(), h)
	if err != nil {
		t.Fatalf("StopCapture err: %v", err)
	}
	if res.Text != "hello there" {
		t.Fatalf("unexpected text %q", res.Text)
	}
}

func TestDeviceErrorEndsCapture(t *testing.T) {
	device := capturetest.NewDevice()
	adapter := capture.NewAdapter(device, capture.Options{})

	h, _ := adapter.StartCapture(context.Background(), capture.ModeContinuous)
	stream := <-device.Opened()
	stream.Fail(capture.ErrCaptureUnavailable)

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("expected device error to end capture")
	}
	if !errors.Is(h.Err(), capture.ErrCaptureUnavailable) {
		t.Fatalf("expected handle error, got %v", h.Err())
	}

	adapter.CancelCapture(h)
	if !stream.Aborted() {
		t.Fatal("expected stream aborted")
	}
}

func TestStartCaptureHonorsCancelledContext(t *testing.T) {
	device := capturetest.NewDevice()
	adapter := capture.NewAdapter(device, capture.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := adapter.StartCapture(ctx, capture.ModeDiscrete); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if adapter.Active() {
		t.Fatal("expected device released")
	}
	if streams := device.Streams(); len(streams) != 1 || !streams[0].Aborted() {
		t.Fatal("expected opened stream to be aborted")
	}
}
