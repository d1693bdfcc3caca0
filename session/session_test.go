package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"
	"golang.org/x/sync/errgroup"

	"go.spwlink.dev/starapi/logging"
	"go.spwlink.dev/starapi/star"
	"go.spwlink.dev/starapi/star/fake"
)

var starUSB = fake.DeviceConfig{
	Name:         "STAR-USB-1",
	SerialNumber: "SN-0042",
	Channels:     2,
	Links:        map[uint8]uint8{1: 2, 2: 1},
}

func newTestSession(t *testing.T, lib *fake.Library, cfg Config) *Session {
	t.Helper()
	sess, err := NewWithLibrary(lib, cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return sess
}

// assertNoLeaks checks every transfer operation the session created was disposed once.
func assertNoLeaks(t *testing.T, lib *fake.Library) {
	t.Helper()
	stats := lib.Stats()
	test.That(t, stats.Outstanding(), test.ShouldEqual, int64(0))
	test.That(t, stats.DoubleDisposed, test.ShouldEqual, int64(0))
	test.That(t, lib.LivePackets(), test.ShouldEqual, 0)
}

func TestNewWithLibrary(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	lib := fake.NewLibrary([]fake.DeviceConfig{starUSB})
	sess1, err := NewWithLibrary(lib, Config{}, logger)
	test.That(t, err, test.ShouldBeNil)
	sess2, err := NewWithLibrary(fake.NewLibrary(nil), Config{}, logger)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, sess1.ID(), test.ShouldNotEqual, uuid.Nil)
	test.That(t, sess1.ID(), test.ShouldNotEqual, sess2.ID())
	test.That(t, sess1.Version(), test.ShouldResemble, fake.DefaultVersion)
	test.That(t, sess1.OpenChannels(), test.ShouldBeEmpty)
	test.That(t, logs.FilterMessage("using STAR-API (fake) Version: 5.2").Len(), test.ShouldEqual, 2)

	_, err = NewWithLibrary(lib, Config{TransferTimeoutMs: -1}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, IsConfigurationError(err), test.ShouldBeTrue)
}

func TestNewLoadFailure(t *testing.T) {
	logger := logging.NewTestLogger(t)

	_, err := New(context.Background(), Config{LibraryDir: t.TempDir()}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, IsConfigurationError(err), test.ShouldBeTrue)

	_, err = New(context.Background(), Config{TransferTimeoutMs: -5}, logger)
	test.That(t, IsConfigurationError(err), test.ShouldBeTrue)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = New(ctx, Config{}, logger)
	test.That(t, err, test.ShouldBeError, context.Canceled)
}

func TestListDevices(t *testing.T) {
	lib := fake.NewLibrary([]fake.DeviceConfig{starUSB})
	sess := newTestSession(t, lib, Config{})

	devices, err := sess.ListDevices(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, devices.Names(), test.ShouldResemble, []string{"STAR-USB-1"})
	test.That(t, devices.Len(), test.ShouldEqual, 1)

	dev, err := devices.Device(1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dev.Index, test.ShouldEqual, 1)
	test.That(t, dev.Name, test.ShouldEqual, "STAR-USB-1")
	test.That(t, dev.SerialNumber, test.ShouldEqual, "SN-0042")
	test.That(t, dev.Channels, test.ShouldEqual, 2)

	_, err = devices.Device(2)
	test.That(t, IsValidationError(err), test.ShouldBeTrue)
	_, err = devices.Device(0)
	test.That(t, IsValidationError(err), test.ShouldBeTrue)

	found, ok := devices.ByName("STAR-USB-1")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, found, test.ShouldResemble, dev)
	_, ok = devices.ByName("STAR-PCIe")
	test.That(t, ok, test.ShouldBeFalse)

	t.Run("snapshots are independent", func(t *testing.T) {
		copied := devices.Devices()
		copied[0].Name = "changed"
		test.That(t, devices.Names(), test.ShouldResemble, []string{"STAR-USB-1"})

		lib.AddDevice(fake.DeviceConfig{Name: "STAR-PCIe", Channels: 4})
		later, err := sess.ListDevices(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, later.Names(), test.ShouldResemble, []string{"STAR-USB-1", "STAR-PCIe"})
		test.That(t, devices.Len(), test.ShouldEqual, 1)
	})

	t.Run("no devices", func(t *testing.T) {
		lib.DetachAll()
		devices, err := sess.ListDevices(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, devices.Len(), test.ShouldEqual, 0)
		test.That(t, devices.Names(), test.ShouldBeEmpty)
	})

	t.Run("library failure", func(t *testing.T) {
		lib.SetDeviceListError(errors.New("usb gone"))
		defer lib.SetDeviceListError(nil)
		_, err := sess.ListDevices(context.Background())
		test.That(t, IsTransferError(err), test.ShouldBeTrue)
		test.That(t, err.Error(), test.ShouldContainSubstring, "usb gone")
	})
}

func TestOpenCloseChannel(t *testing.T) {
	lib := fake.NewLibrary([]fake.DeviceConfig{starUSB})
	sess := newTestSession(t, lib, Config{})
	ctx := context.Background()

	id, err := sess.OpenChannel(ctx, Channel(1))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, id.Valid(), test.ShouldBeTrue)
	test.That(t, sess.IsOpen(Channel(1)), test.ShouldBeTrue)
	test.That(t, sess.IsOpen(Channel(2)), test.ShouldBeFalse)

	_, err = sess.OpenChannel(ctx, Channel(1))
	test.That(t, IsStateError(err), test.ShouldBeTrue)
	test.That(t, err, test.ShouldBeError, NewChannelAlreadyOpenError(Channel(1)))
	// the state check runs before enumeration
	test.That(t, lib.DeviceListCalls(), test.ShouldEqual, 1)

	_, err = sess.OpenChannel(ctx, Channel(2))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sess.OpenChannels(), test.ShouldResemble, []ChannelKey{Channel(1), Channel(2)})

	test.That(t, sess.CloseChannel(ctx, Channel(1)), test.ShouldBeNil)
	test.That(t, sess.IsOpen(Channel(1)), test.ShouldBeFalse)
	test.That(t, sess.OpenChannels(), test.ShouldResemble, []ChannelKey{Channel(2)})
	test.That(t, lib.OpenChannelCount(), test.ShouldEqual, 1)

	err = sess.CloseChannel(ctx, Channel(1))
	test.That(t, IsStateError(err), test.ShouldBeTrue)
	test.That(t, err, test.ShouldBeError, NewChannelNotOpenError(Channel(1)))

	// reopening after close works
	_, err = sess.OpenChannel(ctx, Channel(1))
	test.That(t, err, test.ShouldBeNil)
}

func TestOpenChannelValidation(t *testing.T) {
	lib := fake.NewLibrary([]fake.DeviceConfig{starUSB})
	sess := newTestSession(t, lib, Config{})
	ctx := context.Background()

	for _, key := range []ChannelKey{Channel(3), Channel(0), Channel(-1), Channel(256)} {
		_, err := sess.OpenChannel(ctx, key)
		test.That(t, IsValidationError(err), test.ShouldBeTrue)
		test.That(t, err.Error(), test.ShouldEqual, "STAR-USB-1 has only 2 channels")
		var rangeErr *ChannelRangeError
		test.That(t, errors.As(err, &rangeErr), test.ShouldBeTrue)
		test.That(t, rangeErr.Channel, test.ShouldEqual, key.Channel)
	}

	_, err := sess.OpenChannel(ctx, ChannelKey{Device: 2, Channel: 1})
	test.That(t, IsValidationError(err), test.ShouldBeTrue)
	test.That(t, err, test.ShouldBeError, NewDeviceIndexError(2, 1))

	test.That(t, sess.OpenChannels(), test.ShouldBeEmpty)
	test.That(t, lib.OpenChannelCount(), test.ShouldEqual, 0)
}

func TestOpenChannelSecondDevice(t *testing.T) {
	lib := fake.NewLibrary([]fake.DeviceConfig{starUSB, {Name: "STAR-PCIe", Channels: 4}})
	sess := newTestSession(t, lib, Config{})
	ctx := context.Background()

	_, err := sess.OpenChannel(ctx, Channel(1))
	test.That(t, err, test.ShouldBeNil)
	_, err = sess.OpenChannel(ctx, ChannelKey{Device: 2, Channel: 1})
	test.That(t, err, test.ShouldBeNil)
	_, err = sess.OpenChannel(ctx, ChannelKey{Device: 2, Channel: 4})
	test.That(t, err, test.ShouldBeNil)
	_, err = sess.OpenChannel(ctx, ChannelKey{Device: 2, Channel: 5})
	test.That(t, err.Error(), test.ShouldEqual, "STAR-PCIe has only 4 channels")

	test.That(t, sess.OpenChannels(), test.ShouldResemble, []ChannelKey{
		Channel(1),
		{Device: 2, Channel: 1},
		{Device: 2, Channel: 4},
	})

	// closing a channel on device 2 leaves channel 1 of device 1 alone
	test.That(t, sess.CloseChannel(ctx, ChannelKey{Device: 2, Channel: 1}), test.ShouldBeNil)
	test.That(t, sess.IsOpen(Channel(1)), test.ShouldBeTrue)
}

func TestOpenChannelNoDevices(t *testing.T) {
	ctx := context.Background()

	t.Run("retry finds device", func(t *testing.T) {
		logger, logs := logging.NewObservedTestLogger(t)
		lib := fake.NewLibrary([]fake.DeviceConfig{starUSB})
		lib.ReportNoDevicesFor(1)
		sess, err := NewWithLibrary(lib, Config{Verbose: true}, logger)
		test.That(t, err, test.ShouldBeNil)

		_, err = sess.OpenChannel(ctx, Channel(1))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, lib.DeviceListCalls(), test.ShouldEqual, 2)
		test.That(t, logs.FilterMessage("no devices found, enumerating again").Len(), test.ShouldEqual, 1)
	})

	t.Run("still empty", func(t *testing.T) {
		lib := fake.NewLibrary(nil)
		sess := newTestSession(t, lib, Config{})
		_, err := sess.OpenChannel(ctx, Channel(1))
		test.That(t, errors.Is(err, ErrNoDevices), test.ShouldBeTrue)
		test.That(t, IsValidationError(err), test.ShouldBeFalse)
		test.That(t, lib.DeviceListCalls(), test.ShouldEqual, 2)
		test.That(t, sess.OpenChannels(), test.ShouldBeEmpty)
	})
}

func TestOpenChannelTransportFailure(t *testing.T) {
	lib := fake.NewLibrary([]fake.DeviceConfig{starUSB})
	sess := newTestSession(t, lib, Config{})

	lib.SetOpenChannelError(errors.New("link down"))
	_, err := sess.OpenChannel(context.Background(), Channel(1))
	test.That(t, IsTransferError(err), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "link down")
	test.That(t, sess.IsOpen(Channel(1)), test.ShouldBeFalse)

	lib.SetOpenChannelError(nil)
	_, err = sess.OpenChannel(context.Background(), Channel(1))
	test.That(t, err, test.ShouldBeNil)
}

func TestCloseChannelTransportFailure(t *testing.T) {
	lib := fake.NewLibrary([]fake.DeviceConfig{starUSB})
	sess := newTestSession(t, lib, Config{})
	ctx := context.Background()

	_, err := sess.OpenChannel(ctx, Channel(1))
	test.That(t, err, test.ShouldBeNil)
	lib.SetCloseChannelError(errors.New("device busy"))
	err = sess.CloseChannel(ctx, Channel(1))
	test.That(t, IsTransferError(err), test.ShouldBeTrue)
	test.That(t, sess.IsOpen(Channel(1)), test.ShouldBeFalse)
}

func TestLoopback(t *testing.T) {
	lib := fake.NewLibrary([]fake.DeviceConfig{starUSB})
	sess := newTestSession(t, lib, Config{})
	ctx := context.Background()

	_, err := sess.OpenChannel(ctx, Channel(1))
	test.That(t, err, test.ShouldBeNil)
	_, err = sess.OpenChannel(ctx, Channel(2))
	test.That(t, err, test.ShouldBeNil)

	for _, msg := range [][]byte{[]byte("hello"), {0x00, 0xff, 0x10}, make([]byte, 4096), {}} {
		status, err := sess.Send(ctx, Channel(1), msg)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, status, test.ShouldEqual, star.TransferComplete)

		got, err := sess.Receive(ctx, Channel(2))
		test.That(t, err, test.ShouldBeNil)
		// an empty packet is not the same as no packet
		test.That(t, got, test.ShouldNotBeNil)
		test.That(t, got, test.ShouldHaveLength, len(msg))
		test.That(t, got, test.ShouldResemble, msg)
	}

	t.Run("other direction", func(t *testing.T) {
		status, err := sess.Send(ctx, Channel(2), []byte("back"))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, status, test.ShouldEqual, star.TransferComplete)
		got, err := sess.Receive(ctx, Channel(1))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, string(got), test.ShouldEqual, "back")
	})

	t.Run("path address", func(t *testing.T) {
		status, err := sess.Send(ctx, Channel(1), []byte("data"), WithAddress(3, 7), WithEOP(star.EEP))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, status, test.ShouldEqual, star.TransferComplete)
		got, err := sess.Receive(ctx, Channel(2))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got, test.ShouldResemble, []byte{3, 7, 'd', 'a', 't', 'a'})
	})

	assertNoLeaks(t, lib)
}

func TestReceiveNoMessage(t *testing.T) {
	mock := clock.NewMock()
	lib := fake.NewLibrary([]fake.DeviceConfig{starUSB}, fake.WithClock(mock))
	logger, logs := logging.NewObservedTestLogger(t)
	sess, err := NewWithLibrary(lib, Config{Verbose: true}, logger)
	test.That(t, err, test.ShouldBeNil)
	_, err = sess.OpenChannel(context.Background(), Channel(2))
	test.That(t, err, test.ShouldBeNil)

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := sess.Receive(context.Background(), Channel(2))
		done <- result{data, err}
	}()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		test.That(tb, lib.Waiting(), test.ShouldEqual, 1)
	})
	mock.Add(DefaultTransferTimeout)

	res := <-done
	test.That(t, res.err, test.ShouldBeNil)
	test.That(t, res.data, test.ShouldBeNil)
	test.That(t, logs.FilterMessage("no new message").Len(), test.ShouldEqual, 1)
	assertNoLeaks(t, lib)
}

func TestReceiveNoMessageQuiet(t *testing.T) {
	lib := fake.NewLibrary([]fake.DeviceConfig{starUSB})
	logger, logs := logging.NewObservedTestLogger(t)
	sess, err := NewWithLibrary(lib, Config{}, logger)
	test.That(t, err, test.ShouldBeNil)
	_, err = sess.OpenChannel(context.Background(), Channel(2))
	test.That(t, err, test.ShouldBeNil)

	data, err := sess.Receive(context.Background(), Channel(2), WithTimeout(time.Millisecond))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, data, test.ShouldBeNil)
	test.That(t, logs.FilterMessage("no new message").Len(), test.ShouldEqual, 0)
}

func TestReceiveStatuses(t *testing.T) {
	lib := fake.NewLibrary([]fake.DeviceConfig{starUSB})
	sess := newTestSession(t, lib, Config{Verbose: true})
	ctx := context.Background()
	_, err := sess.OpenChannel(ctx, Channel(1))
	test.That(t, err, test.ShouldBeNil)

	for _, status := range []star.TransferStatus{star.TransferCancelled, star.TransferError, star.TransferNotStarted} {
		t.Run(status.String(), func(t *testing.T) {
			lib.ForceStatus(status)
			data, err := sess.Receive(ctx, Channel(1))
			test.That(t, data, test.ShouldBeNil)
			test.That(t, IsTransferError(err), test.ShouldBeTrue)
			var transferErr *TransferError
			test.That(t, errors.As(err, &transferErr), test.ShouldBeTrue)
			test.That(t, transferErr.Status, test.ShouldEqual, status)
		})
	}

	t.Run("complete without items", func(t *testing.T) {
		lib.ForceEmptyCompletion(true)
		defer lib.ForceEmptyCompletion(false)
		test.That(t, lib.Inject(1, 1, []byte("x")), test.ShouldBeNil)
		data, err := sess.Receive(ctx, Channel(1))
		test.That(t, data, test.ShouldBeNil)
		var transportErr *TransportError
		test.That(t, errors.As(err, &transportErr), test.ShouldBeTrue)
		test.That(t, errors.Is(err, errNoStreamItems), test.ShouldBeTrue)
	})

	t.Run("send reports raw status", func(t *testing.T) {
		lib.ForceStatus(star.TransferCancelled)
		status, err := sess.Send(ctx, Channel(1), []byte("x"))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, status, test.ShouldEqual, star.TransferCancelled)
	})

	assertNoLeaks(t, lib)
}

func TestTransferFailures(t *testing.T) {
	lib := fake.NewLibrary([]fake.DeviceConfig{starUSB})
	sess := newTestSession(t, lib, Config{})
	ctx := context.Background()
	_, err := sess.OpenChannel(ctx, Channel(1))
	test.That(t, err, test.ShouldBeNil)

	t.Run("create packet", func(t *testing.T) {
		lib.SetCreatePacketError(errors.New("out of memory"))
		defer lib.SetCreatePacketError(nil)
		status, err := sess.Send(ctx, Channel(1), []byte("x"))
		test.That(t, status, test.ShouldEqual, star.TransferError)
		test.That(t, IsTransferError(err), test.ShouldBeTrue)
	})

	t.Run("create transmit operation", func(t *testing.T) {
		lib.SetCreateTxOperationError(errors.New("out of memory"))
		defer lib.SetCreateTxOperationError(nil)
		status, err := sess.Send(ctx, Channel(1), []byte("x"))
		test.That(t, status, test.ShouldEqual, star.TransferError)
		var transportErr *TransportError
		test.That(t, errors.As(err, &transportErr), test.ShouldBeTrue)
		test.That(t, lib.LivePackets(), test.ShouldEqual, 0)
	})

	t.Run("submit", func(t *testing.T) {
		lib.SetSubmitError(errors.New("queue full"))
		defer lib.SetSubmitError(nil)
		status, err := sess.Send(ctx, Channel(1), []byte("x"))
		test.That(t, status, test.ShouldEqual, star.TransferError)
		test.That(t, IsTransferError(err), test.ShouldBeTrue)

		data, err := sess.Receive(ctx, Channel(1))
		test.That(t, data, test.ShouldBeNil)
		test.That(t, IsTransferError(err), test.ShouldBeTrue)
	})

	// operations are disposed on the failure paths too
	test.That(t, lib.Stats().Created, test.ShouldEqual, int64(2))
	assertNoLeaks(t, lib)
}

func TestTransferOnClosedChannel(t *testing.T) {
	lib := fake.NewLibrary([]fake.DeviceConfig{starUSB})
	sess := newTestSession(t, lib, Config{})
	ctx := context.Background()

	for _, msg := range [][]byte{nil, {}, []byte("payload"), make([]byte, 1024)} {
		status, err := sess.Send(ctx, Channel(1), msg)
		test.That(t, IsStateError(err), test.ShouldBeTrue)
		test.That(t, status, test.ShouldEqual, star.TransferNotStarted)
	}
	_, err := sess.Receive(ctx, Channel(1))
	test.That(t, IsStateError(err), test.ShouldBeTrue)

	_, err = sess.OpenChannel(ctx, Channel(1))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sess.CloseChannel(ctx, Channel(1)), test.ShouldBeNil)
	_, err = sess.Send(ctx, Channel(1), []byte("x"))
	test.That(t, err, test.ShouldBeError, NewChannelNotOpenError(Channel(1)))
	_, err = sess.Receive(ctx, Channel(1))
	test.That(t, err, test.ShouldBeError, NewChannelNotOpenError(Channel(1)))

	test.That(t, lib.Stats().Created, test.ShouldEqual, int64(0))
}

func TestTransferContext(t *testing.T) {
	lib := fake.NewLibrary([]fake.DeviceConfig{starUSB})
	sess := newTestSession(t, lib, Config{})
	_, err := sess.OpenChannel(context.Background(), Channel(1))
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	status, err := sess.Send(ctx, Channel(1), []byte("x"))
	test.That(t, err, test.ShouldBeError, context.Canceled)
	test.That(t, status, test.ShouldEqual, star.TransferNotStarted)
	_, err = sess.Receive(ctx, Channel(1))
	test.That(t, err, test.ShouldBeError, context.Canceled)
	_, err = sess.OpenChannel(ctx, Channel(2))
	test.That(t, err, test.ShouldBeError, context.Canceled)
	_, err = sess.ListDevices(ctx)
	test.That(t, err, test.ShouldBeError, context.Canceled)

	test.That(t, lib.Stats().Created, test.ShouldEqual, int64(0))
}

func TestWaitTimeout(t *testing.T) {
	test.That(t, waitTimeout(context.Background(), time.Second), test.ShouldEqual, time.Second)
	test.That(t, waitTimeout(context.Background(), -1), test.ShouldEqual, time.Duration(-1))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	test.That(t, waitTimeout(ctx, time.Minute), test.ShouldBeLessThanOrEqualTo, 10*time.Millisecond)
	test.That(t, waitTimeout(ctx, -1), test.ShouldBeLessThanOrEqualTo, 10*time.Millisecond)
	test.That(t, waitTimeout(ctx, time.Nanosecond), test.ShouldEqual, time.Nanosecond)

	expired, cancel2 := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel2()
	test.That(t, waitTimeout(expired, time.Second), test.ShouldEqual, time.Duration(0))
}

func TestClose(t *testing.T) {
	lib := fake.NewLibrary([]fake.DeviceConfig{starUSB})
	sess := newTestSession(t, lib, Config{})
	ctx := context.Background()

	_, err := sess.OpenChannel(ctx, Channel(1))
	test.That(t, err, test.ShouldBeNil)
	_, err = sess.OpenChannel(ctx, Channel(2))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, sess.Close(ctx), test.ShouldBeNil)
	test.That(t, lib.Closed(), test.ShouldBeTrue)
	test.That(t, lib.OpenChannelCount(), test.ShouldEqual, 0)
	test.That(t, sess.OpenChannels(), test.ShouldBeEmpty)

	test.That(t, sess.Close(ctx), test.ShouldBeError, ErrSessionClosed)
	_, err = sess.OpenChannel(ctx, Channel(1))
	test.That(t, err, test.ShouldBeError, ErrSessionClosed)
	test.That(t, sess.CloseChannel(ctx, Channel(1)), test.ShouldBeError, ErrSessionClosed)
	_, err = sess.Send(ctx, Channel(1), []byte("x"))
	test.That(t, IsStateError(err), test.ShouldBeTrue)
	_, err = sess.Receive(ctx, Channel(1))
	test.That(t, IsStateError(err), test.ShouldBeTrue)
	_, err = sess.ListDevices(ctx)
	test.That(t, err, test.ShouldBeError, ErrSessionClosed)
}

func TestCloseChannelWaitsForTransfer(t *testing.T) {
	mock := clock.NewMock()
	lib := fake.NewLibrary([]fake.DeviceConfig{starUSB}, fake.WithClock(mock))
	sess := newTestSession(t, lib, Config{})
	ctx := context.Background()
	_, err := sess.OpenChannel(ctx, Channel(2))
	test.That(t, err, test.ShouldBeNil)

	received := make(chan error, 1)
	go func() {
		_, err := sess.Receive(ctx, Channel(2))
		received <- err
	}()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		test.That(tb, lib.Waiting(), test.ShouldEqual, 1)
	})

	closed := make(chan error, 1)
	go func() {
		closed <- sess.CloseChannel(ctx, Channel(2))
	}()
	select {
	case err := <-closed:
		t.Fatalf("channel closed during a receive: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	test.That(t, sess.IsOpen(Channel(2)), test.ShouldBeTrue)

	mock.Add(DefaultTransferTimeout)
	test.That(t, <-received, test.ShouldBeNil)
	test.That(t, <-closed, test.ShouldBeNil)
	test.That(t, sess.IsOpen(Channel(2)), test.ShouldBeFalse)
	test.That(t, lib.OpenChannelCount(), test.ShouldEqual, 0)
	assertNoLeaks(t, lib)
}

func TestCloseGivesUpWithContext(t *testing.T) {
	lib := fake.NewLibrary([]fake.DeviceConfig{starUSB})
	sess := newTestSession(t, lib, Config{})
	ctx := context.Background()
	_, err := sess.OpenChannel(ctx, Channel(1))
	test.That(t, err, test.ShouldBeNil)
	_, err = sess.OpenChannel(ctx, Channel(2))
	test.That(t, err, test.ShouldBeNil)

	type result struct {
		data []byte
		err  error
	}
	received := make(chan result, 1)
	go func() {
		data, err := sess.Receive(ctx, Channel(2), WithTimeout(-1))
		received <- result{data, err}
	}()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		test.That(tb, lib.Waiting(), test.ShouldEqual, 1)
	})

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err = sess.CloseChannel(shortCtx, Channel(2))
	test.That(t, errors.Is(err, context.DeadlineExceeded), test.ShouldBeTrue)
	test.That(t, sess.IsOpen(Channel(2)), test.ShouldBeTrue)

	err = sess.Close(shortCtx)
	test.That(t, errors.Is(err, context.DeadlineExceeded), test.ShouldBeTrue)
	test.That(t, lib.Closed(), test.ShouldBeFalse)
	test.That(t, sess.OpenChannels(), test.ShouldResemble, []ChannelKey{Channel(1), Channel(2)})

	// the session is still usable on the idle channel
	status, err := sess.Send(ctx, Channel(1), []byte("wake"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, status, test.ShouldEqual, star.TransferComplete)
	res := <-received
	test.That(t, res.err, test.ShouldBeNil)
	test.That(t, string(res.data), test.ShouldEqual, "wake")

	test.That(t, sess.Close(ctx), test.ShouldBeNil)
	test.That(t, lib.Closed(), test.ShouldBeTrue)
	assertNoLeaks(t, lib)
}

func TestOpenChannelDoesNotBlockOtherKeys(t *testing.T) {
	lib := fake.NewLibrary([]fake.DeviceConfig{starUSB})
	sess := newTestSession(t, lib, Config{})
	ctx := context.Background()
	_, err := sess.OpenChannel(ctx, Channel(1))
	test.That(t, err, test.ShouldBeNil)

	// a key being opened is reserved but not yet open
	ch := newOpenChannel()
	ch.sem <- struct{}{}
	sess.mu.Lock()
	sess.channels[Channel(2)] = ch
	sess.mu.Unlock()

	test.That(t, sess.IsOpen(Channel(2)), test.ShouldBeFalse)
	test.That(t, sess.OpenChannels(), test.ShouldResemble, []ChannelKey{Channel(1)})
	_, err = sess.OpenChannel(ctx, Channel(2))
	test.That(t, IsStateError(err), test.ShouldBeTrue)
	_, err = sess.Send(ctx, Channel(2), []byte("x"))
	test.That(t, err, test.ShouldBeError, NewChannelNotOpenError(Channel(2)))
	status, err := sess.Send(ctx, Channel(1), []byte("x"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, status, test.ShouldEqual, star.TransferComplete)

	sess.mu.Lock()
	delete(sess.channels, Channel(2))
	sess.mu.Unlock()
	ch.unlock()
	test.That(t, sess.Close(ctx), test.ShouldBeNil)
}

func TestCloseCombinesErrors(t *testing.T) {
	lib := fake.NewLibrary([]fake.DeviceConfig{starUSB})
	sess := newTestSession(t, lib, Config{})
	ctx := context.Background()

	_, err := sess.OpenChannel(ctx, Channel(1))
	test.That(t, err, test.ShouldBeNil)
	_, err = sess.OpenChannel(ctx, Channel(2))
	test.That(t, err, test.ShouldBeNil)
	lib.SetCloseChannelError(errors.New("device busy"))

	err = sess.Close(ctx)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "close device 1 channel 1")
	test.That(t, err.Error(), test.ShouldContainSubstring, "close device 1 channel 2")
	test.That(t, lib.Closed(), test.ShouldBeTrue)
}

func TestConcurrentOpen(t *testing.T) {
	lib := fake.NewLibrary([]fake.DeviceConfig{starUSB})
	sess := newTestSession(t, lib, Config{})

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		opened   int
		rejected int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sess.OpenChannel(context.Background(), Channel(1))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				opened++
			} else if IsStateError(err) {
				rejected++
			}
		}()
	}
	wg.Wait()
	test.That(t, opened, test.ShouldEqual, 1)
	test.That(t, rejected, test.ShouldEqual, workers-1)
	test.That(t, lib.OpenChannelCount(), test.ShouldEqual, 1)
}

func TestConcurrentTransfers(t *testing.T) {
	lib := fake.NewLibrary([]fake.DeviceConfig{starUSB})
	sess := newTestSession(t, lib, Config{})
	ctx := context.Background()
	_, err := sess.OpenChannel(ctx, Channel(1))
	test.That(t, err, test.ShouldBeNil)
	_, err = sess.OpenChannel(ctx, Channel(2))
	test.That(t, err, test.ShouldBeNil)

	const messages = 20
	var group errgroup.Group
	group.Go(func() error {
		for i := 0; i < messages; i++ {
			status, err := sess.Send(ctx, Channel(1), []byte{byte(i)})
			if err != nil {
				return err
			}
			if status != star.TransferComplete {
				return errors.Errorf("message %d: send finished with status %s", i, status)
			}
		}
		return nil
	})
	received := make([][]byte, 0, messages)
	group.Go(func() error {
		for len(received) < messages {
			data, err := sess.Receive(ctx, Channel(2), WithTimeout(time.Second))
			if err != nil {
				return err
			}
			if data == nil {
				return errors.Errorf("timed out after %d messages", len(received))
			}
			received = append(received, data)
		}
		return nil
	})
	test.That(t, group.Wait(), test.ShouldBeNil)

	test.That(t, received, test.ShouldHaveLength, messages)
	for i, data := range received {
		test.That(t, data, test.ShouldResemble, []byte{byte(i)})
	}
	test.That(t, sess.Close(ctx), test.ShouldBeNil)
	assertNoLeaks(t, lib)
}

func TestLogFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "star.log")
	lib := fake.NewLibrary([]fake.DeviceConfig{starUSB})
	sess := newTestSession(t, lib, Config{LogFile: logPath, Verbose: true})

	_, err := sess.OpenChannel(context.Background(), Channel(1))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sess.Close(context.Background()), test.ShouldBeNil)

	contents, err := os.ReadFile(logPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(contents), test.ShouldContainSubstring, "using STAR-API (fake) Version: 5.2")
	test.That(t, string(contents), test.ShouldContainSubstring, "opened channel")
	test.That(t, string(contents), test.ShouldContainSubstring, sess.ID().String())
}
