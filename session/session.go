// Package session manages the STAR-System channels a program has open.
//
// A Session loads the STAR-API library once, enumerates the attached devices and keeps a table
// of open channels keyed by device index and channel number. Sends and receives are
// synchronous and bounded by a timeout.
package session

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"go.spwlink.dev/starapi/logging"
	"go.spwlink.dev/starapi/star"
)

// A ChannelKey identifies a channel by the 1-based index of its device and its channel number.
type ChannelKey struct {
	Device  int
	Channel int
}

// Channel returns the key of a channel on the first device.
func Channel(number int) ChannelKey {
	return ChannelKey{Device: 1, Channel: number}
}

func (k ChannelKey) String() string {
	return fmt.Sprintf("device %d channel %d", k.Device, k.Channel)
}

// openChannel is an entry of the channel table. Holding sem grants use of id; closed and id
// are only touched with sem held. ready is guarded by the session mutex and stays false while
// the channel is being opened.
type openChannel struct {
	sem    chan struct{}
	id     star.ChannelID
	closed bool
	ready  bool
}

func newOpenChannel() *openChannel {
	return &openChannel{sem: make(chan struct{}, 1)}
}

func (ch *openChannel) lock(ctx context.Context) error {
	select {
	case ch.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ch *openChannel) unlock() {
	<-ch.sem
}

// A Session owns a loaded STAR-API library and the channels opened through it. It is safe for
// concurrent use. Transfers on one channel run one at a time.
type Session struct {
	mu       sync.Mutex
	id       uuid.UUID
	lib      star.Library
	version  star.VersionInfo
	timeout  time.Duration
	logger   logging.Logger
	logFile  *logging.FileAppender
	channels map[ChannelKey]*openChannel
	closed   bool
}

// New loads the STAR-API library from cfg.LibraryDir and makes a new session over it.
func New(ctx context.Context, cfg Config, logger logging.Logger) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cfg.Validate("session"); err != nil {
		return nil, &ConfigError{Err: err}
	}
	lib, err := star.Open(cfg.libraryDir())
	if err != nil {
		return nil, err
	}
	sess, err := NewWithLibrary(lib, cfg, logger)
	if err != nil {
		return nil, multierr.Combine(err, lib.Close())
	}
	return sess, nil
}

// NewWithLibrary makes a new session over an already loaded library. The session takes
// ownership of lib and closes it on Close. A nil logger logs through the global logger.
func NewWithLibrary(lib star.Library, cfg Config, logger logging.Logger) (*Session, error) {
	if err := cfg.Validate("session"); err != nil {
		return nil, &ConfigError{Err: err}
	}
	if logger == nil {
		logger = logging.Global()
	}

	id := uuid.New()
	sub := logger.Sublogger("star")
	if cfg.Verbose {
		sub.SetLevel(logging.DEBUG)
	} else {
		sub.SetLevel(logging.INFO)
	}
	var logFile *logging.FileAppender
	if cfg.LogFile != "" {
		logFile = logging.NewFileAppender(cfg.LogFile, logFileMaxSizeMB, logFileMaxBackups)
		sub.AddAppender(logFile)
	}

	sess := &Session{
		id:       id,
		lib:      lib,
		version:  lib.APIVersion(),
		timeout:  cfg.transferTimeout(),
		logger:   sub.WithFields("session", id.String()),
		logFile:  logFile,
		channels: map[ChannelKey]*openChannel{},
	}
	sess.logger.Infof("using %s", sess.version)
	return sess, nil
}

// ID returns the id of this session.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Version returns the version of the loaded library.
func (s *Session) Version() star.VersionInfo {
	return s.version
}

// ListDevices enumerates the attached devices. An empty enumeration means no devices are
// attached.
func (s *Session) ListDevices(ctx context.Context) (Enumeration, error) {
	if err := s.checkOpen(); err != nil {
		return Enumeration{}, err
	}
	if err := ctx.Err(); err != nil {
		return Enumeration{}, err
	}
	return enumerate(s.lib)
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

// OpenChannel opens a bidirectional channel and records it under key. The key is reserved
// while the library opens the channel, so other keys stay usable in the meantime.
func (s *Session) OpenChannel(ctx context.Context, key ChannelKey) (star.ChannelID, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return star.ChannelID{}, ErrSessionClosed
	}
	if _, ok := s.channels[key]; ok {
		s.mu.Unlock()
		return star.ChannelID{}, NewChannelAlreadyOpenError(key)
	}
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return star.ChannelID{}, err
	}
	ch := newOpenChannel()
	ch.sem <- struct{}{}
	s.channels[key] = ch
	s.mu.Unlock()
	defer ch.unlock()

	id, err := s.openOnDevice(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		ch.closed = true
		if s.channels[key] == ch {
			delete(s.channels, key)
		}
		return star.ChannelID{}, err
	}
	ch.id = id
	ch.ready = true
	return id, nil
}

func (s *Session) openOnDevice(key ChannelKey) (star.ChannelID, error) {
	devices, err := enumerate(s.lib)
	if err != nil {
		return star.ChannelID{}, err
	}
	if devices.Len() == 0 {
		s.logger.Debug("no devices found, enumerating again")
		if devices, err = enumerate(s.lib); err != nil {
			return star.ChannelID{}, err
		}
		if devices.Len() == 0 {
			return star.ChannelID{}, ErrNoDevices
		}
	}
	dev, err := devices.Device(key.Device)
	if err != nil {
		return star.ChannelID{}, err
	}
	if key.Channel < 1 || key.Channel > dev.Channels || key.Channel > math.MaxUint8 {
		return star.ChannelID{}, NewChannelRangeError(dev.Name, key.Channel, dev.Channels)
	}

	id, err := s.lib.OpenChannelToLocalDevice(dev.id, star.DirectionInOut, uint8(key.Channel), true)
	if err != nil || !id.Valid() {
		return star.ChannelID{}, newTransportError(fmt.Sprintf("open %s on %s", key, dev.Name), err)
	}
	s.logger.Debugw("opened channel", "key", key.String(), "device", dev.Name, "handle", id.String())
	return id, nil
}

// CloseChannel closes the channel recorded under key, after any transfer in flight on it.
// If ctx ends first the channel stays open and the context error is returned. Once the wait is
// over the key is forgotten, even when the library fails to close the channel.
func (s *Session) CloseChannel(ctx context.Context, key ChannelKey) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	ch, ok := s.channels[key]
	if !ok || !ch.ready {
		s.mu.Unlock()
		return NewChannelNotOpenError(key)
	}
	s.mu.Unlock()

	if err := ch.lock(ctx); err != nil {
		return errors.Wrapf(err, "waiting for transfer on %s", key)
	}
	defer ch.unlock()
	if ch.closed {
		return NewChannelNotOpenError(key)
	}
	s.mu.Lock()
	if s.channels[key] == ch {
		delete(s.channels, key)
	}
	s.mu.Unlock()
	return s.closeLocked(key, ch)
}

// closeLocked closes the library channel of ch. The caller holds ch's lock.
func (s *Session) closeLocked(key ChannelKey, ch *openChannel) error {
	if ch.closed {
		return nil
	}
	ch.closed = true
	if err := s.lib.CloseChannel(ch.id); err != nil {
		return newTransportError(fmt.Sprintf("close %s", key), err)
	}
	s.logger.Debugw("closed channel", "key", key.String())
	return nil
}

// lockChannel returns the channel under key with its transfer lock held.
func (s *Session) lockChannel(ctx context.Context, key ChannelKey) (*openChannel, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	ch, ok := s.channels[key]
	if !ok || !ch.ready {
		s.mu.Unlock()
		return nil, NewChannelNotOpenError(key)
	}
	s.mu.Unlock()

	if err := ch.lock(ctx); err != nil {
		return nil, err
	}
	if ch.closed {
		ch.unlock()
		return nil, NewChannelNotOpenError(key)
	}
	return ch, nil
}

// waitTimeout is the native wait for a transfer: the option timeout cut short by the context
// deadline. Negative waits forever.
func waitTimeout(ctx context.Context, timeout time.Duration) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return timeout
	}
	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}
	if timeout < 0 || remaining < timeout {
		return remaining
	}
	return timeout
}

func (s *Session) dispose(op star.Operation) {
	if err := s.lib.DisposeTransferOperation(op); err != nil {
		s.logger.Warnw("failed to dispose transfer operation", "operation", op.String(), "error", err)
	}
}

// Send transmits msg as one packet on the channel under key and returns the status the
// transfer reached within the timeout. A status other than complete is not an error; errors
// are reserved for a channel that is not open and for calls the library rejects.
func (s *Session) Send(ctx context.Context, key ChannelKey, msg []byte, opts ...TransferOption) (star.TransferStatus, error) {
	ch, err := s.lockChannel(ctx, key)
	if err != nil {
		return star.TransferNotStarted, err
	}
	defer ch.unlock()
	if err := ctx.Err(); err != nil {
		return star.TransferNotStarted, err
	}
	o := newTransferOptions(s.timeout, opts)

	item, err := s.lib.CreatePacket(o.address, msg, o.eop)
	if err != nil || !item.Valid() {
		return star.TransferError, newTransportError("create packet", err)
	}
	op, err := s.lib.CreateTxOperation([]star.StreamItem{item})
	if err != nil || !op.Valid() {
		return star.TransferError, newTransportError("create transmit operation", err)
	}
	defer s.dispose(op)

	if err := s.lib.SubmitTransferOperation(ch.id, op); err != nil {
		return star.TransferError, newTransportError(fmt.Sprintf("submit transmit on %s", key), err)
	}
	status := s.lib.WaitOnTransferOperationCompletion(op, waitTimeout(ctx, o.timeout))
	s.logger.Debugw("sent message", "key", key.String(), "bytes", len(msg), "status", status.String())
	return status, nil
}

// Receive waits for one packet on the channel under key. It returns nil and no error when
// nothing arrived within the timeout.
func (s *Session) Receive(ctx context.Context, key ChannelKey, opts ...TransferOption) ([]byte, error) {
	ch, err := s.lockChannel(ctx, key)
	if err != nil {
		return nil, err
	}
	defer ch.unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o := newTransferOptions(s.timeout, opts)

	op, err := s.lib.CreateRxOperation(1, star.ReceivePackets)
	if err != nil || !op.Valid() {
		return nil, newTransportError("create receive operation", err)
	}
	defer s.dispose(op)

	if err := s.lib.SubmitTransferOperation(ch.id, op); err != nil {
		return nil, newTransportError(fmt.Sprintf("submit receive on %s", key), err)
	}

	switch status := s.lib.WaitOnTransferOperationCompletion(op, waitTimeout(ctx, o.timeout)); status {
	case star.TransferComplete:
		if s.lib.TransferItemCount(op) == 0 {
			return nil, newTransportError("receive", errNoStreamItems)
		}
		item, err := s.lib.TransferItem(op, 0)
		if err != nil {
			return nil, newTransportError("receive", err)
		}
		data, err := s.lib.PacketData(item)
		if err != nil {
			return nil, newTransportError("read received packet", err)
		}
		return append([]byte{}, data...), nil
	case star.TransferStarted:
		s.logger.Debug("no new message")
		return nil, nil
	default:
		s.logger.Debugw("receive did not complete", "key", key.String(), "status", status.String())
		return nil, &TransferError{Op: "receive", Status: status}
	}
}

// OpenChannels returns the keys of the open channels, ordered by device then channel.
func (s *Session) OpenChannels() []ChannelKey {
	s.mu.Lock()
	keys := lo.Keys(lo.PickBy(s.channels, func(_ ChannelKey, ch *openChannel) bool {
		return ch.ready
	}))
	s.mu.Unlock()
	sortKeys(keys)
	return keys
}

// IsOpen reports whether a channel is open under key.
func (s *Session) IsOpen(key ChannelKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[key]
	return ok && ch.ready
}

func sortKeys(keys []ChannelKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Device != keys[j].Device {
			return keys[i].Device < keys[j].Device
		}
		return keys[i].Channel < keys[j].Channel
	})
}

// Close closes every open channel, after any transfers in flight on them, and unloads the
// library. New calls are refused while Close waits. If ctx ends first the session is left as it
// was and the context error is returned.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.closed = true
	channels := lo.Assign(s.channels)
	s.mu.Unlock()

	keys := lo.Keys(channels)
	sortKeys(keys)
	for i, key := range keys {
		if err := channels[key].lock(ctx); err != nil {
			for _, held := range keys[:i] {
				channels[held].unlock()
			}
			s.mu.Lock()
			s.closed = false
			s.mu.Unlock()
			return errors.Wrapf(err, "waiting for transfer on %s", key)
		}
	}

	s.mu.Lock()
	s.channels = map[ChannelKey]*openChannel{}
	s.mu.Unlock()
	var err error
	for _, key := range keys {
		err = multierr.Combine(err, s.closeLocked(key, channels[key]))
		channels[key].unlock()
	}
	err = multierr.Combine(err, s.lib.Close())
	s.logger.Debugw("session closed", "channels", len(keys))
	if s.logFile != nil {
		err = multierr.Combine(err, s.logger.Sync(), s.logFile.Close())
	}
	return err
}
