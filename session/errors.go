package session

import (
	"fmt"

	"github.com/pkg/errors"

	"go.spwlink.dev/starapi/star"
)

var (
	// ErrNoDevices is returned when opening a channel while no device is attached.
	ErrNoDevices = errors.New("no STAR-System devices attached")
	// ErrSessionClosed is returned by every call made after Close.
	ErrSessionClosed = errors.New("session is closed")

	errNoStreamItems = errors.New("operation completed without stream items")
)

// A ConfigError is returned when a session is constructed from an invalid Config.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// A DeviceIndexError is returned when a channel key names a device that is not attached.
type DeviceIndexError struct {
	Index int
	Count int
}

func (e *DeviceIndexError) Error() string {
	return fmt.Sprintf("device index %d out of range, %d device(s) attached", e.Index, e.Count)
}

// NewDeviceIndexError returns an error for a device index outside 1..count.
func NewDeviceIndexError(index, count int) error {
	return &DeviceIndexError{Index: index, Count: count}
}

// A ChannelRangeError is returned when a channel number is outside what the device offers.
type ChannelRangeError struct {
	Device   string
	Channel  int
	Channels int
}

func (e *ChannelRangeError) Error() string {
	return fmt.Sprintf("%s has only %d channels", e.Device, e.Channels)
}

// NewChannelRangeError returns an error for a channel number the named device does not have.
func NewChannelRangeError(device string, channel, channels int) error {
	return &ChannelRangeError{Device: device, Channel: channel, Channels: channels}
}

// A ChannelNotOpenError is returned when acting on a channel that is not open.
type ChannelNotOpenError struct {
	Key ChannelKey
}

func (e *ChannelNotOpenError) Error() string {
	return fmt.Sprintf("%s is not open", e.Key)
}

// NewChannelNotOpenError returns an error for acting on a channel that is not open.
func NewChannelNotOpenError(key ChannelKey) error {
	return &ChannelNotOpenError{Key: key}
}

// A ChannelAlreadyOpenError is returned when opening a channel twice.
type ChannelAlreadyOpenError struct {
	Key ChannelKey
}

func (e *ChannelAlreadyOpenError) Error() string {
	return fmt.Sprintf("%s is already open", e.Key)
}

// NewChannelAlreadyOpenError returns an error for opening a channel that is already open.
func NewChannelAlreadyOpenError(key ChannelKey) error {
	return &ChannelAlreadyOpenError{Key: key}
}

// A TransferError is returned when a receive finishes with a status other than complete or
// started.
type TransferError struct {
	Op     string
	Status star.TransferStatus
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s finished with status %q", e.Op, e.Status)
}

// A TransportError is returned when the STAR-API library rejects a call.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func newTransportError(op string, err error) error {
	if err == nil {
		err = errors.New("library returned an invalid handle")
	}
	return &TransportError{Op: op, Err: err}
}

// IsConfigurationError reports whether err comes from an invalid configuration or a
// library that cannot be loaded on this host.
func IsConfigurationError(err error) bool {
	var (
		cfgErr      *ConfigError
		platformErr *star.UnsupportedPlatformError
		loadErr     *star.LoadError
	)
	return errors.As(err, &cfgErr) || errors.As(err, &platformErr) || errors.As(err, &loadErr)
}

// IsValidationError reports whether err is about a device index or channel number out of range.
func IsValidationError(err error) bool {
	var (
		indexErr *DeviceIndexError
		rangeErr *ChannelRangeError
	)
	return errors.As(err, &indexErr) || errors.As(err, &rangeErr)
}

// IsStateError reports whether err is about the open or closed state of a channel or session.
func IsStateError(err error) bool {
	var (
		notOpenErr     *ChannelNotOpenError
		alreadyOpenErr *ChannelAlreadyOpenError
	)
	return errors.Is(err, ErrSessionClosed) || errors.As(err, &notOpenErr) || errors.As(err, &alreadyOpenErr)
}

// IsTransferError reports whether err comes from moving data through the library.
func IsTransferError(err error) bool {
	var (
		transferErr  *TransferError
		transportErr *TransportError
	)
	return errors.As(err, &transferErr) || errors.As(err, &transportErr)
}
