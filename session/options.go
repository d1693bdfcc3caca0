package session

import (
	"time"

	"go.spwlink.dev/starapi/star"
)

// A TransferOption adjusts a single Send or Receive.
type TransferOption func(*transferOptions)

type transferOptions struct {
	timeout time.Duration
	address []byte
	eop     star.EOPType
}

func newTransferOptions(timeout time.Duration, opts []TransferOption) transferOptions {
	o := transferOptions{timeout: timeout, eop: star.EOP}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithTimeout overrides the configured transfer timeout. A negative timeout waits until the
// transfer finishes or the context deadline passes.
func WithTimeout(timeout time.Duration) TransferOption {
	return func(o *transferOptions) {
		o.timeout = timeout
	}
}

// WithAddress prefixes sent packets with a SpaceWire path address. Receive ignores it.
func WithAddress(path ...byte) TransferOption {
	return func(o *transferOptions) {
		o.address = append([]byte(nil), path...)
	}
}

// WithEOP sets the end of packet marker of sent packets. Receive ignores it.
func WithEOP(eop star.EOPType) TransferOption {
	return func(o *transferOptions) {
		o.eop = eop
	}
}
