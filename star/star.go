// Package star describes the STAR-Dundee STAR-System transport library ("STAR-API") as seen
// from Go: the entry points a session is allowed to call, the values they exchange and a loader
// for the vendor's shared object.
//
// Framing, enumeration and USB transport all live inside the vendor library. Nothing in this
// package interprets packet contents.
package star

import (
	"fmt"
	"time"
)

// Library is the STAR-API surface used by a session. Implementations are the native loader
// returned by Open and the in-memory double in package fake.
type Library interface {
	// APIVersion returns the version of the loaded library.
	APIVersion() VersionInfo

	// DeviceList returns the devices currently attached. An empty list means no devices.
	DeviceList() ([]DeviceID, error)
	DeviceName(device DeviceID) string
	DeviceSerialNumber(device DeviceID) string
	DeviceChannels(device DeviceID) uint32

	// OpenChannelToLocalDevice opens a channel on a device attached to this host.
	OpenChannelToLocalDevice(device DeviceID, direction ChannelDirection, channel uint8, queued bool) (ChannelID, error)
	CloseChannel(channel ChannelID) error

	// CreatePacket wraps data into a packet addressed with the given SpaceWire path. An empty
	// address sends to the channel's implicit destination.
	CreatePacket(address, data []byte, eop EOPType) (StreamItem, error)
	// CreateTxOperation builds a transmit operation owning the given packets. The packets are
	// released when it fails.
	CreateTxOperation(items []StreamItem) (Operation, error)
	// CreateRxOperation builds a receive operation for count stream items matching mask.
	CreateRxOperation(count int, mask ReceiveMask) (Operation, error)
	SubmitTransferOperation(channel ChannelID, op Operation) error
	// WaitOnTransferOperationCompletion blocks until op finishes or timeout elapses. An operation
	// still in flight when the timeout elapses reports TransferStarted.
	WaitOnTransferOperationCompletion(op Operation, timeout time.Duration) TransferStatus
	TransferItemCount(op Operation) int
	TransferItem(op Operation, index int) (StreamItem, error)
	// PacketData returns a copy of the payload of a received packet.
	PacketData(item StreamItem) ([]byte, error)
	// DisposeTransferOperation releases op and every stream item it owns.
	DisposeTransferOperation(op Operation) error

	// Close unloads the library.
	Close() error
}

// Handle is an opaque reference to an object owned by the library. Handles can be compared and
// used as map keys but carry no other operations. The zero Handle is invalid.
type Handle struct {
	raw uintptr
}

// MakeHandle wraps a raw library value. It is meant for Library implementations.
func MakeHandle(raw uintptr) Handle {
	return Handle{raw: raw}
}

// Raw returns the wrapped library value. It is meant for Library implementations.
func (h Handle) Raw() uintptr {
	return h.raw
}

// Valid reports whether the handle refers to something.
func (h Handle) Valid() bool {
	return h.raw != 0
}

func (h Handle) String() string {
	if !h.Valid() {
		return "<invalid>"
	}
	return fmt.Sprintf("%#x", h.raw)
}

type (
	// DeviceID identifies a device within the library.
	DeviceID struct{ Handle }
	// ChannelID identifies an open channel.
	ChannelID struct{ Handle }
	// Operation is a transmit or receive transfer operation.
	Operation struct{ Handle }
	// StreamItem is a packet (or other stream item) created by or received from the library.
	StreamItem struct{ Handle }
)

// VersionInfo is the version of a STAR-System module.
type VersionInfo struct {
	Name   string
	Author string
	Major  uint16
	Minor  uint16
	Edit   uint16
	Patch  uint16
}

func (v VersionInfo) String() string {
	return fmt.Sprintf("%s Version: %d.%d", v.Name, v.Major, v.Minor)
}

// ChannelDirection is the direction traffic may flow on a channel.
type ChannelDirection int

// The known channel directions.
const (
	DirectionIn    ChannelDirection = 1
	DirectionOut   ChannelDirection = 2
	DirectionInOut                  = DirectionIn | DirectionOut
)

func (d ChannelDirection) String() string {
	switch d {
	case DirectionIn:
		return "in"
	case DirectionOut:
		return "out"
	case DirectionInOut:
		return "inout"
	default:
		return fmt.Sprintf("ChannelDirection(%d)", int(d))
	}
}

// EOPType is the end of packet marker written after a packet.
type EOPType int

// The known EOP types.
const (
	EOPInvalid EOPType = iota
	// EOP is a normal end of packet.
	EOP
	// EEP is an error end of packet.
	EEP
	// EOPNone sends no end of packet marker.
	EOPNone
)

func (e EOPType) String() string {
	switch e {
	case EOPInvalid:
		return "invalid"
	case EOP:
		return "EOP"
	case EEP:
		return "EEP"
	case EOPNone:
		return "none"
	default:
		return fmt.Sprintf("EOPType(%d)", int(e))
	}
}

// TransferStatus is the state of a transfer operation.
type TransferStatus int

// The transfer statuses reported by the library.
const (
	// TransferNotStarted is the status of a created but unsubmitted operation.
	TransferNotStarted TransferStatus = iota
	// TransferStarted is the status of a submitted operation that has not finished. A wait that
	// times out reports it.
	TransferStarted
	// TransferComplete means all traffic was transmitted or received.
	TransferComplete
	// TransferCancelled means the operation was cancelled.
	TransferCancelled
	// TransferError means creating, submitting or running the operation failed.
	TransferError
)

func (s TransferStatus) String() string {
	switch s {
	case TransferNotStarted:
		return "not started"
	case TransferStarted:
		return "started"
	case TransferComplete:
		return "complete"
	case TransferCancelled:
		return "cancelled"
	case TransferError:
		return "error"
	default:
		return fmt.Sprintf("TransferStatus(%d)", int(s))
	}
}

// ReceiveMask selects which stream items a receive operation accepts.
type ReceiveMask uint32

// Receive mask bits.
const (
	ReceivePackets ReceiveMask = 1 << iota
	ReceiveChunks
	ReceiveTimecodes
	ReceiveFCTs
	ReceiveNulls
	ReceiveLinkStateEvents
	ReceiveLinkSpeedEvents
	ReceiveTimestampEvents
	ReceiveBroadcastMessages
)

// StreamItemType is the kind of object a stream item points at.
type StreamItemType int

// Stream item types.
const (
	ItemSpaceWirePacket StreamItemType = iota
	ItemTimecode
	ItemLinkStateEvent
	ItemDataChunk
	ItemLinkSpeedEvent
	ItemErrorInject
	ItemTimestampEvent
	ItemBroadcastMessage
)
