// Package fake implements an in-memory STAR-API library for tests.
//
// Devices and their channels are configured up front. Channels can be linked so that packets
// sent on one are received on another, mimicking a loopback cable between two SpaceWire ports.
// Every transfer operation is counted so tests can assert none leaked.
package fake

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.spwlink.dev/starapi/star"
)

// DefaultVersion is the version reported by a fake library unless overridden.
var DefaultVersion = star.VersionInfo{Name: "STAR-API (fake)", Author: "STAR-Dundee", Major: 5, Minor: 2}

// rxQueueDepth is the number of packets a fake channel buffers before dropping.
const rxQueueDepth = 64

// DeviceConfig describes a fake device.
type DeviceConfig struct {
	Name         string
	SerialNumber string
	Channels     int
	// Links maps a channel number to the channel number its traffic is delivered to.
	Links map[uint8]uint8
}

// Stats counts transfer operations handled by a library.
type Stats struct {
	Created        int64
	Disposed       int64
	DoubleDisposed int64
}

// Outstanding is the number of created operations that were not disposed.
func (s Stats) Outstanding() int64 {
	return s.Created - s.Disposed
}

type device struct {
	id    star.DeviceID
	cfg   DeviceConfig
	links map[uint8]uint8
}

type channel struct {
	id     star.ChannelID
	device *device
	number uint8
	rx     chan []byte
}

type packet struct {
	address []byte
	data    []byte
	eop     star.EOPType
}

type operation struct {
	tx       bool
	count    int
	items    []star.StreamItem
	channel  *channel
	status   star.TransferStatus
	received []star.StreamItem
}

// Library is an in-memory star.Library.
type Library struct {
	clock   clock.Clock
	version star.VersionInfo

	mu       sync.Mutex
	devices  []*device
	channels map[star.ChannelID]*channel
	ops      map[star.Operation]*operation
	packets  map[star.StreamItem]*packet
	nextID   uintptr
	closed   bool

	emptyEnumerations int
	deviceListErr     error
	openErr           error
	closeErr          error
	createPacketErr   error
	createTxErr       error
	submitErr         error
	forcedStatus      []star.TransferStatus
	forceZeroItems    bool

	created         atomic.Int64
	disposed        atomic.Int64
	doubleDisposed  atomic.Int64
	deviceListCalls atomic.Int64
	waiting         atomic.Int32
}

// Option configures a Library.
type Option func(*Library)

// WithClock makes transfer timeouts follow clk. Tests use a clock.Mock to control timeouts.
func WithClock(clk clock.Clock) Option {
	return func(l *Library) {
		l.clock = clk
	}
}

// WithVersion overrides the version the library reports.
func WithVersion(version star.VersionInfo) Option {
	return func(l *Library) {
		l.version = version
	}
}

// NewLibrary returns a library with the given devices attached, numbered from 1 in order.
func NewLibrary(devices []DeviceConfig, opts ...Option) *Library {
	l := &Library{
		clock:    clock.New(),
		version:  DefaultVersion,
		channels: map[star.ChannelID]*channel{},
		ops:      map[star.Operation]*operation{},
		packets:  map[star.StreamItem]*packet{},
	}
	for _, opt := range opts {
		opt(l)
	}
	for _, cfg := range devices {
		l.addDeviceLocked(cfg)
	}
	return l
}

func (l *Library) newHandleLocked() star.Handle {
	l.nextID++
	return star.MakeHandle(l.nextID)
}

func (l *Library) addDeviceLocked(cfg DeviceConfig) star.DeviceID {
	links := make(map[uint8]uint8, len(cfg.Links))
	for from, to := range cfg.Links {
		links[from] = to
	}
	dev := &device{id: star.DeviceID{Handle: l.newHandleLocked()}, cfg: cfg, links: links}
	l.devices = append(l.devices, dev)
	return dev.id
}

// AddDevice attaches another device.
func (l *Library) AddDevice(cfg DeviceConfig) star.DeviceID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addDeviceLocked(cfg)
}

// DetachAll removes every device. Channels already open keep working.
func (l *Library) DetachAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.devices = nil
}

// Link delivers packets sent on channel `from` of the device at 1-based index deviceIndex to
// channel `to` of the same device.
func (l *Library) Link(deviceIndex int, from, to uint8) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if deviceIndex < 1 || deviceIndex > len(l.devices) {
		return errors.Errorf("no device at index %d", deviceIndex)
	}
	l.devices[deviceIndex-1].links[from] = to
	return nil
}

// ReportNoDevicesFor makes the next n DeviceList calls report no devices.
func (l *Library) ReportNoDevicesFor(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.emptyEnumerations = n
}

// SetDeviceListError makes DeviceList fail with err until reset with nil.
func (l *Library) SetDeviceListError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deviceListErr = err
}

// SetOpenChannelError makes OpenChannelToLocalDevice fail with err until reset with nil.
func (l *Library) SetOpenChannelError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.openErr = err
}

// SetCloseChannelError makes CloseChannel fail with err until reset with nil. The channel is
// still closed.
func (l *Library) SetCloseChannelError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeErr = err
}

// SetCreatePacketError makes CreatePacket fail with err until reset with nil.
func (l *Library) SetCreatePacketError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.createPacketErr = err
}

// SetCreateTxOperationError makes CreateTxOperation fail with err until reset with nil. The
// packets passed to the failed call are released.
func (l *Library) SetCreateTxOperationError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.createTxErr = err
}

// SetSubmitError makes SubmitTransferOperation fail with err until reset with nil.
func (l *Library) SetSubmitError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submitErr = err
}

// ForceStatus queues statuses returned by the next waits instead of running the transfer.
func (l *Library) ForceStatus(statuses ...star.TransferStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.forcedStatus = append(l.forcedStatus, statuses...)
}

// ForceEmptyCompletion makes completed receive operations report zero items until reset.
func (l *Library) ForceEmptyCompletion(empty bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.forceZeroItems = empty
}

// Inject queues data for reception on an open channel as if it arrived on the link.
func (l *Library) Inject(deviceIndex int, channelNumber uint8, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := l.findChannelLocked(deviceIndex, channelNumber)
	if ch == nil {
		return errors.Errorf("channel %d of device %d is not open", channelNumber, deviceIndex)
	}
	return deliver(ch, append([]byte(nil), data...))
}

func (l *Library) findChannelLocked(deviceIndex int, number uint8) *channel {
	if deviceIndex < 1 || deviceIndex > len(l.devices) {
		return nil
	}
	dev := l.devices[deviceIndex-1]
	for _, ch := range l.channels {
		if ch.device == dev && ch.number == number {
			return ch
		}
	}
	return nil
}

// Stats returns the transfer operation counters.
func (l *Library) Stats() Stats {
	return Stats{
		Created:        l.created.Load(),
		Disposed:       l.disposed.Load(),
		DoubleDisposed: l.doubleDisposed.Load(),
	}
}

// OpenChannelCount returns the number of channels currently open.
func (l *Library) OpenChannelCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.channels)
}

// DeviceListCalls returns how many times DeviceList was called.
func (l *Library) DeviceListCalls() int {
	return int(l.deviceListCalls.Load())
}

// Waiting returns the number of calls currently blocked in WaitOnTransferOperationCompletion.
func (l *Library) Waiting() int {
	return int(l.waiting.Load())
}

// Closed reports whether Close was called.
func (l *Library) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// APIVersion returns the configured version.
func (l *Library) APIVersion() star.VersionInfo {
	return l.version
}

// DeviceList returns the attached devices.
func (l *Library) DeviceList() ([]star.DeviceID, error) {
	l.deviceListCalls.Inc()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deviceListErr != nil {
		return nil, l.deviceListErr
	}
	if l.emptyEnumerations > 0 {
		l.emptyEnumerations--
		return nil, nil
	}
	ids := make([]star.DeviceID, 0, len(l.devices))
	for _, dev := range l.devices {
		ids = append(ids, dev.id)
	}
	return ids, nil
}

func (l *Library) deviceLocked(id star.DeviceID) *device {
	for _, dev := range l.devices {
		if dev.id == id {
			return dev
		}
	}
	return nil
}

// DeviceName returns the configured name, or "" for an unknown device.
func (l *Library) DeviceName(id star.DeviceID) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if dev := l.deviceLocked(id); dev != nil {
		return dev.cfg.Name
	}
	return ""
}

// DeviceSerialNumber returns the configured serial number, or "" for an unknown device.
func (l *Library) DeviceSerialNumber(id star.DeviceID) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if dev := l.deviceLocked(id); dev != nil {
		return dev.cfg.SerialNumber
	}
	return ""
}

// DeviceChannels returns the configured channel count, or 0 for an unknown device.
func (l *Library) DeviceChannels(id star.DeviceID) uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if dev := l.deviceLocked(id); dev != nil {
		return uint32(dev.cfg.Channels)
	}
	return 0
}

// OpenChannelToLocalDevice opens a channel. A channel number can be open once at a time.
func (l *Library) OpenChannelToLocalDevice(
	id star.DeviceID,
	direction star.ChannelDirection,
	number uint8,
	queued bool,
) (star.ChannelID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return star.ChannelID{}, errors.New("library closed")
	}
	if l.openErr != nil {
		return star.ChannelID{}, l.openErr
	}
	dev := l.deviceLocked(id)
	if dev == nil {
		return star.ChannelID{}, errors.Errorf("unknown device %s", id)
	}
	if number < 1 || int(number) > dev.cfg.Channels {
		return star.ChannelID{}, errors.Errorf("device %q has no channel %d", dev.cfg.Name, number)
	}
	if direction != star.DirectionInOut {
		return star.ChannelID{}, errors.Errorf("fake channels only support %s, got %s", star.DirectionInOut, direction)
	}
	for _, ch := range l.channels {
		if ch.device == dev && ch.number == number {
			return star.ChannelID{}, errors.Errorf("channel %d of %q already open", number, dev.cfg.Name)
		}
	}
	ch := &channel{
		id:     star.ChannelID{Handle: l.newHandleLocked()},
		device: dev,
		number: number,
		rx:     make(chan []byte, rxQueueDepth),
	}
	l.channels[ch.id] = ch
	return ch.id, nil
}

// CloseChannel closes an open channel.
func (l *Library) CloseChannel(id star.ChannelID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.channels[id]; !ok {
		return errors.Errorf("channel %s is not open", id)
	}
	delete(l.channels, id)
	return l.closeErr
}

// CreatePacket stores a copy of address and data.
func (l *Library) CreatePacket(address, data []byte, eop star.EOPType) (star.StreamItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.createPacketErr != nil {
		return star.StreamItem{}, l.createPacketErr
	}
	item := star.StreamItem{Handle: l.newHandleLocked()}
	l.packets[item] = &packet{
		address: append([]byte(nil), address...),
		data:    append([]byte(nil), data...),
		eop:     eop,
	}
	return item, nil
}

// CreateTxOperation creates a transmit operation owning items.
func (l *Library) CreateTxOperation(items []star.StreamItem) (star.Operation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(items) == 0 {
		return star.Operation{}, errors.New("a transmit operation needs at least one stream item")
	}
	if l.createTxErr != nil {
		l.releaseLocked(items)
		return star.Operation{}, l.createTxErr
	}
	for _, item := range items {
		if _, ok := l.packets[item]; !ok {
			l.releaseLocked(items)
			return star.Operation{}, errors.Errorf("unknown stream item %s", item)
		}
	}
	op := star.Operation{Handle: l.newHandleLocked()}
	l.ops[op] = &operation{tx: true, items: append([]star.StreamItem(nil), items...)}
	l.created.Inc()
	return op, nil
}

func (l *Library) releaseLocked(items []star.StreamItem) {
	for _, item := range items {
		delete(l.packets, item)
	}
}

// CreateRxOperation creates a receive operation for count packets.
func (l *Library) CreateRxOperation(count int, mask star.ReceiveMask) (star.Operation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if count < 1 {
		return star.Operation{}, errors.Errorf("invalid receive count %d", count)
	}
	if mask&star.ReceivePackets == 0 {
		return star.Operation{}, errors.New("fake receive operations only support packets")
	}
	op := star.Operation{Handle: l.newHandleLocked()}
	l.ops[op] = &operation{count: count}
	l.created.Inc()
	return op, nil
}

// SubmitTransferOperation starts op on a channel.
func (l *Library) SubmitTransferOperation(id star.ChannelID, op star.Operation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.ops[op]
	if !ok {
		return errors.Errorf("unknown operation %s", op)
	}
	if l.submitErr != nil {
		o.status = star.TransferError
		return l.submitErr
	}
	ch, ok := l.channels[id]
	if !ok {
		o.status = star.TransferError
		return errors.Errorf("channel %s is not open", id)
	}
	if o.status != star.TransferNotStarted {
		return errors.Errorf("operation %s already submitted", op)
	}
	o.channel = ch
	o.status = star.TransferStarted
	return nil
}

// WaitOnTransferOperationCompletion runs a submitted operation. Transmit operations complete
// immediately, delivering to the linked channel when it is open. Receive operations wait for
// traffic until timeout; a negative timeout waits forever.
func (l *Library) WaitOnTransferOperationCompletion(op star.Operation, timeout time.Duration) star.TransferStatus {
	var timer <-chan time.Time
	if timeout >= 0 {
		timer = l.clock.After(timeout)
	}

	l.mu.Lock()
	o, ok := l.ops[op]
	if !ok {
		l.mu.Unlock()
		return star.TransferError
	}
	if o.status != star.TransferStarted {
		status := o.status
		l.mu.Unlock()
		return status
	}
	if len(l.forcedStatus) > 0 {
		o.status = l.forcedStatus[0]
		l.forcedStatus = l.forcedStatus[1:]
		status := o.status
		l.mu.Unlock()
		return status
	}
	if o.tx {
		l.transmitLocked(o)
		o.status = star.TransferComplete
		l.mu.Unlock()
		return star.TransferComplete
	}
	rx := o.channel.rx
	l.mu.Unlock()

	l.waiting.Inc()
	defer l.waiting.Dec()
	var received [][]byte
	for len(received) < o.count {
		select {
		case data := <-rx:
			received = append(received, data)
		case <-timer:
			// Whatever arrived stays with the operation, like a partially filled receive.
			l.recordReceived(o, received, star.TransferStarted)
			return star.TransferStarted
		}
	}
	l.recordReceived(o, received, star.TransferComplete)
	return star.TransferComplete
}

func (l *Library) recordReceived(o *operation, received [][]byte, status star.TransferStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, data := range received {
		item := star.StreamItem{Handle: l.newHandleLocked()}
		l.packets[item] = &packet{data: data, eop: star.EOP}
		o.received = append(o.received, item)
	}
	o.status = status
}

func (l *Library) transmitLocked(o *operation) {
	to, ok := o.channel.device.links[o.channel.number]
	if !ok {
		return
	}
	var target *channel
	for _, ch := range l.channels {
		if ch.device == o.channel.device && ch.number == to {
			target = ch
			break
		}
	}
	if target == nil {
		return
	}
	for _, item := range o.items {
		p := l.packets[item]
		// The address is just the leading bytes of the packet on the wire.
		wire := make([]byte, 0, len(p.address)+len(p.data))
		wire = append(wire, p.address...)
		wire = append(wire, p.data...)
		// A full queue drops the packet, like a receiver that is not keeping up.
		_ = deliver(target, wire)
	}
}

func deliver(ch *channel, data []byte) error {
	select {
	case ch.rx <- data:
		return nil
	default:
		return errors.Errorf("receive queue of channel %d is full", ch.number)
	}
}

// TransferItemCount returns the number of items received by op.
func (l *Library) TransferItemCount(op star.Operation) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.ops[op]
	if !ok || l.forceZeroItems {
		return 0
	}
	return len(o.received)
}

// TransferItem returns a received item.
func (l *Library) TransferItem(op star.Operation, index int) (star.StreamItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.ops[op]
	if !ok {
		return star.StreamItem{}, errors.Errorf("unknown operation %s", op)
	}
	if index < 0 || index >= len(o.received) {
		return star.StreamItem{}, errors.Errorf("no transfer item at index %d", index)
	}
	return o.received[index], nil
}

// PacketData returns a copy of the packet payload.
func (l *Library) PacketData(item star.StreamItem) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.packets[item]
	if !ok {
		return nil, errors.Errorf("unknown stream item %s", item)
	}
	return append([]byte{}, p.data...), nil
}

// DisposeTransferOperation releases op and the stream items it owns. Disposing twice is
// counted and reported as an error.
func (l *Library) DisposeTransferOperation(op star.Operation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.ops[op]
	if !ok {
		l.doubleDisposed.Inc()
		return errors.Errorf("operation %s is not live", op)
	}
	for _, item := range o.items {
		delete(l.packets, item)
	}
	for _, item := range o.received {
		delete(l.packets, item)
	}
	delete(l.ops, op)
	l.disposed.Inc()
	return nil
}

// Close marks the library unloaded.
func (l *Library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// LivePackets returns the number of packets not yet released with their operation.
func (l *Library) LivePackets() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.packets)
}
