package session

import (
	"github.com/samber/lo"

	"go.spwlink.dev/starapi/star"
)

// A Device is one attached device as seen by a single enumeration.
type Device struct {
	// Index is the 1-based position of the device in its enumeration.
	Index        int
	Name         string
	SerialNumber string
	Channels     int

	id star.DeviceID
}

// An Enumeration is an immutable snapshot of the attached devices. Device indices are only
// meaningful within the snapshot that produced them.
type Enumeration struct {
	devices []Device
}

// Devices returns a copy of the enumerated devices in library order.
func (e Enumeration) Devices() []Device {
	return append([]Device(nil), e.devices...)
}

// Names returns the device names in library order.
func (e Enumeration) Names() []string {
	return lo.Map(e.devices, func(dev Device, _ int) string {
		return dev.Name
	})
}

// Len returns the number of devices.
func (e Enumeration) Len() int {
	return len(e.devices)
}

// Device returns the device at the 1-based index.
func (e Enumeration) Device(index int) (Device, error) {
	if index < 1 || index > len(e.devices) {
		return Device{}, NewDeviceIndexError(index, len(e.devices))
	}
	return e.devices[index-1], nil
}

// ByName returns the first device with the given name.
func (e Enumeration) ByName(name string) (Device, bool) {
	return lo.Find(e.devices, func(dev Device) bool {
		return dev.Name == name
	})
}

func enumerate(lib star.Library) (Enumeration, error) {
	ids, err := lib.DeviceList()
	if err != nil {
		return Enumeration{}, newTransportError("list devices", err)
	}
	devices := make([]Device, 0, len(ids))
	for i, id := range ids {
		devices = append(devices, Device{
			Index:        i + 1,
			Name:         lib.DeviceName(id),
			SerialNumber: lib.DeviceSerialNumber(id),
			Channels:     int(lib.DeviceChannels(id)),
			id:           id,
		})
	}
	return Enumeration{devices: devices}, nil
}
