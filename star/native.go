//go:build (linux || windows) && cgo && !no_cgo

package star

/*
#cgo linux LDFLAGS: -ldl
#include <stdint.h>
#include <stdio.h>
#include <stdlib.h>
#include <string.h>
#ifdef _WIN32
#include <windows.h>
#else
#include <dlfcn.h>
#endif

#define STAR_STR_MAX_LEN 256

typedef unsigned short U16;
typedef unsigned int U32;
typedef U32 STAR_DEVICE_ID;
typedef U32 STAR_CHANNEL_ID;

typedef struct {
	char name[STAR_STR_MAX_LEN];
	char author[STAR_STR_MAX_LEN];
	U16 major;
	U16 minor;
	U16 edit;
	U16 patch;
} STAR_VERSION_INFO;

typedef struct STAR_STREAM_ITEM {
	int itemType;
	void *item;
	void *pReceivedOperation;
	struct STAR_STREAM_ITEM *pNext;
} STAR_STREAM_ITEM;

typedef struct {
	unsigned char *pPath;
	U16 pathLength;
} STAR_SPACEWIRE_ADDRESS;

typedef struct {
	void *lib;

	STAR_VERSION_INFO *(*getApiVersion)(void);
	STAR_DEVICE_ID *(*getDeviceList)(U32 *count);
	char *(*getDeviceName)(STAR_DEVICE_ID device);
	char *(*getDeviceSerialNumber)(STAR_DEVICE_ID device);
	U32 (*getDeviceChannels)(STAR_DEVICE_ID device);
	STAR_CHANNEL_ID (*openChannelToLocalDevice)(STAR_DEVICE_ID device, int direction, unsigned char channel, int isQueued);
	int (*closeChannel)(STAR_CHANNEL_ID channel);
	STAR_STREAM_ITEM *(*createPacket)(STAR_SPACEWIRE_ADDRESS *address, unsigned char *data, unsigned int dataLen, int eopType);
	void *(*createTxOperation)(STAR_STREAM_ITEM **items, unsigned int count);
	void *(*createRxOperation)(int itemCount, int mask);
	int (*submitTransferOperation)(STAR_CHANNEL_ID channel, void *op);
	int (*waitOnTransferOperationCompletion)(void *op, int timeout);
	unsigned int (*getTransferItemCount)(void *op);
	STAR_STREAM_ITEM *(*getTransferItem)(void *op, unsigned int index);
	unsigned char *(*getPacketData)(void *packet, unsigned int *dataLength);
	int (*disposeTransferOperation)(void *op);

	// Optional entry points. Older releases do not export them.
	void (*destroyDeviceList)(STAR_DEVICE_ID *list);
	void (*destroyPacket)(STAR_STREAM_ITEM *packet);
	void (*destroyString)(char *str);
} star_api;

static void *star_dlopen(const char *path) {
#ifdef _WIN32
	return (void *)LoadLibraryA(path);
#else
	return dlopen(path, RTLD_NOW | RTLD_LOCAL);
#endif
}

static void *star_dlsym(void *lib, const char *name) {
#ifdef _WIN32
	return (void *)GetProcAddress((HMODULE)lib, name);
#else
	return dlsym(lib, name);
#endif
}

static int star_dlclose(void *lib) {
#ifdef _WIN32
	return FreeLibrary((HMODULE)lib) ? 0 : -1;
#else
	return dlclose(lib);
#endif
}

static const char *star_dlerror(void) {
#ifdef _WIN32
	static char buf[64];
	snprintf(buf, sizeof(buf), "windows error code %lu", (unsigned long)GetLastError());
	return buf;
#else
	const char *err = dlerror();
	return err != NULL ? err : "unknown dlopen error";
#endif
}

#define STAR_RESOLVE(field, name)                      \
	do {                                               \
		void *sym = star_dlsym(api->lib, name);        \
		if (sym == NULL) {                             \
			return name;                               \
		}                                              \
		*(void **)(&api->field) = sym;                 \
	} while (0)

#define STAR_RESOLVE_OPTIONAL(field, name)             \
	do {                                               \
		void *sym = star_dlsym(api->lib, name);        \
		*(void **)(&api->field) = sym;                 \
	} while (0)

// star_resolve fills api from api->lib and returns the name of the first missing entry point, or
// NULL when everything required was found.
static const char *star_resolve(star_api *api) {
	STAR_RESOLVE(getApiVersion, "STAR_getApiVersion");
	STAR_RESOLVE(getDeviceList, "STAR_getDeviceList");
	STAR_RESOLVE(getDeviceName, "STAR_getDeviceName");
	STAR_RESOLVE(getDeviceSerialNumber, "STAR_getDeviceSerialNumber");
	STAR_RESOLVE(getDeviceChannels, "STAR_getDeviceChannels");
	STAR_RESOLVE(openChannelToLocalDevice, "STAR_openChannelToLocalDevice");
	STAR_RESOLVE(closeChannel, "STAR_closeChannel");
	STAR_RESOLVE(createPacket, "STAR_createPacket");
	STAR_RESOLVE(createTxOperation, "STAR_createTxOperation");
	STAR_RESOLVE(createRxOperation, "STAR_createRxOperation");
	STAR_RESOLVE(submitTransferOperation, "STAR_submitTransferOperation");
	STAR_RESOLVE(waitOnTransferOperationCompletion, "STAR_waitOnTransferOperationCompletion");
	STAR_RESOLVE(getTransferItemCount, "STAR_getTransferItemCount");
	STAR_RESOLVE(getTransferItem, "STAR_getTransferItem");
	STAR_RESOLVE(getPacketData, "STAR_getPacketData");
	STAR_RESOLVE(disposeTransferOperation, "STAR_disposeTransferOperation");
	STAR_RESOLVE_OPTIONAL(destroyDeviceList, "STAR_destroyDeviceList");
	STAR_RESOLVE_OPTIONAL(destroyPacket, "STAR_destroyPacket");
	STAR_RESOLVE_OPTIONAL(destroyString, "STAR_destroyString");
	return NULL;
}

static void star_api_version(star_api *api, STAR_VERSION_INFO *out) {
	STAR_VERSION_INFO *v = api->getApiVersion();
	if (v == NULL) {
		memset(out, 0, sizeof(*out));
		return;
	}
	memcpy(out, v, sizeof(*out));
}

static STAR_DEVICE_ID *star_device_list(star_api *api, U32 *count) {
	return api->getDeviceList(count);
}

static void star_destroy_device_list(star_api *api, STAR_DEVICE_ID *list) {
	if (api->destroyDeviceList != NULL && list != NULL) {
		api->destroyDeviceList(list);
	}
}

static char *star_device_name(star_api *api, U32 device) {
	return api->getDeviceName(device);
}

static char *star_device_serial_number(star_api *api, U32 device) {
	return api->getDeviceSerialNumber(device);
}

static void star_destroy_string(star_api *api, char *str) {
	if (api->destroyString != NULL && str != NULL) {
		api->destroyString(str);
	}
}

static U32 star_device_channels(star_api *api, U32 device) {
	return api->getDeviceChannels(device);
}

static U32 star_open_channel(star_api *api, U32 device, int direction, unsigned char channel, int queued) {
	return api->openChannelToLocalDevice(device, direction, channel, queued);
}

static int star_close_channel(star_api *api, U32 channel) {
	return api->closeChannel(channel);
}

static uintptr_t star_create_packet(star_api *api, STAR_SPACEWIRE_ADDRESS *address, unsigned char *data, unsigned int len, int eop) {
	return (uintptr_t)api->createPacket(address, data, len, eop);
}

static void star_destroy_packet(star_api *api, uintptr_t packet) {
	if (api->destroyPacket != NULL && packet != 0) {
		api->destroyPacket((STAR_STREAM_ITEM *)packet);
	}
}

static uintptr_t star_create_tx(star_api *api, uintptr_t *items, unsigned int count) {
	return (uintptr_t)api->createTxOperation((STAR_STREAM_ITEM **)items, count);
}

static uintptr_t star_create_rx(star_api *api, int count, int mask) {
	return (uintptr_t)api->createRxOperation(count, mask);
}

static int star_submit(star_api *api, U32 channel, uintptr_t op) {
	return api->submitTransferOperation(channel, (void *)op);
}

static int star_wait(star_api *api, uintptr_t op, int timeout) {
	return api->waitOnTransferOperationCompletion((void *)op, timeout);
}

static unsigned int star_item_count(star_api *api, uintptr_t op) {
	return api->getTransferItemCount((void *)op);
}

static uintptr_t star_item(star_api *api, uintptr_t op, unsigned int index) {
	return (uintptr_t)api->getTransferItem((void *)op, index);
}

static int star_item_type(uintptr_t item) {
	return ((STAR_STREAM_ITEM *)item)->itemType;
}

static unsigned char *star_packet_data(star_api *api, uintptr_t item, unsigned int *len) {
	return api->getPacketData(((STAR_STREAM_ITEM *)item)->item, len);
}

static int star_dispose(star_api *api, uintptr_t op) {
	return api->disposeTransferOperation((void *)op);
}
*/
import "C"

import (
	"sync"
	"time"
	"unsafe"

	"github.com/pkg/errors"
)

var errLibraryClosed = errors.New("STAR-API library is closed")

// nativeLibrary calls into the vendor shared object. Native calls are not serialised here; the
// session serialises transfers per channel. mu only protects the loaded state against Close.
type nativeLibrary struct {
	mu   sync.RWMutex
	path string
	api  *C.star_api

	// C memory referenced by packets and transmit operations, released when the owning
	// operation is disposed.
	memMu     sync.Mutex
	packetMem map[uintptr][]unsafe.Pointer
	opMem     map[uintptr][]unsafe.Pointer
}

func openNative(path string) (Library, error) {
	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))

	api := (*C.star_api)(C.calloc(1, C.size_t(unsafe.Sizeof(C.star_api{}))))
	if api == nil {
		return nil, &LoadError{Path: path, Reason: errors.New("out of memory")}
	}
	api.lib = C.star_dlopen(cPath)
	if api.lib == nil {
		reason := C.GoString(C.star_dlerror())
		C.free(unsafe.Pointer(api))
		return nil, &LoadError{Path: path, Reason: errors.New(reason)}
	}
	if missing := C.star_resolve(api); missing != nil {
		name := C.GoString(missing)
		C.star_dlclose(api.lib)
		C.free(unsafe.Pointer(api))
		return nil, &LoadError{Path: path, Reason: errors.Errorf("missing entry point %s", name)}
	}

	return &nativeLibrary{
		path:      path,
		api:       api,
		packetMem: map[uintptr][]unsafe.Pointer{},
		opMem:     map[uintptr][]unsafe.Pointer{},
	}, nil
}

func (l *nativeLibrary) APIVersion() VersionInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.api == nil {
		return VersionInfo{}
	}

	var v C.STAR_VERSION_INFO
	C.star_api_version(l.api, &v)
	return VersionInfo{
		Name:   C.GoString(&v.name[0]),
		Author: C.GoString(&v.author[0]),
		Major:  uint16(v.major),
		Minor:  uint16(v.minor),
		Edit:   uint16(v.edit),
		Patch:  uint16(v.patch),
	}
}

func (l *nativeLibrary) DeviceList() ([]DeviceID, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.api == nil {
		return nil, errLibraryClosed
	}

	var count C.U32
	list := C.star_device_list(l.api, &count)
	if list == nil || count == 0 {
		C.star_destroy_device_list(l.api, list)
		return nil, nil
	}
	defer C.star_destroy_device_list(l.api, list)

	ids := unsafe.Slice(list, int(count))
	devices := make([]DeviceID, 0, len(ids))
	for _, id := range ids {
		devices = append(devices, DeviceID{MakeHandle(uintptr(id))})
	}
	return devices, nil
}

// takeString copies a library owned string and hands it back to the library when it can.
func (l *nativeLibrary) takeString(str *C.char) string {
	if str == nil {
		return ""
	}
	defer C.star_destroy_string(l.api, str)
	return C.GoString(str)
}

func (l *nativeLibrary) DeviceName(device DeviceID) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.api == nil {
		return ""
	}
	return l.takeString(C.star_device_name(l.api, C.U32(device.Raw())))
}

func (l *nativeLibrary) DeviceSerialNumber(device DeviceID) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.api == nil {
		return ""
	}
	return l.takeString(C.star_device_serial_number(l.api, C.U32(device.Raw())))
}

func (l *nativeLibrary) DeviceChannels(device DeviceID) uint32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.api == nil {
		return 0
	}
	return uint32(C.star_device_channels(l.api, C.U32(device.Raw())))
}

func (l *nativeLibrary) OpenChannelToLocalDevice(
	device DeviceID,
	direction ChannelDirection,
	channel uint8,
	queued bool,
) (ChannelID, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.api == nil {
		return ChannelID{}, errLibraryClosed
	}

	var isQueued C.int
	if queued {
		isQueued = 1
	}
	id := C.star_open_channel(l.api, C.U32(device.Raw()), C.int(direction), C.uchar(channel), isQueued)
	if id == 0 {
		return ChannelID{}, errors.Errorf("STAR_openChannelToLocalDevice failed for device %s channel %d", device, channel)
	}
	return ChannelID{MakeHandle(uintptr(id))}, nil
}

func (l *nativeLibrary) CloseChannel(channel ChannelID) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.api == nil {
		return errLibraryClosed
	}

	if C.star_close_channel(l.api, C.U32(channel.Raw())) == 0 {
		return errors.Errorf("STAR_closeChannel failed for channel %s", channel)
	}
	return nil
}

func (l *nativeLibrary) CreatePacket(address, data []byte, eop EOPType) (StreamItem, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.api == nil {
		return StreamItem{}, errLibraryClosed
	}

	addr := (*C.STAR_SPACEWIRE_ADDRESS)(C.calloc(1, C.size_t(unsafe.Sizeof(C.STAR_SPACEWIRE_ADDRESS{}))))
	mem := []unsafe.Pointer{unsafe.Pointer(addr)}
	if len(address) > 0 {
		path := C.CBytes(address)
		mem = append(mem, path)
		addr.pPath = (*C.uchar)(path)
		addr.pathLength = C.U16(len(address))
	}
	var payload unsafe.Pointer
	if len(data) > 0 {
		payload = C.CBytes(data)
		mem = append(mem, payload)
	}

	packet := C.star_create_packet(l.api, addr, (*C.uchar)(payload), C.uint(len(data)), C.int(eop))
	if packet == 0 {
		freeAll(mem)
		return StreamItem{}, errors.New("STAR_createPacket failed")
	}

	l.memMu.Lock()
	l.packetMem[uintptr(packet)] = mem
	l.memMu.Unlock()
	return StreamItem{MakeHandle(uintptr(packet))}, nil
}

func (l *nativeLibrary) CreateTxOperation(items []StreamItem) (Operation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.api == nil {
		return Operation{}, errLibraryClosed
	}
	if len(items) == 0 {
		return Operation{}, errors.New("a transmit operation needs at least one stream item")
	}

	arr := C.malloc(C.size_t(len(items)) * C.size_t(unsafe.Sizeof(C.uintptr_t(0))))
	slots := unsafe.Slice((*C.uintptr_t)(arr), len(items))
	for i, item := range items {
		slots[i] = C.uintptr_t(item.Raw())
	}

	op := C.star_create_tx(l.api, (*C.uintptr_t)(arr), C.uint(len(items)))

	l.memMu.Lock()
	defer l.memMu.Unlock()
	if op == 0 {
		C.free(arr)
		for _, item := range items {
			C.star_destroy_packet(l.api, C.uintptr_t(item.Raw()))
			freeAll(l.packetMem[item.Raw()])
			delete(l.packetMem, item.Raw())
		}
		return Operation{}, errors.New("STAR_createTxOperation failed")
	}

	mem := []unsafe.Pointer{arr}
	for _, item := range items {
		mem = append(mem, l.packetMem[item.Raw()]...)
		delete(l.packetMem, item.Raw())
	}
	l.opMem[uintptr(op)] = mem
	return Operation{MakeHandle(uintptr(op))}, nil
}

func (l *nativeLibrary) CreateRxOperation(count int, mask ReceiveMask) (Operation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.api == nil {
		return Operation{}, errLibraryClosed
	}

	op := C.star_create_rx(l.api, C.int(count), C.int(mask))
	if op == 0 {
		return Operation{}, errors.New("STAR_createRxOperation failed")
	}
	return Operation{MakeHandle(uintptr(op))}, nil
}

func (l *nativeLibrary) SubmitTransferOperation(channel ChannelID, op Operation) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.api == nil {
		return errLibraryClosed
	}

	if C.star_submit(l.api, C.U32(channel.Raw()), C.uintptr_t(op.Raw())) == 0 {
		return errors.Errorf("STAR_submitTransferOperation failed on channel %s", channel)
	}
	return nil
}

// WaitOnTransferOperationCompletion waits at most timeout. A negative timeout waits forever.
func (l *nativeLibrary) WaitOnTransferOperationCompletion(op Operation, timeout time.Duration) TransferStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.api == nil {
		return TransferError
	}

	return TransferStatus(C.star_wait(l.api, C.uintptr_t(op.Raw()), C.int(waitMillis(timeout))))
}

func (l *nativeLibrary) TransferItemCount(op Operation) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.api == nil {
		return 0
	}
	return int(C.star_item_count(l.api, C.uintptr_t(op.Raw())))
}

func (l *nativeLibrary) TransferItem(op Operation, index int) (StreamItem, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.api == nil {
		return StreamItem{}, errLibraryClosed
	}

	item := C.star_item(l.api, C.uintptr_t(op.Raw()), C.uint(index))
	if item == 0 {
		return StreamItem{}, errors.Errorf("no transfer item at index %d", index)
	}
	return StreamItem{MakeHandle(uintptr(item))}, nil
}

func (l *nativeLibrary) PacketData(item StreamItem) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.api == nil {
		return nil, errLibraryClosed
	}
	if !item.Valid() {
		return nil, errors.New("invalid stream item")
	}

	if itemType := StreamItemType(C.star_item_type(C.uintptr_t(item.Raw()))); itemType != ItemSpaceWirePacket {
		return nil, errors.Errorf("stream item is of type %d, not a packet", itemType)
	}
	var length C.uint
	data := C.star_packet_data(l.api, C.uintptr_t(item.Raw()), &length)
	if data == nil {
		if length == 0 {
			return []byte{}, nil
		}
		return nil, errors.New("STAR_getPacketData returned no data")
	}
	return C.GoBytes(unsafe.Pointer(data), C.int(length)), nil
}

func (l *nativeLibrary) DisposeTransferOperation(op Operation) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.api == nil {
		return errLibraryClosed
	}

	rc := C.star_dispose(l.api, C.uintptr_t(op.Raw()))

	l.memMu.Lock()
	freeAll(l.opMem[op.Raw()])
	delete(l.opMem, op.Raw())
	l.memMu.Unlock()

	if rc == 0 {
		return errors.Errorf("STAR_disposeTransferOperation failed for operation %s", op)
	}
	return nil
}

func (l *nativeLibrary) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.api == nil {
		return nil
	}

	var err error
	if C.star_dlclose(l.api.lib) != 0 {
		err = &LoadError{Path: l.path, Reason: errors.New(C.GoString(C.star_dlerror()))}
	}
	C.free(unsafe.Pointer(l.api))
	l.api = nil

	l.memMu.Lock()
	for _, mem := range l.packetMem {
		freeAll(mem)
	}
	for _, mem := range l.opMem {
		freeAll(mem)
	}
	l.packetMem = map[uintptr][]unsafe.Pointer{}
	l.opMem = map[uintptr][]unsafe.Pointer{}
	l.memMu.Unlock()
	return err
}

func freeAll(mem []unsafe.Pointer) {
	for _, p := range mem {
		C.free(p)
	}
}
