// Package devicemanager implements the root of a machine's device tree: it
// owns the dispatch structures that translate a (region kind, address)
// probe from a vCPU trap into a call on the owning device's Read or Write,
// plus a name-keyed registry for lookup.
//
// Generalizes the flat array-indexed dispatch gokvm's machine package used
// for a single 16-bit PortIO space (machine.ioportHandlers) into a
// per-kind, interval-searched structure sized for PortIO, Mmio, and
// PciConfig address spaces alike.
package devicemanager

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tenclass/mvisor-core/device"
	"github.com/tenclass/mvisor-core/logger"
)

// ErrUnmapped is returned by Dispatch when no device claims the probed
// address. Callers should treat this as "read zeros / discard write", not
// as a fatal condition.
var ErrUnmapped = errors.New("unmapped io access")

// mapping binds one device's IoResource into the dispatch table.
type mapping struct {
	resource device.IoResource
	handle   device.Handle
}

// DeviceManager is the root of the device tree for one machine.
type DeviceManager struct {
	debug bool

	mu sync.RWMutex

	byName map[string]device.Handle

	// one sorted-by-base slice of mappings per IoResourceKind, binary
	// searched on dispatch. Registration is cold (bring-up/tear-down
	// only); dispatch is hot, so the slice is kept sorted eagerly on
	// insert rather than sorted lazily on lookup.
	byKind map[device.IoResourceKind][]mapping
}

// New constructs an empty DeviceManager. debug enables the
// child-attachment log line Device.Connect emits.
func New(debug bool) *DeviceManager {
	return &DeviceManager{
		debug:  debug,
		byName: make(map[string]device.Handle),
		byKind: make(map[device.IoResourceKind][]mapping),
	}
}

// Debug implements device.Manager.
func (m *DeviceManager) Debug() bool {
	return m.debug
}

// RegisterDevice adds d to the name registry. A duplicate name is a fatal
// configuration error per spec.md §7.
func (m *DeviceManager) RegisterDevice(d device.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byName[d.Name()]; exists {
		logger.Panicf("duplicate device name %q", d.Name())
	}

	m.byName[d.Name()] = d
}

// UnregisterDevice removes d from the name registry. Removing a device
// that was never registered is a no-op.
func (m *DeviceManager) UnregisterDevice(d device.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.byName, d.Name())
}

// Device looks up a registered device by name.
func (m *DeviceManager) Device(name string) (device.Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.byName[name]

	return h, ok
}

// RegisterIoHandler inserts a (kind, [base, base+length)) -> (device,
// resource) mapping. Overlapping insertions within the same kind are a
// fatal configuration error per spec.md §4.2.
func (m *DeviceManager) RegisterIoHandler(d device.Handle, r device.IoResource) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.byKind[r.Kind]

	for _, existing := range entries {
		if existing.resource.Overlaps(r) {
			logger.Panicf("overlapping io resource: %s [0x%x,0x%x) overlaps %s [0x%x,0x%x)",
				d.Name(), r.Base, r.End(),
				existing.handle.Name(), existing.resource.Base, existing.resource.End())
		}
	}

	entries = append(entries, mapping{resource: r, handle: d})
	sort.Slice(entries, func(i, j int) bool { return entries[i].resource.Base < entries[j].resource.Base })
	m.byKind[r.Kind] = entries
}

// UnregisterIoHandler removes a previously registered mapping. Removing a
// mapping that does not exist is a no-op.
func (m *DeviceManager) UnregisterIoHandler(d device.Handle, r device.IoResource) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.byKind[r.Kind]
	for i, existing := range entries {
		if existing.handle == d && existing.resource == r {
			m.byKind[r.Kind] = append(entries[:i], entries[i+1:]...)

			return
		}
	}
}

// find locates the mapping containing address within kind via binary
// search over the base-sorted slice, giving the O(log n) lookup spec.md
// §4.2 asks for. Caller must hold at least a read lock.
func (m *DeviceManager) find(kind device.IoResourceKind, address uint64) (mapping, bool) {
	entries := m.byKind[kind]

	i := sort.Search(len(entries), func(i int) bool { return entries[i].resource.Base > address })
	if i == 0 {
		return mapping{}, false
	}

	candidate := entries[i-1]
	if address >= candidate.resource.End() {
		return mapping{}, false
	}

	return candidate, true
}

// Dispatch routes one guest I/O trap to the owning device's Read or Write.
// Unmapped accesses return ErrUnmapped after logging a diagnostic; an
// unmapped read zeros data before returning, and an unmapped write simply
// discards it.
func (m *DeviceManager) Dispatch(kind device.IoResourceKind, address uint64, isWrite bool, data []byte) error {
	m.mu.RLock()
	found, ok := m.find(kind, address)
	m.mu.RUnlock()

	if !ok {
		logger.Logf("unmapped %s access at 0x%x (write=%v size=%d)", kind, address, isWrite, len(data))

		if !isWrite {
			for i := range data {
				data[i] = 0
			}
		}

		return ErrUnmapped
	}

	offset := address - found.resource.Base

	if offset+uint64(len(data)) > found.resource.Length {
		logger.Panicf("out-of-range access on %s: base=0x%x offset=0x%x size=%d length=0x%x",
			found.handle.Name(), found.resource.Base, offset, len(data), found.resource.Length)
	}

	if isWrite {
		if err := found.handle.Write(found.resource, offset, data); err != nil {
			return fmt.Errorf("dispatch write to %s: %w", found.handle.Name(), err)
		}
	} else {
		if err := found.handle.Read(found.resource, offset, data); err != nil {
			return fmt.Errorf("dispatch read from %s: %w", found.handle.Name(), err)
		}
	}

	return nil
}
