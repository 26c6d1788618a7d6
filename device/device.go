// Package device provides the generic emulated-hardware node: a tree of
// devices that advertise I/O resources, receive read/write callbacks on
// those resources, and propagate lifecycle (reset/connect/disconnect) to
// their children.
package device

import (
	"errors"

	"github.com/tenclass/mvisor-core/logger"
)

// IoResourceKind identifies the address space an IoResource lives in.
type IoResourceKind int

const (
	PortIO IoResourceKind = iota
	Mmio
	PciConfig
)

func (k IoResourceKind) String() string {
	switch k {
	case PortIO:
		return "PortIO"
	case Mmio:
		return "Mmio"
	case PciConfig:
		return "PciConfig"
	default:
		return "Unknown"
	}
}

// ErrZeroLength is returned when an IoResource is constructed with a zero
// length, which spec.md §3 forbids.
var ErrZeroLength = errors.New("io resource length must be nonzero")

// ErrAddressOverflow is returned when base+length would wrap the address
// space.
var ErrAddressOverflow = errors.New("io resource base+length overflows")

// IoResource is a named region a Device owns, mapped into the manager's
// dispatch structures while the device is connected.
type IoResource struct {
	Kind   IoResourceKind
	Base   uint64
	Length uint64
	Name   string
}

// End returns the exclusive upper bound of the resource's address range.
func (r IoResource) End() uint64 {
	return r.Base + r.Length
}

// Overlaps reports whether r and o (of the same kind) share any address.
func (r IoResource) Overlaps(o IoResource) bool {
	return r.Base < o.End() && o.Base < r.End()
}

// validate checks the invariants spec.md §3 places on a standalone
// IoResource (nonzero length, no base+length overflow).
func validate(base, length uint64) error {
	if length == 0 {
		return ErrZeroLength
	}

	if base+length < base {
		return ErrAddressOverflow
	}

	return nil
}

// Manager is the capability set Device needs from its owning
// DeviceManager. The devicemanager package's concrete DeviceManager
// implements this. Registration failures (duplicate names, overlapping
// ranges) are emulator defects per spec.md §7: the manager reports them
// fatally itself rather than returning an error here.
type Manager interface {
	RegisterDevice(d Handle)
	UnregisterDevice(d Handle)
	RegisterIoHandler(d Handle, r IoResource)
	UnregisterIoHandler(d Handle, r IoResource)
	Debug() bool
}

// Handle is the capability set the manager needs from a Device in order to
// dispatch I/O to it. It is the trait-object boundary design-notes calls
// for: the tree stores concrete *Device values (or embedders of Device),
// the manager only ever sees this narrow interface.
type Handle interface {
	Name() string
	Read(r IoResource, offset uint64, data []byte) error
	Write(r IoResource, offset uint64, data []byte) error
}

// Device is the abstract node in the emulated-hardware tree. Embed it in a
// concrete device type and override Read/Write (and optionally Reset) to
// implement a real peripheral. Construct one with New: the zero value has
// no Handle installed, so it must be given one via SetSelf before Connect.
type Device struct {
	name string

	parent   *Device
	children []*Device

	resources []IoResource

	connected bool
	manager   Manager

	// self is the Handle the manager dispatches to. It defaults to the
	// embedding Device itself; concrete devices that embed Device and
	// override Read/Write must call SetSelf so the manager calls the
	// override, not Device's own default.
	self Handle
}

// New constructs a named, disconnected Device with no resources and no
// children. The returned value also serves as its own Handle until SetSelf
// is called by an embedder.
func New(name string) *Device {
	d := &Device{name: name}
	d.self = d

	return d
}

// SetSelf installs the Handle the manager should dispatch to. Concrete
// device types that embed *Device and override Read/Write must call this
// with themselves (or a different Handle implementation) before Connect,
// otherwise the manager would invoke Device's own unimplemented Read/Write.
func (d *Device) SetSelf(h Handle) {
	d.self = h
}

// Name returns the device's short name.
func (d *Device) Name() string {
	return d.name
}

// Parent returns the device's parent, or nil for a root device.
func (d *Device) Parent() *Device {
	return d.parent
}

// Children returns the device's children in attachment order. The slice is
// owned by Device; callers must not mutate it.
func (d *Device) Children() []*Device {
	return d.children
}

// Connected reports whether the device is currently connected to a
// manager.
func (d *Device) Connected() bool {
	return d.connected
}

// Resources returns the device's currently owned IoResources. The slice is
// owned by Device; callers must not mutate it.
func (d *Device) Resources() []IoResource {
	return d.resources
}

// AddChild attaches child as an owned subtree node. The parent exclusively
// owns its children: destroying the parent destroys the subtree.
func (d *Device) AddChild(child *Device) {
	child.parent = d
	d.children = append(d.children, child)
}

// SetManager installs the manager this device will register with on
// Connect. Connect's precondition is that this has already been called.
func (d *Device) SetManager(m Manager) {
	d.manager = m
}

// AddIoResource appends a new IoResource to the device's owned list. If
// the device is already connected, the registration with the manager is
// visible to dispatch before this call returns.
func (d *Device) AddIoResource(kind IoResourceKind, base, length uint64, name string) error {
	if err := validate(base, length); err != nil {
		return err
	}

	r := IoResource{Kind: kind, Base: base, Length: length, Name: name}
	d.resources = append(d.resources, r)

	if d.connected {
		d.manager.RegisterIoHandler(d.self, r)
	}

	return nil
}

// nameMatches implements spec.md §9's resolved open question: content
// equality for non-empty names on both sides; an empty name on either side
// never matches unless both are empty (the "null name" sentinel).
func nameMatches(a, b string) bool {
	if a == "" || b == "" {
		return a == "" && b == ""
	}

	return a == b
}

// RemoveIoResource removes the first resource of kind whose name matches
// name (content equality; see spec.md §9). If connected, the manager is
// unregistered first. A non-matching call is a silent no-op.
func (d *Device) RemoveIoResource(kind IoResourceKind, name string) {
	for i, r := range d.resources {
		if r.Kind == kind && nameMatches(r.Name, name) {
			d.removeAt(i)

			return
		}
	}
}

// RemoveIoResourceByBase removes the first resource of kind whose base
// address matches base. If connected, the manager is unregistered first.
// A non-matching call is a silent no-op.
func (d *Device) RemoveIoResourceByBase(kind IoResourceKind, base uint64) {
	for i, r := range d.resources {
		if r.Kind == kind && r.Base == base {
			d.removeAt(i)

			return
		}
	}
}

func (d *Device) removeAt(i int) {
	r := d.resources[i]
	if d.connected {
		d.manager.UnregisterIoHandler(d.self, r)
	}

	d.resources = append(d.resources[:i], d.resources[i+1:]...)
}

// Connect walks the subtree depth-first (children before self's resource
// registration), sets connected, registers self with the manager, then
// registers every currently-held IoResource. Its precondition is that
// SetManager has already been called.
func (d *Device) Connect() {
	logger.Assert(d.manager != nil, "Connect: %s has no manager", d.name)

	for _, child := range d.children {
		child.manager = d.manager
		child.Connect()
	}

	d.connected = true
	d.manager.RegisterDevice(d.self)

	for _, r := range d.resources {
		d.manager.RegisterIoHandler(d.self, r)
	}

	if d.parent != nil && d.manager.Debug() {
		logger.Logf("%s <= %s", d.parent.name, d.name)
	}
}

// Disconnect is a no-op if the device is not connected. Otherwise it
// clears connected, disconnects children recursively, unregisters every
// resource, then unregisters the device itself — the reverse of Connect.
func (d *Device) Disconnect() {
	if !d.connected {
		return
	}

	d.connected = false

	for _, child := range d.children {
		child.Disconnect()
	}

	for _, r := range d.resources {
		d.manager.UnregisterIoHandler(d.self, r)
	}

	d.manager.UnregisterDevice(d.self)
}

// Reset is the default no-op lifecycle hook. Overrides must not touch the
// IoResource set, only internal device state, and must be idempotent.
func (d *Device) Reset() {
	// Don't add anything here; this default is intentionally empty.
}

// Read is the default handler: any device that does not override it is
// misconfigured, which is an emulator defect, not a guest error.
func (d *Device) Read(r IoResource, offset uint64, data []byte) error {
	logger.Panicf("not implemented: %s base=0x%x offset=0x%x size=%d", d.name, r.Base, offset, len(data))

	return nil
}

// Write is the default handler: any device that does not override it is
// misconfigured, which is an emulator defect, not a guest error.
func (d *Device) Write(r IoResource, offset uint64, data []byte) error {
	logger.Panicf("not implemented: %s base=0x%x offset=0x%x size=%d", d.name, r.Base, offset, len(data))

	return nil
}
