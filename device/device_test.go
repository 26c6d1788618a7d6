package device_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tenclass/mvisor-core/device"
)

// fakeManager is a minimal device.Manager used to test Device in isolation,
// without pulling in the real devicemanager package.
type fakeManager struct {
	registeredDevices  []device.Handle
	registeredResource []device.IoResource
}

func (m *fakeManager) RegisterDevice(d device.Handle) {
	m.registeredDevices = append(m.registeredDevices, d)
}

func (m *fakeManager) UnregisterDevice(d device.Handle) {
	for i, existing := range m.registeredDevices {
		if existing == d {
			m.registeredDevices = append(m.registeredDevices[:i], m.registeredDevices[i+1:]...)

			return
		}
	}
}

func (m *fakeManager) RegisterIoHandler(d device.Handle, r device.IoResource) {
	m.registeredResource = append(m.registeredResource, r)
}

func (m *fakeManager) UnregisterIoHandler(d device.Handle, r device.IoResource) {
	for i, existing := range m.registeredResource {
		if existing == r {
			m.registeredResource = append(m.registeredResource[:i], m.registeredResource[i+1:]...)

			return
		}
	}
}

func (m *fakeManager) Debug() bool { return false }

func TestConnectRegistersDeviceThenResources(t *testing.T) {
	t.Parallel()

	m := &fakeManager{}
	d := device.New("root")
	require.NoError(t, d.AddIoResource(device.PortIO, 0x100, 0x10, "r1"))

	d.SetManager(m)
	d.Connect()

	require.True(t, d.Connected())
	require.Len(t, m.registeredDevices, 1)
	require.Len(t, m.registeredResource, 1)
}

func TestConnectOrdersChildrenBeforeSelf(t *testing.T) {
	t.Parallel()

	m := &fakeManager{}
	parent := device.New("parent")
	child := device.New("child")
	parent.AddChild(child)

	require.NoError(t, child.AddIoResource(device.PortIO, 0x10, 0x1, "child-res"))
	require.NoError(t, parent.AddIoResource(device.PortIO, 0x20, 0x1, "parent-res"))

	parent.SetManager(m)
	parent.Connect()

	require.True(t, child.Connected())
	require.Len(t, m.registeredDevices, 2)
	require.Len(t, m.registeredResource, 2)
	require.Equal(t, "child", m.registeredDevices[0].Name())
	require.Equal(t, "child-res", m.registeredResource[0].Name)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	t.Parallel()

	m := &fakeManager{}
	parent := device.New("parent")
	child := device.New("child")
	parent.AddChild(child)
	require.NoError(t, parent.AddIoResource(device.PortIO, 0x30, 0x4, "res"))

	parent.SetManager(m)
	parent.Connect()

	parent.Disconnect()
	require.False(t, parent.Connected())
	require.Empty(t, m.registeredDevices)
	require.Empty(t, m.registeredResource)

	// second call is a no-op
	require.NotPanics(t, func() { parent.Disconnect() })
	require.Empty(t, m.registeredDevices)
}

func TestAddThenRemoveIoResourceRoundTrips(t *testing.T) {
	t.Parallel()

	m := &fakeManager{}
	d := device.New("dev")
	d.SetManager(m)
	d.Connect()

	require.NoError(t, d.AddIoResource(device.PortIO, 0x1000, 0x8, "scratch"))
	require.Len(t, m.registeredResource, 1)

	d.RemoveIoResource(device.PortIO, "scratch")
	require.Empty(t, m.registeredResource)
	require.Empty(t, d.Resources())
}

func TestRemoveIoResourceNoMatchIsNoop(t *testing.T) {
	t.Parallel()

	d := device.New("dev")
	require.NoError(t, d.AddIoResource(device.PortIO, 0x1000, 0x8, "scratch"))

	d.RemoveIoResource(device.PortIO, "does-not-exist")
	require.Len(t, d.Resources(), 1)

	d.RemoveIoResourceByBase(device.Mmio, 0x1000)
	require.Len(t, d.Resources(), 1)
}

func TestAddIoResourceRejectsZeroLength(t *testing.T) {
	t.Parallel()

	d := device.New("dev")
	err := d.AddIoResource(device.PortIO, 0x10, 0, "bad")
	require.ErrorIs(t, err, device.ErrZeroLength)
}

func TestAddIoResourceRejectsOverflow(t *testing.T) {
	t.Parallel()

	d := device.New("dev")
	err := d.AddIoResource(device.PortIO, ^uint64(0)-1, 10, "bad")
	require.ErrorIs(t, err, device.ErrAddressOverflow)
}

func TestResetDefaultIsNoop(t *testing.T) {
	t.Parallel()

	d := device.New("dev")
	require.NotPanics(t, func() {
		d.Reset()
		d.Reset()
	})
}

func TestDefaultReadWritePanics(t *testing.T) {
	t.Parallel()

	d := device.New("dev")
	r := device.IoResource{Kind: device.PortIO, Base: 0x10, Length: 4}

	require.Panics(t, func() {
		_ = d.Read(r, 0, make([]byte, 1))
	})
	require.Panics(t, func() {
		_ = d.Write(r, 0, make([]byte, 1))
	})
}
