// Package ahci models the single collaborator spec.md names for storage:
// the AHCI port that loads the ATA shadow-register file from a guest
// command FIS, invokes StartCommand, and raises completion. Interrupt
// injection and the completion FIS itself are out of this plane's scope
// (spec.md §6): this package only drives the register file and calls back
// into whatever raises the interrupt.
//
// Grounded on gokvm's virtio/blk.go for the shape of a device-side command
// processor bound to a queue-like backing object that signals completion
// through an injector callback (IRQInjector in the teacher).
package ahci

import (
	"github.com/tenclass/mvisor-core/ata"
)

// CommandFis is the host-to-device register FIS fields this port copies
// into the device's register file before starting a command. Wire-
// equivalent to the SATA H2D FIS (spec.md §6).
type CommandFis struct {
	Command            uint8
	Feature0, Feature1 uint8
	Count0, Count1     uint8
	Lba0, Lba1, Lba2   uint8
	Lba3, Lba4, Lba5   uint8
	Device             uint8
}

// IrqInjector raises the storage controller's interrupt line on command
// completion. The concrete implementation (PCI/AHCI controller wiring) is
// out of this plane's scope; this is the named interface spec.md §6
// requires.
type IrqInjector interface {
	InjectStorageIRQ()
}

// Port drives one IdeStorageDevice: it loads the register file from a
// guest-submitted command FIS, invokes StartCommand, and raises the
// interrupt once the handler has mutated Regs/Io to reflect completion.
type Port struct {
	name string

	device *ata.IdeStorageDevice
	irq    IrqInjector
}

// NewPort constructs a port bound to dev, binding dev to this port via
// BindPort in the process (spec.md §4.3: BindPort is a one-shot binding,
// the port is the only object allowed to call StartCommand).
func NewPort(name string, dev *ata.IdeStorageDevice, irq IrqInjector) *Port {
	p := &Port{name: name, device: dev, irq: irq}
	dev.BindPort(p)

	return p
}

// Name implements ata.Port.
func (p *Port) Name() string {
	return p.name
}

// SubmitCommand loads fis into the device's register file, runs the
// command to completion, and raises the storage interrupt. Guest-visible
// errors are reported through the register file by the handler itself;
// an emulator defect (unknown opcode, unsupported mode) panics out of
// StartCommand per spec.md §7 and is not recovered here.
func (p *Port) SubmitCommand(fis CommandFis) {
	d := p.device
	d.Regs.Command = fis.Command
	d.Regs.Feature0, d.Regs.Feature1 = fis.Feature0, fis.Feature1
	d.Regs.Count0, d.Regs.Count1 = fis.Count0, fis.Count1
	d.Regs.Lba0, d.Regs.Lba1, d.Regs.Lba2 = fis.Lba0, fis.Lba1, fis.Lba2
	d.Regs.Lba3, d.Regs.Lba4, d.Regs.Lba5 = fis.Lba3, fis.Lba4, fis.Lba5
	d.Regs.Device = fis.Device

	d.StartCommand()

	p.irq.InjectStorageIRQ()
}
