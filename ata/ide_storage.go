package ata

import (
	"github.com/tenclass/mvisor-core/logger"
)

// driveInfo is the vendor/identify-data scratch block. Its contents are
// populated by the harddisk/CD-ROM subclasses (not specified here); the
// base class only guarantees it starts zeroed.
type driveInfo struct {
	data [512]byte
}

// Port is the AHCI port collaborator: the only object allowed to call
// StartCommand, and the only object that observes completion by reading
// Regs/Io back afterwards.
type Port interface {
	// Name is used only for diagnostics.
	Name() string
}

// handlerFunc is one entry in the opcode dispatch table. It receives the
// owning device so handlers can mutate Regs/Io and call AbortCommand or
// Ata_ResetSignature.
type handlerFunc func(dev *IdeStorageDevice)

// IdeStorageDevice is an ATA/ATAPI command processor shaped as a dispatch
// table from opcode to handler, driven by a companion AHCI port that
// supplies DMA descriptors and raises completions.
type IdeStorageDevice struct {
	Regs Registers
	Io   IoState

	info      driveInfo
	driveType DriveType

	handlers [256]handlerFunc

	port Port
}

// NewIdeStorageDevice constructs a base IDE storage device of the given
// type with the required opcode matrix installed. Subclasses (hard disk,
// CD-ROM transfer commands) extend Handlers() with additional opcodes; the
// base class never branches on driveType except inside Ata_ResetSignature
// and Ata_IdentifyDevice.
func NewIdeStorageDevice(driveType DriveType) *IdeStorageDevice {
	dev := &IdeStorageDevice{driveType: driveType}
	dev.installBaseHandlers()

	return dev
}

func (d *IdeStorageDevice) installBaseHandlers() {
	d.handlers[CmdNop] = func(dev *IdeStorageDevice) {
		logger.Panicf("nop")
	}

	d.handlers[CmdDeviceReset] = func(dev *IdeStorageDevice) {
		dev.Regs.Error &^= ErrBbk
		dev.Regs.Error = ErrNdam
		dev.Regs.Status = 0
		dev.Ata_ResetSignature()
	}

	d.handlers[CmdReadLog] = func(dev *IdeStorageDevice) {
		dev.AbortCommand()
	}

	d.handlers[CmdIdentifyDevice] = func(dev *IdeStorageDevice) {
		dev.Ata_IdentifyDevice()
	}

	d.handlers[CmdSetFeatures] = func(dev *IdeStorageDevice) {
		dev.Ata_SetFeatures()
	}
}

// Handlers exposes the opcode table so subclasses can install additional
// entries beyond the base matrix.
func (d *IdeStorageDevice) Handlers() *[256]handlerFunc {
	return &d.handlers
}

// DriveType reports whether this device is a hard disk or a CD-ROM.
func (d *IdeStorageDevice) DriveType() DriveType {
	return d.driveType
}

// BindPort installs a one-shot binding to the AHCI port.
func (d *IdeStorageDevice) BindPort(p Port) {
	d.port = p
}

// Reset sets the base idle status and re-signatures the device. Distinct
// from the generic device.Device.Reset no-op default: this override is
// carried from the original implementation (SPEC_FULL.md §4).
func (d *IdeStorageDevice) Reset() {
	d.Regs.Status = StatusDrdy
	d.Ata_ResetSignature()
}

// StartCommand is invoked by the AHCI port once it has loaded Regs from
// the guest command FIS. It runs the preamble, then dispatches to the
// opcode handler. An opcode with no installed handler is an emulator
// defect, not a guest error — the emulator was supposed to implement it.
func (d *IdeStorageDevice) StartCommand() {
	d.Regs.Status = StatusDrdy
	d.Regs.Error = 0
	d.Io.DmaStatus = 0
	d.Io.Nbytes = 0

	handler := d.handlers[d.Regs.Command]
	if handler == nil {
		logger.Panicf("unknown ata command 0x%x", d.Regs.Command)
	}

	handler(d)
}

// AbortCommand reports "command not supported" through the register file:
// DRDY|ERR in Status, ABRT in Error.
func (d *IdeStorageDevice) AbortCommand() {
	d.Regs.Status = StatusDrdy | StatusErr
	d.Regs.Error = ErrAbrt
}

// Ata_ResetSignature programs the canonical idle signature. For CD-ROM
// this is the published ATAPI signature (0xEB140101); for hard disk it is
// the published ATA signature (0x00000101). Called by device reset and by
// ATAPI IDENTIFY to signal "I am an ATAPI device".
func (d *IdeStorageDevice) Ata_ResetSignature() {
	d.Regs.Device = ^uint8(0x0F)
	d.Regs.Count0 = 1
	d.Regs.Lba0 = 1

	if d.driveType == Cdrom {
		d.Regs.Lba1 = 0x14
		d.Regs.Lba2 = 0xEB
	} else {
		d.Regs.Lba1 = 0
		d.Regs.Lba2 = 0
	}
}

// Ata_IdentifyDevice is the base-class IDENTIFY_DEVICE handler: for
// CD-ROM it resets the signature and aborts unconditionally, forcing the
// guest to retry as PACKET IDENTIFY (spec.md §9's open question, resolved
// to match the original). A harddisk subclass must override this with a
// real identify-data response; the base class panics if reached on a
// harddisk, since that means no subclass installed an override.
func (d *IdeStorageDevice) Ata_IdentifyDevice() {
	if d.driveType != Cdrom {
		logger.Panicf("Ata_IdentifyDevice: harddisk must override this")
	}

	d.Ata_ResetSignature()
	d.AbortCommand()
}

// Ata_SetFeatures sub-dispatches on Feature0. Only UDMA transfer-mode
// selection (feature0=0x03, count0>>3==8) and the power-on-defaults
// enable/disable no-ops (0x66, 0xCC) are supported; any other transfer
// mode is an unsupported-by-design emulator defect (spec.md §4.3), and any
// other sub-code aborts the command as a guest-visible error.
func (d *IdeStorageDevice) Ata_SetFeatures() {
	switch d.Regs.Feature0 {
	case 0x03:
		mode := d.Regs.Count0 & 0b111
		switch d.Regs.Count0 >> 3 {
		case 0, 1:
			logger.Panicf("not supported PIO mode")
		case 2:
			logger.Panicf("not supported Single word DMA mode")
		case 4:
			logger.Panicf("not supported MDMA mode")
		case 8:
			logger.Logf("udma = %x", mode)
		default:
			logger.Panicf("unknown transfer mode 0x%x", d.Regs.Count0)
		}
	case 0x66, 0xCC:
		// reverting to power-on defaults disable/enable: no-op
	default:
		logger.Logf("unknown set features 0x%x", d.Regs.Feature0)
		d.AbortCommand()
	}
}
