// Command mvisor-coreprobe is a debug/profiling harness: it wires up a
// DeviceManager with a storage device behind an AHCI port and a sweet
// display encoder, drives both with synthetic traffic, and profiles the
// result. It exercises gokvm's three profiling indirect dependencies
// (fgprof, pprof, pkg/profile), which otherwise have nowhere to hang in a
// plane with no vCPU loop of its own — see DESIGN.md.
package main

import (
	"flag"
	"log"
	"os"
	"runtime/pprof"
	"time"

	"github.com/felixge/fgprof"
	gpprof "github.com/google/pprof/profile"
	"github.com/pkg/profile"

	"github.com/tenclass/mvisor-core/ahci"
	"github.com/tenclass/mvisor-core/ata"
	"github.com/tenclass/mvisor-core/device"
	"github.com/tenclass/mvisor-core/devicemanager"
	"github.com/tenclass/mvisor-core/sweet"
)

var (
	iterations = flag.Int("iterations", 2000, "number of synthetic dispatch/render cycles to run")
	cpuProfile = flag.Bool("cpuprofile", false, "capture a CPU profile with pkg/profile")
	fgprofPath = flag.String("fgprofile", "", "write an fgprof wall-clock profile to this path")
	mergedPath = flag.String("merged-profile", "", "write the merged pprof-format profile to this path")
)

// noopIrq satisfies ahci.IrqInjector without a real interrupt controller;
// this harness only cares about dispatch and encode cost, not completion
// signaling.
type noopIrq struct{}

func (noopIrq) InjectStorageIRQ() {}

// statusRegisterDevice is a one-register stand-in for a real PortIO leaf:
// it overrides device.Device's panic-on-unimplemented default just enough
// to let Dispatch's hot path read something, mirroring how a real status
// register would be exposed alongside the command-FIS path AhciPort uses.
type statusRegisterDevice struct {
	*device.Device

	storage *ata.IdeStorageDevice
}

func newStatusRegisterDevice(storage *ata.IdeStorageDevice) *statusRegisterDevice {
	d := &statusRegisterDevice{Device: device.New("ide0-status"), storage: storage}
	d.SetSelf(d)

	return d
}

func (d *statusRegisterDevice) Read(r device.IoResource, offset uint64, data []byte) error {
	data[0] = d.storage.Regs.Status

	return nil
}

func (d *statusRegisterDevice) Write(r device.IoResource, offset uint64, data []byte) error {
	return nil
}

func main() {
	flag.Parse()

	if *cpuProfile {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	}

	var stopFgprof func() error
	if *fgprofPath != "" {
		f, err := os.Create(*fgprofPath)
		if err != nil {
			log.Fatalf("mvisor-coreprobe: create fgprof output: %v", err)
		}
		defer f.Close()

		stop := fgprof.Start(f, fgprof.FormatPprof)
		stopFgprof = stop
	}

	manager := devicemanager.New(false)

	storage := ata.NewIdeStorageDevice(ata.Cdrom)
	statusReg := newStatusRegisterDevice(storage)
	statusReg.SetManager(manager)
	_ = statusReg.AddIoResource(device.PortIO, 0x1F0, 1, "ide0-status")
	statusReg.Connect()

	port := ahci.NewPort("ide0-port0", storage, noopIrq{})

	encoder := sweetEncoder()
	defer encoder.Close()

	encoder.Start(func(payload []byte) {})

	runWorkload(manager, port, encoder, *iterations)

	if stopFgprof != nil {
		if err := stopFgprof(); err != nil {
			log.Printf("mvisor-coreprobe: fgprof stop: %v", err)
		}
	}

	if *mergedPath != "" {
		if err := writeMergedProfile(*mergedPath); err != nil {
			log.Printf("mvisor-coreprobe: merged profile: %v", err)
		}
	}
}

func sweetEncoder() *sweet.SweetDisplayEncoder {
	config := &sweet.DisplayStreamConfig{
		Preset:  "veryfast",
		Profile: "baseline",
		Qmin:    28,
		Bitrate: 4_000_000,
		Fps:     30,
		Threads: 1,
	}

	return sweet.NewSweetDisplayEncoder(640, 480, 32, config)
}

// runWorkload drives DeviceManager.Dispatch's interval-search path with a
// 1-byte status-register peek between each ATA IDENTIFY command, and the
// encoder with dirty-rectangle renders — the two hot paths this plane
// cares about profiling.
func runWorkload(manager *devicemanager.DeviceManager, port *ahci.Port, encoder *sweet.SweetDisplayEncoder, n int) {
	partial := sweet.DisplayPartialBitmap{
		X: 16, Y: 16, Width: 64, Height: 64, Stride: 64 * 4,
		Vector: []sweet.Segment{{Base: make([]byte, 64*64*4), Len: 64 * 64 * 4}},
	}

	status := make([]byte, 1)

	for i := 0; i < n; i++ {
		port.SubmitCommand(ahci.CommandFis{Command: 0xEC}) // IDENTIFY_DEVICE

		_ = manager.Dispatch(device.PortIO, 0x1F0, false, status)

		encoder.Render([]sweet.DisplayPartialBitmap{partial})

		if i%256 == 0 {
			encoder.ForceKeyframe()
			time.Sleep(time.Millisecond)
		}
	}
}

// writeMergedProfile captures the process's current heap profile (via
// runtime/pprof), then round-trips it through google/pprof/profile's
// parser and Merge, demonstrating the profile-merge path that package
// exists for. A single-profile merge is a no-op on the data but exercises
// the same Parse/Merge/Write call sequence a real multi-run aggregation
// would use.
func writeMergedProfile(path string) error {
	tmp, err := os.CreateTemp("", "mvisor-coreprobe-heap-*.pprof")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := pprof.WriteHeapProfile(tmp); err != nil {
		return err
	}

	if _, err := tmp.Seek(0, 0); err != nil {
		return err
	}

	p, err := gpprof.Parse(tmp)
	if err != nil {
		return err
	}

	merged, err := gpprof.Merge([]*gpprof.Profile{p})
	if err != nil {
		return err
	}

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	return merged.Write(out)
}
