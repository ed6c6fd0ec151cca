package hal

import (
	"bytes"
	"sort"

	"xelix/device"
	"xelix/kernel/kfmt"
)

// managedDevices tracks the drivers that were successfully probed during
// bring-up. Concrete hardware (serial UARTs, block devices, the framebuffer)
// lives outside this module; the HAL only knows about whatever driver
// implementations were registered into the device package via
// device.RegisterDriver.
type managedDevices struct {
	activeDrivers []device.Driver
}

var (
	devices managedDevices
	strBuf  bytes.Buffer
)

// ActiveDrivers returns the list of drivers that were probed and
// successfully initialized by the last call to DetectHardware.
func ActiveDrivers() []device.Driver {
	return devices.activeDrivers
}

// DetectHardware probes the registered drivers in detection-order and
// initializes the ones that report their hardware as present.
func DetectHardware() {
	drivers := device.DriverList()
	sort.Sort(drivers)

	probe(drivers)
}

// probe executes the probe function for each driver and records the ones
// that successfully initialize.
func probe(driverInfoList device.DriverInfoList) {
	var w = kfmt.PrefixWriter{Sink: kfmt.GetOutputSink()}

	for _, info := range driverInfoList {
		drv := info.Probe()
		if drv == nil {
			continue
		}

		strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = strBuf.Bytes()

		if err := drv.DriverInit(&w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(&w, "initialized\n")
		devices.activeDrivers = append(devices.activeDrivers, drv)
	}
}
