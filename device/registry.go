package device

// DetectOrder controls the relative ordering in which registered drivers are
// probed by the HAL. Lower values run first.
type DetectOrder uint8

const (
	// DetectOrderEarly is used by drivers that must be probed before
	// anything else (e.g. the interrupt controller, the system timer).
	DetectOrderEarly DetectOrder = iota

	// DetectOrderBeforeBus is used by drivers that need to run before bus
	// enumeration but after the early, always-present devices.
	DetectOrderBeforeBus

	// DetectOrderBus is used by drivers that enumerate a bus (e.g. PCI,
	// IDE/ATA channels) and may themselves register further drivers.
	DetectOrderBus

	// DetectOrderLast is used by drivers that depend on every other
	// driver already being initialized.
	DetectOrderLast
)

// DriverInfo describes a registered driver and the order in which the HAL
// should attempt to probe it.
type DriverInfo struct {
	// Order specifies this driver's position in the probe sequence.
	Order DetectOrder

	// Probe is invoked by the HAL to check whether the corresponding
	// hardware is present. It returns nil if the hardware could not be
	// detected.
	Probe ProbeFn
}

// DriverInfoList is a sortable list of DriverInfo entries, ordered by Order.
type DriverInfoList []*DriverInfo

// Len implements sort.Interface.
func (l DriverInfoList) Len() int { return len(l) }

// Swap implements sort.Interface.
func (l DriverInfoList) Swap(i, j int) { l[i], l[j] = l[j], l[i] }

// Less implements sort.Interface.
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }

// registeredDrivers holds the list of drivers registered via RegisterDriver.
var registeredDrivers DriverInfoList

// RegisterDriver appends info to the list of known drivers. It is typically
// invoked from a package init() function.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns the list of all registered drivers.
func DriverList() DriverInfoList {
	return registeredDrivers
}

// ResetDrivers clears the driver registry. It exists for use by tests in
// other packages that register drivers against the shared registry.
func ResetDrivers() {
	registeredDrivers = nil
}
