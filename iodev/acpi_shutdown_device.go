package iodev

import "gvisor.dev/gvisor/pkg/log"

// ACPIShutDownDevice is the sleep control port EDK2/CloudHv firmware
// writes to turn the machine off or reset it.
// See: https://github.com/cloud-hypervisor/edk2/blob/ch/OvmfPkg/Include/IndustryStandard/CloudHv.h

const (
	ACPIShutDownDevPort = uint64(0x600)

	// S5 (soft off) with SLP_EN, as the DSDT describes it.
	s5SleepVal       = uint8(5)
	sleepStatusENBit = uint8(5)
	sleepValBit      = uint8(2)
)

type ACPIShutDownDevice struct {
	Port uint64

	// OnShutdown and OnReset are called from the VCPU that wrote the port.
	OnShutdown func()
	OnReset    func()
}

func NewACPIShutDownDevice(onShutdown, onReset func()) *ACPIShutDownDevice {
	return &ACPIShutDownDevice{
		Port:       ACPIShutDownDevPort,
		OnShutdown: onShutdown,
		OnReset:    onReset,
	}
}

func (a *ACPIShutDownDevice) Read(base uint64, data []byte) error {
	clear(data)

	return nil
}

func (a *ACPIShutDownDevice) Write(base uint64, data []byte) error {
	switch data[0] {
	case 1:
		log.Infof("ACPI reboot signalled")

		if a.OnReset != nil {
			a.OnReset()
		}
	case s5SleepVal<<sleepValBit | 1<<sleepStatusENBit:
		log.Infof("ACPI shutdown signalled")

		if a.OnShutdown != nil {
			a.OnShutdown()
		}
	}

	return nil
}

func (a *ACPIShutDownDevice) IOPort() uint64 {
	return a.Port
}

func (a *ACPIShutDownDevice) Size() uint64 {
	return 0x8
}
