//go:build amd64
// +build amd64

package ring0

// Every function here is privileged and faults outside CPL 0.

// rdmsr reads the given MSR.
func rdmsr(reg uint32) uint64

// wrmsr writes to the given MSR.
func wrmsr(reg uint32, value uint64)

// xgetbv reads an extended control register.
func xgetbv(reg uint32) uint64

// xsetbv writes to an extended control register.
func xsetbv(reg uint32, value uint64)

// rdtsc reads the time-stamp counter.
func rdtsc() uint64

// rdtscp returns TSC_AUX, which Linux loads with the current core number.
func rdtscp() (aux uint32)

// xsave saves the components in mask to area, which must be 64-byte
// aligned.
func xsave(area *byte, mask uint64)

// xrstor loads the components in mask from area.
func xrstor(area *byte, mask uint64)

func readDR0() uint64
func readDR1() uint64
func readDR2() uint64
func readDR3() uint64
func writeDR0(v uint64)
func writeDR1(v uint64)
func writeDR2(v uint64)
func writeDR3(v uint64)

// vmrun saves the host's hidden state to hostPA, loads the guest GPRs that
// VMRUN does not switch, runs the guest at vmcbPA and stores them back.
// Global interrupts are disabled for the duration.
func vmrun(vmcbPA, hostPA uint64, gprs *[16]uint64)
