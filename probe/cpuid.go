// Package probe prints what a host offers for running guests.
package probe

import (
	"fmt"
	"io"

	"github.com/bobuhiro11/gosvm/cpuid"
	"github.com/bobuhiro11/gosvm/svm"
)

// CPUID prints the feature leaves the engine depends on and whether hw
// passes the engine's probe.
func CPUID(w io.Writer, hw svm.Hardware) {
	_, _, ecx1, edx := hw.CPUID(0x1, 0)
	fmt.Fprintf(w, "F1Ecx.\n")
	printFeatures(w, cpuid.AllF1Ecx, ecx1)

	fmt.Fprintf(w, "F1Edx.\n")
	printFeatures(w, cpuid.AllF1Edx, edx)

	maxExt, _, _, _ := hw.CPUID(0x80000000, 0)

	_, _, ecx, _ := hw.CPUID(0x80000001, 0)
	fmt.Fprintf(w, "Ext1Ecx.\n")
	printFeatures(w, cpuid.AllExt1Ecx, ecx)

	if maxExt >= 0x8000000a {
		rev, nasid, _, edx := hw.CPUID(0x8000000a, 0)
		fmt.Fprintf(w, "SVMEdx (revision %d, %d ASIDs).\n", rev&0xff, nasid)
		printFeatures(w, cpuid.AllSVMEdx, edx)
	}

	fmt.Fprintf(w, "SVM usable: %t\n", svm.Probe(hw))
}

// Capabilities prints what an initialized engine reports.
func Capabilities(w io.Writer, caps svm.Capabilities) {
	fmt.Fprintf(w, "XCR0 mask: %#x\n", caps.XCR0Mask)
	fmt.Fprintf(w, "Max CPUID overrides: %d\n", caps.MaxCPUIDOverrides)
	fmt.Fprintf(w, "Max VCPUs: %d\n", caps.MaxVCPUs)
	fmt.Fprintf(w, "VCPU knobs: cpuid=%t tpr=%t\n", caps.VCPUConf.CPUID, caps.VCPUConf.TPR)
}

func printFeatures[T cpuid.Feature](w io.Writer, features []T, reg uint32) {
	enabled := []T{}
	disabled := []T{}

	for i := 0; i < len(features); i++ {
		if reg&(1<<uint(features[i])) != 0 {
			enabled = append(enabled, features[i])
		} else {
			disabled = append(disabled, features[i])
		}
	}

	fmt.Fprintf(w, "* Enabled:")

	for i := 0; i < len(enabled); i++ {
		fmt.Fprintf(w, " %s", enabled[i].String())
	}

	fmt.Fprintf(w, "\n* Disabled:")

	for i := 0; i < len(disabled); i++ {
		fmt.Fprintf(w, " %s", disabled[i].String())
	}

	fmt.Fprintf(w, "\n\n")
}
