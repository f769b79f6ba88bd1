package flag

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/bobuhiro11/gosvm/cpuid"
	"github.com/bobuhiro11/gosvm/svm"
	"gopkg.in/yaml.v3"
)

type CLI struct {
	Debug bool `short:"v" help:"Enable debug logging."`

	Probe ProbeCMD `cmd:"" help:"Report SVM support and the capabilities of the engine."`
	Run   RunCMD   `cmd:"" help:"Run a flat real-mode image at 0x7c00."`
}

type ProbeCMD struct {
	Native bool `help:"Probe the processor instead of the simulated host."`
}

type RunCMD struct {
	Image string `arg:"" type:"existingfile" help:"Flat binary image."`

	Native         bool   `help:"Run on the processor instead of the simulated host. Requires CPL 0."`
	NCPUs          int    `short:"c" default:"1" help:"Number of VCPUs."`
	MemSize        string `short:"m" default:"1M" help:"Memory size: as number[gGmMkK], optional units, defaults to M."`
	CPUID          string `type:"existingfile" help:"YAML file with CPUID overrides and patches."`
	TPRPassthrough bool   `name:"tpr-passthrough" default:"true" negatable:"" help:"Let the guest write CR8 without an exit."`
	Dump           bool   `help:"Dump the registers of every VCPU when the guest stops."`
}

// CPUIDFile is the layout of the --cpuid file. Patches are folded into
// Overrides by LoadCPUID.
type CPUIDFile struct {
	Overrides []svm.CPUIDOverride `yaml:"overrides"`
	Patches   []*cpuid.CPUIDPatch `yaml:"patches"`
}

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}

// ParseCPUID decodes a CPUID file and returns the resulting override list.
func ParseCPUID(b []byte) ([]svm.CPUIDOverride, error) {
	var f CPUIDFile

	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("cpuid file: %w", err)
	}

	return Patch(f.Overrides, f.Patches)
}

// Patch folds single-bit patches into an override list, merging with an
// existing override of the same leaf.
func Patch(overrides []svm.CPUIDOverride, patches []*cpuid.CPUIDPatch) ([]svm.CPUIDOverride, error) {
	out := append([]svm.CPUIDOverride(nil), overrides...)

	for _, patch := range patches {
		eax, ebx, ecx, edx, err := patch.Regs()
		if err != nil {
			return nil, err
		}

		r := svm.CPUIDRegs{EAX: eax, EBX: ebx, ECX: ecx, EDX: edx}

		i := slices.IndexFunc(out, func(o svm.CPUIDOverride) bool { return o.Leaf == patch.Function })
		if i < 0 {
			out = append(out, svm.CPUIDOverride{Leaf: patch.Function})
			i = len(out) - 1
		}

		o := &out[i]
		o.Set.EAX |= r.EAX
		o.Set.EBX |= r.EBX
		o.Set.ECX |= r.ECX
		o.Set.EDX |= r.EDX
		o.Del.EAX &^= r.EAX
		o.Del.EBX &^= r.EBX
		o.Del.ECX &^= r.ECX
		o.Del.EDX &^= r.EDX
	}

	return out, nil
}

// LoadCPUID reads the CPUID file at path. An empty path yields no
// overrides.
func LoadCPUID(path string) ([]svm.CPUIDOverride, error) {
	if path == "" {
		return nil, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return ParseCPUID(b)
}
