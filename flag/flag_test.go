package flag_test

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/bobuhiro11/gosvm/cpuid"
	"github.com/bobuhiro11/gosvm/flag"
	"github.com/bobuhiro11/gosvm/svm"
	"github.com/google/go-cmp/cmp"
)

func TestParseSize(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		s, unit string
		want    int
		err     error
	}{
		{s: "1", unit: "m", want: 1 << 20},
		{s: "4k", unit: "m", want: 4 << 10},
		{s: "2G", unit: "", want: 2 << 30},
		{s: "0x10", unit: "", want: 16},
		{s: "512", unit: "", want: 512},
		{s: "M", unit: "", want: -1, err: strconv.ErrSyntax},
		{s: "1", unit: "t", want: -1, err: strconv.ErrSyntax},
	} {
		got, err := flag.ParseSize(tt.s, tt.unit)
		if !errors.Is(err, tt.err) {
			t.Errorf("ParseSize(%q, %q): err %v, want %v", tt.s, tt.unit, err, tt.err)
		}

		if got != tt.want {
			t.Errorf("ParseSize(%q, %q) = %d, want %d", tt.s, tt.unit, got, tt.want)
		}
	}

	if _, err := flag.ParseSize("zz", ""); err == nil {
		t.Error("ParseSize(\"zz\") succeeded")
	}
}

func TestParseCPUID(t *testing.T) {
	t.Parallel()

	got, err := flag.ParseCPUID([]byte(`
overrides:
  - leaf: 0x7
    del:
      ebx: 0x20
  - leaf: 0x6
    exit: true
patches:
  - function: 1
    edx: 5
`))
	if err != nil {
		t.Fatal(err)
	}

	want := []svm.CPUIDOverride{
		{Leaf: 7, Del: svm.CPUIDRegs{EBX: 0x20}},
		{Leaf: 6, Exit: true},
		{Leaf: 1, Set: svm.CPUIDRegs{EDX: 1 << 4}},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseCPUID mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadCPUID(t *testing.T) {
	t.Parallel()

	if got, err := flag.LoadCPUID(""); err != nil || got != nil {
		t.Errorf("LoadCPUID(\"\") = %v, %v", got, err)
	}

	path := filepath.Join(t.TempDir(), "cpuid.yaml")
	if err := os.WriteFile(path, []byte("overrides: [{leaf: 0x1, set: {ecx: 0x1}}]\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := flag.LoadCPUID(path)
	if err != nil {
		t.Fatal(err)
	}

	want := []svm.CPUIDOverride{{Leaf: 1, Set: svm.CPUIDRegs{ECX: 1}}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LoadCPUID mismatch (-want +got):\n%s", diff)
	}

	if _, err := flag.ParseCPUID([]byte("overrides: 3")); err == nil {
		t.Error("ParseCPUID accepted a scalar override list")
	}
}

func TestPatch(t *testing.T) {
	t.Parallel()

	base := []svm.CPUIDOverride{
		{Leaf: 0x1, Del: svm.CPUIDRegs{ECX: 1 << 5}},
	}

	got, err := flag.Patch(base, []*cpuid.CPUIDPatch{
		{Function: 0x1, ECXBit: 6},
		{Function: 0x7, EBXBit: 1},
	})
	if err != nil {
		t.Fatal(err)
	}

	want := []svm.CPUIDOverride{
		{Leaf: 0x1, Set: svm.CPUIDRegs{ECX: 1 << 5}},
		{Leaf: 0x7, Set: svm.CPUIDRegs{EBX: 1}},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Patch() mismatch (-want +got):\n%s", diff)
	}

	if base[0].Del.ECX != 1<<5 {
		t.Error("Patch modified its input")
	}
}

func TestPatchInvalid(t *testing.T) {
	t.Parallel()

	for name, p := range map[string]*cpuid.CPUIDPatch{
		"none":     {Function: 1},
		"two":      {Function: 1, EAXBit: 1, EDXBit: 2},
		"overflow": {Function: 1, EAXBit: 33},
	} {
		if _, err := flag.Patch(nil, []*cpuid.CPUIDPatch{p}); err == nil {
			t.Errorf("%s: Patch accepted %+v", name, p)
		} else if errors.Is(err, svm.ErrInvalidConfig) {
			t.Errorf("%s: unexpected error class %v", name, err)
		}
	}
}
