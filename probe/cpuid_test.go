package probe

import (
	"bytes"
	"strings"
	"testing"

	"github.com/bobuhiro11/gosvm/sim"
	"github.com/bobuhiro11/gosvm/svm"
)

func TestCPUID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  sim.Config
		want []string
	}{
		{
			name: "capable",
			cfg:  sim.Config{NASID: 16},
			want: []string{"F1Ecx.\n* Enabled: XMM3 PCLMULQDQ MWAIT", " XSAVE OSXSAVE AVX", "SVMEdx (revision 1, 16 ASIDs)", " NPT", "SVM usable: true"},
		},
		{
			name: "disabled by firmware",
			cfg:  sim.Config{SVMDisabled: true},
			want: []string{"SVM usable: false"},
		},
		{
			name: "no nested paging",
			cfg:  sim.Config{NoNestedPaging: true},
			want: []string{"* Disabled: NPT", "SVM usable: false"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var b bytes.Buffer

			CPUID(&b, sim.New(tt.cfg))

			for _, w := range tt.want {
				if !strings.Contains(b.String(), w) {
					t.Errorf("output lacks %q:\n%s", w, b.String())
				}
			}
		})
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()

	var b bytes.Buffer

	Capabilities(&b, svm.Capabilities{
		XCR0Mask:          7,
		MaxCPUIDOverrides: 32,
		MaxVCPUs:          128,
		VCPUConf:          svm.VCPUConf{CPUID: true, TPR: true},
	})

	want := "XCR0 mask: 0x7\nMax CPUID overrides: 32\nMax VCPUs: 128\nVCPU knobs: cpuid=true tpr=true\n"
	if b.String() != want {
		t.Fatalf("got %q, want %q", b.String(), want)
	}
}
