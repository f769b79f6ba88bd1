package sim_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/gosvm/memory"
	"github.com/bobuhiro11/gosvm/sim"
	"github.com/bobuhiro11/gosvm/svm"
	"github.com/google/go-cmp/cmp"
)

func TestPages(t *testing.T) {
	t.Parallel()

	h := sim.New(sim.Config{})

	a, err := h.AllocPages(1)
	if err != nil {
		t.Fatal(err)
	}

	b, err := h.AllocPages(3)
	if err != nil {
		t.Fatal(err)
	}

	if a.PA%svm.PageSize != 0 || b.PA%svm.PageSize != 0 || a.PA == b.PA {
		t.Errorf("physical addresses %#x %#x", a.PA, b.PA)
	}

	if len(b.Data) != 3*svm.PageSize {
		t.Errorf("got %d bytes", len(b.Data))
	}

	h.FreePages(a)
	h.FreePages(b)

	if _, err := h.AllocPages(0); err == nil {
		t.Error("AllocPages(0) succeeded")
	}
}

func TestBroadcast(t *testing.T) {
	t.Parallel()

	h := sim.New(sim.Config{CPUs: 3})

	var seen []int

	err := h.Broadcast(func(cpu int) error {
		seen = append(seen, cpu)
		h.WriteMSR(0x10, uint64(cpu)+100)

		if cpu == 2 {
			return errors.New("boom")
		}

		return nil
	})
	if err == nil {
		t.Error("Broadcast dropped the error")
	}

	if diff := cmp.Diff([]int{0, 1, 2}, seen); diff != "" {
		t.Errorf("cores mismatch (-want +got):\n%s", diff)
	}

	for cpu := 0; cpu < 3; cpu++ {
		if got := h.MSR(cpu, 0x10); got != uint64(cpu)+100 {
			t.Errorf("cpu %d: msr %d", cpu, got)
		}
	}
}

func TestPreempt(t *testing.T) {
	t.Parallel()

	h := sim.New(sim.Config{CPUs: 2})
	h.SetCPU(1)

	if cpu := h.PreemptDisable(); cpu != 1 {
		t.Errorf("PreemptDisable = %d", cpu)
	}

	h.WriteXCR0(3)
	h.WriteDR(2, 0x55)
	h.PreemptEnable()

	h.SetCPU(0)
	h.PreemptDisable()

	if h.ReadXCR0() != svm.XCR0X87|svm.XCR0SSE|svm.XCR0AVX || h.ReadDR(2) != 0 {
		t.Error("per-core registers leaked to cpu 0")
	}

	h.PreemptEnable()
}

func TestMapNested(t *testing.T) {
	t.Parallel()

	h := sim.New(sim.Config{})

	mem, err := memory.New(0x4000)
	if err != nil {
		t.Fatal(err)
	}

	defer mem.Close()

	root, err := h.MapNested(mem, 0x2000)
	if err != nil {
		t.Fatal(err)
	}

	defer h.UnmapNested(root)

	if root%svm.PageSize != 0 {
		t.Errorf("root %#x not aligned", root)
	}
}

func TestFeatures(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		cfg  sim.Config
		want uint32
	}{
		{sim.Config{}, svm.SVMFeatureNP | svm.SVMFeatureFlushByASID},
		{sim.Config{NoNestedPaging: true}, svm.SVMFeatureFlushByASID},
		{sim.Config{NoFlushByASID: true}, svm.SVMFeatureNP},
	} {
		_, nasid, _, edx := sim.New(tt.cfg).CPUID(0x8000000a, 0)

		if got := edx & (svm.SVMFeatureNP | svm.SVMFeatureFlushByASID); got != tt.want {
			t.Errorf("%+v: features %#x, want %#x", tt.cfg, got, tt.want)
		}

		if nasid != 64 {
			t.Errorf("%+v: %d asids", tt.cfg, nasid)
		}
	}
}
