package svm_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/gosvm/sim"
	"github.com/bobuhiro11/gosvm/svm"
	"github.com/google/go-cmp/cmp"
)

func fullState() *svm.State {
	st := &svm.State{}

	for i := range st.Segs {
		st.Segs[i] = svm.Segment{
			Selector: uint16(8 * i),
			Base:     uint64(i) << 12,
			Limit:    0xfffff,
			Attrib:   svm.SegmentAttrib{Type: 3, S: true, P: true, DB: true, G: true},
		}
	}

	for i := range st.GPRs {
		st.GPRs[i] = 0x1111 * uint64(i+1)
	}

	st.GPRs[svm.GPRRFLAGS] = 0x202

	st.CRs = [svm.NumCRs]uint64{
		svm.CR0:  0x80050033,
		svm.CR2:  0xdead000,
		svm.CR3:  0x5000,
		svm.CR4:  0x20,
		svm.CR8:  0x7,
		svm.XCR0: svm.XCR0X87 | svm.XCR0SSE,
	}
	st.DRs = [svm.NumDRs]uint64{1, 2, 3, 4, 0xffff0ff0, 0x401}

	for i := range st.MSRs {
		st.MSRs[i] = 0x100 + uint64(i)
	}

	st.MSRs[svm.MSREFER] = svm.EFERLME | svm.EFERLMA | svm.EFERNXE
	st.Intr = svm.IntrState{IntShadow: true, IntWindowExiting: true, NMIWindowExiting: true}
	st.FPU = svm.FPUState{FCW: 0x37f, FSW: 0x20, FTW: 0xff, MXCSR: 0x1f80, MXCSRMask: 0xffff}
	st.FPU.ST[3][0] = 0x42
	st.FPU.XMM[15][15] = 0x99

	return st
}

func TestStateRoundTrip(t *testing.T) {
	t.Parallel()

	e := newEnv(t, sim.Config{}, 1<<20)

	v, err := e.vm.CreateVCPU()
	if err != nil {
		t.Fatal(err)
	}

	defer e.vm.DestroyVCPU(v)

	want := fullState()

	if err := v.SetState(svm.StateAll, want); err != nil {
		t.Fatal(err)
	}

	got, err := v.GetState(svm.StateAll)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}

	// Later stages win and unselected groups read as zero.
	gprs := &svm.State{}
	gprs.GPRs[svm.GPRRIP] = 0x4000

	if err := v.SetState(svm.StateGPRs, gprs); err != nil {
		t.Fatal(err)
	}

	got, err = v.GetState(svm.StateGPRs)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(gprs, got); diff != "" {
		t.Errorf("partial state mismatch (-want +got):\n%s", diff)
	}

	if err := v.SetState(svm.StateAll<<1, want); !errors.Is(err, svm.ErrInvalidConfig) {
		t.Errorf("SetState(bad mask): %v", err)
	}

	if _, err := v.GetState(1 << 20); !errors.Is(err, svm.ErrInvalidConfig) {
		t.Errorf("GetState(bad mask): %v", err)
	}
}

func TestTLBFlushOnStateChange(t *testing.T) {
	t.Parallel()

	e := newEnv(t, sim.Config{}, 1<<20)
	v := e.vcpu(t, []byte{0xf4, 0xeb, 0xfd}, nil)

	run(t, v)

	for _, tt := range []struct {
		name  string
		mask  svm.StateMask
		edit  func(st *svm.State)
		flush bool
	}{
		{"nothing", 0, func(*svm.State) {}, false},
		{"cr2", svm.StateCRs, func(st *svm.State) { st.CRs[svm.CR2] = 0x1234 }, false},
		{"cr3", svm.StateCRs, func(st *svm.State) { st.CRs[svm.CR3] = 0x9000 }, true},
		{"cr4.pge", svm.StateCRs, func(st *svm.State) { st.CRs[svm.CR4] |= 1 << 7 }, true},
		{"cr0.ts", svm.StateCRs, func(st *svm.State) { st.CRs[svm.CR0] |= 1 << 3 }, false},
		{"cr4.osxsave", svm.StateCRs, func(st *svm.State) { st.CRs[svm.CR4] |= 1 << 18 }, false},
		{"cr0.wp", svm.StateCRs, func(st *svm.State) { st.CRs[svm.CR0] |= 1 << 16 }, true},
		{"efer.nxe", svm.StateMSRs, func(st *svm.State) { st.MSRs[svm.MSREFER] |= svm.EFERNXE }, true},
		{"sysenter", svm.StateMSRs, func(st *svm.State) { st.MSRs[svm.MSRSysenterCS] = 8 }, false},
	} {
		if tt.mask != 0 {
			st, err := v.GetState(tt.mask)
			if err != nil {
				t.Fatal(err)
			}

			tt.edit(st)

			if err := v.SetState(tt.mask, st); err != nil {
				t.Fatal(err)
			}
		}

		before := e.host.Flushes()
		run(t, v)

		if got := e.host.Flushes() > before; got != tt.flush {
			t.Errorf("%s: flushed %v, want %v", tt.name, got, tt.flush)
		}
	}

	e.vm.InvalidateNested()

	before := e.host.Flushes()
	run(t, v)

	if e.host.Flushes() == before {
		t.Error("no flush after InvalidateNested")
	}
}

func TestGuestTSC(t *testing.T) {
	t.Parallel()

	e := newEnv(t, sim.Config{}, 1<<20)
	v := e.vcpu(t, []byte{0x0f, 0x31, 0xf4}, func(st *svm.State) { // rdtsc; hlt
		st.MSRs[svm.MSRTSC] = 1 << 40
	})

	run(t, v)

	r := gprs(t, v)
	if tsc := r[svm.GPRRDX]<<32 | r[svm.GPRRAX]; tsc < 1<<40 || tsc > 1<<40+1000 {
		t.Errorf("guest tsc %#x", tsc)
	}
}
