package svm_test

import (
	"context"
	"errors"
	"testing"

	"github.com/bobuhiro11/gosvm/sim"
	"github.com/bobuhiro11/gosvm/svm"
	"github.com/google/go-cmp/cmp"
)

func TestHalt(t *testing.T) {
	t.Parallel()

	e := newEnv(t, sim.Config{}, 1<<20)

	for _, tt := range []struct {
		name string
		ie   bool
	}{
		{"interrupts off", false},
		{"interrupts on", true},
	} {
		v := e.vcpu(t, []byte{0xf4}, func(st *svm.State) {
			if tt.ie {
				st.GPRs[svm.GPRRFLAGS] |= 1 << 9
				st.Intr.IntWindowExiting = true
				st.Intr.IntShadow = true
			}
		})

		exit := run(t, v)
		if exit.Reason != svm.ExitHalted || exit.Halt.InterruptsEnabled != tt.ie {
			t.Errorf("%s: exit %v %+v", tt.name, exit.Reason, exit.Halt)
		}

		// HLT is retired by the engine and cancels a pending window.
		if rip := gprs(t, v)[svm.GPRRIP]; rip != codeAddr+1 {
			t.Errorf("%s: rip %#x", tt.name, rip)
		}

		if exit.State.IntWindowExiting {
			t.Errorf("%s: interrupt window still requested", tt.name)
		}
	}
}

func TestIOExit(t *testing.T) {
	t.Parallel()

	e := newEnv(t, sim.Config{}, 1<<20)

	for _, tt := range []struct {
		name string
		code []byte
		rax  uint64
		want svm.IOExit
	}{
		{
			name: "out imm8",
			code: []byte{0xe6, 0x80}, // out 0x80, al
			rax:  0x1241,
			want: svm.IOExit{Port: 0x80, Seg: -1, AddressSize: 2, OperandSize: 1, Data: 0x41, NextRIP: codeAddr + 2},
		},
		{
			name: "in dx",
			code: []byte{0xed}, // in ax, dx
			want: svm.IOExit{Port: 0x3f8, In: true, Seg: -1, AddressSize: 2, OperandSize: 2, NextRIP: codeAddr + 1},
		},
		{
			name: "rep outsb",
			code: []byte{0xf3, 0x6e}, // rep outsb
			want: svm.IOExit{
				Port: 0x3f8, Seg: svm.SegDS, AddressSize: 2, OperandSize: 1,
				Rep: true, Str: true, NextRIP: codeAddr + 2,
			},
		},
	} {
		v := e.vcpu(t, tt.code, func(st *svm.State) {
			st.GPRs[svm.GPRRAX] = tt.rax
			st.GPRs[svm.GPRRDX] = 0x3f8
		})

		exit := run(t, v)
		if exit.Reason != svm.ExitIO {
			t.Errorf("%s: exit %v", tt.name, exit.Reason)

			continue
		}

		if diff := cmp.Diff(tt.want, exit.IO); diff != "" {
			t.Errorf("%s: mismatch (-want +got):\n%s", tt.name, diff)
		}

		// The caller completes the instruction.
		if rip := gprs(t, v)[svm.GPRRIP]; rip != codeAddr {
			t.Errorf("%s: rip moved to %#x", tt.name, rip)
		}
	}
}

func TestMSRExit(t *testing.T) {
	t.Parallel()

	e := newEnv(t, sim.Config{}, 1<<20)
	e.handler(t, 13, []byte{0xf4})

	rdmsr := []byte{0x0f, 0x32, 0xf4}
	wrmsr := []byte{0x0f, 0x30, 0xf4}

	for _, tt := range []struct {
		name     string
		code     []byte
		msr      uint32
		rax, rdx uint64
		reason   svm.ExitReason
		payload  svm.MSRExit
		rip      uint64
		wantRAX  uint64
		wantRDX  uint64
		check    func(t *testing.T, v *svm.VCPU)
	}{
		{
			name: "read emulated", code: rdmsr, msr: svm.MSRNumNBConfig,
			reason: svm.ExitHalted, rip: codeAddr + 3, wantRDX: 1 << 22,
		},
		{
			name: "read unknown", code: rdmsr, msr: 0x1234,
			reason:  svm.ExitRDMSR,
			payload: svm.MSRExit{MSR: 0x1234, NextRIP: codeAddr + 2},
			rip:     codeAddr,
		},
		{
			name: "write unknown", code: wrmsr, msr: 0x1234, rax: 2, rdx: 1,
			reason:  svm.ExitWRMSR,
			payload: svm.MSRExit{MSR: 0x1234, Value: 0x100000002, NextRIP: codeAddr + 2},
			rip:     codeAddr, wantRAX: 2, wantRDX: 1,
		},
		{
			name: "write ignored", code: wrmsr, msr: svm.MSRNumPatchLevel, rax: 5,
			reason: svm.ExitHalted, rip: codeAddr + 3, wantRAX: 5,
		},
		{
			name: "write denied", code: wrmsr, msr: svm.MSRNumVMCR, rax: 0x10,
			reason: svm.ExitHalted, rip: handlerAddr + 1, wantRAX: 0x10,
		},
		{
			// The entry after the write would fail without SVME.
			name: "write efer", code: wrmsr, msr: svm.MSRNumEFER, rax: svm.EFERNXE,
			reason: svm.ExitHalted, rip: codeAddr + 3, wantRAX: svm.EFERNXE,
			check: func(t *testing.T, v *svm.VCPU) {
				t.Helper()

				if efer := msrs(t, v)[svm.MSREFER]; efer != svm.EFERNXE {
					t.Errorf("efer %#x", efer)
				}

				ents := e.host.Entries()
				if last := ents[len(ents)-1]; last.TLBControl == svm.TLBControlNone {
					t.Errorf("no flush after efer.nxe changed: %+v", last)
				}
			},
		},
		{
			name: "write efer reserved", code: wrmsr, msr: svm.MSRNumEFER, rax: 1 << 3,
			reason: svm.ExitHalted, rip: handlerAddr + 1, wantRAX: 1 << 3,
			check: func(t *testing.T, v *svm.VCPU) {
				t.Helper()

				if efer := msrs(t, v)[svm.MSREFER]; efer != 0 {
					t.Errorf("efer %#x", efer)
				}
			},
		},
		{
			name: "write fs base", code: wrmsr, msr: svm.MSRNumFSBase, rax: 0x1000, rdx: 0x7f,
			reason: svm.ExitHalted, rip: codeAddr + 3, wantRAX: 0x1000, wantRDX: 0x7f,
			check: func(t *testing.T, v *svm.VCPU) {
				t.Helper()

				st, err := v.GetState(svm.StateSegs)
				if err != nil {
					t.Fatal(err)
				}

				if base := st.Segs[svm.SegFS].Base; base != 0x7f00001000 {
					t.Errorf("fs base %#x", base)
				}
			},
		},
		{
			name: "write gs base", code: wrmsr, msr: svm.MSRNumGSBase, rax: 0x2000, rdx: 0x1,
			reason: svm.ExitHalted, rip: codeAddr + 3, wantRAX: 0x2000, wantRDX: 0x1,
			check: func(t *testing.T, v *svm.VCPU) {
				t.Helper()

				st, err := v.GetState(svm.StateSegs)
				if err != nil {
					t.Fatal(err)
				}

				if base := st.Segs[svm.SegGS].Base; base != 0x100002000 {
					t.Errorf("gs base %#x", base)
				}
			},
		},
		{
			name: "write star", code: wrmsr, msr: svm.MSRNumSTAR, rax: 0, rdx: 0x00230010,
			reason: svm.ExitHalted, rip: codeAddr + 3, wantRDX: 0x00230010,
			check: func(t *testing.T, v *svm.VCPU) {
				t.Helper()

				if star := msrs(t, v)[svm.MSRSTAR]; star != 0x00230010<<32 {
					t.Errorf("star %#x", star)
				}
			},
		},
	} {
		v := e.vcpu(t, tt.code, func(st *svm.State) {
			st.GPRs[svm.GPRRCX] = uint64(tt.msr)
			st.GPRs[svm.GPRRAX] = tt.rax
			st.GPRs[svm.GPRRDX] = tt.rdx
		})

		exit := run(t, v)
		if exit.Reason != tt.reason {
			t.Errorf("%s: exit %v, want %v", tt.name, exit.Reason, tt.reason)

			continue
		}

		if tt.reason != svm.ExitHalted {
			if diff := cmp.Diff(tt.payload, exit.MSR); diff != "" {
				t.Errorf("%s: mismatch (-want +got):\n%s", tt.name, diff)
			}
		}

		r := gprs(t, v)
		if r[svm.GPRRIP] != tt.rip || r[svm.GPRRAX] != tt.wantRAX || r[svm.GPRRDX] != tt.wantRDX {
			t.Errorf("%s: rip %#x rax %#x rdx %#x", tt.name, r[svm.GPRRIP], r[svm.GPRRAX], r[svm.GPRRDX])
		}

		if tt.check != nil {
			t.Run(tt.name, func(t *testing.T) { tt.check(t, v) })
		}
	}
}

func TestGuestTSCWrite(t *testing.T) {
	t.Parallel()

	e := newEnv(t, sim.Config{CPUs: 2}, 1<<20)

	// wrmsr; rdtsc; hlt
	v := e.vcpu(t, []byte{0x0f, 0x30, 0x0f, 0x31, 0xf4}, func(st *svm.State) {
		st.GPRs[svm.GPRRCX] = svm.MSRNumTSC
		st.GPRs[svm.GPRRDX] = 1 << 8
	})

	// Return right after the WRMSR exit is resolved.
	v.RequestStop()

	if exit := run(t, v); exit.Reason != svm.ExitNone {
		t.Fatalf("exit %v", exit.Reason)
	}

	if tsc := msrs(t, v)[svm.MSRTSC]; tsc < 1<<40 || tsc > 1<<40+1000 {
		t.Errorf("tsc after guest write %#x", tsc)
	}

	e.host.SetCPU(1)

	if exit := run(t, v); exit.Reason != svm.ExitHalted {
		t.Fatalf("exit %v", exit.Reason)
	}

	r := gprs(t, v)
	if tsc := r[svm.GPRRDX]<<32 | r[svm.GPRRAX]; tsc < 1<<40 || tsc > 1<<40+1000 {
		t.Errorf("guest tsc on another core %#x", tsc)
	}
}

func TestCPUID(t *testing.T) {
	t.Parallel()

	e := newEnv(t, sim.Config{}, 1<<20)
	cpuid := []byte{0x0f, 0xa2, 0xf4}

	var last *svm.VCPU

	query := func(leaf uint32, overrides []svm.CPUIDOverride) svm.CPUIDRegs {
		t.Helper()

		v := e.vcpu(t, cpuid, func(st *svm.State) {
			st.GPRs[svm.GPRRAX] = uint64(leaf)
		})

		if err := v.SetCPUIDOverrides(overrides); err != nil {
			t.Fatal(err)
		}

		if exit := run(t, v); exit.Reason != svm.ExitHalted {
			t.Fatalf("leaf %#x: exit %v", leaf, exit.Reason)
		}

		last = v
		r := gprs(t, v)

		return svm.CPUIDRegs{
			EAX: uint32(r[svm.GPRRAX]),
			EBX: uint32(r[svm.GPRRBX]),
			ECX: uint32(r[svm.GPRRCX]),
			EDX: uint32(r[svm.GPRRDX]),
		}
	}

	// "GoSVMGoSVM  "
	if got, want := query(0x40000000, nil), (svm.CPUIDRegs{
		EAX: 0x40000000, EBX: 0x56536f47, ECX: 0x536f474d, EDX: 0x20204d56,
	}); got != want {
		t.Errorf("hypervisor leaf = %+v, want %+v", got, want)
	}

	if r := query(1, nil); r.ECX&(1<<31) == 0 || r.ECX&(1<<5) != 0 || r.EBX>>24 != uint32(last.ID()) {
		t.Errorf("leaf 1 = %+v", r)
	}

	if r := query(0x80000001, nil); r.ECX&(1<<2) != 0 {
		t.Errorf("SVM visible to the guest: %+v", r)
	}

	if r := query(0x8000000a, nil); r != (svm.CPUIDRegs{}) {
		t.Errorf("SVM leaf = %+v", r)
	}

	// Out-of-range leaves read the highest basic leaf, 0xd.
	xsave := query(0xd, nil)
	if xsave.EAX != svm.XCR0X87|svm.XCR0SSE|svm.XCR0AVX {
		t.Errorf("leaf 0xd = %+v", xsave)
	}

	for _, leaf := range []uint32{0x20, 0x40000005, 0x80000020} {
		if diff := cmp.Diff(xsave, query(leaf, nil)); diff != "" {
			t.Errorf("leaf %#x not clamped to 0xd (-want +got):\n%s", leaf, diff)
		}
	}

	r := query(1, []svm.CPUIDOverride{{
		Leaf: 1,
		Set:  svm.CPUIDRegs{EDX: 1 << 30},
		Del:  svm.CPUIDRegs{ECX: 1},
	}})
	if r.EDX&(1<<30) == 0 || r.ECX&1 != 0 {
		t.Errorf("override not applied: %+v", r)
	}
}

func TestCPUIDRepeatable(t *testing.T) {
	t.Parallel()

	e := newEnv(t, sim.Config{CPUs: 2}, 1<<20)

	// cpuid; hlt; jmp 0x1000
	v := e.vcpu(t, []byte{0x0f, 0xa2, 0xf4, 0xeb, 0xfb}, nil)

	query := func(leaf uint32, cpu int) svm.CPUIDRegs {
		t.Helper()

		st, err := v.GetState(svm.StateGPRs)
		if err != nil {
			t.Fatal(err)
		}

		st.GPRs[svm.GPRRAX] = uint64(leaf)
		st.GPRs[svm.GPRRCX] = 0

		if err := v.SetState(svm.StateGPRs, st); err != nil {
			t.Fatal(err)
		}

		e.host.SetCPU(cpu)

		if exit := run(t, v); exit.Reason != svm.ExitHalted {
			t.Fatalf("leaf %#x: exit %v", leaf, exit.Reason)
		}

		r := gprs(t, v)

		return svm.CPUIDRegs{
			EAX: uint32(r[svm.GPRRAX]),
			EBX: uint32(r[svm.GPRRBX]),
			ECX: uint32(r[svm.GPRRCX]),
			EDX: uint32(r[svm.GPRRDX]),
		}
	}

	for _, leaf := range []uint32{0, 1, 7, 0xd, 0x40000000, 0x80000001, 0x80000008} {
		first := query(leaf, 0)

		if diff := cmp.Diff(first, query(leaf, 0)); diff != "" {
			t.Errorf("leaf %#x changed on repeat (-first +second):\n%s", leaf, diff)
		}

		if diff := cmp.Diff(first, query(leaf, 1)); diff != "" {
			t.Errorf("leaf %#x changed on another core (-first +second):\n%s", leaf, diff)
		}
	}
}

func TestCPUIDExit(t *testing.T) {
	t.Parallel()

	e := newEnv(t, sim.Config{}, 1<<20)

	v := e.vcpu(t, []byte{0x0f, 0xa2, 0xf4}, func(st *svm.State) {
		st.GPRs[svm.GPRRAX] = 6
		st.GPRs[svm.GPRRCX] = 9
	})

	if err := v.SetCPUIDOverrides([]svm.CPUIDOverride{{Leaf: 6, Exit: true}}); err != nil {
		t.Fatal(err)
	}

	too := make([]svm.CPUIDOverride, svm.MaxCPUIDOverrides+1)
	for i := range too {
		too[i].Leaf = uint32(i)
	}

	for _, bad := range [][]svm.CPUIDOverride{
		{{Leaf: 0x40000001}},
		{{Leaf: 0x90000000}},
		{{Leaf: 1, Set: svm.CPUIDRegs{EAX: 3}, Del: svm.CPUIDRegs{EAX: 1}}},
		{{Leaf: 1, Exit: true, Set: svm.CPUIDRegs{EBX: 1}}},
		{{Leaf: 1}, {Leaf: 1}},
		too,
	} {
		if err := v.SetCPUIDOverrides(bad); !errors.Is(err, svm.ErrInvalidConfig) {
			t.Errorf("SetCPUIDOverrides(%+v): %v, want ErrInvalidConfig", bad, err)
		}
	}

	// The rejected lists left the exit in place.
	exit := run(t, v)
	if exit.Reason != svm.ExitCPUID {
		t.Fatalf("exit %v", exit.Reason)
	}

	if exit.CPUID.Leaf != 6 || exit.CPUID.Subleaf != 9 || exit.CPUID.EAX != 0 || exit.CPUID.NextRIP != codeAddr+2 {
		t.Errorf("cpuid exit %+v", exit.CPUID)
	}

	st, err := v.GetState(svm.StateGPRs)
	if err != nil {
		t.Fatal(err)
	}

	st.GPRs[svm.GPRRIP] = exit.CPUID.NextRIP

	if err := v.SetState(svm.StateGPRs, st); err != nil {
		t.Fatal(err)
	}

	if exit := run(t, v); exit.Reason != svm.ExitHalted {
		t.Errorf("exit after cpuid %v", exit.Reason)
	}
}

func TestXSETBV(t *testing.T) {
	t.Parallel()

	e := newEnv(t, sim.Config{}, 1<<20)
	e.handler(t, 13, []byte{0xf4})

	xsetbv := []byte{0x0f, 0x01, 0xd1, 0xf4}

	for _, tt := range []struct {
		name     string
		rcx, rax uint64
		cpl      uint8
		rip      uint64
		xcr0     uint64
	}{
		{"valid", 0, 7, 0, codeAddr + 4, 7},
		{"x87 cleared", 0, 6, 0, handlerAddr + 1, svm.XCR0X87},
		{"avx without sse", 0, 5, 0, handlerAddr + 1, svm.XCR0X87},
		{"unsupported bit", 0, 0x207, 0, handlerAddr + 1, svm.XCR0X87},
		{"bad register", 1, 7, 0, handlerAddr + 1, svm.XCR0X87},
		{"user mode", 0, 7, 3, handlerAddr + 1, svm.XCR0X87},
	} {
		v := e.vcpu(t, xsetbv, func(st *svm.State) {
			st.GPRs[svm.GPRRCX] = tt.rcx
			st.GPRs[svm.GPRRAX] = tt.rax
			st.CRs[svm.XCR0] = svm.XCR0X87
			st.Segs[svm.SegSS].Attrib.DPL = tt.cpl
		})

		if exit := run(t, v); exit.Reason != svm.ExitHalted {
			t.Errorf("%s: exit %v", tt.name, exit.Reason)

			continue
		}

		st, err := v.GetState(svm.StateGPRs | svm.StateCRs)
		if err != nil {
			t.Fatal(err)
		}

		if st.GPRs[svm.GPRRIP] != tt.rip || st.CRs[svm.XCR0] != tt.xcr0 {
			t.Errorf("%s: rip %#x xcr0 %#x, want %#x %#x",
				tt.name, st.GPRs[svm.GPRRIP], st.CRs[svm.XCR0], tt.rip, tt.xcr0)
		}
	}
}

func TestNestedPageFault(t *testing.T) {
	t.Parallel()

	e := newEnv(t, sim.Config{}, 0x10000)

	for _, tt := range []struct {
		name  string
		setup func(st *svm.State)
		want  svm.MemExit
	}{
		{
			name: "write",
			setup: func(st *svm.State) {
				st.Segs[svm.SegDS].Selector = 0x2000
				st.Segs[svm.SegDS].Base = 0x20000
			},
			want: svm.MemExit{GPA: 0x20000, Prot: svm.ProtWrite, InstLen: 2, InstBytes: [15]byte{0x88, 0x07}},
		},
		{
			name: "fetch",
			setup: func(st *svm.State) {
				st.Segs[svm.SegCS].Selector = 0x3000
				st.Segs[svm.SegCS].Base = 0x30000
			},
			want: svm.MemExit{GPA: 0x30000 + codeAddr, Prot: svm.ProtExec},
		},
	} {
		v := e.vcpu(t, []byte{0x88, 0x07}, tt.setup) // mov [bx], al

		exit := run(t, v)
		if exit.Reason != svm.ExitMemory {
			t.Errorf("%s: exit %v", tt.name, exit.Reason)

			continue
		}

		if diff := cmp.Diff(tt.want, exit.Mem); diff != "" {
			t.Errorf("%s: mismatch (-want +got):\n%s", tt.name, diff)
		}
	}
}

func TestTPR(t *testing.T) {
	t.Parallel()

	e := newEnv(t, sim.Config{}, 1<<20)
	movCR8 := []byte{0x44, 0x0f, 0x22, 0xc0, 0xf4} // mov cr8, rax; hlt

	for _, passthrough := range []bool{true, false} {
		v := e.vcpu(t, movCR8, func(st *svm.State) {
			longMode(st)
			st.GPRs[svm.GPRRAX] = 5
			st.CRs[svm.CR8] = 2
		})

		v.SetTPRPassthrough(passthrough)

		exit := run(t, v)

		if !passthrough {
			if exit.Reason != svm.ExitTPRChanged || exit.TPR != (svm.TPRExit{Old: 2, New: 5}) {
				t.Fatalf("exit %v %+v", exit.Reason, exit.TPR)
			}

			exit = run(t, v)
		}

		if exit.Reason != svm.ExitHalted || exit.State.CR8 != 5 {
			t.Errorf("passthrough %v: exit %v cr8 %d", passthrough, exit.Reason, exit.State.CR8)
		}
	}
}

func TestInject(t *testing.T) {
	t.Parallel()

	e := newEnv(t, sim.Config{}, 1<<20)

	v := e.vcpu(t, []byte{0xf4}, nil)

	for _, bad := range []svm.Event{
		{Type: svm.EventException, Vector: 0},
		{Type: svm.EventException, Vector: 2},
		{Type: svm.EventException, Vector: 3},
		{Type: svm.EventException, Vector: 32},
		{Type: 7, Vector: 0x20},
	} {
		if err := v.Inject(bad); !errors.Is(err, svm.ErrInvalidEvent) {
			t.Errorf("Inject(%+v): %v, want ErrInvalidEvent", bad, err)
		}
	}

	e.handler(t, 0x20, []byte{0xf4})
	e.handler(t, 2, []byte{0xf4})

	for _, ev := range []svm.Event{
		{Type: svm.EventInterrupt, Vector: 0x20},
		{Type: svm.EventInterrupt, Vector: 2},
	} {
		if err := v.Inject(ev); err != nil {
			t.Fatal(err)
		}

		// One event at a time; the first must not be replaced.
		if err := v.Inject(svm.Event{Type: svm.EventInterrupt, Vector: 0x30}); !errors.Is(err, svm.ErrBusy) {
			t.Errorf("second Inject: %v, want ErrBusy", err)
		}

		exit := run(t, v)
		if exit.Reason != svm.ExitHalted || exit.State.EvtPending {
			t.Errorf("vector %d: exit %v pending %v", ev.Vector, exit.Reason, exit.State.EvtPending)
		}

		if rip := gprs(t, v)[svm.GPRRIP]; rip != handlerAddr+1 {
			t.Errorf("vector %d: rip %#x", ev.Vector, rip)
		}
	}

	want := []sim.Event{
		{Vector: 0x20, Type: svm.EventTypeIntr},
		{Vector: 2, Type: svm.EventTypeNMI},
	}
	if diff := cmp.Diff(want, e.host.Events()); diff != "" {
		t.Errorf("delivered events mismatch (-want +got):\n%s", diff)
	}
}

func TestInterruptWindow(t *testing.T) {
	t.Parallel()

	e := newEnv(t, sim.Config{}, 1<<20)

	v := e.vcpu(t, []byte{
		0xfb, // sti
		0x90, // nop
		0xf4, // hlt
	}, func(st *svm.State) {
		st.Intr.IntWindowExiting = true
	})

	exit := run(t, v)
	if exit.Reason != svm.ExitIntReady {
		t.Fatalf("exit %v", exit.Reason)
	}

	// The window opens once the STI shadow has passed.
	if rip := gprs(t, v)[svm.GPRRIP]; rip != codeAddr+2 {
		t.Errorf("rip %#x", rip)
	}

	if exit.State.IntWindowExiting || exit.State.IntShadow {
		t.Errorf("exit state %+v", exit.State)
	}
}

func TestStop(t *testing.T) {
	t.Parallel()

	e := newEnv(t, sim.Config{}, 1<<20)
	spin := []byte{0xeb, 0xfe} // jmp $

	v := e.vcpu(t, spin, nil)
	v.RequestStop()

	if exit := run(t, v); exit.Reason != svm.ExitNone {
		t.Errorf("stop: exit %v", exit.Reason)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exit, err := v.Run(ctx)
	if err != nil || exit.Reason != svm.ExitNone {
		t.Errorf("cancelled: exit %v, %v", exit.Reason, err)
	}
}

func TestInvalidEntry(t *testing.T) {
	t.Parallel()

	e := newEnv(t, sim.Config{}, 1<<20)
	v := e.vcpu(t, []byte{0xf4, 0xeb, 0xfd}, nil)

	// One failure is retried with a full reload.
	e.host.FailEntries(1)

	if exit := run(t, v); exit.Reason != svm.ExitHalted {
		t.Fatalf("exit %v", exit.Reason)
	}

	ents := e.host.Entries()
	if len(ents) != 2 || ents[0].ExitCode != svm.ExitCodeInvalid || ents[1].Clean != 0 {
		t.Fatalf("entries %+v", ents)
	}

	e.host.FailEntries(2)

	exit := run(t, v)
	if exit.Reason != svm.ExitInvalid || !exit.Invalid.Entry || exit.Invalid.Code != svm.ExitCodeInvalid {
		t.Fatalf("exit %v %+v", exit.Reason, exit.Invalid)
	}

	if exit := run(t, v); exit.Reason != svm.ExitHalted {
		t.Errorf("exit after recovery %v", exit.Reason)
	}
}

func TestCleanBits(t *testing.T) {
	t.Parallel()

	e := newEnv(t, sim.Config{CPUs: 2}, 1<<20)
	v := e.vcpu(t, []byte{0xf4, 0xeb, 0xfd}, nil)

	run(t, v)
	run(t, v)
	e.host.SetCPU(1)
	run(t, v)

	want := []sim.Entry{
		{CPU: 0, ASID: 1, TLBControl: svm.TLBControlFlushGuest, Clean: 0, ExitCode: svm.ExitCodeHLT},
		{CPU: 0, ASID: 1, TLBControl: svm.TLBControlNone, Clean: svm.CleanAll, ExitCode: svm.ExitCodeHLT},
		{CPU: 1, ASID: 1, TLBControl: svm.TLBControlFlushGuest, Clean: 0, ExitCode: svm.ExitCodeHLT},
	}

	if diff := cmp.Diff(want, e.host.Entries()); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestFlushAll(t *testing.T) {
	t.Parallel()

	e := newEnv(t, sim.Config{NoFlushByASID: true}, 1<<20)
	v := e.vcpu(t, []byte{0xf4}, nil)

	run(t, v)

	if ents := e.host.Entries(); ents[0].TLBControl != svm.TLBControlFlushAll {
		t.Errorf("tlb control %d without flush-by-asid", ents[0].TLBControl)
	}
}
