package svm_test

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/bobuhiro11/gosvm/memory"
	"github.com/bobuhiro11/gosvm/sim"
	"github.com/bobuhiro11/gosvm/svm"
)

const (
	codeAddr    = 0x1000
	handlerAddr = 0x2000
	stackTop    = 0x8000
)

// env is an engine with one machine over simulated hardware.
type env struct {
	host   *sim.Host
	engine *svm.Engine
	mem    *memory.Memory
	vm     *svm.Machine
}

func newEnv(t *testing.T, cfg sim.Config, memSize int) *env {
	t.Helper()

	e := &env{host: sim.New(cfg)}

	var err error

	if e.mem, err = memory.New(memSize); err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { _ = e.mem.Close() })

	if e.engine, err = svm.Init(e.host); err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		if err := e.engine.Fini(); err != nil {
			t.Errorf("Fini: %v", err)
		}
	})

	root, err := e.host.MapNested(e.mem, e.mem.Size())
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { e.host.UnmapNested(root) })

	if e.vm, err = e.engine.CreateMachine(svm.MachineConfig{NestedRoot: root}); err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		if err := e.engine.DestroyMachine(e.vm); err != nil {
			t.Errorf("DestroyMachine: %v", err)
		}
	})

	return e
}

// vcpu creates a VCPU in real mode at codeAddr running code. setup may
// adjust the initial state.
func (e *env) vcpu(t *testing.T, code []byte, setup func(st *svm.State)) *svm.VCPU {
	t.Helper()

	if err := e.mem.Load(codeAddr, code); err != nil {
		t.Fatal(err)
	}

	v, err := e.vm.CreateVCPU()
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		if err := e.vm.DestroyVCPU(v); err != nil && !errors.Is(err, svm.ErrNotFound) {
			t.Errorf("DestroyVCPU: %v", err)
		}
	})

	st, err := v.GetState(svm.StateAll)
	if err != nil {
		t.Fatal(err)
	}

	st.Segs[svm.SegCS].Selector = 0
	st.Segs[svm.SegCS].Base = 0
	st.GPRs[svm.GPRRIP] = codeAddr
	st.GPRs[svm.GPRRSP] = stackTop

	if setup != nil {
		setup(st)
	}

	if err := v.SetState(svm.StateAll, st); err != nil {
		t.Fatal(err)
	}

	return v
}

// handler points IVT entry vector at handlerAddr and places code there.
func (e *env) handler(t *testing.T, vector uint8, code []byte) {
	t.Helper()

	var ent [4]byte

	binary.LittleEndian.PutUint16(ent[:], handlerAddr)

	if err := e.mem.Load(uint64(vector)*4, ent[:]); err != nil {
		t.Fatal(err)
	}

	if err := e.mem.Load(handlerAddr, code); err != nil {
		t.Fatal(err)
	}
}

func run(t *testing.T, v *svm.VCPU) svm.Exit {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exit, err := v.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}

	return exit
}

func gprs(t *testing.T, v *svm.VCPU) [svm.NumGPRs]uint64 {
	t.Helper()

	st, err := v.GetState(svm.StateGPRs)
	if err != nil {
		t.Fatal(err)
	}

	return st.GPRs
}

func msrs(t *testing.T, v *svm.VCPU) [svm.NumMSRs]uint64 {
	t.Helper()

	st, err := v.GetState(svm.StateMSRs)
	if err != nil {
		t.Fatal(err)
	}

	return st.MSRs
}

// longMode puts st in 64-bit mode with flat segments.
func longMode(st *svm.State) {
	st.CRs[svm.CR0] = 1<<0 | 1<<31
	st.CRs[svm.CR4] = 1 << 5
	st.MSRs[svm.MSREFER] = svm.EFERLME | svm.EFERLMA
	st.Segs[svm.SegCS].Attrib.L = true
}
