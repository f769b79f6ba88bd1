package svm

import (
	"context"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
	"gvisor.dev/gvisor/pkg/log"
)

// Run commits staged state and queued events, then enters the guest until
// an exit the engine cannot resolve, a stop request or ctx cancellation.
//
// Preemption is disabled only around each world switch; exit handlers run
// with it enabled.
func (v *VCPU) Run(ctx context.Context) (Exit, error) {
	if !v.running.CompareAndSwap(false, true) {
		return Exit{}, fmt.Errorf("vcpu %d: %w", v.id, ErrBusy)
	}
	defer v.running.Store(false)

	v.commitState()
	v.commitEvent()

	var (
		exit    Exit
		retried bool
	)

	for {
		code := v.enter()

		if code == ExitCodeInvalid && !retried {
			// Reload everything once before reporting a bad VMCB.
			log.Warningf("svm: vcpu %d: vmrun rejected the vmcb, retrying with a full reload", v.id)

			retried = true

			continue
		}

		exit = Exit{}
		v.collectEvent()
		v.dispatch(&exit)

		// An event still waiting in EVENTINJ goes in first; the window is
		// reported once it has been delivered.
		if exit.Reason == ExitNone && v.intWindowExit && !v.evtPending && v.interruptible() {
			v.setIntWindow(false)
			exit.Reason = ExitIntReady
		}

		if log.IsLogging(log.Debug) {
			log.Debugf("svm: vcpu %d: %v -> %v%s", v.id, code, exit.Reason, v.describe(&exit))
		}

		if v.stop.Swap(false) || ctx.Err() != nil || exit.Reason != ExitNone {
			break
		}
	}

	v.snapshot(&exit)

	return exit, nil
}

// enter performs one world switch and returns the exit code.
func (v *VCPU) enter() ExitCode {
	hw := v.hw
	e := v.machine.engine
	c := &v.vmcb.Control

	cpu := hw.PreemptDisable()
	defer hw.PreemptEnable()

	gen := v.machine.tlbGen.Load()
	migrated := cpu != v.lastCPU

	if migrated {
		c.Clean = 0
		v.gtscWantUpdate = true
	}

	if v.gtlbWantFlush || migrated || v.sharedASID || gen != v.tlbGen {
		c.TLBControl = e.tlbFlush
	} else {
		c.TLBControl = TLBControlNone
	}

	if v.gtscWantUpdate {
		c.TSCOffset = v.gtsc - hw.RDTSC()
		v.dirty(CleanIntercepts)
	}

	for i := range v.drs {
		v.hostDRs[i] = hw.ReadDR(i)
		hw.WriteDR(i, v.drs[i])
	}

	hw.SaveFPU(v.hostFPU.Data, ^uint64(0))
	hw.RestoreFPU(v.xsave.Data, e.xcr0Mask)

	if e.xcr0Mask != 0 {
		v.hostXCR0 = hw.ReadXCR0()
		hw.WriteXCR0(v.gxcr0)
	}

	hw.VMRun(v.vmcbPage.PA, &v.gprs)

	hw.SaveFPU(v.xsave.Data, e.xcr0Mask)

	if e.xcr0Mask != 0 {
		hw.WriteXCR0(v.hostXCR0)
	}

	hw.RestoreFPU(v.hostFPU.Data, ^uint64(0))

	for i := range v.drs {
		v.drs[i] = hw.ReadDR(i)
		hw.WriteDR(i, v.hostDRs[i])
	}

	code := c.ExitCode
	if code == ExitCodeInvalid {
		// Nothing of this entry counts: keep the flush requests and make
		// the next entry reload the whole VMCB.
		c.Clean = 0
		v.lastCPU = -1

		return code
	}

	v.gtlbWantFlush = false
	v.gtscWantUpdate = false
	v.tlbGen = gen
	v.lastCPU = cpu
	v.gtsc = hw.RDTSC() + c.TSCOffset
	c.Clean = CleanAll

	return code
}

// collectEvent re-queues an event whose delivery the exit interrupted.
func (v *VCPU) collectEvent() {
	c := &v.vmcb.Control

	v.evtPending = false
	c.EventInj = 0

	if c.ExitIntInfo&EventValid != 0 {
		c.EventInj = c.ExitIntInfo
		v.evtPending = true
	}
}

func (v *VCPU) interruptible() bool {
	return v.vmcb.State.RFLAGS&rflagsIF != 0 && v.vmcb.Control.IntState&IntStateShadow == 0
}

func (v *VCPU) snapshot(exit *Exit) {
	c := &v.vmcb.Control

	exit.State = ExitState{
		RFLAGS:           v.vmcb.State.RFLAGS,
		CR8:              c.VTPR(),
		IntShadow:        c.IntState&IntStateShadow != 0,
		IntWindowExiting: v.intWindowExit,
		NMIWindowExiting: v.nmiWindowExit,
		EvtPending:       v.evtPending,
	}
}

// describe formats the payload of exit for debug logs.
func (v *VCPU) describe(exit *Exit) string {
	switch exit.Reason {
	case ExitMemory:
		m := &exit.Mem

		insn := "?"
		if d, err := x86asm.Decode(m.InstBytes[:m.InstLen], v.mode()); err == nil {
			insn = x86asm.GNUSyntax(d, v.vmcb.State.RIP, nil)
		}

		return fmt.Sprintf(" gpa %#x %v %q", m.GPA, m.Prot, insn)
	case ExitIO:
		return fmt.Sprintf(" port %#x in %v size %d", exit.IO.Port, exit.IO.In, exit.IO.OperandSize)
	case ExitRDMSR, ExitWRMSR:
		return fmt.Sprintf(" msr %#x value %#x", exit.MSR.MSR, exit.MSR.Value)
	case ExitInvalid:
		return fmt.Sprintf(" code %v", exit.Invalid.Code)
	}

	return ""
}

// mode returns the decoding width of the guest code segment.
func (v *VCPU) mode() int {
	s := &v.vmcb.State

	switch {
	case s.EFER&EFERLMA != 0 && s.CS.Attrib&attribL != 0:
		return 64
	case s.CS.Attrib&attribDB != 0:
		return 32
	}

	return 16
}
