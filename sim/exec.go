package sim

import (
	"github.com/bobuhiro11/gosvm/memory"
	"github.com/bobuhiro11/gosvm/svm"
	"golang.org/x/arch/x86/x86asm"
)

const (
	flagCF = 1 << 0
	flagZF = 1 << 6
	flagSF = 1 << 7
	flagTF = 1 << 8
	flagIF = 1 << 9
	flagOF = 1 << 11

	cr0PE = 1 << 0
	cr0NW = 1 << 29
	cr0CD = 1 << 30

	vectorDB = 1
	vectorUD = 6
	vectorGP = 13
)

// vmexit is what ends an entry.
type vmexit struct {
	code    svm.ExitCode
	info1   uint64
	info2   uint64
	nextRIP uint64
	intInfo uint64
	// assist copies the current instruction bytes to the VMCB.
	assist bool
}

// guest is one entry in progress.
type guest struct {
	h     *Host
	core  *core
	vmcb  *svm.VMCB
	gprs  *[16]uint64
	mem   memory.GuestMemory
	iopm  []byte
	msrpm []byte
	mode  int

	// Per-instruction state.
	insn    []byte
	next    uint64
	faulted bool
}

// VMRun enters the guest described by the VMCB at vmcbPA. Consistency
// failures end the entry with VMEXIT_INVALID before any guest state
// changes.
func (h *Host) VMRun(vmcbPA uint64, gprs *[16]uint64) {
	h.mu.Lock()
	cpu := h.held
	page := h.pages[vmcbPA]
	fail := h.failNext > 0

	if fail {
		h.failNext--
	}
	h.mu.Unlock()

	if cpu < 0 || page == nil {
		panic("sim: vmrun outside a preempt-disabled section or on an unknown vmcb")
	}

	vmcb := svm.VMCBAt(page)
	c := &vmcb.Control
	ent := Entry{CPU: cpu, ASID: c.ASID, TLBControl: c.TLBControl, Clean: c.Clean}

	g := h.enter(cpu, vmcb, gprs)
	if fail || g == nil {
		c.ExitCode = svm.ExitCodeInvalid
		c.ExitInfo1, c.ExitInfo2, c.ExitIntInfo = 0, 0, 0
	} else {
		g.run()
	}

	ent.ExitCode = c.ExitCode

	h.mu.Lock()
	h.entries = append(h.entries, ent)

	if ent.TLBControl != svm.TLBControlNone && ent.ExitCode != svm.ExitCodeInvalid {
		h.flushes++
	}
	h.mu.Unlock()
}

// enter runs the VMRUN consistency checks and returns nil if any fails.
func (h *Host) enter(cpu int, vmcb *svm.VMCB, gprs *[16]uint64) *guest {
	c := &vmcb.Control
	s := &vmcb.State

	h.mu.Lock()
	defer h.mu.Unlock()

	cr := h.cores[cpu]
	mem := h.nested[c.NestedCR3]
	iopm := h.pages[c.IOPMBase]
	msrpm := h.pages[c.MSRPMBase]

	switch {
	case cr.msrs[svm.MSRNumEFER]&svm.EFERSVME == 0,
		cr.msrs[svm.MSRNumVMHsavePA] == 0,
		s.EFER&svm.EFERSVME == 0,
		s.EFER>>16 != 0,
		s.CR0>>32 != 0,
		s.CR0&cr0CD == 0 && s.CR0&cr0NW != 0,
		c.ASID == 0,
		!c.Intercepted(svm.InterceptVMRUN),
		c.NestedCtl&svm.NestedCtlNP == 0 || mem == nil,
		iopm == nil || msrpm == nil:
		return nil
	}

	switch c.TLBControl {
	case svm.TLBControlNone, svm.TLBControlFlushAll:
	case svm.TLBControlFlushGuest:
		if h.cfg.NoFlushByASID {
			return nil
		}
	default:
		return nil
	}

	return &guest{
		h:     h,
		core:  cr,
		vmcb:  vmcb,
		gprs:  gprs,
		mem:   mem,
		iopm:  iopm,
		msrpm: msrpm,
		mode:  guestMode(s),
	}
}

func guestMode(s *svm.VMCBState) int {
	cs := s.CS.Segment()

	switch {
	case s.EFER&svm.EFERLMA != 0 && cs.Attrib.L:
		return 64
	case s.CR0&cr0PE != 0 && cs.Attrib.DB:
		return 32
	}

	return 16
}

func (g *guest) run() {
	c := &g.vmcb.Control

	c.ExitInfo1, c.ExitInfo2, c.ExitIntInfo = 0, 0, 0
	c.NextRIP, c.InsnLen = 0, 0

	if ev := c.EventInj; ev&svm.EventValid != 0 {
		c.EventInj = 0

		if x := g.deliver(ev, g.vmcb.State.RIP); x != nil {
			g.exit(x)

			return
		}
	}

	for i := 0; i < g.h.cfg.Budget; i++ {
		if x := g.window(); x != nil {
			g.exit(x)

			return
		}

		if x := g.step(); x != nil {
			g.exit(x)

			return
		}
	}

	// The host timer fired.
	g.exit(&vmexit{code: svm.ExitCodeINTR})
}

func (g *guest) exit(x *vmexit) {
	c := &g.vmcb.Control

	c.ExitCode = x.code
	c.ExitInfo1 = x.info1
	c.ExitInfo2 = x.info2
	c.NextRIP = x.nextRIP
	c.ExitIntInfo = x.intInfo
	c.InsnLen = 0

	if x.assist {
		c.InsnLen = uint8(copy(c.InsnBytes[:], g.insn))
	}
}

// window reports a pending virtual interrupt the guest can take.
func (g *guest) window() *vmexit {
	c := &g.vmcb.Control
	s := &g.vmcb.State

	if c.IntCtl&svm.IntCtlVIRQ == 0 || !c.Intercepted(svm.InterceptVINTR) {
		return nil
	}

	if s.RFLAGS&flagIF == 0 || c.IntState&svm.IntStateShadow != 0 {
		return nil
	}

	return &vmexit{code: svm.ExitCodeVINTR}
}

// deliver vectors an event through the real-mode IVT with ret as the
// return address. Protected-mode IDTs are not modeled: delivery there is
// a triple fault.
func (g *guest) deliver(ev, ret uint64) *vmexit {
	s := &g.vmcb.State

	if s.CR0&cr0PE != 0 {
		return &vmexit{code: svm.ExitCodeShutdown}
	}

	vector := uint8(ev & svm.EventVectorMask)

	ent, x := g.load(s.IDTR.Base+uint64(vector)*4, 4, false)
	if x != nil {
		x.intInfo = ev
		x.assist = false

		return x
	}

	sp := s.RSP

	for _, v := range []uint64{s.RFLAGS, uint64(s.CS.Selector), ret} {
		if x := g.push(v, 2); x != nil {
			s.RSP = sp
			x.intInfo = ev

			return x
		}
	}

	s.RFLAGS &^= flagIF | flagTF
	g.loadSeg(svm.SegCS, uint16(ent>>16))
	s.RIP = ent & 0xffff
	g.vmcb.Control.IntState &^= svm.IntStateShadow

	g.h.mu.Lock()
	g.h.events = append(g.h.events, Event{Vector: vector, Type: ev >> svm.EventTypeShift & 7})
	g.h.mu.Unlock()

	return nil
}

// fault raises an exception on the current instruction.
func (g *guest) fault(vector uint8) *vmexit {
	g.faulted = true

	if g.vmcb.Control.Intercepts[2]&(1<<vector) != 0 {
		return &vmexit{code: svm.ExitCode(0x40 + uint64(vector))}
	}

	return g.deliver(svm.MakeEvent(vector, svm.EventTypeException, false, 0), g.vmcb.State.RIP)
}

// load reads n bytes of guest-physical memory, little endian.
func (g *guest) load(gpa uint64, n int, fetch bool) (uint64, *vmexit) {
	b, ok := g.mem.Translate(gpa, false)
	if !ok || len(b) < n {
		x := &vmexit{code: svm.ExitCodeNPF, info1: svm.NPFUser, info2: gpa, assist: !fetch}
		if fetch {
			x.info1 |= svm.NPFExec
		}

		return 0, x
	}

	var v uint64
	for i := n - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}

	return v, nil
}

func (g *guest) store(gpa uint64, n int, v uint64) *vmexit {
	b, ok := g.mem.Translate(gpa, true)
	if !ok || len(b) < n {
		info1 := uint64(svm.NPFUser | svm.NPFWrite)
		if _, present := g.mem.Translate(gpa, false); present {
			info1 |= svm.NPFPresent
		}

		return &vmexit{code: svm.ExitCodeNPF, info1: info1, info2: gpa, assist: true}
	}

	for i := 0; i < n; i++ {
		b[i] = byte(v >> (8 * i))
	}

	return nil
}

func (g *guest) stackSize() int {
	switch {
	case g.mode == 64:
		return 8
	case g.vmcb.State.SS.Segment().Attrib.DB:
		return 4
	}

	return 2
}

func (g *guest) push(v uint64, n int) *vmexit {
	s := &g.vmcb.State
	mask := widthMask(g.stackSize())
	sp := (s.RSP - uint64(n)) & mask

	if x := g.store(s.SS.Base+sp, n, v); x != nil {
		return x
	}

	s.RSP = s.RSP&^mask | sp

	return nil
}

func (g *guest) pop(n int) (uint64, *vmexit) {
	s := &g.vmcb.State
	mask := widthMask(g.stackSize())
	sp := s.RSP & mask

	v, x := g.load(s.SS.Base+sp, n, false)
	if x != nil {
		return 0, x
	}

	s.RSP = s.RSP&^mask | (sp+uint64(n))&mask

	return v, nil
}

// loadSeg loads a segment register. Outside real mode only the selector
// changes; descriptor tables are not modeled.
func (g *guest) loadSeg(i int, sel uint16) {
	seg := g.vmcb.State.Segment(i)
	seg.Selector = sel

	if g.vmcb.State.CR0&cr0PE == 0 {
		seg.Base = uint64(sel) << 4
	}
}

func widthMask(n int) uint64 {
	if n >= 8 {
		return ^uint64(0)
	}

	return 1<<(8*uint(n)) - 1
}

// step executes one instruction.
func (g *guest) step() *vmexit {
	s := &g.vmcb.State
	c := &g.vmcb.Control

	g.faulted = false

	if x := g.fetch(); x != nil {
		return x
	}

	shadow := c.IntState&svm.IntStateShadow != 0

	if x, ok := g.special(); ok {
		return x
	}

	inst, err := x86asm.Decode(g.insn, g.mode)
	if err != nil {
		return g.fault(vectorUD)
	}

	g.insn = g.insn[:inst.Len]
	g.next = g.ip(s.RIP + uint64(inst.Len))

	if x := g.exec(&inst); x != nil || g.faulted {
		return x
	}

	s.RIP = g.next

	if shadow {
		c.IntState &^= svm.IntStateShadow
	}

	return nil
}

func (g *guest) ip(v uint64) uint64 {
	switch g.mode {
	case 16:
		return v & 0xffff
	case 32:
		return v & 0xffffffff
	}

	return v
}

func (g *guest) fetch() *vmexit {
	s := &g.vmcb.State
	pc := s.CS.Base + s.RIP

	b, ok := g.mem.Translate(pc, false)
	if !ok {
		return &vmexit{code: svm.ExitCodeNPF, info1: svm.NPFUser | svm.NPFExec, info2: pc}
	}

	if len(b) > 15 {
		b = b[:15]
	}

	g.insn = append(g.insn[:0], b...)

	return nil
}

// specialOp is an instruction the decoder does not know, matched on its
// raw encoding.
type specialOp struct {
	intercept svm.Intercept
	code      svm.ExitCode
}

var (
	special0F01 = map[byte]specialOp{
		0xc8: {svm.InterceptMONITOR, svm.ExitCodeMONITOR},
		0xc9: {svm.InterceptMWAIT, svm.ExitCodeMWAIT},
		0xd8: {svm.InterceptVMRUN, svm.ExitCodeVMRUN},
		0xd9: {svm.InterceptVMMCALL, svm.ExitCodeVMMCALL},
		0xda: {svm.InterceptVMLOAD, svm.ExitCodeVMLOAD},
		0xdb: {svm.InterceptVMSAVE, svm.ExitCodeVMSAVE},
		0xdc: {svm.InterceptSTGI, svm.ExitCodeSTGI},
		0xdd: {svm.InterceptCLGI, svm.ExitCodeCLGI},
		0xde: {svm.InterceptSKINIT, svm.ExitCodeSKINIT},
		0xdf: {svm.InterceptINVLPGA, svm.ExitCodeINVLPGA},
		0xf9: {svm.InterceptRDTSCP, svm.ExitCodeRDTSCP},
		0xfd: {svm.InterceptRDPRU, svm.ExitCodeRDPRU},
		0xfe: {svm.InterceptINVLPGB, svm.ExitCodeINVLPGB},
		0xff: {svm.InterceptTLBSYNC, svm.ExitCodeTLBSYNC},
	}
	special0F = map[byte]specialOp{
		0x33: {svm.InterceptRDPMC, svm.ExitCodeRDPMC},
		0xaa: {svm.InterceptRSM, svm.ExitCodeRSM},
	}
	opICEBP = specialOp{svm.InterceptICEBP, svm.ExitCodeICEBP}
	opMCOMMIT = specialOp{svm.InterceptMCOMMIT, svm.ExitCodeMCOMMIT}
)

// special handles the SVM and system instructions matched on raw bytes.
func (g *guest) special() (*vmexit, bool) {
	b := g.insn
	rep := false
	n := 0

prefixes:
	for ; n < len(b); n++ {
		switch p := b[n]; {
		case p == 0xf3:
			rep = true
		case p == 0x66 || p == 0x67 || p == 0xf2 || p == 0xf0,
			p == 0x26 || p == 0x2e || p == 0x36 || p == 0x3e || p == 0x64 || p == 0x65,
			g.mode == 64 && p&0xf0 == 0x40:
		default:
			break prefixes
		}
	}

	var (
		op     specialOp
		length int
		ok     bool
	)

	switch {
	case n < len(b) && b[n] == 0xf1:
		op, length, ok = opICEBP, n+1, true
	case n+2 < len(b) && b[n] == 0x0f && b[n+1] == 0x01:
		if rep && b[n+2] == 0xfa {
			op, ok = opMCOMMIT, true
		} else {
			op, ok = special0F01[b[n+2]]
		}

		length = n + 3
	case n+1 < len(b) && b[n] == 0x0f:
		op, ok = special0F[b[n+1]]
		length = n + 2
	}

	if !ok {
		return nil, false
	}

	s := &g.vmcb.State
	next := g.ip(s.RIP + uint64(length))

	if g.vmcb.Control.Intercepted(op.intercept) {
		return &vmexit{code: op.code, nextRIP: next}, true
	}

	switch op.code {
	case svm.ExitCodeRDTSCP:
		tsc := g.tsc()
		s.RAX = tsc & 0xffffffff
		g.gprs[svm.GPRRDX] = tsc >> 32
		g.gprs[svm.GPRRCX] = 0
		s.RIP = next

		return nil, true
	case svm.ExitCodeICEBP:
		return g.deliver(svm.MakeEvent(vectorDB, svm.EventTypeException, false, 0), next), true
	}

	return g.fault(vectorUD), true
}

func (g *guest) tsc() uint64 {
	return g.h.tsc.Add(1) + g.vmcb.Control.TSCOffset
}

// gpr maps a decoder register to a GPR index, an operand size and whether
// it names the high byte of a legacy register.
func gpr(r x86asm.Reg) (idx, size int, high, ok bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.R15B:
		i := int(r - x86asm.AL)

		switch {
		case i < 4:
			return i, 1, false, true
		case i < 8:
			return i - 4, 1, true, true
		}

		return i - 4, 1, false, true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return int(r - x86asm.AX), 2, false, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return int(r - x86asm.EAX), 4, false, true
	case r >= x86asm.RAX && r <= x86asm.R15:
		return int(r - x86asm.RAX), 8, false, true
	}

	return 0, 0, false, false
}

func (g *guest) slot(idx int) *uint64 {
	switch idx {
	case svm.GPRRAX:
		return &g.vmcb.State.RAX
	case svm.GPRRSP:
		return &g.vmcb.State.RSP
	}

	return &g.gprs[idx]
}

func (g *guest) reg(r x86asm.Reg) uint64 {
	switch r {
	case x86asm.IP, x86asm.EIP, x86asm.RIP:
		return g.next
	}

	if r >= x86asm.ES && r <= x86asm.GS {
		return uint64(g.vmcb.State.Segment(int(r - x86asm.ES)).Selector)
	}

	idx, size, high, ok := gpr(r)
	if !ok {
		return 0
	}

	v := *g.slot(idx)
	if high {
		v >>= 8
	}

	return v & widthMask(size)
}

func (g *guest) setReg(r x86asm.Reg, v uint64) {
	idx, size, high, ok := gpr(r)
	if !ok {
		return
	}

	p := g.slot(idx)

	switch {
	case high:
		*p = *p&^0xff00 | (v&0xff)<<8
	case size == 4:
		*p = v & 0xffffffff
	default:
		m := widthMask(size)
		*p = *p&^m | v&m
	}
}

// addr computes the guest-physical address of a memory operand. Guest
// paging is not modeled, so linear and physical addresses match.
func (g *guest) addr(inst *x86asm.Inst, m x86asm.Mem) uint64 {
	var a uint64

	if m.Base != 0 {
		a = g.reg(m.Base)
	}

	if m.Index != 0 {
		a += g.reg(m.Index) * uint64(m.Scale)
	}

	a += uint64(m.Disp)
	a &= widthMask(inst.AddrSize / 8)

	seg := m.Segment
	if seg == 0 {
		seg = x86asm.DS

		switch m.Base {
		case x86asm.SP, x86asm.BP, x86asm.ESP, x86asm.EBP, x86asm.RSP, x86asm.RBP:
			seg = x86asm.SS
		}
	}

	if g.mode == 64 && seg != x86asm.FS && seg != x86asm.GS {
		return a
	}

	return g.vmcb.State.Segment(int(seg-x86asm.ES)).Base + a
}

// size returns the width in bytes of an operand.
func (g *guest) size(inst *x86asm.Inst, a x86asm.Arg) int {
	switch a := a.(type) {
	case x86asm.Reg:
		if _, n, _, ok := gpr(a); ok {
			return n
		}

		return 2
	case x86asm.Mem:
		return inst.MemBytes
	}

	return inst.DataSize / 8
}

func (g *guest) read(inst *x86asm.Inst, a x86asm.Arg, n int) (uint64, *vmexit) {
	switch a := a.(type) {
	case x86asm.Reg:
		return g.reg(a), nil
	case x86asm.Mem:
		return g.load(g.addr(inst, a), n, false)
	case x86asm.Imm:
		return uint64(a) & widthMask(n), nil
	}

	return 0, nil
}

func (g *guest) write(inst *x86asm.Inst, a x86asm.Arg, n int, v uint64) *vmexit {
	switch a := a.(type) {
	case x86asm.Reg:
		if a >= x86asm.ES && a <= x86asm.GS {
			g.loadSeg(int(a-x86asm.ES), uint16(v))

			if a == x86asm.SS {
				g.vmcb.Control.IntState |= svm.IntStateShadow
			}

			return nil
		}

		g.setReg(a, v)
	case x86asm.Mem:
		return g.store(g.addr(inst, a), n, v)
	}

	return nil
}

func (g *guest) exec(inst *x86asm.Inst) *vmexit {
	s := &g.vmcb.State
	c := &g.vmcb.Control

	switch inst.Op {
	case x86asm.NOP, x86asm.PAUSE:
	case x86asm.HLT:
		if c.Intercepted(svm.InterceptHLT) {
			return &vmexit{code: svm.ExitCodeHLT, nextRIP: g.next}
		}

		s.RIP = g.next

		return &vmexit{code: svm.ExitCodeINTR}
	case x86asm.CPUID:
		if c.Intercepted(svm.InterceptCPUID) {
			return &vmexit{code: svm.ExitCodeCPUID, nextRIP: g.next}
		}

		out := lookup(g.h.features, uint32(s.RAX), uint32(g.gprs[svm.GPRRCX]))
		s.RAX = uint64(out.Eax)
		g.gprs[svm.GPRRBX] = uint64(out.Ebx)
		g.gprs[svm.GPRRCX] = uint64(out.Ecx)
		g.gprs[svm.GPRRDX] = uint64(out.Edx)
	case x86asm.RDMSR, x86asm.WRMSR:
		return g.msr(inst.Op == x86asm.WRMSR)
	case x86asm.XSETBV:
		if c.Intercepted(svm.InterceptXSETBV) {
			return &vmexit{code: svm.ExitCodeXSETBV, nextRIP: g.next}
		}

		g.core.xcr0 = s.RAX&0xffffffff | g.gprs[svm.GPRRDX]<<32
	case x86asm.RDTSC:
		tsc := g.tsc()
		s.RAX = tsc & 0xffffffff
		g.gprs[svm.GPRRDX] = tsc >> 32
	case x86asm.IN, x86asm.OUT, x86asm.INSB, x86asm.INSW, x86asm.INSD,
		x86asm.OUTSB, x86asm.OUTSW, x86asm.OUTSD:
		return g.io(inst)
	case x86asm.MOV:
		return g.mov(inst)
	case x86asm.MOVZX:
		n := g.size(inst, inst.Args[1])

		v, x := g.read(inst, inst.Args[1], n)
		if x != nil {
			return x
		}

		g.setReg(inst.Args[0].(x86asm.Reg), v)
	case x86asm.STI:
		if s.RFLAGS&flagIF == 0 {
			c.IntState |= svm.IntStateShadow
		}

		s.RFLAGS |= flagIF
	case x86asm.CLI:
		s.RFLAGS &^= flagIF
	case x86asm.ADD, x86asm.SUB, x86asm.CMP, x86asm.INC, x86asm.DEC,
		x86asm.XOR, x86asm.AND, x86asm.OR:
		return g.alu(inst)
	case x86asm.JMP, x86asm.JE, x86asm.JNE, x86asm.LOOP:
		return g.branch(inst)
	case x86asm.PUSH:
		n := inst.DataSize / 8

		v, x := g.read(inst, inst.Args[0], n)
		if x != nil {
			return x
		}

		return g.push(v, n)
	case x86asm.POP:
		n := inst.DataSize / 8

		v, x := g.pop(n)
		if x != nil {
			return x
		}

		return g.write(inst, inst.Args[0], n, v)
	case x86asm.INT:
		imm, _ := inst.Args[0].(x86asm.Imm)
		ev := svm.MakeEvent(uint8(imm), svm.EventTypeSoftIntr, false, 0)

		if x := g.deliver(ev, g.next); x != nil {
			return x
		}

		g.faulted = true
	case x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		if c.Intercepted(svm.InterceptIRET) {
			return &vmexit{code: svm.ExitCodeIRET, nextRIP: g.next}
		}

		return g.iret(inst)
	case x86asm.UD2:
		return g.fault(vectorUD)
	default:
		return g.fault(vectorUD)
	}

	return nil
}

func (g *guest) msr(write bool) *vmexit {
	s := &g.vmcb.State
	c := &g.vmcb.Control
	num := uint32(g.gprs[svm.GPRRCX])

	bit := uint(0)
	info1 := uint64(0)

	if write {
		bit, info1 = 1, 1
	}

	if c.Intercepted(svm.InterceptMSRProt) {
		off, shift, ok := svm.MSRPMBit(num)
		if !ok || g.msrpm[off]&(1<<(shift+bit)) != 0 {
			return &vmexit{code: svm.ExitCodeMSR, info1: info1, nextRIP: g.next}
		}
	}

	p := g.msrSlot(num)

	if write {
		v := s.RAX&0xffffffff | g.gprs[svm.GPRRDX]<<32

		switch {
		case num == svm.MSRNumTSC:
			c.TSCOffset = v - g.h.tsc.Load()
		case p != nil:
			*p = v
		default:
			g.h.mu.Lock()
			g.core.msrs[num] = v
			g.h.mu.Unlock()
		}

		return nil
	}

	var v uint64

	switch {
	case num == svm.MSRNumTSC:
		v = g.tsc()
	case p != nil:
		v = *p
	default:
		g.h.mu.Lock()
		v = g.core.msrs[num]
		g.h.mu.Unlock()
	}

	s.RAX = v & 0xffffffff
	g.gprs[svm.GPRRDX] = v >> 32

	return nil
}

// msrSlot returns the save-area field of an MSR VMRUN switches, or nil
// for one that stays in the core.
func (g *guest) msrSlot(num uint32) *uint64 {
	s := &g.vmcb.State

	switch num {
	case svm.MSRNumFSBase:
		return &s.FS.Base
	case svm.MSRNumGSBase:
		return &s.GS.Base
	case svm.MSRNumKernelGSBase:
		return &s.KernelGSBase
	case svm.MSRNumSTAR:
		return &s.STAR
	case svm.MSRNumLSTAR:
		return &s.LSTAR
	case svm.MSRNumCSTAR:
		return &s.CSTAR
	case svm.MSRNumSFMASK:
		return &s.SFMASK
	case svm.MSRNumSysenterCS:
		return &s.SysenterCS
	case svm.MSRNumSysenterESP:
		return &s.SysenterESP
	case svm.MSRNumSysenterEIP:
		return &s.SysenterEIP
	case svm.MSRNumPAT:
		return &s.GPAT
	case svm.MSRNumEFER:
		return &s.EFER
	}

	return nil
}

func (g *guest) io(inst *x86asm.Inst) *vmexit {
	c := &g.vmcb.Control

	var (
		port uint16
		info uint64
		n    int
		str  bool
		seg  = 3 // DS
	)

	switch inst.Op {
	case x86asm.IN:
		info |= svm.IOInfoIn
		n = g.size(inst, inst.Args[0])
		port = uint16(g.portArg(inst.Args[1]))
	case x86asm.OUT:
		n = g.size(inst, inst.Args[1])
		port = uint16(g.portArg(inst.Args[0]))
	case x86asm.INSB, x86asm.INSW, x86asm.INSD:
		info |= svm.IOInfoIn
		str, seg = true, 0 // ES
	default:
		str = true
	}

	if str {
		port = uint16(g.gprs[svm.GPRRDX])
		n = map[x86asm.Op]int{
			x86asm.INSB: 1, x86asm.INSW: 2, x86asm.INSD: 4,
			x86asm.OUTSB: 1, x86asm.OUTSW: 2, x86asm.OUTSD: 4,
		}[inst.Op]
		info |= svm.IOInfoStr

		for _, p := range inst.Prefix {
			switch p &^ (x86asm.PrefixImplicit | x86asm.PrefixIgnored) {
			case x86asm.PrefixREP:
				info |= svm.IOInfoRep
			case x86asm.PrefixES:
				seg = 0
			case x86asm.PrefixCS:
				seg = 1
			case x86asm.PrefixSS:
				seg = 2
			case x86asm.PrefixFS:
				seg = 4
			case x86asm.PrefixGS:
				seg = 5
			}
		}

		info |= uint64(seg) << svm.IOInfoSegShift
	}

	intercepted := false
	if c.Intercepted(svm.InterceptIOIOProt) {
		for i := 0; i < n; i++ {
			p := int(port) + i
			if p/8 >= len(g.iopm) || g.iopm[p/8]&(1<<(p%8)) != 0 {
				intercepted = true
			}
		}
	}

	if !intercepted {
		if inst.Op == x86asm.IN {
			g.setReg(inst.Args[0].(x86asm.Reg), widthMask(n))
		}

		return nil
	}

	switch n {
	case 1:
		info |= svm.IOInfoSz8
	case 2:
		info |= svm.IOInfoSz16
	default:
		info |= svm.IOInfoSz32
	}

	switch inst.AddrSize {
	case 16:
		info |= svm.IOInfoA16
	case 32:
		info |= svm.IOInfoA32
	default:
		info |= svm.IOInfoA64
	}

	info |= uint64(port) << svm.IOInfoPortShift

	return &vmexit{code: svm.ExitCodeIOIO, info1: info, info2: g.next}
}

func (g *guest) portArg(a x86asm.Arg) uint64 {
	switch a := a.(type) {
	case x86asm.Imm:
		return uint64(a) & 0xff
	case x86asm.Reg:
		return g.reg(a)
	}

	return 0
}

func (g *guest) mov(inst *x86asm.Inst) *vmexit {
	s := &g.vmcb.State
	c := &g.vmcb.Control
	dst, src := inst.Args[0], inst.Args[1]

	if r, ok := dst.(x86asm.Reg); ok && r >= x86asm.CR0 && r <= x86asm.CR15 {
		v := g.reg(src.(x86asm.Reg))

		switch r {
		case x86asm.CR0:
			s.CR0 = v
			g.mode = guestMode(s)
		case x86asm.CR2:
			s.CR2 = v
		case x86asm.CR3:
			s.CR3 = v
		case x86asm.CR4:
			s.CR4 = v
		case x86asm.CR8:
			if c.Intercepted(svm.InterceptCR8Write) {
				idx, _, _, _ := gpr(src.(x86asm.Reg))

				return &vmexit{code: svm.ExitCodeCR8Write, info1: 1<<63 | uint64(idx), nextRIP: g.next}
			}

			c.SetVTPR(v)
		default:
			return g.fault(vectorUD)
		}

		return nil
	}

	if r, ok := src.(x86asm.Reg); ok && r >= x86asm.CR0 && r <= x86asm.CR15 {
		var v uint64

		switch r {
		case x86asm.CR0:
			v = s.CR0
		case x86asm.CR2:
			v = s.CR2
		case x86asm.CR3:
			v = s.CR3
		case x86asm.CR4:
			v = s.CR4
		case x86asm.CR8:
			v = c.VTPR()
		default:
			return g.fault(vectorUD)
		}

		g.setReg(dst.(x86asm.Reg), v)

		return nil
	}

	n := g.size(inst, dst)

	v, x := g.read(inst, src, n)
	if x != nil {
		return x
	}

	return g.write(inst, dst, n, v)
}

func (g *guest) alu(inst *x86asm.Inst) *vmexit {
	s := &g.vmcb.State
	dst := inst.Args[0]
	n := g.size(inst, dst)
	mask := widthMask(n)

	a, x := g.read(inst, dst, n)
	if x != nil {
		return x
	}

	var b uint64

	if inst.Args[1] != nil {
		if b, x = g.read(inst, inst.Args[1], n); x != nil {
			return x
		}
	}

	var (
		res    uint64
		cf, of bool
		sign   = uint(8*n - 1)
	)

	switch inst.Op {
	case x86asm.ADD:
		res = (a + b) & mask
		cf = res < a
		of = ((a^res)&(b^res))>>sign&1 == 1
	case x86asm.SUB, x86asm.CMP:
		res = (a - b) & mask
		cf = a < b
		of = ((a^b)&(a^res))>>sign&1 == 1
	case x86asm.INC:
		res = (a + 1) & mask
		cf = s.RFLAGS&flagCF != 0
		of = res == 1<<sign
	case x86asm.DEC:
		res = (a - 1) & mask
		cf = s.RFLAGS&flagCF != 0
		of = a == 1<<sign
	case x86asm.XOR:
		res = a ^ b
	case x86asm.AND:
		res = a & b
	case x86asm.OR:
		res = a | b
	}

	f := s.RFLAGS &^ (flagCF | flagZF | flagSF | flagOF)
	if res == 0 {
		f |= flagZF
	}

	if res>>sign&1 == 1 {
		f |= flagSF
	}

	if cf {
		f |= flagCF
	}

	if of {
		f |= flagOF
	}

	s.RFLAGS = f

	if inst.Op == x86asm.CMP {
		return nil
	}

	return g.write(inst, dst, n, res)
}

func (g *guest) branch(inst *x86asm.Inst) *vmexit {
	s := &g.vmcb.State

	var target uint64

	switch a := inst.Args[0].(type) {
	case x86asm.Rel:
		target = g.ip(g.next + uint64(int64(a)))
	case x86asm.Reg:
		target = g.reg(a)
	default:
		return g.fault(vectorUD)
	}

	taken := true

	switch inst.Op {
	case x86asm.JE:
		taken = s.RFLAGS&flagZF != 0
	case x86asm.JNE:
		taken = s.RFLAGS&flagZF == 0
	case x86asm.LOOP:
		cx := x86asm.RCX

		switch inst.AddrSize {
		case 16:
			cx = x86asm.CX
		case 32:
			cx = x86asm.ECX
		}

		v := g.reg(cx) - 1
		g.setReg(cx, v)
		taken = v&widthMask(inst.AddrSize/8) != 0
	}

	if taken {
		g.next = target
	}

	return nil
}

func (g *guest) iret(inst *x86asm.Inst) *vmexit {
	s := &g.vmcb.State

	if s.CR0&cr0PE != 0 {
		return g.fault(vectorGP)
	}

	n := inst.DataSize / 8
	sp := s.RSP

	var vals [3]uint64

	for i := range vals {
		v, x := g.pop(n)
		if x != nil {
			s.RSP = sp

			return x
		}

		vals[i] = v
	}

	g.next = vals[0]
	g.loadSeg(svm.SegCS, uint16(vals[1]))
	s.RFLAGS = s.RFLAGS&^widthMask(n) | vals[2]&widthMask(n) | 1<<1

	return nil
}
