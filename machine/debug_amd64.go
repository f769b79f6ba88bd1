package machine

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bobuhiro11/gosvm/svm"
	"golang.org/x/arch/x86/x86asm"
)

var (
	// ErrBadCPU indicates a VCPU index out of range.
	ErrBadCPU = errors.New("bad cpu")
	// ErrNotMapped indicates a linear address without a translation.
	ErrNotMapped = errors.New("address not mapped")
	// ErrPagingMode indicates guest paging other than 4-level long mode.
	ErrPagingMode = errors.New("unsupported paging mode")
	// ErrArgCount indicates more arguments than the convention passes.
	ErrArgCount = errors.New("bad argument count")
)

func (m *Machine) state(cpu int, mask svm.StateMask) (*svm.State, error) {
	if cpu < 0 || cpu >= len(m.vcpus) {
		return nil, fmt.Errorf("%w: %d", ErrBadCPU, cpu)
	}

	return m.vcpus[cpu].GetState(mask)
}

// Args returns the first nargs arguments of a call in the UEFI calling
// convention: RCX, RDX, R8 and R9, then the stack above the shadow space.
// The max is 6.
func (m *Machine) Args(cpu int, st *svm.State, nargs int) ([]uintptr, error) {
	if nargs < 0 || nargs > 6 {
		return nil, fmt.Errorf("%w: %d", ErrArgCount, nargs)
	}

	r := &st.GPRs
	args := []uintptr{
		uintptr(r[svm.GPRRCX]), uintptr(r[svm.GPRRDX]),
		uintptr(r[svm.GPRR8]), uintptr(r[svm.GPRR9]),
	}

	sp := uintptr(r[svm.GPRRSP])
	for off := uintptr(0x28); len(args) < nargs; off += 8 {
		w, err := m.ReadWord(cpu, sp+off)
		if err != nil {
			return nil, err
		}

		args = append(args, uintptr(w))
	}

	return args[:nargs], nil
}

// Pop pops the stack and returns what was at TOS.
// It is most often used to get the caller PC (cpc).
func (m *Machine) Pop(cpu int, st *svm.State) (uint64, error) {
	cpc, err := m.ReadWord(cpu, uintptr(st.GPRs[svm.GPRRSP]))
	if err != nil {
		return 0, err
	}

	st.GPRs[svm.GPRRSP] += 8

	return cpc, nil
}

// Inst retrieves an instruction from the guest, at CS:RIP.
// It returns an x86asm.Inst, the VCPU state, a string in GNU syntax, and
// an error.
func (m *Machine) Inst(cpu int) (*x86asm.Inst, *svm.State, string, error) {
	st, err := m.state(cpu, svm.StateSegs|svm.StateGPRs|svm.StateCRs|svm.StateMSRs)
	if err != nil {
		return nil, nil, "", fmt.Errorf("Inst:GetState:%w", err)
	}

	pc := st.Segs[svm.SegCS].Base + st.GPRs[svm.GPRRIP]

	// We know the PC; grab a bunch of bytes there, then decode and print
	insn := make([]byte, 15)
	if _, err := m.ReadBytes(cpu, insn, uintptr(pc)); err != nil {
		return nil, nil, "", fmt.Errorf("reading PC at %#x:%w", pc, err)
	}

	d, err := x86asm.Decode(insn, mode(st))
	if err != nil {
		return nil, nil, "", fmt.Errorf("decoding %#02x:%w", insn, err)
	}

	return &d, st, x86asm.GNUSyntax(d, st.GPRs[svm.GPRRIP], nil), nil
}

// Asm returns a string for the given instruction at the given pc.
func Asm(d *x86asm.Inst, pc uint64) string {
	return "\"" + x86asm.GNUSyntax(*d, pc, nil) + "\""
}

// VtoP translates a linear address of the VCPU. Without paging linear and
// physical addresses are the same.
func (m *Machine) VtoP(cpu int, vaddr uintptr) (uint64, error) {
	st, err := m.state(cpu, svm.StateCRs|svm.StateMSRs)
	if err != nil {
		return 0, err
	}

	cr := &st.CRs
	if cr[svm.CR0]&CR0xPG == 0 {
		return uint64(vaddr), nil
	}

	if cr[svm.CR4]&CR4xPAE == 0 || st.MSRs[svm.MSREFER]&EFERxLMA == 0 {
		return 0, ErrPagingMode
	}

	table := cr[svm.CR3] & pteAddrMask
	va := uint64(vaddr)

	for level := 3; level >= 0; level-- {
		shift := 12 + 9*uint(level)

		b, ok := m.mem.Translate(table+(va>>shift&0x1ff)*8, false)
		if !ok || len(b) < 8 {
			return 0, fmt.Errorf("%w: table at %#x", ErrNotMapped, table)
		}

		e := binary.LittleEndian.Uint64(b)
		if e&PDE64xPRESENT == 0 {
			return 0, fmt.Errorf("%w: %#x", ErrNotMapped, va)
		}

		if level == 0 || (level <= 2 && e&PDE64xPS != 0) {
			mask := uint64(1)<<shift - 1

			return e&pteAddrMask&^mask | va&mask, nil
		}

		table = e & pteAddrMask
	}

	return 0, fmt.Errorf("%w: %#x", ErrNotMapped, va)
}

// ReadBytes reads bytes from the CPUs linear address space.
func (m *Machine) ReadBytes(cpu int, b []byte, vaddr uintptr) (int, error) {
	n := 0

	for n < len(b) {
		pa, err := m.VtoP(cpu, vaddr+uintptr(n))
		if err != nil {
			return n, err
		}

		src, ok := m.mem.Translate(pa, false)
		if !ok {
			return n, fmt.Errorf("%w: gpa %#x", ErrNotMapped, pa)
		}

		// Stop at the page boundary; the next page may map elsewhere.
		room := svm.PageSize - int(pa%svm.PageSize)
		n += copy(b[n:], src[:min(room, len(src))])
	}

	return n, nil
}

// WriteWord writes the given word into the guest's linear address space.
func (m *Machine) WriteWord(cpu int, vaddr uintptr, word uint64) error {
	var b [8]byte

	binary.LittleEndian.PutUint64(b[:], word)

	for i := range b {
		pa, err := m.VtoP(cpu, vaddr+uintptr(i))
		if err != nil {
			return err
		}

		dst, ok := m.mem.Translate(pa, true)
		if !ok {
			return fmt.Errorf("%w: gpa %#x", ErrNotMapped, pa)
		}

		dst[0] = b[i]
	}

	return nil
}

// ReadWord reads the given word from the cpu's linear address space.
func (m *Machine) ReadWord(cpu int, vaddr uintptr) (uint64, error) {
	var b [8]byte
	if _, err := m.ReadBytes(cpu, b[:], vaddr); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}
