package machine_test

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/bobuhiro11/gosvm/machine"
	"github.com/bobuhiro11/gosvm/svm"
)

func TestDebug(t *testing.T) {
	t.Parallel()

	m := newMachine(t, 1, hello, &bytes.Buffer{})

	d, st, s, err := m.Inst(0)
	if err != nil {
		t.Fatalf("Inst: got %v, want nil", err)
	}

	if d.Len != 3 || !strings.Contains(s, "mov") || st.GPRs[svm.GPRRIP] != machine.ImageAddr {
		t.Fatalf("Inst: got %q (len %d) at %#x", s, d.Len, st.GPRs[svm.GPRRIP])
	}

	sp := uintptr(0x1000)

	for i, w := range []uint64{5, 6} {
		addr := sp + 0x28 + uintptr(8*i)
		if err := m.WriteWord(0, addr, w); err != nil {
			t.Fatalf("WriteWord(0, %#x, %d): %v != nil", addr, w, err)
		}

		if v, err := m.ReadWord(0, addr); err != nil || v != w {
			t.Fatalf("ReadWord(0, %#x): got (%d, %v), want (%d, nil)", addr, v, err, w)
		}
	}

	st.GPRs[svm.GPRRCX], st.GPRs[svm.GPRRDX], st.GPRs[svm.GPRR8], st.GPRs[svm.GPRR9] = 1, 2, 3, 4
	st.GPRs[svm.GPRRSP] = uint64(sp)

	args := []uintptr{1, 2, 3, 4, 5, 6}
	for i := 1; i < 7; i++ {
		a, err := m.Args(0, st, i)
		if err != nil {
			t.Errorf("m.Args(0, st, %d): %v != nil", i, err)
		}

		if !reflect.DeepEqual(a, args[:i]) {
			t.Errorf("m.Args(0, st, %d): got %#x, want %#x", i, a, args[:i])
		}
	}

	if _, err := m.Args(0, st, 800); !errors.Is(err, machine.ErrArgCount) {
		t.Errorf("m.Args(0, st, 800): got %v, want ErrArgCount", err)
	}

	st.GPRs[svm.GPRRSP] = uint64(sp + 0x28)
	if v, err := m.Pop(0, st); err != nil || v != 5 || st.GPRs[svm.GPRRSP] != uint64(sp+0x30) {
		t.Errorf("Pop: got (%d, %v), rsp %#x", v, err, st.GPRs[svm.GPRRSP])
	}

	if _, _, _, err := m.Inst(1024); !errors.Is(err, machine.ErrBadCPU) {
		t.Errorf("m.Inst(1024): got %v, want ErrBadCPU", err)
	}
}

func TestVtoPLongMode(t *testing.T) {
	t.Parallel()

	m := newMachine(t, 1, nil, &bytes.Buffer{})

	// PML4 at 0x10000 -> PDPT at 0x11000 -> PD at 0x12000 with one 2MB page.
	for addr, e := range map[uintptr]uint64{
		0x10000: 0x11000 | 3,
		0x11000: 0x12000 | 3,
		0x12008: 0x000000 | 0x83,
	} {
		if err := m.WriteWord(0, addr, e); err != nil {
			t.Fatal(err)
		}
	}

	st, err := m.SaveCPUState(0)
	if err != nil {
		t.Fatal(err)
	}

	st.CRs[svm.CR0] |= machine.CR0xPE | machine.CR0xPG
	st.CRs[svm.CR3] = 0x10000
	st.CRs[svm.CR4] |= machine.CR4xPAE
	st.MSRs[svm.MSREFER] |= machine.EFERxLMA | 1<<8

	if err := m.RestoreCPUState(0, st); err != nil {
		t.Fatal(err)
	}

	if pa, err := m.VtoP(0, 0x212345); err != nil || pa != 0x12345 {
		t.Fatalf("VtoP(0x212345): got (%#x, %v), want 0x12345", pa, err)
	}

	if _, err := m.VtoP(0, 0x400000); !errors.Is(err, machine.ErrNotMapped) {
		t.Fatalf("VtoP(0x400000): got %v, want ErrNotMapped", err)
	}
}

func TestDumpState(t *testing.T) {
	t.Parallel()

	m := newMachine(t, 1, hello, &bytes.Buffer{})

	var b bytes.Buffer
	if err := m.DumpState(&b, 0); err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{"mode: real", "rip:", "0x7c00", "cr0:"} {
		if !strings.Contains(b.String(), want) {
			t.Errorf("dump lacks %q:\n%s", want, b.String())
		}
	}
}
