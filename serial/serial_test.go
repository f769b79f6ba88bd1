package serial_test

import (
	"bytes"
	"testing"

	"github.com/bobuhiro11/gosvm/serial"
	"github.com/google/go-cmp/cmp"
)

type irqRecorder struct {
	levels []bool
}

func (r *irqRecorder) set(level bool) {
	r.levels = append(r.levels, level)
}

func read(t *testing.T, s *serial.Serial, off uint64) byte {
	t.Helper()

	b := []byte{0}
	if err := s.Read(serial.COM1Addr+off, b); err != nil {
		t.Fatal(err)
	}

	return b[0]
}

func write(t *testing.T, s *serial.Serial, off uint64, v byte) {
	t.Helper()

	if err := s.Write(serial.COM1Addr+off, []byte{v}); err != nil {
		t.Fatal(err)
	}
}

func TestTransmit(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	s := serial.New(&out, nil)

	for _, c := range []byte("hi\n") {
		write(t, s, 0, c)
	}

	if out.String() != "hi\n" {
		t.Fatalf("got %q", out.String())
	}

	if lsr := read(t, s, 5); lsr&0x20 == 0 {
		t.Fatalf("LSR %#x: THR not empty", lsr)
	}
}

func TestReceiveInterrupt(t *testing.T) {
	t.Parallel()

	r := &irqRecorder{}
	s := serial.New(&bytes.Buffer{}, r.set)

	write(t, s, 1, 0x1)
	s.Input('x')

	if lsr := read(t, s, 5); lsr&0x1 == 0 {
		t.Fatalf("LSR %#x: no data ready", lsr)
	}

	if iir := read(t, s, 2); iir != 0x4 {
		t.Fatalf("IIR %#x, want 0x4", iir)
	}

	if c := read(t, s, 0); c != 'x' {
		t.Fatalf("RBR %q", c)
	}

	if diff := cmp.Diff([]bool{true, false}, r.levels); diff != "" {
		t.Fatalf("irq levels (-want +got):\n%s", diff)
	}
}

func TestDivisorLatch(t *testing.T) {
	t.Parallel()

	s := serial.New(&bytes.Buffer{}, nil)

	write(t, s, 3, 0x80)
	write(t, s, 0, 0x1)
	write(t, s, 1, 0x0)

	if dll := read(t, s, 0); dll != 0x1 {
		t.Fatalf("DLL %#x", dll)
	}

	write(t, s, 3, 0x03)

	if ier := read(t, s, 1); ier != 0 {
		t.Fatalf("IER %#x after divisor writes", ier)
	}
}
