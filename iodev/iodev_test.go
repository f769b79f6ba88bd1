package iodev_test

import (
	"testing"

	"github.com/bobuhiro11/gosvm/iodev"
	"github.com/google/go-cmp/cmp"
)

func TestACPIShutDown(t *testing.T) {
	t.Parallel()

	var got []string

	d := iodev.NewACPIShutDownDevice(
		func() { got = append(got, "shutdown") },
		func() { got = append(got, "reset") },
	)

	for _, v := range []byte{0x34, 0x00, 0x01} {
		if err := d.Write(d.IOPort(), []byte{v}); err != nil {
			t.Fatal(err)
		}
	}

	if diff := cmp.Diff([]string{"shutdown", "reset"}, got); diff != "" {
		t.Fatalf("events (-want +got):\n%s", diff)
	}

	b := []byte{0xaa}
	if err := d.Read(d.IOPort(), b); err != nil || b[0] != 0 {
		t.Fatalf("read %#x, %v", b[0], err)
	}
}

func TestNoopDevice(t *testing.T) {
	t.Parallel()

	d := &iodev.NoopDevice{Port: 0x70, Psize: 2}

	b := make([]byte, 2)
	if err := d.Read(0x71, b); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]byte{0xff, 0xff}, b); diff != "" {
		t.Fatalf("read (-want +got):\n%s", diff)
	}
}
