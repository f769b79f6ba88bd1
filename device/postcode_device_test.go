package device_test

import (
	"bytes"
	"testing"

	"github.com/bobuhiro11/gosvm/device"
)

func TestPostCodeDevice(t *testing.T) {
	t.Parallel()

	var b bytes.Buffer

	d := device.NewPostCodeDevice(&b)

	for _, c := range []byte("ok\000") {
		if err := d.Write(d.IOPort(), []byte{c}); err != nil {
			t.Fatal(err)
		}
	}

	if got := b.String(); got != "ok\r\n" {
		t.Fatalf("got %q", got)
	}

	if err := d.Write(d.IOPort(), []byte{1, 2}); err == nil {
		t.Fatal("wide write accepted")
	}
}
