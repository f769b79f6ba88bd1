//go:build amd64 && linux

package ring0

import (
	"testing"

	"github.com/bobuhiro11/gosvm/svm"
	"gvisor.dev/gvisor/pkg/bitmap"
)

func TestChunkTake(t *testing.T) {
	t.Parallel()

	c := &chunk{
		data: make([]byte, hugePageSize),
		pa:   0x40000000,
		used: bitmap.New(pagesPerChunk),
	}

	a, ok := c.take(2)
	if !ok || a.PA != c.pa || len(a.Data) != 2*svm.PageSize {
		t.Fatalf("take(2) = %#x, %d bytes, %v", a.PA, len(a.Data), ok)
	}

	b, ok := c.take(1)
	if !ok || b.PA != c.pa+2*svm.PageSize {
		t.Fatalf("take(1) = %#x, %v", b.PA, ok)
	}

	// A hole of one page does not fit two.
	c.used.Remove(0)
	c.data[0] = 0xff

	d, ok := c.take(2)
	if !ok || d.PA != c.pa+3*svm.PageSize {
		t.Fatalf("take(2) after free = %#x, %v", d.PA, ok)
	}

	e, ok := c.take(1)
	if !ok || e.PA != c.pa || e.Data[0] != 0 {
		t.Fatalf("take(1) reused %#x, first byte %#x", e.PA, e.Data[0])
	}

	if _, ok := c.take(pagesPerChunk); ok {
		t.Error("take of a full chunk succeeded")
	}
}
