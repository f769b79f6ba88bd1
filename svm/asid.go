package svm

import (
	"gvisor.dev/gvisor/pkg/bitmap"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

const (
	// maxASIDs caps the allocator regardless of what the processor reports.
	maxASIDs = 8192
	// minASIDs covers the host ASID and the shared one.
	minASIDs = 2
)

// asidAllocator hands out guest ASIDs. ASID 0 belongs to the host and the
// last ASID is shared by every VCPU that could not get its own.
type asidAllocator struct {
	mu     sync.Mutex
	n      uint32
	bitmap bitmap.Bitmap
}

func newASIDAllocator(nasid uint32) *asidAllocator {
	if nasid > maxASIDs {
		nasid = maxASIDs
	}

	if nasid < minASIDs {
		panic("asid allocator needs at least two asids")
	}

	a := &asidAllocator{
		n:      nasid,
		bitmap: bitmap.New(nasid),
	}
	a.bitmap.Add(0)
	a.bitmap.Add(nasid - 1)

	return a
}

// alloc returns a free ASID, or the shared one when none is left.
func (a *asidAllocator) alloc() (asid uint32, shared bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	i, err := a.bitmap.FirstZero(1)
	if err != nil || i >= a.n-1 {
		log.Debugf("svm: asid pool exhausted, using shared asid %d", a.n-1)

		return a.n - 1, true
	}

	a.bitmap.Add(i)

	return i, false
}

func (a *asidAllocator) free(asid uint32, shared bool) {
	if shared {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if asid == 0 || asid >= a.n-1 {
		panic("svm: freeing reserved asid")
	}

	a.bitmap.Remove(asid)
}

// inUse returns the number of private ASIDs handed out.
func (a *asidAllocator) inUse() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.bitmap.GetNumOnes() - 2
}
