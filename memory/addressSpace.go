package memory

import (
	"errors"
	"fmt"
	"slices"
)

var errAddrSpaceOccupied = errors.New("address space occupied")

// AddressSpace is a named range of guest-physical addresses. Children are
// kept sorted by start and never overlap.
type AddressSpace struct {
	Name      string
	Start     uint64
	Size      uint64
	Addresses []*AddressSpace
}

func NewAddressSpace(name string, start uint64, size uint64) *AddressSpace {
	return &AddressSpace{
		Name:  name,
		Start: start,
		Size:  size,
	}
}

// AddAddress claims addr as a child of a.
func (a *AddressSpace) AddAddress(addr *AddressSpace) error {
	if !a.InRange(addr) {
		return fmt.Errorf("%q [%#x, %#x) outside %q: %w", addr.Name, addr.Start, addr.end(), a.Name, errAddrSpaceOccupied)
	}

	if o := a.overlap(addr); o != nil {
		return fmt.Errorf("%q [%#x, %#x) overlaps %q: %w", addr.Name, addr.Start, addr.end(), o.Name, errAddrSpaceOccupied)
	}

	i, _ := slices.BinarySearchFunc(a.Addresses, addr.Start, func(c *AddressSpace, start uint64) int {
		return cmpUint64(c.Start, start)
	})
	a.Addresses = slices.Insert(a.Addresses, i, addr)

	return nil
}

// Lookup returns the child holding gpa, or nil.
func (a *AddressSpace) Lookup(gpa uint64) *AddressSpace {
	i, found := slices.BinarySearchFunc(a.Addresses, gpa, func(c *AddressSpace, gpa uint64) int {
		return cmpUint64(c.Start, gpa)
	})
	if found {
		return a.Addresses[i]
	}

	if i == 0 {
		return nil
	}

	if c := a.Addresses[i-1]; gpa < c.end() {
		return c
	}

	return nil
}

func (a *AddressSpace) end() uint64 {
	return a.Start + a.Size
}

// InRange reports whether addr lies within a.
func (a *AddressSpace) InRange(addr *AddressSpace) bool {
	return addr.Start >= a.Start && addr.end() <= a.end() && addr.end() >= addr.Start
}

// IsFree reports whether ad overlaps none of the children of a.
func (a *AddressSpace) IsFree(ad *AddressSpace) bool {
	return a.overlap(ad) == nil
}

func (a *AddressSpace) overlap(ad *AddressSpace) *AddressSpace {
	for _, addr := range a.Addresses {
		if ad.Start < addr.end() && addr.Start < ad.end() {
			return addr
		}
	}

	return nil
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}

	return 0
}
