package svm

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// MachineConfig holds what the memory manager provides for a machine.
type MachineConfig struct {
	// NestedRoot is the physical address of the nested page-table root.
	NestedRoot uint64
}

// Machine is a guest physical address space and its VCPUs.
type Machine struct {
	engine *Engine
	root   uint64

	// tlbGen is bumped by InvalidateNested whenever the nested page
	// tables lose a mapping. VCPUs compare it with their cached copy
	// before each entry.
	tlbGen atomicbitops.Uint64

	mu    sync.Mutex
	vcpus map[int]*VCPU
}

// CreateMachine registers a new machine.
func (e *Engine) CreateMachine(cfg MachineConfig) (*Machine, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.finalized {
		return nil, ErrFinalized
	}

	if cfg.NestedRoot&(PageSize-1) != 0 {
		return nil, fmt.Errorf("nested root %#x not page aligned: %w", cfg.NestedRoot, ErrInvalidConfig)
	}

	m := &Machine{
		engine: e,
		root:   cfg.NestedRoot,
		vcpus:  make(map[int]*VCPU),
	}
	m.tlbGen.Store(1)
	e.machines[m] = struct{}{}

	log.Debugf("svm: machine created, nested root %#x", m.root)

	return m, nil
}

// DestroyMachine unregisters m. Its VCPUs must be destroyed first.
func (e *Engine) DestroyMachine(m *Machine) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.machines[m]; !ok {
		return ErrNotFound
	}

	m.mu.Lock()
	n := len(m.vcpus)
	m.mu.Unlock()

	if n != 0 {
		return fmt.Errorf("%d vcpus alive: %w", n, ErrBusy)
	}

	delete(e.machines, m)

	return nil
}

// InvalidateNested records that the nested page tables changed. Every VCPU
// of the machine flushes its TLB on its next entry.
func (m *Machine) InvalidateNested() uint64 {
	return m.tlbGen.Add(1)
}

// TLBGeneration returns the current nested TLB generation.
func (m *Machine) TLBGeneration() uint64 {
	return m.tlbGen.Load()
}

// NestedRoot returns the root passed at creation.
func (m *Machine) NestedRoot() uint64 {
	return m.root
}
