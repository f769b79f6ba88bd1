package machine

// state.go – VCPU state capture for debugging and restarts.

import (
	"fmt"
	"io"

	"github.com/bobuhiro11/gosvm/svm"
	"gopkg.in/yaml.v3"
)

// SaveCPUState captures the full architectural state of one VCPU.
func (m *Machine) SaveCPUState(cpu int) (*svm.State, error) {
	st, err := m.state(cpu, svm.StateAll)
	if err != nil {
		return nil, fmt.Errorf("GetState cpu%d: %w", cpu, err)
	}

	return st, nil
}

// RestoreCPUState applies a previously saved VCPU state. It reaches the
// processor on the next run.
func (m *Machine) RestoreCPUState(cpu int, st *svm.State) error {
	if cpu < 0 || cpu >= len(m.vcpus) {
		return fmt.Errorf("%w: %d", ErrBadCPU, cpu)
	}

	if err := m.vcpus[cpu].SetState(svm.StateAll, st); err != nil {
		return fmt.Errorf("SetState cpu%d: %w", cpu, err)
	}

	return nil
}

// regDump is the YAML form of the registers a human looks at first.
type regDump struct {
	Mode   string            `yaml:"mode"`
	GPRs   map[string]string `yaml:"gprs"`
	Segs   map[string]string `yaml:"segments"`
	CRs    map[string]string `yaml:"crs"`
	EFER   string            `yaml:"efer"`
	Shadow bool              `yaml:"interrupt_shadow"`
}

var (
	gprNames = [...]string{
		"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
		"rip", "rflags",
	}
	segNames = [...]string{"es", "cs", "ss", "ds", "fs", "gs", "gdt", "idt", "ldt", "tr"}
	crNames  = [...]string{"cr0", "cr2", "cr3", "cr4", "cr8", "xcr0"}
)

// DumpState writes the registers of a VCPU to w as YAML.
func (m *Machine) DumpState(w io.Writer, cpu int) error {
	st, err := m.SaveCPUState(cpu)
	if err != nil {
		return err
	}

	d := regDump{
		Mode:   "real",
		GPRs:   make(map[string]string, len(gprNames)),
		Segs:   make(map[string]string, len(segNames)),
		CRs:    make(map[string]string, len(crNames)),
		EFER:   fmt.Sprintf("%#x", st.MSRs[svm.MSREFER]),
		Shadow: st.Intr.IntShadow,
	}

	if st.CRs[svm.CR0]&CR0xPE != 0 {
		d.Mode = fmt.Sprintf("protected/%d", mode(st))
	}

	for i, n := range gprNames {
		d.GPRs[n] = fmt.Sprintf("%#x", st.GPRs[i])
	}

	for i, n := range segNames {
		s := st.Segs[i]
		d.Segs[n] = fmt.Sprintf("%#04x base=%#x limit=%#x", s.Selector, s.Base, s.Limit)
	}

	for i, n := range crNames {
		d.CRs[n] = fmt.Sprintf("%#x", st.CRs[i])
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(&d); err != nil {
		return err
	}

	return enc.Close()
}
