package flag

import (
	"context"
	"os"
	"os/signal"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/gosvm/probe"
	"github.com/bobuhiro11/gosvm/ring0"
	"github.com/bobuhiro11/gosvm/sim"
	"github.com/bobuhiro11/gosvm/svm"
	"github.com/bobuhiro11/gosvm/vmm"
	"gvisor.dev/gvisor/pkg/log"
)

func Parse() error {
	c := CLI{}

	programName := "gosvm"
	programDesc := "gosvm runs guests on AMD SVM with nested paging"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	if c.Debug {
		log.SetLevel(log.Debug)
	}

	err := ctx.Run()

	return err
}

func (d *ProbeCMD) Run() error {
	var hw svm.Hardware = sim.New(sim.Config{})

	if d.Native {
		n, err := ring0.New()
		if err != nil {
			return err
		}
		defer n.Close()

		hw = n
	}

	probe.CPUID(os.Stdout, hw)

	if !svm.Probe(hw) {
		return nil
	}

	e, err := svm.Init(hw)
	if err != nil {
		return err
	}

	probe.Capabilities(os.Stdout, e.Capabilities())

	return e.Fini()
}

func (s *RunCMD) Run() error {
	memSize, err := ParseSize(s.MemSize, "m")
	if err != nil {
		return err
	}

	overrides, err := LoadCPUID(s.CPUID)
	if err != nil {
		return err
	}

	c := &vmm.Config{
		Image:          s.Image,
		NCPUs:          s.NCPUs,
		MemSize:        memSize,
		Native:         s.Native,
		CPUID:          overrides,
		TPRPassthrough: s.TPRPassthrough,
		Dump:           s.Dump,
	}

	vmm := vmm.New(*c)

	if err := vmm.Init(); err != nil {
		return err
	}
	defer vmm.Close()

	if err := vmm.Setup(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return vmm.Boot(ctx)
}
