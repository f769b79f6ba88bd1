// Package vmm runs a machine from the command line: it picks the hardware,
// loads the image, runs every VCPU and connects the terminal to COM1.
package vmm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/bobuhiro11/gosvm/machine"
	"github.com/bobuhiro11/gosvm/ring0"
	"github.com/bobuhiro11/gosvm/svm"
	"github.com/bobuhiro11/gosvm/term"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/log"
)

type Config struct {
	Image   string
	NCPUs   int
	MemSize int

	// Native runs on the real processor; otherwise a simulated host is
	// used.
	Native bool

	CPUID          []svm.CPUIDOverride
	TPRPassthrough bool

	// Dump prints the registers of every VCPU once the guest stops.
	Dump bool

	Console io.Writer
}

type VMM struct {
	*machine.Machine
	Config

	closeHW func() error
}

func New(c Config) *VMM {
	return &VMM{
		Machine: nil,
		Config:  c,
	}
}

// Init instantiates a machine.
func (v *VMM) Init() error {
	var hw svm.Hardware

	if v.Native {
		n, err := ring0.New()
		if err != nil {
			return err
		}

		if !svm.Probe(n) {
			_ = n.Close()

			return svm.ErrUnsupported
		}

		hw, v.closeHW = n, n.Close
	}

	m, err := machine.New(machine.Config{
		NCPUs:          v.Config.NCPUs,
		MemSize:        v.MemSize,
		Hardware:       hw,
		CPUID:          v.CPUID,
		TPRPassthrough: v.TPRPassthrough,
		Console:        v.Console,
	})
	if err != nil {
		if v.closeHW != nil {
			_ = v.closeHW()
		}

		return err
	}

	v.Machine = m

	return nil
}

func (v *VMM) Setup() error {
	img, err := os.Open(v.Image)
	if err != nil {
		return err
	}
	defer img.Close()

	return v.Machine.LoadImage(img)
}

// Close releases the machine and the hardware.
func (v *VMM) Close() error {
	var errs []error

	if v.Machine != nil {
		errs = append(errs, v.Machine.Close())
	}

	if v.closeHW != nil {
		errs = append(errs, v.closeHW())
	}

	return errors.Join(errs...)
}

// Boot runs every VCPU until the boot processor stops, ctx is cancelled or
// a VCPU fails.
func (v *VMM) Boot(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for cpu := 0; cpu < v.Machine.NCPUs(); cpu++ {
		log.Infof("Start CPU %d of %d", cpu, v.Machine.NCPUs())

		g.Go(func() error {
			err := v.RunInfiniteLoop(ctx, cpu)

			log.Infof("CPU %d exits", cpu)

			if cpu == 0 {
				v.Stop()
			}

			if err != nil {
				return fmt.Errorf("cpu %d: %w", cpu, err)
			}

			return nil
		})
	}

	if term.IsTerminal() {
		restoreMode, err := term.SetRawMode()
		if err != nil {
			v.Stop()
			_ = g.Wait()

			return err
		}

		defer restoreMode()

		go v.readInput(restoreMode)
	} else {
		fmt.Fprintln(os.Stderr, "this is not terminal and does not accept input")
	}

	err := g.Wait()

	if v.Dump {
		for cpu := 0; cpu < v.Machine.NCPUs(); cpu++ {
			fmt.Fprintf(os.Stderr, "# cpu %d\n", cpu)

			if err := v.DumpState(os.Stderr, cpu); err != nil {
				log.Warningf("dump cpu %d: %v", cpu, err)
			}
		}
	}

	return err
}

// readInput forwards stdin to COM1. ^A x stops the machine.
func (v *VMM) readInput(restoreMode func()) {
	var before byte = 0

	in := bufio.NewReader(os.Stdin)

	for {
		b, err := in.ReadByte()
		if err != nil {
			log.Warningf("stdin: %v", err)

			return
		}

		if before == 0x1 && b == 'x' {
			restoreMode()
			v.Stop()

			return
		}

		v.Input(b)

		before = b
	}
}
