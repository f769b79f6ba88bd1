// Package serial is a 16550A UART on COM1.
package serial

import (
	"io"

	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

const (
	COM1Addr = 0x03f8
	COM1IRQ  = 4

	ierRDA  = 0x1 // received data available
	ierTHRE = 0x2 // transmitter holding register empty

	iirNone = 0x1
	iirTHRE = 0x2
	iirRDA  = 0x4

	lsrDR   = 0x01
	lsrTHRE = 0x20
	lsrTEMT = 0x40

	lcrDLAB = 0x80
)

type Serial struct {
	IER byte
	LCR byte
	MCR byte
	SCR byte
	DLL byte
	DLM byte

	mu         sync.Mutex
	thrPending bool
	level      bool
	out        io.Writer
	inputChan  chan byte

	// irqCallback is called whenever the interrupt line changes level.
	irqCallback func(level bool)
}

func New(out io.Writer, irqCallback func(level bool)) *Serial {
	return &Serial{
		DLL:         0xc, // 9600 baud
		out:         out,
		inputChan:   make(chan byte, 10000),
		irqCallback: irqCallback,
	}
}

// Input queues a byte for the guest. It drops the byte when the queue is
// full.
func (s *Serial) Input(b byte) {
	s.mu.Lock()
	select {
	case s.inputChan <- b:
	default:
		log.Warningf("serial: input overrun")
	}
	s.update()
}

func (s *Serial) dlab() bool {
	return s.LCR&lcrDLAB != 0
}

// update recomputes the interrupt line, releases s.mu and reports a change.
func (s *Serial) update() {
	level := (s.IER&ierRDA != 0 && len(s.inputChan) > 0) ||
		(s.IER&ierTHRE != 0 && s.thrPending)
	changed := level != s.level
	s.level = level
	s.mu.Unlock()

	if changed && s.irqCallback != nil {
		s.irqCallback(level)
	}
}

func (s *Serial) iir() byte {
	switch {
	case s.IER&ierRDA != 0 && len(s.inputChan) > 0:
		return iirRDA
	case s.IER&ierTHRE != 0 && s.thrPending:
		s.thrPending = false

		return iirTHRE
	}

	return iirNone
}

func (s *Serial) Read(port uint64, values []byte) error {
	s.mu.Lock()

	switch port -= COM1Addr; {
	case port == 0 && !s.dlab():
		// RBR
		values[0] = 0

		select {
		case b := <-s.inputChan:
			values[0] = b
		default:
		}
	case port == 0 && s.dlab():
		values[0] = s.DLL
	case port == 1 && !s.dlab():
		values[0] = s.IER
	case port == 1 && s.dlab():
		values[0] = s.DLM
	case port == 2:
		values[0] = s.iir()
	case port == 3:
		values[0] = s.LCR
	case port == 4:
		values[0] = s.MCR
	case port == 5:
		values[0] = lsrTHRE | lsrTEMT
		if len(s.inputChan) > 0 {
			values[0] |= lsrDR
		}
	case port == 6:
		// MSR: DCD, DSR and CTS asserted.
		values[0] = 0xb0
	case port == 7:
		values[0] = s.SCR
	}

	s.update()

	return nil
}

func (s *Serial) Write(port uint64, values []byte) error {
	s.mu.Lock()

	var err error

	switch port -= COM1Addr; {
	case port == 0 && !s.dlab():
		// THR
		_, err = s.out.Write(values[:1])
		s.thrPending = true
	case port == 0 && s.dlab():
		s.DLL = values[0]
	case port == 1 && !s.dlab():
		if values[0]&ierTHRE != 0 && s.IER&ierTHRE == 0 {
			s.thrPending = true
		}

		s.IER = values[0] & 0xf
	case port == 1 && s.dlab():
		s.DLM = values[0]
	case port == 2:
		// FCR
		log.Debugf("serial: FCR %#x", values[0])
	case port == 3:
		s.LCR = values[0]
	case port == 4:
		s.MCR = values[0]
	case port == 7:
		s.SCR = values[0]
	default:
		log.Debugf("serial: write %#x to read-only port %#x", values[0], port+COM1Addr)
	}

	s.update()

	return err
}

func (s *Serial) IOPort() uint64 {
	return COM1Addr
}

func (s *Serial) Size() uint64 {
	return 0x8
}
