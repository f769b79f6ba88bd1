package device

import (
	"fmt"
	"io"
)

// PostCodeDevice prints bytes written to port 0x80, mapping NUL to a line
// break.
type PostCodeDevice struct {
	Out io.Writer
}

func NewPostCodeDevice(out io.Writer) *PostCodeDevice {
	return &PostCodeDevice{Out: out}
}

func (p *PostCodeDevice) Read(port uint64, data []byte) error {
	return nil
}

func (p *PostCodeDevice) Write(port uint64, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("%w: %d bytes", errDataLenInvalid, len(data))
	}

	var err error
	if data[0] == '\000' {
		_, err = fmt.Fprintf(p.Out, "\r\n")
	} else {
		_, err = fmt.Fprintf(p.Out, "%c", data[0])
	}

	return err
}

func (p *PostCodeDevice) IOPort() uint64 {
	return 0x80
}

func (p *PostCodeDevice) Size() uint64 {
	return 0x1
}
