// Package device holds I/O-port devices that resolve the port exits a
// guest takes.
package device

import "errors"

var errDataLenInvalid = errors.New("invalid data size on port")

// IODevice is a device claiming the ports [IOPort(), IOPort()+Size()).
// Read and Write receive the absolute port and the access width as the
// length of data.
type IODevice interface {
	Read(uint64, []byte) error
	Write(uint64, []byte) error
	IOPort() uint64
	Size() uint64
}
