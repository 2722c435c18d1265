package serialio

import (
	"time"

	"go.bug.st/serial"
)

// defaultMode is the fixed line configuration used for every port this
// server opens. The wire protocol carries no framing or baud negotiation
// (spec: "no framing, parsing, or interpretation of serial byte streams"),
// so every port is opened the same way the original source did.
var defaultMode = &serial.Mode{
	BaudRate: 115200,
	DataBits: 8,
	Parity:   serial.NoParity,
	StopBits: serial.OneStopBit,
}

// readTimeoutMargin is added on top of the configured poll interval so a
// Read() call returns promptly (with 0 bytes, not an error) when nothing
// arrived within roughly one iteration.
const readTimeoutMargin = 5 * time.Millisecond

// Open opens the named OS serial device with the server's fixed line
// settings and a read timeout tied to pollInterval.
func Open(portName string, pollInterval time.Duration) (Port, error) {
	handle, err := serial.Open(portName, defaultMode)
	if err != nil {
		return nil, err
	}
	if err := handle.SetReadTimeout(pollInterval + readTimeoutMargin); err != nil {
		_ = handle.Close()
		return nil, err
	}
	return handle, nil
}

// ListPorts enumerates OS-visible serial devices.
func ListPorts() ([]string, error) {
	names, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	return names, nil
}
