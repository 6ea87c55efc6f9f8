package usb

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ardnew/rshim/host/hal"
	"github.com/ardnew/rshim/pkg"
	"github.com/ardnew/rshim/pkg/metrics"
	"github.com/ardnew/rshim/rshim"
)

// Register access control requests.
const (
	regRequest   = 0
	regReadType  = hal.RequestDirIn | hal.RequestTypeVendor | hal.RecipientEndpoint
	regWriteType = hal.RequestDirOut | hal.RequestTypeVendor | hal.RecipientEndpoint
	regSize      = 8
)

// ReadRegister implements [rshim.Transport]. The device sends the register
// little-endian.
func (t *Transport) ReadRegister(channel, addr int) (uint64, error) {
	var buf [regSize]byte
	err := t.control(regReadType, channel, addr, buf[:])
	metrics.RegisterOps.WithLabelValues(metrics.TransportUSB, metrics.OpRead, metrics.Result(err)).Inc()
	if err != nil {
		return 0, fmt.Errorf("%s: read %d:0x%x: %w", t.b.Name(), channel, addr, err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteRegister implements [rshim.Transport].
func (t *Transport) WriteRegister(channel, addr int, value uint64) error {
	var buf [regSize]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	err := t.control(regWriteType, channel, addr, buf[:])
	metrics.RegisterOps.WithLabelValues(metrics.TransportUSB, metrics.OpWrite, metrics.Result(err)).Inc()
	if err != nil {
		return fmt.Errorf("%s: write %d:0x%x: %w", t.b.Name(), channel, addr, err)
	}
	return nil
}

func (t *Transport) control(reqType uint8, channel, addr int, buf []byte) error {
	if !t.b.Has(rshim.CapRShim) {
		return pkg.ErrNoDevice
	}
	h := t.currentHandle()
	if h == nil {
		return pkg.ErrNoDevice
	}

	setup := hal.SetupPacket{
		RequestType: reqType,
		Request:     regRequest,
		Value:       uint16(channel),
		Index:       uint16(addr),
		Length:      regSize,
	}
	n, err := h.ControlTransfer(setup, buf, t.opts.Timeout)
	return transferResult(n, err)
}

// transferResult classifies a register transfer. A byte count other than
// the register size is a malformed response, never an I/O error.
func transferResult(n int, err error) error {
	switch {
	case err != nil:
		if errors.Is(err, pkg.ErrIO) {
			return err
		}
		return fmt.Errorf("%w: %w", pkg.ErrIO, err)
	case n > regSize:
		return pkg.ErrLongTransfer
	case n < regSize:
		return pkg.ErrShortTransfer
	}
	return nil
}
