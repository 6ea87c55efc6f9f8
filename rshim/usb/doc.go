// Package usb implements the rshim transport over USB.
//
// Registers are reached with one blocking vendor control transfer per
// access. The TMFIFO byte stream runs over three endpoints of the stream
// interface: an interrupt endpoint announcing how many bytes the device
// holds, and a bulk pair carrying them. Stream reads alternate between an
// interrupt transfer, waiting for the device to announce data, and a bulk
// transfer fetching it. At most one read and one write are in flight per
// backend, and transient failures are resubmitted a bounded number of times
// before a FIFO error is reported.
//
// A [Driver] owns discovery. It subscribes to hotplug events when the
// host-access layer supports them and otherwise probes once:
//
//	d := usb.NewDriver(ctx, env, usb.DefaultOptions())
//	if err := d.Init(); err != nil {
//	    return err
//	}
//	for {
//	    if err := d.Poll(100 * time.Millisecond); err != nil {
//	        return err
//	    }
//	}
//
// Arrivals are probed from the next Poll rather than from the hotplug
// callback, since probing issues blocking control transfers.
package usb
