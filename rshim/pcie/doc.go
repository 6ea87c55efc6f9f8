// Package pcie implements the rshim transport over the PCIe configuration
// space side channel.
//
// The host reaches the RShim register bus through two hidden vendor
// capability registers. Every access to the CR space goes through the TRIO
// CR gateway, a 32-bit indirect window guarded by a hardware lock, and every
// 64-bit RShim register access goes through the byte-access widget, which
// moves a register in two 32-bit halves:
//
//	capability ADDR/DATA → CR gateway (locked) → byte-access widget → RShim bus
//
// Writes to the RShim BAR may be posted by the fabric, so the transport
// drains them with a scratchpad read before every eighth consecutive write.
//
// Probe enumerates a [pci.Bus] for BlueField functions and attaches one
// backend per function:
//
//	env := &rshim.Env{Registry: rshim.NewRegistry(), Notifier: &rshim.LogNotifier{}}
//	backends, err := pcie.Probe(env, linux.NewBus(""), pcie.DefaultOptions())
//
// The PCIe transport carries registers only; its stream operations return
// [pkg.ErrNotSupported].
package pcie
