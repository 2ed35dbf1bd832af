package scall

import (
	"context"
	"fmt"

	"mkcore/internal/apic"
	"mkcore/internal/defs"
	"mkcore/internal/devtree"
	"mkcore/internal/ipc"
	"mkcore/internal/process"
)

func errArgf(format string, args ...any) error     { return fmt.Errorf("scall: "+format, args...) }
func errFaultf(format string, args ...any) error   { return fmt.Errorf("scall: "+format, args...) }
func errBodyf(format string, args ...any) error    { return fmt.Errorf("scall: "+format, args...) }
func errNotFoundf(format string, args ...any) error { return fmt.Errorf("scall: "+format, args...) }
func errExistf(format string, args ...any) error   { return fmt.Errorf("scall: "+format, args...) }

// kprint implements the kprint syscall: print size bytes starting at
// addr in the caller's address space to the kernel log (Kernel §4.6,
// §7 "logs ... to the serial port and, in verbose mode, to the
// framebuffer terminal").
func (d *Dispatcher) kprint(proc *process.Process, addr, size uint64) (result, Decision) {
	if !proc.RegionIsValid(addr, int(size)) {
		return errStatus(defs.EFAULT), fault(errFaultf("kprint: buffer %#x/%d not valid", addr, size))
	}
	data, valid := proc.ReadBytes(addr, int(size))
	if !valid {
		return errStatus(defs.EFAULT), fault(errFaultf("kprint: buffer %#x/%d not mapped", addr, size))
	}
	if d.Log != nil {
		d.Log.Info(string(data))
	}
	return okStatus(), cont()
}

// send implements send(target, addr, size) (Kernel §4.5, §4.6).
func (d *Dispatcher) send(proc *process.Process, pid defs.Pid_t, target, addr, size uint64) (result, Decision) {
	id, err := d.IPC.Send(pid, defs.Pid_t(target), addr, int(size))
	if err != nil {
		switch {
		case ipc.ErrMalformedAddress(err):
			return errStatus(defs.EFAULT), fault(err)
		case ipc.ErrNotFound(err):
			return errStatus(defs.ENOENT), fault(err)
		default:
			return errStatus(defs.EARG), fault(err)
		}
	}
	return ok(uint64(id), 0, 0, 0), cont()
}

// recv implements recv() (Kernel §4.4, §4.5). A non-empty queue returns
// immediately (Continue); an empty queue suspends the calling thread and
// reschedules — its eventual wakeup carries the receive registers via
// sched.ResumeWithPreload, bypassing this return path entirely.
func (d *Dispatcher) recv(pid defs.Pid_t, tid defs.Tid_t) (result, Decision) {
	msg, got := d.IPC.Recv(pid, tid)
	if !got {
		return okStatus(), reschedule()
	}
	return ok(uint64(msg.Id), uint64(msg.Source), msg.Addr, uint64(msg.Size)), cont()
}

// ack implements ack(id) (Kernel §4.5).
func (d *Dispatcher) ack(pid defs.Pid_t, id defs.MsgID) (result, Decision) {
	if err := d.IPC.Ack(pid, id); err != nil {
		if ipc.ErrNotFound(err) {
			return errStatus(defs.ENOENT), fault(err)
		}
		return errStatus(defs.EARG), fault(err)
	}
	return okStatus(), cont()
}

// quit implements quit() (Kernel §4.4): the calling thread exits and,
// if it was its process's last thread, the process and its ledger are
// torn down by sched.Terminate.
func (d *Dispatcher) quit(tid defs.Tid_t) Decision {
	d.Sched.Terminate(tid)
	return reschedule()
}

// portIn/portOut implement port-in/port-out (Kernel §4.6): "gated only
// by the syscall existing." width is in bytes (1, 2, or 4); anything
// else is a malformed argument.
func (d *Dispatcher) portIn(port, width uint64) (result, Decision) {
	switch width {
	case 1:
		return ok(uint64(d.Ports.Read8(uint16(port))), 0, 0, 0), cont()
	case 2:
		return ok(uint64(d.Ports.Read16(uint16(port))), 0, 0, 0), cont()
	case 4:
		return ok(uint64(d.Ports.Read32(uint16(port))), 0, 0, 0), cont()
	default:
		return errStatus(defs.EARG), fault(errArgf("port-in: bad width %d", width))
	}
}

func (d *Dispatcher) portOut(port, width, value uint64) (result, Decision) {
	switch width {
	case 1:
		d.Ports.Write8(uint16(port), uint8(value))
	case 2:
		d.Ports.Write16(uint16(port), uint16(value))
	case 4:
		d.Ports.Write32(uint16(port), uint32(value))
	default:
		return errStatus(defs.EARG), fault(errArgf("port-out: bad width %d", width))
	}
	return okStatus(), cont()
}

// registerIRQ implements register-irq(vector) (Kernel §4.6, §6). vector
// is the final IDT vector the caller wants the line wired to; the
// legacy IRQ number WireLegacyIRQ needs to consult the MADT override is
// recovered as vector - apic.IRQBaseVector.
func (d *Dispatcher) registerIRQ(pid defs.Pid_t, vectorArg uint64) (result, Decision) {
	if vectorArg >= apic.IRQVectorLimit || vectorArg < apic.IRQBaseVector {
		return errStatus(defs.EARG), fault(errArgf("register-irq: illegal vector %d", vectorArg))
	}
	vector := uint8(vectorArg)
	if !d.Sched.RegisterIRQ(vector, pid) {
		return errStatus(defs.EEXIST), fault(errExistf("register-irq: vector %d already registered", vector))
	}
	irq := vector - apic.IRQBaseVector
	if _, err := apic.WireLegacyIRQ(d.Tables, d.IOAPICs, irq); err != nil {
		return errStatus(defs.ENOENT), fault(errNotFoundf("register-irq: %v", err))
	}
	return okStatus(), cont()
}

// allocate implements allocate(size) (Kernel §4.3, §4.6); zero-byte
// requests round up to one page (Kernel §8).
func (d *Dispatcher) allocate(proc *process.Process, size uint64) (result, Decision) {
	virt, _, err := proc.Allocate(int(size))
	if err != nil {
		return errStatus(defs.ENOMEM), fault(err)
	}
	return ok(virt, 0, 0, 0), cont()
}

// newEntry implements new-entry(parent, nameAddr, nameLen) (Kernel §4.7
// "new-entry syscall").
func (d *Dispatcher) newEntry(proc *process.Process, parent, nameAddr, nameLen uint64) (result, Decision) {
	if !proc.RegionIsValid(nameAddr, int(nameLen)) {
		return errStatus(defs.EFAULT), fault(errFaultf("new-entry: name buffer not valid"))
	}
	name, valid := proc.ReadBytes(nameAddr, int(nameLen))
	if !valid {
		return errStatus(defs.EFAULT), fault(errFaultf("new-entry: name buffer not mapped"))
	}
	id, created := d.Tree.NewEntry(defs.EntID(parent), string(name))
	if !created {
		return errStatus(defs.ENOENT), fault(errNotFoundf("new-entry: parent %d does not exist", parent))
	}
	return ok(uint64(id), 0, 0, 0), cont()
}

// getEntryInfo implements get-entry-info(id, keyAddr, keyLen, outAddr)
// (Kernel §4.7, §6 "property value serialization"): it looks up the
// named property on id and writes its self-describing wire encoding
// into the caller's buffer at outAddr, returning the encoded length.
func (d *Dispatcher) getEntryInfo(proc *process.Process, id, keyAddr, keyLen, outAddr uint64) (result, Decision) {
	if !proc.RegionIsValid(keyAddr, int(keyLen)) {
		return errStatus(defs.EFAULT), fault(errFaultf("get-entry-info: key buffer not valid"))
	}
	keyBytes, valid := proc.ReadBytes(keyAddr, int(keyLen))
	if !valid {
		return errStatus(defs.EFAULT), fault(errFaultf("get-entry-info: key buffer not mapped"))
	}
	props, present := d.Tree.Properties(defs.EntID(id))
	if !present {
		return errStatus(defs.ENOENT), fault(errNotFoundf("get-entry-info: entry %d does not exist", id))
	}
	v, has := props[string(keyBytes)]
	if !has {
		return errStatus(defs.ENOENT), fault(errNotFoundf("get-entry-info: entry %d has no property %q", id, keyBytes))
	}
	enc := devtree.Encode(v)
	if !proc.WriteBytes(outAddr, enc) {
		return errStatus(defs.EFAULT), fault(errFaultf("get-entry-info: output buffer too small or unmapped"))
	}
	return ok(uint64(len(enc)), 0, 0, 0), cont()
}

// setEntryProp implements set-entry-prop(id, reqAddr, reqLen) (Kernel
// §4.7 "A set-prop from a user extension calls the matcher after
// releasing the write lock"). reqAddr carries a single wire-encoded
// request (length-prefixed key followed by an encoded Value), matching
// §7's "MalformedBody ... e.g., property-set request" error example.
func (d *Dispatcher) setEntryProp(proc *process.Process, id, reqAddr, reqLen, _ uint64) (result, Decision) {
	if !proc.RegionIsValid(reqAddr, int(reqLen)) {
		return errStatus(defs.EFAULT), fault(errFaultf("set-entry-prop: request buffer not valid"))
	}
	body, valid := proc.ReadBytes(reqAddr, int(reqLen))
	if !valid {
		return errStatus(defs.EFAULT), fault(errFaultf("set-entry-prop: request buffer not mapped"))
	}
	key, value, err := decodeSetPropRequest(body)
	if err != nil {
		return errStatus(defs.EBODY), fault(errBodyf("set-entry-prop: %v", err))
	}
	if !d.Tree.SetProp(defs.EntID(id), key, value) {
		return errStatus(defs.ENOENT), fault(errNotFoundf("set-entry-prop: entry %d does not exist", id))
	}
	if d.Matcher != nil {
		if err := d.Matcher.RunMatch(context.Background()); err != nil && d.Log != nil {
			d.Log.Error("extension match failed after set-entry-prop", "error", err)
		}
	}
	return okStatus(), cont()
}
