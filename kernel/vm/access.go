package vm

import (
	"gophervm/kernel"
	"gophervm/kernel/mm"
	"gophervm/kernel/mm/vmm"
)

// ReadUser copies len(buf) bytes starting at user address va into buf the
// way a user-mode load would: pages that are not present raise a page fault
// which is resolved before the load is retried. It returns the number of
// bytes copied and the fatal fault error, if any.
func (as *AddressSpace) ReadUser(va uintptr, buf []byte) (int, error) {
	return as.accessUser(va, buf, false)
}

// WriteUser copies buf to user address va the way a user-mode store would.
// Stores to read-only pages are protection faults.
func (as *AddressSpace) WriteUser(va uintptr, buf []byte) (int, error) {
	return as.accessUser(va, buf, true)
}

func (as *AddressSpace) accessUser(va uintptr, buf []byte, write bool) (int, error) {
	var done int

	for done < len(buf) {
		addr := va + uintptr(done)
		chunk := int(mm.PageSize - mm.PageOffset(addr))
		if remaining := len(buf) - done; remaining < chunk {
			chunk = remaining
		}

		err := as.pdt.Access(addr, write, func(frame mm.Frame, offset uintptr) {
			data := as.frames.FrameData(frame)[offset : offset+uintptr(chunk)]
			if write {
				kernel.Memcopy(buf[done:done+chunk], data)
			} else {
				kernel.Memcopy(data, buf[done:done+chunk])
			}
		})

		switch err {
		case nil:
			done += chunk
		case vmm.ErrInvalidMapping:
			fault := Fault{Addr: addr, User: true, Write: write, NotPresent: true, RSP: as.rsp}
			if err = as.HandleFault(fault); err != nil {
				return done, err
			}
		case vmm.ErrProtectionFault:
			return done, as.HandleFault(Fault{Addr: addr, User: true, Write: write, RSP: as.rsp})
		default:
			return done, err
		}
	}

	return done, nil
}
