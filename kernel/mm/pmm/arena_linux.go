//go:build linux
// +build linux

package pmm

import "golang.org/x/sys/unix"

// mapArena reserves size bytes of zero-filled, page-aligned anonymous memory
// from the host to back the physical frames of the user pool.
func mapArena(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

// unmapArena returns the arena memory to the host.
func unmapArena(mem []byte) error {
	return unix.Munmap(mem)
}
