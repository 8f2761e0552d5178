//go:build !linux
// +build !linux

package pmm

// mapArena allocates the arena from the Go heap on hosts without anonymous
// mmap support wired in.
func mapArena(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapArena(_ []byte) error {
	return nil
}
