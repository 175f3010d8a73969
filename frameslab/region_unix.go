//go:build unix

package frameslab

import "golang.org/x/sys/unix"

// mapRegion allocates the slab backing store as an anonymous shared mapping.
// MAP_SHARED keeps the region outside the Go heap and inheritable across
// fork/exec, matching the slab's role as the pipeline's one explicit piece
// of shared memory.
func mapRegion(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANON)
}

func unmapRegion(region []byte) error {
	return unix.Munmap(region)
}
