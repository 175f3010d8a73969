//go:build !unix

package frameslab

// Heap fallback for platforms without mmap. Loses the out-of-heap property
// but keeps the slot discipline identical.
func mapRegion(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapRegion(region []byte) error {
	return nil
}
