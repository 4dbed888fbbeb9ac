//go:build unix

package cpu

import "golang.org/x/sys/unix"

// reserveArena maps an anonymous private region for the physical memory
// arena so large machines do not sit on the Go heap.
func reserveArena(size int) ([]byte, func([]byte) error, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}

	return data, unix.Munmap, nil
}
