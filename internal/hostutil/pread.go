package hostutil

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// PreadFull reads exactly len(buf) bytes from fd at offset, retrying on
// EINTR and accumulating across short reads, mirroring pread_in_full() in
// uhyve.c. It returns the number of bytes actually read, which is less than
// len(buf) only at EOF.
func PreadFull(fd int, buf []byte, offset int64) (int, error) {
	var total int

	for total < len(buf) {
		n, err := unix.Pread(fd, buf[total:], offset)
		if err == unix.EINTR {
			continue
		}
		if n == 0 && err == nil {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("pread: %w", err)
		}

		total += n
		offset += int64(n)
	}

	return total, nil
}
