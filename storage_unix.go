//go:build unix

package nanodb

import (
	"os"

	"golang.org/x/sys/unix"
)

// flushDirectory fsyncs dir so a prior rename or create within it is
// durable, per spec.md §4.5.
func flushDirectory(dir string) error {
	fd, err := unix.Open(dir, unix.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer unix.Close(fd)
	return unix.Fsync(fd)
}
