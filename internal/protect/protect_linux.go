//go:build linux

package protect

import (
	"golang.org/x/sys/unix"
)

// Linux extended-attribute flags from <linux/fs.h>, applied via the
// FS_IOC_GETFLAGS/FS_IOC_SETFLAGS ioctls golang.org/x/sys/unix already
// wraps, so no cgo or hand-rolled syscall numbers are needed.
const (
	fsAppendFl    = 0x00000020
	fsImmutableFl = 0x00000010
)

func getFlags(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd)
	return unix.IoctlGetInt(fd, unix.FS_IOC_GETFLAGS)
}

func setFlags(path string, flags int) error {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	return unix.IoctlSetPointerInt(fd, unix.FS_IOC_SETFLAGS, flags)
}

func setAppendOnly(path string) error {
	flags, err := getFlags(path)
	if err != nil {
		return &EnforcementError{Path: path, Mode: Protected, Err: err}
	}
	if err := setFlags(path, flags|fsAppendFl); err != nil {
		return &EnforcementError{Path: path, Mode: Protected, Err: err}
	}
	return nil
}

func setImmutable(path string) error {
	flags, err := getFlags(path)
	if err != nil {
		return &EnforcementError{Path: path, Mode: Hardened, Err: err}
	}
	if err := setFlags(path, flags|fsImmutableFl); err != nil {
		return &EnforcementError{Path: path, Mode: Hardened, Err: err}
	}
	return nil
}

func clearAttrs(path string) error {
	flags, err := getFlags(path)
	if err != nil {
		return &EnforcementError{Path: path, Mode: Off, Err: err}
	}
	cleared := flags &^ (fsAppendFl | fsImmutableFl)
	if err := setFlags(path, cleared); err != nil {
		return &EnforcementError{Path: path, Mode: Off, Err: err}
	}
	return nil
}
