//go:build !linux

package protect

import "errors"

// Non-Linux platforms have no chattr-equivalent ioctl; enforcement always
// degrades to a logged no-op.
var errUnsupportedPlatform = errors.New("protect: append-only/immutable attributes unsupported on this platform")

func setAppendOnly(path string) error {
	return &EnforcementError{Path: path, Mode: Protected, Err: errUnsupportedPlatform}
}

func setImmutable(path string) error {
	return &EnforcementError{Path: path, Mode: Hardened, Err: errUnsupportedPlatform}
}

func clearAttrs(path string) error {
	return &EnforcementError{Path: path, Mode: Off, Err: errUnsupportedPlatform}
}
