//go:build !unix && !windows

package security

import "os"

func tryLockFile(f *os.File) error { return nil }

func unlockFile(f *os.File) error { return nil }
