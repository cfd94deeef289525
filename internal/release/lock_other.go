//go:build !unix

package release

import (
	"errors"
	"os"
)

var errLockUnsupported = errors.New("release: advisory locking is not supported on this platform")

func tryLock(*os.File) error { return errLockUnsupported }

func unlock(*os.File) error { return nil }
