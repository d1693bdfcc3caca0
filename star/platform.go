package star

import (
	"fmt"
	"os"
	"path/filepath"
	"math"
	"runtime"
	"time"

	"github.com/pkg/errors"
)

// DefaultLibraryDir is where STAR-System installs the 64-bit Linux library.
const DefaultLibraryDir = "/usr/local/STAR-Dundee/STAR-System/lib/x86-64"

// An UnsupportedPlatformError is returned when the STAR-API library is not available for the
// running operating system.
type UnsupportedPlatformError struct {
	Platform string
}

func (e *UnsupportedPlatformError) Error() string {
	return fmt.Sprintf("platform %q not supported", e.Platform)
}

// A LoadError is returned when the shared library cannot be found, loaded or is missing an
// entry point.
type LoadError struct {
	Path   string
	Reason error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("cannot load STAR-API library %q: %s", e.Path, e.Reason)
}

func (e *LoadError) Unwrap() error {
	return e.Reason
}

// LibraryFileName returns the STAR-API shared object name for the given GOOS.
func LibraryFileName(goos string) (string, error) {
	switch goos {
	case "linux":
		return "libstar-api.so", nil
	case "windows":
		return "star-api.dll", nil
	default:
		return "", &UnsupportedPlatformError{Platform: goos}
	}
}

// LibraryPath joins dir with the STAR-API shared object name for the running platform.
func LibraryPath(dir string) (string, error) {
	name, err := LibraryFileName(runtime.GOOS)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// Open loads the STAR-API shared object found in dir.
func Open(dir string) (Library, error) {
	path, err := LibraryPath(dir)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, &LoadError{Path: path, Reason: errors.Wrap(err, "library not found")}
	}
	return openNative(path)
}

// waitMillis converts a wait timeout to the millisecond count the library takes. Negative
// means forever; timeouts too long for an int32 are capped.
func waitMillis(timeout time.Duration) int32 {
	if timeout < 0 {
		return -1
	}
	ms := timeout / time.Millisecond
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(ms)
}
