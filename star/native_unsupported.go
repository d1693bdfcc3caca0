//go:build !(linux || windows) || !cgo || no_cgo

package star

import (
	"runtime"

	"github.com/pkg/errors"
)

func openNative(path string) (Library, error) {
	return nil, &LoadError{
		Path:   path,
		Reason: errors.Errorf("this binary was built without cgo support for %s", runtime.GOOS),
	}
}
