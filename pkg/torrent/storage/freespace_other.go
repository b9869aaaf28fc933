//go:build !unix && !windows

package storage

import "github.com/NamanBalaji/leech/internal/errors"

var errNoStatfs = errors.New("free space not supported on this platform")

func diskFree(string) (uint64, error) {
	return 0, errNoStatfs
}
