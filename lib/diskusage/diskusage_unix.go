//go:build !windows && !plan9 && !js && !wasm && !illumos && !solaris
// +build !windows,!plan9,!js,!wasm,!illumos,!solaris

package diskusage

import "golang.org/x/sys/unix"

// New returns the disk status for dir.
func New(dir string) (info Info, err error) {
	var statfs unix.Statfs_t
	err = unix.Statfs(dir, &statfs)
	if err != nil {
		return info, err
	}
	// These fields have different widths on different OSes so upcast
	// them all to uint64.
	info.Free = uint64(statfs.Bfree) * uint64(statfs.Bsize)
	info.Available = uint64(statfs.Bavail) * uint64(statfs.Bsize)
	info.Total = uint64(statfs.Blocks) * uint64(statfs.Bsize)
	return info, nil
}
