//go:build windows || plan9 || js || wasm || illumos || solaris
// +build windows plan9 js wasm illumos solaris

package diskusage

// New returns the disk status for dir.
//
// May return ErrUnsupported if it doesn't work on this platform.
func New(dir string) (info Info, err error) {
	return info, ErrUnsupported
}
