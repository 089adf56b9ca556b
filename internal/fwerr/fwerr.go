// Package fwerr holds the error kinds shared by the DMA protection packages.
//
// Unsupported and OutOfResources are recoverable: a caller may give up on DMA
// isolation and keep booting. InvalidConfiguration and DeviceError mean the
// input tables or the hardware broke an invariant and the boot stage must stop.
package fwerr

import "errors"

var (
	ErrUnsupported          = errors.New("unsupported")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrOutOfResources       = errors.New("out of resources")
	ErrDeviceError          = errors.New("device error")

	// ErrInvalidParameter reports a caller handing back something that was
	// never produced by this module, such as a corrupted mapping token.
	ErrInvalidParameter = errors.New("invalid parameter")
)

// Fatal reports whether err must abort the boot stage.
func Fatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrInvalidConfiguration) || errors.Is(err, ErrDeviceError)
}

// Recoverable reports whether the caller may continue without DMA protection.
func Recoverable(err error) bool {
	return errors.Is(err, ErrUnsupported) || errors.Is(err, ErrOutOfResources)
}
