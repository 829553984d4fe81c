//go:build !amd64

package vmx

// NativeProcessor is only available on amd64.
type NativeProcessor struct{}

// HasHardwareSupport returns false on non-amd64 platforms.
func HasHardwareSupport() bool {
	return false
}

// NewNativeProcessor returns an error on non-amd64 platforms.
func NewNativeProcessor() (*NativeProcessor, error) {
	return nil, newError("processor", ErrUnsupported, "VMX is not supported on this platform")
}
