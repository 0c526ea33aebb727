package ble

import "github.com/joel-Y/WizLock-Tech-App/internal/fault"

type linkError struct {
	msg  string
	kind fault.Kind
}

func (e *linkError) Error() string          { return e.msg }
func (e *linkError) FaultKind() fault.Kind { return e.kind }

var (
	// ErrTimeout means the device did not answer in time.
	ErrTimeout error = &linkError{"ble: timeout", fault.Transient}
	// ErrNotFound means no device with that address is advertising.
	ErrNotFound error = &linkError{"ble: device not found", fault.Transient}
	// ErrAlreadyConnected means the single radio link is in use.
	ErrAlreadyConnected error = &linkError{"ble: already connected", fault.Fatal}
	// ErrLinkLost means the connection dropped mid-command.
	ErrLinkLost error = &linkError{"ble: link lost", fault.Transient}
)
