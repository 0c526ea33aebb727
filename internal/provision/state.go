package provision

import (
	"errors"
	"fmt"
	"time"

	"github.com/joel-Y/WizLock-Tech-App/internal/fault"
	"github.com/joel-Y/WizLock-Tech-App/internal/model"
)

// State is a step of the provisioning state machine.
type State string

const (
	StateIdle               State = "Idle"
	StateScanning           State = "Scanning"
	StateDeviceSelected     State = "DeviceSelected"
	StateConnecting         State = "Connecting"
	StateActivating         State = "Activating"
	StateCloudRegistering   State = "CloudRegistering"
	StateBackendRegistering State = "BackendRegistering"
	StateComplete           State = "Complete"
	StateError              State = "Error"
	StateRetrying           State = "Retrying"
	StateCancelled          State = "Cancelled"
)

// Terminal reports whether no further transition can happen in this run.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateError || s == StateCancelled
}

var (
	// ErrBusy means another run holds the BLE link.
	ErrBusy = errors.New("a provisioning session is already active")
	// ErrRunNotFound means no run with that id is known.
	ErrRunNotFound = errors.New("provisioning run not found")
	// ErrFinished means the run already reached a terminal state.
	ErrFinished = errors.New("provisioning run already finished")
	// ErrNoDevice means Start was called without a selected device.
	ErrNoDevice = errors.New("no device selected")
)

// StageError says which stage failed, how, and whether starting the same
// device again can pick up where this run stopped.
type StageError struct {
	Stage     State
	Kind      fault.Kind
	Cause     error
	Resumable bool
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Stage, e.Kind, e.Cause)
}

func (e *StageError) Unwrap() error { return e.Cause }

// Status is a snapshot of a run, streamed to subscribers on every change.
type Status struct {
	RunID   string           `json:"runId"`
	MAC     string           `json:"macAddress"`
	Kind    model.DeviceKind `json:"deviceType"`
	State   State            `json:"state"`
	Stage   State            `json:"stage,omitempty"`
	Step    string           `json:"step,omitempty"`
	Attempt int              `json:"attempt,omitempty"`
	Resumed bool             `json:"resumed,omitempty"`

	Error     string     `json:"error,omitempty"`
	ErrorKind fault.Kind `json:"errorKind,omitempty"`
	Resumable bool       `json:"resumable,omitempty"`

	CloudID int64                      `json:"cloudId,omitempty"`
	Payload *model.RegistrationPayload `json:"payload,omitempty"`

	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (s Status) journal(technician string, inventoryID string) model.ProvisioningRun {
	run := model.ProvisioningRun{
		ID:           s.RunID,
		MACAddress:   s.MAC,
		DeviceType:   s.Kind,
		Technician:   technician,
		State:        string(s.State),
		Stage:        string(s.Stage),
		ErrorKind:    string(s.ErrorKind),
		ErrorMessage: s.Error,
		CloudID:      s.CloudID,
		InventoryID:  inventoryID,
		StartedAt:    s.StartedAt,
		UpdatedAt:    s.UpdatedAt,
	}
	if s.State.Terminal() {
		t := s.UpdatedAt
		run.FinishedAt = &t
	}
	return run
}
