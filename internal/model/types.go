package model

import (
	"fmt"
	"strings"
	"time"
)

// DeviceKind is the hardware family of a provisionable device.
type DeviceKind string

const (
	KindLock    DeviceKind = "LOCK"
	KindGateway DeviceKind = "GATEWAY"
)

// ParseDeviceKind accepts LOCK or GATEWAY in any case.
func ParseDeviceKind(s string) (DeviceKind, error) {
	switch DeviceKind(strings.ToUpper(strings.TrimSpace(s))) {
	case KindLock:
		return KindLock, nil
	case KindGateway:
		return KindGateway, nil
	default:
		return "", fmt.Errorf("unknown device kind %q", s)
	}
}

// Device is a device discovered during a BLE or QR scan.
type Device struct {
	MACAddress      string     `json:"macAddress"`
	Name            string     `json:"name"`
	RSSI            int        `json:"rssi"`
	IsSettingMode   bool       `json:"isSettingMode"`
	Type            DeviceKind `json:"type"`
	BatteryLevel    *int       `json:"batteryLevel,omitempty"`
	FirmwareVersion string     `json:"firmwareVersion,omitempty"`
}

// ActivationRecord is the secret material a lock hands back after init.
// LockID and KeyID are filled in once the vendor cloud has accepted it.
type ActivationRecord struct {
	LockID      int64  `json:"lockId,omitempty"`
	LockName    string `json:"lockName"`
	LockMAC     string `json:"lockMac"`
	LockVersion string `json:"lockVersion"`
	AdminID     int    `json:"adminId"`
	LockKey     string `json:"lockKey"`
	AESKey      string `json:"aesKeyStr"`
	AdminPwd    string `json:"adminPwd,omitempty"`
	KeyID       int64  `json:"keyId,omitempty"`
}

// RegistrationPayload is the inventory record written once per device.
type RegistrationPayload struct {
	DeviceType   DeviceKind `json:"deviceType"`
	MACAddress   string     `json:"macAddress"`
	CloudID      int64      `json:"cloudId"`
	BuildingID   string     `json:"buildingId"`
	FloorID      string     `json:"floorId"`
	RoomID       string     `json:"roomId,omitempty"`
	TechnicianID string     `json:"technicianId"`
	InstallNotes string     `json:"installNotes"`
	Timestamp    int64      `json:"timestamp"`
}

// LogStatus is the upload state of an activity log entry.
type LogStatus string

const (
	LogPending LogStatus = "pending"
	LogSynced  LogStatus = "synced"
)

// ActivityLog is one entry of the technician's local audit trail.
type ActivityLog struct {
	ID        string    `json:"id"`
	Timestamp int64     `json:"timestamp"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	Status    LogStatus `json:"status"`
}

// Role is the technician's authorization level.
type Role string

const (
	RoleAdministrator Role = "Administrator"
	RoleSupervisor    Role = "Supervisor"
	RoleTechnician    Role = "Technician"
)

// Session is the persisted login of the current technician.
type Session struct {
	Token     string `json:"token"`
	Username  string `json:"username"`
	Role      Role   `json:"role"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Expired reports whether the session's expiresAt lies before now.
func (s Session) Expired(now time.Time) bool {
	return s.ExpiresAt <= now.UnixMilli()
}

type Building struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Floor struct {
	ID         string `json:"id"`
	BuildingID string `json:"buildingId"`
	Name       string `json:"name"`
}

type Room struct {
	ID      string `json:"id"`
	FloorID string `json:"floorId"`
	Name    string `json:"name"`
}

// Location is where a device gets installed. Gateways leave RoomID empty.
type Location struct {
	BuildingID string `json:"buildingId"`
	FloorID    string `json:"floorId"`
	RoomID     string `json:"roomId,omitempty"`
}

// Validate checks the fields required for a device of the given kind.
func (l Location) Validate(kind DeviceKind) error {
	if l.BuildingID == "" || l.FloorID == "" {
		return fmt.Errorf("building and floor are required")
	}
	if kind == KindLock && l.RoomID == "" {
		return fmt.Errorf("room is required for locks")
	}
	return nil
}

// User is a technician account as listed in user management.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Role     Role   `json:"role"`
	Active   bool   `json:"active"`
	Username string `json:"username"`
}

// NormalizeMAC upper-cases a MAC address and trims surrounding space.
func NormalizeMAC(mac string) string {
	return strings.ToUpper(strings.TrimSpace(mac))
}

// CompactMAC strips the colon separators, e.g. for cloud aliases.
func CompactMAC(mac string) string {
	return strings.ReplaceAll(NormalizeMAC(mac), ":", "")
}

// ProvisioningRun is the journal entry kept for every provisioning attempt.
type ProvisioningRun struct {
	ID           string     `json:"id"`
	MACAddress   string     `json:"macAddress"`
	DeviceType   DeviceKind `json:"deviceType"`
	Technician   string     `json:"technician"`
	State        string     `json:"state"`
	Stage        string     `json:"stage,omitempty"`
	ErrorKind    string     `json:"errorKind,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	CloudID      int64      `json:"cloudId,omitempty"`
	InventoryID  string     `json:"inventoryId,omitempty"`
	StartedAt    time.Time  `json:"startedAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}
