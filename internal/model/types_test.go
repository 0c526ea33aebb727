package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDeviceKind(t *testing.T) {
	k, err := ParseDeviceKind("lock")
	require.NoError(t, err)
	assert.Equal(t, KindLock, k)

	k, err = ParseDeviceKind(" Gateway ")
	require.NoError(t, err)
	assert.Equal(t, KindGateway, k)

	_, err = ParseDeviceKind("doorbell")
	assert.Error(t, err)
}

func TestRegistrationPayloadWireNames(t *testing.T) {
	p := RegistrationPayload{
		DeviceType:   KindGateway,
		MACAddress:   "DD:EE:FF:44:55:66",
		CloudID:      4411,
		BuildingID:   "b1",
		FloorID:      "f1",
		TechnicianID: "tech1",
		Timestamp:    1700000000000,
	}
	raw, err := json.Marshal(p)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "GATEWAY", m["deviceType"])
	assert.Equal(t, "DD:EE:FF:44:55:66", m["macAddress"])
	assert.EqualValues(t, 4411, m["cloudId"])
	assert.Contains(t, m, "installNotes")
	assert.NotContains(t, m, "roomId", "gateways carry no room")
}

func TestLocationValidate(t *testing.T) {
	tests := []struct {
		name    string
		loc     Location
		kind    DeviceKind
		wantErr bool
	}{
		{"lock with room", Location{"b1", "f1", "r101"}, KindLock, false},
		{"lock without room", Location{"b1", "f1", ""}, KindLock, true},
		{"gateway without room", Location{"b1", "f1", ""}, KindGateway, false},
		{"missing floor", Location{"b1", "", ""}, KindGateway, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.loc.Validate(tt.kind)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSessionExpired(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	assert.False(t, Session{ExpiresAt: 1_000_001}.Expired(now))
	assert.True(t, Session{ExpiresAt: 1_000_000}.Expired(now))
}

func TestCompactMAC(t *testing.T) {
	assert.Equal(t, "AABBCC112233", CompactMAC(" aa:bb:cc:11:22:33"))
}
