package lockproto

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joel-Y/WizLock-Tech-App/internal/ble"
	"github.com/joel-Y/WizLock-Tech-App/internal/fault"
)

func TestConfigureWiFi(t *testing.T) {
	sim := newSim()
	c := newClient(nil)
	conn := connect(t, sim, gatewayMAC)

	require.NoError(t, c.ConfigureWiFi(context.Background(), conn, "SiteNet", "pw"))
	assert.Equal(t, "SiteNet", sim.WiFiSSID(gatewayMAC))

	err := c.ConfigureWiFi(context.Background(), conn, "", "pw")
	assert.Equal(t, fault.Rejected, fault.KindOf(err))
}

func TestDiagnostics(t *testing.T) {
	ctx := context.Background()
	sim := newSim()
	c := newClient(nil)
	conn := connect(t, sim, lockMAC)

	fw, err := c.FirmwareVersion(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, "6.2.0", fw)

	level, err := c.Battery(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 95, level)

	drift, err := c.ClockDrift(ctx, conn)
	require.NoError(t, err)
	assert.Less(t, drift.Abs(), 100*time.Millisecond)
}

func TestFactoryResetAllowsReprovisioning(t *testing.T) {
	ctx := context.Background()
	sim := newSim()
	c := newClient(nil)

	_, err := c.Activate(ctx, connect(t, sim, pairedMAC), Progress{}, (&checkpoints{}).save)
	require.Error(t, err)

	conn := connect(t, sim, pairedMAC)
	require.NoError(t, c.FactoryReset(ctx, conn))
	p, err := c.Activate(ctx, conn, Progress{}, (&checkpoints{}).save)
	require.NoError(t, err)
	assert.True(t, p.Done())
}

func TestGatewayBatteryUnsupported(t *testing.T) {
	_, err := newClient(nil).Battery(context.Background(), connect(t, newSim(), gatewayMAC))
	var se *ble.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ble.StatusUnsupported, se.Status)
}
