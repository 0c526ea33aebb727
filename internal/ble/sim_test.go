package ble

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joel-Y/WizLock-Tech-App/internal/fault"
	"github.com/joel-Y/WizLock-Tech-App/internal/model"
)

const (
	lockMAC    = "AA:BB:CC:11:22:33"
	gatewayMAC = "DD:EE:FF:44:55:66"
	pairedMAC  = "11:22:33:AA:BB:CC"
)

func fastFleet() Fleet {
	f := DefaultFleet()
	f.Latency = time.Millisecond
	return f
}

func TestDefaultFleetScan(t *testing.T) {
	sim := NewSimulator(fastFleet())
	devices, err := sim.Scan(context.Background(), time.Second)
	require.NoError(t, err)
	require.Len(t, devices, 3, "QR-only devices do not advertise")

	assert.Equal(t, lockMAC, devices[0].MACAddress)
	assert.Equal(t, "TTLock_3214", devices[0].Name)
	assert.Equal(t, -45, devices[0].RSSI)
	assert.True(t, devices[0].IsSettingMode)
	require.NotNil(t, devices[0].BatteryLevel)
	assert.Equal(t, 95, *devices[0].BatteryLevel)
	assert.Equal(t, "6.2.0", devices[0].FirmwareVersion)

	assert.Equal(t, model.KindGateway, devices[1].Type)
	assert.Nil(t, devices[1].BatteryLevel)
	assert.False(t, devices[2].IsSettingMode)
}

func TestConnectUnknown(t *testing.T) {
	sim := NewSimulator(fastFleet())
	_, err := sim.Connect(context.Background(), "00:00:00:00:00:00", time.Second)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, fault.Transient, fault.KindOf(err))
}

func TestExclusiveSingleLink(t *testing.T) {
	ctx := context.Background()
	ex := NewExclusive(NewSimulator(fastFleet()))

	conn, err := ex.Connect(ctx, lockMAC, time.Second)
	require.NoError(t, err)
	assert.Equal(t, lockMAC, ex.Holder())

	_, err = ex.Connect(ctx, gatewayMAC, time.Second)
	assert.ErrorIs(t, err, ErrAlreadyConnected)

	require.NoError(t, conn.Disconnect())
	require.NoError(t, conn.Disconnect(), "disconnect is idempotent")
	assert.Empty(t, ex.Holder())

	conn, err = ex.Connect(ctx, gatewayMAC, time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.Disconnect())
}

func TestExclusiveReleasesOnConnectFailure(t *testing.T) {
	sim := NewSimulator(fastFleet())
	sim.FailConnect(lockMAC, ErrTimeout)
	ex := NewExclusive(sim)

	_, err := ex.Connect(context.Background(), lockMAC, time.Second)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Empty(t, ex.Holder())
}

func initCmd(nonce string) Command {
	w := &PayloadWriter{}
	return Command{Op: OpInit, Payload: w.PutString(nonce).Bytes()}
}

func TestInitIsNotRepeatable(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator(fastFleet())
	conn, err := sim.Connect(ctx, lockMAC, time.Second)
	require.NoError(t, err)
	defer conn.Disconnect()

	resp, err := conn.SendCommand(ctx, initCmd("n1"), time.Second)
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	r := NewPayloadReader(resp.Data)
	assert.Equal(t, "WizSmith_Lock_AABB", r.ReadString())
	assert.Equal(t, "6.4.0", r.ReadString())

	resp, err = conn.SendCommand(ctx, initCmd("n2"), time.Second)
	require.NoError(t, err)
	var se *StatusError
	require.ErrorAs(t, resp.Err(), &se)
	assert.Equal(t, StatusAlreadyInitialized, se.Status)
	assert.Equal(t, fault.Rejected, fault.KindOf(resp.Err()))
	assert.Equal(t, 1, sim.InitCount(lockMAC))
}

func TestPairedLockRefusesInit(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator(fastFleet())
	conn, err := sim.Connect(ctx, pairedMAC, time.Second)
	require.NoError(t, err)
	defer conn.Disconnect()

	resp, err := conn.SendCommand(ctx, initCmd("n"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyInitialized, resp.Status)
}

func TestTimeoutThenLateAnswerIgnored(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator(fastFleet())
	sim.TimeoutCommands(lockMAC, 1)
	conn, err := sim.Connect(ctx, lockMAC, time.Second)
	require.NoError(t, err)
	defer conn.Disconnect()

	_, err = conn.SendCommand(ctx, Command{Op: OpBattery}, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	resp, err := conn.SendCommand(ctx, Command{Op: OpBattery}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{95}, resp.Data)
}

func TestLostResponseStillExecutes(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator(fastFleet())
	sim.LoseResponses(lockMAC, 1)
	conn, err := sim.Connect(ctx, lockMAC, time.Second)
	require.NoError(t, err)
	defer conn.Disconnect()

	_, err = conn.SendCommand(ctx, initCmd("nonce-1"), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 1, sim.InitCount(lockMAC))

	w := &PayloadWriter{}
	resp, err := conn.SendCommand(ctx, Command{Op: OpQueryInit, Payload: w.PutString("nonce-1").Bytes()}, time.Second)
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	assert.Equal(t, InitStateOurs, resp.Data[0])
}

func TestDropLink(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator(fastFleet())
	sim.DropLinkAfter(lockMAC, 1)
	conn, err := sim.Connect(ctx, lockMAC, time.Second)
	require.NoError(t, err)

	_, err = conn.SendCommand(ctx, Command{Op: OpBattery}, time.Second)
	require.NoError(t, err)
	_, err = conn.SendCommand(ctx, Command{Op: OpBattery}, time.Second)
	assert.ErrorIs(t, err, ErrLinkLost)
	_, err = conn.SendCommand(ctx, Command{Op: OpBattery}, time.Second)
	assert.ErrorIs(t, err, ErrLinkLost, "a dropped link stays dropped")
	require.NoError(t, conn.Disconnect())

	conn, err = sim.Connect(ctx, lockMAC, time.Second)
	require.NoError(t, err)
	defer conn.Disconnect()
	_, err = conn.SendCommand(ctx, Command{Op: OpBattery}, time.Second)
	assert.NoError(t, err, "reconnect gets a healthy link")
}

func TestGatewayWiFi(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator(fastFleet())
	conn, err := sim.Connect(ctx, gatewayMAC, time.Second)
	require.NoError(t, err)
	defer conn.Disconnect()

	w := &PayloadWriter{}
	resp, err := conn.SendCommand(ctx, Command{Op: OpConfigureWiFi, Payload: w.PutString("SiteNet").PutString("pw").Bytes()}, time.Second)
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	assert.Equal(t, "SiteNet", sim.WiFiSSID(gatewayMAC))

	resp, err = conn.SendCommand(ctx, initCmd("n"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusUnsupported, resp.Status)
}

func TestParseFleetRejectsDuplicates(t *testing.T) {
	_, err := ParseFleet([]byte(`
devices:
  - {mac: "aa:bb:cc:dd:ee:ff", kind: LOCK}
  - {mac: "AA:BB:CC:DD:EE:FF", kind: LOCK}
`))
	assert.ErrorContains(t, err, "duplicate")

	_, err = ParseFleet([]byte(`devices: [{mac: "aa:bb:cc:dd:ee:ff", kind: DOORBELL}]`))
	assert.Error(t, err)
}

func TestAdvertisement(t *testing.T) {
	ex := NewExclusive(NewSimulator(fastFleet()))
	adv, ok := ex.Advertisement(lockMAC)
	require.True(t, ok)
	assert.Equal(t, byte(0x01), adv[7]&0x01, "setting mode flag")
	_, ok = ex.Advertisement("00:00:00:00:00:01")
	assert.False(t, ok)
}
