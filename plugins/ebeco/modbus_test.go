package ebeco

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func findFreeTCPAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

func startModbus(t *testing.T, target commandTarget) string {
	t.Helper()
	addr := findFreeTCPAddr(t)
	bridge, err := NewModbusBridge(ModbusConfig{Addr: addr, UnitID: 1}, target, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = bridge.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitListening(t, addr)
	return addr
}

func waitListening(t *testing.T, addr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func modbusClient(t *testing.T, addr string, unit byte) modbus.Client {
	t.Helper()
	handler := modbus.NewTCPClientHandler(addr)
	handler.SlaveId = unit
	handler.Timeout = 2 * time.Second
	require.NoError(t, handler.Connect())
	t.Cleanup(func() { _ = handler.Close() })
	return modbus.NewClient(handler)
}

func exceptionCode(t *testing.T, err error) byte {
	t.Helper()
	var mbErr *modbus.ModbusError
	require.True(t, errors.As(err, &mbErr), "expected modbus exception, got %v", err)
	return mbErr.ExceptionCode
}

func register(b []byte, i int) uint16 {
	return binary.BigEndian.Uint16(b[i*2 : i*2+2])
}

func TestModbusReadsState(t *testing.T) {
	d := sampleDevice()
	d.RelayOn = boolPtr(true)
	d.TemperatureRoomDecimals = floatPtr(-1.5)
	entry := readyEntry(t, "bath", &fakeAPI{device: d})
	client := modbusClient(t, startModbus(t, entry), 1)

	coils, err := client.ReadCoils(CoilPower, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, coils)

	holding, err := client.ReadHoldingRegisters(0, 2)
	require.NoError(t, err)
	assert.Equal(t, uint16(200), register(holding, HoldingSetpoint))
	assert.Equal(t, uint16(0), register(holding, HoldingPreset))

	inputs, err := client.ReadInputRegisters(0, 7)
	require.NoError(t, err)
	assert.Equal(t, -1.5, decodeTemperature(register(inputs, InputRoomTemperature)))
	assert.Equal(t, uint16(234), register(inputs, InputFloorTemperature))
	assert.Equal(t, uint16(1), register(inputs, InputRelay))
	assert.Equal(t, uint16(600), register(inputs, InputInstalledWatts))
	assert.Equal(t, uint16(90), register(inputs, InputOnMinutes))
	assert.Equal(t, uint16(0), register(inputs, InputHasError))
	assert.Equal(t, uint16(900), register(inputs, InputEnergyWh))

	partial, err := client.ReadInputRegisters(InputFloorTemperature, 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(234), register(partial, 0))

	_, err = client.ReadInputRegisters(5, 3)
	assert.Equal(t, byte(modbus.ExceptionCodeIllegalDataAddress), exceptionCode(t, err))
	_, err = client.ReadCoils(1, 1)
	assert.Equal(t, byte(modbus.ExceptionCodeIllegalDataAddress), exceptionCode(t, err))
}

func TestModbusWritesBecomeChanges(t *testing.T) {
	api := &fakeAPI{device: sampleDevice()}
	entry := readyEntry(t, "bath", api)
	client := modbusClient(t, startModbus(t, entry), 1)

	_, err := client.WriteSingleCoil(CoilPower, 0xFF00)
	require.NoError(t, err)
	_, err = client.WriteSingleRegister(HoldingSetpoint, 245)
	require.NoError(t, err)

	values := make([]byte, 4)
	binary.BigEndian.PutUint16(values[0:2], 220)
	binary.BigEndian.PutUint16(values[2:4], 2)
	_, err = client.WriteMultipleRegisters(0, 2, values)
	require.NoError(t, err)

	calls := api.Calls()
	require.Len(t, calls, 5)
	assert.Equal(t, apiCall{method: "SetPower", id: 42, on: true}, calls[1])
	assert.Equal(t, 24.5, calls[2].value)
	assert.Equal(t, 22.0, calls[3].value)
	assert.Equal(t, PresetTimer, calls[4].preset)

	state := entry.State()
	assert.Equal(t, 22.0, *state.Device.TemperatureSet)
	assert.Equal(t, "Timer", state.Device.SelectedProgram)
}

func TestModbusRejectsBadWrites(t *testing.T) {
	api := &fakeAPI{device: sampleDevice()}
	entry := readyEntry(t, "bath", api)
	client := modbusClient(t, startModbus(t, entry), 1)

	_, err := client.WriteSingleRegister(HoldingPreset, 7)
	assert.Equal(t, byte(modbus.ExceptionCodeIllegalDataValue), exceptionCode(t, err))
	_, err = client.WriteSingleRegister(HoldingSetpoint, 400)
	assert.Equal(t, byte(modbus.ExceptionCodeIllegalDataValue), exceptionCode(t, err))
	_, err = client.WriteSingleRegister(9, 1)
	assert.Equal(t, byte(modbus.ExceptionCodeIllegalDataAddress), exceptionCode(t, err))

	// A bad register anywhere in the block blocks the whole write.
	values := make([]byte, 6)
	binary.BigEndian.PutUint16(values[0:2], 220)
	binary.BigEndian.PutUint16(values[2:4], 1)
	binary.BigEndian.PutUint16(values[4:6], 1)
	_, err = client.WriteMultipleRegisters(0, 3, values)
	assert.Equal(t, byte(modbus.ExceptionCodeIllegalDataAddress), exceptionCode(t, err))

	api.mu.Lock()
	api.writeErr = errors.New("vendor down")
	api.mu.Unlock()
	_, err = client.WriteSingleCoil(CoilPower, 0x0000)
	assert.Equal(t, byte(modbus.ExceptionCodeServerDeviceFailure), exceptionCode(t, err))

	assert.Len(t, api.Calls(), 2)
}

func TestModbusBeforeFirstRefresh(t *testing.T) {
	entry := newTestEntry(t, "bath", &fakeAPI{device: sampleDevice()})
	client := modbusClient(t, startModbus(t, entry), 1)

	_, err := client.ReadHoldingRegisters(0, 1)
	assert.Equal(t, byte(modbus.ExceptionCodeServerDeviceBusy), exceptionCode(t, err))
	_, err = client.WriteSingleCoil(CoilPower, 0xFF00)
	assert.Equal(t, byte(modbus.ExceptionCodeServerDeviceFailure), exceptionCode(t, err))
}

func TestModbusIgnoresOtherUnits(t *testing.T) {
	entry := readyEntry(t, "bath", &fakeAPI{device: sampleDevice()})
	client := modbusClient(t, startModbus(t, entry), 9)

	_, err := client.ReadCoils(CoilPower, 1)
	assert.Equal(t, byte(modbus.ExceptionCodeServerDeviceFailure), exceptionCode(t, err))
}

func TestNewModbusBridgeValidation(t *testing.T) {
	_, err := NewModbusBridge(ModbusConfig{Addr: "127.0.0.1:0"}, nil, nil)
	assert.Error(t, err)
	_, err = NewModbusBridge(ModbusConfig{UnitID: 1}, nil, nil)
	assert.Error(t, err)
}

func TestTemperatureRegisterEncoding(t *testing.T) {
	assert.Equal(t, uint16(0), encodeTemperature(nil))
	assert.Equal(t, 21.5, decodeTemperature(encodeTemperature(floatPtr(21.5))))
	assert.Equal(t, -3.2, decodeTemperature(encodeTemperature(floatPtr(-3.2))))
	assert.Equal(t, uint16(0), unsignedRegister(floatPtr(-4)))
	assert.Equal(t, uint16(65535), unsignedRegister(floatPtr(1e9)))
}
