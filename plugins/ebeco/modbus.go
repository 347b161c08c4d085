package ebeco

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	mbserver "github.com/tbrandon/mbserver"
	"go.uber.org/zap"
)

// Register map. Temperatures are tenths of a degree.
const (
	CoilPower = 0

	HoldingSetpoint = 0
	HoldingPreset   = 1
	holdingCount    = 2

	InputRoomTemperature  = 0
	InputFloorTemperature = 1
	InputRelay            = 2
	InputInstalledWatts   = 3
	InputOnMinutes        = 4
	InputHasError         = 5
	InputEnergyWh         = 6
	inputCount            = 7

	temperatureScale = 10
	maxReadQuantity  = 125
)

type ModbusConfig struct {
	Addr   string
	UnitID byte
}

// commandTarget is the slice of an Entry the Modbus bridge needs.
type commandTarget interface {
	State() State
	Execute(ctx context.Context, cmd Command) (State, error)
}

// ModbusBridge exposes one entry as a Modbus TCP slave.
type ModbusBridge struct {
	cfg    ModbusConfig
	target commandTarget
	logger *zap.Logger
	ctx    context.Context
}

func NewModbusBridge(cfg ModbusConfig, target commandTarget, logger *zap.Logger) (*ModbusBridge, error) {
	if cfg.UnitID == 0 {
		return nil, errors.New("modbus: unit id is required")
	}
	if cfg.Addr == "" {
		return nil, errors.New("modbus: listen address is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModbusBridge{cfg: cfg, target: target, logger: logger.Named("modbus"), ctx: context.Background()}, nil
}

// Run serves until ctx is cancelled.
func (b *ModbusBridge) Run(ctx context.Context) error {
	b.ctx = ctx
	serv := mbserver.NewServer()
	serv.RegisterFunctionHandler(1, b.readCoils)
	serv.RegisterFunctionHandler(3, b.readHolding)
	serv.RegisterFunctionHandler(4, b.readInputs)
	serv.RegisterFunctionHandler(5, b.writeCoil)
	serv.RegisterFunctionHandler(6, b.writeRegister)
	serv.RegisterFunctionHandler(16, b.writeRegisters)

	if err := serv.ListenTCP(b.cfg.Addr); err != nil {
		return fmt.Errorf("modbus listen tcp %s: %w", b.cfg.Addr, err)
	}
	b.logger.Info("listening", zap.String("addr", b.cfg.Addr))

	<-ctx.Done()
	serv.Close()
	return ctx.Err()
}

func (b *ModbusBridge) readCoils(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	if exc := b.checkUnit(frame); exc != nil {
		return []byte{}, exc
	}
	start, qty, exc := readRange(frame.GetData(), 1)
	if exc != nil {
		return []byte{}, exc
	}
	if start != CoilPower || qty != 1 {
		return []byte{}, &mbserver.IllegalDataAddress
	}
	device := b.target.State().Device
	if device == nil {
		return []byte{}, &mbserver.SlaveDeviceBusy
	}
	coil := byte(0)
	if isTrue(device.PowerOn) {
		coil = 0x01
	}
	return []byte{1, coil}, &mbserver.Success
}

func (b *ModbusBridge) readHolding(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	if exc := b.checkUnit(frame); exc != nil {
		return []byte{}, exc
	}
	start, qty, exc := readRange(frame.GetData(), holdingCount)
	if exc != nil {
		return []byte{}, exc
	}
	device := b.target.State().Device
	if device == nil {
		return []byte{}, &mbserver.SlaveDeviceBusy
	}
	return encodeRegisters(holdingRegisters(device)[start : start+qty]), &mbserver.Success
}

func (b *ModbusBridge) readInputs(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	if exc := b.checkUnit(frame); exc != nil {
		return []byte{}, exc
	}
	start, qty, exc := readRange(frame.GetData(), inputCount)
	if exc != nil {
		return []byte{}, exc
	}
	device := b.target.State().Device
	if device == nil {
		return []byte{}, &mbserver.SlaveDeviceBusy
	}
	return encodeRegisters(inputRegisters(device)[start : start+qty]), &mbserver.Success
}

func (b *ModbusBridge) writeCoil(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	if exc := b.checkUnit(frame); exc != nil {
		return []byte{}, exc
	}
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	if binary.BigEndian.Uint16(data[0:2]) != CoilPower {
		return []byte{}, &mbserver.IllegalDataAddress
	}
	var on bool
	switch binary.BigEndian.Uint16(data[2:4]) {
	case 0x0000:
	case 0xFF00:
		on = true
	default:
		return []byte{}, &mbserver.IllegalDataValue
	}
	if exc := b.execute(Command{Power: &on}); exc != nil {
		return []byte{}, exc
	}
	return append([]byte{}, data[0:4]...), &mbserver.Success
}

func (b *ModbusBridge) writeRegister(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	if exc := b.checkUnit(frame); exc != nil {
		return []byte{}, exc
	}
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	addr := binary.BigEndian.Uint16(data[0:2])
	value := binary.BigEndian.Uint16(data[2:4])
	cmd, exc := holdingCommand(addr, value)
	if exc != nil {
		return []byte{}, exc
	}
	if exc := b.execute(cmd); exc != nil {
		return []byte{}, exc
	}
	return append([]byte{}, data[0:4]...), &mbserver.Success
}

func (b *ModbusBridge) writeRegisters(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	if exc := b.checkUnit(frame); exc != nil {
		return []byte{}, exc
	}
	d := frame.GetData()
	if len(d) < 5 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	start := binary.BigEndian.Uint16(d[0:2])
	quantity := binary.BigEndian.Uint16(d[2:4])
	byteCount := int(d[4])
	if quantity == 0 || byteCount != int(quantity)*2 || len(d) < 5+byteCount {
		return []byte{}, &mbserver.IllegalDataValue
	}

	// Validate everything before touching the device.
	cmds := make([]Command, 0, quantity)
	for i := 0; i < int(quantity); i++ {
		value := binary.BigEndian.Uint16(d[5+i*2 : 7+i*2])
		cmd, exc := holdingCommand(start+uint16(i), value)
		if exc != nil {
			return []byte{}, exc
		}
		cmds = append(cmds, cmd)
	}
	for _, cmd := range cmds {
		if exc := b.execute(cmd); exc != nil {
			return []byte{}, exc
		}
	}

	resp := make([]byte, 4)
	binary.BigEndian.PutUint16(resp[0:2], start)
	binary.BigEndian.PutUint16(resp[2:4], quantity)
	return resp, &mbserver.Success
}

func (b *ModbusBridge) execute(cmd Command) *mbserver.Exception {
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()
	if _, err := b.target.Execute(ctx, cmd); err != nil {
		b.logger.Warn("write failed", zap.Error(err))
		if errors.Is(err, ErrInvalidCommand) {
			return &mbserver.IllegalDataValue
		}
		return &mbserver.SlaveDeviceFailure
	}
	return nil
}

func (b *ModbusBridge) checkUnit(frame mbserver.Framer) *mbserver.Exception {
	if tcp, ok := frame.(*mbserver.TCPFrame); ok && tcp.Device != b.cfg.UnitID {
		return &mbserver.SlaveDeviceFailure
	}
	return nil
}

func readRange(data []byte, size int) (int, int, *mbserver.Exception) {
	if len(data) < 4 {
		return 0, 0, &mbserver.IllegalDataValue
	}
	start := int(binary.BigEndian.Uint16(data[0:2]))
	qty := int(binary.BigEndian.Uint16(data[2:4]))
	if qty == 0 || qty > maxReadQuantity {
		return 0, 0, &mbserver.IllegalDataValue
	}
	if start+qty > size {
		return 0, 0, &mbserver.IllegalDataAddress
	}
	return start, qty, nil
}

func holdingCommand(addr, value uint16) (Command, *mbserver.Exception) {
	switch addr {
	case HoldingSetpoint:
		temperature := decodeTemperature(value)
		return Command{Temperature: &temperature}, nil
	case HoldingPreset:
		if int(value) >= len(Presets) {
			return Command{}, &mbserver.IllegalDataValue
		}
		return Command{Preset: string(Presets[value])}, nil
	default:
		return Command{}, &mbserver.IllegalDataAddress
	}
}

func holdingRegisters(d *Device) []uint16 {
	preset := uint16(0)
	for i, p := range Presets {
		if string(p) == d.SelectedProgram {
			preset = uint16(i)
		}
	}
	return []uint16{
		HoldingSetpoint: encodeTemperature(d.TemperatureSet),
		HoldingPreset:   preset,
	}
}

func inputRegisters(d *Device) []uint16 {
	var energyWh *float64
	if kwh := EnergyToday(d); kwh != nil {
		energyWh = floatPtr(*kwh * 1000)
	}
	return []uint16{
		InputRoomTemperature:  encodeTemperature(firstSet(d.TemperatureRoomDecimals, d.TemperatureRoom)),
		InputFloorTemperature: encodeTemperature(firstSet(d.TemperatureFloorDecimals, d.TemperatureFloor)),
		InputRelay:            boolRegister(d.RelayOn),
		InputInstalledWatts:   unsignedRegister(d.InstalledEffect),
		InputOnMinutes:        unsignedRegister(d.TodaysOnMinutes),
		InputHasError:         boolRegister(d.HasError),
		InputEnergyWh:         unsignedRegister(energyWh),
	}
}

func encodeRegisters(regs []uint16) []byte {
	resp := make([]byte, 1+len(regs)*2)
	resp[0] = byte(len(regs) * 2)
	for i, r := range regs {
		binary.BigEndian.PutUint16(resp[1+i*2:3+i*2], r)
	}
	return resp
}

// encodeTemperature stores a signed value in tenths. Missing reads as zero.
func encodeTemperature(v *float64) uint16 {
	if v == nil {
		return 0
	}
	r := min(max(int(math.Round(*v*temperatureScale)), math.MinInt16), math.MaxInt16)
	return uint16(int16(r))
}

func decodeTemperature(u uint16) float64 {
	return float64(int16(u)) / temperatureScale
}

func unsignedRegister(v *float64) uint16 {
	if v == nil || *v < 0 {
		return 0
	}
	return uint16(min(math.Round(*v), math.MaxUint16))
}

func boolRegister(v *bool) uint16 {
	if isTrue(v) {
		return 1
	}
	return 0
}
