// Package plcsim implements a simulated transport.PlcTransport whose tag
// space mirrors the dotted Program:<name>.<tag> addressing and BOOL/DINT
// typing shown by the controller emulator this gateway replaces: PartCount
// increments once per tick and MotorRunning flips every fifth increment.
// It also exposes one UDT-shaped tag and one array-shaped tag so
// MachineDataItem's Expand and range-suffix paths have something real to
// resolve against.
package plcsim

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/twinsync/gateway/errors"
	"github.com/twinsync/gateway/model"
)

const (
	// TagMotorRunning is a BOOL tag that flips every 5th PartCount tick.
	TagMotorRunning = "Program:MainProgram.MotorRunning"
	// TagPartCount is a DINT tag that increments once per tick.
	TagPartCount = "Program:MainProgram.PartCount"
	// TagStation1Status is a UDT tag resolved via Expand == model.ExpandUDT.
	TagStation1Status = "Program:MainProgram.Station1Status"
	// TagPartBuffer is an array tag; range suffixes like "[0..4]" index it.
	TagPartBuffer = "Program:MainProgram.PartBuffer"

	tickInterval = time.Second
)

var rangeSuffix = regexp.MustCompile(`^(.*)\[(\d+)\.\.(\d+)\]$`)

// Transport is a simulated PLC. ReadItems advances the tag clock based on
// wall time elapsed since Connect, so repeated polls see the same
// increment-every-tick, flip-every-fifth-tick behavior regardless of how
// often the caller polls.
type Transport struct {
	mu         sync.Mutex
	connected  bool
	startedAt  time.Time
	lastTick   int64
	partCount  int32
	motorOn    bool
	partBuffer [10]int32
}

// Station1Status's six members split into run state (Run/Faulted/FaultCode)
// and process readings (Speed/Temp0/Temp1).
const (
	station1RunSpeed  = float32(1800.0) // RPM while MotorRunning is true
	station1Temp0Base = float32(68.5)   // degC, drifts with PartCount
	station1Temp1Base = float32(70.2)   // degC, drifts with PartCount
)

// NewTransport creates a disconnected simulator with PartBuffer seeded
// 0..9.
func NewTransport() *Transport {
	t := &Transport{motorOn: true}
	for i := range t.partBuffer {
		t.partBuffer[i] = int32(i)
	}
	return t
}

// Connect starts the tag clock. Never fails.
func (t *Transport) Connect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connected = true
	t.startedAt = time.Now()
	return nil
}

// Close stops the tag clock. Idempotent.
func (t *Transport) Close(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connected = false
	return nil
}

// ReadItems resolves each item's path, applying UDT and array-range
// expansion, and returns values keyed by the item's original path.
func (t *Transport) ReadItems(_ context.Context, items []model.MachineDataItem, _ time.Duration) (map[string]model.PlcValue, error) {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()

	if !connected {
		return nil, errors.WrapTransient(fmt.Errorf("not connected"), "plcsim", "ReadItems", "read")
	}

	t.advanceClock()

	out := make(map[string]model.PlcValue, len(items))
	for _, item := range items {
		v, err := t.resolve(item)
		if err != nil {
			return nil, err
		}
		out[item.Path] = v
	}
	return out, nil
}

func (t *Transport) advanceClock() {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsedTicks := int64(time.Since(t.startedAt) / tickInterval)
	for t.lastTick < elapsedTicks {
		t.lastTick++
		t.partCount++
		if t.partCount%5 == 0 {
			t.motorOn = !t.motorOn
		}
	}
}

func (t *Transport) resolve(item model.MachineDataItem) (model.PlcValue, error) {
	if m := rangeSuffix.FindStringSubmatch(item.Path); m != nil {
		base, lo, hi := m[1], m[2], m[3]
		return t.resolveRange(base, lo, hi)
	}
	if item.Expand == model.ExpandUDT {
		return t.resolveUDT(item.Path)
	}
	return t.resolveScalar(item.Path)
}

func (t *Transport) resolveScalar(path string) (model.PlcValue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch path {
	case TagMotorRunning:
		return model.NewBoolValue(t.motorOn), nil
	case TagPartCount:
		return model.NewInt32Value(t.partCount), nil
	default:
		return model.PlcValue{}, errors.WrapInvalid(fmt.Errorf("unknown tag %q", path), "plcsim", "resolveScalar", "read")
	}
}

func (t *Transport) resolveUDT(path string) (model.PlcValue, error) {
	if path != TagStation1Status {
		return model.PlcValue{}, errors.WrapInvalid(fmt.Errorf("unknown UDT tag %q", path), "plcsim", "resolveUDT", "read")
	}

	t.mu.Lock()
	run := t.motorOn
	count := t.partCount
	t.mu.Unlock()

	var speed float32
	if run {
		speed = station1RunSpeed
	}
	temp0 := station1Temp0Base + float32(count%20)*0.1
	temp1 := station1Temp1Base + float32(count%15)*0.15

	return model.NewStructValue(map[string]model.PlcValue{
		"Run":       model.NewBoolValue(run),
		"Faulted":   model.NewBoolValue(false),
		"FaultCode": model.NewInt32Value(0),
		"Speed":     model.NewFloatValue(speed),
		"Temp0":     model.NewFloatValue(temp0),
		"Temp1":     model.NewFloatValue(temp1),
	}), nil
}

func (t *Transport) resolveRange(base, loStr, hiStr string) (model.PlcValue, error) {
	if base != TagPartBuffer {
		return model.PlcValue{}, errors.WrapInvalid(fmt.Errorf("unknown array tag %q", base), "plcsim", "resolveRange", "read")
	}

	lo, err := strconv.Atoi(loStr)
	if err != nil {
		return model.PlcValue{}, errors.WrapInvalid(err, "plcsim", "resolveRange", "parse")
	}
	hi, err := strconv.Atoi(hiStr)
	if err != nil {
		return model.PlcValue{}, errors.WrapInvalid(err, "plcsim", "resolveRange", "parse")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if lo < 0 || hi >= len(t.partBuffer) || lo > hi {
		return model.PlcValue{}, errors.WrapInvalid(fmt.Errorf("range [%d..%d] out of bounds", lo, hi), "plcsim", "resolveRange", "read")
	}

	elems := make([]model.PlcValue, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		elems = append(elems, model.NewInt32Value(t.partBuffer[i]))
	}
	return model.NewArrayValue(elems), nil
}
