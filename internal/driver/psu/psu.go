// Package psu implements the uniform PSU/electronic-load driver contract
// (spec §4.3) over SCPI, grounded on the generic instrument/Write/Read
// pattern used throughout the golaborate corpus (e.g. its keysight scope
// driver) and adapted here for source/sink instruments.
package psu

import (
	"context"
	"fmt"
	"sync"

	"labctl/internal/driver"
	"labctl/internal/scpi"
	"labctl/internal/transport"
)

// modeLongForm maps SCPI long-form mode mnemonics to the short forms spec
// §4.3 calls out (CC/CV/CR/CP).
var modeLongForm = map[string]string{
	"CURR": "CC",
	"VOLT": "CV",
	"RES":  "CR",
	"POW":  "CP",
	"CC":   "CC",
	"CV":   "CV",
	"CR":   "CR",
	"CP":   "CP",
}

// ModeCommand maps the spec's short mode names back to the device's SCPI
// function-select mnemonic, used when issuing SOUR:FUNC.
var ModeCommand = map[string]string{
	"CC": "CURR",
	"CV": "VOLT",
	"CR": "RES",
	"CP": "POW",
}

// OutputCommand describes how to build the SCPI command for one output
// value, keyed by the capability's output name (e.g. "voltage", "current").
type OutputCommand struct {
	SetCmd   string // e.g. ":SOUR:VOLT:LEV %s"
	QueryCmd string // e.g. ":SOUR:VOLT:LEV?"
}

// Model is the per-model wiring a concrete PSU/load driver supplies: the
// expected IDN fields, capability declaration, SCPI command templates per
// output/measurement, and the mode query/set commands.
type Model struct {
	Manufacturer   string
	ModelSubstr    string
	DeviceClass    string
	Caps           driver.Capabilities
	ModeQueryCmd   string // e.g. ":SOUR:FUNC?"
	ModeSetCmd     string // e.g. ":SOUR:FUNC %s"
	OutputStateCmd string // e.g. ":SOUR:INP:STAT?" / "...STAT %s"
	OutputSetCmd   string
	Outputs        map[string]OutputCommand
	Measurements   map[string]string // name -> query command, e.g. "voltage" -> "MEAS:VOLT?"
}

// Driver is a generic SCPI-backed PSU/electronic-load instrument. It
// implements driver.Instrument for any Model.
type Driver struct {
	model Model
	conn  driver.SCPIConn

	mu            sync.Mutex
	info          driver.Info
	lastMode      string // last mode the device reported (short form), reused when the mode query fails or is unparsable
	lastSetpoints map[string]float64
}

// New constructs a Driver for model m talking over t.
func New(m Model, t transport.Transport) *Driver {
	return &Driver{
		model:         m,
		conn:          driver.SCPIConn{Transport: t},
		lastSetpoints: make(map[string]float64),
	}
}

func (d *Driver) Info() driver.Info { return d.info }

func (d *Driver) Capabilities() driver.Capabilities { return d.model.Caps }

// Probe sends *IDN?, matches manufacturer/model, and derives info.ID.
func (d *Driver) Probe(ctx context.Context) error {
	manufacturer, model, serial, err := driver.Identify(ctx, d.conn.Transport)
	if err != nil {
		return err
	}
	if err := driver.MatchIDN(manufacturer, model, d.model.Manufacturer, d.model.ModelSubstr); err != nil {
		return err
	}
	kind := driver.KindPSU
	if d.model.DeviceClass == "load" {
		kind = driver.KindLoad
	}
	d.mu.Lock()
	d.info = driver.Info{
		ID:           driver.DeriveID(manufacturer, model, serial),
		Kind:         kind,
		Manufacturer: manufacturer,
		Model:        model,
		Serial:       serial,
	}
	d.mu.Unlock()
	return nil
}

func (d *Driver) Connect(ctx context.Context) error    { return d.conn.Transport.Open(ctx) }
func (d *Driver) Disconnect(ctx context.Context) error { return d.conn.Transport.Close(ctx) }

// GetStatus queries mode, output state, setpoints, and measurements as a
// single logical sample, tolerating per-field parse failure (spec §4.3):
// a broken setpoint field keeps its previously-known value; a broken
// measurement field becomes an explicit not-a-measurement.
func (d *Driver) GetStatus(ctx context.Context) (driver.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	status := driver.Status{
		Setpoints:    make(map[string]float64, len(d.model.Outputs)),
		Measurements: make(map[string]driver.Measurement, len(d.model.Measurements)),
	}

	modeRaw, err := d.conn.Query(ctx, d.model.ModeQueryCmd)
	if err == nil {
		if mapped, mapErr := scpi.ParseEnum(modeRaw, modeLongForm); mapErr == nil {
			status.Mode = mapped
			d.lastMode = mapped
		} else {
			status.Mode = d.lastMode
		}
	} else {
		status.Mode = d.lastMode
	}

	if on, err := d.conn.QueryBool(ctx, d.model.OutputStateCmd); err == nil {
		status.OutputEnabled = on
	}

	for name, cmd := range d.model.Outputs {
		v, err := d.conn.QueryFloat(ctx, cmd.QueryCmd)
		if err != nil {
			// Monotonic fallback: keep the previously-known setpoint.
			v = d.lastSetpoints[name]
		}
		status.Setpoints[name] = v
		d.lastSetpoints[name] = v
	}

	for name, cmd := range d.model.Measurements {
		v, err := d.conn.QueryFloat(ctx, cmd)
		if err != nil {
			status.Measurements[name] = driver.Measurement{Valid: false}
			continue
		}
		status.Measurements[name] = driver.Measurement{Value: v, Valid: true}
	}
	d.computeDerivedPower(&status)
	return status, nil
}

// computeDerivedPower fills in "power" from voltage*current when the device
// didn't report it directly but both factors are valid (spec scenario 1).
func (d *Driver) computeDerivedPower(status *driver.Status) {
	if _, has := d.model.Measurements["power"]; has {
		return
	}
	v, okV := status.Measurements["voltage"]
	i, okI := status.Measurements["current"]
	if okV && okI && v.Valid && i.Valid {
		status.Measurements["power"] = driver.Measurement{Value: v.Value * i.Value, Valid: true}
	}
}

func (d *Driver) SetMode(ctx context.Context, mode string) error {
	cmd, ok := psuModeCommand(mode)
	if !ok {
		return fmt.Errorf("psu: unknown mode %q", mode)
	}
	return d.conn.Write(ctx, d.model.ModeSetCmd, cmd)
}

func psuModeCommand(mode string) (string, bool) {
	cmd, ok := ModeCommand[mode]
	return cmd, ok
}

func (d *Driver) SetOutput(ctx context.Context, enabled bool) error {
	state := "OFF"
	if enabled {
		state = "ON"
	}
	return d.conn.Write(ctx, d.model.OutputSetCmd, state)
}

func (d *Driver) SetValue(ctx context.Context, name string, value float64) error {
	out, ok := d.model.Outputs[name]
	if !ok {
		return fmt.Errorf("psu: unknown output %q", name)
	}
	decimals := 3
	for _, desc := range d.model.Caps.Outputs {
		if desc.Name == name {
			decimals = desc.Decimals
			break
		}
	}
	return d.conn.Write(ctx, out.SetCmd, scpi.FormatNumber(value, decimals))
}

func (d *Driver) GetValue(ctx context.Context, name string) (float64, error) {
	out, ok := d.model.Outputs[name]
	if !ok {
		return 0, fmt.Errorf("psu: unknown output %q", name)
	}
	return d.conn.QueryFloat(ctx, out.QueryCmd)
}

func (d *Driver) UploadList(ctx context.Context, values []float64) error {
	if !d.model.Caps.ListMode {
		return fmt.Errorf("psu: list mode not supported by %s", d.model.Caps.DeviceClass)
	}
	return fmt.Errorf("psu: UploadList not implemented for generic driver")
}

func (d *Driver) StartList(ctx context.Context) error {
	if !d.model.Caps.ListMode {
		return fmt.Errorf("psu: list mode not supported by %s", d.model.Caps.DeviceClass)
	}
	return d.conn.Write(ctx, ":LIST:STAT ON")
}

func (d *Driver) StopList(ctx context.Context) error {
	if !d.model.Caps.ListMode {
		return fmt.Errorf("psu: list mode not supported by %s", d.model.Caps.DeviceClass)
	}
	return d.conn.Write(ctx, ":LIST:STAT OFF")
}

var _ driver.Instrument = (*Driver)(nil)
