// Package scope implements the oscilloscope driver contract (spec §4.3)
// over SCPI, adapting the Write/Read/waveform-fetch idiom of golaborate's
// keysight scope driver (":WAVeform:..." command family, definite-length
// block transfer, YORigin/YINCrement/YREFerence conversion).
package scope

import (
	"context"
	"fmt"
	"time"

	"labctl/internal/driver"
	"labctl/internal/transport"
)

// Model is the per-model wiring for a concrete scope driver.
type Model struct {
	Manufacturer string
	ModelSubstr  string
	Caps         driver.ScopeCapabilities
}

// Driver is a generic SCPI-backed oscilloscope instrument.
type Driver struct {
	model Model
	conn  driver.SCPIConn
	info  driver.Info
}

func New(m Model, t transport.Transport) *Driver {
	return &Driver{model: m, conn: driver.SCPIConn{Transport: t}}
}

func (d *Driver) Info() driver.Info                      { return d.info }
func (d *Driver) Capabilities() driver.ScopeCapabilities { return d.model.Caps }

func (d *Driver) Probe(ctx context.Context) error {
	manufacturer, model, serial, err := driver.Identify(ctx, d.conn.Transport)
	if err != nil {
		return err
	}
	if err := driver.MatchIDN(manufacturer, model, d.model.Manufacturer, d.model.ModelSubstr); err != nil {
		return err
	}
	d.info = driver.Info{
		ID:           driver.DeriveID(manufacturer, model, serial),
		Kind:         driver.KindOscilloscope,
		Manufacturer: manufacturer,
		Model:        model,
		Serial:       serial,
	}
	return nil
}

func (d *Driver) Connect(ctx context.Context) error    { return d.conn.Transport.Open(ctx) }
func (d *Driver) Disconnect(ctx context.Context) error { return d.conn.Transport.Close(ctx) }

func (d *Driver) Run(ctx context.Context) error   { return d.conn.Write(ctx, ":RUN") }
func (d *Driver) Stop(ctx context.Context) error  { return d.conn.Write(ctx, ":STOP") }
func (d *Driver) Single(ctx context.Context) error { return d.conn.Write(ctx, ":SINGle") }

// AutoSetup issues :AUToscale then sleeps the settling delay spec §4.3
// requires before the caller's next status poll.
func (d *Driver) AutoSetup(ctx context.Context) error {
	if err := d.conn.Write(ctx, ":AUToscale"); err != nil {
		return err
	}
	select {
	case <-time.After(driver.AutoSetupSettleDelayMs * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (d *Driver) ForceTrigger(ctx context.Context) error { return d.conn.Write(ctx, ":TFORce") }

func (d *Driver) GetStatus(ctx context.Context) (driver.ScopeStatus, error) {
	status := driver.ScopeStatus{Channels: make(map[string]driver.ChannelConfig)}

	triggerRaw, err := d.conn.Query(ctx, ":TRIGger:STATus?")
	if err == nil {
		status.TriggerStatus = mapTriggerStatus(triggerRaw)
	}
	status.Running = status.TriggerStatus != "stopped"

	if sr, err := d.conn.QueryFloat(ctx, ":ACQuire:SRATe?"); err == nil {
		status.SampleRate = sr
	}
	if md, err := d.conn.QueryFloat(ctx, ":ACQuire:MDEPth?"); err == nil {
		status.MemoryDepth = int(md)
	}
	if tbScale, err := d.conn.QueryFloat(ctx, ":TIMebase:SCALe?"); err == nil {
		status.Timebase.Scale = tbScale
	}
	if tbOffset, err := d.conn.QueryFloat(ctx, ":TIMebase:OFFSet?"); err == nil {
		status.Timebase.Offset = tbOffset
	}

	for i := 1; i <= d.model.Caps.Channels; i++ {
		ch := fmt.Sprintf("CHAN%d", i)
		cfg := driver.ChannelConfig{}
		if on, err := d.conn.QueryBool(ctx, ":%s:DISPlay?", ch); err == nil {
			cfg.Enabled = on
		}
		if scale, err := d.conn.QueryFloat(ctx, ":%s:SCALe?", ch); err == nil {
			cfg.Scale = scale
		}
		if offset, err := d.conn.QueryFloat(ctx, ":%s:OFFSet?", ch); err == nil {
			cfg.Offset = offset
		}
		status.Channels[ch] = cfg
	}
	return status, nil
}

func mapTriggerStatus(raw string) string {
	switch raw {
	case "STOP":
		return "stopped"
	case "WAIT":
		return "wait"
	case "AUTO":
		return "auto"
	case "TD":
		return "triggered"
	default:
		return "stopped"
	}
}

// GetWaveform fetches channel per the sequence spec §4.3 requires: select
// source, NORM mode, BYTE format, optional start/stop, then PRE? + DATA?.
// Raw bytes convert to physical volts via (b - yReference) * yIncrement + yOrigin.
func (d *Driver) GetWaveform(ctx context.Context, channel string, start, count *int) (driver.Waveform, error) {
	if err := d.conn.Write(ctx, ":WAV:SOUR %s", channel); err != nil {
		return driver.Waveform{}, err
	}
	if err := d.conn.Write(ctx, ":WAV:MODE NORM"); err != nil {
		return driver.Waveform{}, err
	}
	if err := d.conn.Write(ctx, ":WAV:FORM BYTE"); err != nil {
		return driver.Waveform{}, err
	}
	if start != nil {
		if err := d.conn.Write(ctx, ":WAV:STAR %d", *start); err != nil {
			return driver.Waveform{}, err
		}
	}
	if count != nil && start != nil {
		if err := d.conn.Write(ctx, ":WAV:STOP %d", *start+*count-1); err != nil {
			return driver.Waveform{}, err
		}
	}

	pre, err := d.conn.Query(ctx, ":WAV:PRE?")
	if err != nil {
		return driver.Waveform{}, err
	}
	xinc, xorig, yinc, yorig, yref, err := parsePreamble(pre)
	if err != nil {
		return driver.Waveform{}, err
	}

	raw, err := d.conn.QueryBinary(ctx, ":WAV:DATA?")
	if err != nil {
		return driver.Waveform{}, err
	}

	points := make([]float64, len(raw))
	for i, b := range raw {
		points[i] = (float64(b) - yref) * yinc + yorig
	}
	return driver.Waveform{
		Channel:    channel,
		Points:     points,
		XIncrement: xinc,
		XOrigin:    xorig,
		YIncrement: yinc,
		YOrigin:    yorig,
		YReference: yref,
	}, nil
}

// parsePreamble parses the scope preamble CSV into the five fields this
// driver needs (SCPI preambles vary in field count/order across vendors;
// indices below follow the common 10-field Rigol/Keysight layout).
func parsePreamble(pre string) (xinc, xorig, yinc, yorig, yref float64, err error) {
	const (
		idxXInc = 4
		idxXOrig = 5
		idxYInc = 7
		idxYOrig = 8
		idxYRef  = 9
	)
	fields := splitCSVFloat(pre)
	if len(fields) <= idxYRef {
		return 0, 0, 0, 0, 0, fmt.Errorf("scope: short preamble: %q", pre)
	}
	return fields[idxXInc], fields[idxXOrig], fields[idxYInc], fields[idxYOrig], fields[idxYRef], nil
}

func splitCSVFloat(s string) []float64 {
	var out []float64
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			var v float64
			fmt.Sscanf(s[start:i], "%g", &v)
			out = append(out, v)
			start = i + 1
		}
	}
	return out
}

// GetScreenshot returns the PNG payload of a definite-length block (spec §4.3).
func (d *Driver) GetScreenshot(ctx context.Context) ([]byte, error) {
	return d.conn.QueryBinary(ctx, ":DISPlay:DATA? PNG")
}

func (d *Driver) GetMeasurement(ctx context.Context, channel, measurementType string) (float64, error) {
	return d.conn.QueryFloat(ctx, ":MEASure:%s? %s", measurementType, channel)
}

func (d *Driver) SetChannel(ctx context.Context, channel string, cfg driver.ChannelConfig) error {
	onOff := "OFF"
	if cfg.Enabled {
		onOff = "ON"
	}
	if err := d.conn.Write(ctx, ":%s:DISPlay %s", channel, onOff); err != nil {
		return err
	}
	if err := d.conn.Write(ctx, ":%s:SCALe %E", channel, cfg.Scale); err != nil {
		return err
	}
	if err := d.conn.Write(ctx, ":%s:OFFSet %E", channel, cfg.Offset); err != nil {
		return err
	}
	if cfg.Coupling != "" {
		if err := d.conn.Write(ctx, ":%s:COUPling %s", channel, cfg.Coupling); err != nil {
			return err
		}
	}
	bw := "OFF"
	if cfg.BWLimit {
		bw = "ON"
	}
	return d.conn.Write(ctx, ":%s:BWLimit %s", channel, bw)
}

func (d *Driver) SetTimebase(ctx context.Context, cfg driver.TimebaseConfig) error {
	if err := d.conn.Write(ctx, ":TIMebase:SCALe %E", cfg.Scale); err != nil {
		return err
	}
	return d.conn.Write(ctx, ":TIMebase:OFFSet %E", cfg.Offset)
}

func (d *Driver) SetTrigger(ctx context.Context, cfg driver.TriggerConfig) error {
	if err := d.conn.Write(ctx, ":TRIGger:EDGE:SOURce %s", cfg.Source); err != nil {
		return err
	}
	slope := "POSitive"
	switch cfg.Edge {
	case "falling":
		slope = "NEGative"
	case "either":
		slope = "EITHer"
	}
	if err := d.conn.Write(ctx, ":TRIGger:EDGE:SLOPe %s", slope); err != nil {
		return err
	}
	if err := d.conn.Write(ctx, ":TRIGger:EDGE:LEVel %E", cfg.Level); err != nil {
		return err
	}
	return d.conn.Write(ctx, ":TRIGger:SWEep %s", cfg.Sweep)
}

var _ driver.ScopeInstrument = (*Driver)(nil)
