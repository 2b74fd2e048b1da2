package psu

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is a canned command->response map standing in for a real
// transport.Transport, the way the corpus's driver tests stub out comm.
type fakeTransport struct {
	responses map[string]string
	writes    []string
}

func (f *fakeTransport) Open(ctx context.Context) error  { return nil }
func (f *fakeTransport) Close(ctx context.Context) error { return nil }
func (f *fakeTransport) Write(ctx context.Context, cmd string) error {
	f.writes = append(f.writes, cmd)
	return nil
}
func (f *fakeTransport) Query(ctx context.Context, cmd string) (string, error) {
	if resp, ok := f.responses[cmd]; ok {
		return resp, nil
	}
	return "", assertErr(cmd)
}
func (f *fakeTransport) QueryBinary(ctx context.Context, cmd string) ([]byte, error) {
	return nil, assertErr(cmd)
}

type cmdError string

func (e cmdError) Error() string { return "no canned response for " + string(e) }
func assertErr(cmd string) error { return cmdError(cmd) }

// TestProbeAndStatusDL3021 is spec.md scenario 1.
func TestProbeAndStatusDL3021(t *testing.T) {
	ft := &fakeTransport{responses: map[string]string{
		"*IDN?":             "RIGOL TECHNOLOGIES,DL3021,DL3A123456789,00.01.02.03",
		":SOUR:FUNC?":       "CV",
		":SOUR:INP:STAT?":   "ON",
		":MEAS:VOLT?":       "12.000",
		":MEAS:CURR?":       "1.500",
		":SOUR:VOLT:LEV?":   "12.000",
		":SOUR:CURR:LEV?":   "1.500",
		":SOUR:RES:LEV?":    "0.000",
	}}
	d := New(RigolDL3021, ft)

	require.NoError(t, d.Probe(context.Background()))
	assert.Equal(t, "rigol technologies-dl3021-dl3a123456789", d.Info().ID)

	status, err := d.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "CV", status.Mode)
	assert.True(t, status.OutputEnabled)
	assert.InDelta(t, 12.0, status.Measurements["voltage"].Value, 1e-9)
	assert.InDelta(t, 1.5, status.Measurements["current"].Value, 1e-9)
	assert.InDelta(t, 18.0, status.Measurements["power"].Value, 1e-9)
}

func TestProbeWrongDevice(t *testing.T) {
	ft := &fakeTransport{responses: map[string]string{
		"*IDN?": "RIGOL TECHNOLOGIES,DP832,DP8A000000,00.01",
	}}
	d := New(RigolDL3021, ft)
	err := d.Probe(context.Background())
	require.Error(t, err)
}

func TestSetValueFormatsCommand(t *testing.T) {
	ft := &fakeTransport{responses: map[string]string{}}
	d := New(RigolDL3021, ft)
	require.NoError(t, d.SetValue(context.Background(), "voltage", 2.0))
	require.Len(t, ft.writes, 1)
	assert.Equal(t, ":SOUR:VOLT:LEV 2.000", ft.writes[0])
}

func TestGetStatusFallsBackOnParseFailure(t *testing.T) {
	ft := &fakeTransport{responses: map[string]string{
		":SOUR:FUNC?":     "CV",
		":SOUR:INP:STAT?": "ON",
		":MEAS:VOLT?":     "****",
		":MEAS:CURR?":     "1.500",
		":SOUR:VOLT:LEV?": "garbage",
		":SOUR:CURR:LEV?": "1.500",
		":SOUR:RES:LEV?":  "0.000",
	}}
	d := New(RigolDL3021, ft)
	d.lastSetpoints["voltage"] = 11.0

	status, err := d.GetStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Measurements["voltage"].Valid)
	assert.Equal(t, 11.0, status.Setpoints["voltage"])
}
