package driver

import (
	"context"
	"fmt"
	"strings"

	"labctl/internal/scpi"
	"labctl/internal/transport"
)

// SCPIConn is a small convenience wrapper shared by the PSU/load and
// oscilloscope drivers: it pairs a transport.Transport with the typed
// Query/Write helpers every SCPI driver needs, the way golaborate's
// scpi.SCPI type backs its keysight/pi instrument adapters.
type SCPIConn struct {
	Transport transport.Transport
}

func (c *SCPIConn) Write(ctx context.Context, format string, args ...interface{}) error {
	return c.Transport.Write(ctx, fmt.Sprintf(format, args...))
}

func (c *SCPIConn) Query(ctx context.Context, format string, args ...interface{}) (string, error) {
	return c.Transport.Query(ctx, fmt.Sprintf(format, args...))
}

func (c *SCPIConn) QueryFloat(ctx context.Context, format string, args ...interface{}) (float64, error) {
	s, err := c.Query(ctx, format, args...)
	if err != nil {
		return 0, err
	}
	return scpi.ParseNumber(s)
}

func (c *SCPIConn) QueryBool(ctx context.Context, format string, args ...interface{}) (bool, error) {
	s, err := c.Query(ctx, format, args...)
	if err != nil {
		return false, err
	}
	return scpi.ParseBool(s)
}

func (c *SCPIConn) QueryBinary(ctx context.Context, format string, args ...interface{}) ([]byte, error) {
	raw, err := c.Transport.QueryBinary(ctx, fmt.Sprintf(format, args...))
	if err != nil {
		return nil, err
	}
	return scpi.ParseDefiniteBlock(raw)
}

// Identify sends *IDN? and parses the comma-separated IEEE 488.2 identity
// response "manufacturer,model,serial,firmware...".
func Identify(ctx context.Context, t transport.Transport) (manufacturer, model, serial string, err error) {
	resp, err := t.Query(ctx, "*IDN?")
	if err != nil {
		return "", "", "", &ProbeError{Reason: ProbeTimeout, Detail: err.Error()}
	}
	fields := scpi.ParseCSV(resp)
	if len(fields) < 3 {
		return "", "", "", &ProbeError{Reason: ProbeMalformedIdn, Detail: resp}
	}
	return fields[0], fields[1], fields[2], nil
}

// MatchIDN checks manufacturer/model substrings case-insensitively,
// returning a ProbeError{WrongDevice} when they don't match — including the
// "same manufacturer, different device class" case spec §4.3 requires.
func MatchIDN(manufacturer, model, wantManufacturer, wantModelSubstr string) error {
	if !containsFold(manufacturer, wantManufacturer) || !containsFold(model, wantModelSubstr) {
		return &ProbeError{Reason: ProbeWrongDevice, Detail: fmt.Sprintf("%s,%s", manufacturer, model)}
	}
	return nil
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToUpper(s), strings.ToUpper(substr))
}
