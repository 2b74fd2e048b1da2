package scpi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNumberSentinels(t *testing.T) {
	cases := []string{"****", "", "9.9E37", "9.9e40", "-9.9E37"}
	for _, c := range cases {
		_, err := ParseNumber(c)
		require.Error(t, err)
		assert.True(t, IsNotAMeasurement(err), "case %q should be not-a-measurement", c)
	}
}

func TestParseNumberRoundTrip(t *testing.T) {
	for _, v := range []float64{0, 1.5, -12.375, 9999.999} {
		s := FormatNumber(v, 3)
		got, err := ParseNumber(s)
		require.NoError(t, err)
		assert.InDelta(t, v, got, 1e-9)
	}
}

func TestParseNumberMalformed(t *testing.T) {
	_, err := ParseNumber("not-a-number")
	require.Error(t, err)
	assert.False(t, IsNotAMeasurement(err))
}

func TestParseNumberOr(t *testing.T) {
	assert.Equal(t, 42.0, ParseNumberOr("****", 42.0))
	assert.Equal(t, 1.5, ParseNumberOr("1.5", 42.0))
}

func TestParseBool(t *testing.T) {
	for _, s := range []string{"1", "ON", "on", "On"} {
		v, err := ParseBool(s)
		require.NoError(t, err)
		assert.True(t, v)
	}
	for _, s := range []string{"0", "OFF", "off"} {
		v, err := ParseBool(s)
		require.NoError(t, err)
		assert.False(t, v)
	}
	_, err := ParseBool("maybe")
	require.Error(t, err)
}

func TestParseEnum(t *testing.T) {
	m := map[string]string{"CC": "cc", "CURR": "cc", "CV": "cv", "VOLT": "cv"}
	v, err := ParseEnum("curr", m)
	require.NoError(t, err)
	assert.Equal(t, "cc", v)

	_, err = ParseEnum("bogus", m)
	require.ErrorIs(t, err, ErrUnexpectedEnum)
}

func TestParseCSV(t *testing.T) {
	assert.Equal(t, []string{"1", "2", "3"}, ParseCSV("1, 2 ,3"))
}

func TestDefiniteBlockRoundTrip(t *testing.T) {
	payload := []byte{0x00, 0xff, 0x10, 0x20}
	encoded := EncodeDefiniteBlock(payload)
	assert.Equal(t, []byte("#14\x00\xff\x10\x20"), encoded)

	decoded, err := ParseDefiniteBlock(encoded)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestDefiniteBlockRoundTripArbitrary(t *testing.T) {
	for n := 0; n < 300; n += 37 {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i * 7)
		}
		decoded, err := ParseDefiniteBlock(EncodeDefiniteBlock(payload))
		require.NoError(t, err)
		assert.Equal(t, payload, decoded)
	}
}

func TestDefiniteBlockTruncated(t *testing.T) {
	_, err := ParseDefiniteBlock([]byte("#14\x00\xff\x10"))
	require.ErrorIs(t, err, ErrMalformedBlock)
}

func TestDefiniteBlockTrailingNewlineAllowed(t *testing.T) {
	b := append(EncodeDefiniteBlock([]byte("hi")), '\n')
	decoded, err := ParseDefiniteBlock(b)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), decoded)
}

func TestDefiniteBlockNoHeader(t *testing.T) {
	_, err := ParseDefiniteBlock([]byte("nope"))
	require.ErrorIs(t, err, ErrMalformedBlock)
}
