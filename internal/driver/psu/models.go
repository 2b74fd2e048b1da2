package psu

import "labctl/internal/driver"

func fPtr(v float64) *float64 { return &v }

// RigolDL3021 is the Model wiring for the Rigol DL3021 electronic load, used
// in the spec's end-to-end scenarios 1 and 2.
var RigolDL3021 = Model{
	Manufacturer:   "RIGOL TECHNOLOGIES",
	ModelSubstr:    "DL3021",
	DeviceClass:    "load",
	ModeQueryCmd:   ":SOUR:FUNC?",
	ModeSetCmd:     ":SOUR:FUNC %s",
	OutputStateCmd: ":SOUR:INP:STAT?",
	OutputSetCmd:   ":SOUR:INP:STAT %s",
	Outputs: map[string]OutputCommand{
		"voltage": {SetCmd: ":SOUR:VOLT:LEV %s", QueryCmd: ":SOUR:VOLT:LEV?"},
		"current": {SetCmd: ":SOUR:CURR:LEV %s", QueryCmd: ":SOUR:CURR:LEV?"},
		"resistance": {SetCmd: ":SOUR:RES:LEV %s", QueryCmd: ":SOUR:RES:LEV?"},
	},
	Measurements: map[string]string{
		"voltage": ":MEAS:VOLT?",
		"current": ":MEAS:CURR?",
	},
	Caps: driver.Capabilities{
		DeviceClass:   "load",
		ListMode:      true,
		RemoteSensing: true,
		Modes:         []string{"CC", "CV", "CR", "CP"},
		ModesSettable: true,
		Outputs: ValueDescriptorList{
			{Name: "voltage", Unit: "V", Decimals: 3, Min: fPtr(0), Max: fPtr(150)},
			{Name: "current", Unit: "A", Decimals: 3, Min: fPtr(0), Max: fPtr(40)},
			{Name: "resistance", Unit: "Ohm", Decimals: 3, Min: fPtr(0.03), Max: fPtr(10000)},
		}.toDescriptors(),
		Measurements: ValueDescriptorList{
			{Name: "voltage", Unit: "V", Decimals: 3},
			{Name: "current", Unit: "A", Decimals: 3},
			{Name: "power", Unit: "W", Decimals: 3},
		}.toDescriptors(),
	},
}

// ValueDescriptorList is a small authoring convenience so model tables read
// as literal data instead of repeated driver.ValueDescriptor{...} boilerplate.
type ValueDescriptorList []struct {
	Name     string
	Unit     string
	Decimals int
	Min, Max *float64
}

func (l ValueDescriptorList) toDescriptors() []driver.ValueDescriptor {
	out := make([]driver.ValueDescriptor, len(l))
	for i, d := range l {
		out[i] = driver.ValueDescriptor{
			Name:     d.Name,
			Unit:     d.Unit,
			Decimals: d.Decimals,
			Min:      d.Min,
			Max:      d.Max,
			HasMin:   d.Min != nil,
			HasMax:   d.Max != nil,
		}
	}
	return out
}

// GenericPSU is a reasonable Model for a CC/CV bench power supply, used as
// the default for PSU-class instruments that don't need model-specific
// quirks beyond their SCPI command set.
func GenericPSU(manufacturer, modelSubstr string, maxVolts, maxAmps float64) Model {
	return Model{
		Manufacturer:   manufacturer,
		ModelSubstr:    modelSubstr,
		DeviceClass:    "psu",
		ModeQueryCmd:   ":SOUR:FUNC?",
		ModeSetCmd:     ":SOUR:FUNC %s",
		OutputStateCmd: ":OUTP:STAT?",
		OutputSetCmd:   ":OUTP:STAT %s",
		Outputs: map[string]OutputCommand{
			"voltage": {SetCmd: ":SOUR:VOLT %s", QueryCmd: ":SOUR:VOLT?"},
			"current": {SetCmd: ":SOUR:CURR %s", QueryCmd: ":SOUR:CURR?"},
		},
		Measurements: map[string]string{
			"voltage": ":MEAS:VOLT?",
			"current": ":MEAS:CURR?",
		},
		Caps: driver.Capabilities{
			DeviceClass:   "psu",
			ListMode:      false,
			RemoteSensing: false,
			Modes:         []string{"CC", "CV"},
			ModesSettable: false,
			Outputs: ValueDescriptorList{
				{Name: "voltage", Unit: "V", Decimals: 3, Min: fPtr(0), Max: fPtr(maxVolts)},
				{Name: "current", Unit: "A", Decimals: 3, Min: fPtr(0), Max: fPtr(maxAmps)},
			}.toDescriptors(),
			Measurements: ValueDescriptorList{
				{Name: "voltage", Unit: "V", Decimals: 3},
				{Name: "current", Unit: "A", Decimals: 3},
				{Name: "power", Unit: "W", Decimals: 3},
			}.toDescriptors(),
		},
	}
}
