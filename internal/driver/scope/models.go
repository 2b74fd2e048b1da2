package scope

import "labctl/internal/driver"

// KeysightGeneric is a representative 4-channel mixed-signal scope Model,
// wired the way golaborate's keysight driver targets InfiniiVision-family
// scopes.
var KeysightGeneric = Model{
	Manufacturer: "KEYSIGHT",
	ModelSubstr:  "DSOX",
	Caps: driver.ScopeCapabilities{
		Channels:        4,
		BandwidthHz:     100e6,
		MaxSampleRateHz: 2e9,
		MaxMemoryDepth:  4_000_000,
		SupportedMeasurements: []string{
			"VMAX", "VMIN", "VPP", "VAVG", "VRMS", "FREQ", "PER",
			"VTOP", "VBAS", "PDUT", "NDUT", "RISE", "FALL", "OVER", "PRES",
		},
		HasAWG: false,
	},
}
