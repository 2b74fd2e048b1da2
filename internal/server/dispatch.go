package server

import (
	"context"
	"encoding/json"

	"labctl/internal/sequence"
	"labctl/internal/session"
	"labctl/internal/store"
	"labctl/internal/trigger"
)

// sessionDispatcher adapts the session and sequence managers to the trigger
// engine's Dispatcher interface (spec §4.7: "actions are dispatched to the
// SessionManager... or the SequenceManager").
type sessionDispatcher struct {
	ctx       context.Context
	sessions  *session.Manager
	sequences *sequence.Manager
	store     *store.Store
}

func (d *sessionDispatcher) SetValue(deviceID, name string, value float64) error {
	ds, ok := d.sessions.DeviceSession(deviceID)
	if !ok {
		return trigger.ErrSessionNotFound
	}
	ds.SetValue(name, value, true)
	return nil
}

func (d *sessionDispatcher) SetOutput(deviceID string, enabled bool) error {
	ds, ok := d.sessions.DeviceSession(deviceID)
	if !ok {
		return trigger.ErrSessionNotFound
	}
	ds.SetOutput(enabled)
	return nil
}

func (d *sessionDispatcher) SetMode(deviceID, mode string) error {
	ds, ok := d.sessions.DeviceSession(deviceID)
	if !ok {
		return trigger.ErrSessionNotFound
	}
	ds.SetMode(mode)
	return nil
}

func (d *sessionDispatcher) StartSequence(definitionID string) error {
	def, ok, err := loadSequenceDefinition(d.ctx, d.store, definitionID)
	if err != nil || !ok {
		return trigger.ErrSessionNotFound
	}
	ds, ok := d.sessions.DeviceSession(def.DeviceID)
	if !ok {
		return trigger.ErrSessionNotFound
	}
	d.sequences.Start(def, ds)
	return nil
}

func (d *sessionDispatcher) StopSequence() error {
	if run, ok := d.sequences.Current(); ok {
		run.Abort()
	}
	return nil
}

func (d *sessionDispatcher) PauseSequence() error {
	if run, ok := d.sequences.Current(); ok {
		run.Pause()
	}
	return nil
}

// sessionMeasurementSource adapts session.Manager to the trigger engine's
// MeasurementSource interface.
type sessionMeasurementSource struct {
	sessions *session.Manager
}

func (s *sessionMeasurementSource) LatestValue(deviceID, parameter string) (float64, bool) {
	ds, ok := s.sessions.DeviceSession(deviceID)
	if !ok {
		return 0, false
	}
	return ds.LatestMeasurement(parameter)
}

// loadSequenceDefinition loads and decodes a stored sequence.Definition by
// its library id.
func loadSequenceDefinition(ctx context.Context, st *store.Store, id string) (*sequence.Definition, bool, error) {
	raw, ok, err := st.Get(ctx, store.BucketSequences, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	var def sequence.Definition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return nil, false, err
	}
	return &def, true, nil
}
