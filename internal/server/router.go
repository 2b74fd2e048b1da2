package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"labctl/internal/registry"
	"labctl/internal/sequence"
	"labctl/internal/session"
	"labctl/internal/store"
	"labctl/internal/trigger"
)

// heartbeatInterval paces the router's liveness broadcast, grounded on
// dastard's periodic "ALIVE" ClientUpdate.
const heartbeatInterval = 2 * time.Second

// ClientConn is the narrow send surface a transport binding (websocket or
// otherwise) must provide the router. Declared at this boundary per spec §6
// ("text messages are JSON objects... one message per frame on the outer
// transport"); the concrete binding decides how bytes actually move.
type ClientConn interface {
	ID() string
	Send(Event)
}

// Router demuxes client Requests to the session/sequence/trigger managers
// and multiplexes their events back out per client (spec §4 "Message
// router").
type Router struct {
	ctx       context.Context
	sessions  *session.Manager
	scanner   *registry.Scanner
	sequences *sequence.Manager
	store     *store.Store

	dispatcher        *sessionDispatcher
	measurementSource *sessionMeasurementSource

	startedAt time.Time

	mu                sync.Mutex
	clients           map[string]ClientConn
	subs              map[string]map[string]bool // clientID -> deviceID -> subscribed
	triggerScripts    map[string]*trigger.Script
	triggerDeviceSubs map[string][]string // script id -> device ids it's subscribed to
}

// NewRouter constructs a Router bound to the given managers and the
// persistent library store.
func NewRouter(ctx context.Context, sessions *session.Manager, scanner *registry.Scanner, sequences *sequence.Manager, st *store.Store) *Router {
	r := &Router{
		ctx:               ctx,
		sessions:          sessions,
		scanner:           scanner,
		sequences:         sequences,
		store:             st,
		startedAt:         time.Now(),
		clients:           make(map[string]ClientConn),
		subs:              make(map[string]map[string]bool),
		triggerScripts:    make(map[string]*trigger.Script),
		triggerDeviceSubs: make(map[string][]string),
	}
	r.dispatcher = &sessionDispatcher{ctx: ctx, sessions: sessions, sequences: sequences, store: st}
	r.measurementSource = &sessionMeasurementSource{sessions: sessions}
	return r
}

// RunHeartbeat broadcasts a heartbeat event to every connected client every
// heartbeatInterval until ctx is cancelled, giving clients a liveness signal
// independent of any one device's own polling loop.
func (r *Router) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.broadcastHeartbeat()
		}
	}
}

func (r *Router) broadcastHeartbeat() {
	r.broadcastAll(Event{
		Type:                 "heartbeat",
		ConnectedDeviceCount: r.sessions.ConnectedDeviceCount(),
		UptimeSeconds:        int(time.Since(r.startedAt).Seconds()),
	})
}

// broadcastAll fans ev out to every currently connected client; used for
// events with no single-client owner (heartbeats, trigger-script firings).
func (r *Router) broadcastAll(ev Event) {
	r.mu.Lock()
	clients := make([]ClientConn, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()
	for _, c := range clients {
		c.Send(ev)
	}
}

// AddClient registers a newly-connected client.
func (r *Router) AddClient(c ClientConn) {
	r.mu.Lock()
	r.clients[c.ID()] = c
	r.subs[c.ID()] = make(map[string]bool)
	r.mu.Unlock()
}

// RemoveClient unregisters a disconnected client and tears down its
// per-device subscriptions.
func (r *Router) RemoveClient(clientID string) {
	r.mu.Lock()
	subs := r.subs[clientID]
	delete(r.clients, clientID)
	delete(r.subs, clientID)
	r.mu.Unlock()

	for deviceID := range subs {
		if ds, ok := r.sessions.DeviceSession(deviceID); ok {
			ds.Unsubscribe(clientID)
		}
		if ss, ok := r.sessions.ScopeSession(deviceID); ok {
			ss.Unsubscribe(clientID)
		}
	}
	r.sessions.UnsubscribeDeviceList(clientID)
}

// Handle processes one client request, dispatching to the right subsystem
// and replying/streaming via the client's ClientConn (spec §6's request
// table).
func (r *Router) Handle(c ClientConn, req Request) {
	switch req.Type {
	case "getDevices":
		r.sendDeviceList(c)
	case "scan":
		r.scanner.ScanOnce(r.ctx)
		r.sendDeviceList(c)
	case "subscribe":
		r.handleSubscribe(c, req)
	case "unsubscribe":
		r.handleUnsubscribe(c, req)
	case "setMode":
		r.withDeviceSession(c, req.DeviceID, func(ds *session.DeviceSession) { ds.SetMode(req.Mode) })
	case "setOutput":
		r.withDeviceSession(c, req.DeviceID, func(ds *session.DeviceSession) {
			if req.Enabled != nil {
				ds.SetOutput(*req.Enabled)
			}
		})
	case "setValue":
		r.withDeviceSession(c, req.DeviceID, func(ds *session.DeviceSession) {
			ds.SetValue(req.Name, req.Value, req.Immediate)
		})
	case "scopeRun":
		r.withScopeSession(c, req.DeviceID, func(s *session.ScopeSession) { s.Run() })
	case "scopeStop":
		r.withScopeSession(c, req.DeviceID, func(s *session.ScopeSession) { s.StopAcq() })
	case "scopeSingle":
		r.withScopeSession(c, req.DeviceID, func(s *session.ScopeSession) { s.Single() })
	case "scopeAutoSetup":
		r.withScopeSession(c, req.DeviceID, func(s *session.ScopeSession) { s.AutoSetup() })
	case "scopeForceTrigger":
		r.withScopeSession(c, req.DeviceID, func(s *session.ScopeSession) { s.ForceTrigger() })
	case "scopeStartStreaming":
		r.withScopeSession(c, req.DeviceID, func(s *session.ScopeSession) { s.StartStreaming(req.Channels, req.IntervalMs) })
	case "scopeStopStreaming":
		r.withScopeSession(c, req.DeviceID, func(s *session.ScopeSession) { s.StopStreaming() })
	case "scopeGetMeasurement":
		r.withScopeSession(c, req.DeviceID, func(s *session.ScopeSession) { s.GetMeasurement(req.Channel, req.MeasurementType) })
	case "scopeGetWaveform":
		r.withScopeSession(c, req.DeviceID, func(s *session.ScopeSession) { s.GetWaveform(req.Channel) })
	case "scopeGetScreenshot":
		r.withScopeSession(c, req.DeviceID, func(s *session.ScopeSession) { s.GetScreenshot() })
	case "scopeSetChannel":
		r.withScopeSession(c, req.DeviceID, func(s *session.ScopeSession) {
			if req.ChannelConfig != nil {
				s.SetChannel(req.Channel, *req.ChannelConfig)
			}
		})
	case "scopeSetTimebase":
		r.withScopeSession(c, req.DeviceID, func(s *session.ScopeSession) {
			if req.TimebaseConfig != nil {
				s.SetTimebase(*req.TimebaseConfig)
			}
		})
	case "scopeSetTrigger":
		r.withScopeSession(c, req.DeviceID, func(s *session.ScopeSession) {
			if req.TriggerConfig != nil {
				s.SetTrigger(*req.TriggerConfig)
			}
		})
	case "sequenceRun":
		r.handleSequenceRun(c, req)
	case "sequenceAbort":
		if run, ok := r.sequences.Current(); ok {
			run.Abort()
		} else {
			c.Send(Event{Type: "error", Code: CodeNoActiveSequence})
		}
	case "sequenceLibraryList":
		r.handleSequenceLibraryList(c)
	case "sequenceLibrarySave", "sequenceLibraryUpdate":
		r.handleSequenceLibrarySave(c, req)
	case "sequenceLibraryDelete":
		r.handleSequenceLibraryDelete(c, req)
	case "triggerScriptRun":
		r.handleTriggerScriptRun(c, req)
	case "triggerScriptStop":
		r.handleTriggerScriptStop(c, req)
	case "triggerScriptPause":
		r.withTriggerScript(c, req.TriggerScriptID, func(s *trigger.Script) { s.Pause() })
	case "triggerScriptResume":
		r.withTriggerScript(c, req.TriggerScriptID, func(s *trigger.Script) { s.Resume() })
	case "triggerScriptLibraryList":
		r.handleTriggerScriptLibraryList(c)
	case "triggerScriptLibrarySave", "triggerScriptLibraryUpdate":
		r.handleTriggerScriptLibrarySave(c, req)
	case "triggerScriptLibraryDelete":
		r.handleTriggerScriptLibraryDelete(c, req)
	default:
		c.Send(Event{Type: "error", Code: CodeNotImplemented, Message: "unrecognized request type: " + req.Type})
	}
}

func (r *Router) withDeviceSession(c ClientConn, deviceID string, fn func(*session.DeviceSession)) {
	ds, ok := r.sessions.DeviceSession(deviceID)
	if !ok {
		c.Send(Event{Type: "error", DeviceID: deviceID, Code: CodeDeviceNotFound})
		return
	}
	fn(ds)
}

func (r *Router) withScopeSession(c ClientConn, deviceID string, fn func(*session.ScopeSession)) {
	ss, ok := r.sessions.ScopeSession(deviceID)
	if !ok {
		c.Send(Event{Type: "error", DeviceID: deviceID, Code: CodeDeviceNotFound})
		return
	}
	fn(ss)
}

// handleSequenceRun resolves a sequence.Definition (inline or by library id),
// starts it against the target device's session, and streams progress back
// to the requesting client (spec §4.6/§6 "sequenceRun").
func (r *Router) handleSequenceRun(c ClientConn, req Request) {
	def, err := r.resolveSequenceDefinition(req)
	if err != nil {
		c.Send(Event{Type: "sequenceError", Code: CodeScriptValidationFailed, Message: err.Error()})
		return
	}
	ds, ok := r.sessions.DeviceSession(def.DeviceID)
	if !ok {
		c.Send(Event{Type: "error", DeviceID: def.DeviceID, Code: CodeDeviceNotFound})
		return
	}
	run := r.sequences.Start(def, ds)
	c.Send(Event{Type: "sequenceStarted", SequenceID: run.ID})
	go r.pumpSequenceEvents(c, run)
}

func (r *Router) resolveSequenceDefinition(req Request) (*sequence.Definition, error) {
	if len(req.SequenceDefinition) > 0 {
		var def sequence.Definition
		if err := json.Unmarshal(req.SequenceDefinition, &def); err != nil {
			return nil, err
		}
		return &def, nil
	}
	def, ok, err := loadSequenceDefinition(r.ctx, r.store, req.SequenceID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("sequence %q not found", req.SequenceID)
	}
	return def, nil
}

func (r *Router) pumpSequenceEvents(c ClientConn, run *sequence.Run) {
	for ev := range run.Events() {
		c.Send(toSequenceEvent(ev))
	}
}

func toSequenceEvent(ev sequence.ProgressEvent) Event {
	out := Event{SequenceID: ev.RunID}
	switch ev.Kind {
	case sequence.ProgressStep:
		out.Type = "sequenceProgress"
	case sequence.ProgressCompleted:
		out.Type = "sequenceCompleted"
	case sequence.ProgressAborted:
		out.Type = "sequenceAborted"
	case sequence.ProgressError:
		out.Type = "sequenceError"
		if ev.Err != nil {
			out.Message = ev.Err.Error()
		}
	}
	out.State = marshalOrNil(struct {
		CurrentStepIndex int     `json:"currentStepIndex"`
		CurrentCycle     int     `json:"currentCycle"`
		CommandedValue   float64 `json:"commandedValue"`
		SkippedSteps     int     `json:"skippedSteps"`
	}{ev.CurrentStepIndex, ev.CurrentCycle, ev.CommandedValue, ev.SkippedSteps})
	return out
}

// handleSequenceLibraryList replies with every saved sequence.Definition
// (spec §6 "sequenceLibraryList" / §9 "Storage abstraction").
func (r *Router) handleSequenceLibraryList(c ClientConn) {
	ids, err := r.store.List(r.ctx, store.BucketSequences)
	if err != nil {
		c.Send(Event{Type: "error", Code: CodeNotFound, Message: err.Error()})
		return
	}
	entries := make([]LibraryEntry, 0, len(ids))
	for _, id := range ids {
		raw, ok, err := r.store.Get(r.ctx, store.BucketSequences, id)
		if err != nil || !ok {
			continue
		}
		entries = append(entries, LibraryEntry{ID: id, Value: json.RawMessage(raw)})
	}
	c.Send(Event{Type: "sequenceLibraryList", LibraryEntries: entries})
}

func (r *Router) handleSequenceLibrarySave(c ClientConn, req Request) {
	var def sequence.Definition
	if err := json.Unmarshal(req.SequenceDefinition, &def); err != nil {
		c.Send(Event{Type: "error", Code: CodeScriptValidationFailed, Message: err.Error()})
		return
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if err := def.Validate(); err != nil {
		c.Send(Event{Type: "error", Code: CodeScriptValidationFailed, Message: err.Error()})
		return
	}
	raw, err := json.Marshal(def)
	if err != nil {
		c.Send(Event{Type: "error", Code: CodeScriptValidationFailed, Message: err.Error()})
		return
	}
	if err := r.store.Set(r.ctx, store.BucketSequences, def.ID, string(raw)); err != nil {
		c.Send(Event{Type: "error", Code: CodeNotFound, Message: err.Error()})
		return
	}
	c.Send(Event{Type: "sequenceLibrarySaved", SequenceID: def.ID})
}

func (r *Router) handleSequenceLibraryDelete(c ClientConn, req Request) {
	if err := r.store.Delete(r.ctx, store.BucketSequences, req.SequenceID); err != nil {
		c.Send(Event{Type: "error", Code: CodeNotFound, Message: err.Error()})
		return
	}
	c.Send(Event{Type: "sequenceLibraryDeleted", SequenceID: req.SequenceID})
}

// handleTriggerScriptRun resolves a set of trigger.Definitions (inline or by
// library id), starts a Script against them, wires live measurements into
// its value conditions, and fans fired/error notifications out to every
// connected client (spec §4.7/§6 "triggerScriptRun").
func (r *Router) handleTriggerScriptRun(c ClientConn, req Request) {
	defs, err := r.resolveTriggerDefinitions(req)
	if err != nil {
		c.Send(Event{Type: "triggerScriptError", Message: err.Error()})
		return
	}
	script := trigger.NewScript(defs, r.dispatcher, r.measurementSource)
	deviceIDs := r.startTriggerMeasurementFeed(script, defs)

	r.mu.Lock()
	r.triggerScripts[script.ID] = script
	r.triggerDeviceSubs[script.ID] = deviceIDs
	r.mu.Unlock()

	script.Start()
	go r.pumpTriggerScript(script)
	c.Send(Event{Type: "triggerScriptStarted", TriggerID: script.ID})
}

func (r *Router) resolveTriggerDefinitions(req Request) ([]trigger.Definition, error) {
	if len(req.TriggerScriptDefinition) > 0 {
		var defs []trigger.Definition
		if err := json.Unmarshal(req.TriggerScriptDefinition, &defs); err != nil {
			return nil, err
		}
		return defs, nil
	}
	raw, ok, err := r.store.Get(r.ctx, store.BucketTriggerScripts, req.TriggerScriptID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("trigger script %q not found", req.TriggerScriptID)
	}
	var defs []trigger.Definition
	if err := json.Unmarshal([]byte(raw), &defs); err != nil {
		return nil, err
	}
	return defs, nil
}

// startTriggerMeasurementFeed subscribes to every distinct device a
// value-condition trigger references and forwards its measurement events
// into the script's OnMeasurement, returning the device ids subscribed so
// the caller can unwind them on stop.
func (r *Router) startTriggerMeasurementFeed(script *trigger.Script, defs []trigger.Definition) []string {
	subID := "trigger:" + script.ID
	seen := make(map[string]bool)
	var deviceIDs []string
	for _, d := range defs {
		if d.Condition.Kind != trigger.ConditionValue || seen[d.Condition.DeviceID] {
			continue
		}
		ds, ok := r.sessions.DeviceSession(d.Condition.DeviceID)
		if !ok {
			continue
		}
		seen[d.Condition.DeviceID] = true
		deviceIDs = append(deviceIDs, d.Condition.DeviceID)

		events := ds.Subscribe(subID)
		go func(deviceID string, events <-chan session.Event) {
			for ev := range events {
				if ev.Kind != session.EventMeasurement || ev.Measurement == nil {
					continue
				}
				for name, mv := range ev.Measurement.Measurements {
					if mv.Valid {
						script.OnMeasurement(deviceID, name, mv.Value)
					}
				}
			}
		}(d.Condition.DeviceID, events)
	}
	return deviceIDs
}

func (r *Router) stopTriggerMeasurementFeed(script *trigger.Script, deviceIDs []string) {
	subID := "trigger:" + script.ID
	for _, id := range deviceIDs {
		if ds, ok := r.sessions.DeviceSession(id); ok {
			ds.Unsubscribe(subID)
		}
	}
}

// pumpTriggerScript forwards one script's fired/error notifications to every
// connected client until the router's context is cancelled.
func (r *Router) pumpTriggerScript(script *trigger.Script) {
	for {
		select {
		case <-r.ctx.Done():
			return
		case ev, ok := <-script.Fired():
			if !ok {
				return
			}
			r.broadcastAll(Event{Type: "triggerScriptFired", TriggerID: ev.TriggerID})
		case ev, ok := <-script.Errors():
			if !ok {
				return
			}
			r.broadcastAll(Event{Type: "triggerScriptError", TriggerID: ev.TriggerID, Message: ev.Err.Error()})
		}
	}
}

func (r *Router) handleTriggerScriptStop(c ClientConn, req Request) {
	r.mu.Lock()
	script, ok := r.triggerScripts[req.TriggerScriptID]
	deviceIDs := r.triggerDeviceSubs[req.TriggerScriptID]
	if ok {
		delete(r.triggerScripts, req.TriggerScriptID)
		delete(r.triggerDeviceSubs, req.TriggerScriptID)
	}
	r.mu.Unlock()
	if !ok {
		c.Send(Event{Type: "error", Code: CodeNoActiveScript, Message: "unknown trigger script: " + req.TriggerScriptID})
		return
	}
	script.Stop()
	r.stopTriggerMeasurementFeed(script, deviceIDs)
	c.Send(Event{Type: "triggerScriptStopped", TriggerID: script.ID})
}

func (r *Router) withTriggerScript(c ClientConn, scriptID string, fn func(*trigger.Script)) {
	r.mu.Lock()
	script, ok := r.triggerScripts[scriptID]
	r.mu.Unlock()
	if !ok {
		c.Send(Event{Type: "error", Code: CodeNoActiveScript, Message: "unknown trigger script: " + scriptID})
		return
	}
	fn(script)
}

// handleTriggerScriptLibraryList replies with every saved trigger-script
// definition set (spec §6 "triggerScriptLibraryList").
func (r *Router) handleTriggerScriptLibraryList(c ClientConn) {
	ids, err := r.store.List(r.ctx, store.BucketTriggerScripts)
	if err != nil {
		c.Send(Event{Type: "error", Code: CodeNotFound, Message: err.Error()})
		return
	}
	entries := make([]LibraryEntry, 0, len(ids))
	for _, id := range ids {
		raw, ok, err := r.store.Get(r.ctx, store.BucketTriggerScripts, id)
		if err != nil || !ok {
			continue
		}
		entries = append(entries, LibraryEntry{ID: id, Value: json.RawMessage(raw)})
	}
	c.Send(Event{Type: "triggerScriptLibraryList", LibraryEntries: entries})
}

func (r *Router) handleTriggerScriptLibrarySave(c ClientConn, req Request) {
	var defs []trigger.Definition
	if err := json.Unmarshal(req.TriggerScriptDefinition, &defs); err != nil {
		c.Send(Event{Type: "error", Code: CodeScriptValidationFailed, Message: err.Error()})
		return
	}
	id := req.TriggerScriptID
	if id == "" {
		id = uuid.NewString()
	}
	raw, err := json.Marshal(defs)
	if err != nil {
		c.Send(Event{Type: "error", Code: CodeScriptValidationFailed, Message: err.Error()})
		return
	}
	if err := r.store.Set(r.ctx, store.BucketTriggerScripts, id, string(raw)); err != nil {
		c.Send(Event{Type: "error", Code: CodeNotFound, Message: err.Error()})
		return
	}
	c.Send(Event{Type: "triggerScriptLibrarySaved", TriggerID: id})
}

func (r *Router) handleTriggerScriptLibraryDelete(c ClientConn, req Request) {
	if err := r.store.Delete(r.ctx, store.BucketTriggerScripts, req.TriggerScriptID); err != nil {
		c.Send(Event{Type: "error", Code: CodeNotFound, Message: err.Error()})
		return
	}
	c.Send(Event{Type: "triggerScriptLibraryDeleted", TriggerID: req.TriggerScriptID})
}

func (r *Router) handleSubscribe(c ClientConn, req Request) {
	r.mu.Lock()
	if r.subs[c.ID()] == nil {
		r.subs[c.ID()] = make(map[string]bool)
	}
	r.subs[c.ID()][req.DeviceID] = true
	r.mu.Unlock()

	if ds, ok := r.sessions.DeviceSession(req.DeviceID); ok {
		events := ds.Subscribe(c.ID())
		go r.pumpDeviceEvents(c, events)
		return
	}
	if ss, ok := r.sessions.ScopeSession(req.DeviceID); ok {
		events := ss.Subscribe(c.ID())
		go r.pumpScopeEvents(c, events)
		return
	}
	c.Send(Event{Type: "error", DeviceID: req.DeviceID, Code: CodeDeviceNotFound})
}

func (r *Router) handleUnsubscribe(c ClientConn, req Request) {
	r.mu.Lock()
	delete(r.subs[c.ID()], req.DeviceID)
	r.mu.Unlock()

	if ds, ok := r.sessions.DeviceSession(req.DeviceID); ok {
		ds.Unsubscribe(c.ID())
	}
	if ss, ok := r.sessions.ScopeSession(req.DeviceID); ok {
		ss.Unsubscribe(c.ID())
	}
	c.Send(Event{Type: "unsubscribed", DeviceID: req.DeviceID})
}

// pumpDeviceEvents forwards one DeviceSession's event stream to c until the
// session closes its channel, which it does when the client is unsubscribed
// (explicitly or by RemoveClient).
func (r *Router) pumpDeviceEvents(c ClientConn, events <-chan session.Event) {
	for ev := range events {
		c.Send(toWireEvent(ev))
	}
}

func (r *Router) pumpScopeEvents(c ClientConn, events <-chan session.Event) {
	for ev := range events {
		c.Send(toWireEvent(ev))
	}
}

func (r *Router) sendDeviceList(c ClientConn) {
	entries := r.sessions.DeviceList()
	summaries := make([]DeviceSummary, 0, len(entries))
	for _, e := range entries {
		summaries = append(summaries, DeviceSummary{
			ID:               e.Info.ID,
			Kind:             string(e.Info.Kind),
			Manufacturer:     e.Info.Manufacturer,
			Model:            e.Info.Model,
			ConnectionStatus: string(e.ConnectionStatus),
		})
	}
	c.Send(Event{Type: "deviceList", Devices: summaries})
}

// toWireEvent converts one internal session.Event to its wire Event shape,
// base64-encoding binary payloads inline per spec §6.
func toWireEvent(ev session.Event) Event {
	out := Event{Type: string(ev.Kind), DeviceID: ev.DeviceID}
	switch ev.Kind {
	case session.EventSubscribed:
		out.Type = "subscribed"
		if ev.Snapshot != nil {
			out.State = marshalOrNil(ev.Snapshot)
		} else if ev.ScopeSnapshot != nil {
			out.State = marshalOrNil(ev.ScopeSnapshot)
		}
	case session.EventField:
		out.Type = "field"
		out.Field = ev.Field
		out.Value = ev.FieldValue
	case session.EventMeasurement:
		out.Type = "measurement"
		out.Update = marshalOrNil(ev.Measurement)
	case session.EventScopeWaveform:
		out.Type = "scopeWaveform"
		if ev.Waveform != nil {
			out.Channel = ev.Waveform.Channel
			out.Waveform = marshalOrNil(ev.Waveform)
		}
	case session.EventScopeMeasurement:
		out.Type = "scopeMeasurement"
		if ev.ScopeMeasurement != nil {
			out.Channel = ev.ScopeMeasurement.Channel
			out.MeasurementType = ev.ScopeMeasurement.MeasurementType
			out.MeasurementVal = ev.ScopeMeasurement.Value
		}
	case session.EventScopeScreenshot:
		out.Type = "scopeScreenshot"
		out.Data = base64.StdEncoding.EncodeToString(ev.Screenshot)
	case session.EventError:
		out.Type = "error"
		out.Code = ev.ErrorCode
		out.Message = ev.ErrorMessage
	}
	return out
}

func marshalOrNil(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("server: marshal event payload: %v", err)
		return nil
	}
	return b
}
