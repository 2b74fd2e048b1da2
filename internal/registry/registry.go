// Package registry implements the Scanner (spec §4.3/§5): it enumerates
// candidate transports, attempts driver probes in priority order, and
// publishes the set of live drivers to the session layer. Device
// enumeration itself (listing OS-level USB/serial interfaces) is an
// external collaborator, injected here as PortLister/USBLister.
package registry

import (
	"context"
	"log"
	"sync"
	"time"

	"labctl/internal/driver"
	"labctl/internal/transport"
)

// SerialCandidate is one OS-visible serial interface worth probing.
type SerialCandidate struct {
	Port string
	Baud int
}

// USBCandidate is one OS-visible USB interface worth probing.
type USBCandidate struct {
	VendorID, ProductID uint16
}

// PortLister enumerates serial ports. The concrete OS-level implementation
// is outside this spec's scope; tests and the scanner both depend only on
// this interface.
type PortLister interface {
	ListSerialPorts(ctx context.Context) ([]SerialCandidate, error)
}

// USBLister enumerates USB-TMC-capable interfaces.
type USBLister interface {
	ListUSBDevices(ctx context.Context) ([]USBCandidate, error)
}

// ProbeFactory builds a not-yet-probed Instrument or ScopeInstrument over a
// transport. Probe priority is the order factories appear in Scanner.Factories.
type ProbeFactory struct {
	Name          string
	NewTransport  func(candidate interface{}) (transport.Transport, error)
	NewInstrument func(t transport.Transport) driver.Instrument
	NewScope      func(t transport.Transport) driver.ScopeInstrument
}

// LiveDriver is a successfully probed instrument, tagged with which kind of
// contract it implements.
type LiveDriver struct {
	Info       driver.Info
	Instrument driver.Instrument
	Scope      driver.ScopeInstrument
}

// Scanner enumerates candidates and probes them in Factories order,
// publishing the resulting set of live drivers via Results.
type Scanner struct {
	Ports    PortLister
	USB      USBLister
	Factories []ProbeFactory
	Interval time.Duration

	mu      sync.Mutex
	results chan []LiveDriver
}

// NewScanner constructs a Scanner. Interval defaults to 5s if zero.
func NewScanner(ports PortLister, usb USBLister, factories []ProbeFactory) *Scanner {
	return &Scanner{
		Ports:     ports,
		USB:       usb,
		Factories: factories,
		Interval:  5 * time.Second,
		results:   make(chan []LiveDriver, 1),
	}
}

// Results is the channel the SessionManager reads the latest full scan from.
// It is always buffered to 1 and only ever holds the most recent scan (a
// scan replaces, never queues behind, a prior unread one).
func (s *Scanner) Results() <-chan []LiveDriver { return s.results }

// ScanOnce performs a single scan, attempting every candidate against every
// factory in priority order until one probe succeeds, then publishes the
// full set of live drivers found (spec §4 "Scanner→Registry").
func (s *Scanner) ScanOnce(ctx context.Context) []LiveDriver {
	var found []LiveDriver

	if s.Ports != nil {
		ports, err := s.Ports.ListSerialPorts(ctx)
		if err != nil {
			log.Printf("registry: list serial ports: %v", err)
		}
		for _, p := range ports {
			if ld, ok := s.probeCandidate(ctx, p); ok {
				found = append(found, ld)
			}
		}
	}
	if s.USB != nil {
		devs, err := s.USB.ListUSBDevices(ctx)
		if err != nil {
			log.Printf("registry: list usb devices: %v", err)
		}
		for _, u := range devs {
			if ld, ok := s.probeCandidate(ctx, u); ok {
				found = append(found, ld)
			}
		}
	}

	select {
	case <-s.results:
	default:
	}
	s.results <- found
	return found
}

func (s *Scanner) probeCandidate(ctx context.Context, candidate interface{}) (LiveDriver, bool) {
	for _, f := range s.Factories {
		t, err := f.NewTransport(candidate)
		if err != nil {
			continue
		}
		if err := t.Open(ctx); err != nil {
			continue
		}
		if f.NewInstrument != nil {
			inst := f.NewInstrument(t)
			if err := inst.Probe(ctx); err != nil {
				t.Close(ctx)
				continue
			}
			return LiveDriver{Info: inst.Info(), Instrument: inst}, true
		}
		if f.NewScope != nil {
			sc := f.NewScope(t)
			if err := sc.Probe(ctx); err != nil {
				t.Close(ctx)
				continue
			}
			return LiveDriver{Info: sc.Info(), Scope: sc}, true
		}
		t.Close(ctx)
	}
	return LiveDriver{}, false
}

// Run loops ScanOnce every Interval until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.ScanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ScanOnce(ctx)
		}
	}
}
