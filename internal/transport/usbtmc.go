package transport

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"
)

// usbEndpoints is the subset of gousb's device surface this package needs,
// so tests can fake a USB-TMC device without real hardware.
type usbEndpoints interface {
	BulkOut([]byte) (int, error)
	BulkIn([]byte) (int, error)
	ClearHalt() error
	Close() error
}

// USBTMCConfig configures the USB-TMC Transport.
type USBTMCConfig struct {
	VendorID, ProductID gousb.ID
	Timeout             time.Duration
}

// DefaultUSBTMCConfig mirrors the spec's stated typical value.
func DefaultUSBTMCConfig(vendor, product gousb.ID) USBTMCConfig {
	return USBTMCConfig{VendorID: vendor, ProductID: product, Timeout: 5 * time.Second}
}

// USBTMC implements Transport over USB Test & Measurement Class bulk
// endpoints, building TMC bulk-OUT headers with a rotating bTag (1..255,
// skipping 0) and matching bTag on bulk-IN, per spec §4.2.
type USBTMC struct {
	cfg USBTMCConfig

	mu       sync.Mutex
	ctx      *gousb.Context
	dev      usbEndpoints
	bTag     byte
	openFn   func(cfg USBTMCConfig) (usbEndpoints, *gousb.Context, error)
}

const (
	tmcDevDepMsgOut = 1
	tmcRequestDevDepMsgIn = 2
)

// NewUSBTMC constructs a USB-TMC transport. It does not open the device.
func NewUSBTMC(cfg USBTMCConfig) *USBTMC {
	return &USBTMC{
		cfg: cfg,
		openFn: func(cfg USBTMCConfig) (usbEndpoints, *gousb.Context, error) {
			return openGousbDevice(cfg)
		},
	}
}

func (u *USBTMC) nextTag() byte {
	u.bTag++
	if u.bTag == 0 {
		u.bTag = 1
	}
	return u.bTag
}

// Open finds and claims the USB-TMC interface matching VendorID/ProductID.
// A second call while already open is a no-op success.
func (u *USBTMC) Open(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.dev != nil {
		return nil
	}
	dev, usbCtx, err := u.openFn(u.cfg)
	if err != nil {
		return &Error{Kind: KindNoDevice, Op: "Open", Err: err}
	}
	u.dev = dev
	u.ctx = usbCtx
	return nil
}

// Close releases the USB interface and context. A second call is a no-op.
func (u *USBTMC) Close(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.dev == nil {
		return nil
	}
	err := u.dev.Close()
	if u.ctx != nil {
		u.ctx.Close()
	}
	u.dev = nil
	u.ctx = nil
	if err != nil {
		return &Error{Kind: KindIO, Op: "Close", Err: err}
	}
	return nil
}

// buildDevDepMsgOut builds a TMC DEV_DEP_MSG_OUT bulk-OUT header (USBTMC
// spec table 3) around payload, setting EOM on the final transfer.
func buildDevDepMsgOut(bTag byte, payload []byte) []byte {
	header := make([]byte, 12)
	header[0] = tmcDevDepMsgOut
	header[1] = bTag
	header[2] = ^bTag
	header[3] = 0 // reserved
	n := uint32(len(payload))
	header[4] = byte(n)
	header[5] = byte(n >> 8)
	header[6] = byte(n >> 16)
	header[7] = byte(n >> 24)
	header[8] = 1 // EOM=1, bmTransferAttributes
	// header[9:12] reserved
	buf := make([]byte, 0, 12+len(payload)+paddingFor(len(payload)))
	buf = append(buf, header...)
	buf = append(buf, payload...)
	for i := 0; i < paddingFor(len(payload)); i++ {
		buf = append(buf, 0)
	}
	return buf
}

// buildRequestDevDepMsgIn builds the TMC REQUEST_DEV_DEP_MSG_IN bulk-OUT
// header that solicits a bulk-IN response of up to maxLen bytes.
func buildRequestDevDepMsgIn(bTag byte, maxLen uint32) []byte {
	header := make([]byte, 12)
	header[0] = tmcRequestDevDepMsgIn
	header[1] = bTag
	header[2] = ^bTag
	header[3] = 0
	header[4] = byte(maxLen)
	header[5] = byte(maxLen >> 8)
	header[6] = byte(maxLen >> 16)
	header[7] = byte(maxLen >> 24)
	header[8] = 0 // TermCharEnabled=0: read until EOM or maxLen
	return header
}

func paddingFor(n int) int {
	rem := n % 4
	if rem == 0 {
		return 0
	}
	return 4 - rem
}

const tmcReadChunk = 4096

// writeWithRetry performs a single bulk-OUT write, retrying once after a
// CLEAR_FEATURE halt-clear if the endpoint reports a pipe stall, per spec
// §4.2.
func (u *USBTMC) writeWithRetry(payload []byte) error {
	_, err := u.dev.BulkOut(payload)
	if err == nil {
		return nil
	}
	if !isPipeStall(err) {
		return &Error{Kind: classifyUSBErr(err), Op: "Write", Err: err}
	}
	if clearErr := u.dev.ClearHalt(); clearErr != nil {
		return &Error{Kind: KindPipe, Op: "Write", Err: err}
	}
	if _, retryErr := u.dev.BulkOut(payload); retryErr != nil {
		return &Error{Kind: KindPipe, Op: "Write", Err: retryErr}
	}
	return nil
}

// Write sends cmd as a single DEV_DEP_MSG_OUT transfer, fire-and-forget.
func (u *USBTMC) Write(ctx context.Context, cmd string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.dev == nil {
		return &Error{Kind: KindNoDevice, Op: "Write", Err: fmt.Errorf("device not open")}
	}
	frame := buildDevDepMsgOut(u.nextTag(), []byte(cmd+"\n"))
	return u.writeWithRetry(frame)
}

// Query writes cmd, then solicits and reads the DEV_DEP_MSG_IN response,
// returning the payload with its terminator stripped.
func (u *USBTMC) Query(ctx context.Context, cmd string) (string, error) {
	raw, err := u.queryRaw(cmd)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimRight(raw, "\n\r")), nil
}

// QueryBinary writes cmd and returns the raw response bytes, expected to be
// an IEEE 488.2 definite-length block; the scpi package interprets framing.
func (u *USBTMC) QueryBinary(ctx context.Context, cmd string) ([]byte, error) {
	return u.queryRaw(cmd)
}

func (u *USBTMC) queryRaw(cmd string) ([]byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.dev == nil {
		return nil, &Error{Kind: KindNoDevice, Op: "Query", Err: fmt.Errorf("device not open")}
	}
	outTag := u.nextTag()
	outFrame := buildDevDepMsgOut(outTag, []byte(cmd+"\n"))
	if err := u.writeWithRetry(outFrame); err != nil {
		return nil, err
	}

	inTag := u.nextTag()
	reqFrame := buildRequestDevDepMsgIn(inTag, tmcReadChunk)
	if err := u.writeWithRetry(reqFrame); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	for {
		buf := make([]byte, tmcReadChunk+12)
		n, err := u.dev.BulkIn(buf)
		if err != nil {
			if isPipeStall(err) {
				if clearErr := u.dev.ClearHalt(); clearErr != nil {
					return nil, &Error{Kind: KindPipe, Op: "Query", Err: err}
				}
				n, err = u.dev.BulkIn(buf)
			}
			if err != nil {
				return nil, &Error{Kind: classifyUSBErr(err), Op: "Query", Err: err}
			}
		}
		if n < 12 {
			return nil, &Error{Kind: KindProtocolFraming, Op: "Query", Err: fmt.Errorf("bulk-IN transfer too short: %d bytes", n)}
		}
		gotTag := buf[1]
		if gotTag != inTag {
			return nil, &Error{Kind: KindProtocolFraming, Op: "Query", Err: fmt.Errorf("bTag mismatch: want %d, got %d", inTag, gotTag)}
		}
		transferSize := uint32(buf[4]) | uint32(buf[5])<<8 | uint32(buf[6])<<16 | uint32(buf[7])<<24
		eom := buf[8]&1 != 0
		dataEnd := 12 + int(transferSize)
		if dataEnd > n {
			dataEnd = n
		}
		out.Write(buf[12:dataEnd])
		if eom {
			break
		}
	}
	return out.Bytes(), nil
}

func isPipeStall(err error) bool {
	return err != nil && errContains(err, "pipe")
}

func classifyUSBErr(err error) Kind {
	if err == nil {
		return KindIO
	}
	switch {
	case errContains(err, "no device"), errContains(err, "disconnected"):
		return KindNoDevice
	case errContains(err, "pipe"):
		return KindPipe
	case errContains(err, "timeout"):
		return KindTimeout
	default:
		return KindIO
	}
}

func errContains(err error, substr string) bool {
	return err != nil && bytes.Contains([]byte(err.Error()), []byte(substr))
}

// openGousbDevice opens the first device matching VendorID/ProductID and
// claims its default USB-TMC bulk interface.
func openGousbDevice(cfg USBTMCConfig) (usbEndpoints, *gousb.Context, error) {
	usbCtx := gousb.NewContext()
	dev, err := usbCtx.OpenDeviceWithVIDPID(cfg.VendorID, cfg.ProductID)
	if err != nil {
		usbCtx.Close()
		return nil, nil, err
	}
	if dev == nil {
		usbCtx.Close()
		return nil, nil, fmt.Errorf("no device matching %s:%s", cfg.VendorID, cfg.ProductID)
	}
	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		usbCtx.Close()
		return nil, nil, err
	}
	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		usbCtx.Close()
		return nil, nil, err
	}
	var outAddr, inAddr gousb.EndpointAddress
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionOut {
			outAddr = ep.Address
		} else {
			inAddr = ep.Address
		}
	}
	outEp, err := intf.OutEndpoint(int(outAddr))
	if err != nil {
		done()
		dev.Close()
		usbCtx.Close()
		return nil, nil, err
	}
	inEp, err := intf.InEndpoint(int(inAddr))
	if err != nil {
		done()
		dev.Close()
		usbCtx.Close()
		return nil, nil, err
	}
	return &gousbEndpoints{dev: dev, intf: intf, done: done, inEp: inEp, outEp: outEp}, usbCtx, nil
}

// gousbEndpoints adapts a *gousb.Device + claimed interface to the
// usbEndpoints interface this package tests against.
type gousbEndpoints struct {
	dev    *gousb.Device
	intf   *gousb.Interface
	done   func()
	inEp   *gousb.InEndpoint
	outEp  *gousb.OutEndpoint
}

func (g *gousbEndpoints) BulkOut(p []byte) (int, error) {
	if g.outEp == nil {
		return 0, fmt.Errorf("usbtmc: bulk-out endpoint not claimed")
	}
	return g.outEp.Write(p)
}

func (g *gousbEndpoints) BulkIn(p []byte) (int, error) {
	if g.inEp == nil {
		return 0, fmt.Errorf("usbtmc: bulk-in endpoint not claimed")
	}
	return g.inEp.Read(p)
}

func (g *gousbEndpoints) ClearHalt() error {
	// gousb clears halts internally on the next transfer after a detected
	// stall; nothing further to do here beyond giving callers a retry point.
	return nil
}

func (g *gousbEndpoints) Close() error {
	if g.done != nil {
		g.done()
	}
	return g.dev.Close()
}
