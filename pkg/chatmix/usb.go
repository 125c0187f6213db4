package chatmix

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/gousb"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"
)

// DialIO provides a chatmix-aware abstraction layer to managing the
// headset's USB HID input
type DialIO struct {
	chatmix *ChatMix
	logger  *zap.SugaredLogger

	usbCtx   *gousb.Context
	device   *gousb.Device
	config   *gousb.Config
	intf     *gousb.Interface
	endpoint *gousb.InEndpoint

	interfaceNumber int
	endpointAddress gousb.EndpointAddress
	maxPacketSize   int

	stopChannel chan struct{}
	stopOnce    sync.Once
	events      chan DialEvent
}

// DialEvent carries one decoded ChatMix report: both knob positions as the
// raw 0-100 values the headset sends
type DialEvent struct {
	GameValue uint8
	ChatValue uint8
}

const (
	// SteelSeries
	vendorID = gousb.ID(0x1038)

	// interface index 8 of the active configuration is the HID carrying the
	// ChatMix dial's reports; its on-device interface number is 5
	dialInterfaceIndex = 8

	// the dial reports continuously in fixed 64-byte interrupt packets
	dialReportSize = 64
)

// the supported hardware revisions: Arctis 7+ and Nova 7 WoW Edition
var knownProductIDs = []gousb.ID{0x220e, 0x227a}

var (
	// ErrDeviceNotFound means no attached USB device matched a known
	// (vendor, product) identity pair
	ErrDeviceNotFound = errors.New("no supported headset attached")

	// ErrInterfaceResolution means the matched device didn't expose the
	// expected interface or endpoint
	ErrInterfaceResolution = errors.New("couldn't resolve the dial's interface or endpoint")
)

// isKnownHeadset matches a device description against the supported
// (vendor, product) identity pairs
func isKnownHeadset(desc *gousb.DeviceDesc) bool {
	return desc.Vendor == vendorID && funk.Contains(knownProductIDs, desc.Product)
}

// NewDialIO creates a DialIO instance using the provided chatmix instance's
// configuration
func NewDialIO(chatmix *ChatMix, logger *zap.SugaredLogger) (*DialIO, error) {
	logger = logger.Named("usb")

	dio := &DialIO{
		chatmix:     chatmix,
		logger:      logger,
		stopChannel: make(chan struct{}),
		events:      make(chan DialEvent),
	}

	logger.Debug("Created USB dial i/o instance")

	return dio, nil
}

// Locate finds the headset among attached USB devices, selects the dial's
// interface and input endpoint and claims them for exclusive access. Any
// kernel-owned driver claim on the interface is detached automatically.
// This must run (and succeed) before Start.
func (dio *DialIO) Locate() error {
	dio.usbCtx = gousb.NewContext()

	devices, err := dio.usbCtx.OpenDevices(isKnownHeadset)

	// OpenDevices can error on unrelated devices while still returning
	// matches, so only give up when we got nothing at all
	if len(devices) == 0 {
		if err != nil {
			dio.logger.Debugw("USB enumeration reported errors", "error", err)
		}

		return ErrDeviceNotFound
	}

	// first enumerated match wins; close the rest
	dio.device = devices[0]
	for _, extra := range devices[1:] {
		_ = extra.Close()
	}

	dio.logger.Infow("Found supported headset",
		"vendor", dio.device.Desc.Vendor,
		"product", dio.device.Desc.Product)

	// best-effort idempotent: a no-op when no kernel driver holds the interface
	if err := dio.device.SetAutoDetach(true); err != nil {
		dio.logger.Warnw("Failed to enable kernel driver auto-detach", "error", err)
	}

	if err := dio.resolveEndpoint(); err != nil {
		dio.logger.Errorw("Failed to resolve dial interface/endpoint", "error", err)
		return ErrInterfaceResolution
	}

	dio.logger.Infow("ChatMix dial resolved",
		"interface", dio.interfaceNumber,
		"endpoint", fmt.Sprintf("%#02x", uint8(dio.endpointAddress)),
		"maxPacketSize", dio.maxPacketSize)

	return nil
}

func (dio *DialIO) resolveEndpoint() error {
	activeCfg, err := dio.device.ActiveConfigNum()
	if err != nil {
		return fmt.Errorf("query active configuration: %w", err)
	}

	cfg, err := dio.device.Config(activeCfg)
	if err != nil {
		return fmt.Errorf("claim configuration %d: %w", activeCfg, err)
	}
	dio.config = cfg

	if len(cfg.Desc.Interfaces) <= dialInterfaceIndex {
		return fmt.Errorf("configuration %d has only %d interfaces", activeCfg, len(cfg.Desc.Interfaces))
	}

	ifDesc := cfg.Desc.Interfaces[dialInterfaceIndex]
	if len(ifDesc.AltSettings) == 0 {
		return fmt.Errorf("interface index %d has no alt settings", dialInterfaceIndex)
	}

	alt := ifDesc.AltSettings[0]
	epDesc, err := firstInEndpoint(alt)
	if err != nil {
		return err
	}

	intf, err := cfg.Interface(alt.Number, alt.Alternate)
	if err != nil {
		return fmt.Errorf("claim interface %d: %w", alt.Number, err)
	}
	dio.intf = intf

	endpoint, err := intf.InEndpoint(epDesc.Number)
	if err != nil {
		return fmt.Errorf("open IN endpoint %d: %w", epDesc.Number, err)
	}

	dio.endpoint = endpoint
	dio.interfaceNumber = alt.Number
	dio.endpointAddress = epDesc.Address
	dio.maxPacketSize = epDesc.MaxPacketSize

	return nil
}

// firstInEndpoint picks the lowest-addressed input endpoint of the given
// interface setting. The dial's interface exposes exactly one.
func firstInEndpoint(alt gousb.InterfaceSetting) (gousb.EndpointDesc, error) {
	addresses := make([]int, 0, len(alt.Endpoints))
	for addr, ep := range alt.Endpoints {
		if ep.Direction == gousb.EndpointDirectionIn {
			addresses = append(addresses, int(addr))
		}
	}

	if len(addresses) == 0 {
		return gousb.EndpointDesc{}, fmt.Errorf("interface %d has no IN endpoints", alt.Number)
	}

	sort.Ints(addresses)

	return alt.Endpoints[gousb.EndpointAddress(addresses[0])], nil
}

// Start begins the blocking read loop in the background. Reports are decoded
// and delivered through Events; the channel is closed on any transport error
// other than a read timeout (timeouts are the expected idle condition).
func (dio *DialIO) Start() error {
	if dio.endpoint == nil {
		return errors.New("usb: device not located")
	}

	timeout := time.Duration(dio.chatmix.currConf().USBPollTimeout) * time.Millisecond

	go dio.readLoop(timeout)

	dio.logger.Debug("Started USB read loop")

	return nil
}

func (dio *DialIO) readLoop(timeout time.Duration) {
	defer close(dio.events)

	buf := make([]byte, dio.maxPacketSize)
	if len(buf) < dialReportSize {
		buf = make([]byte, dialReportSize)
	}

	for {
		select {
		case <-dio.stopChannel:
			return
		default:
		}

		readCtx, cancel := context.WithTimeout(context.Background(), timeout)
		n, err := dio.endpoint.ReadContext(readCtx, buf)
		cancel()

		if err != nil {
			// no new report within the window just means the knob is idle
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}

			select {
			case <-dio.stopChannel:
				// shutting down anyway, the cancelled transfer is ours
				return
			default:
			}

			dio.logger.Errorw("USB input/output error - likely disconnect", "error", err)
			return
		}

		event, ok := decodeDialReport(buf[:n])
		if !ok {
			continue
		}

		if dio.chatmix.Verbose() {
			dio.logger.Debugw("Dial report", "game", event.GameValue, "chat", event.ChatValue)
		}

		select {
		case dio.events <- event:
		case <-dio.stopChannel:
			return
		}
	}
}

// decodeDialReport extracts both knob values from one interrupt report.
// Byte 1 is the game (default device) volume, byte 2 the chat (virtual
// device) volume, both 0-100; the rest of the report is ignored.
func decodeDialReport(report []byte) (DialEvent, bool) {
	if len(report) < 3 {
		return DialEvent{}, false
	}

	return DialEvent{
		GameValue: report[1],
		ChatValue: report[2],
	}, true
}

// Events returns the channel on which decoded dial reports are delivered
func (dio *DialIO) Events() <-chan DialEvent {
	return dio.events
}

// Stop signals the read loop to exit
func (dio *DialIO) Stop() {
	dio.stopOnce.Do(func() {
		close(dio.stopChannel)
	})
}

// Close releases the claimed interface, configuration, device and USB context
func (dio *DialIO) Close() {
	dio.Stop()

	if dio.intf != nil {
		dio.intf.Close()
		dio.intf = nil
	}

	if dio.config != nil {
		_ = dio.config.Close()
		dio.config = nil
	}

	if dio.device != nil {
		_ = dio.device.Close()
		dio.device = nil
	}

	if dio.usbCtx != nil {
		_ = dio.usbCtx.Close()
		dio.usbCtx = nil
	}

	dio.logger.Debug("Released USB resources")
}
