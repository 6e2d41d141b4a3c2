package detectors

import (
	"context"

	"github.com/sentrapay/fraud-engine/internal/event"
	"github.com/sentrapay/fraud-engine/internal/features"
)

// Device scores integrity signals reported by the client SDK: emulators,
// rooted devices, Tor exits, VPNs and datacenter IP space. The flags arrive
// on the event itself, so this detector works at full confidence even when
// the feature store is down.
type Device struct{}

// NewDevice builds the device-integrity detector.
func NewDevice() *Device { return &Device{} }

func (d *Device) Name() string { return "device" }

func (d *Device) Evaluate(_ context.Context, ev *event.TransactionEvent, _ *features.Snapshot) Result {
	score := 0.0
	evidence := map[string]any{}

	f := ev.Flags
	if f.Emulator {
		score += 0.9
		evidence["emulator"] = true
	}
	if f.Rooted {
		score += 0.4
		evidence["rooted"] = true
	}
	if f.TorExit {
		score += 0.85
		evidence["tor_exit"] = true
	}
	if f.VPN {
		score += 0.2
		evidence["vpn"] = true
	}
	if f.DatacenterIP {
		score += 0.45
		evidence["datacenter_ip"] = true
	}

	conf := 0.95
	if ev.DeviceID == "" && len(evidence) == 0 {
		// Nothing to inspect; a missing SDK payload is not proof of a clean
		// device.
		conf = 0.5
	}

	return Result{Score: score, Confidence: conf, Evidence: evidence}
}
