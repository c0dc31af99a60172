package vrm

import (
	"fmt"
	"strings"
)

// DiagnosticRecord is one row of a site's diagnostics feed: a single
// metric reading attributed to a device. The VRM API capitalizes
// "Device" but not the other keys.
type DiagnosticRecord struct {
	Device      string `json:"Device"`
	Instance    int    `json:"instance"`
	Description string `json:"description"`
	RawValue    any    `json:"rawValue"`
}

// DeviceFields maps normalized metric descriptions to their raw values.
// Values keep whatever JSON type the API sent (number, string, bool,
// null) so payloads re-serialize without loss.
type DeviceFields map[string]any

// DeviceSnapshot maps device keys ("solar_charger_276") to their fields.
type DeviceSnapshot map[string]DeviceFields

// Normalize lower-cases s and replaces spaces with underscores. Nothing
// else changes: the resulting names are MQTT subtopic segments and JSON
// keys consumed by existing subscribers, so the mapping must stay
// exactly this and no cleverer.
func Normalize(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, " ", "_"))
}

// DeviceKey builds the snapshot key for a record: the normalized device
// name joined with the device instance. Two devices of the same type at
// one site differ only by instance.
func DeviceKey(device string, instance int) string {
	return fmt.Sprintf("%s_%d", Normalize(device), instance)
}

// FlattenDiagnostics groups raw diagnostics records into a snapshot of
// per-device field maps. Records sharing a device key merge into one
// map; when the same description appears twice for one device, the
// later record wins.
func FlattenDiagnostics(records []DiagnosticRecord) DeviceSnapshot {
	devices := make(DeviceSnapshot)
	for _, r := range records {
		key := DeviceKey(r.Device, r.Instance)
		fields, ok := devices[key]
		if !ok {
			fields = make(DeviceFields)
			devices[key] = fields
		}
		fields[Normalize(r.Description)] = r.RawValue
	}
	return devices
}
