package discovery

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/airplay-multiroom/server/internal/registry"
)

// mDNS service types browsed for receiver discovery, per §4.1.
const (
	ServiceAirPlay = "_airplay._tcp"
	ServiceRAOP    = "_raop._tcp"
	ServiceAirPort = "_airport._tcp"
)

// classify applies the §4.1 classification rules, in order, first match
// wins: _raop._tcp is always an audio receiver; _airplay._tcp with
// feature bit 1 set in its "ft" TXT record is video-capable; plain
// _airplay._tcp is audio-only; _airport._tcp is an AirPort Express;
// anything else is registered as unknown rather than dropped.
func classify(serviceType string, txt map[string]string) registry.DeviceType {
	switch {
	case strings.Contains(serviceType, ServiceRAOP):
		return registry.DeviceAudioReceiver
	case strings.Contains(serviceType, ServiceAirPlay) && hasVideoFeatureBit(txt["ft"]):
		return registry.DeviceVideoCapable
	case strings.Contains(serviceType, ServiceAirPlay):
		return registry.DeviceAudioReceiver
	case strings.Contains(serviceType, ServiceAirPort):
		return registry.DeviceAirPortExpress
	default:
		return registry.DeviceUnknown
	}
}

// hasVideoFeatureBit reports whether bit 1 of the "ft" TXT record (a hex
// feature bitmask) is set.
func hasVideoFeatureBit(ft string) bool {
	if ft == "" {
		return false
	}
	ft = strings.TrimPrefix(strings.TrimPrefix(ft, "0x"), "0X")
	v, err := strconv.ParseUint(ft, 16, 64)
	if err != nil {
		return false
	}
	return v&0x2 != 0
}

// parseTXT splits a list of raw "key=value" TXT strings into a map, as
// published by AirPlay/RAOP advertisements (am = model, fv = firmware
// version, ft = feature bitmask). A non-UTF-8 entry is skipped rather
// than treated as fatal, per §4.1.
func parseTXT(entries []string) map[string]string {
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		if !utf8.ValidString(e) {
			continue
		}
		if i := strings.IndexByte(e, '='); i >= 0 {
			out[e[:i]] = e[i+1:]
		} else if e != "" {
			out[e] = ""
		}
	}
	return out
}

// displayName strips the mDNS escape sequences a browsed instance name may
// carry (e.g. "Kitchen\ Speaker" -> "Kitchen Speaker").
func displayName(instance string) string {
	var b strings.Builder
	for i := 0; i < len(instance); i++ {
		if instance[i] == '\\' && i+1 < len(instance) {
			i++
		}
		b.WriteByte(instance[i])
	}
	return b.String()
}
