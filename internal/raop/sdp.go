package raop

import "strings"

// SessionDescription is the subset of an SDP body this terminator honors
// (§4.3's resolved SDP-scope Open Question): the audio media line, its
// rtpmap codec/clock rate, ALAC fmtp parameters, and encryption-attribute
// presence (parsed only far enough to reject with 401).
type SessionDescription struct {
	MediaPort    int
	Codec        string // e.g. "AppleLossless" or "L16"
	ClockRate    int
	FmtpParams   []string // raw whitespace-split fmtp tokens, positional per RAOP convention
	HasEncryption bool
	Raw          string
}

// ParseSDP parses the audio-relevant lines of an SDP body. Unrecognized
// attribute lines are ignored rather than rejected, since this terminator
// only interprets the fields named in §4.3.
func ParseSDP(body string) SessionDescription {
	sd := SessionDescription{Raw: body}

	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "m=audio"):
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if port, ok := parsePort(fields[1]); ok {
					sd.MediaPort = port
				}
			}
		case strings.HasPrefix(line, "a=rtpmap:"):
			// a=rtpmap:96 AppleLossless/44100
			rest := strings.TrimPrefix(line, "a=rtpmap:")
			fields := strings.Fields(rest)
			if len(fields) >= 2 {
				codecClock := fields[1]
				parts := strings.SplitN(codecClock, "/", 2)
				sd.Codec = parts[0]
				if len(parts) == 2 {
					if rate, ok := parsePort(parts[1]); ok {
						sd.ClockRate = rate
					}
				}
			}
		case strings.HasPrefix(line, "a=fmtp:"):
			rest := strings.TrimPrefix(line, "a=fmtp:")
			sd.FmtpParams = strings.Fields(rest)
		case strings.HasPrefix(line, "a=rsaaeskey:"), strings.HasPrefix(line, "a=aesiv:"):
			sd.HasEncryption = true
		}
	}

	return sd
}

func parsePort(s string) (int, bool) {
	n := 0
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}
