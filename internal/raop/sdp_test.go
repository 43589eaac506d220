package raop

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

const sampleSDP = "v=0\r\n" +
	"o=iTunes 3389150568 0 IN IP4 192.168.1.10\r\n" +
	"s=iTunes\r\n" +
	"c=IN IP4 192.168.1.20\r\n" +
	"t=0 0\r\n" +
	"m=audio 0 RTP/AVP 96\r\n" +
	"a=rtpmap:96 AppleLossless/44100\r\n" +
	"a=fmtp:96 352 0 16 40 10 14 2 255 0 0 44100\r\n"

func TestParseSDPBasicFields(t *testing.T) {
	sd := ParseSDP(sampleSDP)
	assert.Equal(t, "AppleLossless", sd.Codec)
	assert.Equal(t, 44100, sd.ClockRate)
	assert.False(t, sd.HasEncryption)
	assert.NotEmpty(t, sd.FmtpParams)
}

func TestParseSDPDetectsEncryption(t *testing.T) {
	encrypted := sampleSDP + "a=rsaaeskey:AAAA\r\na=aesiv:BBBB\r\n"
	sd := ParseSDP(encrypted)
	assert.True(t, sd.HasEncryption)
}

func TestParseSDPIgnoresUnknownAttributes(t *testing.T) {
	withExtra := sampleSDP + "a=something-unrelated:1\r\n"
	sd := ParseSDP(withExtra)
	assert.Equal(t, "AppleLossless", sd.Codec)
}

// TestParseSDPRecoversArbitraryClockRate generates arbitrary codec names
// and clock rates and checks ParseSDP never panics and always recovers
// the exact rtpmap clock rate, regardless of what surrounds it.
func TestParseSDPRecoversArbitraryClockRate(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		codec := rapid.StringMatching(`[A-Za-z]{1,12}`).Draw(t, "codec")
		rate := rapid.IntRange(8000, 192000).Draw(t, "rate")
		payloadType := rapid.IntRange(96, 127).Draw(t, "payloadType")

		body := fmt.Sprintf("v=0\r\nm=audio 0 RTP/AVP %d\r\na=rtpmap:%d %s/%d\r\n",
			payloadType, payloadType, codec, rate)

		sd := ParseSDP(body)
		assert.Equal(t, codec, sd.Codec)
		assert.Equal(t, rate, sd.ClockRate)
	})
}
