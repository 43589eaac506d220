package raop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHooks struct {
	audioPort, controlPort int
	recorded                bool
	flushedSeq              uint64
	tornDown                bool
	allocErr                error
}

func (f *fakeHooks) AllocatePorts(sessionID string) (int, int, error) {
	return f.audioPort, f.controlPort, f.allocErr
}
func (f *fakeHooks) OnRecord(sessionID string, sd SessionDescription, sr, bd, ch int) { f.recorded = true }
func (f *fakeHooks) OnFlush(sessionID string, nextSeq uint64)                         { f.flushedSeq = nextSeq }
func (f *fakeHooks) OnTeardown(sessionID string)                                      { f.tornDown = true }

func TestDispatchOptionsListsMethods(t *testing.T) {
	sess := NewSession(44100, 16, 2)
	req := &Request{Method: "OPTIONS", CSeq: "1", Headers: map[string]string{}}
	resp := dispatch("s1", sess, req, nil)
	assert.Equal(t, 200, resp.Status)
	assert.Contains(t, resp.Headers["Public"], "ANNOUNCE")
}

func TestDispatchAnnounceRejectsEncryptedSDP(t *testing.T) {
	sess := NewSession(44100, 16, 2)
	body := sampleSDP + "a=rsaaeskey:AAAA\r\na=aesiv:BBBB\r\n"
	req := &Request{Method: "ANNOUNCE", CSeq: "2", Headers: map[string]string{}, Body: []byte(body)}
	resp := dispatch("s1", sess, req, nil)
	assert.Equal(t, 401, resp.Status)
	assert.Equal(t, StateIdle, sess.Snapshot())
}

func TestDispatchFullSequenceUpToRecord(t *testing.T) {
	sess := NewSession(44100, 16, 2)
	hooks := &fakeHooks{audioPort: 7000, controlPort: 7001}

	announce := dispatch("s1", sess, &Request{
		Method: "ANNOUNCE", CSeq: "1", Headers: map[string]string{}, Body: []byte(sampleSDP),
	}, hooks)
	require.Equal(t, 200, announce.Status)

	setup := dispatch("s1", sess, &Request{
		Method: "SETUP", CSeq: "2",
		Headers: map[string]string{"transport": "RTP/AVP/UDP;unicast;client_port=6000-6001"},
	}, hooks)
	require.Equal(t, 200, setup.Status)
	assert.Contains(t, setup.Headers["Transport"], "server_port=7000-7001")
	assert.NotEmpty(t, setup.Headers["Session"])

	record := dispatch("s1", sess, &Request{Method: "RECORD", CSeq: "3", Headers: map[string]string{}}, hooks)
	require.Equal(t, 200, record.Status)
	assert.True(t, hooks.recorded)
	assert.Equal(t, StateRecording, sess.Snapshot())
}

func TestDispatchPauseAndResume(t *testing.T) {
	sess := NewSession(44100, 16, 2)
	hooks := &fakeHooks{audioPort: 7000, controlPort: 7001}

	dispatch("s1", sess, &Request{Method: "ANNOUNCE", CSeq: "1", Headers: map[string]string{}, Body: []byte(sampleSDP)}, hooks)
	dispatch("s1", sess, &Request{
		Method: "SETUP", CSeq: "2",
		Headers: map[string]string{"transport": "RTP/AVP/UDP;unicast;client_port=6000-6001"},
	}, hooks)
	dispatch("s1", sess, &Request{Method: "RECORD", CSeq: "3", Headers: map[string]string{}}, hooks)

	pause := dispatch("s1", sess, &Request{Method: "PAUSE", CSeq: "4", Headers: map[string]string{}}, hooks)
	assert.Equal(t, 200, pause.Status)
	assert.Equal(t, StatePaused, sess.Snapshot())

	resume := dispatch("s1", sess, &Request{Method: "RECORD", CSeq: "5", Headers: map[string]string{}}, hooks)
	assert.Equal(t, 200, resume.Status)
	assert.Equal(t, StateRecording, sess.Snapshot())
}

func TestDispatchPauseOutOfSequenceReturns455(t *testing.T) {
	sess := NewSession(44100, 16, 2)
	resp := dispatch("s1", sess, &Request{Method: "PAUSE", CSeq: "1", Headers: map[string]string{}}, nil)
	assert.Equal(t, 455, resp.Status)
}

func TestDispatchMethodOutOfSequenceReturns455(t *testing.T) {
	sess := NewSession(44100, 16, 2)
	resp := dispatch("s1", sess, &Request{Method: "RECORD", CSeq: "1", Headers: map[string]string{}}, nil)
	assert.Equal(t, 455, resp.Status)
}

func TestDispatchUnknownMethodReturns501(t *testing.T) {
	sess := NewSession(44100, 16, 2)
	resp := dispatch("s1", sess, &Request{Method: "WOBBLE", CSeq: "1", Headers: map[string]string{}}, nil)
	assert.Equal(t, 501, resp.Status)
}

func TestDispatchTeardownNotifiesHooks(t *testing.T) {
	sess := NewSession(44100, 16, 2)
	hooks := &fakeHooks{}
	resp := dispatch("s1", sess, &Request{Method: "TEARDOWN", CSeq: "1", Headers: map[string]string{}}, hooks)
	assert.Equal(t, 200, resp.Status)
	assert.True(t, hooks.tornDown)
	assert.Equal(t, StateTornDown, sess.Snapshot())
}
