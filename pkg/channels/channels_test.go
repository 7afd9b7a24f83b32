package channels

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn records everything sent to it.
type fakeConn struct {
	id      uint64
	mu      sync.Mutex
	open    bool
	sendErr error
	got     [][]byte
}

func newFakeConn(id uint64) *fakeConn {
	return &fakeConn{id: id, open: true}
}

func (c *fakeConn) ID() uint64 { return c.id }

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.got = append(c.got, payload)
	return nil
}

func (c *fakeConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeConn) close() {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
}

func (c *fakeConn) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := make([]string, 0, len(c.got))
	for _, p := range c.got {
		msgs = append(msgs, string(p))
	}
	return msgs
}

func newTestRegistry(opts ...Option) *Registry {
	log := logrus.New()
	log.Out = io.Discard
	return NewRegistry(log, opts...)
}

func TestSenderDoesNotReceiveOwnMessage(t *testing.T) {
	reg := newTestRegistry()
	s := newFakeConn(1)
	a := newFakeConn(2)

	require.NoError(t, reg.RouteMessage(a, []byte(`{"channel":"c"}`)))
	require.NoError(t, reg.RouteMessage(s, []byte(`{"channel":"c","n":1}`)))
	require.NoError(t, reg.RouteMessage(s, []byte(`{"channel":"c","n":2}`)))

	assert.Empty(t, s.received())
	assert.Equal(t, []string{`{"channel":"c","n":1}`, `{"channel":"c","n":2}`}, a.received())
}

func TestFanOutReachesEveryOtherMemberOnce(t *testing.T) {
	reg := newTestRegistry()
	s, a, b := newFakeConn(1), newFakeConn(2), newFakeConn(3)
	for _, c := range []*fakeConn{s, a, b} {
		require.NoError(t, reg.RouteMessage(c, []byte(`{"channel":"room","type":"join"}`)))
	}
	s.got, a.got, b.got = nil, nil, nil

	msg := `{"channel":"room", "type":"offer", "sdp":"v=0\r\n"}`
	require.NoError(t, reg.RouteMessage(s, []byte(msg)))

	assert.Equal(t, []string{msg}, a.received())
	assert.Equal(t, []string{msg}, b.received())
	assert.Empty(t, s.received())
}

func TestSilentConnectionIsNotAMember(t *testing.T) {
	reg := newTestRegistry()
	s := newFakeConn(1)
	listener := newFakeConn(2)

	require.NoError(t, reg.RouteMessage(s, []byte(`{"channel":"c"}`)))

	assert.Empty(t, listener.received())
	assert.Equal(t, []uint64{1}, reg.Members("c"))
}

func TestDisconnectRemovesMemberAndEmptyChannels(t *testing.T) {
	reg := newTestRegistry()
	x, y := newFakeConn(1), newFakeConn(2)

	require.NoError(t, reg.RouteMessage(x, []byte(`{"channel":"shared"}`)))
	require.NoError(t, reg.RouteMessage(x, []byte(`{"channel":"solo"}`)))
	require.NoError(t, reg.RouteMessage(y, []byte(`{"channel":"shared"}`)))
	assert.Equal(t, []string{"shared", "solo"}, reg.Channels())

	x.close()
	reg.Disconnect(x)

	assert.Equal(t, []string{"shared"}, reg.Channels())
	assert.Equal(t, []uint64{2}, reg.Members("shared"))
	assert.Empty(t, reg.Members("solo"))

	reg.Disconnect(y)
	assert.Empty(t, reg.Channels())

	// A fresh connection recreating the channel finds no stale recipients.
	z := newFakeConn(3)
	require.NoError(t, reg.RouteMessage(z, []byte(`{"channel":"shared"}`)))
	assert.Equal(t, []uint64{3}, reg.Members("shared"))
	assert.Equal(t, 1, reg.Stats().NumMembers)
}

func TestDisconnectUnknownConnection(t *testing.T) {
	reg := newTestRegistry()
	a := newFakeConn(1)
	require.NoError(t, reg.RouteMessage(a, []byte(`{"channel":"c"}`)))

	reg.Disconnect(newFakeConn(99))

	assert.Equal(t, []string{"c"}, reg.Channels())
	assert.Equal(t, []uint64{1}, reg.Members("c"))
}

func TestJoinIsIdempotent(t *testing.T) {
	reg := newTestRegistry()
	a, b := newFakeConn(1), newFakeConn(2)

	require.NoError(t, reg.RouteMessage(a, []byte(`{"channel":"c","n":1}`)))
	require.NoError(t, reg.RouteMessage(a, []byte(`{"channel":"c","n":2}`)))
	assert.Equal(t, []uint64{1}, reg.Members("c"))

	require.NoError(t, reg.RouteMessage(b, []byte(`{"channel":"c","n":3}`)))
	assert.Equal(t, []string{`{"channel":"c","n":3}`}, a.received())
	assert.Equal(t, 2, reg.Stats().NumMembers)
}

func TestClosedMemberIsSkipped(t *testing.T) {
	reg := newTestRegistry()
	s, closed, open := newFakeConn(1), newFakeConn(2), newFakeConn(3)
	for _, c := range []*fakeConn{closed, open, s} {
		require.NoError(t, reg.RouteMessage(c, []byte(`{"channel":"c"}`)))
	}
	closed.got, open.got = nil, nil
	closed.close()

	require.NoError(t, reg.RouteMessage(s, []byte(`{"channel":"c","x":1}`)))

	assert.Empty(t, closed.received())
	assert.Equal(t, []string{`{"channel":"c","x":1}`}, open.received())
}

func TestSendFailureDoesNotAbortFanOut(t *testing.T) {
	reg := newTestRegistry()
	s, broken, ok1, ok2 := newFakeConn(1), newFakeConn(2), newFakeConn(3), newFakeConn(4)
	for _, c := range []*fakeConn{broken, ok1, ok2} {
		require.NoError(t, reg.RouteMessage(c, []byte(`{"channel":"c"}`)))
	}
	ok1.got, ok2.got = nil, nil
	broken.sendErr = errors.New("queue full")

	require.NoError(t, reg.RouteMessage(s, []byte(`{"channel":"c"}`)))

	assert.Len(t, ok1.received(), 1)
	assert.Len(t, ok2.received(), 1)
	assert.Equal(t, uint64(1), reg.Stats().SendFailures)
}

func TestChannelsAreIsolated(t *testing.T) {
	reg := newTestRegistry()
	a, b, s := newFakeConn(1), newFakeConn(2), newFakeConn(3)
	require.NoError(t, reg.RouteMessage(a, []byte(`{"channel":"A"}`)))
	require.NoError(t, reg.RouteMessage(b, []byte(`{"channel":"B"}`)))

	require.NoError(t, reg.RouteMessage(s, []byte(`{"channel":"A","for":"A"}`)))

	assert.Equal(t, []string{`{"channel":"A","for":"A"}`}, a.received())
	assert.Empty(t, b.received())
}

func TestHelloOfferScenario(t *testing.T) {
	reg := newTestRegistry()
	x, y := newFakeConn(1), newFakeConn(2)

	require.NoError(t, reg.RouteMessage(x, []byte(`{"channel":"room1","type":"hello"}`)))
	assert.Empty(t, y.received())
	assert.Empty(t, x.received())

	require.NoError(t, reg.RouteMessage(y, []byte(`{"channel":"room1","type":"offer"}`)))
	assert.Equal(t, []string{`{"channel":"room1","type":"offer"}`}, x.received())
	assert.Empty(t, y.received())
}

func TestMalformedMessageIsDropped(t *testing.T) {
	reg := newTestRegistry()
	a, s := newFakeConn(1), newFakeConn(2)
	require.NoError(t, reg.RouteMessage(a, []byte(`{"channel":"c"}`)))

	payloads := []string{
		``,
		`not json`,
		`[1,2]`,
		`{"type":"offer"}`,
		`{"channel":null}`,
		`{"channel":7}`,
		`{"Channel":"c"}`,
		`{"CHANNEL":"c"}`,
		"{\"channel\":\"c\",\"sdp\":\"\xff\xfe\"}",
	}
	for _, raw := range payloads {
		err := reg.RouteMessage(s, []byte(raw))
		var malformed *MalformedMessageError
		assert.True(t, errors.As(err, &malformed), "payload %q: got %v", raw, err)
	}

	assert.Empty(t, a.received())
	assert.Equal(t, []string{"c"}, reg.Channels())
	assert.Equal(t, []uint64{1}, reg.Members("c"))
	assert.Equal(t, uint64(len(payloads)), reg.Stats().Malformed)
}

func TestEmptyChannelNameRelays(t *testing.T) {
	reg := newTestRegistry()
	a, b := newFakeConn(1), newFakeConn(2)

	require.NoError(t, reg.RouteMessage(a, []byte(`{"channel":""}`)))
	require.NoError(t, reg.RouteMessage(b, []byte(`{"channel":"","type":"offer"}`)))

	assert.Equal(t, []string{`{"channel":"","type":"offer"}`}, a.received())
	assert.Empty(t, b.received())
	assert.Equal(t, []string{""}, reg.Channels())
	assert.Equal(t, []uint64{1, 2}, reg.Members(""))
}

type countingRecorder struct {
	channels, members                        int
	routed, delivered, malformed, sendFailed int
}

func (r *countingRecorder) ChannelsChanged(n int) { r.channels = n }
func (r *countingRecorder) MembersChanged(n int)  { r.members = n }
func (r *countingRecorder) MessageRouted()        { r.routed++ }
func (r *countingRecorder) Delivered()            { r.delivered++ }
func (r *countingRecorder) Malformed()            { r.malformed++ }
func (r *countingRecorder) SendFailed()           { r.sendFailed++ }

func TestRecorderAndStats(t *testing.T) {
	rec := &countingRecorder{}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	reg := newTestRegistry(WithRecorder(rec), WithClock(func() time.Time { return now }))

	a, b := newFakeConn(1), newFakeConn(2)
	now = start.Add(time.Minute)
	require.NoError(t, reg.RouteMessage(a, []byte(`{"channel":"c1"}`)))
	require.NoError(t, reg.RouteMessage(b, []byte(`{"channel":"c1"}`)))
	now = start.Add(2 * time.Minute)
	require.NoError(t, reg.RouteMessage(b, []byte(`{"channel":"c2"}`)))
	assert.Error(t, reg.RouteMessage(b, []byte(`{}`)))

	assert.Equal(t, 2, rec.channels)
	assert.Equal(t, 3, rec.members)
	assert.Equal(t, 3, rec.routed)
	assert.Equal(t, 1, rec.delivered)
	assert.Equal(t, 1, rec.malformed)

	now = start.Add(time.Hour)
	reg.Disconnect(b)
	assert.Equal(t, 1, rec.channels)
	assert.Equal(t, 1, rec.members)

	stats := reg.Stats()
	assert.Equal(t, time.Hour, stats.Uptime)
	assert.Equal(t, 1, stats.NumChannels)
	assert.Equal(t, 2, stats.MaxChannels)
	assert.Equal(t, start.Add(2*time.Minute), stats.MaxChannelsTime)
	assert.Equal(t, 1, stats.NumMembers)
	assert.Equal(t, 3, stats.MaxMembers)
	assert.Equal(t, uint64(3), stats.MessagesRouted)
	assert.Equal(t, uint64(1), stats.Deliveries)
}

func TestConcurrentRouteAndDisconnect(t *testing.T) {
	reg := newTestRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			c := newFakeConn(id)
			for j := 0; j < 20; j++ {
				_ = reg.RouteMessage(c, []byte(`{"channel":"busy"}`))
			}
			c.close()
			reg.Disconnect(c)
		}(uint64(i))
	}
	wg.Wait()

	assert.Empty(t, reg.Channels())
	assert.Equal(t, 0, reg.Stats().NumMembers)
}
