package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/aeolun/crosschat/pkg/protocol"
)

func TestCorrelatorNumbersStartAtOne(t *testing.T) {
	c := newCorrelator()
	number, _ := c.register()
	assert.Equal(t, uint32(1), number)
	number, _ = c.register()
	assert.Equal(t, uint32(2), number)
}

func TestCorrelatorSkipsReservedNumbers(t *testing.T) {
	c := newCorrelator()
	c.next = protocol.LivenessProbeNumber

	number, _ := c.register()
	assert.Equal(t, protocol.LivenessProbeNumber+1, number)

	c.next = 0
	number = c.allocate()
	assert.Equal(t, uint32(1), number)
}

func TestCorrelatorNumbersStrictlyIncrease(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := newCorrelator()
		c.next = rapid.Uint32Range(1, protocol.LivenessProbeNumber+5).Draw(t, "start")

		var last uint32
		for i := 0; i < 20; i++ {
			var number uint32
			if rapid.Bool().Draw(t, "waiter") {
				number, _ = c.register()
			} else {
				number = c.allocate()
			}
			assert.NotEqual(t, protocol.PushNumber, number)
			assert.NotEqual(t, protocol.LivenessProbeNumber, number)
			if i > 0 {
				assert.Greater(t, number, last)
			}
			last = number
		}
	})
}

func TestCorrelatorResolveDeliversOnce(t *testing.T) {
	c := newCorrelator()
	number, ch := c.register()

	resp := protocol.Response{Number: number, Kind: protocol.VersionResponse{Version: 2}}
	assert.True(t, c.resolve(resp))
	// Duplicate numbers deliver at most once.
	assert.False(t, c.resolve(resp))

	got := <-ch
	assert.Equal(t, resp, got)
}

func TestCorrelatorResolveUnknownNumber(t *testing.T) {
	c := newCorrelator()
	assert.False(t, c.resolve(protocol.Response{Number: 99, Kind: protocol.PingResponse{}}))
}

func TestCorrelatorCancel(t *testing.T) {
	c := newCorrelator()
	number, _ := c.register()
	require.Equal(t, 1, c.pending())

	c.cancel(number)
	assert.Equal(t, 0, c.pending())
	assert.False(t, c.resolve(protocol.Response{Number: number}))
}

func TestCorrelatorResetFailsWaitersAndRestartsNumbering(t *testing.T) {
	c := newCorrelator()
	_, ch1 := c.register()
	_, ch2 := c.register()

	c.reset()

	// Waiter channels close so blocked callers fail instead of hanging.
	_, ok := <-ch1
	assert.False(t, ok)
	_, ok = <-ch2
	assert.False(t, ok)
	assert.Equal(t, 0, c.pending())

	// Numbering restarts.
	number, _ := c.register()
	assert.Equal(t, uint32(1), number)
}
