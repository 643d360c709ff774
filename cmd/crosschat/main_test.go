package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aeolun/crosschat/pkg/client"
)

func TestStateNoticeQuietBeforeFirstConnect(t *testing.T) {
	connected := false
	var line string

	// Backoff cycles before any session: nothing to report.
	for i := 0; i < 3; i++ {
		line, connected = stateNotice(connected, client.StateEvent{State: client.StateConnecting})
		assert.Empty(t, line)
		line, connected = stateNotice(connected, client.StateEvent{
			State: client.StateDisconnected,
			Err:   errors.New("connection refused"),
		})
		assert.Empty(t, line)
		assert.False(t, connected)
	}

	line, connected = stateNotice(connected, client.StateEvent{State: client.StateConnected})
	assert.Equal(t, "* connected", line)
	assert.True(t, connected)

	// The first drop after a session is announced.
	line, connected = stateNotice(connected, client.StateEvent{State: client.StateDisconnected})
	assert.Equal(t, "* disconnected, reconnecting", line)
	assert.False(t, connected)

	// Further backoff cycles stay quiet until the next session.
	line, connected = stateNotice(connected, client.StateEvent{State: client.StateDisconnected})
	assert.Empty(t, line)
	assert.False(t, connected)
}
