package cpo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientDeliverNextEvictsNewestWhenFull(t *testing.T) {
	c := newPOClient("alpha", []byte("secret"), false)

	for i := 0; c.enqueue([]byte{byte(i)}); i++ {
	}
	require.Equal(t, clientQueueSize, c.outgoing.Len())

	// A full backlog must not swallow the connect reply; the newest queued
	// frame gives way and the reply is the next write.
	c.deliverNext([]byte("connect-reply"))

	frame := c.nextWrite()
	require.NotNil(t, frame)
	assert.Equal(t, "connect-reply", string(frame))
	c.writeDone(frame)

	frame = c.nextWrite()
	require.NotNil(t, frame)
	assert.Equal(t, []byte{0}, frame)
}

func TestClientDeliverNextRequeuesInFlightWrite(t *testing.T) {
	c := newPOClient("alpha", []byte("secret"), false)
	require.True(t, c.enqueue([]byte("queued")))

	inflight := c.nextWrite()
	require.Equal(t, "queued", string(inflight))

	// The unfinished write is re-queued in full behind the urgent frame.
	c.deliverNext([]byte("connect-reply"))

	assert.Equal(t, "connect-reply", string(c.nextWrite()))
	c.writeDone([]byte("connect-reply"))
	assert.Equal(t, "queued", string(c.nextWrite()))
}
