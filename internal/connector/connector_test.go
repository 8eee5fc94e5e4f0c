package connector

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

// malformedConninfo is rejected by lib/pq's DSN parser at sql.Open
// time (unterminated quoted value), letting these tests exercise
// Connector's failure paths without touching the network.
const malformedConninfo = "dbname='unterminated"

func TestIsAvailableRejectsMalformedConninfo(t *testing.T) {
	c := New(logrus.New())
	require.False(t, c.IsAvailable(context.Background(), malformedConninfo))
}

func TestConnectRequiredFailureIsReturnedNotPanicked(t *testing.T) {
	c := New(logrus.New())

	_, err := c.Connect(context.Background(), malformedConninfo, true)
	require.Error(t, err)
}

func TestTryReconnectExhaustsAttempts(t *testing.T) {
	logger, hook := test.NewNullLogger()
	c := New(logger)

	start := time.Now()
	sess, status := c.TryReconnect(context.Background(), malformedConninfo, 3, 10*time.Millisecond)
	elapsed := time.Since(start)

	require.Nil(t, sess)
	require.Equal(t, NodeStatusDown, status)
	// 3 attempts, 2 inter-attempt sleeps of 10ms each.
	require.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
	require.Empty(t, hook.Entries, "malformed DSN never becomes reachable so Connect is never attempted")
}

func TestTryReconnectHonorsContextCancellation(t *testing.T) {
	c := New(logrus.New())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sess, status := c.TryReconnect(ctx, malformedConninfo, 5, time.Second)
	require.Nil(t, sess)
	require.Equal(t, NodeStatusDown, status)
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	s := &Session{}
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
