package cluster

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	closed bool
	err    error
}

func (f *fakeSession) Close() error {
	f.closed = true
	return f.err
}

func TestNodeInfoClose(t *testing.T) {
	t.Run("releases the held connection", func(t *testing.T) {
		sess := &fakeSession{}
		n := &NodeInfo{NodeID: 1, IsVisible: true, Conn: sess}

		require.NoError(t, n.Close())
		require.True(t, sess.closed)
		require.Nil(t, n.Conn)
		require.False(t, n.IsVisible)
	})

	t.Run("is a no-op without a connection", func(t *testing.T) {
		n := &NodeInfo{NodeID: 1}
		require.NoError(t, n.Close())
	})

	t.Run("propagates a close error", func(t *testing.T) {
		sess := &fakeSession{err: errors.New("boom")}
		n := &NodeInfo{NodeID: 1, Conn: sess}
		require.EqualError(t, n.Close(), "boom")
	})
}

func TestNodeInfoListClose(t *testing.T) {
	s1, s2 := &fakeSession{}, &fakeSession{}
	list := NodeInfoList{
		{NodeID: 1, Conn: s1},
		{NodeID: 2, Conn: s2},
	}

	list.Close()

	require.True(t, s1.closed)
	require.True(t, s2.closed)
}

func TestNodeInfoListVisibleCount(t *testing.T) {
	list := NodeInfoList{
		{NodeID: 1, IsVisible: true},
		{NodeID: 2, IsVisible: false},
		{NodeID: 3, IsVisible: true},
	}

	require.Equal(t, 2, list.VisibleCount())
}

func TestBestCandidate(t *testing.T) {
	self := &NodeInfo{NodeID: 1, LastWALReceiveLSN: 100, Priority: 100}

	t.Run("highest LSN wins", func(t *testing.T) {
		siblings := NodeInfoList{
			{NodeID: 2, LastWALReceiveLSN: 101, Priority: 100},
			{NodeID: 3, LastWALReceiveLSN: 100, Priority: 90},
		}
		require.Equal(t, int64(2), BestCandidate(self, siblings).NodeID)
	})

	t.Run("priority breaks an LSN tie", func(t *testing.T) {
		siblings := NodeInfoList{
			{NodeID: 2, LastWALReceiveLSN: 100, Priority: 80},
		}
		require.Equal(t, self, BestCandidate(self, siblings))
	})

	t.Run("lowest node id breaks a full tie", func(t *testing.T) {
		self := &NodeInfo{NodeID: 5, LastWALReceiveLSN: 100, Priority: 100}
		siblings := NodeInfoList{
			{NodeID: 2, LastWALReceiveLSN: 100, Priority: 100},
		}
		require.Equal(t, int64(2), BestCandidate(self, siblings).NodeID)
	})
}

func TestSanitizeConninfo(t *testing.T) {
	in := "host=10.0.0.1 port=5432 user=repmgr password=s3cr3t dbname=repmgr"
	out := SanitizeConninfo(in)
	require.NotContains(t, out, "s3cr3t")
	require.Contains(t, out, "password=[FILTERED]")
	require.Contains(t, out, "user=repmgr")
}
