package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultQueryTimeoutUsesMultiplier(t *testing.T) {
	require.Equal(t, 16*200*time.Millisecond, defaultQueryTimeout(0))
	require.Equal(t, 4*200*time.Millisecond, defaultQueryTimeout(4))
}

func TestQueryResponseDeliversAcksAndResponses(t *testing.T) {
	q := newQueryResponse(1, 42)

	q.deliverAck("node1")
	q.deliverResponse(NodeResponse{From: "node1", Payload: []byte("ok")})

	require.Equal(t, "node1", <-q.AckCh())
	r := <-q.ResponseCh()
	require.Equal(t, "node1", r.From)
	require.Equal(t, []byte("ok"), r.Payload)
}

func TestQueryResponseCloseStopsDelivery(t *testing.T) {
	q := newQueryResponse(1, 42)
	require.False(t, q.Finished())

	q.close()
	require.True(t, q.Finished())

	// close is idempotent.
	q.close()

	_, ok := <-q.AckCh()
	require.False(t, ok)
}

func TestMatchesFiltersNodeFilter(t *testing.T) {
	buf, err := encodeFilter(filterNodeType, filterNode{"node1", "node2"})
	require.NoError(t, err)

	require.True(t, matchesFilters(Member{Name: "node1"}, [][]byte{buf}))
	require.False(t, matchesFilters(Member{Name: "node3"}, [][]byte{buf}))
}

func TestMatchesFiltersTagFilter(t *testing.T) {
	buf, err := encodeFilter(filterTagType, filterTag{Tag: "role", Expr: "db.*"})
	require.NoError(t, err)

	match := Member{Name: "node1", Tags: map[string]string{"role": "dbprimary"}}
	noMatch := Member{Name: "node2", Tags: map[string]string{"role": "cache"}}
	missing := Member{Name: "node3", Tags: map[string]string{}}

	require.True(t, matchesFilters(match, [][]byte{buf}))
	require.False(t, matchesFilters(noMatch, [][]byte{buf}))
	require.False(t, matchesFilters(missing, [][]byte{buf}))
}

func TestMatchesFiltersNoFiltersAlwaysMatch(t *testing.T) {
	require.True(t, matchesFilters(Member{Name: "node1"}, nil))
}

func TestQueryEventRespondSizeLimit(t *testing.T) {
	c, _ := testCluster(t)
	limit := c.config.QueryResponseSizeLimit

	q := QueryEvent{
		Name:     "ping",
		deadline: time.Now().Add(time.Minute).UnixNano(),
		c:        c,
	}

	require.NoError(t, q.Respond(make([]byte, limit)))
	require.Error(t, q.Respond(make([]byte, limit+1)))
}

func TestQueryEventRespondAfterDeadline(t *testing.T) {
	c, _ := testCluster(t)
	q := QueryEvent{Name: "ping", deadline: time.Now().Add(-time.Second).UnixNano(), c: c}
	require.Error(t, q.Respond(nil))
}
