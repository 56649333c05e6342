package relay_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowtun/relaycore/relay"
)

func TestRoundRobinCyclesServers(t *testing.T) {
	b := relay.NewRoundRobinBalancer([]relay.ServerInfo{
		{Name: "a"}, {Name: "b"}, {Name: "c"},
	})

	var seen []string
	for i := 0; i < 3; i++ {
		s, err := b.BestTCPServer(context.Background())
		require.NoError(t, err)
		seen = append(seen, s.Name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestRoundRobinEmptyFails(t *testing.T) {
	b := relay.NewRoundRobinBalancer(nil)
	_, err := b.BestTCPServer(context.Background())
	assert.ErrorIs(t, err, relay.ErrNoServers)
}

func TestRoundRobinSkipsPenalizedServer(t *testing.T) {
	b := relay.NewRoundRobinBalancer([]relay.ServerInfo{{Name: "a"}, {Name: "b"}})
	b.ReportFailure("a")

	s, err := b.BestTCPServer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", s.Name)
}
