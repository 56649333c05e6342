package tcptun_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shadowtun/relaycore/config"
	"github.com/shadowtun/relaycore/relay"
	"github.com/shadowtun/relaycore/tcptun"
)

func TestOptionsFromServiceContextAppliesDefaults(t *testing.T) {
	opts := tcptun.OptionsFromServiceContext(nil, nil, relay.ServiceContext{}, config.DefaultTCPConfig(), nil)
	assert.Equal(t, config.DefaultTCPConfig().SendBufferSize, opts.Config.SendBufferSize)
	assert.Equal(t, config.DefaultTCPConfig().RecvBufferSize, opts.Config.RecvBufferSize)
}
