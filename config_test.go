package mssql

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigConnectTimeoutDefault(t *testing.T) {
	c := &Config{}
	assert.Equal(t, 15*time.Second, c.connectTimeout())

	c.ConnectTimeout = 3 * time.Second
	assert.Equal(t, 3*time.Second, c.connectTimeout())
}

func TestConfigLoginTimeoutDefault(t *testing.T) {
	c := &Config{}
	assert.Equal(t, 30*time.Second, c.loginTimeout())

	c.LoginTimeout = time.Second
	assert.Equal(t, time.Second, c.loginTimeout())
}

func TestConfigPacketSizeDefault(t *testing.T) {
	c := &Config{}
	assert.Equal(t, defaultPacketSize, c.packetSize())

	c.PacketSize = 4096
	assert.Equal(t, 4096, c.packetSize())
}

func TestConfigLoggerDefault(t *testing.T) {
	c := &Config{}
	assert.Same(t, defaultLogger, c.logger())

	custom := &LogrusLogger{}
	c.Logger = custom
	assert.Same(t, custom, c.logger())
}

func TestConfigTransientErrorsDefault(t *testing.T) {
	c := &Config{}
	assert.Equal(t, defaultTransientErrors(), c.transientErrors())

	custom := map[int32]bool{999: true}
	c.TransientErrors = custom
	got := c.transientErrors()
	assert.True(t, got[999])
	assert.False(t, got[ErrDeadlockVictim])
}
