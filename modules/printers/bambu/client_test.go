package bambu

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigTimeouts(t *testing.T) {
	keepAlive, connect, reconnect := Config{}.timeouts()
	assert.Equal(t, 30*time.Second, keepAlive)
	assert.Equal(t, 60*time.Second, connect)
	assert.Equal(t, 5*time.Second, reconnect)

	keepAlive, connect, reconnect = Config{
		KeepAlive:      10 * time.Second,
		ConnectTimeout: 15 * time.Second,
		ReconnectDelay: 20 * time.Second,
	}.timeouts()
	assert.Equal(t, 10*time.Second, keepAlive)
	assert.Equal(t, 15*time.Second, connect)
	assert.Equal(t, 20*time.Second, reconnect)
}
