package gateway

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/mudvault/mesh/pkg/protocol"
)

// The pump goroutines log while handleAuth rebinds the connection's
// identity; both sides must go through the shared lock.
func TestBindMudConcurrentWithLogging(t *testing.T) {
	c := &Conn{
		ID:     "conn-under-test",
		log:    zerolog.Nop(),
		joined: make(map[string]protocol.Endpoint),
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				log := c.logger()
				log.Debug().Str("state", c.State().String()).Msg("tick")
			}
		}
	}()

	c.bindMud("Alpha")

	close(stop)
	wg.Wait()

	assert.Equal(t, "Alpha", c.Mud())
	assert.Equal(t, stateLive, c.State())
	assert.True(t, c.Authenticated())
}
