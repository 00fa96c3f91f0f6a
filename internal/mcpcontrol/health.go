package mcpcontrol

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// healthLoop pings a connected server every server.HealthCheckInterval,
// mirroring original_source's _health_check_loop: on success it resets the
// error count, on failure it increments it, and once error_count reaches
// server.RetryCount it disconnects and reconnects with backoff.
func (m *Manager) healthLoop(ctx context.Context, serverID string) {
	server, ok := m.GetServer(serverID)
	if !ok {
		return
	}

	ticker := time.NewTicker(server.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkOnce(ctx, server)
		}
	}
}

func (m *Manager) checkOnce(ctx context.Context, server *Server) {
	m.mu.RLock()
	c, ok := m.connections[server.ID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	_, err := conn.Ping(pingCtx)
	cancel()

	if err == nil {
		now := time.Now().UTC()
		c.mu.Lock()
		c.lastPing = &now
		recovered := c.errorCount > 0
		c.errorCount = 0
		c.mu.Unlock()
		if recovered {
			m.logger.LogServerConnected(server.ID, string(server.Transport))
		}
		return
	}

	c.mu.Lock()
	c.errorCount++
	c.lastError = err.Error()
	count := c.errorCount
	c.mu.Unlock()
	m.logger.LogHealthCheckFailed(server.ID, count, err.Error())

	if count < server.RetryCount {
		return
	}

	m.reconnectWithBackoff(ctx, server)
}

// reconnectWithBackoff disconnects and retries ConnectServer with an
// exponential backoff: one attempt plus at most server.RetryCount retries, the Go
// analogue of original_source's disconnect-sleep(retry_delay)-reconnect
// sequence, generalized from a fixed delay to real backoff using
// github.com/cenkalti/backoff/v4.
func (m *Manager) reconnectWithBackoff(ctx context.Context, server *Server) {
	m.mu.Lock()
	if c, ok := m.connections[server.ID]; ok {
		c.mu.Lock()
		c.state = StateReconnecting
		c.mu.Unlock()
	}
	m.mu.Unlock()

	m.DisconnectServer(ctx, server.ID)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = server.RetryDelay
	eb.MaxElapsedTime = 0

	attempt := 0
	bounded := backoff.WithMaxRetries(eb, uint64(server.RetryCount))
	operation := func() error {
		attempt++
		m.logger.LogServerReconnecting(server.ID, attempt)
		_, err := m.ConnectServer(ctx, server.ID)
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(bounded, ctx)); err != nil {
		m.logger.LogServerConnectionFailed(server.ID, "reconnect exhausted: "+err.Error())
	}
}
