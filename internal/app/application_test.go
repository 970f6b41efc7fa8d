package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/api"
	"chatrelay/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "app.db")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = freePort(t)
	return cfg
}

func freePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())
	return port
}

func TestNewApplication_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Messaging.RateLimit = 0

	_, err := NewApplication(cfg, logs.GetLoggerFromLevel(slog.LevelDebug))
	require.Error(t, err)
}

func TestApplication_StartAndStop(t *testing.T) {
	cfg := testConfig(t)
	application, err := NewApplication(cfg, logs.GetLoggerFromLevel(slog.LevelDebug))
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("127.0.0.1:%d", cfg.HTTP.Port), application.Addr())
	assert.Equal(t, cfg.HTTP.ShutdownTimeout, application.ShutdownTimeout())

	require.NoError(t, application.Start(context.Background()))

	var health api.HealthResponse
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + application.Addr() + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK && json.NewDecoder(resp.Body).Decode(&health) == nil
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 0, application.Registry().Count())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, application.Stop(ctx))

	select {
	case err := <-application.Errors():
		t.Fatalf("unexpected server error: %v", err)
	default:
	}
}

func TestApplication_StartFailsOnBusyPort(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	cfg := testConfig(t)
	cfg.HTTP.Port = listener.Addr().(*net.TCPAddr).Port
	application, err := NewApplication(cfg, logs.GetLoggerFromLevel(slog.LevelDebug))
	require.NoError(t, err)

	require.Error(t, application.Start(context.Background()))
	require.NoError(t, application.Store().Close())
}
