package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostdeck/hostdeck/internal/activity"
	"github.com/hostdeck/hostdeck/internal/client"
	"github.com/hostdeck/hostdeck/internal/config"
	"github.com/hostdeck/hostdeck/internal/executor"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, out.String(), "hostdeck "+Version)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		AuthUser:       "admin",
		AuthPass:       "$2a$12$abcdefghijklmnopqrstuuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ01",
		TokenSecret:    []byte("0123456789abcdef0123456789abcdef"),
		TokenTTL:       time.Hour,
		SudoTimeout:    30 * time.Second,
		HistorySize:    5,
		OperationsFile: filepath.Join(t.TempDir(), "missing.yaml"),
	}
}

func TestNewServerRegistersRunners(t *testing.T) {
	srv, err := newServer(testConfig(t))
	require.NoError(t, err)
	defer srv.shutdown(context.Background())

	types := srv.executor.Types()
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	assert.Equal(t, []activity.Type{activity.TypeBackup, activity.TypeDeployment, activity.TypeModuleChange}, types)
	assert.Equal(t, 30*time.Second, srv.executor.SudoTimeout())
}

func TestShutdownEndsAttachedStreamWithAbort(t *testing.T) {
	srv, err := newServer(testConfig(t))
	require.NoError(t, err)

	hs := httptest.NewServer(srv.router)
	defer hs.Close()

	started := make(chan struct{})
	srv.executor.Register(activity.TypeBackup, executor.RunnerFunc(func(ctx context.Context, op *executor.Operation) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))

	act, err := srv.executor.Start(context.Background(), executor.StartRequest{Type: activity.TypeBackup})
	require.NoError(t, err)
	<-started

	token, _, err := srv.tokens.Issue("admin")
	require.NoError(t, err)
	apiClient, err := client.NewAPI(hs.URL, client.WithToken(token))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handle, err := apiClient.Attach(ctx, act.ID, client.Callbacks{})
	require.NoError(t, err)
	defer handle.Close()

	srv.shutdown(ctx)

	err = handle.Wait(ctx)
	require.Error(t, err)
	assert.True(t, client.IsOperationError(err), "expected operation error, got %v", err)
	assert.Contains(t, err.Error(), "operation aborted")
	assert.Equal(t, client.StateErrored, handle.State())
}

func TestNewServerRejectsShortSecret(t *testing.T) {
	_, err := newServer(&config.Config{TokenSecret: []byte("short"), TokenTTL: time.Hour})
	assert.Error(t, err)
}

func TestMetricsServerServesAndStops(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- serveMetrics(ctx, newMetricsServer(addr)) }()

	var body []byte
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ = io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, string(body), "go_goroutines")

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}
