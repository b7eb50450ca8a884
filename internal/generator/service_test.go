package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/crema/internal/config"
	"github.com/standardbeagle/crema/internal/host"
	"github.com/standardbeagle/crema/internal/host/hosttest"
)

func startService(t *testing.T) (*Service, *hosttest.MockConnection, string, context.CancelFunc) {
	t.Helper()

	dir := t.TempDir()
	docFile := filepath.Join(dir, "poster.psd")
	require.NoError(t, os.WriteFile(docFile, []byte("psd"), 0o644))

	conn := hosttest.NewMockConnection()
	conn.Infos[1] = json.RawMessage(fmt.Sprintf(`{
		"id":1,"file":%q,"saved":true,
		"bounds":{"top":0,"left":0,"bottom":600,"right":800},
		"resolution":72,"count":1,"timestamp":100,
		"layers":[{"id":10,"type":"layer","name":"logo.png",
			"bounds":{"top":0,"left":0,"bottom":64,"right":64}}]
	}`, docFile))

	cfg := config.Default()
	cfg.Render.DebounceMs = 10

	svc := NewService(conn, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("service did not shut down")
		}
	})

	return svc, conn, filepath.Join(dir, "poster-assets"), cancel
}

func TestService_OpensDocumentOnFirstChange(t *testing.T) {
	svc, conn, base, _ := startService(t)

	conn.Emit(host.Event{Type: host.EventChange, DocumentID: 1})

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(base, "logo.png"))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	require.NotNil(t, svc.Manager(1))
}

func TestService_AppliesChangeRecords(t *testing.T) {
	_, conn, base, _ := startService(t)

	conn.Emit(host.Event{Type: host.EventChange, DocumentID: 1})
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(base, "logo.png"))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	conn.Emit(host.Event{
		Type:       host.EventChange,
		DocumentID: 1,
		Body: json.RawMessage(`{"id":1,"count":2,"timestamp":101,
			"layers":[{"id":10,"name":"logo.png + 2x logo@2x.png"}]}`),
	})

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(base, "logo@2x.png"))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestService_DocumentClosedStopsManager(t *testing.T) {
	svc, conn, base, _ := startService(t)

	conn.Emit(host.Event{Type: host.EventChange, DocumentID: 1})
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(base, "logo.png"))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	conn.Emit(host.Event{Type: host.EventDocumentClosed, DocumentID: 1})
	require.Eventually(t, func() bool {
		return svc.Manager(1) == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestService_UnknownDocumentIsAnError(t *testing.T) {
	svc, conn, _, _ := startService(t)

	conn.Emit(host.Event{Type: host.EventChange, DocumentID: 99})
	time.Sleep(50 * time.Millisecond)
	assert.Nil(t, svc.Manager(99))
}
