package assets

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
	"github.com/standardbeagle/crema/internal/document"
	"github.com/standardbeagle/crema/internal/host/hosttest"
	"github.com/standardbeagle/crema/internal/render"
	"github.com/standardbeagle/crema/internal/report"
)

const waitFor = 5 * time.Second
const tick = 10 * time.Millisecond

type fixture struct {
	conn *hosttest.MockConnection
	doc  *document.Document
	orch *render.Orchestrator
	mgr  *Manager
	base string
}

func newFixture(t *testing.T, layersJSON string) *fixture {
	t.Helper()

	dir := t.TempDir()
	docFile := filepath.Join(dir, "poster.psd")
	require.NoError(t, os.WriteFile(docFile, []byte("psd"), 0o644))

	info := fmt.Sprintf(`{"id":1,"file":%q,"saved":true,
		"bounds":{"top":0,"left":0,"bottom":600,"right":800},
		"resolution":72,"count":1,"timestamp":100,"layers":%s}`,
		docFile, layersJSON)
	doc, err := document.FromInfo(json.RawMessage(info), nil)
	require.NoError(t, err)

	conn := hosttest.NewMockConnection()
	orch := render.NewOrchestrator(2, 10*time.Millisecond, nil)
	t.Cleanup(orch.Close)

	cfg := config.Default()
	cfg.Render.DebounceMs = 10

	mgr := NewManager(conn, cfg, doc, orch, nil)
	t.Cleanup(mgr.Stop)

	return &fixture{
		conn: conn,
		doc:  doc,
		orch: orch,
		mgr:  mgr,
		base: filepath.Join(dir, "poster-assets"),
	}
}

func (f *fixture) apply(t *testing.T, raw *document.RawChange) {
	t.Helper()
	_, err := f.doc.ApplyChange(raw)
	require.NoError(t, err)
}

func (f *fixture) assetPath(rel string) string {
	return filepath.Join(f.base, filepath.FromSlash(rel))
}

func (f *fixture) waitForFile(t *testing.T, rel string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := os.Stat(f.assetPath(rel))
		return err == nil
	}, waitFor, tick, "asset %s never appeared", rel)
}

func (f *fixture) waitGone(t *testing.T, rel string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := os.Stat(f.assetPath(rel))
		return os.IsNotExist(err)
	}, waitFor, tick, "asset %s never deleted", rel)
}

func intp(v int) *int       { return &v }
func strp(s string) *string { return &s }

func TestManager_InitRendersAllSpecifiedAssets(t *testing.T) {
	f := newFixture(t, `[
		{"id":10,"type":"layer","name":"logo.png + 2x logo@2x.png",
			"bounds":{"top":0,"left":0,"bottom":64,"right":64}},
		{"id":11,"type":"layer","name":"Background copy",
			"bounds":{"top":0,"left":0,"bottom":600,"right":800}}
	]`)
	require.NoError(t, f.mgr.Start())

	f.waitForFile(t, "logo.png")
	f.waitForFile(t, "logo@2x.png")

	assert.Equal(t, StateRunning, f.mgr.State())
	assert.Equal(t, 2, f.conn.PixmapCalls(), "the plain-text layer renders nothing")
}

func TestManager_RenameDiffsInsteadOfReset(t *testing.T) {
	f := newFixture(t, `[
		{"id":10,"type":"layer","name":"hero.png",
			"bounds":{"top":0,"left":0,"bottom":64,"right":64}}
	]`)
	require.NoError(t, f.mgr.Start())
	f.waitForFile(t, "hero.png")

	firstInfo, err := os.Stat(f.assetPath("hero.png"))
	require.NoError(t, err)
	baseline := f.conn.PixmapCalls()

	f.apply(t, &document.RawChange{
		ID: 1, Count: 2, Timestamp: 101,
		Layers: []document.RawLayerChange{{ID: 10, Name: strp("hero.png + 2x hero@2x.png")}},
	})
	f.waitForFile(t, "hero@2x.png")

	assert.Equal(t, baseline+1, f.conn.PixmapCalls(),
		"only the added spec renders; the retained one is untouched")
	secondInfo, err := os.Stat(f.assetPath("hero.png"))
	require.NoError(t, err)
	assert.Equal(t, firstInfo.ModTime(), secondInfo.ModTime())
}

func TestManager_RemovedSpecDeletesAssetAndPrunesDirs(t *testing.T) {
	f := newFixture(t, `[
		{"id":10,"type":"layer","name":"icons/appicon.png + banner.png",
			"bounds":{"top":0,"left":0,"bottom":64,"right":64}}
	]`)
	require.NoError(t, f.mgr.Start())
	f.waitForFile(t, "icons/appicon.png")
	f.waitForFile(t, "banner.png")

	f.apply(t, &document.RawChange{
		ID: 1, Count: 2, Timestamp: 101,
		Layers: []document.RawLayerChange{{ID: 10, Name: strp("banner.png")}},
	})

	f.waitGone(t, "icons/appicon.png")
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(f.base, "icons"))
		return os.IsNotExist(err)
	}, waitFor, tick, "emptied folder never pruned")
	assert.FileExists(t, f.assetPath("banner.png"))
}

func TestManager_RemovedLayerCleansItsComponents(t *testing.T) {
	f := newFixture(t, `[
		{"id":10,"type":"layer","name":"a.png",
			"bounds":{"top":0,"left":0,"bottom":10,"right":10}},
		{"id":11,"type":"layer","name":"b.png",
			"bounds":{"top":0,"left":0,"bottom":10,"right":10}}
	]`)
	require.NoError(t, f.mgr.Start())
	f.waitForFile(t, "a.png")
	f.waitForFile(t, "b.png")

	f.apply(t, &document.RawChange{
		ID: 1, Count: 2, Timestamp: 101,
		Layers: []document.RawLayerChange{{ID: 10, Removed: true}},
	})

	f.waitGone(t, "a.png")
	assert.FileExists(t, f.assetPath("b.png"))
}

func TestManager_RemovedGroupSweepsDescendants(t *testing.T) {
	f := newFixture(t, `[
		{"id":20,"type":"layerSection","name":"icons","layers":[
			{"id":21,"type":"layer","name":"one.png",
				"bounds":{"top":0,"left":0,"bottom":10,"right":10}}
		]},
		{"id":11,"type":"layer","name":"keep.png",
			"bounds":{"top":0,"left":0,"bottom":10,"right":10}}
	]`)
	require.NoError(t, f.mgr.Start())
	f.waitForFile(t, "one.png")

	f.apply(t, &document.RawChange{
		ID: 1, Count: 2, Timestamp: 101,
		Layers: []document.RawLayerChange{{ID: 20, Removed: true}},
	})

	f.waitGone(t, "one.png")
	assert.FileExists(t, f.assetPath("keep.png"))
}

func TestManager_DefaultsFabricateAndReset(t *testing.T) {
	f := newFixture(t, `[
		{"id":5,"type":"layer","name":"default 50% thumbs/"},
		{"id":10,"type":"layer","name":"logo.png",
			"bounds":{"top":0,"left":0,"bottom":64,"right":64}}
	]`)
	require.NoError(t, f.mgr.Start())

	f.waitForFile(t, "logo.png")
	f.waitForFile(t, "thumbs/logo.png")

	// Retargeting the defaults regenerates every derived asset.
	f.apply(t, &document.RawChange{
		ID: 1, Count: 2, Timestamp: 101,
		Layers: []document.RawLayerChange{{ID: 5, Name: strp("default 25% tiny/")}},
	})

	f.waitForFile(t, "tiny/logo.png")
	f.waitGone(t, "thumbs/logo.png")
	f.waitForFile(t, "logo.png")
}

func TestManager_SecondDefaultsLayerIsAnError(t *testing.T) {
	f := newFixture(t, `[
		{"id":5,"type":"layer","name":"default 50% thumbs/"},
		{"id":6,"type":"layer","name":"default 25% tiny/"},
		{"id":10,"type":"layer","name":"logo.png",
			"bounds":{"top":0,"left":0,"bottom":64,"right":64}}
	]`)
	require.NoError(t, f.mgr.Start())

	f.waitForFile(t, "logo.png")

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(f.base, report.ErrorsFile))
		return err == nil && len(data) > 0
	}, waitFor, tick)
	data, _ := os.ReadFile(filepath.Join(f.base, report.ErrorsFile))
	assert.Contains(t, string(data), "Only one defaults layer is allowed per document.")

	assert.NoFileExists(t, f.assetPath("thumbs/logo.png"),
		"defaults application is suppressed entirely")
	assert.NoFileExists(t, f.assetPath("tiny/logo.png"))
}

func TestManager_ParseErrorsLandInErrorsFile(t *testing.T) {
	f := newFixture(t, `[
		{"id":10,"type":"layer","name":"logo.jpg-400%",
			"bounds":{"top":0,"left":0,"bottom":64,"right":64}}
	]`)
	require.NoError(t, f.mgr.Start())

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(f.base, report.ErrorsFile))
		return err == nil && len(data) > 0
	}, waitFor, tick)

	data, _ := os.ReadFile(filepath.Join(f.base, report.ErrorsFile))
	assert.Contains(t, string(data), `layer "logo.jpg-400%"`)
	assert.Contains(t, string(data), "Quality must be between 1% and 100%")

	// Fixing the name clears the error file.
	f.apply(t, &document.RawChange{
		ID: 1, Count: 2, Timestamp: 101,
		Layers: []document.RawLayerChange{{ID: 10, Name: strp("logo.jpg-80%")}},
	})
	f.waitForFile(t, "logo.jpg")
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(f.base, report.ErrorsFile))
		return os.IsNotExist(err)
	}, waitFor, tick, "errors.txt should disappear once the error set empties")
}

func TestManager_ContentChangeRerendersComponents(t *testing.T) {
	f := newFixture(t, `[
		{"id":10,"type":"layer","name":"logo.png",
			"bounds":{"top":0,"left":0,"bottom":64,"right":64}}
	]`)
	require.NoError(t, f.mgr.Start())
	f.waitForFile(t, "logo.png")
	baseline := f.conn.PixmapCalls()

	f.apply(t, &document.RawChange{
		ID: 1, Count: 2, Timestamp: 101,
		Layers: []document.RawLayerChange{{
			ID:     10,
			Bounds: &document.Rect{Top: 0, Left: 0, Bottom: 128, Right: 128},
		}},
	})

	require.Eventually(t, func() bool {
		return f.conn.PixmapCalls() > baseline
	}, waitFor, tick, "a bounds edit must re-render the layer's assets")
}

func TestManager_DocumentRenameMovesBase(t *testing.T) {
	f := newFixture(t, `[
		{"id":10,"type":"layer","name":"logo.png",
			"bounds":{"top":0,"left":0,"bottom":64,"right":64}}
	]`)
	require.NoError(t, f.mgr.Start())
	f.waitForFile(t, "logo.png")

	newFile := filepath.Join(filepath.Dir(f.base), "renamed.psd")
	f.apply(t, &document.RawChange{
		ID: 1, Count: 2, Timestamp: 101,
		File: strp(newFile),
	})

	newBase := filepath.Join(filepath.Dir(f.base), "renamed-assets")
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(newBase, "logo.png"))
		return err == nil
	}, waitFor, tick, "assets must follow the document rename")
	assert.NoDirExists(t, f.base)
}

func TestManager_GeneratorSettingsChangeTriggersReset(t *testing.T) {
	f := newFixture(t, `[
		{"id":10,"type":"layer","name":"logo.png",
			"bounds":{"top":0,"left":0,"bottom":64,"right":64}}
	]`)
	require.NoError(t, f.mgr.Start())
	f.waitForFile(t, "logo.png")
	baseline := f.conn.PixmapCalls()

	f.apply(t, &document.RawChange{
		ID: 1, Count: 2, Timestamp: 101,
		GeneratorSettings: json.RawMessage(`{"crema":{"defaults":"default 200% big/@2x"}}`),
	})

	f.waitForFile(t, "big/logo@2x.png")
	require.Greater(t, f.conn.PixmapCalls(), baseline)

	// The identical settings blob again is not a reset.
	resetCalls := f.conn.PixmapCalls()
	f.apply(t, &document.RawChange{
		ID: 1, Count: 3, Timestamp: 102,
		GeneratorSettings: json.RawMessage(`{"crema":{"defaults":"default 200% big/@2x"}}`),
	})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, resetCalls, f.conn.PixmapCalls())
}

func TestManager_InvalidMetadataJSONIsIgnored(t *testing.T) {
	f := newFixture(t, `[
		{"id":10,"type":"layer","name":"logo.png",
			"bounds":{"top":0,"left":0,"bottom":64,"right":64}}
	]`)
	require.NoError(t, f.mgr.Start())
	f.waitForFile(t, "logo.png")

	f.apply(t, &document.RawChange{
		ID: 1, Count: 2, Timestamp: 101,
		GeneratorSettings: json.RawMessage(`"not an object"`),
	})

	f.waitForFile(t, "logo.png")
	assert.NoFileExists(t, filepath.Join(f.base, report.ErrorsFile))
}

func TestManager_CompLifecycle(t *testing.T) {
	f := newFixture(t, `[
		{"id":10,"type":"layer","name":"Body"}
	]`)
	require.NoError(t, f.mgr.Start())

	f.apply(t, &document.RawChange{
		ID: 1, Count: 2, Timestamp: 101,
		Comps: map[string]document.RawCompChange{
			"7": {ID: 7, Added: true, Name: strp("mobile.png")},
		},
	})
	f.waitForFile(t, "mobile.png")

	f.apply(t, &document.RawChange{
		ID: 1, Count: 3, Timestamp: 102,
		Comps: map[string]document.RawCompChange{
			"7": {ID: 7, Name: strp("desktop.png")},
		},
	})
	f.waitForFile(t, "desktop.png")
	f.waitGone(t, "mobile.png")

	f.apply(t, &document.RawChange{
		ID: 1, Count: 4, Timestamp: 103,
		Comps: map[string]document.RawCompChange{
			"7": {ID: 7, Removed: true},
		},
	})
	f.waitGone(t, "desktop.png")
}

func TestManager_IdleFiresWhenCaughtUp(t *testing.T) {
	f := newFixture(t, `[
		{"id":10,"type":"layer","name":"logo.png",
			"bounds":{"top":0,"left":0,"bottom":64,"right":64}}
	]`)
	require.NoError(t, f.mgr.Start())

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.mgr.WaitForIdle(ctx))
	assert.FileExists(t, f.assetPath("logo.png"))
	assert.Zero(t, f.orch.PendingCount(1))
}

func TestManager_StopCancelsOutstandingRenders(t *testing.T) {
	f := newFixture(t, `[
		{"id":10,"type":"layer","name":"slow.png",
			"bounds":{"top":0,"left":0,"bottom":64,"right":64}}
	]`)
	f.conn.RenderGate = make(chan struct{})

	require.NoError(t, f.mgr.Start())
	require.Eventually(t, func() bool {
		return f.orch.PendingCount(1) > 0
	}, waitFor, tick)

	f.mgr.Stop()
	assert.Equal(t, StateInactive, f.mgr.State())
	assert.Zero(t, f.orch.PendingCount(1))
	assert.NoFileExists(t, f.assetPath("slow.png"))

	stats := f.mgr.StatsSnapshot()
	assert.Equal(t, 1, stats.RendersCancelled)
}

func TestManager_PathTooLongSuppressesRender(t *testing.T) {
	f := newFixture(t, `[
		{"id":10,"type":"layer","name":"logo.png",
			"bounds":{"top":0,"left":0,"bottom":64,"right":64}}
	]`)
	require.NoError(t, f.mgr.Start())
	f.waitForFile(t, "logo.png")

	long := "folder/" + stringsRepeat("a", 250) + ".png"
	f.apply(t, &document.RawChange{
		ID: 1, Count: 2, Timestamp: 101,
		Layers: []document.RawLayerChange{{ID: 10, Name: strp("logo.png + " + long)}},
	})

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(f.base, report.ErrorsFile))
		return err == nil && len(data) > 0
	}, waitFor, tick)
	data, _ := os.ReadFile(filepath.Join(f.base, report.ErrorsFile))
	assert.Contains(t, string(data), "Asset path is too long")
	assert.NoDirExists(t, filepath.Join(f.base, "folder"))
}

func stringsRepeat(s string, n int) string {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
