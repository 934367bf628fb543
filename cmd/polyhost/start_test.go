package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/polyhost/internal/config"
	"github.com/mattjoyce/polyhost/internal/dispatch"
	"github.com/mattjoyce/polyhost/internal/dispatch/mocks"
	"github.com/mattjoyce/polyhost/internal/events"
	"github.com/mattjoyce/polyhost/internal/filewatch"
	"github.com/mattjoyce/polyhost/internal/function"
	"github.com/mattjoyce/polyhost/internal/log"
	"github.com/mattjoyce/polyhost/internal/worker"
)

func TestManifestRegistrar(t *testing.T) {
	ctrl := gomock.NewController(t)
	root := t.TempDir()
	runtimes := []config.RuntimeConfig{{Name: "shell", Executable: "sh", Extensions: []string{".sh"}}}
	cfg := &config.Config{Runtimes: runtimes}

	var loaded []string
	newChannel := func(rt config.RuntimeConfig, attempt int) dispatch.Channel {
		ch := mocks.NewMockChannel(ctrl)
		ch.EXPECT().ID().Return("c1").AnyTimes()
		ch.EXPECT().Runtime().Return(rt.Name).AnyTimes()
		ch.EXPECT().State().Return(worker.Initialized).AnyTimes()
		ch.EXPECT().Start(gomock.Any()).Return(nil).AnyTimes()
		ch.EXPECT().Stop().AnyTimes()
		ch.EXPECT().HandleFileChange(gomock.Any()).AnyTimes()
		ch.EXPECT().LoadFunction(gomock.Any()).DoAndReturn(func(fn *function.Descriptor) *worker.LoadFuture {
			loaded = append(loaded, fn.Name)
			return nil
		}).AnyTimes()
		return ch
	}
	workers := config.DefaultWorkers()
	workers.StartupStagger = 0
	disp := dispatch.New(dispatch.Options{Workers: workers, Runtimes: runtimes, NewChannel: newChannel})
	defer disp.Shutdown()

	registry := function.NewRegistry()
	register := manifestRegistrar(cfg, registry, disp, log.WithComponent("test"))

	dir := filepath.Join(root, "hello")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	manifest := filepath.Join(dir, function.ManifestFilename)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.sh"), []byte("echo hi\n"), 0o644))
	require.NoError(t, os.WriteFile(manifest, []byte("name: hello\nscript: main.sh\n"), 0o644))

	// Non-manifest paths and removals are ignored.
	register(events.FileChange{Path: filepath.Join(dir, "main.sh"), Kind: filewatch.KindWrite, At: time.Now()})
	register(events.FileChange{Path: manifest, Kind: filewatch.KindRemove, At: time.Now()})
	assert.Empty(t, registry.All())

	register(events.FileChange{Path: manifest, Kind: filewatch.KindCreate, At: time.Now()})
	fn, ok := registry.Lookup("hello")
	require.True(t, ok)
	got, ok := disp.Function(fn.ID)
	require.True(t, ok)
	assert.Equal(t, "shell", got.Runtime)

	// A second write of the same manifest does not register twice.
	register(events.FileChange{Path: manifest, Kind: filewatch.KindWrite, At: time.Now()})
	assert.Len(t, disp.Functions(), 1)
	assert.Equal(t, []string{"hello"}, loaded)

	require.NoError(t, os.WriteFile(manifest, []byte("name: [broken"), 0o644))
	register(events.FileChange{Path: manifest, Kind: filewatch.KindWrite, At: time.Now()})
	assert.Len(t, disp.Functions(), 1)
}
