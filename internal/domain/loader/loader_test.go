package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/w200024212/pebbleos-sub001/internal/domain/memory"
	"github.com/w200024212/pebbleos-sub001/internal/domain/process"
	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func newTestLoader() (*Loader, *EntryTable) {
	entries := NewEntryTable()
	return New(entries, memory.DefaultAppLayouts(), zap.NewNop()), entries
}

func programSegment(a *memory.Arena) memory.Segment {
	seg := a.Segment()
	return seg
}

func flashEntry(binary string) types.InstallEntry {
	return types.InstallEntry{
		ID:     3,
		UUID:   "3d1a6c9e-5f44-4a0b-8d6e-1f2a3b4c5d6e",
		Name:   "Weather",
		SDK:    types.SDK3,
		Binary: binary,
		Entry:  "weather_main",
	}
}

func TestLoadSystemApp(t *testing.T) {
	l, _ := newTestLoader()
	arena := memory.NewArena("app", 0x1000, 4096)
	main := func(context.Context, *process.Runtime) {}

	res, err := l.Load(context.Background(), &process.SystemMetadata{ID: -1, AppName: "Launcher", Main: main, CodeSize: 512}, types.KindApp, arena, programSegment(arena))
	require.NoError(t, err)
	assert.NotNil(t, res.Entry)
	assert.Equal(t, uintptr(512), res.ImageSize)

	_, err = l.Load(context.Background(), &process.SystemMetadata{ID: -1, AppName: "Huge", Main: main, CodeSize: 8192}, types.KindApp, arena, programSegment(arena))
	assert.True(t, errors.Is(err, process.ErrInsufficientRAM))

	_, err = l.Load(context.Background(), &process.SystemMetadata{ID: -1, AppName: "Empty"}, types.KindApp, arena, programSegment(arena))
	assert.True(t, errors.Is(err, process.ErrBadCodeBank))
}

func TestLoadFlashAppCopiesImage(t *testing.T) {
	l, entries := newTestLoader()
	entries.Register("weather_main", func(context.Context, *process.Runtime) {})
	arena := memory.NewArena("app", 0x1000, 4096)
	image := []byte{0xCA, 0xFE, 0xBA, 0xBE, 0x01, 0x02}

	entry := flashEntry(writeFile(t, "weather.bin", image))
	entry.BSSSize = 64
	md := process.NewFlashMetadata(entry, nil)

	dest := programSegment(arena)
	res, err := l.Load(context.Background(), md, types.KindApp, arena, dest)
	require.NoError(t, err)
	assert.Equal(t, uintptr(len(image)+64), res.ImageSize)
	assert.Equal(t, image, arena.Bytes(memory.Segment{Start: dest.Start, End: dest.Start + uintptr(len(image))}))
}

func TestLoadFlashAppFailures(t *testing.T) {
	l, entries := newTestLoader()
	entries.Register("weather_main", func(context.Context, *process.Runtime) {})
	arena := memory.NewArena("app", 0x1000, 64)
	binary := writeFile(t, "weather.bin", []byte{1, 2, 3, 4})

	tests := []struct {
		name   string
		mutate func(*types.InstallEntry)
		kind   types.ProcessKind
		want   error
	}{
		{"missing binary", func(e *types.InstallEntry) { e.Binary = filepath.Join(t.TempDir(), "gone.bin") }, types.KindApp, process.ErrMissingBinary},
		{"no binary path", func(e *types.InstallEntry) { e.Binary = "" }, types.KindApp, process.ErrMissingBinary},
		{"unknown sdk", func(e *types.InstallEntry) { e.SDK = types.SDKUnknown }, types.KindApp, process.ErrIncompatibleSDK},
		{"unknown symbol", func(e *types.InstallEntry) { e.Entry = "nope" }, types.KindApp, process.ErrBadCodeBank},
		{"bss too large", func(e *types.InstallEntry) { e.BSSSize = 4096 }, types.KindApp, process.ErrInsufficientRAM},
		{"wrong slot", func(e *types.InstallEntry) {}, types.KindWorker, process.ErrBadCodeBank},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := flashEntry(binary)
			tt.mutate(&entry)
			_, err := l.Load(context.Background(), process.NewFlashMetadata(entry, nil), tt.kind, arena, programSegment(arena))
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestLoadRockyRejectsBadScript(t *testing.T) {
	l, _ := newTestLoader()
	arena := memory.NewArena("app", 0x1000, 4096)

	entry := flashEntry(writeFile(t, "face.js", []byte("rocky.on('minutechange', function( {")))
	entry.SDK = types.SDKRocky
	md := &process.RockyMetadata{FlashMetadata: process.NewFlashMetadata(entry, nil)}

	_, err := l.Load(context.Background(), md, types.KindApp, arena, programSegment(arena))
	assert.True(t, errors.Is(err, process.ErrBadCodeBank))
}

type chanPoster chan types.Event

func (p chanPoster) Post(ctx context.Context, ev types.Event) error {
	select {
	case p <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestRockyScriptHandlesButtonAndExits(t *testing.T) {
	l, _ := newTestLoader()
	arena := memory.NewArena("app", 0x1000, 4096)

	script := `
		var presses = 0;
		rocky.on('button', function (ev) {
			presses++;
			console.log('button', ev.button, presses);
			if (presses === 2) { rocky.exit(); }
		});
	`
	entry := flashEntry(writeFile(t, "face.js", []byte(script)))
	entry.SDK = types.SDKRocky
	md := &process.RockyMetadata{FlashMetadata: process.NewFlashMetadata(entry, nil)}

	res, err := l.Load(context.Background(), md, types.KindApp, arena, programSegment(arena))
	require.NoError(t, err)
	assert.Equal(t, uintptr(len(script)), res.ImageSize)

	poster := make(chanPoster, 8)
	queue := process.NewEventQueue(4)
	task := process.NewSimTask(process.TaskSpec{
		ID:    5,
		Name:  "app:face",
		Entry: res.Entry,
		Env: process.RuntimeEnv{
			Kind:   types.KindApp,
			Queue:  queue,
			Poster: poster,
			Subs:   process.NewSubscriptions(),
		},
	})
	task.Start()
	defer task.Destroy()

	require.True(t, queue.TrySend(types.ProcessEvent{Type: types.ProcessEventButton, Button: types.ButtonSelect}))
	require.True(t, queue.TrySend(types.ProcessEvent{Type: types.ProcessEventButton, Button: types.ButtonUp}))

	var got []types.EventType
	for len(got) < 2 {
		select {
		case ev := <-poster:
			got = append(got, ev.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.Equal(t, []types.EventType{types.EventExitReason, types.EventProcessExit}, got)
}

func TestRockyScriptErrorCrashesProcess(t *testing.T) {
	program, err := CompileScript("boom.js", "throw new Error('boom')")
	require.NoError(t, err)

	poster := make(chanPoster, 4)
	task := process.NewSimTask(process.TaskSpec{
		ID:    6,
		Entry: RockyEntry(program),
		Env: process.RuntimeEnv{
			Kind:   types.KindApp,
			Queue:  process.NewEventQueue(1),
			Poster: poster,
		},
	})
	task.Start()
	defer task.Destroy()

	select {
	case ev := <-poster:
		assert.Equal(t, types.EventKill, ev.Type)
		assert.False(t, ev.Gracefully)
	case <-time.After(2 * time.Second):
		t.Fatal("crash not reported")
	}
}

func TestResourcesValidate(t *testing.T) {
	bank := writeFile(t, "res.pbpack", []byte("resource bank contents"))
	sum, err := Checksum(bank)
	require.NoError(t, err)

	r := NewResources(zap.NewNop())

	entry := flashEntry("")
	entry.Resources = bank
	entry.ResourceChecksum = sum
	assert.NoError(t, r.Validate(context.Background(), process.NewFlashMetadata(entry, nil)))

	entry.ResourceChecksum = sum + 1
	err = r.Validate(context.Background(), process.NewFlashMetadata(entry, nil))
	assert.True(t, errors.Is(err, process.ErrResourceChecksum))

	entry.Resources = filepath.Join(t.TempDir(), "missing.pbpack")
	err = r.Validate(context.Background(), process.NewFlashMetadata(entry, nil))
	assert.True(t, errors.Is(err, process.ErrResourceChecksum))

	assert.NoError(t, r.Validate(context.Background(), &process.SystemMetadata{ID: -1}))
}
