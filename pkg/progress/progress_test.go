package progress

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kulogix/webmodeldelivery/pkg/filemap"
)

func multiManifestDoc() *filemap.Document {
	return &filemap.Document{
		Version: filemap.Version,
		Files: map[string]*filemap.FileEntry{
			"config.json":     {Size: 100, CDNFile: "config.json"},
			"model.q4.onnx":   {Size: 4000, CDNFile: "model.q4.onnx"},
			"model.q8.onnx":   {Size: 8000, CDNFile: "model.q8.onnx"},
			"mmproj.f16.gguf": {Size: 2000, CDNFile: "mmproj.f16.gguf"},
		},
		Manifests: map[string]*filemap.ManifestEntry{
			"q4":     {Files: []string{"config.json", "model.q4.onnx"}, Size: 4100},
			"q8":     {Files: []string{"config.json", "model.q8.onnx"}, Size: 8100},
			"mmproj": {Files: []string{"config.json", "mmproj.f16.gguf"}, Size: 2100},
		},
	}
}

func TestExplicitModeSelectsNamedManifest(t *testing.T) {
	tr := New()
	tr.Register("/models/foo", "q8")
	tr.InitFromFilemap("/models/foo", multiManifestDoc())

	snap := tr.Snapshot("/models/foo")
	assert.Equal(t, ModeExplicit, snap.Mode)
	assert.Equal(t, "q8", snap.SelectedManifest)
	assert.EqualValues(t, 8100, snap.TotalBytes)
}

func TestExplicitModeDegradesToFallbackWhenManifestMissing(t *testing.T) {
	tr := New()
	tr.Register("/models/foo", "does-not-exist")
	tr.InitFromFilemap("/models/foo", multiManifestDoc())

	snap := tr.Snapshot("/models/foo")
	assert.Equal(t, ModeFallback, snap.Mode)
	assert.Equal(t, "", snap.SelectedManifest)
	assert.EqualValues(t, 100+4000+8000+2000, snap.TotalBytes)
}

func TestAdaptiveModePicksWidestManifestInitially(t *testing.T) {
	tr := New()
	tr.Register("/models/foo", "")
	tr.InitFromFilemap("/models/foo", multiManifestDoc())

	snap := tr.Snapshot("/models/foo")
	assert.Equal(t, ModeAdaptive, snap.Mode)
	assert.Equal(t, "q8", snap.SelectedManifest)
	assert.ElementsMatch(t, []string{"q4", "q8", "mmproj"}, snap.Candidates)
}

func TestAdaptiveNarrowingPreservesLoadedBytesAndNeverDecreases(t *testing.T) {
	tr := New()
	tr.Register("/models/foo", "")
	tr.InitFromFilemap("/models/foo", multiManifestDoc())

	// accumulate bytes against the initially-widest manifest (q8)
	tr.RecordLoaded("/models/foo", "config.json", 100)
	tr.RecordLoaded("/models/foo", "model.q8.onnx", 3000)

	before := tr.Snapshot("/models/foo")
	assert.EqualValues(t, 3100, before.LoadedBytes)

	// a read for model.q4.onnx narrows candidates to just {q4}
	tr.ObserveRelPath("/models/foo", "model.q4.onnx")

	after := tr.Snapshot("/models/foo")
	assert.Equal(t, "q4", after.SelectedManifest)
	assert.ElementsMatch(t, []string{"q4"}, after.Candidates)
	// loadedBytes must never decrease even though the denominator shrank
	assert.GreaterOrEqual(t, after.LoadedBytes, before.LoadedBytes)
	assert.GreaterOrEqual(t, after.Percent, before.Percent)
}

func TestAdaptiveSharedFileObservationDoesNotNarrow(t *testing.T) {
	tr := New()
	tr.Register("/models/foo", "")
	tr.InitFromFilemap("/models/foo", multiManifestDoc())

	// config.json is shared by every manifest: observing it must not narrow
	tr.ObserveRelPath("/models/foo", "config.json")

	snap := tr.Snapshot("/models/foo")
	assert.ElementsMatch(t, []string{"q4", "q8", "mmproj"}, snap.Candidates)
}

func TestCompleteFinalizesAndEmitsDoneOnce(t *testing.T) {
	tr := New()
	var mu sync.Mutex
	var events []Event
	tr.OnEvent = func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	tr.Register("/models/foo", "q4")
	tr.InitFromFilemap("/models/foo", multiManifestDoc())
	tr.RecordLoaded("/models/foo", "config.json", 100)

	tr.Complete("/models/foo")
	tr.Complete("/models/foo") // second call must be a no-op

	mu.Lock()
	defer mu.Unlock()
	doneCount := 0
	for _, ev := range events {
		if ev.Done {
			doneCount++
		}
	}
	require.Equal(t, 1, doneCount, "exactly one done=true event expected")

	snap := tr.Snapshot("/models/foo")
	assert.True(t, snap.Finalized)
	assert.Equal(t, 100, snap.Percent)
}

func TestPercentNeverDecreasesAcrossRecordedEvents(t *testing.T) {
	tr := New()
	var mu sync.Mutex
	var percents []int
	tr.OnEvent = func(ev Event) {
		mu.Lock()
		percents = append(percents, ev.Percent)
		mu.Unlock()
	}

	tr.Register("/models/foo", "q4")
	tr.InitFromFilemap("/models/foo", multiManifestDoc())

	// the first broadcast goes out immediately (none was sent before), and
	// Complete emits the final one
	tr.RecordLoaded("/models/foo", "config.json", 100)
	tr.Complete("/models/foo")

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(percents); i++ {
		assert.GreaterOrEqual(t, percents[i], percents[i-1])
	}
}

func TestFetchStartCancelsIdleTimerAndFetchEndArmsIt(t *testing.T) {
	tr := New()
	tr.Register("/models/foo", "")
	tr.InitFromFilemap("/models/foo", multiManifestDoc())

	tr.FetchStart("/models/foo")
	st := tr.state("/models/foo")
	st.mu.Lock()
	assert.Equal(t, 1, st.pendingFetches)
	st.mu.Unlock()

	tr.FetchEnd("/models/foo")
	st.mu.Lock()
	assert.Equal(t, 0, st.pendingFetches)
	assert.NotNil(t, st.idleTimer, "idle timer should be armed once fetches reach zero")
	stopTimerLocked(&st.idleTimer)
	st.mu.Unlock()
}
