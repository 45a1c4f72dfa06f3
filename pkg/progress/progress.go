// Package progress implements the adaptive, manifest-scoped progress state
// machine (§4.G): per-source byte accounting that narrows its denominator as
// a manifest becomes apparent from observed reads, reports monotonically,
// and finalizes itself after a period of inactivity or an explicit signal.
package progress

import (
	"sync"
	"time"

	"github.com/kulogix/webmodeldelivery/pkg/filemap"
)

// Mode is the progress state machine's current denominator strategy.
type Mode int

const (
	ModeUninitialized Mode = iota
	ModeExplicit
	ModeAdaptive
	ModeFallback
)

func (m Mode) String() string {
	switch m {
	case ModeExplicit:
		return "explicit"
	case ModeAdaptive:
		return "adaptive"
	case ModeFallback:
		return "fallback"
	default:
		return "uninitialized"
	}
}

// BroadcastInterval caps emission frequency per source.
const BroadcastInterval = 250 * time.Millisecond

// IdleFinalizeDelay is how long a source sits with zero pending fetches
// before the state machine finalizes it on its own.
const IdleFinalizeDelay = 2 * time.Second

// Event is one progress tick, shaped for the resolver control surface's
// "progress" message (§6.3).
type Event struct {
	SourcePrefix     string
	LastFile         string
	LoadedBytes      int64
	TotalBytes       int64
	Percent          int
	Done             bool
	Mode             Mode
	SelectedManifest string
}

// Snapshot is a point-in-time read of a source's state, for the control
// surface's "status" introspection message.
type Snapshot struct {
	SourcePrefix     string
	Mode             Mode
	SelectedManifest string
	Candidates       []string
	LoadedBytes      int64
	TotalBytes       int64
	Percent          int
	Finalized        bool
}

type fileProgress struct {
	size   int64
	loaded int64
}

type sourceState struct {
	mu sync.Mutex

	requestedManifest string
	mode              Mode
	doc               *filemap.Document
	candidates        []string
	selectedManifest  string
	files             map[string]*fileProgress

	loadedBytes    int64
	pendingFetches int
	finalized      bool
	lastFile       string
	maxPercent     int

	idleTimer      *time.Timer
	broadcastTimer *time.Timer
	broadcastDirty bool
	lastBroadcast  time.Time
}

// Tracker owns progress state for every registered source. OnEvent is
// called for each throttled broadcast and once, unconditionally, for the
// final done=true event — set it before registering sources.
type Tracker struct {
	mu      sync.Mutex
	sources map[string]*sourceState

	OnEvent func(Event)
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{sources: make(map[string]*sourceState)}
}

// Reset drops all per-source state, mirroring the control surface's "init"
// message ("replaces all registered sources; resets state").
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, st := range t.sources {
		st.mu.Lock()
		stopTimerLocked(&st.idleTimer)
		stopTimerLocked(&st.broadcastTimer)
		st.mu.Unlock()
	}
	t.sources = make(map[string]*sourceState)
}

// Register begins tracking a source. manifest, if non-empty, fixes the
// denominator in advance (explicit mode); otherwise the mode is resolved
// once a filemap loads (adaptive or fallback).
func (t *Tracker) Register(sourcePrefix, manifest string) {
	st := &sourceState{
		requestedManifest: manifest,
		files:             make(map[string]*fileProgress),
	}
	if manifest != "" {
		st.mode = ModeExplicit
		st.selectedManifest = manifest
	}
	t.mu.Lock()
	t.sources[sourcePrefix] = st
	t.mu.Unlock()
}

func (t *Tracker) state(sourcePrefix string) *sourceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.sources[sourcePrefix]
	if !ok {
		st = &sourceState{files: make(map[string]*fileProgress)}
		t.sources[sourcePrefix] = st
	}
	return st
}

// InitFromFilemap resolves a source's mode once its filemap has loaded
// (§4.G: "source registered ... → explicit/adaptive/fallback (on filemap
// load)"). Wire it as a filemap.Loader's OnLoad hook.
func (t *Tracker) InitFromFilemap(sourcePrefix string, doc *filemap.Document) {
	st := t.state(sourcePrefix)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.doc = doc

	if st.requestedManifest != "" {
		m, ok := doc.Manifests[st.requestedManifest]
		if !ok {
			st.mode = ModeFallback
			st.selectedManifest = ""
			st.files = filesFromAllDoc(doc)
			return
		}
		st.mode = ModeExplicit
		st.selectedManifest = st.requestedManifest
		st.files = filesFromManifest(doc, m)
		return
	}

	names := doc.ManifestNames()
	if len(names) == 0 {
		st.mode = ModeFallback
		st.files = filesFromAllDoc(doc)
		return
	}
	st.mode = ModeAdaptive
	st.candidates = names
	widest, _ := doc.WidestManifest()
	st.selectedManifest = widest
	st.files = filesFromManifest(doc, doc.Manifests[widest])
}

// ObserveRelPath narrows an adaptive source's candidate manifests to those
// containing vp, selecting the largest remaining candidate, and carries
// forward every previously accumulated per-file byte count (§4.G narrowing
// rule: loadedBytes never decreases).
func (t *Tracker) ObserveRelPath(sourcePrefix, vp string) {
	st := t.state(sourcePrefix)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.mode != ModeAdaptive || st.doc == nil {
		return
	}

	var narrowed []string
	for _, c := range st.candidates {
		m, ok := st.doc.Manifests[c]
		if ok && containsVP(m.Files, vp) {
			narrowed = append(narrowed, c)
		}
	}
	if len(narrowed) == 0 || len(narrowed) == len(st.candidates) {
		return
	}

	best := argmaxCandidate(st.doc, narrowed)
	if best == "" {
		return
	}

	newFiles := filesFromManifest(st.doc, st.doc.Manifests[best])
	for vp2, fp := range newFiles {
		if old, ok := st.files[vp2]; ok {
			fp.loaded = old.loaded
		}
	}

	st.candidates = narrowed
	st.selectedManifest = best
	st.files = newFiles
}

// FetchStart marks one shard/byte-range fetch as in flight for sourcePrefix,
// canceling any armed idle-finalization timer.
func (t *Tracker) FetchStart(sourcePrefix string) {
	st := t.state(sourcePrefix)
	st.mu.Lock()
	st.pendingFetches++
	stopTimerLocked(&st.idleTimer)
	st.mu.Unlock()
}

// FetchEnd marks one fetch as complete. If it was the last outstanding
// fetch and the source isn't in explicit mode, it arms the idle timer that
// finalizes the source absent further activity.
func (t *Tracker) FetchEnd(sourcePrefix string) {
	st := t.state(sourcePrefix)
	st.mu.Lock()
	if st.pendingFetches > 0 {
		st.pendingFetches--
	}
	arm := st.pendingFetches == 0 && st.mode != ModeExplicit && !st.finalized
	st.mu.Unlock()

	if arm {
		st.mu.Lock()
		if st.pendingFetches == 0 && !st.finalized {
			stopTimerLocked(&st.idleTimer)
			st.idleTimer = time.AfterFunc(IdleFinalizeDelay, func() {
				t.finalize(sourcePrefix, false)
			})
		}
		st.mu.Unlock()
	}
}

// RecordLoaded sets the absolute bytes loaded so far for vp. Per-file and
// aggregate loaded counters only ever move forward.
func (t *Tracker) RecordLoaded(sourcePrefix, vp string, loadedBytes int64) {
	st := t.state(sourcePrefix)
	st.mu.Lock()
	fp, ok := st.files[vp]
	if !ok {
		st.mu.Unlock()
		return
	}
	if loadedBytes > fp.size {
		loadedBytes = fp.size
	}
	if loadedBytes <= fp.loaded {
		st.mu.Unlock()
		return
	}
	delta := loadedBytes - fp.loaded
	fp.loaded = loadedBytes
	st.loadedBytes += delta
	st.lastFile = vp
	st.mu.Unlock()

	t.scheduleBroadcast(sourcePrefix)
}

// AddLoaded adds delta bytes to vp's loaded counter, for callers that only
// observe partial reads (e.g. a byte-range fetch) rather than a file's full
// content at once.
func (t *Tracker) AddLoaded(sourcePrefix, vp string, delta int64) {
	if delta <= 0 {
		return
	}
	st := t.state(sourcePrefix)
	st.mu.Lock()
	fp, ok := st.files[vp]
	if !ok {
		st.mu.Unlock()
		return
	}
	newLoaded := fp.loaded + delta
	if newLoaded > fp.size {
		newLoaded = fp.size
	}
	if newLoaded <= fp.loaded {
		st.mu.Unlock()
		return
	}
	st.loadedBytes += newLoaded - fp.loaded
	fp.loaded = newLoaded
	st.lastFile = vp
	st.mu.Unlock()

	t.scheduleBroadcast(sourcePrefix)
}

// Complete forces finalization of sourcePrefix, matching the control
// surface's explicit "complete" message.
func (t *Tracker) Complete(sourcePrefix string) {
	t.finalize(sourcePrefix, true)
}

func (t *Tracker) finalize(sourcePrefix string, forced bool) {
	st := t.state(sourcePrefix)
	st.mu.Lock()
	if st.finalized {
		st.mu.Unlock()
		return
	}
	if !forced && st.pendingFetches != 0 {
		st.mu.Unlock()
		return
	}

	stopTimerLocked(&st.idleTimer)
	stopTimerLocked(&st.broadcastTimer)

	var total int64
	for _, fp := range st.files {
		total += fp.size
		fp.loaded = fp.size
	}
	if total > st.loadedBytes {
		st.loadedBytes = total
	}
	st.finalized = true
	ev := st.buildEventLocked(sourcePrefix, total)
	ev.Done = true
	st.lastBroadcast = time.Now()
	st.mu.Unlock()

	t.emit(ev)
}

func (t *Tracker) scheduleBroadcast(sourcePrefix string) {
	st := t.state(sourcePrefix)
	st.mu.Lock()
	if st.finalized {
		st.mu.Unlock()
		return
	}

	total := st.totalBytesLocked()
	ev := st.buildEventLocked(sourcePrefix, total)
	reached100 := total > 0 && ev.LoadedBytes >= total

	if reached100 {
		stopTimerLocked(&st.broadcastTimer)
		st.broadcastDirty = false
		st.lastBroadcast = time.Now()
		st.mu.Unlock()
		t.emit(ev)
		return
	}

	elapsed := time.Since(st.lastBroadcast)
	if elapsed >= BroadcastInterval && st.broadcastTimer == nil {
		st.lastBroadcast = time.Now()
		st.mu.Unlock()
		t.emit(ev)
		return
	}

	st.broadcastDirty = true
	if st.broadcastTimer == nil {
		wait := BroadcastInterval - elapsed
		if wait < 0 {
			wait = 0
		}
		st.broadcastTimer = time.AfterFunc(wait, func() { t.flushBroadcast(sourcePrefix) })
	}
	st.mu.Unlock()
}

func (t *Tracker) flushBroadcast(sourcePrefix string) {
	st := t.state(sourcePrefix)
	st.mu.Lock()
	st.broadcastTimer = nil
	if !st.broadcastDirty || st.finalized {
		st.mu.Unlock()
		return
	}
	st.broadcastDirty = false
	st.lastBroadcast = time.Now()
	ev := st.buildEventLocked(sourcePrefix, st.totalBytesLocked())
	st.mu.Unlock()

	t.emit(ev)
}

func (t *Tracker) emit(ev Event) {
	if t.OnEvent != nil {
		t.OnEvent(ev)
	}
}

// Snapshot returns the current state of sourcePrefix without side effects.
func (t *Tracker) Snapshot(sourcePrefix string) Snapshot {
	st := t.state(sourcePrefix)
	st.mu.Lock()
	defer st.mu.Unlock()
	total := st.totalBytesLocked()
	return Snapshot{
		SourcePrefix:     sourcePrefix,
		Mode:             st.mode,
		SelectedManifest: st.selectedManifest,
		Candidates:       append([]string(nil), st.candidates...),
		LoadedBytes:      st.loadedBytes,
		TotalBytes:       total,
		Percent:          percentOf(st.loadedBytes, total, st.maxPercent),
		Finalized:        st.finalized,
	}
}

func (st *sourceState) totalBytesLocked() int64 {
	var total int64
	for _, fp := range st.files {
		total += fp.size
	}
	return total
}

// buildEventLocked must be called with st.mu held; it also advances
// st.maxPercent so percent never decreases across emissions.
func (st *sourceState) buildEventLocked(sourcePrefix string, total int64) Event {
	loaded := st.loadedBytes
	if loaded > total {
		loaded = total
	}
	pct := percentOf(loaded, total, st.maxPercent)
	st.maxPercent = pct
	return Event{
		SourcePrefix:     sourcePrefix,
		LastFile:         st.lastFile,
		LoadedBytes:      loaded,
		TotalBytes:       total,
		Percent:          pct,
		Done:             st.finalized,
		Mode:             st.mode,
		SelectedManifest: st.selectedManifest,
	}
}

func percentOf(loaded, total int64, floor int) int {
	pct := floor
	if total > 0 {
		computed := int(loaded * 100 / total)
		if computed > pct {
			pct = computed
		}
	}
	if pct > 100 {
		pct = 100
	}
	return pct
}

func stopTimerLocked(timer **time.Timer) {
	if *timer != nil {
		(*timer).Stop()
		*timer = nil
	}
}

func filesFromManifest(doc *filemap.Document, m *filemap.ManifestEntry) map[string]*fileProgress {
	out := make(map[string]*fileProgress, len(m.Files))
	for _, vp := range m.Files {
		if fe, ok := doc.Files[vp]; ok {
			out[vp] = &fileProgress{size: fe.Size}
		}
	}
	return out
}

func filesFromAllDoc(doc *filemap.Document) map[string]*fileProgress {
	out := make(map[string]*fileProgress, len(doc.Files))
	for vp, fe := range doc.Files {
		out[vp] = &fileProgress{size: fe.Size}
	}
	return out
}

func containsVP(list []string, vp string) bool {
	for _, v := range list {
		if v == vp {
			return true
		}
	}
	return false
}

func argmaxCandidate(doc *filemap.Document, names []string) string {
	best := ""
	var bestSize int64 = -1
	for _, n := range names {
		m, ok := doc.Manifests[n]
		if !ok {
			continue
		}
		if m.Size > bestSize {
			bestSize = m.Size
			best = n
		}
	}
	return best
}
