package resolver

import (
	"context"

	"github.com/kulogix/webmodeldelivery/pkg/progress"
)

// InitMessage is the app→resolver "init" control message (§6.3): replaces
// every registered source and resets all state.
type InitMessage struct {
	Sources []SourceConfig
}

// ProgressMessage is the resolver→app "progress" tick. It carries exactly
// the fields §6.3 names; the payload is progress.Event verbatim.
type ProgressMessage = progress.Event

// CompleteMessage is the app→resolver "complete" message: force-finalize
// one source's progress state.
type CompleteMessage struct {
	SourcePrefix string
}

// ClearCacheMessage is the app→resolver "clear-cache" message.
type ClearCacheMessage struct{}

// CacheClearedMessage is the resolver→app ack for clear-cache.
type CacheClearedMessage struct{}

// SourceStatus is one source's entry in a StatusMessage.
type SourceStatus struct {
	PathPrefix       string
	Mode             string
	SelectedManifest string
	LoadedBytes      int64
	TotalBytes       int64
	Percent          int
	Done             bool
}

// StatusMessage answers the bidirectional "status" introspection message.
type StatusMessage struct {
	Sources        []SourceStatus
	FilemapsLoaded []string
}

// Controller adapts a Resolver to the message-based control surface
// (§6.3), identical in shape whether the transport driving it is an
// in-browser postMessage channel or an in-process function call.
type Controller struct {
	resolver   *Resolver
	onProgress func(ProgressMessage)
}

// NewController wires a Controller over resolver, subscribing to its
// progress tracker.
func NewController(resolver *Resolver) *Controller {
	c := &Controller{resolver: resolver}
	resolver.Progress.OnEvent = func(ev progress.Event) {
		if c.onProgress != nil {
			c.onProgress(ev)
		}
	}
	return c
}

// OnProgress registers the callback invoked for every progress tick.
func (c *Controller) OnProgress(fn func(ProgressMessage)) {
	c.onProgress = fn
}

// Init handles the "init" message.
func (c *Controller) Init(ctx context.Context, msg InitMessage) {
	c.resolver.Init(ctx, msg.Sources)
}

// Complete handles the "complete" message.
func (c *Controller) Complete(msg CompleteMessage) {
	c.resolver.Progress.Complete(msg.SourcePrefix)
}

// ClearCache handles the "clear-cache" message and returns its ack.
func (c *Controller) ClearCache() (CacheClearedMessage, error) {
	if err := c.resolver.ClearCache(); err != nil {
		return CacheClearedMessage{}, err
	}
	return CacheClearedMessage{}, nil
}

// Status handles the "status" message.
func (c *Controller) Status() StatusMessage {
	c.resolver.mu.RLock()
	sources := append([]*registeredSource(nil), c.resolver.sources...)
	c.resolver.mu.RUnlock()

	msg := StatusMessage{}
	for _, rs := range sources {
		snap := c.resolver.Progress.Snapshot(rs.prefix)
		msg.Sources = append(msg.Sources, SourceStatus{
			PathPrefix:       rs.prefix,
			Mode:             snap.Mode.String(),
			SelectedManifest: snap.SelectedManifest,
			LoadedBytes:      snap.LoadedBytes,
			TotalBytes:       snap.TotalBytes,
			Percent:          snap.Percent,
			Done:             snap.Finalized,
		})
		if _, err := c.resolver.Loader.Load(context.Background(), rs.src); err == nil {
			msg.FilemapsLoaded = append(msg.FilemapsLoaded, rs.prefix)
		}
	}
	return msg
}
