package resolver

import (
	"strings"

	"github.com/kulogix/webmodeldelivery/pkg/shardstore"
)

// SourceConfig is one registration in an init message (§6.3): a logical
// path prefix mapped to exactly one origin.
type SourceConfig struct {
	PathPrefix string
	CDNBase    string
	LocalBase  string
	S3         *shardstore.S3Location
	Manifest   string
	Progress   bool
}

type registeredSource struct {
	prefix   string
	manifest string
	progress bool
	src      shardstore.Source
}

func canonicalizePrefix(prefix string) string {
	if !strings.HasSuffix(prefix, "/") {
		return prefix + "/"
	}
	return prefix
}

func newRegisteredSource(cfg SourceConfig) *registeredSource {
	return &registeredSource{
		prefix:   canonicalizePrefix(cfg.PathPrefix),
		manifest: cfg.Manifest,
		progress: cfg.Progress,
		src: shardstore.Source{
			LocalBase: cfg.LocalBase,
			CDNBase:   cfg.CDNBase,
			S3:        cfg.S3,
		},
	}
}
