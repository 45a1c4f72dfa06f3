package shardstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	werrors "github.com/kulogix/webmodeldelivery/pkg/errors"
)

// Publisher uploads a packager output directory (shards + filemap.json) to
// a remote CDN namespace. Only the S3 flavor is implemented: publishing to
// a generic HTTP CDN is out of scope for this package: the CDN's own
// ingestion API is an external collaborator, never part of this module.
type Publisher struct {
	PartSize int64 // default 64MiB, matching tools/uploader/s3.go
}

// NewPublisher returns a Publisher with the default multipart size
// (tools/uploader/s3.go: 64MB per part).
func NewPublisher() *Publisher {
	return &Publisher{PartSize: 64 * 1024 * 1024}
}

// PublishDir uploads every regular file directly under dir to loc, using
// the S3 transfer manager's multipart uploader (pkg/monobeam/client.go's
// pattern, generalized from a single file to a whole packaged directory).
func (p *Publisher) PublishDir(ctx context.Context, loc *S3Location, dir string, onFile func(name string)) error {
	cfg := aws.NewConfig()
	cfg.Region = loc.Region
	if cfg.Region == "" {
		cfg.Region = "auto"
	}
	if loc.Endpoint != "" {
		cfg.BaseEndpoint = aws.String(loc.Endpoint)
	}

	client := s3.NewFromConfig(*cfg)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = p.PartSize
	})

	entries, err := os.ReadDir(dir)
	if err != nil {
		return werrors.Configuration("read package output directory", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		f, err := os.Open(path)
		if err != nil {
			return werrors.Configuration(fmt.Sprintf("open %s", path), err)
		}

		key := entry.Name()
		if loc.Prefix != "" {
			key = loc.Prefix + "/" + entry.Name()
		}

		_, err = uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(loc.Bucket),
			Key:    aws.String(key),
			Body:   f,
		})
		f.Close()
		if err != nil {
			return werrors.Transport(fmt.Sprintf("upload %s", path), err)
		}

		if onFile != nil {
			onFile(entry.Name())
		}
	}

	return nil
}
