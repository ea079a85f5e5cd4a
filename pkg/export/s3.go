// Package export publishes pipeline snapshots to S3-compatible storage.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/buildstage/pkg/config"
	"github.com/ethpandaops/buildstage/pkg/store"
)

const defaultPrefix = "buildstage"

// PipelineLister provides the pipelines to export.
type PipelineLister interface {
	ListPipelines(ctx context.Context) ([]store.Pipeline, error)
}

// Exporter writes the current pipeline state to remote storage.
type Exporter interface {
	Export(ctx context.Context) error
}

// IndexEntry describes one exported pipeline in pipelines/index.json.
type IndexEntry struct {
	CollectorItemID uint           `json:"collector_item_id"`
	Key             string         `json:"key"`
	UpdatedAt       time.Time      `json:"updated_at"`
	Stages          map[string]int `json:"stages"`
}

// Index is the content of pipelines/index.json.
type Index struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Pipelines   []IndexEntry `json:"pipelines"`
}

type s3Exporter struct {
	log       logrus.FieldLogger
	cfg       *config.S3ExportConfig
	client    *s3.Client
	pipelines PipelineLister
	now       func() time.Time
}

// Ensure interface compliance.
var _ Exporter = (*s3Exporter)(nil)

// NewS3Exporter creates an exporter uploading to the configured bucket.
func NewS3Exporter(
	log logrus.FieldLogger,
	cfg *config.S3ExportConfig,
	pipelines PipelineLister,
	optFns ...func(*s3.Options),
) (Exporter, error) {
	if cfg == nil || cfg.Bucket == "" {
		return nil, errors.New("s3 export requires a bucket")
	}

	opts := append([]func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}, optFns...)

	return &s3Exporter{
		log:       log.WithField("component", "s3-exporter"),
		cfg:       cfg,
		client:    s3.New(s3.Options{}, opts...),
		pipelines: pipelines,
		now:       time.Now,
	}, nil
}

// Export uploads one object per pipeline followed by the index.
func (e *s3Exporter) Export(ctx context.Context) error {
	pipelines, err := e.pipelines.ListPipelines(ctx)
	if err != nil {
		return fmt.Errorf("listing pipelines: %w", err)
	}

	index := Index{
		GeneratedAt: e.now().UTC(),
		Pipelines:   make([]IndexEntry, 0, len(pipelines)),
	}

	for i := range pipelines {
		p := &pipelines[i]
		key := e.resolveKey("pipelines/" + strconv.FormatUint(uint64(p.CollectorItemID), 10) + ".json")

		if err := e.putJSON(ctx, key, p); err != nil {
			return fmt.Errorf("uploading pipeline %d: %w", p.CollectorItemID, err)
		}

		stages := make(map[string]int, len(p.Stages))
		for name, stage := range p.Stages {
			if stage != nil {
				stages[name] = stage.Commits.Len()
			}
		}

		index.Pipelines = append(index.Pipelines, IndexEntry{
			CollectorItemID: p.CollectorItemID,
			Key:             key,
			UpdatedAt:       p.UpdatedAt,
			Stages:          stages,
		})
	}

	if err := e.putJSON(ctx, e.resolveKey("pipelines/index.json"), index); err != nil {
		return fmt.Errorf("uploading index: %w", err)
	}

	e.log.WithFields(logrus.Fields{
		"pipelines": len(pipelines),
		"bucket":    e.cfg.Bucket,
	}).Info("Export completed")

	return nil
}

func (e *s3Exporter) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", key, err)
	}

	e.log.WithField("key", key).Debug("Uploading object")

	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(e.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("PutObject: %w", err)
	}

	return nil
}

// resolveKey places name under the configured prefix.
func (e *s3Exporter) resolveKey(name string) string {
	prefix := e.cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}

	return strings.TrimRight(prefix, "/") + "/" + name
}
