package checkpoint

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// historyLayout names timestamped checkpoint copies.
const historyLayout = "20060102T150405Z"

// S3Options configures an S3Destination. Key is overwritten with the
// latest checkpoint on every write; with History set each checkpoint is also
// kept under <Key without extension>/<UTC time>.jsonl. A non-empty Endpoint
// enables path-style addressing for S3-compatible services such as MinIO.
type S3Options struct {
	Bucket   string
	Key      string
	Region   string
	Endpoint string
	History  bool
}

// objectPutter is the part of *s3.Client the destination uses.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Destination uploads relay checkpoints to a bucket. Each object carries
// the export time and watermark count from the checkpoint header as
// metadata, so listings show progress without downloading.
type S3Destination struct {
	client objectPutter
	opts   S3Options
}

// NewS3Destination loads the default AWS credential chain and returns a
// destination for opts.
func NewS3Destination(ctx context.Context, opts S3Options) (*S3Destination, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		})
	}
	return newS3Destination(s3.NewFromConfig(cfg, clientOpts...), opts), nil
}

func newS3Destination(client objectPutter, opts S3Options) *S3Destination {
	return &S3Destination{client: client, opts: opts}
}

// Write replaces the latest checkpoint and, with History set, adds a
// timestamped copy.
func (d *S3Destination) Write(ctx context.Context, data []byte) error {
	meta, exportedAt := headerMetadata(data)
	keys := []string{d.opts.Key}
	if d.opts.History {
		keys = append(keys, historyKey(d.opts.Key, exportedAt))
	}
	for _, key := range keys {
		_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(d.opts.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/x-ndjson"),
			Metadata:    meta,
		})
		if err != nil {
			return fmt.Errorf("upload checkpoint s3://%s/%s: %w", d.opts.Bucket, key, err)
		}
	}
	return nil
}

// headerMetadata reads the checkpoint header line. Data without a header
// gets no metadata and the current time.
func headerMetadata(data []byte) (map[string]string, time.Time) {
	line, _, _ := bufio.NewReader(bytes.NewReader(data)).ReadLine()
	var h header
	if err := json.Unmarshal(line, &h); err != nil || h.Type != "header" {
		return nil, time.Now().UTC()
	}
	return map[string]string{
		"checkpoint-version": h.Version,
		"exported-at":        h.Timestamp.UTC().Format(time.RFC3339),
		"watermark-count":    strconv.Itoa(h.WatermarkCount),
	}, h.Timestamp.UTC()
}

func historyKey(key string, at time.Time) string {
	base := strings.TrimSuffix(key, path.Ext(key))
	return path.Join(base, at.UTC().Format(historyLayout)+".jsonl")
}
