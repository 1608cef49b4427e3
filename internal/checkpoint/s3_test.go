package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type putCall struct {
	bucket, key, contentType string
	meta                     map[string]string
	body                     []byte
}

// fakeBucket records PutObject calls.
type fakeBucket struct {
	mu    sync.Mutex
	calls []putCall
	err   error
}

func (b *fakeBucket) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, _ := io.ReadAll(in.Body)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, putCall{
		bucket:      aws.ToString(in.Bucket),
		key:         aws.ToString(in.Key),
		contentType: aws.ToString(in.ContentType),
		meta:        in.Metadata,
		body:        body,
	})
	if b.err != nil {
		return nil, b.err
	}
	return &s3.PutObjectOutput{}, nil
}

func exported(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := ExportJSONL(context.Background(), seededStore(t), &buf); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestS3Destination_WritesLatestWithHeaderMetadata(t *testing.T) {
	bucket := &fakeBucket{}
	d := newS3Destination(bucket, S3Options{Bucket: "relay-state", Key: "wakurelay/checkpoint.jsonl"})
	data := exported(t)

	if err := d.Write(context.Background(), data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(bucket.calls) != 1 {
		t.Fatalf("puts = %d, want 1", len(bucket.calls))
	}
	c := bucket.calls[0]
	if c.bucket != "relay-state" || c.key != "wakurelay/checkpoint.jsonl" || c.contentType != "application/x-ndjson" {
		t.Errorf("put = %s/%s (%s)", c.bucket, c.key, c.contentType)
	}
	if !bytes.Equal(c.body, data) {
		t.Error("uploaded body differs from the export")
	}
	if c.meta["watermark-count"] != "2" || c.meta["checkpoint-version"] != "1" {
		t.Errorf("metadata = %v", c.meta)
	}
	if _, err := time.Parse(time.RFC3339, c.meta["exported-at"]); err != nil {
		t.Errorf("exported-at = %q: %v", c.meta["exported-at"], err)
	}
}

func TestS3Destination_HistoryKeepsTimestampedCopy(t *testing.T) {
	bucket := &fakeBucket{}
	d := newS3Destination(bucket, S3Options{Bucket: "b", Key: "wakurelay/checkpoint.jsonl", History: true})
	if err := d.Write(context.Background(), exported(t)); err != nil {
		t.Fatal(err)
	}
	if len(bucket.calls) != 2 {
		t.Fatalf("puts = %d, want latest plus history", len(bucket.calls))
	}
	key := bucket.calls[1].key
	stamp := strings.TrimSuffix(strings.TrimPrefix(key, "wakurelay/checkpoint/"), ".jsonl")
	if _, err := time.Parse(historyLayout, stamp); err != nil {
		t.Fatalf("history key = %q, want wakurelay/checkpoint/<time>.jsonl", key)
	}
}

func TestS3Destination_NoHeader(t *testing.T) {
	bucket := &fakeBucket{}
	d := newS3Destination(bucket, S3Options{Bucket: "b", Key: "k"})
	if err := d.Write(context.Background(), []byte("not a checkpoint\n")); err != nil {
		t.Fatal(err)
	}
	if bucket.calls[0].meta != nil {
		t.Errorf("metadata = %v, want none", bucket.calls[0].meta)
	}
}

func TestS3Destination_PutError(t *testing.T) {
	bucket := &fakeBucket{err: errors.New("AccessDenied")}
	d := newS3Destination(bucket, S3Options{Bucket: "b", Key: "k", History: true})
	err := d.Write(context.Background(), exported(t))
	if err == nil || !strings.Contains(err.Error(), "s3://b/k") {
		t.Fatalf("err = %v, want upload error naming the object", err)
	}
	if len(bucket.calls) != 1 {
		t.Errorf("puts = %d, want to stop after the first failure", len(bucket.calls))
	}
}

func TestHistoryKey(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	for _, tc := range []struct{ key, want string }{
		{"wakurelay/checkpoint.jsonl", "wakurelay/checkpoint/20260304T050607Z.jsonl"},
		{"state", "state/20260304T050607Z.jsonl"},
	} {
		if got := historyKey(tc.key, at); got != tc.want {
			t.Errorf("historyKey(%q) = %q, want %q", tc.key, got, tc.want)
		}
	}
}
