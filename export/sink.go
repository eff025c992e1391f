package export

import (
	"context"
	"fmt"
	"os"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"

	"github.com/janelia-flyem/wsitile/wsi"
)

// Sink stores encoded tiles under a name.
type Sink interface {
	WriteTile(ctx context.Context, name string, data []byte) error
	Close() error
}

// BucketSink writes tiles as objects of a gocloud blob bucket.
type BucketSink struct {
	bucket *blob.Bucket
}

// NewBucketSink wraps an open bucket.  Closing the sink closes the bucket.
func NewBucketSink(bucket *blob.Bucket) *BucketSink {
	return &BucketSink{bucket: bucket}
}

// OpenDirSink creates dir if necessary and returns a sink writing one file per tile into it.
func OpenDirSink(dir string) (*BucketSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("unable to create output directory %q: %v", dir, err)
	}
	bucket, err := fileblob.OpenBucket(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to open output directory %q: %v", dir, err)
	}
	return NewBucketSink(bucket), nil
}

// OpenURLSink opens a sink for any registered bucket URL, e.g. file:///tmp/tiles or mem://.
func OpenURLSink(ctx context.Context, url string) (*BucketSink, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		wsi.Errorf("Can't open bucket reference @ %q: %v\n", url, err)
		return nil, err
	}
	return NewBucketSink(bucket), nil
}

// Bucket returns the underlying bucket.
func (s *BucketSink) Bucket() *blob.Bucket {
	return s.bucket
}

func (s *BucketSink) WriteTile(ctx context.Context, name string, data []byte) error {
	opts := &blob.WriterOptions{ContentType: "image/png"}
	if err := s.bucket.WriteAll(ctx, name, data, opts); err != nil {
		return fmt.Errorf("unable to write tile %q: %v", name, err)
	}
	return nil
}

func (s *BucketSink) Close() error {
	return s.bucket.Close()
}
