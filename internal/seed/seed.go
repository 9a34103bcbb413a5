// Package seed optionally populates the in-memory live volume's initial
// content from an S3 object, streaming it block-by-block into a
// hostfs.MemDevice instead of to a local file. It is a trimmed, retargeted
// copy of the teacher's s3 package: same client construction, key
// validation and progress-logging idiom, no checksum file or TUI progress
// callback since nothing downstream of the live volume consumes those.
package seed

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/flycow/snapfs/internal/block"
	"github.com/flycow/snapfs/internal/hostfs"
)

// maxObjectSize bounds how large a seed object may be, matching the
// teacher's 10GB download cap.
const maxObjectSize = 10 * 1024 * 1024 * 1024

// Config holds S3 client configuration.
type Config struct {
	Region string
	Bucket string
}

// DefaultConfig mirrors the teacher's s3.DefaultConfig.
func DefaultConfig() Config {
	return Config{Region: "us-east-1", Bucket: "flyio-snapfs-seeds"}
}

// Client downloads a seed object and writes it into a hostfs.MemDevice.
type Client struct {
	s3Client *s3.Client
	logger   *logrus.Logger
}

// New constructs a seed client, using the AWS SDK's default credential
// chain, falling back to anonymous credentials if none are configured in
// the environment.
func New(ctx context.Context, cfg Config) (*Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if os.Getenv("AWS_ACCESS_KEY_ID") == "" {
		opts = append(opts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("seed: loading AWS config: %w", err)
	}
	return &Client{s3Client: s3.NewFromConfig(awsCfg), logger: logrus.New()}, nil
}

// SetLogger overrides the client's logger.
func (c *Client) SetLogger(logger *logrus.Logger) { c.logger = logger }

// Result reports what SeedDevice wrote.
type Result struct {
	BlocksWritten uint32
	Bytes         int64
}

// SeedDevice downloads bucket/key and writes it into dev block by block,
// starting at logical block 0, stopping once either the object or the
// device's capacity is exhausted. It refuses objects over maxObjectSize and
// objects that would overflow dev's BlockCount.
func (c *Client) SeedDevice(ctx context.Context, bucket, key string, dev *hostfs.MemDevice) (Result, error) {
	if err := validateKey(key); err != nil {
		return Result{}, fmt.Errorf("seed: invalid key: %w", err)
	}

	logger := c.logger.WithFields(logrus.Fields{"bucket": bucket, "key": key})
	logger.Info("starting seed download")

	head, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return Result{}, fmt.Errorf("seed: head object: %w", err)
	}
	var total int64
	if head.ContentLength != nil {
		total = *head.ContentLength
	}
	if total > maxObjectSize {
		return Result{}, fmt.Errorf("seed: object too large: %d bytes (max %d)", total, maxObjectSize)
	}
	maxBytes := int64(dev.BlockCount()) * block.Size
	if total > maxBytes {
		return Result{}, fmt.Errorf("seed: object (%d bytes) exceeds device capacity (%d bytes)", total, maxBytes)
	}

	obj, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return Result{}, fmt.Errorf("seed: get object: %w", err)
	}
	defer obj.Body.Close()

	pr := newProgressReader(obj.Body, logger, total, 5*time.Second)

	var written int64
	var blocksWritten uint32
	var buf block.Bitmap
	for {
		if blocksWritten >= dev.BlockCount() {
			break
		}
		n, readErr := io.ReadFull(pr, buf[:])
		if n > 0 {
			var payload block.Bitmap
			copy(payload[:], buf[:n])
			dev.Write(block.Number(blocksWritten), payload)
			blocksWritten++
			written += int64(n)
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return Result{}, fmt.Errorf("seed: reading object body: %w", readErr)
		}
	}

	logger.WithFields(logrus.Fields{"blocks": blocksWritten, "bytes": written}).Info("seed download completed")
	return Result{BlocksWritten: blocksWritten, Bytes: written}, nil
}

// progressReader wraps an io.Reader and logs periodic download progress,
// the same shape as the teacher's s3.progressReader without the TUI
// callback, since the control surface has no download-progress consumer.
type progressReader struct {
	r        io.Reader
	logger   logrus.FieldLogger
	total    int64
	read     int64
	started  time.Time
	lastLog  time.Time
	interval time.Duration
}

func newProgressReader(r io.Reader, logger logrus.FieldLogger, total int64, interval time.Duration) *progressReader {
	return &progressReader{r: r, logger: logger, total: total, started: time.Now(), interval: interval}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		now := time.Now()
		if p.lastLog.IsZero() || now.Sub(p.lastLog) >= p.interval {
			p.log(now)
			p.lastLog = now
		}
	}
	return n, err
}

func (p *progressReader) log(now time.Time) {
	percent := float64(0)
	if p.total > 0 {
		percent = (float64(p.read) / float64(p.total)) * 100
	}
	p.logger.WithFields(logrus.Fields{
		"downloaded": p.read,
		"total":      p.total,
		"percent":    fmt.Sprintf("%.1f", percent),
	}).Info("seed download progress")
}

// validateKey rejects path traversal, absolute paths, null bytes and
// oversized keys, the same checks the teacher's validateS3Key performs.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if len(key) > 1024 {
		return fmt.Errorf("key too long: %d characters (max 1024)", len(key))
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("key contains path traversal: %s", key)
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("key should not start with /: %s", key)
	}
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("key contains null byte")
	}
	return nil
}
