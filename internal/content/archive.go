package content

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/wolfman30/zapdesk/pkg/logging"
)

// S3API is the subset of the S3 client used by S3Archive.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive stores inbound media under media/<channel>/<message id>.
type S3Archive struct {
	bucket string
	client S3API
	logger *logging.Logger
}

// NewS3Archive returns nil when no bucket is configured.
func NewS3Archive(client S3API, bucket string, logger *logging.Logger) *S3Archive {
	if client == nil || bucket == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &S3Archive{bucket: bucket, client: client, logger: logger}
}

func MediaKey(channelName, messageID, mimeType string) string {
	key := path.Join("media", channelName, messageID)
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		key += exts[0]
	}
	return key
}

func (a *S3Archive) Archive(ctx context.Context, channelName, messageID string, media Media) error {
	if a == nil {
		return nil
	}
	key := MediaKey(channelName, messageID, media.MimeType)
	input := &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(media.Data),
	}
	if media.MimeType != "" {
		input.ContentType = aws.String(media.MimeType)
	}
	if _, err := a.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("content: s3 put %s: %w", key, err)
	}
	a.logger.Debug("archived inbound media", "s3_key", key, "bytes", len(media.Data))
	return nil
}
