package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver stores serialized run state documents outside the database.
type Archiver interface {
	ArchiveRunState(ctx context.Context, repo, evaluationID string, ts time.Time, doc []byte) (string, error)
}

// S3Config configures the S3 archiver.
type S3Config struct {
	Bucket string
	Prefix string
	Region string
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver uploads run state documents to AWS S3.
type S3Archiver struct {
	client objectPutter
	bucket string
	prefix string
}

// NewS3Archiver loads AWS config and prepares an archiver.
func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	loadOpts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	return newS3Archiver(s3.NewFromConfig(awsCfg), cfg), nil
}

func newS3Archiver(client objectPutter, cfg S3Config) *S3Archiver {
	return &S3Archiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
}

// ArchiveRunState uploads the document and returns a s3:// URI.
func (a *S3Archiver) ArchiveRunState(ctx context.Context, repo, evaluationID string, ts time.Time, doc []byte) (string, error) {
	if evaluationID == "" {
		return "", fmt.Errorf("evaluation id is required")
	}
	key := a.objectKey("run-state", repo, ts.UTC().Format("2006-01-02"), evaluationID+".json")
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(doc),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("upload run state: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}

func (a *S3Archiver) objectKey(parts ...string) string {
	if a.prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{a.prefix}, parts...)...)
}

// Noop discards documents.
type Noop struct{}

func (Noop) ArchiveRunState(context.Context, string, string, time.Time, []byte) (string, error) {
	return "", nil
}
