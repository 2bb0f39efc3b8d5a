// Package blob materializes project files from S3-compatible object
// storage into local workspace directories for container mounts.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrEmptyProject is returned when no objects exist under a project's
// prefix. An execution cannot start without project files.
var ErrEmptyProject = errors.New("project has no files in storage")

// Config holds the object storage connection settings. Endpoint and
// ForcePathStyle support MinIO and other S3-compatible servers.
type Config struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Endpoint        string `yaml:"endpoint"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	Bucket          string `yaml:"bucket"`
}

// S3Store downloads project trees keyed by "<projectID>/..." into
// per-project directories under a workspace root.
type S3Store struct {
	client        *s3.Client
	bucket        string
	workspaceRoot string
}

func NewS3Store(ctx context.Context, cfg Config, workspaceRoot string) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){
		func(o *s3.Options) {
			o.UsePathStyle = cfg.ForcePathStyle
		},
	}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	if err := os.MkdirAll(workspaceRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return &S3Store{
		client:        s3.NewFromConfig(awsCfg, clientOpts...),
		bucket:        cfg.Bucket,
		workspaceRoot: workspaceRoot,
	}, nil
}

// Fetch downloads every object under the project's prefix into a fresh
// workspace directory and returns the directory path.
func (s *S3Store) Fetch(ctx context.Context, projectID uuid.UUID) (string, error) {
	dir := s.workspaceDir(projectID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clearing workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating workspace: %w", err)
	}

	prefix := projectID.String() + "/"
	count := 0

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return "", fmt.Errorf("listing project objects: %w", err)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			rel := strings.TrimPrefix(key, prefix)
			if rel == "" || strings.HasSuffix(rel, "/") {
				continue
			}
			if err := s.downloadObject(ctx, key, dir, rel); err != nil {
				return "", err
			}
			count++
		}
	}

	if count == 0 {
		return "", fmt.Errorf("%w: %s", ErrEmptyProject, projectID)
	}

	log.Debug().
		Str("project_id", projectID.String()).
		Int("files", count).
		Str("dir", dir).
		Msg("project files downloaded")

	return dir, nil
}

// Purge removes the project's workspace directory. Safe to call when
// the directory no longer exists.
func (s *S3Store) Purge(_ context.Context, projectID uuid.UUID) error {
	if err := os.RemoveAll(s.workspaceDir(projectID)); err != nil {
		return fmt.Errorf("purging workspace: %w", err)
	}
	return nil
}

func (s *S3Store) workspaceDir(projectID uuid.UUID) string {
	return filepath.Join(s.workspaceRoot, projectID.String())
}

func (s *S3Store) downloadObject(ctx context.Context, key, dir, rel string) error {
	// Object keys come from untrusted uploads. Reject anything that
	// would escape the workspace directory.
	dest := filepath.Join(dir, filepath.FromSlash(rel))
	if !strings.HasPrefix(dest, filepath.Clean(dir)+string(os.PathSeparator)) {
		return fmt.Errorf("object key escapes workspace: %q", key)
	}

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("getting object %q: %w", key, err)
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating directory for %q: %w", key, err)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating file for %q: %w", key, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("writing %q: %w", key, err)
	}
	return nil
}
