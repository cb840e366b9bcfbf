package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"btcore/internal/domain"
)

type S3Config struct {
	Bucket    string
	KeyPrefix string
	Logger    *logrus.Logger
}

// S3Archive stores completed downloads in Amazon S3 (or compatible APIs)
// under <prefix>/torrent-<infohash>/<relative path>.
type S3Archive struct {
	cfg      S3Config
	client   *s3.Client
	uploader *manager.Uploader
	presign  *s3.PresignClient
	logger   *logrus.Logger
}

func NewS3Archive(cfg S3Config, client *s3.Client) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &S3Archive{
		cfg:      cfg,
		client:   client,
		uploader: manager.NewUploader(client),
		presign:  s3.NewPresignClient(client),
		logger:   cfg.Logger,
	}, nil
}

func (a *S3Archive) torrentPrefix(id domain.TorrentID) string {
	prefix := strings.Trim(a.cfg.KeyPrefix, "/")
	torrentKey := fmt.Sprintf("torrent-%s", id)
	if prefix == "" {
		return torrentKey
	}
	return prefix + "/" + torrentKey
}

func (a *S3Archive) Archive(ctx context.Context, id domain.TorrentID, localDir string) (string, error) {
	root := filepath.Clean(localDir)
	info, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("stat download path: %w", err)
	}

	type uploadFile struct {
		path string
		rel  string
		size int64
	}
	var files []uploadFile
	if info.IsDir() {
		err = filepath.Walk(root, func(path string, fi os.FileInfo, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if fi.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return fmt.Errorf("relative path for %s: %w", path, err)
			}
			files = append(files, uploadFile{path: path, rel: filepath.ToSlash(rel), size: fi.Size()})
			return nil
		})
		if err != nil {
			return "", err
		}
	} else {
		// Single-file torrents download to a bare file, not a directory.
		files = append(files, uploadFile{path: root, rel: filepath.Base(root), size: info.Size()})
	}

	var totalSize int64
	for _, file := range files {
		totalSize += file.size
	}

	logger := a.logger.WithField("torrent", id)
	progress := newProgressReporter(totalSize, newUploadProgressLogger(logger))
	prefix := a.torrentPrefix(id)
	logger.Infof("archive started: %d files, %s", len(files), formatBytes(totalSize))

	for _, file := range files {
		key := prefix + "/" + file.rel
		f, err := os.Open(file.path)
		if err != nil {
			return "", fmt.Errorf("open file %s: %w", file.path, err)
		}
		var reader io.Reader = f
		if progress != nil {
			reader = io.TeeReader(f, progress)
		}
		_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(a.cfg.Bucket),
			Key:    aws.String(key),
			Body:   reader,
			ACL:    types.ObjectCannedACLPrivate,
		})
		closeErr := f.Close()
		if err != nil {
			return "", fmt.Errorf("upload %s: %w", file.path, err)
		}
		if closeErr != nil {
			return "", fmt.Errorf("close file %s: %w", file.path, closeErr)
		}
	}
	if progress != nil {
		progress.flush()
	}

	return fmt.Sprintf("s3://%s/%s", a.cfg.Bucket, prefix), nil
}

func (a *S3Archive) List(ctx context.Context, id domain.TorrentID) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(a.cfg.Bucket),
		Prefix: aws.String(a.torrentPrefix(id) + "/"),
	}
	for {
		output, err := a.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("list archived objects: %w", err)
		}
		for _, obj := range output.Contents {
			objects = append(objects, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: obj.LastModified,
			})
		}
		if !aws.ToBool(output.IsTruncated) || output.NextContinuationToken == nil {
			break
		}
		input.ContinuationToken = output.NextContinuationToken
	}
	return objects, nil
}

func (a *S3Archive) Delete(ctx context.Context, id domain.TorrentID) error {
	listInput := &s3.ListObjectsV2Input{
		Bucket: aws.String(a.cfg.Bucket),
		Prefix: aws.String(a.torrentPrefix(id) + "/"),
	}
	for {
		output, err := a.client.ListObjectsV2(ctx, listInput)
		if err != nil {
			return fmt.Errorf("list objects for delete: %w", err)
		}
		if len(output.Contents) > 0 {
			identifiers := make([]types.ObjectIdentifier, 0, len(output.Contents))
			for _, obj := range output.Contents {
				identifiers = append(identifiers, types.ObjectIdentifier{Key: obj.Key})
			}
			if _, err := a.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(a.cfg.Bucket),
				Delete: &types.Delete{
					Objects: identifiers,
					Quiet:   aws.Bool(true),
				},
			}); err != nil {
				return fmt.Errorf("delete archived objects: %w", err)
			}
		}
		if !aws.ToBool(output.IsTruncated) || output.NextContinuationToken == nil {
			break
		}
		listInput.ContinuationToken = output.NextContinuationToken
	}
	return nil
}

func (a *S3Archive) ObjectURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	req, err := a.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

var _ Service = (*S3Archive)(nil)

type progressReporter struct {
	total    int64
	done     int64
	cb       func(done, total int64)
	mu       sync.Mutex
	lastFire time.Time
}

func newProgressReporter(total int64, cb func(done, total int64)) *progressReporter {
	if cb == nil {
		return nil
	}
	return &progressReporter{total: total, cb: cb}
}

func (p *progressReporter) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done += int64(len(b))
	now := time.Now()
	if now.Sub(p.lastFire) >= 200*time.Millisecond || p.done == p.total {
		p.lastFire = now
		p.cb(p.done, p.total)
	}
	return len(b), nil
}

func (p *progressReporter) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cb(p.done, p.total)
}

func newUploadProgressLogger(logger *logrus.Entry) func(done, total int64) {
	var lastLog time.Time
	return func(done, total int64) {
		now := time.Now()
		if now.Sub(lastLog) < 500*time.Millisecond && done != total {
			return
		}
		lastLog = now
		if total == 0 {
			logger.Infof("archive progress: %s uploaded", formatBytes(done))
			return
		}
		percent := float64(done) / float64(total) * 100
		logger.Infof("archive progress: %.1f%% (%s/%s)", percent, formatBytes(done), formatBytes(total))
	}
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB",
		float64(b)/float64(div),
		"KMGTPE"[exp],
	)
}
