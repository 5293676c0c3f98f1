// Package archive retains downloaded zone files for later reprocessing,
// either on local disk or in S3. Archiving is best effort: a failed copy is
// logged, never allowed to fail the sync that produced it.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/sirupsen/logrus"
)

type Archiver interface {
	// Store persists one compressed zone file stream.
	Store(ctx context.Context, tld string, ts time.Time, r io.Reader) error
}

// New builds an archiver for the configured target: "dir", "s3", or "" for
// none (nil archiver).
func New(target, dir, bucket, prefix string) (Archiver, error) {
	switch target {
	case "":
		return nil, nil
	case "dir":
		return NewDir(dir)
	case "s3":
		return NewS3(bucket, prefix)
	default:
		return nil, fmt.Errorf("unsupported archive target: %s", target)
	}
}

func objectName(tld string, ts time.Time) string {
	return fmt.Sprintf("%s-%s.txt.gz", tld, ts.UTC().Format("20060102T150405"))
}

type dirArchiver struct {
	dir string
}

func NewDir(dir string) (Archiver, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive directory not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &dirArchiver{dir: dir}, nil
}

func (a *dirArchiver) Store(_ context.Context, tld string, ts time.Time, r io.Reader) error {
	path := filepath.Join(a.dir, objectName(tld, ts))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

type s3Archiver struct {
	uploader *s3manager.Uploader
	bucket   string
	prefix   string
}

func NewS3(bucket, prefix string) (Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("archive bucket not configured")
	}
	s, err := session.NewSession()
	if err != nil {
		return nil, err
	}
	return &s3Archiver{
		uploader: s3manager.NewUploader(s),
		bucket:   bucket,
		prefix:   prefix,
	}, nil
}

func (a *s3Archiver) Store(ctx context.Context, tld string, ts time.Time, r io.Reader) error {
	key := objectName(tld, ts)
	if a.prefix != "" {
		key = a.prefix + "/" + key
	}
	_, err := a.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   r,
	})
	return err
}

// failsafeWriter swallows write errors after the first one so a broken
// archive sink cannot poison the stream the decoder is consuming.
type failsafeWriter struct {
	w      io.Writer
	failed bool
}

func (f *failsafeWriter) Write(p []byte) (int, error) {
	if !f.failed {
		if _, err := f.w.Write(p); err != nil {
			f.failed = true
		}
	}
	return len(p), nil
}

// Tee mirrors r into the archiver while the caller consumes the returned
// reader. finish must be called once consumption ends; it flushes the mirror
// and waits for the archiver, logging failure as a warning.
func Tee(ctx context.Context, a Archiver, log *logrus.Entry, tld string, ts time.Time, r io.Reader) (io.Reader, func()) {
	pr, pw := io.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.Store(ctx, tld, ts, pr); err != nil {
			pr.CloseWithError(err)
			log.WithError(err).Warn("zone file archive failed")
		}
	}()

	finish := func() {
		pw.Close()
		<-done
	}
	return io.TeeReader(r, &failsafeWriter{w: pw}), finish
}
