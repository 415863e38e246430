package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"realtime_chat/internal/domain"

	"github.com/google/uuid"
)

// Upload is one file handed to the blob store.
type Upload struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

type Store interface {
	Upload(ctx context.Context, u Upload) (domain.Attachment, error)
	Delete(ctx context.Context, publicIDs ...string) error
}

// LocalStore keeps blobs on the local filesystem and serves them from baseURL.
type LocalStore struct {
	dir     string
	baseURL string
	maxSize int64
}

func NewLocalStore(dir, baseURL string, maxSize int64) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob dir: %w", err)
	}
	return &LocalStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/"), maxSize: maxSize}, nil
}

func (s *LocalStore) Dir() string { return s.dir }

func (s *LocalStore) Upload(ctx context.Context, u Upload) (domain.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return domain.Attachment{}, err
	}
	if u.Body == nil {
		return domain.Attachment{}, fmt.Errorf("%w: empty upload %q", domain.ErrValidation, u.Name)
	}

	publicID := uuid.New().String() + strings.ToLower(filepath.Ext(u.Name))
	path := filepath.Join(s.dir, publicID)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("failed to create blob: %w", err)
	}

	body := u.Body
	if s.maxSize > 0 {
		body = io.LimitReader(u.Body, s.maxSize+1)
	}
	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && s.maxSize > 0 && n > s.maxSize {
		err = fmt.Errorf("%w: %q exceeds %d bytes", domain.ErrValidation, u.Name, s.maxSize)
	}
	if err != nil {
		os.Remove(path)
		return domain.Attachment{}, fmt.Errorf("failed to write blob: %w", err)
	}

	return domain.Attachment{PublicID: publicID, URL: s.baseURL + "/" + publicID}, nil
}

// Delete removes the given blobs. Missing blobs are not an error.
func (s *LocalStore) Delete(_ context.Context, publicIDs ...string) error {
	var errs []error
	for _, id := range publicIDs {
		if id == "" || id != filepath.Base(id) {
			errs = append(errs, fmt.Errorf("%w: bad blob id %q", domain.ErrValidation, id))
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
