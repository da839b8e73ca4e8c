package geofence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const (
	defaultFetchTimeout = 10 * time.Second
	defaultMaxListSize  = 16 << 20
)

// ErrListTooLarge is returned when the list exceeds the source's size limit.
// A cut-off list is never parsed: its last line could read as a wider prefix.
var ErrListTooLarge = errors.New("geofence list exceeds size limit")

var (
	_ Source = (*HTTPSource)(nil)
	_ Cache  = (*FileCache)(nil)
)

// HTTPSource downloads a newline-delimited CIDR list. The list is
// untrusted; it is only ever parsed line by line.
type HTTPSource struct {
	URL string
	// MaxSize is the largest accepted body in bytes. Zero means 16 MiB.
	MaxSize int64
	client  *http.Client
}

func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	if url == "" {
		url = DefaultURL
	}
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &HTTPSource{
		URL:     url,
		MaxSize: defaultMaxListSize,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("failed to fetch geofence list: status code %d", resp.StatusCode)
	}
	limit := s.MaxSize
	if limit <= 0 {
		limit = defaultMaxListSize
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrListTooLarge
	}
	return data, nil
}

// FileCache keeps the list in a single plain-text file. The file's
// modification time is the time the list was fetched.
type FileCache struct {
	Path string
}

func (c *FileCache) Load() ([]byte, time.Time, error) {
	info, err := os.Stat(c.Path)
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, info.ModTime(), nil
}

// Store replaces the file through a rename, so a concurrent Load never
// reads a half-written list.
func (c *FileCache) Store(data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(c.Path), filepath.Base(c.Path)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, c.Path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
