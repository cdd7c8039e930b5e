package samples

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// maxAssetSize bounds a single fetched asset.
const maxAssetSize = 64 << 20

var ErrTooLarge = errors.New("samples: asset exceeds size limit")

// Fetcher retrieves the raw bytes of an asset.
type Fetcher interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, location string) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, location string) ([]byte, error) {
	return f(ctx, location)
}

// HTTPFetcher fetches http and https URLs. Bodies larger than MaxSize
// (64 MiB when zero) fail with ErrTooLarge.
type HTTPFetcher struct {
	Client  *http.Client
	MaxSize int64
}

func (h HTTPFetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, errors.Wrap(err, "samples: build request")
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "samples: fetch %s", location)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("samples: fetch %s: %s", location, resp.Status)
	}
	limit := h.MaxSize
	if limit <= 0 {
		limit = maxAssetSize
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, errors.Wrapf(err, "samples: read %s", location)
	}
	if int64(len(data)) > limit {
		return nil, errors.Wrapf(ErrTooLarge, "samples: fetch %s", location)
	}
	return data, nil
}

// FileFetcher reads local paths, relative to Root when they are not
// absolute. file:// URLs are accepted too.
type FileFetcher struct {
	Root string
}

func (f FileFetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := strings.TrimPrefix(location, "file://")
	if !filepath.IsAbs(path) && f.Root != "" {
		path = filepath.Join(f.Root, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "samples: read %s", path)
	}
	return data, nil
}

// AutoFetcher dispatches on the location scheme: http and https go to HTTP,
// everything else is read from disk.
type AutoFetcher struct {
	HTTP HTTPFetcher
	File FileFetcher
}

func (a AutoFetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	if u, err := url.Parse(location); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return a.HTTP.Fetch(ctx, location)
	}
	return a.File.Fetch(ctx, location)
}
