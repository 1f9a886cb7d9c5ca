// Package transport fetches manifest and package bytes over http(s) and
// s3, and implements the repo-relative URL join used when resolving a
// release manifest path against a routing manifest's base URL.
package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/xerrors"
)

// Fetcher retrieves bytes from http(s):// and s3:// URLs.
type Fetcher struct {
	httpClient *retryablehttp.Client
	timeout    time.Duration
}

// NewFetcher builds a Fetcher whose http(s) requests retry with backoff
// and are bounded by timeout.
func NewFetcher(timeout time.Duration) *Fetcher {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.Logger = nil
	return &Fetcher{httpClient: c, timeout: timeout}
}

// FetchBytes retrieves the full body at rawURL.
func (f *Fetcher) FetchBytes(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, xerrors.Errorf("parse url %q: %w", rawURL, err)
	}

	switch u.Scheme {
	case "http", "https":
		return f.fetchHTTP(ctx, rawURL)
	case "s3":
		return f.fetchS3(ctx, u)
	default:
		return nil, xerrors.Errorf("unsupported URL scheme %q in %q", u.Scheme, rawURL)
	}
}

// FetchText retrieves the body at rawURL as a string.
func (f *Fetcher) FetchText(ctx context.Context, rawURL string) (string, error) {
	b, err := f.FetchBytes(ctx, rawURL)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// FetchJSON retrieves the body at rawURL and unmarshals it into out.
func (f *Fetcher) FetchJSON(ctx context.Context, rawURL string, out any) error {
	b, err := f.FetchBytes(ctx, rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return xerrors.Errorf("unmarshal json from %q: %w", rawURL, err)
	}
	return nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, xerrors.Errorf("build request for %q: %w", rawURL, err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Errorf("fetch %q: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, xerrors.Errorf("fetch %q: unexpected status %d", rawURL, resp.StatusCode)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, xerrors.Errorf("read body of %q: %w", rawURL, err)
	}
	return b, nil
}

func (f *Fetcher) fetchS3(ctx context.Context, u *url.URL) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, xerrors.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)

	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Errorf("s3 get %q: %w", u.String(), err)
	}
	defer out.Body.Close()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, xerrors.Errorf("read s3 body %q: %w", u.String(), err)
	}
	return b, nil
}

// RepoRelativeURL resolves relPath against baseURL. If relPath begins with
// "releases/" and baseURL's path contains a "/releases/" segment, the
// result is spliced at that marker (so a base deep inside one release's
// directory still resolves siblings correctly); otherwise it falls back
// to ordinary URL reference resolution.
func RepoRelativeURL(baseURL, relPath string) (string, error) {
	if u, err := url.Parse(relPath); err == nil && u.IsAbs() {
		return relPath, nil
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return "", xerrors.Errorf("parse base url %q: %w", baseURL, err)
	}

	if strings.HasPrefix(relPath, "releases/") {
		const marker = "/releases/"
		if idx := strings.Index(base.Path, marker); idx >= 0 {
			rootPath := base.Path[:idx+1] // keep leading slash before "releases/"
			spliced := *base
			spliced.Path = rootPath + relPath
			spliced.RawQuery = ""
			spliced.Fragment = ""
			return spliced.String(), nil
		}
	}

	rel, err := url.Parse(relPath)
	if err != nil {
		return "", xerrors.Errorf("parse relative url %q: %w", relPath, err)
	}
	return base.ResolveReference(rel).String(), nil
}
