package repo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/MrSnakeDoc/minienv/internal/domain"
	"github.com/MrSnakeDoc/minienv/internal/logger"
	"github.com/MrSnakeDoc/minienv/internal/utils"
)

const (
	ManifestFile = "minienv.json"

	// maxFileSize caps what is read from a repository file.
	maxFileSize = 1 << 20
)

// ComposeFiles are tried in order.
var ComposeFiles = []string{"docker-compose.yml", "docker-compose.yaml"}

var (
	// errNotFound marks a file the repository host does not have.
	errNotFound = errors.New("file not found")
	// errTooLarge marks a file over maxFileSize; it is never parsed truncated.
	errTooLarge = errors.New("file too large")
)

// Options configures a Fetcher.
type Options struct {
	Branch  string        // branch in <repo>/raw/<branch>/<file>, default "master"
	Timeout time.Duration // per attempt
	Retries int           // extra attempts on transport errors and 5xx
}

// Fetcher retrieves raw files from a repository host that serves them under
// <repo>/raw/<branch>/<path>.
type Fetcher struct {
	client *retryablehttp.Client
	branch string
	logger logger.Logger
}

// NewFetcher creates a Fetcher.
func NewFetcher(opts Options, log logger.Logger) *Fetcher {
	if opts.Branch == "" {
		opts.Branch = "master"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}

	client := retryablehttp.NewClient()
	client.RetryMax = opts.Retries
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = opts.Timeout
	client.Logger = retryLogger{log: log}

	return &Fetcher{
		client: client,
		branch: opts.Branch,
		logger: log,
	}
}

// RawURL returns the raw download URL of file in repo.
func (f *Fetcher) RawURL(repo, file string) string {
	base := strings.TrimSuffix(strings.TrimSuffix(repo, "/"), ".git")
	return fmt.Sprintf("%s/raw/%s/%s", base, f.branch, file)
}

// Fetch downloads one file. A missing file yields errNotFound.
func (f *Fetcher) Fetch(ctx context.Context, repo, file string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, f.RawURL(repo, file), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", file, err)
	}
	defer utils.Close(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", file, errNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch %s: unexpected status %d", file, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file, err)
	}
	if len(data) > maxFileSize {
		return nil, fmt.Errorf("%s: %w", file, errTooLarge)
	}
	return data, nil
}

// Manifest fetches and parses minienv.json. Any failure is reported wrapped in
// ErrManifestUnavailable together with an empty manifest, which callers use as is.
func (f *Fetcher) Manifest(ctx context.Context, repo string) (domain.DeploymentManifest, error) {
	data, err := f.Fetch(ctx, repo, ManifestFile)
	if err != nil {
		return domain.DeploymentManifest{}, fmt.Errorf("%w: %w", domain.ErrManifestUnavailable, err)
	}
	m, err := domain.ParseManifest(data)
	if err != nil {
		return domain.DeploymentManifest{}, err
	}
	return m, nil
}

// ComposeFile fetches the repository compose file, trying .yml then .yaml.
// Neither being retrievable and non-empty yields ErrComposeFileUnavailable.
func (f *Fetcher) ComposeFile(ctx context.Context, repo string) (domain.ComposeFile, error) {
	var lastErr error
	for _, name := range ComposeFiles {
		data, err := f.Fetch(ctx, repo, name)
		if err != nil {
			f.logger.Debug("compose file not retrieved",
				logger.String("repo", repo),
				logger.String("file", name),
				logger.Error(err))
			if errors.Is(err, errTooLarge) {
				return domain.ComposeFile{}, fmt.Errorf("%w: %w", domain.ErrComposeFileUnavailable, err)
			}
			lastErr = err
			continue
		}
		if len(strings.TrimSpace(string(data))) == 0 {
			lastErr = fmt.Errorf("%s is empty", name)
			continue
		}

		file, err := domain.ParseComposeFile(data)
		if err != nil {
			return domain.ComposeFile{}, fmt.Errorf("%w: %w", domain.ErrComposeFileUnavailable, err)
		}
		return file, nil
	}
	return domain.ComposeFile{}, fmt.Errorf("%w: %w", domain.ErrComposeFileUnavailable, lastErr)
}

// retryLogger adapts logger.Logger to retryablehttp.LeveledLogger.
type retryLogger struct {
	log logger.Logger
}

func (r retryLogger) Error(msg string, kv ...interface{}) { r.log.Warnf("%s %v", msg, kv) }
func (r retryLogger) Warn(msg string, kv ...interface{})  { r.log.Warnf("%s %v", msg, kv) }
func (r retryLogger) Info(msg string, kv ...interface{})  { r.log.Debugf("%s %v", msg, kv) }
func (r retryLogger) Debug(msg string, kv ...interface{}) { r.log.Debugf("%s %v", msg, kv) }
