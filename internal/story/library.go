package story

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/ent0n29/storyvoice/internal/reliability"
)

var ErrScriptNotFound = errors.New("story script not found")

// ScriptLoadError reports a script that could not be retrieved. It is fatal
// for that script only.
type ScriptLoadError struct {
	Name string
	Err  error
}

func (e *ScriptLoadError) Error() string {
	return fmt.Sprintf("load story script %q: %v", e.Name, e.Err)
}

func (e *ScriptLoadError) Unwrap() error { return e.Err }

// Library resolves story asset names to script text.
type Library interface {
	LoadText(ctx context.Context, name string) (string, error)
}

// LoadScene loads and parses one script.
func LoadScene(ctx context.Context, lib Library, name string) (Scene, error) {
	text, err := lib.LoadText(ctx, name)
	if err != nil {
		return Scene{}, err
	}
	return Parse(text), nil
}

// LoadScenes loads every named script in order, stopping at the first failure.
func LoadScenes(ctx context.Context, lib Library, names []string) ([]Scene, error) {
	out := make([]Scene, 0, len(names))
	for _, name := range names {
		sc, err := LoadScene(ctx, lib, name)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

// FSLibrary serves scripts from a filesystem tree.
type FSLibrary struct {
	fsys fs.FS
}

func NewFSLibrary(fsys fs.FS) *FSLibrary {
	return &FSLibrary{fsys: fsys}
}

// NewDirLibrary serves scripts from a directory on disk.
func NewDirLibrary(dir string) *FSLibrary {
	return NewFSLibrary(os.DirFS(dir))
}

func (l *FSLibrary) LoadText(_ context.Context, name string) (string, error) {
	clean, err := cleanName(name)
	if err != nil {
		return "", &ScriptLoadError{Name: name, Err: err}
	}
	data, err := fs.ReadFile(l.fsys, clean)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", &ScriptLoadError{Name: name, Err: ErrScriptNotFound}
		}
		return "", &ScriptLoadError{Name: name, Err: err}
	}
	return string(data), nil
}

// HTTPLibrary fetches scripts from <base>/<name>, retrying transient
// upstream failures with capped exponential backoff.
type HTTPLibrary struct {
	baseURL  string
	client   *http.Client
	attempts int
	backoff  time.Duration
}

func NewHTTPLibrary(baseURL string, client *http.Client) *HTTPLibrary {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPLibrary{
		baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:   client,
		attempts: 3,
		backoff:  200 * time.Millisecond,
	}
}

func (l *HTTPLibrary) LoadText(ctx context.Context, name string) (string, error) {
	clean, err := cleanName(name)
	if err != nil {
		return "", &ScriptLoadError{Name: name, Err: err}
	}
	target := l.baseURL + "/" + (&url.URL{Path: clean}).EscapedPath()

	var lastErr error
	for attempt := 0; attempt < l.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", &ScriptLoadError{Name: name, Err: ctx.Err()}
			case <-time.After(reliability.ExponentialBackoff(attempt-1, l.backoff, 2*time.Second)):
			}
		}
		text, status, err := l.fetch(ctx, target)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if status == http.StatusNotFound {
			return "", &ScriptLoadError{Name: name, Err: ErrScriptNotFound}
		}
		if status != 0 && !reliability.IsRetryableHTTPStatus(status) {
			break
		}
	}
	return "", &ScriptLoadError{Name: name, Err: lastErr}
}

func (l *HTTPLibrary) fetch(ctx context.Context, target string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", 0, err
	}
	res, err := l.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return "", res.StatusCode, err
	}
	if res.StatusCode != http.StatusOK {
		return "", res.StatusCode, fmt.Errorf("HTTP %d: %s", res.StatusCode, http.StatusText(res.StatusCode))
	}
	return string(body), res.StatusCode, nil
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("empty script name")
	}
	clean := path.Clean(strings.TrimPrefix(name, "/"))
	if clean == "." || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid script name %q", name)
	}
	return clean, nil
}
