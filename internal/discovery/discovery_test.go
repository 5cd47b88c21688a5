package discovery_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/otcheredev/ris-dicom-indexer/internal/adapters"
	"github.com/otcheredev/ris-dicom-indexer/internal/discovery"
	"github.com/otcheredev/ris-dicom-indexer/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const origin = "http://example.test"

type fakeLister struct {
	mu       sync.Mutex
	listings map[string]*models.Listing
	calls    map[string]int
}

func newFakeLister(listings map[string]*models.Listing) *fakeLister {
	return &fakeLister{listings: listings, calls: make(map[string]int)}
}

func (l *fakeLister) List(ctx context.Context, dir string) (*models.Listing, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[dir]++
	listing, ok := l.listings[dir]
	if !ok {
		return nil, errors.New("HTTP 404")
	}
	return listing, nil
}

func cyclicTree() map[string]*models.Listing {
	return map[string]*models.Listing{
		origin + "/dicoms/": {
			Dirs: []string{
				origin + "/dicoms/a/",
				origin + "/dicoms/b/",
				origin + "/dicoms/missing/",
				origin + "/other/",
				"http://evil.test/dicoms/x/",
			},
			Files: []string{
				origin + "/dicoms/1.dcm",
				origin + "/dicoms/readme.txt",
				origin + "/dicoms/noext",
				origin + "/outside/2.dcm",
			},
		},
		origin + "/dicoms/a/": {
			Dirs:  []string{origin + "/dicoms/", origin + "/dicoms/b/"},
			Files: []string{origin + "/dicoms/a/a1.DCM"},
		},
		origin + "/dicoms/b/": {
			Dirs:  []string{origin + "/dicoms/a/", origin + "/dicoms/b/../a/"},
			Files: []string{origin + "/dicoms/b/b1.mht", origin + "/dicoms/a/a1.DCM"},
		},
		origin + "/other/": {
			Files: []string{origin + "/other/leak.dcm"},
		},
	}
}

func collect(t *testing.T, src discovery.Source) []string {
	t.Helper()
	var got []string
	require.NoError(t, src.Discover(context.Background(), func(loc string) error {
		got = append(got, loc)
		return nil
	}))
	sort.Strings(got)
	return got
}

func TestCrawlerStaysInScopeAndNeverRevisits(t *testing.T) {
	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			lister := newFakeLister(cyclicTree())
			c, err := discovery.NewCrawler(lister, origin+"/dicoms")
			require.NoError(t, err)
			c.Workers = workers

			got := collect(t, c)
			assert.Equal(t, []string{
				origin + "/dicoms/1.dcm",
				origin + "/dicoms/a/a1.DCM",
				origin + "/dicoms/b/b1.mht",
				origin + "/dicoms/noext",
			}, got)

			for dir, n := range lister.calls {
				assert.Equal(t, 1, n, "directory %s listed more than once", dir)
				assert.True(t, strings.HasPrefix(dir, origin+"/dicoms/"), "listed out of scope: %s", dir)
			}
			assert.Equal(t, 1, lister.calls[origin+"/dicoms/missing/"])
		})
	}
}

func TestCrawlerLimit(t *testing.T) {
	c, err := discovery.NewCrawler(newFakeLister(cyclicTree()), origin+"/dicoms/")
	require.NoError(t, err)
	c.Limit = 2

	assert.Len(t, collect(t, c), 2)
}

func TestCrawlerStopsOnCallbackError(t *testing.T) {
	c, err := discovery.NewCrawler(newFakeLister(cyclicTree()), origin+"/dicoms/")
	require.NoError(t, err)

	stop := errors.New("stop")
	calls := 0
	err = c.Discover(context.Background(), func(string) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestCrawlerNormalize(t *testing.T) {
	c, err := discovery.NewCrawler(newFakeLister(nil), origin+"/dicoms/")
	require.NoError(t, err)

	n, ok := c.Normalize("/dicoms/a/../b/#frag")
	assert.True(t, ok)
	assert.Equal(t, origin+"/dicoms/b/", n)

	_, ok = c.Normalize("/dicoms/../etc/passwd")
	assert.False(t, ok)

	_, ok = c.Normalize("https://example.test/dicoms/x.dcm")
	assert.False(t, ok)
}

func TestScopeNormalize(t *testing.T) {
	paths, err := discovery.NewScope("/dicoms")
	require.NoError(t, err)
	assert.Equal(t, "/dicoms/", paths.Base())
	assert.False(t, paths.Absolute())

	n, ok := paths.Normalize("/dicoms/a%20b.dcm")
	assert.True(t, ok)
	assert.Equal(t, "/dicoms/a%20b.dcm", n)

	n, ok = paths.Normalize("sub/x.dcm")
	assert.True(t, ok)
	assert.Equal(t, "/dicoms/sub/x.dcm", n)

	for _, loc := range []string{
		"/dicoms/../etc/passwd",
		"/other/x.dcm",
		"http://evil.test/dicoms/x.dcm",
		"//evil.test/dicoms/x.dcm",
	} {
		_, ok := paths.Normalize(loc)
		assert.False(t, ok, loc)
	}

	abs, err := discovery.NewScope(origin + "/dicoms/")
	require.NoError(t, err)
	assert.True(t, abs.Absolute())
	n, ok = abs.Normalize("/dicoms/x.dcm")
	assert.True(t, ok)
	assert.Equal(t, origin+"/dicoms/x.dcm", n)
	_, ok = abs.Normalize("https://example.test/dicoms/x.dcm")
	assert.False(t, ok)

	_, err = discovery.NewScope("example.test:8080/dicoms/")
	assert.Error(t, err)
}

func TestCrawlerRejectsPathBase(t *testing.T) {
	_, err := discovery.NewCrawler(newFakeLister(nil), "/dicoms/")
	assert.Error(t, err)
}

func TestCrawlerOverHTTPListings(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/dicoms/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body>
			<a href="../">Parent</a>
			<a href="?C=N;O=D">Name</a>
			<a href="#top">top</a>
			<a href="sub/">sub/</a>
			<a href="broken/">broken/</a>
			<a href="x.dcm">x.dcm</a>
			<a href="notes.txt">notes.txt</a>
			<a href="/other/y.dcm">y.dcm</a>
		</body></html>`)
	})
	mux.HandleFunc("/dicoms/sub/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<a href="/dicoms/">up</a><a href="z">z</a><a href="./">self</a>`)
	})
	mux.HandleFunc("/dicoms/broken/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	adapter, err := adapters.NewHTTPAdapter(models.SourceConfig{
		Type:     models.SourceTypeHTTP,
		Endpoint: srv.URL,
		Base:     "/dicoms/",
	})
	require.NoError(t, err)
	defer adapter.Close()

	c, err := discovery.NewCrawler(adapter, srv.URL+"/dicoms/")
	require.NoError(t, err)

	assert.Equal(t, []string{
		srv.URL + "/dicoms/sub/z",
		srv.URL + "/dicoms/x.dcm",
	}, collect(t, c))
}

func TestIncludable(t *testing.T) {
	assert.True(t, discovery.Includable("IM0001"))
	assert.True(t, discovery.Includable("/a/b/scan.DCM"))
	assert.True(t, discovery.Includable("http://host.example/a/scan.mht"))
	assert.True(t, discovery.Includable("http://host.example/a/IM0001"))
	assert.False(t, discovery.Includable("report.pdf"))
	assert.False(t, discovery.Includable("/a/b/index.html"))
}

func TestWalkerSkipsHiddenEntries(t *testing.T) {
	root := t.TempDir()
	files := []string{
		"p1/s1/a.dcm",
		"p1/s1/b",
		"p1/notes.txt",
		".hidden/c.dcm",
		"p1/.DS_Store",
	}
	for _, f := range files {
		full := filepath.Join(root, f)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte("x"), 0o644))
	}

	w, err := discovery.NewWalker(root)
	require.NoError(t, err)

	assert.Equal(t, []string{
		filepath.Join(root, "p1/notes.txt"),
		filepath.Join(root, "p1/s1/a.dcm"),
		filepath.Join(root, "p1/s1/b"),
	}, collect(t, w))

	w.Limit = 1
	assert.Len(t, collect(t, w), 1)
}

func TestWalkerMissingRoot(t *testing.T) {
	w, err := discovery.NewWalker(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)

	err = w.Discover(context.Background(), func(string) error { return nil })
	assert.ErrorIs(t, err, discovery.ErrRootMissing)
}
