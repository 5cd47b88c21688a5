package adapters

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/otcheredev/ris-dicom-indexer/internal/models"
	"golang.org/x/net/html"
)

// MaxRecordSize bounds a single fetched record.
const MaxRecordSize = 1 << 30

// HTTPAdapter implements SourceAdapter for same-origin hypertext listings
type HTTPAdapter struct {
	BaseAdapter
	client   *http.Client
	origin   *url.URL
	username string
	password string
	apiKey   string
}

// NewHTTPAdapter creates a new HTTP adapter
func NewHTTPAdapter(config models.SourceConfig) (*HTTPAdapter, error) {
	origin, err := url.Parse(config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", config.Endpoint, err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("endpoint %q must be an absolute URL", config.Endpoint)
	}

	return &HTTPAdapter{
		BaseAdapter: BaseAdapter{config: config},
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		origin:   origin,
		username: config.Username,
		password: config.Password,
		apiKey:   config.APIKey,
	}, nil
}

func (h *HTTPAdapter) Type() models.SourceType {
	return models.SourceTypeHTTP
}

// Resolve turns a location (absolute URL or origin-relative path) into an absolute URL
func (h *HTTPAdapter) Resolve(location string) (string, error) {
	ref, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("invalid location %q: %w", location, err)
	}
	return h.origin.ResolveReference(ref).String(), nil
}

// Fetch retrieves record bytes
func (h *HTTPAdapter) Fetch(ctx context.Context, location string) ([]byte, error) {
	target, err := h.Resolve(location)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	h.addAuth(req)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source returned status %d for %s", resp.StatusCode, target)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxRecordSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return data, nil
}

// List fetches a directory listing page and classifies its links
func (h *HTTPAdapter) List(ctx context.Context, dir string) (*models.Listing, error) {
	target, err := h.Resolve(dir)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	h.addAuth(req)
	req.Header.Set("Accept", "text/html")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source returned status %d for %s", resp.StatusCode, target)
	}

	// Links resolve against the final URL after redirects
	pageURL := resp.Request.URL

	hrefs, err := extractLinks(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse listing %s: %w", target, err)
	}

	listing := &models.Listing{}
	for _, href := range hrefs {
		if href == "" || href == "../" || strings.HasPrefix(href, "?") || strings.HasPrefix(href, "#") {
			continue
		}
		ref, err := url.Parse(href)
		if err != nil {
			continue
		}
		abs := pageURL.ResolveReference(ref)
		abs.Fragment = ""
		if strings.HasSuffix(href, "/") || strings.HasSuffix(abs.Path, "/") {
			listing.Dirs = append(listing.Dirs, abs.String())
		} else {
			listing.Files = append(listing.Files, abs.String())
		}
	}

	return listing, nil
}

// Close closes the adapter
func (h *HTTPAdapter) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

// addAuth adds authentication to requests bound for the configured origin
func (h *HTTPAdapter) addAuth(req *http.Request) {
	if req.URL.Scheme != h.origin.Scheme || req.URL.Host != h.origin.Host {
		return
	}
	if h.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", h.apiKey))
	} else if h.username != "" && h.password != "" {
		req.SetBasicAuth(h.username, h.password)
	}
}

// extractLinks returns the href of every anchor in an HTML document
func extractLinks(r io.Reader) ([]string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	var hrefs []string
	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key == "href" {
					hrefs = append(hrefs, strings.TrimSpace(attr.Val))
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(doc)

	return hrefs, nil
}
