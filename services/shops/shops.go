// Package shops loads the operator-maintained list of storefront URLs.
package shops

import (
	"bufio"
	"context"
	"io"
	"net/url"
	"os"
	"strings"

	"sjsage522/shopwatch/helpers"
	apperrors "sjsage522/shopwatch/pkg/errors"
)

// Loader returns the shop URLs to scrape
type Loader interface {
	Load(ctx context.Context) ([]string, error)
}

// Source reads one URL per line from a local file or an http(s) URL.
// Blank lines and lines starting with # are skipped; duplicates keep their first position.
type Source struct {
	location string
}

var _ Loader = (*Source)(nil)

// NewSource creates a source for a file path or URL
func NewSource(location string) *Source {
	return &Source{location: location}
}

// Location returns the configured path or URL
func (s *Source) Location() string {
	return s.location
}

func (s *Source) remote() bool {
	return strings.HasPrefix(s.location, "http://") || strings.HasPrefix(s.location, "https://")
}

// Load reads the list
func (s *Source) Load(ctx context.Context) ([]string, error) {
	var r io.Reader
	if s.remote() {
		body, err := helpers.FetchWithRandomHeaders(ctx, s.location)
		if err != nil {
			return nil, apperrors.NewUpstream("shops", "fetch shop list", err)
		}
		r = body
	} else {
		f, err := os.Open(s.location)
		if err != nil {
			return nil, apperrors.NewConfiguration("open shop list "+s.location, err)
		}
		defer f.Close()
		r = f
	}
	return parse(r)
}

func parse(r io.Reader) ([]string, error) {
	var urls []string
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// spreadsheets exported as CSV keep the URL in the first column
		if i := strings.IndexByte(line, ','); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		u, err := url.Parse(line)
		if err != nil || u.Host == "" {
			continue
		}
		if seen[line] {
			continue
		}
		seen[line] = true
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.NewParsing("shops", "read shop list", err)
	}
	return urls, nil
}
