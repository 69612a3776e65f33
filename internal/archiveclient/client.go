// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package archiveclient is a thin HTTP client over a large public
// archive's metadata and file-serving API: identifier-keyed metadata
// lookups returning a flat file list, plus ranged file GETs.
package archiveclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is the production metadata/download host.
const DefaultBaseURL = "https://archive.org"

// flexInt64 decodes a JSON field that the metadata API sometimes
// emits as a number and sometimes as a numeric string, depending on
// endpoint version.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("archiveclient: invalid numeric field %q: %w", s, err)
	}
	*f = flexInt64(n)
	return nil
}

// File describes one file belonging to an item, as returned by the
// metadata API's "files" array.
type File struct {
	Name   string `json:"name"`
	Source string `json:"source,omitempty"`
	Format string `json:"format,omitempty"`
	Size   int64  `json:"-"`
	MD5    string `json:"md5,omitempty"`
	SHA1   string `json:"sha1,omitempty"`
	CRC32  string `json:"crc32,omitempty"`
}

// rawFile is the wire shape of File, with Size left as flexInt64 to
// absorb the metadata API's mixed number/numeric-string encoding.
type rawFile struct {
	Name   string    `json:"name"`
	Source string    `json:"source,omitempty"`
	Format string    `json:"format,omitempty"`
	Size   flexInt64 `json:"size,omitempty"`
	MD5    string    `json:"md5,omitempty"`
	SHA1   string    `json:"sha1,omitempty"`
	CRC32  string    `json:"crc32,omitempty"`
}

func (rf rawFile) toFile() File {
	return File{
		Name:   rf.Name,
		Source: rf.Source,
		Format: rf.Format,
		Size:   int64(rf.Size),
		MD5:    rf.MD5,
		SHA1:   rf.SHA1,
		CRC32:  rf.CRC32,
	}
}

// rawMetadata mirrors the subset of the metadata API's JSON body this
// client cares about. item_size and files[].size arrive as numbers or
// numeric strings depending on endpoint version, hence flexInt64.
type rawMetadata struct {
	Metadata struct {
		Identifier string `json:"identifier"`
		Title      string `json:"title"`
	} `json:"metadata"`
	Files    []rawFile `json:"files"`
	ItemSize flexInt64 `json:"item_size"`
	IsDark   bool      `json:"is_dark"`
}

// Item is the parsed, client-facing view of an archive item's
// metadata response.
type Item struct {
	Identifier string
	Title      string
	ItemSize   int64
	IsDark     bool
	Files      []File
}

// Client talks to the archive's metadata and download endpoints. The
// zero value is not usable; construct with New.
type Client struct {
	httpc   *http.Client
	baseURL string
	token   string
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithToken attaches a bearer token to every request, for
// authenticated access to restricted items.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithBaseURL overrides DefaultBaseURL, for testing against a local
// fixture server.
func WithBaseURL(base string) Option {
	return func(c *Client) { c.baseURL = base }
}

// New builds a Client with production-sane transport settings. No
// overall client timeout; per-call deadlines come from the request
// context so long file streams aren't cut off mid-body.
func New(opts ...Option) *Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	c := &Client{
		httpc:   &http.Client{Transport: tr},
		baseURL: DefaultBaseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) addAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("User-Agent", "bulkarchive/1")
}

func (c *Client) metadataURL(identifier string) string {
	return fmt.Sprintf("%s/metadata/%s", c.baseURL, url.PathEscape(identifier))
}

// DownloadURL builds the URL for one file of an item.
func (c *Client) DownloadURL(identifier, filename string) string {
	return fmt.Sprintf("%s/download/%s/%s", c.baseURL, url.PathEscape(identifier), pathEscapeAll(filename))
}

// DetailsURL builds the human-facing details page URL for an item,
// used in access-denied error messages.
func (c *Client) DetailsURL(identifier string) string {
	return fmt.Sprintf("%s/details/%s", c.baseURL, url.PathEscape(identifier))
}

// GetItem fetches and parses identifier's metadata.
func (c *Client) GetItem(ctx context.Context, identifier string) (*Item, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.metadataURL(identifier), nil)
	if err != nil {
		return nil, err
	}
	c.addAuth(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("archiveclient: metadata request for %s: %w", identifier, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("archiveclient: %w: 401 unauthorized for %s (visit %s)", ErrNoAccess, identifier, c.DetailsURL(identifier))
	case http.StatusForbidden:
		return nil, fmt.Errorf("archiveclient: %w: 403 forbidden for %s (visit %s)", ErrNoAccess, identifier, c.DetailsURL(identifier))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("archiveclient: metadata API returned %s for %s", resp.Status, identifier)
	}

	var raw rawMetadata
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("archiveclient: decode metadata for %s: %w", identifier, err)
	}

	if raw.Metadata.Identifier == "" && len(raw.Files) == 0 {
		return nil, fmt.Errorf("archiveclient: %w: %s", ErrNotFound, identifier)
	}

	files := make([]File, len(raw.Files))
	for i, rf := range raw.Files {
		files[i] = rf.toFile()
	}

	return &Item{
		Identifier: identifier,
		Title:      raw.Metadata.Title,
		ItemSize:   int64(raw.ItemSize),
		IsDark:     raw.IsDark,
		Files:      files,
	}, nil
}

// HeadAcceptsRanges reports whether the server advertises byte-range
// support for a file URL, used to decide whether a partially written
// file can be resumed with a ranged GET.
func (c *Client) HeadAcceptsRanges(ctx context.Context, fileURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, fileURL, nil)
	if err != nil {
		return false
	}
	c.addAuth(req)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return strings.Contains(strings.ToLower(resp.Header.Get("Accept-Ranges")), "bytes")
}

// OpenFile issues a ranged or full GET for filename within identifier,
// returning the response body for the caller to stream and close.
// offset < 0 requests the whole file.
func (c *Client) OpenFile(ctx context.Context, identifier, filename string, offset int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.DownloadURL(identifier, filename), nil)
	if err != nil {
		return nil, err
	}
	c.addAuth(req)
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("archiveclient: GET %s/%s: %w", identifier, filename, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, fmt.Errorf("archiveclient: GET %s/%s returned %s", identifier, filename, resp.Status)
	}
	return resp, nil
}

func pathEscapeAll(p string) string {
	// Escape each segment but keep literal slashes, since archive
	// file paths are nested.
	out := make([]byte, 0, len(p)+8)
	start := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			out = append(out, []byte(url.PathEscape(p[start:i]))...)
			if i != len(p) {
				out = append(out, '/')
			}
			start = i + 1
		}
	}
	return string(out)
}
