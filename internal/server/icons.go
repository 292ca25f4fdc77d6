package server

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// iconMaxBytes bounds a single cached image download.
const iconMaxBytes = 2 << 20

// allowedIconHosts are the CDN hosts box art and benefit images come from.
var allowedIconHosts = map[string]bool{
	"static-cdn.jtvnw.net": true,
	"static.twitchcdn.net": true,
}

// iconCache downloads campaign and game art once into the data directory
// and serves it from disk afterwards, so UIs don't hit the CDN per render.
type iconCache struct {
	dir    string
	client *http.Client

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

func newIconCache(dir string) *iconCache {
	return &iconCache{
		dir:      dir,
		client:   &http.Client{Timeout: 15 * time.Second},
		inflight: make(map[string]chan struct{}),
	}
}

// handleIcon serves GET /api/icon?url=<cdn url>, filling the cache on miss.
func (s *Server) handleIcon(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "url parameter required"})
		return
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || !allowedIconHosts[u.Host] {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "url not allowed"})
		return
	}

	path, err := s.icons.fetch(r, raw)
	if err != nil {
		s.log.Debug("Icon fetch failed", "url", raw, "error", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "icon fetch failed"})
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=86400")
	http.ServeFile(w, r, path)
}

// fetch returns the on-disk path for the icon, downloading it on a cache
// miss. Concurrent misses for the same URL share one download.
func (c *iconCache) fetch(r *http.Request, rawURL string) (string, error) {
	path := c.pathFor(rawURL)

	for {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}

		c.mu.Lock()
		wait, busy := c.inflight[rawURL]
		if !busy {
			done := make(chan struct{})
			c.inflight[rawURL] = done
			c.mu.Unlock()

			err := c.download(r, rawURL, path)

			c.mu.Lock()
			delete(c.inflight, rawURL)
			close(done)
			c.mu.Unlock()
			if err != nil {
				return "", err
			}
			return path, nil
		}
		c.mu.Unlock()

		select {
		case <-r.Context().Done():
			return "", r.Context().Err()
		case <-wait:
		}
	}
}

func (c *iconCache) download(r *http.Request, rawURL, path string) error {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cdn returned status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(c.dir, ".icon-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, io.LimitReader(resp.Body, iconMaxBytes)); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// pathFor keys cache entries by URL hash, preserving the file extension.
func (c *iconCache) pathFor(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	name := hex.EncodeToString(sum[:16])
	if ext := filepath.Ext(rawURL); ext != "" && len(ext) <= 5 && !strings.ContainsAny(ext, "/?&") {
		name += ext
	}
	return filepath.Join(c.dir, name)
}
