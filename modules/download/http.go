package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/printernizer/printernizer/modules/storage"
)

const (
	httpProgressEvery = 1 << 20 // log roughly every MiB
	defaultChunkSize  = 32 * 1024
)

// httpStrategy fetches files over plain HTTP. Bambu printers expose a file
// server on port 80 for some firmware versions; OctoPrint and PrusaLink
// serve downloads from their APIs.
type httpStrategy struct {
	client    *http.Client
	chunkSize int
}

func newHTTPStrategy(chunkSize int) *httpStrategy {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &httpStrategy{client: &http.Client{Timeout: 5 * time.Minute}, chunkSize: chunkSize}
}

func (s *httpStrategy) Name() string { return "http" }

func (s *httpStrategy) Available(p *storage.Printer) bool {
	switch p.Kind {
	case storage.KindBambu:
		return p.Host != ""
	case storage.KindPrusa, storage.KindOctoPrint:
		return p.URL != ""
	}
	return false
}

// candidates returns the URL set to try, most likely first.
func (s *httpStrategy) candidates(p *storage.Printer, filename string) []string {
	escaped := url.PathEscape(filename)
	switch p.Kind {
	case storage.KindBambu:
		return []string{
			fmt.Sprintf("http://%s/cache/%s", p.Host, escaped),
			fmt.Sprintf("http://%s/model/%s", p.Host, escaped),
			fmt.Sprintf("http://%s/files/%s", p.Host, escaped),
		}
	case storage.KindOctoPrint:
		return []string{
			fmt.Sprintf("%s/downloads/files/local/%s", p.URL, escaped),
		}
	case storage.KindPrusa:
		return []string{
			fmt.Sprintf("%s/api/files/local/%s/raw", p.URL, escaped),
		}
	}
	return nil
}

func (s *httpStrategy) Download(ctx context.Context, p *storage.Printer, filename, destPath string) (int64, error) {
	var lastErr error
	for _, u := range s.candidates(p, filename) {
		n, err := s.fetch(ctx, p, u, destPath)
		if err == nil {
			return n, nil
		}
		if IsFatal(err) {
			return 0, err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no http endpoints for printer kind %s", p.Kind)
	}
	return 0, lastErr
}

func (s *httpStrategy) fetch(ctx context.Context, p *storage.Printer, u, destPath string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, Fatal(err)
	}
	switch p.Kind {
	case storage.KindBambu:
		req.SetBasicAuth("bblp", p.AccessCode)
	case storage.KindPrusa, storage.KindOctoPrint:
		req.Header.Set("X-Api-Key", p.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	// 401 and 404 move on to the next candidate URL rather than aborting:
	// different firmware versions expose different paths.
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("GET %s: status %d", u, resp.StatusCode)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return 0, Fatal(err)
	}
	defer f.Close()

	n, err := copyWithProgress(f, resp.Body, u, s.chunkSize)
	if err != nil {
		os.Remove(destPath)
		return 0, err
	}
	if n == 0 {
		// A 200 with an empty body is how some firmware reports a missing
		// file. Retrying will not help.
		os.Remove(destPath)
		return 0, Fatal(fmt.Errorf("GET %s: empty 200 response", u))
	}
	return n, nil
}

func copyWithProgress(dst io.Writer, src io.Reader, name string, chunkSize int) (int64, error) {
	var total int64
	var sinceLog int64
	buf := make([]byte, chunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
			sinceLog += int64(n)
			if sinceLog >= httpProgressEvery {
				slog.Debug("download progress", "url", name, "transferred", humanize.Bytes(uint64(total)))
				sinceLog = 0
			}
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}
