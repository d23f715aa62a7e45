package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/printernizer/printernizer/modules/printers/bambu"
	"github.com/printernizer/printernizer/modules/storage"
)

// ftpStrategy pulls files off Bambu printers over implicit-TLS FTP. Known
// remote paths are tried first; when none hit, the scan directories are
// listed and the filename is matched against the inventory.
type ftpStrategy struct {
	mu      sync.Mutex
	clients map[string]*bambu.FTP
}

func newFTPStrategy() *ftpStrategy {
	return &ftpStrategy{clients: map[string]*bambu.FTP{}}
}

func (s *ftpStrategy) Name() string { return "ftp" }

func (s *ftpStrategy) Available(p *storage.Printer) bool {
	return p.Kind == storage.KindBambu && p.Host != "" && p.AccessCode != ""
}

// client caches one FTP client per printer so its listing cache survives
// across attempts.
func (s *ftpStrategy) client(p *storage.Printer) *bambu.FTP {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[p.ID]
	if !ok {
		c = bambu.NewFTP(p.Host, p.AccessCode)
		s.clients[p.ID] = c
	}
	return c
}

func (s *ftpStrategy) Download(ctx context.Context, p *storage.Printer, filename, destPath string) (int64, error) {
	client := s.client(p)

	remotePath, err := s.locate(client, filename)
	if err != nil {
		if errors.Is(err, bambu.ErrAuth) {
			return 0, Fatal(err)
		}
		return 0, err
	}

	f, err := os.Create(destPath)
	if err != nil {
		return 0, Fatal(err)
	}
	defer f.Close()

	if err := client.Retrieve(remotePath, f); err != nil {
		os.Remove(destPath)
		if errors.Is(err, bambu.ErrAuth) {
			return 0, Fatal(err)
		}
		return 0, fmt.Errorf("retrieving %s: %w", remotePath, err)
	}

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if info.Size() == 0 {
		os.Remove(destPath)
		return 0, fmt.Errorf("retrieved %s but got zero bytes", remotePath)
	}
	return info.Size(), nil
}

// locate tries the well-known paths before paying for a full directory scan.
func (s *ftpStrategy) locate(client *bambu.FTP, filename string) (string, error) {
	for _, candidate := range bambu.CandidatePaths(filename) {
		entries, err := client.List(dirOf(candidate, filename))
		if err != nil {
			if errors.Is(err, bambu.ErrAuth) {
				return "", err
			}
			continue
		}
		for _, e := range entries {
			if e.Path == candidate {
				return candidate, nil
			}
		}
	}
	return client.FindFile(filename)
}

func dirOf(fullPath, filename string) string {
	if len(fullPath) <= len(filename) {
		return ""
	}
	return fullPath[:len(fullPath)-len(filename)-1]
}
