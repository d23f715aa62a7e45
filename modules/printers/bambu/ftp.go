package bambu

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/secsy/goftp"
)

const (
	ftpPort         = 990
	ftpUser         = "bblp"
	ftpTimeout      = 30 * time.Second
	listingCacheTTL = 30 * time.Second
)

// ErrAuth marks a rejected login. Callers must not retry it.
var ErrAuth = errors.New("ftp authentication rejected")

// scanDirs is the directory set searched during filename discovery, in
// priority order. The empty string is the FTP root.
var scanDirs = []string{"cache", "", "model", "timelapse", "sdcard", "gcodes"}

// Entry is one remote file from a directory listing. Modified is best-effort
// and may be the zero time.
type Entry struct {
	Name      string
	Path      string
	SizeBytes int64
	Modified  time.Time
}

// FTP is a client for the printer's FTP service: implicit TLS on port 990,
// fixed bblp user, access code as password, protected passive data channel.
// TLS is established on the raw socket before the FTP greeting - this is not
// AUTH TLS.
type FTP struct {
	host       string
	accessCode string

	mu      sync.Mutex
	cache   map[string][]Entry
	cacheAt map[string]time.Time
}

func NewFTP(host, accessCode string) *FTP {
	return &FTP{
		host:       host,
		accessCode: accessCode,
		cache:      map[string][]Entry{},
		cacheAt:    map[string]time.Time{},
	}
}

func (f *FTP) dial() (*goftp.Client, error) {
	client, err := goftp.DialConfig(goftp.Config{
		User:     ftpUser,
		Password: f.accessCode,
		Timeout:  ftpTimeout,
		TLSConfig: &tls.Config{
			InsecureSkipVerify: true,
			ServerName:         f.host,
		},
		TLSMode: goftp.TLSImplicit,
	}, fmt.Sprintf("%s:%d", f.host, ftpPort))
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", f.host, err)
	}
	return client, nil
}

// classify maps goftp errors onto the retry taxonomy: 530 is an auth
// rejection, everything else is treated as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ftpErr goftp.Error
	if errors.As(err, &ftpErr) && ftpErr.Code() == 530 {
		return fmt.Errorf("%w: %s", ErrAuth, ftpErr.Message())
	}
	return err
}

// List returns the contents of a remote directory. Listings are cached for
// ~30s since inventory refresh and download discovery hit the same dirs.
func (f *FTP) List(dir string) ([]Entry, error) {
	f.mu.Lock()
	if at, ok := f.cacheAt[dir]; ok && time.Since(at) < listingCacheTTL {
		entries := f.cache[dir]
		f.mu.Unlock()
		return entries, nil
	}
	f.mu.Unlock()

	client, err := f.dial()
	if err != nil {
		return nil, classify(err)
	}
	defer client.Close()

	target := dir
	if target == "" {
		target = "/"
	}
	infos, err := client.ReadDir(target)
	if err != nil {
		return nil, classify(err)
	}

	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		entries = append(entries, Entry{
			Name:      info.Name(),
			Path:      path.Join(dir, info.Name()),
			SizeBytes: info.Size(),
			Modified:  safeModTime(info),
		})
	}

	f.mu.Lock()
	f.cache[dir] = entries
	f.cacheAt[dir] = time.Now()
	f.mu.Unlock()
	return entries, nil
}

// safeModTime tolerates servers that report unparseable timestamps.
func safeModTime(info os.FileInfo) (t time.Time) {
	defer func() {
		if recover() != nil {
			t = time.Time{}
		}
	}()
	return info.ModTime()
}

// ListAll walks the scan directory set and returns every file found.
func (f *FTP) ListAll() ([]Entry, error) {
	var all []Entry
	var lastErr error
	for _, dir := range scanDirs {
		entries, err := f.List(dir)
		if err != nil {
			if errors.Is(err, ErrAuth) {
				return nil, err
			}
			lastErr = err
			continue
		}
		all = append(all, entries...)
	}
	if all == nil && lastErr != nil {
		return nil, lastErr
	}
	return all, nil
}

// Retrieve streams a remote file into w.
func (f *FTP) Retrieve(remotePath string, w io.Writer) error {
	client, err := f.dial()
	if err != nil {
		return classify(err)
	}
	defer client.Close()
	return classify(client.Retrieve(remotePath, w))
}

// CandidatePaths returns the default remote path set tried before falling
// back to directory-scan discovery.
func CandidatePaths(filename string) []string {
	paths := make([]string, 0, len(scanDirs))
	for _, dir := range scanDirs {
		paths = append(paths, path.Join(dir, filename))
	}
	return paths
}

// FindFile locates a file by name across the scan directories. It prefers a
// case-insensitive exact match; failing that it fuzzy-matches entries whose
// basename contains the queried basename, preferring .3mf over .gcode and
// prefix matches over substring matches.
func (f *FTP) FindFile(filename string) (string, error) {
	entries, err := f.ListAll()
	if err != nil {
		return "", err
	}
	return findIn(entries, filename)
}

func findIn(entries []Entry, filename string) (string, error) {
	lower := strings.ToLower(filename)
	for _, e := range entries {
		if strings.ToLower(e.Name) == lower {
			return e.Path, nil
		}
	}

	base := strings.ToLower(strings.TrimSuffix(filename, path.Ext(filename)))
	if base == "" {
		return "", fmt.Errorf("file %q not found on printer", filename)
	}

	type candidate struct {
		entry Entry
		rank  int
	}
	var candidates []candidate
	for _, e := range entries {
		name := strings.ToLower(e.Name)
		if !strings.Contains(name, base) {
			continue
		}
		rank := 0
		if strings.HasPrefix(name, base) {
			rank += 2
		}
		switch strings.ToLower(path.Ext(e.Name)) {
		case ".3mf":
			rank += 4
		case ".gcode":
			rank += 1
		}
		candidates = append(candidates, candidate{entry: e, rank: rank})
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("file %q not found on printer", filename)
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].rank > candidates[j].rank })
	return candidates[0].entry.Path, nil
}
