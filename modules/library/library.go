package library

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/printernizer/printernizer/engine"
	"github.com/printernizer/printernizer/modules/storage"
	"golang.org/x/sys/unix"
)

const (
	hashBufSize = 8 * 1024

	// A copy needs the file itself plus headroom for the metadata pass.
	freeSpaceFactor = 1.5

	maxConflictSuffix = 1000
)

var libraryIngests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "printernizer_library_ingests_total",
	Help: "Library ingest operations by outcome.",
}, []string{"outcome"})

// ErrNoSpace means the library volume cannot hold the file with headroom.
var ErrNoSpace = errors.New("not enough free space in library")

// Library is the content-addressed file store. Files are deduplicated by
// SHA-256: the first ingest of a hash owns the physical copy, later ingests
// add provenance rows that point back at it.
type Library struct {
	store *storage.Store
	bus   *engine.Bus
	root  string
}

func NewLibrary(store *storage.Store, bus *engine.Bus, root string) (*Library, error) {
	if root == "" {
		return nil, errors.New("library root is required")
	}
	for _, sub := range []string{"models", "printers", "uploads"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, err
		}
	}
	return &Library{store: store, bus: bus, root: root}, nil
}

func (l *Library) Root() string { return l.root }

// Ingest brings sourcePath into the library. The source file is never
// modified or removed. On success the returned row is either the new
// canonical record or a duplicate record pointing at the existing one.
func (l *Library) Ingest(ctx context.Context, sourcePath string, src storage.Source) (*storage.LibraryFile, error) {
	f, err := l.ingest(ctx, sourcePath, src)
	if err != nil {
		libraryIngests.WithLabelValues("failure").Inc()
		return nil, err
	}
	libraryIngests.WithLabelValues("success").Inc()
	return f, nil
}

func (l *Library) ingest(ctx context.Context, sourcePath string, src storage.Source) (*storage.LibraryFile, error) {
	checksum, size, err := checksumFile(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("hashing %s: %w", sourcePath, err)
	}

	// Dedup check before any disk writes.
	canonical, err := l.store.GetCanonicalLibraryFile(ctx, checksum)
	if err == nil {
		return l.recordDuplicate(ctx, canonical, sourcePath, src)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if err := l.checkFreeSpace(size); err != nil {
		return nil, err
	}

	destPath, err := l.placeFile(sourcePath, src)
	if err != nil {
		return nil, err
	}

	copiedSum, copiedSize, err := copyAndHash(sourcePath, destPath)
	if err != nil {
		os.Remove(destPath)
		return nil, fmt.Errorf("copying into library: %w", err)
	}
	if copiedSum != checksum {
		os.Remove(destPath)
		return nil, fmt.Errorf("checksum changed during copy of %s", sourcePath)
	}

	rel, err := filepath.Rel(l.root, destPath)
	if err != nil {
		rel = destPath
	}
	file := &storage.LibraryFile{
		Key:         checksum,
		Checksum:    checksum,
		Filename:    filepath.Base(destPath),
		FileType:    fileType(destPath),
		SizeBytes:   copiedSize,
		LibraryPath: rel,
	}
	err = l.store.InsertLibraryFile(ctx, file, src)
	if errors.Is(err, storage.ErrDuplicateKey) {
		// Another ingest won the canonical slot between our dedup check and
		// the insert. Discard our copy and fall back to the duplicate path.
		os.Remove(destPath)
		canonical, err := l.store.GetCanonicalLibraryFile(ctx, checksum)
		if err != nil {
			return nil, err
		}
		return l.recordDuplicate(ctx, canonical, sourcePath, src)
	}
	if err != nil {
		os.Remove(destPath)
		return nil, err
	}

	slog.Info("added file to library", "filename", file.Filename, "checksum", checksum[:12], "size", size)
	l.bus.Publish(engine.EventLibraryFileAdded, file)
	return file, nil
}

// recordDuplicate registers provenance for a hash that already has a
// physical copy. A duplicate row with a synthetic key keeps each ingest
// visible. The bytes are normally shared with the canonical row; when a new
// source's natural placement is occupied by another file, conflict resolution
// places a suffixed second copy so that name stays claimed on disk.
func (l *Library) recordDuplicate(ctx context.Context, canonical *storage.LibraryFile, sourcePath string, src storage.Source) (*storage.LibraryFile, error) {
	dup := &storage.LibraryFile{
		Key:         canonical.Checksum + "-" + uuid.NewString(),
		Checksum:    canonical.Checksum,
		Filename:    filepath.Base(sourcePath),
		FileType:    canonical.FileType,
		SizeBytes:   canonical.SizeBytes,
		LibraryPath: canonical.LibraryPath,
		IsDuplicate: true,
		DuplicateOf: canonical.Checksum,
	}

	known, err := l.sourceRecorded(ctx, canonical.Checksum, src)
	if err != nil {
		return nil, err
	}
	if !known {
		rel, placed, err := l.placeDuplicateCopy(canonical, sourcePath, src)
		if err != nil {
			return nil, err
		}
		if placed {
			dup.LibraryPath = rel
			dup.Filename = filepath.Base(rel)
		}
	}

	if err := l.store.InsertLibraryFile(ctx, dup, src); err != nil {
		if dup.LibraryPath != canonical.LibraryPath {
			os.Remove(filepath.Join(l.root, dup.LibraryPath))
		}
		return nil, err
	}
	// Duplicates share the canonical row's metadata; nothing to analyze.
	if err := l.store.FinishAnalysis(ctx, dup.Key, nil, nil, 0, 0, ""); err != nil {
		return nil, err
	}
	dup.Status = storage.LibraryReady
	if err := l.store.IncrementDuplicateCount(ctx, canonical.Checksum); err != nil {
		return nil, err
	}

	slog.Info("recorded duplicate library file", "filename", dup.Filename, "checksum", canonical.Checksum[:12])
	l.bus.Publish(engine.EventLibraryFileAdded, dup)
	return dup, nil
}

// sourceRecorded reports whether this exact source identity has already been
// ingested for the checksum. Re-ingesting a known source never places new
// bytes.
func (l *Library) sourceRecorded(ctx context.Context, checksum string, src storage.Source) (bool, error) {
	sources, err := l.store.ListSources(ctx, checksum)
	if err != nil {
		return false, err
	}
	for _, s := range sources {
		if s.Kind == src.Kind && s.Identifier == src.Identifier && s.OriginalPath == src.OriginalPath {
			return true, nil
		}
	}
	return false, nil
}

// placeDuplicateCopy handles filename conflicts for duplicate ingests. When
// the source's natural destination is free the canonical copy is shared and
// nothing is written; when it is occupied, a suffixed copy is placed and its
// relative path returned.
func (l *Library) placeDuplicateCopy(canonical *storage.LibraryFile, sourcePath string, src storage.Source) (string, bool, error) {
	natural := filepath.Join(l.targetDir(src), filepath.Base(sourcePath))
	if _, err := os.Lstat(natural); os.IsNotExist(err) {
		return "", false, nil
	}

	if err := l.checkFreeSpace(canonical.SizeBytes); err != nil {
		return "", false, err
	}
	destPath, err := l.placeFile(sourcePath, src)
	if err != nil {
		return "", false, err
	}
	copiedSum, _, err := copyAndHash(sourcePath, destPath)
	if err != nil {
		os.Remove(destPath)
		return "", false, fmt.Errorf("copying into library: %w", err)
	}
	if copiedSum != canonical.Checksum {
		os.Remove(destPath)
		return "", false, fmt.Errorf("checksum changed during copy of %s", sourcePath)
	}

	rel, err := filepath.Rel(l.root, destPath)
	if err != nil {
		rel = destPath
	}
	return rel, true, nil
}

// AbsolutePath resolves a stored library path against the library root.
func (l *Library) AbsolutePath(f *storage.LibraryFile) string {
	if filepath.IsAbs(f.LibraryPath) {
		return f.LibraryPath
	}
	return filepath.Join(l.root, f.LibraryPath)
}

// Delete removes a library row, and its physical file once no other row
// references the same path. Conflict-placed duplicate copies go with their
// row; a shared canonical copy stays until the last row pointing at it dies.
func (l *Library) Delete(ctx context.Context, key string) error {
	file, err := l.store.GetLibraryFile(ctx, key)
	if err != nil {
		return err
	}
	if err := l.store.DeleteLibraryFile(ctx, key); err != nil {
		return err
	}
	if n, err := l.store.CountLibraryFilesByPath(ctx, file.LibraryPath); err == nil && n == 0 {
		if err := os.Remove(l.AbsolutePath(file)); err != nil && !os.IsNotExist(err) {
			slog.Error("failed to remove library file from disk", "error", err, "path", file.LibraryPath)
		}
	}
	l.bus.Publish(engine.EventLibraryFileDeleted, map[string]any{"key": key, "filename": file.Filename})
	return nil
}

func (l *Library) checkFreeSpace(size int64) error {
	var stat unix.Statfs_t
	if err := unix.Statfs(l.root, &stat); err != nil {
		// Can't measure; let the copy fail on its own if the disk is full.
		return nil
	}
	free := int64(stat.Bavail) * stat.Bsize
	if float64(size)*freeSpaceFactor > float64(free) {
		return fmt.Errorf("%w: need %d bytes with headroom, %d free", ErrNoSpace, size, free)
	}
	return nil
}

// targetDir maps a source kind to its subdirectory under the library root.
func (l *Library) targetDir(src storage.Source) string {
	switch src.Kind {
	case storage.SourcePrinter:
		name := src.Name
		if name == "" {
			name = src.Identifier
		}
		return filepath.Join(l.root, "printers", sanitizeName(name))
	case storage.SourceUpload:
		return filepath.Join(l.root, "uploads")
	default:
		return filepath.Join(l.root, "models")
	}
}

// placeFile picks the destination path for a new file: a kind-specific
// subdirectory, with numeric suffixes resolving name collisions.
func (l *Library) placeFile(sourcePath string, src storage.Source) (string, error) {
	dir := l.targetDir(src)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	base := filepath.Base(sourcePath)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	candidate := filepath.Join(dir, base)
	for i := 1; ; i++ {
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
		if i > maxConflictSuffix {
			return "", fmt.Errorf("could not find a free name for %s in %s", base, dir)
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
	}
}

func sanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		name = "unknown"
	}
	return name
}

func fileType(path string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}

// checksumFile streams the file through SHA-256.
func checksumFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.CopyBuffer(h, f, make([]byte, hashBufSize))
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// copyAndHash copies src to dst, hashing the bytes as they pass through so a
// concurrent modification of the source is detected.
func copyAndHash(src, dst string) (string, int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", 0, err
	}

	h := sha256.New()
	n, err := io.CopyBuffer(io.MultiWriter(out, h), in, make([]byte, hashBufSize))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
