package library

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/printernizer/printernizer/engine"
	"github.com/printernizer/printernizer/modules/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLibrary(t *testing.T) (*Library, *storage.Store) {
	t.Helper()
	store, err := storage.New(engine.OpenTestDB(t))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	lib, err := NewLibrary(store, engine.NewBus(), t.TempDir())
	require.NoError(t, err)
	return lib, store
}

func writeSource(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestIngestNewFile(t *testing.T) {
	lib, _ := newTestLibrary(t)
	ctx := context.Background()

	src := writeSource(t, "benchy.3mf", "model bytes")
	f, err := lib.Ingest(ctx, src, storage.Source{Kind: storage.SourceWatchFolder, OriginalPath: src})
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("model bytes"))
	assert.Equal(t, hex.EncodeToString(sum[:]), f.Key)
	assert.Equal(t, f.Key, f.Checksum)
	assert.Equal(t, "benchy.3mf", f.Filename)
	assert.Equal(t, "3mf", f.FileType)
	assert.Equal(t, int64(len("model bytes")), f.SizeBytes)
	assert.False(t, f.IsDuplicate)

	// The physical copy lands under models/ for watch-folder sources.
	data, err := os.ReadFile(lib.AbsolutePath(f))
	require.NoError(t, err)
	assert.Equal(t, "model bytes", string(data))
	assert.Equal(t, filepath.Join("models", "benchy.3mf"), f.LibraryPath)

	// The source file is untouched.
	_, err = os.Stat(src)
	assert.NoError(t, err)
}

func TestIngestDuplicateContent(t *testing.T) {
	lib, store := newTestLibrary(t)
	ctx := context.Background()

	first := writeSource(t, "original.gcode", "same bytes")
	second := writeSource(t, "renamed.gcode", "same bytes")

	canonical, err := lib.Ingest(ctx, first, storage.Source{Kind: storage.SourceWatchFolder})
	require.NoError(t, err)

	dup, err := lib.Ingest(ctx, second, storage.Source{Kind: storage.SourceUpload})
	require.NoError(t, err)
	assert.True(t, dup.IsDuplicate)
	assert.Equal(t, canonical.Checksum, dup.DuplicateOf)
	assert.NotEqual(t, canonical.Key, dup.Key)
	assert.Equal(t, canonical.LibraryPath, dup.LibraryPath)
	assert.Equal(t, storage.LibraryReady, dup.Status, "duplicates skip analysis")

	got, err := store.GetCanonicalLibraryFile(ctx, canonical.Checksum)
	require.NoError(t, err)
	assert.Equal(t, 1, got.DuplicateCount)

	// The duplicate's natural destination (uploads/renamed.gcode) was free,
	// so no second copy was placed.
	entries, err := os.ReadDir(filepath.Join(lib.Root(), "models"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	entries, err = os.ReadDir(filepath.Join(lib.Root(), "uploads"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestIngestDuplicateNameConflict(t *testing.T) {
	lib, store := newTestLibrary(t)
	ctx := context.Background()

	path := writeSource(t, "a.3mf", "ten bytes!")
	canonical, err := lib.Ingest(ctx, path, storage.Source{Kind: storage.SourceWatchFolder, OriginalPath: path})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("models", "a.3mf"), canonical.LibraryPath)

	// Re-ingesting the same source adds a row but shares the existing copy.
	again, err := lib.Ingest(ctx, path, storage.Source{Kind: storage.SourceWatchFolder, OriginalPath: path})
	require.NoError(t, err)
	assert.True(t, again.IsDuplicate)
	assert.Equal(t, canonical.LibraryPath, again.LibraryPath)

	// The same content arriving from another folder collides with models/a.3mf
	// and claims a suffixed copy of its own.
	other := writeSource(t, "a.3mf", "ten bytes!")
	conflicted, err := lib.Ingest(ctx, other, storage.Source{Kind: storage.SourceWatchFolder, OriginalPath: other})
	require.NoError(t, err)
	assert.True(t, conflicted.IsDuplicate)
	assert.Equal(t, canonical.Checksum, conflicted.DuplicateOf)
	assert.Equal(t, filepath.Join("models", "a_1.3mf"), conflicted.LibraryPath)
	assert.Equal(t, "a_1.3mf", conflicted.Filename)

	for _, name := range []string{"a.3mf", "a_1.3mf"} {
		data, err := os.ReadFile(filepath.Join(lib.Root(), "models", name))
		require.NoError(t, err)
		assert.Equal(t, "ten bytes!", string(data))
	}

	files, err := store.ListLibraryFiles(ctx)
	require.NoError(t, err)
	assert.Len(t, files, 3)

	got, err := store.GetCanonicalLibraryFile(ctx, canonical.Checksum)
	require.NoError(t, err)
	assert.Equal(t, 2, got.DuplicateCount)

	// Deleting the conflict row takes its copy along; the shared one stays.
	require.NoError(t, lib.Delete(ctx, conflicted.Key))
	_, err = os.Stat(filepath.Join(lib.Root(), "models", "a_1.3mf"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(lib.Root(), "models", "a.3mf"))
	assert.NoError(t, err)
}

func TestIngestNameConflict(t *testing.T) {
	lib, _ := newTestLibrary(t)
	ctx := context.Background()

	a := writeSource(t, "part.stl", "contents A")
	b := writeSource(t, "part.stl", "contents B")

	fa, err := lib.Ingest(ctx, a, storage.Source{Kind: storage.SourceWatchFolder})
	require.NoError(t, err)
	fb, err := lib.Ingest(ctx, b, storage.Source{Kind: storage.SourceWatchFolder})
	require.NoError(t, err)

	// Different content, same name: the second copy gets a numeric suffix.
	assert.Equal(t, "part.stl", fa.Filename)
	assert.Equal(t, "part_1.stl", fb.Filename)
	assert.NotEqual(t, fa.Checksum, fb.Checksum)
}

func TestIngestPrinterSourceDirectory(t *testing.T) {
	lib, _ := newTestLibrary(t)
	ctx := context.Background()

	src := writeSource(t, "plate.3mf", "printed bytes")
	f, err := lib.Ingest(ctx, src, storage.Source{
		Kind:       storage.SourcePrinter,
		Identifier: "printer-1",
		Name:       "Bambu X1/Carbon",
	})
	require.NoError(t, err)

	// Printer names are sanitized into a per-printer subdirectory.
	assert.Equal(t, filepath.Join("printers", "Bambu X1_Carbon", "plate.3mf"), f.LibraryPath)
}

func TestDeleteRemovesPhysicalFileLast(t *testing.T) {
	lib, _ := newTestLibrary(t)
	ctx := context.Background()

	canonical, err := lib.Ingest(ctx, writeSource(t, "a.3mf", "shared"), storage.Source{Kind: storage.SourceWatchFolder})
	require.NoError(t, err)
	dup, err := lib.Ingest(ctx, writeSource(t, "b.3mf", "shared"), storage.Source{Kind: storage.SourceUpload})
	require.NoError(t, err)

	physical := lib.AbsolutePath(canonical)

	// Removing the duplicate row keeps the bytes.
	require.NoError(t, lib.Delete(ctx, dup.Key))
	_, err = os.Stat(physical)
	assert.NoError(t, err)

	// Removing the canonical row removes the bytes.
	require.NoError(t, lib.Delete(ctx, canonical.Key))
	_, err = os.Stat(physical)
	assert.True(t, os.IsNotExist(err))
}

func TestNewRejectsUnknownChecksumAlgorithm(t *testing.T) {
	store, err := storage.New(engine.OpenTestDB(t))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = New(store, engine.NewBus(), Options{Root: t.TempDir(), ChecksumAlgorithm: "md5"})
	require.Error(t, err)
	assert.ErrorContains(t, err, "md5")

	// Case-insensitive match for the supported algorithm.
	_, err = New(store, engine.NewBus(), Options{Root: t.TempDir(), ChecksumAlgorithm: "SHA256"})
	assert.NoError(t, err)
}

func TestWatcherRemoveOriginals(t *testing.T) {
	lib, _ := newTestLibrary(t)
	ctx := context.Background()

	keep := writeSource(t, "keep.gcode", "keep me")
	newWatcher(lib, nil, false).ingest(ctx, keep)
	_, err := os.Stat(keep)
	assert.NoError(t, err)

	gone := writeSource(t, "gone.gcode", "consume me")
	newWatcher(lib, nil, true).ingest(ctx, gone)
	_, err = os.Stat(gone)
	assert.True(t, os.IsNotExist(err))

	// The library holds the bytes either way.
	entries, err := os.ReadDir(filepath.Join(lib.Root(), "models"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "a_b_c", sanitizeName("a/b\\c"))
	assert.Equal(t, "unknown", sanitizeName(""))
	assert.Equal(t, "unknown", sanitizeName(".."))
	assert.Equal(t, "X1 Carbon", sanitizeName("X1 Carbon"))
}

func TestChecksumFile(t *testing.T) {
	path := writeSource(t, "x.bin", "hello")
	sum, n, err := checksumFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	want := sha256.Sum256([]byte("hello"))
	assert.Equal(t, hex.EncodeToString(want[:]), sum)
}
