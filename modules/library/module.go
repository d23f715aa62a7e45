package library

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/printernizer/printernizer/engine"
	"github.com/printernizer/printernizer/modules/storage"
)

const maxUploadBytes = 512 << 20

// Module exposes the library over HTTP and runs the watch-folder and
// auto-download workers.
type Module struct {
	store *storage.Store
	bus   *engine.Bus
	lib   *Library

	watchFolders    []string
	removeOriginals bool
	autoDownload    *autoDownloader
}

type Options struct {
	Root         string
	WatchFolders []string
	AutoDownload bool
	Downloads    Fetcher

	// ChecksumAlgorithm names the content hash. Only sha256 is implemented;
	// anything else is a configuration error caught at startup.
	ChecksumAlgorithm string

	// PreserveOriginals keeps watched files in place after ingest. When
	// false, the watcher removes them once the library holds the bytes.
	PreserveOriginals bool
}

func New(store *storage.Store, bus *engine.Bus, opts Options) (*Module, error) {
	if opts.ChecksumAlgorithm != "" && !strings.EqualFold(opts.ChecksumAlgorithm, "sha256") {
		return nil, fmt.Errorf("unsupported checksum algorithm %q: only sha256 is implemented", opts.ChecksumAlgorithm)
	}
	lib, err := NewLibrary(store, bus, opts.Root)
	if err != nil {
		return nil, err
	}
	m := &Module{
		store:           store,
		bus:             bus,
		lib:             lib,
		watchFolders:    opts.WatchFolders,
		removeOriginals: !opts.PreserveOriginals,
	}
	if opts.AutoDownload && opts.Downloads != nil {
		tempDir := tempDownloadDir(opts.Root)
		if err := os.MkdirAll(tempDir, 0o755); err != nil {
			return nil, err
		}
		m.autoDownload = &autoDownloader{
			lib:       lib,
			store:     store,
			bus:       bus,
			downloads: opts.Downloads,
			tempDir:   tempDir,
		}
	}
	return m, nil
}

// Library exposes the underlying store for other modules.
func (m *Module) Library() *Library { return m.lib }

func (m *Module) AttachWorkers(mgr *engine.ProcMgr) {
	mgr.Add(newWatcher(m.lib, m.watchFolders, m.removeOriginals).run)
	if m.autoDownload != nil {
		mgr.Add(m.autoDownload.run)
	}
}

func (m *Module) AttachRoutes(router *engine.Router) {
	router.HandleFunc("GET /api/library", m.handleList)
	router.HandleFunc("POST /api/library", m.handleUpload)
	router.HandleFunc("GET /api/library/{key}", m.handleGet)
	router.HandleFunc("DELETE /api/library/{key}", m.handleDelete)
	router.HandleFunc("GET /api/library/{key}/sources", m.handleSources)
	router.HandleFunc("GET /api/library/{key}/thumbnail", m.handleThumbnail)
	router.HandleFunc("GET /api/library/{key}/download", m.handleDownload)
	router.HandleFunc("POST /api/library/{key}/reprocess", m.handleReprocess)
}

func (m *Module) handleList(w http.ResponseWriter, r *http.Request) {
	files, err := m.store.ListLibraryFiles(r.Context())
	if engine.HandleError(w, err) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(files)
}

func (m *Module) getFile(w http.ResponseWriter, r *http.Request) *storage.LibraryFile {
	file, err := m.store.GetLibraryFile(r.Context(), r.PathValue("key"))
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "library file not found", 404)
		return nil
	}
	if engine.HandleError(w, err) {
		return nil
	}
	return file
}

func (m *Module) handleGet(w http.ResponseWriter, r *http.Request) {
	file := m.getFile(w, r)
	if file == nil {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(file)
}

func (m *Module) handleDelete(w http.ResponseWriter, r *http.Request) {
	err := m.lib.Delete(r.Context(), r.PathValue("key"))
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "library file not found", 404)
		return
	}
	if engine.HandleError(w, err) {
		return
	}
	w.WriteHeader(204)
}

func (m *Module) handleSources(w http.ResponseWriter, r *http.Request) {
	file := m.getFile(w, r)
	if file == nil {
		return
	}
	sources, err := m.store.ListSources(r.Context(), file.Checksum)
	if engine.HandleError(w, err) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sources)
}

func (m *Module) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	file := m.getFile(w, r)
	if file == nil {
		return
	}
	// Duplicate rows carry no thumbnail of their own.
	if len(file.Thumbnail) == 0 && file.IsDuplicate {
		canonical, err := m.store.GetCanonicalLibraryFile(r.Context(), file.Checksum)
		if err == nil {
			file = canonical
		}
	}
	if len(file.Thumbnail) == 0 {
		http.Error(w, "no thumbnail available", 404)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "max-age=86400")
	w.Write(file.Thumbnail)
}

func (m *Module) handleDownload(w http.ResponseWriter, r *http.Request) {
	file := m.getFile(w, r)
	if file == nil {
		return
	}
	f, err := os.Open(m.lib.AbsolutePath(file))
	if err != nil {
		http.Error(w, "file content missing from disk", 404)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+file.Filename+`"`)
	io.Copy(w, f)
}

func (m *Module) handleReprocess(w http.ResponseWriter, r *http.Request) {
	file := m.getFile(w, r)
	if file == nil {
		return
	}
	if file.IsDuplicate {
		http.Error(w, "duplicates are analyzed via their canonical file", 409)
		return
	}
	if engine.HandleError(w, m.store.RequeueAnalysis(r.Context(), file.Key)) {
		return
	}
	w.WriteHeader(202)
}

func (m *Module) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "invalid multipart request", 400)
		return
	}
	src, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file field", 400)
		return
	}
	defer src.Close()

	// Stage under the original filename so the library keeps it.
	dir, err := os.MkdirTemp("", "printernizer-upload-")
	if engine.HandleError(w, err) {
		return
	}
	defer os.RemoveAll(dir)

	name := filepath.Base(header.Filename)
	if name == "" || name == "." || name == "/" {
		name = "upload"
	}
	staged := filepath.Join(dir, name)
	tmp, err := os.Create(staged)
	if engine.HandleError(w, err) {
		return
	}
	_, err = io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if engine.HandleError(w, err) {
		return
	}

	file, err := m.lib.Ingest(r.Context(), staged, storage.Source{
		Kind:         storage.SourceUpload,
		OriginalPath: header.Filename,
	})
	if engine.HandleError(w, err) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(201)
	json.NewEncoder(w).Encode(file)
}
