package library

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/printernizer/printernizer/engine"
	"github.com/printernizer/printernizer/modules/download"
	"github.com/printernizer/printernizer/modules/storage"
)

// autoDownloader pulls the file for every print that starts, so the library
// ends up with a copy of everything the fleet actually printed.
type autoDownloader struct {
	lib       *Library
	store     *storage.Store
	bus       *engine.Bus
	downloads Fetcher
	tempDir   string
}

// Fetcher is the slice of the download manager the auto-downloader needs.
type Fetcher interface {
	Fetch(ctx context.Context, p *storage.Printer, filename, destDir string) (*download.Result, error)
}

func (a *autoDownloader) run(ctx context.Context) error {
	sub := a.bus.SubscribeTypes(engine.EventPrintStarted)
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-sub.Events():
			if !ok {
				return ctx.Err()
			}
			a.handle(ctx, event)
		}
	}
}

func (a *autoDownloader) handle(ctx context.Context, event engine.Event) {
	payload, ok := event.Payload.(map[string]any)
	if !ok {
		return
	}
	printerID, _ := payload["printer_id"].(string)
	filename, _ := payload["filename"].(string)
	if printerID == "" || filename == "" {
		return
	}

	printer, err := a.store.GetPrinter(ctx, printerID)
	if err != nil {
		slog.Error("auto-download: printer lookup failed", "error", err, "printer_id", printerID)
		return
	}

	_ = a.store.SetDownloadStatus(ctx, printerID, filename, storage.DownloadInProgress)

	result, err := a.downloads.Fetch(ctx, printer, filename, a.tempDir)
	if err != nil {
		slog.Warn("auto-download failed", "error", err, "printer", printer.Name, "filename", filename)
		_ = a.store.SetDownloadStatus(ctx, printerID, filename, storage.DownloadError)
		return
	}
	defer os.Remove(result.LocalPath)

	_, err = a.lib.Ingest(ctx, result.LocalPath, storage.Source{
		Kind:         storage.SourcePrinter,
		Identifier:   printer.ID,
		Name:         printer.Name,
		OriginalPath: filename,
	})
	if err != nil {
		slog.Error("auto-download: ingest failed", "error", err, "printer", printer.Name, "filename", filename)
		_ = a.store.SetDownloadStatus(ctx, printerID, filename, storage.DownloadError)
		return
	}

	_ = a.store.SetDownloadStatus(ctx, printerID, filename, storage.DownloadDone)
	slog.Info("auto-downloaded print file", "printer", printer.Name, "filename", filename, "strategy", result.Strategy)
}

func tempDownloadDir(root string) string {
	return filepath.Join(root, ".incoming")
}
