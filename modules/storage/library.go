package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Library file lifecycle states.
const (
	LibraryPending    = "pending"
	LibraryProcessing = "processing"
	LibraryReady      = "ready"
	LibraryError      = "error"
)

// Source kinds for library file provenance.
const (
	SourceWatchFolder = "watch_folder"
	SourcePrinter     = "printer"
	SourceUpload      = "upload"
)

// LibraryFile is one row of the content-addressed library. The canonical row
// for a checksum has Key == Checksum and IsDuplicate == false; duplicate rows
// carry a synthetic "<checksum>-<uuid>" key so one hash can have many rows.
type LibraryFile struct {
	Key             string    `json:"key"`
	Checksum        string    `json:"checksum"`
	Filename        string    `json:"filename"`
	FileType        string    `json:"file_type"`
	SizeBytes       int64     `json:"size_bytes"`
	LibraryPath     string    `json:"library_path"`
	Status          string    `json:"status"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	IsDuplicate     bool      `json:"is_duplicate"`
	DuplicateOf     string    `json:"duplicate_of_checksum,omitempty"`
	DuplicateCount  int       `json:"duplicate_count"`
	Metadata        *Metadata `json:"metadata,omitempty"`
	Thumbnail       []byte    `json:"-"`
	ThumbnailWidth  int       `json:"thumbnail_width,omitempty"`
	ThumbnailHeight int       `json:"thumbnail_height,omitempty"`
	Added           int64     `json:"added"`
	LastAnalyzed    int64     `json:"last_analyzed,omitempty"`
}

func (f *LibraryFile) String() string { return fmt.Sprintf("%s (%.12s)", f.Filename, f.Checksum) }

// Source records where a library file was seen.
type Source struct {
	Kind         string `json:"kind"`
	Identifier   string `json:"identifier,omitempty"`
	Name         string `json:"name,omitempty"`
	OriginalPath string `json:"original_path,omitempty"`
	Discovered   int64  `json:"discovered_at"`
}

// Metadata is the normalized metadata schema shared by all extractors.
// All fields are optional; zero pointers mean "unknown".
type Metadata struct {
	// Physical
	WidthMM       *float64 `json:"width_mm,omitempty"`
	DepthMM       *float64 `json:"depth_mm,omitempty"`
	HeightMM      *float64 `json:"height_mm,omitempty"`
	VolumeCM3     *float64 `json:"volume_cm3,omitempty"`
	SurfaceCM2    *float64 `json:"surface_area_cm2,omitempty"`
	ObjectCount   *int     `json:"object_count,omitempty"`
	VertexCount   *int     `json:"vertex_count,omitempty"`
	TriangleCount *int     `json:"triangle_count,omitempty"`
	Watertight    *bool    `json:"watertight,omitempty"`

	// Print settings
	LayerHeightMM      *float64 `json:"layer_height_mm,omitempty"`
	FirstLayerHeightMM *float64 `json:"first_layer_height_mm,omitempty"`
	NozzleDiameterMM   *float64 `json:"nozzle_diameter_mm,omitempty"`
	WallCount          *int     `json:"wall_count,omitempty"`
	InfillDensityPct   *float64 `json:"infill_density_pct,omitempty"`
	InfillPattern      string   `json:"infill_pattern,omitempty"`
	SupportUsed        *bool    `json:"support_used,omitempty"`
	NozzleTempC        *float64 `json:"nozzle_temp_c,omitempty"`
	BedTempC           *float64 `json:"bed_temp_c,omitempty"`
	PrintSpeedMMS      *float64 `json:"print_speed_mm_s,omitempty"`
	TotalLayerCount    *int     `json:"total_layer_count,omitempty"`
	EstimatedTimeMin   *int     `json:"estimated_time_min,omitempty"`

	// Material
	TotalWeightG    *float64 `json:"total_weight_g,omitempty"`
	FilamentLengthM *float64 `json:"filament_length_m,omitempty"`
	MaterialTypes   []string `json:"material_types,omitempty"`
	FilamentColors  []string `json:"filament_colors,omitempty"`
	PrimaryColor    string   `json:"primary_color,omitempty"`
	ColorDisplay    string   `json:"color_display,omitempty"`

	// Compatibility
	CompatiblePrinters []string `json:"compatible_printers,omitempty"`
	SlicerName         string   `json:"slicer_name,omitempty"`
	SlicerVersion      string   `json:"slicer_version,omitempty"`
	BedType            string   `json:"bed_type,omitempty"`

	// Quality
	ComplexityScore *int   `json:"complexity_score,omitempty"`
	DifficultyLevel string `json:"difficulty_level,omitempty"`
}

const libraryColumns = `key, checksum, filename, file_type, size_bytes, library_path, status, error_message,
	is_duplicate, duplicate_of, duplicate_count, metadata, thumbnail, thumbnail_width, thumbnail_height,
	added, COALESCE(last_analyzed, 0)`

func scanLibraryFile(row interface{ Scan(...any) error }) (*LibraryFile, error) {
	f := &LibraryFile{}
	var isDup int
	var meta sql.NullString
	err := row.Scan(&f.Key, &f.Checksum, &f.Filename, &f.FileType, &f.SizeBytes, &f.LibraryPath,
		&f.Status, &f.ErrorMessage, &isDup, &f.DuplicateOf, &f.DuplicateCount,
		&meta, &f.Thumbnail, &f.ThumbnailWidth, &f.ThumbnailHeight, &f.Added, &f.LastAnalyzed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	f.IsDuplicate = isDup != 0
	if meta.Valid && meta.String != "" {
		m := &Metadata{}
		if err := json.Unmarshal([]byte(meta.String), m); err == nil {
			f.Metadata = m
		}
	}
	return f, nil
}

// InsertLibraryFile inserts the row and appends its first source in one
// transaction. Returns ErrDuplicateKey when the canonical slot for the
// checksum is already taken - the caller resolves the race.
func (s *Store) InsertLibraryFile(ctx context.Context, f *LibraryFile, src Source) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	isDup := 0
	if f.IsDuplicate {
		isDup = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO library_files (key, checksum, filename, file_type, size_bytes, library_path, status, is_duplicate, duplicate_of)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		f.Key, f.Checksum, f.Filename, f.FileType, f.SizeBytes, f.LibraryPath, LibraryPending, isDup, f.DuplicateOf)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return err
	}

	if err := insertSource(ctx, tx, f.Checksum, src); err != nil {
		return err
	}
	f.Status = LibraryPending
	return tx.Commit()
}

func insertSource(ctx context.Context, tx *sql.Tx, checksum string, src Source) error {
	if src.Discovered == 0 {
		src.Discovered = time.Now().Unix()
	}
	// A given {checksum, source identity} pair appears at most once.
	_, err := tx.ExecContext(ctx, `
		INSERT INTO library_file_sources (checksum, kind, identifier, name, original_path, discovered)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (checksum, kind, identifier, original_path) DO NOTHING`,
		checksum, src.Kind, src.Identifier, src.Name, src.OriginalPath, src.Discovered)
	return err
}

// AddSource appends a provenance record to an existing library file.
func (s *Store) AddSource(ctx context.Context, checksum string, src Source) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := insertSource(ctx, tx, checksum, src); err != nil {
		return err
	}
	return tx.Commit()
}

// GetCanonicalLibraryFile returns the non-duplicate row for a checksum.
func (s *Store) GetCanonicalLibraryFile(ctx context.Context, checksum string) (*LibraryFile, error) {
	return scanLibraryFile(s.db.QueryRowContext(ctx,
		"SELECT "+libraryColumns+" FROM library_files WHERE checksum = $1 AND is_duplicate = 0", checksum))
}

func (s *Store) GetLibraryFile(ctx context.Context, key string) (*LibraryFile, error) {
	return scanLibraryFile(s.db.QueryRowContext(ctx,
		"SELECT "+libraryColumns+" FROM library_files WHERE key = $1", key))
}

func (s *Store) ListLibraryFiles(ctx context.Context) ([]*LibraryFile, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+libraryColumns+" FROM library_files ORDER BY added DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*LibraryFile
	for rows.Next() {
		f, err := scanLibraryFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// ListSources returns provenance records for a checksum in discovery order.
func (s *Store) ListSources(ctx context.Context, checksum string) ([]*Source, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, identifier, name, original_path, discovered
		FROM library_file_sources WHERE checksum = $1 ORDER BY id ASC`, checksum)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []*Source
	for rows.Next() {
		src := &Source{}
		if err := rows.Scan(&src.Kind, &src.Identifier, &src.Name, &src.OriginalPath, &src.Discovered); err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// CountLibraryFilesByPath reports how many rows still reference a physical
// library path. Deletion removes the file from disk when this hits zero.
func (s *Store) CountLibraryFilesByPath(ctx context.Context, path string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM library_files WHERE library_path = $1", path).Scan(&n)
	return n, err
}

// IncrementDuplicateCount bumps the canonical row's duplicate bookkeeping.
func (s *Store) IncrementDuplicateCount(ctx context.Context, checksum string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE library_files SET duplicate_count = duplicate_count + 1 WHERE checksum = $1 AND is_duplicate = 0", checksum)
	return err
}

// DeleteLibraryFile removes one row and its sources when it was the last row
// for the checksum.
func (s *Store) DeleteLibraryFile(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var checksum string
	err = tx.QueryRowContext(ctx, "SELECT checksum FROM library_files WHERE key = $1", key).Scan(&checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM library_files WHERE key = $1", key); err != nil {
		return err
	}

	var remaining int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM library_files WHERE checksum = $1", checksum).Scan(&remaining); err != nil {
		return err
	}
	if remaining == 0 {
		if _, err := tx.ExecContext(ctx, "DELETE FROM library_file_sources WHERE checksum = $1", checksum); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ClaimPendingLibraryFile atomically moves the oldest pending canonical row
// to processing and returns it. sql.ErrNoRows when the queue is empty.
func (s *Store) ClaimPendingLibraryFile(ctx context.Context) (*LibraryFile, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	f, err := scanLibraryFile(tx.QueryRowContext(ctx,
		"SELECT "+libraryColumns+" FROM library_files WHERE status = $1 AND is_duplicate = 0 ORDER BY added ASC LIMIT 1",
		LibraryPending))
	if errors.Is(err, ErrNotFound) {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE library_files SET status = $1 WHERE key = $2", LibraryProcessing, f.Key); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	f.Status = LibraryProcessing
	return f, nil
}

// FinishAnalysis atomically stores extraction results and the terminal status.
func (s *Store) FinishAnalysis(ctx context.Context, key string, meta *Metadata, thumb []byte, thumbW, thumbH int, errMsg string) error {
	status := LibraryReady
	if errMsg != "" {
		status = LibraryError
	}
	var metaJSON any
	if meta != nil {
		raw, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		metaJSON = string(raw)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE library_files SET metadata = $1, thumbnail = $2, thumbnail_width = $3, thumbnail_height = $4,
			status = $5, error_message = $6, last_analyzed = $7
		WHERE key = $8`,
		metaJSON, thumb, thumbW, thumbH, status, errMsg, time.Now().Unix(), key)
	return err
}

// RequeueStuckAnalyses returns rows left in processing by a previous run to
// the queue. Called once at startup before workers start claiming.
func (s *Store) RequeueStuckAnalyses(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE library_files SET status = $1 WHERE status = $2", LibraryPending, LibraryProcessing)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RequeueAnalysis puts a file back on the extraction queue.
func (s *Store) RequeueAnalysis(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE library_files SET status = $1 WHERE key = $2", LibraryPending, key)
	return err
}

// FindLibraryFileBySourceName resolves a job filename reported by a printer
// to a canonical library row via the sources junction.
func (s *Store) FindLibraryFileBySourceName(ctx context.Context, printerID, filename string) (*LibraryFile, error) {
	return scanLibraryFile(s.db.QueryRowContext(ctx, `
		SELECT `+libraryColumns+` FROM library_files
		WHERE is_duplicate = 0 AND checksum IN (
			SELECT checksum FROM library_file_sources
			WHERE kind = $1 AND identifier = $2 AND (original_path = $3 OR name = $3)
		) LIMIT 1`, SourcePrinter, printerID, filename))
}
