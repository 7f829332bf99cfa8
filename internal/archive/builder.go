package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"chorus/internal/config"
	"chorus/internal/language"
	"chorus/internal/logging"
	"chorus/internal/services"
)

const (
	manifestName = "manifest.json"
	readmeName   = "README.txt"
	unitsDir     = "units/"
	metaSuffix   = ".meta.json"
)

// CompressionLevel picks a gzip level from the average unit duration; the
// shorter the average, the higher the level.
func CompressionLevel(avgDuration float64) int {
	switch {
	case avgDuration <= 5:
		return gzip.BestCompression
	case avgDuration <= 15:
		return 6
	default:
		return 3
	}
}

// Builder writes archives into a temp directory.
type Builder struct {
	tempDir         string
	formatVersion   string
	defaultLanguage string
	logger          *slog.Logger
}

// NewBuilder builds archives under cfg.Paths.TempDir.
func NewBuilder(cfg *config.Config, logger *slog.Logger) *Builder {
	return &Builder{
		tempDir:         cfg.Paths.TempDir,
		formatVersion:   cfg.Export.FormatVersion,
		defaultLanguage: cfg.Export.DefaultLanguage,
		logger:          logging.NewComponentLogger(logger, "archive"),
	}
}

// FileName is the archive name used for a batch.
func FileName(batchID string) string {
	return fmt.Sprintf("chorus-batch-%s.tar.gz", batchID)
}

// Build packages entries in order. progress, when set, is called after each
// unit. Any failure removes the partial file.
func (b *Builder) Build(ctx context.Context, batchID string, createdAt time.Time, entries []Entry, progress func(done, total int)) (res Result, err error) {
	if len(entries) == 0 {
		return Result{}, services.Wrap(services.ErrValidation, "archive", "build", "no units to package", nil)
	}
	if err := os.MkdirAll(b.tempDir, 0o755); err != nil {
		return Result{}, services.Wrap(services.ErrConfiguration, "archive", "build", "create temp dir", err)
	}

	stamp := createdAt.UTC().Truncate(time.Second)
	manifest := b.manifest(batchID, stamp, entries)

	final := filepath.Join(b.tempDir, FileName(batchID))
	file, err := os.CreateTemp(b.tempDir, FileName(batchID)+".partial-*")
	if err != nil {
		return Result{}, services.Wrap(services.ErrTransient, "archive", "build", "create archive file", err)
	}
	partial := file.Name()
	defer func() {
		if err != nil {
			file.Close()
			os.Remove(partial)
		}
	}()

	gz, err := gzip.NewWriterLevel(file, manifest.Compression.Level)
	if err != nil {
		return Result{}, services.Wrap(services.ErrConfiguration, "archive", "build", "gzip writer", err)
	}
	tw := tar.NewWriter(gz)

	if err = b.writeHeaderFiles(tw, manifest, stamp); err != nil {
		return Result{}, err
	}
	for i, entry := range entries {
		if err = ctx.Err(); err != nil {
			return Result{}, err
		}
		if err = b.writeUnit(tw, entry, manifest.Units[i], stamp); err != nil {
			return Result{}, err
		}
		if progress != nil {
			progress(i+1, len(entries))
		}
	}

	if err = tw.Close(); err != nil {
		return Result{}, services.Wrap(services.ErrTransient, "archive", "build", "close tar stream", err)
	}
	if err = gz.Close(); err != nil {
		return Result{}, services.Wrap(services.ErrTransient, "archive", "build", "close gzip stream", err)
	}
	if err = file.Sync(); err != nil {
		return Result{}, services.Wrap(services.ErrTransient, "archive", "build", "sync archive", err)
	}
	if err = file.Close(); err != nil {
		return Result{}, services.Wrap(services.ErrTransient, "archive", "build", "close archive", err)
	}
	if err = os.Rename(partial, final); err != nil {
		return Result{}, services.Wrap(services.ErrTransient, "archive", "build", "finalize archive", err)
	}
	partial = final

	sum, size, err := Checksum(final)
	if err != nil {
		return Result{}, services.Wrap(services.ErrTransient, "archive", "build", "checksum archive", err)
	}
	b.logger.Info("archive built",
		logging.BatchID(batchID),
		logging.Int("units", manifest.UnitCount),
		logging.Int64("archive_bytes", size),
		logging.Int("compression_level", manifest.Compression.Level),
	)
	return Result{Path: final, Checksum: sum, SizeBytes: size, Manifest: manifest}, nil
}

func (b *Builder) manifest(batchID string, stamp time.Time, entries []Entry) Manifest {
	m := Manifest{
		BatchID:       batchID,
		ExportedAt:    stamp,
		UnitCount:     len(entries),
		FormatVersion: b.formatVersion,
		Units:         make([]ManifestUnit, len(entries)),
	}
	languages := make([]string, 0, len(entries))
	for i, e := range entries {
		m.TotalDuration += e.Duration
		languages = append(languages, b.language(e))
		m.Units[i] = ManifestUnit{
			UnitID:   e.UnitID,
			Artifact: artifactName(e),
			Metadata: fmt.Sprintf("%s%d%s", unitsDir, e.UnitID, metaSuffix),
		}
	}
	m.Languages = language.NormalizeList(languages)
	avg := m.TotalDuration / float64(len(entries))
	m.Compression = Compression{Algorithm: "gzip", Level: CompressionLevel(avg), AverageDuration: avg}
	return m
}

func (b *Builder) language(e Entry) string {
	if lang := strings.TrimSpace(e.Language); lang != "" {
		return lang
	}
	return b.defaultLanguage
}

func artifactName(e Entry) string {
	ext := strings.ToLower(filepath.Ext(e.ArtifactPath))
	if ext == "" {
		ext = ".bin"
	}
	return fmt.Sprintf("%s%d%s", unitsDir, e.UnitID, ext)
}

func (b *Builder) writeHeaderFiles(tw *tar.Writer, manifest Manifest, stamp time.Time) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return services.Wrap(services.ErrValidation, "archive", "manifest", "encode manifest", err)
	}
	if err := writeBytes(tw, manifestName, append(data, '\n'), stamp); err != nil {
		return err
	}
	readme, err := renderReadme(manifest)
	if err != nil {
		return services.Wrap(services.ErrValidation, "archive", "readme", "render readme", err)
	}
	return writeBytes(tw, readmeName, readme, stamp)
}

func (b *Builder) writeUnit(tw *tar.Writer, e Entry, idx ManifestUnit, stamp time.Time) error {
	src, err := os.Open(e.ArtifactPath)
	if err != nil {
		return services.Wrap(services.ErrValidation, "archive", "unit", fmt.Sprintf("open artifact for unit %d", e.UnitID), err)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return services.Wrap(services.ErrTransient, "archive", "unit", fmt.Sprintf("stat artifact for unit %d", e.UnitID), err)
	}
	if err := tw.WriteHeader(header(idx.Artifact, info.Size(), stamp)); err != nil {
		return services.Wrap(services.ErrTransient, "archive", "unit", "write artifact header", err)
	}
	written, err := io.Copy(tw, src)
	if err != nil {
		return services.Wrap(services.ErrTransient, "archive", "unit", fmt.Sprintf("copy artifact for unit %d", e.UnitID), err)
	}
	if written != info.Size() {
		return services.Wrap(services.ErrTransient, "archive", "unit",
			fmt.Sprintf("artifact for unit %d changed size during export (%d of %d bytes)", e.UnitID, written, info.Size()), nil)
	}

	meta := UnitMetadata{
		UnitID:      e.UnitID,
		RecordingID: e.RecordingID,
		Artifact:    filepath.Base(idx.Artifact),
		Text:        e.Text,
		Duration:    e.Duration,
		Language:    b.language(e),
		Quality:     e.Quality,
		CreatedAt:   e.CreatedAt.UTC(),
		UpdatedAt:   e.UpdatedAt.UTC(),
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return services.Wrap(services.ErrValidation, "archive", "unit", "encode metadata", err)
	}
	return writeBytes(tw, idx.Metadata, append(data, '\n'), stamp)
}

func header(name string, size int64, stamp time.Time) *tar.Header {
	return &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     size,
		Mode:     0o644,
		ModTime:  stamp,
		Format:   tar.FormatUSTAR,
	}
}

func writeBytes(tw *tar.Writer, name string, data []byte, stamp time.Time) error {
	if err := tw.WriteHeader(header(name, int64(len(data)), stamp)); err != nil {
		return services.Wrap(services.ErrTransient, "archive", "write", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return services.Wrap(services.ErrTransient, "archive", "write", name, err)
	}
	return nil
}

var readmeTemplate = template.Must(template.New("readme").Funcs(template.FuncMap{
	"languages": func(codes []string) string {
		names := make([]string, len(codes))
		for i, code := range codes {
			names[i] = fmt.Sprintf("%s (%s)", code, language.DisplayName(code))
		}
		return strings.Join(names, ", ")
	},
	"duration": func(seconds float64) string {
		return (time.Duration(seconds * float64(time.Second))).Round(time.Second).String()
	},
}).Parse(`chorus export batch {{.BatchID}}
Exported:       {{.ExportedAt.Format "2006-01-02 15:04:05 MST"}}
Units:          {{.UnitCount}}
Total duration: {{duration .TotalDuration}}
Languages:      {{languages .Languages}}
Format version: {{.FormatVersion}}
Compression:    {{.Compression.Algorithm}} level {{.Compression.Level}}

Each unit is stored under units/ as the original audio artifact plus a
<id>.meta.json file holding the consensus transcription, duration, language,
quality score, and timestamps. manifest.json lists every unit in batch order.
`))

func renderReadme(m Manifest) ([]byte, error) {
	var buf bytes.Buffer
	if err := readmeTemplate.Execute(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
