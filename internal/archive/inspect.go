package archive

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"chorus/internal/services"
)

// Checksum returns the hex SHA-256 and size of the file at p.
func Checksum(p string) (string, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Report is the result of inspecting an archive.
type Report struct {
	Path          string
	Checksum      string
	SizeBytes     int64
	Manifest      Manifest
	MetadataFiles int
	ArtifactFiles int
	Units         []UnitMetadata
}

// Inspect reads an archive back and checks that the manifest, metadata
// files, and artifact files agree.
func Inspect(p string) (Report, error) {
	sum, size, err := Checksum(p)
	if err != nil {
		return Report{}, services.Wrap(services.ErrNotFound, "archive", "inspect", p, err)
	}
	report := Report{Path: p, Checksum: sum, SizeBytes: size}

	f, err := os.Open(p)
	if err != nil {
		return Report{}, services.Wrap(services.ErrNotFound, "archive", "inspect", p, err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return Report{}, services.Wrap(services.ErrValidation, "archive", "inspect", "not a gzip stream", err)
	}
	defer gz.Close()

	var (
		haveManifest bool
		haveReadme   bool
		artifacts    = map[string]bool{}
	)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Report{}, services.Wrap(services.ErrValidation, "archive", "inspect", "corrupt tar stream", err)
		}
		switch {
		case hdr.Name == manifestName:
			if err := json.NewDecoder(tr).Decode(&report.Manifest); err != nil {
				return Report{}, services.Wrap(services.ErrValidation, "archive", "inspect", "decode manifest", err)
			}
			haveManifest = true
		case hdr.Name == readmeName:
			haveReadme = true
		case strings.HasPrefix(hdr.Name, unitsDir) && strings.HasSuffix(hdr.Name, metaSuffix):
			var meta UnitMetadata
			if err := json.NewDecoder(tr).Decode(&meta); err != nil {
				return Report{}, services.Wrap(services.ErrValidation, "archive", "inspect", "decode "+hdr.Name, err)
			}
			report.MetadataFiles++
			report.Units = append(report.Units, meta)
		case strings.HasPrefix(hdr.Name, unitsDir):
			report.ArtifactFiles++
			artifacts[path.Base(hdr.Name)] = true
		}
	}

	var problems []string
	if !haveManifest {
		problems = append(problems, "manifest.json missing")
	}
	if !haveReadme {
		problems = append(problems, "README.txt missing")
	}
	if report.Manifest.UnitCount != report.MetadataFiles || report.MetadataFiles != report.ArtifactFiles {
		problems = append(problems, fmt.Sprintf("manifest lists %d units but archive holds %d metadata and %d artifact files",
			report.Manifest.UnitCount, report.MetadataFiles, report.ArtifactFiles))
	}
	for _, meta := range report.Units {
		if !artifacts[meta.Artifact] {
			problems = append(problems, fmt.Sprintf("unit %d artifact %s missing", meta.UnitID, meta.Artifact))
		}
	}
	if len(problems) > 0 {
		return report, services.Wrap(services.ErrValidation, "archive", "inspect", strings.Join(problems, "; "), nil)
	}
	return report, nil
}
