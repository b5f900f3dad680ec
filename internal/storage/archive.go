package storage

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/kilnml/kiln/internal/schema"
)

// Archive format versions. An archive is loadable when
// MinCompatibleVersion <= format_version <= FormatVersion.
const (
	FormatVersion        = "v1.1.0"
	MinCompatibleVersion = "v1.0.0"

	metadataFile = "metadata.yml"
)

// ModelMetadata is persisted alongside the resources in a model archive and
// carries everything needed to reconstruct a runnable predict-time schema.
type ModelMetadata struct {
	FormatVersion string         `yaml:"format_version"`
	TrainedAt     time.Time      `yaml:"trained_at"`
	Domain        map[string]any `yaml:"domain,omitempty"`
	TrainSchema   *schema.Schema `yaml:"train_schema"`
	PredictSchema *schema.Schema `yaml:"predict_schema"`
	TrainingType  string         `yaml:"training_type,omitempty"`
	Language      string         `yaml:"language,omitempty"`
}

// VersionError reports an archive whose format version the running engine
// cannot load.
type VersionError struct {
	Found string
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("model archive format %q is outside the supported range [%s, %s]",
		e.Found, MinCompatibleVersion, FormatVersion)
}

func checkFormatVersion(found string) error {
	if !semver.IsValid(found) {
		return &VersionError{Found: found}
	}
	if semver.Compare(found, MinCompatibleVersion) < 0 || semver.Compare(found, FormatVersion) > 0 {
		return &VersionError{Found: found}
	}
	return nil
}

// CreateModelPackage bundles the metadata plus every persisted resource
// directory into one gzipped tar archive at path.
func (s *ModelStorage) CreateModelPackage(path string, meta ModelMetadata) error {
	meta.FormatVersion = FormatVersion
	if meta.TrainedAt.IsZero() {
		meta.TrainedAt = time.Now().UTC()
	}

	rawMeta, err := yaml.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("encoding model metadata: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating archive directory: %w", err)
	}
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating model archive %s: %w", path, err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	hdr := &tar.Header{
		Name:    metadataFile,
		Mode:    0o644,
		Size:    int64(len(rawMeta)),
		ModTime: meta.TrainedAt,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := tw.Write(rawMeta); err != nil {
		return err
	}

	names, err := s.Resources()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := tarDir(tw, filepath.Join(s.root, name), name); err != nil {
			return fmt.Errorf("packaging resource %q: %w", name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return out.Sync()
}

// FromModelArchive is the inverse of CreateModelPackage: it unpacks an
// archive into a fresh storage rooted at destRoot and returns it with the
// decoded metadata. The archive is first extracted into a temporary
// directory and only moved into place after the format version check
// passes, so an incompatible or corrupt archive leaves no partial state
// behind.
func FromModelArchive(path, destRoot string) (*ModelStorage, *ModelMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening model archive %s: %w", path, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, nil, fmt.Errorf("reading model archive %s: %w", path, err)
	}
	defer gz.Close()

	if err := os.MkdirAll(filepath.Dir(destRoot), 0o755); err != nil {
		return nil, nil, err
	}
	tmp, err := os.MkdirTemp(filepath.Dir(destRoot), ".unpack-*")
	if err != nil {
		return nil, nil, err
	}
	defer os.RemoveAll(tmp)

	if err := untar(gz, tmp); err != nil {
		return nil, nil, fmt.Errorf("extracting model archive %s: %w", path, err)
	}

	rawMeta, err := os.ReadFile(filepath.Join(tmp, metadataFile))
	if err != nil {
		return nil, nil, fmt.Errorf("model archive %s has no metadata: %w", path, err)
	}
	meta := &ModelMetadata{}
	if err := yaml.Unmarshal(rawMeta, meta); err != nil {
		return nil, nil, fmt.Errorf("decoding model metadata: %w", err)
	}
	if err := checkFormatVersion(meta.FormatVersion); err != nil {
		return nil, nil, err
	}

	// Metadata stays out of the resource tree.
	if err := os.Remove(filepath.Join(tmp, metadataFile)); err != nil {
		return nil, nil, err
	}
	if err := os.RemoveAll(destRoot); err != nil {
		return nil, nil, err
	}
	if err := os.Rename(tmp, destRoot); err != nil {
		return nil, nil, fmt.Errorf("installing model storage at %s: %w", destRoot, err)
	}

	storage, err := NewLocal(destRoot)
	if err != nil {
		return nil, nil, err
	}
	return storage, meta, nil
}
