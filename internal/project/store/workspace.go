package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	v1 "github.com/loomhq/loom/pkg/api/v1"
)

// Workspace is the artifact surface of one project. It satisfies the
// tools.Workspace interface handed to tool handlers.
type Workspace struct {
	store     *Store
	projectID string
}

// Workspace returns the artifact surface for the project. The project
// need not exist yet; writes fail if it does not.
func (s *Store) Workspace(projectID string) *Workspace {
	return &Workspace{store: s, projectID: projectID}
}

// WriteArtifact appends the next version of the named artifact. Version
// assignment is compare-and-append under a per-name lock: concurrent
// writers of one name receive distinct consecutive versions. Returns
// the new version and whether it was the first one.
func (w *Workspace) WriteArtifact(ctx context.Context, name string, content []byte, mimeType, createdBy string) (v1.ArtifactVersion, bool, error) {
	if err := validateArtifactName(name); err != nil {
		return v1.ArtifactVersion{}, false, err
	}
	projectDir := w.store.projectDir(w.projectID)
	if _, err := os.Stat(projectDir); err != nil {
		return v1.ArtifactVersion{}, false, ErrProjectNotFound
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	lock := w.store.locksFor(w.projectID).artifact(name)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Join(projectDir, artifactsDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return v1.ArtifactVersion{}, false, fmt.Errorf("failed to create artifact dir: %w", err)
	}

	meta, err := w.loadMeta(name)
	if err != nil {
		return v1.ArtifactVersion{}, false, err
	}
	created := meta.Latest == 0

	version := v1.ArtifactVersion{
		Version:   meta.Latest + 1,
		MimeType:  mimeType,
		Size:      int64(len(content)),
		CreatedAt: time.Now().UTC(),
		CreatedBy: createdBy,
	}

	path := filepath.Join(dir, versionFileName(name, version.Version))
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return v1.ArtifactVersion{}, false, fmt.Errorf("failed to write artifact version: %w", err)
	}

	meta.Name = name
	meta.Latest = version.Version
	meta.Versions = append(meta.Versions, version)
	if err := writeJSONAtomic(filepath.Join(dir, "meta.json"), meta); err != nil {
		return v1.ArtifactVersion{}, false, err
	}
	return version, created, nil
}

// ReadArtifact returns one version's content; version 0 means latest.
func (w *Workspace) ReadArtifact(ctx context.Context, name string, version int) ([]byte, v1.ArtifactVersion, error) {
	if err := validateArtifactName(name); err != nil {
		return nil, v1.ArtifactVersion{}, err
	}
	meta, err := w.loadMeta(name)
	if err != nil {
		return nil, v1.ArtifactVersion{}, err
	}
	if meta.Latest == 0 {
		return nil, v1.ArtifactVersion{}, ErrArtifactNotFound
	}
	if version == 0 {
		version = meta.Latest
	}
	var info v1.ArtifactVersion
	found := false
	for _, v := range meta.Versions {
		if v.Version == version {
			info = v
			found = true
			break
		}
	}
	if !found {
		return nil, v1.ArtifactVersion{}, ErrArtifactNotFound
	}

	path := filepath.Join(w.store.projectDir(w.projectID), artifactsDir, name, versionFileName(name, version))
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, v1.ArtifactVersion{}, ErrArtifactNotFound
		}
		return nil, v1.ArtifactVersion{}, err
	}
	return content, info, nil
}

// ListArtifacts enumerates the latest version of every artifact in the
// workspace, sorted by name.
func (w *Workspace) ListArtifacts(ctx context.Context) ([]v1.ArtifactInfo, error) {
	dir := filepath.Join(w.store.projectDir(w.projectID), artifactsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []v1.ArtifactInfo{}, nil
		}
		return nil, err
	}

	infos := make([]v1.ArtifactInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := w.loadMeta(entry.Name())
		if err != nil || meta.Latest == 0 {
			continue
		}
		latest := meta.Versions[len(meta.Versions)-1]
		infos = append(infos, v1.ArtifactInfo{
			Name:      meta.Name,
			Version:   latest.Version,
			MimeType:  latest.MimeType,
			Size:      latest.Size,
			CreatedAt: latest.CreatedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (w *Workspace) loadMeta(name string) (v1.ArtifactMeta, error) {
	var meta v1.ArtifactMeta
	path := filepath.Join(w.store.projectDir(w.projectID), artifactsDir, name, "meta.json")
	if err := readJSON(path, &meta); err != nil {
		if os.IsNotExist(err) {
			return v1.ArtifactMeta{}, nil
		}
		return v1.ArtifactMeta{}, err
	}
	return meta, nil
}

// versionFileName keeps the artifact's extension on the versioned file
// so stored trees stay browsable: report.md version 2 -> 2.md.
func versionFileName(name string, version int) string {
	ext := filepath.Ext(name)
	if ext == "" {
		ext = ".bin"
	}
	return fmt.Sprintf("%d%s", version, ext)
}

func validateArtifactName(name string) error {
	if name == "" || strings.Contains(name, "/") || strings.Contains(name, "\\") ||
		strings.Contains(name, "..") || strings.HasPrefix(name, ".") {
		return ErrInvalidName
	}
	return nil
}
