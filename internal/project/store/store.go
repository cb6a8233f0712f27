// Package store persists project state as a plain file tree:
//
//	<dataDir>/projects/<projectID>/
//	  project.json      project metadata
//	  plan.json         current plan, rewritten per revision
//	  messages.jsonl    conversation, append-only
//	  artifacts/<name>/<version>.<ext> + meta.json
//
// Document writes are atomic (temp file + rename). Message appends and
// artifact version assignment are serialized per project; artifact
// versions are immutable once written.
package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/common/logger"
	v1 "github.com/loomhq/loom/pkg/api/v1"
)

const (
	projectFile  = "project.json"
	planFile     = "plan.json"
	messagesFile = "messages.jsonl"
	artifactsDir = "artifacts"
)

// Store is the file-backed project store.
type Store struct {
	root   string
	logger *logger.Logger

	mu    sync.Mutex
	locks map[string]*projectLocks
}

// projectLocks serializes the mutable surfaces of one project: the
// conversation log and per-artifact-name version assignment.
type projectLocks struct {
	messages sync.Mutex

	mu        sync.Mutex
	artifacts map[string]*sync.Mutex
}

func (l *projectLocks) artifact(name string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.artifacts == nil {
		l.artifacts = make(map[string]*sync.Mutex)
	}
	m, ok := l.artifacts[name]
	if !ok {
		m = &sync.Mutex{}
		l.artifacts[name] = m
	}
	return m
}

// NewStore creates the store rooted at dataDir, creating the projects
// directory if needed.
func NewStore(dataDir string, log *logger.Logger) (*Store, error) {
	root := filepath.Join(dataDir, "projects")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create projects dir: %w", err)
	}
	return &Store{
		root:   root,
		logger: log.WithFields(zap.String("component", "store")),
		locks:  make(map[string]*projectLocks),
	}, nil
}

func (s *Store) locksFor(projectID string) *projectLocks {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[projectID]
	if !ok {
		l = &projectLocks{}
		s.locks[projectID] = l
	}
	return l
}

func (s *Store) projectDir(projectID string) string {
	return filepath.Join(s.root, projectID)
}

// CreateProject materializes the project directory and writes
// project.json. Fails with ErrProjectExists when the id is taken.
func (s *Store) CreateProject(ctx context.Context, proj v1.Project) error {
	dir := s.projectDir(proj.ProjectID)
	if _, err := os.Stat(dir); err == nil {
		return ErrProjectExists
	}
	if err := os.MkdirAll(filepath.Join(dir, artifactsDir), 0o755); err != nil {
		return fmt.Errorf("failed to create project dir: %w", err)
	}
	if err := writeJSONAtomic(filepath.Join(dir, projectFile), proj); err != nil {
		return err
	}
	s.logger.Debug("Created project directory", zap.String("project_id", proj.ProjectID))
	return nil
}

// SaveProject rewrites project.json.
func (s *Store) SaveProject(ctx context.Context, proj v1.Project) error {
	dir := s.projectDir(proj.ProjectID)
	if _, err := os.Stat(dir); err != nil {
		return ErrProjectNotFound
	}
	return writeJSONAtomic(filepath.Join(dir, projectFile), proj)
}

// LoadProject reads project.json. The plan, when present, is attached
// to the returned snapshot.
func (s *Store) LoadProject(ctx context.Context, projectID string) (v1.Project, error) {
	var proj v1.Project
	if err := readJSON(filepath.Join(s.projectDir(projectID), projectFile), &proj); err != nil {
		if os.IsNotExist(err) {
			return v1.Project{}, ErrProjectNotFound
		}
		return v1.Project{}, err
	}
	if plan, ok, err := s.LoadPlan(ctx, projectID); err == nil && ok {
		proj.Plan = &plan
	}
	return proj, nil
}

// ListProjects enumerates every stored project snapshot, sorted by
// creation time (newest first).
func (s *Store) ListProjects(ctx context.Context) ([]v1.Project, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read projects dir: %w", err)
	}
	projects := make([]v1.Project, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		proj, err := s.LoadProject(ctx, entry.Name())
		if err != nil {
			s.logger.Warn("Skipping unreadable project",
				zap.String("project_id", entry.Name()), zap.Error(err))
			continue
		}
		projects = append(projects, proj)
	}
	sort.Slice(projects, func(i, j int) bool {
		return projects[i].CreatedAt.After(projects[j].CreatedAt)
	})
	return projects, nil
}

// DeleteProject removes the project directory and all its contents.
func (s *Store) DeleteProject(ctx context.Context, projectID string) error {
	dir := s.projectDir(projectID)
	if _, err := os.Stat(dir); err != nil {
		return ErrProjectNotFound
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete project dir: %w", err)
	}
	s.mu.Lock()
	delete(s.locks, projectID)
	s.mu.Unlock()
	s.logger.Info("Deleted project directory", zap.String("project_id", projectID))
	return nil
}

// SavePlan rewrites plan.json with the given snapshot.
func (s *Store) SavePlan(ctx context.Context, projectID string, plan v1.Plan) error {
	dir := s.projectDir(projectID)
	if _, err := os.Stat(dir); err != nil {
		return ErrProjectNotFound
	}
	return writeJSONAtomic(filepath.Join(dir, planFile), plan)
}

// LoadPlan reads plan.json. ok is false when no plan has been saved.
func (s *Store) LoadPlan(ctx context.Context, projectID string) (v1.Plan, bool, error) {
	var plan v1.Plan
	err := readJSON(filepath.Join(s.projectDir(projectID), planFile), &plan)
	if err != nil {
		if os.IsNotExist(err) {
			return v1.Plan{}, false, nil
		}
		return v1.Plan{}, false, err
	}
	return plan, true, nil
}

// AppendMessage appends one message to messages.jsonl. Appends for the
// same project are serialized.
func (s *Store) AppendMessage(ctx context.Context, msg v1.Message) error {
	dir := s.projectDir(msg.ProjectID)
	if _, err := os.Stat(dir); err != nil {
		return ErrProjectNotFound
	}

	locks := s.locksFor(msg.ProjectID)
	locks.messages.Lock()
	defer locks.messages.Unlock()

	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, messagesFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open messages log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return f.Sync()
}

// LoadMessages reads the full conversation in append order.
func (s *Store) LoadMessages(ctx context.Context, projectID string) ([]v1.Message, error) {
	dir := s.projectDir(projectID)
	if _, err := os.Stat(dir); err != nil {
		return nil, ErrProjectNotFound
	}

	f, err := os.Open(filepath.Join(dir, messagesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []v1.Message{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var messages []v1.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg v1.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			s.logger.Warn("Skipping corrupt message line",
				zap.String("project_id", projectID), zap.Error(err))
			continue
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan messages log: %w", err)
	}
	if messages == nil {
		messages = []v1.Message{}
	}
	return messages, nil
}

// writeJSONAtomic writes the document to a temp file in the target
// directory and renames it into place.
func writeJSONAtomic(path string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", filepath.Base(path), err)
	}
	return nil
}
