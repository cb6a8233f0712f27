package team

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/common/logger"
)

// Registry holds the loaded teams, keyed by configRef (file stem or
// built-in name). Files in the teams directory override built-ins of
// the same name.
type Registry struct {
	mu     sync.RWMutex
	teams  map[string]*Team
	logger *logger.Logger
}

// NewRegistry loads built-in teams plus every *.yaml / *.yml file in
// dir. A missing directory is fine; built-ins still apply.
func NewRegistry(dir string, log *logger.Logger) (*Registry, error) {
	r := &Registry{
		teams:  make(map[string]*Team),
		logger: log.WithFields(zap.String("component", "teams")),
	}

	for name, t := range builtinTeams() {
		r.teams[name] = t
	}

	if dir != "" {
		if err := r.loadDir(dir); err != nil {
			return nil, err
		}
	}

	r.logger.Info("Loaded teams", zap.Strings("teams", r.Names()))
	return r, nil
}

func (r *Registry) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read teams dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		t, err := ParseFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		ref := strings.TrimSuffix(entry.Name(), ext)
		r.teams[ref] = t
		r.logger.Debug("Loaded team file",
			zap.String("config_ref", ref), zap.String("team", t.Name))
	}
	return nil
}

// Get returns the team bound to the configRef.
func (r *Registry) Get(configRef string) (*Team, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.teams[configRef]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTeamNotFound, configRef)
	}
	return t, nil
}

// Names returns the registered configRefs, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.teams))
	for name := range r.teams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register binds a team under the configRef, replacing any prior
// binding. Intended for tests.
func (r *Registry) Register(configRef string, t *Team) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teams[configRef] = t
}
