package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/normanking/cortexmem/internal/errs"
	"github.com/normanking/cortexmem/pkg/types"
)

const registryFile = "profiles.json"

var profileNameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// registry is the persisted list of profiles and the active pointer.
type registry struct {
	Active   string   `json:"active"`
	Profiles []string `json:"profiles"`
}

// Profiles owns every open profile store plus the system store. Each profile
// is an isolated SQLite file under <data_dir>/profiles.
type Profiles struct {
	dataDir string
	opts    Options

	mu     sync.Mutex
	reg    registry
	stores map[string]*Store
	system *Store

	// fresh names profiles registered without a file on disk yet.
	fresh map[string]bool
}

// OpenProfiles opens the registry, the system store and the default profile.
// Warnings report stores that were recovered empty.
func OpenProfiles(dataDir string, opts Options) (*Profiles, []*errs.RecoveredEmptyStoreWarning, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "profiles"), 0755); err != nil {
		return nil, nil, fmt.Errorf("create profiles directory: %w", err)
	}

	p := &Profiles{
		dataDir: dataDir,
		opts:    opts,
		stores:  make(map[string]*Store),
		fresh:   make(map[string]bool),
	}
	if err := p.loadRegistry(); err != nil {
		return nil, nil, err
	}

	var warnings []*errs.RecoveredEmptyStoreWarning

	sys, warn, err := OpenSystem(filepath.Join(dataDir, SystemStoreName+".db"), opts)
	if err != nil {
		return nil, nil, fmt.Errorf("open system store: %w", err)
	}
	if warn != nil {
		warnings = append(warnings, warn)
	}
	p.system = sys

	for _, name := range []string{types.DefaultProfile, p.reg.Active} {
		if _, warn, err := p.Store(name); err != nil {
			p.Close()
			return nil, nil, err
		} else if warn != nil {
			warnings = append(warnings, warn)
		}
	}
	return p, warnings, nil
}

func (p *Profiles) registryPath() string {
	return filepath.Join(p.dataDir, registryFile)
}

func (p *Profiles) profilePath(name string) string {
	return filepath.Join(p.dataDir, "profiles", name+".db")
}

func (p *Profiles) loadRegistry() error {
	data, err := os.ReadFile(p.registryPath())
	switch {
	case errors.Is(err, os.ErrNotExist):
		p.reg = registry{Active: types.DefaultProfile, Profiles: []string{types.DefaultProfile}}
		p.fresh[types.DefaultProfile] = true
		return p.saveRegistry()
	case err != nil:
		return fmt.Errorf("read profile registry: %w", err)
	}

	if err := json.Unmarshal(data, &p.reg); err != nil {
		log.Warn().Err(err).Msg("profile registry unreadable, resetting to default")
		p.reg = registry{}
	}
	if !p.registered(types.DefaultProfile) {
		p.reg.Profiles = append(p.reg.Profiles, types.DefaultProfile)
	}
	if p.reg.Active == "" || !p.registered(p.reg.Active) {
		p.reg.Active = types.DefaultProfile
	}
	sort.Strings(p.reg.Profiles)
	return p.saveRegistry()
}

// saveRegistry writes the registry atomically via rename.
func (p *Profiles) saveRegistry() error {
	data, err := json.MarshalIndent(p.reg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal profile registry: %w", err)
	}
	tmp := p.registryPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write profile registry: %w", err)
	}
	if err := os.Rename(tmp, p.registryPath()); err != nil {
		return fmt.Errorf("replace profile registry: %w", err)
	}
	return nil
}

func (p *Profiles) registered(name string) bool {
	for _, n := range p.reg.Profiles {
		if n == name {
			return true
		}
	}
	return false
}

// System returns the store holding agents and trust evidence.
func (p *Profiles) System() *Store { return p.system }

// Active returns the active profile name.
func (p *Profiles) Active() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reg.Active
}

// Names returns all registered profile names, sorted.
func (p *Profiles) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.reg.Profiles...)
}

// Store returns the open store for a registered profile, opening it on first
// use. The warning is only reported by the call that opened the store.
func (p *Profiles) Store(name string) (*Store, *errs.RecoveredEmptyStoreWarning, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.storeLocked(name)
}

func (p *Profiles) storeLocked(name string) (*Store, *errs.RecoveredEmptyStoreWarning, error) {
	if s, ok := p.stores[name]; ok {
		return s, nil, nil
	}
	if !p.registered(name) {
		return nil, nil, errs.NewNotFound("profile", name)
	}

	opts := p.opts
	opts.ExpectExisting = !p.fresh[name]
	s, warn, err := Open(p.profilePath(name), name, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("open profile %s: %w", name, err)
	}
	p.stores[name] = s
	delete(p.fresh, name)
	return s, warn, nil
}

// Create registers and initializes a new profile.
func (p *Profiles) Create(name string) error {
	if !profileNameRE.MatchString(name) {
		return errs.NewValidation("profile", "must match "+profileNameRE.String())
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.registered(name) {
		return errs.NewValidation("profile", "already exists")
	}

	s, _, err := Open(p.profilePath(name), name, p.opts)
	if err != nil {
		return fmt.Errorf("create profile %s: %w", name, err)
	}
	p.stores[name] = s

	p.reg.Profiles = append(p.reg.Profiles, name)
	sort.Strings(p.reg.Profiles)
	if err := p.saveRegistry(); err != nil {
		return err
	}

	log.Info().Str("profile", name).Msg("profile created")
	return nil
}

// Switch makes name the active profile.
func (p *Profiles) Switch(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.registered(name) {
		return errs.NewNotFound("profile", name)
	}
	if _, _, err := p.storeLocked(name); err != nil {
		return err
	}

	p.reg.Active = name
	if err := p.saveRegistry(); err != nil {
		return err
	}
	log.Info().Str("profile", name).Msg("switched profile")
	return nil
}

// Delete removes a non-default profile after migrating its memories into the
// default profile. It returns the number of memories migrated.
func (p *Profiles) Delete(ctx context.Context, name string) (int, error) {
	if name == types.DefaultProfile {
		return 0, errs.NewValidation("profile", "the default profile cannot be deleted")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.registered(name) {
		return 0, errs.NewNotFound("profile", name)
	}

	src, _, err := p.storeLocked(name)
	if err != nil {
		return 0, err
	}
	dst, _, err := p.storeLocked(types.DefaultProfile)
	if err != nil {
		return 0, err
	}

	items, err := src.Export(ctx)
	if err != nil {
		return 0, fmt.Errorf("export profile %s: %w", name, err)
	}
	migrated, err := dst.Import(ctx, items)
	if err != nil {
		return 0, fmt.Errorf("migrate profile %s: %w", name, err)
	}

	if err := src.Close(); err != nil {
		log.Warn().Err(err).Str("profile", name).Msg("close deleted profile")
	}
	delete(p.stores, name)
	if err := removeFiles(p.profilePath(name)); err != nil {
		return migrated, fmt.Errorf("remove profile files: %w", err)
	}

	kept := p.reg.Profiles[:0]
	for _, n := range p.reg.Profiles {
		if n != name {
			kept = append(kept, n)
		}
	}
	p.reg.Profiles = kept
	if p.reg.Active == name {
		p.reg.Active = types.DefaultProfile
	}
	if err := p.saveRegistry(); err != nil {
		return migrated, err
	}

	log.Info().Str("profile", name).Int("migrated", migrated).Msg("profile deleted")
	return migrated, nil
}

// List describes every registered profile.
func (p *Profiles) List(ctx context.Context) ([]types.ProfileInfo, error) {
	p.mu.Lock()
	names := append([]string(nil), p.reg.Profiles...)
	active := p.reg.Active
	p.mu.Unlock()

	out := make([]types.ProfileInfo, 0, len(names))
	for _, name := range names {
		s, _, err := p.Store(name)
		if err != nil {
			return nil, err
		}
		n, err := s.Count(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, types.ProfileInfo{
			Name:        name,
			Path:        s.Path(),
			Active:      name == active,
			MemoryCount: n,
		})
	}
	return out, nil
}

// Close closes every open store.
func (p *Profiles) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errList []error
	for name, s := range p.stores {
		if err := s.Close(); err != nil {
			errList = append(errList, fmt.Errorf("close %s: %w", name, err))
		}
	}
	p.stores = make(map[string]*Store)
	if p.system != nil {
		if err := p.system.Close(); err != nil {
			errList = append(errList, err)
		}
		p.system = nil
	}
	return errors.Join(errList...)
}
