// Package registry is the capability store: verified capability
// sources on disk, indexed rows with embeddings in SQLite, and
// semantic search over them. The database row and the source file must
// agree; Get self-heals when they don't, and CleanupOrphans sweeps the
// rest.
package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"skillforge/internal/embedding"
	"skillforge/internal/logging"
	"skillforge/internal/policy"
	"skillforge/internal/store"
)

// Registration carries everything needed to admit a capability.
// Sources must already be verified; the registry trusts its callers
// on that and only handles persistence and indexing.
type Registration struct {
	Name          string
	Description   string
	ImplSource    string
	TestSource    string
	SpecJSON      string
	Provenance    string
	SourcePattern string
}

// Match is one search result. Similarity is raw cosine similarity;
// Score folds in the capability's track record when reranking is on.
type Match struct {
	Capability store.Capability
	Similarity float64
	Score      float64
}

// Registry owns the capability directory and its index.
type Registry struct {
	store    *store.Store
	embedder embedding.Engine
	policies *policy.Manager
	dir      string

	watcher *fsnotify.Watcher
}

// New creates the capability directory if needed and opens the
// registry over it.
func New(st *store.Store, embedder embedding.Engine, policies *policy.Manager, dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create capability directory: %w", err)
	}
	return &Registry{store: st, embedder: embedder, policies: policies, dir: dir}, nil
}

// Close stops the change watcher if one is running.
func (r *Registry) Close() error {
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

func (r *Registry) implPath(name string) string {
	return filepath.Join(r.dir, name+".go")
}

func (r *Registry) testPath(name string) string {
	return filepath.Join(r.dir, name+"_tests.go")
}

// Register persists a verified capability. Registering an existing
// name archives the current version first, so history survives the
// swap.
func (r *Registry) Register(ctx context.Context, reg Registration) (*store.Capability, error) {
	log := logging.Get(logging.CategoryRegistry)
	if reg.Name == "" || reg.ImplSource == "" {
		return nil, fmt.Errorf("registration requires a name and implementation")
	}

	version := 1
	if existing, err := r.store.GetCapability(reg.Name); err != nil {
		return nil, err
	} else if existing != nil {
		if err := r.archiveFiles(existing); err != nil {
			return nil, err
		}
		if err := r.store.ArchiveCapabilityVersion(reg.Name); err != nil {
			return nil, err
		}
		version = existing.Version + 1
		log.Info("archiving %s v%d before replacement", reg.Name, existing.Version)
	}

	vec, err := r.embedder.Embed(ctx, reg.Name+": "+reg.Description)
	if err != nil {
		return nil, fmt.Errorf("failed to embed capability description: %w", err)
	}

	if err := os.WriteFile(r.implPath(reg.Name), []byte(reg.ImplSource), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write implementation: %w", err)
	}
	if reg.TestSource != "" {
		if err := os.WriteFile(r.testPath(reg.Name), []byte(reg.TestSource), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write tests: %w", err)
		}
	}

	cap := store.Capability{
		Name:          reg.Name,
		Description:   reg.Description,
		Version:       version,
		IsCurrent:     true,
		ImplPath:      r.implPath(reg.Name),
		TestPath:      r.testPath(reg.Name),
		Embedding:     vec,
		SpecJSON:      reg.SpecJSON,
		Provenance:    reg.Provenance,
		SourcePattern: reg.SourcePattern,
	}
	if err := r.store.UpsertCapability(cap); err != nil {
		return nil, err
	}
	log.Info("registered %s v%d (%s)", reg.Name, version, reg.Provenance)

	got, err := r.store.GetCapability(reg.Name)
	if err != nil {
		return nil, err
	}
	return got, nil
}

// archiveFiles copies the current sources to versioned names so a
// replaced implementation stays inspectable.
func (r *Registry) archiveFiles(cap *store.Capability) error {
	archived := filepath.Join(r.dir, fmt.Sprintf("%s@v%d.go", cap.Name, cap.Version))
	src, err := os.ReadFile(cap.ImplPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.WriteFile(archived, src, 0o644)
}

// Get fetches a capability and checks that its implementation is
// still on disk. A row whose source file vanished is removed so the
// caller resynthesizes instead of executing nothing.
func (r *Registry) Get(name string) (*store.Capability, error) {
	cap, err := r.store.GetCapability(name)
	if err != nil || cap == nil {
		return cap, err
	}
	if _, err := os.Stat(cap.ImplPath); os.IsNotExist(err) {
		logging.Get(logging.CategoryRegistry).Warn("capability %s lost its source file, removing index entry", name)
		if derr := r.store.DeleteCapability(name); derr != nil {
			return nil, derr
		}
		return nil, nil
	}
	return cap, nil
}

// Source reads a capability's implementation and tests.
func (r *Registry) Source(name string) (impl string, tests string, err error) {
	cap, err := r.Get(name)
	if err != nil {
		return "", "", err
	}
	if cap == nil {
		return "", "", fmt.Errorf("capability %s not found", name)
	}
	b, err := os.ReadFile(cap.ImplPath)
	if err != nil {
		return "", "", err
	}
	impl = string(b)
	if cap.TestPath != "" {
		if tb, terr := os.ReadFile(cap.TestPath); terr == nil {
			tests = string(tb)
		}
	}
	return impl, tests, nil
}

// Search embeds the query and returns capabilities above the retrieval
// threshold, reranked by track record when the policy enables it.
func (r *Registry) Search(ctx context.Context, query string, topK int) ([]Match, error) {
	handle := r.policies.Handle()

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	raw, err := r.store.SearchByEmbedding(vec, topK)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(raw))
	for _, m := range raw {
		if m.Similarity < handle.Retrieval.Threshold {
			continue
		}
		match := Match{Capability: m.Capability, Similarity: m.Similarity, Score: m.Similarity}
		if handle.Retrieval.Rerank {
			stats, err := r.store.GetCapabilityStats(m.Capability.Name)
			if err != nil {
				return nil, err
			}
			match.Score = rerank(m.Similarity, stats, handle.Rerank)
		}
		matches = append(matches, match)
	}

	// Reranking can reorder past raw similarity.
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j].Score > matches[j-1].Score; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}
	logging.Get(logging.CategoryRegistry).Debug("search %q: %d above threshold %.2f", query, len(matches), handle.Retrieval.Threshold)
	return matches, nil
}

// Best returns the top match for a query, or nil when nothing clears
// the threshold.
func (r *Registry) Best(ctx context.Context, query string) (*Match, error) {
	matches, err := r.Search(ctx, query, 5)
	if err != nil || len(matches) == 0 {
		return nil, err
	}
	return &matches[0], nil
}

// rerank blends similarity with execution history. A capability with
// no history keeps its raw similarity: new capabilities are not
// penalized for being new.
func rerank(similarity float64, stats *store.CapabilityStats, w policy.RerankWeights) float64 {
	if stats == nil || stats.Executions == 0 {
		return similarity
	}
	freq := float64(stats.Executions) / 10.0
	if freq > 1 {
		freq = 1
	}
	return w.Similarity*similarity + w.SuccessRate*stats.SuccessRate + w.Frequency*freq
}

// List returns all current capabilities.
func (r *Registry) List() ([]store.Capability, error) {
	return r.store.ListCurrentCapabilities()
}

// Remove deletes a capability's rows and source files, archived
// versions included.
func (r *Registry) Remove(name string) error {
	if err := r.store.DeleteCapability(name); err != nil {
		return err
	}
	pattern := fmt.Sprintf("%s*.go", name)
	files, err := doublestar.Glob(os.DirFS(r.dir), pattern)
	if err != nil {
		return err
	}
	for _, f := range files {
		base := strings.TrimSuffix(filepath.Base(f), ".go")
		base = strings.TrimSuffix(base, "_tests")
		if base != name && !strings.HasPrefix(base, name+"@v") {
			continue
		}
		if err := os.Remove(filepath.Join(r.dir, f)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// CleanupOrphans reconciles the directory with the index: source files
// with no index row are deleted, rows whose files vanished are
// dropped. Archived version files keep their parent row's protection.
func (r *Registry) CleanupOrphans() (removedFiles, removedRows int, err error) {
	log := logging.Get(logging.CategoryRegistry)

	caps, err := r.store.ListCurrentCapabilities()
	if err != nil {
		return 0, 0, err
	}

	// Row liveness keys on the implementation file specifically; a
	// surviving test file does not keep a row alive. Rows go first so
	// the file sweep also catches what a dropped row leaves behind.
	known := make(map[string]bool, len(caps))
	for _, c := range caps {
		if _, statErr := os.Stat(c.ImplPath); statErr == nil || !os.IsNotExist(statErr) {
			known[c.Name] = true
			continue
		}
		if err := r.store.DeleteCapability(c.Name); err != nil {
			return removedFiles, removedRows, err
		}
		log.Warn("removed index entry for %s, implementation missing", c.Name)
		removedRows++
	}

	files, err := doublestar.Glob(os.DirFS(r.dir), "**/*.go")
	if err != nil {
		return 0, 0, err
	}
	for _, f := range files {
		base := strings.TrimSuffix(filepath.Base(f), ".go")
		base = strings.TrimSuffix(base, "_tests")
		if at := strings.Index(base, "@v"); at >= 0 {
			base = base[:at]
		}
		if known[base] {
			continue
		}
		if err := os.Remove(filepath.Join(r.dir, f)); err != nil && !os.IsNotExist(err) {
			return removedFiles, removedRows, err
		}
		log.Warn("removed orphaned source file %s", f)
		removedFiles++
	}
	return removedFiles, removedRows, nil
}

// Watch logs external changes to the capability directory until the
// context ends. The watcher is advisory; reconciliation happens in
// CleanupOrphans.
func (r *Registry) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to start capability watcher: %w", err)
	}
	if err := w.Add(r.dir); err != nil {
		w.Close()
		return err
	}
	r.watcher = w

	log := logging.Get(logging.CategoryRegistry)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename|fsnotify.Write) != 0 {
					log.Warn("capability directory changed externally: %s %s", ev.Op, ev.Name)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Error("capability watcher: %v", err)
			}
		}
	}()
	return nil
}
