package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/entities/sheetconfig"
	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/pipeline"
)

type configSet struct {
	byKey map[sheetconfig.Key]*sheetconfig.Config
	types map[string]struct{}
}

// ConfigCache holds loaded sheet configs per database identity.
type ConfigCache struct {
	mu      sync.Mutex
	entries map[string]*configSet
}

func NewConfigCache() *ConfigCache {
	return &ConfigCache{entries: make(map[string]*configSet)}
}

func (c *ConfigCache) get(identity string) (*configSet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.entries[identity]
	return s, ok
}

func (c *ConfigCache) put(identity string, s *configSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[identity] = s
}

// Invalidate drops every cached entry.
func (c *ConfigCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*configSet)
}

type ConfigResolver struct {
	repo     sheetconfig.Repository
	identity string
	cache    *ConfigCache
	log      *logrus.Entry
}

// NewConfigResolver returns a resolver sharing cache with every other resolver
// for the same identity. A nil cache gets a private one.
func NewConfigResolver(repo sheetconfig.Repository, identity string, cache *ConfigCache, log *logrus.Entry) *ConfigResolver {
	if cache == nil {
		cache = NewConfigCache()
	}
	return &ConfigResolver{
		repo:     repo,
		identity: strings.ToLower(strings.TrimSpace(identity)),
		cache:    cache,
		log:      componentLogger(log, "config_resolver"),
	}
}

// Resolve finds the config for sheet, trying workbookType first and then the
// default workbook type.
func (r *ConfigResolver) Resolve(ctx context.Context, sheet, workbookType string) (*sheetconfig.Config, error) {
	workbookType = strings.TrimSpace(workbookType)
	if workbookType == "" {
		workbookType = sheetconfig.DefaultWorkbookType
	}
	set, err := r.load(ctx)
	if err != nil {
		return nil, err
	}

	if cfg, ok := set.byKey[sheetconfig.Key{WorkbookType: workbookType, SheetName: sheet}]; ok {
		return cfg.Clone(), nil
	}
	if workbookType != sheetconfig.DefaultWorkbookType {
		if cfg, ok := set.byKey[sheetconfig.Key{WorkbookType: sheetconfig.DefaultWorkbookType, SheetName: sheet}]; ok {
			return cfg.Clone(), nil
		}
		if _, known := set.types[workbookType]; !known {
			return nil, fmt.Errorf("%w: %q", pipeline.ErrUnsupportedWorkbookType, workbookType)
		}
	}
	if hint := set.closestSheet(sheet, workbookType); hint != "" {
		return nil, fmt.Errorf("%w: %q (closest configured sheet: %q)", pipeline.ErrUnsupportedSheet, sheet, hint)
	}
	return nil, fmt.Errorf("%w: %q", pipeline.ErrUnsupportedSheet, sheet)
}

// closestSheet returns the best fuzzy match for sheet among the sheets
// configured for workbookType or the default type, or "" when none match.
func (s *configSet) closestSheet(sheet, workbookType string) string {
	names := make([]string, 0, len(s.byKey))
	for key := range s.byKey {
		if key.WorkbookType == workbookType || key.WorkbookType == sheetconfig.DefaultWorkbookType {
			names = append(names, key.SheetName)
		}
	}
	sort.Strings(names)
	ranks := fuzzy.RankFindNormalizedFold(strings.TrimSpace(sheet), names)
	if len(ranks) == 0 {
		return ""
	}
	sort.Sort(ranks)
	return ranks[0].Target
}

// All returns every config sorted by key.
func (r *ConfigResolver) All(ctx context.Context) ([]*sheetconfig.Config, error) {
	set, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*sheetconfig.Config, 0, len(set.byKey))
	for _, cfg := range set.byKey {
		out = append(out, cfg.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key().String() < out[j].Key().String()
	})
	return out, nil
}

func (r *ConfigResolver) Invalidate() {
	r.cache.Invalidate()
	r.log.Debug("sheet config cache invalidated")
}

func (r *ConfigResolver) load(ctx context.Context) (*configSet, error) {
	if set, ok := r.cache.get(r.identity); ok {
		return set, nil
	}
	rows, err := r.repo.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load sheet configuration: %w", err)
	}
	set := &configSet{
		byKey: make(map[sheetconfig.Key]*sheetconfig.Config, len(rows)),
		types: make(map[string]struct{}),
	}
	for _, cfg := range rows {
		key := cfg.Key()
		set.types[key.WorkbookType] = struct{}{}
		if prev, ok := set.byKey[key]; ok && prev.NormalizedTableExplicit && !cfg.NormalizedTableExplicit {
			cfg.NormalizedTable = prev.NormalizedTable
			cfg.NormalizedTableExplicit = true
		}
		set.byKey[key] = cfg
	}
	r.cache.put(r.identity, set)
	r.log.WithField("configs", len(rows)).Debug("sheet configuration loaded")
	return set, nil
}
