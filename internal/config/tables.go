package config

import (
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// HostStrategyEntry is one row of the operator-editable known-host table
// as a plain data table rather than a code-level registry.
type HostStrategyEntry struct {
	Host              string   `yaml:"host"`
	Tier              int      `yaml:"tier"`
	DocKind           string   `yaml:"doc_kind"`
	PreferredMethods  []string `yaml:"preferred_methods"`
	RequiresHeadless  bool     `yaml:"requires_headless"`
}

// LexiconSeed is one operator-supplied category-lexicon row used to seed the
// Learning Stores' component lexicon.
type LexiconSeed struct {
	Category string   `yaml:"category"`
	Term     string   `yaml:"term"`
	Aliases  []string `yaml:"aliases"`
}

// AdapterRule is one operator-editable per-field extraction rule for the
// adapter method: a regexp with a single capture group, applied to a
// snippet's quote. Adding support for a new source is a new row, never a
// new code path.
type AdapterRule struct {
	FieldKey string `yaml:"field_key"`
	Pattern  string `yaml:"pattern"`
}

// OperatorTables is the hot-reloadable set of operator-editable input
// tables. Unlike Config, these are expected to change between and during
// runs, so they are watched rather than loaded once.
type OperatorTables struct {
	mu            sync.RWMutex
	HostStrategy  []HostStrategyEntry
	LexiconSeeds  []LexiconSeed
	AdapterRules  []AdapterRule

	hostPath    string
	lexiconPath string
	adapterPath string
	watcher     *fsnotify.Watcher
}

type operatorTablesFile struct {
	HostStrategy []HostStrategyEntry `yaml:"host_strategy"`
}

type lexiconSeedsFile struct {
	Lexicon []LexiconSeed `yaml:"lexicon"`
}

type adapterRulesFile struct {
	Adapters []AdapterRule `yaml:"adapters"`
}

// LoadOperatorTables reads all three operator tables (host strategy,
// lexicon, adapter rules) and starts an fsnotify watcher that reloads them
// on change. Missing files are treated as empty tables, not errors, since
// all three are optional enrichments.
func LoadOperatorTables(hostStrategyPath, lexiconPath, adapterPath string) (*OperatorTables, error) {
	t := &OperatorTables{hostPath: hostStrategyPath, lexiconPath: lexiconPath, adapterPath: adapterPath}
	if err := t.reloadHostStrategy(); err != nil {
		return nil, err
	}
	if err := t.reloadLexicon(); err != nil {
		return nil, err
	}
	if err := t.reloadAdapterRules(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	t.watcher = w
	if hostStrategyPath != "" {
		_ = w.Add(hostStrategyPath)
	}
	if lexiconPath != "" {
		_ = w.Add(lexiconPath)
	}
	if adapterPath != "" {
		_ = w.Add(adapterPath)
	}
	go t.watch()
	return t, nil
}

func (t *OperatorTables) watch() {
	for {
		select {
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			switch ev.Name {
			case t.hostPath:
				_ = t.reloadHostStrategy()
			case t.lexiconPath:
				_ = t.reloadLexicon()
			case t.adapterPath:
				_ = t.reloadAdapterRules()
			}
		case _, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (t *OperatorTables) reloadHostStrategy() error {
	rows, err := readYAMLTable[operatorTablesFile](t.hostPath)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if rows != nil {
		t.HostStrategy = rows.HostStrategy
	}
	t.mu.Unlock()
	return nil
}

func (t *OperatorTables) reloadLexicon() error {
	rows, err := readYAMLTable[lexiconSeedsFile](t.lexiconPath)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if rows != nil {
		t.LexiconSeeds = rows.Lexicon
	}
	t.mu.Unlock()
	return nil
}

func (t *OperatorTables) reloadAdapterRules() error {
	rows, err := readYAMLTable[adapterRulesFile](t.adapterPath)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if rows != nil {
		t.AdapterRules = rows.Adapters
	}
	t.mu.Unlock()
	return nil
}

func readYAMLTable[T any](path string) (*T, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path) //nolint:gosec // operator-supplied table path
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out T
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StrategyFor returns the known-host strategy row for host, if any.
func (t *OperatorTables) StrategyFor(host string) (HostStrategyEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.HostStrategy {
		if e.Host == host {
			return e, true
		}
	}
	return HostStrategyEntry{}, false
}

// AdapterRuleFor returns the adapter rule for a field key, if any.
func (t *OperatorTables) AdapterRuleFor(fieldKey string) (AdapterRule, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.AdapterRules {
		if r.FieldKey == fieldKey {
			return r, true
		}
	}
	return AdapterRule{}, false
}

// Close stops the fsnotify watcher.
func (t *OperatorTables) Close() error {
	if t.watcher == nil {
		return nil
	}
	return t.watcher.Close()
}
