package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// Store loads manifests from three priority-ordered source directories
// (base < project < archon), resolves "extends" inheritance by deep-merge,
// and applies an environment overlay exactly once at the top of the merge
// tree. Merged manifests are cached per (environment, name) pair.
type Store struct {
	mu          sync.RWMutex
	basePath    string
	projectPath string
	archonPath  string
	environment string

	cache     map[string]*Manifest
	baseCache map[string]map[string]interface{}

	// constraintVersion is the manifest schema major version this Store
	// accepts; a manifest whose "version" field parses to a different
	// major version is rejected rather than silently merged.
	constraintVersion string
}

// NewStore creates a manifest Store rooted at the three given directories
// for the given environment ("dev", "prod", "test", ...).
func NewStore(basePath, projectPath, archonPath, environment string) *Store {
	return &Store{
		basePath:          basePath,
		projectPath:       projectPath,
		archonPath:        archonPath,
		environment:       environment,
		cache:             make(map[string]*Manifest),
		baseCache:         make(map[string]map[string]interface{}),
		constraintVersion: "1",
	}
}

func (s *Store) cacheKey(name string) string {
	return s.environment + ":" + name
}

// Load merges sources in priority order base -> project -> archon, resolves
// extends, applies the environment overlay once, validates the result, and
// returns the cached Manifest on subsequent calls for the same name.
func (s *Store) Load(name string) (*Manifest, error) {
	key := s.cacheKey(name)

	s.mu.RLock()
	if m, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		return m, nil
	}
	s.mu.RUnlock()

	raw, err := s.loadFromSources(name)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, newLoadError(name, "manifest not found in any source")
	}

	if extends, ok := raw["extends"]; ok {
		list, ok := toStringList(extends)
		if !ok {
			return nil, newLoadError(name, "extends must be a list of strings")
		}
		raw, err = s.resolveExtends(raw, list)
		if err != nil {
			return nil, err
		}
	}

	envOverride, err := s.loadEnvOverride()
	if err != nil {
		return nil, err
	}
	if envOverride != nil {
		raw = deepMerge(raw, envOverride)
	}

	if err := validateManifestMap(name, raw); err != nil {
		return nil, err
	}
	if err := s.validateVersion(name, raw); err != nil {
		return nil, err
	}

	m, err := decodeManifest(raw)
	if err != nil {
		return nil, newLoadError(name, fmt.Sprintf("decode: %v", err))
	}

	s.mu.Lock()
	s.cache[key] = m
	s.mu.Unlock()

	return m, nil
}

// Reload forces a fresh load of name, bypassing the cache.
func (s *Store) Reload(name string) (*Manifest, error) {
	key := s.cacheKey(name)
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
	return s.Load(name)
}

// loadBaseForExtends loads a manifest for use as an extends parent,
// WITHOUT the environment overlay, so that cached parents in an extends
// chain are never polluted with environment-specific settings.
func (s *Store) loadBaseForExtends(name string) (map[string]interface{}, error) {
	s.mu.RLock()
	if m, ok := s.baseCache[name]; ok {
		s.mu.RUnlock()
		return m, nil
	}
	s.mu.RUnlock()

	raw, err := s.loadFromSources(name)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, newLoadError(name, "base manifest not found in any source")
	}

	if extends, ok := raw["extends"]; ok {
		list, ok := toStringList(extends)
		if !ok {
			return nil, newLoadError(name, "extends must be a list of strings")
		}
		raw, err = s.resolveExtends(raw, list)
		if err != nil {
			return nil, err
		}
	}

	if err := validateManifestMap(name, raw); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.baseCache[name] = raw
	s.mu.Unlock()

	return raw, nil
}

func (s *Store) resolveExtends(manifest map[string]interface{}, parents []string) (map[string]interface{}, error) {
	result := map[string]interface{}{}
	for _, parentName := range parents {
		parent, err := s.loadBaseForExtends(parentName)
		if err != nil {
			return nil, err
		}
		result = deepMerge(result, parent)
	}
	result = deepMerge(result, manifest)
	delete(result, "extends")
	return result, nil
}

func (s *Store) loadFromSources(name string) (map[string]interface{}, error) {
	result := map[string]interface{}{}
	found := false

	for _, dir := range []string{s.basePath, s.projectPath, s.archonPath} {
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, name+".json")
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, newLoadError(path, err.Error())
		}
		found = true
		parsed, err := parseManifestBytes(path, data)
		if err != nil {
			return nil, err
		}
		result = shallowMerge(result, parsed)
	}

	if !found {
		return nil, nil
	}
	return result, nil
}

func (s *Store) loadEnvOverride() (map[string]interface{}, error) {
	if s.archonPath == "" {
		return nil, nil
	}
	path := filepath.Join(s.archonPath, "environments", s.environment+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, newLoadError(path, err.Error())
	}
	return parseManifestBytes(path, data)
}

func (s *Store) validateVersion(name string, raw map[string]interface{}) error {
	versionField, _ := raw["version"].(string)
	v, err := semver.NewVersion(versionField)
	if err != nil {
		return newLoadError(name, fmt.Sprintf("unparseable version %q: %v", versionField, err))
	}
	constraint, err := semver.NewConstraint("^" + s.constraintVersion + ".0.0")
	if err != nil {
		return err
	}
	if !constraint.Check(v) {
		return newLoadError(name, fmt.Sprintf("manifest schema version %q incompatible with loader major version %s", versionField, s.constraintVersion))
	}
	return nil
}

func validateManifestMap(name string, raw map[string]interface{}) error {
	if _, ok := raw["version"]; !ok {
		return newLoadError(name, "missing 'version' field")
	}

	ops, ok := raw["operations"].(map[string]interface{})
	if !ok {
		return nil
	}
	for opName, opRaw := range ops {
		if len(opName) == 0 {
			continue
		}
		if opName[0] == '*' || opName[0] == '_' {
			continue
		}
		opMap, ok := opRaw.(map[string]interface{})
		if !ok {
			return newLoadError(fmt.Sprintf("operation:%s", opName), "operation entry must be an object")
		}
		_, hasRisk := opMap["risk_level"]
		_, hasFallback := opMap["fallback_contract"]
		if !hasRisk && !hasFallback {
			return newLoadError(fmt.Sprintf("operation:%s", opName), "missing 'risk_level' or 'fallback_contract'")
		}
	}
	return nil
}

func decodeManifest(raw map[string]interface{}) (*Manifest, error) {
	bytes, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(bytes, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func toStringList(v interface{}) ([]string, bool) {
	list, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// shallowMerge overwrites top-level keys of base with override's, matching
// the source-priority merge (later source wins key-for-key, no recursion).
func shallowMerge(base, override map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		result[k] = v
	}
	return result
}

// deepMerge recursively merges override into base: when both sides hold a
// map at the same key, the merge recurses; otherwise override wins.
func deepMerge(base, override map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if existing, ok := result[k]; ok {
			existingMap, existingIsMap := existing.(map[string]interface{})
			overrideMap, overrideIsMap := v.(map[string]interface{})
			if existingIsMap && overrideIsMap {
				result[k] = deepMerge(existingMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}
