// Package trust implements the HMAC-based trust manifest gating any
// external command execution: a persisted record mapping each
// signal/action script path and policy file path to its expected HMAC
// tag, plus the manifest's own tag.
package trust

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/cupcake-engine/cupcake/core/cupcakeerr"
)

// manifestContextLabel distinguishes the manifest's own self-tag from
// per-file tags so one cannot be substituted for the other.
const manifestContextLabel = "cupcake-manifest-v1"

// manifest is the on-disk shape of .cupcake/.trust. It is YAML for
// implementation simplicity only — it is never a user-edited format.
type manifest struct {
	Tags                map[string]string `yaml:"tags"`
	SelfTag             string            `yaml:"self_tag"`
	AuthorizedOverrides []string          `yaml:"authorized_overrides,omitempty"`
}

// Store persists an HMAC key (derived once at initialization, or
// fixed in deterministic-tests mode) and the manifest of expected
// tags. The key is never exported; the only observable derivative is
// Fingerprint, so the raw key cannot leave this package.
type Store struct {
	mu           sync.RWMutex
	key          []byte
	manifestPath string
	m            manifest
}

// GenerateKey returns a fresh random HMAC key suitable for a new
// Store. Callers that need deterministic tests should construct the
// key themselves instead (e.g. a fixed 32-byte value) and pass it to
// Open/New directly.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate trust key: %w", err)
	}
	return key, nil
}

// New creates an empty Store backed by manifestPath, to be populated
// via Init or Add.
func New(key []byte, manifestPath string) *Store {
	return &Store{
		key:          key,
		manifestPath: manifestPath,
		m:            manifest{Tags: make(map[string]string)},
	}
}

// Open loads an existing manifest from manifestPath, verifying the
// manifest's own self-tag before trusting any entry in it.
func Open(key []byte, manifestPath string) (*Store, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read trust manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse trust manifest: %w", err)
	}
	if m.Tags == nil {
		m.Tags = make(map[string]string)
	}

	s := &Store{key: key, manifestPath: manifestPath, m: m}
	if !hmac.Equal([]byte(s.computeSelfTag()), []byte(m.SelfTag)) {
		return nil, cupcakeerr.NewTrustError(manifestPath, fmt.Errorf("manifest self-tag mismatch"))
	}
	return s, nil
}

// Init records tags for every path, overwriting any existing manifest
// entries, and persists the manifest to disk.
func (s *Store) Init(paths []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range paths {
		tag, err := s.tagPath(p)
		if err != nil {
			return err
		}
		s.m.Tags[p] = tag
	}
	return s.save()
}

// Add records a tag for a single path and persists the manifest.
func (s *Store) Add(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tag, err := s.tagPath(path)
	if err != nil {
		return err
	}
	s.m.Tags[path] = tag
	return s.save()
}

// Remove deletes path's entry from the manifest and persists it.
func (s *Store) Remove(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.m.Tags, path)
	return s.save()
}

// List returns every path currently tracked by the manifest, sorted.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.m.Tags))
	for p := range s.m.Tags {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Verify recomputes path's HMAC tag and compares it in constant time
// against the manifest. A missing entry or a mismatch is a TrustError;
// the caller must not execute the command in either case.
func (s *Store) Verify(path string) error {
	s.mu.RLock()
	expected, ok := s.m.Tags[path]
	s.mu.RUnlock()
	if !ok {
		return cupcakeerr.NewTrustError(path, fmt.Errorf("no trust entry"))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cupcakeerr.NewTrustError(path, fmt.Errorf("read script: %w", err))
	}

	actual := hex.EncodeToString(s.tag(data))
	if !hmac.Equal([]byte(actual), []byte(expected)) {
		return cupcakeerr.NewTrustError(path, fmt.Errorf("tag mismatch"))
	}
	return nil
}

// IsAuthorizedOverride reports whether path has been pre-authorized in
// the manifest as a global-config override source, per the
// Orchestrator's requirement that the global-config discovery path not
// be controllable by untrusted input channels.
func (s *Store) IsAuthorizedOverride(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.m.AuthorizedOverrides {
		if p == path {
			return true
		}
	}
	return false
}

// keySuffix names the sibling file holding the raw HMAC key, kept
// separate from the manifest itself so the manifest stays a pure
// tag record. 0600 permissions are the only protection on this file;
// an attacker who can read it can forge tags, so deployments must
// protect the .cupcake directory like any other secret store.
const keySuffix = ".key"

// OpenOrInit opens the manifest at manifestPath, deriving its sibling
// key file's path as manifestPath+".key". If neither file exists yet,
// it generates a fresh key, persists it, and returns a freshly
// initialized empty Store — first-run ergonomics for a .cupcake
// directory with nothing trust-tagged yet. An existing manifest with a
// missing or unreadable key file is a TrustError: the key must never
// be silently regenerated once a manifest already exists, since that
// would orphan every previously tagged script.
func OpenOrInit(manifestPath string) (*Store, error) {
	keyPath := manifestPath + keySuffix

	key, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		return Open(key, manifestPath)
	case os.IsNotExist(err):
		if _, statErr := os.Stat(manifestPath); statErr == nil {
			return nil, cupcakeerr.NewTrustError(manifestPath, fmt.Errorf("manifest exists but key file %s is missing", keyPath))
		}
		return initFresh(keyPath, manifestPath)
	default:
		return nil, cupcakeerr.NewTrustError(keyPath, fmt.Errorf("read trust key: %w", err))
	}
}

func initFresh(keyPath, manifestPath string) (*Store, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, key, 0o600); err != nil {
		return nil, fmt.Errorf("write trust key: %w", err)
	}
	s := New(key, manifestPath)
	return s, s.save()
}

// Fingerprint returns a short, non-reversible identifier for the
// store's HMAC key, safe to log. The raw key itself is never exposed.
func (s *Store) Fingerprint() string {
	sum := sha256.Sum256(s.key)
	return hex.EncodeToString(sum[:])[:8]
}

func (s *Store) tagPath(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return hex.EncodeToString(s.tag(data)), nil
}

func (s *Store) tag(data []byte) []byte {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return mac.Sum(nil)
}

// computeSelfTag tags a deterministic encoding of the manifest's
// current tags, distinguished from per-file tags by
// manifestContextLabel.
func (s *Store) computeSelfTag() string {
	keys := make([]string, 0, len(s.m.Tags))
	for k := range s.m.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(manifestContextLabel)
	for _, k := range keys {
		b.WriteString("\n")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(s.m.Tags[k])
	}

	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(b.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Store) save() error {
	s.m.SelfTag = s.computeSelfTag()
	data, err := yaml.Marshal(s.m)
	if err != nil {
		return fmt.Errorf("encode trust manifest: %w", err)
	}
	if err := os.WriteFile(s.manifestPath, data, 0o600); err != nil {
		return fmt.Errorf("write trust manifest: %w", err)
	}
	return nil
}
