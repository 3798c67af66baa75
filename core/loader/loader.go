// Package loader discovers policy files under a directory, parses
// each one's metadata, and freezes the result into policy.Unit values
// — the filesystem-facing half of policy discovery that core/policy
// and core/metadata, kept free of any import cycle between them,
// cannot each own alone.
package loader

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cupcake-engine/cupcake/core/metadata"
	"github.com/cupcake-engine/cupcake/core/policy"
)

// Load walks dir (typically .cupcake/policies) and returns every
// *.policy file as a frozen, metadata-parsed Unit, plus the
// system-evaluate Unit found among them. Discovery order is the
// lexical order of the full file paths (sorted after the walk), which
// is what gives the Router's output its deterministic insertion order.
func Load(dir string, scope policy.Scope) (units []policy.Unit, systemEntrypoint policy.Unit, err error) {
	var paths []string
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".policy" {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if walkErr != nil {
		return nil, policy.Unit{}, fmt.Errorf("walk policy dir %s: %w", dir, walkErr)
	}
	sort.Strings(paths)

	var haveSystem bool
	for _, path := range paths {
		u, perr := loadUnit(path, scope)
		if perr != nil {
			return nil, policy.Unit{}, fmt.Errorf("load %s: %w", path, perr)
		}

		if u.IsSystemEntrypoint() {
			if haveSystem {
				return nil, policy.Unit{}, fmt.Errorf("multiple system-evaluate packages found (%s)", path)
			}
			systemEntrypoint = u
			haveSystem = true
			continue
		}
		units = append(units, u)
	}

	if !haveSystem {
		return nil, policy.Unit{}, fmt.Errorf("no system/evaluate package found under %s", dir)
	}
	return units, systemEntrypoint, nil
}

func loadUnit(path string, scope policy.Scope) (policy.Unit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return policy.Unit{}, fmt.Errorf("read file: %w", err)
	}

	md, remainder, err := metadata.Parse(string(data))
	if err != nil {
		return policy.Unit{}, fmt.Errorf("parse metadata: %w", err)
	}

	u := policy.Unit{
		Package:  packageFromSource(remainder, path),
		Source:   remainder,
		Path:     path,
		Scope:    scope,
		Metadata: md,
	}
	if md.Scope == "" {
		u.Metadata.Scope = scope
	}

	if err := metadata.ValidateForUnit(u.Metadata, u.IsSystemEntrypoint()); err != nil {
		return policy.Unit{}, err
	}
	return u, nil
}

// packageFromSource extracts the Rego "package ..." declaration; it
// falls back to a path-derived name if the declaration is somehow
// missing, which should never happen for a module the compiler will
// accept.
func packageFromSource(src, path string) string {
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "package ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "package "))
		}
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
