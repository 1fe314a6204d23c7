package detect

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/Abhinav21110/deployify/internal/domain"
	"github.com/Abhinav21110/deployify/internal/fsutil"
)

// scanDepth bounds the workspace walk so analysis stays proportional to the
// top of the tree.
const scanDepth = 2

// manifest mirrors the package.json fields detection cares about. Malformed
// manifests degrade to "no manifest".
type manifest struct {
	Name            string            `json:"name"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

func (m *manifest) has(dep string) bool {
	if m == nil {
		return false
	}
	if _, ok := m.Dependencies[dep]; ok {
		return true
	}
	_, ok := m.DevDependencies[dep]
	return ok
}

func (m *manifest) buildScript() string {
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m.Scripts["build"])
}

// Workspace analyzes a cloned workspace tree and returns a DetectionResult.
// It is a pure function of the directory contents: total, deterministic, and
// never failing on malformed input.
func Workspace(root string) domain.DetectionResult {
	entries := fsutil.WalkDepth(root, scanDepth)
	names := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		names[e.Rel] = struct{}{}
	}

	m := readManifest(filepath.Join(root, "package.json"))
	pm := packageManager(names)

	result := domain.DetectionResult{
		Type:               domain.TypeStatic,
		Framework:          "Unknown",
		HasPackageManifest: m != nil,
		HasBuildScript:     m.buildScript() != "",
		BuildDirectory:     ".",
		PackageManager:     pm,
		EstimatedSizeMB:    fsutil.DirSizeMB(root),
		EnvironmentVarRefs: envVarRefs(root, entries),
	}

	defaultBuild := pm + " run build"
	hasRootFile := func(candidates ...string) bool {
		for _, c := range candidates {
			if _, ok := names[c]; ok {
				return true
			}
		}
		return false
	}

	switch {
	case m.has("vite") || hasRootFile("vite.config.js", "vite.config.ts", "vite.config.mjs", "vite.config.mts"):
		result.Type = domain.TypeSPA
		result.Framework = "Vite"
		if m.has("react") {
			result.Framework = "Vite + React"
		} else if m.has("vue") {
			result.Framework = "Vite + Vue"
		}
		result.BuildDirectory = "dist"
		result.BuildCommand = defaultBuild
	case m.has("next") || hasRootFile("next.config.js", "next.config.mjs", "next.config.ts"):
		result.Type = domain.TypeSSR
		result.Framework = "Next.js"
		result.BuildDirectory = ".next"
		result.BuildCommand = defaultBuild
		result.PortHint = 3000
	case m.has("gatsby"):
		result.Type = domain.TypeStatic
		result.Framework = "Gatsby"
		result.BuildDirectory = "public"
		result.BuildCommand = defaultBuild
	case m.has("@remix-run/react") || m.has("@remix-run/node") || hasRootFile("remix.config.js"):
		result.Type = domain.TypeSSR
		result.Framework = "Remix"
		result.BuildDirectory = "build"
		result.BuildCommand = defaultBuild
	case m.has("nuxt") || m.has("nuxt3") || hasRootFile("nuxt.config.js", "nuxt.config.ts"):
		result.Type = domain.TypeSSR
		result.Framework = "Nuxt"
		result.BuildDirectory = ".nuxt/dist"
		result.BuildCommand = defaultBuild
	case m.has("@vue/cli-service"):
		result.Type = domain.TypeSPA
		result.Framework = "Vue CLI"
		result.BuildDirectory = "dist"
		result.BuildCommand = defaultBuild
	case m.has("@angular/core") || hasRootFile("angular.json"):
		result.Type = domain.TypeSPA
		result.Framework = "Angular"
		result.BuildDirectory = "dist"
		result.BuildCommand = defaultBuild
	case m.has("svelte") || hasRootFile("svelte.config.js"):
		result.Type = domain.TypeSPA
		result.Framework = "Svelte"
		result.BuildDirectory = "dist"
		result.BuildCommand = defaultBuild
	case m.has("react-scripts"):
		result.Type = domain.TypeSPA
		result.Framework = "Create React App"
		result.BuildDirectory = "build"
		result.BuildCommand = defaultBuild
	case m.has("react"):
		result.Type = domain.TypeSPA
		result.Framework = "React"
		result.BuildDirectory = "build"
		result.BuildCommand = defaultBuild
	case m.has("vue"):
		result.Type = domain.TypeSPA
		result.Framework = "Vue"
		result.BuildDirectory = "dist"
		result.BuildCommand = defaultBuild
	case m.has("@11ty/eleventy"):
		result.Type = domain.TypeStatic
		result.Framework = "Eleventy"
		result.BuildDirectory = "_site"
		result.BuildCommand = defaultBuild
	case m == nil && hasRootFile("index.html"):
		result.Type = domain.TypeStatic
		result.Framework = "Static HTML"
		result.BuildDirectory = "."
		result.IsPureStatic = true
	case m.buildScript() != "":
		result.Type = domain.TypeSPA
		result.Framework = "Unknown"
		result.BuildDirectory = "dist"
		result.BuildCommand = defaultBuild
	default:
		result.Type = domain.TypeStatic
		result.BuildDirectory = "."
	}

	if out := outputDirFromScript(m.buildScript()); out != "" {
		result.BuildDirectory = out
	}
	return result
}

func readManifest(path string) *manifest {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return &m
}

// packageManager infers the package manager from lockfile presence. The
// first lockfile in bun > pnpm > yarn > npm order wins.
func packageManager(names map[string]struct{}) string {
	ordered := []struct {
		lockfile string
		manager  string
	}{
		{"bun.lockb", domain.PackageManagerBun},
		{"bun.lock", domain.PackageManagerBun},
		{"pnpm-lock.yaml", domain.PackageManagerPNPM},
		{"yarn.lock", domain.PackageManagerYarn},
		{"package-lock.json", domain.PackageManagerNPM},
	}
	for _, candidate := range ordered {
		if _, ok := names[candidate.lockfile]; ok {
			return candidate.manager
		}
	}
	return domain.PackageManagerNPM
}

// outDirFlag matches explicit output-directory flags in a build script.
var outDirFlag = regexp.MustCompile(`--(?:outDir|out-dir|output|dist)[=\s]+("[^"]+"|'[^']+'|\S+)`)

// outputDirFromScript extracts an explicit output directory override from a
// build script, if one is declared.
func outputDirFromScript(script string) string {
	match := outDirFlag.FindStringSubmatch(script)
	if match == nil {
		return ""
	}
	dir := strings.Trim(match[1], `"'`)
	return strings.TrimSpace(dir)
}

// envRef matches environment variable references in source files.
var envRef = regexp.MustCompile(`(?:process\.env|import\.meta\.env)\.([A-Z][A-Z0-9_]*)`)

// scannable source extensions for env var reference collection.
var scannableExt = map[string]struct{}{
	".js": {}, ".jsx": {}, ".ts": {}, ".tsx": {}, ".mjs": {}, ".cjs": {}, ".vue": {}, ".svelte": {}, ".html": {},
}

const maxScanBytes = 512 * 1024

func envVarRefs(root string, entries []fsutil.Entry) []string {
	seen := map[string]struct{}{}
	for _, e := range entries {
		if _, ok := scannableExt[filepath.Ext(e.Name)]; !ok {
			continue
		}
		if e.Size > maxScanBytes {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(e.Rel)))
		if err != nil {
			continue
		}
		for _, match := range envRef.FindAllStringSubmatch(string(raw), -1) {
			seen[match[1]] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	refs := make([]string, 0, len(seen))
	for ref := range seen {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
