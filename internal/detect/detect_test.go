package detect

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/Abhinav21110/deployify/internal/domain"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
	return root
}

func TestWorkspaceFrameworkRules(t *testing.T) {
	cases := []struct {
		name      string
		files     map[string]string
		wantType  string
		framework string
		buildDir  string
	}{
		{
			name: "vite react",
			files: map[string]string{
				"package.json": `{"scripts":{"build":"vite build"},"dependencies":{"react":"^18.0.0"},"devDependencies":{"vite":"^5.0.0"}}`,
			},
			wantType:  domain.TypeSPA,
			framework: "Vite + React",
			buildDir:  "dist",
		},
		{
			name: "vite config file only",
			files: map[string]string{
				"package.json":   `{"scripts":{"build":"vite build"}}`,
				"vite.config.ts": "export default {}",
			},
			wantType:  domain.TypeSPA,
			framework: "Vite",
			buildDir:  "dist",
		},
		{
			name: "nextjs",
			files: map[string]string{
				"package.json": `{"scripts":{"build":"next build"},"dependencies":{"next":"14.0.0","react":"18.0.0"}}`,
			},
			wantType:  domain.TypeSSR,
			framework: "Next.js",
			buildDir:  ".next",
		},
		{
			name: "gatsby",
			files: map[string]string{
				"package.json": `{"scripts":{"build":"gatsby build"},"dependencies":{"gatsby":"5.0.0"}}`,
			},
			wantType:  domain.TypeStatic,
			framework: "Gatsby",
			buildDir:  "public",
		},
		{
			name: "remix",
			files: map[string]string{
				"package.json": `{"scripts":{"build":"remix build"},"dependencies":{"@remix-run/react":"2.0.0"}}`,
			},
			wantType:  domain.TypeSSR,
			framework: "Remix",
			buildDir:  "build",
		},
		{
			name: "nuxt",
			files: map[string]string{
				"package.json": `{"scripts":{"build":"nuxt build"},"dependencies":{"nuxt":"3.0.0"}}`,
			},
			wantType:  domain.TypeSSR,
			framework: "Nuxt",
			buildDir:  ".nuxt/dist",
		},
		{
			name: "vue cli",
			files: map[string]string{
				"package.json": `{"scripts":{"build":"vue-cli-service build"},"dependencies":{"vue":"3.0.0"},"devDependencies":{"@vue/cli-service":"5.0.0"}}`,
			},
			wantType:  domain.TypeSPA,
			framework: "Vue CLI",
			buildDir:  "dist",
		},
		{
			name: "angular",
			files: map[string]string{
				"package.json": `{"scripts":{"build":"ng build"},"dependencies":{"@angular/core":"17.0.0"}}`,
			},
			wantType:  domain.TypeSPA,
			framework: "Angular",
			buildDir:  "dist",
		},
		{
			name: "svelte",
			files: map[string]string{
				"package.json": `{"scripts":{"build":"svelte-kit build"},"devDependencies":{"svelte":"4.0.0"}}`,
			},
			wantType:  domain.TypeSPA,
			framework: "Svelte",
			buildDir:  "dist",
		},
		{
			name: "create react app",
			files: map[string]string{
				"package.json": `{"scripts":{"build":"react-scripts build"},"dependencies":{"react":"18.0.0","react-scripts":"5.0.0"}}`,
			},
			wantType:  domain.TypeSPA,
			framework: "Create React App",
			buildDir:  "build",
		},
		{
			name: "generic react",
			files: map[string]string{
				"package.json": `{"scripts":{"build":"webpack"},"dependencies":{"react":"18.0.0"}}`,
			},
			wantType:  domain.TypeSPA,
			framework: "React",
			buildDir:  "build",
		},
		{
			name: "generic vue",
			files: map[string]string{
				"package.json": `{"scripts":{"build":"webpack"},"dependencies":{"vue":"3.0.0"}}`,
			},
			wantType:  domain.TypeSPA,
			framework: "Vue",
			buildDir:  "dist",
		},
		{
			name: "eleventy",
			files: map[string]string{
				"package.json": `{"scripts":{"build":"eleventy"},"devDependencies":{"@11ty/eleventy":"2.0.0"}}`,
			},
			wantType:  domain.TypeStatic,
			framework: "Eleventy",
			buildDir:  "_site",
		},
		{
			name: "manifest with build script only",
			files: map[string]string{
				"package.json": `{"scripts":{"build":"esbuild src/main.js"}}`,
			},
			wantType:  domain.TypeSPA,
			framework: "Unknown",
			buildDir:  "dist",
		},
		{
			name:      "bare directory",
			files:     map[string]string{"README.md": "hello"},
			wantType:  domain.TypeStatic,
			framework: "Unknown",
			buildDir:  ".",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Workspace(writeTree(t, tc.files))
			if got.Type != tc.wantType {
				t.Errorf("Type = %s, want %s", got.Type, tc.wantType)
			}
			if got.Framework != tc.framework {
				t.Errorf("Framework = %s, want %s", got.Framework, tc.framework)
			}
			if got.BuildDirectory != tc.buildDir {
				t.Errorf("BuildDirectory = %s, want %s", got.BuildDirectory, tc.buildDir)
			}
		})
	}
}

func TestWorkspacePureStatic(t *testing.T) {
	root := writeTree(t, map[string]string{"index.html": "<html></html>"})
	got := Workspace(root)
	if !got.IsPureStatic {
		t.Fatal("expected pure static detection")
	}
	if got.Type != domain.TypeStatic || got.BuildDirectory != "." {
		t.Fatalf("got type=%s dir=%s", got.Type, got.BuildDirectory)
	}
	if got.HasPackageManifest || got.BuildCommand != "" {
		t.Fatal("pure static repos have no manifest or build command")
	}
}

func TestWorkspaceMalformedManifestDegrades(t *testing.T) {
	root := writeTree(t, map[string]string{
		"package.json": `{"scripts": not-json`,
		"index.html":   "<html></html>",
	})
	got := Workspace(root)
	if got.HasPackageManifest {
		t.Fatal("malformed manifest should degrade to no manifest")
	}
	if !got.IsPureStatic {
		t.Fatal("expected pure static after manifest degradation")
	}
}

func TestWorkspacePackageManagerPriority(t *testing.T) {
	cases := []struct {
		files map[string]string
		want  string
	}{
		{map[string]string{"bun.lockb": "", "pnpm-lock.yaml": "", "yarn.lock": "", "package-lock.json": ""}, domain.PackageManagerBun},
		{map[string]string{"pnpm-lock.yaml": "", "yarn.lock": "", "package-lock.json": ""}, domain.PackageManagerPNPM},
		{map[string]string{"yarn.lock": "", "package-lock.json": ""}, domain.PackageManagerYarn},
		{map[string]string{"package-lock.json": ""}, domain.PackageManagerNPM},
		{map[string]string{}, domain.PackageManagerNPM},
	}
	for _, tc := range cases {
		files := map[string]string{"package.json": `{"dependencies":{"react":"18.0.0"}}`}
		for name, content := range tc.files {
			files[name] = content
		}
		got := Workspace(writeTree(t, files))
		if got.PackageManager != tc.want {
			t.Errorf("PackageManager = %s, want %s", got.PackageManager, tc.want)
		}
	}
}

func TestOutputDirOverride(t *testing.T) {
	cases := []struct {
		script string
		want   string
	}{
		{"vite build --outDir web-dist", "web-dist"},
		{"vite build --outDir=web-dist", "web-dist"},
		{"esbuild --out-dir public/app", "public/app"},
		{"tool --output 'my out'", "my out"},
		{`tool --dist "release"`, "release"},
		{"vite build", ""},
	}
	for _, tc := range cases {
		if got := outputDirFromScript(tc.script); got != tc.want {
			t.Errorf("outputDirFromScript(%q) = %q, want %q", tc.script, got, tc.want)
		}
	}
}

func TestWorkspaceBuildDirectoryOverriddenByScriptFlag(t *testing.T) {
	root := writeTree(t, map[string]string{
		"package.json": `{"scripts":{"build":"vite build --outDir web-dist"},"devDependencies":{"vite":"5.0.0"}}`,
	})
	got := Workspace(root)
	if got.BuildDirectory != "web-dist" {
		t.Fatalf("BuildDirectory = %s, want web-dist", got.BuildDirectory)
	}
}

func TestWorkspaceEnvVarRefs(t *testing.T) {
	root := writeTree(t, map[string]string{
		"package.json": `{"scripts":{"build":"vite build"},"devDependencies":{"vite":"5.0.0"}}`,
		"src/main.js":  "const a = process.env.API_URL; const b = import.meta.env.VITE_KEY; const c = process.env.API_URL;",
	})
	got := Workspace(root)
	want := []string{"API_URL", "VITE_KEY"}
	if !reflect.DeepEqual(got.EnvironmentVarRefs, want) {
		t.Fatalf("EnvironmentVarRefs = %v, want %v", got.EnvironmentVarRefs, want)
	}
}

func TestWorkspaceDeterministic(t *testing.T) {
	root := writeTree(t, map[string]string{
		"package.json": `{"scripts":{"build":"next build"},"dependencies":{"next":"14.0.0"}}`,
		"src/page.tsx": "export default () => process.env.NEXT_PUBLIC_API;",
		"yarn.lock":    "",
	})
	first := Workspace(root)
	second := Workspace(root)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("detection not deterministic:\nfirst  %#v\nsecond %#v", first, second)
	}
}

func TestWorkspaceSizeExcludesNodeModules(t *testing.T) {
	big := make([]byte, 2*1024*1024)
	root := writeTree(t, map[string]string{"index.html": "<html></html>"})
	if err := os.MkdirAll(filepath.Join(root, "node_modules", "pkg"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "node_modules", "pkg", "blob.bin"), big, 0o644); err != nil {
		t.Fatal(err)
	}
	got := Workspace(root)
	if got.EstimatedSizeMB > 1 {
		t.Fatalf("EstimatedSizeMB = %f, node_modules should be excluded", got.EstimatedSizeMB)
	}
}
