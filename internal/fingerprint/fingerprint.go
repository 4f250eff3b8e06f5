// Package fingerprint detects the project a working directory belongs to.
// The ranking engine uses it to scope learned patterns to the caller's
// active project.
package fingerprint

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// ProjectType identifies the kind of project.
type ProjectType string

const (
	ProjectGo       ProjectType = "go"
	ProjectNode     ProjectType = "node"
	ProjectPython   ProjectType = "python"
	ProjectRust     ProjectType = "rust"
	ProjectRuby     ProjectType = "ruby"
	ProjectJava     ProjectType = "java"
	ProjectUnknown  ProjectType = "unknown"
	ProjectMultiple ProjectType = "multiple" // Monorepo
)

// Project contains the detected project information.
type Project struct {
	Name        string      `json:"name"`
	Root        string      `json:"root"`
	Type        ProjectType `json:"type"`
	PackageFile string      `json:"package_file,omitempty"`
	GitBranch   string      `json:"git_branch,omitempty"`
	GitRemote   string      `json:"git_remote,omitempty"`

	DetectedAt time.Time `json:"detected_at"`
}

// Fingerprinter detects project information.
type Fingerprinter struct {
	// Timeout for git commands
	timeout time.Duration
}

// NewFingerprinter creates a new fingerprinter.
func NewFingerprinter() *Fingerprinter {
	return &Fingerprinter{
		timeout: 5 * time.Second,
	}
}

// DetectProject analyzes dir for the enclosing project. A directory with no
// project markers is treated as its own root.
func (f *Fingerprinter) DetectProject(ctx context.Context, dir string) (*Project, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	p := &Project{DetectedAt: time.Now()}

	// Find project root
	p.Root = f.findProjectRoot(abs)
	if p.Root == "" {
		p.Root = abs
	}

	// Detect project type
	p.Type = f.detectProjectType(p.Root)

	// Detect package file
	p.PackageFile = f.findPackageFile(p.Root, p.Type)

	// Git information
	f.detectGit(ctx, p, p.Root)

	p.Name = f.projectName(p)
	return p, nil
}

func (f *Fingerprinter) findProjectRoot(dir string) string {
	rootMarkers := []string{
		".git",
		"go.mod",
		"package.json",
		"Cargo.toml",
		"pyproject.toml",
		"requirements.txt",
		"Gemfile",
		"pom.xml",
		"build.gradle",
	}

	current := dir
	for {
		for _, marker := range rootMarkers {
			if _, err := os.Stat(filepath.Join(current, marker)); err == nil {
				return current
			}
		}

		parent := filepath.Dir(current)
		if parent == current {
			break // Reached filesystem root
		}
		current = parent
	}

	return ""
}

func (f *Fingerprinter) detectProjectType(dir string) ProjectType {
	projectFiles := map[string]ProjectType{
		"go.mod":           ProjectGo,
		"package.json":     ProjectNode,
		"requirements.txt": ProjectPython,
		"setup.py":         ProjectPython,
		"pyproject.toml":   ProjectPython,
		"Cargo.toml":       ProjectRust,
		"Gemfile":          ProjectRuby,
		"pom.xml":          ProjectJava,
		"build.gradle":     ProjectJava,
	}

	detected := make(map[ProjectType]bool)
	for file, ptype := range projectFiles {
		if _, err := os.Stat(filepath.Join(dir, file)); err == nil {
			detected[ptype] = true
		}
	}

	switch len(detected) {
	case 0:
		return ProjectUnknown
	case 1:
		for ptype := range detected {
			return ptype
		}
	}
	return ProjectMultiple
}

func (f *Fingerprinter) findPackageFile(dir string, ptype ProjectType) string {
	packageFiles := map[ProjectType][]string{
		ProjectGo:     {"go.mod"},
		ProjectNode:   {"package.json"},
		ProjectPython: {"pyproject.toml", "requirements.txt", "setup.py"},
		ProjectRust:   {"Cargo.toml"},
		ProjectRuby:   {"Gemfile"},
		ProjectJava:   {"pom.xml", "build.gradle"},
	}

	files, ok := packageFiles[ptype]
	if !ok {
		return ""
	}

	for _, file := range files {
		path := filepath.Join(dir, file)
		if _, err := os.Stat(path); err == nil {
			return file
		}
	}

	return ""
}

func (f *Fingerprinter) detectGit(ctx context.Context, p *Project, dir string) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	// Check if git repo
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return
	}

	// Get branch
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--abbrev-ref", "HEAD")
	if output, err := cmd.Output(); err == nil {
		p.GitBranch = strings.TrimSpace(string(output))
	}

	// Get remote
	cmd = exec.CommandContext(ctx, "git", "-C", dir, "config", "--get", "remote.origin.url")
	if output, err := cmd.Output(); err == nil {
		p.GitRemote = strings.TrimSpace(string(output))
	}
}

var (
	goModule     = regexp.MustCompile(`(?m)^module\s+(\S+)`)
	tomlName     = regexp.MustCompile(`(?m)^name\s*=\s*"([^"]+)"`)
	remoteSuffix = regexp.MustCompile(`([^/:]+?)(\.git)?/?$`)
)

// projectName picks the most specific name available: the package manifest,
// then the git remote, then the root directory.
func (f *Fingerprinter) projectName(p *Project) string {
	if p.PackageFile != "" {
		if name := manifestName(filepath.Join(p.Root, p.PackageFile)); name != "" {
			return NormalizeName(name)
		}
	}
	if p.GitRemote != "" {
		if m := remoteSuffix.FindStringSubmatch(p.GitRemote); m != nil {
			return NormalizeName(m[1])
		}
	}
	return NormalizeName(filepath.Base(p.Root))
}

func manifestName(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}

	switch filepath.Base(path) {
	case "go.mod":
		if m := goModule.FindSubmatch(raw); m != nil {
			return filepath.Base(string(m[1]))
		}
	case "package.json":
		var pkg struct {
			Name string `json:"name"`
		}
		if json.Unmarshal(raw, &pkg) == nil {
			// Scoped packages keep only the package part.
			return filepath.Base(pkg.Name)
		}
	case "pyproject.toml", "Cargo.toml":
		if m := tomlName.FindSubmatch(raw); m != nil {
			return string(m[1])
		}
	}
	return ""
}

// NormalizeName lowercases a project name and trims surrounding noise so
// the same project is keyed identically from every signal.
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.Trim(name, "./@ ")
}

// JSON returns the project as JSON.
func (p *Project) JSON() ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}

// Summary returns a brief text summary.
func (p *Project) Summary() string {
	var sb strings.Builder
	sb.WriteString("Project: " + p.Name + " (" + string(p.Type) + ")\n")
	sb.WriteString("Root: " + p.Root + "\n")
	if p.GitBranch != "" {
		sb.WriteString("Git: " + p.GitBranch + "\n")
	}
	return sb.String()
}
