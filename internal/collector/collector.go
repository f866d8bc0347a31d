// Package collector provides the minimal project/git/language detection
// and user-agent assembly consumed by the Heartbeat Pipeline. These
// collaborators are deliberately thin: extension-table language detection
// and a single .git/HEAD read for branch info, not a general-purpose
// repository inspector.
package collector

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/nx-solutions-ug/chronova-cli/internal/types"
)

// GitInfo is the minimal git metadata folded into a Heartbeat.
type GitInfo struct {
	Branch string
	Remote string
}

// Collector detects project, git, and language metadata for a heartbeat
// entity path.
type Collector struct{}

// New builds a Collector.
func New() *Collector { return &Collector{} }

// DetectProject walks up from path looking for a directory whose name
// identifies the project: the nearest ancestor containing a .git
// directory, falling back to path's own parent directory name.
func (c *Collector) DetectProject(path string) (string, bool) {
	dir := filepath.Dir(path)
	for {
		if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil && info.IsDir() {
			return filepath.Base(dir), true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	base := filepath.Base(filepath.Dir(path))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "", false
	}
	return base, true
}

// DetectGitInfo reads the branch name from the nearest ancestor's
// .git/HEAD file. Remote is left empty; reading .git/config for a remote
// URL is out of scope for this minimal implementation.
func (c *Collector) DetectGitInfo(path string) (GitInfo, bool) {
	dir := filepath.Dir(path)
	for {
		headPath := filepath.Join(dir, ".git", "HEAD")
		if branch, ok := readHeadBranch(headPath); ok {
			return GitInfo{Branch: branch}, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return GitInfo{}, false
		}
		dir = parent
	}
}

func readHeadBranch(headPath string) (string, bool) {
	f, err := os.Open(headPath)
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return "", false
	}
	line := strings.TrimSpace(scanner.Text())

	const prefix = "ref: refs/heads/"
	if strings.HasPrefix(line, prefix) {
		return strings.TrimPrefix(line, prefix), true
	}
	return "", false
}

// languageByExtension maps a lowercase file extension (without the dot)
// to its human-readable language name, mirroring the small fixed table an
// editor plugin would normally supply.
var languageByExtension = map[string]string{
	"go":     "Go",
	"py":     "Python",
	"js":     "JavaScript",
	"jsx":    "JavaScript",
	"ts":     "TypeScript",
	"tsx":    "TypeScript",
	"rb":     "Ruby",
	"rs":     "Rust",
	"java":   "Java",
	"kt":     "Kotlin",
	"c":      "C",
	"h":      "C",
	"cpp":    "C++",
	"cc":     "C++",
	"hpp":    "C++",
	"cs":     "C#",
	"php":    "PHP",
	"swift":  "Swift",
	"sh":     "Bash",
	"yaml":   "YAML",
	"yml":    "YAML",
	"json":   "JSON",
	"md":     "Markdown",
	"sql":    "SQL",
	"html":   "HTML",
	"css":    "CSS",
	"scss":   "SCSS",
	"toml":   "TOML",
	"ini":    "INI",
	"proto":  "Protocol Buffer",
	"lua":    "Lua",
	"ex":     "Elixir",
	"exs":    "Elixir",
	"scala":  "Scala",
	"vim":    "VimL",
}

// DetectLanguage looks up path's extension in the fixed table.
func (c *Collector) DetectLanguage(path string) (string, bool) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if ext == "" {
		return "", false
	}
	lang, ok := languageByExtension[ext]
	return lang, ok
}

// InferEntityType classifies an entity path per the Heartbeat Pipeline's
// construction step: existing file -> file, URL scheme -> url, bare host
// -> domain, else app.
func InferEntityType(entity string) types.EntityType {
	if _, err := os.Stat(entity); err == nil {
		return types.EntityFile
	}
	if u, err := url.Parse(entity); err == nil && u.Scheme != "" && u.Host != "" {
		return types.EntityURL
	}
	if looksLikeBareHost(entity) {
		return types.EntityDomain
	}
	return types.EntityApp
}

func looksLikeBareHost(s string) bool {
	if s == "" || strings.ContainsAny(s, " /\\") {
		return false
	}
	return strings.Contains(s, ".") && !strings.HasPrefix(s, ".")
}

// UserAgent assembles the single User-Agent-style string folded into each
// Heartbeat, combining OS, architecture, and the editor plugin identifier
// supplied via --plugin.
func UserAgent(version, plugin string) string {
	if plugin == "" {
		return fmt.Sprintf("chronova/%s (%s-%s)", version, runtime.GOOS, runtime.GOARCH)
	}
	return fmt.Sprintf("chronova/%s (%s-%s) %s", version, runtime.GOOS, runtime.GOARCH, plugin)
}
