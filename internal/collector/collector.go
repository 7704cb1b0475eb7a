// Package collector implements the metadata collaborators the
// Heartbeat Pipeline consults for project, git and language enrichment,
// plus the user-agent string sent with every request. None of it
// touches the queue or the network; it only reads the local
// filesystem.
package collector

import (
	"compress/zlib"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ProjectInfo describes the project an entity belongs to.
type ProjectInfo struct {
	Name string
	Root string
}

// GitInfo describes the git state around an entity, when found.
type GitInfo struct {
	Branch        string
	CommitHash    string
	CommitAuthor  string
	CommitMessage string
	RepositoryURL string
}

// ignoredDirNames are common source-layout directories that make poor
// project names; detection climbs past them looking for a better root.
var ignoredDirNames = map[string]bool{
	"src": true, "app": true, "components": true, "lib": true,
	"packages": true, "pkg": true, "dist": true, "build": true, "tests": true,
}

var projectMarkerFiles = []string{
	"package.json", "Cargo.toml", "pyproject.toml", "go.mod", ".wakatime-project", ".git",
}

// Collector implements project, git and language detection against the
// local filesystem. The zero value is ready to use.
type Collector struct{}

// New returns a ready-to-use Collector.
func New() *Collector {
	return &Collector{}
}

// DetectProject walks up from entityPath's directory looking for a
// project marker (a VCS directory or package manifest), falling back
// to the nearest non-generic ancestor directory name.
func (c *Collector) DetectProject(entityPath string) (ProjectInfo, bool) {
	dir := filepath.Dir(entityPath)

	if root, ok := findMarkedRoot(dir); ok {
		return ProjectInfo{Name: extractProjectName(root), Root: root}, true
	}

	current := dir
	for {
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		name := filepath.Base(current)
		if ignoredDirNames[name] {
			current = parent
			continue
		}
		return ProjectInfo{Name: extractProjectName(current), Root: current}, true
	}

	if dir != "." && dir != string(filepath.Separator) {
		if ignoredDirNames[filepath.Base(dir)] {
			grand := filepath.Dir(dir)
			return ProjectInfo{Name: extractProjectName(grand), Root: grand}, true
		}
		return ProjectInfo{Name: extractProjectName(dir), Root: dir}, true
	}

	return ProjectInfo{}, false
}

func findMarkedRoot(start string) (string, bool) {
	current := start
	for {
		for _, marker := range projectMarkerFiles {
			if _, err := os.Stat(filepath.Join(current, marker)); err == nil {
				return current, true
			}
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", false
		}
		current = parent
	}
}

func extractProjectName(root string) string {
	if data, err := os.ReadFile(filepath.Join(root, ".wakatime-project")); err == nil {
		if name := strings.TrimSpace(string(data)); name != "" {
			return name
		}
	}
	if name, ok := readPackageJSONName(filepath.Join(root, "package.json")); ok {
		return name
	}
	if name, ok := readCargoTomlName(filepath.Join(root, "Cargo.toml")); ok {
		return name
	}
	return filepath.Base(root)
}

func readPackageJSONName(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	const key = `"name"`
	idx := strings.Index(string(data), key)
	if idx < 0 {
		return "", false
	}
	rest := string(data)[idx+len(key):]
	colon := strings.Index(rest, ":")
	if colon < 0 {
		return "", false
	}
	rest = strings.TrimSpace(rest[colon+1:])
	if !strings.HasPrefix(rest, `"`) {
		return "", false
	}
	rest = rest[1:]
	end := strings.Index(rest, `"`)
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

func readCargoTomlName(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "name") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.TrimSpace(parts[0]) != "name" {
			continue
		}
		return strings.Trim(strings.TrimSpace(parts[1]), `"`), true
	}
	return "", false
}

// DetectGitInfo reads the nearest .git directory's HEAD, loose refs,
// loose commit object and config to assemble branch, commit and remote
// metadata without shelling out to git or linking against libgit2.
// Packed refs are not read.
func (c *Collector) DetectGitInfo(entityPath string) (GitInfo, bool) {
	gitDir, ok := findGitDir(filepath.Dir(entityPath))
	if !ok {
		return GitInfo{}, false
	}

	info := GitInfo{}
	info.Branch = readBranch(gitDir)
	info.CommitHash, info.CommitAuthor, info.CommitMessage = readHeadCommit(gitDir)
	info.RepositoryURL = sanitizeRemoteURL(readOriginURL(gitDir))

	return info, true
}

func findGitDir(start string) (string, bool) {
	current := start
	for {
		candidate := filepath.Join(current, ".git")
		if fi, err := os.Stat(candidate); err == nil {
			if fi.IsDir() {
				return candidate, true
			}
			// A ".git" file (worktree or submodule) points at the real gitdir.
			if real, ok := resolveGitFile(candidate); ok {
				return real, true
			}
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", false
		}
		current = parent
	}
}

func resolveGitFile(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	line := strings.TrimSpace(string(data))
	const prefix = "gitdir:"
	if !strings.HasPrefix(line, prefix) {
		return "", false
	}
	dir := strings.TrimSpace(strings.TrimPrefix(line, prefix))
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(filepath.Dir(path), dir)
	}
	return dir, true
}

func readBranch(gitDir string) string {
	data, err := os.ReadFile(filepath.Join(gitDir, "HEAD"))
	if err != nil {
		return ""
	}
	line := strings.TrimSpace(string(data))
	const prefix = "ref: refs/heads/"
	if strings.HasPrefix(line, prefix) {
		return strings.TrimPrefix(line, prefix)
	}
	return ""
}

// readHeadCommit resolves HEAD to a commit hash and, for annotated
// metadata, parses the loose commit object's author/message lines.
// Packed-refs and packed objects are not followed; a shallow or
// freshly-committed repo (the common case for a short-lived CLI
// invocation) always has a loose HEAD object.
func readHeadCommit(gitDir string) (hash, author, message string) {
	headData, err := os.ReadFile(filepath.Join(gitDir, "HEAD"))
	if err != nil {
		return "", "", ""
	}
	line := strings.TrimSpace(string(headData))

	var refPath string
	if strings.HasPrefix(line, "ref: ") {
		refPath = filepath.Join(gitDir, strings.TrimPrefix(line, "ref: "))
		refData, err := os.ReadFile(refPath)
		if err != nil {
			return "", "", ""
		}
		hash = strings.TrimSpace(string(refData))
	} else {
		hash = line
	}
	if hash == "" {
		return "", "", ""
	}

	author, message = readLooseCommitMetadata(gitDir, hash)
	return hash, author, message
}

// readLooseCommitMetadata best-effort decompresses a loose object;
// commits stored as delta/packed objects are skipped silently since
// the pipeline treats this metadata as optional enrichment.
func readLooseCommitMetadata(gitDir, hash string) (author, message string) {
	if len(hash) < 3 {
		return "", ""
	}
	objPath := filepath.Join(gitDir, "objects", hash[:2], hash[2:])
	if _, err := os.Stat(objPath); err != nil {
		return "", ""
	}
	content, ok := inflateObject(objPath)
	if !ok {
		return "", ""
	}

	lines := strings.Split(content, "\n")
	for i, l := range lines {
		if strings.HasPrefix(l, "author ") {
			author = parseGitIdentityName(l)
		}
		if l == "" && i+1 < len(lines) {
			message = strings.TrimSpace(strings.Join(lines[i+1:], "\n"))
			break
		}
	}
	return author, message
}

// inflateObject decompresses a loose git object and strips its
// "<type> <size>\0" header, returning the raw commit/tree/blob body.
func inflateObject(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	zr, err := zlib.NewReader(f)
	if err != nil {
		return "", false
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return "", false
	}

	nul := strings.IndexByte(string(data), 0)
	if nul < 0 {
		return "", false
	}
	return string(data[nul+1:]), true
}

func parseGitIdentityName(line string) string {
	// "author Full Name <email> 1234567890 +0000"
	rest := strings.TrimPrefix(line, "author ")
	if idx := strings.Index(rest, " <"); idx >= 0 {
		return rest[:idx]
	}
	return rest
}

func readOriginURL(gitDir string) string {
	data, err := os.ReadFile(filepath.Join(gitDir, "config"))
	if err != nil {
		return ""
	}
	lines := strings.Split(string(data), "\n")
	inOrigin := false
	for _, l := range lines {
		trimmed := strings.TrimSpace(l)
		if strings.HasPrefix(trimmed, "[") {
			inOrigin = strings.EqualFold(trimmed, `[remote "origin"]`)
			continue
		}
		if inOrigin && strings.HasPrefix(trimmed, "url") {
			parts := strings.SplitN(trimmed, "=", 2)
			if len(parts) == 2 {
				return strings.TrimSpace(parts[1])
			}
		}
	}
	return ""
}

// sanitizeRemoteURL strips userinfo (user:pass@ or token@) from a
// remote URL, whether it is scheme-qualified ("https://user@host/...")
// or scp-like ("user@host:owner/repo.git").
func sanitizeRemoteURL(raw string) string {
	if raw == "" {
		return ""
	}
	if schemeEnd := strings.Index(raw, "://"); schemeEnd >= 0 {
		scheme, rest := raw[:schemeEnd+3], raw[schemeEnd+3:]
		authEnd := strings.IndexByte(rest, '/')
		if authEnd < 0 {
			authEnd = len(rest)
		}
		authority, path := rest[:authEnd], rest[authEnd:]
		if at := strings.IndexByte(authority, '@'); at >= 0 {
			return scheme + authority[at+1:] + path
		}
		return raw
	}
	if at := strings.IndexByte(raw, '@'); at >= 0 {
		return raw[at+1:]
	}
	return raw
}

// DetectLanguage infers a human-readable language name from the
// entity's basename: exact filename matches first, then multi-part
// extensions (".tar.gz"), then the last single extension.
func (c *Collector) DetectLanguage(entityPath string) (string, bool) {
	filename := filepath.Base(entityPath)
	lower := strings.ToLower(filename)

	if lang, ok := filenameLanguage[lower]; ok {
		return lang, true
	}

	dotOnly := strings.HasPrefix(filename, ".") && !strings.Contains(filename[1:], ".")
	if dotOnly {
		if lang, ok := extensionLanguage[lower]; ok {
			return lang, true
		}
	}

	for _, ext := range multiPartExtensions {
		if strings.HasSuffix(lower, ext) {
			if lang, ok := extensionLanguage[ext]; ok {
				return lang, true
			}
		}
	}

	if idx := strings.LastIndexByte(filename, '.'); idx >= 0 {
		if lang, ok := extensionLanguage[strings.ToLower(filename[idx:])]; ok {
			return lang, true
		}
	}

	return "", false
}

var multiPartExtensions = []string{
	".tar.gz", ".tar.bz2", ".tar.xz", ".log.gz", ".log.bz2", ".log.xz",
}

var extensionLanguage = map[string]string{
	".tar.gz": "Archive", ".tar.bz2": "Archive", ".tar.xz": "Archive",
	".log.gz": "Log File", ".log.bz2": "Log File", ".log.xz": "Log File",

	".html": "HTML", ".htm": "HTML", ".css": "CSS", ".scss": "SCSS",
	".sass": "Sass", ".less": "Less",

	".js": "JavaScript", ".cjs": "JavaScript", ".mjs": "JavaScript", ".jsx": "JavaScript",
	".ts": "TypeScript", ".tsx": "TypeScript",

	".py": "Python", ".pyw": "Python",
	".java": "Java", ".jsp": "Java Server Pages",
	".cpp": "C++", ".cc": "C++", ".cxx": "C++", ".c": "C",
	".h": "C Header", ".hpp": "C++ Header",
	".go": "Go", ".rs": "Rust", ".rb": "Ruby", ".php": "PHP",
	".kt": "Kotlin", ".kts": "Kotlin Script", ".swift": "Swift", ".dart": "Dart",
	".jl": "Julia", ".r": "R", ".hs": "Haskell",
	".ex": "Elixir", ".exs": "Elixir Script", ".el": "Emacs Lisp",
	".clj": "Clojure", ".scala": "Scala",

	".json": "JSON", ".yaml": "YAML", ".yml": "YAML", ".toml": "TOML",
	".md": "Markdown", ".markdown": "Markdown", ".mdx": "Markdown",
	".sql": "SQL", ".xml": "XML", ".csv": "CSV", ".txt": "Plain Text",
	".ini": "INI", ".cfg": "Configuration", ".conf": "Configuration",

	".gitignore": "Git Ignore", ".env": "Environment Variables",
	".editorconfig": "EditorConfig",

	".mk": "Makefile", ".m": "MATLAB", ".lua": "Lua", ".pl": "Perl",
	".tf": "Terraform", ".graphql": "GraphQL", ".gql": "GraphQL",
	".sol": "Solidity", ".styl": "Stylus", ".zig": "Zig",
}

var filenameLanguage = map[string]string{
	"dockerfile": "Dockerfile",
	"makefile":   "Makefile",
	"readme":     "Plain Text",
	"license":    "Plain Text",
	"gemfile":    "Ruby",
	"rakefile":   "Ruby",
	"procfile":   "Config",
}

// UserAgent assembles the WakaTime-compatible client identifier sent
// as the User-Agent header and embedded in the wire payload, e.g.
// "chronova-cli/1.4.0 (linux-amd64) vscode/1.90.0 chronova-vscode/2.1.0".
func UserAgent(cliVersion, editorName, editorVersion, pluginName, pluginVersion string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "chronova-cli/%s (%s-%s)", cliVersion, runtime.GOOS, runtime.GOARCH)
	if editorName != "" {
		fmt.Fprintf(&b, " %s/%s", editorName, orUnknown(editorVersion))
	}
	if pluginName != "" {
		fmt.Fprintf(&b, " %s/%s", pluginName, orUnknown(pluginVersion))
	}
	return b.String()
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
