package github

import (
	"path"
	"strings"
)

// extensionLanguages maps file extensions to the language label passed to the
// analyzer. Files with no entry here are skipped by the pipeline.
var extensionLanguages = map[string]string{
	".py":    "python",
	".js":    "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".go":    "go",
	".java":  "java",
	".rb":    "ruby",
	".php":   "php",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cc":    "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".rs":    "rust",
	".kt":    "kotlin",
	".swift": "swift",
	".scala": "scala",
	".sh":    "shell",
	".sql":   "sql",
	".tf":    "terraform",
	".yaml":  "yaml",
	".yml":   "yaml",
}

// LanguageForPath returns the analyzer language label for a file path, or an
// empty string when the extension is not recognized.
func LanguageForPath(filePath string) string {
	ext := strings.ToLower(path.Ext(filePath))
	return extensionLanguages[ext]
}
