package execution

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Declaration files merged into the container environment, least specific
// first. Later files win on key conflicts.
var envFileOrder = []string{".env.development", ".env.production", ".env"}

// ParseEnvFile reads a KEY=VALUE declaration file. Blank lines and comment
// lines are skipped; surrounding quotes are stripped from values. A missing
// file yields an empty map, not an error.
func ParseEnvFile(workdir, name string) map[string]string {
	vars := make(map[string]string)

	f, err := os.Open(filepath.Join(workdir, name))
	if err != nil {
		return vars
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		value := strings.TrimSpace(line[eq+1:])
		value = strings.Trim(value, `"`)
		value = strings.Trim(value, `'`)
		vars[key] = value
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Str("file", name).Msg("failed to read env file")
	}

	return vars
}

// MergedEnv merges all declaration files in the workspace into one mapping,
// most-production-like file winning on conflicts.
func MergedEnv(workdir string) map[string]string {
	merged := make(map[string]string)
	for _, name := range envFileOrder {
		for k, v := range ParseEnvFile(workdir, name) {
			merged[k] = v
		}
	}
	return merged
}

// ResolvePort returns the container listening port for a server project:
// an explicit PORT declaration wins, then the language default.
func ResolvePort(workdir string, lang Language) int {
	for _, name := range []string{".env", ".env.production"} {
		vars := ParseEnvFile(workdir, name)
		if raw, ok := vars["PORT"]; ok {
			port, err := strconv.Atoi(raw)
			if err != nil || port < 1 || port > 65535 {
				log.Warn().Str("file", name).Str("value", raw).Msg("invalid PORT value, ignoring")
				continue
			}
			return port
		}
	}
	return DefaultPort(lang)
}

// DefaultPort is the conventional listening port per language.
func DefaultPort(lang Language) int {
	switch lang {
	case LangNodeJS:
		return 3000
	case LangPython:
		return 5000
	case LangJava:
		return 8080
	case LangHTMLCSSJS:
		return 8080
	}
	return 3000
}
