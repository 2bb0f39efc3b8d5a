package execution

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

var (
	nodeStartMarkers = []string{"server", "express", "fastify", "next", "nuxt", "nest"}
	nodeDepMarkers   = []string{"express", "fastify", "koa", "next", "nuxt", "@nestjs/core"}
	pythonDepMarkers = []string{"flask", "django", "fastapi", "uvicorn"}
	javaWebMarkers   = []string{"spring-boot-starter-web", "spring-boot-starter-webflux"}
)

// DetectProjectType classifies a downloaded workspace as a one-shot script
// or a long-running server. It is a pure function of workspace contents and
// the declared language; any inspection failure defaults to SCRIPT.
func DetectProjectType(workdir string, lang Language) ProjectType {
	switch lang {
	case LangNodeJS:
		return detectNodeType(workdir)
	case LangPython:
		return detectPythonType(workdir)
	case LangJava:
		return detectJavaType(workdir)
	case LangHTMLCSSJS:
		// Static projects are always served.
		return TypeServer
	}
	return TypeScript
}

type packageManifest struct {
	Scripts      map[string]string `json:"scripts"`
	Dependencies map[string]string `json:"dependencies"`
}

func detectNodeType(workdir string) ProjectType {
	data, err := os.ReadFile(filepath.Join(workdir, "package.json"))
	if err != nil {
		return TypeScript
	}

	var manifest packageManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		log.Warn().Err(err).Msg("unparseable package.json, defaulting to SCRIPT")
		return TypeScript
	}

	if start, ok := manifest.Scripts["start"]; ok {
		for _, marker := range nodeStartMarkers {
			if strings.Contains(start, marker) {
				return TypeServer
			}
		}
	}
	for _, marker := range nodeDepMarkers {
		if _, ok := manifest.Dependencies[marker]; ok {
			return TypeServer
		}
	}

	return TypeScript
}

func detectPythonType(workdir string) ProjectType {
	if data, err := os.ReadFile(filepath.Join(workdir, "requirements.txt")); err == nil {
		content := strings.ToLower(string(data))
		for _, marker := range pythonDepMarkers {
			if strings.Contains(content, marker) {
				return TypeServer
			}
		}
	}

	// Conventional entry-point filenames imply a server app.
	for _, name := range []string{"app.py", "main.py", "manage.py"} {
		if _, err := os.Stat(filepath.Join(workdir, name)); err == nil {
			return TypeServer
		}
	}

	return TypeScript
}

func detectJavaType(workdir string) ProjectType {
	for _, name := range []string{"pom.xml", "build.gradle"} {
		data, err := os.ReadFile(filepath.Join(workdir, name))
		if err != nil {
			continue
		}
		content := string(data)
		for _, marker := range javaWebMarkers {
			if strings.Contains(content, marker) {
				return TypeServer
			}
		}
	}
	return TypeScript
}
