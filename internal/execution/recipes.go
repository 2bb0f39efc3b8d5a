package execution

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Command is one in-container step of a language recipe.
type Command struct {
	Argv    []string
	Timeout time.Duration // Bounded wait for synchronous steps
}

func shell(script string) []string {
	return []string{"sh", "-c", script}
}

// SetupCommand returns the bounded dependency-install/build step for a
// language, or ok=false when the language has none. The command itself
// no-ops when no manifest is present.
func SetupCommand(lang Language) (Command, bool) {
	switch lang {
	case LangNodeJS:
		return Command{
			Argv:    shell("if [ -f package.json ]; then npm install; fi"),
			Timeout: 120 * time.Second,
		}, true
	case LangPython:
		return Command{
			Argv:    shell("if [ -f requirements.txt ]; then pip install -r requirements.txt; fi"),
			Timeout: 120 * time.Second,
		}, true
	case LangJava:
		return Command{
			Argv:    shell("if [ -f pom.xml ]; then mvn clean package -DskipTests; fi"),
			Timeout: 300 * time.Second,
		}, true
	}
	return Command{}, false
}

// RunCommand resolves the run step for a workspace. The entry point is
// resolved against the workspace on the host before anything executes
// inside the container; a script with nothing runnable fails here with
// ErrNoEntryPoint instead of exiting zero from an empty shell command.
func RunCommand(workdir string, lang Language, ptype ProjectType, containerPort int, scriptTimeout time.Duration) (Command, error) {
	switch lang {
	case LangNodeJS:
		return nodeRunCommand(workdir, ptype, scriptTimeout)
	case LangPython:
		return pythonRunCommand(workdir, ptype, scriptTimeout)
	case LangJava:
		return javaRunCommand(workdir, ptype, scriptTimeout)
	case LangHTMLCSSJS:
		return Command{
			Argv: []string{"python3", "-m", "http.server", fmt.Sprintf("%d", containerPort), "--directory", "/workspace"},
		}, nil
	}
	return Command{}, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, lang)
}

func nodeRunCommand(workdir string, ptype ProjectType, scriptTimeout time.Duration) (Command, error) {
	if ptype == TypeServer {
		if hasStartScript(workdir) {
			return Command{Argv: shell("npm start")}, nil
		}
		for _, entry := range []string{"server.js", "index.js"} {
			if fileExists(workdir, entry) {
				return Command{Argv: []string{"node", entry}}, nil
			}
		}
		return Command{}, fmt.Errorf("%w: expected a start script, server.js or index.js", ErrNoEntryPoint)
	}

	for _, entry := range []string{"index.js", "app.js"} {
		if fileExists(workdir, entry) {
			return Command{Argv: []string{"node", entry}, Timeout: scriptTimeout}, nil
		}
	}
	return Command{}, fmt.Errorf("%w: expected index.js or app.js", ErrNoEntryPoint)
}

func pythonRunCommand(workdir string, ptype ProjectType, scriptTimeout time.Duration) (Command, error) {
	// Servers prefer app.py, scripts prefer main.py.
	order := []string{"main.py", "app.py"}
	if ptype == TypeServer {
		order = []string{"app.py", "main.py"}
	}
	for _, entry := range order {
		if fileExists(workdir, entry) {
			cmd := Command{Argv: []string{"python", entry}}
			if ptype == TypeScript {
				cmd.Timeout = scriptTimeout
			}
			return cmd, nil
		}
	}
	return Command{}, fmt.Errorf("%w: expected app.py or main.py", ErrNoEntryPoint)
}

func javaRunCommand(workdir string, ptype ProjectType, scriptTimeout time.Duration) (Command, error) {
	if !fileExists(workdir, "pom.xml") && !fileExists(workdir, "build.gradle") {
		return Command{}, fmt.Errorf("%w: expected pom.xml or build.gradle", ErrNoEntryPoint)
	}
	cmd := Command{Argv: shell("java -jar target/*.jar")}
	if ptype == TypeScript {
		cmd.Timeout = scriptTimeout
	}
	return cmd, nil
}

func hasStartScript(workdir string) bool {
	data, err := os.ReadFile(filepath.Join(workdir, "package.json"))
	if err != nil {
		return false
	}
	var manifest packageManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return false
	}
	_, ok := manifest.Scripts["start"]
	return ok
}

func fileExists(workdir, name string) bool {
	_, err := os.Stat(filepath.Join(workdir, name))
	return err == nil
}
