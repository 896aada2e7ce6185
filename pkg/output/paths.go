package output

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const fileExt = ".parquet"

// Paths locates every table of one study under <output>/<outcome dir>.
type Paths struct {
	Root string
}

func NewPaths(outputDir, outcomeDir string) Paths {
	return Paths{Root: filepath.Join(outputDir, outcomeDir)}
}

func (p Paths) Patients() string {
	return filepath.Join(p.Root, "patients"+fileExt)
}

func (p Paths) EventsMetadata() string {
	return filepath.Join(p.Root, "events_metadata"+fileExt)
}

// Level is the level-only slice of one group's chain.
func (p Paths) Level(level int, group string) string {
	return filepath.Join(p.levelDir("events", level), groupFile(group))
}

// Transition holds the matched pairs between level-1 and level.
func (p Paths) Transition(level int, group string) string {
	return filepath.Join(p.levelDir("transitions", level), groupFile(group))
}

func (p Paths) Chain(group string) string {
	return filepath.Join(p.Root, "chains", groupFile(group))
}

func (p Paths) levelDir(kind string, level int) string {
	return filepath.Join(p.Root, kind, fmt.Sprintf("level_%d", level))
}

// Prepare creates the directory tree for a study with the given number of
// levels.
func (p Paths) Prepare(levels int) error {
	dirs := []string{p.Root, filepath.Join(p.Root, "chains")}
	for i := 0; i < levels; i++ {
		dirs = append(dirs, p.levelDir("events", i))
		if i > 0 {
			dirs = append(dirs, p.levelDir("transitions", i))
		}
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", d, err)
		}
	}
	return nil
}

// groupFile keeps group keys usable as file names: anything outside
// [A-Za-z0-9_-] is hex-escaped.
func groupFile(group string) string {
	var b strings.Builder
	b.WriteString("group_")
	for _, c := range []byte(group) {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "x%02x", c)
		}
	}
	b.WriteString(fileExt)
	return b.String()
}
