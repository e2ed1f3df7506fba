package files

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Engine format names understood by the file() table function
const (
	FormatParquet = "Parquet"
	FormatCSV     = "CSVWithNames"
	FormatTSV     = "TSVWithNames"
	FormatJSON    = "JSONEachRow"
	FormatArrow   = "Arrow"
	FormatORC     = "ORC"
	FormatAvro    = "Avro"
)

// SupportedFormats maps a lower-case file extension to its engine format.
var SupportedFormats = map[string]string{
	".parquet": FormatParquet,
	".csv":     FormatCSV,
	".tsv":     FormatTSV,
	".json":    FormatJSON,
	".jsonl":   FormatJSON,
	".ndjson":  FormatJSON,
	".arrow":   FormatArrow,
	".feather": FormatArrow,
	".orc":     FormatORC,
	".avro":    FormatAvro,
}

// Ref identifies a data file together with the format hint passed to the engine.
type Ref struct {
	Path   string `json:"path"`
	Format string `json:"format"`
}

// Name returns the base name of the referenced file.
func (r Ref) Name() string {
	return filepath.Base(r.Path)
}

// InferFormat returns the engine format for path, or "" if unsupported.
func InferFormat(path string) string {
	return SupportedFormats[strings.ToLower(filepath.Ext(path))]
}

// NewRef builds a Ref, inferring the format when none is given.
func NewRef(path, format string) (Ref, error) {
	if format == "" {
		format = InferFormat(path)
	}
	if format == "" {
		return Ref{}, fmt.Errorf("unsupported file format: %s", path)
	}
	return Ref{Path: path, Format: format}, nil
}

// Info describes one data file exposed to the presentation layer.
type Info struct {
	Name      string  `json:"name"`
	Path      string  `json:"path"`
	SizeBytes int64   `json:"size_bytes"`
	SizeMB    float64 `json:"size_mb"`
	Format    string  `json:"format"`
}

// Catalog tracks which files and directories are exposed.
// With no selected paths it falls back to the default directory.
type Catalog struct {
	defaultDir string
	logger     *zap.Logger

	mu       sync.RWMutex
	selected []string
}

// NewCatalog creates a catalog rooted at defaultDir.
func NewCatalog(defaultDir string, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{defaultDir: defaultDir, logger: logger}
}

// SetPaths replaces the selected paths and returns how many were kept.
func (c *Catalog) SetPaths(paths []string) int {
	normalized := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := normalize(p)
		if err != nil {
			c.logger.Warn("Failed to normalize path", zap.String("path", p), zap.Error(err))
			continue
		}
		normalized = append(normalized, abs)
	}

	c.mu.Lock()
	c.selected = normalized
	c.mu.Unlock()

	c.logger.Info("Updated data search paths", zap.Strings("paths", normalized))
	return len(normalized)
}

// Paths returns the currently selected paths.
func (c *Catalog) Paths() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.selected))
	copy(out, c.selected)
	return out
}

// Collect returns the supported data files reachable from the selected paths.
func (c *Catalog) Collect() []Ref {
	paths := c.Paths()
	if len(paths) == 0 {
		paths = []string{c.defaultDir}
	}

	var refs []Ref
	seen := make(map[string]bool)
	for _, raw := range paths {
		p, err := normalize(raw)
		if err != nil || seen[p] {
			continue
		}
		fi, err := os.Stat(p)
		if err != nil {
			continue
		}
		if fi.IsDir() {
			for _, child := range dirFiles(p) {
				if seen[child] {
					continue
				}
				seen[child] = true
				refs = append(refs, Ref{Path: child, Format: InferFormat(child)})
			}
			continue
		}
		if format := InferFormat(p); format != "" {
			seen[p] = true
			refs = append(refs, Ref{Path: p, Format: format})
		}
	}
	return refs
}

// List returns file info for every collected file. Unreadable files are skipped.
func (c *Catalog) List() []Info {
	refs := c.Collect()
	infos := make([]Info, 0, len(refs))
	for _, ref := range refs {
		fi, err := os.Stat(ref.Path)
		if err != nil {
			c.logger.Warn("Error reading file", zap.String("path", ref.Path), zap.Error(err))
			continue
		}
		infos = append(infos, Info{
			Name:      ref.Name(),
			Path:      ref.Path,
			SizeBytes: fi.Size(),
			SizeMB:    float64(fi.Size()*100/(1024*1024)) / 100,
			Format:    ref.Format,
		})
	}
	return infos
}

// dirFiles lists supported files directly inside dir, grouped by extension
// in a stable order.
func dirFiles(dir string) []string {
	exts := make([]string, 0, len(SupportedFormats))
	for ext := range SupportedFormats {
		exts = append(exts, ext)
	}
	sort.Strings(exts)

	var out []string
	for _, ext := range exts {
		matches, err := filepath.Glob(filepath.Join(dir, "*"+ext))
		if err != nil {
			continue
		}
		sort.Strings(matches)
		out = append(out, matches...)
	}
	return out
}

// normalize expands a leading ~ and makes the path absolute
func normalize(p string) (string, error) {
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return filepath.Abs(p)
}

// TableExpr renders the engine table function reading this file.
func (r Ref) TableExpr() string {
	return fmt.Sprintf("file(%s, %s)", QuoteString(r.Path), QuoteString(r.Format))
}

// QuoteString renders s as a single-quoted SQL string literal.
func QuoteString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}
