package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInferFormat(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"data/sensors.parquet", FormatParquet},
		{"data/SENSORS.PARQUET", FormatParquet},
		{"a.csv", FormatCSV},
		{"a.tsv", FormatTSV},
		{"a.ndjson", FormatJSON},
		{"a.feather", FormatArrow},
		{"a.txt", ""},
		{"noext", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			require.Equal(t, tt.want, InferFormat(tt.path))
		})
	}
}

func TestNewRef_Unsupported(t *testing.T) {
	_, err := NewRef("notes.txt", "")
	require.Error(t, err)

	ref, err := NewRef("notes.txt", FormatCSV)
	require.NoError(t, err)
	require.Equal(t, FormatCSV, ref.Format)
}

func TestCatalog_DefaultDirectory(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.parquet", "a.parquet", "c.csv", "skip.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}

	catalog := NewCatalog(dir, nil)
	infos := catalog.List()

	require.Len(t, infos, 3)
	names := []string{infos[0].Name, infos[1].Name, infos[2].Name}
	require.Equal(t, []string{"c.csv", "a.parquet", "b.parquet"}, names)
	require.Equal(t, FormatParquet, infos[1].Format)
	require.Equal(t, int64(1), infos[1].SizeBytes)
}

func TestCatalog_SelectedPathsDeduplicate(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "x.parquet")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	catalog := NewCatalog(t.TempDir(), nil)
	require.Equal(t, 2, catalog.SetPaths([]string{dir, file}))

	refs := catalog.Collect()
	require.Len(t, refs, 1)
	require.Equal(t, file, refs[0].Path)
}

func TestCatalog_MissingPathIgnored(t *testing.T) {
	catalog := NewCatalog(t.TempDir(), nil)
	catalog.SetPaths([]string{"/nonexistent/path/12345.parquet"})
	require.Empty(t, catalog.List())
}
