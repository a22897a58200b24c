package symbols

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var csvHeader = []string{"name", "address", "size", "type"}

// WriteCSV writes the symbol map as name,address,size,type rows in table order.
func WriteCSV(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range t.records {
		row := []string{r.Name, r.HexAddress(), strconv.FormatUint(r.Size, 10), r.Type}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportFileName is <image base name>_<image id>.csv.
func ExportFileName(t *Table) string {
	base := strings.TrimSuffix(filepath.Base(t.Image), filepath.Ext(t.Image))
	if base == "" || base == "." {
		base = "image"
	}
	return fmt.Sprintf("%s_%s.csv", base, t.ImageID)
}

// ExportCSV writes the symbol map into dir and returns the file path.
func ExportCSV(dir string, t *Table) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}
	path := filepath.Join(dir, ExportFileName(t))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := WriteCSV(f, t); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}
