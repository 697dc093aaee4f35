package certificate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Archive stores certificate documents as JSON files in a directory.
type Archive struct {
	dir string
}

// NewArchive creates the archive directory if needed.
func NewArchive(dir string) (*Archive, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create certificate dir %q: %w", dir, err)
	}
	return &Archive{dir: dir}, nil
}

// Filename returns the archive name for c:
// cert_<serial>_<yyyymmdd_hhmmss>_<first 8 of id>.json
func Filename(c *Certificate) string {
	serial := unsafeChars.ReplaceAllString(c.Content.DeviceSerial, "_")
	if serial == "" {
		serial = "UNKNOWN"
	}
	id := c.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("cert_%s_%s_%s.json", serial, c.IssuedAt.UTC().Format("20060102_150405"), id)
}

// BulkFilename returns the archive name for b:
// cert_bulk_<job id>_<yyyymmdd_hhmmss>.json
func BulkFilename(b *BulkCertificate) string {
	job := unsafeChars.ReplaceAllString(b.JobID, "_")
	return fmt.Sprintf("cert_bulk_%s_%s.json", job, b.IssuedAt.UTC().Format("20060102_150405"))
}

// Write stores c and returns the file name it was stored under.
func (a *Archive) Write(c *Certificate) (string, error) {
	name := Filename(c)
	return name, a.write(name, c)
}

// WriteBulk stores b and returns the file name it was stored under.
func (a *Archive) WriteBulk(b *BulkCertificate) (string, error) {
	name := BulkFilename(b)
	return name, a.write(name, b)
}

func (a *Archive) write(name string, v any) error {
	doc, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal certificate: %w", err)
	}
	if err := os.WriteFile(filepath.Join(a.dir, name), append(doc, '\n'), 0o640); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	return nil
}

// Path resolves an archived file name. Names that are not plain archive file
// names, or that do not exist, yield ErrNotFound.
func (a *Archive) Path(name string) (string, error) {
	if name != filepath.Base(name) || !strings.HasPrefix(name, "cert_") || !strings.HasSuffix(name, ".json") {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	p := filepath.Join(a.dir, name)
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return p, nil
}

// Read loads an archived certificate.
func (a *Archive) Read(name string) (*Certificate, error) {
	p, err := a.Path(name)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	var c Certificate
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode certificate %s: %w", name, err)
	}
	return &c, nil
}
