package firmware

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/golang/glog"

	"github.com/sanworks/fwupdate/pkg/device"
)

// ErrNotFound indicates no catalog entry matches the request.
var ErrNotFound = errors.New("firmware not found")

// ChecksumMismatchError indicates a binary does not match its
// published checksum. Such entries never appear in listings.
type ChecksumMismatchError struct {
	Path     string
	Expected string
	Actual   string
}

// Error implements error.
func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s",
		e.Path, e.Expected, e.Actual)
}

// Loader names for the two flashing tools, derived from the image
// file extension the way release files are packaged.
const (
	LoaderBossac = "bossac" // .bin, Arduino-class boards
	LoaderTycmd  = "tycmd"  // .hex, Teensy-class boards
)

// Image is one firmware binary indexed by the catalog.
// Images are immutable once loaded.
type Image struct {
	Family  device.Family `json:"family"`
	Name    string        `json:"name"`
	Version Version       `json:"version"`
	Path    string        `json:"path"`
	Loader  string        `json:"loader"`
	SHA256  string        `json:"sha256"`
	Size    int64         `json:"size"`
}

// Catalog indexes firmware binaries by family and version.
// It is populated once at startup and read-only afterwards, so it is
// safe to share without locking.
type Catalog struct {
	byFamily map[device.Family][]*Image
}

// Load builds a catalog from a directory of release binaries.
//
// Files are named "<Name>_<Tokens>_vX.Y.ext" where the extension picks
// the loader (.bin for bossac, .hex for tycmd). Every binary must have
// a "<file>.sha256" sidecar; entries failing validation are excluded
// from listings and logged, never silently substituted.
func Load(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read firmware directory: %w", err)
	}
	c := &Catalog{byFamily: make(map[device.Family][]*Image)}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fname := entry.Name()
		img, err := parseImageName(fname)
		if img == nil {
			continue // not a firmware binary
		}
		if err != nil {
			glog.Warningf("skip %s: %v", fname, err)
			continue
		}
		img.Path = filepath.Join(dir, fname)
		if err := validate(img); err != nil {
			glog.Errorf("exclude %s: %v", fname, err)
			continue
		}
		c.byFamily[img.Family] = append(c.byFamily[img.Family], img)
	}
	for _, images := range c.byFamily {
		sort.SliceStable(images, func(i, j int) bool {
			return images[i].Version.Compare(images[j].Version) > 0
		})
	}
	glog.V(1).Infof("firmware catalog loaded: %d image(s) across %d family(ies)",
		c.Len(), len(c.byFamily))
	return c, nil
}

// parseImageName splits "<tokens>_vX.Y.ext" into an Image.
// A nil Image means the file is not a firmware binary at all.
func parseImageName(fname string) (*Image, error) {
	ext := strings.ToLower(filepath.Ext(fname))
	var loader string
	switch ext {
	case ".bin":
		loader = LoaderBossac
	case ".hex":
		loader = LoaderTycmd
	default:
		return nil, nil
	}
	stem := fname[:len(fname)-len(ext)]
	sep := strings.LastIndex(stem, "_")
	if sep <= 0 {
		return &Image{}, fmt.Errorf("no version suffix in %q", fname)
	}
	name := strings.ReplaceAll(stem[:sep], "_", " ")
	ver, err := ParseVersion(stem[sep+1:])
	if err != nil {
		return &Image{}, err
	}
	family := familyFromName(name)
	if family == device.FamilyUnknown {
		return &Image{}, fmt.Errorf("unrecognized firmware name %q", name)
	}
	return &Image{
		Family:  family,
		Name:    name,
		Version: ver,
		Loader:  loader,
	}, nil
}

// familyFromName maps a firmware display name to a hardware family.
func familyFromName(name string) device.Family {
	n := strings.ToLower(strings.ReplaceAll(name, " ", ""))
	switch {
	case strings.Contains(n, "pulsepal"):
		return device.FamilyPulsePal
	case strings.HasPrefix(n, "bpod") && strings.Contains(n, "module"):
		return device.FamilyBpodModule
	case strings.HasPrefix(n, "bpod"):
		return device.FamilyBpod
	}
	return device.FamilyUnknown
}

// validate checks the binary against its checksum sidecar and fills
// in SHA256 and Size.
func validate(img *Image) error {
	sidecar, err := os.ReadFile(img.Path + ".sha256")
	if err != nil {
		return fmt.Errorf("checksum sidecar: %w", err)
	}
	fields := strings.Fields(string(sidecar))
	if len(fields) == 0 {
		return fmt.Errorf("empty checksum sidecar for %s", img.Path)
	}
	expected := strings.ToLower(fields[0])

	f, err := os.Open(img.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return err
	}
	actual := hex.EncodeToString(h.Sum(nil))
	if actual != expected {
		return &ChecksumMismatchError{Path: img.Path, Expected: expected, Actual: actual}
	}
	img.SHA256 = actual
	img.Size = size
	return nil
}

// Families returns the families with at least one valid image.
func (c *Catalog) Families() []device.Family {
	families := make([]device.Family, 0, len(c.byFamily))
	for f := range c.byFamily {
		families = append(families, f)
	}
	sort.Slice(families, func(i, j int) bool { return families[i] < families[j] })
	return families
}

// List returns the images for a family, newest version first.
func (c *Catalog) List(family device.Family) []*Image {
	return c.byFamily[family]
}

// Get returns the image matching family and version, or ErrNotFound.
func (c *Catalog) Get(family device.Family, version Version) (*Image, error) {
	for _, img := range c.byFamily[family] {
		if img.Version.Compare(version) == 0 {
			return img, nil
		}
	}
	return nil, fmt.Errorf("%w: %s v%s", ErrNotFound, family, version)
}

// Len counts all valid images.
func (c *Catalog) Len() int {
	var n int
	for _, images := range c.byFamily {
		n += len(images)
	}
	return n
}
