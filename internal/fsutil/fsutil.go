package fsutil

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// FootprintsSuffix names the footprint file that sits next to an image.
const FootprintsSuffix = ".footprints.json"

var imageExts = map[string]struct{}{
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".tif":  {},
	".tiff": {},
	".bmp":  {},
	".gif":  {},
	".fits": {},
	".fit":  {},
	".fts":  {},
}

var sortedExts = func() []string {
	exts := make([]string, 0, len(imageExts))
	for ext := range imageExts {
		exts = append(exts, ext)
	}
	slices.Sort(exts)
	return exts
}()

// ListImages returns all image-like files under root.
func ListImages(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsImageFile(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// IsImageFile checks if a file is any supported image format.
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, isImage := imageExts[ext]
	return isImage
}

// FootprintsFor returns the footprint file for image, trying
// "sky.footprints.json" then "sky.png.footprints.json". It returns "" when
// neither exists.
func FootprintsFor(image string) string {
	base := strings.TrimSuffix(image, filepath.Ext(image))
	return FirstExisting(base+FootprintsSuffix, image+FootprintsSuffix)
}

// ImageFor is the inverse of FootprintsFor: it returns the image a
// footprint file belongs to, or "" when none exists.
func ImageFor(footprints string) string {
	base, ok := strings.CutSuffix(footprints, FootprintsSuffix)
	if !ok {
		return ""
	}
	if IsImageFile(base) {
		if p := FirstExisting(base); p != "" {
			return p
		}
	}
	candidates := make([]string, 0, len(imageExts))
	for _, ext := range sortedExts {
		candidates = append(candidates, base+ext)
	}
	return FirstExisting(candidates...)
}

// PairImages returns the images under root that have a footprint file,
// mapped to that file.
func PairImages(root string) (map[string]string, error) {
	images, err := ListImages(root)
	if err != nil {
		return nil, err
	}
	pairs := make(map[string]string)
	for _, img := range images {
		if fp := FootprintsFor(img); fp != "" {
			pairs[img] = fp
		}
	}
	return pairs, nil
}
