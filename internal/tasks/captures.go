package tasks

import (
	"path/filepath"

	"treeeval/internal/biometrics"
	"treeeval/internal/fsutil"
)

// Capture is one point cloud acquisition of a plot.
type Capture struct {
	Path     string
	Platform biometrics.Platform
}

// CaptureSelector enumerates captures by extension and platform tag.
type CaptureSelector struct {
	Ext string
}

// NewCaptureSelector returns a selector for files with ext.
func NewCaptureSelector(ext string) *CaptureSelector {
	return &CaptureSelector{Ext: ext}
}

// Select returns the captures directly inside dir whose filename contains one
// of platforms, sorted by name. Files matching no platform are left out.
func (s *CaptureSelector) Select(dir string, platforms []biometrics.Platform) ([]Capture, error) {
	files, err := fsutil.FilesWithExt(dir, s.Ext)
	if err != nil {
		return nil, err
	}
	return filterCaptures(files, platforms), nil
}

func filterCaptures(files []string, platforms []biometrics.Platform) []Capture {
	var out []Capture
	for _, f := range files {
		p, ok := biometrics.DetectPlatform(filepath.Base(f), platforms)
		if !ok {
			continue
		}
		out = append(out, Capture{Path: f, Platform: p})
	}
	return out
}
