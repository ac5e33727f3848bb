// Package pathmap translates object storage locations into the paths the
// compute nodes see through their shared filesystem mounts.
package pathmap

import (
	"path"
	"strings"

	"github.com/me/gowas/internal/storage"
	"github.com/me/gowas/pkg/model"
)

// Default mount points.
const (
	DefaultInputMount  = "/mnt/fsx/input"
	DefaultOutputMount = "/mnt/fsx/output"
)

// Mapper holds the mount layout. The zero value is usable and selects the
// defaults.
type Mapper struct {
	InputMount  string
	OutputMount string
	DataPrefix  string
}

// New creates a Mapper, filling empty fields with defaults.
func New(inputMount, outputMount, dataPrefix string) Mapper {
	return Mapper{InputMount: inputMount, OutputMount: outputMount, DataPrefix: dataPrefix}.withDefaults()
}

func (m Mapper) withDefaults() Mapper {
	if m.InputMount == "" {
		m.InputMount = DefaultInputMount
	}
	if m.OutputMount == "" {
		m.OutputMount = DefaultOutputMount
	}
	if m.DataPrefix == "" {
		m.DataPrefix = model.DefaultDataPrefix
	}
	m.DataPrefix = strings.Trim(m.DataPrefix, "/")
	return m
}

// MapDataToCompute maps a dataset location to
// {inputMount}/{dataPrefix}/{analysisSubdir}/{rest}. The bucket and the data
// prefix are stripped from storagePath, and a leading analysisSubdir in the
// remainder is not repeated:
//
//	s3://bucket/genomics/study1/  (subdir "study1/") -> /mnt/fsx/input/genomics/study1
//	s3://bucket/genomics/study1/chr (subdir "study1") -> /mnt/fsx/input/genomics/study1/chr
func (m Mapper) MapDataToCompute(storagePath, analysisSubdir string) string {
	m = m.withDefaults()
	subdir := strings.Trim(analysisSubdir, "/")

	rest := strings.TrimPrefix(storage.StripBucket(storagePath), "/")
	rest = strings.TrimPrefix(rest, m.DataPrefix+"/")
	if subdir != "" && (rest == subdir || strings.HasPrefix(rest, subdir+"/")) {
		rest = strings.TrimPrefix(rest, subdir)
	}

	return path.Join(m.InputMount, m.DataPrefix, subdir, rest)
}

// MapResultsToCompute maps a results location to {outputMount}/{key}. The key
// is kept as is apart from a trailing slash.
func (m Mapper) MapResultsToCompute(storageResultsPath string) string {
	m = m.withDefaults()
	key := strings.Trim(storage.StripBucket(storageResultsPath), "/")
	if key == "" {
		return strings.TrimSuffix(m.OutputMount, "/")
	}
	return strings.TrimSuffix(m.OutputMount, "/") + "/" + key
}
