package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// DataFileExt is the extension of raw point-data files.
const DataFileExt = ".exdata"

// Subject is one directory of raw point data under the batch root.
type Subject struct {
	ID        string   // directory name
	Dir       string
	DataFiles []string // sorted *.exdata paths
}

// DiscoverSubjects returns every child directory of root that holds at least
// one data file, sorted by ID.
func DiscoverSubjects(root string) ([]Subject, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading subject root: %w", err)
	}

	var subjects []Subject
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		files, err := filepath.Glob(filepath.Join(dir, "*"+DataFileExt))
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			continue
		}
		sort.Strings(files)
		subjects = append(subjects, Subject{ID: e.Name(), Dir: dir, DataFiles: files})
	}
	sort.Slice(subjects, func(i, j int) bool { return subjects[i].ID < subjects[j].ID })
	return subjects, nil
}

// FilterSubjects keeps only the subjects whose ID is in ids. An empty ids
// keeps everything.
func FilterSubjects(subjects []Subject, ids ...string) []Subject {
	if len(ids) == 0 {
		return subjects
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []Subject
	for _, s := range subjects {
		if want[s.ID] {
			out = append(out, s)
		}
	}
	return out
}
