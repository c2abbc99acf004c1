package filetree

import (
	"path"
	"sort"
	"strings"
)

// Match is a node whose name matched a search.
type Match struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
}

// Search returns every node, at any depth, whose name contains query
// (case-insensitive), ordered by path.
func (t Tree) Search(query string) []Match {
	matches := []Match{}
	if query == "" {
		return matches
	}
	t.search(strings.ToLower(query), "", &matches)
	sort.Slice(matches, func(i, j int) bool { return matches[i].Path < matches[j].Path })
	return matches
}

func (t Tree) search(query, dir string, out *[]Match) {
	for name, node := range t {
		p := path.Join(dir, name)
		if strings.Contains(strings.ToLower(name), query) {
			kind := "directory"
			if node.IsFile() {
				kind = "file"
			}
			*out = append(*out, Match{Name: name, Path: p, Type: kind})
		}
		if node.IsDir() {
			node.Directory.search(query, p, out)
		}
	}
}
