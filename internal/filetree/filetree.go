// Package filetree holds the project file tree and the merge engine that
// folds partial trees (patches) into it.
//
// On the wire a tree is a JSON object of name -> node, where a node is either
// {"file": {"contents": "..."}, "lastModified": "..."} or
// {"directory": {...}}. A node is exactly one of the two.
package filetree

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidNode = errors.New("filetree: node must be exactly one of file or directory")

type File struct {
	Contents string `json:"contents"`
}

// Node is a file or a directory. LastModified is only carried by files.
type Node struct {
	File         *File
	Directory    Tree
	LastModified *time.Time
}

type Tree map[string]Node

func NewFile(contents string) Node {
	return Node{File: &File{Contents: contents}}
}

func NewDirectory(children Tree) Node {
	if children == nil {
		children = Tree{}
	}
	return Node{Directory: children}
}

func (n Node) IsFile() bool { return n.File != nil }

func (n Node) IsDir() bool { return n.File == nil }

// Clone returns a deep copy of the node.
func (n Node) Clone() Node {
	if n.File != nil {
		out := Node{File: &File{Contents: n.File.Contents}}
		if n.LastModified != nil {
			ts := *n.LastModified
			out.LastModified = &ts
		}
		return out
	}
	return Node{Directory: n.Directory.Clone()}
}

// Clone returns a deep copy of the tree. A nil tree clones to an empty one.
func (t Tree) Clone() Tree {
	out := make(Tree, len(t))
	for name, node := range t {
		out[name] = node.Clone()
	}
	return out
}

// Files counts the file nodes in the tree, recursively.
func (t Tree) Files() int {
	n := 0
	for _, node := range t {
		if node.IsFile() {
			n++
			continue
		}
		n += node.Directory.Files()
	}
	return n
}

type fileJSON struct {
	File         *File      `json:"file"`
	LastModified *time.Time `json:"lastModified,omitempty"`
}

type dirJSON struct {
	Directory Tree `json:"directory"`
}

func (n Node) MarshalJSON() ([]byte, error) {
	if n.File != nil {
		return json.Marshal(fileJSON{File: n.File, LastModified: n.LastModified})
	}
	dir := n.Directory
	if dir == nil {
		dir = Tree{}
	}
	return json.Marshal(dirJSON{Directory: dir})
}

func (n *Node) UnmarshalJSON(data []byte) error {
	var raw struct {
		File         json.RawMessage `json:"file"`
		Directory    json.RawMessage `json:"directory"`
		LastModified *time.Time      `json:"lastModified"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	hasFile, hasDir := present(raw.File), present(raw.Directory)
	if hasFile == hasDir {
		return ErrInvalidNode
	}

	if hasFile {
		var f File
		if err := json.Unmarshal(raw.File, &f); err != nil {
			return fmt.Errorf("filetree: file node: %w", err)
		}
		*n = Node{File: &f, LastModified: raw.LastModified}
		return nil
	}

	var dir Tree
	if err := json.Unmarshal(raw.Directory, &dir); err != nil {
		return err
	}
	if dir == nil {
		dir = Tree{}
	}
	*n = Node{Directory: dir}
	return nil
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

// Parse decodes a tree and rejects malformed nodes at any depth.
func Parse(data []byte) (Tree, error) {
	var t Tree
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	if t == nil {
		t = Tree{}
	}
	return t, nil
}
