package ai

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pliu/devfusion/internal/apperr"
	"github.com/pliu/devfusion/internal/filetree"
)

type ReplyKind string

const (
	KindText          ReplyKind = "text"
	KindFileTreePatch ReplyKind = "fileTreePatch"
)

// Reply is a validated completion. Tree is set only for KindFileTreePatch.
type Reply struct {
	Kind ReplyKind
	Body string
	Tree filetree.Tree
}

type wireReply struct {
	Text     *string         `json:"text"`
	FileTree json.RawMessage `json:"fileTree,omitempty"`
}

// ParseReply validates a raw completion. The completion must be one JSON
// object with a "text" string and an optional "fileTree" object; anything
// else is a generation error.
func ParseReply(raw string) (Reply, error) {
	var w wireReply
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	if err := dec.Decode(&w); err != nil {
		return Reply{}, fmt.Errorf("malformed reply: %w: %w", apperr.ErrGeneration, err)
	}
	if dec.More() {
		return Reply{}, fmt.Errorf("malformed reply: trailing data: %w", apperr.ErrGeneration)
	}
	if w.Text == nil {
		return Reply{}, fmt.Errorf("malformed reply: missing text: %w", apperr.ErrGeneration)
	}

	reply := Reply{Kind: KindText, Body: *w.Text}
	if len(w.FileTree) == 0 || bytes.Equal(w.FileTree, []byte("null")) {
		return reply, nil
	}

	tree, err := filetree.Parse(w.FileTree)
	if err != nil {
		return Reply{}, fmt.Errorf("malformed file tree: %w: %w", apperr.ErrGeneration, err)
	}
	if len(tree) > 0 {
		reply.Kind = KindFileTreePatch
		reply.Tree = tree
	}
	return reply, nil
}

// Message renders the reply as the chat message stored and broadcast for it.
func (r Reply) Message() string {
	w := struct {
		Text     string        `json:"text"`
		FileTree filetree.Tree `json:"fileTree,omitempty"`
	}{Text: r.Body, FileTree: r.Tree}
	data, err := json.Marshal(w)
	if err != nil {
		return r.Body
	}
	return string(data)
}
