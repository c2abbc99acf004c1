package filetree

import "testing"

func TestSearch(t *testing.T) {
	tree := Tree{
		"app.js": NewFile("x"),
		"src": NewDirectory(Tree{
			"App.jsx": NewFile("y"),
			"apps":    NewDirectory(Tree{"main.go": NewFile("z")}),
		}),
	}

	got := tree.Search("APP")
	want := []Match{
		{Name: "app.js", Path: "app.js", Type: "file"},
		{Name: "App.jsx", Path: "src/App.jsx", Type: "file"},
		{Name: "apps", Path: "src/apps", Type: "directory"},
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d matches, got %+v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Match %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}

	if got := tree.Search(""); len(got) != 0 {
		t.Errorf("Expected no matches for empty query, got %+v", got)
	}
}
