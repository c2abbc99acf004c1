package filetree

import "time"

// Merge folds source into target and returns a new tree; neither input is
// modified.
//
// Keys only in target are kept and keys only in source are added as-is. When
// both sides hold a directory the two are merged recursively. Any other
// collision is won by source; the winning file is stamped with the source's
// LastModified, or now when the source carries none. A source file that
// leaves the target file's contents unchanged and has no stamp of its own
// does not touch the target node, so re-applying a patch is a no-op.
func Merge(target, source Tree, now time.Time) Tree {
	out := target.Clone()
	for name, src := range source {
		dst, ok := out[name]
		switch {
		case !ok:
			out[name] = src.Clone()
		case dst.IsDir() && src.IsDir():
			out[name] = Node{Directory: Merge(dst.Directory, src.Directory, now)}
		default:
			out[name] = replace(dst, src, now)
		}
	}
	return out
}

func replace(dst, src Node, now time.Time) Node {
	if src.IsDir() {
		return src.Clone()
	}
	if src.LastModified == nil && dst.IsFile() && dst.File.Contents == src.File.Contents {
		return dst
	}

	n := src.Clone()
	if n.LastModified == nil {
		stamp := now
		n.LastModified = &stamp
	}
	return n
}
