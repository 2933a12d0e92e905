package pathutil

import (
	"fmt"
	"path"
	"strings"
)

// GuestPath joins name under the guest root using forward slashes, the only
// separator WASI guests understand. Names that would climb out of root are
// rejected.
func GuestPath(root, name string) (string, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		root = "/"
	}
	if !strings.HasPrefix(root, "/") {
		return "", fmt.Errorf("guest root %q must be absolute", root)
	}
	root = path.Clean(root)

	name = strings.TrimSpace(name)
	if name == "" {
		return root, nil
	}
	if strings.HasPrefix(name, "/") {
		cleaned := path.Clean(name)
		if !Within(root, cleaned) {
			return "", fmt.Errorf("guest path %q is outside root %q", name, root)
		}
		return cleaned, nil
	}

	joined := path.Join(root, name)
	if !Within(root, joined) {
		return "", fmt.Errorf("guest path %q escapes root %q", name, root)
	}
	return joined, nil
}

// Within reports whether the slash-separated path p equals root or lies below it.
func Within(root, p string) bool {
	root = path.Clean(root)
	p = path.Clean(p)
	if root == "/" {
		return strings.HasPrefix(p, "/")
	}
	return p == root || strings.HasPrefix(p, root+"/")
}
