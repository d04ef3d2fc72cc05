package ufsfs

import "strings"

// pathKind classifies a resolved path by its depth, mirroring the
// original check_path return codes (0 root, 1 root-level item, 2
// subdirectory item; -1/-2 were its error codes, represented here as
// Errors instead of sentinel ints).
type pathKind int

const (
	pathRoot pathKind = iota
	pathRootItem
	pathNested
)

// parsedPath is the decomposition of a validated path.
type parsedPath struct {
	kind pathKind
	dir  string // directory component name, empty unless kind == pathNested
	name string
	ext  string
}

// splitNameExt splits "name.ext" into its components, at the last '.'.
func splitNameExt(component string) (name, ext string) {
	idx := strings.LastIndexByte(component, '.')
	if idx < 0 {
		return component, ""
	}
	return component[:idx], component[idx+1:]
}

// parsePath validates and decomposes a slash-separated path, enforcing
// the grammar from the original implementation: at most one directory
// level below the root, directory names must not contain '.', and name
// and extension components must fit MaxFilename/MaxExtension.
func parsePath(path string) (*parsedPath, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return &parsedPath{kind: pathRoot}, nil
	}

	parts := strings.Split(trimmed, "/")
	switch len(parts) {
	case 1:
		name, ext := splitNameExt(parts[0])
		if err := checkComponent(name, ext); err != nil {
			return nil, err
		}
		return &parsedPath{kind: pathRootItem, name: name, ext: ext}, nil
	case 2:
		dir := parts[0]
		if strings.ContainsRune(dir, '.') {
			return nil, newErr(KindInvalid, "parse_path", path, nil)
		}
		if len(dir) > MaxFilename {
			return nil, newErr(KindNameTooLong, "parse_path", path, nil)
		}
		name, ext := splitNameExt(parts[1])
		if err := checkComponent(name, ext); err != nil {
			return nil, err
		}
		return &parsedPath{kind: pathNested, dir: dir, name: name, ext: ext}, nil
	default:
		return nil, newErr(KindInvalid, "parse_path", path, nil)
	}
}

func checkComponent(name, ext string) error {
	if name == "" {
		return newErr(KindInvalid, "parse_path", name, nil)
	}
	if len(name) > MaxFilename || len(ext) > MaxExtension {
		return newErr(KindNameTooLong, "parse_path", name, nil)
	}
	return nil
}
