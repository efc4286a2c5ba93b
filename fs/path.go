package fs

import (
	"strings"

	"github.com/jnwhiteh/sectorfs/common"
	"github.com/jnwhiteh/sectorfs/dir"
)

// Record is what a path search found. Searched holds the components that
// were looked up, which is the whole path unless the search stopped early.
// Parent is the directory the final component was looked up in (for a path
// naming a directory, that directory's parent); the caller closes it.
type Record struct {
	Searched string
	Parent   *dir.Dir
	Type     common.FileType
	Inum     uint32
	Found    bool
}

func (rec *Record) Close() {
	if rec.Parent != nil {
		rec.Parent.Close()
		rec.Parent = nil
	}
}

// Name is the last component searched.
func (rec *Record) Name() string {
	return rec.Searched[strings.LastIndexByte(rec.Searched, '/')+1:]
}

func components(path string) []string {
	return strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
}

// Depth counts the components of a path.
func Depth(path string) int {
	return len(components(path))
}

func isRoot(path string) bool {
	return path == "/" || path == "/." || path == "/.."
}

// search walks path from the root or the process's working directory. It
// does not fail when a component is missing or is not a directory; it
// stops and reports how far it got.
func (fs *FileSystem) search(proc *Process, path string) (*Record, error) {
	if fs.vol == nil {
		return nil, common.EINVAL
	}
	if path == "" {
		return nil, common.ENOENT
	}
	if len(path) >= common.MAX_PATH_LEN {
		return nil, common.ENAMETOOLONG
	}
	itable := fs.vol.itable
	rootInum := fs.vol.part.SB.RootInodeNo

	if isRoot(path) || Depth(path) == 0 {
		parent, err := dir.Open(itable, rootInum)
		if err != nil {
			return nil, err
		}
		rec := &Record{Parent: parent, Type: common.FT_DIRECTORY, Inum: rootInum, Found: true}
		if Depth(path) != 0 {
			// "/." and "/.." are one component deep like any other name
			rec.Searched = "/" + lastName(path)
		}
		return rec, nil
	}

	start := proc.cwd
	if path[0] == '/' {
		start = rootInum
	}
	parent, err := dir.Open(itable, start)
	if err != nil {
		return nil, err
	}
	rec := &Record{Parent: parent}
	grandparent := start
	var searched strings.Builder

	for _, name := range components(path) {
		if len(name) > common.MAX_FILE_NAME_LEN {
			rec.Close()
			return nil, common.ENAMETOOLONG
		}
		searched.WriteByte('/')
		searched.WriteString(name)
		rec.Searched = searched.String()

		ent, ok, err := rec.Parent.Search(name)
		if err != nil {
			rec.Close()
			return nil, err
		}
		if !ok {
			return rec, nil
		}
		if ent.Type != common.FT_DIRECTORY {
			rec.Type, rec.Inum, rec.Found = ent.Type, ent.Inum, true
			return rec, nil
		}

		next, err := dir.Open(itable, ent.Inum)
		if err != nil {
			rec.Close()
			return nil, err
		}
		grandparent = rec.Parent.Inum()
		rec.Parent.Close()
		rec.Parent = next
		rec.Inum = ent.Inum
	}

	// The path named a directory: report it with its parent
	rec.Parent.Close()
	if rec.Parent, err = dir.Open(itable, grandparent); err != nil {
		return nil, err
	}
	rec.Type, rec.Found = common.FT_DIRECTORY, true
	return rec, nil
}

// resolve is search for callers that need every directory on the way to
// exist. A missing final component is not an error: Found is false and
// Parent is where it would be created. A missing directory gives ENOENT and
// a non-directory in the middle ENOTDIR; the record is still returned, with
// Parent closed, so the caller can see how far the search got.
func (fs *FileSystem) resolve(proc *Process, path string) (*Record, error) {
	rec, err := fs.search(proc, path)
	if err != nil {
		return nil, err
	}
	if Depth(rec.Searched) < Depth(path) {
		rec.Close()
		if rec.Found {
			return rec, common.ENOTDIR
		}
		return rec, common.ENOENT
	}
	return rec, nil
}

// Lookup resolves path for proc and reports what it names.
func (fs *FileSystem) Lookup(proc *Process, path string) (Record, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rec, err := fs.resolve(proc, path)
	if rec == nil {
		return Record{}, err
	}
	rec.Close()
	return *rec, err
}
