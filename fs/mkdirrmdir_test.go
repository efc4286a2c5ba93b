package fs

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnwhiteh/sectorfs/common"
	"github.com/jnwhiteh/sectorfs/dir"
	"github.com/jnwhiteh/sectorfs/testutils"
)

// Make a new directory on the file system, ensure that it is given the
// appropriate number/contents, then rmdir the file and check that the file
// system is returned to its initial state.
func TestMkdir(test *testing.T) {
	fs, proc := OpenTestFS(test)
	defer fs.Shutdown()

	blocks, inodes := usage(test, fs)

	err := proc.Mkdir("/new_directory")
	if err != nil {
		testutils.FatalHere(test, "Failed when creating new directory: %s", err)
	}

	rec, err := fs.Lookup(proc, "/new_directory")
	if err != nil {
		testutils.FatalHere(test, "Failed when looking up new directory: %s", err)
	}
	if rec.Inum != 1 {
		testutils.ErrorHere(test, "Inum mismatch expected %d, got %d", 1, rec.Inum)
	}
	if rec.Type != common.FT_DIRECTORY {
		testutils.ErrorHere(test, "New directory is not a directory")
	}

	d, err := dir.Open(fs.vol.itable, rec.Inum)
	require.NoError(test, err)
	dot, ok, err := d.Search(".")
	require.NoError(test, err)
	if !ok || dot.Inum != rec.Inum {
		testutils.ErrorHere(test, "Current directory . lookup gave %v %d", ok, dot.Inum)
	}
	dotdot, ok, err := d.Search("..")
	require.NoError(test, err)
	if !ok || dotdot.Inum != common.ROOT_INODE {
		testutils.ErrorHere(test, "Parent directory .. lookup gave %v %d", ok, dotdot.Inum)
	}
	if d.Inode.Size != 2*common.DIRENT_SIZE {
		testutils.ErrorHere(test, "Directory size mismatch expected %d, got %d", 2*common.DIRENT_SIZE, d.Inode.Size)
	}
	d.Close()

	b, i := usage(test, fs)
	assert.Equal(test, blocks+1, b)
	assert.Equal(test, inodes+1, i)

	err = proc.Rmdir("/new_directory")
	if err != nil {
		testutils.FatalHere(test, "Failed when removing directory: %s", err)
	}
	b, i = usage(test, fs)
	assert.Equal(test, blocks, b)
	assert.Equal(test, inodes, i)
}

func TestMkdirErrors(test *testing.T) {
	fs, proc := OpenTestFS(test)
	defer fs.Shutdown()
	require.NoError(test, proc.Mkdir("/a"))
	writeFile(test, proc, "/f", nil)

	assert.Equal(test, common.EEXIST, proc.Mkdir("/a"))
	assert.Equal(test, common.EEXIST, proc.Mkdir("/f"))
	assert.Equal(test, common.EEXIST, proc.Mkdir("/"))
	assert.Equal(test, common.ENOENT, proc.Mkdir("/x/y"))
	assert.Equal(test, common.ENOTDIR, proc.Mkdir("/f/y"))
	assert.Equal(test, common.ENAMETOOLONG, proc.Mkdir("/abcdefghijklmnopq"))
}

func TestRmdirErrors(test *testing.T) {
	fs, proc := OpenTestFS(test)
	defer fs.Shutdown()
	require.NoError(test, proc.Mkdir("/a"))
	require.NoError(test, proc.Mkdir("/a/b"))
	writeFile(test, proc, "/f", nil)

	assert.Equal(test, common.ENOTEMPTY, proc.Rmdir("/a"))
	assert.Equal(test, common.ENOTDIR, proc.Rmdir("/f"))
	assert.Equal(test, common.ENOENT, proc.Rmdir("/missing"))
	assert.Equal(test, common.EBUSY, proc.Rmdir("/"))
	assert.Equal(test, common.EINVAL, proc.Rmdir("/a/b/."))
	assert.Equal(test, common.EINVAL, proc.Rmdir("/a/b/.."))

	require.NoError(test, proc.Rmdir("/a/b"))
	require.NoError(test, proc.Rmdir("/a"))
}

// A directory that is in use cannot be removed
func TestRmdirBusy(test *testing.T) {
	fs, proc := OpenTestFS(test)
	defer fs.Shutdown()
	require.NoError(test, proc.Mkdir("/a"))

	child, err := proc.Fork()
	require.NoError(test, err)
	require.NoError(test, child.Chdir("/a"))
	assert.Equal(test, common.EBUSY, proc.Rmdir("/a"))
	child.Exit()

	fd, err := proc.Opendir("/a")
	require.NoError(test, err)
	assert.Equal(test, common.EBUSY, proc.Rmdir("/a"))
	require.NoError(test, proc.Closedir(fd))

	assert.NoError(test, proc.Rmdir("/a"))
}

// Fill a directory past its first block, then empty it again
func TestDirectoryGrowsAndShrinks(test *testing.T) {
	fs, proc := OpenTestFS(test)
	defer fs.Shutdown()
	require.NoError(test, proc.Mkdir("/d"))
	blocks, _ := usage(test, fs)

	names := make([]string, common.DIRENTS_PER_BLOCK)
	for i := range names {
		names[i] = string(rune('a'+i%26)) + string(rune('0'+i/26))
		writeFile(test, proc, "/d/"+names[i], nil)
	}
	// "." and ".." take two slots of the first block
	b, _ := usage(test, fs)
	assert.Equal(test, blocks+1, b)

	for _, name := range names {
		require.NoError(test, proc.Unlink("/d/"+name))
	}
	b, _ = usage(test, fs)
	assert.Equal(test, blocks, b)
	require.NoError(test, proc.Rmdir("/d"))
}

func TestReaddir(test *testing.T) {
	fs, proc := OpenTestFS(test)
	defer fs.Shutdown()
	require.NoError(test, proc.Mkdir("/d"))
	writeFile(test, proc, "/d/one", nil)
	require.NoError(test, proc.Mkdir("/d/two"))

	fd, err := proc.Opendir("/d")
	require.NoError(test, err)

	readAll := func() []string {
		var names []string
		for {
			ent, err := proc.Readdir(fd)
			if err == io.EOF {
				return names
			}
			require.NoError(test, err)
			names = append(names, ent.String())
		}
	}
	assert.Equal(test, []string{".", "..", "one", "two"}, readAll())
	assert.Empty(test, readAll())

	require.NoError(test, proc.Rewinddir(fd))
	assert.Len(test, readAll(), 4)

	// Directory descriptors do not take file calls
	_, err = proc.Read(fd, make([]byte, 1))
	assert.Equal(test, common.EBADF, err)
	_, err = proc.Lseek(fd, 0, common.SEEK_SET)
	assert.Equal(test, common.EBADF, err)
	require.NoError(test, proc.Closedir(fd))

	_, err = proc.Opendir("/d/one")
	assert.Equal(test, common.ENOTDIR, err)

	fd, err = proc.Open("/d/one", common.O_RDONLY)
	require.NoError(test, err)
	_, err = proc.Readdir(fd)
	assert.Equal(test, common.ENOTDIR, err)
	require.NoError(test, proc.Close(fd))
}
