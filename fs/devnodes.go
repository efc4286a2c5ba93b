package fs

import (
	"io"

	"github.com/jnwhiteh/sectorfs/common"
	"github.com/jnwhiteh/sectorfs/dir"
	"github.com/jnwhiteh/sectorfs/super"
)

// rdevOf is the device number of the i'th probed partition.
func rdevOf(i int) uint32 {
	return common.MakeDev(common.DISK_MAJOR, uint32(i))
}

func (fs *FileSystem) partitionByRdev(rdev uint32) *super.Partition {
	if common.Major(rdev) != common.DISK_MAJOR {
		return nil
	}
	if i := int(common.Minor(rdev)); i < len(fs.parts) {
		return fs.parts[i]
	}
	return nil
}

// make_dev_nodes empties /dev of block special files, creating the
// directory if needed, then adds one node per partition. Stale nodes from
// another disk layout would otherwise name the wrong partitions.
func (fs *FileSystem) make_dev_nodes() error {
	kproc := newProcess(fs, -1)

	rec, err := fs.resolve(kproc, common.DEV_DIR)
	if err != nil {
		return err
	}
	rec.Close()
	switch {
	case !rec.Found:
		if err := fs.do_mkdir(kproc, common.DEV_DIR); err != nil {
			return err
		}
	case rec.Type != common.FT_DIRECTORY:
		return common.ENOTDIR
	default:
		d, err := dir.Open(fs.vol.itable, rec.Inum)
		if err != nil {
			return err
		}
		var stale []string
		for {
			ent, err := d.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				d.Close()
				return err
			}
			if ent.Type == common.FT_BLOCK_SPECIAL {
				stale = append(stale, ent.String())
			}
		}
		d.Close()
		for _, name := range stale {
			if err := fs.do_unlink(kproc, common.DEV_DIR+"/"+name); err != nil {
				return err
			}
		}
	}

	for i, part := range fs.parts {
		if err := fs.do_mknod(kproc, common.DEV_DIR+"/"+part.Name, common.FT_BLOCK_SPECIAL, rdevOf(i)); err != nil {
			return err
		}
	}
	fs.log.Debug("device nodes created", "dir", common.DEV_DIR, "partitions", len(fs.parts))
	return nil
}

// do_mount mounts the partition named by the block special file at path.
func (fs *FileSystem) do_mount(proc *Process, path string) error {
	st, err := fs.do_stat(proc, path)
	if err != nil {
		return err
	}
	if st.Type != common.FT_BLOCK_SPECIAL {
		return common.ENOTBLK
	}
	part := fs.partitionByRdev(st.Rdev)
	if part == nil {
		return common.ENXIO
	}
	return fs.mount(part)
}
