// Package debug prints on-disk records in a form people can read.
package debug

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/jnwhiteh/sectorfs/common"
	"github.com/jnwhiteh/sectorfs/super"
)

func size(sectors uint32) string {
	return humanize.IBytes(uint64(sectors) * common.SECTOR_SIZE)
}

func PrintSuperblock(w io.Writer, sb *common.Superblock) {
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	fmt.Fprintf(tw, "magic\t%#x\n", sb.Magic)
	fmt.Fprintf(tw, "volume\t%s\n", uuid.UUID(sb.VolumeID))
	fmt.Fprintf(tw, "sectors\t%s (%s)\n", humanize.Comma(int64(sb.SecCnt)), size(sb.SecCnt))
	fmt.Fprintf(tw, "inodes\t%s\n", humanize.Comma(int64(sb.InodeCnt)))
	fmt.Fprintf(tw, "base\t%d\n", sb.PartLBABase)
	fmt.Fprintf(tw, "block bitmap\t%d+%d\n", sb.BlockBitmapLBA, sb.BlockBitmapSects)
	fmt.Fprintf(tw, "inode bitmap\t%d+%d\n", sb.InodeBitmapLBA, sb.InodeBitmapSects)
	fmt.Fprintf(tw, "inode table\t%d+%d\n", sb.InodeTableLBA, sb.InodeTableSects)
	fmt.Fprintf(tw, "data\t%d+%d (%s)\n", sb.DataStartLBA, sb.DataBlocks(), size(sb.DataBlocks()))
	fmt.Fprintf(tw, "root inode\t%d\n", sb.RootInodeNo)
	tw.Flush()
}

// PrintInode shows an inode's size, type and block pointers. Device inodes
// show their device id instead of pointers.
func PrintInode(w io.Writer, inum uint32, di *common.DiskInode) {
	fmt.Fprintf(w, "inode %d: %s, %s", inum, di.Type, humanize.IBytes(uint64(di.Size)))
	if !di.Type.OwnsBlocks() {
		fmt.Fprintf(w, ", rdev %#x\n", di.Rdev())
		return
	}
	fmt.Fprintf(w, "\n  direct   %v\n", di.Sectors[:common.NR_DIRECT])
	if ind := di.Sectors[common.INDIRECT_SLOT]; ind != common.NO_BLOCK {
		fmt.Fprintf(w, "  indirect %d\n", ind)
	}
}

// PrintDirBlock lists the live entries of a directory block.
func PrintDirBlock(w io.Writer, data []byte) {
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', tabwriter.AlignRight)
	fmt.Fprintf(tw, "SLOT\tINODE\tTYPE\tNAME\t\n")
	for i, ent := range common.DirBlock(data) {
		if ent.Free() {
			continue
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%q\t\n", i, ent.Inum, ent.Type, ent.String())
	}
	tw.Flush()
}

func PrintUsage(w io.Writer, name string, u super.Usage) {
	pct := 0.0
	if u.Blocks > 0 {
		pct = 100 * float64(u.UsedBlocks()) / float64(u.Blocks)
	}
	fmt.Fprintf(w, "%s: %s of %s used (%.1f%%), %s free; inodes %s of %s used\n",
		name,
		humanize.IBytes(uint64(u.UsedBlocks())*common.BLOCK_SIZE),
		humanize.IBytes(uint64(u.Blocks)*common.BLOCK_SIZE),
		pct,
		humanize.IBytes(uint64(u.FreeBlocks)*common.BLOCK_SIZE),
		humanize.Comma(int64(u.UsedInodes())),
		humanize.Comma(int64(u.Inodes)),
	)
}
