package super

import (
	"fmt"
	"log/slog"

	"github.com/jnwhiteh/sectorfs/bcache"
	"github.com/jnwhiteh/sectorfs/common"
)

const (
	NR_PRIMARY = 4
	NR_LOGICAL = 8
)

func readBootSector(cache *bcache.LRUCache, devno int, lba uint32) (*common.BootSector, error) {
	bp, err := cache.Read(devno, lba)
	if err != nil {
		return nil, err
	}
	defer cache.Put(bp)

	bs := new(common.BootSector)
	if err := bs.UnmarshalBinary(bp.Data); err != nil {
		return nil, err
	}
	return bs, nil
}

// Probe discovers the partitions of the disk mounted in the cache as devno.
// Primary partitions are named <disk>1 to <disk>4 and logical partitions
// inside an extended partition <disk>5 onwards. A disk without a partition
// table is a single partition named after the disk.
func Probe(cache *bcache.LRUCache, devno int, disk string, logger *slog.Logger) ([]*Partition, error) {
	dev := cache.Device(devno)
	if dev == nil {
		return nil, bcache.ErrNoDevice
	}
	if logger == nil {
		logger = slog.Default()
	}

	mbr, err := readBootSector(cache, devno, 0)
	if err != nil {
		return nil, fmt.Errorf("reading partition table of %s: %w", disk, err)
	}

	var parts []*Partition
	pno := 0
	if mbr.Signature == common.BOOT_SIGNATURE {
		for _, ent := range mbr.Table {
			switch ent.FSType {
			case 0:
			case common.PART_EXTENDED:
				logical, err := scanExtended(cache, devno, disk, ent.StartLBA, logger)
				if err != nil {
					return nil, err
				}
				parts = append(parts, logical...)
			default:
				if pno >= NR_PRIMARY {
					continue
				}
				pno++
				name := fmt.Sprintf("%s%d", disk, pno)
				parts = append(parts, NewPartition(name, devno, cache, ent.StartLBA, ent.SecCnt, logger))
			}
		}
	}

	if len(parts) == 0 {
		parts = append(parts, NewPartition(disk, devno, cache, 0, dev.Sectors(), logger))
	}
	for _, p := range parts {
		if uint64(p.StartLBA)+uint64(p.SecCnt) > uint64(dev.Sectors()) {
			return nil, fmt.Errorf("partition %s extends past the end of %s: %w", p, disk, common.EINVAL)
		}
		logger.Debug("found partition", "name", p.Name, "start", p.StartLBA, "sectors", p.SecCnt)
	}
	return parts, nil
}

// scanExtended follows the EBR chain of an extended partition. Logical
// partition starts are relative to their own EBR; links to the next EBR
// are relative to the start of the extended partition.
func scanExtended(cache *bcache.LRUCache, devno int, disk string, base uint32, logger *slog.Logger) ([]*Partition, error) {
	var parts []*Partition
	ebr := base
	seen := make(map[uint32]bool)
	for len(parts) < NR_LOGICAL && !seen[ebr] {
		seen[ebr] = true
		bs, err := readBootSector(cache, devno, ebr)
		if err != nil {
			return nil, fmt.Errorf("reading extended partition table at %d: %w", ebr, err)
		}
		next := uint32(0)
		for _, ent := range bs.Table {
			switch ent.FSType {
			case 0:
			case common.PART_EXTENDED:
				next = base + ent.StartLBA
			default:
				name := fmt.Sprintf("%s%d", disk, NR_PRIMARY+1+len(parts))
				parts = append(parts, NewPartition(name, devno, cache, ebr+ent.StartLBA, ent.SecCnt, logger))
			}
		}
		if next == 0 {
			break
		}
		ebr = next
	}
	return parts, nil
}

// WritePartitionTable writes a boot sector holding the given entries at lba.
func WritePartitionTable(cache *bcache.LRUCache, devno int, lba uint32, entries []common.PartitionEntry) error {
	if len(entries) > 4 {
		return common.EINVAL
	}
	bs := new(common.BootSector)
	copy(bs.Table[:], entries)
	bs.Signature = common.BOOT_SIGNATURE
	data, err := bs.MarshalBinary()
	if err != nil {
		return err
	}
	return cache.Write(devno, lba, data)
}

// SplitDisk divides a disk of the given size into n equal primary
// partitions after the MBR sector.
func SplitDisk(sectors uint32, n int) []common.PartitionEntry {
	if n < 1 || n > NR_PRIMARY || sectors < 2 {
		return nil
	}
	each := (sectors - 1) / uint32(n)
	entries := make([]common.PartitionEntry, n)
	for i := range entries {
		entries[i] = common.PartitionEntry{
			FSType:   common.PART_LINUX,
			StartLBA: 1 + uint32(i)*each,
			SecCnt:   each,
		}
	}
	return entries
}
