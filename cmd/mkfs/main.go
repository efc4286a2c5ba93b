// This command creates a disk image holding one or more empty sectorfs
// partitions.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/jnwhiteh/sectorfs/bcache"
	"github.com/jnwhiteh/sectorfs/common"
	"github.com/jnwhiteh/sectorfs/config"
	"github.com/jnwhiteh/sectorfs/debug"
	"github.com/jnwhiteh/sectorfs/device"
	"github.com/jnwhiteh/sectorfs/super"
)

func main() {
	app := cli.App{
		Name:        "mkfs",
		Usage:       "create a sectorfs disk image",
		Description: "create a disk image, optionally with an MBR partition table, and format every partition",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a YAML configuration file",
			},
			&cli.StringFlag{
				Name:    "image",
				Aliases: []string{"f"},
				Usage:   "the image filename (overrides the configuration)",
			},
			&cli.UintFlag{
				Name:    "sectors",
				Aliases: []string{"s"},
				Value:   8192,
				Usage:   "the size of the image in 512 byte sectors",
			},
			&cli.IntFlag{
				Name:    "partitions",
				Aliases: []string{"p"},
				Usage:   "split the image into this many primary partitions (0 for none)",
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "overwrite an existing image",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "print each superblock",
			},
		},
		Action: mkfs,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func mkfs(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return err
	}
	if image := ctx.String("image"); image != "" {
		cfg.Image = image
	}
	logger := cfg.Logger(os.Stderr)

	sectors := uint32(ctx.Uint("sectors"))
	nparts := ctx.Int("partitions")
	if nparts < 0 || nparts > super.NR_PRIMARY {
		return fmt.Errorf("partitions must be between 0 and %d: %w", super.NR_PRIMARY, common.EINVAL)
	}
	if _, err := os.Stat(cfg.Image); err == nil && !ctx.Bool("force") {
		return fmt.Errorf("image `%s` exists, use --force to overwrite: %w", cfg.Image, fs.ErrExist)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	dev, err := device.CreateFileDevice(cfg.Image, sectors)
	if err != nil {
		return err
	}
	defer dev.Close()

	cache := bcache.NewLRUCache(1, cfg.Buffers, cfg.HashBuckets, logger)
	if err := cache.MountDevice(0, dev); err != nil {
		return err
	}
	defer cache.UnmountDevice(0)

	if nparts > 0 {
		entries := super.SplitDisk(sectors, nparts)
		if entries == nil {
			return fmt.Errorf("cannot split %d sectors into %d partitions: %w", sectors, nparts, common.EINVAL)
		}
		if err := super.WritePartitionTable(cache, 0, 0, entries); err != nil {
			return err
		}
	}

	parts, err := super.Probe(cache, 0, cfg.Disk, logger)
	if err != nil {
		return err
	}
	for _, part := range parts {
		if err := part.Format(); err != nil {
			return fmt.Errorf("formatting %s: %w", part.Name, err)
		}
		sb, err := part.ReadSuperblock()
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s sectors, %s of data, %s inodes\n",
			part.Name,
			humanize.Comma(int64(sb.SecCnt)),
			humanize.IBytes(uint64(sb.DataBlocks())*common.BLOCK_SIZE),
			humanize.Comma(int64(sb.InodeCnt)),
		)
		if ctx.Bool("verbose") {
			debug.PrintSuperblock(os.Stdout, sb)
		}
	}
	fmt.Printf("wrote %s (%s)\n", cfg.Image, humanize.IBytes(uint64(sectors)*common.SECTOR_SIZE))
	return nil
}
