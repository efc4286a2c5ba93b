// This command checks the consistency of the sectorfs partitions on a disk
// image. It never changes the image.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/jnwhiteh/sectorfs/bcache"
	"github.com/jnwhiteh/sectorfs/common"
	"github.com/jnwhiteh/sectorfs/config"
	"github.com/jnwhiteh/sectorfs/device"
	"github.com/jnwhiteh/sectorfs/fsck"
	"github.com/jnwhiteh/sectorfs/super"
)

func main() {
	app := cli.App{
		Name:        "fsck",
		Usage:       "check a sectorfs disk image",
		Description: "walk the directory tree of each partition and compare it with the allocation bitmaps",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a YAML configuration file",
			},
			&cli.StringFlag{
				Name:    "image",
				Aliases: []string{"f"},
				Usage:   "the disk image to check (overrides the configuration)",
			},
			&cli.StringFlag{
				Name:    "partition",
				Aliases: []string{"p"},
				Usage:   "check only this partition",
			},
		},
		Action: check,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func check(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return err
	}
	if image := ctx.String("image"); image != "" {
		cfg.Image = image
	}
	logger := cfg.Logger(os.Stderr)

	dev, err := device.NewFileDevice(cfg.Image)
	if err != nil {
		return err
	}
	defer dev.Close()

	cache := bcache.NewLRUCache(1, cfg.Buffers, cfg.HashBuckets, logger)
	if err := cache.MountDevice(0, dev); err != nil {
		return err
	}
	defer cache.UnmountDevice(0)

	parts, err := super.Probe(cache, 0, cfg.Disk, logger)
	if err != nil {
		return err
	}
	if name := ctx.String("partition"); name != "" {
		var found []*super.Partition
		for _, p := range parts {
			if p.Name == name {
				found = append(found, p)
			}
		}
		if len(found) == 0 {
			return fmt.Errorf("partition %s: %w", name, common.ENOENT)
		}
		parts = found
	}

	reports, err := fsck.CheckAll(ctx.Context, parts)
	if err != nil {
		return err
	}

	dirty := 0
	for i, r := range reports {
		if r == nil {
			fmt.Printf("%s: not formatted\n\n", parts[i].Name)
			continue
		}
		r.Print(os.Stdout)
		fmt.Println()
		if !r.Clean() {
			dirty++
		}
	}
	if dirty > 0 {
		return cli.Exit(fmt.Sprintf("%d partition(s) need cleaning", dirty), 1)
	}
	return nil
}
