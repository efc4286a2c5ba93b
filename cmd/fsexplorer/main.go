// This command explores and edits a sectorfs disk image through the file
// system's own system calls.
package main

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"github.com/zeebo/blake3"

	"github.com/jnwhiteh/sectorfs/common"
	"github.com/jnwhiteh/sectorfs/config"
	"github.com/jnwhiteh/sectorfs/debug"
	"github.com/jnwhiteh/sectorfs/fs"
)

func main() {
	app := cli.App{
		Name:        "fsexplorer",
		Usage:       "explore a sectorfs disk image",
		Description: "list, read and modify files on a sectorfs disk image",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a YAML configuration file",
			},
			&cli.StringFlag{
				Name:    "image",
				Aliases: []string{"f"},
				Usage:   "the disk image (overrides the configuration)",
			},
			&cli.StringFlag{
				Name:    "partition",
				Aliases: []string{"p"},
				Usage:   "the partition to mount (overrides the configuration)",
			},
		},
		Commands: []*cli.Command{{
			Name:      "ls",
			Usage:     "list a directory",
			ArgsUsage: "[DIR]",
			Action: withFS(func(proc *fs.Process, ctx *cli.Context) error {
				return ls(proc, argOr(ctx, "/"))
			}),
		}, {
			Name:      "tree",
			Usage:     "list a directory recursively",
			ArgsUsage: "[DIR]",
			Action: withFS(func(proc *fs.Process, ctx *cli.Context) error {
				return tree(proc, argOr(ctx, "/"), "")
			}),
		}, {
			Name:      "cat",
			Usage:     "print a file",
			ArgsUsage: "FILE",
			Action: withFS(func(proc *fs.Process, ctx *cli.Context) error {
				return cat(proc, ctx.Args().First(), os.Stdout)
			}),
		}, {
			Name:      "put",
			Aliases:   []string{"cp"},
			Usage:     "copy a host file into the image",
			ArgsUsage: "SRC DST",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "verify",
					Usage: "read the file back and compare digests",
				},
			},
			Action: withFS(func(proc *fs.Process, ctx *cli.Context) error {
				if ctx.NArg() != 2 {
					return cli.ShowSubcommandHelp(ctx)
				}
				return put(proc, ctx.Args().Get(0), ctx.Args().Get(1), ctx.Bool("verify"))
			}),
		}, {
			Name:      "mkdir",
			Usage:     "create directories",
			ArgsUsage: "DIR...",
			Action: withFS(func(proc *fs.Process, ctx *cli.Context) error {
				return each(ctx, proc.Mkdir)
			}),
		}, {
			Name:      "rmdir",
			Usage:     "remove empty directories",
			ArgsUsage: "DIR...",
			Action: withFS(func(proc *fs.Process, ctx *cli.Context) error {
				return each(ctx, proc.Rmdir)
			}),
		}, {
			Name:      "rm",
			Aliases:   []string{"unlink"},
			Usage:     "remove files",
			ArgsUsage: "FILE...",
			Action: withFS(func(proc *fs.Process, ctx *cli.Context) error {
				return each(ctx, proc.Unlink)
			}),
		}, {
			Name:      "stat",
			Usage:     "describe files",
			ArgsUsage: "PATH...",
			Action: withFS(func(proc *fs.Process, ctx *cli.Context) error {
				return each(ctx, func(p string) error {
					st, err := proc.Stat(p)
					if err != nil {
						return err
					}
					fmt.Printf("%s: inode %d, %s, %s", p, st.Ino, st.Type, humanize.IBytes(uint64(st.Size)))
					if st.Type == common.FT_CHAR_SPECIAL || st.Type == common.FT_BLOCK_SPECIAL {
						fmt.Printf(", device %#x", st.Rdev)
					}
					fmt.Println()
					return nil
				})
			}),
		}, {
			Name:      "sum",
			Usage:     "print the BLAKE3 digest of files",
			ArgsUsage: "FILE...",
			Action: withFS(func(proc *fs.Process, ctx *cli.Context) error {
				return each(ctx, func(p string) error {
					h := blake3.New()
					if err := cat(proc, p, h); err != nil {
						return err
					}
					fmt.Printf("%s  %s\n", hex.EncodeToString(h.Sum(nil)), p)
					return nil
				})
			}),
		}, {
			Name:  "df",
			Usage: "show space used on every partition",
			Action: withSys(func(sys *fs.FileSystem, _ *fs.Process, ctx *cli.Context) error {
				infos, err := sys.DiskInfo()
				if err != nil {
					return err
				}
				for _, info := range infos {
					mark := " "
					if info.Mounted {
						mark = "*"
					}
					fmt.Print(mark)
					if !info.Formatted {
						fmt.Printf("%s: not formatted (magic %#x), %s\n", info.Name, info.Magic, humanize.IBytes(uint64(info.Sectors)*common.SECTOR_SIZE))
						continue
					}
					debug.PrintUsage(os.Stdout, info.Name, info.Usage)
				}
				return nil
			}),
		}, {
			Name:  "super",
			Usage: "print the superblock of the mounted partition",
			Action: withSys(func(sys *fs.FileSystem, _ *fs.Process, ctx *cli.Context) error {
				sb, err := sys.Superblock()
				if err != nil {
					return err
				}
				debug.PrintSuperblock(os.Stdout, sb)
				return nil
			}),
		}},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// withSys opens the image named by the configuration and global flags,
// runs fn and shuts the file system down again.
func withSys(fn func(*fs.FileSystem, *fs.Process, *cli.Context) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		cfg, err := config.Load(ctx.String("config"))
		if err != nil {
			return err
		}
		if image := ctx.String("image"); image != "" {
			cfg.Image = image
		}
		if part := ctx.String("partition"); part != "" {
			cfg.Partition = part
		}

		sys, proc, err := fs.OpenImage(cfg.Image, cfg.Options(cfg.Logger(os.Stderr)))
		if err != nil {
			return err
		}
		err = fn(sys, proc, ctx)
		proc.Exit()
		if serr := sys.Shutdown(); serr != nil {
			err = errors.Join(err, serr)
		}
		return err
	}
}

func withFS(fn func(*fs.Process, *cli.Context) error) cli.ActionFunc {
	return withSys(func(_ *fs.FileSystem, proc *fs.Process, ctx *cli.Context) error {
		return fn(proc, ctx)
	})
}

func argOr(ctx *cli.Context, def string) string {
	if ctx.NArg() > 0 {
		return ctx.Args().First()
	}
	return def
}

// each applies fn to every argument, stopping at the first error.
func each(ctx *cli.Context, fn func(string) error) error {
	if ctx.NArg() == 0 {
		return cli.ShowSubcommandHelp(ctx)
	}
	for _, arg := range ctx.Args().Slice() {
		if err := fn(arg); err != nil {
			return fmt.Errorf("%s: %w", arg, err)
		}
	}
	return nil
}

func readdir(proc *fs.Process, dir string) ([]common.DirEntry, error) {
	fd, err := proc.Opendir(dir)
	if err != nil {
		return nil, err
	}
	defer proc.Closedir(fd)

	var ents []common.DirEntry
	for {
		ent, err := proc.Readdir(fd)
		if err == io.EOF {
			return ents, nil
		}
		if err != nil {
			return nil, err
		}
		ents = append(ents, ent)
	}
}

func ls(proc *fs.Process, dir string) error {
	ents, err := readdir(proc, dir)
	if err != nil {
		return err
	}
	for _, ent := range ents {
		st, err := proc.Stat(path.Join(dir, ent.String()))
		if err != nil {
			return err
		}
		fmt.Printf("%6d %-9s %10s %s\n", ent.Inum, ent.Type, humanize.Comma(int64(st.Size)), ent)
	}
	return nil
}

func tree(proc *fs.Process, dir, indent string) error {
	if indent == "" {
		fmt.Println(dir)
	}
	ents, err := readdir(proc, dir)
	if err != nil {
		return err
	}
	for _, ent := range ents {
		name := ent.String()
		if name == "." || name == ".." {
			continue
		}
		if ent.Type != common.FT_DIRECTORY {
			fmt.Printf("%s  %s\n", indent, name)
			continue
		}
		fmt.Printf("%s  %s/\n", indent, name)
		if err := tree(proc, path.Join(dir, name), indent+"  "); err != nil {
			return err
		}
	}
	return nil
}

// cat copies a file from the image to w.
func cat(proc *fs.Process, name string, w io.Writer) error {
	fd, err := proc.Open(name, common.O_RDONLY)
	if err != nil {
		return err
	}
	defer proc.Close(fd)

	buf := make([]byte, 8*common.BLOCK_SIZE)
	for {
		n, err := proc.Read(fd, buf)
		if _, werr := w.Write(buf[:n]); werr != nil {
			return werr
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func put(proc *fs.Process, src, dst string, verify bool) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if len(data) > common.MAX_FILE_SIZE {
		return fmt.Errorf("%s is %s, the limit is %s: %w", src,
			humanize.IBytes(uint64(len(data))), humanize.IBytes(common.MAX_FILE_SIZE), common.EFBIG)
	}
	if strings.HasSuffix(dst, "/") {
		dst += path.Base(src)
	}

	fd, err := proc.Creat(dst)
	if err != nil {
		return err
	}
	n, err := proc.Write(fd, data)
	if cerr := proc.Close(fd); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("wrote %d of %d bytes: %w", n, len(data), err)
	}

	if verify {
		var back bytes.Buffer
		if err := cat(proc, dst, &back); err != nil {
			return err
		}
		want, got := blake3.Sum256(data), blake3.Sum256(back.Bytes())
		if want != got {
			return fmt.Errorf("%s reads back with digest %x, expected %x: %w", dst, got, want, common.ECORRUPT)
		}
	}
	fmt.Printf("%s -> %s (%s)\n", src, dst, humanize.IBytes(uint64(len(data))))
	return nil
}
