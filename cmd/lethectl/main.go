// lethectl is a small command-line harness for exercising a Lethe
// instance rooted at a directory: create objects, read and write their
// content, truncate them, commit state, and inspect their
// metadata.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/lemosyne/lethe"
	"github.com/lemosyne/lethe/enclave"
	"github.com/lemosyne/lethe/internal/xlog"
	"github.com/lemosyne/lethe/objstore"
)

var (
	rootFlag = &cli.StringFlag{
		Name:     "root",
		Aliases:  []string{"r"},
		Usage:    "directory holding the backing store and enclave",
		Required: true,
	}
	blockSizeFlag = &cli.Uint64Flag{
		Name:  "block-size",
		Usage: "block size in bytes for init; it is not stored under root, and the other commands use 4096",
		Value: 4096,
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "loglevel",
		Usage: "log level: debug, info, warn, error",
		Value: "info",
	}
)

func main() {
	app := &cli.App{
		Name:  "lethectl",
		Usage: "drive a Lethe cryptographic storage instance from the shell",
		Flags: []cli.Flag{logLevelFlag},
		Before: func(c *cli.Context) error {
			xlog.SetLevel(c.String("loglevel"))
			return nil
		},
		Commands: []*cli.Command{
			initCmd,
			createCmd,
			writeCmd,
			readCmd,
			truncateCmd,
			commitCmd,
			statCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		xlog.Crit("lethectl: fatal", "err", err)
	}
}

var initCmd = &cli.Command{
	Name:      "init",
	Usage:     "create a fresh store and enclave under root",
	ArgsUsage: " ",
	Flags:     []cli.Flag{rootFlag, blockSizeFlag},
	Action: func(c *cli.Context) error {
		l, err := open(c)
		if err != nil {
			return err
		}
		defer l.Close()
		if err := l.PersistState(); err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, "initialized")
		return nil
	},
}

var createCmd = &cli.Command{
	Name:      "create",
	Usage:     "create an object",
	ArgsUsage: "<objid>",
	Flags:     []cli.Flag{rootFlag},
	Action: func(c *cli.Context) error {
		objid, err := objidArg(c)
		if err != nil {
			return err
		}
		l, err := open(c)
		if err != nil {
			return err
		}
		defer l.Close()

		if err := l.Create(objid, 0); err != nil {
			return err
		}
		return l.PersistState()
	},
}

var writeCmd = &cli.Command{
	Name:      "write",
	Usage:     "write stdin to an object at an offset",
	ArgsUsage: "<objid> [offset]",
	Flags:     []cli.Flag{rootFlag},
	Action: func(c *cli.Context) error {
		objid, err := objidArg(c)
		if err != nil {
			return err
		}
		offset, err := offsetArg(c, 1)
		if err != nil {
			return err
		}

		l, err := open(c)
		if err != nil {
			return err
		}
		defer l.Close()

		wh, err := l.WriteHandle(objid)
		if err != nil {
			return err
		}
		if _, err := wh.Seek(offset, io.SeekStart); err != nil {
			return err
		}
		n, err := io.Copy(wh, c.App.Reader)
		if err != nil {
			return err
		}
		xlog.Info("lethectl: wrote", "objid", objid, "offset", offset, "bytes", n)
		return l.PersistState()
	},
}

var readCmd = &cli.Command{
	Name:      "read",
	Usage:     "read an object to stdout",
	ArgsUsage: "<objid> [offset] [length]",
	Flags:     []cli.Flag{rootFlag},
	Action: func(c *cli.Context) error {
		objid, err := objidArg(c)
		if err != nil {
			return err
		}
		offset, err := offsetArg(c, 1)
		if err != nil {
			return err
		}

		l, err := open(c)
		if err != nil {
			return err
		}
		defer l.Close()

		rh, err := l.ReadHandle(objid)
		if err != nil {
			return err
		}
		if _, err := rh.Seek(offset, io.SeekStart); err != nil {
			return err
		}

		var r io.Reader = rh
		if c.Args().Len() > 2 {
			length, err := strconv.ParseInt(c.Args().Get(2), 10, 64)
			if err != nil {
				return fmt.Errorf("lethectl: parse length: %w", err)
			}
			r = io.LimitReader(rh, length)
		}

		_, err = io.Copy(c.App.Writer, r)
		return err
	},
}

var truncateCmd = &cli.Command{
	Name:      "truncate",
	Usage:     "resize an object",
	ArgsUsage: "<objid> <size>",
	Flags:     []cli.Flag{rootFlag},
	Action: func(c *cli.Context) error {
		objid, err := objidArg(c)
		if err != nil {
			return err
		}
		if c.Args().Len() < 2 {
			return fmt.Errorf("lethectl: truncate requires <objid> <size>")
		}
		size, err := strconv.ParseUint(c.Args().Get(1), 10, 64)
		if err != nil {
			return fmt.Errorf("lethectl: parse size: %w", err)
		}

		l, err := open(c)
		if err != nil {
			return err
		}
		defer l.Close()

		if err := l.Truncate(objid, size); err != nil {
			return err
		}
		return l.PersistState()
	},
}

var commitCmd = &cli.Command{
	Name:      "commit",
	Usage:     "force a state commit without any other mutation",
	ArgsUsage: " ",
	Flags:     []cli.Flag{rootFlag},
	Action: func(c *cli.Context) error {
		l, err := open(c)
		if err != nil {
			return err
		}
		defer l.Close()
		return l.PersistState()
	},
}

var statCmd = &cli.Command{
	Name:      "stat",
	Usage:     "print an object's size and flags",
	ArgsUsage: "<objid>",
	Flags:     []cli.Flag{rootFlag},
	Action: func(c *cli.Context) error {
		objid, err := objidArg(c)
		if err != nil {
			return err
		}
		l, err := open(c)
		if err != nil {
			return err
		}
		defer l.Close()

		info, err := l.GetInfo(objid)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "size=%d flags=%d\n", info.Size, info.Flags)
		return nil
	},
}

// open constructs a Lethe instance rooted at --root, creating a fresh
// store and enclave on first use or loading committed state from a
// previous run otherwise.
func open(c *cli.Context) (*lethe.Lethe, error) {
	root := c.String("root")
	storeDir := filepath.Join(root, "store")
	enclavePath := filepath.Join(root, "enclave")

	fresh := true
	if _, err := os.Stat(enclavePath); err == nil {
		fresh = false
	}

	store, err := objstore.NewFileStore(storeDir, 0)
	if err != nil {
		return nil, fmt.Errorf("lethectl: open store: %w", err)
	}
	enc, err := enclave.NewFileEnclave(enclavePath)
	if err != nil {
		return nil, fmt.Errorf("lethectl: open enclave: %w", err)
	}

	// Only init registers --block-size; every other command reads 0 here
	// and keeps the default block size.
	var opts []lethe.Option
	if bs := c.Uint64("block-size"); bs != 0 {
		opts = append(opts, lethe.WithBlockSize(bs))
	}
	l, err := lethe.New(store, enc, opts...)
	if err != nil {
		return nil, fmt.Errorf("lethectl: construct instance: %w", err)
	}

	if !fresh {
		if err := l.LoadState(); err != nil {
			return nil, fmt.Errorf("lethectl: load state: %w", err)
		}
	}
	return l, nil
}

func objidArg(c *cli.Context) (uint64, error) {
	if c.Args().Len() < 1 {
		return 0, fmt.Errorf("lethectl: missing <objid> argument")
	}
	return strconv.ParseUint(c.Args().Get(0), 10, 64)
}

func offsetArg(c *cli.Context, idx int) (int64, error) {
	if c.Args().Len() <= idx {
		return 0, nil
	}
	return strconv.ParseInt(c.Args().Get(idx), 10, 64)
}
