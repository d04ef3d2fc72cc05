// Command ufs mounts a u_fs-go disk image as a FUSE filesystem until
// interrupted or unmounted.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/nimitzc/ufs/internal/fuseadapter"
	"github.com/nimitzc/ufs/internal/oninterrupt"
	"github.com/nimitzc/ufs/internal/ufsfs"
)

var (
	debug      = flag.Bool("debug", false, "format error messages with additional detail")
	allowOther = flag.Bool("allow_other", false, "allow all users to access the mount, not just the mounting user")
)

// bumpRlimitNOFILE raises the process's open-file-descriptor limit to
// the kernel-wide maximum, the way a FUSE server that may end up holding
// one descriptor per concurrently open inode benefits from.
func bumpRlimitNOFILE() error {
	var fileMax, nrOpen uint64
	{
		b, err := ioutil.ReadFile("/proc/sys/fs/file-max")
		if err != nil {
			return err
		}
		fileMax, err = strconv.ParseUint(strings.TrimSpace(string(b)), 0, 64)
		if err != nil {
			return err
		}
	}
	{
		b, err := ioutil.ReadFile("/proc/sys/fs/nr_open")
		if err != nil {
			return err
		}
		nrOpen, err = strconv.ParseUint(strings.TrimSpace(string(b)), 0, 64)
		if err != nil {
			return err
		}
	}
	max := fileMax
	if nrOpen < max {
		max = nrOpen
	}
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Max: max, Cur: max})
}

func funcmain() error {
	flag.Parse()
	log := logrus.New()
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}

	if err := bumpRlimitNOFILE(); err != nil {
		log.WithError(err).Warn("bumping RLIMIT_NOFILE failed")
	}

	args := flag.Args()
	if len(args) != 2 {
		return fmt.Errorf("syntax: ufs [-flags] <diskimage> <mountpoint>")
	}
	imagePath, mountpoint := args[0], args[1]

	dev, err := ufsfs.OpenDevice(imagePath)
	if err != nil {
		return xerrors.Errorf("opening %s: %w", imagePath, err)
	}
	core, err := ufsfs.Mount(dev)
	if err != nil {
		return xerrors.Errorf("mounting %s: %w", imagePath, err)
	}

	adapter := fuseadapter.New(core, log)
	server := fuseutil.NewFileSystemServer(adapter)

	cfg := &fuse.MountConfig{
		FSName:   "ufs",
		ReadOnly: false,
	}
	if *allowOther {
		cfg.Options = map[string]string{"allow_other": ""}
	}

	mfs, err := fuse.Mount(mountpoint, server, cfg)
	if err != nil {
		return xerrors.Errorf("mounting FUSE at %s: %w", mountpoint, err)
	}

	oninterrupt.Register(func() {
		log.Info("unmounting on interrupt")
		syscall.Unmount(mountpoint, 0)
	})

	log.WithFields(logrus.Fields{"image": imagePath, "mountpoint": mountpoint}).Info("mounted")
	if err := mfs.Join(context.Background()); err != nil {
		return xerrors.Errorf("Join: %w", err)
	}
	return nil
}

func main() {
	if err := funcmain(); err != nil {
		if *debug {
			fmt.Fprintf(os.Stderr, "%+v\n", err)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
