// Command mkufs formats a new u_fs-go disk image.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/nimitzc/ufs/internal/ufsfs"
)

var debug = flag.Bool("debug", false, "format error messages with additional detail")

// parseSize accepts a plain byte count or a count suffixed with K, M, or
// G (base 1024).
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, xerrors.Errorf("empty size")
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'K', 'k':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'M', 'm':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'G', 'g':
		mult = 1 << 30
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, xerrors.Errorf("parsing size %q: %w", s, err)
	}
	return n * mult, nil
}

func funcmain() error {
	flag.Parse()
	log := logrus.New()
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}

	args := flag.Args()
	if len(args) != 2 {
		return fmt.Errorf("syntax: mkufs [-flags] <path> <size>")
	}
	path := args[0]
	size, err := parseSize(args[1])
	if err != nil {
		return err
	}

	if err := ufsfs.Format(path, size); err != nil {
		return xerrors.Errorf("formatting %s: %w", path, err)
	}
	log.WithFields(logrus.Fields{"path": path, "bytes": size}).Info("formatted")
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
