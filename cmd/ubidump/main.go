// Command ubidump reads UBI container images and the UBIFS filesystems
// inside their logical volumes, without requiring root, a kernel UBI/UBIFS
// driver, or a mount. It can list directory trees, dump the on-flash
// B+-tree for debugging, extract whole volumes to a directory, extract a
// single file to stdout, or mount a volume read-only via FUSE.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
)

var (
	listFlag    = flag.Bool("l", false, "list the directory tree of each UBIFS volume found")
	debugFlag   = flag.Bool("d", false, "dump the on-flash B+-tree structure of each UBIFS volume found")
	verboseFlag = flag.Bool("v", false, "print block- and filesystem-level details while scanning")
	saveDir     = flag.String("s", "", "extract every UBIFS volume found into `DIR` (one subdirectory per volume)")
	catPath     = flag.String("c", "", "extract the file at `PATH` (searched in every volume) to stdout")
	mountpoint  = flag.String("m", "", "mount the first UBIFS volume of each image read-only at `MOUNTPOINT`, until interrupted")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] image [image...]\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	failed := false
	for _, path := range flag.Args() {
		if err := processImage(path); err != nil {
			log.Printf("%s: %v", path, err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func processImage(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}

	blocks, err := openImage(f, fi.Size())
	if err != nil {
		return err
	}

	if *verboseFlag {
		printBlockSummary(path, blocks)
	}

	mounted := false
	for _, nv := range blocks.Volumes() {
		name := nv.Record.Name()
		ufs, err := loadVolume(blocks, nv)
		if err != nil {
			if *verboseFlag {
				log.Printf("%s: volume %q: not a UBIFS volume (%v)", path, name, err)
			}
			continue
		}

		if *verboseFlag {
			printFSSummary(name, ufs)
		}
		if *debugFlag {
			if err := dumpTree(name, ufs); err != nil {
				return fmt.Errorf("volume %q: %v", name, err)
			}
		}
		if *listFlag {
			if err := listTree(name, ufs); err != nil {
				return fmt.Errorf("volume %q: %v", name, err)
			}
		}
		if *saveDir != "" {
			if err := extractVolume(*saveDir, name, ufs); err != nil {
				return fmt.Errorf("volume %q: %v", name, err)
			}
		}
		if *catPath != "" {
			ok, err := catFile(ufs, *catPath)
			if err != nil {
				return fmt.Errorf("volume %q: -c %s: %v", name, *catPath, err)
			}
			if ok {
				return nil // found and written to stdout; do not also search later volumes
			}
		}
		if *mountpoint != "" && !mounted {
			mounted = true
			return mountVolume(ufs, *mountpoint, name)
		}
	}

	if *catPath != "" {
		return fmt.Errorf("%s not found in any volume", *catPath)
	}
	return nil
}

// signalContext returns a context canceled when the process receives
// SIGINT, so a FUSE mount started from processImage can be torn down
// cleanly with Ctrl-C instead of leaving the mountpoint stuck.
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	go func() {
		<-ch
		cancel()
	}()
	return ctx
}
