package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"cowmm/kernel/kfmt"
	"cowmm/kernel/kmain"
	"cowmm/kernel/mm"
)

var (
	forks = flag.Int("forks", 4, "number of children forked from init")
	pages = flag.Int("pages", 8, "number of data pages mapped by init")
	dump  = flag.Bool("dump", true, "dump the process table before shutting down")
)

// main boots the kernel using the non-flag arguments as the boot command
// line (e.g. "mem.frames=1024 mem.backing=heap"), spawns an init process,
// forks it and lets every child write to its copy of the shared pages.
func main() {
	flag.Parse()

	k, err := kmain.Boot(strings.Join(flag.Args(), " "), os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boot failed: %s\n", err)
		os.Exit(1)
	}

	initPID, err := k.Procs.Spawn([]byte("init"), uintptr(*pages+1)*mm.PageSize)
	if err != nil {
		kfmt.Panic(err)
	}

	for i := 0; i < *forks; i++ {
		child, err := k.Procs.Fork(initPID)
		if err != nil {
			kfmt.Printf("[init] fork %d: %s\n", i, err)
			break
		}

		// touch every other data page so the table shows both private
		// and shared frames
		for page := 1; page <= *pages; page += 2 {
			msg := []byte(fmt.Sprintf("child %d", child))
			if _, err = k.Procs.Write(child, uintptr(page)*mm.PageSize, msg); err != nil {
				kfmt.Printf("[init] pid %d: %s\n", child, err)
				break
			}
		}
	}

	if *dump {
		k.Procs.Dump(os.Stdout)
	}

	if err = k.Shutdown(); err != nil {
		kfmt.Panic(err)
	}
}
