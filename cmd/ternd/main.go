// Tern host CLI - runs stored Tern programs and manages the snapshot store.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ternvm/tern/host"
	"github.com/ternvm/tern/manifest"
	"github.com/ternvm/tern/snapshot"
)

func main() {
	dir := flag.String("C", ".", "Directory to search for tern.toml")
	runRef := flag.String("run", "", "Run the program a stored ref points at")
	execFile := flag.String("exec", "", "Run a snapshot file")
	putFile := flag.String("put", "", "Store a snapshot file")
	tag := flag.String("tag", "", "Ref name to attach when storing (used with -put)")
	listRefs := flag.Bool("refs", false, "List stored refs")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ternd [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs Tern programs under the limits of the nearest tern.toml.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  ternd -exec prog.tbc           # Run a snapshot file\n")
		fmt.Fprintf(os.Stderr, "  ternd -put prog.tbc -tag main  # Store and tag a snapshot\n")
		fmt.Fprintf(os.Stderr, "  ternd -run main                # Run the tagged program\n")
		fmt.Fprintf(os.Stderr, "  ternd -refs                    # List refs\n")
	}
	flag.Parse()

	man, err := manifest.FindAndLoad(*dir)
	if err != nil {
		fail(err)
	}

	rt, err := host.NewRuntime(man)
	if err != nil {
		fail(err)
	}
	defer rt.Shutdown()

	switch {
	case *listRefs:
		if rt.Store() == nil {
			fail(fmt.Errorf("no snapshot store configured in tern.toml"))
		}
		names, err := rt.Store().Refs()
		if err != nil {
			fail(err)
		}
		for _, name := range names {
			digest, _ := rt.Store().Resolve(name)
			fmt.Printf("%s\t%s\n", name, digest)
		}

	case *putFile != "":
		data, err := os.ReadFile(*putFile)
		if err != nil {
			fail(err)
		}
		code, err := snapshot.Unmarshal(data)
		if err != nil {
			fail(err)
		}
		digest, err := rt.PutSnapshot(code, *tag)
		if err != nil {
			fail(err)
		}
		fmt.Println(digest)

	case *runRef != "":
		s, err := rt.CreateSession()
		if err != nil {
			fail(err)
		}
		out, err := rt.RunRef(s.ID(), *runRef)
		if err != nil {
			fail(err)
		}
		printResult(out)

	case *execFile != "":
		data, err := os.ReadFile(*execFile)
		if err != nil {
			fail(err)
		}
		code, err := snapshot.Unmarshal(data)
		if err != nil {
			fail(err)
		}
		s, err := rt.CreateSession()
		if err != nil {
			fail(err)
		}
		out, err := s.Run(code)
		if err != nil {
			fail(err)
		}
		printResult(out)

	default:
		flag.Usage()
		os.Exit(2)
	}
}

func printResult(out any) {
	if out == nil {
		return
	}
	fmt.Printf("%v\n", out)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
