/*
 * Copyright (c) 2026, xcm contributors
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// xcmctl enumerates the XCM control directory and reads attributes from
// live sockets over their control listeners.
//
// Usage:
//
//	xcmctl [-ctlDir dir] list
//	xcmctl [-ctlDir dir] get <pid-sockid> [attribute]
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/abiaog/xcm/internal/attr"
	"github.com/abiaog/xcm/internal/config"
	"github.com/abiaog/xcm/internal/ctl"
)

func main() {

	var ctlDir string
	flag.StringVar(&ctlDir, "ctlDir", config.CtlDir(), "control directory to enumerate")

	flag.Parse()
	args := flag.Args()

	if len(args) == 0 {
		args = []string{"list"}
	}

	var err error
	switch args[0] {
	case "list":
		err = list(ctlDir)
	case "get":
		if len(args) < 2 {
			usage()
		}
		name := ""
		if len(args) > 2 {
			name = args[2]
		}
		err = get(filepath.Join(ctlDir, args[1]), name)
	default:
		usage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "xcmctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: xcmctl [-ctlDir dir] list | get <pid-sockid> [attribute]\n")
	os.Exit(2)
}

// list dials every listener in the control directory and prints each
// socket's full attribute set. Dead entries (a crashed owner's leftovers)
// are reported and skipped.
func list(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		fmt.Printf("%s:\n", name)
		if err := get(filepath.Join(dir, name), ""); err != nil {
			fmt.Printf("  unavailable: %v\n", err)
		}
	}
	return nil
}

func get(path, name string) error {
	client, err := ctl.Dial(path)
	if err != nil {
		return err
	}
	defer client.Close()

	if name != "" {
		snap, err := client.GetAttr(name)
		if err != nil {
			return err
		}
		printAttr(snap)
		return nil
	}

	snaps, err := client.GetAllAttrs()
	if err != nil {
		return err
	}
	for _, snap := range snaps {
		printAttr(snap)
	}
	return nil
}

func printAttr(s attr.Snapshot) {
	switch s.Value.Type {
	case attr.TypeBool:
		fmt.Printf("  %s = %t\n", s.Name, s.Value.Bool)
	case attr.TypeInt64:
		fmt.Printf("  %s = %d\n", s.Name, s.Value.Int64)
	case attr.TypeString:
		fmt.Printf("  %s = %q\n", s.Name, s.Value.String)
	case attr.TypeBinary:
		fmt.Printf("  %s = %x\n", s.Name, s.Value.Binary)
	}
}
