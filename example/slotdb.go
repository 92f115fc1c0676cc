// slotdb.go -- command line tool over a slotdb file
//
// (c) Sudhi Herle 2018
//
// License GPLv2
//
// If you need a commercial license for this work, please contact
// the author.
//
// This software does not come with any express or implied
// warranty; it is provided "as is". No claim  is made to its
// suitability for any purpose.

// slotdb.go is an example of driving the engine end to end: create a
// store, load keys, optimize and query it back.
//
//	slotdb create FILE NSLOTS
//	slotdb set FILE KEY VALUE
//	slotdb get FILE KEY
//	slotdb del FILE KEY
//	slotdb optimize FILE
//	slotdb compact FILE
//	slotdb stats FILE
//	slotdb dump FILE

package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/opencoff/go-slotdb"

	flag "github.com/opencoff/pflag"
)

func main() {
	var bb bool
	var probe int

	flag.BoolVarP(&bb, "bbhash", "b", false, "Use BBHash instead of CHD for optimize")
	flag.IntVarP(&probe, "max-probe", "p", 0, "Use `P` as the probe bound")
	flag.Usage = func() {
		fmt.Printf(`slotdb - memory mapped KV store

Usage: slotdb [options] create FILE NSLOTS
       slotdb [options] set|get|del FILE KEY [VALUE]
       slotdb [options] optimize|compact|stats|dump FILE

Options:
`)
		flag.PrintDefaults()
	}

	flag.Parse()
	args := flag.Args()
	if len(args) < 2 {
		die("insufficient arguments; try --help")
	}

	cmd := args[0]
	fn := args[1]
	args = args[2:]

	cfg := &slotdb.Config{
		MaxProbe: probe,
	}
	if bb {
		cfg.Kind = slotdb.BBHash
	}

	if cmd == "create" {
		if len(args) < 1 {
			die("create: missing slot count")
		}
		n, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			die("create: bad slot count %s: %s", args[0], err)
		}
		cfg.SlotCount = n
		db, err := slotdb.Create(fn, cfg)
		if err != nil {
			die("%s", err)
		}
		db.Close()
		return
	}

	cfg.ReadOnly = cmd == "get" || cmd == "stats" || cmd == "dump"
	db, err := slotdb.Open(fn, cfg)
	if err != nil {
		die("%s", err)
	}
	defer db.Close()

	switch cmd {
	case "set":
		if len(args) < 2 {
			die("set: need KEY and VALUE")
		}
		if err = db.Set([]byte(args[0]), []byte(args[1])); err != nil {
			die("set %s: %s", args[0], err)
		}
		db.Flush(true)

	case "get":
		if len(args) < 1 {
			die("get: need KEY")
		}
		v, ok := db.Get([]byte(args[0]))
		if !ok {
			die("%s: no such key", args[0])
		}
		fmt.Printf("%s\n", string(v))

	case "del":
		if len(args) < 1 {
			die("del: need KEY")
		}
		if err = db.Remove([]byte(args[0])); err != nil {
			die("del %s: %s", args[0], err)
		}
		db.Flush(true)

	case "optimize":
		if err = db.Optimize(); err != nil {
			die("optimize: %s", err)
		}
		db.Flush(true)

	case "compact":
		if err = db.CompactJournal(); err != nil {
			die("compact: %s", err)
		}

	case "stats":
		db.DumpMeta(os.Stdout)

	case "dump":
		err = db.Scan(func(i uint64, fp uint32, val []byte) error {
			fmt.Printf("%8d: %#08x %d bytes\n", i, fp, len(val))
			return nil
		})
		if err != nil {
			die("dump: %s", err)
		}

	default:
		die("unknown command '%s'; try --help", cmd)
	}
}

func die(f string, v ...interface{}) {
	s := fmt.Sprintf(f, v...)
	if n := len(s); s[n-1] != '\n' {
		s += "\n"
	}
	os.Stderr.WriteString(s)
	os.Exit(1)
}
