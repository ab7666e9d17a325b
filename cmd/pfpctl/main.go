package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"pfpvault/internal/platform"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	if err := platform.DisableCoreDumps(); err != nil {
		fmt.Fprintln(os.Stderr, "warning: cannot disable core dumps:", err)
	}
	ctx := context.Background()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "create":
		fs, cfg := newFlagSet(cmd)
		_ = fs.Parse(args)
		dieIf(withApp(ctx, *cfg, cmdCreate))

	case "check":
		fs, cfg := newFlagSet(cmd)
		_ = fs.Parse(args)
		dieIf(withApp(ctx, *cfg, cmdCheck))

	case "add":
		fs, cfg := newFlagSet(cmd)
		var o addOpts
		fs.StringVar(&o.site, "site", "", "site name")
		fs.StringVar(&o.name, "name", "", "user name on the site")
		fs.StringVar(&o.rev, "rev", "", "password revision")
		fs.StringVar(&o.notes, "notes", "", "notes")
		fs.BoolVar(&o.prompt, "prompt", false, "type the password instead of generating one")
		fs.IntVar(&o.length, "length", 16, "generated password length")
		fs.StringVar(&o.charset, "charset", "lower,upper,number,symbol", "generated password character classes")
		_ = fs.Parse(args)
		dieIf(withApp(ctx, *cfg, func(ctx context.Context, a *app) error { return cmdAdd(ctx, a, o) }))

	case "get":
		fs, cfg := newFlagSet(cmd)
		site := fs.String("site", "", "site name")
		name := fs.String("name", "", "user name on the site")
		rev := fs.String("rev", "", "password revision")
		notes := fs.Bool("notes", false, "print notes too")
		_ = fs.Parse(args)
		dieIf(withApp(ctx, *cfg, func(ctx context.Context, a *app) error {
			return cmdGet(ctx, a, *site, *name, *rev, *notes)
		}))

	case "list":
		fs, cfg := newFlagSet(cmd)
		site := fs.String("site", "", "list the entries of one site")
		_ = fs.Parse(args)
		dieIf(withApp(ctx, *cfg, func(ctx context.Context, a *app) error { return cmdList(ctx, a, *site) }))

	case "remove":
		fs, cfg := newFlagSet(cmd)
		site := fs.String("site", "", "site name")
		name := fs.String("name", "", "user name on the site")
		rev := fs.String("rev", "", "password revision")
		_ = fs.Parse(args)
		dieIf(withApp(ctx, *cfg, func(ctx context.Context, a *app) error {
			return cmdRemove(ctx, a, *site, *name, *rev)
		}))

	case "notes":
		fs, cfg := newFlagSet(cmd)
		site := fs.String("site", "", "site name")
		name := fs.String("name", "", "user name on the site")
		rev := fs.String("rev", "", "password revision")
		text := fs.String("set", "", "new notes")
		_ = fs.Parse(args)
		dieIf(withApp(ctx, *cfg, func(ctx context.Context, a *app) error {
			if err := a.unlock(ctx); err != nil {
				return err
			}
			return a.vault.SetNotes(ctx, *site, *name, *rev, *text)
		}))

	case "alias":
		fs, cfg := newFlagSet(cmd)
		site := fs.String("site", "", "site to alias")
		target := fs.String("to", "", "site holding the entries")
		remove := fs.Bool("remove", false, "remove the alias of -site")
		_ = fs.Parse(args)
		dieIf(withApp(ctx, *cfg, func(ctx context.Context, a *app) error {
			return cmdAlias(ctx, a, *site, *target, *remove)
		}))

	case "passwd":
		fs, cfg := newFlagSet(cmd)
		_ = fs.Parse(args)
		dieIf(withApp(ctx, *cfg, cmdPasswd))

	case "generate":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		length := fs.Int("length", 16, "password length")
		charset := fs.String("charset", "lower,upper,number,symbol", "character classes")
		_ = fs.Parse(args)
		dieIf(cmdGenerate(*length, *charset))

	case "backup":
		fs, cfg := newFlagSet(cmd)
		out := fs.String("out", "", "backup file, - for stdout")
		compress := fs.Bool("xz", false, "compress with xz")
		_ = fs.Parse(args)
		dieIf(withApp(ctx, *cfg, func(ctx context.Context, a *app) error { return cmdBackup(ctx, a, *out, *compress) }))

	case "restore":
		fs, cfg := newFlagSet(cmd)
		in := fs.String("in", "", "backup file")
		_ = fs.Parse(args)
		dieIf(withApp(ctx, *cfg, func(ctx context.Context, a *app) error { return cmdRestore(ctx, a, *in) }))

	case "sync":
		if len(args) < 1 {
			usage()
			os.Exit(2)
		}
		fs, cfg := newFlagSet("sync " + args[0])
		provider := fs.String("provider", "", "provider to authorize, defaults to the configured one")
		_ = fs.Parse(args[1:])
		dieIf(withApp(ctx, *cfg, func(ctx context.Context, a *app) error {
			return cmdSync(ctx, a, args[0], *provider)
		}))

	default:
		usage()
		os.Exit(2)
	}
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	cfg := fs.String("config", defaultConfigPath(), "path to config file")
	return fs, cfg
}

func defaultConfigPath() string {
	if p := os.Getenv("PFP_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "pfpvault.yaml"
	}
	return filepath.Join(dir, "pfpvault", "config.yaml")
}

func usage() {
	fmt.Print(`pfpctl commands:

  create                                    set the master password of a new vault
  check                                     verify the master password
  add      --site S [--name N] [--rev R] [--length 16 --charset lower,upper,number,symbol | --prompt] [--notes T]
  get      --site S [--name N] [--rev R] [--notes]
  list     [--site S]
  remove   --site S [--name N] [--rev R]
  notes    --site S [--name N] [--rev R] --set T
  alias    --site S --to T | --site S --remove
  passwd                                    change the master password
  generate [--length 16] [--charset ...]
  backup   --out FILE [--xz]
  restore  --in FILE
  sync     authorize [--provider P] | now | status | watch | history
           adopt | overwrite | disable

Every command accepts --config (default $PFP_CONFIG or the user config dir).

Examples:
  pfpctl create
  pfpctl add --site example.com --name alice --length 20
  pfpctl get --site example.com --name alice
  pfpctl sync authorize && pfpctl sync now
`)
}

type coded interface{ Code() string }

func dieIf(err error) {
	if err == nil {
		return
	}
	var c coded
	if errors.As(err, &c) {
		fmt.Fprintf(os.Stderr, "error: %v [%s]\n", err, c.Code())
	} else {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(1)
}
