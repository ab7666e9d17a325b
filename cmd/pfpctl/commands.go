package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"

	"pfpvault/internal/backup"
	"pfpvault/internal/crypto"
	"pfpvault/internal/entries"
	"pfpvault/internal/providers/remote"
	pfpsync "pfpvault/internal/sync"
)

type addOpts struct {
	site, name, rev, notes string
	prompt                 bool
	length                 int
	charset                string
}

func cmdCreate(ctx context.Context, a *app) error {
	pw, err := newPassword("New master password: ")
	if err != nil {
		return err
	}
	defer crypto.Zero(pw)
	if err := a.vault.SetPassword(ctx, pw); err != nil {
		return err
	}
	fmt.Println("vault created")
	return nil
}

func cmdCheck(ctx context.Context, a *app) error {
	if err := a.unlock(ctx); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func parseCharset(s string) (entries.Charset, error) {
	var cs entries.Charset
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimSpace(part) {
		case "lower":
			cs.Lower = true
		case "upper":
			cs.Upper = true
		case "number":
			cs.Number = true
		case "symbol":
			cs.Symbol = true
		case "":
		default:
			return cs, fmt.Errorf("unknown character class %q", part)
		}
	}
	return cs, nil
}

func cmdAdd(ctx context.Context, a *app, o addOpts) error {
	if o.site == "" {
		return errors.New("--site is required")
	}
	e := entries.Entry{Site: o.site, Name: o.name, Revision: o.rev, Notes: o.notes}
	if o.prompt {
		pw, err := promptSecret("Password for " + o.site + ": ")
		if err != nil {
			return err
		}
		e.Password = &entries.Stored{Password: string(pw)}
		crypto.Zero(pw)
	} else {
		cs, err := parseCharset(o.charset)
		if err != nil {
			return err
		}
		g, err := entries.NewGenerated(o.length, cs)
		if err != nil {
			return err
		}
		e.Password = g
	}
	if err := a.unlock(ctx); err != nil {
		return err
	}
	if err := a.vault.AddEntry(ctx, e); err != nil {
		return err
	}
	if !o.prompt {
		fmt.Println(e.Password.Value())
	}
	return nil
}

func cmdGet(ctx context.Context, a *app, site, name, rev string, notes bool) error {
	if err := a.unlock(ctx); err != nil {
		return err
	}
	e, err := a.vault.GetEntry(ctx, site, name, rev)
	if err != nil {
		return err
	}
	fmt.Println(e.Password.Value())
	if notes && e.Notes != "" {
		fmt.Println(e.Notes)
	}
	return nil
}

func cmdList(ctx context.Context, a *app, site string) error {
	if err := a.unlock(ctx); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	if site == "" {
		sites, err := a.vault.ListSites(ctx)
		if err != nil {
			return err
		}
		for _, s := range sites {
			if s.Alias != "" {
				fmt.Fprintf(tw, "%s\t-> %s\n", s.Site, s.Alias)
			} else {
				fmt.Fprintf(tw, "%s\t\n", s.Site)
			}
		}
		return nil
	}
	list, err := a.vault.ListEntries(ctx, site)
	if err != nil {
		return err
	}
	fmt.Fprintln(tw, "NAME\tREVISION\tTYPE")
	for _, e := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Name, e.Revision, e.Password.Kind())
	}
	return nil
}

func cmdRemove(ctx context.Context, a *app, site, name, rev string) error {
	if err := a.unlock(ctx); err != nil {
		return err
	}
	return a.vault.RemoveEntry(ctx, site, name, rev)
}

func cmdAlias(ctx context.Context, a *app, site, target string, remove bool) error {
	if err := a.unlock(ctx); err != nil {
		return err
	}
	if remove {
		return a.vault.RemoveAlias(ctx, site)
	}
	if target == "" {
		return errors.New("--to is required")
	}
	return a.vault.AddAlias(ctx, site, target)
}

func cmdPasswd(ctx context.Context, a *app) error {
	if err := a.unlock(ctx); err != nil {
		return err
	}
	pw, err := newPassword("New master password: ")
	if err != nil {
		return err
	}
	defer crypto.Zero(pw)
	if err := a.vault.ChangePassword(ctx, pw); err != nil {
		return err
	}
	fmt.Println("master password changed")
	return nil
}

func cmdGenerate(length int, charset string) error {
	cs, err := parseCharset(charset)
	if err != nil {
		return err
	}
	pw, err := entries.GeneratePassword(length, cs)
	if err != nil {
		return err
	}
	fmt.Println(pw)
	return nil
}

func cmdBackup(ctx context.Context, a *app, out string, compress bool) error {
	if out == "" {
		return errors.New("--out is required")
	}
	var w io.Writer = os.Stdout
	if out != "-" {
		f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	n, err := backup.Export(ctx, a.vault, w, backup.ExportOptions{Compress: compress})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%d records exported\n", n)
	return nil
}

func cmdRestore(ctx context.Context, a *app, in string) error {
	f, err := os.Open(in)
	if err != nil {
		return err
	}
	defer f.Close()
	pw, err := masterPassword("Master password of the backup: ")
	if err != nil {
		return err
	}
	defer crypto.Zero(pw)
	var opts backup.ImportOptions
	if a.engine.Status().State != pfpsync.StateDisabled {
		opts.Listener = a.engine.Tracker()
	}
	n, err := backup.Import(ctx, a.vault, f, pw, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%d records restored\n", n)
	return nil
}

func cmdSync(ctx context.Context, a *app, sub, provider string) error {
	e := a.engine
	switch sub {
	case "status":
		return printStatus(ctx, a)
	case "history":
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		defer tw.Flush()
		for _, h := range e.History() {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", time.Unix(h.TS, 0).Format(time.RFC3339), h.Kind, h.Revision, h.Detail)
		}
		return nil
	case "disable":
		return e.Disable(ctx)
	}

	if err := a.unlock(ctx); err != nil {
		return err
	}
	switch sub {
	case "authorize":
		if provider == "" {
			provider = a.cfg.Sync.Provider
		}
		if provider == "" {
			return errors.New("no sync provider configured")
		}
		if provider == remote.Name {
			if err := a.askAccount(); err != nil {
				return err
			}
		}
		if err := e.Authorize(ctx, provider); err != nil {
			return err
		}
		return e.Sync(ctx)
	case "now":
		return e.Sync(ctx)
	case "adopt":
		pw, err := masterPassword("Master password of the synced data: ")
		if err != nil {
			return err
		}
		defer crypto.Zero(pw)
		return e.AdoptRemote(ctx, pw)
	case "overwrite":
		return e.OverwriteRemote(ctx)
	case "watch":
		return watch(ctx, a)
	}
	return fmt.Errorf("unknown sync command %q", sub)
}

func printStatus(ctx context.Context, a *app) error {
	st := a.engine.Status()
	fmt.Printf("state:     %s\n", st.State)
	if st.State == pfpsync.StateDisabled {
		return nil
	}
	fmt.Printf("provider:  %s\n", st.Provider)
	fmt.Printf("revision:  %d\n", st.Revision)
	if !st.LastSync.IsZero() {
		fmt.Printf("last sync: %s\n", st.LastSync.Format(time.RFC3339))
	}
	if st.LastError != "" {
		fmt.Printf("error:     %s\n", st.LastError)
	}
	pending, err := a.engine.Tracker().Pending(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("pending:   %d\n", len(pending))
	return nil
}

// watch keeps the vault unlocked and syncs periodically and after local
// changes until interrupted.
func watch(ctx context.Context, a *app) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	sched := pfpsync.NewScheduler(a.engine, a.cfg.Sync.Interval, a.cfg.Sync.MinGap, a.log)
	a.engine.Tracker().OnChange(sched.Trigger)
	sched.Trigger()
	a.log.WithField("interval", a.cfg.Sync.Interval).Info("watching for changes")
	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
