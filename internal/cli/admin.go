package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/docvault/internal/config"
	"github.com/calvinalkan/docvault/pkg/library"
)

var errClearNeedsForce = errors.New("clear deletes everything; pass --force to confirm")

func (a *app) cmdExport() *Command {
	flags := flag.NewFlagSet("export", flag.ContinueOnError)
	excludeContent := flags.Bool("exclude-content", false, "Replace document content with a marker")
	collections := flags.StringArray("collection", nil, "Export only this collection (repeatable)")
	format := flags.String("format", "", "json|yaml [default: from file extension]")

	return &Command{
		Flags: flags,
		Usage: "export <file> [flags]",
		Group: groupLibrary,
		Args:  exactArgs(1),
		Short: "Write a snapshot of the library (- for stdout)",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			snap, err := a.lib.Export(ctx, library.ExportOptions{
				ExcludeContent: *excludeContent,
				Collections:    *collections,
			})
			if err != nil {
				return err
			}

			if args[0] == "-" {
				return o.PrintJSON(snap)
			}

			f := library.Format(*format)
			if f == "" {
				f = library.FormatForPath(args[0])
			}

			err = library.WriteSnapshot(a.path(args[0]), snap, f)
			if err != nil {
				return err
			}

			a.record(ctx, "export", map[string]any{"file": args[0], "excludeContent": *excludeContent})

			o.Printf("Exported %s to %s\n", formatCollectionCounts(snap), args[0])

			return nil
		},
	}
}

func (a *app) cmdImport() *Command {
	flags := flag.NewFlagSet("import", flag.ContinueOnError)
	skipExisting := flags.Bool("skip-existing", false, "Keep records whose key already exists")

	return &Command{
		Flags: flags,
		Usage: "import <file> [flags]",
		Group: groupLibrary,
		Args:  exactArgs(1),
		Short: "Load a snapshot into the library",
		Long: "Load a snapshot into the library in one transaction. Existing records are\n" +
			"overwritten unless --skip-existing is given. Invalid records are reported and skipped.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			var (
				snap library.Snapshot
				err  error
			)

			if args[0] == "-" {
				data, err := a.readInput(o, "-")
				if err != nil {
					return err
				}

				err = json.Unmarshal(data, &snap)
				if err != nil {
					return fmt.Errorf("decode snapshot: %w", err)
				}
			} else {
				snap, err = library.ReadSnapshot(a.path(args[0]))
				if err != nil {
					return err
				}
			}

			result, err := a.lib.Import(ctx, snap, library.ImportOptions{SkipExisting: *skipExisting})
			if err != nil {
				return err
			}

			a.record(ctx, "import", result)

			o.Printf("Imported %d, skipped %d, errors %d\n", result.Imported, result.Skipped, result.Errors)

			for _, issue := range result.Issues {
				o.Warn(fmt.Sprintf("%s[%d] %s: %s", issue.Collection, issue.Index, issue.Key, issue.Error),
					"fix the record in the snapshot and import again")
			}

			for _, name := range result.Ignored {
				o.Println("ignored collection:", name)
			}

			return nil
		},
	}
}

func (a *app) cmdClear() *Command {
	flags := flag.NewFlagSet("clear", flag.ContinueOnError)
	force := flags.Bool("force", false, "Confirm deleting every record")

	return &Command{
		Flags: flags,
		Usage: "clear --force",
		Group: groupLibrary,
		Args:  exactArgs(0),
		Short: "Delete every record in the library",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			if !*force {
				return errClearNeedsForce
			}

			err := a.lib.Clear(ctx)
			if err != nil {
				return err
			}

			o.Println("Library cleared")

			return nil
		},
	}
}

func (a *app) cmdUsage() *Command {
	flags := flag.NewFlagSet("usage", flag.ContinueOnError)
	asJSON := flags.Bool("json", false, "Print usage as JSON")

	return &Command{
		Flags: flags,
		Usage: "usage [flags]",
		Group: groupLibrary,
		Args:  exactArgs(0),
		Short: "Show storage usage and quota",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			u, err := a.lib.Usage(ctx)
			if err != nil {
				return err
			}

			if *asJSON {
				return o.PrintJSON(u)
			}

			o.Printf("used: %s of %s (%.1f%%)\n", library.FormatSize(u.UsageBytes), library.FormatSize(u.QuotaBytes), u.PercentUsed)
			o.Printf("blobs: %s\n", library.FormatSize(u.BlobBytes))

			for _, name := range slices.Sorted(maps.Keys(u.PerCollectionCounts)) {
				o.Printf("%-10s %d\n", name, u.PerCollectionCounts[name])
			}

			if u.IsNearLimit {
				o.Warn("storage is near its limit", "delete documents or blobs, or raise quota_bytes")
			}

			return nil
		},
	}
}

func (a *app) cmdStats() *Command {
	return &Command{
		Flags: flag.NewFlagSet("stats", flag.ContinueOnError),
		Usage: "stats",
		Group: groupLibrary,
		Args:  exactArgs(0),
		Short: "Count documents by type and status",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			stats, err := a.lib.DocumentStats(ctx)
			if err != nil {
				return err
			}

			o.Printf("documents: %d (%s)\n", stats.Total, library.FormatSize(stats.TotalSize))
			o.Printf("favorites: %d\n", stats.Favorites)

			for _, t := range library.DocumentTypes {
				if n := stats.ByType[t]; n > 0 {
					o.Printf("type %-12s %d\n", t, n)
				}
			}

			for _, s := range library.DocumentStatuses {
				if n := stats.ByStatus[s]; n > 0 {
					o.Printf("status %-10s %d\n", s, n)
				}
			}

			return nil
		},
	}
}

func (a *app) cmdSweep() *Command {
	return &Command{
		Flags: flag.NewFlagSet("sweep", flag.ContinueOnError),
		Usage: "sweep",
		Group: groupLibrary,
		Args:  exactArgs(0),
		Short: "Delete expired cache entries",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			n, err := a.lib.SweepCache(ctx)
			if err != nil {
				return err
			}

			o.Printf("Swept %d expired cache entr(ies)\n", n)

			return nil
		},
	}
}

func (a *app) cmdPrintConfig() *Command {
	return &Command{
		Flags: flag.NewFlagSet("print-config", flag.ContinueOnError),
		Usage: "print-config",
		Group: groupSession,
		Args:  exactArgs(0),
		Short: "Show the resolved configuration and where it came from",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			formatted, err := config.Format(a.cfg)
			if err != nil {
				return err
			}

			o.Println(formatted)
			o.Println()
			o.Println("# Sources:")

			if a.cfg.Sources.Global != "" {
				o.Println("#   global:", a.cfg.Sources.Global)
			}

			if a.cfg.Sources.Project != "" {
				o.Println("#   project:", a.cfg.Sources.Project)
			}

			if a.cfg.Sources.DotEnv != "" {
				o.Println("#   dotenv:", a.cfg.Sources.DotEnv)
			}

			if a.cfg.Sources.Global == "" && a.cfg.Sources.Project == "" && a.cfg.Sources.DotEnv == "" {
				o.Println("#   (defaults only)")
			}

			return nil
		},
	}
}

func formatCollectionCounts(snap library.Snapshot) string {
	names := slices.Sorted(maps.Keys(snap.Collections))

	var total int

	for _, name := range names {
		var records []json.RawMessage

		if json.Unmarshal(snap.Collections[name], &records) == nil {
			total += len(records)
		}
	}

	return fmt.Sprintf("%d record(s) in %d collection(s)", total, len(names))
}
