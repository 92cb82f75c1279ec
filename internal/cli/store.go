package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"mime"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/docvault/pkg/fs"
	"github.com/calvinalkan/docvault/pkg/library"
)

func (a *app) cmdTags() *Command {
	flags := flag.NewFlagSet("tags", flag.ContinueOnError)
	asJSON := flags.Bool("json", false, "Print tags as JSON")

	return &Command{
		Flags: flags,
		Usage: "tags [flags]",
		Group: groupTags,
		Args:  exactArgs(0),
		Short: "List tags with document counts",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			tags, err := a.lib.ListTags(ctx)
			if err != nil {
				return err
			}

			if *asJSON {
				return o.PrintJSON(tags)
			}

			for _, t := range tags {
				o.Printf("%-24s %5d  %s\n", t.Name, t.DocumentCount, t.Color)
			}

			return nil
		},
	}
}

func (a *app) cmdTagAdd() *Command {
	flags := flag.NewFlagSet("tag-add", flag.ContinueOnError)
	color := flags.String("color", "", "Color [default: from palette]")
	icon := flags.String("icon", "", "Icon")
	description := flags.StringP("description", "d", "", "Description")

	return &Command{
		Flags: flags,
		Usage: "tag-add <name> [flags]",
		Group: groupTags,
		Args:  exactArgs(1),
		Short: "Create a tag",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			tag, err := a.lib.CreateTag(ctx, library.NewTag{
				Name:        args[0],
				Color:       *color,
				Icon:        *icon,
				Description: *description,
			})
			if err != nil {
				return err
			}

			o.Println(tag.Name)

			return nil
		},
	}
}

func (a *app) cmdTagRm() *Command {
	return &Command{
		Flags: flag.NewFlagSet("tag-rm", flag.ContinueOnError),
		Usage: "tag-rm <name>",
		Group: groupTags,
		Args:  exactArgs(1),
		Short: "Delete a tag and strip it from every document",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			n, err := a.lib.DeleteTag(ctx, args[0])
			if err != nil {
				return err
			}

			a.record(ctx, "tag-delete", map[string]any{"name": library.NormalizeTag(args[0]), "documents": n})

			o.Printf("Deleted tag %s (removed from %d document(s))\n", library.NormalizeTag(args[0]), n)

			return nil
		},
	}
}

func (a *app) cmdBlobPut() *Command {
	flags := flag.NewFlagSet("blob-put", flag.ContinueOnError)
	mimeType := flags.String("mime", "", "MIME type [default: from file extension]")
	meta := flags.StringArray("meta", nil, "Metadata key=value (repeatable)")

	return &Command{
		Flags: flags,
		Usage: "blob-put <doc-id> <file>",
		Group: groupBlobs,
		Args:  exactArgs(2),
		Short: "Store a file as a blob of a document, prints the blob ID",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			data, err := a.readInput(o, args[1])
			if err != nil {
				return err
			}

			mt := *mimeType
			if mt == "" && args[1] != "-" {
				mt = mime.TypeByExtension(filepath.Ext(args[1]))
			}

			metadata, err := parseMeta(*meta)
			if err != nil {
				return err
			}

			blob, err := a.lib.StoreBlob(ctx, args[0], data, library.BlobOptions{MimeType: mt, Metadata: metadata})
			if err != nil {
				return err
			}

			a.record(ctx, "blob-store", map[string]any{"id": blob.ID, "documentId": blob.DocumentID, "size": blob.Size})

			o.Println(blob.ID)

			return nil
		},
	}
}

func (a *app) cmdBlobGet() *Command {
	flags := flag.NewFlagSet("blob-get", flag.ContinueOnError)
	output := flags.StringP("output", "o", "", "Write to `path` instead of stdout")

	return &Command{
		Flags: flags,
		Usage: "blob-get <blob-id> [flags]",
		Group: groupBlobs,
		Args:  exactArgs(1),
		Short: "Write a blob's bytes, verifying its checksum",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			blob, err := a.lib.GetBlob(ctx, args[0])
			if err != nil {
				return err
			}

			if *output == "" {
				_, err = o.Write(blob.Data)

				return err
			}

			err = fs.WriteFileAtomic(a.path(*output), blob.Data, 0o644)
			if err != nil {
				return fmt.Errorf("write %s: %w", *output, err)
			}

			o.Printf("Wrote %s (%s)\n", *output, library.FormatSize(blob.Size))

			return nil
		},
	}
}

func (a *app) cmdBlobLs() *Command {
	return &Command{
		Flags: flag.NewFlagSet("blob-ls", flag.ContinueOnError),
		Usage: "blob-ls <doc-id>",
		Group: groupBlobs,
		Args:  exactArgs(1),
		Short: "List the blobs of a document",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			blobs, err := a.lib.ListBlobs(ctx, args[0])
			if err != nil {
				return err
			}

			for _, b := range blobs {
				o.Printf("%s  %-10s %s  %s\n", b.ID, library.FormatSize(b.Size), b.MimeType, b.Checksum[:12])
			}

			return nil
		},
	}
}

func (a *app) cmdBlobRm() *Command {
	flags := flag.NewFlagSet("blob-rm", flag.ContinueOnError)
	byDoc := flags.Bool("document", false, "Treat the argument as a document ID and delete all its blobs")

	return &Command{
		Flags: flags,
		Usage: "blob-rm <blob-id> [flags]",
		Group: groupBlobs,
		Args:  exactArgs(1),
		Short: "Delete a blob",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			var err error

			n := 1

			if *byDoc {
				n, err = a.lib.DeleteBlobsByDocument(ctx, args[0])
			} else {
				err = a.lib.DeleteBlob(ctx, args[0])
			}

			if err != nil {
				return err
			}

			a.record(ctx, "blob-delete", map[string]any{"id": args[0], "deleted": n})

			o.Printf("Deleted %d blob(s)\n", n)

			return nil
		},
	}
}

func (a *app) cmdHistory() *Command {
	flags := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := flags.IntP("limit", "n", 20, "Show at most N entries (0 = all)")
	clearAll := flags.Bool("clear", false, "Delete all history entries")

	return &Command{
		Flags: flags,
		Usage: "history [flags]",
		Group: groupLibrary,
		Args:  exactArgs(0),
		Short: "Show recent actions, newest first",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			if *clearAll {
				n, err := a.lib.ClearHistory(ctx)
				if err != nil {
					return err
				}

				o.Printf("Cleared %d entr(ies)\n", n)

				return nil
			}

			entries, err := a.lib.RecentHistory(ctx, *limit)
			if err != nil {
				return err
			}

			for _, e := range entries {
				o.Printf("%4d  %s  %-12s %s\n", e.ID, e.Timestamp.Format(time.RFC3339), e.Action, e.Data)
			}

			return nil
		},
	}
}

func (a *app) cmdSettings() *Command {
	flags := flag.NewFlagSet("settings", flag.ContinueOnError)
	del := flags.Bool("delete", false, "Delete the named setting")

	return &Command{
		Flags: flags,
		Usage: "settings [key [value]] [flags]",
		Group: groupLibrary,
		Args:  rangeArgs(0, 2),
		Short: "List, read, write or delete settings",
		Long: "With no arguments lists all settings. With a key prints its value; with a key\n" +
			"and a value stores it. Values that parse as JSON keep their type.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			switch {
			case *del:
				if len(args) != 1 {
					return fmt.Errorf("%w: usage: dv settings --delete <key>", errArgCount)
				}

				ok, err := a.lib.DeleteSetting(ctx, args[0])
				if err != nil {
					return err
				}

				if !ok {
					o.Warn("setting "+strconv.Quote(args[0])+" did not exist", "check the key with 'dv settings'")
				}

				return nil

			case len(args) == 0:
				all, err := a.lib.AllSettings(ctx)
				if err != nil {
					return err
				}

				for _, k := range slices.Sorted(maps.Keys(all)) {
					o.Printf("%s=%s\n", k, all[k].Value)
				}

				return nil

			case len(args) == 1:
				s, err := a.lib.GetSetting(ctx, args[0])
				if err != nil {
					return err
				}

				o.Println(string(s.Value))

				return nil

			case len(args) == 2:
				value := parseValue(args[1])
				if value == nil {
					value = ""
				}

				s, err := a.lib.SetSetting(ctx, args[0], value)
				if err != nil {
					return err
				}

				a.record(ctx, "setting", map[string]json.RawMessage{args[0]: s.Value})

				o.Printf("%s=%s\n", s.Key, s.Value)

				return nil
			}

			return fmt.Errorf("%w: usage: dv settings [key [value]]", errArgCount)
		},
	}
}
