package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/docvault/pkg/library"
)

var (
	errNameRequired = errors.New("name is required")
	errContentTwice = errors.New("use either --content or --file, not both")
	errMetaFormat   = errors.New("--meta must be key=value")
	errNoChanges    = errors.New("nothing to update")
)

func (a *app) cmdAdd() *Command {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	id := fs.String("id", "", "Document ID [default: generated]")
	docType := fs.StringP("type", "t", string(library.TypeText), "Type: "+joinValues(library.DocumentTypes))
	content := fs.String("content", "", "Content text")
	file := fs.StringP("file", "f", "", "Read content from `path` (- for stdin)")
	status := fs.String("status", "", "Status: "+joinValues(library.DocumentStatuses))
	source := fs.String("source", "", "Source: "+joinValues(library.Sources))
	summary := fs.String("summary", "", "Summary text")
	tags := fs.StringArray("tag", nil, "Tag (repeatable)")
	folder := fs.String("folder", "", "Folder ID")
	folderPath := fs.String("folder-path", "", "Folder path")
	sourceURL := fs.String("url", "", "Source URL")
	favorite := fs.Bool("favorite", false, "Mark as favorite")
	pinned := fs.Bool("pinned", false, "Pin the document")
	meta := fs.StringArray("meta", nil, "Custom metadata key=value (repeatable)")
	noFrontmatter := fs.Bool("no-frontmatter", false, "Keep YAML frontmatter of markdown files as content")

	return &Command{
		Flags: fs,
		Usage: "add [name] [flags]",
		Group: groupDocuments,
		Args:  rangeArgs(0, 1),
		Short: "Add a document, prints its ID",
		Long: "Add a document and print its ID. With --file the name defaults to the file name.\n" +
			"Markdown files (.md) default to type markdown; their YAML frontmatter supplies\n" +
			"title, tags, summary and custom metadata unless --no-frontmatter is given.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) == 0 && (*file == "" || *file == "-") {
				return errNameRequired
			}

			in := library.NewDocument{
				ID:         *id,
				Type:       library.DocumentType(*docType),
				Content:    *content,
				Status:     library.DocumentStatus(*status),
				Source:     library.Source(*source),
				Summary:    *summary,
				Tags:       *tags,
				FolderID:   *folder,
				FolderPath: *folderPath,
				SourceURL:  *sourceURL,
				IsFavorite: *favorite,
				IsPinned:   *pinned,
			}

			if len(args) == 1 {
				in.Name = args[0]
			}

			if *file != "" {
				if fs.Changed("content") {
					return errContentTwice
				}

				data, err := a.readInput(o, *file)
				if err != nil {
					return err
				}

				in.Content = string(data)

				if *file != "-" {
					in.OriginalFilename = filepath.Base(*file)
					in.MimeType = mime.TypeByExtension(filepath.Ext(*file))

					if in.Name == "" {
						in.Name = in.OriginalFilename
					}

					if isMarkdownPath(*file) && !fs.Changed("type") {
						in.Type = library.TypeMarkdown
					}
				}
			}

			if in.Type == library.TypeMarkdown && !*noFrontmatter {
				err := applyFrontmatter(&in, len(args) == 1)
				if err != nil {
					return err
				}
			}

			custom, err := parseMeta(*meta)
			if err != nil {
				return err
			}

			for k, v := range custom {
				if v != nil {
					if in.Custom == nil {
						in.Custom = make(map[string]any)
					}

					in.Custom[k] = v
				}
			}

			doc, err := a.lib.AddDocument(ctx, in)
			if err != nil {
				return err
			}

			a.record(ctx, "upload", map[string]string{"id": doc.ID, "name": doc.Name})

			o.Println(doc.ID)

			return nil
		},
	}
}

// applyFrontmatter moves the YAML header of markdown content into the
// document fields. Explicit flags win over header values.
func applyFrontmatter(in *library.NewDocument, nameGiven bool) error {
	hdr, body, err := splitFrontmatter([]byte(in.Content))
	if err != nil {
		return err
	}

	in.Content = string(body)

	if hdr.Title != "" && !nameGiven {
		in.Name = hdr.Title
	}

	if in.Summary == "" {
		in.Summary = hdr.Summary
	}

	in.Tags = append(in.Tags, hdr.Tags...)

	for k, v := range hdr.Extra {
		if in.Custom == nil {
			in.Custom = make(map[string]any, len(hdr.Extra))
		}

		in.Custom[k] = v
	}

	return nil
}

func (a *app) cmdShow() *Command {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	peek := fs.Bool("peek", false, "Do not count this as a view")
	asJSON := fs.Bool("json", false, "Print the document as JSON")

	return &Command{
		Flags: fs,
		Usage: "show <id> [flags]",
		Group: groupDocuments,
		Args:  exactArgs(1),
		Short: "Show a document",
		Long:  "Show a document. Counts as a view unless --peek is given.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			var (
				doc library.Document
				err error
			)

			if *peek {
				doc, err = a.lib.PeekDocument(ctx, args[0])
			} else {
				doc, err = a.lib.GetDocument(ctx, args[0])
			}

			if err != nil {
				return err
			}

			if *asJSON {
				return o.PrintJSON(doc)
			}

			printDocument(o, &doc)

			return nil
		},
	}
}

// listFlags are the filter, sort and paging flags shared by ls and search.
type listFlags struct {
	fs       *flag.FlagSet
	docType  *string
	status   *string
	source   *string
	folder   *string
	tags     *[]string
	favorite *bool
	sortBy   *string
	asc      *bool
	offset   *int
	limit    *int
	asJSON   *bool
}

func addListFlags(fs *flag.FlagSet, defaultSort string) *listFlags {
	return &listFlags{
		fs:       fs,
		docType:  fs.StringP("type", "t", "", "Filter by type"),
		status:   fs.String("status", "", "Filter by status"),
		source:   fs.String("source", "", "Filter by source"),
		folder:   fs.String("folder", "", "Filter by folder ID"),
		tags:     fs.StringArray("tag", nil, "Require tag (repeatable)"),
		favorite: fs.Bool("favorite", false, "Only favorites (--favorite=false for non-favorites)"),
		sortBy:   fs.String("sort", defaultSort, "Sort by "+joinValues(library.SortFields)),
		asc:      fs.Bool("asc", false, "Sort ascending"),
		offset:   fs.Int("offset", 0, "Skip first N results"),
		limit:    fs.IntP("limit", "n", 0, "Maximum results (0 = all)"),
		asJSON:   fs.Bool("json", false, "Print results as JSON"),
	}
}

func (f *listFlags) options() (library.ListOptions, error) {
	sortBy, err := library.ParseSortField(*f.sortBy)
	if err != nil {
		return library.ListOptions{}, err
	}

	opts := library.ListOptions{
		Type:      library.DocumentType(*f.docType),
		Status:    library.DocumentStatus(*f.status),
		Source:    library.Source(*f.source),
		FolderID:  *f.folder,
		Tags:      *f.tags,
		SortBy:    sortBy,
		Ascending: *f.asc,
		Offset:    *f.offset,
		Limit:     *f.limit,
	}

	if f.fs.Changed("favorite") {
		opts.Favorite = f.favorite
	}

	return opts, nil
}

func (a *app) cmdLs() *Command {
	fs := flag.NewFlagSet("ls", flag.ContinueOnError)
	lf := addListFlags(fs, string(library.SortUploaded))

	return &Command{
		Flags: fs,
		Usage: "ls [flags]",
		Group: groupDocuments,
		Args:  exactArgs(0),
		Short: "List documents",
		Long:  "List documents, newest first. Filters combine with AND.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			opts, err := lf.options()
			if err != nil {
				return err
			}

			docs, err := a.lib.ListDocuments(ctx, opts)
			if err != nil {
				return err
			}

			if *lf.asJSON {
				return o.PrintJSON(docs)
			}

			for i := range docs {
				o.Println(formatDocumentLine(&docs[i]))
			}

			return nil
		},
	}
}

func (a *app) cmdSearch() *Command {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	lf := addListFlags(fs, "")
	track := fs.Bool("track", false, "Count the search as a query on every hit")
	matchOnly := fs.Bool("match-only", false, "Drop hits ranked only by favorite or recent access")

	return &Command{
		Flags: fs,
		Usage: "search <query> [flags]",
		Group: groupDocuments,
		Short: "Search documents by relevance",
		Long: "Search names, content, tags and summaries. Results are ranked by score; favorites\n" +
			"and recently opened documents get a bonus. An empty query lists documents like ls.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			query := strings.Join(args, " ")

			opts, err := lf.options()
			if err != nil {
				return err
			}

			results, err := a.lib.SearchDocuments(ctx, query, library.SearchOptions{
				ListOptions:  opts,
				TrackQueries: *track,
				RequireMatch: *matchOnly,
			})
			if err != nil {
				return err
			}

			if *lf.asJSON {
				return o.PrintJSON(results)
			}

			for i := range results {
				o.Printf("%7.1f  %s\n", results[i].Score, formatDocumentLine(&results[i].Document))
			}

			return nil
		},
	}
}

func (a *app) cmdUpdate() *Command {
	fs := flag.NewFlagSet("update", flag.ContinueOnError)
	name := fs.String("name", "", "New name")
	docType := fs.StringP("type", "t", "", "New type")
	status := fs.String("status", "", "New status")
	summary := fs.String("summary", "", "New summary")
	content := fs.String("content", "", "New content")
	file := fs.StringP("file", "f", "", "Read new content from `path` (- for stdin)")
	tags := fs.StringArray("tag", nil, "Replace tags (repeatable; --tag '' clears)")
	addTags := fs.StringArray("add-tag", nil, "Add tag (repeatable)")
	removeTags := fs.StringArray("remove-tag", nil, "Remove tag (repeatable)")
	source := fs.String("source", "", "New source")
	folder := fs.String("folder", "", "New folder ID")
	folderPath := fs.String("folder-path", "", "New folder path")
	sourceURL := fs.String("url", "", "New source URL")
	favorite := fs.Bool("favorite", false, "Set favorite")
	pinned := fs.Bool("pinned", false, "Set pinned")
	meta := fs.StringArray("meta", nil, "Custom metadata key=value; key= deletes (repeatable)")

	return &Command{
		Flags: fs,
		Usage: "update <id> [flags]",
		Group: groupDocuments,
		Args:  exactArgs(1),
		Short: "Update a document",
		Long:  "Update a document. Only the given flags change; each update bumps the version.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			id := args[0]

			var (
				patch library.DocumentPatch
				mp    library.MetadataPatch
				dirty bool
				mDirt bool
				err   error
			)

			setString := func(flagName string, dst **string, v *string) {
				if fs.Changed(flagName) {
					*dst = v
					dirty = true
				}
			}

			setString("name", &patch.Name, name)
			setString("summary", &patch.Summary, summary)
			setString("content", &patch.Content, content)

			if fs.Changed("type") {
				t := library.DocumentType(*docType)
				patch.Type = &t
				dirty = true
			}

			if fs.Changed("status") {
				s := library.DocumentStatus(*status)
				patch.Status = &s
				dirty = true
			}

			if *file != "" {
				if patch.Content != nil {
					return errContentTwice
				}

				data, err := a.readInput(o, *file)
				if err != nil {
					return err
				}

				text := string(data)
				patch.Content = &text
				dirty = true
			}

			if fs.Changed("tag") {
				patch.Tags = append([]string{}, *tags...)
				dirty = true
			}

			setMeta := func(flagName string, dst **string, v *string) {
				if fs.Changed(flagName) {
					*dst = v
					mDirt = true
				}
			}

			setMeta("folder", &mp.FolderID, folder)
			setMeta("folder-path", &mp.FolderPath, folderPath)
			setMeta("url", &mp.SourceURL, sourceURL)

			if fs.Changed("source") {
				s := library.Source(*source)
				mp.Source = &s
				mDirt = true
			}

			if fs.Changed("favorite") {
				mp.IsFavorite = favorite
				mDirt = true
			}

			if fs.Changed("pinned") {
				mp.IsPinned = pinned
				mDirt = true
			}

			if len(*meta) > 0 {
				mp.Custom, err = parseMeta(*meta)
				if err != nil {
					return err
				}

				mDirt = true
			}

			if mDirt {
				patch.Metadata = &mp
				dirty = true
			}

			tagEdit := len(*addTags) > 0 || len(*removeTags) > 0
			if !dirty && !tagEdit {
				return errNoChanges
			}

			if dirty {
				doc, err := a.lib.UpdateDocument(ctx, id, patch)
				if err != nil {
					return err
				}

				a.record(ctx, "update", map[string]any{"id": id, "version": doc.Version})
			}

			if tagEdit {
				_, err := a.lib.PeekDocument(ctx, id)
				if err != nil {
					return err
				}

				_, err = a.lib.BulkUpdateTags(ctx, []string{id}, *addTags, *removeTags)
				if err != nil {
					return err
				}

				a.record(ctx, "tag", map[string]any{"id": id, "add": *addTags, "remove": *removeTags})
			}

			doc, err := a.lib.PeekDocument(ctx, id)
			if err != nil {
				return err
			}

			o.Printf("Updated %s (version %d)\n", doc.ID, doc.Version)

			return nil
		},
	}
}

func (a *app) cmdRm() *Command {
	return &Command{
		Flags: flag.NewFlagSet("rm", flag.ContinueOnError),
		Usage: "rm <id>...",
		Group: groupDocuments,
		Args:  minArgs(1),
		Short: "Delete documents",
		Long:  "Delete documents. With one ID a missing document is an error; with several, missing IDs are skipped.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			n := 1

			if len(args) == 1 {
				err := a.lib.DeleteDocument(ctx, args[0])
				if err != nil {
					return err
				}
			} else {
				var err error

				n, err = a.lib.BulkDeleteDocuments(ctx, args)
				if err != nil {
					return err
				}
			}

			a.record(ctx, "delete", map[string]any{"ids": args, "deleted": n})

			o.Printf("Deleted %d document(s)\n", n)

			return nil
		},
	}
}

func printDocument(o *IO, doc *library.Document) {
	m := &doc.Metadata

	o.Println("id:", doc.ID)
	o.Println("name:", doc.Name)
	o.Println("type:", doc.Type)
	o.Println("status:", doc.Status)
	o.Println("source:", m.Source)

	if len(doc.Tags) > 0 {
		o.Println("tags:", strings.Join(doc.Tags, ", "))
	}

	o.Printf("size: %s (%d words, %d chars)\n", m.FormattedSize, m.WordCount, m.CharCount)

	if m.MimeType != "" {
		o.Println("mime:", m.MimeType)
	}

	if m.OriginalFilename != "" {
		o.Println("file:", m.OriginalFilename)
	}

	if m.SourceURL != "" {
		o.Println("url:", m.SourceURL)
	}

	if m.FolderPath != "" || m.FolderID != "" {
		o.Printf("folder: %s %s\n", m.FolderID, m.FolderPath)
	}

	o.Println("uploaded:", m.UploadedAt.Format(time.RFC3339))
	o.Println("modified:", m.ModifiedAt.Format(time.RFC3339))
	o.Println("accessed:", m.LastAccessed.Format(time.RFC3339))
	o.Printf("version: %d\n", doc.Version)
	o.Printf("views: %d queries: %d\n", doc.Analytics.ViewCount, doc.Analytics.QueryCount)

	if m.IsFavorite {
		o.Println("favorite: yes")
	}

	if m.IsPinned {
		o.Println("pinned: yes")
	}

	for k, v := range m.Custom {
		data, _ := json.Marshal(v)
		o.Printf("meta.%s: %s\n", k, data)
	}

	if doc.Summary != "" {
		o.Println()
		o.Println("## Summary")
		o.Println(doc.Summary)
	}

	if doc.Content != "" {
		o.Println()
		o.Println(doc.Content)
	}
}

func formatDocumentLine(doc *library.Document) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s  %-11s %-10s %s", doc.ID, doc.Type, doc.Status, doc.Name)

	if len(doc.Tags) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(doc.Tags, ", "))
	}

	if doc.Metadata.IsFavorite {
		b.WriteString(" *")
	}

	return b.String()
}

// readInput reads a file, or stdin when path is "-".
func (a *app) readInput(o *IO, path string) ([]byte, error) {
	if path == "-" {
		if o.in == nil {
			return nil, errors.New("no stdin available")
		}

		data, err := io.ReadAll(o.in)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}

		return data, nil
	}

	data, err := os.ReadFile(a.path(path))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	return data, nil
}

// path resolves p against the effective working directory.
func (a *app) path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}

	return filepath.Join(a.cfg.EffectiveCwd, p)
}

// parseMeta parses key=value pairs. Values that are valid JSON keep their
// type; anything else is a string. An empty value maps to nil.
func parseMeta(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	out := make(map[string]any, len(pairs))

	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: %q", errMetaFormat, p)
		}

		out[k] = parseValue(v)
	}

	return out, nil
}

func parseValue(v string) any {
	if v == "" {
		return nil
	}

	var decoded any

	err := json.Unmarshal([]byte(v), &decoded)
	if err != nil {
		return v
	}

	return decoded
}

func joinValues[T ~string](values []T) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = string(v)
	}

	return strings.Join(parts, "|")
}
