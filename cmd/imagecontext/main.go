package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/localrivet/imagecontext"
	"github.com/localrivet/imagecontext/internal/embedding"
	"github.com/localrivet/imagecontext/internal/errortypes"
)

var (
	configPath = flag.String("config", "", "Path to the config file (default: .imagecontextconfig lookup)")
	skipCheck  = flag.Bool("skip-check", false, "Open the store without verifying the embedding model")
	asJSON     = flag.Bool("json", false, "Print results as JSON")
)

var (
	green  = color.New(color.FgGreen, color.Bold).SprintFunc()
	yellow = color.New(color.FgYellow, color.Bold).SprintFunc()
	red    = color.New(color.FgRed, color.Bold).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
)

const usage = `Usage: imagecontext [flags] <command> [args]

Commands:
  serve                     Serve MCP tools over stdio
  process [-force] <path>   Describe and store an image or a directory of images
  search [-k N] <query>     Search stored images by description
  list                      List the paths of stored images
  remove <path>...          Delete the stored records of images
  clear -yes                Delete every stored image but keep the collection
  stats                     Show store statistics
  check                     Check the embedding model against the stored collection
  rebuild -yes              Delete every stored image and rebuild for the configured model
  duplicates [-threshold T] [path]
                            Find near duplicates of one image, or group all images
  init-config <path>        Write the default configuration to path
  init-model [-dim N] [-ngram N] <dir>
                            Create a local hashing embedding model

Flags:
`

func main() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	var err error
	switch cmd {
	case "serve":
		err = serve()
	case "process":
		err = withServer(ctx, *skipCheck, cancel, func(s *imagecontext.Server) error { return process(ctx, s, args) })
	case "search":
		err = withServer(ctx, *skipCheck, cancel, func(s *imagecontext.Server) error { return search(ctx, s, args) })
	case "list":
		err = withServer(ctx, true, cancel, func(s *imagecontext.Server) error { return list(ctx, s) })
	case "remove":
		err = withServer(ctx, true, cancel, func(s *imagecontext.Server) error { return remove(ctx, s, args) })
	case "clear":
		err = withServer(ctx, true, cancel, func(s *imagecontext.Server) error { return clearAll(ctx, s, args) })
	case "stats":
		err = withServer(ctx, true, cancel, func(s *imagecontext.Server) error { return stats(ctx, s) })
	case "check":
		err = withServer(ctx, true, cancel, func(s *imagecontext.Server) error { return check(ctx, s) })
	case "rebuild":
		err = withServer(ctx, true, cancel, func(s *imagecontext.Server) error { return rebuild(ctx, s, args) })
	case "duplicates":
		err = withServer(ctx, *skipCheck, cancel, func(s *imagecontext.Server) error { return duplicates(ctx, s, args) })
	case "init-config":
		err = initConfig(args)
	case "init-model":
		err = initModel(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("Error:"), err)
		if errortypes.IsIncompatibleError(err) {
			fmt.Fprintln(os.Stderr, "Run 'imagecontext check' for details and 'imagecontext rebuild -yes' to start over with the configured model.")
		}
		os.Exit(1)
	}
}

func newServer(skip bool) (*imagecontext.Server, error) {
	return imagecontext.NewServer(imagecontext.ServerOptions{
		ConfigPath:             *configPath,
		SkipCompatibilityCheck: skip,
	})
}

// withServer runs fn against an opened server and cancels ctx on SIGINT or
// SIGTERM.
func withServer(ctx context.Context, skip bool, cancel context.CancelFunc, fn func(*imagecontext.Server) error) error {
	s, err := newServer(skip)
	if err != nil {
		return err
	}
	defer s.Stop()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)
	go func() {
		select {
		case <-c:
			fmt.Fprintln(os.Stderr, "\nShutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return fn(s)
}

func serve() error {
	s, err := newServer(*skipCheck)
	if err != nil {
		return err
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		s.Logger.Info("Received shutdown signal, terminating gracefully...")
		if err := s.Stop(); err != nil {
			errortypes.LogError(s.Logger, errortypes.DatabaseError(err, "Error closing store during shutdown"))
		}
		s.Logger.Info("Shutdown complete")
		os.Exit(0)
	}()

	if err := s.Start(); err != nil {
		return errortypes.InternalError(err, "MCP server failed")
	}
	return s.Stop()
}

func process(ctx context.Context, s *imagecontext.Server, args []string) error {
	fs := flag.NewFlagSet("process", flag.ExitOnError)
	force := fs.Bool("force", false, "Reprocess images that are already stored")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("process takes exactly one path")
	}
	path := fs.Arg(0)

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		res, err := s.Process(ctx, path, *force)
		if err != nil {
			return err
		}
		if *asJSON {
			return printJSON(res)
		}
		if res.Skipped {
			fmt.Printf("%s %s already processed (%s)\n", yellow("SKIPPED"), res.Path, res.ID)
		} else {
			fmt.Printf("%s %s (%s)\n", green("PROCESSED"), res.Path, res.ID)
		}
		return nil
	}

	batch, err := s.ProcessDirectory(ctx, path, *force)
	if *asJSON {
		if perr := printJSON(batch); perr != nil {
			return perr
		}
		return err
	}
	fmt.Printf("Batch %s: %d images in %s\n", cyan(batch.BatchID), batch.Total, batch.Duration.Round(1e6))
	fmt.Printf("  %s %d  %s %d  %s %d\n",
		green("processed"), batch.Processed, yellow("skipped"), batch.Skipped, red("failed"), batch.Failed)
	for _, e := range batch.Errors {
		fmt.Printf("  %s %s: %s\n", red("x"), e.Path, e.Error)
	}
	return err
}

func search(ctx context.Context, s *imagecontext.Server, args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	k := fs.Int("k", 5, "Number of results")
	fs.Parse(args)
	query := strings.Join(fs.Args(), " ")

	hits, err := s.Search(ctx, query, *k)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(hits)
	}
	if len(hits) == 0 {
		fmt.Println("No matching images.")
		return nil
	}
	for i, h := range hits {
		fmt.Printf("%d. %s  %s\n   %s\n", i+1, cyan(h.Path), yellow(fmt.Sprintf("%.4f", h.Distance)), h.Caption)
		if len(h.Objects) > 0 {
			fmt.Printf("   objects: %s\n", strings.Join(h.Objects, ", "))
		}
	}
	return nil
}

func list(ctx context.Context, s *imagecontext.Server) error {
	paths, err := s.ProcessedPaths(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(paths)
	}
	for _, p := range paths {
		fmt.Println(p)
	}
	return nil
}

func remove(ctx context.Context, s *imagecontext.Server, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("remove takes at least one path")
	}
	removed, err := s.Remove(ctx, args...)
	if err != nil {
		return err
	}
	fmt.Printf("%s %d of %d images\n", green("REMOVED"), removed, len(args))
	return nil
}

func clearAll(ctx context.Context, s *imagecontext.Server, args []string) error {
	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	yes := fs.Bool("yes", false, "Confirm that every stored image will be deleted")
	fs.Parse(args)
	if !*yes {
		return fmt.Errorf("clear deletes every stored image; pass -yes to confirm")
	}
	removed, err := s.ClearAll(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s %d images\n", green("CLEARED"), removed)
	return nil
}

func stats(ctx context.Context, s *imagecontext.Server) error {
	st, err := s.Stats(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(st)
	}
	fmt.Printf("Collection: %s\n", cyan(st.CollectionName))
	fmt.Printf("Store:      %s\n", st.StorePath)
	fmt.Printf("State:      %s\n", st.State)
	fmt.Printf("Images:     %d\n", st.Count)
	if st.Identity != nil {
		fmt.Printf("Model:      %s\n", st.Identity)
	}
	return nil
}

func check(ctx context.Context, s *imagecontext.Server) error {
	v := s.CheckCompatibility(ctx)
	if *asJSON {
		if err := printJSON(v); err != nil {
			return err
		}
		return v.Err
	}

	switch {
	case v.Err != nil:
		fmt.Printf("%s %s\n", red("CHECK FAILED"), v.Message)
		return v.Err
	case v.Compatible:
		fmt.Printf("%s %s\n", green("COMPATIBLE"), v.Message)
	default:
		fmt.Printf("%s %s\n", red("INCOMPATIBLE"), v.Message)
		fmt.Println("The collection must be cleared and rebuilt: imagecontext rebuild -yes")
	}
	if v.Stored != nil {
		fmt.Printf("  stored:     %s\n", v.Stored)
	}
	if v.Candidate != nil {
		fmt.Printf("  configured: %s\n", v.Candidate)
	}
	return nil
}

func rebuild(ctx context.Context, s *imagecontext.Server, args []string) error {
	fs := flag.NewFlagSet("rebuild", flag.ExitOnError)
	yes := fs.Bool("yes", false, "Confirm that every stored image will be deleted")
	fs.Parse(args)
	if !*yes {
		return fmt.Errorf("rebuild deletes every stored image; pass -yes to confirm")
	}

	res, err := s.ClearAndRebuild(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(res)
	}
	fmt.Printf("%s collection %s now uses %s\n", green("REBUILT"), s.Manager.Collection(), res.NewIdentity)
	return nil
}

func duplicates(ctx context.Context, s *imagecontext.Server, args []string) error {
	fs := flag.NewFlagSet("duplicates", flag.ExitOnError)
	threshold := fs.Float64("threshold", 0, "Minimum similarity in (0, 1]; 0 uses the configured default")
	fs.Parse(args)

	var groups []imagecontext.DuplicateGroup
	if fs.NArg() > 0 {
		g, err := s.FindDuplicates(ctx, fs.Arg(0), *threshold)
		if err != nil {
			return err
		}
		groups = append(groups, *g)
	} else {
		var err error
		if groups, err = s.ScanDuplicates(ctx, *threshold); err != nil {
			return err
		}
	}

	if *asJSON {
		return printJSON(groups)
	}
	found := 0
	for _, g := range groups {
		if len(g.DuplicateIDs) == 0 {
			continue
		}
		found++
		fmt.Println(cyan(g.RepresentativePath))
		for i, p := range g.Paths {
			fmt.Printf("  %s %s\n", yellow(fmt.Sprintf("%.4f", g.SimilarityScores[i])), p)
		}
	}
	if found == 0 {
		fmt.Println("No duplicates found.")
	}
	return nil
}

func initConfig(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("init-config takes exactly one path")
	}
	if err := imagecontext.SaveConfig(imagecontext.DefaultConfig(), args[0]); err != nil {
		return err
	}
	fmt.Printf("%s %s\n", green("WROTE"), args[0])
	return nil
}

func initModel(args []string) error {
	fs := flag.NewFlagSet("init-model", flag.ExitOnError)
	dim := fs.Int("dim", 384, "Vector dimension")
	ngram := fs.Int("ngram", 2, "Largest word n-gram hashed")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("init-model takes exactly one directory")
	}
	dir := fs.Arg(0)

	m := embedding.Manifest{Name: dir, Dimension: *dim, Lowercase: true, NGram: *ngram}
	if err := embedding.WriteManifest(dir, m); err != nil {
		return err
	}
	fmt.Printf("%s local model at %s (dimension %d)\n", green("CREATED"), dir, *dim)
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
