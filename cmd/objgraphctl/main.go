// Command objgraphctl is a small CLI over a local objgraph store: put
// a file under a user's branch, list and read it back, inspect a
// branch's head commit or its full tree, commit several files
// atomically, sweep unreferenced blocks, and drive the Snapshot and
// RemoteBranch ingest paths against a branch's own local state.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kestrel-sync/objgraph"
	"github.com/kestrel-sync/objgraph/internal/config"
	"github.com/kestrel-sync/objgraph/internal/snapshot"
	"github.com/kestrel-sync/objgraph/pkg/objectid"
	"github.com/kestrel-sync/objgraph/pkg/objects"
	"github.com/kestrel-sync/objgraph/pkg/versionvector"
)

func main() {
	putCmd := flag.NewFlagSet("put", flag.ExitOnError)
	catCmd := flag.NewFlagSet("cat", flag.ExitOnError)
	lsCmd := flag.NewFlagSet("ls", flag.ExitOnError)
	headCmd := flag.NewFlagSet("head", flag.ExitOnError)
	branchCmd := flag.NewFlagSet("branch", flag.ExitOnError)
	commitCmd := flag.NewFlagSet("commit", flag.ExitOnError)
	gcCmd := flag.NewFlagSet("gc", flag.ExitOnError)
	snapshotCmd := flag.NewFlagSet("snapshot", flag.ExitOnError)

	if len(os.Args) < 2 {
		fmt.Println("Usage: objgraphctl <command> [arguments]")
		fmt.Println("Commands:")
		fmt.Println("  put <user-hex> <file>")
		fmt.Println("  cat <user-hex> <name>")
		fmt.Println("  ls <user-hex>")
		fmt.Println("  head <user-hex>")
		fmt.Println("  branch <user-hex>")
		fmt.Println("  commit <user-hex> <name>=<file> [<name>=<file> ...]")
		fmt.Println("  gc")
		fmt.Println("  snapshot create <name> <user-hex> [<user-hex> ...]")
		fmt.Println("  snapshot pull <user-hex>")
		os.Exit(1)
	}

	ctx := context.Background()
	cfg := config.Config{DataDir: getDataDir(), SnapshotDir: getSnapshotDir(), LogLevel: "info"}

	db, err := objgraph.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing DB: %v\n", err)
		os.Exit(1)
	}
	if err := db.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting DB: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	switch os.Args[1] {
	case "put":
		putCmd.Parse(os.Args[2:])
		if putCmd.NArg() < 2 {
			fmt.Println("Usage: objgraphctl put <user-hex> <file>")
			os.Exit(1)
		}
		putFile(ctx, db, putCmd.Arg(0), putCmd.Arg(1))

	case "cat":
		catCmd.Parse(os.Args[2:])
		if catCmd.NArg() < 2 {
			fmt.Println("Usage: objgraphctl cat <user-hex> <name>")
			os.Exit(1)
		}
		catFile(ctx, db, catCmd.Arg(0), catCmd.Arg(1))

	case "ls":
		lsCmd.Parse(os.Args[2:])
		if lsCmd.NArg() < 1 {
			fmt.Println("Usage: objgraphctl ls <user-hex>")
			os.Exit(1)
		}
		listFiles(ctx, db, lsCmd.Arg(0))

	case "head":
		headCmd.Parse(os.Args[2:])
		if headCmd.NArg() < 1 {
			fmt.Println("Usage: objgraphctl head <user-hex>")
			os.Exit(1)
		}
		printHead(ctx, db, headCmd.Arg(0))

	case "branch":
		branchCmd.Parse(os.Args[2:])
		if branchCmd.NArg() < 1 {
			fmt.Println("Usage: objgraphctl branch <user-hex>")
			os.Exit(1)
		}
		printBranch(ctx, db, branchCmd.Arg(0))

	case "commit":
		commitCmd.Parse(os.Args[2:])
		if commitCmd.NArg() < 2 {
			fmt.Println("Usage: objgraphctl commit <user-hex> <name>=<file> [<name>=<file> ...]")
			os.Exit(1)
		}
		commitFiles(ctx, db, commitCmd.Arg(0), commitCmd.Args()[1:])

	case "gc":
		gcCmd.Parse(os.Args[2:])
		runGC(ctx, db)

	case "snapshot":
		snapshotCmd.Parse(os.Args[2:])
		args := snapshotCmd.Args()
		if len(args) < 2 {
			fmt.Println("Usage: objgraphctl snapshot create <name> <user-hex> [<user-hex> ...]")
			fmt.Println("       objgraphctl snapshot pull <user-hex>")
			os.Exit(1)
		}
		switch args[0] {
		case "create":
			if len(args) < 3 {
				fmt.Println("Usage: objgraphctl snapshot create <name> <user-hex> [<user-hex> ...]")
				os.Exit(1)
			}
			createSnapshotGroup(ctx, db, args[1], args[2:])
		case "pull":
			pullRemoteBranch(ctx, db, args[1])
		default:
			fmt.Printf("Unknown snapshot mode: %s\n", args[0])
			os.Exit(1)
		}

	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}
}

func getDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	dir := filepath.Join(home, ".objgraph", "data")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		panic(err)
	}
	return dir
}

func getSnapshotDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	dir := filepath.Join(home, ".objgraph", "snapshots")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		panic(err)
	}
	return dir
}

func parseUser(s string) objectid.UserID {
	u, err := objectid.UserIDFromHex(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid user id: %v\n", err)
		os.Exit(1)
	}
	return u
}

func putFile(ctx context.Context, db *objgraph.DB, userHex, path string) {
	user := parseUser(userHex)
	content, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading file: %v\n", err)
		os.Exit(1)
	}

	blobID, err := db.StoreBlob(ctx, content)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error storing content: %v\n", err)
		os.Exit(1)
	}

	b, err := db.Branch(user)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening branch: %v\n", err)
		os.Exit(1)
	}

	op, err := b.OpenRootOp(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening root: %v\n", err)
		os.Exit(1)
	}

	existing, _ := op.Tree().Find(filepath.Base(path))
	nextVersion := uint64(1)
	for _, ue := range existing {
		if ue.User != user {
			continue
		}
		if v := ue.VO.Versions.VersionOf(user); v >= nextVersion {
			nextVersion = v + 1
		}
	}
	vv := versionvector.New()
	if err := vv.SetVersion(user, nextVersion); err != nil {
		fmt.Fprintf(os.Stderr, "Error building version vector: %v\n", err)
		os.Exit(1)
	}

	op.Tree().Insert(filepath.Base(path), user, objects.VersionedObject{ID: blobID, Versions: vv})
	changed, err := op.Commit(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error committing: %v\n", err)
		os.Exit(1)
	}
	if !changed {
		fmt.Println("No change: file already at this content and version.")
		return
	}
	fmt.Printf("Stored %s as %s (blob %s)\n", path, filepath.Base(path), blobID)
}

func catFile(ctx context.Context, db *objgraph.DB, userHex, name string) {
	user := parseUser(userHex)
	b, err := db.Branch(user)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening branch: %v\n", err)
		os.Exit(1)
	}
	commit, ok, err := b.HeadCommit(ctx)
	if err != nil || !ok {
		fmt.Fprintln(os.Stderr, "Branch has no commits yet.")
		os.Exit(1)
	}
	dir, err := db.Objects().LoadDirectory(ctx, commit.RootID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading root: %v\n", err)
		os.Exit(1)
	}
	entries, ok := dir.Find(name)
	if !ok || len(entries) == 0 {
		fmt.Fprintf(os.Stderr, "No such entry: %s\n", name)
		os.Exit(1)
	}
	var found *objects.VersionedObject
	for _, ue := range entries {
		if ue.User == user {
			vo := ue.VO
			found = &vo
			break
		}
	}
	if found == nil {
		fmt.Fprintf(os.Stderr, "No entry for %s under user %s\n", name, userHex)
		os.Exit(1)
	}
	blob, err := db.Objects().LoadBlob(ctx, found.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading blob: %v\n", err)
		os.Exit(1)
	}
	os.Stdout.Write([]byte(blob))
}

func listFiles(ctx context.Context, db *objgraph.DB, userHex string) {
	user := parseUser(userHex)
	b, err := db.Branch(user)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening branch: %v\n", err)
		os.Exit(1)
	}
	commit, ok, err := b.HeadCommit(ctx)
	if err != nil || !ok {
		fmt.Println("(no commits yet)")
		return
	}
	dir, err := db.Objects().LoadDirectory(ctx, commit.RootID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading root: %v\n", err)
		os.Exit(1)
	}
	for _, name := range dir.Names() {
		fmt.Println(name)
	}
}

func printBranch(ctx context.Context, db *objgraph.DB, userHex string) {
	user := parseUser(userHex)
	b, err := db.Branch(user)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening branch: %v\n", err)
		os.Exit(1)
	}
	commit, ok, err := b.HeadCommit(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading head: %v\n", err)
		os.Exit(1)
	}
	if !ok {
		fmt.Println("(no commits yet)")
		return
	}
	fmt.Printf("user: %s\n", userHex)
	fmt.Printf("root: %s\n", commit.RootID)
	dir, err := db.Objects().LoadDirectory(ctx, commit.RootID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading root: %v\n", err)
		os.Exit(1)
	}
	for _, name := range dir.Names() {
		entries, _ := dir.Find(name)
		for _, ue := range entries {
			fmt.Printf("  %s\tuser=%s\tversion=%d\tid=%s\n", name, ue.User, ue.VO.Versions.VersionOf(ue.User), ue.VO.ID)
		}
	}
}

// commitFiles opens a single RootOp and inserts every name=file pair
// into it before committing once, demonstrating a multi-entry atomic
// commit rather than put's one-file-per-commit shape.
func commitFiles(ctx context.Context, db *objgraph.DB, userHex string, pairs []string) {
	user := parseUser(userHex)
	b, err := db.Branch(user)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening branch: %v\n", err)
		os.Exit(1)
	}
	op, err := b.OpenRootOp(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening root: %v\n", err)
		os.Exit(1)
	}

	for _, pair := range pairs {
		name, path, ok := splitNameValue(pair)
		if !ok {
			op.Release()
			fmt.Fprintf(os.Stderr, "Invalid argument %q, want name=file\n", pair)
			os.Exit(1)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			op.Release()
			fmt.Fprintf(os.Stderr, "Error reading file: %v\n", err)
			os.Exit(1)
		}
		blobID, err := db.StoreBlob(ctx, content)
		if err != nil {
			op.Release()
			fmt.Fprintf(os.Stderr, "Error storing content: %v\n", err)
			os.Exit(1)
		}

		existing, _ := op.Tree().Find(name)
		nextVersion := uint64(1)
		for _, ue := range existing {
			if ue.User != user {
				continue
			}
			if v := ue.VO.Versions.VersionOf(user); v >= nextVersion {
				nextVersion = v + 1
			}
		}
		vv := versionvector.New()
		if err := vv.SetVersion(user, nextVersion); err != nil {
			op.Release()
			fmt.Fprintf(os.Stderr, "Error building version vector: %v\n", err)
			os.Exit(1)
		}
		op.Tree().Insert(name, user, objects.VersionedObject{ID: blobID, Versions: vv})
	}

	changed, err := op.Commit(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error committing: %v\n", err)
		os.Exit(1)
	}
	if !changed {
		fmt.Println("No change: tree already at this content and version.")
		return
	}
	fmt.Printf("Committed %d entries for user %s\n", len(pairs), userHex)
}

func splitNameValue(s string) (name, value string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func runGC(ctx context.Context, db *objgraph.DB) {
	pruned, err := db.Sweep(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error sweeping: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Swept %d unreferenced block(s)\n", pruned)
}

// createSnapshotGroup builds one Snapshot per user, walks each user's
// already-local head commit tree into it so it completes immediately,
// and ties them together as a SnapshotGroup.
func createSnapshotGroup(ctx context.Context, db *objgraph.DB, name string, userHexes []string) {
	snapshots := make(map[objectid.UserID]*snapshot.Snapshot, len(userHexes))
	for _, userHex := range userHexes {
		user := parseUser(userHex)
		b, err := db.Branch(user)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening branch: %v\n", err)
			os.Exit(1)
		}
		commit, ok, err := b.HeadCommit(ctx)
		if err != nil || !ok {
			fmt.Fprintf(os.Stderr, "User %s has no commits yet\n", userHex)
			os.Exit(1)
		}
		snap, err := db.CreateSnapshot(ctx, commit, name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating snapshot: %v\n", err)
			os.Exit(1)
		}
		if err := walkIntoSnapshot(ctx, db, snap, commit.RootID, make(map[objectid.ID]bool)); err != nil {
			fmt.Fprintf(os.Stderr, "Error populating snapshot: %v\n", err)
			os.Exit(1)
		}
		snapshots[user] = snap
	}

	group := snapshot.NewGroup(snapshots)
	fmt.Printf("Snapshot group %q: %s\n", name, group.ID())
	for user, snap := range snapshots {
		fmt.Printf("  %s root=%s nameTag=%x\n", user, snap.RootID(), snap.NameTag())
	}
}

// walkIntoSnapshot delivers id to snap the way a real producer would:
// top-down. InsertObject classifies id's children against what's
// already pinned recursively; any child that isn't yet is registered
// as outstanding and must be delivered next in turn, recursing until
// every reachable object has been offered once.
func walkIntoSnapshot(ctx context.Context, db *objgraph.DB, snap *snapshot.Snapshot, id objectid.ID, visited map[objectid.ID]bool) error {
	if visited[id] {
		return nil
	}
	visited[id] = true

	obj, err := db.Objects().LoadAny(ctx, id)
	if err != nil {
		return err
	}
	children, err := childrenOf(obj)
	if err != nil {
		return err
	}
	if err := snap.InsertObject(ctx, id, children); err != nil {
		return err
	}
	for _, c := range children {
		rc, err := db.Objects().Refcount(ctx, c)
		if err != nil {
			return err
		}
		if rc.Recursive > 0 {
			continue
		}
		if err := walkIntoSnapshot(ctx, db, snap, c, visited); err != nil {
			return err
		}
	}
	return nil
}

func childrenOf(obj objects.Object) ([]objectid.ID, error) {
	d, ok := obj.(*objects.Directory)
	if !ok {
		return nil, nil
	}
	var children []objectid.ID
	err := d.ForEachUniqueChild(func(c objectid.ID) error {
		children = append(children, c)
		return nil
	})
	return children, err
}

// pullRemoteBranch opens (or creates) incremental-ingest state for
// user's own head commit and offers it the root object. Every object
// the root references is already present in the local blockstore, so
// RemoteBranch's own missing-child filter (existence in the
// blockstore, not completeness) never schedules a further fetch: one
// InsertObject call is enough to drive it to IsComplete, exercising
// the same ingest path a real replica follows once nothing is
// outstanding.
func pullRemoteBranch(ctx context.Context, db *objgraph.DB, userHex string) {
	user := parseUser(userHex)
	b, err := db.Branch(user)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening branch: %v\n", err)
		os.Exit(1)
	}
	commit, ok, err := b.HeadCommit(ctx)
	if err != nil || !ok {
		fmt.Fprintln(os.Stderr, "Branch has no commits yet.")
		os.Exit(1)
	}

	rb, err := db.OpenRemoteBranch(ctx, user, commit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening remote branch: %v\n", err)
		os.Exit(1)
	}
	if !rb.Commit().RootID.Equal(commit.RootID) {
		if err := rb.IntroduceCommit(ctx, commit); err != nil {
			fmt.Fprintf(os.Stderr, "Error introducing commit: %v\n", err)
			os.Exit(1)
		}
	}
	if !rb.IsComplete() {
		root, err := db.Objects().LoadDirectory(ctx, commit.RootID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading root: %v\n", err)
			os.Exit(1)
		}
		children, err := childrenOf(root)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading root children: %v\n", err)
			os.Exit(1)
		}
		if err := rb.InsertObject(ctx, root, children); err != nil {
			fmt.Fprintf(os.Stderr, "Error ingesting root: %v\n", err)
			os.Exit(1)
		}
	}
	fmt.Printf("remote branch for %s: complete=%t root=%s\n", userHex, rb.IsComplete(), commit.RootID)
}

func printHead(ctx context.Context, db *objgraph.DB, userHex string) {
	user := parseUser(userHex)
	b, err := db.Branch(user)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening branch: %v\n", err)
		os.Exit(1)
	}
	commit, ok, err := b.HeadCommit(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading head: %v\n", err)
		os.Exit(1)
	}
	if !ok {
		fmt.Println("(no commits yet)")
		return
	}
	fmt.Printf("root: %s\n", commit.RootID)
	fmt.Printf("versions: %d entries\n", commit.Versions.Len())
}
