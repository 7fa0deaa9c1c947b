// Command logrecv asks a running target for its context-switch log over a
// serial line, verifies the transfer and stores it in a SQLite database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	tty "github.com/mattn/go-tty"
	"golang.org/x/sync/errgroup"

	"ember/internal/logdb"
	"ember/kernel/ctxlog"
)

func main() {
	var (
		dev     = flag.String("tty", "", "serial device of the target (default: controlling terminal)")
		dbPath  = flag.String("db", "ctxlog.db", "SQLite database to store transfers in")
		timeout = flag.Duration("timeout", 10*time.Second, "give up if the transfer takes longer")
		list    = flag.Bool("list", false, "list stored transfers and exit")
	)
	flag.Parse()

	db, err := logdb.Open(*dbPath)
	if err != nil {
		log.Fatalf("logrecv: %v", err)
	}
	defer db.Close()

	if *list {
		if err := printTransfers(os.Stdout, db); err != nil {
			log.Fatalf("logrecv: %v", err)
		}
		return
	}

	t, err := openTTY(*dev)
	if err != nil {
		log.Fatalf("logrecv: open %q: %v", *dev, err)
	}
	restore := t.MustRaw()
	var once sync.Once
	closeTTY := func() {
		once.Do(func() {
			restore()
			t.Close()
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	entries, tr, err := receive(ctx, t.Input(), t.Output(), closeTTY)
	cancel()
	closeTTY()
	if err != nil {
		log.Fatalf("logrecv: %v", err)
	}

	id, err := db.Store(tr, entries, time.Now())
	if err != nil {
		log.Fatalf("logrecv: store: %v", err)
	}
	fmt.Printf("transfer %d: %d switches, %d dropped, sha3 %s\n", id, len(entries), tr.Dropped, tr.Digest)
}

func openTTY(dev string) (*tty.TTY, error) {
	if dev == "" {
		return tty.Open()
	}
	return tty.OpenDevice(dev)
}

// receive sends the sendlog command and decodes the reply. abort unblocks
// the reader when ctx ends first.
func receive(ctx context.Context, in io.Reader, out io.Writer, abort func()) ([]ctxlog.Entry, ctxlog.Trailer, error) {
	pr, pw := io.Pipe()
	g, ctx := errgroup.WithContext(ctx)

	var (
		entries []ctxlog.Entry
		tr      ctxlog.Trailer
	)
	done := make(chan struct{})

	g.Go(func() error {
		if _, err := io.WriteString(out, "sendlog\r\n"); err != nil {
			return err
		}
		_, err := io.Copy(pw, in)
		pw.CloseWithError(err)
		return nil
	})
	g.Go(func() error {
		defer close(done)
		var err error
		entries, tr, err = ctxlog.Decode(pr)
		pr.Close()
		if err != nil {
			return err
		}
		abort()
		return nil
	})
	g.Go(func() error {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			abort()
			pw.CloseWithError(ctx.Err())
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("transfer timed out")
			}
			return nil
		}
	})
	if err := g.Wait(); err != nil {
		return nil, ctxlog.Trailer{}, err
	}
	return entries, tr, nil
}

func printTransfers(w io.Writer, db *logdb.DB) error {
	trs, err := db.Transfers()
	if err != nil {
		return err
	}
	for _, t := range trs {
		fmt.Fprintf(w, "%4d  %s  %3d switches  %d dropped  %s\n",
			t.ID, t.ReceivedAt.Format(time.RFC3339), t.Entries, t.Dropped, t.Digest)
	}
	counts, err := db.TaskSwitches()
	if err != nil {
		return err
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-12s %d\n", name, counts[name])
	}
	return nil
}
