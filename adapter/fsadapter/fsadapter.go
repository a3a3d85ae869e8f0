// Package fsadapter is the reference Persistence & Lock Adapter (§4.B): a
// directory-per-transaction, file-per-entry durable store, with OS advisory
// file locks (golang.org/x/sys/unix.Flock) standing in for the three lock
// kinds §4.B/§5 require.
//
// Layout (§6 "Persisted state layout"):
//
//	<dir>/transactions/<tx_id>/<version>/information
//	<dir>/transactions/<tx_id>/<version>/entries/<entry_id>.entry
//	<dir>/locks/...
package fsadapter

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/shamaton/msgpack/v2"
	"golang.org/x/sys/unix"
	"lab.nexedi.com/kirr/go123/mem"

	"github.com/stex/petra/adapter"
	"github.com/stex/petra/internal/plog"
	"github.com/stex/petra/internal/task"
	"github.com/stex/petra/logentry"
)

// Adapter is the file-based Persistence & Lock Adapter.
type Adapter struct {
	dir string

	mu      sync.Mutex
	pending map[string][]*logentry.LogEntry // tx -> entries awaiting Persist
	locks   map[string]*lockFile            // lock name -> open, flocked file
}

// Open prepares dir (creating transactions/ and locks/ subdirectories if
// needed) and returns an Adapter rooted there.
func Open(dir string) (*Adapter, error) {
	for _, sub := range []string{"transactions", "locks"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, errors.Wrapf(err, "fsadapter: open %s", dir)
		}
	}
	return &Adapter{
		dir:     dir,
		pending: make(map[string][]*logentry.LogEntry),
		locks:   make(map[string]*lockFile),
	}, nil
}

// ---- enqueue / persist ----

// Enqueue implements adapter.Adapter.
func (a *Adapter) Enqueue(ctx context.Context, tx string, entry *logentry.LogEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, e := range a.pending[tx] {
		if e == entry {
			return &adapter.PersistenceError{Op: "enqueue", Message: "entry already enqueued"}
		}
	}
	a.pending[tx] = append(a.pending[tx], entry)
	return nil
}

// Persist implements adapter.Adapter. The caller must already hold tx's
// transaction lock.
func (a *Adapter) Persist(ctx context.Context, tx string) (err error) {
	defer task.Entered(&ctx, "fsadapter: persist %s", tx)(&err)

	a.mu.Lock()
	entries := a.pending[tx]
	delete(a.pending, tx)
	a.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}

	// group by savepoint - in practice always the current one, but the
	// contract does not forbid a caller enqueueing for more than one.
	bySavepoint := make(map[string][]*logentry.LogEntry)
	order := make([]string, 0, 1)
	for _, e := range entries {
		if _, ok := bySavepoint[e.Savepoint]; !ok {
			order = append(order, e.Savepoint)
		}
		bySavepoint[e.Savepoint] = append(bySavepoint[e.Savepoint], e)
	}

	for _, savepoint := range order {
		if err := a.persistSection(tx, savepoint, bySavepoint[savepoint]); err != nil {
			return err
		}
	}

	plog.Infof(ctx, "persisted %d entries", len(entries))
	return nil
}

func (a *Adapter) persistSection(tx, savepoint string, entries []*logentry.LogEntry) error {
	version, err := versionOf(savepoint)
	if err != nil {
		return err
	}

	dir := a.sectionDir(tx, savepoint)
	entriesDir := filepath.Join(dir, "entries")
	if err := os.MkdirAll(entriesDir, 0o755); err != nil {
		return errors.Wrap(err, "fsadapter: persist")
	}

	info := sectionInformation{
		TransactionIdentifier: tx,
		Savepoint:             savepoint,
		SavepointVersion:      version,
	}
	if err := writeMsgpack(filepath.Join(dir, "information"), &info); err != nil {
		return err
	}

	existing, err := a.entryFiles(dir)
	if err != nil {
		return err
	}
	next := len(existing)

	for _, e := range entries {
		next++
		e.EntryIdentifier = fmt.Sprintf("e%05d", next)
		path := filepath.Join(entriesDir, e.EntryIdentifier+".entry")
		data, err := logentry.Encode(e)
		if err != nil {
			return errors.Wrap(err, "fsadapter: persist: encode entry")
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return errors.Wrap(err, "fsadapter: persist: write entry")
		}
	}
	return nil
}

// ---- enumeration / load / reset ----

// TransactionIdentifiers implements adapter.Adapter.
func (a *Adapter) TransactionIdentifiers(ctx context.Context) ([]string, error) {
	ents, err := os.ReadDir(filepath.Join(a.dir, "transactions"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "fsadapter: transaction identifiers")
	}
	var out []string
	for _, e := range ents {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Savepoints implements adapter.Adapter.
func (a *Adapter) Savepoints(ctx context.Context, tx string) ([]string, error) {
	ents, err := os.ReadDir(a.txDir(tx))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "fsadapter: savepoints %s", tx)
	}
	type vs struct {
		name    string
		version int
	}
	var versions []vs
	for _, e := range ents {
		if !e.IsDir() {
			continue
		}
		v, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		versions = append(versions, vs{name: tx + "/" + e.Name(), version: v})
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].version < versions[j].version })

	out := make([]string, len(versions))
	for i, v := range versions {
		out[i] = v.name
	}
	return out, nil
}

// LogEntries implements adapter.Adapter.
func (a *Adapter) LogEntries(ctx context.Context, tx, savepoint string) ([]*logentry.LogEntry, error) {
	dir := a.sectionDir(tx, savepoint)
	files, err := a.entryFiles(dir)
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	entriesDir := filepath.Join(dir, "entries")
	out := make([]*logentry.LogEntry, 0, len(files))
	for _, name := range files {
		e, err := readEntry(filepath.Join(entriesDir, name))
		if err != nil {
			return nil, errors.Wrapf(err, "fsadapter: log entries %s/%s: %s", tx, savepoint, name)
		}
		out = append(out, e)
	}
	return out, nil
}

// readEntry loads one entry file straight into a pooled mem.Buf - sized by
// stat, filled by a single ReadFull - the same load path the teacher's
// storage backends use for every record read off disk (zodb/storage.go
// Load, neo/storage/sqlite Load), rather than an os.ReadFile allocation
// immediately copied and discarded.
func readEntry(path string) (*logentry.LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	buf := mem.BufAlloc(int(st.Size()))
	defer buf.Release()
	if _, err := io.ReadFull(f, buf.Data); err != nil {
		return nil, err
	}
	return logentry.Decode(buf.Data)
}

func (a *Adapter) entryFiles(sectionDir string) ([]string, error) {
	ents, err := os.ReadDir(filepath.Join(sectionDir, "entries"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "fsadapter: list entries")
	}
	var out []string
	for _, e := range ents {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".entry") {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// ResetTransaction implements adapter.Adapter.
func (a *Adapter) ResetTransaction(ctx context.Context, tx string) error {
	a.mu.Lock()
	delete(a.pending, tx)
	a.mu.Unlock()

	if err := os.RemoveAll(a.txDir(tx)); err != nil {
		return errors.Wrapf(err, "fsadapter: reset %s", tx)
	}
	return nil
}

// ---- paths ----

func (a *Adapter) txDir(tx string) string {
	return filepath.Join(a.dir, "transactions", sanitize(tx))
}

func (a *Adapter) sectionDir(tx, savepoint string) string {
	i := strings.LastIndexByte(savepoint, '/')
	return filepath.Join(a.txDir(tx), savepoint[i+1:])
}

func versionOf(savepoint string) (int, error) {
	i := strings.LastIndexByte(savepoint, '/')
	if i < 0 {
		return 0, errors.Errorf("fsadapter: malformed savepoint %q", savepoint)
	}
	return strconv.Atoi(savepoint[i+1:])
}

func sanitize(name string) string {
	return strings.ReplaceAll(name, "/", "_")
}

type sectionInformation struct {
	TransactionIdentifier string
	Savepoint             string
	SavepointVersion      int
}

func writeMsgpack(path string, v interface{}) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "fsadapter: encode %s", path)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "fsadapter: write %s", path)
	}
	return nil
}
