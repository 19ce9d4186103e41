// SPDX-FileCopyrightText: 2026 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package trail

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/majewsky/gg/option"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-api-declarations/cadf"
	"github.com/sapcc/go-bits/logg"
)

const spoolFileSuffix = ".events"

// FileStore is a BackingStore that parks events in spool files below a
// directory, one JSON document per line. Parked events survive process
// restarts, which makes this the right choice for deployments with a
// persistent volume.
//
// Each spool file collects events until it exceeds MaxFileSize, then a new
// file is started. ReadBatch always returns the contents of the oldest
// spool file; its commit deletes that file.
type FileStore struct {
	// Directory is where spool files are created (required).
	Directory string
	// MaxFileSize is the rotation threshold in bytes (default: 1 MiB).
	MaxFileSize option.Option[int64]
	// MaxTotalSize limits the combined size of all spool files
	// (default: 1 GiB). Write returns ErrStoreFull beyond it.
	MaxTotalSize option.Option[int64]

	mu          sync.Mutex
	currentFile string

	writeCounter prometheus.Counter
	readCounter  prometheus.Counter
	sizeGauge    prometheus.Gauge
	filesGauge   prometheus.Gauge
}

// NewFileStore initializes a FileStore and registers its metrics.
// registry defaults to prometheus.DefaultRegisterer when nil.
func NewFileStore(directory string, registry prometheus.Registerer) (*FileStore, error) {
	err := os.MkdirAll(directory, 0o700)
	if err != nil {
		return nil, fmt.Errorf("trail: cannot create spool directory: %w", err)
	}

	store := &FileStore{
		Directory: directory,
		writeCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_spool_writes_total",
			Help: "Number of audit events parked in the spool directory.",
		}),
		readCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_spool_reads_total",
			Help: "Number of audit events read back from the spool directory.",
		}),
		sizeGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audit_spool_size_bytes",
			Help: "Combined size of all spool files.",
		}),
		filesGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audit_spool_files",
			Help: "Number of spool files.",
		}),
	}
	registerOrDefault(registry, store.writeCounter, store.readCounter, store.sizeGauge, store.filesGauge)
	return store, nil
}

// Write implements the BackingStore interface.
func (s *FileStore) Write(event cadf.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("trail: cannot serialize event %s: %w", event.ID, err)
	}

	totalSize, _, err := s.spoolState()
	if err != nil {
		return err
	}
	if totalSize+int64(len(buf)) > s.MaxTotalSize.UnwrapOr(1<<30) {
		return fmt.Errorf("%w: spool directory holds %d bytes", ErrStoreFull, totalSize)
	}

	path := s.spoolFileForWriting()
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("trail: cannot open spool file: %w", err)
	}
	defer file.Close()

	_, err = file.Write(append(buf, '\n'))
	if err != nil {
		return fmt.Errorf("trail: cannot write to spool file: %w", err)
	}
	s.writeCounter.Inc()
	return nil
}

// spoolFileForWriting picks the current spool file, rotating to a fresh one
// when the current one is full or does not exist anymore.
func (s *FileStore) spoolFileForWriting() string {
	if s.currentFile != "" {
		stat, err := os.Stat(s.currentFile)
		if err == nil && stat.Size() < s.MaxFileSize.UnwrapOr(1<<20) {
			return s.currentFile
		}
	}

	// spool file names sort chronologically
	name := fmt.Sprintf("%d%s", time.Now().UnixNano(), spoolFileSuffix)
	s.currentFile = filepath.Join(s.Directory, name)
	return s.currentFile
}

// ReadBatch implements the BackingStore interface.
func (s *FileStore) ReadBatch() ([]cadf.Event, func() error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, files, err := s.spoolState()
	if err != nil {
		return nil, nil, err
	}
	if len(files) == 0 {
		return nil, nil, nil
	}
	oldest := files[0]

	// stop appending to the file that is about to be drained
	if s.currentFile == oldest {
		s.currentFile = ""
	}

	events, err := readSpoolFile(oldest)
	if err != nil {
		return nil, nil, err
	}
	commit := func() error {
		return os.Remove(oldest)
	}

	s.readCounter.Add(float64(len(events)))
	return events, commit, nil
}

func readSpoolFile(path string) ([]cadf.Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("trail: cannot open spool file: %w", err)
	}
	defer file.Close()

	var events []cadf.Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(nil, 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event cadf.Event
		err := json.Unmarshal([]byte(line), &event)
		if err != nil {
			// skip over corrupted lines instead of wedging the drain loop
			logg.Error("trail: skipping corrupted record in %s: %s", path, err.Error())
			continue
		}
		events = append(events, event)
	}
	return events, scanner.Err()
}

// spoolState returns the combined size and the sorted names of all spool
// files. Must be called with s.mu held.
func (s *FileStore) spoolState() (totalSize int64, files []string, err error) {
	entries, err := os.ReadDir(s.Directory)
	if err != nil {
		return 0, nil, fmt.Errorf("trail: cannot list spool directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), spoolFileSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		totalSize += info.Size()
		files = append(files, filepath.Join(s.Directory, entry.Name()))
	}
	slices.Sort(files)
	return totalSize, files, nil
}

// UpdateMetrics implements the BackingStore interface.
func (s *FileStore) UpdateMetrics() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	totalSize, files, err := s.spoolState()
	if err != nil {
		return err
	}
	s.sizeGauge.Set(float64(totalSize))
	s.filesGauge.Set(float64(len(files)))
	return nil
}

// Close implements the BackingStore interface.
func (s *FileStore) Close() error {
	return nil
}
