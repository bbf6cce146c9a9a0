package store

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Journal spools every flushed update bulk to a local file, msgpack-encoded,
// one bulk per record. The journal is a diagnostic artifact: when a run is
// analyzed after the fact, it replays the exact update stream the store saw,
// in flush order.
type Journal struct {
	mu  sync.Mutex
	enc *msgpack.Encoder
	f   io.Closer
}

// journalRecord is the on-disk frame for one flushed bulk.
type journalRecord struct {
	Pilot       string       `msgpack:"pilot,omitempty"`
	Units       []UnitUpdate `msgpack:"units,omitempty"`
	PilotUpdate *PilotUpdate `msgpack:"pilot_update,omitempty"`
}

// OpenJournal creates (or truncates) the journal file at path.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("opening update journal: %w", err)
	}
	return &Journal{enc: msgpack.NewEncoder(f), f: f}, nil
}

// RecordUnits appends a flushed unit bulk.
func (j *Journal) RecordUnits(updates []UnitUpdate) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enc.Encode(journalRecord{Units: updates})
}

// RecordPilot appends a flushed pilot update.
func (j *Journal) RecordPilot(pilotID string, update PilotUpdate) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enc.Encode(journalRecord{Pilot: pilotID, PilotUpdate: &update})
}

// Close closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

// ReadJournal decodes a journal file and returns its unit bulks in flush
// order, for post-mortem tooling and tests. Pilot records are skipped.
func ReadJournal(path string) ([][]UnitUpdate, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := msgpack.NewDecoder(f)
	var bulks [][]UnitUpdate
	for {
		var rec journalRecord
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				return bulks, nil
			}
			return nil, err
		}
		if len(rec.Units) > 0 {
			bulks = append(bulks, rec.Units)
		}
	}
}
