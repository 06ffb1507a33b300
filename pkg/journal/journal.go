// Package journal persists the settlement event stream so off-process
// indexers can rebuild their view after a restart.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/luxfi/database"
	"github.com/luxfi/log"

	"github.com/dexlynlabs/perpcore/pkg/perp"
)

var (
	headKey   = []byte("journal_head")
	entryStem = []byte("evt/")
)

// envelope is the stored form of one event.
type envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Journal appends settlement events to a key-value store under monotonically
// increasing sequence numbers. It implements perp.EventSink; persistence
// failures are logged and skipped rather than propagated, since Emit sits on
// the settlement hot path and the ledger itself never depends on the journal.
type Journal struct {
	db     database.Database
	logger log.Logger
	seq    uint64
}

// New opens a journal over db, resuming from the stored head sequence.
func New(db database.Database, logger log.Logger) (*Journal, error) {
	if logger == nil {
		logger = log.Root().New("module", "journal")
	}
	j := &Journal{db: db, logger: logger}
	raw, err := db.Get(headKey)
	switch err {
	case nil:
		if len(raw) != 8 {
			return nil, fmt.Errorf("journal: corrupt head key (%d bytes)", len(raw))
		}
		j.seq = binary.BigEndian.Uint64(raw)
	case database.ErrNotFound:
	default:
		return nil, fmt.Errorf("journal: reading head: %w", err)
	}
	return j, nil
}

// Seq returns the sequence number of the last appended event.
func (j *Journal) Seq() uint64 {
	return j.seq
}

// Emit appends one event. The entry and the head pointer move in one batch.
func (j *Journal) Emit(ev perp.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		j.logger.Error("journal: marshal event", "kind", ev.Kind(), "err", err)
		return
	}
	entry, err := json.Marshal(envelope{Kind: ev.Kind(), Data: data})
	if err != nil {
		j.logger.Error("journal: marshal envelope", "kind", ev.Kind(), "err", err)
		return
	}

	next := j.seq + 1
	b := j.db.NewBatch()
	if err := b.Put(entryKey(next), entry); err != nil {
		j.logger.Error("journal: batch put", "seq", next, "err", err)
		return
	}
	head := make([]byte, 8)
	binary.BigEndian.PutUint64(head, next)
	if err := b.Put(headKey, head); err != nil {
		j.logger.Error("journal: batch put head", "seq", next, "err", err)
		return
	}
	if err := b.Write(); err != nil {
		j.logger.Error("journal: write", "seq", next, "err", err)
		return
	}
	j.seq = next
}

// Replay walks every stored event in append order. The callback returning an
// error stops the walk.
func (j *Journal) Replay(fn func(seq uint64, kind string, data json.RawMessage) error) error {
	for seq := uint64(1); seq <= j.seq; seq++ {
		raw, err := j.db.Get(entryKey(seq))
		if err != nil {
			return fmt.Errorf("journal: entry %d: %w", seq, err)
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("journal: entry %d: %w", seq, err)
		}
		if err := fn(seq, env.Kind, env.Data); err != nil {
			return err
		}
	}
	return nil
}

func entryKey(seq uint64) []byte {
	key := make([]byte, len(entryStem)+8)
	copy(key, entryStem)
	binary.BigEndian.PutUint64(key[len(entryStem):], seq)
	return key
}
