// Package raftkv implements the replicated coordination KV backend from
// spec 4.1 ("etcd-like"): the entire dataset is one JSON document, and a
// monotonically increasing version number — here the Raft-committed command
// counter, standing in for etcd's modified-index — provides optimistic
// concurrency. A raft.FSM applies committed commands and answers
// Apply/Snapshot/Restore over one flat document instead of per-entity
// buckets.
package raftkv

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/jacquard/jacquard/pkg/kv"
	"github.com/jacquard/jacquard/pkg/log"
)

var logger = log.WithComponent("kv.raftkv")

const applyTimeout = 5 * time.Second

// command is the payload of one Raft log entry: a CAS write against the
// document version observed when the issuing transaction began.
type command struct {
	ExpectedVersion uint64            `json:"expected_version"`
	Changes         map[string][]byte `json:"changes,omitempty"`
	Deletions       []string          `json:"deletions,omitempty"`
}

// applyResult is what FSM.Apply returns through raft's future, and what
// Store.Commit interprets.
type applyResult struct {
	retry bool
	err   error
}

// FSM is the Raft finite-state machine for the document. version increments
// only when a command is actually applied (a conflicting command leaves it
// untouched and reports retry).
type FSM struct {
	mu      sync.RWMutex
	data    map[string]json.RawMessage
	version uint64
}

// NewFSM creates an empty FSM.
func NewFSM() *FSM {
	return &FSM{data: make(map[string]json.RawMessage)}
}

func (f *FSM) Apply(entry *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return applyResult{err: fmt.Errorf("kv/raftkv: decode command: %w", err)}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if cmd.ExpectedVersion != f.version {
		return applyResult{retry: true}
	}

	for k, v := range cmd.Changes {
		f.data[k] = json.RawMessage(v)
	}
	for _, k := range cmd.Deletions {
		delete(f.data, k)
	}
	f.version++

	return applyResult{}
}

// Snapshot returns the state needed for FSMSnapshot.Persist, matching the
// teacher's Persist/Release split for raft.FSMSnapshot.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	cp := make(map[string]json.RawMessage, len(f.data))
	for k, v := range f.data {
		cp[k] = v
	}
	return &fsmSnapshot{data: cp, version: f.version}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("kv/raftkv: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = snap.Data
	f.version = snap.Version
	return nil
}

// view returns a point-in-time copy of the document and the version it was
// taken at.
func (f *FSM) view() (uint64, map[string]json.RawMessage) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	cp := make(map[string]json.RawMessage, len(f.data))
	for k, v := range f.data {
		cp[k] = v
	}
	return f.version, cp
}

type fsmSnapshot struct {
	Data    map[string]json.RawMessage `json:"data"`
	Version uint64                     `json:"version"`
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}

// Store is a kv.Store backed by a Raft-replicated FSM.
type Store struct {
	fsm  *FSM
	raft *raft.Raft
}

// Open stands up a single-node (or joining) Raft instance over dataDir:
// TCP transport, bbolt-backed log/stable stores, file snapshot store.
func Open(nodeID, bindAddr, dataDir string, bootstrap bool) (*Store, error) {
	fsm := NewFSM()

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(nodeID)

	addr, err := net.ResolveTCPAddr("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("kv/raftkv: resolve %s: %w", bindAddr, err)
	}

	transport, err := raft.NewTCPTransport(bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("kv/raftkv: transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("kv/raftkv: snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(dataDir + "/raft-log.db")
	if err != nil {
		return nil, fmt.Errorf("kv/raftkv: log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(dataDir + "/raft-stable.db")
	if err != nil {
		return nil, fmt.Errorf("kv/raftkv: stable store: %w", err)
	}

	r, err := raft.NewRaft(config, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("kv/raftkv: new raft: %w", err)
	}

	if bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}},
		}
		if err := r.BootstrapCluster(configuration).Error(); err != nil {
			return nil, fmt.Errorf("kv/raftkv: bootstrap: %w", err)
		}
	}

	logger.Info().Str("node_id", nodeID).Str("bind_addr", bindAddr).Msg("raft kv store started")
	return &Store{fsm: fsm, raft: r}, nil
}

// IsLeader reports whether this node currently holds the Raft leadership.
func (s *Store) IsLeader() bool {
	return s.raft.State() == raft.Leader
}

// Join adds a voting member to the Raft configuration; only the leader can
// do this meaningfully.
func (s *Store) Join(nodeID, address string) error {
	return s.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second).Error()
}

// Shutdown stops the Raft instance.
func (s *Store) Shutdown() error {
	return s.raft.Shutdown().Error()
}

func (s *Store) Begin(ctx context.Context) (kv.Tx, error) {
	version, snapshot := s.fsm.view()
	return &tx{store: s, readOnly: false, versionAtBegin: version, snapshot: snapshot}, nil
}

func (s *Store) BeginReadOnly(ctx context.Context) (kv.Tx, error) {
	_, snapshot := s.fsm.view()
	return &tx{store: s, readOnly: true, snapshot: snapshot}, nil
}

type tx struct {
	store          *Store
	readOnly       bool
	versionAtBegin uint64
	snapshot       map[string]json.RawMessage
}

func (t *tx) Get(ctx context.Context, key string) ([]byte, error) {
	value, ok := t.snapshot[key]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return []byte(value), nil
}

func (t *tx) Keys(ctx context.Context) ([]string, error) {
	keys := make([]string, 0, len(t.snapshot))
	for k := range t.snapshot {
		keys = append(keys, k)
	}
	return keys, nil
}

func (t *tx) Commit(ctx context.Context, changes map[string][]byte, deletions map[string]struct{}) error {
	if t.readOnly {
		if len(changes) == 0 && len(deletions) == 0 {
			return nil
		}
		return &kv.ReadOnlyWriteError{Keys: collectKeys(changes, deletions)}
	}

	if !t.store.IsLeader() {
		return fmt.Errorf("kv/raftkv: not leader, leader is %q", t.store.raft.Leader())
	}

	deletionList := make([]string, 0, len(deletions))
	for k := range deletions {
		deletionList = append(deletionList, k)
	}

	cmd := command{
		ExpectedVersion: t.versionAtBegin,
		Changes:         changes,
		Deletions:       deletionList,
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("kv/raftkv: encode command: %w", err)
	}

	future := t.store.raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("kv/raftkv: apply: %w", err)
	}

	result, ok := future.Response().(applyResult)
	if !ok {
		return fmt.Errorf("kv/raftkv: unexpected apply response type %T", future.Response())
	}
	if result.err != nil {
		return result.err
	}
	if result.retry {
		return kv.ErrRetry
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	return nil
}

func (t *tx) ReadOnly() bool {
	return t.readOnly
}

func collectKeys(changes map[string][]byte, deletions map[string]struct{}) []string {
	keys := make([]string, 0, len(changes)+len(deletions))
	for k := range changes {
		keys = append(keys, k)
	}
	for k := range deletions {
		keys = append(keys, k)
	}
	return keys
}
