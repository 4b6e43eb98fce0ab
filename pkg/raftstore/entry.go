package raftstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/raft"
)

// walEntry is the WAL payload shape of one raft log entry.
type walEntry struct {
	Index      uint64    `json:"index"`
	Term       uint64    `json:"term"`
	Type       uint8     `json:"type"`
	Data       []byte    `json:"data,omitempty"`
	Extensions []byte    `json:"extensions,omitempty"`
	AppendedAt time.Time `json:"appended_at,omitempty"`
}

func encodeEntry(l *raft.Log) ([]byte, error) {
	payload, err := json.Marshal(walEntry{
		Index:      l.Index,
		Term:       l.Term,
		Type:       uint8(l.Type),
		Data:       l.Data,
		Extensions: l.Extensions,
		AppendedAt: l.AppendedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encode raft entry %d: %w", l.Index, err)
	}
	return payload, nil
}

func decodeEntry(data []byte) (*raft.Log, error) {
	var e walEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode raft entry: %w", err)
	}
	return &raft.Log{
		Index:      e.Index,
		Term:       e.Term,
		Type:       raft.LogType(e.Type),
		Data:       e.Data,
		Extensions: e.Extensions,
		AppendedAt: e.AppendedAt,
	}, nil
}
