package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event is one routing decision or outcome, logged for audit and offline
// replay of the learner.
type Event struct {
	Timestamp   time.Time `json:"timestamp"`
	Kind        string    `json:"kind"` // "selection" or "outcome"
	TenantID    string    `json:"tenant_id"`
	WorkspaceID string    `json:"workspace_id"`
	TaskType    string    `json:"task_type,omitempty"`
	Model       string    `json:"model"`
	Cached      bool      `json:"cached,omitempty"`
	Reward      float64   `json:"reward,omitempty"`
	CostUSD     float64   `json:"cost_usd,omitempty"`
	LatencyMs   float64   `json:"latency_ms,omitempty"`
}

// DecisionLog appends routing events to a daily file with fsync after
// every write.
type DecisionLog struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewDecisionLog creates or opens the current day's decision log in dir.
func NewDecisionLog(dirPath string) (*DecisionLog, error) {
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	path := filepath.Join(dirPath, fmt.Sprintf("decisions-%s.wal", time.Now().Format("20060102")))
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	return &DecisionLog{file: file, path: path}, nil
}

// Append writes one event followed by fsync for durability.
func (w *DecisionLog) Append(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal WAL event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write WAL entry: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	return nil
}

// Close flushes and closes the log.
func (w *DecisionLog) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// Replay reads all events from a decision log file. Malformed lines are
// skipped rather than failing the replay.
func Replay(path string) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, scanner.Err()
}
