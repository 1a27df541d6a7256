package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"gloomvault/server/logging"
)

// JSONLines appends events to a file as newline-delimited JSON, batching
// writes so bursty sessions do not hammer the disk.
type JSONLines struct {
	mu      sync.Mutex
	file    *os.File
	pending [][]byte
	max     int
	ticker  *time.Ticker
	done    chan struct{}
	once    sync.Once
}

// NewJSONLines opens (or creates) the target file in append mode and starts
// the flush timer.
func NewJSONLines(cfg logging.JSONConfig) (*JSONLines, error) {
	if cfg.FilePath == "" {
		return nil, fmt.Errorf("json sink: file path required")
	}
	file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("json sink: open %s: %w", cfg.FilePath, err)
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 32
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	sink := &JSONLines{
		file:   file,
		max:    maxBatch,
		ticker: time.NewTicker(interval),
		done:   make(chan struct{}),
	}
	go sink.flushLoop()
	return sink, nil
}

func (s *JSONLines) Write(event logging.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("json sink: marshal event: %w", err)
	}
	s.mu.Lock()
	s.pending = append(s.pending, data)
	full := len(s.pending) >= s.max
	s.mu.Unlock()
	if full {
		return s.flush()
	}
	return nil
}

func (s *JSONLines) flushLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.ticker.C:
			s.flush()
		}
	}
}

func (s *JSONLines) flush() error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	for _, line := range batch {
		if _, err := s.file.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("json sink: write: %w", err)
		}
	}
	return nil
}

func (s *JSONLines) Close(context.Context) error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.ticker.Stop()
		err = s.flush()
		if cerr := s.file.Close(); err == nil {
			err = cerr
		}
	})
	return err
}
