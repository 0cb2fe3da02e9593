package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Sink is an EventWriter that holds resources.
type Sink interface {
	EventWriter
	Close() error
}

// BatchWriter is implemented by sinks that can write many events at once.
type BatchWriter interface {
	WriteBatch(events []*AuditEvent) error
}

// BatchSink buffers events and flushes them when the buffer fills or on a
// timer, retrying with exponential backoff.
type BatchSink struct {
	wrapped       EventWriter
	bufferSize    int
	flushInterval time.Duration
	retryCount    int
	retryBackoff  time.Duration

	mu     sync.Mutex
	buffer []*AuditEvent

	flushes   chan []*AuditEvent
	closeChan chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewBatchSink creates a new batched sink.
func NewBatchSink(wrapped EventWriter, size int, interval time.Duration, retryCount int, retryBackoff time.Duration) *BatchSink {
	if size <= 0 {
		size = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}

	s := &BatchSink{
		wrapped:       wrapped,
		buffer:        make([]*AuditEvent, 0, size),
		bufferSize:    size,
		flushInterval: interval,
		retryCount:    retryCount,
		retryBackoff:  retryBackoff,
		flushes:       make(chan []*AuditEvent, 4),
		closeChan:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()
	return s
}

// WriteEvent adds an event to the batch. A full batch is handed to the flush
// loop without blocking the caller on the wrapped writer.
func (s *BatchSink) WriteEvent(event *AuditEvent) error {
	s.mu.Lock()
	s.buffer = append(s.buffer, event)
	var full []*AuditEvent
	if len(s.buffer) >= s.bufferSize {
		full = s.drainLocked()
	}
	s.mu.Unlock()

	if full != nil {
		select {
		case s.flushes <- full:
		case <-s.closeChan:
			return s.writeWithRetry(full)
		}
	}
	return nil
}

// Close stops the flush loop after writing whatever is buffered.
func (s *BatchSink) Close() error {
	s.closeOnce.Do(func() { close(s.closeChan) })
	s.wg.Wait()
	if closer, ok := s.wrapped.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (s *BatchSink) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case events := <-s.flushes:
			_ = s.writeWithRetry(events)
		case <-ticker.C:
			s.flushBuffered()
		case <-s.closeChan:
			for {
				select {
				case events := <-s.flushes:
					_ = s.writeWithRetry(events)
				default:
					s.flushBuffered()
					return
				}
			}
		}
	}
}

func (s *BatchSink) flushBuffered() {
	s.mu.Lock()
	events := s.drainLocked()
	s.mu.Unlock()
	if len(events) > 0 {
		_ = s.writeWithRetry(events)
	}
}

// drainLocked returns the buffered events and clears the buffer.
// Caller must hold the lock.
func (s *BatchSink) drainLocked() []*AuditEvent {
	if len(s.buffer) == 0 {
		return nil
	}
	events := make([]*AuditEvent, len(s.buffer))
	copy(events, s.buffer)
	s.buffer = s.buffer[:0]
	return events
}

func (s *BatchSink) writeWithRetry(events []*AuditEvent) error {
	var err error
	for attempt := 0; attempt <= s.retryCount; attempt++ {
		if bw, ok := s.wrapped.(BatchWriter); ok {
			err = bw.WriteBatch(events)
		} else {
			err = nil
			for _, event := range events {
				if e := s.wrapped.WriteEvent(event); e != nil {
					err = e
				}
			}
		}
		if err == nil {
			return nil
		}
		if attempt < s.retryCount {
			time.Sleep(s.retryBackoff * time.Duration(1<<uint(attempt)))
		}
	}

	logrus.WithError(err).WithFields(logrus.Fields{
		"events":  len(events),
		"retries": s.retryCount,
	}).Error("Failed to flush audit events")
	return err
}

// HTTPSink posts events as a JSON array to a collector endpoint.
type HTTPSink struct {
	endpoint string
	client   *http.Client
	headers  map[string]string
}

// NewHTTPSink creates a new HTTP sink.
func NewHTTPSink(endpoint string, headers map[string]string) *HTTPSink {
	return &HTTPSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		headers:  headers,
	}
}

// WriteEvent writes a single event.
func (s *HTTPSink) WriteEvent(event *AuditEvent) error {
	return s.WriteBatch([]*AuditEvent{event})
}

// WriteBatch writes a batch of events.
func (s *HTTPSink) WriteBatch(events []*AuditEvent) error {
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to marshal audit batch: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("http sink returned status: %s", resp.Status)
	}
	return nil
}

// FileSink appends JSON lines to a file kept open for the sink's lifetime.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
}

// NewFileSink opens (or creates) the audit file.
func NewFileSink(path string) (*FileSink, error) {
	if path == "" {
		return nil, fmt.Errorf("audit file sink requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	return &FileSink{file: f, w: bufio.NewWriter(f)}, nil
}

// WriteEvent appends one event and flushes it to the file.
func (s *FileSink) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(data, '\n')); err != nil {
		return err
	}
	return s.w.Flush()
}

// Close flushes and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		_ = s.file.Close()
		return err
	}
	return s.file.Close()
}
