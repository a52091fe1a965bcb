package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/zjrosen/ripple/internal/log"
)

// FileChannel is a broadcast channel backed by an append-only NDJSON file,
// one file per database name. Other OS processes with a handle on the same
// file receive messages through an fsnotify watch, which makes this the
// cross-process transport.
type FileChannel struct {
	id      string
	path    string
	watcher *fsnotify.Watcher

	writeMu sync.Mutex
	file    *os.File

	mu       sync.Mutex
	closed   bool
	offset   int64
	pending  []byte
	messages chan Message
	done     chan struct{}
}

var _ Channel = (*FileChannel)(nil)

// envelope wraps a Message with the posting handle's id so readers can
// skip their own appends.
type envelope struct {
	Channel string  `json:"channel"`
	Message Message `json:"message"`
}

// OpenFile opens a file-backed channel for a database name under dir.
// Delivery starts at the current end of file: history is not replayed.
func OpenFile(dir, database string) (*FileChannel, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating broadcast directory: %w", err)
	}

	path := filepath.Join(dir, database+".bus")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0600) //nolint:gosec // G304: path derives from the configured broadcast dir
	if err != nil {
		return nil, fmt.Errorf("opening broadcast file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("statting broadcast file: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		_ = file.Close()
		return nil, fmt.Errorf("watching broadcast directory: %w", err)
	}

	ch := &FileChannel{
		id:       uuid.NewString(),
		path:     path,
		watcher:  watcher,
		file:     file,
		offset:   info.Size(),
		messages: make(chan Message, 64),
		done:     make(chan struct{}),
	}
	go ch.loop()
	return ch, nil
}

// Post implements Channel. The message is appended as a single NDJSON line;
// single-line O_APPEND writes keep concurrent posters from interleaving.
func (c *FileChannel) Post(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("broadcast channel is closed")
	}

	line, err := json.Marshal(envelope{Channel: c.id, Message: msg})
	if err != nil {
		return fmt.Errorf("encoding broadcast message: %w", err)
	}
	line = append(line, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.file.Write(line); err != nil {
		return fmt.Errorf("appending broadcast message: %w", err)
	}
	return nil
}

// Messages implements Channel.
func (c *FileChannel) Messages() <-chan Message {
	return c.messages
}

// Close implements Channel. Idempotent.
func (c *FileChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	err := c.watcher.Close()
	c.writeMu.Lock()
	if cerr := c.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	c.writeMu.Unlock()
	return err
}

func (c *FileChannel) loop() {
	defer close(c.messages)

	for {
		select {
		case <-c.done:
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Name != c.path || !event.Has(fsnotify.Write) {
				continue
			}
			c.readNew()
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			log.ErrorErr(log.CatBroadcast, "broadcast watcher error", err, "path", c.path)
		}
	}
}

// readNew consumes complete lines appended since the last read and
// delivers every message not posted by this handle.
func (c *FileChannel) readNew() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	file, err := os.Open(c.path) //nolint:gosec // G304: same path we opened at construction
	if err != nil {
		log.ErrorErr(log.CatBroadcast, "opening broadcast file for read", err, "path", c.path)
		return
	}
	defer file.Close()

	if _, err := file.Seek(c.offset, io.SeekStart); err != nil {
		log.ErrorErr(log.CatBroadcast, "seeking broadcast file", err, "path", c.path)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		log.ErrorErr(log.CatBroadcast, "reading broadcast file", err, "path", c.path)
		return
	}
	c.offset += int64(len(data))

	c.pending = append(c.pending, data...)
	for {
		idx := bytes.IndexByte(c.pending, '\n')
		if idx < 0 {
			return
		}
		line := c.pending[:idx]
		c.pending = c.pending[idx+1:]
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			log.ErrorErr(log.CatBroadcast, "decoding broadcast line", err, "path", c.path)
			continue
		}
		if env.Channel == c.id {
			continue // own append
		}
		select {
		case c.messages <- env.Message:
		default:
			log.Warn(log.CatBroadcast, "dropping broadcast message, receiver not draining", "path", c.path)
		}
	}
}
