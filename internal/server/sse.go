package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// fieldReplacer keeps id and event values on a single line.
var fieldReplacer = strings.NewReplacer("\n", " ", "\r", " ")

// commentReplacer continues multi-line comments with ":".
var commentReplacer = strings.NewReplacer(
	"\n", "\n: ",
	"\r", "\\r",
)

var (
	sseIDPrefix      = []byte("id: ")
	sseEventPrefix   = []byte("event: ")
	sseDataPrefix    = []byte("data: ")
	sseCommentPrefix = []byte(": ")
	sseLineEnd       = []byte("\n")
	sseTerminator    = []byte("\n\n")
)

// SSEWriter writes server-sent events to a flushing ResponseWriter.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter sets the event-stream headers. It fails if w cannot flush.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter doesn't implement http.Flusher")
	}

	w.Header().Set("Content-Type", "text/event-stream;charset=utf-8")
	w.Header().Set("Connection", "keep-alive")
	if w.Header().Get("Cache-Control") == "" {
		w.Header().Set("Cache-Control", "no-cache")
	}

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent marshals v to JSON and writes it as one event. Empty id or
// event names are omitted.
func (s *SSEWriter) WriteEvent(id, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	if id != "" {
		if err := s.writeField(sseIDPrefix, id); err != nil {
			return err
		}
	}
	if event != "" {
		if err := s.writeField(sseEventPrefix, event); err != nil {
			return err
		}
	}

	// Compact JSON has no raw newlines, so one data line suffices.
	if _, err := s.w.Write(sseDataPrefix); err != nil {
		return err
	}
	if _, err := s.w.Write(data); err != nil {
		return err
	}
	if _, err := s.w.Write(sseTerminator); err != nil {
		return err
	}

	s.flusher.Flush()
	return nil
}

// WriteComment writes a comment line, used as a heartbeat.
func (s *SSEWriter) WriteComment(comment string) error {
	if _, err := s.w.Write(sseCommentPrefix); err != nil {
		return err
	}
	if _, err := commentReplacer.WriteString(s.w, comment); err != nil {
		return err
	}
	if _, err := s.w.Write(sseTerminator); err != nil {
		return err
	}

	s.flusher.Flush()
	return nil
}

func (s *SSEWriter) writeField(prefix []byte, value string) error {
	if _, err := s.w.Write(prefix); err != nil {
		return err
	}
	if _, err := fieldReplacer.WriteString(s.w, value); err != nil {
		return err
	}
	_, err := s.w.Write(sseLineEnd)
	return err
}
