// Package report collects user-facing errors for one document and
// mirrors them to the errors.txt file in the assets directory.
package report

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/standardbeagle/crema/internal/files"
	"github.com/standardbeagle/crema/internal/parse"
)

// ErrorsFile is the name of the log file under the assets directory.
const ErrorsFile = "errors.txt"

const timestampFormat = "2006-01-02 15:04:05"

// Entry is one reported error, keyed by its source.
type Entry struct {
	Kind       parse.SourceKind
	SourceID   int
	SourceName string
	Message    string
	Time       time.Time
}

func (e *Entry) format() string {
	kind := e.Kind
	switch kind {
	case parse.SourceLayer, parse.SourceComp, parse.SourceDocument:
	default:
		kind = parse.SourceUnknown
	}
	return fmt.Sprintf("[%s] %s %q: %s\n",
		e.Time.Format(timestampFormat), kind, e.SourceName, e.Message)
}

type sourceKey struct {
	kind parse.SourceKind
	id   int
}

// Sink owns the per-document error set. Incremental reports append to
// errors.txt; Rewrite mirrors the whole set, removing the file when the
// set is empty.
type Sink struct {
	mu         sync.Mutex
	entries    map[sourceKey][]Entry
	dispatcher *files.Dispatcher
	logger     *zap.Logger

	now func() time.Time
}

// NewSink creates a sink writing through the document's file dispatcher.
func NewSink(dispatcher *files.Dispatcher, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		entries:    make(map[sourceKey][]Entry),
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

// Report records an error for a source and appends it to errors.txt.
func (s *Sink) Report(kind parse.SourceKind, sourceID int, sourceName, message string) {
	entry := Entry{
		Kind:       kind,
		SourceID:   sourceID,
		SourceName: sourceName,
		Message:    message,
		Time:       s.now(),
	}

	s.mu.Lock()
	key := sourceKey{kind: kind, id: sourceID}
	s.entries[key] = append(s.entries[key], entry)
	s.mu.Unlock()

	s.logger.Info("user error",
		zap.String("source", string(kind)),
		zap.Int("id", sourceID),
		zap.String("message", message))
	s.dispatcher.AppendWithin(ErrorsFile, []byte(entry.format()))
}

// ClearSource drops all recorded errors for one source. The file is not
// touched until the next Rewrite.
func (s *Sink) ClearSource(kind parse.SourceKind, sourceID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sourceKey{kind: kind, id: sourceID}
	if _, ok := s.entries[key]; !ok {
		return false
	}
	delete(s.entries, key)
	return true
}

// Clear drops every recorded error without touching the file.
func (s *Sink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[sourceKey][]Entry)
}

// Empty reports whether the sink holds no errors.
func (s *Sink) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries) == 0
}

// Count returns the number of recorded errors.
func (s *Sink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, list := range s.entries {
		n += len(list)
	}
	return n
}

// Rewrite mirrors the current error set to errors.txt, oldest first.
// An empty set removes the file.
func (s *Sink) Rewrite() *files.Op {
	s.mu.Lock()
	var all []Entry
	for _, list := range s.entries {
		all = append(all, list...)
	}
	s.mu.Unlock()

	if len(all) == 0 {
		return s.dispatcher.RemoveWithin(ErrorsFile)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Time.Before(all[j].Time) })

	var b strings.Builder
	for i := range all {
		b.WriteString(all[i].format())
	}
	return s.dispatcher.WriteWithin(ErrorsFile, []byte(b.String()))
}
