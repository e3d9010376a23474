// ABOUTME: Reframes raw CLI stdout bytes into typed events.
// ABOUTME: Combines the line splitter with the record classifier.

package stream

import "log/slog"

// Reframer converts arbitrary stdout chunks into events. Feeding the same
// bytes in one block or one byte at a time yields the same event sequence.
type Reframer struct {
	splitter   LineSplitter
	classifier *Classifier
}

// NewReframer creates a reframer with a fresh classifier.
func NewReframer(logger *slog.Logger) *Reframer {
	return &Reframer{classifier: NewClassifier(logger)}
}

// Feed consumes a chunk and returns the events of every record it completed.
func (r *Reframer) Feed(chunk []byte) []Event {
	var events []Event
	for _, line := range r.splitter.Feed(chunk) {
		events = append(events, r.classifier.Classify(line)...)
	}
	return events
}

// Flush classifies a final record that was not newline-terminated.
func (r *Reframer) Flush() []Event {
	line := r.splitter.Flush()
	if line == nil {
		return nil
	}
	return r.classifier.Classify(line)
}

// Classifier exposes the classifier state (session, result, failure).
func (r *Reframer) Classifier() *Classifier {
	return r.classifier
}
