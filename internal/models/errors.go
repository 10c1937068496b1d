// Package models: typed errors for the channel and speech failure taxonomy.
package models

import "fmt"

// ChannelError is a channel resolution or configuration failure. It is fatal
// for the current message: logged, never retried.
type ChannelError struct {
	Platform Platform
	Op       string
	Err      error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %s: %v", e.Platform, e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// AudioTranscriptionError wraps a speech-to-text failure. It propagates to
// the caller after the participant has been notified via the error channel.
type AudioTranscriptionError struct {
	Err error
}

func (e *AudioTranscriptionError) Error() string {
	return fmt.Sprintf("audio transcription failed: %v", e.Err)
}

func (e *AudioTranscriptionError) Unwrap() error { return e.Err }

// AudioSynthesizeError wraps a text-to-speech failure. It is recoverable:
// delivery falls back to text.
type AudioSynthesizeError struct {
	Err error
}

func (e *AudioSynthesizeError) Error() string {
	return fmt.Sprintf("audio synthesis failed: %v", e.Err)
}

func (e *AudioSynthesizeError) Unwrap() error { return e.Err }
