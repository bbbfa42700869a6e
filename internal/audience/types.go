package audience

import (
	"fmt"
	"strings"
	"time"

	"pewcast/internal/text"
)

// Times controls title fades. Negative durations keep the receiver's
// defaults.
type Times struct {
	FadeIn  time.Duration
	Stay    time.Duration
	FadeOut time.Duration
}

// DefaultTimes are the vanilla title timings.
var DefaultTimes = Times{FadeIn: 500 * time.Millisecond, Stay: 3500 * time.Millisecond, FadeOut: time.Second}

// Ticks converts d to 20 Hz game ticks, keeping negatives as -1.
func Ticks(d time.Duration) int32 {
	if d < 0 {
		return -1
	}
	return int32(d / (50 * time.Millisecond))
}

type Title struct {
	Title    text.Component
	Subtitle text.Component
	Times    Times
}

// NewTitle returns a title using DefaultTimes.
func NewTitle(title, subtitle text.Component) Title {
	return Title{Title: title, Subtitle: subtitle, Times: DefaultTimes}
}

// Source is the mixer channel a sound plays on.
type Source uint8

const (
	SourceMaster Source = iota
	SourceMusic
	SourceRecord
	SourceWeather
	SourceBlock
	SourceHostile
	SourceNeutral
	SourcePlayer
	SourceAmbient
	SourceVoice
)

var sourceNames = [...]string{"master", "music", "record", "weather", "block", "hostile", "neutral", "player", "ambient", "voice"}

func (s Source) String() string {
	if int(s) < len(sourceNames) {
		return sourceNames[s]
	}
	return fmt.Sprintf("source(%d)", uint8(s))
}

func ParseSource(s string) (Source, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return SourceMaster, nil
	}
	for i, n := range sourceNames {
		if n == s {
			return Source(i), nil
		}
	}
	return 0, fmt.Errorf("unknown sound source %q", s)
}

type Sound struct {
	Key    string
	Source Source
	Volume float32
	Pitch  float32
}

// SoundStop selects sounds to stop. An empty Key stops every sound; a nil
// Source matches every source.
type SoundStop struct {
	Key    string
	Source *Source
}

// StopAll stops every sound on every source.
var StopAll = SoundStop{}

type Book struct {
	Title  text.Component
	Author text.Component
	Pages  []text.Component
}
