// Package securelog emits diagnostic records only after sealing them under
// the master key. Each call writes one opaque base64 line to the sink; the
// level stays outside the ciphertext so operators can filter by severity.
package securelog

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/Avicted/murmur/internal/securestore"
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var ErrMalformedLine = errors.New("securelog: malformed line")

// Sealer seals plaintext under the master key.
type Sealer interface {
	Seal(plaintext []byte) (securestore.Record, error)
}

// Opener opens records produced by a Sealer holding the same key.
type Opener interface {
	Open(rec securestore.Record) ([]byte, error)
}

// Entry is one log call before sealing.
type Entry struct {
	Level   Level
	Message string
	Context map[string]any
}

// Decoded is a log line after it has been opened with the master key.
type Decoded struct {
	Time    time.Time      `json:"ts"`
	Level   Level          `json:"level"`
	Message string         `json:"msg"`
	Context map[string]any `json:"context,omitempty"`
}

type wrapper struct {
	Level      Level  `json:"level"`
	Nonce      string `json:"nonce"`
	CipherText string `json:"cipher_text"`
}

type Logger struct {
	sealer Sealer
	mu     sync.Mutex
	out    io.Writer
	now    func() time.Time
}

func New(sealer Sealer, out io.Writer) *Logger {
	return &Logger{sealer: sealer, out: out, now: time.Now}
}

// Log seals the entry and writes a single line. Every call costs one
// encryption.
func (l *Logger) Log(e Entry) error {
	if l == nil || l.sealer == nil || l.out == nil {
		return errors.New("securelog: logger not configured")
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}

	plain, err := json.Marshal(Decoded{
		Time:    l.now().UTC(),
		Level:   e.Level,
		Message: e.Message,
		Context: e.Context,
	})
	if err != nil {
		return fmt.Errorf("securelog: encode entry: %w", err)
	}

	rec, err := l.sealer.Seal(plain)
	if err != nil {
		return fmt.Errorf("securelog: seal entry: %w", err)
	}

	wrapped, err := json.Marshal(wrapper{Level: e.Level, Nonce: rec.Nonce, CipherText: rec.CipherText})
	if err != nil {
		return fmt.Errorf("securelog: encode wrapper: %w", err)
	}
	line := base64.StdEncoding.EncodeToString(wrapped) + "\n"

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = io.WriteString(l.out, line)
	return err
}

// Error logs an error without including user-provided data.
// It records the caller location and error type chain.
func (l *Logger) Error(context string, err error) {
	if err == nil {
		return
	}
	fields := map[string]any{
		"at":    callerLocation(2),
		"types": strings.Join(errorTypes(err), "->"),
	}
	if context != "" {
		fields["context"] = context
	}
	_ = l.Log(Entry{Level: LevelError, Message: "error", Context: fields})
}

// LevelOf reads the clear-text level of a line without decrypting it.
func LevelOf(line string) (Level, error) {
	w, err := unwrap(line)
	if err != nil {
		return "", err
	}
	return w.Level, nil
}

// Decode opens one emitted line. Lines sealed under another key or altered in
// transit fail with the opener's error.
func Decode(line string, opener Opener) (Decoded, error) {
	w, err := unwrap(line)
	if err != nil {
		return Decoded{}, err
	}
	plain, err := opener.Open(securestore.Record{Nonce: w.Nonce, CipherText: w.CipherText})
	if err != nil {
		return Decoded{}, err
	}
	var d Decoded
	if err := json.Unmarshal(plain, &d); err != nil {
		return Decoded{}, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}
	if d.Level != w.Level {
		return Decoded{}, fmt.Errorf("%w: level mismatch", ErrMalformedLine)
	}
	return d, nil
}

func unwrap(line string) (wrapper, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(line))
	if err != nil {
		return wrapper{}, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}
	var w wrapper
	if err := json.Unmarshal(raw, &w); err != nil {
		return wrapper{}, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}
	if w.Level == "" || w.Nonce == "" || w.CipherText == "" {
		return wrapper{}, fmt.Errorf("%w: missing fields", ErrMalformedLine)
	}
	return w, nil
}

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func callerLocation(skip int) string {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	name := "unknown"
	if fn != nil {
		name = fn.Name()
	}
	return fmt.Sprintf("%s:%d %s", file, line, name)
}

func errorTypes(err error) []string {
	types := []string{}
	seen := map[string]struct{}{}
	for err != nil {
		name := fmt.Sprintf("%T", err)
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			types = append(types, name)
		}
		err = errors.Unwrap(err)
	}
	return types
}
