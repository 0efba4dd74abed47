// ABOUTME: Read-only access-code directory with a short-lived lookup cache
// ABOUTME: Validates codes and optional phone restrictions against reference data

package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentline/gateway/internal/store"
)

// ErrCodeNotFound indicates the access code does not exist or is inactive.
var ErrCodeNotFound = errors.New("access code not found")

// ErrPhoneMismatch indicates the code is restricted to a different phone number.
var ErrPhoneMismatch = errors.New("access code registered to another phone")

// ErrUnavailable indicates the directory backend could not be reached.
var ErrUnavailable = errors.New("directory unavailable")

// cacheTTL bounds how stale a cached directory entry may be. Reference data
// changes rarely; 30 seconds keeps dashboard edits visible without hammering
// the store on every greeting.
const cacheTTL = 30 * time.Second

// Entry is a resolved access-code directory entry.
type Entry struct {
	AgentCode   string
	DisplayName string
}

// CodeReader is the slice of the store the directory needs.
type CodeReader interface {
	GetAccessCode(ctx context.Context, code string) (*store.AccessCode, error)
}

type cached struct {
	code    *store.AccessCode
	fetched time.Time
}

// Directory resolves access codes against reference data.
type Directory struct {
	reader CodeReader
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]cached
}

// New creates a Directory backed by the given reader.
func New(reader CodeReader, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		reader: reader,
		logger: logger.With("component", "directory"),
		cache:  make(map[string]cached),
	}
}

// Lookup resolves code for the given sender phone. The code is matched
// case-insensitively. When the directory entry restricts by phone, the
// sender's number must match after normalization to digits.
func (d *Directory) Lookup(ctx context.Context, code, senderPhone string) (*Entry, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))

	ac, err := d.fetch(ctx, normalized)
	if err != nil {
		return nil, err
	}

	if ac.RestrictedPhone != "" {
		if normalizePhone(senderPhone) != normalizePhone(ac.RestrictedPhone) {
			d.logger.Warn("access code phone mismatch",
				"code", normalized,
			)
			return nil, ErrPhoneMismatch
		}
	}

	return &Entry{
		AgentCode:   ac.AgentCode,
		DisplayName: ac.DisplayName,
	}, nil
}

func (d *Directory) fetch(ctx context.Context, code string) (*store.AccessCode, error) {
	d.mu.Lock()
	if entry, ok := d.cache[code]; ok && time.Since(entry.fetched) < cacheTTL {
		d.mu.Unlock()
		if entry.code == nil {
			return nil, ErrCodeNotFound
		}
		return entry.code, nil
	}
	d.mu.Unlock()

	ac, err := d.reader.GetAccessCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		// Negative entries are cached too; invalid codes are retried often.
		d.mu.Lock()
		d.cache[code] = cached{code: nil, fetched: time.Now()}
		d.mu.Unlock()
		return nil, ErrCodeNotFound
	}
	if err != nil {
		d.logger.Error("directory lookup failed", "code", code, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	d.mu.Lock()
	d.cache[code] = cached{code: ac, fetched: time.Now()}
	d.mu.Unlock()
	return ac, nil
}

// normalizePhone strips everything but digits so "+1 (555) 123-0001" and
// "whatsapp:+15551230001" compare equal.
func normalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
