package channel

import (
	"strings"
	"sync"
	"time"
)

// rateLimiter enforces per-chat message caps over rolling minute and hour
// windows.
type rateLimiter struct {
	mu        sync.Mutex
	perMinute int
	perHour   int
	history   map[string][]time.Time
	now       func() time.Time
}

func newRateLimiter(perMinute, perHour int, now func() time.Time) *rateLimiter {
	return &rateLimiter{
		perMinute: perMinute,
		perHour:   perHour,
		history:   map[string][]time.Time{},
		now:       now,
	}
}

// allow records the attempt and reports whether it fits both windows.
func (r *rateLimiter) allow(chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	cutoff := now.Add(-time.Hour)
	kept := r.history[chatID][:0]
	for _, t := range r.history[chatID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	inMinute := 0
	minuteCutoff := now.Add(-time.Minute)
	for _, t := range kept {
		if t.After(minuteCutoff) {
			inMinute++
		}
	}
	if len(kept) >= r.perHour || inMinute >= r.perMinute {
		r.history[chatID] = kept
		return false
	}
	r.history[chatID] = append(kept, now)
	return true
}

// markdownEscaper covers the characters the relay's Markdown parser treats
// as control.
var markdownEscaper = strings.NewReplacer(
	"_", "\\_", "*", "\\*", "[", "\\[", "]", "\\]", "(", "\\(", ")", "\\)",
	"~", "\\~", "`", "\\`", ">", "\\>", "#", "\\#", "+", "\\+", "-", "\\-",
	"=", "\\=", "|", "\\|", "{", "\\{", "}", "\\}", ".", "\\.", "!", "\\!",
)

// escapeMarkdown escapes outbound text for the relay.
func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

// splitMessage cuts text into chunks no longer than max, preferring line
// boundaries.
func splitMessage(text string, max int) []string {
	if max <= 0 || len(text) <= max {
		return []string{text}
	}
	var chunks []string
	for len(text) > max {
		cut := strings.LastIndex(text[:max], "\n")
		if cut <= 0 {
			cut = max
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// historyRing keeps the last N turns per chat, each truncated to charCap.
type historyRing struct {
	mu      sync.Mutex
	turns   map[string][]string
	maxLen  int
	charCap int
}

func newHistoryRing(maxLen, charCap int) *historyRing {
	return &historyRing{turns: map[string][]string{}, maxLen: maxLen, charCap: charCap}
}

func (h *historyRing) add(chatID, entry string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.charCap > 0 && len(entry) > h.charCap {
		entry = entry[:h.charCap]
	}
	turns := append(h.turns[chatID], entry)
	if h.maxLen > 0 && len(turns) > h.maxLen {
		turns = turns[len(turns)-h.maxLen:]
	}
	h.turns[chatID] = turns
}

func (h *historyRing) get(chatID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.turns[chatID]...)
}
