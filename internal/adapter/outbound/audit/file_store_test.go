package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/policygate/gateway/internal/domain/audit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func makeRecord(ts time.Time, reqID string) audit.AuditRecord {
	return audit.AuditRecord{
		ID:        "id-" + reqID,
		Timestamp: ts,
		Agent:     "agent-1",
		SessionID: "sess-1",
		Action:    "tools/call",
		Resource:  "test_tool",
		Decision:  audit.DecisionPermit,
		Engine:    "RULE",
		RequestID: reqID,
	}
}

func newTestFileStore(t *testing.T, cfg AuditFileConfig) *FileAuditStore {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	s, err := NewFileAuditStore(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewFileAuditStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer func() { _ = f.Close() }()

	n := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if scanner.Text() != "" {
			n++
		}
	}
	return n
}

func TestParseLogFilename(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		in         string
		wantOK     bool
		wantDate   string
		wantSuffix int
	}{
		{"plain daily file", "audit-2026-03-10.log", true, "2026-03-10", 0},
		{"overflow suffix", "audit-2026-03-10-3.log", true, "2026-03-10", 3},
		{"not an audit file", "app.log", false, "", 0},
		{"malformed date", "audit-2026-3-10.log", false, "", 0},
		{"trailing garbage", "audit-2026-03-10.log.bak", false, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, ok := parseLogFilename(tt.in)
			if ok != tt.wantOK {
				t.Fatalf("parseLogFilename(%q) ok = %v, want %v", tt.in, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if info.date != tt.wantDate || info.suffix != tt.wantSuffix {
				t.Errorf("parseLogFilename(%q) = {%s %d}, want {%s %d}",
					tt.in, info.date, info.suffix, tt.wantDate, tt.wantSuffix)
			}
		})
	}
}

func TestFileStoreAppendWritesDatedFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := newTestFileStore(t, AuditFileConfig{Dir: dir})

	ts := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	if err := s.Append(context.Background(), makeRecord(ts, "1"), makeRecord(ts, "2")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	path := filepath.Join(dir, "audit-2026-03-10.log")
	if got := countLines(t, path); got != 2 {
		t.Errorf("lines in %s = %d, want 2", path, got)
	}

	// Each line round-trips as a full record.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read trail: %v", err)
	}
	first := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)[0]
	var rec audit.AuditRecord
	if err := json.Unmarshal([]byte(first), &rec); err != nil {
		t.Fatalf("unmarshal trail line: %v", err)
	}
	if rec.RequestID != "1" || rec.Decision != audit.DecisionPermit {
		t.Errorf("round-tripped record = %+v", rec)
	}
}

func TestFileStoreDateRotation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := newTestFileStore(t, AuditFileConfig{Dir: dir})

	day1 := time.Date(2026, 3, 10, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 11, 0, 1, 0, 0, time.UTC)
	if err := s.Append(context.Background(), makeRecord(day1, "1"), makeRecord(day2, "2")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	_ = s.Flush(context.Background())

	if got := countLines(t, filepath.Join(dir, "audit-2026-03-10.log")); got != 1 {
		t.Errorf("day-1 file lines = %d, want 1", got)
	}
	if got := countLines(t, filepath.Join(dir, "audit-2026-03-11.log")); got != 1 {
		t.Errorf("day-2 file lines = %d, want 1", got)
	}
}

func TestFileStoreSizeRotation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := newTestFileStore(t, AuditFileConfig{Dir: dir, MaxFileSizeMB: 1})
	// Force a tiny cap without writing a megabyte.
	s.maxFileSize = 64

	ts := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		if err := s.Append(context.Background(), makeRecord(ts, fmt.Sprintf("%d", i))); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}
	_ = s.Flush(context.Background())

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected size rotation to create overflow files, found %d file(s)", len(entries))
	}
	// Overflow files follow the -N suffix convention.
	foundSuffix := false
	for _, e := range entries {
		info, ok := parseLogFilename(e.Name())
		if ok && info.suffix > 0 {
			foundSuffix = true
		}
	}
	if !foundSuffix {
		t.Error("no overflow-suffixed file found after size rotation")
	}
}

func TestFileStoreResumesHighestSuffix(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	today := time.Now().UTC().Format("2006-01-02")
	// Pre-seed overflow files as if a prior process rotated twice today.
	for _, name := range []string{
		fmt.Sprintf("audit-%s.log", today),
		fmt.Sprintf("audit-%s-1.log", today),
		fmt.Sprintf("audit-%s-2.log", today),
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}\n"), 0600); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}

	s := newTestFileStore(t, AuditFileConfig{Dir: dir})
	if s.currentSuffix != 2 {
		t.Errorf("currentSuffix = %d, want 2 (resume highest)", s.currentSuffix)
	}
}

func TestFileStoreRetentionPrune(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	old := time.Now().UTC().AddDate(0, 0, -10).Format("2006-01-02")
	fresh := time.Now().UTC().Format("2006-01-02")
	for _, name := range []string{
		fmt.Sprintf("audit-%s.log", old),
		fmt.Sprintf("audit-%s.log", fresh),
		"unrelated.txt",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}\n"), 0600); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}

	newTestFileStore(t, AuditFileConfig{Dir: dir, RetentionDays: 7})

	if _, err := os.Stat(filepath.Join(dir, fmt.Sprintf("audit-%s.log", old))); !os.IsNotExist(err) {
		t.Error("expired trail file survived the retention sweep")
	}
	if _, err := os.Stat(filepath.Join(dir, fmt.Sprintf("audit-%s.log", fresh))); err != nil {
		t.Errorf("fresh trail file was pruned: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "unrelated.txt")); err != nil {
		t.Errorf("non-trail file was pruned: %v", err)
	}
}

func TestFileStoreWarmsRingFromDisk(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ts := time.Now().UTC()

	first := newTestFileStore(t, AuditFileConfig{Dir: dir})
	if err := first.Append(context.Background(), makeRecord(ts, "1"), makeRecord(ts, "2")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := newTestFileStore(t, AuditFileConfig{Dir: dir})
	recent := second.GetRecent(10)
	if len(recent) != 2 {
		t.Fatalf("GetRecent after restart = %d records, want 2", len(recent))
	}
	if recent[0].RequestID != "2" {
		t.Errorf("recent[0].RequestID = %q, want 2 (newest first)", recent[0].RequestID)
	}
}

func TestFileStoreCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	s := newTestFileStore(t, AuditFileConfig{})
	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestFileStoreConcurrentAppend(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := newTestFileStore(t, AuditFileConfig{Dir: dir})
	ts := time.Now().UTC()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_ = s.Append(context.Background(), makeRecord(ts, fmt.Sprintf("%d-%d", n, j)))
			}
		}(i)
	}
	wg.Wait()
	_ = s.Flush(context.Background())

	total := 0
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if _, ok := parseLogFilename(e.Name()); ok {
			total += countLines(t, filepath.Join(dir, e.Name()))
		}
	}
	if total != 200 {
		t.Errorf("total persisted lines = %d, want 200", total)
	}
}

func TestRecentRing(t *testing.T) {
	t.Parallel()

	ring := newRecentRing(3)
	if got := ring.Recent(5); got != nil {
		t.Errorf("Recent on empty ring = %v, want nil", got)
	}

	ts := time.Now().UTC()
	for i := 0; i < 5; i++ {
		ring.Add(makeRecord(ts, fmt.Sprintf("%d", i)))
	}

	if ring.Len() != 3 {
		t.Errorf("Len = %d, want 3", ring.Len())
	}
	recent := ring.Recent(3)
	if recent[0].RequestID != "4" || recent[2].RequestID != "2" {
		t.Errorf("ring order wrong: %s .. %s", recent[0].RequestID, recent[2].RequestID)
	}
}
