package ingest

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/exploopio/chainhunt/pkg/engine"
	"github.com/exploopio/chainhunt/pkg/errors"
	"github.com/exploopio/chainhunt/pkg/finding"
	"github.com/exploopio/chainhunt/pkg/logger"
	"github.com/exploopio/chainhunt/pkg/shared/fingerprint"
	"github.com/exploopio/chainhunt/pkg/storage"
)

func TestRecord_Submission(t *testing.T) {
	half := 0.5

	tests := []struct {
		name       string
		rec        Record
		opts       DecodeOptions
		wantSev    string
		wantConf   float64
		wantClass  string
		wantTarget string
		wantHash   string
		wantStatus finding.Status
		wantErr    bool
	}{
		{
			name:       "plain",
			rec:        Record{Target: "x.com", Host: "a.x.com", VulnerabilityClass: "ssrf", EvidenceHash: "h", Severity: "high"},
			wantSev:    "high",
			wantConf:   1,
			wantClass:  "ssrf",
			wantTarget: "x.com",
			wantHash:   "h",
		},
		{
			name:       "older class field and default target",
			rec:        Record{Host: "a.x.com", Vulnerability: "xss", EvidenceHash: "h", Severity: "low"},
			opts:       DecodeOptions{DefaultTarget: "x.com"},
			wantSev:    "low",
			wantConf:   1,
			wantClass:  "xss",
			wantTarget: "x.com",
			wantHash:   "h",
		},
		{
			name:       "evidence is hashed",
			rec:        Record{Target: "x.com", Host: "a", VulnerabilityClass: "c", Evidence: "GET / 200", Severity: "info"},
			wantSev:    "info",
			wantConf:   1,
			wantClass:  "c",
			wantTarget: "x.com",
			wantHash:   fingerprint.EvidenceHash([]byte("GET / 200")),
		},
		{
			name:       "evidence ref is hashed as a fallback",
			rec:        Record{Target: "x.com", Host: "a", VulnerabilityClass: "c", EvidenceRef: "s3://ev/1", Severity: "info"},
			wantSev:    "info",
			wantConf:   1,
			wantClass:  "c",
			wantTarget: "x.com",
			wantHash:   fingerprint.EvidenceHash([]byte("s3://ev/1")),
		},
		{
			name:       "lenient severity",
			rec:        Record{Target: "x.com", Host: "a", VulnerabilityClass: "c", EvidenceHash: "h", Severity: "CRIT", Confidence: &half},
			opts:       DecodeOptions{LenientSeverity: true},
			wantSev:    "critical",
			wantConf:   0.5,
			wantClass:  "c",
			wantTarget: "x.com",
			wantHash:   "h",
		},
		{
			name:       "strict severity is passed through",
			rec:        Record{Target: "x.com", Host: "a", VulnerabilityClass: "c", EvidenceHash: "h", Severity: "CRIT"},
			wantSev:    "CRIT",
			wantConf:   1,
			wantClass:  "c",
			wantTarget: "x.com",
			wantHash:   "h",
		},
		{
			name:       "status",
			rec:        Record{Target: "x.com", Host: "a", VulnerabilityClass: "c", EvidenceHash: "h", Severity: "low", Status: " Triaged "},
			wantSev:    "low",
			wantConf:   1,
			wantClass:  "c",
			wantTarget: "x.com",
			wantHash:   "h",
			wantStatus: finding.StatusTriaged,
		},
		{
			name:    "unknown status",
			rec:     Record{Target: "x.com", Host: "a", VulnerabilityClass: "c", EvidenceHash: "h", Severity: "low", Status: "done"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, status, err := tt.rec.Submission(tt.opts)
			if tt.wantErr {
				if !errors.IsValidation(err) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Submission: %v", err)
			}
			if sub.Severity != tt.wantSev {
				t.Errorf("Severity = %q, want %q", sub.Severity, tt.wantSev)
			}
			if sub.Confidence != tt.wantConf {
				t.Errorf("Confidence = %v, want %v", sub.Confidence, tt.wantConf)
			}
			if sub.VulnerabilityClass != tt.wantClass {
				t.Errorf("VulnerabilityClass = %q, want %q", sub.VulnerabilityClass, tt.wantClass)
			}
			if sub.Target != tt.wantTarget {
				t.Errorf("Target = %q, want %q", sub.Target, tt.wantTarget)
			}
			if sub.EvidenceHash != tt.wantHash {
				t.Errorf("EvidenceHash = %q, want %q", sub.EvidenceHash, tt.wantHash)
			}
			if status != tt.wantStatus {
				t.Errorf("status = %q, want %q", status, tt.wantStatus)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	input := strings.Join([]string{
		`# recon batch 7`,
		`{"target":"x.com","host":"a.x.com","vulnerability_class":"ssrf","evidence_hash":"h1","severity":"medium"}`,
		``,
		`{"target":"x.com",`,
		`{"target":"x.com","host":"b.x.com","vulnerability_class":"idor","evidence_hash":"h2","severity":"high","grants":["account-takeover"]}`,
	}, "\n")

	lines, bad, err := Decode(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0].Number != 2 || lines[1].Number != 5 {
		t.Errorf("line numbers = %d, %d; want 2, 5", lines[0].Number, lines[1].Number)
	}
	if got := lines[1].Record.Grants; len(got) != 1 || got[0] != "account-takeover" {
		t.Errorf("Grants = %v", got)
	}
	if len(bad) != 1 || bad[0].Line != 4 {
		t.Fatalf("expected line 4 to fail, got %+v", bad)
	}
	if !strings.Contains(bad[0].Error(), "line 4") {
		t.Errorf("LineError.Error() = %q", bad[0].Error())
	}
}

func TestStatusPath(t *testing.T) {
	tests := []struct {
		from, to finding.Status
		want     []finding.Status
		ok       bool
	}{
		{finding.StatusNew, finding.StatusNew, nil, true},
		{finding.StatusNew, finding.StatusTriaged, []finding.Status{finding.StatusTriaged}, true},
		{finding.StatusNew, finding.StatusPaid, []finding.Status{
			finding.StatusTriaged, finding.StatusVerified, finding.StatusReported, finding.StatusPaid,
		}, true},
		{finding.StatusNew, finding.StatusRejected, []finding.Status{finding.StatusRejected}, true},
		{finding.StatusPaid, finding.StatusTriaged, nil, false},
		{finding.StatusRejected, finding.StatusNew, nil, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			got, ok := StatusPath(tt.from, tt.to)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("path = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("path = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	c := &Config{}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if c.Workers != 4 || c.QueueSize != 1000 || c.RatePerSecond != 50 || c.Burst != 10 || c.MaxRetries != 5 {
		t.Errorf("defaults not applied: %+v", c)
	}

	bad := &Config{Workers: -1}
	if err := bad.Validate(); !errors.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	db, err := storage.Open(&storage.Config{DatabasePath: filepath.Join(t.TempDir(), "ingest.db")})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	e, err := engine.New(db)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

const batch = `{"target":"x.com","host":"api.x.com","vulnerability_class":"ssrf","evidence_hash":"ev-ssrf","severity":"medium","confidence":0.9,"grants":["internal-network-access"],"entry_point":true}
{"target":"x.com","host":"admin.internal.x.com","vulnerability_class":"exposed-admin","evidence_hash":"ev-admin","severity":"high","confidence":0.7,"requires":["internal-network-access"],"status":"triaged"}
{"target":"x.com","host":"api.x.com","vulnerability_class":"ssrf","evidence_hash":"ev-ssrf","severity":"medium","confidence":0.9}
{"target":"x.com","host":"c.x.com","vulnerability_class":"xss","evidence_hash":"ev-xss","severity":"urgent"}
not json
`

func TestRun_AgainstEngine(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	var mu sync.Mutex
	var failedLines []int
	cfg := &Config{
		Workers:       2,
		RatePerSecond: 1000,
		Burst:         100,
		OnFailed: func(line int, _ error) {
			mu.Lock()
			failedLines = append(failedLines, line)
			mu.Unlock()
		},
	}

	in, err := New(cfg, e, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rep, err := in.Run(ctx, strings.NewReader(batch))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if rep.Lines != 5 {
		t.Errorf("Lines = %d, want 5", rep.Lines)
	}
	if rep.Created != 2 || rep.Duplicates != 1 {
		t.Errorf("Created/Duplicates = %d/%d, want 2/1", rep.Created, rep.Duplicates)
	}
	if rep.StatusUpdates != 1 {
		t.Errorf("StatusUpdates = %d, want 1", rep.StatusUpdates)
	}
	if rep.Failed != 2 || len(rep.Errors) != 2 {
		t.Fatalf("Failed = %d (%v), want 2", rep.Failed, rep.Errors)
	}
	if rep.Errors[0].Line != 4 || rep.Errors[1].Line != 5 {
		t.Errorf("error lines = %d, %d; want 4, 5", rep.Errors[0].Line, rep.Errors[1].Line)
	}
	if len(failedLines) != 2 {
		t.Errorf("OnFailed called %d times, want 2", len(failedLines))
	}

	fs, err := e.ListFindings(ctx, "x.com", finding.ListFilter{})
	if err != nil {
		t.Fatalf("ListFindings: %v", err)
	}
	if len(fs) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(fs))
	}
	for _, f := range fs {
		want := finding.StatusNew
		if f.VulnerabilityClass == "exposed-admin" {
			want = finding.StatusTriaged
		}
		if f.Status != want {
			t.Errorf("%s status = %s, want %s", f.VulnerabilityClass, f.Status, want)
		}
	}

	chains, _, err := e.Chains(ctx, "x.com", e.SynthesisOptions())
	if err != nil {
		t.Fatalf("Chains: %v", err)
	}
	if len(chains) == 0 || chains[0].Len() != 2 {
		t.Errorf("expected the ssrf -> admin chain on top, got %d chains", len(chains))
	}
}

func TestRun_ReingestDoesNotRollBackStatus(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	line := `{"target":"x.com","host":"a.x.com","vulnerability_class":"ssrf","evidence_hash":"h","severity":"low","status":"triaged"}`

	first, _ := New(&Config{RatePerSecond: 1000, Burst: 100}, e, nil)
	if _, err := first.Run(ctx, strings.NewReader(line)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	fs, _ := e.ListFindings(ctx, "x.com", finding.ListFilter{})
	if len(fs) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(fs))
	}
	if _, err := e.UpdateFindingStatus(ctx, fs[0].ID, finding.StatusVerified, fs[0].Version); err != nil {
		t.Fatalf("UpdateFindingStatus: %v", err)
	}

	second, _ := New(&Config{RatePerSecond: 1000, Burst: 100}, e, nil)
	rep, err := second.Run(ctx, strings.NewReader(line))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Duplicates != 1 || rep.StatusUpdates != 0 || rep.Failed != 0 {
		t.Errorf("unexpected report %+v", rep)
	}

	f, _ := e.Finding(ctx, fs[0].ID)
	if f.Status != finding.StatusVerified {
		t.Errorf("status = %s, want verified", f.Status)
	}
}

// conflictingSink loses the first status race.
type conflictingSink struct {
	mu      sync.Mutex
	f       *finding.Finding
	races   int
	updates []finding.Status
}

func (s *conflictingSink) SubmitFinding(_ context.Context, sub finding.Submission) (*finding.Finding, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.f = &finding.Finding{ID: "f1", Target: sub.Target, Status: finding.StatusNew, Version: 1}
	return s.f.Clone(), true, nil
}

func (s *conflictingSink) UpdateFindingStatus(_ context.Context, id string, to finding.Status, v int64) (*finding.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.races > 0 {
		s.races--
		// Another writer bumps the version without changing the status.
		s.f.Version++
		return nil, errors.E(errors.KindConflict, "test", "stale")
	}
	if v != s.f.Version {
		return nil, errors.E(errors.KindConflict, "test", "stale")
	}
	s.f.Status = to
	s.f.Version++
	s.updates = append(s.updates, to)
	return s.f.Clone(), nil
}

func (s *conflictingSink) Finding(_ context.Context, id string) (*finding.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Clone(), nil
}

func TestRun_RetriesStatusConflicts(t *testing.T) {
	sink := &conflictingSink{races: 1}
	in, err := New(&Config{Workers: 1, RatePerSecond: 1000, Burst: 100, MaxRetries: 3}, sink, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	line := `{"target":"x.com","host":"a","vulnerability_class":"c","evidence_hash":"h","severity":"low","status":"verified"}`
	rep, err := in.Run(context.Background(), strings.NewReader(line))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Failed != 0 {
		t.Fatalf("unexpected failures: %+v", rep.Errors)
	}
	if rep.StatusUpdates != 2 {
		t.Errorf("StatusUpdates = %d, want 2", rep.StatusUpdates)
	}
	if len(sink.updates) != 2 || sink.updates[1] != finding.StatusVerified {
		t.Errorf("updates = %v", sink.updates)
	}
}

func TestIngester_StartLogsRetrySchedule(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(logger.Config{Level: "debug", Output: &buf})

	in, err := New(&Config{Workers: 2, QueueSize: 4, RatePerSecond: 1000, Burst: 100, MaxRetries: 3}, &conflictingSink{}, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	in.Start(context.Background())
	if err := in.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"started 2 workers", "3 attempts", "[10ms 20ms]", "30ms in total"} {
		if !strings.Contains(out, want) {
			t.Errorf("log is missing %q:\n%s", want, out)
		}
	}
}

func TestIngester_SubmitWhenStopped(t *testing.T) {
	in, _ := New(nil, &conflictingSink{}, nil)
	if err := in.Submit(context.Background(), Line{Number: 1}); err == nil {
		t.Error("expected error submitting to a stopped ingester")
	}
	if err := in.Stop(context.Background()); err != nil {
		t.Errorf("Stop on idle ingester: %v", err)
	}
}
