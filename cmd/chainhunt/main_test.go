package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/exploopio/chainhunt/pkg/config"
	"github.com/exploopio/chainhunt/pkg/errors"
	"github.com/exploopio/chainhunt/pkg/health"
)

const findings = `{"target":"x.com","host":"api.x.com","vulnerability_class":"ssrf","evidence":"GET /fetch?url=http://10.0.0.1","severity":"medium","confidence":0.9,"grants":["internal-network-access"],"entry_point":true}
{"target":"x.com","host":"admin.internal.x.com","vulnerability_class":"exposed-admin","evidence":"200 on /admin","severity":"high","confidence":0.7,"requires":["internal-network-access"],"status":"triaged"}
`

// run executes the CLI against db and returns its standard output.
func run(t *testing.T, db, stdin string, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--db", db}, args...))

	err := cmd.Execute()
	return out.String(), err
}

func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(config.EnvAuditLog, filepath.Join(dir, "audit.log"))
	t.Setenv(config.EnvLogLevel, "error")
	return filepath.Join(dir, "campaign.db")
}

func TestCLI_SubmitAndQuery(t *testing.T) {
	db := setup(t)

	if _, err := run(t, db, findings, "submit", "-"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	out, err := run(t, db, "", "--json", "targets")
	if err != nil {
		t.Fatalf("targets: %v", err)
	}
	var targets []struct {
		Target   string `json:"target"`
		Findings int    `json:"findings"`
	}
	if err := json.Unmarshal([]byte(out), &targets); err != nil {
		t.Fatalf("decode targets: %v\n%s", err, out)
	}
	if len(targets) != 1 || targets[0].Target != "x.com" || targets[0].Findings != 2 {
		t.Errorf("targets = %+v, want x.com with 2 findings", targets)
	}

	out, err = run(t, db, "", "--json", "chains", "x.com", "--top", "1")
	if err != nil {
		t.Fatalf("chains: %v", err)
	}
	var res struct {
		Chains []struct {
			Steps []json.RawMessage `json:"steps"`
		} `json:"chains"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode chains: %v\n%s", err, out)
	}
	if len(res.Chains) != 1 || len(res.Chains[0].Steps) != 2 {
		t.Errorf("top chain = %+v, want the two-step ssrf chain", res.Chains)
	}
}

func TestCLI_TransitionRejectsIllegalMove(t *testing.T) {
	db := setup(t)

	if _, err := run(t, db, findings, "submit", "-"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := run(t, db, "", "transition", "x.com", "triaged", "-r", "ssrf confirmed"); err != nil {
		t.Fatalf("transition: %v", err)
	}

	_, err := run(t, db, "", "transition", "x.com", "closed")
	if err == nil {
		t.Fatal("triaged -> closed should fail")
	}
	if code := exitCode(err); code != 5 {
		t.Errorf("exitCode = %d, want 5 (%v)", code, err)
	}
}

func TestCLI_ExportInspect(t *testing.T) {
	db := setup(t)
	bundle := filepath.Join(t.TempDir(), "x.com.json.gz")

	if _, err := run(t, db, findings, "submit", "-"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := run(t, db, "", "roi", "record", "--target", "x.com", "--hours", "4", "--payout", "800"); err != nil {
		t.Fatalf("roi record: %v", err)
	}
	if _, err := run(t, db, "", "export", "x.com", "-o", bundle, "--algorithm", "gzip"); err != nil {
		t.Fatalf("export: %v", err)
	}

	out, err := run(t, db, "", "--json", "inspect", bundle)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	var b struct {
		Target   string            `json:"target"`
		Findings []json.RawMessage `json:"findings"`
		Ledger   []json.RawMessage `json:"ledger"`
	}
	if err := json.Unmarshal([]byte(out), &b); err != nil {
		t.Fatalf("decode bundle: %v\n%s", err, out)
	}
	if b.Target != "x.com" || len(b.Findings) != 2 || len(b.Ledger) != 1 {
		t.Errorf("bundle = %s with %d findings and %d entries", b.Target, len(b.Findings), len(b.Ledger))
	}

	out, err = run(t, db, "", "inspect", bundle)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if !strings.Contains(out, "Findings: 2  1 high, 1 medium") {
		t.Errorf("inspect is missing the severity breakdown:\n%s", out)
	}
}

func TestServeMetrics_Checks(t *testing.T) {
	db := setup(t)
	if _, err := run(t, db, findings, "submit", "-"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	cmd := newRootCmd()
	a, err := openApp(cmd, &globalFlags{dbPath: db}, nil, func(c *config.Config) { c.Audit.Enabled = false })
	if err != nil {
		t.Fatalf("openApp: %v", err)
	}
	defer a.close()

	r := &refresher{app: a}
	if got := r.check(context.Background()).Status; got != health.StatusUnknown {
		t.Errorf("before the first refresh: Status = %v, want %v", got, health.StatusUnknown)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.run(ctx); err == nil {
		t.Fatal("refresh with a cancelled context should fail")
	}
	if got := r.check(context.Background()); got.Status != health.StatusDegraded || got.Error == "" {
		t.Errorf("after a failed refresh: %+v, want degraded with the error", got)
	}

	if err := r.run(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := r.check(context.Background()).Status; got != health.StatusHealthy {
		t.Errorf("after a refresh: Status = %v, want %v", got, health.StatusHealthy)
	}

	tests := []struct {
		name        string
		hideDetails bool
		checks      int
	}{
		{"details", false, 4},
		{"hidden", true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checks := newChecks(a, tt.hideDetails)
			checks.RegisterFunc("refresh", r.check)

			resp := checks.Check(context.Background())
			if len(resp.Checks) != tt.checks {
				t.Errorf("Checks = %d, want %d", len(resp.Checks), tt.checks)
			}
			if tt.hideDetails && resp.Version != "" {
				t.Errorf("Version = %q leaked with details hidden", resp.Version)
			}
		})
	}
}

func TestCLI_ConfigInit(t *testing.T) {
	db := setup(t)
	path := filepath.Join(t.TempDir(), "chainhunt.yaml")

	if _, err := run(t, db, "", "config", "init", path); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, err := run(t, db, "", "config", "init", path); err == nil {
		t.Error("config init should refuse to overwrite without --force")
	}

	out, err := run(t, db, "", "--config", path, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, "max_chain_length: 4") {
		t.Errorf("config show is missing the synthesis defaults:\n%s", out)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		kind errors.Kind
		want int
	}{
		{errors.KindInvalidInput, 2},
		{errors.KindNotFound, 3},
		{errors.KindConflict, 4},
		{errors.KindInvalidTransition, 5},
		{errors.KindInternal, 1},
	}
	for _, tt := range tests {
		err := errors.E(tt.kind, "test", "boom")
		if got := exitCode(err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}
