package main

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hospital/his/internal/config"
	"github.com/hospital/his/internal/domain/inventory"
	"github.com/hospital/his/internal/platform/db"
)

func TestPrintReconciliation(t *testing.T) {
	rows := []*inventory.Reconciliation{
		{RecordID: uuid.New(), BatchNumber: "B-1", Quantity: 10, LedgerSum: 10, Balanced: true},
		{RecordID: uuid.New(), BatchNumber: "B-2", Quantity: 7, LedgerSum: 9, Balanced: false},
	}

	var buf bytes.Buffer
	bad := printReconciliation(&buf, rows)
	if bad != 1 {
		t.Fatalf("expected 1 mismatch, got %d", bad)
	}
	out := buf.String()
	if !strings.Contains(out, "MISMATCH") {
		t.Errorf("expected a MISMATCH row, got:\n%s", out)
	}
	if !strings.Contains(out, "2 record(s) checked, 1 mismatched") {
		t.Errorf("missing summary line, got:\n%s", out)
	}
}

func TestPrintReconciliation_Empty(t *testing.T) {
	var buf bytes.Buffer
	if bad := printReconciliation(&buf, nil); bad != 0 {
		t.Fatalf("expected no mismatches, got %d", bad)
	}
	if !strings.Contains(buf.String(), "0 record(s) checked") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}

func TestPrintMigrationStatus(t *testing.T) {
	at := time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)
	var buf bytes.Buffer
	printMigrationStatus(&buf, []db.MigrationStatus{
		{Version: 1, Name: "pharmacy_core", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "next", Applied: false},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header, rule and 2 rows, got %d lines", len(lines))
	}
	if !strings.Contains(lines[2], "applied") || !strings.Contains(lines[2], "2024-06-01 08:30:00") {
		t.Errorf("unexpected applied row %q", lines[2])
	}
	if !strings.Contains(lines[3], "pending") {
		t.Errorf("unexpected pending row %q", lines[3])
	}
}

func TestNewLogger_JSONOutsideDevelopment(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger("production", &buf)
	logger.Info().Msg("hello")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if line["service"] != appName {
		t.Errorf("expected service %q, got %v", appName, line["service"])
	}
}

func TestWebhookEndpoints(t *testing.T) {
	cfg := &config.Config{
		WebhookURLs:   []string{"https://a.example/hook", "https://b.example/hook"},
		WebhookSecret: "s3cret",
		WebhookEvents: []string{"inventory.low_stock"},
	}
	eps := webhookEndpoints(cfg)
	if len(eps) != 2 {
		t.Fatalf("expected 2 endpoints, got %d", len(eps))
	}
	if eps[1].URL != "https://b.example/hook" || eps[1].Secret != "s3cret" || eps[1].Events[0] != "inventory.low_stock" {
		t.Errorf("unexpected endpoint %+v", eps[1])
	}
}

func TestCommandTree(t *testing.T) {
	want := map[string][]string{
		"migrate":  {"up", "status", "down"},
		"hospital": {"create"},
		"ledger":   {"verify"},
	}
	cmds := map[string]func() []string{
		"migrate":  func() []string { return names(migrateCmd().Commands()) },
		"hospital": func() []string { return names(hospitalCmd().Commands()) },
		"ledger":   func() []string { return names(ledgerCmd().Commands()) },
	}
	for parent, sub := range want {
		got := strings.Join(cmds[parent](), ",")
		for _, s := range sub {
			if !strings.Contains(got, s) {
				t.Errorf("%s: missing subcommand %q (have %s)", parent, s, got)
			}
		}
	}
}

func names(cmds []*cobra.Command) []string {
	out := make([]string, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, c.Name())
	}
	return out
}

func TestCommands_RejectInvalidHospitalID(t *testing.T) {
	const bad = "x; DROP SCHEMA public CASCADE"
	tests := []struct {
		name string
		cmd  *cobra.Command
		args []string
	}{
		{"migrate up", migrateCmd(), []string{"up", "--hospital", bad}},
		{"migrate status", migrateCmd(), []string{"status", "--hospital", bad}},
		{"hospital create", hospitalCmd(), []string{"create", "--name", bad}},
		{"ledger verify", ledgerCmd(), []string{"verify", "--hospital", bad, "--pharmacy", uuid.NewString()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cmd.SetArgs(tt.args)
			tt.cmd.SetOut(io.Discard)
			tt.cmd.SetErr(io.Discard)
			err := tt.cmd.Execute()
			if err == nil || !strings.Contains(err.Error(), "invalid hospital identifier") {
				t.Fatalf("expected invalid hospital identifier, got %v", err)
			}
		})
	}
}
