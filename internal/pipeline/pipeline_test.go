package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sitekeeper/sitekeeper/internal/config"
	"github.com/sitekeeper/sitekeeper/internal/format"
)

type fakeRunner struct {
	calls []string
	fn    func(line string) string
}

func (f *fakeRunner) Run(_ context.Context, line string) string {
	f.calls = append(f.calls, line)
	if f.fn != nil {
		return f.fn(line)
	}
	return ""
}

var testNow = time.Date(2024, 3, 5, 4, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Local: config.LocalConfig{
			BackupRoot:    t.TempDir(),
			DumpUser:      "root",
			DefaultFormat: "mysql",
		},
		Sites: map[string]config.SiteConfig{
			"wiki": {
				Enabled:  true,
				Path:     t.TempDir(),
				Database: "wiki_db",
			},
		},
	}
}

func newTestPipeline(cfg *config.Config, run *fakeRunner, key []byte, sink *bytes.Buffer) *Pipeline {
	if sink == nil {
		sink = &bytes.Buffer{}
	}
	p := New(cfg, format.Build(cfg.Formats, cfg.CompressFormats, zerolog.Nop()), run, key, zerolog.New(sink))
	p.Now = func() time.Time { return testNow }
	return p
}

func warnings(sink *bytes.Buffer) int {
	return strings.Count(sink.String(), `"level":"warn"`)
}

func TestTargetPathZeroPadded(t *testing.T) {
	when := time.Date(987, 4, 9, 0, 0, 0, 0, time.UTC)
	got := TargetPath("/srv", "app", when)
	want := filepath.Join("/srv", "backups", "0987", "04", "app-09870409.sql")
	if got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestFirstRunProducesSQLArtifact(t *testing.T) {
	cfg := testConfig(t)
	run := &fakeRunner{}
	p := newTestPipeline(cfg, run, nil, nil)

	artifacts := p.Execute(context.Background())
	if len(artifacts) != 1 {
		t.Fatalf("expected one artifact, got %v", artifacts)
	}
	want := filepath.Join(cfg.Local.BackupRoot, "backups", "2024", "03", "wiki_db-20240305.sql")
	if artifacts[0] != want {
		t.Fatalf("artifact %s, want %s", artifacts[0], want)
	}
	if len(run.calls) != 1 {
		t.Fatalf("expected one dump invocation, got %v", run.calls)
	}
	if run.calls[0] != fmt.Sprintf("mysqldump -u root wiki_db -r %s", want) {
		t.Fatalf("unexpected dump command: %s", run.calls[0])
	}
	if _, err := os.Stat(filepath.Dir(want)); err != nil {
		t.Fatalf("backup directory not created: %v", err)
	}
}

func TestCompressedRunRecordsArchive(t *testing.T) {
	cfg := testConfig(t)
	cfg.Local.DefaultCompress = "gzip"
	run := &fakeRunner{}
	p := newTestPipeline(cfg, run, nil, nil)

	artifacts := p.Execute(context.Background())
	if len(artifacts) != 1 || !strings.HasSuffix(artifacts[0], ".sql.gz") {
		t.Fatalf("expected gz artifact, got %v", artifacts)
	}
	if len(run.calls) != 2 {
		t.Fatalf("expected dump and compress, got %v", run.calls)
	}
	sqlPath := strings.TrimSuffix(artifacts[0], ".gz")
	if run.calls[1] != "gzip "+sqlPath {
		t.Fatalf("unexpected compress command: %s", run.calls[1])
	}
}

func TestExistingArchiveShortCircuits(t *testing.T) {
	cfg := testConfig(t)
	cfg.Local.DefaultCompress = "gzip"
	archive := TargetPath(cfg.Local.BackupRoot, "wiki_db", testNow) + ".gz"
	mustWrite(t, archive, "old archive")

	run := &fakeRunner{}
	sink := &bytes.Buffer{}
	p := newTestPipeline(cfg, run, nil, sink)

	artifacts := p.Execute(context.Background())
	if len(run.calls) != 0 {
		t.Fatalf("no commands should run, got %v", run.calls)
	}
	if len(artifacts) != 1 || artifacts[0] != archive {
		t.Fatalf("existing archive should be recorded: %v", artifacts)
	}
	if warnings(sink) != 1 {
		t.Fatalf("expected one warning, log: %s", sink.String())
	}
}

func TestExistingDumpSkipsDumpStepOnly(t *testing.T) {
	cfg := testConfig(t)
	cfg.Local.DefaultCompress = "gzip"
	sqlPath := TargetPath(cfg.Local.BackupRoot, "wiki_db", testNow)
	mustWrite(t, sqlPath, "partial dump from an interrupted run")

	run := &fakeRunner{}
	p := newTestPipeline(cfg, run, nil, nil)

	artifacts := p.Execute(context.Background())
	if len(run.calls) != 1 || !strings.HasPrefix(run.calls[0], "gzip ") {
		t.Fatalf("only the compress step should run, got %v", run.calls)
	}
	if len(artifacts) != 1 || artifacts[0] != sqlPath+".gz" {
		t.Fatalf("unexpected artifacts: %v", artifacts)
	}
}

func TestForceRecreatesExistingArtifact(t *testing.T) {
	cfg := testConfig(t)
	cfg.Local.DefaultCompress = "gzip"
	cfg.Local.Force = true
	mustWrite(t, TargetPath(cfg.Local.BackupRoot, "wiki_db", testNow)+".gz", "old archive")
	mustWrite(t, TargetPath(cfg.Local.BackupRoot, "wiki_db", testNow), "old dump")

	run := &fakeRunner{}
	p := newTestPipeline(cfg, run, nil, nil)

	p.Execute(context.Background())
	if len(run.calls) != 2 {
		t.Fatalf("force should re-run dump and compress, got %v", run.calls)
	}
}

func TestUnknownFormatSkipsSite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Local.DefaultFormat = "oracle"
	run := &fakeRunner{}
	sink := &bytes.Buffer{}
	p := newTestPipeline(cfg, run, nil, sink)

	artifacts := p.Execute(context.Background())
	if len(artifacts) != 0 || len(run.calls) != 0 {
		t.Fatalf("nothing should run for an unknown format")
	}
	if warnings(sink) != 1 {
		t.Fatalf("expected exactly one warning, log: %s", sink.String())
	}
	if !strings.Contains(sink.String(), "oracle") {
		t.Fatalf("warning should name the format: %s", sink.String())
	}
}

func TestUnknownCompressSkipsSite(t *testing.T) {
	cfg := testConfig(t)
	site := cfg.Sites["wiki"]
	site.Compress = "lzma"
	cfg.Sites["wiki"] = site

	run := &fakeRunner{}
	sink := &bytes.Buffer{}
	p := newTestPipeline(cfg, run, nil, sink)

	if got := p.Execute(context.Background()); len(got) != 0 || len(run.calls) != 0 {
		t.Fatalf("site with unknown compress format should be skipped")
	}
	if warnings(sink) != 1 {
		t.Fatalf("expected one warning, log: %s", sink.String())
	}
}

func TestMissingUserSkipsSite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Local.DumpUser = ""
	run := &fakeRunner{}
	sink := &bytes.Buffer{}
	p := newTestPipeline(cfg, run, nil, sink)

	if got := p.Execute(context.Background()); len(got) != 0 || len(run.calls) != 0 {
		t.Fatalf("site without a database user should be skipped")
	}
	if warnings(sink) != 1 {
		t.Fatalf("expected one warning, log: %s", sink.String())
	}
}

func TestMissingPathSkipsSiteSilently(t *testing.T) {
	cfg := testConfig(t)
	site := cfg.Sites["wiki"]
	site.Path = filepath.Join(site.Path, "gone")
	cfg.Sites["wiki"] = site

	run := &fakeRunner{}
	sink := &bytes.Buffer{}
	p := newTestPipeline(cfg, run, nil, sink)

	if got := p.Execute(context.Background()); len(got) != 0 || len(run.calls) != 0 {
		t.Fatalf("site with missing path should be skipped")
	}
	if warnings(sink) != 0 {
		t.Fatalf("missing path is not a warning: %s", sink.String())
	}
}

func TestDumpFailureAbandonsSite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Local.DefaultCompress = "gzip"
	run := &fakeRunner{fn: func(line string) string {
		if strings.HasPrefix(line, "mysqldump") {
			return "mysqldump: Access denied"
		}
		return ""
	}}
	sink := &bytes.Buffer{}
	p := newTestPipeline(cfg, run, nil, sink)

	artifacts := p.Execute(context.Background())
	if len(artifacts) != 0 {
		t.Fatalf("failed dump must record no artifact: %v", artifacts)
	}
	if len(run.calls) != 1 {
		t.Fatalf("compression must not run after a failed dump: %v", run.calls)
	}
	if !strings.Contains(sink.String(), "Access denied") {
		t.Fatalf("error log should carry the captured output: %s", sink.String())
	}
}

func TestCompressFailureLeavesDumpOnDisk(t *testing.T) {
	cfg := testConfig(t)
	cfg.Local.DefaultCompress = "gzip"
	sqlPath := TargetPath(cfg.Local.BackupRoot, "wiki_db", testNow)
	run := &fakeRunner{fn: func(line string) string {
		if strings.HasPrefix(line, "mysqldump") {
			mustWrite(nil, sqlPath, "-- dump")
			return ""
		}
		return "gzip: out of space"
	}}
	sink := &bytes.Buffer{}
	p := newTestPipeline(cfg, run, nil, sink)

	artifacts := p.Execute(context.Background())
	if len(artifacts) != 0 {
		t.Fatalf("failed compression must record no artifact: %v", artifacts)
	}
	if _, err := os.Stat(sqlPath); err != nil {
		t.Fatalf("sql file should remain after compress failure: %v", err)
	}
	if !strings.Contains(sink.String(), "gzip "+sqlPath) {
		t.Fatalf("error log should reference the compress command: %s", sink.String())
	}
	if !strings.Contains(sink.String(), `"level":"error"`) {
		t.Fatalf("expected an error entry: %s", sink.String())
	}
}

func TestBuiltinCodecCompression(t *testing.T) {
	cfg := testConfig(t)
	cfg.Local.DefaultCompress = "zstd"
	cfg.CompressFormats = map[string]config.CompressConfig{
		"zstd": {Extension: ".zst", Codec: "zstd"},
	}
	sqlPath := TargetPath(cfg.Local.BackupRoot, "wiki_db", testNow)
	run := &fakeRunner{fn: func(string) string {
		mustWrite(nil, sqlPath, "-- dump contents")
		return ""
	}}
	p := newTestPipeline(cfg, run, nil, nil)

	artifacts := p.Execute(context.Background())
	if len(artifacts) != 1 || artifacts[0] != sqlPath+".zst" {
		t.Fatalf("unexpected artifacts: %v", artifacts)
	}
	if len(run.calls) != 1 {
		t.Fatalf("codec compression must not shell out: %v", run.calls)
	}
	if _, err := os.Stat(sqlPath + ".zst"); err != nil {
		t.Fatalf("archive missing: %v", err)
	}
	if _, err := os.Stat(sqlPath); !os.IsNotExist(err) {
		t.Fatalf("plain dump should be removed by codec compression")
	}
}

func TestEncryptionProducesEncArtifact(t *testing.T) {
	cfg := testConfig(t)
	key := make([]byte, 32)
	sqlPath := TargetPath(cfg.Local.BackupRoot, "wiki_db", testNow)
	run := &fakeRunner{fn: func(string) string {
		mustWrite(nil, sqlPath, "-- dump contents")
		return ""
	}}
	p := newTestPipeline(cfg, run, key, nil)

	artifacts := p.Execute(context.Background())
	if len(artifacts) != 1 || artifacts[0] != sqlPath+".enc" {
		t.Fatalf("unexpected artifacts: %v", artifacts)
	}
	if _, err := os.Stat(sqlPath); !os.IsNotExist(err) {
		t.Fatalf("plaintext dump should be removed after encryption")
	}
}

func TestSecondRunIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	sqlPath := TargetPath(cfg.Local.BackupRoot, "wiki_db", testNow)
	run := &fakeRunner{fn: func(string) string {
		mustWrite(nil, sqlPath, "-- dump contents")
		return ""
	}}
	p := newTestPipeline(cfg, run, nil, nil)

	first := p.Execute(context.Background())
	second := p.Execute(context.Background())
	if len(run.calls) != 1 {
		t.Fatalf("second run must not re-dump: %v", run.calls)
	}
	if len(second) != 1 || second[0] != first[0] {
		t.Fatalf("second run should record the existing artifact: %v", second)
	}
}

func mustWrite(t *testing.T, path, content string) {
	if t != nil {
		t.Helper()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		panic(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		panic(err)
	}
}
