package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `
local:
  backup_root: /var/backups
  dump_user: root
  default_compress: gzip
  retention: 14
sites:
  wiki:
    enabled: true
    path: /var/www/wiki
    database: wiki_db
    dump_user: wiki_backup
  old:
    enabled: false
    path: /var/www/old
    database: old_db
servers:
  offsite:
    enabled: true
    host: backup.example.com
    user: backup
formats:
  mysql: "mariadb-dump -u {user} {db} -r {out}"
compress_formats:
  zstd:
    extension: .zst
    codec: zstd
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sitekeeper.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadResolvesShape(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Local.BackupRoot != "/var/backups" || cfg.Local.Retention != 14 {
		t.Fatalf("local section not decoded: %+v", cfg.Local)
	}
	if cfg.Local.LogLevel != "info" {
		t.Fatalf("defaults not applied: %q", cfg.Local.LogLevel)
	}
	site, ok := cfg.Sites["wiki"]
	if !ok || site.Database != "wiki_db" || site.DumpUser != "wiki_backup" {
		t.Fatalf("site not decoded: %+v", site)
	}
	if cf := cfg.CompressFormats["zstd"]; cf.Codec != "zstd" || cf.Extension != ".zst" {
		t.Fatalf("compress format not decoded: %+v", cf)
	}
	if tpl := cfg.Formats["mysql"]; tpl == "" {
		t.Fatalf("format override missing")
	}
}

func TestEnabledSitesSortedAndFiltered(t *testing.T) {
	cfg := &Config{Sites: map[string]SiteConfig{
		"zeta":  {Enabled: true},
		"alpha": {Enabled: true},
		"off":   {Enabled: false},
	}}
	got := cfg.EnabledSites()
	if len(got) != 2 || got[0] != "alpha" || got[1] != "zeta" {
		t.Fatalf("unexpected site list: %v", got)
	}
}

func TestLoadMissingFileIsFatal(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestExpandEnvOnSecrets(t *testing.T) {
	t.Setenv("SK_TEST_SECRET", "sekrit")
	cfg, err := Load(writeConfig(t, `
local:
  dump_user: root
servers:
  bucket:
    enabled: true
    type: s3
    endpoint: s3.example.com
    bucket: backups
    secret_key: ${SK_TEST_SECRET}
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Servers["bucket"].SecretKey != "sekrit" {
		t.Fatalf("env not expanded: %+v", cfg.Servers["bucket"])
	}
}
