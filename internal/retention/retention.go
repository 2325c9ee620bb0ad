package retention

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sitekeeper/sitekeeper/internal/config"
)

// Artifact is a backup file discovered under the backup root. Retention
// works from filesystem state, never from this run's in-memory artifact
// list, so it also cleans up history accumulated by prior runs.
type Artifact struct {
	Path     string
	Database string
	Size     int64
	Modified time.Time
}

// Manager prunes old artifacts per database down to a retention count.
type Manager struct {
	cfg     *config.Config
	log     zerolog.Logger
	pattern *regexp.Regexp
}

// New builds a Manager whose filename pattern accepts a dump optionally
// followed by any of the registry's compression extensions and an
// optional encryption suffix.
func New(cfg *config.Config, extensions []string, log zerolog.Logger) *Manager {
	quoted := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		quoted = append(quoted, regexp.QuoteMeta(strings.TrimPrefix(ext, ".")))
	}
	expr := `^(.+)-\d{8}\.sql`
	if len(quoted) > 0 {
		expr += `(?:\.(?:` + strings.Join(quoted, "|") + `))?`
	}
	expr += `(?:\.enc)?$`
	return &Manager{cfg: cfg, log: log, pattern: regexp.MustCompile(expr)}
}

// Scan enumerates artifacts under <root>/backups whose names match the
// dump naming convention. Non-matching files are ignored, not errors.
func (m *Manager) Scan() []Artifact {
	root := filepath.Join(m.cfg.Local.BackupRoot, "backups")
	artifacts := []Artifact{}
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		match := m.pattern.FindStringSubmatch(d.Name())
		if match == nil {
			return nil
		}
		info, statErr := d.Info()
		if statErr != nil {
			return nil
		}
		artifacts = append(artifacts, Artifact{
			Path:     path,
			Database: match[1],
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
		return nil
	})
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Path < artifacts[j].Path })
	return artifacts
}

// Prune deletes zero-byte artifacts (unless configured to keep them) and
// then, per database, the oldest files beyond the retention count. The
// fixed-width date in the filename makes lexicographic order
// chronological, so "oldest" is simply the front of the sorted group.
func (m *Manager) Prune() {
	if m.cfg.Local.Retention <= 0 {
		return
	}

	groups := map[string][]string{}
	for _, artifact := range m.Scan() {
		if artifact.Size == 0 && !m.cfg.Local.KeepZeroByte {
			if err := os.Remove(artifact.Path); err != nil {
				m.log.Error().Err(err).Str("path", artifact.Path).Msg("cannot remove empty artifact")
			} else {
				m.log.Info().Str("path", artifact.Path).Msg("removed empty artifact")
			}
			continue
		}
		groups[artifact.Database] = append(groups[artifact.Database], artifact.Path)
	}

	databases := make([]string, 0, len(groups))
	for db := range groups {
		databases = append(databases, db)
	}
	sort.Strings(databases)

	keep := m.cfg.Local.Retention
	for _, db := range databases {
		files := groups[db]
		sort.Strings(files)
		if len(files) <= keep {
			continue
		}
		for _, path := range files[:len(files)-keep] {
			if err := os.Remove(path); err != nil {
				m.log.Error().Err(err).Str("path", path).Msg("cannot remove old artifact")
				continue
			}
			m.log.Info().Str("database", db).Str("path", path).Msg("removed old artifact")
		}
	}
}
