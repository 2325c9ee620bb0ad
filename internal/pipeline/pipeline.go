package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sitekeeper/sitekeeper/internal/compress"
	"github.com/sitekeeper/sitekeeper/internal/config"
	"github.com/sitekeeper/sitekeeper/internal/cryptoutil"
	"github.com/sitekeeper/sitekeeper/internal/format"
	"github.com/sitekeeper/sitekeeper/internal/runner"
)

// encSuffix is appended to artifacts encrypted at rest.
const encSuffix = ".enc"

// Pipeline turns resolved site jobs into artifacts: one dump per site,
// optionally compressed and encrypted. All failures are per-site.
type Pipeline struct {
	cfg *config.Config
	reg format.Registry
	run runner.Runner
	log zerolog.Logger
	key []byte // nil = no encryption

	// Now is the clock used for artifact paths; tests pin it.
	Now func() time.Time
}

func New(cfg *config.Config, reg format.Registry, run runner.Runner, key []byte, log zerolog.Logger) *Pipeline {
	return &Pipeline{cfg: cfg, reg: reg, run: run, key: key, log: log, Now: time.Now}
}

// TargetPath computes the dump destination for a database at a point in
// time: <root>/backups/<YYYY>/<MM>/<db>-<YYYYMMDD>.sql. Zero-padded so
// lexicographic and chronological order coincide.
func TargetPath(root, db string, when time.Time) string {
	return filepath.Join(
		root,
		"backups",
		fmt.Sprintf("%04d", when.Year()),
		fmt.Sprintf("%02d", int(when.Month())),
		fmt.Sprintf("%s-%04d%02d%02d.sql", db, when.Year(), int(when.Month()), when.Day()),
	)
}

// Execute runs every job sequentially and returns the artifacts produced
// (or found already present) this run.
func (p *Pipeline) Execute(ctx context.Context) []string {
	artifacts := []string{}
	for _, job := range p.Resolve() {
		if artifact, ok := p.process(ctx, job); ok {
			artifacts = append(artifacts, artifact)
		}
	}
	return artifacts
}

func (p *Pipeline) process(ctx context.Context, job Job) (string, bool) {
	sqlPath := TargetPath(p.cfg.Local.BackupRoot, job.Database, p.Now())
	if err := os.MkdirAll(filepath.Dir(sqlPath), 0o750); err != nil {
		p.log.Error().Err(err).Str("site", job.Site).Msg("cannot create backup directory")
		return "", false
	}

	finalPath := sqlPath
	if job.Compress != nil {
		finalPath += job.Compress.Extension
	}
	if job.Encrypt {
		finalPath += encSuffix
	}

	force := p.cfg.Local.Force

	// Idempotent short-circuit: the finished artifact is already there.
	if !force && finalPath != sqlPath && exists(finalPath) {
		p.log.Warn().Str("site", job.Site).Str("artifact", finalPath).Msg("artifact already exists, skipping site")
		return finalPath, true
	}

	needDump := true
	if !force && exists(sqlPath) {
		p.log.Warn().Str("site", job.Site).Str("path", sqlPath).Msg("dump already exists, skipping dump step")
		needDump = false
	}

	if needDump {
		line := expand(job.DumpTpl, map[string]string{
			"{user}": job.User,
			"{db}":   job.Database,
			"{out}":  sqlPath,
		})
		if out := p.run.Run(ctx, line); out != "" {
			p.log.Error().Str("site", job.Site).Str("command", line).Str("output", out).Msg("dump command failed")
			return "", false
		}
		p.log.Info().Str("site", job.Site).Str("path", sqlPath).Msg("database dumped")
	}

	artifact := sqlPath
	if job.Compress != nil {
		if !p.compressFile(ctx, job, artifact) {
			return "", false
		}
		artifact += job.Compress.Extension
	}

	if job.Encrypt {
		if err := cryptoutil.EncryptFile(artifact, artifact+encSuffix, p.key); err != nil {
			p.log.Error().Err(err).Str("site", job.Site).Str("path", artifact).Msg("encryption failed")
			return "", false
		}
		artifact += encSuffix
	}

	p.log.Info().Str("site", job.Site).Str("artifact", artifact).Msg("backup complete")
	return artifact, true
}

func (p *Pipeline) compressFile(ctx context.Context, job Job, path string) bool {
	cf := job.Compress
	if cf.Codec != "" {
		if err := compress.File(cf.Codec, path, path+cf.Extension); err != nil {
			p.log.Error().Err(err).Str("site", job.Site).Str("codec", cf.Codec).Msg("compression failed")
			return false
		}
		return true
	}
	line := expand(cf.Command, map[string]string{"{file}": path})
	if out := p.run.Run(ctx, line); out != "" {
		p.log.Error().Str("site", job.Site).Str("command", line).Str("output", out).Msg("compress command failed")
		return false
	}
	return true
}

func expand(tpl string, vars map[string]string) string {
	line := tpl
	for token, value := range vars {
		line = strings.ReplaceAll(line, token, value)
	}
	return line
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
