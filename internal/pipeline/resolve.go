package pipeline

import (
	"os"

	"github.com/sitekeeper/sitekeeper/internal/format"
)

// Job is a fully resolved per-site backup descriptor.
type Job struct {
	Site     string
	Database string
	User     string
	DumpTpl  string
	Compress *format.CompressFormat // nil = no compression
	Encrypt  bool
}

// Resolve walks the enabled sites and produces one Job per site that
// passes resolution. Resolution failures are per-site: they are logged
// and the site is skipped, never aborting the run.
func (p *Pipeline) Resolve() []Job {
	jobs := []Job{}
	for _, name := range p.cfg.EnabledSites() {
		site := p.cfg.Sites[name]

		if info, err := os.Stat(site.Path); err != nil || !info.IsDir() {
			p.log.Debug().Str("site", name).Str("path", site.Path).Msg("site path does not exist, skipping")
			continue
		}

		user := site.DumpUser
		if user == "" {
			user = p.cfg.Local.DumpUser
		}
		if user == "" {
			p.log.Warn().Str("site", name).Msg("no database user specified, skipping")
			continue
		}

		formatName := site.Format
		if formatName == "" {
			formatName = p.cfg.Local.DefaultFormat
		}
		dumpTpl, ok := p.reg.DumpCommand(formatName)
		if !ok {
			p.log.Warn().Str("site", name).Str("format", formatName).Msg("unknown dump format, skipping")
			continue
		}

		job := Job{
			Site:     name,
			Database: site.Database,
			User:     user,
			DumpTpl:  dumpTpl,
			Encrypt:  len(p.key) > 0,
		}

		compressName := site.Compress
		if compressName == "" {
			compressName = p.cfg.Local.DefaultCompress
		}
		if compressName != "" {
			cf, ok := p.reg.Compress(compressName)
			if !ok {
				p.log.Warn().Str("site", name).Str("compress", compressName).Msg("unknown compress format, skipping")
				continue
			}
			job.Compress = &cf
		}

		jobs = append(jobs, job)
	}
	return jobs
}
