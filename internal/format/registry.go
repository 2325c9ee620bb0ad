package format

import (
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sitekeeper/sitekeeper/internal/compress"
	"github.com/sitekeeper/sitekeeper/internal/config"
)

// CompressFormat is a resolved compress entry: an artifact extension plus
// either an external command template (referencing {file}) or a built-in
// codec handled in-process.
type CompressFormat struct {
	Extension string
	Command   string
	Codec     string
}

// Registry maps format names to dump command templates and compress
// formats. It is built once from built-ins plus config overrides and is
// immutable afterwards.
type Registry struct {
	dumps      map[string]string
	compresses map[string]CompressFormat
}

// Dump templates reference {user}, {db} and {out}; compress command
// templates reference {file} only (possibly more than once).
var builtinDumps = map[string]string{
	"mysql":    "mysqldump -u {user} {db} -r {out}",
	"postgres": "pg_dump -U {user} -f {out} {db}",
}

var builtinCompresses = map[string]CompressFormat{
	"gzip":     {Extension: ".gz", Command: "gzip {file}"},
	"zip":      {Extension: ".zip", Command: "zip -m {file}.zip {file}"},
	"compress": {Extension: ".Z", Command: "compress {file}"},
}

var tokenPattern = regexp.MustCompile(`\{[a-z]+\}`)

// Build merges built-in formats with configuration overrides. Malformed
// entries are rejected with a warning and the prior value, if any,
// stands.
func Build(dumps map[string]string, compresses map[string]config.CompressConfig, log zerolog.Logger) Registry {
	reg := Registry{
		dumps:      make(map[string]string, len(builtinDumps)+len(dumps)),
		compresses: make(map[string]CompressFormat, len(builtinCompresses)+len(compresses)),
	}
	for name, tpl := range builtinDumps {
		reg.dumps[name] = tpl
	}
	for name, cf := range builtinCompresses {
		reg.compresses[name] = cf
	}

	for name, tpl := range dumps {
		if err := validateDumpTemplate(tpl); err != nil {
			log.Warn().Str("format", name).Str("reason", err.reason).Msg("ignoring invalid dump format")
			continue
		}
		reg.dumps[name] = tpl
	}
	for name, cc := range compresses {
		cf, err := resolveCompress(cc)
		if err != nil {
			log.Warn().Str("format", name).Str("reason", err.reason).Msg("ignoring invalid compress format")
			continue
		}
		reg.compresses[name] = cf
	}
	return reg
}

// DumpCommand resolves a dump format name to its command template.
func (r Registry) DumpCommand(name string) (string, bool) {
	tpl, ok := r.dumps[name]
	return tpl, ok
}

// Compress resolves a compress format name.
func (r Registry) Compress(name string) (CompressFormat, bool) {
	cf, ok := r.compresses[name]
	return cf, ok
}

// Extensions returns every known compression extension, sorted. The
// retention scanner uses this to build its filename pattern.
func (r Registry) Extensions() []string {
	seen := map[string]struct{}{}
	for _, cf := range r.compresses {
		seen[cf.Extension] = struct{}{}
	}
	exts := make([]string, 0, len(seen))
	for ext := range seen {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

type formatError struct{ reason string }

func validateDumpTemplate(tpl string) *formatError {
	if strings.TrimSpace(tpl) == "" {
		return &formatError{"empty command"}
	}
	if !strings.Contains(tpl, "{db}") || !strings.Contains(tpl, "{out}") {
		return &formatError{"command must reference {db} and {out}"}
	}
	for _, tok := range tokenPattern.FindAllString(tpl, -1) {
		switch tok {
		case "{user}", "{db}", "{out}":
		default:
			return &formatError{"unknown placeholder " + tok}
		}
	}
	return nil
}

func resolveCompress(cc config.CompressConfig) (CompressFormat, *formatError) {
	if cc.Extension == "" {
		return CompressFormat{}, &formatError{"missing extension"}
	}
	ext := cc.Extension
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if cc.Codec != "" {
		if cc.Command != "" {
			return CompressFormat{}, &formatError{"command and codec are mutually exclusive"}
		}
		if !compress.Supported(cc.Codec) {
			return CompressFormat{}, &formatError{"unknown codec " + cc.Codec}
		}
		return CompressFormat{Extension: ext, Codec: cc.Codec}, nil
	}
	if strings.TrimSpace(cc.Command) == "" {
		return CompressFormat{}, &formatError{"missing command"}
	}
	if !strings.Contains(cc.Command, "{file}") {
		return CompressFormat{}, &formatError{"command must reference {file}"}
	}
	for _, tok := range tokenPattern.FindAllString(cc.Command, -1) {
		if tok != "{file}" {
			return CompressFormat{}, &formatError{"unknown placeholder " + tok}
		}
	}
	return CompressFormat{Extension: ext, Command: cc.Command}, nil
}
