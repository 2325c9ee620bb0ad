package transfer

import (
	"context"
	"fmt"
	"path"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/sitekeeper/sitekeeper/internal/config"
	"github.com/sitekeeper/sitekeeper/internal/util"
)

// Session is an established connection to one remote server.
type Session interface {
	MkdirAll(ctx context.Context, dir string) error
	Put(ctx context.Context, localPath, remotePath string) error
	Close() error
}

// Client connects to a remote server. Implementations exist for ssh
// (sftp upload) and s3 (object upload).
type Client interface {
	Connect(ctx context.Context) (Session, error)
}

// NewClient builds a Client for a server entry.
func NewClient(name string, cfg config.ServerConfig) (Client, error) {
	switch cfg.Type {
	case "", "ssh":
		if cfg.Host == "" || cfg.User == "" {
			return nil, fmt.Errorf("server %s: host and user are required", name)
		}
		return &sshClient{name: name, cfg: cfg}, nil
	case "s3":
		if cfg.Endpoint == "" || cfg.Bucket == "" {
			return nil, fmt.Errorf("server %s: endpoint and bucket are required", name)
		}
		return &s3Client{name: name, cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("server %s: unsupported type %q", name, cfg.Type)
	}
}

// Stage ships artifacts to every enabled server, best-effort and fully
// independent per (server, file) pair.
type Stage struct {
	cfg  *config.Config
	log  zerolog.Logger
	dial func(name string, cfg config.ServerConfig) (Client, error)
}

func NewStage(cfg *config.Config, log zerolog.Logger) *Stage {
	return &Stage{cfg: cfg, log: log, dial: NewClient}
}

// Ship uploads each artifact to each enabled server under the same
// backups/... relative path. Connection and per-file failures are
// logged and absorbed; they never abort the remaining servers or files.
func (s *Stage) Ship(ctx context.Context, artifacts []string) {
	servers := s.cfg.EnabledServers()
	if len(servers) == 0 {
		return
	}
	if len(artifacts) == 0 {
		s.log.Warn().Msg("no artifacts to transfer")
		return
	}

	for _, name := range servers {
		srv := s.cfg.Servers[name]
		client, err := s.dial(name, srv)
		if err != nil {
			s.log.Error().Err(err).Str("server", name).Msg("invalid server configuration")
			continue
		}
		session, err := client.Connect(ctx)
		if err != nil {
			s.log.Error().Err(err).Str("server", name).Msg("cannot connect to server")
			continue
		}
		s.shipAll(ctx, name, srv, session, artifacts)
		if err := session.Close(); err != nil {
			s.log.Warn().Err(err).Str("server", name).Msg("error closing session")
		}
	}
}

func (s *Stage) shipAll(ctx context.Context, name string, srv config.ServerConfig, session Session, artifacts []string) {
	for _, artifact := range artifacts {
		remote, err := s.remotePath(srv, artifact)
		if err != nil {
			s.log.Error().Err(err).Str("server", name).Str("file", artifact).Msg("cannot resolve remote path")
			continue
		}
		attempts := srv.RetryCount
		if attempts < 1 {
			attempts = 1
		}
		err = util.Retry(ctx, attempts, srv.RetryBackoff, func() error {
			if err := session.MkdirAll(ctx, path.Dir(remote)); err != nil {
				return err
			}
			return session.Put(ctx, artifact, remote)
		})
		if err != nil {
			s.log.Error().Err(err).Str("server", name).Str("file", artifact).Msg("transfer failed")
			continue
		}
		s.log.Info().Str("server", name).Str("file", artifact).Str("remote", remote).Msg("transferred")
	}
}

// remotePath maps a local artifact to its destination: the artifact's
// path relative to the backup root, joined under the server's remote
// root (or used as the object key for s3).
func (s *Stage) remotePath(srv config.ServerConfig, artifact string) (string, error) {
	rel, err := filepath.Rel(s.cfg.Local.BackupRoot, artifact)
	if err != nil {
		return "", err
	}
	return path.Join(srv.RemoteRoot, filepath.ToSlash(rel)), nil
}
