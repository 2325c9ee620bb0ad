package transfer

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/sitekeeper/sitekeeper/internal/config"
)

type sshClient struct {
	name string
	cfg  config.ServerConfig
}

func (c *sshClient) Connect(ctx context.Context) (Session, error) {
	auth, err := keyFileAuth(c.cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", c.name, err)
	}
	hostKey, err := hostKeyCallback(c.cfg)
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", c.name, err)
	}

	port := c.cfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(port))

	clientCfg := &ssh.ClientConfig{
		User:            c.cfg.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKey,
		Timeout:         30 * time.Second,
	}

	dialer := net.Dialer{Timeout: clientCfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	ftp, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("sftp session %s: %w", addr, err)
	}
	return &sshSession{ssh: client, sftp: ftp}, nil
}

func keyFileAuth(keyFile string) (ssh.AuthMethod, error) {
	if keyFile == "" {
		return nil, fmt.Errorf("key_file is required")
	}
	pem, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}
	return ssh.PublicKeys(signer), nil
}

// hostKeyCallback requires either an explicit pinned host key or the
// insecure opt-out. Silent trust-on-first-use is not offered.
func hostKeyCallback(cfg config.ServerConfig) (ssh.HostKeyCallback, error) {
	if cfg.InsecureHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if cfg.HostKey == "" {
		return nil, fmt.Errorf("host_key is required (or set insecure_host_key)")
	}
	raw, err := base64.StdEncoding.DecodeString(cfg.HostKey)
	if err != nil {
		return nil, fmt.Errorf("decode host_key: %w", err)
	}
	key, err := ssh.ParsePublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse host_key: %w", err)
	}
	return ssh.FixedHostKey(key), nil
}

type sshSession struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

func (s *sshSession) MkdirAll(_ context.Context, dir string) error {
	return s.sftp.MkdirAll(dir)
}

func (s *sshSession) Put(_ context.Context, localPath, remotePath string) error {
	local, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer local.Close()

	remote, err := s.sftp.Create(remotePath)
	if err != nil {
		return err
	}
	if _, err := remote.ReadFrom(local); err != nil {
		remote.Close()
		return fmt.Errorf("upload %s: %w", remotePath, err)
	}
	return remote.Close()
}

func (s *sshSession) Close() error {
	ftpErr := s.sftp.Close()
	sshErr := s.ssh.Close()
	if ftpErr != nil {
		return ftpErr
	}
	return sshErr
}
