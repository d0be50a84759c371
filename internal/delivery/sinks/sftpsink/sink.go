// Package sftpsink uploads each delivered batch to a remote SFTP directory,
// using the same layout and encoding as the local file sink.
package sftpsink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"dnbwatch/internal/delivery/sinks/filesink"
	"dnbwatch/internal/domain"
	logx "dnbwatch/pkg/logx"
)

type Config struct {
	Host           string
	Port           int
	Username       string
	Password       string
	PrivateKeyPath string
	Passphrase     string
	// KnownHostsPath enables host key verification. Without it any host
	// key is accepted and a warning is logged at startup.
	KnownHostsPath string
	RemotePath     string
	Timeout        time.Duration
	Layout         filesink.Layout
}

// Dialer opens an SFTP session. The returned closer tears down the
// underlying transport.
type Dialer func(ctx context.Context) (*sftp.Client, io.Closer, error)

type Sink struct {
	cfg  Config
	log  logx.Logger
	dial Dialer
	now  func() time.Time

	mu     sync.Mutex
	client *sftp.Client
	conn   io.Closer
}

type Option func(*Sink)

// WithDialer replaces the SSH dialer.
func WithDialer(d Dialer) Option { return func(s *Sink) { s.dial = d } }

func New(cfg Config, log logx.Logger, opts ...Option) (*Sink, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RemotePath == "" {
		cfg.RemotePath = "/"
	}
	if cfg.Layout.Format == "" {
		cfg.Layout.Format = "json"
	}
	if cfg.Layout.StorageType == "" {
		cfg.Layout.StorageType = "sftp"
	}
	if err := cfg.Layout.Validate(); err != nil {
		return nil, err
	}
	s := &Sink{cfg: cfg, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.dial == nil {
		if strings.TrimSpace(cfg.Host) == "" || strings.TrimSpace(cfg.Username) == "" {
			return nil, errors.New("sftp sink: host and username are required")
		}
		if cfg.Password == "" && cfg.PrivateKeyPath == "" {
			return nil, errors.New("sftp sink: password or private_key_path is required")
		}
		if cfg.KnownHostsPath == "" {
			log.Warn("sftp host key verification disabled", logx.String("host", cfg.Host))
		}
		s.dial = s.dialSSH
	}
	return s, nil
}

func (s *Sink) Name() string { return "sftp" }

func (s *Sink) Handle(ctx context.Context, n domain.Notification) error {
	return s.HandleBatch(ctx, []domain.Notification{n})
}

// HandleBatch uploads to a temporary name and renames it into place. A
// failed upload drops the session so the next batch reconnects.
func (s *Sink) HandleBatch(ctx context.Context, batch []domain.Notification) error {
	if len(batch) == 0 {
		return nil
	}
	at := s.now()
	body, err := s.cfg.Layout.Render(batch, at)
	if err != nil {
		return err
	}
	dst := path.Join(s.cfg.RemotePath, s.cfg.Layout.Path(batch[0].Registration, len(batch), at))

	s.mu.Lock()
	defer s.mu.Unlock()
	client, err := s.sessionLocked(ctx)
	if err != nil {
		return err
	}
	if err := upload(client, dst, body); err != nil {
		s.resetLocked()
		return fmt.Errorf("upload %s: %w", dst, err)
	}
	s.log.Debug("batch uploaded", logx.String("path", dst), logx.Int("count", len(batch)))
	return nil
}

func upload(client *sftp.Client, dst string, body []byte) error {
	if err := client.MkdirAll(path.Dir(dst)); err != nil {
		return err
	}
	tmp := dst + ".tmp"
	f, err := client.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(body); err != nil {
		_ = f.Close()
		_ = client.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = client.Remove(tmp)
		return err
	}
	return client.Rename(tmp, dst)
}

func (s *Sink) sessionLocked(ctx context.Context) (*sftp.Client, error) {
	if s.client != nil {
		return s.client, nil
	}
	client, conn, err := s.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("sftp connect: %w", err)
	}
	s.client, s.conn = client, conn
	return client, nil
}

func (s *Sink) resetLocked() {
	if s.client != nil {
		_ = s.client.Close()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.client, s.conn = nil, nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	return nil
}

func (s *Sink) dialSSH(ctx context.Context) (*sftp.Client, io.Closer, error) {
	cfg, err := s.clientConfig()
	if err != nil {
		return nil, nil, err
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	d := net.Dialer{Timeout: s.cfg.Timeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	conn, chans, reqs, err := ssh.NewClientConn(raw, addr, cfg)
	if err != nil {
		_ = raw.Close()
		return nil, nil, err
	}
	sshClient := ssh.NewClient(conn, chans, reqs)
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, nil, err
	}
	return client, sshClient, nil
}

func (s *Sink) clientConfig() (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod
	if s.cfg.PrivateKeyPath != "" {
		pem, err := os.ReadFile(s.cfg.PrivateKeyPath)
		if err != nil {
			return nil, err
		}
		var signer ssh.Signer
		if s.cfg.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(s.cfg.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if s.cfg.Password != "" {
		methods = append(methods, ssh.Password(s.cfg.Password))
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if s.cfg.KnownHostsPath != "" {
		cb, err := knownhosts.New(s.cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("known_hosts: %w", err)
		}
		hostKey = cb
	}
	return &ssh.ClientConfig{
		User:            s.cfg.Username,
		Auth:            methods,
		HostKeyCallback: hostKey,
		Timeout:         s.cfg.Timeout,
	}, nil
}
