package fetcher

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/url"
	"path"
	"slices"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// AckSuffix is appended to a remote file name once it has been ingested.
const AckSuffix = ".ingested"

// FTPOptions configures an FTPSource.
type FTPOptions struct {
	// URL is ftp://[user:pass@]host[:port]/dir.
	URL      string
	SourceID string
	Timeout  time.Duration
}

// ftpClient is the subset of *ftp.ServerConn the source uses.
type ftpClient interface {
	List(path string) ([]*ftp.Entry, error)
	ReadFile(path string) ([]byte, error)
	Rename(from, to string) error
	Quit() error
}

type serverConn struct {
	*ftp.ServerConn
}

func (c serverConn) ReadFile(p string) ([]byte, error) {
	resp, err := c.Retr(p)
	if err != nil {
		return nil, err
	}
	defer resp.Close() //nolint:errcheck
	return io.ReadAll(resp)
}

// FTPSource reads landing files from a directory on an FTP server.
type FTPSource struct {
	opts FTPOptions
	host string
	dir  string
	user string
	pass string
	dial func(ctx context.Context) (ftpClient, error)
	log  *zap.Logger
}

// NewFTPSource creates an FTPSource. Anonymous login is used when the URL
// carries no credentials.
func NewFTPSource(opts FTPOptions) (*FTPSource, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.SourceID == "" {
		opts.SourceID = "ftp"
	}
	host, dir, user, pass, err := parseFTPURL(opts.URL)
	if err != nil {
		return nil, err
	}
	s := &FTPSource{
		opts: opts,
		host: host,
		dir:  dir,
		user: user,
		pass: pass,
		log:  zap.L().With(zap.String("component", "fetcher.ftp"), zap.String("source_id", opts.SourceID)),
	}
	s.dial = s.dialServer
	return s, nil
}

// parseFTPURL extracts host (with port), directory and credentials.
func parseFTPURL(rawURL string) (host, dir, user, pass string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", "", "", eris.Wrap(err, "parse ftp url")
	}
	if u.Scheme != "ftp" {
		return "", "", "", "", eris.Errorf("expected ftp scheme, got %q", u.Scheme)
	}

	host = u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}

	dir = u.Path
	if dir == "" {
		dir = "/"
	}

	user, pass = "anonymous", "anonymous@"
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}
	return host, dir, user, pass, nil
}

func (s *FTPSource) dialServer(ctx context.Context) (ftpClient, error) {
	conn, err := ftp.Dial(s.host, ftp.DialWithTimeout(s.opts.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, eris.Wrap(err, "ftp dial")
	}
	if err := conn.Login(s.user, s.pass); err != nil {
		conn.Quit() //nolint:errcheck
		return nil, eris.Wrap(err, "ftp login")
	}
	return serverConn{conn}, nil
}

func (s *FTPSource) ID() string { return s.opts.SourceID }

// FetchPending lists the remote directory and reads every landing file that
// has not been renamed with AckSuffix, in name order.
func (s *FTPSource) FetchPending(ctx context.Context) ([]Batch, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Quit() //nolint:errcheck

	entries, err := conn.List(s.dir)
	if err != nil {
		return nil, eris.Wrapf(err, "ftp list %s", s.dir)
	}

	var names []string
	for _, e := range entries {
		if e.Type == ftp.EntryTypeFile && isLandingFile(e.Name) {
			names = append(names, e.Name)
		}
	}
	slices.Sort(names)

	var batches []Batch
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		remote := path.Join(s.dir, name)
		data, err := conn.ReadFile(remote)
		if err != nil {
			return nil, eris.Wrapf(err, "ftp retrieve %s", remote)
		}
		payloads, err := ParsePayloads(ctx, bytes.NewReader(data))
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: parse %s", remote)
		}
		s.log.Debug("read remote file", zap.String("path", remote), zap.Int("events", len(payloads)))
		batches = append(batches, Batch{Ref: name, Payloads: payloads})
	}
	return batches, nil
}

// Ack renames the remote file so it is not listed again.
func (s *FTPSource) Ack(ctx context.Context, b Batch) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Quit() //nolint:errcheck

	from := path.Join(s.dir, b.Ref)
	if err := conn.Rename(from, from+AckSuffix); err != nil {
		return eris.Wrapf(err, "ftp ack %s", from)
	}
	return nil
}
