package archive

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/textproto"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/seismoworks/geomotion/internal/errors"
)

// prelimSuffix marks the month directories we know how to process.
const prelimSuffix = "_Prelim"

// maxIdleConns caps the spare control connections kept between calls.
// Matches the default fetch worker count.
const maxIdleConns = 4

// ftpConn is the slice of *ftp.ServerConn the client uses, split out so the
// connection pool can be tested without a live server. A connection belongs
// to exactly one in-flight call at a time.
type ftpConn interface {
	nameList(dir string) ([]string, error)
	list(dir string) ([]*ftp.Entry, error)
	retr(path string, deadline time.Time) ([]byte, error)
	noOp() error
	quit() error
}

// serverConn adapts *ftp.ServerConn to ftpConn.
type serverConn struct {
	conn *ftp.ServerConn
}

func (s serverConn) nameList(dir string) ([]string, error) { return s.conn.NameList(dir) }
func (s serverConn) list(dir string) ([]*ftp.Entry, error) { return s.conn.List(dir) }
func (s serverConn) noOp() error                           { return s.conn.NoOp() }
func (s serverConn) quit() error                           { return s.conn.Quit() }

// retr downloads one file. The deadline, when set, bounds the data transfer
// so a stalled server cannot block a worker past its fetch timeout.
func (s serverConn) retr(path string, deadline time.Time) ([]byte, error) {
	resp, err := s.conn.Retr(path)
	if err != nil {
		return nil, err
	}
	defer resp.Close()

	if !deadline.IsZero() {
		if err := resp.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}
	return io.ReadAll(resp)
}

// FTPClient implements Client over the GeoNet FTP archive. Connections are
// pooled: every call checks one out for its exclusive use, so the fetch
// worker pool never interleaves commands on a shared control connection.
// Idle connections are probed with NOOP before reuse and replaced
// transparently when the server has dropped them.
type FTPClient struct {
	addr    string
	baseDir string // e.g. /strong/processed/Proc
	timeout time.Duration
	logger  *slog.Logger

	dial func(ctx context.Context) (ftpConn, error)

	mu     sync.Mutex
	idle   []ftpConn
	closed bool
}

// NewFTPClient creates a client for the archive at addr (host:port). No
// connection is made until the first call.
func NewFTPClient(addr, baseDir string, timeout time.Duration, logger *slog.Logger) *FTPClient {
	c := &FTPClient{
		addr:    addr,
		baseDir: baseDir,
		timeout: timeout,
		logger:  logger,
	}
	c.dial = c.dialServer
	return c
}

// ListYears returns the year directories under the archive base, ascending.
func (c *FTPClient) ListYears(ctx context.Context) ([]int, error) {
	names, err := withConn(c, ctx, "list "+c.baseDir, func(conn ftpConn) ([]string, error) {
		return conn.nameList(c.baseDir)
	})
	if err != nil {
		return nil, err
	}

	var years []int
	for _, name := range names {
		year, err := strconv.Atoi(path.Base(name))
		if err != nil {
			continue // stray non-year entry
		}
		years = append(years, year)
	}
	sort.Ints(years)
	return years, nil
}

// ListMonths returns the months with preliminary processed data in the given
// year, ascending. Month directories are named like "06_Prelim".
func (c *FTPClient) ListMonths(ctx context.Context, year int) ([]int, error) {
	dir := c.yearDir(year)
	names, err := withConn(c, ctx, "list "+dir, func(conn ftpConn) ([]string, error) {
		return conn.nameList(dir)
	})
	if err != nil {
		return nil, err
	}

	var months []int
	for _, name := range names {
		base := path.Base(name)
		if !strings.HasSuffix(base, prelimSuffix) {
			continue
		}
		month, err := strconv.Atoi(strings.TrimSuffix(base, prelimSuffix))
		if err != nil || month < 1 || month > 12 {
			continue
		}
		months = append(months, month)
	}
	sort.Ints(months)
	return months, nil
}

// ListEventFiles walks every event directory of the month and returns the
// recorder files under its Vol1/data directory.
func (c *FTPClient) ListEventFiles(ctx context.Context, year, month int) ([]FileHandle, error) {
	monthDir := c.monthDir(year, month)
	events, err := withConn(c, ctx, "list "+monthDir, func(conn ftpConn) ([]string, error) {
		return conn.nameList(monthDir)
	})
	if err != nil {
		return nil, err
	}

	var handles []FileHandle
	for _, event := range events {
		dataDir := path.Join(monthDir, path.Base(event), "Vol1", "data")
		entries, err := withConn(c, ctx, "list "+dataDir, func(conn ftpConn) ([]*ftp.Entry, error) {
			return conn.list(dataDir)
		})
		if err != nil {
			if errors.IsNotFound(err) {
				c.logger.Warn("event directory has no data", "dir", dataDir)
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			if e.Type != ftp.EntryTypeFile {
				continue
			}
			handles = append(handles, FileHandle{
				Path:    path.Join(dataDir, e.Name),
				Name:    e.Name,
				Size:    int64(e.Size),
				ModTime: e.Time,
			})
		}
	}
	return handles, nil
}

// Fetch retrieves one file's bytes. The context's deadline bounds the whole
// transfer, including the data connection read.
func (c *FTPClient) Fetch(ctx context.Context, handle FileHandle) ([]byte, error) {
	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	return withConn(c, ctx, "fetch "+handle.Path, func(conn ftpConn) ([]byte, error) {
		return conn.retr(handle.Path, deadline)
	})
}

// Close drops every pooled connection and stops further pooling.
func (c *FTPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	var firstErr error
	for _, conn := range c.idle {
		if err := conn.quit(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.idle = nil
	return firstErr
}

func (c *FTPClient) yearDir(year int) string {
	return path.Join(c.baseDir, strconv.Itoa(year))
}

func (c *FTPClient) monthDir(year, month int) string {
	return path.Join(c.yearDir(year), fmt.Sprintf("%02d%s", month, prelimSuffix))
}

// withConn runs one operation on a checked-out connection and classifies its
// error.
func withConn[T any](c *FTPClient, ctx context.Context, op string, fn func(ftpConn) (T, error)) (T, error) {
	var zero T
	conn, err := c.acquire(ctx)
	if err != nil {
		return zero, err
	}
	out, err := fn(conn)
	c.release(conn, err)
	if err != nil {
		return zero, c.classify(op, err)
	}
	return out, nil
}

// acquire returns a connection for the caller's exclusive use: an idle one
// that still answers NOOP, or a freshly dialled one.
func (c *FTPClient) acquire(ctx context.Context) (ftpConn, error) {
	for {
		c.mu.Lock()
		if len(c.idle) == 0 {
			c.mu.Unlock()
			return c.dial(ctx)
		}
		conn := c.idle[len(c.idle)-1]
		c.idle = c.idle[:len(c.idle)-1]
		c.mu.Unlock()

		if err := conn.noOp(); err == nil {
			return conn, nil
		}
		c.logger.Debug("ftp connection stale, discarding", "addr", c.addr)
		conn.quit() //nolint:errcheck // already dead
	}
}

// release returns a connection to the idle pool. A transport-level failure
// leaves the control connection in an unknown state, so those connections
// are closed instead; a server reply (any FTP status code) means the
// connection is still in sync and safe to reuse.
func (c *FTPClient) release(conn ftpConn, opErr error) {
	if opErr != nil && !isProtocolError(opErr) {
		conn.quit() //nolint:errcheck
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || len(c.idle) >= maxIdleConns {
		conn.quit() //nolint:errcheck
		return
	}
	c.idle = append(c.idle, conn)
}

func isProtocolError(err error) bool {
	var proto *textproto.Error
	return stderrors.As(err, &proto)
}

func (c *FTPClient) dialServer(ctx context.Context) (ftpConn, error) {
	conn, err := ftp.Dial(c.addr,
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(c.timeout),
	)
	if err != nil {
		return nil, errors.Wrap(errors.KindTransient, "dial "+c.addr, err)
	}
	if err := conn.Login("anonymous", "anonymous"); err != nil {
		conn.Quit() //nolint:errcheck
		return nil, errors.Wrap(errors.KindTransient, "login "+c.addr, err)
	}
	return serverConn{conn: conn}, nil
}

// classify maps FTP protocol errors onto the error taxonomy: 550 means the
// path vanished between listing and retrieval (skip and report), everything
// else is worth retrying.
func (c *FTPClient) classify(op string, err error) error {
	var proto *textproto.Error
	if stderrors.As(err, &proto) && proto.Code == ftp.StatusFileUnavailable {
		return errors.Wrap(errors.KindNotFound, op, err)
	}
	return errors.Wrap(errors.KindTransient, op, err)
}
