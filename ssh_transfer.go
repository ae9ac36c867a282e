package remotekit

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/sftp"
)

// ProgressFunc receives transfer progress as a fraction in [0, 1].
// Reported values never decrease and a successful transfer always ends
// with exactly 1.0, including for empty files.
type ProgressFunc func(fraction float64)

// UploadFile copies localPath to remotePath over SFTP on the referenced
// connection. progress may be nil.
func (m *SSHManager) UploadFile(ctx context.Context, connID, localPath, remotePath string, progress ProgressFunc) error {
	conn, err := m.get(connID)
	if err != nil {
		return err
	}
	client, err := m.ensureAlive(ctx, conn)
	if err != nil {
		return err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return transferError("open local file", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return transferError("stat local file", err)
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		m.markDead(conn)
		return transferError("open sftp session", err)
	}
	defer sftpClient.Close()

	dst, err := sftpClient.Create(remotePath)
	if err != nil {
		return transferError("create remote file", err)
	}
	defer dst.Close()

	n, err := m.copyWithProgress(ctx, dst, src, info.Size(), progress)
	m.metrics.RecordTransferBytes(conn.config.Host, "upload", n)
	if err != nil {
		return err
	}
	m.debugLog("upload complete", "id", conn.id, "remote", remotePath, "bytes", n)
	return nil
}

// DownloadFile copies remotePath to localPath over SFTP on the
// referenced connection. progress may be nil.
func (m *SSHManager) DownloadFile(ctx context.Context, connID, remotePath, localPath string, progress ProgressFunc) error {
	conn, err := m.get(connID)
	if err != nil {
		return err
	}
	client, err := m.ensureAlive(ctx, conn)
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		m.markDead(conn)
		return transferError("open sftp session", err)
	}
	defer sftpClient.Close()

	src, err := sftpClient.Open(remotePath)
	if err != nil {
		return transferError("open remote file", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return transferError("stat remote file", err)
	}

	dst, err := os.Create(localPath)
	if err != nil {
		return transferError("create local file", err)
	}
	defer dst.Close()

	n, err := m.copyWithProgress(ctx, dst, src, info.Size(), progress)
	m.metrics.RecordTransferBytes(conn.config.Host, "download", n)
	if err != nil {
		return err
	}
	m.debugLog("download complete", "id", conn.id, "remote", remotePath, "bytes", n)
	return nil
}

const transferChunkSize = 32 * 1024

// copyWithProgress copies src to dst in chunks, reporting monotone
// progress and honoring ctx between chunks.
func (m *SSHManager) copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, total int64, progress ProgressFunc) (int64, error) {
	reporter := newProgressReporter(total, progress)
	buf := make([]byte, transferChunkSize)
	var copied int64

	for {
		if ctx.Err() != nil {
			return copied, cancellationError(ctx)
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			written, writeErr := dst.Write(buf[:n])
			copied += int64(written)
			reporter.advance(int64(written))
			if writeErr != nil {
				return copied, transferError("write", writeErr)
			}
			if written < n {
				return copied, transferError("write", io.ErrShortWrite)
			}
		}
		if readErr == io.EOF {
			reporter.finish()
			return copied, nil
		}
		if readErr != nil {
			return copied, transferError("read", readErr)
		}
	}
}

type progressReporter struct {
	total int64
	done  int64
	last  float64
	fn    ProgressFunc
}

func newProgressReporter(total int64, fn ProgressFunc) *progressReporter {
	return &progressReporter{total: total, fn: fn, last: -1}
}

func (r *progressReporter) advance(n int64) {
	if r.fn == nil || r.total <= 0 {
		return
	}
	r.done += n
	fraction := float64(r.done) / float64(r.total)
	// Hold back 1.0 until finish so a short source cannot report
	// completion for a transfer that later fails.
	if fraction >= 1 {
		fraction = 0.999
	}
	if fraction > r.last {
		r.last = fraction
		r.fn(fraction)
	}
}

func (r *progressReporter) finish() {
	if r.fn == nil {
		return
	}
	if r.last < 1 {
		r.last = 1
		r.fn(1)
	}
}

func transferError(op string, cause error) error {
	return &ClientError{
		Type:    ErrorTypeTransfer,
		Message: fmt.Sprintf("transfer: %s", op),
		Cause:   cause,
	}
}
