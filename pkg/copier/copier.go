package copier

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sidkik/replica/pkg/errors"
)

// DefaultChunkSize is the size of the buffer used to copy each file when
// the caller doesn't pick one.
const DefaultChunkSize = 16 * 1024 * 1024

// Options controls how Synchronize copies a tree.
type Options struct {
	// DeleteExtraneous removes files from the destination that don't exist
	// in the source, so that the destination ends up an exact mirror.
	DeleteExtraneous bool

	// ChunkSize is the number of bytes read and written at a time. It bounds
	// the memory used per file, and the copy checks for cancellation between
	// chunks.
	ChunkSize int64

	// Concurrency is the number of files copied in parallel. Values below 1
	// copy one file at a time.
	Concurrency int

	// Limiter throttles the copy to a number of bytes per second. Nil means
	// unthrottled.
	Limiter *rate.Limiter
}

// Stats summarizes the work done by Synchronize.
type Stats struct {
	FilesCopied  int
	BytesCopied  int64
	FilesRemoved int
}

// Synchronize makes `dst` a copy of the directory tree at `src`.
// Files are only copied if they are missing from `dst`, or if their size or
// modification time differ. Any error aborts the synchronization, and `dst`
// may be left partially updated.
func Synchronize(ctx context.Context, fs afero.Fs, src, dst string, opts Options) (Stats, error) {
	var stats Stats
	if opts.ChunkSize <= 0 {
		return stats, errors.ConfigurationError{
			Reason: fmt.Sprintf("copy chunk size must be positive, got %d", opts.ChunkSize),
		}
	}

	srcInfo, err := fs.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return stats, errors.FileNotFound{Path: src}
		}
		return stats, errors.WithContext(err, "stat source")
	}
	if !srcInfo.IsDir() {
		return stats, fmt.Errorf("source %q is not a directory", src)
	}

	if err := fs.MkdirAll(dst, 0755); err != nil {
		return stats, errors.WithContext(err, "make destination")
	}

	source, err := snapshot(fs, src)
	if err != nil {
		return stats, errors.WithContext(err, "snapshot source")
	}

	toCopy, err := prepare(fs, source, dst)
	if err != nil {
		return stats, err
	}

	stats.FilesCopied, stats.BytesCopied, err = copyFiles(ctx, fs, src, dst, toCopy, opts)
	if err != nil {
		return stats, err
	}

	if opts.DeleteExtraneous {
		removed, err := removeExtraneous(fs, source, dst)
		stats.FilesRemoved = removed
		if err != nil {
			return stats, errors.WithContext(err, "remove extraneous files")
		}
	}

	log.WithFields(log.Fields{
		"source":      src,
		"destination": dst,
		"copied":      stats.FilesCopied,
		"bytes":       stats.BytesCopied,
		"removed":     stats.FilesRemoved,
	}).Debug("Synchronized directory")
	return stats, nil
}

// InSync returns whether `a` and `b` hold the same files. It only compares
// the set of paths, their sizes and their modification times. The check is a
// heuristic: files that were rewritten with the same size and timestamp look
// identical. Synchronize preserves modification times, so a successful
// Synchronize leaves the pair in sync.
func InSync(fs afero.Fs, a, b string) (bool, error) {
	for _, dir := range []string{a, b} {
		exists, err := afero.DirExists(fs, dir)
		if err != nil {
			return false, errors.WithContext(err, "stat")
		}
		if !exists {
			return false, nil
		}
	}

	aFiles, err := snapshot(fs, a)
	if err != nil {
		return false, errors.WithContext(err, "snapshot")
	}
	bFiles, err := snapshot(fs, b)
	if err != nil {
		return false, errors.WithContext(err, "snapshot")
	}

	if len(aFiles) != len(bFiles) {
		return false, nil
	}
	for path, aFile := range aFiles {
		bFile, ok := bFiles[path]
		if !ok || !aFile.Equal(bFile) {
			return false, nil
		}
	}
	return true, nil
}

// FileAttributes contains the metadata used to decide whether a file needs to
// be copied.
type FileAttributes struct {
	IsDir   bool
	Size    int64
	Mode    os.FileMode
	ModTime time.Time
}

// Equal returns whether two entries are the same for the purpose of copying.
// Directories are equal regardless of their metadata.
func (f FileAttributes) Equal(other FileAttributes) bool {
	if f.IsDir || other.IsDir {
		return f.IsDir == other.IsDir
	}
	return f.Size == other.Size && f.ModTime.Equal(other.ModTime)
}

func attributesOf(fi os.FileInfo) FileAttributes {
	return FileAttributes{
		IsDir:   fi.IsDir(),
		Size:    fi.Size(),
		Mode:    fi.Mode(),
		ModTime: fi.ModTime(),
	}
}

// Snapshot is the set of entries below a root directory, keyed by their path
// relative to the root.
type Snapshot map[string]FileAttributes

// snapshot walks `root` and records every directory and regular file below
// it. Other file types (such as symlinks) aren't part of an index and are
// skipped.
func snapshot(fs afero.Fs, root string) (Snapshot, error) {
	files := Snapshot{}
	err := afero.Walk(fs, root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if path == root {
			return nil
		}

		relativePath, err := filepath.Rel(root, path)
		if err != nil || strings.HasPrefix(relativePath, "..") {
			// This shouldn't happen because `path` is always a child of `root`.
			return errors.WithContext(err, "normalized path")
		}

		if !fi.IsDir() && !fi.Mode().IsRegular() {
			log.WithField("path", path).Debug("Skipping non-regular file")
			return nil
		}

		files[relativePath] = attributesOf(fi)
		return nil
	})
	return files, err
}

// prepare creates the directories in `dst`, and returns the relative paths of
// the files that need to be copied.
func prepare(fs afero.Fs, source Snapshot, dst string) ([]string, error) {
	paths := make([]string, 0, len(source))
	for path := range source {
		paths = append(paths, path)
	}
	// Parents sort before their children.
	sort.Strings(paths)

	var toCopy []string
	for _, path := range paths {
		srcFile := source[path]
		dstPath := filepath.Join(dst, path)
		dstInfo, err := fs.Stat(dstPath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, errors.WithContext(err, "stat destination")
		case dstInfo.IsDir() != srcFile.IsDir:
			// The entry changed type, e.g. a file became a directory.
			if err := fs.RemoveAll(dstPath); err != nil {
				return nil, errors.WithContext(err, "remove replaced entry")
			}
			dstInfo = nil
		}

		if srcFile.IsDir {
			if err := fs.MkdirAll(dstPath, 0755); err != nil {
				return nil, errors.WithContext(err, "make directory")
			}
			continue
		}

		if dstInfo == nil || !srcFile.Equal(attributesOf(dstInfo)) {
			toCopy = append(toCopy, path)
		}
	}
	return toCopy, nil
}

// copyFiles returns the number of files that were copied completely, and the
// number of bytes written, including those of files that failed halfway.
func copyFiles(ctx context.Context, fs afero.Fs, src, dst string, paths []string,
	opts Options) (int, int64, error) {

	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	copied := make([]int64, len(paths))
	done := make([]bool, len(paths))
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			n, err := copyFile(ctx, fs, filepath.Join(src, path), filepath.Join(dst, path), opts)
			copied[i] = n
			if err != nil {
				return errors.WithContext(err, fmt.Sprintf("copy %q", path))
			}
			done[i] = true
			return nil
		})
	}
	err := g.Wait()

	var files int
	var total int64
	for i, n := range copied {
		total += n
		if done[i] {
			files++
		}
	}
	return files, total, err
}

// copyFile copies `src` to `dst` in chunks of `opts.ChunkSize` bytes. The
// file mode and modification time are copied as well.
func copyFile(ctx context.Context, fs afero.Fs, src, dst string, opts Options) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	srcFile, err := fs.Open(src)
	if err != nil {
		return 0, errors.WithContext(err, "open source")
	}
	defer srcFile.Close()

	fileInfo, err := srcFile.Stat()
	if err != nil {
		return 0, errors.WithContext(err, "stat")
	}

	written, err := writeChunks(ctx, fs, srcFile, dst, fileInfo.Size(), opts)
	if err != nil {
		return written, err
	}

	if err := fs.Chmod(dst, fileInfo.Mode()); err != nil {
		return written, errors.WithContext(err, "set file mode")
	}

	// Change the modification time as the last step so that it doesn't get
	// reset by other file operations.
	if err := fs.Chtimes(dst, time.Now(), fileInfo.ModTime()); err != nil {
		return written, errors.WithContext(err, "set file modtime")
	}
	return written, nil
}

// writeChunks copies the contents of `src` into `dst`. The destination is
// closed exactly once before returning, since closing a file can touch its
// modification time.
func writeChunks(ctx context.Context, fs afero.Fs, src io.Reader, dst string,
	size int64, opts Options) (int64, error) {

	dstFile, err := fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, errors.WithContext(err, "open destination")
	}
	closed := false
	defer func() {
		if !closed {
			dstFile.Close()
		}
	}()

	var written int64
	buf := make([]byte, min(opts.ChunkSize, max(size, 1)))
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, readErr := io.ReadFull(src, buf)
		if n > 0 {
			if err := wait(ctx, opts.Limiter, n); err != nil {
				return written, err
			}

			m, err := dstFile.Write(buf[:n])
			written += int64(m)
			if err != nil {
				return written, errors.WithContext(err, "write")
			}
		}

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return written, errors.WithContext(readErr, "read")
		}
	}

	if err := dstFile.Sync(); err != nil {
		return written, errors.WithContext(err, "sync")
	}
	closed = true
	if err := dstFile.Close(); err != nil {
		return written, errors.WithContext(err, "close")
	}
	return written, nil
}

// wait blocks until the limiter allows `n` more bytes.
func wait(ctx context.Context, limiter *rate.Limiter, n int) error {
	if limiter == nil {
		return nil
	}

	for n > 0 {
		step := n
		if burst := limiter.Burst(); burst > 0 && step > burst {
			step = burst
		}
		if err := limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// removeExtraneous removes the entries of `dst` that don't exist in `source`.
func removeExtraneous(fs afero.Fs, source Snapshot, dst string) (int, error) {
	var toRemove []string
	err := afero.Walk(fs, dst, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if path == dst {
			return nil
		}

		relativePath, err := filepath.Rel(dst, path)
		if err != nil || strings.HasPrefix(relativePath, "..") {
			return errors.WithContext(err, "normalized path")
		}

		if _, ok := source[relativePath]; ok {
			return nil
		}

		toRemove = append(toRemove, path)
		if fi.IsDir() {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, path := range toRemove {
		if err := fs.RemoveAll(path); err != nil {
			return 0, errors.WithContext(err, fmt.Sprintf("remove %q", path))
		}
	}
	return len(toRemove), nil
}
