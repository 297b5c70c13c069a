// Package archive streams folder contents as zip archives. Archives
// are never staged on disk: entries are pulled from the object store
// and compressed straight into the response through a pipe.
package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/flate"
	"go.uber.org/zap"

	"github.com/cirrusdrive/cirrusdrive/internal/blobstore"
	"github.com/cirrusdrive/cirrusdrive/internal/errs"
	"github.com/cirrusdrive/cirrusdrive/internal/logging"
	"github.com/cirrusdrive/cirrusdrive/internal/metadata"
)

// compressionLevel trades a little ratio for throughput; archives are
// built per request and stream to the client live.
const compressionLevel = 5

// Archiver builds zip archives from folder subtrees.
type Archiver struct {
	meta    *metadata.Engine
	blobs   blobstore.Store
	maxSize int64
}

func New(meta *metadata.Engine, blobs blobstore.Store, maxSize int64) *Archiver {
	if maxSize <= 0 {
		maxSize = 10 * humanize.GiByte
	}
	return &Archiver{meta: meta, blobs: blobs, maxSize: maxSize}
}

// entry is one file to archive, with its path inside the zip.
type entry struct {
	file    *metadata.File
	relPath string
}

// collect walks the folder subtree and returns every file with its
// archive-relative path, rooted at the folder's own name.
func (a *Archiver) collect(ctx context.Context, folder *metadata.Folder) ([]entry, int64, error) {
	type item struct {
		id      string
		relPath string
	}

	var entries []entry
	var total int64
	stack := []item{{id: folder.ID, relPath: folder.Name}}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		files, err := a.meta.ChildFiles(ctx, cur.id)
		if err != nil {
			return nil, 0, err
		}
		for _, f := range files {
			entries = append(entries, entry{file: f, relPath: cur.relPath + "/" + f.Name})
			total += f.Size
		}

		subs, err := a.meta.ChildFolders(ctx, cur.id)
		if err != nil {
			return nil, 0, err
		}
		for _, sub := range subs {
			stack = append(stack, item{id: sub.ID, relPath: cur.relPath + "/" + sub.Name})
		}
	}
	return entries, total, nil
}

// StreamFolder returns a reader producing the zip archive of a folder
// subtree, along with the archive's file name. Empty folders and
// subtrees over the size cap are rejected before any bytes flow.
func (a *Archiver) StreamFolder(ctx context.Context, folderID, ownerID string) (io.ReadCloser, string, error) {
	folder, err := a.meta.GetFolder(ctx, folderID, ownerID)
	if err != nil {
		return nil, "", err
	}

	entries, total, err := a.collect(ctx, folder)
	if err != nil {
		return nil, "", err
	}
	if len(entries) == 0 {
		return nil, "", fmt.Errorf("folder %s has no files to archive: %w", folderID, errs.ErrInvalidOperation)
	}
	if total > a.maxSize {
		return nil, "", fmt.Errorf("archive of %s exceeds the %s cap: %w",
			humanize.Bytes(uint64(total)), humanize.Bytes(uint64(a.maxSize)), errs.ErrInvalidOperation)
	}

	pr, pw := io.Pipe()
	go a.write(ctx, pw, entries, total)
	return pr, folder.Name + ".zip", nil
}

func (a *Archiver) write(ctx context.Context, pw *io.PipeWriter, entries []entry, total int64) {
	zw := zip.NewWriter(pw)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, compressionLevel)
	})

	for _, e := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:               e.relPath,
			Method:             zip.Deflate,
			Modified:           e.file.Created,
			UncompressedSize64: uint64(e.file.Size),
		})
		if err != nil {
			pw.CloseWithError(fmt.Errorf("create archive entry %s: %w", e.relPath, err))
			return
		}

		body, _, err := a.blobs.Get(ctx, e.file.ObjectKey)
		if err != nil {
			pw.CloseWithError(fmt.Errorf("fetch %s: %w", e.file.ObjectKey, err))
			return
		}
		_, err = io.Copy(w, body)
		body.Close()
		if err != nil {
			pw.CloseWithError(fmt.Errorf("archive %s: %w", e.relPath, err))
			return
		}
	}

	if err := zw.Close(); err != nil {
		pw.CloseWithError(fmt.Errorf("finalize archive: %w", err))
		return
	}
	pw.Close()

	logging.WithContext(ctx).Info("archive streamed",
		zap.Int("files", len(entries)),
		zap.String("total", humanize.Bytes(uint64(total))))
}
