package library

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"strconv"

	"github.com/calvinalkan/docvault/pkg/objstore"
)

// BlobOptions describes a blob passed to [Library.StoreBlob].
type BlobOptions struct {
	MimeType string
	Metadata map[string]any
}

// blobData is the stored payload record, kept apart from the metadata so
// listing blobs never loads their bytes.
type blobData struct {
	Data string `json:"data"`
}

// StoreBlob stores data for documentID and returns its metadata. The
// document does not have to exist. Data larger than the configured maximum
// is rejected with [ErrSizeLimitExceeded] before anything is written.
func (l *Library) StoreBlob(ctx context.Context, documentID string, data []byte, opts BlobOptions) (Blob, error) {
	const op = "store blob"

	if documentID == "" {
		return Blob{}, wrapErr(op, "", validationErr(errors.New("document id is required")))
	}

	if int64(len(data)) > l.opts.MaxBlobSize {
		return Blob{}, wrapErr(op, documentID, fmt.Errorf("%w: %d bytes, max %d", ErrSizeLimitExceeded, len(data), l.opts.MaxBlobSize))
	}

	now := l.now()
	sum := sha256.Sum256(data)

	mime := opts.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}

	blob := Blob{
		DocumentID: documentID,
		MimeType:   mime,
		Size:       int64(len(data)),
		Checksum:   hex.EncodeToString(sum[:]),
		CreatedAt:  now,
		Metadata:   maps.Clone(opts.Metadata),
	}

	err := l.update(ctx, func(tx *objstore.Tx) error {
		// Ids embed the creation time; bump until free so two blobs stored
		// within the same nanosecond stay distinct.
		nanos := now.UnixNano()

		for {
			blob.ID = documentID + "_" + strconv.FormatInt(nanos, 10)

			exists, err := tx.Exists(colBlobs, blob.ID)
			if err != nil {
				return err
			}

			if !exists {
				break
			}

			nanos++
		}

		err := tx.Add(colBlobs, blob.ID, blob)
		if err != nil {
			return err
		}

		return tx.Add(colBlobData, blob.ID, blobData{Data: base64.StdEncoding.EncodeToString(data)})
	})
	if err != nil {
		return Blob{}, wrapErr(op, documentID, err)
	}

	l.log.Debug("blob stored", "id", blob.ID, "size", blob.Size)

	blob.Data = data

	return blob, nil
}

// GetBlob returns the blob with its bytes after verifying them against the
// stored checksum. Corrupted bytes yield [ErrChecksumMismatch].
func (l *Library) GetBlob(ctx context.Context, id string) (Blob, error) {
	const op = "get blob"

	var (
		blob Blob
		raw  blobData
	)

	err := l.view(ctx, func(tx *objstore.Tx) error {
		err := tx.Get(colBlobs, id, &blob)
		if errors.Is(err, objstore.ErrNotFound) {
			return notFound("blob")
		}

		if err != nil {
			return err
		}

		err = tx.Get(colBlobData, id, &raw)
		if errors.Is(err, objstore.ErrNotFound) {
			return fmt.Errorf("%w: payload missing", ErrChecksumMismatch)
		}

		return err
	})
	if err != nil {
		return Blob{}, wrapErr(op, id, err)
	}

	data, err := base64.StdEncoding.DecodeString(raw.Data)
	if err != nil {
		return Blob{}, wrapErr(op, id, fmt.Errorf("%w: undecodable payload", ErrChecksumMismatch))
	}

	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != blob.Checksum {
		l.log.Warn("blob checksum mismatch", "id", id, "want", blob.Checksum, "got", got)

		return Blob{}, wrapErr(op, id, fmt.Errorf("%w: want %s, got %s", ErrChecksumMismatch, blob.Checksum, got))
	}

	blob.Data = data

	return blob, nil
}

// ListBlobs returns the metadata of every blob stored for documentID, oldest
// first. Data is not loaded.
func (l *Library) ListBlobs(ctx context.Context, documentID string) ([]Blob, error) {
	var blobs []Blob

	err := l.view(ctx, func(tx *objstore.Tx) error {
		var err error

		blobs, err = objstore.All[Blob](tx, colBlobs, objstore.Query{Index: "document_id", Equal: documentID})

		return err
	})
	if err != nil {
		return nil, wrapErr("list blobs", documentID, err)
	}

	if blobs == nil {
		blobs = []Blob{}
	}

	return blobs, nil
}

// DeleteBlob removes one blob. Returns [ErrNotFound] if it does not exist.
func (l *Library) DeleteBlob(ctx context.Context, id string) error {
	err := l.update(ctx, func(tx *objstore.Tx) error {
		ok, err := tx.Delete(colBlobs, id)
		if err != nil {
			return err
		}

		if !ok {
			return notFound("blob")
		}

		_, err = tx.Delete(colBlobData, id)

		return err
	})
	if err != nil {
		return wrapErr("delete blob", id, err)
	}

	return nil
}

// DeleteBlobsByDocument removes every blob referencing documentID and
// returns how many were removed.
func (l *Library) DeleteBlobsByDocument(ctx context.Context, documentID string) (int, error) {
	var n int

	err := l.update(ctx, func(tx *objstore.Tx) error {
		ids, err := tx.Keys(colBlobs, objstore.Query{Index: "document_id", Equal: documentID})
		if err != nil {
			return err
		}

		for _, id := range ids {
			_, err = tx.Delete(colBlobs, id)
			if err != nil {
				return err
			}

			_, err = tx.Delete(colBlobData, id)
			if err != nil {
				return err
			}
		}

		n = len(ids)

		return nil
	})
	if err != nil {
		return 0, wrapErr("delete blobs by document", documentID, err)
	}

	if n > 0 {
		l.log.Debug("blobs deleted", "document", documentID, "count", n)
	}

	return n, nil
}
