package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
)

// HashBytes returns the hex sha256 used as the staging dedup key.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", errors.Wrap(err, "failed to hash workbook")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DedupGate reports whether a workbook with the same content hash was already staged.
type DedupGate struct {
	store StagingStore
}

func NewDedupGate(store StagingStore) *DedupGate {
	return &DedupGate{store: store}
}

// Seen is false when the staging table does not exist yet.
func (g *DedupGate) Seen(ctx context.Context, table pgx.Identifier, fileHash string) (bool, error) {
	seen, err := g.store.HashExists(ctx, table, fileHash)
	if err != nil {
		return false, errors.Wrap(err, "dedup check")
	}
	return seen, nil
}
