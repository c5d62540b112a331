package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	hashDescriptionLimit = 200
	hashTimeLayout       = "2006-01-02T15:04:05.000Z07:00"
)

// HashInput lists the fields that identify a transaction for deduplication.
type HashInput struct {
	AccountID        uuid.UUID
	BookedAt         time.Time
	AmountMinor      int64
	CounterpartyIBAN string
	EndToEndID       string
	Description      string
}

// ReferenceHash returns the hex SHA-256 fingerprint of the dedup fields.
func ReferenceHash(in HashInput) string {
	desc := []rune(in.Description)
	if len(desc) > hashDescriptionLimit {
		desc = desc[:hashDescriptionLimit]
	}
	key := strings.Join([]string{
		in.AccountID.String(),
		in.BookedAt.UTC().Format(hashTimeLayout),
		strconv.FormatInt(in.AmountMinor, 10),
		in.CounterpartyIBAN,
		in.EndToEndID,
		string(desc),
	}, "|")
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
