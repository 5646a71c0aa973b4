package nidoauth

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	resetKeyPrefix       = "pwr"
	resetRecordVersionV1 = 1
)

var (
	errResetNotFound         = errors.New("reset record not found")
	errResetExpired          = errors.New("reset record expired")
	errResetSecretMismatch   = errors.New("reset secret mismatch")
	errResetAttemptsExceeded = errors.New("reset attempts exceeded")
	errResetStoreUnavailable = errors.New("reset store unavailable")
)

// passwordResetRecord is the at-rest form of a pending reset. Only the
// SHA-256 of the token secret is stored; the used flag is implicit in the
// record's existence — consuming it deletes the key, which makes the
// false→true transition of "used" monotonic by construction.
type passwordResetRecord struct {
	UserID     string
	Email      string
	SecretHash [32]byte
	ExpiresAt  int64
	Attempts   uint16
}

type passwordResetStore struct {
	redis  *redis.Client
	prefix string
}

func newPasswordResetStore(client *redis.Client, prefix string) *passwordResetStore {
	if prefix == "" {
		prefix = "na"
	}
	return &passwordResetStore{redis: client, prefix: prefix}
}

func (s *passwordResetStore) key(tenantID, resetID string) string {
	if tenantID == "" {
		tenantID = "0"
	}
	return s.prefix + ":" + resetKeyPrefix + ":" + tenantID + ":" + resetID
}

func (s *passwordResetStore) Save(
	ctx context.Context,
	tenantID, resetID string,
	record *passwordResetRecord,
	ttl time.Duration,
) error {
	encoded, err := encodePasswordResetRecord(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(tenantID, resetID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", errResetStoreUnavailable, err)
	}
	return nil
}

// Consume validates the secret and deletes the record in one WATCH
// transaction, so a token is accepted at most once even under concurrent
// confirms. Wrong secrets burn an attempt; exceeding maxAttempts destroys
// the record.
func (s *passwordResetStore) Consume(
	ctx context.Context,
	tenantID, resetID string,
	providedHash [32]byte,
	maxAttempts int,
) (*passwordResetRecord, error) {
	const maxRetries = 4
	key := s.key(tenantID, resetID)

	for i := 0; i < maxRetries; i++ {
		var matched *passwordResetRecord

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodePasswordResetRecord(data)
			if err != nil {
				return err
			}

			if time.Now().Unix() > record.ExpiresAt {
				if err := txDelete(ctx, tx, key); err != nil {
					return err
				}
				return errResetExpired
			}

			if subtle.ConstantTimeCompare(record.SecretHash[:], providedHash[:]) != 1 {
				record.Attempts++
				if int(record.Attempts) >= maxAttempts {
					if err := txDelete(ctx, tx, key); err != nil {
						return err
					}
					return errResetAttemptsExceeded
				}

				ttl := time.Until(time.Unix(record.ExpiresAt, 0))
				if ttl <= 0 {
					if err := txDelete(ctx, tx, key); err != nil {
						return err
					}
					return errResetNotFound
				}

				updated, err := encodePasswordResetRecord(record)
				if err != nil {
					return err
				}
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, key, updated, ttl)
					return nil
				})
				if err != nil {
					return err
				}
				return errResetSecretMismatch
			}

			if err := txDelete(ctx, tx, key); err != nil {
				return err
			}
			matched = record
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil), errors.Is(err, errResetNotFound),
				errors.Is(err, errResetExpired), errors.Is(err, errResetSecretMismatch),
				errors.Is(err, errResetAttemptsExceeded):
				return nil, err
			default:
				return nil, fmt.Errorf("%w: %v", errResetStoreUnavailable, err)
			}
		}

		return matched, nil
	}

	return nil, errResetNotFound
}

func txDelete(ctx context.Context, tx *redis.Tx, key string) error {
	_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		return nil
	})
	return err
}

func encodePasswordResetRecord(record *passwordResetRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(resetRecordVersionV1)
	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}
	if err := writeLenPrefixed(&buf, record.UserID); err != nil {
		return nil, err
	}
	if err := writeLenPrefixed(&buf, record.Email); err != nil {
		return nil, err
	}
	buf.Write(record.SecretHash[:])

	return buf.Bytes(), nil
}

func decodePasswordResetRecord(data []byte) (*passwordResetRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != resetRecordVersionV1 {
		return nil, errors.New("invalid reset record version")
	}

	record := &passwordResetRecord{}
	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}
	if record.UserID, err = readLenPrefixed(reader); err != nil {
		return nil, err
	}
	if record.Email, err = readLenPrefixed(reader); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, record.SecretHash[:]); err != nil {
		return nil, err
	}

	return record, nil
}

func writeLenPrefixed(buf *bytes.Buffer, s string) error {
	if len(s) > 65535 {
		return errors.New("reset record field too long")
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	buf.WriteString(s)
	return nil
}

func readLenPrefixed(reader *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
		return "", err
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(reader, out); err != nil {
		return "", err
	}
	return string(out), nil
}
