// Copyright 2021-2022 The httpmq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/is-akash/socket-chat-example/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var postgresMigrations embed.FS

const (
	// pgUniqueViolation SQLSTATE of a unique constraint violation
	pgUniqueViolation = "23505"
	// pgDataExceptionClass SQLSTATE class of rejected values
	pgDataExceptionClass = "22"
)

// postgresLogStore log store persisted in a postgres table
type postgresLogStore struct {
	common.Component
	pool        *pgxpool.Pool
	writeLock   sync.Mutex
	pageSize    int
	pageTimeout time.Duration
}

// GetPostgresLogStore connect to postgres, apply the schema migrations, and define a log
// store on the relay_records table
func GetPostgresLogStore(
	ctxt context.Context,
	config common.PostgresStoreConfig,
	pageSize int,
	pageTimeout time.Duration,
	instance string,
) (LogStore, error) {
	logTags := log.Fields{"module": "storage", "component": "postgres", "instance": instance}
	poolConfig, err := pgxpool.ParseConfig(config.URL)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid postgres URL")
		return nil, err
	}
	poolConfig.MaxConns = config.MaxConns
	pool, err := pgxpool.NewWithConfig(ctxt, poolConfig)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define postgres pool")
		return nil, unavailable(err)
	}
	if err := pool.Ping(ctxt); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to reach postgres")
		pool.Close()
		return nil, unavailable(err)
	}
	if err := migratePostgresSchema(pool); err != nil {
		log.WithError(err).WithFields(logTags).Error("Schema migration failed")
		pool.Close()
		return nil, err
	}
	log.WithFields(logTags).Info("Postgres log store ready")
	return &postgresLogStore{
		Component:   common.Component{LogTags: logTags},
		pool:        pool,
		pageSize:    pageSize,
		pageTimeout: pageTimeout,
	}, nil
}

// migratePostgresSchema apply the embedded goose migrations.
//
// The sql.DB borrows connections from the pool, and is released with it.
func migratePostgresSchema(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	goose.SetBaseFS(postgresMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// isDataException whether postgres rejected a value, such as text holding a NUL byte or
// invalid UTF-8 (SQLSTATE class 22)
func isDataException(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, pgDataExceptionClass)
}

// Append write content to the end of the log
func (s *postgresLogStore) Append(
	ctxt context.Context, content, dedupToken string,
) (AppendResult, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	logTags := s.GetLogTagsForContext(ctxt)
	var token *string
	if dedupToken != "" {
		existing, err := s.OffsetForToken(ctxt, dedupToken)
		if err == nil {
			return AppendResult{Offset: existing, Assigned: false}, nil
		}
		if !errors.Is(err, ErrTokenNotFound) {
			return AppendResult{}, err
		}
		token = &dedupToken
	}

	// Offsets are allocated from the current maximum inside the insert. A sequence would
	// leave holes behind failed inserts.
	var offset int64
	err := pgx.BeginFunc(ctxt, s.pool, func(tx pgx.Tx) error {
		return tx.QueryRow(
			ctxt,
			`INSERT INTO relay_records (record_offset, dedup_token, content, appended_at)
			SELECT COALESCE(MAX(record_offset), 0) + 1, $1, $2, $3 FROM relay_records
			RETURNING record_offset`,
			token, content, time.Now().UTC(),
		).Scan(&offset)
	})
	if err != nil {
		if isUniqueViolation(err) {
			log.WithError(err).WithFields(logTags).Warn("Append collided with existing record")
			return AppendResult{}, ErrConstraintViolation
		}
		if isDataException(err) {
			log.WithError(err).WithFields(logTags).Warn("Append rejected content")
			return AppendResult{}, fmt.Errorf("%w: %s", ErrInvalidContent, err.Error())
		}
		log.WithError(err).WithFields(logTags).Error("Append failed")
		return AppendResult{}, unavailable(err)
	}
	return AppendResult{Offset: uint64(offset), Assigned: true}, nil
}

// OffsetForToken fetch the offset of the record carrying the dedup token
func (s *postgresLogStore) OffsetForToken(
	ctxt context.Context, dedupToken string,
) (uint64, error) {
	var offset int64
	err := s.pool.QueryRow(
		ctxt, `SELECT record_offset FROM relay_records WHERE dedup_token = $1`, dedupToken,
	).Scan(&offset)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrTokenNotFound
	}
	if isDataException(err) {
		return 0, fmt.Errorf("%w: %s", ErrInvalidContent, err.Error())
	}
	if err != nil {
		return 0, unavailable(err)
	}
	return uint64(offset), nil
}

// Tail fetch the highest committed offset
func (s *postgresLogStore) Tail(ctxt context.Context) (uint64, error) {
	var tail int64
	if err := s.pool.QueryRow(
		ctxt, `SELECT COALESCE(MAX(record_offset), 0) FROM relay_records`,
	).Scan(&tail); err != nil {
		return 0, unavailable(err)
	}
	return uint64(tail), nil
}

// ReadFrom call handler with each record after the offset
func (s *postgresLogStore) ReadFrom(
	ctxt context.Context, after uint64, handler RecordHandler,
) error {
	upTo, err := s.Tail(ctxt)
	if err != nil {
		return err
	}
	return readPaged(ctxt, after, upTo, s.pageSize, s.pageTimeout, s.fetchPage, handler)
}

func (s *postgresLogStore) fetchPage(
	ctxt context.Context, after, upTo uint64, limit int,
) ([]Record, error) {
	rows, err := s.pool.Query(
		ctxt,
		`SELECT record_offset, dedup_token, content, appended_at FROM relay_records
		WHERE record_offset > $1 AND record_offset <= $2
		ORDER BY record_offset LIMIT $3`,
		int64(after), int64(upTo), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	page := make([]Record, 0, limit)
	for rows.Next() {
		var offset int64
		var token *string
		var record Record
		if err := rows.Scan(&offset, &token, &record.Content, &record.AppendedAt); err != nil {
			return nil, err
		}
		record.Offset = uint64(offset)
		if token != nil {
			record.DedupToken = *token
		}
		record.AppendedAt = record.AppendedAt.UTC()
		page = append(page, record)
	}
	return page, rows.Err()
}

// Close release the store resources
func (s *postgresLogStore) Close(ctxt context.Context) error {
	s.pool.Close()
	return nil
}
