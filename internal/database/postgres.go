package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const pingTimeout = 5 * time.Second

type PgChatRepository struct {
	conn *sql.DB
}

func NewPgChatRepository(dsn string) (*PgChatRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxIdleTime(5 * time.Minute)

	repo := &PgChatRepository{conn: db}
	if err := repo.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return repo, nil
}

func (db *PgChatRepository) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	return db.conn.PingContext(ctx)
}

// Migrate applies the embedded schema migrations.
func (db *PgChatRepository) Migrate() error {
	return Migrate(db.conn)
}

func (db *PgChatRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
