package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/dreammarket/go-dreammarket/env"
	"github.com/dreammarket/go-dreammarket/service/logger"
)

type connectionParams struct {
	user     string
	password string
	dbname   string
	host     string
	port     int
	appname  string
}

// ConnectionOption configures a database connection
type ConnectionOption func(params *connectionParams)

// WithUser overrides POSTGRES_USER
func WithUser(user string) ConnectionOption {
	return func(params *connectionParams) {
		params.user = user
	}
}

// WithPassword overrides POSTGRES_PASSWORD
func WithPassword(password string) ConnectionOption {
	return func(params *connectionParams) {
		params.password = password
	}
}

// WithDBName overrides POSTGRES_DB
func WithDBName(dbname string) ConnectionOption {
	return func(params *connectionParams) {
		params.dbname = dbname
	}
}

// WithHost overrides POSTGRES_HOST
func WithHost(host string) ConnectionOption {
	return func(params *connectionParams) {
		params.host = host
	}
}

// WithPort overrides POSTGRES_PORT
func WithPort(port int) ConnectionOption {
	return func(params *connectionParams) {
		params.port = port
	}
}

// WithAppName sets the application_name reported to postgres
func WithAppName(appname string) ConnectionOption {
	return func(params *connectionParams) {
		params.appname = appname
	}
}

func newConnectionParamsFromEnv(opts ...ConnectionOption) connectionParams {
	params := connectionParams{
		user:     env.GetString("POSTGRES_USER"),
		password: env.GetString("POSTGRES_PASSWORD"),
		dbname:   env.GetString("POSTGRES_DB"),
		host:     env.GetString("POSTGRES_HOST"),
		port:     env.GetInt("POSTGRES_PORT"),
		appname:  "dreammarket",
	}
	for _, opt := range opts {
		opt(&params)
	}
	return params
}

func (p connectionParams) url() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(p.user, p.password),
		Host:   fmt.Sprintf("%s:%d", p.host, p.port),
		Path:   p.dbname,
	}
	q := u.Query()
	q.Set("sslmode", "disable")
	q.Set("application_name", p.appname)
	u.RawQuery = q.Encode()
	return u.String()
}

// NewClient opens a database/sql connection backed by lib/pq
func NewClient(opts ...ConnectionOption) (*sql.DB, error) {
	params := newConnectionParamsFromEnv(opts...)

	db, err := sql.Open("postgres", params.url())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// MustCreateClient is like NewClient but panics when the database is unreachable
func MustCreateClient(opts ...ConnectionOption) *sql.DB {
	db, err := NewClient(opts...)
	if err != nil {
		logger.For(nil).WithError(err).Fatal("could not connect to postgres")
	}
	return db
}

// NewPgxClient opens a pgx connection pool, used for bulk reads
func NewPgxClient(opts ...ConnectionOption) *pgxpool.Pool {
	params := newConnectionParamsFromEnv(opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	config, err := pgxpool.ParseConfig(params.url())
	if err != nil {
		logger.For(nil).WithError(err).Fatal("invalid pgx config")
	}
	config.MaxConns = 10

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		logger.For(nil).WithFields(logrus.Fields{"host": params.host, "port": params.port}).WithError(err).Fatal("could not connect to postgres")
	}
	return pool
}

// Repositories holds every postgres repository
type Repositories struct {
	db                    *sql.DB
	pool                  *pgxpool.Pool
	SoulRepository        *SoulRepository
	TransactionRepository *TransactionRepository
	EvolutionRepository   *EvolutionRepository
	SoulScanner           *SoulScanner
}

// NewRepositories prepares every repository against db and pool
func NewRepositories(db *sql.DB, pool *pgxpool.Pool) *Repositories {
	return &Repositories{
		db:                    db,
		pool:                  pool,
		SoulRepository:        NewSoulRepository(db),
		TransactionRepository: NewTransactionRepository(db),
		EvolutionRepository:   NewEvolutionRepository(db),
		SoulScanner:           NewSoulScanner(pool),
	}
}

// Close closes the underlying connections
func (r *Repositories) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
	if err := r.db.Close(); err != nil {
		logger.For(nil).WithError(err).Error("failed to close postgres client")
	}
}

func checkNoErr(err error) {
	if err != nil {
		panic(err)
	}
}
