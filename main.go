package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/dverbeek/syncdoc/access"
	"github.com/dverbeek/syncdoc/auth"
	"github.com/dverbeek/syncdoc/crdt"
	"github.com/dverbeek/syncdoc/server"
	"github.com/dverbeek/syncdoc/store"
)

const tokenTTL = 7 * 24 * time.Hour

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	backend := flag.String("store", envOr("STORE_BACKEND", "memory"), "store backend: memory, postgres or firestore")
	crdtImpl := flag.String("crdt", envOr("CRDT_BACKEND", "automerge"), "crdt backend: automerge or memory")
	cacheFlush := flag.Duration("cache-flush", 0, "if set, wrap the store in a write-behind checkpoint cache with this flush interval")
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal().Msg("JWT_SECRET is required")
	}
	issuer := auth.NewIssuer([]byte(secret), tokenTTL)

	st, cleanup, err := openStore(*backend, log)
	if err != nil {
		log.Fatal().Err(err).Str("backend", *backend).Msg("failed to open store")
	}
	defer cleanup()

	if *cacheFlush > 0 {
		cached := store.NewCachedStore(st, *cacheFlush, log)
		defer cached.Close()
		st = cached
	}

	factory := crdt.NewAutomerge
	if *crdtImpl == "memory" {
		factory = crdt.NewMemory
	}

	policy := access.NewPolicy(st)
	hub := server.NewHub(st, policy, factory, log)
	go hub.Run()

	api := server.NewAPI(st, policy, issuer, log)
	handler := server.NewHandler(hub, api, issuer, log)

	log.Info().Str("addr", *addr).Str("store", *backend).Msg("starting server")
	if err := http.ListenAndServe(*addr, handler); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func openStore(backend string, log zerolog.Logger) (store.Store, func(), error) {
	switch backend {
	case "memory":
		return store.NewMemoryStore(), func() {}, nil

	case "postgres":
		ctx := context.Background()
		pool, err := pgxpool.New(ctx, os.Getenv("DATABASE_URL"))
		if err != nil {
			return nil, nil, err
		}
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return pg, pool.Close, nil

	case "firestore":
		client, err := firestore.NewClient(context.Background(), os.Getenv("FIRESTORE_PROJECT"))
		if err != nil {
			return nil, nil, err
		}
		return store.NewFirestoreStore(client), func() { client.Close() }, nil

	default:
		log.Fatal().Str("backend", backend).Msg("unknown store backend")
		return nil, nil, nil
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
