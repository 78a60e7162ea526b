package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"collab-api/api"
	"collab-api/board"
	"collab-api/outbox"
	"collab-api/presence"
	"collab-api/room"
	"collab-api/session"
	"collab-api/storage"
)

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Fatalf("invalid %s: %q", name, v)
	}
	return n
}

func envDur(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Fatalf("invalid %s: %q", name, v)
	}
	return d
}

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	tasksTableName := os.Getenv("TASKS_TABLE")
	membershipTableName := os.Getenv("MEMBERSHIP_TABLE")
	eventQueueName := os.Getenv("EVENT_QUEUE")
	if connStr == "" || tasksTableName == "" || membershipTableName == "" || eventQueueName == "" {
		log.Fatal("missing storage config")
	}
	store, err := storage.New(connStr, tasksTableName, membershipTableName, eventQueueName)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	redisOpts, err := redis.ParseURL(redisConn)
	if err != nil {
		parts := strings.Split(redisConn, ",")
		redisOpts = &redis.Options{Addr: parts[0]}
		for _, p := range parts[1:] {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) != 2 {
				continue
			}
			switch strings.ToLower(kv[0]) {
			case "password":
				redisOpts.Password = kv[1]
			case "ssl":
				if strings.ToLower(kv[1]) == "true" {
					redisOpts.TLSConfig = &tls.Config{}
				}
			}
		}
	}
	rc := redis.NewClient(redisOpts)

	deduper := storage.NewRedisDeduper(rc, envDur("DEDUPER_TTL", 24*time.Hour))
	history := storage.NewChatHistory(rc, envInt("CHAT_HISTORY_LIMIT", 50))
	roster := storage.NewRosterCache(store, rc, envDur("ROSTER_CACHE_TTL", time.Minute))

	testMode := os.Getenv("AUTH0_TEST_MODE") == "1" || os.Getenv("LOCAL_AUTH_MODE") != ""
	var auth *api.Auth
	if testMode {
		auth = api.NewAuth(nil, "", "")
	} else {
		jwtAudience := os.Getenv("AUTH0_AUDIENCE")
		domain := os.Getenv("AUTH0_DOMAIN")
		if jwtAudience == "" || domain == "" {
			log.Fatal("missing Auth0 config")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		auth = api.NewAuth(jwks, jwtAudience, "https://"+domain+"/")
	}

	directory := presence.NewDirectory()
	relay := room.NewRelay(rc, os.Getenv("RELAY_CHANNEL"), logger)
	broadcaster := room.NewBroadcaster(directory, relay, logger)
	go relay.Run(context.Background(), broadcaster.DeliverFrame)

	manager := board.NewManager(store, logger)
	feed := outbox.New(store, logger, outbox.Options{
		Workers:        envInt("OUTBOX_WORKERS", 32),
		Buffer:         envInt("OUTBOX_BUFFER", 4096),
		EnqueueTimeout: envDur("OUTBOX_TIMEOUT", 60*time.Second),
		HandoffTimeout: envDur("OUTBOX_HANDOFF_TIMEOUT", 15*time.Millisecond),
	})

	deps := session.Deps{
		Auth:     auth,
		Presence: directory,
		Rooms:    broadcaster,
		Boards:   manager,
		Roster:   roster,
		History:  history,
		Deduper:  deduper,
		Feed:     feed,
	}
	cfg := session.Config{OpTimeout: envDur("SESSION_OP_TIMEOUT", 10*time.Second)}

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	api.Register(e, auth, roster, directory, broadcaster, deps, cfg, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}
